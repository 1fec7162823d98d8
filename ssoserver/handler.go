package ssoserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ssokit/ssolink"
	"github.com/ssokit/ssolink/internal/logctx"
	"github.com/ssokit/ssolink/internal/realip"

	"github.com/elnormous/contenttype"
)

// DefaultSessionCookie names the server's own session cookie, the one the
// attach redirect rides on. Broker token cookies are a client concern and
// never reach this handler.
const DefaultSessionCookie = "sso_server_sid"

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
	formMediaType = contenttype.NewMediaType("application/x-www-form-urlencoded")
)

// HandlerOption configures the HTTP handler.
type HandlerOption func(*Handler)

// WithSessionCookie overrides the server session cookie name.
func WithSessionCookie(name string) HandlerOption {
	return func(h *Handler) { h.cookieName = name }
}

// WithCookieAttributes sets the domain/path/flags applied to the server
// session cookie. Secure and HTTP-only default to on.
func WithCookieAttributes(domain, path string, secure, httpOnly bool) HandlerOption {
	return func(h *Handler) {
		h.cookieDomain = domain
		if path != "" {
			h.cookiePath = path
		}
		h.cookieSecure = secure
		h.cookieHTTPOnly = httpOnly
	}
}

// WithCookieTTL bounds the server session cookie lifetime.
func WithCookieTTL(ttl time.Duration) HandlerOption {
	return func(h *Handler) { h.cookieTTL = ttl }
}

// WithHandlerLogger sets the slog logger. If not provided, logs are
// discarded.
func WithHandlerLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithoutProxyHeaders makes the handler derive client addresses from the
// TCP peer only, ignoring X-Forwarded-For and X-Real-IP. Use it when no
// trusted proxy fronts the server.
func WithoutProxyHeaders() HandlerOption {
	return func(h *Handler) { h.trustProxy = false }
}

// Handler exposes a Server as the protocol's single HTTP endpoint,
// dispatching on the command field. Protocol outcomes always travel as an
// HTTP 200 JSON envelope; the one exception is a successful attach with a
// next URL, which turns into a redirect so the browser lands back on the
// broker.
type Handler struct {
	srv            *Server
	log            *slog.Logger
	cookieName     string
	cookieDomain   string
	cookiePath     string
	cookieSecure   bool
	cookieHTTPOnly bool
	cookieTTL      time.Duration
	trustProxy     bool
}

// NewHandler wraps a Server in an http.Handler.
func NewHandler(srv *Server, opts ...HandlerOption) *Handler {
	h := &Handler{
		srv:            srv,
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		cookieName:     DefaultSessionCookie,
		cookiePath:     "/",
		cookieSecure:   true,
		cookieHTTPOnly: true,
		cookieTTL:      time.Hour,
		trustProxy:     true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ http.Handler = (*Handler)(nil)

// wireRequest is the JSON body shape. Field names match the query/form
// parameter names.
type wireRequest struct {
	Command    string `json:"command"`
	Broker     string `json:"broker"`
	Token      string `json:"token"`
	Checksum   string `json:"checksum"`
	SSOSession string `json:"ssoSession"`
	Next       string `json:"next"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wire, err := h.decodeRequest(r)
	if err != nil {
		h.writeResult(w, ssolink.Failure(ssolink.CodeNoSession, "Malformed request"))
		return
	}

	cmdReq := &Request{
		SSOSession: wire.SSOSession,
		Broker:     wire.Broker,
		Token:      wire.Token,
		Checksum:   wire.Checksum,
		Next:       wire.Next,
		Username:   wire.Username,
		Password:   wire.Password,
		ClientAddr: h.clientAddr(r),
	}
	if cookie, err := r.Cookie(h.cookieName); err == nil {
		cmdReq.LocalSessionID = cookie.Value
	}

	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	ctx = logctx.WithCommandData(ctx, &logctx.CommandData{
		Command:   wire.Command,
		BrokerID:  wire.Broker,
		SessionID: wire.SSOSession,
	})

	cmd, ok := ssolink.ParseCommand(wire.Command)
	if !ok {
		h.log.DebugContext(ctx, "unknown command rejected", "command", wire.Command)
		h.writeResult(w, ssolink.Failure(ssolink.CodeNoSession, "Unknown command"))
		return
	}

	res, sess := h.srv.Work(ctx, cmd, cmdReq)
	if sess != nil {
		http.SetCookie(w, &http.Cookie{
			Name:     h.cookieName,
			Value:    sess.ID(),
			Domain:   h.cookieDomain,
			Path:     h.cookiePath,
			Secure:   h.cookieSecure,
			HttpOnly: h.cookieHTTPOnly,
			Expires:  time.Now().Add(h.cookieTTL),
		})
	}

	if cmd == ssolink.CommandAttach && res.OK() && res.Next != "" {
		http.Redirect(w, r, res.Next, http.StatusFound)
		return
	}
	h.writeResult(w, res)
}

// decodeRequest lifts protocol fields from the query string and, for POST
// requests, from a JSON or form body. Body fields win over query fields.
func (h *Handler) decodeRequest(r *http.Request) (*wireRequest, error) {
	wire := &wireRequest{}
	fill := func(get func(string) string) {
		set := func(dst *string, name string) {
			if v := get(name); v != "" {
				*dst = v
			}
		}
		set(&wire.Command, "command")
		set(&wire.Broker, "broker")
		set(&wire.Token, "token")
		set(&wire.Checksum, "checksum")
		set(&wire.SSOSession, "ssoSession")
		set(&wire.Next, "next")
		set(&wire.Username, "username")
		set(&wire.Password, "password")
	}

	query := r.URL.Query()
	fill(query.Get)

	if r.Method == http.MethodGet || r.Body == nil {
		return wire, nil
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil {
		// An absent or exotic content type is tolerated; the query string
		// already provided what it provided.
		return wire, nil
	}

	switch {
	case ctype.Matches(jsonMediaType):
		var body wireRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, err
		}
		merge := func(dst *string, v string) {
			if v != "" {
				*dst = v
			}
		}
		merge(&wire.Command, body.Command)
		merge(&wire.Broker, body.Broker)
		merge(&wire.Token, body.Token)
		merge(&wire.Checksum, body.Checksum)
		merge(&wire.SSOSession, body.SSOSession)
		merge(&wire.Next, body.Next)
		merge(&wire.Username, body.Username)
		merge(&wire.Password, body.Password)
	case ctype.Matches(formMediaType):
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		fill(r.PostForm.Get)
	}
	return wire, nil
}

func (h *Handler) writeResult(w http.ResponseWriter, res *ssolink.Result) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.Error("result encode failed", "err", err)
	}
}

// clientAddr derives the client address the derivations are bound to.
func (h *Handler) clientAddr(r *http.Request) string {
	return realip.FromRequest(r, h.trustProxy)
}
