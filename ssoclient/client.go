// Package ssoclient implements the broker role of the session-linking
// protocol: it owns the per-broker token cookie, builds signed attach URLs
// and performs the authenticated login, logout and userInfo calls against
// the session server.
//
// A Broker is the long-lived, shared configuration; a Client is the
// per-request handle created from a ResponseWriter/Request pair. The usual
// shape inside an application middleware is:
//
//	c := broker.Client(w, r)
//	if res := c.Attach(""); !res.OK() {
//		http.Redirect(w, r, res.Next, http.StatusFound)
//		return
//	}
//	info := c.UserInfo(r.Context())
//	if info.Attached != nil && !*info.Attached {
//		// Server lost the linkage; drop the token and re-attach.
//		c.RemoveToken()
//		res := c.Attach("")
//		http.Redirect(w, r, res.Next, http.StatusFound)
//		return
//	}
package ssoclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ssokit/ssolink"
	"github.com/ssokit/ssolink/internal/realip"
)

// DefaultTokenTTL bounds the token cookie lifetime. Tokens are refreshed
// implicitly: an expired cookie simply causes a fresh token and a new
// attach on the next request.
const DefaultTokenTTL = time.Hour

// DefaultRequestTimeout bounds each outbound call to the server. The only
// recovery path for a timeout is the generic transient-failure result;
// retrying is up to the caller.
const DefaultRequestTimeout = 10 * time.Second

// MetricFunc counts protocol events, most importantly the expected
// re-attach signals that must not be treated as warnings.
type MetricFunc func(name string)

// SessionLease releases and reacquires the application's own session
// around outbound calls. When the broker and the server share a session
// backend, holding the local session lock while calling out can
// self-deadlock: the outbound request may need the very session this
// request still holds. Release-then-reacquire is a required ordering, not
// an optimization.
type SessionLease interface {
	Release(ctx context.Context) error
	Reacquire(ctx context.Context) error
}

var cookieNameSanitizer = regexp.MustCompile(`[_\W]+`)

// TokenCookieName derives the cookie name for a broker id. Embedding the
// broker id keeps co-hosted brokers on one domain from clobbering each
// other's tokens.
func TokenCookieName(brokerID string) string {
	return "sso_token_" + cookieNameSanitizer.ReplaceAllString(strings.ToLower(brokerID), "_")
}

// Option configures a Broker.
type Option func(*Broker)

// WithHTTPClient overrides the outbound HTTP client. The default uses
// DefaultRequestTimeout.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Broker) { b.http = client }
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) { b.log = log }
}

// WithMetricFunc sets the metric sink.
func WithMetricFunc(metric MetricFunc) Option {
	return func(b *Broker) { b.metric = metric }
}

// WithSessionLease installs the lease released around outbound calls.
func WithSessionLease(lease SessionLease) Option {
	return func(b *Broker) { b.lease = lease }
}

// WithUserStore installs the local shadow-user store used by InitUser.
func WithUserStore(store UserStore) Option {
	return func(b *Broker) { b.users = store }
}

// WithTokenTTL overrides DefaultTokenTTL for the token cookie.
func WithTokenTTL(ttl time.Duration) Option {
	return func(b *Broker) { b.tokenTTL = ttl }
}

// WithCookieAttributes sets the domain/path/flags applied to the token
// cookie. Secure and HTTP-only default to on.
func WithCookieAttributes(domain, path string, secure, httpOnly bool) Option {
	return func(b *Broker) {
		b.cookieDomain = domain
		if path != "" {
			b.cookiePath = path
		}
		b.cookieSecure = secure
		b.cookieHTTPOnly = httpOnly
	}
}

// WithoutProxyHeaders derives client addresses from the TCP peer only.
// Both roles must resolve addresses the same way or every derivation
// mismatches.
func WithoutProxyHeaders() Option {
	return func(b *Broker) { b.trustProxy = false }
}

// Broker is the long-lived client configuration for one registered
// application. Safe for concurrent use; per-request state lives in Client.
type Broker struct {
	serverURL      string
	brokerID       string
	secret         string
	http           *http.Client
	log            *slog.Logger
	metric         MetricFunc
	lease          SessionLease
	users          UserStore
	cookieDomain   string
	cookiePath     string
	cookieSecure   bool
	cookieHTTPOnly bool
	tokenTTL       time.Duration
	trustProxy     bool
}

// New creates a Broker. serverURL is the server's command endpoint;
// brokerID and secret are the identity issued by the server operator.
func New(serverURL, brokerID, secret string, opts ...Option) (*Broker, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("ssoclient: server URL is required")
	}
	if _, err := url.Parse(serverURL); err != nil {
		return nil, fmt.Errorf("ssoclient: invalid server URL: %w", err)
	}
	if brokerID == "" || secret == "" {
		return nil, fmt.Errorf("ssoclient: broker id and secret are required")
	}

	b := &Broker{
		serverURL:      serverURL,
		brokerID:       brokerID,
		secret:         secret,
		http:           &http.Client{Timeout: DefaultRequestTimeout},
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		metric:         func(string) {},
		cookiePath:     "/",
		cookieSecure:   true,
		cookieHTTPOnly: true,
		tokenTTL:       DefaultTokenTTL,
		trustProxy:     true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// CookieName returns the token cookie name for this broker.
func (b *Broker) CookieName() string {
	return TokenCookieName(b.brokerID)
}

// Client creates the per-request handle, reading the token cookie from r.
func (b *Broker) Client(w http.ResponseWriter, r *http.Request) *Client {
	c := &Client{broker: b, w: w, r: r}
	if cookie, err := r.Cookie(b.CookieName()); err == nil {
		c.token = cookie.Value
	}
	return c
}

// Client is the per-request broker handle. Not safe for concurrent use;
// create one per inbound request.
type Client struct {
	broker *Broker
	w      http.ResponseWriter
	r      *http.Request

	token    string
	userInfo *ssolink.Result
}

// Token returns the current broker token, or empty when none exists.
func (c *Client) Token() string { return c.token }

// IsAttached reports whether this request carries a broker token. A token
// implies a completed attach handshake; the server tells us otherwise with
// attached=false.
func (c *Client) IsAttached() bool { return c.token != "" }

// GenerateToken mints a token and sets the cookie. Idempotent: an existing
// token is kept.
func (c *Client) GenerateToken() {
	if c.token != "" {
		return
	}
	c.token = ssolink.NewToken()
	c.setTokenCookie(c.token, time.Now().Add(c.broker.tokenTTL))
}

// RemoveToken drops the in-memory token and expires the cookie. Called
// when the server reports the linkage is gone, so the next request
// re-attaches cleanly instead of looping on a stale token.
func (c *Client) RemoveToken() {
	c.token = ""
	c.userInfo = nil
	c.setTokenCookie("", time.Unix(0, 0))
}

func (c *Client) setTokenCookie(value string, expires time.Time) {
	cookie := &http.Cookie{
		Name:     c.broker.CookieName(),
		Value:    value,
		Domain:   c.broker.cookieDomain,
		Path:     c.broker.cookiePath,
		Secure:   c.broker.cookieSecure,
		HttpOnly: c.broker.cookieHTTPOnly,
		Expires:  expires,
	}
	if value == "" {
		cookie.MaxAge = -1
	}
	http.SetCookie(c.w, cookie)
}

// SessionID derives the broker session identifier for the current token
// and client address, or empty when no token exists.
func (c *Client) SessionID() string {
	if c.token == "" {
		return ""
	}
	return ssolink.DeriveSessionID(c.broker.brokerID, c.token, c.clientAddr(), c.broker.secret)
}

// AttachURL builds the attach request URL: the handshake fields plus the
// current query parameters plus extra. Pure URL construction; no network
// call happens here.
func (c *Client) AttachURL(extra url.Values) string {
	c.GenerateToken()

	params := url.Values{}
	for name, values := range c.r.URL.Query() {
		params[name] = values
	}
	for name, values := range extra {
		params[name] = values
	}
	params.Set("command", string(ssolink.CommandAttach))
	params.Set("broker", c.broker.brokerID)
	params.Set("token", c.token)
	params.Set("checksum", ssolink.DeriveAttachChecksum(c.token, c.clientAddr(), c.broker.secret))

	return c.broker.serverURL + "?" + params.Encode()
}

// Attach begins or confirms the handshake. Already attached is immediate
// success, so calling Attach on every request is safe. Otherwise the
// result carries the attach URL in Next and the caller is responsible for
// redirecting the user agent there. An empty returnURL means "return to
// the current request URL".
func (c *Client) Attach(returnURL string) *ssolink.Result {
	if c.IsAttached() {
		return ssolink.Success("Attached")
	}

	if returnURL == "" {
		returnURL = c.currentURL()
	}
	res := ssolink.Failure(ssolink.CodeNoSession, "Require redirect to attach")
	res.Next = c.AttachURL(url.Values{"next": {returnURL}})
	return res
}

// currentURL reconstructs the inbound request URL for use as an attach
// return target.
func (c *Client) currentURL() string {
	scheme := "http"
	if c.r.TLS != nil {
		scheme = "https"
	}
	if forwarded := c.r.Header.Get("X-Forwarded-Proto"); c.broker.trustProxy && forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + c.r.Host + c.r.URL.RequestURI()
}

func (c *Client) clientAddr() string {
	return realip.FromRequest(c.r, c.broker.trustProxy)
}
