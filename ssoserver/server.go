// Package ssoserver implements the server role of the session-linking
// protocol: validating broker-signed requests, bridging broker session
// identifiers to local sessions through the linking cache, and executing
// the attach, login, logout and userInfo commands.
package ssoserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ssokit/ssolink"
	"github.com/ssokit/ssolink/directory"
	"github.com/ssokit/ssolink/linkcache"
	"github.com/ssokit/ssolink/sessions"
)

// DefaultLinkTTL bounds linking-cache entries. Entries are leases, not
// permanent mappings; keep this aligned with the session lifetime so a
// linkage never outlives the session it points at.
const DefaultLinkTTL = time.Hour

// MetricFunc counts protocol events. The default discards them; metrics
// are a side effect and never alter control flow.
type MetricFunc func(name string)

// Config carries the injected capabilities the server operates against.
// All four are required.
type Config struct {
	// Brokers resolves broker secrets.
	Brokers ssolink.Brokers

	// Cache is the linking store shared with the attach phase. It must be
	// reachable from every server instance.
	Cache linkcache.Cache

	// Sessions is the server-local session engine.
	Sessions sessions.Engine

	// Directory resolves credentials and public profiles.
	Directory directory.Directory
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithLinkTTL overrides DefaultLinkTTL for linking-cache entries.
func WithLinkTTL(ttl time.Duration) Option {
	return func(s *Server) { s.linkTTL = ttl }
}

// WithMetricFunc sets the metric sink.
func WithMetricFunc(metric MetricFunc) Option {
	return func(s *Server) { s.metric = metric }
}

// Server executes protocol commands against injected session, cache and
// directory capabilities. It holds no per-request state; one instance
// serves all requests.
type Server struct {
	brokers   ssolink.Brokers
	cache     linkcache.Cache
	sessions  sessions.Engine
	directory directory.Directory
	linkTTL   time.Duration
	metric    MetricFunc
	log       *slog.Logger
}

// New creates a Server.
func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.Brokers == nil {
		return nil, fmt.Errorf("ssoserver: a broker registry is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("ssoserver: a linking cache is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("ssoserver: a session engine is required")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("ssoserver: a user directory is required")
	}

	s := &Server{
		brokers:   cfg.Brokers,
		cache:     cfg.Cache,
		sessions:  cfg.Sessions,
		directory: cfg.Directory,
		linkTTL:   DefaultLinkTTL,
		metric:    func(string) {},
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Request carries the protocol fields of one inbound command, already
// lifted out of the HTTP layer.
type Request struct {
	// SSOSession is the broker session identifier presented on post-attach
	// commands.
	SSOSession string

	// Broker, Token, Checksum and Next are the attach handshake fields.
	Broker   string
	Token    string
	Checksum string
	Next     string

	// Username and Password are the login fields.
	Username string
	Password string

	// ClientAddr is the client address of this request as seen by the
	// server.
	ClientAddr string

	// LocalSessionID is the server's own session cookie value, or empty
	// when the request carries none. Only browser-routed requests (the
	// attach redirect) normally have one.
	LocalSessionID string
}

// Work dispatches one command. The returned session is non-nil only after
// a successful attach, so the HTTP layer can (re)issue the server session
// cookie; every other outcome is fully described by the Result.
func (s *Server) Work(ctx context.Context, cmd ssolink.Command, req *Request) (*ssolink.Result, sessions.Session) {
	switch cmd {
	case ssolink.CommandAttach:
		return s.attach(ctx, req)
	case ssolink.CommandLogin:
		return s.login(ctx, req), nil
	case ssolink.CommandLogout:
		return s.logout(ctx, req), nil
	case ssolink.CommandUserInfo:
		return s.userInfo(ctx, req), nil
	default:
		return ssolink.Failure(ssolink.CodeNoSession, "Unknown command"), nil
	}
}

// attach links the broker's token to a server-local session. This is the
// only write to the linking cache in the whole protocol.
func (s *Server) attach(ctx context.Context, req *Request) (*ssolink.Result, sessions.Session) {
	if req.Broker == "" {
		return ssolink.Failure(ssolink.CodeNoBroker, "No broker specified"), nil
	}
	if req.Token == "" {
		return ssolink.Failure(ssolink.CodeNoToken, "No token specified"), nil
	}

	secret, err := s.brokers.Secret(ctx, req.Broker)
	if err != nil {
		if !errors.Is(err, ssolink.ErrUnknownBroker) {
			s.log.ErrorContext(ctx, "broker registry lookup failed", "broker", req.Broker, "err", err)
		}
		return ssolink.Failure(ssolink.CodeInvalidBroker, "Invalid broker"), nil
	}

	// The checksum is the sole authentication gate for linking a browser's
	// session to a broker-presented token; a mismatch is potential
	// forgery, not user error.
	expected := ssolink.DeriveAttachChecksum(req.Token, req.ClientAddr, secret)
	if !ssolink.ChecksumEqual(expected, req.Checksum) {
		s.metric("sso.attach_checksum_rejected")
		return ssolink.Failure(ssolink.CodeBadChecksum, "Invalid checksum"), nil
	}

	sess, err := s.ensureLocalSession(ctx, req)
	if err != nil {
		s.log.ErrorContext(ctx, "local session unavailable", "err", err)
		return ssolink.Failure(ssolink.CodeNotAttached, "Session unavailable"), nil
	}

	sid := ssolink.DeriveSessionID(req.Broker, req.Token, req.ClientAddr, secret)
	if err := s.cache.Set(ctx, sid, sess.ID(), linkcache.WithTTL(s.linkTTL)); err != nil {
		s.log.ErrorContext(ctx, "linking cache write failed", "err", err)
		return ssolink.Failure(ssolink.CodeNotAttached, "Session unavailable"), nil
	}
	s.log.InfoContext(ctx, "broker session attached", "broker", req.Broker, "session", sess.ID())

	res := ssolink.Success("Attached")
	res.Next = req.Next
	return res, sess
}

// ensureLocalSession resumes the session named by the request's own cookie
// or starts a fresh one, then reconciles the bound client address. When the
// client reconnects from a new address the session id is rotated and the
// address rebound, so a roaming user keeps their logged-in state without
// leaving the old id valid.
func (s *Server) ensureLocalSession(ctx context.Context, req *Request) (sessions.Session, error) {
	var sess sessions.Session
	if req.LocalSessionID != "" {
		resumed, err := s.sessions.Resume(ctx, req.LocalSessionID)
		switch {
		case err == nil:
			sess = resumed
		case errors.Is(err, sessions.ErrNoSession):
			// Stale cookie; fall through to a fresh session.
		default:
			return nil, err
		}
	}
	if sess == nil {
		started, err := s.sessions.Start(ctx)
		if err != nil {
			return nil, err
		}
		sess = started
	}

	bound, err := sess.ClientAddr(ctx)
	if err != nil {
		return nil, err
	}
	if bound != "" && bound != req.ClientAddr {
		if _, err := sess.RegenerateID(ctx); err != nil {
			return nil, err
		}
		s.metric("sso.ip_changed")
		s.log.InfoContext(ctx, "client address changed, session id rotated",
			"bound_addr", bound, "request_addr", req.ClientAddr)
	}
	if bound != req.ClientAddr {
		if err := sess.BindClientAddr(ctx, req.ClientAddr); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// startBrokerSession resolves the presented broker session identifier to a
// live local session. Every post-attach command enters through here.
func (s *Server) startBrokerSession(ctx context.Context, req *Request) (sessions.Session, *ssolink.Result) {
	if req.SSOSession == "" {
		return nil, ssolink.Failure(ssolink.CodeNoSession, "No session")
	}

	linkedID, ok, err := s.cache.Get(ctx, req.SSOSession)
	if err != nil {
		s.log.ErrorContext(ctx, "linking cache read failed", "err", err)
		ok = false
	}
	if !ok {
		return nil, ssolink.Failure(ssolink.CodeNotAttached,
			"The broker session id isn't attached to a user session")
	}
	s.log.DebugContext(ctx, "resolved linked session", "session", linkedID)

	// An inbound request already bound to a different local session must
	// not adopt the linked one; allowing it would enable session fixation
	// across concurrent requests.
	if req.LocalSessionID != "" && req.LocalSessionID != linkedID {
		return nil, ssolink.Failure(ssolink.CodeSessionStarted, "Session has already started")
	}

	sess, err := s.sessions.Resume(ctx, linkedID)
	if err != nil {
		if !errors.Is(err, sessions.ErrNoSession) {
			s.log.ErrorContext(ctx, "session resume failed", "session", linkedID, "err", err)
		}
		// The linkage outlived the session; the broker should re-attach.
		return nil, ssolink.Failure(ssolink.CodeNotAttached,
			"The broker session id isn't attached to a user session")
	}

	if res := s.validateBrokerSessionID(ctx, sess, req.SSOSession); res != nil {
		return nil, res
	}
	return sess, nil
}

// validateBrokerSessionID re-derives the presented identifier from the
// session's bound client address and the broker's secret. A mismatch means
// the token, the address or the claimed broker changed since attach — the
// linkage is treated as hijacked-looking and rejected.
func (s *Server) validateBrokerSessionID(ctx context.Context, sess sessions.Session, sid string) *ssolink.Result {
	brokerID, token, ok := ssolink.ParseSessionID(sid)
	if !ok {
		return ssolink.Failure(ssolink.CodeBadSessionID, "Invalid session id")
	}

	clientAddr, err := sess.ClientAddr(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "session read failed", "err", err)
		return ssolink.Failure(ssolink.CodeNoClientAddr, "Unknown client address for the attached session")
	}
	if clientAddr == "" {
		return ssolink.Failure(ssolink.CodeNoClientAddr, "Unknown client address for the attached session")
	}

	secret, err := s.brokers.Secret(ctx, brokerID)
	if err != nil {
		if !errors.Is(err, ssolink.ErrUnknownBroker) {
			s.log.ErrorContext(ctx, "broker registry lookup failed", "broker", brokerID, "err", err)
		}
		return ssolink.Failure(ssolink.CodeInvalidBroker, "Invalid broker")
	}

	if !ssolink.ChecksumEqual(ssolink.DeriveSessionID(brokerID, token, clientAddr, secret), sid) {
		return ssolink.Failure(ssolink.CodeChecksumFailed,
			"Checksum failed: client address may have changed")
	}
	return nil
}

func (s *Server) login(ctx context.Context, req *Request) *ssolink.Result {
	sess, failed := s.startBrokerSession(ctx, req)
	if failed != nil {
		return failed.NotAttached()
	}

	if req.Username == "" {
		return ssolink.Failure(ssolink.CodeMissingCredential, "No username specified")
	}
	if req.Password == "" {
		return ssolink.Failure(ssolink.CodeMissingCredential, "No password specified")
	}

	principal, err := s.directory.LoginWithCredentials(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, directory.ErrBadCredentials) {
			return ssolink.Failure(ssolink.CodeBadCredentials, "Invalid username or password")
		}
		s.log.ErrorContext(ctx, "directory login failed", "err", err)
		return ssolink.Failure(ssolink.CodeBadCredentials, "Invalid username or password")
	}
	if err := sess.SetPrincipal(ctx, principal); err != nil {
		s.log.ErrorContext(ctx, "session write failed", "err", err)
		return ssolink.Failure(ssolink.CodeNotAttached, "Session unavailable").NotAttached()
	}
	s.log.InfoContext(ctx, "user logged in", "principal", principal)

	return s.profileResult(ctx, sess)
}

// logout clears the authenticated principal. Once the broker session
// resolves, logout always succeeds; clearing an anonymous session is a
// no-op.
func (s *Server) logout(ctx context.Context, req *Request) *ssolink.Result {
	sess, failed := s.startBrokerSession(ctx, req)
	if failed != nil {
		return failed.NotAttached()
	}

	if err := sess.ClearPrincipal(ctx); err != nil {
		s.log.ErrorContext(ctx, "session write failed", "err", err)
	}
	return ssolink.Success("Logout success")
}

// userInfo returns the public profile of the session's principal. An
// anonymous session is success with no data, not an error.
func (s *Server) userInfo(ctx context.Context, req *Request) *ssolink.Result {
	sess, failed := s.startBrokerSession(ctx, req)
	if failed != nil {
		return failed.NotAttached()
	}
	return s.profileResult(ctx, sess)
}

func (s *Server) profileResult(ctx context.Context, sess sessions.Session) *ssolink.Result {
	principal, err := sess.Principal(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "session read failed", "err", err)
		return ssolink.Failure(ssolink.CodeNotAttached, "Session unavailable").NotAttached()
	}

	res := ssolink.Success("Get user info success")
	if principal == "" {
		return res
	}

	profile, err := s.directory.PublicProfile(ctx, principal)
	if err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			// A session principal without a directory record shouldn't
			// happen; surface it rather than silently logging the user out.
			return ssolink.Failure(ssolink.CodeUserNotFound, "User not found")
		}
		s.log.ErrorContext(ctx, "directory profile lookup failed", "principal", principal, "err", err)
		return ssolink.Failure(ssolink.CodeUserNotFound, "User not found")
	}
	res.Data = profile
	return res
}
