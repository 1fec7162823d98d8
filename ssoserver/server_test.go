package ssoserver

import (
	"context"
	"testing"

	"github.com/ssokit/ssolink"
	"github.com/ssokit/ssolink/directory/memorydir"
	"github.com/ssokit/ssolink/linkcache/memorycache"
	"github.com/ssokit/ssolink/sessions"
	"github.com/ssokit/ssolink/sessions/memoryengine"
)

const (
	testBroker = "shop1"
	testSecret = "s3cr3t"
	testAddr   = "1.2.3.4"
)

type testEnv struct {
	srv    *Server
	cache  *memorycache.Cache
	engine *memoryengine.Engine
	dir    *memorydir.Directory
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	cache, err := memorycache.New(128)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	engine := memoryengine.New()
	dir := memorydir.New([]memorydir.User{
		{ID: "42", Username: "alice", Password: "opensesame", Email: "alice@example.com", Mobile: "555-0100", Status: 1},
	})

	srv, err := New(Config{
		Brokers:   ssolink.StaticBrokers{testBroker: testSecret},
		Cache:     cache,
		Sessions:  engine,
		Directory: dir,
	}, opts...)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	return &testEnv{srv: srv, cache: cache, engine: engine, dir: dir}
}

func attachRequest(broker, token, addr string) *Request {
	return &Request{
		Broker:     broker,
		Token:      token,
		Checksum:   ssolink.DeriveAttachChecksum(token, addr, testSecret),
		ClientAddr: addr,
	}
}

// attach performs a valid handshake and returns the broker session id and
// the local session it was linked to.
func (e *testEnv) attach(t *testing.T, token string) (string, sessions.Session) {
	t.Helper()

	res, sess := e.srv.Work(context.Background(), ssolink.CommandAttach, attachRequest(testBroker, token, testAddr))
	if !res.OK() {
		t.Fatalf("attach failed: code=%d message=%q", res.Code, res.Message)
	}
	if sess == nil {
		t.Fatal("attach returned no session")
	}
	return ssolink.DeriveSessionID(testBroker, token, testAddr, testSecret), sess
}

func TestAttach(t *testing.T) {
	ctx := context.Background()

	t.Run("links token to a fresh session", func(t *testing.T) {
		env := newTestEnv(t)
		token := ssolink.NewToken()

		sid, sess := env.attach(t, token)

		linked, ok, err := env.cache.Get(ctx, sid)
		if err != nil || !ok {
			t.Fatalf("linkage missing: ok=%v err=%v", ok, err)
		}
		if linked != sess.ID() {
			t.Errorf("linked session = %q, want %q", linked, sess.ID())
		}
	})

	t.Run("carries the next URL through", func(t *testing.T) {
		env := newTestEnv(t)
		req := attachRequest(testBroker, ssolink.NewToken(), testAddr)
		req.Next = "https://shop1.example.com/cart"

		res, _ := env.srv.Work(ctx, ssolink.CommandAttach, req)
		if !res.OK() {
			t.Fatalf("attach failed: %+v", res)
		}
		if res.Next != req.Next {
			t.Errorf("Next = %q, want %q", res.Next, req.Next)
		}
	})

	t.Run("reuses the session named by the cookie", func(t *testing.T) {
		env := newTestEnv(t)
		_, first := env.attach(t, ssolink.NewToken())

		req := attachRequest(testBroker, ssolink.NewToken(), testAddr)
		req.LocalSessionID = first.ID()
		res, second := env.srv.Work(ctx, ssolink.CommandAttach, req)
		if !res.OK() {
			t.Fatalf("second attach failed: %+v", res)
		}
		if second.ID() != first.ID() {
			t.Errorf("second attach started session %q, want resumed %q", second.ID(), first.ID())
		}
	})

	t.Run("missing broker", func(t *testing.T) {
		env := newTestEnv(t)
		req := attachRequest("", "tok", testAddr)

		res, _ := env.srv.Work(ctx, ssolink.CommandAttach, req)
		if res.Code != ssolink.CodeNoBroker {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeNoBroker)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		env := newTestEnv(t)
		req := attachRequest(testBroker, "", testAddr)

		res, _ := env.srv.Work(ctx, ssolink.CommandAttach, req)
		if res.Code != ssolink.CodeNoToken {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeNoToken)
		}
	})

	t.Run("unknown broker beats checksum", func(t *testing.T) {
		env := newTestEnv(t)
		// Checksum is garbage on purpose: the registry check must come
		// first so unregistered brokers are reported as such.
		res, _ := env.srv.Work(ctx, ssolink.CommandAttach, &Request{
			Broker:     "ghost",
			Token:      "tok",
			Checksum:   "bogus",
			ClientAddr: testAddr,
		})
		if res.Code != ssolink.CodeInvalidBroker {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeInvalidBroker)
		}
	})

	t.Run("forged checksum", func(t *testing.T) {
		var rejected []string
		env := newTestEnv(t, WithMetricFunc(func(name string) { rejected = append(rejected, name) }))

		req := attachRequest(testBroker, "tok", testAddr)
		req.Checksum = ssolink.DeriveAttachChecksum("tok", testAddr, "wrong-secret")

		res, sess := env.srv.Work(ctx, ssolink.CommandAttach, req)
		if res.Code != ssolink.CodeBadChecksum {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeBadChecksum)
		}
		if sess != nil {
			t.Error("rejected attach must not produce a session")
		}
		if len(rejected) != 1 || rejected[0] != "sso.attach_checksum_rejected" {
			t.Errorf("metrics = %v, want one attach_checksum_rejected", rejected)
		}
	})

	t.Run("checksum bound to client address", func(t *testing.T) {
		env := newTestEnv(t)
		// Valid handshake captured at one address and replayed from
		// another must not link.
		req := attachRequest(testBroker, "tok", testAddr)
		req.ClientAddr = "5.6.7.8"

		res, _ := env.srv.Work(ctx, ssolink.CommandAttach, req)
		if res.Code != ssolink.CodeBadChecksum {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeBadChecksum)
		}
	})

	t.Run("rotates session id when the address changes", func(t *testing.T) {
		var metrics []string
		env := newTestEnv(t, WithMetricFunc(func(name string) { metrics = append(metrics, name) }))
		_, first := env.attach(t, ssolink.NewToken())
		firstID := first.ID()

		req := &Request{
			Broker:         testBroker,
			Token:          ssolink.NewToken(),
			ClientAddr:     "5.6.7.8",
			LocalSessionID: firstID,
		}
		req.Checksum = ssolink.DeriveAttachChecksum(req.Token, req.ClientAddr, testSecret)

		res, sess := env.srv.Work(ctx, ssolink.CommandAttach, req)
		if !res.OK() {
			t.Fatalf("attach failed: %+v", res)
		}
		if sess.ID() == firstID {
			t.Error("session id not rotated after address change")
		}
		found := false
		for _, m := range metrics {
			if m == "sso.ip_changed" {
				found = true
			}
		}
		if !found {
			t.Errorf("metrics = %v, want sso.ip_changed", metrics)
		}

		addr, err := sess.ClientAddr(ctx)
		if err != nil || addr != "5.6.7.8" {
			t.Errorf("bound addr = %q err=%v, want rebound to 5.6.7.8", addr, err)
		}
	})
}

func TestLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("authenticates and returns the profile", func(t *testing.T) {
		env := newTestEnv(t)
		sid, _ := env.attach(t, ssolink.NewToken())

		res, _ := env.srv.Work(ctx, ssolink.CommandLogin, &Request{
			SSOSession: sid,
			Username:   "alice",
			Password:   "opensesame",
			ClientAddr: testAddr,
		})
		if !res.OK() {
			t.Fatalf("login failed: %+v", res)
		}
		if res.Data == nil || res.Data.ID != "42" || res.Data.Username != "alice" {
			t.Errorf("profile = %+v, want alice/42", res.Data)
		}
	})

	t.Run("missing username", func(t *testing.T) {
		env := newTestEnv(t)
		sid, _ := env.attach(t, ssolink.NewToken())

		res, _ := env.srv.Work(ctx, ssolink.CommandLogin, &Request{
			SSOSession: sid, Password: "opensesame", ClientAddr: testAddr,
		})
		if res.Code != ssolink.CodeMissingCredential {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeMissingCredential)
		}
	})

	t.Run("missing password", func(t *testing.T) {
		env := newTestEnv(t)
		sid, _ := env.attach(t, ssolink.NewToken())

		res, _ := env.srv.Work(ctx, ssolink.CommandLogin, &Request{
			SSOSession: sid, Username: "alice", ClientAddr: testAddr,
		})
		if res.Code != ssolink.CodeMissingCredential {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeMissingCredential)
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		env := newTestEnv(t)
		sid, _ := env.attach(t, ssolink.NewToken())

		res, _ := env.srv.Work(ctx, ssolink.CommandLogin, &Request{
			SSOSession: sid, Username: "alice", Password: "wrong", ClientAddr: testAddr,
		})
		if res.Code != ssolink.CodeBadCredentials {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeBadCredentials)
		}
		if res.Attached != nil {
			t.Error("credential failures must not signal re-attach")
		}
	})
}

func TestBrokerSessionResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("missing session id", func(t *testing.T) {
		env := newTestEnv(t)
		res, _ := env.srv.Work(ctx, ssolink.CommandUserInfo, &Request{ClientAddr: testAddr})
		if res.Code != ssolink.CodeNoSession {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeNoSession)
		}
		if res.Attached == nil || *res.Attached {
			t.Error("failure must carry attached=false")
		}
	})

	t.Run("unattached session id", func(t *testing.T) {
		env := newTestEnv(t)
		// Self-consistent id that was never attached: a broker forging
		// identifiers for its own secret still has no cache entry.
		sid := ssolink.DeriveSessionID(testBroker, ssolink.NewToken(), testAddr, testSecret)

		res, _ := env.srv.Work(ctx, ssolink.CommandUserInfo, &Request{SSOSession: sid, ClientAddr: testAddr})
		if res.Code != ssolink.CodeNotAttached {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeNotAttached)
		}
		if res.Attached == nil || *res.Attached {
			t.Error("failure must carry attached=false")
		}
	})

	t.Run("conflicting local session", func(t *testing.T) {
		env := newTestEnv(t)
		sid, _ := env.attach(t, ssolink.NewToken())

		// A request already bound to a different local session must be
		// told apart from an unattached one.
		res, _ := env.srv.Work(ctx, ssolink.CommandUserInfo, &Request{
			SSOSession:     sid,
			ClientAddr:     testAddr,
			LocalSessionID: "some-other-session",
		})
		if res.Code != ssolink.CodeSessionStarted {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeSessionStarted)
		}
	})

	t.Run("linkage outlived the session", func(t *testing.T) {
		env := newTestEnv(t)
		sid, _ := env.attach(t, ssolink.NewToken())

		// Simulate session expiry with the linkage still cached.
		if err := env.cache.Set(ctx, sid, "gone-"+sid); err != nil {
			t.Fatalf("cache set: %v", err)
		}
		res, _ := env.srv.Work(ctx, ssolink.CommandUserInfo, &Request{SSOSession: sid, ClientAddr: testAddr})
		if res.Code != ssolink.CodeNotAttached {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeNotAttached)
		}
	})

	t.Run("malformed linked id", func(t *testing.T) {
		env := newTestEnv(t)
		_, sess := env.attach(t, ssolink.NewToken())

		if err := env.cache.Set(ctx, "not a session id", sess.ID()); err != nil {
			t.Fatalf("cache set: %v", err)
		}
		res, _ := env.srv.Work(ctx, ssolink.CommandUserInfo, &Request{
			SSOSession: "not a session id", ClientAddr: testAddr,
		})
		if res.Code != ssolink.CodeBadSessionID {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeBadSessionID)
		}
	})

	t.Run("session without a bound address", func(t *testing.T) {
		env := newTestEnv(t)
		sess, err := env.engine.Start(ctx)
		if err != nil {
			t.Fatalf("start session: %v", err)
		}
		sid := ssolink.DeriveSessionID(testBroker, "tok", testAddr, testSecret)
		if err := env.cache.Set(ctx, sid, sess.ID()); err != nil {
			t.Fatalf("cache set: %v", err)
		}

		res, _ := env.srv.Work(ctx, ssolink.CommandUserInfo, &Request{SSOSession: sid, ClientAddr: testAddr})
		if res.Code != ssolink.CodeNoClientAddr {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeNoClientAddr)
		}
	})

	t.Run("broker unregistered after attach", func(t *testing.T) {
		env := newTestEnv(t)
		_, sess := env.attach(t, ssolink.NewToken())

		ghostSid := ssolink.DeriveSessionID("ghost", "tok", testAddr, "whatever")
		if err := env.cache.Set(ctx, ghostSid, sess.ID()); err != nil {
			t.Fatalf("cache set: %v", err)
		}
		res, _ := env.srv.Work(ctx, ssolink.CommandUserInfo, &Request{SSOSession: ghostSid, ClientAddr: testAddr})
		if res.Code != ssolink.CodeInvalidBroker {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeInvalidBroker)
		}
	})

	t.Run("identifier no longer derivable", func(t *testing.T) {
		env := newTestEnv(t)
		_, sess := env.attach(t, ssolink.NewToken())

		// An id derived at a different address than the one bound to the
		// session fails re-derivation.
		staleSid := ssolink.DeriveSessionID(testBroker, "tok", "9.9.9.9", testSecret)
		if err := env.cache.Set(ctx, staleSid, sess.ID()); err != nil {
			t.Fatalf("cache set: %v", err)
		}
		res, _ := env.srv.Work(ctx, ssolink.CommandUserInfo, &Request{SSOSession: staleSid, ClientAddr: testAddr})
		if res.Code != ssolink.CodeChecksumFailed {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeChecksumFailed)
		}
	})
}

func TestUserInfoAndLogout(t *testing.T) {
	ctx := context.Background()

	login := func(t *testing.T, env *testEnv, sid string) {
		t.Helper()
		res, _ := env.srv.Work(ctx, ssolink.CommandLogin, &Request{
			SSOSession: sid, Username: "alice", Password: "opensesame", ClientAddr: testAddr,
		})
		if !res.OK() {
			t.Fatalf("login failed: %+v", res)
		}
	}

	t.Run("anonymous session has no data", func(t *testing.T) {
		env := newTestEnv(t)
		sid, _ := env.attach(t, ssolink.NewToken())

		res, _ := env.srv.Work(ctx, ssolink.CommandUserInfo, &Request{SSOSession: sid, ClientAddr: testAddr})
		if !res.OK() {
			t.Fatalf("userInfo failed: %+v", res)
		}
		if res.Data != nil {
			t.Errorf("Data = %+v, want nil for anonymous session", res.Data)
		}
	})

	t.Run("authenticated session returns the profile", func(t *testing.T) {
		env := newTestEnv(t)
		sid, _ := env.attach(t, ssolink.NewToken())
		login(t, env, sid)

		res, _ := env.srv.Work(ctx, ssolink.CommandUserInfo, &Request{SSOSession: sid, ClientAddr: testAddr})
		if !res.OK() || res.Data == nil {
			t.Fatalf("userInfo = %+v, want profile", res)
		}
		want := ssolink.Profile{ID: "42", Username: "alice", Email: "alice@example.com", Mobile: "555-0100", Status: 1}
		if *res.Data != want {
			t.Errorf("profile = %+v, want %+v", *res.Data, want)
		}
	})

	t.Run("principal without a directory record", func(t *testing.T) {
		env := newTestEnv(t)
		sid, _ := env.attach(t, ssolink.NewToken())
		login(t, env, sid)

		env.dir.Replace(nil)
		res, _ := env.srv.Work(ctx, ssolink.CommandUserInfo, &Request{SSOSession: sid, ClientAddr: testAddr})
		if res.Code != ssolink.CodeUserNotFound {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeUserNotFound)
		}
	})

	t.Run("logout clears the principal but keeps the linkage", func(t *testing.T) {
		env := newTestEnv(t)
		sid, _ := env.attach(t, ssolink.NewToken())
		login(t, env, sid)

		res, _ := env.srv.Work(ctx, ssolink.CommandLogout, &Request{SSOSession: sid, ClientAddr: testAddr})
		if !res.OK() {
			t.Fatalf("logout failed: %+v", res)
		}

		res, _ = env.srv.Work(ctx, ssolink.CommandUserInfo, &Request{SSOSession: sid, ClientAddr: testAddr})
		if !res.OK() {
			t.Fatalf("userInfo after logout failed: %+v", res)
		}
		if res.Data != nil {
			t.Errorf("Data = %+v, want nil after logout", res.Data)
		}
	})

	t.Run("logout of an anonymous session succeeds", func(t *testing.T) {
		env := newTestEnv(t)
		sid, _ := env.attach(t, ssolink.NewToken())

		res, _ := env.srv.Work(ctx, ssolink.CommandLogout, &Request{SSOSession: sid, ClientAddr: testAddr})
		if !res.OK() {
			t.Errorf("logout = %+v, want success", res)
		}
	})
}

func TestUnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	res, sess := env.srv.Work(context.Background(), ssolink.Command("drop"), &Request{})
	if res.Code != ssolink.CodeNoSession {
		t.Errorf("code = %d, want %d", res.Code, ssolink.CodeNoSession)
	}
	if sess != nil {
		t.Error("unknown command must not produce a session")
	}
}
