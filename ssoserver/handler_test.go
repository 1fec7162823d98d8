package ssoserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/ssokit/ssolink"
)

// Requests in these tests originate from the test harness, so the browser
// address is simulated with X-Forwarded-For (the handler trusts proxy
// headers by default).
func newHandlerEnv(t *testing.T, opts ...HandlerOption) (*testEnv, *Handler) {
	t.Helper()
	env := newTestEnv(t)
	return env, NewHandler(env.srv, opts...)
}

func doRequest(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	req.Header.Set("X-Forwarded-For", testAddr)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) *ssolink.Result {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res ssolink.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &res
}

func attachQuery(token string) url.Values {
	return url.Values{
		"command":  {"attach"},
		"broker":   {testBroker},
		"token":    {token},
		"checksum": {ssolink.DeriveAttachChecksum(token, testAddr, testSecret)},
	}
}

func TestHandlerAttach(t *testing.T) {
	t.Run("redirects back to the broker with a session cookie", func(t *testing.T) {
		_, h := newHandlerEnv(t)

		q := attachQuery(ssolink.NewToken())
		q.Set("next", "https://shop1.example.com/cart")
		rec := doRequest(h, httptest.NewRequest(http.MethodGet, "/sso?"+q.Encode(), nil))

		if rec.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302", rec.Code)
		}
		if got := rec.Header().Get("Location"); got != "https://shop1.example.com/cart" {
			t.Errorf("Location = %q", got)
		}

		var sessionCookie *http.Cookie
		for _, c := range rec.Result().Cookies() {
			if c.Name == DefaultSessionCookie {
				sessionCookie = c
			}
		}
		if sessionCookie == nil || sessionCookie.Value == "" {
			t.Fatal("session cookie not issued")
		}
		if !sessionCookie.HttpOnly || !sessionCookie.Secure {
			t.Error("session cookie must default to Secure and HttpOnly")
		}
	})

	t.Run("responds with the envelope when no next URL is given", func(t *testing.T) {
		_, h := newHandlerEnv(t)

		rec := doRequest(h, httptest.NewRequest(http.MethodGet, "/sso?"+attachQuery(ssolink.NewToken()).Encode(), nil))
		res := decodeResult(t, rec)
		if !res.OK() {
			t.Errorf("result = %+v, want success", res)
		}
	})

	t.Run("rejected attach stays on the endpoint", func(t *testing.T) {
		_, h := newHandlerEnv(t)

		q := attachQuery(ssolink.NewToken())
		q.Set("checksum", "forged")
		q.Set("next", "https://shop1.example.com/cart")
		rec := doRequest(h, httptest.NewRequest(http.MethodGet, "/sso?"+q.Encode(), nil))

		res := decodeResult(t, rec)
		if res.Code != ssolink.CodeBadChecksum {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeBadChecksum)
		}
	})
}

func TestHandlerCommands(t *testing.T) {
	attach := func(t *testing.T, h *Handler) string {
		t.Helper()
		token := ssolink.NewToken()
		rec := doRequest(h, httptest.NewRequest(http.MethodGet, "/sso?"+attachQuery(token).Encode(), nil))
		if res := decodeResult(t, rec); !res.OK() {
			t.Fatalf("attach failed: %+v", res)
		}
		return ssolink.DeriveSessionID(testBroker, token, testAddr, testSecret)
	}

	t.Run("login with a form body", func(t *testing.T) {
		_, h := newHandlerEnv(t)
		sid := attach(t, h)

		form := url.Values{"username": {"alice"}, "password": {"opensesame"}}
		req := httptest.NewRequest(http.MethodPost,
			"/sso?command=login&ssoSession="+url.QueryEscape(sid),
			strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		res := decodeResult(t, doRequest(h, req))
		if !res.OK() || res.Data == nil || res.Data.Username != "alice" {
			t.Errorf("login = %+v, want alice profile", res)
		}
	})

	t.Run("login with a JSON body", func(t *testing.T) {
		_, h := newHandlerEnv(t)
		sid := attach(t, h)

		body := `{"command":"login","ssoSession":"` + sid + `","username":"alice","password":"opensesame"}`
		req := httptest.NewRequest(http.MethodPost, "/sso", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")

		res := decodeResult(t, doRequest(h, req))
		if !res.OK() || res.Data == nil || res.Data.ID != "42" {
			t.Errorf("login = %+v, want alice profile", res)
		}
	})

	t.Run("body fields win over query fields", func(t *testing.T) {
		_, h := newHandlerEnv(t)
		sid := attach(t, h)

		form := url.Values{"username": {"alice"}, "password": {"opensesame"}}
		req := httptest.NewRequest(http.MethodPost,
			"/sso?command=login&ssoSession="+url.QueryEscape(sid)+"&password=query-junk",
			strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		res := decodeResult(t, doRequest(h, req))
		if !res.OK() {
			t.Errorf("login = %+v, want body password to win", res)
		}
	})

	t.Run("userInfo round trip", func(t *testing.T) {
		_, h := newHandlerEnv(t)
		sid := attach(t, h)

		req := httptest.NewRequest(http.MethodGet,
			"/sso?command=userInfo&ssoSession="+url.QueryEscape(sid), nil)
		res := decodeResult(t, doRequest(h, req))
		if !res.OK() {
			t.Errorf("userInfo = %+v, want success", res)
		}
		if res.Data != nil {
			t.Errorf("Data = %+v, want nil before login", res.Data)
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		_, h := newHandlerEnv(t)

		req := httptest.NewRequest(http.MethodGet, "/sso?command=selfDestruct", nil)
		res := decodeResult(t, doRequest(h, req))
		if res.Code != ssolink.CodeNoSession {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeNoSession)
		}
	})

	t.Run("malformed JSON body", func(t *testing.T) {
		_, h := newHandlerEnv(t)

		req := httptest.NewRequest(http.MethodPost, "/sso", strings.NewReader("{not json"))
		req.Header.Set("Content-Type", "application/json")
		res := decodeResult(t, doRequest(h, req))
		if res.OK() {
			t.Errorf("result = %+v, want failure", res)
		}
	})

	t.Run("proxy headers ignored when disabled", func(t *testing.T) {
		_, h := newHandlerEnv(t, WithoutProxyHeaders())

		// Checksum derived for the forwarded address, but the handler only
		// trusts the TCP peer (httptest's 192.0.2.1), so it must reject.
		rec := doRequest(h, httptest.NewRequest(http.MethodGet, "/sso?"+attachQuery(ssolink.NewToken()).Encode(), nil))
		res := decodeResult(t, rec)
		if res.Code != ssolink.CodeBadChecksum {
			t.Errorf("code = %d, want %d", res.Code, ssolink.CodeBadChecksum)
		}
	})
}
