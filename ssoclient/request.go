package ssoclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ssokit/ssolink"
)

// transientFailureMessage is what callers show users when the server is
// unreachable or returns garbage. Transport failures are never a reason to
// drop the token.
const transientFailureMessage = "SSO server is busy, please try again later"

// Login authenticates against the server with the linked session. On
// success the result carries the user profile and is memoized for UserInfo.
func (c *Client) Login(ctx context.Context, username, password string) *ssolink.Result {
	res := c.request(ctx, http.MethodPost, ssolink.CommandLogin, url.Values{
		"username": {username},
		"password": {password},
	})
	if res.OK() {
		c.userInfo = res
	}
	return res
}

// Logout ends the authenticated state on the server. The linkage survives;
// only the principal is cleared.
func (c *Client) Logout(ctx context.Context) *ssolink.Result {
	res := c.request(ctx, http.MethodPost, ssolink.CommandLogout, nil)
	c.userInfo = nil
	return res
}

// UserInfo fetches the profile for the linked session. Memoized per
// Client, so repeated calls within one request cost one round trip.
// An attached anonymous session yields success with no Data.
func (c *Client) UserInfo(ctx context.Context) *ssolink.Result {
	if c.userInfo != nil {
		return c.userInfo
	}
	res := c.request(ctx, http.MethodGet, ssolink.CommandUserInfo, nil)
	if res.OK() {
		c.userInfo = res
	}
	return res
}

// request performs one authenticated command round trip. GET carries data
// in the URL, POST in a form body; the derived session identifier always
// travels in the query string.
func (c *Client) request(ctx context.Context, method string, cmd ssolink.Command, data url.Values) *ssolink.Result {
	b := c.broker

	if b.lease != nil {
		if err := b.lease.Release(ctx); err != nil {
			b.log.WarnContext(ctx, "session lease release failed", "err", err)
		}
		defer func() {
			if err := b.lease.Reacquire(ctx); err != nil {
				b.log.WarnContext(ctx, "session lease reacquire failed", "err", err)
			}
		}()
	}

	params := url.Values{}
	params.Set("command", string(cmd))
	params.Set("ssoSession", c.SessionID())

	var body io.Reader
	if method == http.MethodGet {
		for name, values := range data {
			params[name] = values
		}
	} else if len(data) > 0 {
		body = strings.NewReader(data.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, b.serverURL+"?"+params.Encode(), body)
	if err != nil {
		b.log.ErrorContext(ctx, "sso request build failed", "command", cmd, "err", err)
		return ssolink.Failure(ssolink.CodeNoSession, transientFailureMessage)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		b.log.WarnContext(ctx, "sso request failed", "command", cmd, "err", err)
		return ssolink.Failure(ssolink.CodeNoSession, transientFailureMessage)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b.log.WarnContext(ctx, "sso request rejected", "command", cmd, "status", resp.StatusCode)
		return ssolink.Failure(ssolink.CodeNoSession, transientFailureMessage)
	}

	var res ssolink.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		b.log.WarnContext(ctx, "sso response decode failed", "command", cmd, "err", err)
		return ssolink.Failure(ssolink.CodeNoSession, transientFailureMessage)
	}

	if !res.OK() {
		if res.Attached != nil && !*res.Attached {
			// Expected during normal operation whenever the linkage
			// expires; count it, don't warn about it.
			b.metric(fmt.Sprintf("sso.failure%d", res.Code))
		} else {
			b.log.WarnContext(ctx, "sso command failed",
				"command", cmd, "code", res.Code, "message", res.Message)
		}
	}
	return &res
}
