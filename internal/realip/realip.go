// Package realip derives the client address of an HTTP request. Both
// protocol roles must resolve the same address for a given browser request
// or every derivation mismatches.
package realip

import (
	"net"
	"net/http"
	"strings"
)

// FromRequest returns the client address for r. With trustProxy set, the
// X-Forwarded-For and X-Real-IP headers take precedence over the TCP peer;
// behind a reverse proxy the peer address would be the proxy itself.
func FromRequest(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if rip := r.Header.Get("X-Real-IP"); rip != "" {
			return strings.TrimSpace(rip)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
