package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

const UnknownClient = "unknown"

// ClientID derives the rate-limit bucket for r: the first X-Forwarded-For entry,
// else the remote address host, else a shared "unknown" bucket.
func ClientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
	return UnknownClient
}
