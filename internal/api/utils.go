package api

import (
	"net"
	"net/http"
	"strings"
)

// clientIPFunc returns the client IP of a request
type clientIPFunc func(r *http.Request) string

// clientIPResolver picks how client IPs are resolved. The proxy headers are
// set by whoever sends the request, so they are honored only behind a
// trusted reverse proxy.
func clientIPResolver(trustProxy bool) clientIPFunc {
	if trustProxy {
		return proxiedClientIP
	}
	return remoteIP
}

// proxiedClientIP extracts client IP from request, considering reverse proxy headers
func proxiedClientIP(r *http.Request) string {
	// Check X-Real-IP first (set by nginx)
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	// X-Forwarded-For can contain multiple IPs; the first is the client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	return remoteIP(r)
}

// remoteIP returns the host part of the connection's remote address
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
