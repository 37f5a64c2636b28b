package middleware

import (
	"net"
	"net/http"
	"strings"
)

// GetRealIP extracts the real client IP from the request, checking various headers.
func GetRealIP(req *http.Request) string {
	// Check X-Real-IP header first (single IP)
	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	// Check X-Forwarded-For header (comma-separated list, first is original client)
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}

		return strings.TrimSpace(xff)
	}

	// Check CF-Connecting-IP for Cloudflare
	if ip := req.Header.Get("Cf-Connecting-Ip"); ip != "" {
		return ip
	}

	// Check True-Client-IP for Cloudflare Enterprise
	if ip := req.Header.Get("True-Client-Ip"); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}

	return host
}
