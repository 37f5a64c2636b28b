package upstream

import (
	"net/http"
)

// safeResponseHeaders are the only upstream headers passed to the client.
//
//nolint:gochecknoglobals // Read-only after initialization
var safeResponseHeaders = []string{
	"Content-Type",
	"Cache-Control",
	"Accept-Ranges",
	"Content-Length",
	"Content-Range",
	"Etag",
	"Last-Modified",
	"Expires",
}

// Response header defaults.
const (
	// noStoreCacheControl is set when the upstream sent no Cache-Control.
	noStoreCacheControl = "no-store"

	// audioCacheControl replaces the no-store default for audio responses.
	audioCacheControl = "public, max-age=3600"

	// apiContentType is set on API responses that arrived without one.
	apiContentType = "application/json; charset=utf-8"
)

// SanitizeHeaders returns the whitelisted subset of upstream plus a wildcard
// Access-Control-Allow-Origin. Cache-Control defaults to no-store. The second
// return value reports whether the upstream supplied its own Cache-Control.
func SanitizeHeaders(upstream http.Header) (http.Header, bool) {
	sanitized := make(http.Header, len(safeResponseHeaders)+1)

	for _, name := range safeResponseHeaders {
		if values := upstream.Values(name); len(values) > 0 {
			sanitized[name] = append([]string(nil), values...)
		}
	}

	hadCacheControl := sanitized.Get("Cache-Control") != ""
	if !hadCacheControl {
		sanitized.Set("Cache-Control", noStoreCacheControl)
	}

	sanitized.Set("Access-Control-Allow-Origin", "*")

	return sanitized, hadCacheControl
}

// copyHeaders sets every header of src on dst.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		dst[name] = values
	}
}
