package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"path"
	"strings"

	"github.com/jkoelker/solara-proxy/log"
	"github.com/jkoelker/solara-proxy/middleware"
)

const (
	// CookieName is the cookie carrying the encoded shared secret.
	CookieName = "auth"

	// LoginPath is where unauthenticated clients are redirected.
	LoginPath = "/login"

	// LoginAPIPath accepts the password and sets the cookie.
	LoginAPIPath = "/api/login"

	// healthPrefix covers liveness and readiness probes.
	healthPrefix = "/health/"
)

// preflightPaths answer CORS preflights, which browsers send without cookies.
//
//nolint:gochecknoglobals // Read-only after initialization
var preflightPaths = map[string]struct{}{
	"/proxy":       {},
	"/api/storage": {},
}

// publicExtensions are static asset extensions served without a cookie so
// the login page can load its assets.
//
//nolint:gochecknoglobals // Read-only after initialization
var publicExtensions = map[string]struct{}{
	".css":   {},
	".js":    {},
	".png":   {},
	".svg":   {},
	".jpg":   {},
	".jpeg":  {},
	".gif":   {},
	".webp":  {},
	".ico":   {},
	".txt":   {},
	".map":   {},
	".json":  {},
	".woff":  {},
	".woff2": {},
}

// CookieValue encodes password the way the auth cookie carries it.
func CookieValue(password string) string {
	return base64.StdEncoding.EncodeToString([]byte(password))
}

// IsPreflight reports whether request is a CORS preflight for an endpoint
// that answers preflights itself.
func IsPreflight(request *http.Request) bool {
	if request.Method != http.MethodOptions {
		return false
	}

	_, ok := preflightPaths[request.URL.Path]

	return ok
}

// IsPublicPath reports whether urlPath is reachable without the cookie.
func IsPublicPath(urlPath string) bool {
	if matchesRoute(urlPath, LoginPath) || matchesRoute(urlPath, LoginAPIPath) {
		return true
	}

	if strings.HasPrefix(urlPath, healthPrefix) {
		return true
	}

	_, ok := publicExtensions[strings.ToLower(path.Ext(urlPath))]

	return ok
}

// matchesRoute reports whether urlPath is route itself or below it.
func matchesRoute(urlPath, route string) bool {
	return urlPath == route || strings.HasPrefix(urlPath, route+"/")
}

// Gate requires the auth cookie on every non-public path.
type Gate struct {
	expected string
	enabled  bool
}

// NewGate creates a gate for password. An empty password disables the gate.
func NewGate(password string) *Gate {
	return &Gate{
		expected: CookieValue(password),
		enabled:  password != "",
	}
}

// Enabled reports whether the gate checks requests at all.
func (g *Gate) Enabled() bool {
	return g.enabled
}

// Authenticated reports whether request carries a matching auth cookie.
func (g *Gate) Authenticated(request *http.Request) bool {
	cookie, err := request.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(g.expected)) == 1
}

// Middleware redirects unauthenticated requests for non-public paths to the
// login page.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	if !g.enabled {
		return next
	}

	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if IsPublicPath(request.URL.Path) || IsPreflight(request) || g.Authenticated(request) {
			next.ServeHTTP(writer, request)

			return
		}

		log.Debug(request.Context(), "Redirecting unauthenticated request",
			"path", request.URL.Path,
			"client_ip", middleware.GetRealIP(request),
		)

		http.Redirect(writer, request, LoginPath, http.StatusFound)
	})
}
