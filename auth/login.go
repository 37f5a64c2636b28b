package auth

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"github.com/jkoelker/solara-proxy/log"
	"github.com/jkoelker/solara-proxy/metrics"
	"github.com/jkoelker/solara-proxy/middleware"
)

const (
	// maxLoginBodyBytes bounds the login request body.
	maxLoginBodyBytes = 4 << 10

	// LoginAttemptsTotal counts login attempts by outcome.
	LoginAttemptsTotal = "login_attempts_total"
)

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Success bool `json:"success"`
}

// LoginHandler checks a posted password and sets the auth cookie.
type LoginHandler struct {
	gate   *Gate
	secure bool
}

// NewLoginHandler creates a login handler for gate. secure marks the cookie
// Secure, for deployments served over TLS.
func NewLoginHandler(gate *Gate, secure bool) *LoginHandler {
	return &LoginHandler{gate: gate, secure: secure}
}

// ServeHTTP handles POST /api/login.
func (h *LoginHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()

	var body loginRequest

	data, err := io.ReadAll(io.LimitReader(request.Body, maxLoginBodyBytes))
	if err == nil {
		err = json.Unmarshal(data, &body)
	}

	if err != nil || !h.gate.Enabled() || !h.matches(body.Password) {
		log.Warn(ctx, "Login rejected", "client_ip", middleware.GetRealIP(request))
		metrics.RecordCounter(ctx, LoginAttemptsTotal, 1, "outcome", "rejected")

		h.write(writer, request, http.StatusUnauthorized, false)

		return
	}

	http.SetCookie(writer, &http.Cookie{
		Name:     CookieName,
		Value:    h.gate.expected,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})

	log.Info(ctx, "Login accepted", "client_ip", middleware.GetRealIP(request))
	metrics.RecordCounter(ctx, LoginAttemptsTotal, 1, "outcome", "accepted")

	h.write(writer, request, http.StatusOK, true)
}

func (h *LoginHandler) matches(password string) bool {
	return subtle.ConstantTimeCompare([]byte(CookieValue(password)), []byte(h.gate.expected)) == 1
}

func (h *LoginHandler) write(writer http.ResponseWriter, request *http.Request, status int, success bool) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)

	if err := json.NewEncoder(writer).Encode(loginResponse{Success: success}); err != nil {
		log.Error(request.Context(), err, "Failed to encode login response")
	}
}
