package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jkoelker/solara-proxy/log"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"

	// storageCheckerName is the name for the storage health checker.
	storageCheckerName = "storage"

	// storagePingTimeout bounds the storage ping.
	storagePingTimeout = 5 * time.Second
)

// Check represents a single health check.
type Check struct {
	Name        string            `json:"name"`
	Status      Status            `json:"status"`
	Message     string            `json:"message,omitempty"`
	Error       string            `json:"error,omitempty"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration_ms"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Response represents the overall health response.
type Response struct {
	Status  Status           `json:"status"`
	Version string           `json:"version,omitempty"`
	Checks  map[string]Check `json:"checks"`
	Summary map[string]int   `json:"summary"`
}

// Checker defines the interface for health checks.
type Checker interface {
	Check(ctx context.Context) Check
	Name() string
}

// Manager manages and executes health checks.
type Manager struct {
	checkers []Checker
	config   *Config
}

// NewManager creates a new health checker.
func NewManager(version string) *Manager {
	config := DefaultConfig()
	config.Version = version

	return NewManagerWithConfig(config)
}

// NewManagerWithConfig creates a new health checker with custom config.
func NewManagerWithConfig(config *Config) *Manager {
	return &Manager{
		checkers: make([]Checker, 0),
		config:   config,
	}
}

// AddChecker adds a health checker.
func (hc *Manager) AddChecker(checker Checker) {
	hc.checkers = append(hc.checkers, checker)
}

// CheckLiveness performs basic liveness checks (server is running).
func (hc *Manager) CheckLiveness(_ context.Context) Response {
	return Response{
		Status:  StatusHealthy,
		Version: hc.config.Version,
		Checks: map[string]Check{
			"server": {
				Name:        "server",
				Status:      StatusHealthy,
				Message:     "Server is responding",
				LastChecked: time.Now(),
			},
		},
		Summary: map[string]int{
			"healthy":   1,
			"unhealthy": 0,
			"degraded":  0,
		},
	}
}

// CheckReadiness runs every registered checker.
func (hc *Manager) CheckReadiness(ctx context.Context) Response {
	checks := make(map[string]Check)
	summary := map[string]int{
		"healthy":   0,
		"unhealthy": 0,
		"degraded":  0,
	}

	for _, checker := range hc.checkers {
		start := time.Now()
		check := checker.Check(ctx)
		check.Duration = time.Since(start)
		checks[check.Name] = check

		switch check.Status {
		case StatusHealthy:
			summary["healthy"]++
		case StatusUnhealthy:
			summary["unhealthy"]++
		case StatusDegraded:
			summary["degraded"]++
		}
	}

	overallStatus := StatusHealthy
	if summary["unhealthy"] > 0 {
		overallStatus = StatusUnhealthy
	} else if summary["degraded"] > 0 {
		overallStatus = StatusDegraded
	}

	return Response{
		Status:  overallStatus,
		Version: hc.config.Version,
		Checks:  checks,
		Summary: summary,
	}
}

// ReadinessStatusCode maps an overall status to the readiness HTTP status.
func (hc *Manager) ReadinessStatusCode(status Status) int {
	switch status {
	case StatusHealthy:
		return http.StatusOK
	case StatusDegraded:
		if hc.config.StrictReadiness {
			return http.StatusServiceUnavailable
		}

		return http.StatusOK
	case StatusUnhealthy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusServiceUnavailable
	}
}

// Pinger is the part of the persistence store the storage check needs.
type Pinger interface {
	Available() bool
	Ping(ctx context.Context) error
}

// StorageChecker checks the persistence backend.
type StorageChecker struct {
	store   Pinger
	backend string
}

// NewStorageChecker creates a new storage health checker. backend names the
// configured backend in the check metadata.
func NewStorageChecker(store Pinger, backend string) *StorageChecker {
	return &StorageChecker{store: store, backend: backend}
}

// Name returns the checker name.
func (sc *StorageChecker) Name() string {
	return storageCheckerName
}

// Check pings the backend. A gateway running without a backend is degraded,
// not unhealthy: the proxy routes still work.
func (sc *StorageChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:        storageCheckerName,
		LastChecked: time.Now(),
		Metadata:    map[string]string{"backend": sc.backend},
	}

	if !sc.store.Available() {
		check.Status = StatusDegraded
		check.Message = "No storage backend configured"

		return check
	}

	ctx, cancel := context.WithTimeout(ctx, storagePingTimeout)
	defer cancel()

	if err := sc.store.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Error = "Failed to ping storage: " + err.Error()

		return check
	}

	check.Status = StatusHealthy
	check.Message = "Storage is accessible"

	return check
}

// HTTPHandler creates HTTP handlers for health endpoints.
type HTTPHandler struct {
	checker           *Manager
	debugHealthChecks bool
}

// HTTPHandlerOptions holds configuration for the HTTP handler.
type HTTPHandlerOptions struct {
	DebugHealthChecks bool
}

// WithDebugHealthChecks enables or disables debug logging for health check endpoints.
func WithDebugHealthChecks(enabled bool) func(*HTTPHandlerOptions) {
	return func(opts *HTTPHandlerOptions) {
		opts.DebugHealthChecks = enabled
	}
}

// NewHTTPHandler creates a new HTTP handler for health checks.
func NewHTTPHandler(checker *Manager, opts ...func(*HTTPHandlerOptions)) *HTTPHandler {
	options := &HTTPHandlerOptions{}

	for _, opt := range opts {
		opt(options)
	}

	return &HTTPHandler{
		checker:           checker,
		debugHealthChecks: options.DebugHealthChecks,
	}
}

// LivenessHandler handles liveness probe requests.
func (h *HTTPHandler) LivenessHandler(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()

	response := h.checker.CheckLiveness(ctx)

	h.write(ctx, writer, http.StatusOK, response)

	if h.debugHealthChecks {
		log.Debug(ctx, "Liveness check completed", "status", string(response.Status))
	}
}

// ReadinessHandler handles readiness probe requests.
func (h *HTTPHandler) ReadinessHandler(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()

	response := h.checker.CheckReadiness(ctx)
	statusCode := h.checker.ReadinessStatusCode(response.Status)

	h.write(ctx, writer, statusCode, response)

	if h.debugHealthChecks {
		log.Debug(ctx, "Readiness check completed",
			"status", string(response.Status),
			"status_code", statusCode,
			"healthy_checks", response.Summary["healthy"],
			"unhealthy_checks", response.Summary["unhealthy"],
			"degraded_checks", response.Summary["degraded"],
		)
	}
}

func (h *HTTPHandler) write(ctx context.Context, writer http.ResponseWriter, statusCode int, response Response) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)

	if err := json.NewEncoder(writer).Encode(response); err != nil {
		log.Error(ctx, err, "Failed to encode health response")
	}
}
