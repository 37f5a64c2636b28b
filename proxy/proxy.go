package proxy

import (
	"fmt"
	"net/http"

	"github.com/jkoelker/solara-proxy/auth"
	"github.com/jkoelker/solara-proxy/config"
	"github.com/jkoelker/solara-proxy/health"
	"github.com/jkoelker/solara-proxy/log"
	"github.com/jkoelker/solara-proxy/middleware"
	"github.com/jkoelker/solara-proxy/observability"
	"github.com/jkoelker/solara-proxy/storage"
	"github.com/jkoelker/solara-proxy/upstream"
)

// proxyPreflightMaxAge is how long browsers may cache the /proxy preflight.
const proxyPreflightMaxAge = "86400"

// Gateway routes the proxy, storage, login, health and static endpoints.
type Gateway struct {
	mux           *http.ServeMux
	cfg           *config.Config
	storage       *storage.Store
	audio         *upstream.AudioProxy
	api           *upstream.APIForwarder
	login         *auth.LoginHandler
	limiter       *middleware.RateLimiter
	healthHandler *health.HTTPHandler
	otelProviders *observability.OTelProviders
}

// NewGateway creates a gateway. client is used for every upstream fetch;
// store may be unavailable, in which case the storage endpoint reports it.
func NewGateway(
	cfg *config.Config,
	client *http.Client,
	store *storage.Store,
	gate *auth.Gate,
	otelProviders *observability.OTelProviders,
) (*Gateway, error) {
	healthChecker := health.NewManagerWithConfig(&health.Config{
		StrictReadiness: cfg.StrictReadiness,
		Version:         cfg.ServiceName,
	})
	healthChecker.AddChecker(health.NewStorageChecker(store, cfg.StorageBackend))

	api, err := upstream.NewAPIForwarder(client, cfg.APIBaseURL, cfg.DefaultUserAgent)
	if err != nil {
		return nil, fmt.Errorf("failed to create API forwarder: %w", err)
	}

	gateway := &Gateway{
		mux:     http.NewServeMux(),
		cfg:     cfg,
		storage: store,
		audio: upstream.NewAudioProxy(client, upstream.AudioPolicy{
			AllowedHosts:     cfg.AudioAllowedHosts,
			UpstreamScheme:   cfg.AudioScheme(),
			Referer:          cfg.AudioReferer,
			DefaultUserAgent: cfg.DefaultUserAgent,
		}),
		api:     api,
		login:   auth.NewLoginHandler(gate, cfg.TLSEnabled()),
		limiter: middleware.NewRateLimiter(cfg.ProxyRateLimit, cfg.ProxyRateBurst),
		healthHandler: health.NewHTTPHandler(
			healthChecker,
			health.WithDebugHealthChecks(cfg.DebugLogging),
		),
		otelProviders: otelProviders,
	}

	gateway.setupRoutes()

	return gateway, nil
}

// ServeHTTP implements the http.Handler interface.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Middleware is handled at the server level in main.go
	g.mux.ServeHTTP(w, r)
}

// setupRoutes configures all routes.
func (g *Gateway) setupRoutes() {
	// Upstream proxy, rate limited per client when configured
	g.mux.Handle("/proxy", g.limiter.Middleware(http.HandlerFunc(g.handleProxy)))

	// Key-value persistence
	g.mux.HandleFunc("/api/storage", g.handleStorage)

	// Cookie login
	g.mux.Handle("POST "+auth.LoginAPIPath, g.login)

	// Health endpoints
	g.mux.HandleFunc("GET /health/live", g.healthHandler.LivenessHandler)
	g.mux.HandleFunc("GET /health/ready", g.healthHandler.ReadinessHandler)

	// Metrics endpoint (Prometheus format)
	if g.otelProviders != nil && g.otelProviders.PrometheusHTTP != nil {
		g.mux.Handle("GET /metrics", g.otelProviders.PrometheusHTTP)
	}

	// Web client
	if g.cfg.StaticDir != "" {
		g.mux.Handle("/", http.FileServer(http.Dir(g.cfg.StaticDir)))
	}
}

// handleProxy dispatches to the audio proxy when a target is given and to
// the API forwarder otherwise.
func (g *Gateway) handleProxy(writer http.ResponseWriter, request *http.Request) {
	switch request.Method {
	case http.MethodOptions:
		header := writer.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "GET,HEAD,OPTIONS")
		header.Set("Access-Control-Allow-Headers", "*")
		header.Set("Access-Control-Max-Age", proxyPreflightMaxAge)
		writer.WriteHeader(http.StatusNoContent)

		return
	case http.MethodGet, http.MethodHead:
	default:
		writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
		writer.WriteHeader(http.StatusMethodNotAllowed)

		if _, err := writer.Write([]byte("Method not allowed")); err != nil {
			log.Error(request.Context(), err, "Failed to write response")
		}

		return
	}

	if target := request.URL.Query().Get("target"); target != "" {
		g.audio.ServeTarget(writer, request, target)

		return
	}

	g.api.ServeHTTP(writer, request)
}
