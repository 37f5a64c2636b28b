package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jkoelker/solara-proxy/auth"
	"github.com/jkoelker/solara-proxy/config"
	"github.com/jkoelker/solara-proxy/log"
	"github.com/jkoelker/solara-proxy/observability"
	"github.com/jkoelker/solara-proxy/proxy"
	"github.com/jkoelker/solara-proxy/storage"
	tls "github.com/jkoelker/solara-proxy/tls"
)

const (
	// otelShutdownTimeout is the timeout for shutting down OpenTelemetry providers.
	otelShutdownTimeout = 5 * time.Second
	// serverReadHeaderTimeout is the timeout for reading request headers.
	serverReadHeaderTimeout = 15 * time.Second
	// serverIdleTimeout is the timeout for idle connections.
	serverIdleTimeout = 60 * time.Second
	// gracefulShutdownTimeout is the timeout for graceful shutdown.
	gracefulShutdownTimeout = 15 * time.Second
	// upstreamHeaderTimeout bounds the wait for upstream response headers.
	// Bodies are streamed and not bounded.
	upstreamHeaderTimeout = 30 * time.Second
	// badgerGCInterval is how often the badger value log is collected.
	badgerGCInterval = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log.InitializeLogger(cfg.DebugLogging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProviders, err := observability.InitializeOTel(ctx, cfg)
	if err != nil {
		log.Error(ctx, err, "Failed to initialize OpenTelemetry")

		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer shutdownOTel(otelProviders)

	store, gc, err := initializeStorage(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(); err != nil {
			log.Error(context.Background(), err, "Failed to close storage")
		}
	}()

	gate := auth.NewGate(cfg.Password)
	if !gate.Enabled() {
		log.Warn(ctx, "No PASSWORD configured, authentication is disabled")
	}

	gateway, err := proxy.NewGateway(cfg, newUpstreamClient(), store, gate, otelProviders)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	// Order: CorrelationID -> Logging -> Metrics -> Tracing -> Gate -> Gateway
	handler := log.CorrelationIDMiddleware(
		log.LoggingMiddleware(
			observability.MetricsMiddleware(
				observability.TracingMiddleware(gate.Middleware(gateway)),
			),
			log.WithDebugHealthChecks(cfg.DebugLogging),
		),
	)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.Port)),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.TLSEnabled() {
		manager := tls.NewManager(cfg.TLSCertPath, cfg.TLSKeyPath)
		if _, err := manager.Load(ctx); err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}

		server.TLSConfig = manager.Config()

		group.Go(func() error { return manager.Watch(groupCtx) })
	}

	if gc != nil {
		group.Go(func() error {
			runBadgerGC(groupCtx, gc)

			return nil
		})
	}

	group.Go(func() error { return serve(ctx, server) })

	group.Go(func() error {
		<-groupCtx.Done()

		return shutdown(server)
	})

	return group.Wait()
}

// initializeStorage opens the configured backend. The returned badger
// backend is non-nil only when value log collection should run.
func initializeStorage(ctx context.Context, cfg *config.Config) (*storage.Store, *storage.BadgerBackend, error) {
	var (
		backend storage.Backend
		gc      *storage.BadgerBackend
	)

	switch cfg.StorageBackend {
	case config.BackendSQLite:
		path := filepath.Join(cfg.DataPath, storage.SQLiteFileName)

		sqlite, err := storage.OpenSQLite(path)
		if err != nil {
			log.Error(ctx, err, "Failed to open SQLite storage", "path", path)

			return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
		}

		backend = sqlite
	case config.BackendBadger:
		dir := filepath.Join(cfg.DataPath, storage.BadgerSubdir)

		badger, err := storage.OpenBadger(dir)
		if err != nil {
			log.Error(ctx, err, "Failed to open Badger storage", "path", dir)

			return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
		}

		backend = badger
		gc = badger
	default:
		log.Warn(ctx, "Storage is disabled, persistence requests report unavailable")

		return storage.NewStore(nil), nil, nil
	}

	store := storage.NewStore(backend)

	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()

		return nil, nil, fmt.Errorf("failed to create storage schema: %w", err)
	}

	log.Info(ctx, "Storage initialized", "backend", cfg.StorageBackend, "data_path", cfg.DataPath)

	return store, gc, nil
}

// newUpstreamClient returns the client shared by the audio proxy and the
// API forwarder.
func newUpstreamClient() *http.Client {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Client{}
	}

	transport = transport.Clone()
	transport.ResponseHeaderTimeout = upstreamHeaderTimeout

	return &http.Client{Transport: transport}
}

// runBadgerGC collects the badger value log until ctx is done.
func runBadgerGC(ctx context.Context, backend *storage.BadgerBackend) {
	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := backend.RunGC(); err != nil {
				log.Warn(ctx, "Badger value log GC failed", "error", err.Error())
			}
		}
	}
}

// serve runs the server until it is shut down.
func serve(ctx context.Context, server *http.Server) error {
	var err error

	if server.TLSConfig != nil {
		log.Info(ctx, "HTTPS server starting", "address", server.Addr)

		// Certificates come from TLSConfig.GetCertificate
		err = server.ListenAndServeTLS("", "")
	} else {
		log.Info(ctx, "HTTP server starting", "address", server.Addr)

		err = server.ListenAndServe()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(ctx, err, "Server error")

		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// shutdown gracefully stops the server.
func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	log.Info(ctx, "Shutting down server")

	if err := server.Shutdown(ctx); err != nil {
		log.Error(ctx, err, "Server shutdown error")

		return fmt.Errorf("server shutdown error: %w", err)
	}

	log.Info(ctx, "Server gracefully stopped")

	return nil
}

// shutdownOTel shuts down OpenTelemetry providers.
func shutdownOTel(otelProviders *observability.OTelProviders) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
	defer cancel()

	if err := otelProviders.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, err, "Failed to shutdown OpenTelemetry providers")
	}
}
