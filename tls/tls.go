package tls

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jkoelker/solara-proxy/log"
)

// DefaultPollInterval is how often the key pair is re-read when no file
// event arrives.
const DefaultPollInterval = time.Minute

// ErrNoCertificate is returned when no certificate has been loaded.
var ErrNoCertificate = errors.New("no TLS certificate available")

// loadedPair is the parsed key pair together with the raw PEM it came from.
type loadedPair struct {
	certificate *tls.Certificate
	certPEM     []byte
	keyPEM      []byte
}

// Manager serves a certificate and key pair from disk and swaps it in place
// whenever either file changes.
type Manager struct {
	certPath string
	keyPath  string
	interval time.Duration

	current atomic.Pointer[loadedPair]
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// NewManager creates a manager for the pair at certPath and keyPath. Nothing
// is read until Load is called.
func NewManager(certPath, keyPath string, opts ...Option) *Manager {
	manager := &Manager{
		certPath: certPath,
		keyPath:  keyPath,
		interval: DefaultPollInterval,
	}

	for _, opt := range opts {
		opt(manager)
	}

	return manager
}

// Load reads and parses the pair. It reports whether the served certificate
// changed.
func (m *Manager) Load(ctx context.Context) (bool, error) {
	certPEM, err := os.ReadFile(m.certPath)
	if err != nil {
		return false, fmt.Errorf("failed to read cert file: %w", err)
	}

	keyPEM, err := os.ReadFile(m.keyPath)
	if err != nil {
		return false, fmt.Errorf("failed to read key file: %w", err)
	}

	if prev := m.current.Load(); prev != nil &&
		bytes.Equal(prev.certPEM, certPEM) && bytes.Equal(prev.keyPEM, keyPEM) {
		return false, nil
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return false, fmt.Errorf("failed to parse key pair: %w", err)
	}

	m.current.Store(&loadedPair{certificate: &cert, certPEM: certPEM, keyPEM: keyPEM})

	log.Info(ctx, "Loaded TLS certificate", "cert_path", m.certPath, "key_path", m.keyPath)

	return true, nil
}

// GetCertificate returns the served certificate. It is suitable for
// tls.Config.GetCertificate.
func (m *Manager) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	pair := m.current.Load()
	if pair == nil {
		return nil, ErrNoCertificate
	}

	return pair.certificate, nil
}

// Config returns a server tls.Config backed by the manager.
func (m *Manager) Config() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: m.GetCertificate,
	}
}

// Watch reloads the pair on file events and on every poll tick until ctx is
// done. Directories are watched instead of files so that replacements by
// rename, as done by secret mounts, are seen. Reload failures keep the
// previous pair.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	defer func() {
		if err := watcher.Close(); err != nil {
			log.Error(ctx, err, "Failed to close certificate watcher")
		}
	}()

	for _, dir := range m.watchDirs() {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Debug(ctx, "Watching TLS certificate", "interval", m.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.reload(ctx, "poll")
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if m.relevant(event) {
				m.reload(ctx, event.Op.String())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			log.Error(ctx, err, "Certificate watch error")
		}
	}
}

func (m *Manager) reload(ctx context.Context, reason string) {
	changed, err := m.Load(ctx)
	if err != nil {
		log.Warn(ctx, "Keeping previous TLS certificate", "reason", reason, "error", err.Error())

		return
	}

	if changed {
		log.Debug(ctx, "TLS certificate reloaded", "reason", reason)
	}
}

// relevant reports whether event may have changed the cert or key contents.
func (m *Manager) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}

	name := filepath.Clean(event.Name)

	// Secret mounts swap a "..data" symlink rather than the files themselves
	if filepath.Base(name) == "..data" {
		return true
	}

	return name == filepath.Clean(m.certPath) || name == filepath.Clean(m.keyPath)
}

func (m *Manager) watchDirs() []string {
	certDir := filepath.Dir(m.certPath)
	keyDir := filepath.Dir(m.keyPath)

	if certDir == keyDir {
		return []string{certDir}
	}

	return []string{certDir, keyDir}
}
