package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Storage backend identifiers.
const (
	// BackendSQLite stores state in a SQLite database file.
	BackendSQLite = "sqlite"

	// BackendBadger stores state in a BadgerDB directory.
	BackendBadger = "badger"

	// BackendNone runs without persistence; storage reports itself unavailable.
	BackendNone = "none"
)

// SchemePreserve keeps the inbound scheme of an audio target instead of
// forcing one.
const SchemePreserve = "preserve"

// Upstream defaults.
const (
	// DefaultAPIBaseURL is the JSON API every non-audio proxy request is forwarded to.
	DefaultAPIBaseURL = "https://music-api.gdstudio.xyz/api.php"

	// DefaultAudioReferer is sent on every outbound audio request.
	DefaultAudioReferer = "https://www.kuwo.cn/"

	// DefaultUserAgent is used when the inbound request has none.
	DefaultUserAgent = "Mozilla/5.0"
)

// Configuration errors.
var (
	// ErrUnknownBackend is returned for an unsupported STORAGE_BACKEND value.
	ErrUnknownBackend = errors.New("unknown storage backend")

	// ErrNoAllowedHosts is returned when the audio host allow-list is empty.
	ErrNoAllowedHosts = errors.New("audio host allow-list is empty")

	// ErrInvalidScheme is returned for an unsupported AUDIO_UPSTREAM_SCHEME value.
	ErrInvalidScheme = errors.New("audio upstream scheme must be http, https or preserve")

	// ErrInvalidAPIBase is returned when API_BASE_URL is not an absolute http(s) URL.
	ErrInvalidAPIBase = errors.New("invalid API base URL")
)

// Config holds the application configuration.
type Config struct {
	// Server configuration
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1"`
	Port       int    `env:"PORT"        envDefault:"8787"`

	// Shared secret for the cookie gate. Empty disables authentication.
	Password string `env:"PASSWORD"`

	// Static web client root. Empty disables static serving.
	StaticDir string `env:"STATIC_DIR"`

	// Data storage settings
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"sqlite"`
	DataPath       string `env:"DATA_PATH"       envDefault:"./data"`

	// Upstream settings
	AudioAllowedHosts   []string `env:"AUDIO_ALLOWED_HOSTS"   envDefault:"kuwo.cn" envSeparator:","`
	AudioUpstreamScheme string   `env:"AUDIO_UPSTREAM_SCHEME" envDefault:"http"`
	AudioReferer        string   `env:"AUDIO_REFERER"         envDefault:"https://www.kuwo.cn/"`
	APIBaseURL          string   `env:"API_BASE_URL"          envDefault:"https://music-api.gdstudio.xyz/api.php"`
	DefaultUserAgent    string   `env:"DEFAULT_USER_AGENT"    envDefault:"Mozilla/5.0"`

	// Per-client rate limit on the proxy route (requests per second, 0 disables)
	ProxyRateLimit float64 `env:"PROXY_RATE_LIMIT" envDefault:"0"`
	ProxyRateBurst int     `env:"PROXY_RATE_BURST" envDefault:"20"`

	// Debug options
	DebugLogging bool `env:"DEBUG_LOGGING" envDefault:"false"`

	// Observability settings
	ServiceName     string `env:"SERVICE_NAME"     envDefault:"solara-proxy"`
	MetricsEnabled  bool   `env:"METRICS_ENABLED"  envDefault:"true"`
	TracingEnabled  bool   `env:"TRACING_ENABLED"  envDefault:"true"`
	StrictReadiness bool   `env:"STRICT_READINESS" envDefault:"false"`

	// OTLP/HTTP trace collector URL. Empty keeps spans in-process.
	TracingEndpoint string `env:"TRACING_OTLP_ENDPOINT"`

	// TLS settings
	TLSCertPath string `env:"TLS_CERT_PATH"`
	TLSKeyPath  string `env:"TLS_KEY_PATH"`
}

// TLSEnabled reports whether both a certificate and a key were configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}

// AudioScheme returns the scheme outbound audio requests are forced to, or
// the empty string when the inbound scheme is kept.
func (c *Config) AudioScheme() string {
	if c.AudioUpstreamScheme == SchemePreserve {
		return ""
	}

	return c.AudioUpstreamScheme
}

// Validate checks values env parsing cannot check on its own and normalizes
// list entries.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendSQLite, BackendBadger, BackendNone:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.StorageBackend)
	}

	hosts := make([]string, 0, len(c.AudioAllowedHosts))

	for _, host := range c.AudioAllowedHosts {
		host = strings.ToLower(strings.Trim(strings.TrimSpace(host), "."))
		if host != "" {
			hosts = append(hosts, host)
		}
	}

	if len(hosts) == 0 {
		return ErrNoAllowedHosts
	}

	c.AudioAllowedHosts = hosts

	switch c.AudioUpstreamScheme {
	case "http", "https", SchemePreserve:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidScheme, c.AudioUpstreamScheme)
	}

	base, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAPIBase, err)
	}

	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidAPIBase, c.APIBaseURL)
	}

	return nil
}

// Load creates a Config from environment variables.
func Load() (*Config, error) {
	config := &Config{}

	// Parse environment variables using struct tags
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	// Clear the shared secret so it does not show up in process listings
	clearEnvVar("PASSWORD")

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// clearEnvVar removes the specified environment variable to prevent it from
// being exposed in process listings.
func clearEnvVar(key string) {
	_ = os.Unsetenv(key)
}
