package health

// Config holds health check configuration options.
type Config struct {
	// StrictReadiness determines if degraded status should fail readiness checks
	// When true: degraded = 503 (removes the instance from load balancers)
	// When false: degraded = 200 (a gateway without storage still proxies)
	StrictReadiness bool

	// Version to include in health responses
	Version string
}

// DefaultConfig returns health check configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StrictReadiness: false,
		Version:         "solara-proxy",
	}
}
