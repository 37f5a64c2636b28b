package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jkoelker/solara-proxy/log"
	"github.com/jkoelker/solara-proxy/metrics"
)

// limiterIdleTimeout is how long a client's limiter is kept without traffic.
const limiterIdleTimeout = 10 * time.Minute

// RateLimitedTotal counts requests rejected by the rate limiter.
const RateLimitedTotal = "rate_limited_requests_total"

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-client token bucket keyed by GetRealIP.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter creates a limiter allowing perSecond requests per client
// with the given burst. A non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}

	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// Enabled reports whether the limiter rejects anything at all.
func (l *RateLimiter) Enabled() bool {
	return l != nil && l.limit > 0
}

// Allow reports whether client may make a request now.
func (l *RateLimiter) Allow(client string) bool {
	if !l.Enabled() {
		return true
	}

	return l.get(client).Allow()
}

// Middleware rejects requests over the limit with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !l.Enabled() {
		return next
	}

	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		client := GetRealIP(request)

		if !l.Allow(client) {
			ctx := request.Context()

			log.Debug(ctx, "Rate limit exceeded", "client_ip", client, "path", request.URL.Path)
			metrics.RecordCounter(ctx, RateLimitedTotal, 1, "path", request.URL.Path)

			http.Error(writer, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)

			return
		}

		next.ServeHTTP(writer, request)
	})
}

func (l *RateLimiter) get(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	entry, ok := l.clients[client]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = entry
	}

	entry.lastSeen = now

	return entry.limiter
}

// sweep drops idle clients at most once per idle timeout. Callers hold mu.
func (l *RateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < limiterIdleTimeout {
		return
	}

	l.lastSweep = now

	for client, entry := range l.clients {
		if now.Sub(entry.lastSeen) >= limiterIdleTimeout {
			delete(l.clients, client)
		}
	}
}

// Clients returns how many clients are currently tracked.
func (l *RateLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.clients)
}
