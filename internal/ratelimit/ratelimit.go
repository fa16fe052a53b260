// Package ratelimit provides per-client-IP token bucket rate limiting
// middleware for the relay's ingest and upgrade endpoints.
package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/relay-core/internal/config"
	"github.com/dskow/relay-core/internal/metrics"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientKey avoids fmt.Sprintf allocation in the hot path. The composite
// key encodes rate and burst so limiters created before a hot-reload are
// not reused with stale settings.
type clientKey struct {
	ip    string
	rate  rate.Limit
	burst int
}

// Limiter tracks per-client rate limiters and performs periodic cleanup
// of stale entries.
type Limiter struct {
	mu      sync.RWMutex
	clients map[clientKey]*client
	rate    rate.Limit
	burst   int
	logger  *slog.Logger
	stopCh  chan struct{}
}

// Pre-serialized 429 JSON body avoids json.Encoder allocation per rejection.
var errBodyTooManyRequests = []byte(`{"error":"Too Many Requests","message":"rate limit exceeded, retry later"}` + "\n")

// New creates a new Limiter with the given settings. It starts a background
// goroutine that cleans up stale client entries every minute.
func New(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	l := &Limiter{
		clients: make(map[clientKey]*client),
		rate:    rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.BurstSize,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// UpdateConfig hot-reloads the rate limit settings. Existing per-client
// limiters are cleared so new limits take effect immediately.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize

	// Clear existing limiters so new rates apply on next request.
	l.clients = make(map[clientKey]*client)
}

// Middleware returns an HTTP middleware that enforces rate limits.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r.RemoteAddr)

			l.mu.RLock()
			rateLimit, burst := l.rate, l.burst
			l.mu.RUnlock()

			limiter := l.getLimiter(ip, rateLimit, burst)
			if !limiter.Allow() {
				l.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				metrics.RateLimitHits.WithLabelValues(r.URL.Path).Inc()
				retryAfter := strconv.FormatFloat(1.0/float64(rateLimit), 'f', 0, 64)
				w.Header().Set("Retry-After", retryAfter)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write(errBodyTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// getLimiter returns or creates a rate limiter for the given client key.
// Uses RWMutex: read-lock for existing clients (common path), write-lock
// only for new insertions. rate.Limiter is internally goroutine-safe so
// Allow() does not need to be called under our lock.
func (l *Limiter) getLimiter(ip string, r rate.Limit, burst int) *rate.Limiter {
	key := clientKey{ip: ip, rate: r, burst: burst}

	// Fast path: read-lock for existing clients (the common case).
	l.mu.RLock()
	if c, exists := l.clients[key]; exists {
		// Avoid time.Now() on every hit — only update lastSeen if stale.
		// The cleanup threshold is 3 minutes; refreshing once per minute
		// is sufficient to prevent eviction.
		if time.Since(c.lastSeen) > 1*time.Minute {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	// Slow path: need write lock to insert new client.
	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock.
	if c, exists := l.clients[key]; exists {
		c.lastSeen = time.Now()
		return c.limiter
	}

	limiter := rate.NewLimiter(r, burst)
	l.clients[key] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for key, c := range l.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
