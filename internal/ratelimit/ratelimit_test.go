package ratelimit

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dskow/relay-core/internal/config"
	"github.com/dskow/relay-core/internal/metrics"
)

func init() {
	metrics.Init()
}

func newLimiter(t *testing.T, rps float64, burst int) *Limiter {
	t.Helper()
	l := New(config.RateLimitConfig{RequestsPerSecond: rps, BurstSize: burst}, slog.Default())
	t.Cleanup(l.Stop)
	return l
}

func doRequest(l *Limiter, remoteAddr string) int {
	handler := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/publish", nil)
	r.RemoteAddr = remoteAddr
	handler.ServeHTTP(w, r)
	return w.Code
}

func TestLimiter_AllowsWithinBurst(t *testing.T) {
	l := newLimiter(t, 1, 3)

	for i := 0; i < 3; i++ {
		if code := doRequest(l, "10.0.0.1:1234"); code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, code)
		}
	}
}

func TestLimiter_RejectsOverBurst(t *testing.T) {
	l := newLimiter(t, 1, 2)

	doRequest(l, "10.0.0.1:1234")
	doRequest(l, "10.0.0.1:1234")
	if code := doRequest(l, "10.0.0.1:1234"); code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", code)
	}
}

func TestLimiter_SeparateBucketsPerIP(t *testing.T) {
	l := newLimiter(t, 1, 1)

	doRequest(l, "10.0.0.1:1234")
	if code := doRequest(l, "10.0.0.2:1234"); code != http.StatusOK {
		t.Fatalf("second IP throttled by first IP's bucket: %d", code)
	}
}

func TestLimiter_RetryAfterHeader(t *testing.T) {
	l := newLimiter(t, 0.5, 1)
	doRequest(l, "10.0.0.1:1234")

	handler := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/publish", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "2" {
		t.Errorf("Retry-After = %q, want 2", w.Header().Get("Retry-After"))
	}
}

func TestLimiter_UpdateConfigClearsBuckets(t *testing.T) {
	l := newLimiter(t, 1, 1)

	doRequest(l, "10.0.0.1:1234")
	if code := doRequest(l, "10.0.0.1:1234"); code != http.StatusTooManyRequests {
		t.Fatalf("expected throttle before update, got %d", code)
	}

	l.UpdateConfig(config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 100})

	if code := doRequest(l, "10.0.0.1:1234"); code != http.StatusOK {
		t.Fatalf("new limits not applied after update: %d", code)
	}
}
