// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Probe reports one dependency's readiness. The returned status string is
// surfaced in the /ready body; ok drives the HTTP status.
type Probe func() (status string, ok bool)

// Handler provides /health and /ready endpoints. Readiness aggregates the
// registered dependency probes (broker connection, dead-letter store).
type Handler struct {
	probes map[string]Probe
	logger *slog.Logger

	// Cached readiness result so /ready polls do not hammer the probes.
	// Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health Handler with the given named probes.
func New(probes map[string]Probe, logger *slog.Logger) *Handler {
	return &Handler{probes: probes, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	results := make(map[string]string, len(h.probes))
	allOK := true
	for name, probe := range h.probes {
		status, ok := probe()
		results[name] = status
		if !ok {
			allOK = false
			h.logger.Warn("dependency not ready", "dependency", name, "status", status)
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if !allOK {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":       statusStr,
		"dependencies": results,
	})
	body = append(body, '\n')

	// Cache the result.
	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}
