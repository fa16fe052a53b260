// Package admin provides the operator API: circuit breaker reset, dead
// letter triage and replay, counter reset, and config inspection. All
// endpoints are protected by IP allowlist.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/dskow/relay-core/internal/breaker"
	"github.com/dskow/relay-core/internal/config"
	"github.com/dskow/relay-core/internal/deadletter"
	"github.com/dskow/relay-core/internal/metrics"
	"github.com/dskow/relay-core/internal/pipeline"
)

const defaultListLimit = 100

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Deliverer re-runs replayed entries through the delivery pipeline.
type Deliverer interface {
	Deliver(ctx context.Context, msg pipeline.Message) pipeline.Outcome
}

// Handler provides the admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	store       *deadletter.Store
	brk         *breaker.Breaker
	collector   *metrics.Collector
	pipe        Deliverer
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(
	reloader ConfigProvider,
	store *deadletter.Store,
	brk *breaker.Breaker,
	collector *metrics.Collector,
	pipe Deliverer,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		store:       store,
		brk:         brk,
		collector:   collector,
		pipe:        pipe,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/breaker/reset", h.guard(h.breakerResetHandler))
	mux.HandleFunc("/admin/deadletters", h.guard(h.deadLettersHandler))
	mux.HandleFunc("/admin/deadletters/", h.guard(h.deadLetterHandler))
	mux.HandleFunc("/admin/metrics/reset", h.guard(h.metricsResetHandler))
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// breakerResetHandler forces the publish breaker back to closed.
func (h *Handler) breakerResetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	h.brk.Reset()
	h.logger.Info("circuit breaker reset via admin API")
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "reset",
		"state":  h.brk.State().String(),
	})
}

// deadLettersHandler lists pending dead letters, oldest first.
func (h *Handler) deadLettersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	limit := defaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}

	entries, err := h.store.List(limit)
	if err != nil {
		h.logger.Error("dead letter list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}
	total, _ := h.store.CountPending()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   total,
	})
}

// deadLetterHandler serves /admin/deadletters/{id} (GET, DELETE) and
// /admin/deadletters/{id}/replay (POST).
func (h *Handler) deadLetterHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/deadletters/")
	replay := false
	if strings.HasSuffix(rest, "/replay") {
		replay = true
		rest = strings.TrimSuffix(rest, "/replay")
	}

	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid dead letter id"})
		return
	}

	if replay {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		h.replay(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		entry, err := h.store.Get(id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)

	case http.MethodDelete:
		if err := h.store.Delete(id); err != nil {
			writeStoreError(w, err)
			return
		}
		h.logger.Info("dead letter deleted via admin API", "id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeMethodNotAllowed(w)
	}
}

// replay re-runs a dead letter through the pipeline and deletes it on
// successful delivery. A failed replay leaves the original entry in place;
// the pipeline will have written a fresh entry for the new failure.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request, id uint64) {
	entry, err := h.store.Get(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	outcome := h.pipe.Deliver(r.Context(), pipeline.Message{
		Channel: entry.Channel,
		Payload: entry.Payload,
	})

	if outcome == pipeline.OutcomeDelivered {
		if err := h.store.Delete(id); err != nil {
			h.logger.Warn("replayed entry could not be deleted", "id", id, "error", err)
		}
		h.logger.Info("dead letter replayed", "id", id, "channel", entry.Channel)
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "replayed",
			"outcome": outcome.String(),
		})
		return
	}

	writeJSON(w, http.StatusBadGateway, map[string]string{
		"status":  "replay_failed",
		"outcome": outcome.String(),
	})
}

// metricsResetHandler clears the per-channel delivery counters. Prometheus
// collectors are cumulative and are not touched.
func (h *Handler) metricsResetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	h.collector.Reset()
	h.logger.Info("delivery counters reset via admin API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	cfg := h.reloader.Current()

	// Shallow copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}
	if redacted.Broker.MQTT.Password != "" {
		redacted.Broker.MQTT.Password = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, deadletter.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dead letter not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error": "Method Not Allowed",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
