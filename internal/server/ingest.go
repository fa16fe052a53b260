package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dskow/relay-core/internal/apierror"
	"github.com/dskow/relay-core/internal/metrics"
	"github.com/dskow/relay-core/internal/pipeline"
)

// PublishRequest is the POST /publish body.
type PublishRequest struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// PublishResponse reports the typed delivery outcome.
type PublishResponse struct {
	Channel string `json:"channel"`
	Outcome string `json:"outcome"`
}

// PublishHandler returns the HTTP ingest handler. Every request ends in one
// typed outcome: 202 delivered, 503 rejected (breaker open), 500
// dead-lettered after exhausted retries.
func PublishHandler(pipe Deliverer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			metrics.IngestRequests.WithLabelValues("method_not_allowed").Inc()
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "only POST is accepted")
			return
		}

		var req PublishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			metrics.IngestRequests.WithLabelValues("bad_request").Inc()
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "malformed JSON body")
			return
		}
		if req.Channel == "" {
			metrics.IngestRequests.WithLabelValues("bad_request").Inc()
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "channel is required")
			return
		}

		outcome := pipe.Deliver(r.Context(), pipeline.Message{
			Channel: req.Channel,
			Payload: req.Payload,
		})

		var status int
		switch outcome {
		case pipeline.OutcomeDelivered:
			status = http.StatusAccepted
		case pipeline.OutcomeRejected:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
		metrics.IngestRequests.WithLabelValues(outcome.String()).Inc()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(PublishResponse{
			Channel: req.Channel,
			Outcome: outcome.String(),
		})
	})
}

// Enqueuer accepts messages for background delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg pipeline.Message) error
}

// AsyncPublishHandler returns the fire-and-forget ingest handler. The message
// is queued for background delivery and the response is 202 as soon as the
// queue accepts it; failures end up in the dead-letter store, not the response.
func AsyncPublishHandler(q Enqueuer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			metrics.IngestRequests.WithLabelValues("method_not_allowed").Inc()
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "only POST is accepted")
			return
		}

		var req PublishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			metrics.IngestRequests.WithLabelValues("bad_request").Inc()
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "malformed JSON body")
			return
		}
		if req.Channel == "" {
			metrics.IngestRequests.WithLabelValues("bad_request").Inc()
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "channel is required")
			return
		}

		err := q.Enqueue(r.Context(), pipeline.Message{
			Channel: req.Channel,
			Payload: req.Payload,
		})
		if err != nil {
			metrics.IngestRequests.WithLabelValues("queue_unavailable").Inc()
			apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.BrokerUnavailable, "delivery queue unavailable")
			return
		}

		metrics.IngestRequests.WithLabelValues("queued").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(PublishResponse{
			Channel: req.Channel,
			Outcome: "queued",
		})
	})
}
