package server

import (
	"encoding/json"
	"net/http"

	"github.com/dskow/relay-core/internal/metrics"
)

// StatusResponse is the GET /status body: the delivery counter snapshot plus
// the broker connection state and dead-letter backlog.
type StatusResponse struct {
	metrics.Snapshot
	BrokerState     string `json:"broker_state"`
	DeadLetterDepth int    `json:"dead_letter_depth"`
	Sessions        int    `json:"sessions"`
}

// DeadLetterCounter reports the pending dead-letter backlog, satisfied by
// *deadletter.Store.
type DeadLetterCounter interface {
	CountPending() (int, error)
}

// StatusHandler returns the GET /status handler.
func StatusHandler(collector *metrics.Collector, brokerState func() string, store DeadLetterCounter, hub *Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		depth, err := store.CountPending()
		if err != nil {
			// The snapshot is still useful without the backlog count.
			depth = -1
		}

		resp := StatusResponse{
			Snapshot:        collector.Snapshot(),
			BrokerState:     brokerState(),
			DeadLetterDepth: depth,
			Sessions:        hub.SessionCount(),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
}
