// Package server exposes the relay's client-facing surface: the per-session
// WebSocket hub (event stream + command channel), the HTTP ingest endpoint,
// and the status endpoint.
//
// Sessions are keyed by the client-supplied session ID, so a reconnecting
// client resumes its previous subscription set. A session receives broker
// fan-out only while both of its channels are attached.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dskow/relay-core/internal/metrics"
	"github.com/dskow/relay-core/internal/pipeline"
)

// Deliverer is the pipeline-facing side of the hub, satisfied by
// *pipeline.Pipeline.
type Deliverer interface {
	Deliver(ctx context.Context, msg pipeline.Message) pipeline.Outcome
}

// Subscriber registers broker topic handlers, satisfied by
// *brokerconn.Machine.
type Subscriber interface {
	Subscribe(topic string, handler func(topic string, payload []byte))
}

// Command is one client request on the command channel.
type Command struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"` // subscribe | unsubscribe | publish | ping
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ack is the response to a Command, written back on the command channel.
type Ack struct {
	Type    string `json:"type"` // always "ack"
	ID      string `json:"id,omitempty"`
	Status  string `json:"status"` // ok | error
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

// session holds one client's channels and subscription set. Channels come
// and go across reconnects; the subscription set persists.
type session struct {
	id string

	mu       sync.Mutex
	stream   *websocket.Conn
	command  *websocket.Conn
	channels map[string]struct{}
	// lastDetach is set when the second channel drops, for idle pruning.
	lastDetach time.Time

	// events feeds the stream write pump. Fan-out drops on overflow rather
	// than blocking the broker handler.
	events chan []byte
}

func (s *session) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil && s.command != nil
}

func (s *session) subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

// Hub owns all sessions and routes broker messages to their stream channels.
type Hub struct {
	pipe        Deliverer
	broker      Subscriber
	topicPrefix string
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	// topics the hub has registered with the broker machine; one
	// registration per channel regardless of how many sessions want it.
	topics map[string]bool

	upgrader websocket.Upgrader
}

// NewHub creates a Hub. topicPrefix is prepended to channel names on broker
// subscribe and stripped again on fan-out.
func NewHub(pipe Deliverer, broker Subscriber, topicPrefix string, logger *slog.Logger) *Hub {
	return &Hub{
		pipe:        pipe,
		broker:      broker,
		topicPrefix: topicPrefix,
		logger:      logger,
		sessions:    make(map[string]*session),
		topics:      make(map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay fronts game clients on arbitrary origins; access
			// control happens at the auth layer, not via Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Hub) getOrCreate(id string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		s = &session{
			id:       id,
			channels: make(map[string]struct{}),
			events:   make(chan []byte, 128),
		}
		h.sessions[id] = s
	}
	return s
}

// HandleStream upgrades GET /ws/stream?session= and pumps fan-out events to
// the client until the connection drops.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream upgrade failed", "session", id, "error", err)
		return
	}

	s := h.getOrCreate(id)

	s.mu.Lock()
	if s.stream != nil {
		// A stale stream from a half-dead connection; the new one wins.
		s.stream.Close()
	}
	s.stream = conn
	wasReady := s.command != nil
	s.mu.Unlock()

	if wasReady {
		h.sessionReady(s)
	}
	h.logger.Info("stream channel attached", "session", id)

	done := make(chan struct{})
	go h.streamWritePump(s, conn, done)

	// Read loop exists only to observe the close; clients never send on the
	// stream channel.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)
	h.detachStream(s, conn)
}

func (h *Hub) streamWritePump(s *session, conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case payload := <-s.events:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// HandleCommands upgrades GET /ws/commands?session= and serves the command
// protocol until the connection drops.
func (h *Hub) HandleCommands(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("command upgrade failed", "session", id, "error", err)
		return
	}

	s := h.getOrCreate(id)

	s.mu.Lock()
	if s.command != nil {
		s.command.Close()
	}
	s.command = conn
	wasReady := s.stream != nil
	s.mu.Unlock()

	if wasReady {
		h.sessionReady(s)
	}
	h.logger.Info("command channel attached", "session", id)

	var writeMu sync.Mutex
	writeAck := func(ack Ack) {
		ack.Type = "ack"
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(ack); err != nil {
			h.logger.Warn("ack write failed", "session", id, "error", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			writeAck(Ack{Status: "error", Error: "malformed command"})
			continue
		}
		h.dispatch(r.Context(), s, cmd, writeAck)
	}
	h.detachCommand(s, conn)
}

func (h *Hub) dispatch(ctx context.Context, s *session, cmd Command, writeAck func(Ack)) {
	switch cmd.Type {
	case "ping":
		writeAck(Ack{ID: cmd.ID, Status: "ok"})

	case "subscribe":
		if cmd.Channel == "" {
			writeAck(Ack{ID: cmd.ID, Status: "error", Error: "channel is required"})
			return
		}
		s.mu.Lock()
		s.channels[cmd.Channel] = struct{}{}
		s.mu.Unlock()
		h.ensureTopic(cmd.Channel)
		writeAck(Ack{ID: cmd.ID, Status: "ok"})

	case "unsubscribe":
		s.mu.Lock()
		delete(s.channels, cmd.Channel)
		s.mu.Unlock()
		writeAck(Ack{ID: cmd.ID, Status: "ok"})

	case "publish":
		if cmd.Channel == "" {
			writeAck(Ack{ID: cmd.ID, Status: "error", Error: "channel is required"})
			return
		}
		outcome := h.pipe.Deliver(ctx, pipeline.Message{Channel: cmd.Channel, Payload: cmd.Payload})
		status := "ok"
		if outcome != pipeline.OutcomeDelivered {
			status = "error"
		}
		writeAck(Ack{ID: cmd.ID, Status: status, Outcome: outcome.String()})

	default:
		writeAck(Ack{ID: cmd.ID, Status: "error", Error: "unknown command type"})
	}
}

// ensureTopic registers the broker fan-out handler for a channel exactly
// once. The broker machine re-applies it across reconnects.
func (h *Hub) ensureTopic(channel string) {
	h.mu.Lock()
	if h.topics[channel] {
		h.mu.Unlock()
		return
	}
	h.topics[channel] = true
	h.mu.Unlock()

	h.broker.Subscribe(h.topicPrefix+channel, h.fanOut)
}

// fanOut routes one broker message to every ready session subscribed to its
// channel. Slow sessions lose messages instead of stalling the broker
// handler.
func (h *Hub) fanOut(topic string, payload []byte) {
	channel := strings.TrimPrefix(topic, h.topicPrefix)

	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if !s.ready() || !s.subscribed(channel) {
			continue
		}
		select {
		case s.events <- payload:
		default:
			h.logger.Warn("session event queue full, dropping",
				"session", s.id, "channel", channel)
		}
	}
}

func (h *Hub) sessionReady(s *session) {
	metrics.ActiveSessions.Inc()
	h.logger.Info("session ready", "session", s.id)
}

func (h *Hub) detachStream(s *session, conn *websocket.Conn) {
	s.mu.Lock()
	wasReady := s.stream == conn && s.command != nil
	if s.stream == conn {
		s.stream = nil
		s.lastDetach = time.Now()
	}
	s.mu.Unlock()
	conn.Close()

	if wasReady {
		metrics.ActiveSessions.Dec()
	}
	h.logger.Info("stream channel detached", "session", s.id)
}

func (h *Hub) detachCommand(s *session, conn *websocket.Conn) {
	s.mu.Lock()
	wasReady := s.command == conn && s.stream != nil
	if s.command == conn {
		s.command = nil
		s.lastDetach = time.Now()
	}
	s.mu.Unlock()
	conn.Close()

	if wasReady {
		metrics.ActiveSessions.Dec()
	}
	h.logger.Info("command channel detached", "session", s.id)
}

// PruneIdle drops sessions with no attached channels that have been idle
// longer than maxIdle. Their subscription sets are forgotten. Returns the
// number pruned.
func (h *Hub) PruneIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	h.mu.Lock()
	defer h.mu.Unlock()
	pruned := 0
	for id, s := range h.sessions {
		s.mu.Lock()
		idle := s.stream == nil && s.command == nil &&
			!s.lastDetach.IsZero() && s.lastDetach.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(h.sessions, id)
			pruned++
		}
	}
	if pruned > 0 {
		h.logger.Info("pruned idle sessions", "count", pruned)
	}
	return pruned
}

// SessionCount returns the number of known sessions, attached or not.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// RunPruner prunes idle sessions every interval until done is closed.
func (h *Hub) RunPruner(done <-chan struct{}, interval, maxIdle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			h.PruneIdle(maxIdle)
		case <-done:
			return
		}
	}
}
