// Package brokerconn manages the server's connection to the external pub/sub
// broker as an explicit state machine: disconnected → connecting → connected,
// reconnecting on I/O errors with backoff, and circuit-open once the
// reconnect ceiling is breached. The per-message publish breaker is a
// separate, cooperating instance owned by the delivery pipeline; this
// machine's circuit-open state only governs connection attempts.
package brokerconn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/relay-core/internal/metrics"
	"github.com/dskow/relay-core/internal/retry"
)

// State represents the broker connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateCircuitOpen
)

// String returns the state name used in logs and the status endpoint.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Publish when the machine is not in the
// connected state. The delivery pipeline classifies it as broker_down.
var ErrNotConnected = errors.New("broker not connected")

// Broker abstracts the external pub/sub broker client. Connect and Publish
// honor their context; Lost yields once per connection loss.
type Broker interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Disconnect()
	Lost() <-chan error
}

// Config holds connection machine tuning.
type Config struct {
	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	// ReconnectCeiling is the number of consecutive failed connect attempts
	// before the machine enters circuit_open.
	ReconnectCeiling int `yaml:"reconnect_ceiling" json:"reconnect_ceiling"`
	// ReopenAfter is how long the machine dwells in circuit_open before
	// restarting the connect cycle.
	ReopenAfter time.Duration `yaml:"reopen_after" json:"reopen_after"`
}

type subscription struct {
	topic   string
	handler func(topic string, payload []byte)
}

// Machine drives the broker connection lifecycle. Run owns all state
// transitions; Publish and Subscribe are safe from any goroutine.
type Machine struct {
	mu    sync.Mutex
	state State
	subs  []subscription

	broker Broker
	policy retry.Policy
	cfg    Config
	logger *slog.Logger
}

// New creates a Machine. Zero config fields fall back to 10s connect timeout,
// ceiling 5, 60s reopen.
func New(broker Broker, policy retry.Policy, cfg Config, logger *slog.Logger) *Machine {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectCeiling <= 0 {
		cfg.ReconnectCeiling = 5
	}
	if cfg.ReopenAfter <= 0 {
		cfg.ReopenAfter = 60 * time.Second
	}
	return &Machine{
		state:  StateDisconnected,
		broker: broker,
		policy: policy,
		cfg:    cfg,
		logger: logger,
	}
}

// State returns the current connection state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Publish forwards to the broker only while connected; otherwise it fails
// fast with ErrNotConnected so the pipeline does not retry into a known-down
// connection.
func (m *Machine) Publish(ctx context.Context, topic string, payload []byte) error {
	if m.State() != StateConnected {
		return ErrNotConnected
	}
	return m.broker.Publish(ctx, topic, payload)
}

// Subscribe registers a topic handler. Subscriptions are (re-)established
// every time the machine reaches the connected state, so a registration
// survives reconnects.
func (m *Machine) Subscribe(topic string, handler func(topic string, payload []byte)) {
	m.mu.Lock()
	m.subs = append(m.subs, subscription{topic: topic, handler: handler})
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		if err := m.broker.Subscribe(topic, handler); err != nil {
			m.logger.Error("broker subscribe failed", "topic", topic, "error", err)
		}
	}
}

// Run drives the connection lifecycle until ctx is cancelled. Blocking;
// intended to run as a dedicated goroutine. Only the connect and reconnect
// steps suspend.
func (m *Machine) Run(ctx context.Context) {
	m.transitionTo(StateConnecting)
	attempt := 0

	for {
		if ctx.Err() != nil {
			m.transitionTo(StateDisconnected)
			return
		}

		cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		err := m.broker.Connect(cctx)
		cancel()

		if err != nil {
			attempt++
			m.logger.Warn("broker connect failed",
				"attempt", attempt,
				"ceiling", m.cfg.ReconnectCeiling,
				"error", err,
			)

			if attempt >= m.cfg.ReconnectCeiling {
				m.transitionTo(StateCircuitOpen)
				if !sleepOrDone(ctx, m.cfg.ReopenAfter) {
					m.transitionTo(StateDisconnected)
					return
				}
				attempt = 0
				m.transitionTo(StateReconnecting)
				continue
			}

			if m.State() != StateReconnecting {
				m.transitionTo(StateReconnecting)
			}
			if !m.policy.Sleep(ctx.Done(), attempt) {
				m.transitionTo(StateDisconnected)
				return
			}
			continue
		}

		attempt = 0
		m.transitionTo(StateConnected)
		m.resubscribe()

		select {
		case err := <-m.broker.Lost():
			m.logger.Warn("broker connection lost", "error", err)
			m.transitionTo(StateReconnecting)
		case <-ctx.Done():
			m.broker.Disconnect()
			m.transitionTo(StateDisconnected)
			return
		}
	}
}

func (m *Machine) resubscribe() {
	m.mu.Lock()
	subs := make([]subscription, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		if err := m.broker.Subscribe(s.topic, s.handler); err != nil {
			m.logger.Error("broker resubscribe failed", "topic", s.topic, "error", err)
		}
	}
}

// transitionTo changes the machine state, logging the previous and new state
// and updating metrics.
func (m *Machine) transitionTo(newState State) {
	m.mu.Lock()
	if m.state == newState {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = newState
	m.mu.Unlock()

	metrics.BrokerTransitions.WithLabelValues(from.String(), newState.String()).Inc()
	metrics.BrokerState.Set(float64(newState))

	m.logger.Info("broker connection state change",
		"from", from.String(),
		"to", newState.String(),
	)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
