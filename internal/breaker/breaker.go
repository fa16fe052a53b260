// Package breaker provides the circuit breaker protecting broker publishes.
// One breaker instance guards one broker connection; the connection is the
// unit of failure, not individual messages.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/relay-core/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; trial calls allowed to test recovery.
)

// String returns the state name used in logs and the status endpoint.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Do when the breaker rejects a call without invoking
// the operation.
var ErrOpen = errors.New("circuit breaker open")

// Breaker is a consecutive-failure-count circuit breaker. It opens after
// FailureThreshold consecutive failures, rejects calls for ResetTimeout, then
// admits trial calls and closes again after SuccessThreshold consecutive
// successes. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	state    State
	name     string
	logger   *slog.Logger
	failures int
	// successes is meaningful only in StateHalfOpen.
	successes   int
	lastFailure time.Time

	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
}

// Config holds breaker tuning. Zero fields fall back to the defaults:
// 5 consecutive failures to open, 60s reset timeout, 2 successes to close.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

// New creates a breaker. name appears in logs and metrics labels are global,
// so one process should host one breaker per protected connection.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	return &Breaker{
		state:            StateClosed,
		name:             name,
		logger:           logger,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		resetTimeout:     cfg.ResetTimeout,
	}
}

// Allow reports whether a call may proceed. An open breaker whose reset
// timeout has elapsed transitions to half-open and admits the trial call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.lastFailure) >= b.resetTimeout {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed call. In closed state the breaker opens on
// the FailureThreshold-th consecutive failure; in half-open any failure
// reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.lastFailure = time.Now()
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.lastFailure = time.Now()
		b.transitionTo(StateOpen)
	}
}

// Do runs op under the breaker. Returns ErrOpen without invoking op when the
// call is rejected; otherwise returns op's error after recording the outcome.
func (b *Breaker) Do(op func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := op(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns the current failure and success counters, for the status
// endpoint and tests.
func (b *Breaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.successes
}

// Reset forces the breaker back to closed. Exposed through the admin API for
// operator-driven recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}

// UpdateConfig applies new thresholds on config hot-reload. Thread-safe.
func (b *Breaker) UpdateConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.FailureThreshold > 0 {
		b.failureThreshold = cfg.FailureThreshold
	}
	if cfg.SuccessThreshold > 0 {
		b.successThreshold = cfg.SuccessThreshold
	}
	if cfg.ResetTimeout > 0 {
		b.resetTimeout = cfg.ResetTimeout
	}
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerTransitions.WithLabelValues(from.String(), newState.String()).Inc()
	metrics.BreakerState.Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"breaker", b.name,
		"from", from.String(),
		"to", newState.String(),
	)

	switch newState {
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateOpen:
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	}
}
