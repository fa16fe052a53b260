// Package pipeline orchestrates retry, circuit breaking, dead-lettering, and
// metrics around each outbound message to the broker. A single publish
// failure never crosses the Deliver boundary as an error: every message ends
// in exactly one typed outcome.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/relay-core/internal/breaker"
	"github.com/dskow/relay-core/internal/brokerconn"
	"github.com/dskow/relay-core/internal/deadletter"
	"github.com/dskow/relay-core/internal/metrics"
	"github.com/dskow/relay-core/internal/retry"
)

// Message is one outbound event: a channel (broker topic) and an opaque
// payload. The pipeline does not interpret payloads.
type Message struct {
	Channel string `json:"channel"`
	Payload []byte `json:"payload"`
}

// Outcome is the terminal result of a delivery.
type Outcome int

const (
	// OutcomeDelivered: the broker accepted the message on some attempt.
	OutcomeDelivered Outcome = iota
	// OutcomeDeadLettered: every retry failed; the message is in the
	// dead-letter store.
	OutcomeDeadLettered
	// OutcomeRejected: the breaker was open; the message was dead-lettered
	// without any publish attempt.
	OutcomeRejected
)

// String returns the outcome name used in logs and metric labels.
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error-kind tags recorded on dead-letter entries.
const (
	KindBreakerOpen  = "breaker_open"
	KindTimeout      = "timeout"
	KindBrokerDown   = "broker_down"
	KindPublishError = "publish_error"
)

// Publisher is the broker-facing side of the pipeline, satisfied by
// *brokerconn.Machine.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Config holds pipeline tuning.
type Config struct {
	// PublishTimeout bounds a single publish attempt.
	PublishTimeout time.Duration `yaml:"publish_timeout" json:"publish_timeout"`
	// TopicPrefix is prepended to the channel name to form the broker topic.
	// Must match the prefix the hub subscribes with.
	TopicPrefix string `yaml:"-" json:"-"`
}

// Pipeline delivers messages to the broker under a shared circuit breaker.
// Safe for concurrent Deliver calls; the breaker and collector are the only
// shared mutable state.
type Pipeline struct {
	publisher Publisher
	breaker   *breaker.Breaker
	store     *deadletter.Store
	collector *metrics.Collector
	cfg       Config
	logger    *slog.Logger

	// policyMu guards policy: UpdatePolicy runs on the config-reload
	// goroutine while workers read it at the top of Deliver.
	policyMu sync.RWMutex
	policy   retry.Policy
}

// New creates a Pipeline. A zero PublishTimeout defaults to 5s.
func New(
	publisher Publisher,
	brk *breaker.Breaker,
	store *deadletter.Store,
	collector *metrics.Collector,
	policy retry.Policy,
	cfg Config,
	logger *slog.Logger,
) *Pipeline {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Pipeline{
		publisher: publisher,
		breaker:   brk,
		store:     store,
		collector: collector,
		policy:    policy,
		cfg:       cfg,
		logger:    logger,
	}
}

// UpdatePolicy swaps the retry policy on config hot-reload. Deliveries in
// flight keep the policy they started with.
func (p *Pipeline) UpdatePolicy(policy retry.Policy) {
	p.policyMu.Lock()
	p.policy = policy
	p.policyMu.Unlock()
}

// Deliver pushes one message through breaker, retries, and dead-lettering.
// It never returns an error; the outcome is the whole story.
func (p *Pipeline) Deliver(ctx context.Context, msg Message) Outcome {
	var lastErr error
	attempts := 0
	p.policyMu.RLock()
	policy := p.policy
	p.policyMu.RUnlock()

	topic := p.cfg.TopicPrefix + msg.Channel
	err := p.breaker.Do(func() error {
		for attempts = 1; ; attempts++ {
			actx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
			start := time.Now()
			err := p.publisher.Publish(actx, topic, msg.Payload)
			metrics.PublishDuration.Observe(time.Since(start).Seconds())
			cancel()

			if err == nil {
				return nil
			}
			lastErr = err

			p.logger.Warn("publish attempt failed",
				"channel", msg.Channel,
				"attempt", attempts,
				"max_attempts", policy.MaxAttempts,
				"error", err,
			)

			if attempts >= policy.MaxAttempts {
				return lastErr
			}

			metrics.DeliveryRetries.WithLabelValues(msg.Channel).Inc()
			if !policy.Sleep(ctx.Done(), attempts) {
				// Shutdown mid-backoff: stop retrying, dead-letter with the
				// attempts made so far.
				return lastErr
			}
		}
	})

	switch {
	case err == nil:
		p.collector.RecordProcessed(msg.Channel)
		return OutcomeDelivered

	case errors.Is(err, breaker.ErrOpen):
		p.store.Enqueue(msg.Channel, msg.Payload, "circuit breaker open", KindBreakerOpen, 0)
		p.collector.RecordFailed(msg.Channel)
		p.collector.RecordDeadLettered(msg.Channel, OutcomeRejected.String())
		return OutcomeRejected

	default:
		p.store.Enqueue(msg.Channel, msg.Payload, lastErr.Error(), classify(lastErr), attempts)
		p.collector.RecordFailed(msg.Channel)
		p.collector.RecordDeadLettered(msg.Channel, OutcomeDeadLettered.String())
		return OutcomeDeadLettered
	}
}

// classify maps a publish error to the dead-letter error-kind tag.
func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, brokerconn.ErrNotConnected):
		return KindBrokerDown
	default:
		return KindPublishError
	}
}
