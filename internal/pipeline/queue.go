package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dskow/relay-core/internal/metrics"
)

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("pipeline: queue closed")

// Queue is a bounded buffer in front of a Pipeline for fire-and-forget
// ingestion. Callers hand off messages without waiting for the delivery
// outcome; a fixed pool of workers drains the buffer through Deliver.
type Queue struct {
	pipe    *Pipeline
	jobs    chan Message
	workers int
	logger  *slog.Logger

	// mu is held for reading across the channel send so that Stop cannot
	// close jobs while a producer is blocked on it.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue creates a queue with the given worker count and buffer size.
// Workers do not start until Start is called.
func NewQueue(pipe *Pipeline, workers, size int, logger *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	return &Queue{
		pipe:    pipe,
		jobs:    make(chan Message, size),
		workers: workers,
		logger:  logger,
	}
}

// Start launches the worker pool. Workers exit once the queue is stopped and
// drained; cancelling ctx makes any remaining deliveries fail fast instead.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.logger.Info("delivery queue started", "workers", q.workers, "capacity", cap(q.jobs))
}

// Enqueue hands a message to the worker pool. It blocks while the buffer is
// full and returns ctx.Err() if the caller gives up first.
func (q *Queue) Enqueue(ctx context.Context, msg Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- msg:
		metrics.QueueDepth.Set(float64(len(q.jobs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth reports the number of messages waiting in the buffer.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Stop closes the queue and waits for the workers to drain what was already
// accepted. Enqueue fails with ErrQueueClosed afterwards. Stop waits for any
// Enqueue that is blocked on a full buffer to finish (or give up via its
// context) before closing the channel.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("delivery queue drained")
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for msg := range q.jobs {
		metrics.QueueDepth.Set(float64(len(q.jobs)))
		outcome := q.pipe.Deliver(ctx, msg)
		if outcome != OutcomeDelivered {
			q.logger.Warn("async delivery did not reach broker",
				"channel", msg.Channel, "outcome", outcome.String())
		}
	}
}
