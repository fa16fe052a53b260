package metrics

import (
	"sync"
	"time"
)

// ChannelCounts holds the per-channel delivery counters.
type ChannelCounts struct {
	Processed    uint64 `json:"processed"`
	Failed       uint64 `json:"failed"`
	DeadLettered uint64 `json:"dead_lettered"`
}

// Snapshot is an immutable view of the collector at a point in time. It is
// rebuilt on every call and never aliases live counter state.
type Snapshot struct {
	Timestamp    string                   `json:"timestamp"`
	BreakerState string                   `json:"breaker_state"`
	Channels     map[string]ChannelCounts `json:"channels"`
}

// Collector tracks per-channel delivery counters for the status endpoint.
// It is safe for concurrent use from multiple pipeline instances, including
// OS-thread callers. Prometheus collectors are updated alongside so the
// scrape endpoint and the status endpoint never disagree.
type Collector struct {
	mu       sync.Mutex
	channels map[string]*ChannelCounts

	// breakerState reports the current publish breaker state string
	// (closed|open|half_open). Set once at wiring time.
	breakerState func() string
}

// NewCollector creates a Collector. breakerState may be nil until the breaker
// is wired; Snapshot reports "unknown" in that case.
func NewCollector(breakerState func() string) *Collector {
	return &Collector{
		channels:     make(map[string]*ChannelCounts),
		breakerState: breakerState,
	}
}

func (c *Collector) counts(channel string) *ChannelCounts {
	cc, ok := c.channels[channel]
	if !ok {
		cc = &ChannelCounts{}
		c.channels[channel] = cc
	}
	return cc
}

// RecordProcessed increments the processed counter for channel.
func (c *Collector) RecordProcessed(channel string) {
	c.mu.Lock()
	c.counts(channel).Processed++
	c.mu.Unlock()
	DeliveriesTotal.WithLabelValues(channel, "delivered").Inc()
}

// RecordFailed increments the failed counter for channel. Called once per
// terminal delivery failure, not per attempt.
func (c *Collector) RecordFailed(channel string) {
	c.mu.Lock()
	c.counts(channel).Failed++
	c.mu.Unlock()
}

// RecordDeadLettered increments the dead-lettered counter for channel.
// outcome is "dead_lettered" or "rejected" depending on whether retries ran.
func (c *Collector) RecordDeadLettered(channel, outcome string) {
	c.mu.Lock()
	c.counts(channel).DeadLettered++
	c.mu.Unlock()
	DeliveriesTotal.WithLabelValues(channel, outcome).Inc()
}

// Snapshot returns an immutable copy of all counters with an ISO-8601
// timestamp and the current breaker state.
func (c *Collector) Snapshot() Snapshot {
	state := "unknown"
	if c.breakerState != nil {
		state = c.breakerState()
	}

	c.mu.Lock()
	channels := make(map[string]ChannelCounts, len(c.channels))
	for name, cc := range c.channels {
		channels[name] = *cc
	}
	c.mu.Unlock()

	return Snapshot{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		BreakerState: state,
		Channels:     channels,
	}
}

// Reset clears all per-channel counters. Exposed through the admin API.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.channels = make(map[string]*ChannelCounts)
	c.mu.Unlock()
}
