package clientconn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds connection machine tuning.
type Config struct {
	// ConnectTimeout bounds each channel's connect attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	// MaxAttempts is the reconnect ceiling; a channel error at or past it is
	// fatal.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// RetryStep and RetryCap shape the reconnect delay:
	// min(RetryCap, attempt * RetryStep).
	RetryStep time.Duration `yaml:"retry_step" json:"retry_step"`
	RetryCap  time.Duration `yaml:"retry_cap" json:"retry_cap"`
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryStep <= 0 {
		c.RetryStep = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 5 * time.Second
	}
}

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evReset
	evStreamOpened
	evStreamFailed
	evCommandOpened
	evCommandFailed
	evChannelError
	evRetryDue
)

// event is the tagged variant fed to the owner goroutine. gen ties an event
// to the connect cycle that produced it; events from superseded cycles are
// discarded instead of corrupting the current one.
type event struct {
	kind    eventKind
	gen     uint64
	stream  StreamChannel
	command CommandChannel
	which   string
	err     error
}

// Machine coordinates the two transport channels into one connection state.
// All transitions run on a single owner goroutine fed by an event queue, so
// they are strictly serialized; an external event arriving mid-transition is
// processed only after the in-flight one completes.
type Machine struct {
	streamDialer  StreamDialer
	commandDialer CommandDialer
	cfg           Config
	logger        *slog.Logger

	events chan event
	done   chan struct{}

	// mu guards the fields below. Writes happen only on the owner
	// goroutine; the lock exists for external readers (State, Send).
	mu      sync.Mutex
	state   State
	ctxData Context
	stream  StreamChannel
	command CommandChannel
	started bool
	stopped bool

	// Owner-goroutine-only state: pending work handles, cancelled when a
	// transition supersedes them, and the connect-cycle generation.
	gen        uint64
	dialCancel context.CancelFunc
	retryTimer *time.Timer

	subs    []func(Change)
	onEvent func([]byte)
	onAck   func([]byte)
}

// New creates a Machine with a fresh session ID. The session ID survives
// reconnects; only a new Machine gets a new one.
func New(streamDialer StreamDialer, commandDialer CommandDialer, cfg Config, logger *slog.Logger) *Machine {
	cfg.applyDefaults()
	return &Machine{
		streamDialer:  streamDialer,
		commandDialer: commandDialer,
		cfg:           cfg,
		logger:        logger,
		events:        make(chan event, 16),
		done:          make(chan struct{}),
		state:         StateDisconnected,
		ctxData:       Context{SessionID: uuid.NewString()},
	}
}

// Notify registers a transition subscriber. Must be called before Start;
// callbacks run on the owner goroutine, so they must not block.
func (m *Machine) Notify(fn func(Change)) {
	m.subs = append(m.subs, fn)
}

// OnEvent registers the consumer for server-pushed stream payloads.
// Must be called before Start.
func (m *Machine) OnEvent(fn func([]byte)) {
	m.onEvent = fn
}

// OnAck registers the consumer for command-channel responses.
// Must be called before Start.
func (m *Machine) OnAck(fn func([]byte)) {
	m.onAck = fn
}

// Start launches the owner goroutine and begins connecting.
func (m *Machine) Start() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
	m.post(event{kind: evStart})
	return nil
}

// Stop shuts the machine down and waits for the owner goroutine to exit.
// Pending timers and in-flight dials are cancelled.
func (m *Machine) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}
	m.post(event{kind: evStop})
	<-m.done
}

// Reset recovers a failed machine: the attempt counter clears and the
// connect cycle restarts with the same session ID. No-op in other states.
func (m *Machine) Reset() {
	m.post(event{kind: evReset})
}

// State returns the current connection state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a copy of the connection context.
func (m *Machine) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctxData
}

// Send writes one command on the command channel. Fails with ErrNotReady
// unless the machine is fully connected.
func (m *Machine) Send(payload []byte) error {
	m.mu.Lock()
	st := m.state
	cmd := m.command
	m.mu.Unlock()

	if st != StateFullyConnected || cmd == nil {
		return ErrNotReady
	}
	return cmd.Send(payload)
}

func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Machine) run() {
	for ev := range m.events {
		if m.handle(ev) {
			return
		}
	}
}

// handle processes one event; returns true when the machine is done.
// This is the only place transitions happen.
func (m *Machine) handle(ev event) bool {
	// Events from a superseded connect cycle are stale: their channels were
	// already torn down, their timers already cancelled.
	if ev.gen != 0 && ev.gen != m.gen {
		if ev.stream != nil {
			ev.stream.Close()
		}
		if ev.command != nil {
			ev.command.Close()
		}
		return false
	}

	switch ev.kind {
	case evStart:
		if m.current() == StateDisconnected {
			m.beginStream()
		}

	case evStop:
		m.teardown()
		m.transition(StateDisconnected)
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		close(m.done)
		return true

	case evReset:
		if m.current() != StateFailed {
			return false
		}
		m.mu.Lock()
		m.ctxData.Attempts = 0
		m.ctxData.LastErr = nil
		m.mu.Unlock()
		m.logger.Info("connection machine reset", "session", m.Context().SessionID)
		m.beginStream()

	case evStreamOpened:
		if m.current() != StateConnectingStream {
			ev.stream.Close()
			return false
		}
		m.mu.Lock()
		m.stream = ev.stream
		m.mu.Unlock()
		m.watch(ev.stream, "stream", ev.gen)
		m.pumpStream(ev.stream)
		m.transition(StateStreamConnected)
		m.beginCommand()

	case evStreamFailed:
		m.handleFailure("stream", ev.err)

	case evCommandOpened:
		if m.current() != StateConnectingCommandChannel {
			ev.command.Close()
			return false
		}
		m.mu.Lock()
		m.command = ev.command
		m.ctxData.Attempts = 0
		m.ctxData.LastErr = nil
		m.mu.Unlock()
		m.watch(ev.command, "command", ev.gen)
		m.pumpAcks(ev.command)
		m.transition(StateFullyConnected)

	case evCommandFailed:
		m.handleFailure("command", ev.err)

	case evChannelError:
		m.handleFailure(ev.which, ev.err)

	case evRetryDue:
		if m.current() == StateReconnecting {
			m.beginStream()
		}
	}
	return false
}

func (m *Machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// beginStream starts a new connect cycle: a fresh generation, the stream
// dial, and its connect timeout.
func (m *Machine) beginStream() {
	m.gen++
	gen := m.gen
	m.transition(StateConnectingStream)

	dctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	m.dialCancel = cancel
	sessionID := m.Context().SessionID

	go func() {
		ch, err := m.streamDialer.DialStream(dctx, sessionID)
		cancel()
		if err != nil {
			m.post(event{kind: evStreamFailed, gen: gen, err: err})
			return
		}
		m.post(event{kind: evStreamOpened, gen: gen, stream: ch})
	}()
}

func (m *Machine) beginCommand() {
	gen := m.gen
	m.transition(StateConnectingCommandChannel)

	dctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	m.dialCancel = cancel
	sessionID := m.Context().SessionID

	go func() {
		ch, err := m.commandDialer.DialCommand(dctx, sessionID)
		cancel()
		if err != nil {
			m.post(event{kind: evCommandFailed, gen: gen, err: err})
			return
		}
		m.post(event{kind: evCommandOpened, gen: gen, command: ch})
	}()
}

// handleFailure is the single error path for connect timeouts, dial
// failures, and channel drops on either channel.
func (m *Machine) handleFailure(which string, err error) {
	m.logger.Warn("channel failure",
		"session", m.Context().SessionID,
		"channel", which,
		"state", m.current().String(),
		"error", err,
	)

	wasConnected := m.current() == StateFullyConnected
	m.teardown()

	m.mu.Lock()
	m.ctxData.LastErr = err
	attempts := m.ctxData.Attempts
	m.mu.Unlock()

	// A failure before ever reaching fully connected, with the ceiling
	// already spent, is fatal until an external reset.
	if !wasConnected && attempts >= m.cfg.MaxAttempts {
		m.transition(StateFailed)
		return
	}

	m.mu.Lock()
	m.ctxData.Attempts++
	attempts = m.ctxData.Attempts
	m.mu.Unlock()

	m.transition(StateReconnecting)
	m.scheduleRetry(attempts)
}

// teardown cancels pending work and closes both channels. Superseding a
// pending timeout or dial must always go through here so stale handles can
// never fire into a newer cycle.
func (m *Machine) teardown() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}

	m.mu.Lock()
	stream := m.stream
	command := m.command
	m.stream = nil
	m.command = nil
	m.mu.Unlock()

	// Invalidate watcher/dial events emitted by whatever is being closed.
	m.gen++

	if stream != nil {
		stream.Close()
	}
	if command != nil {
		command.Close()
	}
}

// reconnectDelay is min(RetryCap, attempt * RetryStep).
func (m *Machine) reconnectDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * m.cfg.RetryStep
	if d > m.cfg.RetryCap {
		return m.cfg.RetryCap
	}
	return d
}

func (m *Machine) scheduleRetry(attempt int) {
	gen := m.gen
	delay := m.reconnectDelay(attempt)
	m.logger.Info("reconnect scheduled",
		"session", m.Context().SessionID,
		"attempt", attempt,
		"delay", delay,
	)
	m.retryTimer = time.AfterFunc(delay, func() {
		m.post(event{kind: evRetryDue, gen: gen})
	})
}

// watch posts a channel-error event when ch closes. If the machine closed
// the channel itself during teardown, the event arrives with a stale
// generation and is discarded.
func (m *Machine) watch(ch Channel, which string, gen uint64) {
	go func() {
		<-ch.Done()
		m.post(event{kind: evChannelError, gen: gen, which: which, err: ch.Err()})
	}()
}

func (m *Machine) pumpStream(ch StreamChannel) {
	go func() {
		for payload := range ch.Events() {
			if m.onEvent != nil {
				m.onEvent(payload)
			}
		}
	}()
}

func (m *Machine) pumpAcks(ch CommandChannel) {
	go func() {
		for payload := range ch.Acks() {
			if m.onAck != nil {
				m.onAck(payload)
			}
		}
	}()
}

// transition changes state, records the timestamp, logs the edge, and
// notifies subscribers in order. Runs only on the owner goroutine.
func (m *Machine) transition(to State) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.ctxData.LastTransition = time.Now()
	snapshot := m.ctxData
	m.mu.Unlock()

	m.logger.Info("client connection state change",
		"session", snapshot.SessionID,
		"from", from.String(),
		"to", to.String(),
		"attempt", snapshot.Attempts,
	)

	change := Change{From: from, To: to, Attempt: snapshot.Attempts, Err: snapshot.LastErr}
	for _, fn := range m.subs {
		fn(change)
	}
}
