// Package clientconn coordinates the client's two transport channels — the
// server-push event stream and the bidirectional command channel — into one
// consistent readiness state. The machine only reports fully connected after
// both channels have individually confirmed open, and it serializes every
// transition through a single owner goroutine so concurrent connect,
// disconnect, and retry events can never interleave into impossible states.
package clientconn

import (
	"context"
	"errors"
	"time"
)

// State represents the client connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnectingStream
	StateStreamConnected
	StateConnectingCommandChannel
	StateFullyConnected
	StateReconnecting
	StateFailed
)

// String returns the state name used in logs and status reporting.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnectingStream:
		return "connecting_stream"
	case StateStreamConnected:
		return "stream_connected"
	case StateConnectingCommandChannel:
		return "connecting_command_channel"
	case StateFullyConnected:
		return "fully_connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Context is the connection context owned by one Machine instance. Mutated
// only by the machine's transition handling; external readers get copies.
type Context struct {
	// SessionID is stable across reconnects so server-side state can resume.
	SessionID string
	// Attempts is the reconnect attempt counter, reset on reaching
	// fully connected.
	Attempts int
	// LastErr is the most recent channel or connect error, nil after a
	// clean connect.
	LastErr error
	// LastTransition is when the machine last changed state.
	LastTransition time.Time
}

// Change describes one state transition, delivered to subscribers in order.
type Change struct {
	From    State
	To      State
	Attempt int
	Err     error
}

// ErrNotReady is returned by Send while the command channel is not open.
var ErrNotReady = errors.New("connection not ready")

// ErrStopped is returned by Start on a machine that has been stopped.
var ErrStopped = errors.New("connection machine stopped")

// Channel is an open transport channel. Done is closed exactly once when the
// channel errors or closes; Err reports why.
type Channel interface {
	Done() <-chan struct{}
	Err() error
	Close() error
}

// StreamChannel is the unidirectional server-to-client event stream.
type StreamChannel interface {
	Channel
	// Events yields server-pushed payloads until the channel closes.
	Events() <-chan []byte
}

// CommandChannel is the bidirectional command transport.
type CommandChannel interface {
	Channel
	// Send writes one command. Safe for concurrent use.
	Send(payload []byte) error
	// Acks yields server responses until the channel closes.
	Acks() <-chan []byte
}

// StreamDialer opens the event-stream channel for a session.
type StreamDialer interface {
	DialStream(ctx context.Context, sessionID string) (StreamChannel, error)
}

// CommandDialer opens the command channel for a session.
type CommandDialer interface {
	DialCommand(ctx context.Context, sessionID string) (CommandChannel, error)
}
