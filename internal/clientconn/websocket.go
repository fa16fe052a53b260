package clientconn

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// WSDialer opens the relay's WebSocket transports: /ws/stream for the event
// stream and /ws/commands for the command channel. One dialer serves both
// interfaces.
type WSDialer struct {
	base   string
	dialer *websocket.Dialer
}

// NewWSDialer creates a dialer for the relay at base (e.g. ws://host:8080).
func NewWSDialer(base string) *WSDialer {
	return &WSDialer{base: base, dialer: websocket.DefaultDialer}
}

func (d *WSDialer) dial(ctx context.Context, path, sessionID string) (*websocket.Conn, error) {
	u := fmt.Sprintf("%s%s?session=%s", d.base, path, url.QueryEscape(sessionID))
	conn, resp, err := d.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", path, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", path, err)
	}
	return conn, nil
}

// DialStream opens the event-stream channel.
func (d *WSDialer) DialStream(ctx context.Context, sessionID string) (StreamChannel, error) {
	conn, err := d.dial(ctx, "/ws/stream", sessionID)
	if err != nil {
		return nil, err
	}
	ch := newWSChannel(conn)
	go ch.readLoop()
	return &wsStream{wsChannel: ch}, nil
}

// DialCommand opens the command channel.
func (d *WSDialer) DialCommand(ctx context.Context, sessionID string) (CommandChannel, error) {
	conn, err := d.dial(ctx, "/ws/commands", sessionID)
	if err != nil {
		return nil, err
	}
	ch := newWSChannel(conn)
	go ch.readLoop()
	return &wsCommand{wsChannel: ch}, nil
}

// wsChannel is the shared half of both transports: a read loop feeding an
// inbound queue, single-close semantics, and a write lock.
type wsChannel struct {
	conn    *websocket.Conn
	inbound chan []byte
	done    chan struct{}

	writeMu sync.Mutex

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{
		conn:    conn,
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (c *wsChannel) readLoop() {
	defer close(c.inbound)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		select {
		case c.inbound <- data:
		case <-c.done:
			return
		}
	}
}

// fail records the first error and closes the channel.
func (c *wsChannel) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsChannel) Done() <-chan struct{} { return c.done }

func (c *wsChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) //nolint:errcheck
		c.writeMu.Unlock()
		c.conn.Close()
	})
	return nil
}

func (c *wsChannel) send(payload []byte) error {
	select {
	case <-c.done:
		return ErrNotReady
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	return nil
}

type wsStream struct {
	*wsChannel
}

func (s *wsStream) Events() <-chan []byte { return s.inbound }

type wsCommand struct {
	*wsChannel
}

func (c *wsCommand) Send(payload []byte) error { return c.send(payload) }

func (c *wsCommand) Acks() <-chan []byte { return c.inbound }
