// Package main provides a probe client for testing the relay. It opens both
// WebSocket channels through the connection state machine, subscribes to a
// channel, and optionally publishes test events at an interval — printing
// every state transition, event, and ack as it arrives. Useful for watching
// reconnect behavior: kill the relay mid-run and the probe walks through
// reconnecting and back.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dskow/relay-core/internal/clientconn"
)

type command struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080", "relay base URL")
	channel := flag.String("channel", "game.events", "channel to subscribe to")
	publishEvery := flag.Duration("publish", 0, "publish a test event at this interval (0 disables)")
	connectTimeout := flag.Duration("connect-timeout", 10*time.Second, "per-channel connect timeout")
	maxAttempts := flag.Int("max-attempts", 5, "reconnect ceiling before giving up")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	dialer := clientconn.NewWSDialer(*addr)
	m := clientconn.New(dialer, dialer, clientconn.Config{
		ConnectTimeout: *connectTimeout,
		MaxAttempts:    *maxAttempts,
	}, logger)

	m.Notify(func(ch clientconn.Change) {
		if ch.Err != nil {
			log.Printf("state %s -> %s (attempt %d: %v)", ch.From, ch.To, ch.Attempt, ch.Err)
			return
		}
		log.Printf("state %s -> %s", ch.From, ch.To)
	})
	// Subscribe once fully connected, and again after every reconnect. The
	// callback runs on the machine's own goroutine, so the Send goes elsewhere.
	m.Notify(func(ch clientconn.Change) {
		if ch.To != clientconn.StateFullyConnected {
			return
		}
		go func() {
			if err := send(m, command{ID: uuid.NewString(), Type: "subscribe", Channel: *channel}); err != nil {
				log.Printf("subscribe: %v", err)
			}
		}()
	})
	m.OnEvent(func(payload []byte) {
		log.Printf("event: %s", payload)
	})
	m.OnAck(func(payload []byte) {
		log.Printf("ack: %s", payload)
	})

	if err := m.Start(); err != nil {
		log.Fatalf("start: %v", err)
	}
	defer m.Stop()
	log.Printf("probe session %s connecting to %s", m.Context().SessionID, *addr)

	// A nil channel blocks forever, so a disabled ticker never fires.
	var tick <-chan time.Time
	if *publishEvery > 0 {
		ticker := time.NewTicker(*publishEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	seq := 0
	for {
		select {
		case <-tick:
			seq++
			payload, _ := json.Marshal(map[string]any{
				"probe": m.Context().SessionID,
				"seq":   seq,
				"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			})
			err := send(m, command{ID: uuid.NewString(), Type: "publish", Channel: *channel, Payload: payload})
			if err != nil {
				log.Printf("publish %d: %v", seq, err)
			}
		case <-quit:
			log.Printf("probe stopping")
			return
		}
	}
}

func send(m *clientconn.Machine, cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}
	return m.Send(data)
}
