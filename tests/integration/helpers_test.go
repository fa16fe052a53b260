//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dskow/relay-core/internal/breaker"
	"github.com/dskow/relay-core/internal/clientconn"
	"github.com/dskow/relay-core/internal/deadletter"
	"github.com/dskow/relay-core/internal/health"
	"github.com/dskow/relay-core/internal/metrics"
	"github.com/dskow/relay-core/internal/pipeline"
	"github.com/dskow/relay-core/internal/retry"
	"github.com/dskow/relay-core/internal/server"
)

func init() {
	metrics.Init()
}

const topicPrefix = "relay/"

// memBroker is an in-process pub/sub broker: Publish loops back to every
// handler registered for the topic, so the full relay path runs without an
// external MQTT daemon.
type memBroker struct {
	mu       sync.Mutex
	handlers map[string][]func(topic string, payload []byte)
	failing  bool
}

func newMemBroker() *memBroker {
	return &memBroker{handlers: make(map[string][]func(string, []byte))}
}

func (b *memBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.failing {
		b.mu.Unlock()
		return errors.New("broker unavailable")
	}
	hs := append([]func(string, []byte){}, b.handlers[topic]...)
	b.mu.Unlock()

	for _, h := range hs {
		h(topic, payload)
	}
	return nil
}

func (b *memBroker) Subscribe(topic string, handler func(topic string, payload []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

func (b *memBroker) setFailing(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = v
}

// relayFixture assembles the full server-side stack over the in-memory broker.
type relayFixture struct {
	broker *memBroker
	store  *deadletter.Store
	brk    *breaker.Breaker
	pipe   *pipeline.Pipeline
	hub    *server.Hub
	srv    *httptest.Server
}

func newRelay(t *testing.T) *relayFixture {
	t.Helper()
	logger := slog.Default()

	store, err := deadletter.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("opening dead letter store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	brk := breaker.New("publish",
		breaker.Config{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: time.Minute}, logger)
	collector := metrics.NewCollector(func() string { return brk.State().String() })
	policy := retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Base: 2.0, MaxAttempts: 2}

	broker := newMemBroker()
	pipe := pipeline.New(broker, brk, store, collector, policy,
		pipeline.Config{PublishTimeout: time.Second, TopicPrefix: topicPrefix}, logger)
	hub := server.NewHub(pipe, broker, topicPrefix, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/stream", hub.HandleStream)
	mux.HandleFunc("/ws/commands", hub.HandleCommands)
	mux.Handle("/publish", server.PublishHandler(pipe))
	mux.Handle("/status", server.StatusHandler(collector, func() string { return "connected" }, store, hub))
	health.New(map[string]health.Probe{
		"broker": func() (string, bool) { return "connected", true },
		"circuit_breaker": func() (string, bool) {
			st := brk.State()
			return st.String(), st != breaker.StateOpen
		},
	}, logger).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &relayFixture{broker: broker, store: store, brk: brk, pipe: pipe, hub: hub, srv: srv}
}

func (f *relayFixture) wsBase() string {
	return strings.Replace(f.srv.URL, "http", "ws", 1)
}

// probeClient wraps a connection machine with channels collecting what the
// server pushes back.
type probeClient struct {
	m      *clientconn.Machine
	events chan []byte
	acks   chan []byte
}

func (f *relayFixture) connectClient(t *testing.T) *probeClient {
	t.Helper()

	dialer := clientconn.NewWSDialer(f.wsBase())
	m := clientconn.New(dialer, dialer, clientconn.Config{
		ConnectTimeout: 2 * time.Second,
		MaxAttempts:    3,
		RetryStep:      10 * time.Millisecond,
		RetryCap:       50 * time.Millisecond,
	}, slog.Default())

	c := &probeClient{m: m, events: make(chan []byte, 16), acks: make(chan []byte, 16)}
	m.OnEvent(func(p []byte) { c.events <- p })
	m.OnAck(func(p []byte) { c.acks <- p })

	if err := m.Start(); err != nil {
		t.Fatalf("starting client: %v", err)
	}
	t.Cleanup(m.Stop)
	waitState(t, m, clientconn.StateFullyConnected)
	return c
}

func waitState(t *testing.T, m *clientconn.Machine, want clientconn.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("client did not reach %v, stuck in %v", want, m.State())
}

func (c *probeClient) send(t *testing.T, cmd server.Command) {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("encoding command: %v", err)
	}
	if err := c.m.Send(data); err != nil {
		t.Fatalf("sending %s command: %v", cmd.Type, err)
	}
}

func (c *probeClient) waitAck(t *testing.T) server.Ack {
	t.Helper()
	select {
	case data := <-c.acks:
		var ack server.Ack
		if err := json.Unmarshal(data, &ack); err != nil {
			t.Fatalf("parsing ack %q: %v", data, err)
		}
		return ack
	case <-time.After(3 * time.Second):
		t.Fatal("no ack within 3s")
		return server.Ack{}
	}
}

func (c *probeClient) waitEvent(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-c.events:
		return data
	case <-time.After(3 * time.Second):
		t.Fatal("no event within 3s")
		return nil
	}
}

func (c *probeClient) expectNoEvent(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case data := <-c.events:
		t.Fatalf("unexpected event: %s", data)
	case <-time.After(within):
	}
}

// subscribe issues a subscribe command and waits for its ack.
func (c *probeClient) subscribe(t *testing.T, channel string) {
	t.Helper()
	c.send(t, server.Command{ID: "sub-" + channel, Type: "subscribe", Channel: channel})
	if ack := c.waitAck(t); ack.Status != "ok" {
		t.Fatalf("subscribe ack: %+v", ack)
	}
}

func postPublish(t *testing.T, baseURL, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(baseURL+"/publish", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST /publish: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("parsing response %q: %v", data, err)
	}
	return resp.StatusCode, m
}

func httpGetJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("parsing response %q: %v", data, err)
	}
	return resp.StatusCode, m
}
