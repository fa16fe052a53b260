package brokerconn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig holds the MQTT broker client settings.
type MQTTConfig struct {
	URL       string        `yaml:"url" json:"url"` // e.g. tcp://localhost:1883
	ClientID  string        `yaml:"client_id" json:"client_id"`
	Username  string        `yaml:"username" json:"username"`
	Password  string        `yaml:"password" json:"password"`
	QoS       byte          `yaml:"qos" json:"qos"`
	KeepAlive time.Duration `yaml:"keep_alive" json:"keep_alive"`
}

// MQTTBroker implements Broker on the Eclipse Paho client. Automatic
// reconnection is disabled: the connection Machine owns the reconnect
// lifecycle, the Paho client only reports losses.
type MQTTBroker struct {
	client mqtt.Client
	qos    byte
	lost   chan error
	logger *slog.Logger
}

// NewMQTT builds the Paho client. No network I/O happens until Connect.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) *MQTTBroker {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}

	b := &MQTTBroker{
		qos:    cfg.QoS,
		lost:   make(chan error, 1),
		logger: logger,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			// Non-blocking: the machine may not be draining yet, and one
			// pending loss signal is enough.
			select {
			case b.lost <- err:
			default:
			}
		})

	b.client = mqtt.NewClient(opts)
	return b
}

// Connect dials the broker, honoring ctx for cancellation.
func (b *MQTTBroker) Connect(ctx context.Context) error {
	// Drain any stale loss signal from a previous connection.
	select {
	case <-b.lost:
	default:
	}

	token := b.client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Publish sends one message at the configured QoS.
func (b *MQTTBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	token := b.client.Publish(topic, b.qos, false, payload)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("mqtt publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a topic filter.
func (b *MQTTBroker) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := b.client.Subscribe(topic, b.qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt subscribe %q: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %q: %w", topic, err)
	}
	return nil
}

// Disconnect closes the connection, allowing in-flight work to finish.
func (b *MQTTBroker) Disconnect() {
	b.client.Disconnect(250)
}

// Lost yields once per connection loss.
func (b *MQTTBroker) Lost() <-chan error {
	return b.lost
}

// waitToken blocks on a Paho token until completion or ctx cancellation.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
