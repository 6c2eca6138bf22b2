// Package mqtt implements the broker contract on Eclipse Paho MQTT.
//
// The client carries a retained status contract: "online" is published
// retained on every (re)connect, and an "offline" will message fires when the
// connection drops. Reconnection is delegated to Paho with a fixed retry
// interval; subscriptions are re-established from the OnConnect hook.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/fleetops/fleet-reporter/pkg/broker"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"

	// qosAtLeastOnce is the delivery guarantee for both directions; the
	// application-level dedup set absorbs the resulting duplicates.
	qosAtLeastOnce = 1
)

// Config holds the MQTT connection settings.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string

	// StatusTopic receives the retained online/offline presence messages.
	StatusTopic string

	// ConnectTimeout bounds the initial connect. Default 30 s.
	ConnectTimeout time.Duration

	// ReconnectInterval is the retry period after a transport failure.
	// Default 5 s.
	ReconnectInterval time.Duration

	// PublishTimeout bounds a single outbound publish. Default 10 s.
	PublishTimeout time.Duration

	// SubscribeBuffer is the per-subscription channel capacity. When the
	// consumer falls behind, overflowing messages are dropped with a warning
	// instead of blocking the Paho callback. Default 1024.
	SubscribeBuffer int
}

// DefaultConfig returns the timeouts and buffering the reporter ships with.
func DefaultConfig() Config {
	return Config{
		StatusTopic:       "fleet/reporter/status",
		ConnectTimeout:    30 * time.Second,
		ReconnectInterval: 5 * time.Second,
		PublishTimeout:    10 * time.Second,
		SubscribeBuffer:   1024,
	}
}

// Broker is the MQTT-backed broker gateway.
type Broker struct {
	client mqtt.Client
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]chan broker.Message
	closed bool
}

// Option configures the broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// New connects to the MQTT broker and publishes the retained online status.
// The client identifier is unique per process instance so concurrent
// reporters never steal each other's session.
func New(cfg Config, opts ...Option) (*Broker, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = DefaultConfig().ReconnectInterval
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	if cfg.SubscribeBuffer == 0 {
		cfg.SubscribeBuffer = DefaultConfig().SubscribeBuffer
	}

	b := &Broker{
		cfg:    cfg,
		logger: slog.Default(),
		subs:   make(map[string]chan broker.Message),
	}
	for _, opt := range opts {
		opt(b)
	}

	clientID := fmt.Sprintf("fleet-reporter-%s", uuid.NewString()[:8])

	o := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%s", cfg.Host, cfg.Port)).
		SetClientID(clientID).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(cfg.ReconnectInterval).
		SetConnectRetry(true).
		SetConnectRetryInterval(cfg.ReconnectInterval).
		SetWill(cfg.StatusTopic, statusOffline, qosAtLeastOnce, true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("mqtt connection lost, reconnecting", "error", err)
		})

	if cfg.Username != "" {
		o.SetUsername(cfg.Username)
		o.SetPassword(cfg.Password)
	}

	b.client = mqtt.NewClient(o)

	token := b.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connect to mqtt broker: timeout after %s", cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", err)
	}

	b.logger.Info("connected to mqtt broker",
		"host", cfg.Host, "port", cfg.Port, "clientId", clientID)

	return b, nil
}

// onConnect runs on every connect and reconnect: flip the retained status to
// online and re-establish all subscriptions. Messages lost between disconnect
// and resubscribe are recovered by upstream redelivery and dedup.
func (b *Broker) onConnect(client mqtt.Client) {
	if t := client.Publish(b.cfg.StatusTopic, qosAtLeastOnce, true, statusOnline); t.Wait() && t.Error() != nil {
		b.logger.Warn("failed to publish online status", "error", t.Error())
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for topic := range b.subs {
		if err := b.subscribeLocked(client, topic); err != nil {
			b.logger.Error("resubscribe failed", "topic", topic, "error", err)
		}
	}
}

// Subscribe registers a subscription and returns its message stream.
func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan broker.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}
	if _, ok := b.subs[topic]; ok {
		return nil, fmt.Errorf("already subscribed to %s", topic)
	}

	ch := make(chan broker.Message, b.cfg.SubscribeBuffer)
	b.subs[topic] = ch

	if err := b.subscribeLocked(b.client, topic); err != nil {
		delete(b.subs, topic)
		return nil, err
	}

	b.logger.Info("subscribed", "topic", topic)
	return ch, nil
}

func (b *Broker) subscribeLocked(client mqtt.Client, topic string) error {
	token := client.Subscribe(topic, qosAtLeastOnce, func(_ mqtt.Client, msg mqtt.Message) {
		b.deliver(msg.Topic(), msg.Payload())
	})

	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("subscribe to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	return nil
}

// deliver hands a message to its subscription stream. The lookup and the send
// happen under the lock, so a callback still in flight when Close removes the
// subscription finds no channel instead of sending on a closed one.
func (b *Broker) deliver(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[topic]
	if !ok {
		return
	}

	select {
	case ch <- broker.Message{Topic: topic, Payload: payload}:
	default:
		b.logger.Warn("subscription buffer full, dropping message", "topic", topic)
	}
}

// Publish sends {"mt": messageType, "data": payload} to the topic.
func (b *Broker) Publish(ctx context.Context, topic, messageType string, payload any) error {
	data, err := json.Marshal(broker.Envelope{MT: messageType, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	token := b.client.Publish(topic, qosAtLeastOnce, false, data)
	if !token.WaitTimeout(b.cfg.PublishTimeout) {
		return fmt.Errorf("publish to %s: timeout after %s", topic, b.cfg.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close flips the retained status to offline and disconnects.
// The will message only fires on ungraceful drops, so the graceful path
// publishes offline explicitly.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]chan broker.Message)
	b.mu.Unlock()

	for topic, ch := range subs {
		if t := b.client.Unsubscribe(topic); t.Wait() && t.Error() != nil {
			b.logger.Warn("unsubscribe failed", "topic", topic, "error", t.Error())
		}
		close(ch)
	}

	if t := b.client.Publish(b.cfg.StatusTopic, qosAtLeastOnce, true, statusOffline); t.Wait() && t.Error() != nil {
		b.logger.Warn("failed to publish offline status", "error", t.Error())
	}

	b.client.Disconnect(250)
	b.logger.Info("disconnected from mqtt broker")
	return nil
}

var _ broker.Broker = (*Broker)(nil)
