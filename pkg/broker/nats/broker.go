// Package nats implements the broker contract on core NATS for deployments
// that already run a NATS fabric instead of MQTT.
//
// Topic names use MQTT-style '/' separators everywhere else in the reporter;
// this gateway maps them to NATS '.' subjects. Core NATS has no retained
// messages and no will semantics, so the presence contract is best-effort:
// "online" is published on every (re)connect and "offline" on graceful close.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/fleetops/fleet-reporter/pkg/broker"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// Config holds the NATS connection settings.
type Config struct {
	// URL is the NATS server URL, e.g. nats://localhost:4222.
	URL string

	Username string
	Password string

	// StatusTopic receives the best-effort presence messages.
	StatusTopic string

	// ConnectTimeout bounds the initial connect. Default 30 s.
	ConnectTimeout time.Duration

	// ReconnectInterval is the retry period after a transport failure.
	// Default 5 s.
	ReconnectInterval time.Duration

	// SubscribeBuffer is the per-subscription channel capacity. Default 1024.
	SubscribeBuffer int
}

// DefaultConfig returns the settings the reporter ships with.
func DefaultConfig() Config {
	return Config{
		URL:               nats.DefaultURL,
		StatusTopic:       "fleet/reporter/status",
		ConnectTimeout:    30 * time.Second,
		ReconnectInterval: 5 * time.Second,
		SubscribeBuffer:   1024,
	}
}

// Broker is the NATS-backed broker gateway.
type Broker struct {
	nc     *nats.Conn
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	sub *nats.Subscription
	ch  chan broker.Message
}

// Option configures the broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// New connects to NATS. Reconnection is delegated to the client, which also
// re-establishes subscriptions by itself.
func New(cfg Config, opts ...Option) (*Broker, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = DefaultConfig().ReconnectInterval
	}
	if cfg.SubscribeBuffer == 0 {
		cfg.SubscribeBuffer = DefaultConfig().SubscribeBuffer
	}

	b := &Broker{
		cfg:    cfg,
		logger: slog.Default(),
		subs:   make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}

	clientID := fmt.Sprintf("fleet-reporter-%s", uuid.NewString()[:8])

	natsOpts := []nats.Option{
		nats.Name(clientID),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("nats connection lost, reconnecting", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
			b.publishStatus(statusOnline)
		}),
	}
	if cfg.Username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	b.nc = nc

	b.publishStatus(statusOnline)
	b.logger.Info("connected to nats", "url", cfg.URL, "clientId", clientID)

	return b, nil
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
	sub, err := b.nc.Subscribe(subjectFor(topic), func(msg *nats.Msg) {
		b.deliver(topic, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	b.subs[topic] = &subscription{sub: sub, ch: ch}
	b.logger.Info("subscribed", "topic", topic, "subject", subjectFor(topic))
	return ch, nil
}

// Publish sends {"mt": messageType, "data": payload} to the topic.
func (b *Broker) Publish(ctx context.Context, topic, messageType string, payload any) error {
	data, err := json.Marshal(broker.Envelope{MT: messageType, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	if err := b.nc.Publish(subjectFor(topic), data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close drains subscriptions, publishes the offline status, and disconnects.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for topic, s := range subs {
		if err := s.sub.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribe failed", "topic", topic, "error", err)
		}
		close(s.ch)
	}

	b.publishStatus(statusOffline)
	if err := b.nc.Flush(); err != nil {
		b.logger.Warn("flush on close failed", "error", err)
	}
	b.nc.Close()

	b.logger.Info("disconnected from nats")
	return nil
}

// deliver hands a message to its subscription stream. The lookup and the send
// happen under the lock, so a callback still in flight when Close removes the
// subscription finds no channel instead of sending on a closed one.
func (b *Broker) deliver(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[topic]
	if !ok {
		return
	}

	select {
	case s.ch <- broker.Message{Topic: topic, Payload: payload}:
	default:
		b.logger.Warn("subscription buffer full, dropping message", "topic", topic)
	}
}

func (b *Broker) publishStatus(status string) {
	if b.nc == nil {
		return
	}
	if err := b.nc.Publish(subjectFor(b.cfg.StatusTopic), []byte(status)); err != nil {
		b.logger.Warn("failed to publish status", "status", status, "error", err)
	}
}

// subjectFor maps an MQTT-style topic to a NATS subject.
func subjectFor(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

var _ broker.Broker = (*Broker)(nil)
