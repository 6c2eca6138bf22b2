package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetops/fleet-reporter/pkg/broker"
	"github.com/fleetops/fleet-reporter/pkg/fleet"
	"github.com/fleetops/fleet-reporter/pkg/observability"
)

// MessageTypeStatisticsUpdated is the outbound message type carried in the
// envelope's "mt" field.
const MessageTypeStatisticsUpdated = "FleetStatisticsUpdated"

// Publisher emits the post-commit aggregate to the outbound topic. Failures
// are logged and not retried; the next commit supersedes the lost update.
type Publisher struct {
	broker  broker.Broker
	topic   string
	logger  *slog.Logger
	metrics *observability.Metrics
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metric instruments.
func WithPublisherMetrics(metrics *observability.Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// NewPublisher creates a publisher for the given outbound topic.
func NewPublisher(b broker.Broker, topic string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		broker: b,
		topic:  topic,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishUpdate sends the aggregate as a FleetStatisticsUpdated message.
func (p *Publisher) PublishUpdate(ctx context.Context, agg *fleet.Aggregate) {
	start := time.Now()
	err := p.broker.Publish(ctx, p.topic, MessageTypeStatisticsUpdated, agg)

	if p.metrics != nil {
		p.metrics.RecordPublish(ctx, time.Since(start), err)
	}
	if err != nil {
		p.logger.Error("publishing aggregate update",
			"topic", p.topic,
			"error", err)
		return
	}

	p.logger.Debug("aggregate update published",
		"topic", p.topic,
		"totalVehicles", agg.TotalVehicles)
}
