package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments of the aggregation pipeline.
type Metrics struct {
	// Intake metrics
	EventsDecoded metric.Int64Counter
	DecodeErrors  metric.Int64Counter

	// Commit metrics
	BatchesCommitted  metric.Int64Counter
	BatchesSkipped    metric.Int64Counter
	EventsFolded      metric.Int64Counter
	DuplicatesSkipped metric.Int64Counter
	CommitDuration    metric.Float64Histogram

	// Store metrics
	StoreLatency metric.Float64Histogram

	// Outbound metrics
	UpdatesPublished metric.Int64Counter
	PublishFailures  metric.Int64Counter
	PublishLatency   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsDecoded, err = meter.Int64Counter(
		"fleetreporter.events.decoded",
		metric.WithDescription("Inbound events decoded successfully"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.decoded: %w", err)
	}

	m.DecodeErrors, err = meter.Int64Counter(
		"fleetreporter.events.decode_errors",
		metric.WithDescription("Inbound messages dropped as undecodable"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.decode_errors: %w", err)
	}

	m.BatchesCommitted, err = meter.Int64Counter(
		"fleetreporter.batches.committed",
		metric.WithDescription("Batches folded into the aggregate"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating batches.committed: %w", err)
	}

	m.BatchesSkipped, err = meter.Int64Counter(
		"fleetreporter.batches.skipped",
		metric.WithDescription("Batches skipped because no fresh events remained"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating batches.skipped: %w", err)
	}

	m.EventsFolded, err = meter.Int64Counter(
		"fleetreporter.events.folded",
		metric.WithDescription("Fresh events folded into the aggregate"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.folded: %w", err)
	}

	m.DuplicatesSkipped, err = meter.Int64Counter(
		"fleetreporter.events.duplicates",
		metric.WithDescription("Events suppressed by the processed-event set"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.duplicates: %w", err)
	}

	m.CommitDuration, err = meter.Float64Histogram(
		"fleetreporter.commit.duration",
		metric.WithDescription("Batch commit duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commit.duration: %w", err)
	}

	m.StoreLatency, err = meter.Float64Histogram(
		"fleetreporter.store.latency",
		metric.WithDescription("Store operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating store.latency: %w", err)
	}

	m.UpdatesPublished, err = meter.Int64Counter(
		"fleetreporter.updates.published",
		metric.WithDescription("Aggregate updates published outbound"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating updates.published: %w", err)
	}

	m.PublishFailures, err = meter.Int64Counter(
		"fleetreporter.updates.publish_failures",
		metric.WithDescription("Outbound publications that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating updates.publish_failures: %w", err)
	}

	m.PublishLatency, err = meter.Float64Histogram(
		"fleetreporter.updates.publish_latency",
		metric.WithDescription("Outbound publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating updates.publish_latency: %w", err)
	}

	return m, nil
}

// RecordCommit records the outcome of one committed batch.
func (m *Metrics) RecordCommit(ctx context.Context, batchSize, fresh int, duration time.Duration) {
	m.BatchesCommitted.Add(ctx, 1)
	m.EventsFolded.Add(ctx, int64(fresh))
	m.DuplicatesSkipped.Add(ctx, int64(batchSize-fresh))
	m.CommitDuration.Record(ctx, duration.Seconds())
}

// RecordStoreOperation records one store call.
func (m *Metrics) RecordStoreOperation(ctx context.Context, operation string, duration time.Duration) {
	m.StoreLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordPublish records one outbound publication attempt.
func (m *Metrics) RecordPublish(ctx context.Context, duration time.Duration, err error) {
	m.PublishLatency.Record(ctx, duration.Seconds())
	if err != nil {
		m.PublishFailures.Add(ctx, 1)
		return
	}
	m.UpdatesPublished.Add(ctx, 1)
}
