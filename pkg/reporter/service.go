// Package reporter assembles the aggregation pipeline into a managed service:
// store probe, broker subscription, windowed dedup-and-commit, and the
// read-side statistics query.
package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetops/fleet-reporter/pkg/broker"
	"github.com/fleetops/fleet-reporter/pkg/fleet"
	"github.com/fleetops/fleet-reporter/pkg/observability"
	"github.com/fleetops/fleet-reporter/pkg/pipeline"
	"github.com/fleetops/fleet-reporter/pkg/runner"
	"github.com/fleetops/fleet-reporter/pkg/store"
)

// Config carries the topics and tunables of one reporter instance.
type Config struct {
	// InboundTopic is the vehicle-generation event feed.
	InboundTopic string

	// OutboundTopic receives the post-commit aggregate updates.
	OutboundTopic string

	// BatchWindow is the batching window. Zero means pipeline.DefaultWindow.
	BatchWindow time.Duration

	// StoreTimeout bounds each store operation during a commit. Zero means
	// pipeline.DefaultStoreTimeout.
	StoreTimeout time.Duration
}

// Service runs the aggregation pipeline. It implements runner.Service and
// runner.HealthChecker.
type Service struct {
	cfg     Config
	store   store.Store
	broker  broker.Broker
	logger  *slog.Logger
	metrics *observability.Metrics

	intake    *pipeline.Intake
	batcher   *pipeline.Batcher
	committer *pipeline.Committer

	mu       sync.Mutex
	stopCh   chan struct{}
	drained  chan struct{}
	stopOnce *sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metric instruments shared by all pipeline stages.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// New creates a reporter service over the given store and broker.
func New(st store.Store, bk broker.Broker, cfg Config, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		store:  st,
		broker: bk,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.intake = pipeline.NewIntake(
		pipeline.WithIntakeLogger(s.logger),
		pipeline.WithIntakeMetrics(s.metrics),
	)
	s.batcher = pipeline.NewBatcher(cfg.BatchWindow,
		pipeline.WithBatcherLogger(s.logger),
	)
	publisher := pipeline.NewPublisher(bk, cfg.OutboundTopic,
		pipeline.WithPublisherLogger(s.logger),
		pipeline.WithPublisherMetrics(s.metrics),
	)
	s.committer = pipeline.NewCommitter(st, publisher,
		pipeline.WithCommitterLogger(s.logger),
		pipeline.WithCommitterMetrics(s.metrics),
		pipeline.WithStoreTimeout(cfg.StoreTimeout),
	)

	return s
}

// Name implements runner.Service.
func (s *Service) Name() string { return "fleet-reporter" }

// Start probes the store, subscribes to the inbound topic and launches the
// pipeline stages. It returns once the pipeline is consuming.
func (s *Service) Start(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	agg, err := s.store.ReadAggregate(ctx)
	if err != nil {
		return fmt.Errorf("probing aggregate: %w", err)
	}
	s.logger.Info("store probe succeeded",
		"totalVehicles", agg.TotalVehicles,
		"lastUpdated", agg.LastUpdated)

	msgs, err := s.broker.Subscribe(ctx, s.cfg.InboundTopic)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.cfg.InboundTopic, err)
	}

	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.drained = make(chan struct{})
	s.stopOnce = &sync.Once{}
	stopCh, drained := s.stopCh, s.drained
	s.mu.Unlock()

	// The forwarder is the shutoff valve: closing stopCh stops intake of new
	// messages without tearing the broker down, so the final flushed window
	// can still be committed and published.
	forward := make(chan broker.Message)
	go func() {
		defer close(forward)
		for {
			select {
			case <-stopCh:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case forward <- msg:
				case <-stopCh:
					return
				}
			}
		}
	}()

	events := s.intake.Run(forward)
	batches := s.batcher.Run(events)

	go func() {
		defer close(drained)
		s.committer.Run(batches)
	}()

	s.logger.Info("pipeline started",
		"inboundTopic", s.cfg.InboundTopic,
		"outboundTopic", s.cfg.OutboundTopic,
		"window", s.batcher.Window())
	return nil
}

// Stop shuts the pipeline down in order: stop accepting messages, flush the
// current window, wait for the in-flight commit, then close broker and store.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	stopOnce, drained := s.stopOnce, s.drained
	stopCh := s.stopCh
	s.mu.Unlock()

	if stopOnce != nil {
		stopOnce.Do(func() { close(stopCh) })

		select {
		case <-drained:
			s.logger.Info("pipeline drained")
		case <-ctx.Done():
			s.logger.Warn("shutdown deadline reached before pipeline drained")
		}
	}

	var errs []error
	if err := s.broker.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing broker: %w", err))
	}
	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("stopping reporter: %v", errs)
	}
	return nil
}

// HealthCheck reports store reachability.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// GetFleetStatistics is the read-side query: the current aggregate, or the
// zero aggregate when none exists yet.
func (s *Service) GetFleetStatistics(ctx context.Context) (*fleet.Aggregate, error) {
	return s.store.ReadAggregate(ctx)
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
