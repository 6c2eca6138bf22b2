package pipeline

import (
	"context"
	"log/slog"

	"github.com/fleetops/fleet-reporter/pkg/broker"
	"github.com/fleetops/fleet-reporter/pkg/decode"
	"github.com/fleetops/fleet-reporter/pkg/fleet"
	"github.com/fleetops/fleet-reporter/pkg/observability"
)

// Intake decodes raw broker messages into events for the batcher.
// Undecodable messages are logged at warn level and dropped.
type Intake struct {
	logger  *slog.Logger
	metrics *observability.Metrics
}

// IntakeOption configures an Intake.
type IntakeOption func(*Intake)

// WithIntakeLogger sets the logger.
func WithIntakeLogger(logger *slog.Logger) IntakeOption {
	return func(i *Intake) {
		i.logger = logger
	}
}

// WithIntakeMetrics sets the metric instruments.
func WithIntakeMetrics(metrics *observability.Metrics) IntakeOption {
	return func(i *Intake) {
		i.metrics = metrics
	}
}

// NewIntake creates the decode stage.
func NewIntake(opts ...IntakeOption) *Intake {
	i := &Intake{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Run decodes messages until the input channel closes, then closes the
// output. A malformed message never halts the stream.
func (i *Intake) Run(msgs <-chan broker.Message) <-chan *fleet.Event {
	out := make(chan *fleet.Event)

	go func() {
		defer close(out)

		ctx := context.Background()
		for msg := range msgs {
			ev, err := decode.Decode(msg.Payload)
			if err != nil {
				i.logger.Warn("dropping undecodable message",
					"topic", msg.Topic,
					"error", err)
				if i.metrics != nil {
					i.metrics.DecodeErrors.Add(ctx, 1)
				}
				continue
			}

			if i.metrics != nil {
				i.metrics.EventsDecoded.Add(ctx, 1)
			}
			out <- ev
		}
	}()

	return out
}
