// Package pipeline implements the aggregation pipeline: the intake loop that
// decodes broker messages, the time-window batcher, the dedup-and-commit
// stage, and the outbound publisher.
//
// Stages communicate through channels. The commit stage is a single consumer
// goroutine, which makes the single-batch-in-flight invariant structural: two
// aggregate applies can never overlap from within one process.
package pipeline

import (
	"log/slog"
	"time"

	"github.com/fleetops/fleet-reporter/pkg/fleet"
)

// DefaultWindow is the batching window when none is configured.
const DefaultWindow = time.Second

// Batcher buffers decoded events and emits them as one batch per fixed,
// contiguous, non-overlapping time window. Empty windows emit nothing.
type Batcher struct {
	window time.Duration
	logger *slog.Logger
}

// BatcherOption configures a Batcher.
type BatcherOption func(*Batcher)

// WithBatcherLogger sets the logger.
func WithBatcherLogger(logger *slog.Logger) BatcherOption {
	return func(b *Batcher) {
		b.logger = logger
	}
}

// NewBatcher creates a batcher with the given window.
func NewBatcher(window time.Duration, opts ...BatcherOption) *Batcher {
	if window <= 0 {
		window = DefaultWindow
	}

	b := &Batcher{
		window: window,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run consumes events until the input channel closes, then flushes the
// remaining buffer as a final batch and closes the output.
//
// The buffer is owned exclusively by this goroutine. When the commit stage is
// still busy at a tick, the window's events are retained and merged into the
// next emission instead of blocking the ticker; the batcher keeps producing
// windows on schedule while the committer drains them serially.
func (b *Batcher) Run(in <-chan *fleet.Event) <-chan []*fleet.Event {
	out := make(chan []*fleet.Event, 1)

	go func() {
		defer close(out)

		ticker := time.NewTicker(b.window)
		defer ticker.Stop()

		var buf []*fleet.Event
		for {
			select {
			case ev, ok := <-in:
				if !ok {
					if len(buf) > 0 {
						out <- buf
					}
					return
				}
				buf = append(buf, ev)

			case <-ticker.C:
				if len(buf) == 0 {
					continue
				}
				select {
				case out <- buf:
					buf = nil
				default:
					// Previous batch still committing; retain and retry
					// on the next tick.
					b.logger.Debug("commit in flight, retaining window",
						"buffered", len(buf))
				}
			}
		}
	}()

	return out
}

// Window returns the configured window duration.
func (b *Batcher) Window() time.Duration {
	return b.window
}
