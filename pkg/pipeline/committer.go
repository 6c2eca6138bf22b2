package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetops/fleet-reporter/pkg/fleet"
	"github.com/fleetops/fleet-reporter/pkg/idgen"
	"github.com/fleetops/fleet-reporter/pkg/observability"
	"github.com/fleetops/fleet-reporter/pkg/store"
)

// DefaultStoreTimeout bounds each store operation during a commit.
const DefaultStoreTimeout = 30 * time.Second

// Committer drains batches from the batcher and folds each one into the
// aggregate, deduplicating against the processed-event set first.
//
// Run is the only consumer of the batch channel, so commits are serial by
// construction. Commit ordering within a batch: the aggregate update precedes
// the processed-set insertion. A crash between the two may re-count events on
// restart; the reverse order could lose events permanently.
type Committer struct {
	store     store.Store
	publisher *Publisher

	logger       *slog.Logger
	metrics      *observability.Metrics
	storeTimeout time.Duration
}

// CommitterOption configures a Committer.
type CommitterOption func(*Committer)

// WithCommitterLogger sets the logger.
func WithCommitterLogger(logger *slog.Logger) CommitterOption {
	return func(c *Committer) {
		c.logger = logger
	}
}

// WithCommitterMetrics sets the metric instruments.
func WithCommitterMetrics(metrics *observability.Metrics) CommitterOption {
	return func(c *Committer) {
		c.metrics = metrics
	}
}

// WithStoreTimeout bounds each store call made while committing.
func WithStoreTimeout(timeout time.Duration) CommitterOption {
	return func(c *Committer) {
		if timeout > 0 {
			c.storeTimeout = timeout
		}
	}
}

// NewCommitter creates a committer writing through the given store and
// publishing post-commit aggregates through the given publisher.
func NewCommitter(st store.Store, publisher *Publisher, opts ...CommitterOption) *Committer {
	c := &Committer{
		store:        st,
		publisher:    publisher,
		logger:       slog.Default(),
		storeTimeout: DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run commits batches until the channel closes. It deliberately ignores
// context cancellation for the batch it is already holding: the final flushed
// window must still reach the store during shutdown.
func (c *Committer) Run(batches <-chan []*fleet.Event) {
	for batch := range batches {
		c.commit(batch)
	}
}

// commit runs the dedup-and-fold protocol for one batch. Store failures are
// logged and the batch dropped; broker redelivery recovers the events.
func (c *Committer) commit(batch []*fleet.Event) {
	if len(batch) == 0 {
		return
	}

	batchID := idgen.NewBatchID()
	logger := c.logger.With("batch", batchID, "size", len(batch))
	start := time.Now()
	ctx := context.Background()

	ids := make([]string, 0, len(batch))
	for _, ev := range batch {
		if ev.AID != "" {
			ids = append(ids, ev.AID)
		}
	}
	if len(ids) == 0 {
		logger.Debug("no identifiable events, skipping batch")
		return
	}

	processed, err := c.getProcessed(ctx, ids)
	if err != nil {
		logger.Error("reading processed-event set, dropping batch", "error", err)
		return
	}

	// Keep the first occurrence of each identifier: a duplicate inside the
	// batch must fold exactly as it would if it arrived in a later batch.
	fresh := make([]*fleet.Event, 0, len(batch))
	freshIDs := make([]string, 0, len(batch))
	for _, ev := range batch {
		if ev.AID == "" {
			continue
		}
		if _, dup := processed[ev.AID]; dup {
			continue
		}
		processed[ev.AID] = struct{}{}
		fresh = append(fresh, ev)
		freshIDs = append(freshIDs, ev.AID)
	}

	if len(fresh) == 0 {
		logger.Debug("all events already processed, skipping batch")
		if c.metrics != nil {
			c.metrics.BatchesSkipped.Add(ctx, 1)
			c.metrics.DuplicatesSkipped.Add(ctx, int64(len(batch)))
		}
		return
	}

	partial := fleet.ComputePartial(fresh)

	updated, err := c.applyAggregate(ctx, partial)
	if err != nil {
		logger.Error("applying aggregate, dropping batch", "error", err)
		return
	}

	if err := c.insertProcessed(ctx, freshIDs); err != nil {
		// The aggregate already reflects this batch; without the processed-set
		// insertion the events may be re-counted after a redelivery. Dropping
		// the publication here keeps downstream consumers on committed state.
		logger.Error("recording processed events, dropping publication", "error", err)
		return
	}

	c.publisher.PublishUpdate(ctx, updated)

	if c.metrics != nil {
		c.metrics.RecordCommit(ctx, len(batch), len(fresh), time.Since(start))
	}
	logger.Info("batch committed",
		"fresh", len(fresh),
		"duplicates", len(batch)-len(fresh),
		"totalVehicles", updated.TotalVehicles)
}

func (c *Committer) getProcessed(ctx context.Context, ids []string) (map[string]struct{}, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	start := time.Now()
	processed, err := c.store.GetProcessed(opCtx, ids)
	if c.metrics != nil {
		c.metrics.RecordStoreOperation(ctx, "getProcessed", time.Since(start))
	}
	return processed, err
}

func (c *Committer) applyAggregate(ctx context.Context, partial *fleet.Partial) (*fleet.Aggregate, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	start := time.Now()
	updated, err := c.store.ApplyAggregate(opCtx, partial)
	if c.metrics != nil {
		c.metrics.RecordStoreOperation(ctx, "applyAggregate", time.Since(start))
	}
	return updated, err
}

func (c *Committer) insertProcessed(ctx context.Context, ids []string) error {
	opCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	start := time.Now()
	err := c.store.InsertProcessed(opCtx, ids)
	if c.metrics != nil {
		c.metrics.RecordStoreOperation(ctx, "insertProcessed", time.Since(start))
	}
	return err
}
