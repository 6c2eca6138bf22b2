// Package store defines the persistence contract of the aggregator: the
// singleton fleet aggregate document and the processed-event set.
package store

import (
	"context"

	"github.com/fleetops/fleet-reporter/pkg/fleet"
)

// Collection (or table) names shared by every gateway.
const (
	CollectionStatistics = "fleet_statistics"
	CollectionProcessed  = "processed_vehicles"
)

// Store persists the fleet aggregate and the processed-event set.
// Implementations must be safe for concurrent use; the pipeline shares one
// client between the commit path and the read-side query.
type Store interface {
	// GetProcessed returns the subset of ids already present in the
	// processed-event set.
	GetProcessed(ctx context.Context, ids []string) (map[string]struct{}, error)

	// InsertProcessed records ids with the current timestamp. Identifiers a
	// concurrent writer already recorded are not an error.
	InsertProcessed(ctx context.Context, ids []string) error

	// ApplyAggregate atomically folds a partial aggregate into the singleton
	// document, creating it when absent, and returns the post-update
	// aggregate with the average recomputed.
	ApplyAggregate(ctx context.Context, partial *fleet.Partial) (*fleet.Aggregate, error)

	// ReadAggregate returns the current aggregate, or the synthetic zero
	// aggregate when the document is absent or undecodable. The read path
	// never fails the dashboard; decode problems are logged, not returned.
	ReadAggregate(ctx context.Context) (*fleet.Aggregate, error)

	// Ping verifies store reachability. Used as the startup probe.
	Ping(ctx context.Context) error

	// Close releases the underlying client.
	Close(ctx context.Context) error
}
