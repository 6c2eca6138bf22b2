// Package sqlite implements the store contract on SQLite for embedded and
// development deployments. The same two-step commit protocol as the MongoDB
// gateway is followed (aggregate apply, then processed-set insert) so both
// gateways share identical crash semantics.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/fleetops/fleet-reporter/pkg/fleet"
	"github.com/fleetops/fleet-reporter/pkg/store"
)

// Bucket kinds in the buckets table.
const (
	bucketType       = "type"
	bucketDecade     = "decade"
	bucketSpeedClass = "speedClass"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_vehicles (
	aid          TEXT PRIMARY KEY,
	processed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fleet_statistics (
	id             TEXT PRIMARY KEY,
	total_vehicles INTEGER NOT NULL DEFAULT 0,
	hp_sum         INTEGER NOT NULL DEFAULT 0,
	hp_count       INTEGER NOT NULL DEFAULT 0,
	hp_min         INTEGER,
	hp_max         INTEGER,
	last_updated   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fleet_statistics_buckets (
	stats_id TEXT NOT NULL,
	kind     TEXT NOT NULL,
	label    TEXT NOT NULL,
	count    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (stats_id, kind, label)
);
`

// Store is the SQLite-backed store gateway.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the logger used for degraded-read warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens (or creates) the database at dsn and migrates the schema.
func New(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// Serialize writers; SQLite allows one at a time anyway and the commit
	// path is single-flight by construction.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// GetProcessed returns the subset of ids already recorded.
func (s *Store) GetProcessed(ctx context.Context, ids []string) (map[string]struct{}, error) {
	seen := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return seen, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := "SELECT aid FROM processed_vehicles WHERE aid IN (" + placeholders + ")"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query processed set: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var aid string
		if err := rows.Scan(&aid); err != nil {
			return nil, fmt.Errorf("scan processed entry: %w", err)
		}
		seen[aid] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed set: %w", err)
	}

	return seen, nil
}

// InsertProcessed records ids with the current timestamp; already-present
// identifiers are ignored.
func (s *Store) InsertProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixMilli()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO processed_vehicles (aid, processed_at) VALUES (?, ?)`,
			id, now,
		); err != nil {
			return fmt.Errorf("insert processed id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// ApplyAggregate folds the partial into the singleton row and its bucket rows
// inside one transaction, then reads the post-update aggregate back.
func (s *Store) ApplyAggregate(ctx context.Context, partial *fleet.Partial) (*fleet.Aggregate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var hpMin, hpMax sql.NullInt64
	if partial.HPMin != nil {
		hpMin = sql.NullInt64{Int64: *partial.HPMin, Valid: true}
	}
	if partial.HPMax != nil {
		hpMax = sql.NullInt64{Int64: *partial.HPMax, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fleet_statistics (id, total_vehicles, hp_sum, hp_count, hp_min, hp_max, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total_vehicles = total_vehicles + excluded.total_vehicles,
			hp_sum         = hp_sum + excluded.hp_sum,
			hp_count       = hp_count + excluded.hp_count,
			hp_min = CASE
				WHEN excluded.hp_min IS NULL THEN hp_min
				WHEN hp_min IS NULL THEN excluded.hp_min
				ELSE MIN(hp_min, excluded.hp_min) END,
			hp_max = CASE
				WHEN excluded.hp_max IS NULL THEN hp_max
				WHEN hp_max IS NULL THEN excluded.hp_max
				ELSE MAX(hp_max, excluded.hp_max) END,
			last_updated = excluded.last_updated`,
		fleet.AggregateID, partial.TotalVehicles, partial.HPSum, partial.HPCount,
		hpMin, hpMax, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("apply aggregate row: %w", err)
	}

	buckets := map[string]map[string]int64{
		bucketType:       partial.ByType,
		bucketDecade:     partial.ByDecade,
		bucketSpeedClass: partial.BySpeedClass,
	}
	for kind, counts := range buckets {
		for label, n := range counts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO fleet_statistics_buckets (stats_id, kind, label, count)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(stats_id, kind, label) DO UPDATE SET
					count = count + excluded.count`,
				fleet.AggregateID, kind, label, n,
			); err != nil {
				return nil, fmt.Errorf("apply %s bucket %q: %w", kind, label, err)
			}
		}
	}

	agg, err := readAggregateTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit apply: %w", err)
	}
	return agg, nil
}

// ReadAggregate returns the current aggregate, or the zero aggregate when the
// row is absent or undecodable. Only transport problems (cancellation,
// timeout) propagate; a corrupt row degrades with a logged error.
func (s *Store) ReadAggregate(ctx context.Context) (*fleet.Aggregate, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback()

	agg, err := readAggregateTx(ctx, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		s.logger.Error("aggregate row undecodable, serving zero aggregate", "error", err)
		return fleet.Zero(time.Now().UTC()), nil
	}
	return agg, nil
}

func readAggregateTx(ctx context.Context, tx *sql.Tx) (*fleet.Aggregate, error) {
	agg := fleet.Zero(time.Now().UTC())

	var hpMin, hpMax sql.NullInt64
	var lastUpdated int64
	err := tx.QueryRowContext(ctx, `
		SELECT total_vehicles, hp_sum, hp_count, hp_min, hp_max, last_updated
		FROM fleet_statistics WHERE id = ?`,
		fleet.AggregateID,
	).Scan(&agg.TotalVehicles, &agg.HPStats.Sum, &agg.HPStats.Count, &hpMin, &hpMax, &lastUpdated)
	if err == sql.ErrNoRows {
		return agg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read aggregate row: %w", err)
	}

	agg.HPStats.Min = hpMin.Int64
	agg.HPStats.Max = hpMax.Int64
	agg.LastUpdated = time.UnixMilli(lastUpdated).UTC()

	rows, err := tx.QueryContext(ctx,
		`SELECT kind, label, count FROM fleet_statistics_buckets WHERE stats_id = ?`,
		fleet.AggregateID,
	)
	if err != nil {
		return nil, fmt.Errorf("read buckets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, label string
		var n int64
		if err := rows.Scan(&kind, &label, &n); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		switch kind {
		case bucketType:
			agg.VehiclesByType[label] = n
		case bucketDecade:
			agg.VehiclesByDecade[label] = n
		case bucketSpeedClass:
			agg.VehiclesBySpeedClass[label] = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}

	agg.RecomputeAvg()
	return agg, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
