// Package mongo implements the store contract on MongoDB. Additive fields use
// $inc, horsepower bounds use $min/$max, and the singleton document is
// upserted on first commit, so concurrent writers from other instances still
// converge (modulo the cross-instance monotonicity caveat of the publisher).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/fleetops/fleet-reporter/pkg/fleet"
	"github.com/fleetops/fleet-reporter/pkg/store"
)

// Config holds the MongoDB connection settings.
type Config struct {
	// URL is the mongodb:// connection string.
	URL string

	// Database is the database holding both collections.
	Database string
}

// Store is the MongoDB-backed store gateway.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
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

// New connects to MongoDB and ensures the unique index on the processed set.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	clientOpts := options.Client().ApplyURI(cfg.URL)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	s := &Store{
		client: client,
		db:     client.Database(cfg.Database),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return s, nil
}

// ensureIndexes creates the unique aid index that makes InsertProcessed
// idempotent under concurrent insertion.
func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.processed().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "aid", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("ensure processed index: %w", err)
	}
	return nil
}

func (s *Store) statistics() *mongo.Collection {
	return s.db.Collection(store.CollectionStatistics)
}

func (s *Store) processed() *mongo.Collection {
	return s.db.Collection(store.CollectionProcessed)
}

// GetProcessed returns the subset of ids already recorded.
func (s *Store) GetProcessed(ctx context.Context, ids []string) (map[string]struct{}, error) {
	seen := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return seen, nil
	}

	cursor, err := s.processed().Find(ctx,
		bson.M{"aid": bson.M{"$in": ids}},
		options.Find().SetProjection(bson.M{"aid": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("query processed set: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc struct {
			AID string `bson:"aid"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode processed entry: %w", err)
		}
		seen[doc.AID] = struct{}{}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed set: %w", err)
	}

	return seen, nil
}

// InsertProcessed records ids with the current timestamp. Duplicate keys from
// concurrent writers are swallowed; any other write error propagates.
func (s *Store) InsertProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	now := time.Now().UTC()
	docs := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, bson.M{"aid": id, "processedAt": now})
	}

	_, err := s.processed().InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) {
			for _, we := range bwe.WriteErrors {
				if we.Code != duplicateKeyCode {
					return fmt.Errorf("insert processed ids: %w", err)
				}
			}
			if bwe.WriteConcernError != nil {
				return fmt.Errorf("insert processed ids: %w", err)
			}
			return nil
		}
		return fmt.Errorf("insert processed ids: %w", err)
	}

	return nil
}

// ApplyAggregate folds the partial into the singleton document with one
// FindOneAndUpdate and returns the post-update aggregate.
func (s *Store) ApplyAggregate(ctx context.Context, partial *fleet.Partial) (*fleet.Aggregate, error) {
	update := buildApplyUpdate(partial, time.Now().UTC())

	res := s.statistics().FindOneAndUpdate(ctx,
		bson.M{"_id": fleet.AggregateID},
		update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)

	var agg fleet.Aggregate
	if err := res.Decode(&agg); err != nil {
		return nil, fmt.Errorf("apply aggregate: %w", err)
	}

	normalize(&agg)
	return &agg, nil
}

// ReadAggregate returns the current aggregate. Absence and decode failures
// degrade to the zero aggregate so the dashboard read never fails.
func (s *Store) ReadAggregate(ctx context.Context) (*fleet.Aggregate, error) {
	res := s.statistics().FindOne(ctx, bson.M{"_id": fleet.AggregateID})

	var agg fleet.Aggregate
	err := res.Decode(&agg)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return fleet.Zero(time.Now().UTC()), nil
	case err != nil:
		if isTransient(err) {
			return nil, fmt.Errorf("read aggregate: %w", err)
		}
		s.logger.Error("aggregate document undecodable, serving zero aggregate", "error", err)
		return fleet.Zero(time.Now().UTC()), nil
	}

	normalize(&agg)
	return &agg, nil
}

// Ping verifies reachability against the primary.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongodb: %w", err)
	}
	return nil
}

// isTransient distinguishes network-ish failures, which must propagate, from
// schema problems, which degrade to the zero aggregate on the read path.
func isTransient(err error) bool {
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded)
}

// normalize recomputes the derived average and fills in maps the driver left
// nil when the document has no entries for a bucket kind yet.
func normalize(agg *fleet.Aggregate) {
	if agg.VehiclesByType == nil {
		agg.VehiclesByType = map[string]int64{}
	}
	if agg.VehiclesByDecade == nil {
		agg.VehiclesByDecade = map[string]int64{}
	}
	if agg.VehiclesBySpeedClass == nil {
		agg.VehiclesBySpeedClass = map[string]int64{}
	}
	agg.RecomputeAvg()
}

var _ store.Store = (*Store)(nil)
