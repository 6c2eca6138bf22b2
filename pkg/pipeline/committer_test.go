package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/fleet-reporter/pkg/broker"
	"github.com/fleetops/fleet-reporter/pkg/fleet"
)

// memStore folds partials in memory with the same semantics the real gateways
// implement: additive counters, late-initialized bounds, recomputed average.
type memStore struct {
	mu        sync.Mutex
	agg       *fleet.Aggregate
	processed map[string]struct{}
	calls     []string

	getErr    error
	applyErr  error
	insertErr error
}

func newMemStore() *memStore {
	return &memStore{processed: map[string]struct{}{}}
}

func (s *memStore) GetProcessed(ctx context.Context, ids []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "getProcessed")
	if s.getErr != nil {
		return nil, s.getErr
	}
	out := map[string]struct{}{}
	for _, id := range ids {
		if _, ok := s.processed[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *memStore) InsertProcessed(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "insertProcessed")
	if s.insertErr != nil {
		return s.insertErr
	}
	for _, id := range ids {
		s.processed[id] = struct{}{}
	}
	return nil
}

func (s *memStore) ApplyAggregate(ctx context.Context, p *fleet.Partial) (*fleet.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "applyAggregate")
	if s.applyErr != nil {
		return nil, s.applyErr
	}

	if s.agg == nil {
		s.agg = fleet.Zero(time.Now().UTC())
	}
	a := s.agg

	hadHP := a.HPStats.Count > 0

	a.TotalVehicles += p.TotalVehicles
	for k, v := range p.ByType {
		a.VehiclesByType[k] += v
	}
	for k, v := range p.ByDecade {
		a.VehiclesByDecade[k] += v
	}
	for k, v := range p.BySpeedClass {
		a.VehiclesBySpeedClass[k] += v
	}
	a.HPStats.Sum += p.HPSum
	a.HPStats.Count += p.HPCount
	if p.HPMin != nil && (!hadHP || *p.HPMin < a.HPStats.Min) {
		a.HPStats.Min = *p.HPMin
	}
	if p.HPMax != nil && (!hadHP || *p.HPMax > a.HPStats.Max) {
		a.HPStats.Max = *p.HPMax
	}
	a.LastUpdated = time.Now().UTC()
	a.RecomputeAvg()

	out := *a
	return &out, nil
}

func (s *memStore) ReadAggregate(ctx context.Context) (*fleet.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agg == nil {
		return fleet.Zero(time.Now().UTC()), nil
	}
	out := *s.agg
	return &out, nil
}

func (s *memStore) Ping(ctx context.Context) error  { return nil }
func (s *memStore) Close(ctx context.Context) error { return nil }

type published struct {
	topic       string
	messageType string
	payload     any
}

type memBroker struct {
	mu         sync.Mutex
	publishErr error
	messages   []published
}

func (b *memBroker) Subscribe(ctx context.Context, topic string) (<-chan broker.Message, error) {
	ch := make(chan broker.Message)
	close(ch)
	return ch, nil
}

func (b *memBroker) Publish(ctx context.Context, topic, messageType string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.messages = append(b.messages, published{topic, messageType, payload})
	return nil
}

func (b *memBroker) Close(ctx context.Context) error { return nil }

func (b *memBroker) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

func i64ptr(v int64) *int64 { return &v }

func vehicleEvent(aid, typ string, hp, year, topSpeed int64) *fleet.Event {
	return &fleet.Event{
		AID:       aid,
		Timestamp: time.Now().UTC(),
		Data: fleet.Vehicle{
			Type:     typ,
			HP:       i64ptr(hp),
			Year:     i64ptr(year),
			TopSpeed: i64ptr(topSpeed),
		},
	}
}

func newTestCommitter(st *memStore, bk *memBroker) *Committer {
	pub := NewPublisher(bk, "emi-gateway-materialized-view-updates")
	return NewCommitter(st, pub)
}

func TestCommitter_EmptyStateIngest(t *testing.T) {
	st := newMemStore()
	bk := &memBroker{}
	c := newTestCommitter(st, bk)

	c.commit([]*fleet.Event{vehicleEvent("a1", "SUV", 200, 2015, 180)})

	agg, err := st.ReadAggregate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), agg.TotalVehicles)
	assert.Equal(t, map[string]int64{"SUV": 1}, agg.VehiclesByType)
	assert.Equal(t, map[string]int64{"2010s": 1}, agg.VehiclesByDecade)
	assert.Equal(t, map[string]int64{"Normal": 1}, agg.VehiclesBySpeedClass)
	assert.Equal(t, int64(200), agg.HPStats.Sum)
	assert.Equal(t, int64(1), agg.HPStats.Count)
	assert.Equal(t, int64(200), agg.HPStats.Min)
	assert.Equal(t, int64(200), agg.HPStats.Max)
	assert.Equal(t, float64(200), agg.HPStats.Avg)

	require.Equal(t, 1, bk.publishedCount())
	assert.Equal(t, MessageTypeStatisticsUpdated, bk.messages[0].messageType)
}

func TestCommitter_DuplicateSuppression(t *testing.T) {
	st := newMemStore()
	bk := &memBroker{}
	c := newTestCommitter(st, bk)

	c.commit([]*fleet.Event{vehicleEvent("a1", "SUV", 200, 2015, 180)})
	require.Equal(t, 1, bk.publishedCount())

	// Redelivery of the same aid in a later batch must change nothing and
	// publish nothing.
	c.commit([]*fleet.Event{vehicleEvent("a1", "SUV", 200, 2015, 180)})

	agg, err := st.ReadAggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.TotalVehicles)
	assert.Equal(t, 1, bk.publishedCount())
}

func TestCommitter_MixedBatch(t *testing.T) {
	st := newMemStore()
	bk := &memBroker{}
	c := newTestCommitter(st, bk)

	c.commit([]*fleet.Event{
		vehicleEvent("b1", "Sedan", 100, 1995, 120),
		vehicleEvent("b2", "Sedan", 300, 2001, 250),
		vehicleEvent("b3", "SUV", 150, 2012, 200),
	})

	agg, err := st.ReadAggregate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), agg.TotalVehicles)
	assert.Equal(t, map[string]int64{"Sedan": 2, "SUV": 1}, agg.VehiclesByType)
	assert.Equal(t, map[string]int64{"1990s": 1, "2000s": 1, "2010s": 1}, agg.VehiclesByDecade)
	assert.Equal(t, map[string]int64{"Slow": 1, "Normal": 1, "Fast": 1}, agg.VehiclesBySpeedClass)
	assert.Equal(t, int64(550), agg.HPStats.Sum)
	assert.Equal(t, int64(100), agg.HPStats.Min)
	assert.Equal(t, int64(300), agg.HPStats.Max)
	assert.InDelta(t, 183.33, agg.HPStats.Avg, 0.01)
}

func TestCommitter_DuplicateWithinBatchCountedOnce(t *testing.T) {
	st := newMemStore()
	bk := &memBroker{}
	c := newTestCommitter(st, bk)

	c.commit([]*fleet.Event{
		vehicleEvent("a1", "SUV", 200, 2015, 180),
		vehicleEvent("a1", "SUV", 200, 2015, 180),
		vehicleEvent("a2", "Sedan", 100, 1995, 120),
	})

	agg, err := st.ReadAggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.TotalVehicles)
	assert.Equal(t, map[string]int64{"SUV": 1, "Sedan": 1}, agg.VehiclesByType)
}

func TestCommitter_MissingFieldsContributeToTotalOnly(t *testing.T) {
	st := newMemStore()
	bk := &memBroker{}
	c := newTestCommitter(st, bk)

	c.commit([]*fleet.Event{
		{AID: "m1", Data: fleet.Vehicle{Type: "Van"}},
	})

	agg, err := st.ReadAggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.TotalVehicles)
	assert.Equal(t, map[string]int64{"Van": 1}, agg.VehiclesByType)
	assert.Empty(t, agg.VehiclesByDecade)
	assert.Empty(t, agg.VehiclesBySpeedClass)
	assert.Equal(t, int64(0), agg.HPStats.Count)
}

func TestCommitter_ReplayIdempotence(t *testing.T) {
	st := newMemStore()
	bk := &memBroker{}
	c := newTestCommitter(st, bk)

	batch := []*fleet.Event{
		vehicleEvent("r1", "Sedan", 100, 1995, 120),
		vehicleEvent("r2", "SUV", 300, 2012, 250),
	}

	for range 3 {
		c.commit(batch)
	}

	agg, err := st.ReadAggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.TotalVehicles)
	assert.Equal(t, int64(400), agg.HPStats.Sum)
	assert.Equal(t, 1, bk.publishedCount(), "replays must not republish")
}

func TestCommitter_PartitionInvariance(t *testing.T) {
	events := []*fleet.Event{
		vehicleEvent("p1", "Sedan", 100, 1995, 120),
		vehicleEvent("p2", "Sedan", 300, 2001, 250),
		vehicleEvent("p3", "SUV", 150, 2012, 200),
	}

	whole := newMemStore()
	newTestCommitter(whole, &memBroker{}).commit(events)

	split := newMemStore()
	cs := newTestCommitter(split, &memBroker{})
	cs.commit(events[:1])
	cs.commit(events[1:])

	a, err := whole.ReadAggregate(context.Background())
	require.NoError(t, err)
	b, err := split.ReadAggregate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, a.TotalVehicles, b.TotalVehicles)
	assert.Equal(t, a.VehiclesByType, b.VehiclesByType)
	assert.Equal(t, a.HPStats.Sum, b.HPStats.Sum)
	assert.Equal(t, a.HPStats.Min, b.HPStats.Min)
	assert.Equal(t, a.HPStats.Max, b.HPStats.Max)
}

func TestCommitter_LargeBatchIsOneCommitOnePublication(t *testing.T) {
	st := newMemStore()
	bk := &memBroker{}
	c := newTestCommitter(st, bk)

	batch := make([]*fleet.Event, 0, 100)
	for i := range 100 {
		batch = append(batch, vehicleEvent(
			fmt.Sprintf("bulk-%03d", i), "SUV", int64(100+i), 2015, 180))
	}

	c.commit(batch)

	agg, err := st.ReadAggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), agg.TotalVehicles)
	assert.Equal(t, int64(100), agg.HPStats.Min)
	assert.Equal(t, int64(199), agg.HPStats.Max)

	assert.Equal(t, 1, bk.publishedCount())
	applies := 0
	for _, call := range st.calls {
		if call == "applyAggregate" {
			applies++
		}
	}
	assert.Equal(t, 1, applies)
}

func TestCommitter_AppliesBeforeRecordingProcessed(t *testing.T) {
	st := newMemStore()
	c := newTestCommitter(st, &memBroker{})

	c.commit([]*fleet.Event{vehicleEvent("o1", "SUV", 200, 2015, 180)})

	require.Equal(t, []string{"getProcessed", "applyAggregate", "insertProcessed"}, st.calls)
}

func TestCommitter_StoreFailures(t *testing.T) {
	t.Run("getProcessed failure drops batch", func(t *testing.T) {
		st := newMemStore()
		st.getErr = errors.New("store down")
		bk := &memBroker{}

		newTestCommitter(st, bk).commit([]*fleet.Event{vehicleEvent("f1", "SUV", 200, 2015, 180)})

		assert.Equal(t, 0, bk.publishedCount())
		assert.NotContains(t, st.calls, "applyAggregate")
	})

	t.Run("applyAggregate failure drops batch before recording", func(t *testing.T) {
		st := newMemStore()
		st.applyErr = errors.New("write failed")
		bk := &memBroker{}

		newTestCommitter(st, bk).commit([]*fleet.Event{vehicleEvent("f2", "SUV", 200, 2015, 180)})

		assert.Equal(t, 0, bk.publishedCount())
		assert.NotContains(t, st.calls, "insertProcessed")
		assert.Empty(t, st.processed)
	})

	t.Run("insertProcessed failure suppresses publication", func(t *testing.T) {
		st := newMemStore()
		st.insertErr = errors.New("write failed")
		bk := &memBroker{}

		newTestCommitter(st, bk).commit([]*fleet.Event{vehicleEvent("f3", "SUV", 200, 2015, 180)})

		assert.Equal(t, 0, bk.publishedCount())
	})
}

func TestCommitter_PublishFailureDoesNotUndoCommit(t *testing.T) {
	st := newMemStore()
	bk := &memBroker{publishErr: errors.New("broker down")}
	c := newTestCommitter(st, bk)

	c.commit([]*fleet.Event{vehicleEvent("x1", "SUV", 200, 2015, 180)})

	agg, err := st.ReadAggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.TotalVehicles)

	_, recorded := st.processed["x1"]
	assert.True(t, recorded, "processed-set insertion must survive a publish failure")
}

func TestCommitter_EmptyBatchCommitsNothing(t *testing.T) {
	st := newMemStore()
	bk := &memBroker{}

	newTestCommitter(st, bk).commit(nil)

	assert.Empty(t, st.calls)
	assert.Equal(t, 0, bk.publishedCount())
}

func TestCommitter_RunDrainsUntilClose(t *testing.T) {
	st := newMemStore()
	bk := &memBroker{}
	c := newTestCommitter(st, bk)

	batches := make(chan []*fleet.Event, 2)
	batches <- []*fleet.Event{vehicleEvent("d1", "SUV", 200, 2015, 180)}
	batches <- []*fleet.Event{vehicleEvent("d2", "Sedan", 100, 1995, 120)}
	close(batches)

	done := make(chan struct{})
	go func() {
		c.Run(batches)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("committer did not drain the closed channel")
	}

	agg, err := st.ReadAggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.TotalVehicles)
	assert.Equal(t, 2, bk.publishedCount())
}
