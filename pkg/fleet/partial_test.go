package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func i64(v int64) *int64 { return &v }

func testTime(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func vehicle(typ string, hp, year, topSpeed int64) *Event {
	return &Event{
		Data: Vehicle{Type: typ, HP: i64(hp), Year: i64(year), TopSpeed: i64(topSpeed)},
	}
}

func TestComputePartial_MixedBatch(t *testing.T) {
	batch := []*Event{
		vehicle("Sedan", 100, 1995, 120),
		vehicle("Sedan", 300, 2001, 250),
		vehicle("SUV", 150, 2012, 200),
	}

	p := ComputePartial(batch)

	assert.Equal(t, int64(3), p.TotalVehicles)
	assert.Equal(t, map[string]int64{"Sedan": 2, "SUV": 1}, p.ByType)
	assert.Equal(t, map[string]int64{"1990s": 1, "2000s": 1, "2010s": 1}, p.ByDecade)
	assert.Equal(t, map[string]int64{"Slow": 1, "Normal": 1, "Fast": 1}, p.BySpeedClass)
	assert.Equal(t, int64(550), p.HPSum)
	assert.Equal(t, int64(3), p.HPCount)
	require.NotNil(t, p.HPMin)
	require.NotNil(t, p.HPMax)
	assert.Equal(t, int64(100), *p.HPMin)
	assert.Equal(t, int64(300), *p.HPMax)
}

func TestComputePartial_SingleEvent(t *testing.T) {
	p := ComputePartial([]*Event{vehicle("SUV", 200, 2015, 180)})

	assert.Equal(t, int64(1), p.TotalVehicles)
	assert.Equal(t, map[string]int64{"SUV": 1}, p.ByType)
	assert.Equal(t, map[string]int64{"2010s": 1}, p.ByDecade)
	assert.Equal(t, map[string]int64{"Normal": 1}, p.BySpeedClass)
	assert.Equal(t, int64(200), p.HPSum)
	assert.Equal(t, int64(1), p.HPCount)
}

func TestComputePartial_MissingFields(t *testing.T) {
	// Only a type: counts toward the total and the type bucket, nothing else.
	p := ComputePartial([]*Event{{AID: "e1", Data: Vehicle{Type: "Van"}}})

	assert.Equal(t, int64(1), p.TotalVehicles)
	assert.Equal(t, map[string]int64{"Van": 1}, p.ByType)
	assert.Empty(t, p.ByDecade)
	assert.Empty(t, p.BySpeedClass)
	assert.Zero(t, p.HPSum)
	assert.Zero(t, p.HPCount)
	assert.Nil(t, p.HPMin)
	assert.Nil(t, p.HPMax)
}

func TestComputePartial_MissingType(t *testing.T) {
	// A missing type still contributes to the total.
	p := ComputePartial([]*Event{{Data: Vehicle{HP: i64(90)}}})

	assert.Equal(t, int64(1), p.TotalVehicles)
	assert.Empty(t, p.ByType)
	assert.Equal(t, int64(90), p.HPSum)
}

func TestComputePartial_NoHPLeavesMinMaxUnset(t *testing.T) {
	p := ComputePartial([]*Event{
		{Data: Vehicle{Type: "Truck"}},
		{Data: Vehicle{Type: "Truck"}},
	})

	assert.Nil(t, p.HPMin)
	assert.Nil(t, p.HPMax)
	assert.Zero(t, p.HPCount)
}

func TestComputePartial_Empty(t *testing.T) {
	p := ComputePartial(nil)
	assert.True(t, p.Empty())
	assert.False(t, ComputePartial([]*Event{{}}).Empty())
}

func TestComputePartial_PartitionInvariance(t *testing.T) {
	batch := []*Event{
		vehicle("Sedan", 100, 1995, 120),
		vehicle("Sedan", 300, 2001, 250),
		vehicle("SUV", 150, 2012, 200),
		vehicle("Coupe", 400, 2020, 280),
		{Data: Vehicle{Type: "Van"}},
	}

	whole := ComputePartial(batch)

	// Fold the same events in two sub-batches and compare the combined totals.
	first := ComputePartial(batch[:2])
	second := ComputePartial(batch[2:])

	assert.Equal(t, whole.TotalVehicles, first.TotalVehicles+second.TotalVehicles)
	assert.Equal(t, whole.HPSum, first.HPSum+second.HPSum)
	assert.Equal(t, whole.HPCount, first.HPCount+second.HPCount)
	assert.Equal(t, *whole.HPMin, min(*first.HPMin, *second.HPMin))
	assert.Equal(t, *whole.HPMax, max(*first.HPMax, *second.HPMax))

	for typ, n := range whole.ByType {
		assert.Equal(t, n, first.ByType[typ]+second.ByType[typ], "type %s", typ)
	}
	for dec, n := range whole.ByDecade {
		assert.Equal(t, n, first.ByDecade[dec]+second.ByDecade[dec], "decade %s", dec)
	}
}

func TestSpeedClass(t *testing.T) {
	tests := []struct {
		topSpeed int64
		want     string
	}{
		{0, SpeedClassSlow},
		{139, SpeedClassSlow},
		{140, SpeedClassNormal},
		{200, SpeedClassNormal},
		{240, SpeedClassNormal},
		{241, SpeedClassFast},
		{400, SpeedClassFast},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SpeedClass(tt.topSpeed), "topSpeed=%d", tt.topSpeed)
	}
}

func TestDecadeLabel(t *testing.T) {
	assert.Equal(t, "1990s", DecadeLabel(1997))
	assert.Equal(t, "1990s", DecadeLabel(1990))
	assert.Equal(t, "2000s", DecadeLabel(2009))
	assert.Equal(t, "2020s", DecadeLabel(2020))
}

func TestAggregate_RecomputeAvg(t *testing.T) {
	a := Zero(testTime(t))
	a.RecomputeAvg()
	assert.Zero(t, a.HPStats.Avg)

	a.HPStats.Sum = 550
	a.HPStats.Count = 3
	a.RecomputeAvg()
	assert.InDelta(t, 183.33, a.HPStats.Avg, 0.01)
}

func TestZero(t *testing.T) {
	now := testTime(t)
	a := Zero(now)

	assert.Zero(t, a.TotalVehicles)
	assert.NotNil(t, a.VehiclesByType)
	assert.NotNil(t, a.VehiclesByDecade)
	assert.NotNil(t, a.VehiclesBySpeedClass)
	assert.Equal(t, now, a.LastUpdated)
}
