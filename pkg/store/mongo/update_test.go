package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/fleetops/fleet-reporter/pkg/fleet"
)

func i64(v int64) *int64 { return &v }

func TestBuildApplyUpdate(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	partial := &fleet.Partial{
		TotalVehicles: 3,
		ByType:        map[string]int64{"Sedan": 2, "SUV": 1},
		ByDecade:      map[string]int64{"1990s": 1, "2010s": 2},
		BySpeedClass:  map[string]int64{"Slow": 1, "Fast": 2},
		HPSum:         550,
		HPCount:       3,
		HPMin:         i64(100),
		HPMax:         i64(300),
	}

	update := buildApplyUpdate(partial, now)

	inc, ok := update["$inc"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, int64(3), inc["totalVehicles"])
	assert.Equal(t, int64(550), inc["hpStats.sum"])
	assert.Equal(t, int64(3), inc["hpStats.count"])
	assert.Equal(t, int64(2), inc["vehiclesByType.Sedan"])
	assert.Equal(t, int64(1), inc["vehiclesByType.SUV"])
	assert.Equal(t, int64(1), inc["vehiclesByDecade.1990s"])
	assert.Equal(t, int64(2), inc["vehiclesBySpeedClass.Fast"])

	assert.Equal(t, bson.M{"hpStats.min": int64(100)}, update["$min"])
	assert.Equal(t, bson.M{"hpStats.max": int64(300)}, update["$max"])
	assert.Equal(t, bson.M{"lastUpdated": now}, update["$set"])
}

func TestBuildApplyUpdate_NoHPOmitsMinMax(t *testing.T) {
	partial := &fleet.Partial{
		TotalVehicles: 1,
		ByType:        map[string]int64{"Van": 1},
	}

	update := buildApplyUpdate(partial, time.Now())

	_, hasMin := update["$min"]
	_, hasMax := update["$max"]
	assert.False(t, hasMin, "$min must be absent for an HP-less batch")
	assert.False(t, hasMax, "$max must be absent for an HP-less batch")

	inc := update["$inc"].(bson.M)
	assert.Equal(t, int64(1), inc["totalVehicles"])
	assert.Equal(t, int64(0), inc["hpStats.sum"])
}

func TestNormalize(t *testing.T) {
	agg := &fleet.Aggregate{HPStats: fleet.HPStats{Sum: 200, Count: 1}}

	normalize(agg)

	assert.NotNil(t, agg.VehiclesByType)
	assert.NotNil(t, agg.VehiclesByDecade)
	assert.NotNil(t, agg.VehiclesBySpeedClass)
	assert.Equal(t, float64(200), agg.HPStats.Avg)
}
