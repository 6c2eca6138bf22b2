package fleet

import (
	"fmt"
	"time"
)

// AggregateID is the well-known identifier of the singleton aggregate document.
const AggregateID = "real_time_fleet_stats"

// Speed-class labels. Locale-neutral identifiers; display translation is a
// downstream concern.
const (
	SpeedClassSlow   = "Slow"
	SpeedClassNormal = "Normal"
	SpeedClassFast   = "Fast"
)

// HPStats is the running horsepower statistics of the fleet.
// Sum and Count never decrease, Min never increases once initialized,
// Max never decreases. Avg is derived and recomputed on every read.
type HPStats struct {
	Sum   int64   `json:"sum" bson:"sum"`
	Count int64   `json:"count" bson:"count"`
	Min   int64   `json:"min" bson:"min"`
	Max   int64   `json:"max" bson:"max"`
	Avg   float64 `json:"avg" bson:"avg"`
}

// Aggregate is the single running statistics document for the whole fleet.
type Aggregate struct {
	TotalVehicles        int64            `json:"totalVehicles" bson:"totalVehicles"`
	VehiclesByType       map[string]int64 `json:"vehiclesByType" bson:"vehiclesByType"`
	VehiclesByDecade     map[string]int64 `json:"vehiclesByDecade" bson:"vehiclesByDecade"`
	VehiclesBySpeedClass map[string]int64 `json:"vehiclesBySpeedClass" bson:"vehiclesBySpeedClass"`
	HPStats              HPStats          `json:"hpStats" bson:"hpStats"`
	LastUpdated          time.Time        `json:"lastUpdated" bson:"lastUpdated"`
}

// Zero returns the synthetic empty aggregate used when the document does not
// exist yet. Maps are non-nil so the wire shape is stable for dashboards.
func Zero(now time.Time) *Aggregate {
	return &Aggregate{
		VehiclesByType:       map[string]int64{},
		VehiclesByDecade:     map[string]int64{},
		VehiclesBySpeedClass: map[string]int64{},
		LastUpdated:          now,
	}
}

// RecomputeAvg derives HPStats.Avg from the stored sum and count.
// Called after every store read and apply so the published average can never
// drift from the additive fields.
func (a *Aggregate) RecomputeAvg() {
	if a.HPStats.Count > 0 {
		a.HPStats.Avg = float64(a.HPStats.Sum) / float64(a.HPStats.Count)
	} else {
		a.HPStats.Avg = 0
	}
}

// SpeedClass buckets a top speed into its categorical class.
func SpeedClass(topSpeed int64) string {
	switch {
	case topSpeed < 140:
		return SpeedClassSlow
	case topSpeed <= 240:
		return SpeedClassNormal
	default:
		return SpeedClassFast
	}
}

// DecadeLabel derives the decade bucket of a model year, e.g. 1997 -> "1990s".
func DecadeLabel(year int64) string {
	return fmt.Sprintf("%ds", (year/10)*10)
}
