package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/fleetops/fleet-reporter/pkg/fleet"
)

// duplicateKeyCode is the server error code for unique-index violations.
const duplicateKeyCode = 11000

// buildApplyUpdate translates a partial aggregate into a single atomic update
// document. Additive fields ride on $inc, horsepower bounds on $min/$max.
// The $min/$max operators are only present when the batch carried HP values,
// so an HP-less batch can never initialize min or max with a sentinel.
func buildApplyUpdate(partial *fleet.Partial, now time.Time) bson.M {
	inc := bson.M{
		"totalVehicles": partial.TotalVehicles,
		"hpStats.sum":   partial.HPSum,
		"hpStats.count": partial.HPCount,
	}
	for typ, n := range partial.ByType {
		inc["vehiclesByType."+typ] = n
	}
	for decade, n := range partial.ByDecade {
		inc["vehiclesByDecade."+decade] = n
	}
	for class, n := range partial.BySpeedClass {
		inc["vehiclesBySpeedClass."+class] = n
	}

	update := bson.M{
		"$inc": inc,
		"$set": bson.M{"lastUpdated": now},
	}
	if partial.HPMin != nil {
		update["$min"] = bson.M{"hpStats.min": *partial.HPMin}
	}
	if partial.HPMax != nil {
		update["$max"] = bson.M{"hpStats.max": *partial.HPMax}
	}

	return update
}
