// Package fleet holds the domain model of the fleet-statistics aggregator:
// the inbound vehicle-generation event, the running fleet aggregate, and the
// per-batch partial aggregate that is folded into it.
package fleet

import "time"

// Vehicle carries the attributes of a single generated vehicle.
// Optional numeric attributes are pointers so that absent and zero are
// distinguishable: an absent value contributes to no bucket.
type Vehicle struct {
	Type        string `json:"type,omitempty"`
	PowerSource string `json:"powerSource,omitempty"`
	HP          *int64 `json:"hp,omitempty"`
	Year        *int64 `json:"year,omitempty"`
	TopSpeed    *int64 `json:"topSpeed,omitempty"`
}

// Event is a decoded vehicle-generation event.
type Event struct {
	// AID is the stable event identifier, either producer-supplied or
	// synthesized by hashing the canonical serialization of Data.
	AID string

	// Timestamp is the producer-assigned wall-clock instant.
	Timestamp time.Time

	Data Vehicle
}
