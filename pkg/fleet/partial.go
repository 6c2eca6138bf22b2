package fleet

// Partial is the statistics derived from one batch of events. It is applied
// additively to the running aggregate by the store, so every field must be
// commutative under addition (or min/max).
type Partial struct {
	TotalVehicles int64

	ByType       map[string]int64
	ByDecade     map[string]int64
	BySpeedClass map[string]int64

	HPSum   int64
	HPCount int64

	// HPMin and HPMax are nil when no event in the batch carried an HP value,
	// so the store never invokes atomic min/max operators with sentinels.
	HPMin *int64
	HPMax *int64
}

// ComputePartial folds a batch of events into a partial aggregate.
// Events missing an attribute contribute to TotalVehicles but to none of the
// corresponding buckets.
func ComputePartial(events []*Event) *Partial {
	p := &Partial{
		TotalVehicles: int64(len(events)),
		ByType:        map[string]int64{},
		ByDecade:      map[string]int64{},
		BySpeedClass:  map[string]int64{},
	}

	for _, e := range events {
		if e.Data.Type != "" {
			p.ByType[e.Data.Type]++
		}
		if e.Data.Year != nil {
			p.ByDecade[DecadeLabel(*e.Data.Year)]++
		}
		if e.Data.TopSpeed != nil {
			p.BySpeedClass[SpeedClass(*e.Data.TopSpeed)]++
		}
		if e.Data.HP != nil {
			hp := *e.Data.HP
			p.HPSum += hp
			p.HPCount++
			if p.HPMin == nil || hp < *p.HPMin {
				p.HPMin = &hp
			}
			if p.HPMax == nil || hp > *p.HPMax {
				p.HPMax = &hp
			}
		}
	}

	return p
}

// Empty reports whether the partial would be a no-op when applied.
func (p *Partial) Empty() bool {
	return p.TotalVehicles == 0
}
