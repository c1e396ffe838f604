package spiral

import "math"

// Sample is the subset of an entry that coherence is computed from.
type Sample struct {
	Position Position
	Weight   float64
	Seq      uint64
}

// Coherence scores two samples in [0,1] as the mean of spatial, weight and
// temporal closeness.
func Coherence(a, b Sample) float64 {
	spatial := 1 / (1 + a.Position.Distance(b.Position))

	weight := 1.0
	if hi := math.Max(a.Weight, b.Weight); hi > 0 {
		weight = 1 - math.Abs(a.Weight-b.Weight)/hi
	}

	var gap uint64
	if a.Seq > b.Seq {
		gap = a.Seq - b.Seq
	} else {
		gap = b.Seq - a.Seq
	}
	temporal := 1 / (1 + float64(gap)/temporalScale)

	return (spatial + weight + temporal) / 3
}
