// Package spiral maps a monotonic sequence and an amplitude weight onto a
// golden-angle spiral in the plane, and scores how closely two points on it
// agree. Everything here is pure and deterministic.
package spiral

import "math"

// GoldenRatio drives the angular step between consecutive sequence numbers.
const GoldenRatio = 1.6180339887498949

// DefaultStep is the resonance quantization granularity.
const DefaultStep = 0.01

// temporalScale converts a sequence distance into the temporal term of Coherence.
const temporalScale = 1_000_000

// Position is a point in the spiral plane.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance between p and o.
func (p Position) Distance(o Position) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

// Angle returns the polar angle of p.
func (p Position) Angle() float64 {
	return math.Atan2(p.Y, p.X)
}

// Centroid returns the mean of the given positions, or the origin for none.
func Centroid(points []Position) Position {
	if len(points) == 0 {
		return Position{}
	}
	var c Position
	for _, p := range points {
		c.X += p.X
		c.Y += p.Y
	}
	n := float64(len(points))
	return Position{X: c.X / n, Y: c.Y / n}
}

// Encode places sequence number seq with amplitude weight on the spiral and
// returns its position and quantized resonance.
func Encode(seq uint64, weight, phase, step float64) (Position, float64) {
	angle := GoldenRatio*float64(seq) + phase
	pos := Position{
		X: weight * math.Cos(angle),
		Y: weight * math.Sin(angle),
	}
	return pos, ResonanceAt(weight, angle, step)
}

// ResonanceAt computes the quantized resonance for a weight at a given angle.
func ResonanceAt(weight, angle, step float64) float64 {
	return Quantize(weight*math.Sin(angle)+1, step)
}

// exactLimit is the magnitude past which every float64 is already an integer.
const exactLimit = 1 << 53

// Quantize rounds v to the nearest multiple of step. Values too large for
// step to be representable around them are returned unchanged.
func Quantize(v, step float64) float64 {
	step = normalizeStep(step)
	q := v / step
	if math.IsInf(q, 0) || math.Abs(q) >= exactLimit {
		return v
	}
	return math.Round(q) * step
}

// Bucket returns the integer bucket index of v for the given step,
// saturating at the int64 bounds.
func Bucket(v, step float64) int64 {
	q := math.Round(v / normalizeStep(step))
	switch {
	case math.IsNaN(q):
		return 0
	case q >= math.MaxInt64:
		return math.MaxInt64
	case q <= math.MinInt64:
		return math.MinInt64
	}
	return int64(q)
}

func normalizeStep(step float64) float64 {
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return DefaultStep
	}
	return step
}

// ValidWeight reports whether w is usable as an amplitude.
func ValidWeight(w float64) bool {
	return !math.IsNaN(w) && !math.IsInf(w, 0) && w >= 0
}
