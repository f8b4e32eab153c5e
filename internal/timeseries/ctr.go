package timeseries

import "math"

// DefaultPositionCurve is the expected click-through rate for positions 1
// through 20. Positions past the end use the last value.
var DefaultPositionCurve = []float64{
	0.285, 0.157, 0.110, 0.080, 0.072, 0.051, 0.040, 0.032, 0.028, 0.025,
	0.018, 0.016, 0.014, 0.012, 0.011, 0.010, 0.009, 0.008, 0.007, 0.006,
}

// ExpectedCTR interpolates the curve at a (possibly fractional) position.
// Positions below 1 are treated as 1. An empty curve yields 0.
func ExpectedCTR(curve []float64, position float64) float64 {
	if len(curve) == 0 || math.IsNaN(position) {
		return 0
	}
	if position <= 1 {
		return curve[0]
	}
	last := float64(len(curve))
	if position >= last {
		return curve[len(curve)-1]
	}
	lo := math.Floor(position)
	frac := position - lo
	a := curve[int(lo)-1]
	b := curve[int(lo)]
	return a + (b-a)*frac
}
