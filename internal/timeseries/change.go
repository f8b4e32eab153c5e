package timeseries

// PctChange returns (current-previous)/previous*100. A zero previous value
// yields +100% when current is positive and nil when both are zero; there
// is no meaningful percentage for a negative move from zero either, so that
// is nil too.
func PctChange(current, previous float64) *float64 {
	if previous > 0 {
		v := (current - previous) / previous * 100
		return &v
	}
	if previous == 0 && current > 0 {
		v := 100.0
		return &v
	}
	return nil
}

// PositionDelta is current minus previous. Positive means the ranking got
// worse. Nil when either side is missing.
func PositionDelta(current, previous *float64) *float64 {
	if current == nil || previous == nil {
		return nil
	}
	v := *current - *previous
	return &v
}
