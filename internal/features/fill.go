package features

import "math"

// FillMissing patches NaN gaps in a single column in place: backward-fill
// first, then forward-fill, then zero for a column with no valid value at all.
//
// Backward-fill first borrows a later value for the leading run of a series.
// That is only sound for an offline batch where the whole history is known.
func FillMissing(col []float64) {
	next := math.NaN()
	for i := len(col) - 1; i >= 0; i-- {
		if math.IsNaN(col[i]) {
			col[i] = next
		} else {
			next = col[i]
		}
	}

	prev := math.NaN()
	for i := range col {
		if math.IsNaN(col[i]) {
			col[i] = prev
		} else {
			prev = col[i]
		}
	}

	for i := range col {
		if math.IsNaN(col[i]) {
			col[i] = 0
		}
	}
}
