package zarr

import (
	"math"
	"sort"
)

// Selection helpers over decoded coordinate arrays. Coordinates are
// monotonically increasing (lat may be registered descending upstream but
// the grid registry normalizes to ascending before store creation).

// NearestIndex returns the index of the coordinate value closest to v.
// The second return is the absolute difference.
func NearestIndex(c Coord, v float64) (int, float64) {
	n := c.Len()
	if n == 0 {
		return -1, math.NaN()
	}
	// Coordinates are sorted; binary search the insertion point.
	i := sort.Search(n, func(i int) bool { return c.Float(i) >= v })
	best := -1
	bestDiff := math.Inf(1)
	for _, cand := range []int{i - 1, i} {
		if cand < 0 || cand >= n {
			continue
		}
		if diff := math.Abs(c.Float(cand) - v); diff < bestDiff {
			best = cand
			bestDiff = diff
		}
	}
	return best, bestDiff
}

// IndexOfInt returns the index of an exact integer coordinate value, or -1.
func IndexOfInt(c Coord, v int64) int {
	for i, x := range c.Ints {
		if x == v {
			return i
		}
	}
	return -1
}

// RangeIndices returns the [lo, hi] inclusive index range of coordinate
// values within [min, max]. ok is false when the range is empty.
func RangeIndices(c Coord, min, max float64) (lo, hi int, ok bool) {
	n := c.Len()
	lo = sort.Search(n, func(i int) bool { return c.Float(i) >= min })
	hi = sort.Search(n, func(i int) bool { return c.Float(i) > max }) - 1
	if lo > hi || lo >= n {
		return 0, 0, false
	}
	return lo, hi, true
}

// LatestAtOrBefore returns the index of the largest integer coordinate
// value <= v, or -1 when all values are later. Used to pick the forecast
// date serving a request window.
func LatestAtOrBefore(c Coord, v int64) int {
	best := -1
	for i, x := range c.Ints {
		if x <= v && (best == -1 || x > c.Ints[best]) {
			best = i
		}
	}
	return best
}
