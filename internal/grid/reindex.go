// Package grid holds the immutable grid registry and the pure
// nearest-coordinate reindexing functions shared by the ingestor and the
// reader. Reindexing is a function of registry metadata only, so it lives
// here independent of any storage engine.
package grid

import (
	"fmt"
	"math"

	"agromet/internal/types"
)

// DefaultReindexTolerance is the maximum absolute difference (degrees)
// accepted when mapping a source coordinate onto a registry axis.
const DefaultReindexTolerance = 0.001

// BuildAxis materializes a registry coordinate axis from its declared
// bounds and increment. The axis is ascending and inclusive of max within
// half an increment.
func BuildAxis(min, max, inc float64) []float64 {
	if inc <= 0 || max < min {
		return nil
	}
	n := int(math.Floor((max-min)/inc + 0.5))
	axis := make([]float64, n+1)
	for i := range axis {
		axis[i] = min + float64(i)*inc
	}
	return axis
}

// NearestWithTolerance returns the index of the axis value closest to v,
// and whether it lies within tol.
func NearestWithTolerance(axis []float64, v, tol float64) (int, bool) {
	best := -1
	bestDiff := math.Inf(1)
	for i, x := range axis {
		if diff := math.Abs(x - v); diff < bestDiff {
			best = i
			bestDiff = diff
		}
	}
	return best, best >= 0 && bestDiff <= tol
}

// MapCoords maps every source coordinate onto its registry axis index.
//
// When two successive source values collapse onto the same index (the
// upstream raster drifted within tolerance), the second is advanced to the
// next free index. Source values outside tolerance produce index -1 when
// fixIncremented is true (the caller fills those positions with NaN
// regions); otherwise they abort the mapping.
//
// The returned non-negative indices are checked to be strictly increasing.
// A violation means the source raster does not fit the registry and the
// slab must be aborted: the error carries ErrCodeStoreInconsistent and must
// never be downgraded.
func MapCoords(src, axis []float64, tol float64, fixIncremented bool) ([]int, error) {
	out := make([]int, len(src))
	prev := -1
	for i, v := range src {
		idx, ok := NearestWithTolerance(axis, v, tol)
		if !ok {
			if !fixIncremented {
				return nil, types.NewAppError(types.ErrCodeStoreInconsistent,
					fmt.Sprintf("source coordinate %v has no registry index within %v", v, tol), nil)
			}
			out[i] = -1
			continue
		}
		if idx == prev {
			// Collapse: advance to the next index.
			idx++
		}
		if idx >= len(axis) {
			return nil, types.NewAppError(types.ErrCodeStoreInconsistent,
				fmt.Sprintf("source coordinate %v advanced past the registry axis", v), nil)
		}
		out[i] = idx
		prev = idx
	}

	// Strict monotonicity over the mapped indices.
	last := -1
	for i, idx := range out {
		if idx < 0 {
			continue
		}
		if idx <= last {
			return nil, types.NewAppError(types.ErrCodeStoreInconsistent,
				fmt.Sprintf("mapped index %d at position %d is not strictly increasing", idx, i), nil)
		}
		last = idx
	}
	return out, nil
}

// ChunkRanges splits an axis of length n into [start, end) ranges of the
// given chunk length, the unit of region-aligned writes.
func ChunkRanges(n, chunk int) [][2]int {
	if n <= 0 || chunk <= 0 {
		return nil
	}
	var out [][2]int
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}
