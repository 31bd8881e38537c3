package neighbors

import (
	"github.com/dgravesa/go-parallel/parallel"
	"github.com/notargets/sfcdomain/sfc"
	"math"
	"runtime"
)

// Points is a set of positions
type Points struct {
	X, Y, Z []float64
}

// Len returns the number of points
func (p Points) Len() int { return len(p.X) }

// DistanceSq returns the squared distance between two positions, using the
// minimum image in the periodic dimensions of box
func DistanceSq(box sfc.Box, ax, ay, az, bx, by, bz float64) float64 {
	d := [3]float64{ax - bx, ay - by, az - bz}
	var sum float64
	for k := 0; k < 3; k++ {
		if box.Periodic[k] {
			L := box.Length(k)
			d[k] -= L * math.Round(d[k]/L)
		}
		sum += d[k] * d[k]
	}
	return sum
}

// Count returns, for every query point i, the number of candidates closer
// than radius[i]. A query point that is also a candidate counts itself.
func Count(box sfc.Box, queries Points, radius []float64, candidates Points) []int {
	counts := make([]int, queries.Len())
	if queries.Len() == 0 {
		return counts
	}
	parallel.WithNumGoroutines(runtime.GOMAXPROCS(0)).For(queries.Len(), func(i, _ int) {
		r2 := radius[i] * radius[i]
		n := 0
		for j := 0; j < candidates.Len(); j++ {
			if DistanceSq(box, queries.X[i], queries.Y[i], queries.Z[i],
				candidates.X[j], candidates.Y[j], candidates.Z[j]) < r2 {
				n++
			}
		}
		counts[i] = n
	})
	return counts
}

// Mismatches compares neighbor counts computed on two point sets and returns
// the query indices where they differ
func Mismatches(got, want []int) []int {
	var out []int
	for i := range got {
		if i >= len(want) || got[i] != want[i] {
			out = append(out, i)
		}
	}
	return out
}
