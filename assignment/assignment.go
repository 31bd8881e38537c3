package assignment

import (
	"errors"
	"fmt"
	"github.com/notargets/sfcdomain/sfc"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"sort"
)

// ErrInvalidAssignment marks leaf ranges that are not contiguous or do not
// cover the tree
var ErrInvalidAssignment = errors.New("invalid rank assignment")

// Assignment maps every global leaf to exactly one rank. Rank r owns the
// leaves [Starts[r], Starts[r+1]), so ranks own contiguous key ranges in
// rank order. Ranks may own no leaves.
type Assignment struct {
	Starts []int
	Counts []uint64 // points owned per rank
}

// SfcSplit cuts the leaf sequence into numRanks pieces of nearly equal point
// count. The cut for rank i is the first leaf boundary whose prefix count
// reaches i*total/numRanks; leaves are never split.
func SfcSplit(counts []uint32, numRanks int) Assignment {
	if numRanks < 1 {
		panic(fmt.Sprintf("cannot split among %d ranks", numRanks))
	}
	nLeaves := len(counts)
	prefix := make([]uint64, nLeaves+1)
	for i, c := range counts {
		prefix[i+1] = prefix[i] + uint64(c)
	}
	total := prefix[nLeaves]

	a := Assignment{
		Starts: make([]int, numRanks+1),
		Counts: make([]uint64, numRanks),
	}
	for r := 1; r < numRanks; r++ {
		target := total * uint64(r) / uint64(numRanks)
		a.Starts[r] = sort.Search(len(prefix), func(k int) bool { return prefix[k] >= target })
	}
	a.Starts[numRanks] = nLeaves
	for r := 0; r < numRanks; r++ {
		a.Counts[r] = prefix[a.Starts[r+1]] - prefix[a.Starts[r]]
	}
	return a
}

// NumRanks returns the number of ranks
func (a Assignment) NumRanks() int { return len(a.Counts) }

// LeafRange returns the leaves [start,end) owned by rank
func (a Assignment) LeafRange(rank int) (start, end int) {
	return a.Starts[rank], a.Starts[rank+1]
}

// Count returns the number of points owned by rank
func (a Assignment) Count(rank int) uint64 { return a.Counts[rank] }

// Rank returns the owner of leaf. Among ranks with empty ranges the last one
// ending at leaf is skipped, so the result owns leaf.
func (a Assignment) Rank(leaf int) int {
	// first rank whose range ends after leaf
	return sort.Search(a.NumRanks(), func(r int) bool { return a.Starts[r+1] > leaf })
}

// KeyRange returns the keys [lo,hi) owned by rank in tree
func (a Assignment) KeyRange(tree []sfc.Key, rank int) (lo, hi sfc.Key) {
	start, end := a.LeafRange(rank)
	return tree[start], tree[end]
}

// FindRank returns the owner of key in tree
func (a Assignment) FindRank(tree []sfc.Key, key sfc.Key) int {
	leaf := sort.Search(len(tree), func(i int) bool { return tree[i] > key }) - 1
	return a.Rank(leaf)
}

// Validate checks that the ranges are contiguous and cover nLeaves leaves
func (a Assignment) Validate(nLeaves int) error {
	if len(a.Starts) != a.NumRanks()+1 || a.NumRanks() == 0 {
		return fmt.Errorf("%w: %d boundaries for %d ranks", ErrInvalidAssignment, len(a.Starts), a.NumRanks())
	}
	if a.Starts[0] != 0 || a.Starts[a.NumRanks()] != nLeaves {
		return fmt.Errorf("%w: ranges [%d,%d) do not cover %d leaves",
			ErrInvalidAssignment, a.Starts[0], a.Starts[a.NumRanks()], nLeaves)
	}
	for r := 0; r < a.NumRanks(); r++ {
		if a.Starts[r+1] < a.Starts[r] {
			return fmt.Errorf("%w: rank %d range [%d,%d) is inverted",
				ErrInvalidAssignment, r, a.Starts[r], a.Starts[r+1])
		}
	}
	return nil
}

// Equal reports whether a and b assign every leaf identically
func (a Assignment) Equal(b Assignment) bool {
	if len(a.Starts) != len(b.Starts) {
		return false
	}
	for i := range a.Starts {
		if a.Starts[i] != b.Starts[i] {
			return false
		}
	}
	return true
}

// Stats summarizes the load balance of an assignment
type Stats struct {
	NumRanks  int
	MinPoints float64
	MaxPoints float64
	AvgPoints float64
	StdDev    float64
	Imbalance float64 // MaxPoints / AvgPoints
}

// Statistics computes load balance metrics over the per rank point counts
func (a Assignment) Statistics() Stats {
	counts := make([]float64, a.NumRanks())
	for r, c := range a.Counts {
		counts[r] = float64(c)
	}
	stats := Stats{
		NumRanks:  a.NumRanks(),
		MinPoints: floats.Min(counts),
		MaxPoints: floats.Max(counts),
		AvgPoints: stat.Mean(counts, nil),
		Imbalance: 1,
	}
	if len(counts) > 1 {
		stats.StdDev = stat.StdDev(counts, nil)
	}
	if stats.AvgPoints > 0 {
		stats.Imbalance = stats.MaxPoints / stats.AvgPoints
	}
	return stats
}

func (s Stats) String() string {
	return fmt.Sprintf("ranks %d, points per rank min %.0f max %.0f avg %.1f stddev %.1f, imbalance %.3f",
		s.NumRanks, s.MinPoints, s.MaxPoints, s.AvgPoints, s.StdDev, s.Imbalance)
}
