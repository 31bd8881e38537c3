package halos

import (
	"fmt"
	"github.com/notargets/sfcdomain/assignment"
	"github.com/notargets/sfcdomain/backend"
	"github.com/notargets/sfcdomain/focus"
	"github.com/notargets/sfcdomain/sfc"
	"sort"
)

// SearchFactor converts a smoothing length into the search radius of a point
const SearchFactor = 2.0

// LeafRadii returns the largest search radius of the local points in every
// global leaf. The result still has to be reduced with the maximum over all
// ranks.
func LeafRadii(acc backend.Accelerator, tree, sortedKeys []sfc.Key, h []float64) ([]float64, error) {
	maxH, err := acc.LeafMax(tree, sortedKeys, h)
	if err != nil {
		return nil, fmt.Errorf("leaf radii: %w", err)
	}
	for i := range maxH {
		maxH[i] *= SearchFactor
	}
	return maxH, nil
}

// Discover determines the halo leaves of rank on its focus tree. A non-owned
// leaf j is a halo of owned leaf i when the box of i grown by the radius of i
// overlaps j, or the box of j grown by the radius of j overlaps i. The
// predicate is symmetric, so every rank computes the leaves it must send
// with the same test and both sides agree without negotiation.
// globalRadii holds one radius per global leaf, reduced over all ranks.
func Discover(box sfc.Box, ft *focus.Tree, globalTree []sfc.Key, a assignment.Assignment,
	rank int, globalRadii []float64) (*Layout, error) {
	if len(globalRadii) != len(globalTree)-1 {
		return nil, fmt.Errorf("%w: %d radii for %d global leaves", ErrInvalidLayout, len(globalRadii), len(globalTree)-1)
	}
	leaves := ft.Leaves()
	nLeaves := ft.NumLeaves()
	o := ft.Octree()

	radius := make([][3]int, nLeaves)
	var reach [3]int
	for i := 0; i < nLeaves; i++ {
		start, end := ft.GlobalLeafRange(i)
		var r float64
		for g := start; g < end; g++ {
			r = max(r, globalRadii[g])
		}
		radius[i] = sfc.RadiusToIntegers(r, box)
		for d := 0; d < 3; d++ {
			reach[d] = max(reach[d], radius[i][d])
		}
	}
	nodeBox := func(i int) sfc.IBox {
		return sfc.NodeBox(leaves[i], leaves[i+1]-leaves[i])
	}

	ownedStart, ownedEnd := ft.OwnedLeafRange()
	incoming := make(map[int]bool)
	outgoing := make(map[int]map[int]bool) // rank -> owned leaves
	var failure error
	for i := ownedStart; i < ownedEnd; i++ {
		bi := nodeBox(i)
		o.FindCollisions(bi.Expand(reach), box.Periodic, func(j int) {
			if j >= ownedStart && j < ownedEnd {
				return
			}
			bj := nodeBox(j)
			if !sfc.Overlap(bi.Expand(radius[i]), bj, box.Periodic) &&
				!sfc.Overlap(bj.Expand(radius[j]), bi, box.Periodic) {
				return
			}
			if !ft.IsGlobalResolution(j) {
				if failure == nil {
					failure = fmt.Errorf("%w: rank %d halo leaf %d [%d,%d) is coarser than the global tree",
						ErrInvalidLayout, rank, j, leaves[j], leaves[j+1])
				}
				return
			}
			incoming[j] = true
			owner := a.FindRank(globalTree, leaves[j])
			if outgoing[owner] == nil {
				outgoing[owner] = make(map[int]bool)
			}
			outgoing[owner][i] = true
		})
	}
	if failure != nil {
		return nil, failure
	}
	return buildLayout(ft, globalTree, a, rank, incoming, outgoing), nil
}

func sortedSet(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// buildLayout assigns buffer offsets in key order: halos below the owned
// range, the owned leaves, then halos above
func buildLayout(ft *focus.Tree, globalTree []sfc.Key, a assignment.Assignment, rank int,
	incoming map[int]bool, outgoing map[int]map[int]bool) *Layout {
	leaves := ft.Leaves()
	counts := ft.Counts()
	ownedStart, ownedEnd := ft.OwnedLeafRange()

	l := &Layout{
		Rank:        rank,
		LeafOffsets: make([]int, ft.NumLeaves()),
		LeafCounts:  make([]int, ft.NumLeaves()),
	}
	for i := range l.LeafOffsets {
		l.LeafOffsets[i] = -1
	}
	offset := 0
	for i := 0; i < ft.NumLeaves(); i++ {
		if i == ownedStart {
			l.LayoutStart = offset
		}
		if incoming[i] || (i >= ownedStart && i < ownedEnd) {
			l.LeafOffsets[i] = offset
			l.LeafCounts[i] = int(counts[i])
			offset += int(counts[i])
		}
		if i+1 == ownedEnd {
			l.LayoutEnd = offset
		}
	}
	if ownedStart == ownedEnd {
		// no owned leaves: the owned zone is empty and sits between the halos
		l.LayoutStart = 0
		for _, j := range sortedSet(incoming) {
			if j < ownedStart {
				l.LayoutStart += int(counts[j])
			}
		}
		l.LayoutEnd = l.LayoutStart
	}
	l.BufferSize = offset

	byRank := make(map[int]map[int]bool)
	for j := range incoming {
		owner := a.FindRank(globalTree, leaves[j])
		if byRank[owner] == nil {
			byRank[owner] = make(map[int]bool)
		}
		byRank[owner][j] = true
	}
	l.Incoming = remoteRanges(l, leaves, byRank)
	l.Outgoing = remoteRanges(l, leaves, outgoing)
	return l
}

func remoteRanges(l *Layout, leaves []sfc.Key, byRank map[int]map[int]bool) []RemoteRange {
	ranks := make([]int, 0, len(byRank))
	for r := range byRank {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	out := make([]RemoteRange, 0, len(ranks))
	for _, r := range ranks {
		rr := RemoteRange{Rank: r, Leaves: sortedSet(byRank[r])}
		for _, leaf := range rr.Leaves {
			rr.Keys = append(rr.Keys, leaves[leaf])
			rr.Offsets = append(rr.Offsets, l.LeafOffsets[leaf])
			rr.Counts = append(rr.Counts, l.LeafCounts[leaf])
			rr.Count += l.LeafCounts[leaf]
		}
		out = append(out, rr)
	}
	return out
}
