package focus

import (
	"fmt"
	"github.com/notargets/sfcdomain/assignment"
	"github.com/notargets/sfcdomain/octree"
	"github.com/notargets/sfcdomain/sfc"
	"gonum.org/v1/gonum/spatial/r3"
	"math"
)

// CenterMode selects how expansion centers are placed
type CenterMode int

const (
	// MassCenter places a node center at the centroid of its points
	MassCenter CenterMode = iota
	// GeometricCenter places a node center at the middle of its cell
	GeometricCenter
)

func (m CenterMode) String() string {
	switch m {
	case MassCenter:
		return "mass"
	case GeometricCenter:
		return "geometric"
	}
	return fmt.Sprintf("CenterMode(%d)", int(m))
}

// ParseCenterMode converts "mass" or "geometric"
func ParseCenterMode(s string) (CenterMode, error) {
	switch s {
	case "", "mass":
		return MassCenter, nil
	case "geometric":
		return GeometricCenter, nil
	}
	return 0, fmt.Errorf("unknown center mode %q", s)
}

// Params controls the coarsening of the focus tree
type Params struct {
	Theta           float64
	BucketSizeFocus uint32
	CenterMode      CenterMode
}

// Tree is a rank's focused view of the global tree. It keeps the global
// leaves in the owned key range and within reach of it, and merges sibling
// groups further away that are small or distant enough.
type Tree struct {
	Box    sfc.Box
	Params Params

	leaves      []sfc.Key
	counts      []uint32
	globalFirst []int // global leaf range of focus leaf i is [globalFirst[i], globalFirst[i+1])
	octree      *octree.Octree
	centers     []r3.Vec
	ownedStart  int
	ownedEnd    int
}

type region struct {
	lo, hi     sfc.Key
	empty      bool
	boxLo      [3]float64
	boxHi      [3]float64
	tree       []sfc.Key
	global     *octree.Octree
	ownedFirst int
	ownedLast  int

	radius     [][3]int // per global leaf
	nodeRadius map[nodeID][3]int
	ownedReach [3]int
}

type nodeID struct{ start, r sfc.Key }

func maxReach(a, b [3]int) [3]int {
	for d := 0; d < 3; d++ {
		a[d] = max(a[d], b[d])
	}
	return a
}

// reachOf returns the largest radius of the global leaves inside node
// [start, start+r)
func (rg *region) reachOf(start, r sfc.Key) [3]int {
	if rad, ok := rg.nodeRadius[nodeID{start, r}]; ok {
		return rad
	}
	var rad [3]int
	first, last := octree.LowerBound(rg.tree, start), octree.LowerBound(rg.tree, start+r)
	for i := first; i < last; i++ {
		rad = maxReach(rad, rg.radius[i])
	}
	return rad
}

// near reports whether node box nb, with radius r, and an owned global leaf
// i are within max(r, radius of i) of each other
func (rg *region) near(nb sfc.IBox, r [3]int, periodic [3]bool) bool {
	if rg.empty {
		return false
	}
	found := false
	rg.global.FindCollisions(nb.Expand(maxReach(r, rg.ownedReach)), periodic, func(leaf int) {
		if found || leaf < rg.ownedFirst || leaf >= rg.ownedLast {
			return
		}
		lb := sfc.NodeBox(rg.tree[leaf], rg.tree[leaf+1]-rg.tree[leaf])
		found = sfc.Overlap(nb.Expand(maxReach(r, rg.radius[leaf])), lb, periodic)
	})
	return found
}

// Build derives the focus tree of rank from the global tree. radii holds
// the search radius of every global leaf. A node stays at global resolution
// while it is within the larger of its own radius and the radius of an owned
// leaf, so a single wide leaf only pins the region around itself.
func Build(box sfc.Box, globalTree []sfc.Key, globalCounts []uint32, a assignment.Assignment,
	rank int, radii []float64, params Params) (*Tree, error) {
	nLeaves := octree.NumLeaves(globalTree)
	if len(globalCounts) != nLeaves {
		return nil, fmt.Errorf("focus tree: %d counts for %d leaves", len(globalCounts), nLeaves)
	}
	if len(radii) != nLeaves {
		return nil, fmt.Errorf("focus tree: %d radii for %d leaves", len(radii), nLeaves)
	}
	global, err := octree.BuildOctree(globalTree)
	if err != nil {
		return nil, fmt.Errorf("focus tree: %w", err)
	}
	first, last := a.LeafRange(rank)
	rg := &region{
		tree:       globalTree,
		global:     global,
		ownedFirst: first,
		ownedLast:  last,
		empty:      first == last,
		radius:     make([][3]int, nLeaves),
		nodeRadius: make(map[nodeID][3]int, global.NumNodes()),
	}
	for i, r := range radii {
		rg.radius[i] = sfc.RadiusToIntegers(r, box)
	}
	for i := first; i < last; i++ {
		rg.ownedReach = maxReach(rg.ownedReach, rg.radius[i])
	}
	nodeRadii := octree.Upsweep(global, rg.radius, func(parent *[3]int, child [3]int) {
		*parent = maxReach(*parent, child)
	})
	for node, n := range global.Nodes {
		rg.nodeRadius[nodeID{n.Start, n.Range}] = nodeRadii[node]
	}
	rg.lo, rg.hi = globalTree[first], globalTree[last]
	if !rg.empty {
		rg.boxLo = [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
		rg.boxHi = [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
		for i := first; i < last; i++ {
			lo, hi := box.CellExtent(globalTree[i], globalTree[i+1]-globalTree[i])
			for d := 0; d < 3; d++ {
				rg.boxLo[d] = math.Min(rg.boxLo[d], lo[d])
				rg.boxHi[d] = math.Max(rg.boxHi[d], hi[d])
			}
		}
	}

	leaves := globalTree
	counts := globalCounts
	for {
		ops, merged := mergeDecision(box, leaves, counts, rg, params)
		if !merged {
			break
		}
		newLeaves := octree.Rebalance(leaves, ops)
		newCounts := make([]uint32, 0, octree.NumLeaves(newLeaves))
		for i, op := range ops {
			if op == octree.OpMerge {
				newCounts[len(newCounts)-1] += counts[i]
				continue
			}
			newCounts = append(newCounts, counts[i])
		}
		leaves, counts = newLeaves, newCounts
	}

	ft := &Tree{
		Box:    box,
		Params: params,
		leaves: leaves,
		counts: counts,
	}
	ft.globalFirst = make([]int, len(leaves))
	for i, k := range leaves {
		ft.globalFirst[i] = octree.LowerBound(globalTree, k)
	}
	if ft.octree, err = octree.BuildOctree(leaves); err != nil {
		return nil, fmt.Errorf("focus tree: %w", err)
	}
	ft.ownedStart = octree.LowerBound(leaves, rg.lo)
	ft.ownedEnd = octree.LowerBound(leaves, rg.hi)
	if rg.empty {
		ft.ownedEnd = ft.ownedStart
	}
	return ft, nil
}

// mergeDecision marks the sibling groups that collapse into their parent in
// the next pass
func mergeDecision(box sfc.Box, leaves []sfc.Key, counts []uint32, rg *region,
	params Params) (ops []int, merged bool) {
	o, err := octree.BuildOctree(leaves)
	if err != nil {
		panic(fmt.Sprintf("focus tree became invalid: %v", err))
	}
	ops = make([]int, octree.NumLeaves(leaves))
	for i := range ops {
		ops[i] = octree.OpKeep
	}
	for node := range o.Nodes {
		n := &o.Nodes[node]
		if n.IsLeaf() || !allLeaves(o, n) {
			continue
		}
		firstLeaf := o.Nodes[n.Children[0]].Leaf
		if !mergeable(box, n, counts[firstLeaf:firstLeaf+8], rg, params) {
			continue
		}
		for k := 1; k < 8; k++ {
			ops[firstLeaf+k] = octree.OpMerge
		}
		merged = true
	}
	return
}

func allLeaves(o *octree.Octree, n *octree.Node) bool {
	for _, c := range n.Children {
		if !o.Nodes[c].IsLeaf() {
			return false
		}
	}
	return true
}

func mergeable(box sfc.Box, n *octree.Node, childCounts []uint32, rg *region, params Params) bool {
	end := n.Start + n.Range
	if !rg.empty && end > rg.lo && n.Start < rg.hi {
		return false
	}
	if rg.near(sfc.NodeBox(n.Start, n.Range), rg.reachOf(n.Start, n.Range), box.Periodic) {
		return false
	}
	var count uint64
	for _, c := range childCounts {
		count += uint64(c)
	}
	if count <= uint64(params.BucketSizeFocus) {
		return true
	}
	if rg.empty {
		return true
	}
	lo, hi := box.CellExtent(n.Start, n.Range)
	size := math.Max(hi[0]-lo[0], math.Max(hi[1]-lo[1], hi[2]-lo[2]))
	dist := box.MinDistance(lo, hi, rg.boxLo, rg.boxHi)
	return dist > 0 && size < params.Theta*dist
}

// Leaves returns the focus boundary list
func (ft *Tree) Leaves() []sfc.Key { return ft.leaves }

// Counts returns the global point count of every focus leaf
func (ft *Tree) Counts() []uint32 { return ft.counts }

// NumLeaves returns the number of focus leaves
func (ft *Tree) NumLeaves() int { return len(ft.counts) }

// Octree returns the linked view of the focus leaves
func (ft *Tree) Octree() *octree.Octree { return ft.octree }

// OwnedLeafRange returns the focus leaves [start,end) inside the owned key range
func (ft *Tree) OwnedLeafRange() (start, end int) { return ft.ownedStart, ft.ownedEnd }

// GlobalLeafRange returns the global leaves covered by focus leaf i
func (ft *Tree) GlobalLeafRange(i int) (start, end int) {
	return ft.globalFirst[i], ft.globalFirst[i+1]
}

// IsGlobalResolution reports whether focus leaf i is a single global leaf
func (ft *Tree) IsGlobalResolution(i int) bool {
	start, end := ft.GlobalLeafRange(i)
	return end-start == 1
}

// Centers returns the expansion center of every octree node, indexed like
// Octree().Nodes. Nil until SetCenters has been called.
func (ft *Tree) Centers() []r3.Vec { return ft.centers }
