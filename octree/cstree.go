package octree

import (
	"errors"
	"fmt"
	"github.com/notargets/sfcdomain/sfc"
	"sort"
)

// ErrInvalidTree marks a boundary list that violates the cornerstone invariants
var ErrInvalidTree = errors.New("invalid octree boundary list")

// DefaultMaxIterations bounds the rebalance loop of ComputeOctree and UpdateGlobal
const DefaultMaxIterations = 50

// Node operations produced by RebalanceDecision. Values above OpKeep are the
// number of children the node is split into.
const (
	OpMerge = 0
	OpKeep  = 1
)

// RootTree returns the boundary list of a tree consisting of the root only
func RootTree() []sfc.Key {
	return []sfc.Key{0, sfc.RootRange}
}

// NumLeaves returns the number of leaves of a boundary list
func NumLeaves(tree []sfc.Key) int {
	return len(tree) - 1
}

// lowerBound returns the first index i with keys[i] >= k
func lowerBound(keys []sfc.Key, k sfc.Key) int {
	return sort.Search(len(keys), func(i int) bool { return keys[i] >= k })
}

// LowerBound returns the first index i with keys[i] >= k
func LowerBound(keys []sfc.Key, k sfc.Key) int {
	return lowerBound(keys, k)
}

// ComputeNodeCounts counts the sorted keys falling into each leaf of tree
func ComputeNodeCounts(tree []sfc.Key, sortedKeys []sfc.Key) []uint32 {
	counts := make([]uint32, NumLeaves(tree))
	for i := range counts {
		counts[i] = uint32(lowerBound(sortedKeys, tree[i+1]) - lowerBound(sortedKeys, tree[i]))
	}
	return counts
}

// siblingAndLevel returns the octant of leaf i within its parent and its
// level. The octant is -1 if the 8 siblings of leaf i are not all leaves.
func siblingAndLevel(tree []sfc.Key, i int) (siblingIdx, level int) {
	start := tree[i]
	level = sfc.TreeLevel(tree[i+1] - start)
	if level == 0 {
		return -1, level
	}
	siblingIdx = sfc.OctalDigit(start, level)
	first := i - siblingIdx
	if first < 0 || first+8 >= len(tree) {
		return -1, level
	}
	parent := sfc.ParentStart(start, tree[i+1]-start)
	if tree[first] != parent || tree[first+8] != parent+sfc.NodeRange(level-1) {
		return -1, level
	}
	return siblingIdx, level
}

// nodeOp decides what happens to leaf i in the next rebalance pass
func nodeOp(tree []sfc.Key, counts []uint32, i int, bucketSize uint32) int {
	siblingIdx, level := siblingAndLevel(tree, i)
	if siblingIdx > 0 {
		first := i - siblingIdx
		var parentCount uint64
		for k := first; k < first+8; k++ {
			parentCount += uint64(counts[k])
		}
		if parentCount <= uint64(bucketSize) {
			return OpMerge
		}
	}
	count := uint64(counts[i])
	b := uint64(bucketSize)
	switch {
	case count > b*512 && level+3 <= sfc.MaxTreeLevel:
		return 512
	case count > b*64 && level+2 <= sfc.MaxTreeLevel:
		return 64
	case count > b && level+1 <= sfc.MaxTreeLevel:
		return 8
	}
	return OpKeep
}

// RebalanceDecision computes one operation per leaf: OpMerge removes the leaf
// (sibling 0 of a mergeable group keeps its start key and becomes the
// parent), OpKeep keeps it and 8, 64 or 512 split it. converged is true when
// every operation is OpKeep.
func RebalanceDecision(tree []sfc.Key, counts []uint32, bucketSize uint32) (ops []int, converged bool) {
	n := NumLeaves(tree)
	ops = make([]int, n)
	converged = true
	for i := 0; i < n; i++ {
		ops[i] = nodeOp(tree, counts, i, bucketSize)
		if ops[i] != OpKeep {
			converged = false
		}
	}
	return
}

// Rebalance applies ops to tree and returns the new boundary list
func Rebalance(tree []sfc.Key, ops []int) []sfc.Key {
	n := NumLeaves(tree)
	// exclusive scan of the ops gives the output position of every leaf
	offsets := make([]int, n+1)
	for i := 0; i < n; i++ {
		offsets[i+1] = offsets[i] + ops[i]
	}
	newTree := make([]sfc.Key, offsets[n]+1)
	for i := 0; i < n; i++ {
		op := ops[i]
		if op == OpMerge {
			continue
		}
		start := tree[i]
		pos := offsets[i]
		if op == OpKeep {
			newTree[pos] = start
			continue
		}
		r := tree[i+1] - start
		step := r / sfc.Key(op)
		for k := 0; k < op; k++ {
			newTree[pos+k] = start + sfc.Key(k)*step
		}
	}
	newTree[offsets[n]] = tree[n]
	return newTree
}

// UpdateOctree performs one rebalance pass. It returns the new tree and
// whether the input was already converged, in which case tree is returned as is.
func UpdateOctree(tree []sfc.Key, counts []uint32, bucketSize uint32) ([]sfc.Key, bool) {
	ops, converged := RebalanceDecision(tree, counts, bucketSize)
	if converged {
		return tree, true
	}
	return Rebalance(tree, ops), false
}

// ComputeOctree builds a tree for sortedKeys from the root, rebalancing until
// converged or maxIterations passes have been made
func ComputeOctree(sortedKeys []sfc.Key, bucketSize uint32, maxIterations int) ([]sfc.Key, []uint32) {
	return UpdateUntilConverged(RootTree(), sortedKeys, bucketSize, maxIterations)
}

// UpdateUntilConverged rebalances tree starting from a previous boundary
// list. Most leaves are stable between steps, so this converges in a few passes.
func UpdateUntilConverged(tree []sfc.Key, sortedKeys []sfc.Key, bucketSize uint32,
	maxIterations int) ([]sfc.Key, []uint32) {
	counts := ComputeNodeCounts(tree, sortedKeys)
	for it := 0; it < maxIterations; it++ {
		var converged bool
		if tree, converged = UpdateOctree(tree, counts, bucketSize); converged {
			break
		}
		counts = ComputeNodeCounts(tree, sortedKeys)
	}
	return tree, counts
}

// Validate checks the cornerstone invariants: strictly increasing boundaries
// from 0 to the root range, every leaf an aligned octree node
func Validate(tree []sfc.Key) error {
	if len(tree) < 2 {
		return fmt.Errorf("%w: %d boundaries", ErrInvalidTree, len(tree))
	}
	if tree[0] != 0 || tree[len(tree)-1] != sfc.RootRange {
		return fmt.Errorf("%w: range [%d,%d) does not cover the key space",
			ErrInvalidTree, tree[0], tree[len(tree)-1])
	}
	for i := 0; i < NumLeaves(tree); i++ {
		if tree[i+1] <= tree[i] {
			return fmt.Errorf("%w: boundary %d not increasing (%d >= %d)",
				ErrInvalidTree, i, tree[i], tree[i+1])
		}
		if !sfc.IsAligned(tree[i], tree[i+1]-tree[i]) {
			return fmt.Errorf("%w: leaf %d [%d,%d) is not an octree node",
				ErrInvalidTree, i, tree[i], tree[i+1])
		}
	}
	return nil
}

// IsUnsplittable reports whether leaf i is at the deepest representable level
func IsUnsplittable(tree []sfc.Key, i int) bool {
	return tree[i+1]-tree[i] == 1
}

// OverfullLeaves returns the leaves holding more than bucketSize points. On a
// converged tree every returned leaf is unsplittable: its points share one
// key and the tree tolerates the excess.
func OverfullLeaves(tree []sfc.Key, counts []uint32, bucketSize uint32) []int {
	var out []int
	for i, c := range counts {
		if c > bucketSize {
			out = append(out, i)
		}
	}
	return out
}

// MakeUniformNLevelTree returns a tree with nLeaves leaves of equal size.
// nLeaves must be a power of 8.
func MakeUniformNLevelTree(nLeaves int) []sfc.Key {
	r := sfc.RootRange / sfc.Key(nLeaves)
	if !sfc.IsPowerOf8(r) || r*sfc.Key(nLeaves) != sfc.RootRange {
		panic(fmt.Sprintf("%d leaves do not form a uniform octree level", nLeaves))
	}
	tree := make([]sfc.Key, nLeaves+1)
	for i := range tree {
		tree[i] = sfc.Key(i) * r
	}
	return tree
}

// LeafIndex returns the leaf containing key
func LeafIndex(tree []sfc.Key, key sfc.Key) int {
	// first boundary strictly greater than key, minus one
	return sort.Search(len(tree), func(i int) bool { return tree[i] > key }) - 1
}
