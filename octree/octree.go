package octree

import (
	"fmt"
	"github.com/notargets/sfcdomain/sfc"
)

// Node is one node of the linked octree view
type Node struct {
	Start    sfc.Key
	Range    sfc.Key
	Level    int
	Parent   int
	Children [8]int // -1 for leaves
	Leaf     int    // index into the boundary list, -1 for internal nodes
}

// IsLeaf reports whether the node is a leaf of the boundary list
func (n *Node) IsLeaf() bool { return n.Leaf >= 0 }

// Octree is a fully linked view over a cornerstone boundary list. Nodes are
// stored in pre-order, so a parent always precedes its children.
type Octree struct {
	Leaves   []sfc.Key
	Nodes    []Node
	leafNode []int
}

// BuildOctree links the nodes of a valid boundary list
func BuildOctree(leaves []sfc.Key) (*Octree, error) {
	if err := Validate(leaves); err != nil {
		return nil, err
	}
	o := &Octree{
		Leaves:   leaves,
		leafNode: make([]int, NumLeaves(leaves)),
	}
	o.build(0, sfc.RootRange, 0, -1)
	return o, nil
}

func (o *Octree) build(start, r sfc.Key, level, parent int) int {
	idx := len(o.Nodes)
	o.Nodes = append(o.Nodes, Node{Start: start, Range: r, Level: level, Parent: parent, Leaf: -1})
	for k := range o.Nodes[idx].Children {
		o.Nodes[idx].Children[k] = -1
	}
	li := LeafIndex(o.Leaves, start)
	if o.Leaves[li] == start && o.Leaves[li+1] == start+r {
		o.Nodes[idx].Leaf = li
		o.leafNode[li] = idx
		return idx
	}
	cr := r / 8
	for k := 0; k < 8; k++ {
		child := o.build(start+sfc.Key(k)*cr, cr, level+1, idx)
		o.Nodes[idx].Children[k] = child
	}
	return idx
}

// NumNodes returns the number of internal and leaf nodes
func (o *Octree) NumNodes() int { return len(o.Nodes) }

// NumLeaves returns the number of leaves
func (o *Octree) NumLeaves() int { return len(o.leafNode) }

// LeafNode returns the node index of leaf i
func (o *Octree) LeafNode(i int) int {
	if i < 0 || i >= len(o.leafNode) {
		panic(fmt.Sprintf("leaf %d out of range [0,%d)", i, len(o.leafNode)))
	}
	return o.leafNode[i]
}

// NodeBox returns the integer key space box of node
func (o *Octree) NodeBox(node int) sfc.IBox {
	n := &o.Nodes[node]
	return sfc.NodeBox(n.Start, n.Range)
}

// FindCollisions calls fn for every leaf whose box overlaps target, in
// ascending leaf order. Periodic dimensions also match the images of target.
func (o *Octree) FindCollisions(target sfc.IBox, periodic [3]bool, fn func(leaf int)) {
	var descend func(node int)
	descend = func(node int) {
		if !sfc.Overlap(target, o.NodeBox(node), periodic) {
			return
		}
		n := &o.Nodes[node]
		if n.IsLeaf() {
			fn(n.Leaf)
			return
		}
		for _, c := range n.Children {
			descend(c)
		}
	}
	descend(0)
}

// Upsweep aggregates per leaf values to every node. combine adds the value
// of a child into its parent.
func Upsweep[T any](o *Octree, leafValues []T, combine func(parent *T, child T)) []T {
	if len(leafValues) != o.NumLeaves() {
		panic(fmt.Sprintf("%d leaf values for %d leaves", len(leafValues), o.NumLeaves()))
	}
	out := make([]T, len(o.Nodes))
	// reverse pre-order visits children before parents
	for node := len(o.Nodes) - 1; node >= 0; node-- {
		n := &o.Nodes[node]
		if n.IsLeaf() {
			out[node] = leafValues[n.Leaf]
			continue
		}
		for _, c := range n.Children {
			combine(&out[node], out[c])
		}
	}
	return out
}
