package focus

import (
	"github.com/notargets/sfcdomain/assignment"
	"github.com/notargets/sfcdomain/backend"
	"github.com/notargets/sfcdomain/octree"
	"github.com/notargets/sfcdomain/sfc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
	"math/rand"
	"testing"
)

type testSetup struct {
	box     sfc.Box
	keys    []sfc.Key
	x, y, z []float64
	tree    []sfc.Key
	counts  []uint32
}

func newSetup(t *testing.T, n int, box sfc.Box) *testSetup {
	t.Helper()
	r := rand.New(rand.NewSource(5))
	s := &testSetup{box: box}
	s.x, s.y, s.z = make([]float64, n), make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		s.x[i], s.y[i], s.z[i] = 0.25*r.NormFloat64(), 0.25*r.NormFloat64(), 0.25*r.NormFloat64()
	}
	host := backend.NewHost(2)
	s.keys = make([]sfc.Key, n)
	require.NoError(t, host.ComputeKeys(box, s.x, s.y, s.z, s.keys))
	require.NoError(t, backend.SortByKey(host, &s.keys, &s.x, &s.y, &s.z))
	s.tree, s.counts = octree.ComputeOctree(s.keys, 16, octree.DefaultMaxIterations)
	return s
}

func uniformRadii(tree []sfc.Key, r float64) []float64 {
	radii := make([]float64, octree.NumLeaves(tree))
	for i := range radii {
		radii[i] = r
	}
	return radii
}

func TestBuildKeepsOwnedAndNearLeaves(t *testing.T) {
	for _, periodic := range []bool{false, true} {
		box := sfc.NewCube(-1, 1).WithPeriodic(periodic, periodic, periodic)
		s := newSetup(t, 20000, box)
		const np = 4
		a := assignment.SfcSplit(s.counts, np)
		reach := sfc.RadiusToIntegers(0.05, box)
		params := Params{Theta: 0.5, BucketSizeFocus: 64}
		global, err := octree.BuildOctree(s.tree)
		require.NoError(t, err)

		for rank := 0; rank < np; rank++ {
			ft, err := Build(box, s.tree, s.counts, a, rank, uniformRadii(s.tree, 0.05), params)
			require.NoError(t, err)
			leaves := ft.Leaves()
			require.NoError(t, octree.Validate(leaves))

			// the owned range is kept at global resolution
			gFirst, gLast := a.LeafRange(rank)
			fFirst, fLast := ft.OwnedLeafRange()
			assert.Equal(t, s.tree[gFirst:gLast+1], leaves[fFirst:fLast+1])

			var total uint64
			for _, c := range ft.Counts() {
				total += uint64(c)
			}
			assert.Equal(t, uint64(len(s.keys)), total)

			// every global leaf within reach of an owned leaf is a focus leaf
			for i := gFirst; i < gLast; i++ {
				halo := sfc.NodeBox(s.tree[i], s.tree[i+1]-s.tree[i]).Expand(reach)
				global.FindCollisions(halo, box.Periodic, func(j int) {
					f := octree.LeafIndex(leaves, s.tree[j])
					require.Equal(t, s.tree[j], leaves[f])
					require.Equal(t, s.tree[j+1], leaves[f+1])
					require.True(t, ft.IsGlobalResolution(f))
				})
			}
			// far away parts of the tree are coarsened
			assert.Less(t, ft.NumLeaves(), octree.NumLeaves(s.tree))
		}
	}
}

func TestBuildWideLeafOnlyPinsItsSurroundings(t *testing.T) {
	box := sfc.NewCube(-1, 1)
	s := newSetup(t, 20000, box)
	const np = 4
	a := assignment.SfcSplit(s.counts, np)
	params := Params{Theta: 0.5, BucketSizeFocus: 64}
	global, err := octree.BuildOctree(s.tree)
	require.NoError(t, err)

	// one leaf at the far end of the curve has a wide radius
	const small, wide = 0.02, 0.6
	radii := uniformRadii(s.tree, small)
	_, last := a.LeafRange(np - 1)
	radii[last-1] = wide

	ft, err := Build(box, s.tree, s.counts, a, 0, radii, params)
	require.NoError(t, err)
	require.NoError(t, octree.Validate(ft.Leaves()))
	allWide, err := Build(box, s.tree, s.counts, a, 0, uniformRadii(s.tree, wide), params)
	require.NoError(t, err)
	assert.Less(t, ft.NumLeaves(), allWide.NumLeaves())

	// every leaf pair within the larger of both radii is still resolved
	gFirst, gLast := a.LeafRange(0)
	rInt := make([][3]int, len(radii))
	for i, r := range radii {
		rInt[i] = sfc.RadiusToIntegers(r, box)
	}
	leaves := ft.Leaves()
	for i := gFirst; i < gLast; i++ {
		bi := sfc.NodeBox(s.tree[i], s.tree[i+1]-s.tree[i])
		global.FindCollisions(bi.Expand(sfc.RadiusToIntegers(wide, box)), box.Periodic, func(j int) {
			bj := sfc.NodeBox(s.tree[j], s.tree[j+1]-s.tree[j])
			if !sfc.Overlap(bi.Expand(rInt[i]), bj, box.Periodic) && !sfc.Overlap(bj.Expand(rInt[j]), bi, box.Periodic) {
				return
			}
			f := octree.LeafIndex(leaves, s.tree[j])
			require.True(t, ft.IsGlobalResolution(f), "global leaf %d", j)
		})
	}
}

func TestBuildEmptyRank(t *testing.T) {
	box := sfc.NewCube(-1, 1)
	s := newSetup(t, 200, box)
	numRanks := octree.NumLeaves(s.tree) + 5
	a := assignment.SfcSplit(s.counts, numRanks)
	// find a rank without leaves
	empty := -1
	for r := 0; r < numRanks; r++ {
		if first, last := a.LeafRange(r); first == last {
			empty = r
			break
		}
	}
	require.GreaterOrEqual(t, empty, 0)
	ft, err := Build(box, s.tree, s.counts, a, empty, uniformRadii(s.tree, 0.1), Params{Theta: 0.5, BucketSizeFocus: 1})
	require.NoError(t, err)
	assert.Equal(t, octree.RootTree(), ft.Leaves())
	first, last := ft.OwnedLeafRange()
	assert.Equal(t, first, last)
}

func TestSetCenters(t *testing.T) {
	box := sfc.NewCube(-1, 1)
	s := newSetup(t, 5000, box)
	a := assignment.SfcSplit(s.counts, 2)
	host := backend.NewHost(2)
	sums, err := host.LeafCoordSums(s.tree, s.keys, s.x, s.y, s.z)
	require.NoError(t, err)

	var mean r3.Vec
	for i := range s.x {
		mean = r3.Add(mean, r3.Vec{X: s.x[i], Y: s.y[i], Z: s.z[i]})
	}
	mean = r3.Scale(1/float64(len(s.x)), mean)

	t.Run("mass", func(t *testing.T) {
		ft, err := Build(box, s.tree, s.counts, a, 0, uniformRadii(s.tree, 0.05),
			Params{Theta: 0.5, BucketSizeFocus: 64, CenterMode: MassCenter})
		require.NoError(t, err)
		assert.Nil(t, ft.Centers())
		require.NoError(t, ft.SetCenters(sums))
		require.Len(t, ft.Centers(), ft.Octree().NumNodes())
		root := ft.Centers()[0]
		assert.InDelta(t, mean.X, root.X, 1e-9)
		assert.InDelta(t, mean.Y, root.Y, 1e-9)
		assert.InDelta(t, mean.Z, root.Z, 1e-9)
		// every center of a non-empty node lies inside its cell
		for node, c := range ft.Centers() {
			n := ft.Octree().Nodes[node]
			lo, hi := box.CellExtent(n.Start, n.Range)
			const eps = 1e-12
			assert.True(t, c.X >= lo[0]-eps && c.X <= hi[0]+eps && c.Y >= lo[1]-eps && c.Y <= hi[1]+eps &&
				c.Z >= lo[2]-eps && c.Z <= hi[2]+eps, "node %d center outside cell", node)
		}
	})
	t.Run("geometric", func(t *testing.T) {
		ft, err := Build(box, s.tree, s.counts, a, 1, uniformRadii(s.tree, 0.05),
			Params{Theta: 0.5, BucketSizeFocus: 64, CenterMode: GeometricCenter})
		require.NoError(t, err)
		require.NoError(t, ft.SetCenters(sums))
		assert.Equal(t, r3.Vec{}, ft.Centers()[0])
		assert.Error(t, ft.SetCenters(sums[:8]))
	})
}

func TestParseCenterMode(t *testing.T) {
	m, err := ParseCenterMode("geometric")
	require.NoError(t, err)
	assert.Equal(t, GeometricCenter, m)
	m, err = ParseCenterMode("")
	require.NoError(t, err)
	assert.Equal(t, MassCenter, m)
	_, err = ParseCenterMode("bogus")
	assert.Error(t, err)
	assert.Equal(t, "mass", MassCenter.String())
}
