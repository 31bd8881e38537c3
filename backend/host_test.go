package backend

import (
	"github.com/notargets/sfcdomain/octree"
	"github.com/notargets/sfcdomain/sfc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand"
	"slices"
	"testing"
)

func randomPoints(n int, seed int64) (x, y, z, h []float64) {
	r := rand.New(rand.NewSource(seed))
	x, y, z, h = make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		x[i], y[i], z[i] = r.Float64(), r.Float64(), r.Float64()
		h[i] = 0.01 * r.Float64()
	}
	return
}

func TestHostComputeKeys(t *testing.T) {
	host := NewHost(4)
	box := sfc.NewCube(0, 1)
	x, y, z, _ := randomPoints(1000, 1)
	keys := make([]sfc.Key, len(x))
	require.NoError(t, host.ComputeKeys(box, x, y, z, keys))
	for i := range keys {
		assert.Equal(t, sfc.Encode(x[i], y[i], z[i], box), keys[i])
	}
	assert.Error(t, host.ComputeKeys(box, x, y[:10], z, keys))
	require.NoError(t, host.ComputeKeys(box, nil, nil, nil, nil))
}

func TestHostLeafLoops(t *testing.T) {
	host := NewHost(3)
	box := sfc.NewCube(0, 1)
	x, y, z, h := randomPoints(2000, 2)
	keys := make([]sfc.Key, len(x))
	require.NoError(t, host.ComputeKeys(box, x, y, z, keys))
	require.NoError(t, SortByKey(host, &keys, &x, &y, &z, &h))
	require.True(t, slices.IsSorted(keys))

	tree, refCounts := octree.ComputeOctree(keys, 16, octree.DefaultMaxIterations)
	counts, err := host.NodeCounts(tree, keys)
	require.NoError(t, err)
	assert.Equal(t, refCounts, counts)

	maxH, err := host.LeafMax(tree, keys, h)
	require.NoError(t, err)
	sums, err := host.LeafCoordSums(tree, keys, x, y, z)
	require.NoError(t, err)
	for i := 0; i < octree.NumLeaves(tree); i++ {
		lo := octree.LowerBound(keys, tree[i])
		hi := octree.LowerBound(keys, tree[i+1])
		var m, sx float64
		for k := lo; k < hi; k++ {
			m = max(m, h[k])
			sx += x[k]
		}
		assert.Equal(t, m, maxH[i])
		assert.Equal(t, sx, sums[4*i])
		assert.Equal(t, float64(hi-lo), sums[4*i+3])
	}
}

func TestStableArgsort(t *testing.T) {
	keys := []sfc.Key{5, 1, 5, 0, 1}
	assert.Equal(t, []int{3, 1, 4, 0, 2}, StableArgsort(keys))
	assert.Empty(t, StableArgsort(nil))
}

func TestSortByKey(t *testing.T) {
	host := NewHost(2)
	keys := []sfc.Key{3, 1, 2}
	a := []float64{30, 10, 20}
	require.NoError(t, SortByKey(host, &keys, &a))
	assert.Equal(t, []sfc.Key{1, 2, 3}, keys)
	assert.Equal(t, []float64{10, 20, 30}, a)

	short := []float64{1}
	assert.Error(t, SortByKey(host, &keys, &short))
}
