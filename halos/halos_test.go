package halos

import (
	"context"
	"fmt"
	"github.com/notargets/sfcdomain/assignment"
	"github.com/notargets/sfcdomain/backend"
	"github.com/notargets/sfcdomain/comm"
	"github.com/notargets/sfcdomain/focus"
	"github.com/notargets/sfcdomain/octree"
	"github.com/notargets/sfcdomain/sfc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math"
	"math/rand"
	"slices"
	"testing"
	"time"
)

// scenario holds a global point set split among ranks the way a domain
// step leaves it after the global exchange
type scenario struct {
	box     sfc.Box
	np      int
	keys    []sfc.Key
	x, y, z []float64
	h, id   []float64
	tree    []sfc.Key
	counts  []uint32
	radii   []float64
	a       assignment.Assignment
	layouts []*Layout
	focus   []*focus.Tree
}

func newScenario(t *testing.T, np, n int, h float64, box sfc.Box) *scenario {
	t.Helper()
	r := rand.New(rand.NewSource(int64(np*n) + 1))
	s := &scenario{box: box, np: np}
	s.x, s.y, s.z = make([]float64, n), make([]float64, n), make([]float64, n)
	s.h, s.id = make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		s.x[i] = math.Mod(math.Abs(0.5+0.15*r.NormFloat64()), 1)
		s.y[i] = math.Mod(math.Abs(0.5+0.15*r.NormFloat64()), 1)
		s.z[i] = math.Mod(math.Abs(0.5+0.15*r.NormFloat64()), 1)
		s.h[i] = h * (0.5 + r.Float64())
		s.id[i] = float64(i)
	}
	host := backend.NewHost(2)
	s.keys = make([]sfc.Key, n)
	require.NoError(t, host.ComputeKeys(box, s.x, s.y, s.z, s.keys))
	require.NoError(t, backend.SortByKey(host, &s.keys, &s.x, &s.y, &s.z, &s.h, &s.id))
	s.tree, s.counts = octree.ComputeOctree(s.keys, 16, octree.DefaultMaxIterations)
	s.a = assignment.SfcSplit(s.counts, np)

	var err error
	s.radii, err = LeafRadii(host, s.tree, s.keys, s.h)
	require.NoError(t, err)
	for rank := 0; rank < np; rank++ {
		ft, err := focus.Build(box, s.tree, s.counts, s.a, rank, s.radii, focus.Params{Theta: 0.5, BucketSizeFocus: 64})
		require.NoError(t, err)
		l, err := Discover(box, ft, s.tree, s.a, rank, s.radii)
		require.NoError(t, err)
		require.NoError(t, l.Validate(), "rank %d", rank)
		s.focus = append(s.focus, ft)
		s.layouts = append(s.layouts, l)
	}
	return s
}

// owned returns the slice of a sorted global array owned by rank
func (s *scenario) owned(rank int, v []float64) []float64 {
	lo, hi := s.a.KeyRange(s.tree, rank)
	return v[octree.LowerBound(s.keys, lo):octree.LowerBound(s.keys, hi)]
}

func TestDiscoverSymmetric(t *testing.T) {
	for _, pbc := range []bool{false, true} {
		box := sfc.NewCube(0, 1).WithPeriodic(pbc, pbc, pbc)
		s := newScenario(t, 5, 5000, 0.01, box)
		require.NoError(t, ValidateSymmetry(s.layouts))

		for rank, l := range s.layouts {
			assert.Equal(t, int(s.a.Count(rank)), l.NumOwned())
			assert.Equal(t, len(s.owned(rank, s.x)), l.NumOwned())
			assert.True(t, l.RequiresCommunication())
		}
	}
}

func TestValidateSymmetryDetectsMismatch(t *testing.T) {
	s := newScenario(t, 3, 2000, 0.01, sfc.NewCube(0, 1))
	require.NotEmpty(t, s.layouts[0].Outgoing)
	broken := *s.layouts[0]
	broken.Outgoing = slices.Clone(broken.Outgoing)
	rr := broken.Outgoing[0]
	rr.Counts = slices.Clone(rr.Counts)
	rr.Counts[0]++
	broken.Outgoing[0] = rr
	layouts := []*Layout{&broken, s.layouts[1], s.layouts[2]}
	assert.ErrorIs(t, ValidateSymmetry(layouts), ErrInvalidLayout)

	missing := *s.layouts[0]
	missing.Outgoing = nil
	assert.ErrorIs(t, ValidateSymmetry([]*Layout{&missing, s.layouts[1], s.layouts[2]}), ErrInvalidLayout)
}

func TestLayoutValidate(t *testing.T) {
	l := &Layout{Rank: 0, LayoutStart: 2, LayoutEnd: 5, BufferSize: 6,
		Incoming: []RemoteRange{
			{Rank: 1, Leaves: []int{0}, Offsets: []int{0}, Counts: []int{2}, Count: 2},
			{Rank: 2, Leaves: []int{9}, Offsets: []int{5}, Counts: []int{1}, Count: 1},
		},
	}
	require.NoError(t, l.Validate())
	assert.Equal(t, 3, l.NumHalos())
	assert.Equal(t, 2, l.NumIncomingLeaves())

	l.Incoming[1].Offsets[0] = 4
	assert.ErrorIs(t, l.Validate(), ErrInvalidLayout)
	l.Incoming[1].Offsets[0] = 5
	l.BufferSize = 7
	assert.ErrorIs(t, l.Validate(), ErrInvalidLayout)
}

func TestExchangeFillsHalos(t *testing.T) {
	for _, pbc := range []bool{false, true} {
		t.Run(fmt.Sprintf("pbc=%v", pbc), func(t *testing.T) {
			box := sfc.NewCube(0, 1).WithPeriodic(pbc, pbc, pbc)
			s := newScenario(t, 4, 4000, 0.02, box)
			err := comm.Run(context.Background(), s.np, 5*time.Second, func(ctx context.Context, c comm.Comm) error {
				return checkRank(ctx, c, s)
			})
			require.NoError(t, err)
		})
	}
}

func checkRank(ctx context.Context, c comm.Comm, s *scenario) error {
	me := c.Rank()
	l := s.layouts[me]
	if err := CheckSymmetry(ctx, c, 1, l); err != nil {
		return err
	}
	x, _ := RelayoutGrow(l, s.owned(me, s.x), 1)
	y, _ := RelayoutGrow(l, s.owned(me, s.y), 1)
	z, _ := RelayoutGrow(l, s.owned(me, s.z), 1)
	id, err := RelayoutGrow(l, s.owned(me, s.id), 1)
	if err != nil {
		return err
	}
	if err = Exchange(ctx, c, 10, l, x, y, z, id); err != nil {
		return err
	}
	keys := make([]sfc.Key, l.BufferSize)
	for i := range keys {
		keys[i] = sfc.Encode(x[i], y[i], z[i], s.box)
	}
	if !slices.IsSorted(keys) {
		return fmt.Errorf("rank %d buffer is not key sorted", me)
	}

	present := make(map[int]bool, len(id))
	for _, v := range id {
		present[int(v)] = true
	}
	// every neighbor of an owned point within its search radius is present
	for p := l.LayoutStart; p < l.LayoutEnd; p++ {
		gp := int(id[p])
		r := SearchFactor * s.h[slices.Index(s.id, id[p])]
		for q := range s.x {
			if present[int(s.id[q])] {
				continue
			}
			if distInf(s.box, x[p], y[p], z[p], s.x[q], s.y[q], s.z[q]) <= r {
				return fmt.Errorf("rank %d: point %d misses neighbor %d", me, gp, int(s.id[q]))
			}
		}
	}
	return nil
}

func distInf(box sfc.Box, x1, y1, z1, x2, y2, z2 float64) float64 {
	d := [3]float64{math.Abs(x1 - x2), math.Abs(y1 - y2), math.Abs(z1 - z2)}
	m := 0.0
	for k := 0; k < 3; k++ {
		if box.Periodic[k] {
			d[k] = math.Min(d[k], box.Length(k)-d[k])
		}
		m = max(m, d[k])
	}
	return m
}

func TestEmptyRankLayout(t *testing.T) {
	box := sfc.NewCube(0, 1)
	s := newScenario(t, 3, 30, 0.05, box)
	// many more ranks than leaves
	np := octree.NumLeaves(s.tree) + 3
	a := assignment.SfcSplit(s.counts, np)
	var layouts []*Layout
	for rank := 0; rank < np; rank++ {
		ft, err := focus.Build(box, s.tree, s.counts, a, rank, s.radii, focus.Params{Theta: 0.5, BucketSizeFocus: 8})
		require.NoError(t, err)
		l, err := Discover(box, ft, s.tree, a, rank, s.radii)
		require.NoError(t, err)
		require.NoError(t, l.Validate())
		if first, last := a.LeafRange(rank); first == last {
			assert.Equal(t, 0, l.BufferSize)
			assert.False(t, l.RequiresCommunication())
		}
		layouts = append(layouts, l)
	}
	assert.NoError(t, ValidateSymmetry(layouts))
}

func TestRelayoutGrow(t *testing.T) {
	l := &Layout{LayoutStart: 1, LayoutEnd: 3, BufferSize: 4}
	buf, err := RelayoutGrow(l, []float64{7, 8}, 1.5)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 7, 8, 0}, buf)
	assert.Equal(t, 6, cap(buf))

	_, err = RelayoutGrow(l, []float64{1}, 1)
	assert.ErrorIs(t, err, ErrInvalidLayout)

	assert.Equal(t, 10, Capacity(10, 0.5))
	assert.Equal(t, 11, Capacity(10, 1.05))
}
