package sfc

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand"
	"sort"
	"testing"
)

func TestExpandCompactBits(t *testing.T) {
	assert.Equal(t, uint64(0), expandBits(0))
	assert.Equal(t, uint64(1), expandBits(1))
	assert.Equal(t, uint64(0b1001), expandBits(0b11))
	assert.Equal(t, uint64(0x1249249249249249), expandBits(MaxCoord-1))
	for _, v := range []uint64{0, 1, 2, 7, 12345, MaxCoord - 1} {
		assert.Equal(t, v, compactBits(expandBits(v)))
	}
}

func TestEncodeIntegers(t *testing.T) {
	// x is the most significant bit of each triplet
	assert.Equal(t, Key(4), EncodeIntegers(1, 0, 0))
	assert.Equal(t, Key(2), EncodeIntegers(0, 1, 0))
	assert.Equal(t, Key(1), EncodeIntegers(0, 0, 1))
	assert.Equal(t, RootRange-1, EncodeIntegers(MaxCoord-1, MaxCoord-1, MaxCoord-1))

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		ix, iy, iz := uint32(r.Intn(MaxCoord)), uint32(r.Intn(MaxCoord)), uint32(r.Intn(MaxCoord))
		jx, jy, jz := DecodeIntegers(EncodeIntegers(ix, iy, iz))
		require.Equal(t, [3]uint32{ix, iy, iz}, [3]uint32{jx, jy, jz})
	}
}

func TestNodeRangeAndLevel(t *testing.T) {
	assert.Equal(t, RootRange, NodeRange(0))
	assert.Equal(t, Key(1), NodeRange(MaxTreeLevel))
	for level := 0; level <= MaxTreeLevel; level++ {
		r := NodeRange(level)
		assert.True(t, IsPowerOf8(r))
		assert.Equal(t, level, TreeLevel(r))
	}
	assert.False(t, IsPowerOf8(0))
	assert.False(t, IsPowerOf8(2))
	assert.False(t, IsPowerOf8(16))
	assert.Panics(t, func() { NodeRange(MaxTreeLevel + 1) })
}

func TestOctalDigit(t *testing.T) {
	// key of the node at octant 5, then 3, then 7
	key := Key(5)*NodeRange(1) + Key(3)*NodeRange(2) + Key(7)*NodeRange(3)
	assert.Equal(t, 5, OctalDigit(key, 1))
	assert.Equal(t, 3, OctalDigit(key, 2))
	assert.Equal(t, 7, OctalDigit(key, 3))
	assert.Equal(t, 0, OctalDigit(key, 4))
	assert.Equal(t, Key(5)*NodeRange(1)+Key(3)*NodeRange(2), ParentStart(key, NodeRange(3)))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	boxes := []Box{
		NewCube(0, 1),
		NewCube(-1, 1),
		NewBox(-3, 5, 0, 0.01, 10, 1000),
	}
	r := rand.New(rand.NewSource(7))
	for _, box := range boxes {
		require.NoError(t, box.Validate())
		tol := [3]float64{box.Length(0) / MaxCoord, box.Length(1) / MaxCoord, box.Length(2) / MaxCoord}
		for i := 0; i < 2000; i++ {
			x := box.Lo[0] + r.Float64()*box.Length(0)
			y := box.Lo[1] + r.Float64()*box.Length(1)
			z := box.Lo[2] + r.Float64()*box.Length(2)
			dx, dy, dz := Decode(Encode(x, y, z, box), box)
			// decode gives the lower cell corner
			assert.True(t, x-dx >= -1e-12*box.Length(0) && x-dx <= tol[0]*(1+1e-9), "x %g %g", x, dx)
			assert.True(t, y-dy >= -1e-12*box.Length(1) && y-dy <= tol[1]*(1+1e-9), "y %g %g", y, dy)
			assert.True(t, z-dz >= -1e-12*box.Length(2) && z-dz <= tol[2]*(1+1e-9), "z %g %g", z, dz)
		}
	}
}

func TestEncodeClamps(t *testing.T) {
	box := NewCube(0, 1)
	assert.Equal(t, Key(0), Encode(-5, -5, -5, box))
	assert.Equal(t, RootRange-1, Encode(5, 5, 5, box))
	assert.Equal(t, RootRange-1, Encode(1, 1, 1, box))
	assert.Equal(t, Encode(0, 0.5, 0.5, box), Encode(-1, 0.5, 0.5, box))
}

func TestEncodeOrderFollowsOctants(t *testing.T) {
	// all points of a level 1 octant sort before the points of the next octant
	box := NewCube(0, 1)
	r := rand.New(rand.NewSource(1))
	type pt struct {
		key    Key
		octant int
	}
	pts := make([]pt, 500)
	for i := range pts {
		x, y, z := r.Float64(), r.Float64(), r.Float64()
		oct := 0
		if x >= 0.5 {
			oct |= 4
		}
		if y >= 0.5 {
			oct |= 2
		}
		if z >= 0.5 {
			oct |= 1
		}
		pts[i] = pt{Encode(x, y, z, box), oct}
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].key < pts[j].key })
	for i := 1; i < len(pts); i++ {
		assert.LessOrEqual(t, pts[i-1].octant, pts[i].octant)
		assert.Equal(t, pts[i].octant, OctalDigit(pts[i].key, 1))
	}
}
