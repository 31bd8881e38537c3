package sfc

import (
	"fmt"
	"math"
	"math/bits"
)

// Key is a 63 bit Morton (Z-order) key with 21 bits per dimension. Within
// each bit triplet x is the most significant bit, so ascending keys visit the
// octree cells in a single depth first traversal.
type Key uint64

const (
	// MaxTreeLevel is the deepest octree level representable with a Key
	MaxTreeLevel = 21
	// MaxCoord is the number of integer cells per dimension at MaxTreeLevel
	MaxCoord = 1 << MaxTreeLevel
	// RootRange is the key range of the whole tree, one past the largest key
	RootRange Key = 1 << (3 * MaxTreeLevel)
)

// NodeRange returns the number of keys covered by one node at level
func NodeRange(level int) Key {
	if level < 0 || level > MaxTreeLevel {
		panic(fmt.Sprintf("level %d out of range [0,%d]", level, MaxTreeLevel))
	}
	return Key(1) << (3 * (MaxTreeLevel - level))
}

// IsPowerOf8 reports whether r is a valid octree node range
func IsPowerOf8(r Key) bool {
	if r == 0 || r&(r-1) != 0 {
		return false
	}
	return bits.TrailingZeros64(uint64(r))%3 == 0
}

// TreeLevel returns the level of a node with key range r. r must be a power of 8.
func TreeLevel(r Key) int {
	return MaxTreeLevel - bits.TrailingZeros64(uint64(r))/3
}

// OctalDigit returns the octant index of key at the given level, level in [1, MaxTreeLevel]
func OctalDigit(key Key, level int) int {
	return int((key >> (3 * (MaxTreeLevel - level))) & 7)
}

// IsAligned reports whether start is a valid starting key for a node of range r
func IsAligned(start, r Key) bool {
	return IsPowerOf8(r) && start%r == 0
}

// ParentStart returns the first key of the parent of the node [start, start+r)
func ParentStart(start, r Key) Key {
	pr := r << 3
	return start - start%pr
}

// expandBits spreads the lower 21 bits of v so that two zeros separate each bit
func expandBits(v uint64) uint64 {
	v &= 0x1fffff
	v = (v | v<<32) & 0x1f00000000ffff
	v = (v | v<<16) & 0x1f0000ff0000ff
	v = (v | v<<8) & 0x100f00f00f00f00f
	v = (v | v<<4) & 0x10c30c30c30c30c3
	v = (v | v<<2) & 0x1249249249249249
	return v
}

// compactBits is the inverse of expandBits
func compactBits(v uint64) uint64 {
	v &= 0x1249249249249249
	v = (v ^ (v >> 2)) & 0x10c30c30c30c30c3
	v = (v ^ (v >> 4)) & 0x100f00f00f00f00f
	v = (v ^ (v >> 8)) & 0x1f0000ff0000ff
	v = (v ^ (v >> 16)) & 0x1f00000000ffff
	v = (v ^ (v >> 32)) & 0x1fffff
	return v
}

// EncodeIntegers interleaves integer cell coordinates in [0, MaxCoord)
func EncodeIntegers(ix, iy, iz uint32) Key {
	return Key(expandBits(uint64(ix))<<2 | expandBits(uint64(iy))<<1 | expandBits(uint64(iz)))
}

// DecodeIntegers returns the integer cell coordinates of key
func DecodeIntegers(key Key) (ix, iy, iz uint32) {
	k := uint64(key)
	ix = uint32(compactBits(k >> 2))
	iy = uint32(compactBits(k >> 1))
	iz = uint32(compactBits(k))
	return
}

// toInteger maps a coordinate to its cell index, clamping to the box.
// The arithmetic is mirrored exactly by the accelerator kernels.
func toInteger(v, lo, invLength float64) uint32 {
	u := (v - lo) * invLength
	if !(u > 0) {
		return 0
	}
	s := math.Floor(u * float64(MaxCoord))
	if s >= float64(MaxCoord-1) {
		return MaxCoord - 1
	}
	return uint32(s)
}

// Encode returns the key of the finest cell containing (x,y,z). Coordinates
// outside the box are clamped. box must have passed Validate.
func Encode(x, y, z float64, box Box) Key {
	inv := box.InvLengths()
	return EncodeIntegers(
		toInteger(x, box.Lo[0], inv[0]),
		toInteger(y, box.Lo[1], inv[1]),
		toInteger(z, box.Lo[2], inv[2]),
	)
}

// Decode returns the lower corner of the finest cell of key
func Decode(key Key, box Box) (x, y, z float64) {
	ix, iy, iz := DecodeIntegers(key)
	x = box.Lo[0] + float64(ix)*box.Length(0)/MaxCoord
	y = box.Lo[1] + float64(iy)*box.Length(1)/MaxCoord
	z = box.Lo[2] + float64(iz)*box.Length(2)/MaxCoord
	return
}
