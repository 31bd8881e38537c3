package sfc

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidBox is returned for degenerate or non-finite bounding boxes
var ErrInvalidBox = errors.New("invalid bounding box")

// Box is the global coordinate bounding box. Periodic marks the dimensions
// with periodic boundary conditions.
type Box struct {
	Lo       [3]float64 `json:"lo"`
	Hi       [3]float64 `json:"hi"`
	Periodic [3]bool    `json:"periodic"`
}

// NewBox creates a non-periodic box
func NewBox(xmin, xmax, ymin, ymax, zmin, zmax float64) Box {
	return Box{
		Lo: [3]float64{xmin, ymin, zmin},
		Hi: [3]float64{xmax, ymax, zmax},
	}
}

// NewCube creates a cube [lo,hi]^3
func NewCube(lo, hi float64) Box {
	return NewBox(lo, hi, lo, hi, lo, hi)
}

// WithPeriodic returns a copy of b with the given periodic flags
func (b Box) WithPeriodic(px, py, pz bool) Box {
	b.Periodic = [3]bool{px, py, pz}
	return b
}

// Validate rejects boxes with zero, negative or non-finite extent
func (b Box) Validate() error {
	names := [3]string{"x", "y", "z"}
	for d := 0; d < 3; d++ {
		lo, hi := b.Lo[d], b.Hi[d]
		if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
			return fmt.Errorf("%w: %s range [%g,%g] is not finite", ErrInvalidBox, names[d], lo, hi)
		}
		if !(hi > lo) {
			return fmt.Errorf("%w: %s range [%g,%g] is empty", ErrInvalidBox, names[d], lo, hi)
		}
	}
	return nil
}

// Length returns the extent in dimension d
func (b Box) Length(d int) float64 {
	return b.Hi[d] - b.Lo[d]
}

// InvLengths returns the reciprocal extents. The accelerator backends receive
// these values instead of recomputing them so both paths round identically.
func (b Box) InvLengths() [3]float64 {
	return [3]float64{1 / b.Length(0), 1 / b.Length(1), 1 / b.Length(2)}
}

// CellExtent returns the coordinate bounds of an aligned node [start, start+r)
func (b Box) CellExtent(start, r Key) (lo, hi [3]float64) {
	ib := NodeBox(start, r)
	for d := 0; d < 3; d++ {
		scale := b.Length(d) / MaxCoord
		lo[d] = b.Lo[d] + float64(ib.Lo[d])*scale
		hi[d] = b.Lo[d] + float64(ib.Hi[d])*scale
	}
	return
}

// RadiusToIntegers converts a coordinate radius into key space units for
// each dimension, rounding up. Non-cubic boxes give anisotropic radii.
func RadiusToIntegers(r float64, b Box) [3]int {
	var out [3]int
	if !(r > 0) {
		return out
	}
	inv := b.InvLengths()
	for d := 0; d < 3; d++ {
		v := math.Ceil(r * inv[d] * MaxCoord)
		if v > MaxCoord {
			v = MaxCoord
		}
		out[d] = int(v)
	}
	return out
}

// IBox is a half open integer box [Lo,Hi) in key space. Halo boxes may
// extend beyond [0, MaxCoord).
type IBox struct {
	Lo, Hi [3]int
}

// NodeBox returns the integer box of the aligned node [start, start+r)
func NodeBox(start, r Key) IBox {
	ix, iy, iz := DecodeIntegers(start)
	edge := 1 << (MaxTreeLevel - TreeLevel(r))
	return IBox{
		Lo: [3]int{int(ix), int(iy), int(iz)},
		Hi: [3]int{int(ix) + edge, int(iy) + edge, int(iz) + edge},
	}
}

// Expand grows the box by r[d] on both sides of dimension d
func (ib IBox) Expand(r [3]int) IBox {
	for d := 0; d < 3; d++ {
		ib.Lo[d] -= r[d]
		ib.Hi[d] += r[d]
	}
	return ib
}

// MakeHaloBox returns the box of node [start, start+r) grown by radius
func MakeHaloBox(start, r Key, radius [3]int) IBox {
	return NodeBox(start, r).Expand(radius)
}

func overlap1D(aLo, aHi, bLo, bHi int) bool {
	return aLo < bHi && bLo < aHi
}

// Overlap reports whether a and b intersect, taking the periodic images of b
// into account in the periodic dimensions. Overlap is symmetric.
func Overlap(a, b IBox, periodic [3]bool) bool {
	for d := 0; d < 3; d++ {
		if overlap1D(a.Lo[d], a.Hi[d], b.Lo[d], b.Hi[d]) {
			continue
		}
		if !periodic[d] {
			return false
		}
		if !overlap1D(a.Lo[d], a.Hi[d], b.Lo[d]+MaxCoord, b.Hi[d]+MaxCoord) &&
			!overlap1D(a.Lo[d], a.Hi[d], b.Lo[d]-MaxCoord, b.Hi[d]-MaxCoord) {
			return false
		}
	}
	return true
}

// MinDistance returns the smallest euclidean distance between two coordinate
// boxes, zero if they touch or intersect. Periodic dimensions use the minimum image.
func (b Box) MinDistance(aLo, aHi, cLo, cHi [3]float64) float64 {
	var sum float64
	for d := 0; d < 3; d++ {
		gap := gap1D(aLo[d], aHi[d], cLo[d], cHi[d])
		if b.Periodic[d] && gap > 0 {
			L := b.Length(d)
			gap = math.Min(gap, gap1D(aLo[d], aHi[d], cLo[d]+L, cHi[d]+L))
			gap = math.Min(gap, gap1D(aLo[d], aHi[d], cLo[d]-L, cHi[d]-L))
		}
		sum += gap * gap
	}
	return math.Sqrt(sum)
}

func gap1D(aLo, aHi, bLo, bHi float64) float64 {
	switch {
	case bLo > aHi:
		return bLo - aHi
	case aLo > bHi:
		return aLo - bHi
	default:
		return 0
	}
}
