package halos

import (
	"context"
	"fmt"
	"github.com/notargets/sfcdomain/comm"
	"math"
)

// RelayoutGrow returns a buffer of size l.BufferSize with owned copied into
// the owned zone. Halo slots are left zero until the next Exchange. The
// capacity is l.BufferSize scaled by growth, rounded up.
func RelayoutGrow[T any](l *Layout, owned []T, growth float64) ([]T, error) {
	if len(owned) != l.NumOwned() {
		return nil, fmt.Errorf("%w: rank %d owns %d points, layout expects %d",
			ErrInvalidLayout, l.Rank, len(owned), l.NumOwned())
	}
	buf := make([]T, l.BufferSize, Capacity(l.BufferSize, growth))
	copy(buf[l.LayoutStart:l.LayoutEnd], owned)
	return buf, nil
}

// Capacity returns n scaled by growth, rounded up and never below n
func Capacity(n int, growth float64) int {
	return max(n, int(math.Ceil(float64(n)*growth)))
}

// Exchange fills the halo slots of every buffer with the current values of
// the owning ranks. Buffers must have size l.BufferSize; buffer i uses tag+i.
// Received values are snapshots and are not written back.
func Exchange[T any](ctx context.Context, c comm.Comm, tag int, l *Layout, buffers ...[]T) error {
	for i, buf := range buffers {
		if len(buf) != l.BufferSize {
			return fmt.Errorf("%w: rank %d buffer %d has size %d, layout needs %d",
				ErrInvalidLayout, l.Rank, i, len(buf), l.BufferSize)
		}
	}
	np := c.Size()
	for i, buf := range buffers {
		send := make([][]T, np)
		for _, rr := range l.Outgoing {
			packed := make([]T, 0, rr.Count)
			for k := range rr.Leaves {
				packed = append(packed, buf[rr.Offsets[k]:rr.Offsets[k]+rr.Counts[k]]...)
			}
			send[rr.Rank] = packed
		}
		recv, err := comm.Alltoallv(ctx, c, tag+i, send)
		if err != nil {
			return fmt.Errorf("halo exchange: %w", err)
		}
		expected := make([]bool, np)
		for _, rr := range l.Incoming {
			expected[rr.Rank] = true
		}
		for r, data := range recv {
			if r != c.Rank() && !expected[r] && len(data) > 0 {
				return fmt.Errorf("%w: rank %d received %d unexpected halo values from rank %d",
					ErrInvalidLayout, l.Rank, len(data), r)
			}
		}
		for _, rr := range l.Incoming {
			data := recv[rr.Rank]
			if len(data) != rr.Count {
				return fmt.Errorf("%w: rank %d received %d halo values from rank %d, expected %d",
					ErrInvalidLayout, l.Rank, len(data), rr.Rank, rr.Count)
			}
			pos := 0
			for k := range rr.Leaves {
				copy(buf[rr.Offsets[k]:rr.Offsets[k]+rr.Counts[k]], data[pos:pos+rr.Counts[k]])
				pos += rr.Counts[k]
			}
		}
	}
	return nil
}
