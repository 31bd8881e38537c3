package halos

import (
	"context"
	"errors"
	"fmt"
	"github.com/notargets/sfcdomain/comm"
	"github.com/notargets/sfcdomain/sfc"
)

// ErrInvalidLayout marks a halo layout that is inconsistent locally or with
// the layouts of the peer ranks
var ErrInvalidLayout = errors.New("invalid halo layout")

// RemoteRange describes the leaves exchanged with one peer rank. Leaves are
// focus leaf indices in ascending key order; Offsets and Counts locate their
// points in the local buffer.
type RemoteRange struct {
	Rank    int
	Leaves  []int
	Keys    []sfc.Key // start key of every leaf
	Offsets []int
	Counts  []int
	Count   int // total points
}

// Layout places the owned points and the incoming halos of one rank in a
// single key sorted buffer:
//
//	[0, LayoutStart)           halos with keys below the owned range
//	[LayoutStart, LayoutEnd)   owned points
//	[LayoutEnd, BufferSize)    halos with keys above the owned range
type Layout struct {
	Rank        int
	LayoutStart int
	LayoutEnd   int
	BufferSize  int

	// LeafOffsets holds the buffer offset of every focus leaf present in the
	// buffer, -1 for the others
	LeafOffsets []int
	LeafCounts  []int

	Incoming []RemoteRange // halos received, one entry per source rank
	Outgoing []RemoteRange // owned leaves sent, one entry per destination rank
}

// NumOwned returns the number of owned points
func (l *Layout) NumOwned() int { return l.LayoutEnd - l.LayoutStart }

// NumHalos returns the number of halo points
func (l *Layout) NumHalos() int { return l.BufferSize - l.NumOwned() }

// NumIncomingLeaves returns the number of halo leaves
func (l *Layout) NumIncomingLeaves() int {
	var n int
	for _, rr := range l.Incoming {
		n += len(rr.Leaves)
	}
	return n
}

// RequiresCommunication reports whether any halo points are sent or received
func (l *Layout) RequiresCommunication() bool {
	for _, rr := range l.Incoming {
		if rr.Count > 0 {
			return true
		}
	}
	for _, rr := range l.Outgoing {
		if rr.Count > 0 {
			return true
		}
	}
	return false
}

// Validate checks that incoming leaves occupy disjoint slots outside the
// owned zone, outgoing leaves lie inside it and the zones tile the buffer
func (l *Layout) Validate() error {
	if l.LayoutStart < 0 || l.LayoutStart > l.LayoutEnd || l.LayoutEnd > l.BufferSize {
		return fmt.Errorf("%w: rank %d zones [0,%d,%d,%d) are not ordered",
			ErrInvalidLayout, l.Rank, l.LayoutStart, l.LayoutEnd, l.BufferSize)
	}
	halos := 0
	for _, rr := range l.Incoming {
		if rr.Rank == l.Rank {
			return fmt.Errorf("%w: rank %d receives halos from itself", ErrInvalidLayout, l.Rank)
		}
		sum := 0
		for k := range rr.Leaves {
			lo, hi := rr.Offsets[k], rr.Offsets[k]+rr.Counts[k]
			if lo < 0 || hi > l.BufferSize || (hi > l.LayoutStart && lo < l.LayoutEnd && rr.Counts[k] > 0) {
				return fmt.Errorf("%w: rank %d halo leaf %d from rank %d at [%d,%d) overlaps the owned zone",
					ErrInvalidLayout, l.Rank, rr.Leaves[k], rr.Rank, lo, hi)
			}
			sum += rr.Counts[k]
		}
		if sum != rr.Count {
			return fmt.Errorf("%w: rank %d incoming count from rank %d is %d, leaves hold %d",
				ErrInvalidLayout, l.Rank, rr.Rank, rr.Count, sum)
		}
		halos += sum
	}
	if halos != l.NumHalos() {
		return fmt.Errorf("%w: rank %d has %d halo slots but receives %d points",
			ErrInvalidLayout, l.Rank, l.NumHalos(), halos)
	}
	for _, rr := range l.Outgoing {
		if rr.Rank == l.Rank {
			return fmt.Errorf("%w: rank %d sends halos to itself", ErrInvalidLayout, l.Rank)
		}
		for k := range rr.Leaves {
			lo, hi := rr.Offsets[k], rr.Offsets[k]+rr.Counts[k]
			if lo < l.LayoutStart || hi > l.LayoutEnd {
				return fmt.Errorf("%w: rank %d sends leaf %d at [%d,%d) outside the owned zone",
					ErrInvalidLayout, l.Rank, rr.Leaves[k], lo, hi)
			}
		}
	}
	return nil
}

// ValidateSymmetry checks that what every rank sends is exactly what its
// peer expects to receive, leaf by leaf
func ValidateSymmetry(layouts []*Layout) error {
	type pair struct{ from, to int }
	sends := make(map[pair]RemoteRange)
	for _, l := range layouts {
		for _, rr := range l.Outgoing {
			sends[pair{l.Rank, rr.Rank}] = rr
		}
	}
	for _, l := range layouts {
		for _, rr := range l.Incoming {
			sent, ok := sends[pair{rr.Rank, l.Rank}]
			if !ok {
				return fmt.Errorf("%w: rank %d expects halos from %d, but %d doesn't send",
					ErrInvalidLayout, l.Rank, rr.Rank, rr.Rank)
			}
			if err := compareRanges(sent.Keys, sent.Counts, rr.Keys, rr.Counts); err != nil {
				return fmt.Errorf("%w: rank %d to rank %d: %v", ErrInvalidLayout, rr.Rank, l.Rank, err)
			}
			delete(sends, pair{rr.Rank, l.Rank})
		}
	}
	for p := range sends {
		return fmt.Errorf("%w: rank %d sends halos to %d, which doesn't expect them",
			ErrInvalidLayout, p.from, p.to)
	}
	return nil
}

func compareRanges(sentKeys []sfc.Key, sentCounts []int, recvKeys []sfc.Key, recvCounts []int) error {
	if len(sentKeys) != len(recvKeys) {
		return fmt.Errorf("%d leaves sent, %d expected", len(sentKeys), len(recvKeys))
	}
	for k := range sentKeys {
		if sentKeys[k] != recvKeys[k] || sentCounts[k] != recvCounts[k] {
			return fmt.Errorf("leaf %d: sent key %d count %d, expected key %d count %d",
				k, sentKeys[k], sentCounts[k], recvKeys[k], recvCounts[k])
		}
	}
	return nil
}

// CheckSymmetry is the collective form of ValidateSymmetry: every rank sends
// the keys and counts of its outgoing leaves and compares what it receives
// against its incoming ranges
func CheckSymmetry(ctx context.Context, c comm.Comm, tag int, l *Layout) error {
	np := c.Size()
	sendKeys := make([][]sfc.Key, np)
	sendCounts := make([][]int, np)
	for _, rr := range l.Outgoing {
		sendKeys[rr.Rank] = rr.Keys
		sendCounts[rr.Rank] = rr.Counts
	}
	recvKeys, err := comm.Alltoallv(ctx, c, tag, sendKeys)
	if err != nil {
		return err
	}
	recvCounts, err := comm.Alltoallv(ctx, c, tag+1, sendCounts)
	if err != nil {
		return err
	}
	expected := make([]*RemoteRange, np)
	for i := range l.Incoming {
		expected[l.Incoming[i].Rank] = &l.Incoming[i]
	}
	// decide locally but only fail after both collectives have completed
	for r := 0; r < np; r++ {
		var keys []sfc.Key
		var counts []int
		if expected[r] != nil {
			keys, counts = expected[r].Keys, expected[r].Counts
		}
		if err = compareRanges(recvKeys[r], recvCounts[r], keys, counts); err != nil {
			return fmt.Errorf("%w: rank %d to rank %d: %v", ErrInvalidLayout, r, l.Rank, err)
		}
	}
	return nil
}
