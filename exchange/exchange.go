package exchange

import (
	"context"
	"fmt"
	"github.com/notargets/sfcdomain/assignment"
	"github.com/notargets/sfcdomain/comm"
	"github.com/notargets/sfcdomain/octree"
	"github.com/notargets/sfcdomain/sfc"
)

// SendRange is the index range [Start,End) of the locally sorted points that
// go to one rank
type SendRange struct {
	Start, End int
}

// Count returns the number of points in the range
func (s SendRange) Count() int { return s.End - s.Start }

// SendList holds one SendRange per destination rank. Ranges are contiguous
// and ordered by rank, since ranks own increasing key ranges.
type SendList []SendRange

// CreateSendList locates the key range of every rank in sortedKeys
func CreateSendList(a assignment.Assignment, tree, sortedKeys []sfc.Key) SendList {
	sl := make(SendList, a.NumRanks())
	for r := range sl {
		lo, hi := a.KeyRange(tree, r)
		sl[r] = SendRange{
			Start: octree.LowerBound(sortedKeys, lo),
			End:   octree.LowerBound(sortedKeys, hi),
		}
	}
	return sl
}

// Total returns the number of points over all destinations
func (sl SendList) Total() int {
	var n int
	for _, s := range sl {
		n += s.Count()
	}
	return n
}

// ExchangeCounts tells every rank how many points it will receive from each
// peer
func ExchangeCounts(ctx context.Context, c comm.Comm, tag int, sl SendList) ([]int, error) {
	send := make([][]int, len(sl))
	for r, s := range sl {
		send[r] = []int{s.Count()}
	}
	recv, err := comm.Alltoallv(ctx, c, tag, send)
	if err != nil {
		return nil, fmt.Errorf("exchange counts: %w", err)
	}
	counts := make([]int, len(recv))
	for r := range recv {
		counts[r] = recv[r][0]
	}
	return counts, nil
}

// Exchange sends every range of array to its destination and returns the
// received points concatenated in source rank order. recvCounts, as returned
// by ExchangeCounts, sizes the result and is checked against what arrives.
func Exchange[T any](ctx context.Context, c comm.Comm, tag int, sl SendList, recvCounts []int, array []T) ([]T, error) {
	if len(sl) != c.Size() || len(recvCounts) != c.Size() {
		panic(fmt.Sprintf("send list has %d ranks, receive counts %d, communicator %d",
			len(sl), len(recvCounts), c.Size()))
	}
	send := make([][]T, len(sl))
	for r, s := range sl {
		send[r] = array[s.Start:s.End]
	}
	recv, err := comm.Alltoallv(ctx, c, tag, send)
	if err != nil {
		return nil, fmt.Errorf("global exchange: %w", err)
	}
	var n int
	for _, cnt := range recvCounts {
		n += cnt
	}
	out := make([]T, 0, n)
	for r, part := range recv {
		if len(part) != recvCounts[r] {
			return nil, fmt.Errorf("global exchange: rank %d received %d points from rank %d, announced %d",
				c.Rank(), len(part), r, recvCounts[r])
		}
		out = append(out, part...)
	}
	return out, nil
}

// ExchangeParticles moves keys and every array to their owning ranks,
// replacing the slices behind the pointers. The counts use tag, keys tag+1
// and array i tag+2+i. The result is grouped by source rank and not yet
// sorted.
func ExchangeParticles(ctx context.Context, c comm.Comm, tag int, sl SendList,
	keys *[]sfc.Key, arrays ...*[]float64) error {
	n := len(*keys)
	if sl.Total() != n {
		return fmt.Errorf("global exchange: send list covers %d of %d points", sl.Total(), n)
	}
	for i, a := range arrays {
		if len(*a) != n {
			return fmt.Errorf("global exchange: array %d has length %d, expected %d", i, len(*a), n)
		}
	}
	recvCounts, err := ExchangeCounts(ctx, c, tag, sl)
	if err != nil {
		return err
	}
	newKeys, err := Exchange(ctx, c, tag+1, sl, recvCounts, *keys)
	if err != nil {
		return err
	}
	newArrays := make([][]float64, len(arrays))
	for i, a := range arrays {
		if newArrays[i], err = Exchange(ctx, c, tag+2+i, sl, recvCounts, *a); err != nil {
			return err
		}
	}
	*keys = newKeys
	for i, a := range arrays {
		*a = newArrays[i]
	}
	return nil
}
