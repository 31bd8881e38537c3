package comm

import (
	"context"
	"fmt"
	"slices"
)

// Number covers the element types the reductions operate on
type Number interface {
	~int | ~int32 | ~int64 | ~uint32 | ~uint64 | ~float64
}

func recvTyped[T any](ctx context.Context, c Comm, src, tag int) (T, error) {
	var zero T
	p, err := c.Recv(ctx, src, tag)
	if err != nil {
		return zero, err
	}
	v, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("%w: rank %d got %T from rank %d, expected %T",
			ErrCommunication, c.Rank(), p, src, zero)
	}
	return v, nil
}

// Alltoallv sends send[r] to every rank r and returns the slices received,
// indexed by source rank. The slices are copied, so the caller keeps
// ownership of send.
func Alltoallv[T any](ctx context.Context, c Comm, tag int, send [][]T) ([][]T, error) {
	np, me := c.Size(), c.Rank()
	if len(send) != np {
		panic(fmt.Sprintf("alltoallv needs %d send buffers, got %d", np, len(send)))
	}
	for r := 0; r < np; r++ {
		if r == me {
			continue
		}
		if err := c.Send(ctx, r, tag, slices.Clone(send[r])); err != nil {
			return nil, err
		}
	}
	recv := make([][]T, np)
	recv[me] = slices.Clone(send[me])
	for r := 0; r < np; r++ {
		if r == me {
			continue
		}
		v, err := recvTyped[[]T](ctx, c, r, tag)
		if err != nil {
			return nil, err
		}
		recv[r] = v
	}
	return recv, nil
}

// Allgather returns the value contributed by every rank, indexed by rank
func Allgather[T any](ctx context.Context, c Comm, tag int, v T) ([]T, error) {
	np := c.Size()
	send := make([][]T, np)
	for r := range send {
		send[r] = []T{v}
	}
	recv, err := Alltoallv(ctx, c, tag, send)
	if err != nil {
		return nil, err
	}
	out := make([]T, np)
	for r := range recv {
		if len(recv[r]) != 1 {
			return nil, fmt.Errorf("%w: allgather got %d values from rank %d",
				ErrCommunication, len(recv[r]), r)
		}
		out[r] = recv[r][0]
	}
	return out, nil
}

func allreduce[T Number](ctx context.Context, c Comm, tag int, data []T, op func(a, b T) T) error {
	np := c.Size()
	send := make([][]T, np)
	for r := range send {
		send[r] = data
	}
	recv, err := Alltoallv(ctx, c, tag, send)
	if err != nil {
		return err
	}
	for r := range recv {
		if len(recv[r]) != len(data) {
			return fmt.Errorf("%w: allreduce length mismatch, rank %d has %d values, rank %d has %d",
				ErrCommunication, c.Rank(), len(data), r, len(recv[r]))
		}
	}
	// combine in rank order so every rank computes bitwise identical results
	for i := range data {
		acc := recv[0][i]
		for r := 1; r < np; r++ {
			acc = op(acc, recv[r][i])
		}
		data[i] = acc
	}
	return nil
}

// AllreduceSum replaces data with the element wise sum over all ranks
func AllreduceSum[T Number](ctx context.Context, c Comm, tag int, data []T) error {
	return allreduce(ctx, c, tag, data, func(a, b T) T { return a + b })
}

// AllreduceMax replaces data with the element wise maximum over all ranks
func AllreduceMax[T Number](ctx context.Context, c Comm, tag int, data []T) error {
	return allreduce(ctx, c, tag, data, func(a, b T) T { return max(a, b) })
}

// AllreduceMin replaces data with the element wise minimum over all ranks
func AllreduceMin[T Number](ctx context.Context, c Comm, tag int, data []T) error {
	return allreduce(ctx, c, tag, data, func(a, b T) T { return min(a, b) })
}

// Barrier returns once every rank has entered it
func Barrier(ctx context.Context, c Comm, tag int) error {
	_, err := Allgather(ctx, c, tag, struct{}{})
	return err
}
