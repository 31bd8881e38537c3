package comm

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math"
	"sync"
	"testing"
	"time"
)

func TestAlltoallv(t *testing.T) {
	for _, np := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("np=%d", np), func(t *testing.T) {
			err := Run(context.Background(), np, time.Second, func(ctx context.Context, c Comm) error {
				me := c.Rank()
				send := make([][]int, np)
				for r := range send {
					// rank me sends r+1 copies of 100*me+r to rank r
					for k := 0; k <= r; k++ {
						send[r] = append(send[r], 100*me+r)
					}
				}
				recv, err := Alltoallv(ctx, c, 1, send)
				if err != nil {
					return err
				}
				for src := range recv {
					if len(recv[src]) != me+1 {
						return fmt.Errorf("rank %d got %d values from %d", me, len(recv[src]), src)
					}
					for _, v := range recv[src] {
						if v != 100*src+me {
							return fmt.Errorf("rank %d got %d from %d", me, v, src)
						}
					}
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestAlltoallvCopiesPayload(t *testing.T) {
	err := Run(context.Background(), 2, time.Second, func(ctx context.Context, c Comm) error {
		send := [][]float64{{1, 2}, {3, 4}}
		recv, err := Alltoallv(ctx, c, 1, send)
		if err != nil {
			return err
		}
		// writes to the send buffers after the call do not reach the peer
		send[0][0], send[1][0] = -1, -1
		if err = Barrier(ctx, c, 2); err != nil {
			return err
		}
		other := 1 - c.Rank()
		if recv[other][0] < 0 || recv[c.Rank()][0] < 0 {
			return fmt.Errorf("rank %d sees shared memory", c.Rank())
		}
		return nil
	})
	assert.NoError(t, err)
}

func TestAllreduce(t *testing.T) {
	const np = 4
	var (
		mu      sync.Mutex
		results = make(map[int][]float64)
	)
	err := Run(context.Background(), np, time.Second, func(ctx context.Context, c Comm) error {
		me := c.Rank()
		sum := []float64{float64(me), 0.1 * float64(me), 1}
		if err := AllreduceSum(ctx, c, 1, sum); err != nil {
			return err
		}
		mx := []uint32{uint32(me), uint32(np - me)}
		if err := AllreduceMax(ctx, c, 2, mx); err != nil {
			return err
		}
		if mx[0] != np-1 || mx[1] != np {
			return fmt.Errorf("rank %d max %v", me, mx)
		}
		mn := []float64{float64(me) - 0.5, math.Inf(1)}
		if err := AllreduceMin(ctx, c, 3, mn); err != nil {
			return err
		}
		if mn[0] != -0.5 || !math.IsInf(mn[1], 1) {
			return fmt.Errorf("rank %d min %v", me, mn)
		}
		mu.Lock()
		results[me] = sum
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	for r := 0; r < np; r++ {
		assert.InDelta(t, 6.0, results[r][0], 1e-15)
		assert.InDelta(t, 4.0, results[r][2], 1e-15)
		// every rank sees bitwise identical sums
		assert.Equal(t, results[0], results[r])
	}
}

func TestAllgather(t *testing.T) {
	err := Run(context.Background(), 3, time.Second, func(ctx context.Context, c Comm) error {
		all, err := Allgather(ctx, c, 7, c.Rank()*10)
		if err != nil {
			return err
		}
		for r, v := range all {
			if v != r*10 {
				return fmt.Errorf("rank %d: slot %d = %d", c.Rank(), r, v)
			}
		}
		return nil
	})
	assert.NoError(t, err)
}

func TestTimeout(t *testing.T) {
	err := Run(context.Background(), 2, 50*time.Millisecond, func(ctx context.Context, c Comm) error {
		if c.Rank() == 1 {
			// rank 1 never joins the collective
			return nil
		}
		return Barrier(ctx, c, 1)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommunication))
}

func TestFailureUnblocksPeers(t *testing.T) {
	boom := errors.New("boom")
	err := Run(context.Background(), 3, 0, func(ctx context.Context, c Comm) error {
		if c.Rank() == 2 {
			return boom
		}
		sum := []int{1}
		return AllreduceSum(ctx, c, 1, sum)
	})
	assert.ErrorIs(t, err, boom)
}

func TestTagMismatch(t *testing.T) {
	w := NewWorld(2, time.Second)
	ctx := context.Background()
	require.NoError(t, w.Comm(0).Send(ctx, 1, 5, []int{1}))
	_, err := w.Comm(1).Recv(ctx, 0, 6)
	assert.ErrorIs(t, err, ErrCommunication)

	_, err = w.Comm(1).Recv(ctx, 3, 6)
	assert.ErrorIs(t, err, ErrCommunication)
	assert.Panics(t, func() { w.Comm(2) })
}
