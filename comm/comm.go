package comm

import (
	"context"
	"errors"
	"fmt"
	"golang.org/x/sync/errgroup"
	"time"
)

// ErrCommunication is returned when a message cannot be delivered or does not
// arrive in time. A rank that sees it must not take part in further collectives.
var ErrCommunication = errors.New("communication failure")

// Comm connects one rank to its peers. Messages between a pair of ranks are
// delivered in order. Send takes ownership of payload.
type Comm interface {
	Rank() int
	Size() int
	Send(ctx context.Context, dst, tag int, payload any) error
	Recv(ctx context.Context, src, tag int) (any, error)
}

type message struct {
	tag     int
	payload any
}

// World is an in-process transport running every rank in the same OS process.
// Each ordered pair of ranks has its own FIFO mailbox.
type World struct {
	NP      int
	Timeout time.Duration
	// mailboxes[src][dst]
	mailboxes [][]chan message
}

// mailboxDepth bounds the messages in flight between two ranks. Ranks in
// lock step are at most one collective apart, so a handful suffices.
const mailboxDepth = 16

// NewWorld creates the mailboxes for np ranks. A positive timeout bounds every
// receive.
func NewWorld(np int, timeout time.Duration) *World {
	if np < 1 {
		panic(fmt.Sprintf("world needs at least one rank, got %d", np))
	}
	w := &World{
		NP:        np,
		Timeout:   timeout,
		mailboxes: make([][]chan message, np),
	}
	for src := 0; src < np; src++ {
		w.mailboxes[src] = make([]chan message, np)
		for dst := 0; dst < np; dst++ {
			w.mailboxes[src][dst] = make(chan message, mailboxDepth)
		}
	}
	return w
}

// Comm returns the communicator of rank
func (w *World) Comm(rank int) Comm {
	if rank < 0 || rank >= w.NP {
		panic(fmt.Sprintf("rank %d out of range [0,%d)", rank, w.NP))
	}
	return &worldComm{w: w, rank: rank}
}

type worldComm struct {
	w    *World
	rank int
}

func (c *worldComm) Rank() int { return c.rank }
func (c *worldComm) Size() int { return c.w.NP }

func (c *worldComm) checkPeer(peer int) error {
	if peer < 0 || peer >= c.w.NP {
		return fmt.Errorf("%w: peer rank %d out of range [0,%d)", ErrCommunication, peer, c.w.NP)
	}
	return nil
}

func (c *worldComm) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.w.Timeout > 0 {
		return context.WithTimeout(ctx, c.w.Timeout)
	}
	return context.WithCancel(ctx)
}

func (c *worldComm) Send(ctx context.Context, dst, tag int, payload any) error {
	if err := c.checkPeer(dst); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	select {
	case c.w.mailboxes[c.rank][dst] <- message{tag: tag, payload: payload}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: rank %d sending tag %d to rank %d: %v",
			ErrCommunication, c.rank, tag, dst, ctx.Err())
	}
}

func (c *worldComm) Recv(ctx context.Context, src, tag int) (any, error) {
	if err := c.checkPeer(src); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	select {
	case msg := <-c.w.mailboxes[src][c.rank]:
		if msg.tag != tag {
			return nil, fmt.Errorf("%w: rank %d expected tag %d from rank %d, got %d",
				ErrCommunication, c.rank, tag, src, msg.tag)
		}
		return msg.payload, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: rank %d waiting for tag %d from rank %d: %v",
			ErrCommunication, c.rank, tag, src, ctx.Err())
	}
}

// Run executes fn once per rank, each in its own goroutine, and returns the
// first error. The context passed to fn is cancelled as soon as any rank
// fails, which unblocks the peers waiting on it.
func Run(ctx context.Context, np int, timeout time.Duration,
	fn func(ctx context.Context, c Comm) error) error {
	w := NewWorld(np, timeout)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < np; rank++ {
		c := w.Comm(rank)
		g.Go(func() error {
			return fn(gctx, c)
		})
	}
	return g.Wait()
}
