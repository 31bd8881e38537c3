// Package domain runs the distributed decomposition step. Every rank holds a
// Domain and calls Sync collectively; afterwards each rank's particle arrays
// hold its owned particles in key order, framed by halo copies of the
// particles owned by other ranks that lie within the search radius.
package domain

import (
	"context"
	"errors"
	"fmt"
	"github.com/notargets/sfcdomain/assignment"
	"github.com/notargets/sfcdomain/backend"
	"github.com/notargets/sfcdomain/comm"
	"github.com/notargets/sfcdomain/exchange"
	"github.com/notargets/sfcdomain/focus"
	"github.com/notargets/sfcdomain/halos"
	"github.com/notargets/sfcdomain/octree"
	"github.com/notargets/sfcdomain/sfc"
	"gonum.org/v1/gonum/spatial/r3"
	"log"
	"math"
	"time"
)

var (
	// ErrFailed is returned by every call on a Domain after a sync failed
	ErrFailed = errors.New("domain is in failed state")
	// ErrCapacity is returned when a rank would need more than MaxParticles
	// slots. It is detected collectively before any array is touched, the
	// Domain keeps its previous state.
	ErrCapacity = errors.New("particle capacity exceeded")
)

func isCapacity(err error) bool { return errors.Is(err, ErrCapacity) }

// State of a Domain
type State int

const (
	Uninitialized State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Message tags of the collectives in a sync. The exchanges use one tag per
// array above their base.
const (
	tagExtent   = 50 // and 51
	tagTree     = 100
	tagRadii    = 200
	tagLayout   = 250
	tagSymmetry = 300 // and 301
	tagCapacity = 400
	tagCenters  = 500
	tagExchange = 1000
	tagHalos    = 20000
)

// Domain is the decomposition state of one rank
type Domain struct {
	cfg     Config
	params  focus.Params
	comm    comm.Comm
	acc     backend.Accelerator
	metrics metrics

	state      State
	step       int
	tree       []sfc.Key
	counts     []uint32
	assignment assignment.Assignment
	focus      *focus.Tree
	layout     *halos.Layout
}

// New creates the Domain of rank cfg.Rank. c must connect cfg.NumRanks ranks.
func New(cfg Config, c comm.Comm, acc backend.Accelerator) (*Domain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c == nil || acc == nil {
		return nil, fmt.Errorf("%w: communicator and backend are required", ErrInvalidConfig)
	}
	if c.Rank() != cfg.Rank || c.Size() != cfg.NumRanks {
		return nil, fmt.Errorf("%w: communicator is rank %d of %d, configured rank %d of %d",
			ErrInvalidConfig, c.Rank(), c.Size(), cfg.Rank, cfg.NumRanks)
	}
	return &Domain{
		cfg:     cfg,
		params:  cfg.focusParams(),
		comm:    c,
		acc:     acc,
		metrics: newMetrics(cfg.Rank),
		tree:    octree.RootTree(),
		counts:  []uint32{0},
	}, nil
}

func (d *Domain) logf(format string, args ...interface{}) {
	if d.cfg.Verbose {
		log.Printf("rank %d: sync %d: "+format, append([]interface{}{d.cfg.Rank, d.step}, args...)...)
	}
}

// result is everything a sync publishes on success
type result struct {
	box        sfc.Box
	keys       []sfc.Key
	buffers    [][]float64
	tree       []sfc.Key
	counts     []uint32
	assignment assignment.Assignment
	focus      *focus.Tree
	layout     *halos.Layout
	sent       int
}

// Sync redistributes the particles and rebuilds the halos. It is collective:
// every rank must call it with the same sequence of array groups.
//
// x, y, z and h are the coordinates and smoothing lengths, conserved and
// dependent are further particle fields. On return all arrays, including
// keys, have length NParticlesWithHalos with the owned particles at
// [StartIndex, EndIndex). If the arrays have that length from the previous
// sync, only the owned range is taken as input and the halos are dropped;
// arrays of any other length are taken whole. The contents of keys on input
// are ignored.
func (d *Domain) Sync(ctx context.Context, keys *[]sfc.Key, x, y, z, h *[]float64,
	conserved, dependent []*[]float64) (err error) {
	if d.state == Failed {
		return ErrFailed
	}
	arrays := append([]*[]float64{x, y, z, h}, conserved...)
	arrays = append(arrays, dependent...)
	n := len(*x)
	for i, a := range arrays {
		if len(*a) != n {
			return fmt.Errorf("sync: array %d has length %d, expected %d", i, len(*a), n)
		}
	}

	start := time.Now()
	defer func() { d.metrics.observeSync(start, err) }()

	lo, hi := 0, n
	if d.state == Ready && n == d.layout.BufferSize {
		lo, hi = d.layout.LayoutStart, d.layout.LayoutEnd
	}
	local := make([][]float64, len(arrays))
	for i, a := range arrays {
		local[i] = (*a)[lo:hi]
	}

	res, err := d.sync(ctx, local)
	if err != nil {
		if !isCapacity(err) {
			d.state = Failed
		}
		return err
	}

	*keys = res.keys
	for i, a := range arrays {
		*a = res.buffers[i]
	}
	d.cfg.Box = res.box
	d.tree, d.counts = res.tree, res.counts
	d.assignment, d.focus, d.layout = res.assignment, res.focus, res.layout
	d.state = Ready
	d.metrics.publish(d, res.sent)
	d.logf("done in %v, %d owned, %d with halos", time.Since(start), d.NParticles(), d.NParticlesWithHalos())
	d.step++
	return nil
}

// sync runs the step on copies and leaves the Domain untouched. local[0..3]
// are x, y, z and h.
func (d *Domain) sync(ctx context.Context, local [][]float64) (*result, error) {
	var (
		c    = d.comm
		acc  = d.acc
		box  = d.cfg.Box
		rank = d.cfg.Rank
		res  = &result{}
		err  error
	)
	ptrs := make([]*[]float64, len(local))
	for i := range local {
		ptrs[i] = &local[i]
	}

	if d.cfg.UpdateBox {
		if box, err = d.globalExtent(ctx, local[0], local[1], local[2]); err != nil {
			return nil, err
		}
		d.logf("box [%g,%g]x[%g,%g]x[%g,%g]", box.Lo[0], box.Hi[0], box.Lo[1], box.Hi[1], box.Lo[2], box.Hi[2])
	}
	res.box = box

	keys := make([]sfc.Key, len(local[0]))
	if err = acc.ComputeKeys(box, local[0], local[1], local[2], keys); err != nil {
		return nil, fmt.Errorf("sync keys: %w", err)
	}
	if err = backend.SortByKey(acc, &keys, ptrs...); err != nil {
		return nil, err
	}

	res.tree, res.counts, err = assignment.UpdateGlobalTree(ctx, c, acc, d.tree, keys,
		d.cfg.BucketSize, d.cfg.maxIterations(), tagTree)
	if err != nil {
		return nil, err
	}
	d.logf("global tree has %d leaves", len(res.counts))

	res.assignment = assignment.SfcSplit(res.counts, d.cfg.NumRanks)
	if err = res.assignment.Validate(len(res.counts)); err != nil {
		return nil, err
	}

	radii, err := halos.LeafRadii(acc, res.tree, keys, local[3])
	if err != nil {
		return nil, err
	}
	if err = comm.AllreduceMax(ctx, c, tagRadii, radii); err != nil {
		return nil, fmt.Errorf("leaf radii: %w", err)
	}

	if err = d.agree(ctx, tagLayout, "halo discovery", d.discover(res, box, radii)); err != nil {
		return nil, err
	}
	symmetry := halos.CheckSymmetry(ctx, c, tagSymmetry, res.layout)
	if symmetry != nil && !errors.Is(symmetry, halos.ErrInvalidLayout) {
		return nil, symmetry
	}
	d.logf("focus tree has %d leaves, %d halos from %d ranks", res.focus.NumLeaves(),
		res.layout.NumHalos(), len(res.layout.Incoming))

	if err = d.checkCapacity(ctx, res.layout, symmetry); err != nil {
		return nil, err
	}

	sl := exchange.CreateSendList(res.assignment, res.tree, keys)
	res.sent = sl.Total() - sl[rank].Count()
	if err = exchange.ExchangeParticles(ctx, c, tagExchange, sl, &keys, ptrs...); err != nil {
		return nil, err
	}
	if err = backend.SortByKey(acc, &keys, ptrs...); err != nil {
		return nil, err
	}
	if err = d.checkOwned(res, keys); err != nil {
		return nil, err
	}

	sums, err := acc.LeafCoordSums(res.tree, keys, local[0], local[1], local[2])
	if err != nil {
		return nil, fmt.Errorf("expansion centers: %w", err)
	}
	if err = comm.AllreduceSum(ctx, c, tagCenters, sums); err != nil {
		return nil, fmt.Errorf("expansion centers: %w", err)
	}
	if err = res.focus.SetCenters(sums); err != nil {
		return nil, err
	}

	growth := d.cfg.GrowthRate
	if res.keys, err = halos.RelayoutGrow(res.layout, keys, growth); err != nil {
		return nil, err
	}
	res.buffers = make([][]float64, len(local))
	for i := range local {
		if res.buffers[i], err = halos.RelayoutGrow(res.layout, local[i], growth); err != nil {
			return nil, err
		}
	}
	if err = halos.Exchange(ctx, c, tagHalos, res.layout, res.keys); err != nil {
		return nil, err
	}
	if err = halos.Exchange(ctx, c, tagHalos+1, res.layout, res.buffers...); err != nil {
		return nil, err
	}
	return res, nil
}

// globalExtent returns the configured box with every non-periodic dimension
// set to the extent of the particles over all ranks. A dimension without
// extent keeps its configured length, centered on the particles.
func (d *Domain) globalExtent(ctx context.Context, x, y, z []float64) (sfc.Box, error) {
	box := d.cfg.Box
	lo := []float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := []float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for k, v := range [][]float64{x, y, z} {
		for _, c := range v {
			lo[k], hi[k] = min(lo[k], c), max(hi[k], c)
		}
	}
	if err := comm.AllreduceMin(ctx, d.comm, tagExtent, lo); err != nil {
		return box, fmt.Errorf("box extent: %w", err)
	}
	if err := comm.AllreduceMax(ctx, d.comm, tagExtent+1, hi); err != nil {
		return box, fmt.Errorf("box extent: %w", err)
	}
	for k := 0; k < 3; k++ {
		switch {
		case box.Periodic[k] || lo[k] > hi[k]:
			continue
		case lo[k] == hi[k]:
			half := 0.5 * box.Length(k)
			box.Lo[k], box.Hi[k] = lo[k]-half, lo[k]+half
		default:
			box.Lo[k], box.Hi[k] = lo[k], hi[k]
		}
	}
	if err := box.Validate(); err != nil {
		return box, fmt.Errorf("box extent: %w", err)
	}
	return box, nil
}

// discover builds the focus tree and the halo layout of this rank
func (d *Domain) discover(res *result, box sfc.Box, radii []float64) (err error) {
	rank := d.cfg.Rank
	if res.focus, err = focus.Build(box, res.tree, res.counts, res.assignment, rank, radii, d.params); err != nil {
		return err
	}
	if res.layout, err = halos.Discover(box, res.focus, res.tree, res.assignment, rank, radii); err != nil {
		return err
	}
	return res.layout.Validate()
}

// agree turns a rank local failure into a collective one: every rank
// returns an error if any rank passed a non-nil local
func (d *Domain) agree(ctx context.Context, tag int, step string, local error) error {
	failed := []int{0}
	if local != nil {
		failed[0] = 1
	}
	if err := comm.AllreduceSum(ctx, d.comm, tag, failed); err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	if local != nil {
		return local
	}
	if failed[0] > 0 {
		return fmt.Errorf("%w: %s failed on %d of %d ranks", halos.ErrInvalidLayout, step, failed[0], d.cfg.NumRanks)
	}
	return nil
}

// checkCapacity fails on every rank if any rank needs more slots than its
// MaxParticles. symmetry is the outcome of the local layout comparison and
// is reduced in the same message, it takes precedence over capacity.
func (d *Domain) checkCapacity(ctx context.Context, l *halos.Layout, symmetry error) error {
	need := halos.Capacity(l.BufferSize, d.cfg.GrowthRate)
	flags := []int{0, 0} // over capacity, asymmetric layout
	if d.cfg.MaxParticles > 0 && need > d.cfg.MaxParticles {
		flags[0] = 1
	}
	if symmetry != nil {
		flags[1] = 1
	}
	if err := comm.AllreduceSum(ctx, d.comm, tagCapacity, flags); err != nil {
		return fmt.Errorf("capacity check: %w", err)
	}
	switch {
	case symmetry != nil:
		return symmetry
	case flags[1] > 0:
		return fmt.Errorf("%w: %d ranks found asymmetric halo layouts", halos.ErrInvalidLayout, flags[1])
	case flags[0] > 0:
		return fmt.Errorf("%w: %d ranks over their limit, rank %d needs %d of %d",
			ErrCapacity, flags[0], d.cfg.Rank, need, d.cfg.MaxParticles)
	}
	return nil
}

// checkOwned verifies that the exchange delivered exactly the assigned particles
func (d *Domain) checkOwned(res *result, keys []sfc.Key) error {
	rank := d.cfg.Rank
	if uint64(len(keys)) != res.assignment.Count(rank) {
		return fmt.Errorf("%w: rank %d holds %d particles after the exchange, assigned %d",
			assignment.ErrInvalidAssignment, rank, len(keys), res.assignment.Count(rank))
	}
	lo, hi := res.assignment.KeyRange(res.tree, rank)
	if len(keys) > 0 && (keys[0] < lo || keys[len(keys)-1] >= hi) {
		return fmt.Errorf("%w: rank %d holds keys [%d,%d] outside [%d,%d)",
			assignment.ErrInvalidAssignment, rank, keys[0], keys[len(keys)-1], lo, hi)
	}
	return nil
}

// ExchangeHalos refreshes the halo slots of arrays laid out by the last Sync.
// It is collective.
func (d *Domain) ExchangeHalos(ctx context.Context, arrays ...*[]float64) error {
	switch d.state {
	case Failed:
		return ErrFailed
	case Uninitialized:
		return fmt.Errorf("halo exchange before the first sync")
	}
	buffers := make([][]float64, len(arrays))
	for i, a := range arrays {
		if len(*a) != d.layout.BufferSize {
			return fmt.Errorf("%w: array %d has length %d, expected %d",
				halos.ErrInvalidLayout, i, len(*a), d.layout.BufferSize)
		}
		buffers[i] = *a
	}
	if err := halos.Exchange(ctx, d.comm, tagHalos, d.layout, buffers...); err != nil {
		d.state = Failed
		return err
	}
	return nil
}

// SetBox replaces the bounding box used by the next Sync. It must be called
// with the same box on every rank. The global tree of the previous sync is
// kept as the starting point.
func (d *Domain) SetBox(box sfc.Box) error {
	if d.state == Failed {
		return ErrFailed
	}
	if err := box.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	d.cfg.Box = box
	return nil
}

// SetMaxParticles changes the capacity limit, 0 removes it
func (d *Domain) SetMaxParticles(n int) {
	d.cfg.MaxParticles = max(n, 0)
}

// State returns the current state
func (d *Domain) State() State { return d.state }

// Config returns the construction parameters
func (d *Domain) Config() Config { return d.cfg }

// Box returns the bounding box of the last sync, or the configured one
// before the first
func (d *Domain) Box() sfc.Box { return d.cfg.Box }

// NParticles returns the number of owned particles
func (d *Domain) NParticles() int {
	if d.layout == nil {
		return 0
	}
	return d.layout.NumOwned()
}

// NParticlesWithHalos returns the array length after the last sync
func (d *Domain) NParticlesWithHalos() int {
	if d.layout == nil {
		return 0
	}
	return d.layout.BufferSize
}

// StartIndex is the first owned particle in the arrays
func (d *Domain) StartIndex() int {
	if d.layout == nil {
		return 0
	}
	return d.layout.LayoutStart
}

// EndIndex is one past the last owned particle in the arrays
func (d *Domain) EndIndex() int {
	if d.layout == nil {
		return 0
	}
	return d.layout.LayoutEnd
}

// GlobalTree returns the boundary list of the global octree. Read only.
func (d *Domain) GlobalTree() []sfc.Key { return d.tree }

// GlobalCounts returns the particle count of every global leaf. Read only.
func (d *Domain) GlobalCounts() []uint32 { return d.counts }

func (d *Domain) Assignment() assignment.Assignment { return d.assignment }

// FocusTree is nil before the first sync
func (d *Domain) FocusTree() *focus.Tree { return d.focus }

// Layout is nil before the first sync
func (d *Domain) Layout() *halos.Layout { return d.layout }

// ExpansionCenters returns one center per focus tree node, in node order
func (d *Domain) ExpansionCenters() []r3.Vec {
	if d.focus == nil {
		return nil
	}
	return d.focus.Centers()
}
