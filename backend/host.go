package backend

import (
	"cmp"
	"github.com/dgravesa/go-parallel/parallel"
	"github.com/notargets/sfcdomain/sfc"
	"runtime"
	"slices"
	"sort"
)

// Host runs every loop on the CPU, split across goroutines
type Host struct {
	NumGoroutines int
}

// NewHost creates a host backend. numGoroutines <= 0 selects GOMAXPROCS.
func NewHost(numGoroutines int) *Host {
	if numGoroutines <= 0 {
		numGoroutines = runtime.GOMAXPROCS(0)
	}
	return &Host{NumGoroutines: numGoroutines}
}

func (h *Host) Name() string { return "host" }

func (h *Host) Close() error { return nil }

func (h *Host) parallelFor(n int, body func(i int)) {
	if n == 0 {
		return
	}
	parallel.WithNumGoroutines(h.NumGoroutines).For(n, func(i, _ int) {
		body(i)
	})
}

func (h *Host) ComputeKeys(box sfc.Box, x, y, z []float64, keys []sfc.Key) error {
	if err := CheckLengths("compute keys", len(keys), len(x), len(y), len(z)); err != nil {
		return err
	}
	h.parallelFor(len(keys), func(i int) {
		keys[i] = sfc.Encode(x[i], y[i], z[i], box)
	})
	return nil
}

// leafRanges returns the first index of every leaf boundary in sortedKeys
func (h *Host) leafRanges(tree, sortedKeys []sfc.Key) []int {
	bounds := make([]int, len(tree))
	h.parallelFor(len(tree), func(i int) {
		bounds[i] = sort.Search(len(sortedKeys), func(k int) bool { return sortedKeys[k] >= tree[i] })
	})
	return bounds
}

func (h *Host) NodeCounts(tree, sortedKeys []sfc.Key) ([]uint32, error) {
	bounds := h.leafRanges(tree, sortedKeys)
	counts := make([]uint32, len(tree)-1)
	for i := range counts {
		counts[i] = uint32(bounds[i+1] - bounds[i])
	}
	return counts, nil
}

func (h *Host) LeafMax(tree, sortedKeys []sfc.Key, values []float64) ([]float64, error) {
	if err := CheckLengths("leaf max", len(sortedKeys), len(values)); err != nil {
		return nil, err
	}
	bounds := h.leafRanges(tree, sortedKeys)
	out := make([]float64, len(tree)-1)
	h.parallelFor(len(out), func(i int) {
		var m float64
		for k := bounds[i]; k < bounds[i+1]; k++ {
			if values[k] > m {
				m = values[k]
			}
		}
		out[i] = m
	})
	return out, nil
}

func (h *Host) LeafCoordSums(tree, sortedKeys []sfc.Key, x, y, z []float64) ([]float64, error) {
	if err := CheckLengths("leaf coordinate sums", len(sortedKeys), len(x), len(y), len(z)); err != nil {
		return nil, err
	}
	bounds := h.leafRanges(tree, sortedKeys)
	nLeaves := len(tree) - 1
	out := make([]float64, 4*nLeaves)
	h.parallelFor(nLeaves, func(i int) {
		var sx, sy, sz float64
		for k := bounds[i]; k < bounds[i+1]; k++ {
			sx += x[k]
			sy += y[k]
			sz += z[k]
		}
		out[4*i], out[4*i+1], out[4*i+2] = sx, sy, sz
		out[4*i+3] = float64(bounds[i+1] - bounds[i])
	})
	return out, nil
}

func (h *Host) Argsort(keys []sfc.Key) ([]int, error) {
	return StableArgsort(keys), nil
}

// StableArgsort returns the permutation sorting keys, ties kept in input order
func StableArgsort(keys []sfc.Key) []int {
	order := make([]int, len(keys))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(keys[a], keys[b])
	})
	return order
}

func (h *Host) GatherFloat(order []int, src, dst []float64) error {
	if err := CheckLengths("gather", len(order), len(src), len(dst)); err != nil {
		return err
	}
	h.parallelFor(len(order), func(i int) {
		dst[i] = src[order[i]]
	})
	return nil
}

func (h *Host) GatherKeys(order []int, src, dst []sfc.Key) error {
	if err := CheckLengths("gather", len(order), len(src), len(dst)); err != nil {
		return err
	}
	h.parallelFor(len(order), func(i int) {
		dst[i] = src[order[i]]
	})
	return nil
}
