package backend

import (
	"fmt"
	"github.com/notargets/sfcdomain/sfc"
)

// Accelerator runs the per point and per leaf loops of a domain step. Every
// implementation must produce bitwise identical results for identical inputs,
// so that ranks using different backends make the same partitioning decisions.
type Accelerator interface {
	Name() string
	// ComputeKeys encodes x,y,z into keys, all slices of equal length
	ComputeKeys(box sfc.Box, x, y, z []float64, keys []sfc.Key) error
	// NodeCounts counts sortedKeys per leaf of tree
	NodeCounts(tree, sortedKeys []sfc.Key) ([]uint32, error)
	// LeafMax returns the largest value of the points in each leaf, 0 for
	// empty leaves. values is parallel to sortedKeys.
	LeafMax(tree, sortedKeys []sfc.Key, values []float64) ([]float64, error)
	// LeafCoordSums returns, per leaf, sum x, sum y, sum z and the point
	// count, four values per leaf. Points are summed in key order.
	LeafCoordSums(tree, sortedKeys []sfc.Key, x, y, z []float64) ([]float64, error)
	// Argsort returns the stable sorting permutation of keys
	Argsort(keys []sfc.Key) ([]int, error)
	// GatherFloat sets dst[i] = src[order[i]]
	GatherFloat(order []int, src, dst []float64) error
	// GatherKeys sets dst[i] = src[order[i]]
	GatherKeys(order []int, src, dst []sfc.Key) error
	Close() error
}

// CheckLengths returns an error unless all lengths equal n
func CheckLengths(op string, n int, lengths ...int) error {
	for i, l := range lengths {
		if l != n {
			return fmt.Errorf("%s: argument %d has length %d, expected %d", op, i, l, n)
		}
	}
	return nil
}
