package backend

import (
	"fmt"
	"github.com/notargets/sfcdomain/sfc"
)

// SortByKey sorts keys and reorders every array with the same stable
// permutation. The slices behind the pointers are replaced.
func SortByKey(acc Accelerator, keys *[]sfc.Key, arrays ...*[]float64) error {
	n := len(*keys)
	for i, a := range arrays {
		if len(*a) != n {
			return fmt.Errorf("sort by key: array %d has length %d, expected %d", i, len(*a), n)
		}
	}
	order, err := acc.Argsort(*keys)
	if err != nil {
		return fmt.Errorf("sort by key: %w", err)
	}
	sortedKeys := make([]sfc.Key, n)
	if err = acc.GatherKeys(order, *keys, sortedKeys); err != nil {
		return fmt.Errorf("sort by key: %w", err)
	}
	*keys = sortedKeys
	for _, a := range arrays {
		dst := make([]float64, n)
		if err = acc.GatherFloat(order, *a, dst); err != nil {
			return fmt.Errorf("sort by key: %w", err)
		}
		*a = dst
	}
	return nil
}
