package assignment

import (
	"context"
	"fmt"
	"github.com/notargets/sfcdomain/backend"
	"github.com/notargets/sfcdomain/comm"
	"github.com/notargets/sfcdomain/octree"
	"github.com/notargets/sfcdomain/sfc"
)

// UpdateGlobalTree rebalances tree collectively until it fits the union of
// every rank's sortedKeys. Each pass counts the local keys per leaf, sums the
// counts over all ranks and applies one rebalance step, so every rank ends
// with the same tree and global counts. tag is used for all collectives.
func UpdateGlobalTree(ctx context.Context, c comm.Comm, acc backend.Accelerator, tree []sfc.Key,
	sortedKeys []sfc.Key, bucketSize uint32, maxIterations, tag int) ([]sfc.Key, []uint32, error) {
	counts, err := globalCounts(ctx, c, acc, tree, sortedKeys, tag)
	if err != nil {
		return nil, nil, err
	}
	for it := 0; it < maxIterations; it++ {
		var converged bool
		if tree, converged = octree.UpdateOctree(tree, counts, bucketSize); converged {
			break
		}
		if counts, err = globalCounts(ctx, c, acc, tree, sortedKeys, tag); err != nil {
			return nil, nil, err
		}
	}
	if err = octree.Validate(tree); err != nil {
		return nil, nil, fmt.Errorf("global tree update: %w", err)
	}
	return tree, counts, nil
}

func globalCounts(ctx context.Context, c comm.Comm, acc backend.Accelerator, tree []sfc.Key,
	sortedKeys []sfc.Key, tag int) ([]uint32, error) {
	counts, err := acc.NodeCounts(tree, sortedKeys)
	if err != nil {
		return nil, fmt.Errorf("local node counts: %w", err)
	}
	if err = comm.AllreduceSum(ctx, c, tag, counts); err != nil {
		return nil, fmt.Errorf("global node counts: %w", err)
	}
	return counts, nil
}
