package focus

import (
	"fmt"
	"github.com/notargets/sfcdomain/octree"
	"gonum.org/v1/gonum/spatial/r3"
)

type moment struct {
	sum   r3.Vec
	count float64
}

// SetCenters computes the expansion center of every focus node from per
// global leaf coordinate sums, four values per leaf (sum x, sum y, sum z,
// count), as produced by backend LeafCoordSums and summed over all ranks.
// Nodes without points fall back to their geometric center.
func (ft *Tree) SetCenters(globalLeafSums []float64) error {
	nGlobal := ft.globalFirst[len(ft.globalFirst)-1]
	if len(globalLeafSums) != 4*nGlobal {
		return fmt.Errorf("expansion centers: %d sums for %d global leaves", len(globalLeafSums), nGlobal)
	}
	leafMoments := make([]moment, ft.NumLeaves())
	for i := range leafMoments {
		start, end := ft.GlobalLeafRange(i)
		for g := start; g < end; g++ {
			s := globalLeafSums[4*g : 4*g+4]
			leafMoments[i].sum = r3.Add(leafMoments[i].sum, r3.Vec{X: s[0], Y: s[1], Z: s[2]})
			leafMoments[i].count += s[3]
		}
	}
	nodeMoments := octree.Upsweep(ft.octree, leafMoments, func(p *moment, c moment) {
		p.sum = r3.Add(p.sum, c.sum)
		p.count += c.count
	})

	ft.centers = make([]r3.Vec, len(nodeMoments))
	for node, m := range nodeMoments {
		if ft.Params.CenterMode == MassCenter && m.count > 0 {
			ft.centers[node] = r3.Scale(1/m.count, m.sum)
			continue
		}
		ft.centers[node] = ft.geometricCenter(node)
	}
	return nil
}

func (ft *Tree) geometricCenter(node int) r3.Vec {
	n := &ft.octree.Nodes[node]
	lo, hi := ft.Box.CellExtent(n.Start, n.Range)
	return r3.Scale(0.5, r3.Add(r3.Vec{X: lo[0], Y: lo[1], Z: lo[2]}, r3.Vec{X: hi[0], Y: hi[1], Z: hi[2]}))
}
