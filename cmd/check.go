package cmd

import (
	"context"
	"fmt"
	"github.com/notargets/sfcdomain/halos"
	"github.com/notargets/sfcdomain/neighbors"
	"github.com/spf13/cobra"
)

// CheckCmd verifies that the halos hold every neighbor of the owned particles
var CheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare neighbor counts on the decomposed domain against a single rank search",
	PreRun: func(cmd *cobra.Command, args []string) {
		bindFlags(cmd, "ranks", "particles", "backend", "h")
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ip, err := loadParameters()
		if err != nil {
			return err
		}
		box, _ := ip.Box()
		b := newBlob(ip, box)
		radius := make([]float64, len(b.h))
		for i, h := range b.h {
			radius[i] = halos.SearchFactor * h
		}
		want := neighbors.Count(box, b.points(), radius, b.points())

		got := make([]int, len(want))
		runs, err := runRanks(context.Background(), ip, b, func(ctx context.Context, r *rankRun) error {
			if err := syncStore(ctx, r.d, r.st); err != nil {
				return err
			}
			q, qr := ownedPoints(r.d, r.st)
			id := r.st.Field(fieldID)
			// ids are disjoint between ranks
			for i, n := range neighbors.Count(r.d.Box(), q, qr, allPoints(r.st)) {
				got[int(id[r.d.StartIndex()+i])] = n
			}
			return nil
		})
		if err != nil {
			return err
		}
		report(runs)

		var owned, sumGot, sumWant int
		for _, r := range runs {
			owned += r.d.NParticles()
		}
		for i := range want {
			sumGot += got[i]
			sumWant += want[i]
		}
		fmt.Printf("owned %d of %d particles, neighbor sum %d, single rank %d\n",
			owned, len(want), sumGot, sumWant)
		if owned != len(want) {
			return fmt.Errorf("%d particles lost", len(want)-owned)
		}
		if bad := neighbors.Mismatches(got, want); len(bad) > 0 {
			return fmt.Errorf("%d particles have incomplete halos, first %d with h %g",
				len(bad), bad[0], b.h[bad[0]])
		}
		fmt.Println("halos complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(CheckCmd)
	addParticleFlags(CheckCmd)
}
