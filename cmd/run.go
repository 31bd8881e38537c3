package cmd

import (
	"context"
	"fmt"
	"github.com/notargets/sfcdomain/config"
	"github.com/notargets/sfcdomain/treeio"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"time"
)

// RunCmd moves a gaussian blob of particles and syncs the domain every step
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Decompose a moving particle blob over several steps",
	Long: `
Generates a gaussian blob of particles, distributes it over the ranks and
runs the given number of steps. Each step syncs the domain, computes a
neighbor count density and refreshes its halo copies, then drifts the
particles. Prints the decomposition of every rank at the end.

Example input file:` + config.Example,
	PreRun: func(cmd *cobra.Command, args []string) {
		bindFlags(cmd, "ranks", "particles", "steps", "backend", "h", "snapshot")
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ip, err := loadParameters()
		if err != nil {
			return err
		}
		ip.Print()
		box, _ := ip.Box()
		b := newBlob(ip, box)
		start := time.Now()
		runs, err := runRanks(context.Background(), ip, b, func(ctx context.Context, r *rankRun) error {
			for step := 0; step < ip.Steps; step++ {
				if step > 0 {
					drift(r.d, r.st, ip.TimeStep)
				}
				if err := syncStore(ctx, r.d, r.st); err != nil {
					return err
				}
				if err := density(ctx, r.d, r.st); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Printf("%d steps in %v\n", ip.Steps, time.Since(start))
		report(runs)
		if path := viper.GetString("snapshot"); path != "" {
			d := runs[0].d
			if err = treeio.Save(path, d.GlobalTree(), d.GlobalCounts()); err != nil {
				return err
			}
			fmt.Printf("global tree written to %s\n", path)
		}
		return nil
	},
}

func report(runs []*rankRun) {
	d0 := runs[0].d
	fmt.Printf("global tree: %d leaves\n", len(d0.GlobalCounts()))
	fmt.Printf("%6s %10s %10s %12s %12s\n", "rank", "owned", "halos", "focusLeaves", "haloRanks")
	for rank, r := range runs {
		d := r.d
		fmt.Printf("%6d %10d %10d %12d %12d\n", rank, d.NParticles(),
			d.NParticlesWithHalos()-d.NParticles(), d.FocusTree().NumLeaves(), len(d.Layout().Incoming))
	}
	fmt.Println(d0.Assignment().Statistics())
}

func addParticleFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("ranks", "r", 4, "number of ranks")
	cmd.Flags().IntP("particles", "n", 1000, "particles per rank")
	cmd.Flags().String("backend", "host", "host or occa")
	cmd.Flags().Float64("h", 0.01, "smoothing length")
}

func init() {
	rootCmd.AddCommand(RunCmd)
	addParticleFlags(RunCmd)
	RunCmd.Flags().IntP("steps", "s", 3, "number of steps")
	RunCmd.Flags().String("snapshot", "", "write the final global tree to this file")
}
