package cmd

import (
	"fmt"
	"github.com/notargets/sfcdomain/octree"
	"github.com/notargets/sfcdomain/sfc"
	"github.com/notargets/sfcdomain/treeio"
	"github.com/spf13/cobra"
)

// DumpCmd prints a global tree snapshot written by run --snapshot
var DumpCmd = &cobra.Command{
	Use:   "dump <snapshot>",
	Short: "Print the leaf statistics of a global tree snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := treeio.Load(args[0])
		if err != nil {
			return err
		}
		bucket, _ := cmd.Flags().GetUint32("bucket")
		var total uint64
		var maxCount uint32
		levels := make([]int, sfc.MaxTreeLevel+1)
		for i, c := range s.Counts {
			total += uint64(c)
			maxCount = max(maxCount, c)
			levels[sfc.TreeLevel(s.Tree[i+1]-s.Tree[i])]++
		}
		fmt.Printf("%d leaves, %d particles, largest leaf %d\n", len(s.Counts), total, maxCount)
		fmt.Printf("%6s %10s\n", "level", "leaves")
		for level, n := range levels {
			if n > 0 {
				fmt.Printf("%6d %10d\n", level, n)
			}
		}
		if bucket > 0 {
			over := octree.OverfullLeaves(s.Tree, s.Counts, bucket)
			fmt.Printf("%d leaves above %d particles (unsplittable)\n", len(over), bucket)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(DumpCmd)
	DumpCmd.Flags().Uint32("bucket", 0, "report leaves above this count")
}
