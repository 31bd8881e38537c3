package cmd

import (
	"fmt"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"net/http"
	"os"
	"strings"
)

var (
	cfgFile     string
	stopProfile interface{ Stop() }
)

var rootCmd = &cobra.Command{
	Use:   "sfcdomain",
	Short: "Distributed space filling curve domain decomposition with halo exchange",
	Long: `
Decomposes a particle set over a number of in-process ranks along a Morton
curve, exchanges particles to their owners and builds the halos each rank
needs for neighbor searches.

Parameters come from a YAML file (--config), flags and SFCDOMAIN_* environment
variables, flags taking precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch mode := viper.GetString("profile"); mode {
		case "":
		case "cpu":
			stopProfile = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
		case "mem":
			stopProfile = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
		default:
			return fmt.Errorf("unknown profile mode %q, use cpu or mem", mode)
		}
		if addr := viper.GetString("metrics-addr"); addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			go func() {
				log.Printf("metrics server stopped: %v", http.ListenAndServe(addr, mux))
			}()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if stopProfile != nil {
			stopProfile.Stop()
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "I", "", "YAML file with the run parameters")
	rootCmd.PersistentFlags().String("profile", "", "write a cpu or mem profile to the current directory")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log every sync step")
	for _, name := range []string{"profile", "metrics-addr", "verbose"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func initConfig() {
	viper.SetEnvPrefix("SFCDOMAIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindFlags registers the flags of a command with viper
func bindFlags(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}
}
