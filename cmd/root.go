package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dIdx/cmd/bench"
	"github.com/ValentinKolb/dIdx/cmd/demo"
	"github.com/ValentinKolb/dIdx/cmd/inspect"
	"github.com/ValentinKolb/dIdx/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "didx",
		Short: "secondary indexes for actors",
		Long: fmt.Sprintf(`dIdx (v%s)

Secondary indexes over the state of single-threaded actors, kept consistent
with transactional, eager, lazy or fault tolerant updates and persisted in
memory, in a bolt file or in a RAFT replicated store.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dIdx",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dIdx v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(demo.DemoCmd)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(inspect.IndexCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupConfigFlags(RootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
