package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"janus/internal/logger"
)

var (
	verbose bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "janus",
	Short: "Janus - ZeroMQ RPC and pub/sub overlay node",
	Long: `Janus runs nodes of a ZeroMQ-based RPC and publish/subscribe overlay.
A client node multiplexes in-process clients over ROUTER and SUB sockets to a
set of server peers; a server node answers requests and publishes updates.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetSilentMode(quiet)
		if verbose {
			logger.SetLevel("debug")
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress log output")

	// Add subcommands
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pingCmd)
}

func exitWithError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
