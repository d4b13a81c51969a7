package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	// build time date
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts runOptions

	rootCmd := &cobra.Command{
		Use:   "hotpatch",
		Short: "Inject a shared patch engine into a running host",
		Long: `hotpatch boots a host from its component directory, waits for it to finish
starting, then swaps its active module for one with the shared patch engine
installed. Rebuilds requested after injection are held back behind a restart
prompt.`,
		Version:      fmt.Sprintf("%s (built: %s)", version, buildDate),
		SilenceUsage: true,
		// Default to the run command when no subcommand is given
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHost(cmd.Context(), opts)
		},
	}
	addRunFlags(rootCmd, &opts)

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newCtlCmd())
	return rootCmd
}
