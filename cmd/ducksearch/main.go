// Package main is the entry point for the ducksearch binary: `ducksearch
// serve` and `ducksearch lint` (spec §6.1).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a returned error to the process exit code spec §6.1
// requires: 1 for a lint failure (at least one finding), 2 for any other
// tool error (config, I/O). Report parse failures reach lint as findings.
func exitCodeFor(err error) int {
	if _, ok := err.(*lintFailure); ok {
		return 1
	}
	return 2
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ducksearch",
		Short:         "Compile and serve SQL-annotated report artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newLintCmd())
	return root
}
