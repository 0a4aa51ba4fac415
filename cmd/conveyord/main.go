// Command conveyord runs the Conveyor task service: the HTTP API, the
// worker pool, and a Prometheus metrics endpoint, wired to the
// configured repository and broker backends.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "conveyord",
		Short:   "Conveyor background task scheduling and execution service",
		Version: version,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
