// Command flux runs the gossip-coordinated reverse proxy described in
// SPEC_FULL.md. Subcommands are grounded on internal/cli/agent.go's cobra
// command-tree convention: a root command, flags bound in each subcommand's
// constructor, and RunE-based subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "flux",
		Short: "Gossip-coordinated TCP reverse proxy",
		Long:  "flux fronts a set of TCP backends, selecting among the healthy ones and disseminating health state across a cluster via a SWIM-style gossip protocol.",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the flux version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
