// fleet is the IMAP ingestion control plane's entry point: serve runs the
// long-running fleet, status prints the live schedule table, and version
// reports the build version — replacing the teacher's bare flag.Bool
// version switch with a proper subcommand tree.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleet",
		Short:         "IMAP ingestion fleet control plane",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newVersionCmd())
	return root
}
