// Command pirateradio-client is a headless demo listener: it bootstraps
// a bearer token and session membership over the coordinator's REST
// surface, then drives the full client stack (transport, kernel,
// session store) against an in-package demo music source (demoVendor),
// logging every observable event to stdout. Command-tree style grounded
// on the ManuGH-xg2g daemon's report_cmd.go/status_cmd.go (flag binding
// in a command constructor, RunE, a small JSON REST client with a
// bearer token).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pirateradio-client",
		Short: "Join a pirate radio listening session from the command line",
	}
	root.AddCommand(versionCmd())
	root.AddCommand(connectCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("pirateradio-client %s\n", version)
			return nil
		},
	}
}
