// Command pirateradio-server runs the coordinator: the Echo application
// from internal/server/httpapi plus its background sweeps, under a
// cobra command tree. Flag/RunE style grounded on the ManuGH-xg2g
// daemon's report_cmd.go and status_cmd.go subcommands; the "serve"
// loop itself is grounded on that repo's internal/daemon/app.go
// (errgroup.WithContext orchestrating several long-running goroutines
// against one cancellation signal).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "none"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pirateradio-server",
		Short: "Run the pirate radio synchronized-playback coordinator",
	}
	root.AddCommand(versionCmd())
	root.AddCommand(serveCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("pirateradio-server %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
