// Command replay inspects the authority's persisted replay logs: it dumps
// journals and archives, compacts journals into archives, verifies the
// ordering properties a replay relies on and reads the sqlite index and
// the lifecycle event log.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	Format string // "text" | "json"
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Inspect lockstep replay logs",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newDumpCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newIndexCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
