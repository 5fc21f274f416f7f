package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"lockstep.ai/internal/persistence/eventlog"
	"lockstep.ai/internal/sim/authority"
)

type eventsOptions struct {
	*rootOptions
	Kind string
}

func newEventsCommand(root *rootOptions) *cobra.Command {
	opts := &eventsOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "events <session-dir | file.jsonl.zst>",
		Short: "Print a session's lifecycle event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd.OutOrStdout(), args[0])
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only show events of this kind")
	return cmd
}

func runEvents(opts *eventsOptions, out io.Writer, target string) error {
	files := []string{target}
	if fi, err := os.Stat(target); err != nil {
		return err
	} else if fi.IsDir() {
		if files, err = eventlog.Files(target); err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("%s: no event files", target)
		}
	}

	var events []authority.Event
	for _, f := range files {
		evs, err := eventlog.ReadFile(f)
		if err != nil {
			return err
		}
		for _, e := range evs {
			if opts.Kind == "" || e.Kind == opts.Kind {
				events = append(events, e)
			}
		}
	}
	return emit(opts.rootOptions, out, events, func(w io.Writer) {
		for _, e := range events {
			line := fmt.Sprintf("%s tick=%d %-14s player=%d", e.At.Format("15:04:05.000"), e.Tick, e.Kind, e.PlayerID)
			if e.Name != "" {
				line += fmt.Sprintf(" name=%q", e.Name)
			}
			if e.Detail != "" {
				line += " " + e.Detail
			}
			fmt.Fprintln(w, strings.TrimSpace(line))
		}
		fmt.Fprintf(w, "%s events\n", humanize.Comma(int64(len(events))))
	})
}
