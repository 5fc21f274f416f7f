package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"lockstep.ai/internal/persistence/replay"
)

type exportOptions struct {
	*rootOptions
	Out string
}

func newExportCommand(root *rootOptions) *cobra.Command {
	opts := &exportOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "export <session-dir>",
		Short: "Compact a session's journals into canonical archives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd.OutOrStdout(), args[0])
		},
	}
	cmd.Flags().StringVar(&opts.Out, "out", "", "archive directory (default: the session dir)")
	return cmd
}

func runExport(opts *exportOptions, out io.Writer, dir string) error {
	outDir := opts.Out
	if outDir == "" {
		outDir = dir
	}
	reps, err := replay.ExportDir(dir, outDir)
	if opts.Format == "json" {
		js := make([]reportJSON, 0, len(reps))
		for _, r := range reps {
			js = append(js, toJSON(replay.ArchivePath(outDir, r.MapID), r))
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if eerr := enc.Encode(js); eerr != nil {
			return eerr
		}
		return err
	}
	total := 0
	for _, r := range reps {
		total += r.Commands
		note := ""
		if r.Truncated {
			note = " (torn tail dropped)"
		}
		fmt.Fprintf(out, "map %d: %s commands -> %s%s\n", r.MapID, humanize.Comma(int64(r.Commands)), replay.ArchivePath(outDir, r.MapID), note)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "exported %d maps, %s commands\n", len(reps), humanize.Comma(int64(total)))
	return nil
}
