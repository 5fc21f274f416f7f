package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"lockstep.ai/internal/garden"
	"lockstep.ai/internal/persistence/replay"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/syncproc"
)

type dumpOptions struct {
	*rootOptions
	Limit int
}

type dumpRow struct {
	Seq      uint64 `json:"seq,omitempty"`
	Tick     int32  `json:"tick"`
	MapID    int32  `json:"map_id"`
	PlayerID int32  `json:"player_id"`
	Faction  int32  `json:"faction_id"`
	Type     string `json:"type"`
	Handler  string `json:"handler,omitempty"`
	Payload  int    `json:"payload_bytes"`
}

func newDumpCommand(root *rootOptions) *cobra.Command {
	opts := &dumpOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print every command of a journal (.journal.zst) or archive (.lsrp.zst)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(opts, cmd.OutOrStdout(), args[0])
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "stop after n commands (0 = all)")
	return cmd
}

func runDump(opts *dumpOptions, out io.Writer, path string) error {
	cmds, seqs, truncated, err := loadFile(path)
	if err != nil {
		return err
	}
	procs, _ := garden.Registry()
	rows := make([]dumpRow, 0, len(cmds))
	for i, c := range cmds {
		if opts.Limit > 0 && i >= opts.Limit {
			break
		}
		r := dumpRow{
			Tick:     c.Tick,
			MapID:    c.MapID,
			PlayerID: c.PlayerID,
			Faction:  c.FactionID,
			Type:     c.Type.String(),
			Payload:  len(c.Payload),
		}
		if i < len(seqs) {
			r.Seq = seqs[i]
		}
		r.Handler = handlerName(procs, c)
		rows = append(rows, r)
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	for _, r := range rows {
		fmt.Fprintf(out, "seq=%-6d tick=%-6d map=%-3d player=%-3d %s", r.Seq, r.Tick, r.MapID, r.PlayerID, r.Type)
		if r.Handler != "" {
			fmt.Fprintf(out, " %s", r.Handler)
		}
		fmt.Fprintf(out, " (%s)\n", humanize.Bytes(uint64(r.Payload)))
	}
	fmt.Fprintf(out, "%s commands", humanize.Comma(int64(len(cmds))))
	if st, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, ", %s on disk", humanize.Bytes(uint64(st.Size())))
	}
	if truncated {
		fmt.Fprint(out, ", torn tail dropped")
	}
	fmt.Fprintln(out)
	return nil
}

func handlerName(procs *syncproc.Registry, c command.Command) string {
	if c.Type != command.TypeSync && c.Type != command.TypeDebug {
		return ""
	}
	id, err := syncproc.PeekID(c.Payload)
	if err != nil {
		return "?"
	}
	if h, ok := procs.Lookup(id); ok {
		return h.Name
	}
	return fmt.Sprintf("sync#%d", id)
}

// loadFile reads a journal or an archive, picked by suffix. Archives carry
// no sequence numbers.
func loadFile(path string) (cmds []command.Command, seqs []uint64, truncated bool, err error) {
	switch {
	case strings.HasSuffix(path, ".journal.zst"):
		recs, rerr := replay.ReadJournalFile(path)
		truncated = errors.Is(rerr, replay.ErrTruncated)
		if rerr != nil && !truncated {
			return nil, nil, false, rerr
		}
		cmds, seqs, err = replay.Decode(recs)
		return cmds, seqs, truncated, err
	case strings.HasSuffix(path, ".lsrp.zst"):
		a, rerr := replay.ReadArchiveFile(path)
		if rerr != nil {
			return nil, nil, false, rerr
		}
		return a.Commands, nil, false, nil
	}
	return nil, nil, false, fmt.Errorf("%s: expected a .journal.zst or .lsrp.zst file", path)
}
