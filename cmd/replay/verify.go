package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"lockstep.ai/internal/persistence/replay"
)

type verifyOptions struct {
	*rootOptions
}

type reportJSON struct {
	File      string         `json:"file"`
	MapID     int32          `json:"map_id"`
	Commands  int            `json:"commands"`
	FirstTick int32          `json:"first_tick"`
	LastTick  int32          `json:"last_tick"`
	ByType    map[string]int `json:"by_type"`
	Players   int            `json:"players"`
	Truncated bool           `json:"truncated,omitempty"`
	Problems  []string       `json:"problems,omitempty"`
}

func newVerifyCommand(root *rootOptions) *cobra.Command {
	opts := &verifyOptions{rootOptions: root}
	return &cobra.Command{
		Use:   "verify <file|dir>...",
		Short: "Check total order, tick monotonicity and frame decoding",
		Long: `Verify journals and archives. A directory is expanded to every
journal and archive it contains.

Exits non-zero when any file has a problem. A torn journal tail is
reported but is not a problem.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd.OutOrStdout(), args)
		},
	}
}

func runVerify(opts *verifyOptions, out io.Writer, args []string) error {
	files, err := expandReplayFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no replay files under %s", strings.Join(args, " "))
	}
	var reps []reportJSON
	bad := 0
	for _, f := range files {
		rep, err := verifyFile(f)
		if err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		if !rep.OK() {
			bad++
		}
		reps = append(reps, toJSON(f, rep))
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reps); err != nil {
			return err
		}
	} else {
		for _, r := range reps {
			printReport(out, r)
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d files failed verification", bad, len(files))
	}
	return nil
}

func verifyFile(path string) (replay.Report, error) {
	if strings.HasSuffix(path, ".lsrp.zst") {
		return replay.VerifyArchiveFile(path)
	}
	id, err := journalMapID(path)
	if err != nil {
		return replay.Report{}, err
	}
	return replay.VerifyJournalFile(path, id)
}

// journalMapID parses map_<id>.journal.zst.
func journalMapID(path string) (int32, error) {
	base := filepath.Base(path)
	s := strings.TrimSuffix(strings.TrimPrefix(base, "map_"), ".journal.zst")
	id, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: not a map journal name", base)
	}
	return int32(id), nil
}

func expandReplayFiles(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		st, err := os.Stat(a)
		if err != nil {
			return nil, err
		}
		if !st.IsDir() {
			out = append(out, a)
			continue
		}
		ents, err := os.ReadDir(a)
		if err != nil {
			return nil, err
		}
		for _, e := range ents {
			n := e.Name()
			if !e.IsDir() && (strings.HasSuffix(n, ".journal.zst") || strings.HasSuffix(n, ".lsrp.zst")) {
				out = append(out, filepath.Join(a, n))
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func toJSON(file string, r replay.Report) reportJSON {
	j := reportJSON{
		File:      file,
		MapID:     r.MapID,
		Commands:  r.Commands,
		FirstTick: r.FirstTick,
		LastTick:  r.LastTick,
		ByType:    map[string]int{},
		Players:   len(r.Players),
		Truncated: r.Truncated,
	}
	for t, n := range r.ByType {
		j.ByType[t.String()] = n
	}
	for _, p := range r.Problems {
		j.Problems = append(j.Problems, p.String())
	}
	return j
}

func printReport(out io.Writer, r reportJSON) {
	status := "ok"
	if len(r.Problems) > 0 {
		status = "FAIL"
	}
	fmt.Fprintf(out, "%-4s %s map=%d commands=%s ticks=%d..%d players=%d",
		status, r.File, r.MapID, humanize.Comma(int64(r.Commands)), r.FirstTick, r.LastTick, r.Players)
	if r.Truncated {
		fmt.Fprint(out, " (torn tail)")
	}
	fmt.Fprintln(out)
	types := make([]string, 0, len(r.ByType))
	for t := range r.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(out, "     %-12s %s\n", t, humanize.Comma(int64(r.ByType[t])))
	}
	for _, p := range r.Problems {
		fmt.Fprintf(out, "     problem %s\n", p)
	}
}
