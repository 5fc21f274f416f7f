package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"lockstep.ai/internal/persistence/indexdb"
	"lockstep.ai/internal/sim/command"
)

type indexOptions struct {
	*rootOptions
	Database string
	Session  string
	MapID    int32
}

func newIndexCommand(root *rootOptions) *cobra.Command {
	opts := &indexOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Query the sqlite command index",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the index sqlite file (required)")
	_ = cmd.MarkPersistentFlagRequired("db")
	cmd.PersistentFlags().StringVar(&opts.Session, "session", "", "session id (default: the latest)")

	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIndex(opts, func(ctx context.Context, db *sql.DB) error {
				ids, err := indexdb.Sessions(ctx, db)
				if err != nil {
					return err
				}
				return emit(opts.rootOptions, cmd.OutOrStdout(), ids, func(w io.Writer) {
					for _, id := range ids {
						fmt.Fprintln(w, id)
					}
				})
			})
		},
	}

	commands := &cobra.Command{
		Use:   "commands",
		Short: "List one map's indexed commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIndex(opts, func(ctx context.Context, db *sql.DB) error {
				session, err := pickSession(ctx, db, opts.Session)
				if err != nil {
					return err
				}
				rows, err := indexdb.Commands(ctx, db, session, opts.MapID)
				if err != nil {
					return err
				}
				return emit(opts.rootOptions, cmd.OutOrStdout(), rows, func(w io.Writer) {
					for _, r := range rows {
						fmt.Fprintf(w, "seq=%-6d tick=%-6d player=%-3d %s", r.Seq, r.Tick, r.PlayerID, r.Type)
						if r.SyncID.Valid {
							fmt.Fprintf(w, " sync#%d", r.SyncID.Int64)
						}
						fmt.Fprintln(w)
					}
					fmt.Fprintf(w, "%s commands on map %d\n", humanize.Comma(int64(len(rows))), opts.MapID)
				})
			})
		},
	}
	commands.Flags().Int32Var(&opts.MapID, "map", command.GlobalMap, "map id")

	desyncs := &cobra.Command{
		Use:   "desyncs",
		Short: "List reported digest mismatches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIndex(opts, func(ctx context.Context, db *sql.DB) error {
				session, err := pickSession(ctx, db, opts.Session)
				if err != nil {
					return err
				}
				rows, err := indexdb.DesyncReports(ctx, db, session)
				if err != nil {
					return err
				}
				return emit(opts.rootOptions, cmd.OutOrStdout(), rows, func(w io.Writer) {
					if len(rows) == 0 {
						fmt.Fprintln(w, "no desyncs")
						return
					}
					for _, r := range rows {
						fmt.Fprintf(w, "tick=%-6d player=%d reference=%d %s != %s\n", r.Tick, r.Reporter, r.Reference, r.ReportedHash, r.ReferenceHash)
					}
				})
			})
		},
	}

	cmd.AddCommand(sessions, commands, desyncs)
	return cmd
}

func withIndex(opts *indexOptions, fn func(context.Context, *sql.DB) error) error {
	db, err := indexdb.OpenReadOnly(opts.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(context.Background(), db)
}

func pickSession(ctx context.Context, db *sql.DB, session string) (string, error) {
	if session != "" {
		return session, nil
	}
	ids, err := indexdb.Sessions(ctx, db)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("index has no sessions")
	}
	return ids[len(ids)-1], nil
}

func emit(opts *rootOptions, out io.Writer, v any, text func(io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}
