package indexdb

import (
	"context"
	"database/sql"
)

type CommandRow struct {
	Seq      uint64
	Tick     int32
	MapID    int32
	PlayerID int32
	Type     string
	SyncID   sql.NullInt64
}

// Sessions lists every session id recorded in the file, oldest first.
func Sessions(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT session_id FROM sessions ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type DesyncRow struct {
	Tick          int32
	Reporter      int32
	Reference     int32
	ReferenceHash string
	ReportedHash  string
}

// OpenReadOnly opens an index file for queries alongside a running writer.
func OpenReadOnly(path string) (*sql.DB, error) {
	return sql.Open("sqlite", "file:"+path+"?mode=ro")
}

// Commands lists one map's indexed commands for a session in order.
func Commands(ctx context.Context, db *sql.DB, session string, mapID int32) ([]CommandRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT seq,tick,map_id,player_id,type,sync_id FROM commands WHERE session_id=? AND map_id=? ORDER BY seq`,
		session, mapID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CommandRow
	for rows.Next() {
		var r CommandRow
		var seq int64
		if err := rows.Scan(&seq, &r.Tick, &r.MapID, &r.PlayerID, &r.Type, &r.SyncID); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

func DesyncReports(ctx context.Context, db *sql.DB, session string) ([]DesyncRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT tick,reporter,reference,reference_hash,reported_hash FROM desync_reports WHERE session_id=? ORDER BY tick,reporter`,
		session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DesyncRow
	for rows.Next() {
		var r DesyncRow
		if err := rows.Scan(&r.Tick, &r.Reporter, &r.Reference, &r.ReferenceHash, &r.ReportedHash); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
