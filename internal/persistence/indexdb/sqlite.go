// Package indexdb is a queryable read model of a session: every accepted
// command and every desync report, written by one background goroutine.
// The replay journal stays the source of truth; the index may drop rows.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"lockstep.ai/internal/sim/authority"
	"lockstep.ai/internal/sim/command"
)

type SQLiteIndex struct {
	db      *sql.DB
	session string

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropCommand atomic.Uint64
	dropDesync  atomic.Uint64
	writeErrors atomic.Uint64
}

type reqKind int

const (
	reqCommand reqKind = iota + 1
	reqDesync
)

type req struct {
	kind reqKind

	seq     uint64
	command command.Command
	desync  authority.DesyncReport
	at      time.Time
}

type Stats struct {
	DropCommandTotal uint64
	DropDesyncTotal  uint64
	WriteErrorTotal  uint64
	QueueDepth       int
	QueueCapacity    int
}

type Options struct {
	// SessionID tags every row so one file can hold several sessions.
	SessionID string
	// QueueSize bounds the writer backlog; 0 picks a default.
	QueueSize int
}

func OpenSQLite(path string, opts Options) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 65536
	}

	s := &SQLiteIndex{
		db:      db,
		session: opts.SessionID,
		ch:      make(chan req, opts.QueueSize),
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO sessions(session_id,started_at) VALUES(?,?)`,
		s.session, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			map_id INTEGER NOT NULL,
			player_id INTEGER NOT NULL,
			faction_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			sync_id INTEGER,
			payload BLOB,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_map_tick ON commands(session_id, map_id, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_player_tick ON commands(session_id, player_id, tick);`,
		`CREATE TABLE IF NOT EXISTS desync_reports (
			session_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			reporter INTEGER NOT NULL,
			reference INTEGER NOT NULL,
			reference_hash TEXT NOT NULL,
			reference_count INTEGER NOT NULL,
			reported_hash TEXT NOT NULL,
			reported_count INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (session_id, tick, reporter)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordCommand implements authority.Index. It never blocks.
func (s *SQLiteIndex) RecordCommand(seq uint64, c command.Command) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqCommand, seq: seq, command: c}:
	default:
		s.dropCommand.Add(1)
	}
}

func (s *SQLiteIndex) RecordDesync(r authority.DesyncReport) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqDesync, desync: r, at: time.Now().UTC()}:
	default:
		s.dropDesync.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropCommandTotal: s.dropCommand.Load(),
		DropDesyncTotal:  s.dropDesync.Load(),
		WriteErrorTotal:  s.writeErrors.Load(),
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
	}
}

func syncID(c command.Command) any {
	if (c.Type != command.TypeSync && c.Type != command.TypeDebug) || len(c.Payload) < 4 {
		return nil
	}
	return int64(int32(binary.LittleEndian.Uint32(c.Payload)))
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertCommand, _ := s.db.Prepare(`INSERT OR REPLACE INTO commands(session_id,seq,tick,map_id,player_id,faction_id,type,sync_id,payload) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertDesync, _ := s.db.Prepare(`INSERT OR REPLACE INTO desync_reports(session_id,tick,reporter,reference,reference_hash,reference_count,reported_hash,reported_count,recorded_at) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertCommand != nil {
			_ = insertCommand.Close()
		}
		if insertDesync != nil {
			_ = insertDesync.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrors.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeErrors.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqCommand:
			c := r.command
			if insertCommand == nil {
				continue
			}
			if _, err := tx.Stmt(insertCommand).Exec(
				s.session, int64(r.seq), c.Tick, c.MapID, c.PlayerID, c.FactionID,
				c.Type.String(), syncID(c), c.Payload,
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqDesync:
			d := r.desync
			if insertDesync == nil {
				continue
			}
			if _, err := tx.Stmt(insertDesync).Exec(
				s.session, d.Tick, d.Reporter, d.Reference,
				fmt.Sprintf("%016x", d.ReferenceDigest.Hash), int64(d.ReferenceDigest.Count),
				fmt.Sprintf("%016x", d.ReportedDigest.Hash), int64(d.ReportedDigest.Count),
				r.at.Format(time.RFC3339Nano),
			); err != nil {
				rollback()
				continue
			}
			opCount++
			// Desyncs are rare and worth seeing right away.
			commit()
			continue
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}
