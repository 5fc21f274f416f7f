// Package eventlog keeps an append-only audit trail of session lifecycle
// events as hourly rotated jsonl.zst files.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"lockstep.ai/internal/sim/authority"
)

// Writer appends one JSON value per line; the file rolls over every UTC hour.
type Writer struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewWriter(baseDir, prefix string) *Writer {
	return &Writer{baseDir: baseDir, prefix: prefix, now: time.Now}
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *Writer) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *Writer) closeLocked() error {
	var err error
	if w.w != nil {
		err = w.w.Flush()
	}
	if w.enc != nil {
		if cerr := w.enc.Close(); err == nil {
			err = cerr
		}
		w.enc = nil
	}
	if w.f != nil {
		if cerr := w.f.Close(); err == nil {
			err = cerr
		}
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err
}

func (w *Writer) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// AuthorityLog records authority lifecycle events under <sessionDir>/events.
// Write failures are counted and logged, never returned to the authority.
type AuthorityLog struct {
	w      *Writer
	logger *log.Logger
	errs   atomic.Uint64
}

func NewAuthorityLog(sessionDir string, logger *log.Logger) *AuthorityLog {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &AuthorityLog{w: NewWriter(filepath.Join(sessionDir, "events"), "authority"), logger: logger}
}

func (a *AuthorityLog) RecordEvent(e authority.Event) {
	if err := a.w.Write(e); err != nil {
		if a.errs.Add(1) == 1 {
			a.logger.Printf("event log: %v", err)
		}
	}
}

func (a *AuthorityLog) WriteErrors() uint64 { return a.errs.Load() }

func (a *AuthorityLog) Close() error { return a.w.Close() }

// Files lists the event files of a session in chronological order.
func Files(sessionDir string) ([]string, error) {
	out, err := filepath.Glob(filepath.Join(sessionDir, "events", "authority-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ReadFile decodes every event in one closed file.
func ReadFile(path string) ([]authority.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []authority.Event
	jd := json.NewDecoder(dec)
	for {
		var e authority.Event
		if err := jd.Decode(&e); err == io.EOF {
			return out, nil
		} else if err != nil {
			return out, fmt.Errorf("%s: event %d: %w", filepath.Base(path), len(out), err)
		}
		out = append(out, e)
	}
}
