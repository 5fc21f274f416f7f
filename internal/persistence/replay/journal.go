// Package replay persists the authority's command log: an append-only
// journal written while the session runs, and the canonical per-map archive
// it is compacted into.
package replay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"lockstep.ai/internal/codec/binio"
)

// ErrTruncated marks a journal whose last record was cut short, usually by
// a crash mid-write. Everything before it is intact.
var ErrTruncated = errors.New("replay: truncated journal record")

const journalSuffix = ".journal.zst"

// Record is one journal entry: the authority sequence number and the
// command frame exactly as it was accepted.
type Record struct {
	Seq   uint64
	Frame []byte
}

type journalFile struct {
	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer
}

// Journal appends records to one zstd stream per map under dir. Append
// flushes through the encoder before returning.
type Journal struct {
	dir string

	mu    sync.Mutex
	files map[int32]*journalFile
	buf   *binio.Writer
}

func OpenJournal(dir string) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty journal dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Journal{dir: dir, files: map[int32]*journalFile{}, buf: binio.NewWriter(256)}, nil
}

func (j *Journal) Dir() string { return j.dir }

// JournalPath is where the journal for mapID lives under dir.
func JournalPath(dir string, mapID int32) string {
	return filepath.Join(dir, fmt.Sprintf("map_%d%s", mapID, journalSuffix))
}

func (j *Journal) Append(mapID int32, seq uint64, frame []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	jf, err := j.fileLocked(mapID)
	if err != nil {
		return err
	}
	j.buf.Reset()
	j.buf.WriteInt32(int32(len(frame)))
	j.buf.WriteUint64(seq)
	j.buf.Write(frame)
	if _, err := jf.w.Write(j.buf.Bytes()); err != nil {
		return err
	}
	if err := jf.w.Flush(); err != nil {
		return err
	}
	return jf.enc.Flush()
}

func (j *Journal) fileLocked(mapID int32) (*journalFile, error) {
	if jf, ok := j.files[mapID]; ok {
		return jf, nil
	}
	f, err := os.OpenFile(JournalPath(j.dir, mapID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	jf := &journalFile{f: f, enc: enc, w: bufio.NewWriterSize(enc, 64*1024)}
	j.files[mapID] = jf
	return jf, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var first error
	for id, jf := range j.files {
		_ = jf.w.Flush()
		if err := jf.enc.Close(); err != nil && first == nil {
			first = err
		}
		if err := jf.f.Close(); err != nil && first == nil {
			first = err
		}
		delete(j.files, id)
	}
	return first
}

// ReadJournal decodes every record in r. A torn final record yields the
// intact prefix together with ErrTruncated.
func ReadJournal(r io.Reader) ([]Record, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := io.ReadAll(dec)
	if err != nil && len(raw) == 0 {
		return nil, err
	}
	truncatedStream := err != nil

	br := binio.NewReader(raw)
	var out []Record
	for br.Remaining() > 0 {
		start := br.Offset()
		n, err := br.ReadLen()
		if err != nil {
			if errors.Is(err, binio.ErrShortBuffer) {
				return out, fmt.Errorf("%w at offset %d", ErrTruncated, start)
			}
			return out, err
		}
		seq, err := br.ReadUint64()
		if err != nil {
			return out, fmt.Errorf("%w at offset %d", ErrTruncated, start)
		}
		frame, err := br.ReadBytes(n)
		if err != nil {
			return out, fmt.Errorf("%w at offset %d", ErrTruncated, start)
		}
		out = append(out, Record{Seq: seq, Frame: frame})
	}
	if truncatedStream {
		return out, fmt.Errorf("%w: compressed stream ended early", ErrTruncated)
	}
	return out, nil
}

func ReadJournalFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadJournal(f)
}

// JournalMaps lists the map ids that have a journal under dir, ascending.
func JournalMaps(dir string) ([]int32, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "map_") || !strings.HasSuffix(name, journalSuffix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "map_"), journalSuffix), 10, 32)
		if err != nil {
			continue
		}
		out = append(out, int32(id))
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out, nil
}
