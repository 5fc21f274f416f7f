package mirror

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Uploader is the one call the mirror makes against the bucket.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Stats struct {
	EnqueuedTotal      uint64 `json:"enqueued_total"`
	DroppedTotal       uint64 `json:"dropped_total"`
	UploadSuccessTotal uint64 `json:"upload_success_total"`
	UploadFailTotal    uint64 `json:"upload_fail_total"`
}

type Options struct {
	Prefix  string
	Workers int
	Queue   int
	// Attempts per file; backoff grows quadratically from Backoff.
	Attempts int
	Backoff  time.Duration
}

// Mirror uploads files relative to dataDir through a small worker pool.
type Mirror struct {
	up      Uploader
	dataDir string
	opts    Options
	logger  *log.Logger

	jobs chan string
	wg   sync.WaitGroup

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	ok       atomic.Uint64
	failed   atomic.Uint64
}

func New(up Uploader, dataDir string, opts Options, logger *log.Logger) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Queue <= 0 {
		opts.Queue = 1024
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	m := &Mirror{up: up, dataDir: dataDir, opts: opts, logger: logger, jobs: make(chan string, opts.Queue)}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.upload(p)
			}
		}()
	}
	return m
}

// Enqueue never blocks; a full queue drops the file.
func (m *Mirror) Enqueue(localPath string) {
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
	default:
		m.dropped.Add(1)
		m.logger.Printf("mirror drop local=%s reason=queue_full", localPath)
	}
}

// EnqueueDir queues every regular file under dir.
func (m *Mirror) EnqueueDir(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			m.Enqueue(p)
		}
		return nil
	})
}

// Close waits for queued uploads to finish.
func (m *Mirror) Close() {
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	return Stats{
		EnqueuedTotal:      m.enqueued.Load(),
		DroppedTotal:       m.dropped.Load(),
		UploadSuccessTotal: m.ok.Load(),
		UploadFailTotal:    m.failed.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.failed.Add(1)
		m.logger.Printf("mirror skip local=%s: %v", localPath, err)
		return
	}
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			m.ok.Add(1)
			m.logger.Printf("mirror uploaded key=%s", key)
			return
		}
		if attempt >= m.opts.Attempts {
			break
		}
		time.Sleep(time.Duration(attempt*attempt) * m.opts.Backoff)
	}
	m.failed.Add(1)
	m.logger.Printf("mirror upload failed key=%s: %v", key, err)
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	base, err := filepath.Abs(m.dataDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, base)
	}
	if m.opts.Prefix != "" {
		return path.Join(m.opts.Prefix, rel), nil
	}
	return rel, nil
}
