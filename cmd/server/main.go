package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"lockstep.ai/internal/config"
	"lockstep.ai/internal/garden"
	"lockstep.ai/internal/persistence/eventlog"
	"lockstep.ai/internal/persistence/indexdb"
	"lockstep.ai/internal/persistence/mirror"
	"lockstep.ai/internal/persistence/replay"
	"lockstep.ai/internal/platform/otel"
	"lockstep.ai/internal/sim/authority"
	"lockstep.ai/internal/transport/ws"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to session.yaml (optional)")
		addr        = flag.String("addr", "", "http listen address (overrides server.addr)")
		dataDir     = flag.String("data", "", "runtime data directory (overrides persistence.data_dir)")
		disableDB   = flag.Bool("disable_db", false, "disable the sqlite command index")
		enablePprof = flag.Bool("pprof", false, "serve /debug/pprof")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if a := strings.TrimSpace(*addr); a != "" {
		cfg.Server.Addr = a
	}
	if d := strings.TrimSpace(*dataDir); d != "" {
		cfg.Persistence.DataDir = d
	}
	policy, err := cfg.Policy()
	if err != nil {
		logger.Fatalf("permissions: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTracing, err := otel.Setup(ctx, "lockstep-server", cfg.Tracing)
	if err != nil {
		logger.Fatalf("tracing: %v", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := shutdownTracing(ctx2); err != nil {
			logger.Printf("tracing shutdown: %v", err)
		}
	}()

	sessionID := uuid.NewString()
	sessionDir := filepath.Join(cfg.Persistence.DataDir, "sessions", sessionID)
	journal, err := replay.OpenJournal(sessionDir)
	if err != nil {
		logger.Fatalf("open journal: %v", err)
	}

	events := eventlog.NewAuthorityLog(sessionDir, logger)

	// Optional read model; never affects the command order.
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		path := cfg.Persistence.IndexPath
		if path == "" {
			path = filepath.Join(cfg.Persistence.DataDir, "index", "lockstep.sqlite")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			logger.Fatalf("index dir: %v", err)
		}
		idx, err = indexdb.OpenSQLite(path, indexdb.Options{SessionID: sessionID})
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		logger.Printf("index: %s", path)
	}

	procs, _ := garden.Registry()
	acfg := cfg.Authority()
	acfg.SessionID = sessionID
	deps := authority.Deps{
		Logger:   log.New(os.Stdout, "[authority] ", log.LstdFlags|log.Lmicroseconds),
		Journal:  journal,
		Policy:   policy,
		Handlers: procs,
		Events:   events,
	}
	if idx != nil {
		deps.Index = idx
	}
	l := authority.New(acfg, deps)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("authority stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, l.Metrics(), idx)
	})
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(l.Metrics())
	})
	if *enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	wsSrv := ws.NewServer(l, logger, ws.Options{
		HandlersDigest: procs.Digest(),
		SendQueue:      cfg.Server.SendQueue,
		AllowDebug:     cfg.Server.AllowDebugRole,
		Context:        ctx,
	})
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("session=%s tick_rate=%dHz handlers=%s data=%s", sessionID, acfg.TickRateHz, procs.Digest(), sessionDir)
	logger.Printf("listening on %s", cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
		cancel()
	}

	<-runDone
	if cfg.Persistence.ArchiveOnShutdown {
		if err := writeArchives(l, sessionDir); err != nil {
			logger.Printf("archive: %v", err)
		}
	}
	if err := journal.Close(); err != nil {
		logger.Printf("journal close: %v", err)
	}
	if err := events.Close(); err != nil {
		logger.Printf("event log close: %v", err)
	}
	if mc := cfg.Persistence.Mirror; mc.Enabled() {
		if err := mirrorSession(mc, cfg.Persistence.DataDir, sessionDir, logger); err != nil {
			logger.Printf("mirror: %v", err)
		}
	}
	if idx != nil {
		st := idx.Stats()
		if err := idx.Close(); err != nil {
			logger.Printf("index close: %v", err)
		}
		logger.Printf("index: dropped_commands=%d dropped_desyncs=%d write_errors=%d", st.DropCommandTotal, st.DropDesyncTotal, st.WriteErrorTotal)
	}
	st := l.Stats()
	logger.Printf("stopped at tick=%d accepted=%d unauthorized=%d protocol_errors=%d desyncs=%d", l.Tick(), st.Accepted, st.Unauthorized, st.ProtocolErrors, st.Desyncs)
}

// writeArchives compacts the in-memory log into one archive per map. The
// log is only read after Run has returned.
func writeArchives(l *authority.Log, dir string) error {
	var errs []error
	for _, mapID := range l.Maps() {
		if err := replay.WriteArchiveFile(replay.ArchivePath(dir, mapID), mapID, entryCommands(l.Entries(mapID))); err != nil {
			errs = append(errs, fmt.Errorf("map %d: %w", mapID, err))
		}
	}
	return errors.Join(errs...)
}

// mirrorSession uploads every file of the stopped session and waits for the
// queue to drain.
func mirrorSession(mc config.MirrorConfig, dataDir, sessionDir string, logger *log.Logger) error {
	client, err := mirror.NewClient(mirror.ClientConfig{
		Endpoint:        mc.Endpoint,
		Bucket:          mc.Bucket,
		Region:          mc.Region,
		AccessKeyID:     mc.AccessKeyID,
		SecretAccessKey: mc.SecretAccessKey,
	})
	if err != nil {
		return err
	}
	m := mirror.New(client, dataDir, mirror.Options{Prefix: mc.Prefix, Workers: mc.Workers}, logger)
	werr := m.EnqueueDir(sessionDir)
	m.Close()
	st := m.Stats()
	logger.Printf("mirror: uploaded=%d failed=%d dropped=%d", st.UploadSuccessTotal, st.UploadFailTotal, st.DroppedTotal)
	if st.UploadFailTotal > 0 || st.DroppedTotal > 0 {
		return errors.Join(werr, fmt.Errorf("%d files not mirrored", st.UploadFailTotal+st.DroppedTotal))
	}
	return werr
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
