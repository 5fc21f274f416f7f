package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"

	"lockstep.ai/internal/garden"
	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/scheduler"
	"lockstep.ai/internal/sim/session"
	"lockstep.ai/internal/transport/ws"
)

func main() {
	var (
		url     = flag.String("url", "ws://localhost:8090/v1/ws", "ws url")
		name    = flag.String("name", "bot", "player name")
		debug   = flag.Bool("debug", false, "ask for the debug role")
		maps    = flag.Int("maps", 2, "extra maps to create when this bot is the host")
		actions = flag.Float64("actions", 2, "actions per second")
		fps     = flag.Int("fps", 60, "simulation frames per second")
		runFor  = flag.Duration("for", 0, "stop after this long (0 = until interrupted)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *runFor > 0 {
		var c2 context.CancelFunc
		ctx, c2 = context.WithTimeout(ctx, *runFor)
		defer c2()
	}

	procs, handlers := garden.Registry()
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := ws.Dial(dialCtx, *url, protocol.HelloMsg{
		PlayerName:     *name,
		HandlersDigest: procs.Digest(),
		Debug:          *debug,
	}, logger)
	dialCancel()
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer client.Close()

	w := client.Welcome()
	logger.Printf("WELCOME session=%s player=%d host=%v tick=%d tick_rate=%d backlog=%d",
		w.SessionID, w.PlayerID, w.Host, w.Tick, w.TickRateHz, w.BacklogFrames)

	g := garden.New()
	sess := session.New(session.Config{
		PlayerID:    w.PlayerID,
		Host:        w.Host,
		DigestEvery: w.DigestEvery,
		// Every participant derives the same base seed from the session.
		Seed:      xxhash.Sum64String(w.SessionID),
		Scheduler: scheduler.DefaultConfig(),
	}, procs, client,
		session.WithLogger(log.New(os.Stdout, "[sched] ", log.LstdFlags|log.Lmicroseconds)),
		session.WithMapHooks(garden.Hooks()),
		session.WithEnv(g),
		session.WithDesyncHandler(func(tick int32) {
			logger.Printf("DESYNC reported at tick %d", tick)
		}),
	)
	if _, err := sess.AddWorld(g.Step(sess, command.GlobalMap)); err != nil {
		logger.Fatalf("world: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, sess.Inbox()) }()

	if w.Host {
		for i := 1; i <= *maps; i++ {
			if err := sess.CreateMap(int32(i)); err != nil {
				logger.Fatalf("create map %d: %v", i, err)
			}
		}
	}

	p := newPlayer(sess, g, handlers, rand.New(rand.NewSource(time.Now().UnixNano())))
	frame := time.NewTicker(time.Second / time.Duration(max(*fps, 1)))
	defer frame.Stop()
	act := time.NewTicker(time.Duration(float64(time.Second) / max(*actions, 0.01)))
	defer act.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Printf("stopping: %s", p.summary())
			return
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("connection ended: %v", err)
			}
			logger.Printf("final: %s", p.summary())
			return
		case <-frame.C:
			sess.Frame()
		case <-act.C:
			if err := p.act(); err != nil {
				logger.Printf("act: %v", err)
			}
		case <-status.C:
			logger.Printf("%s", p.summary())
		}
	}
}
