// Package session is one participant's view of a lockstep game: the ambient
// state that would otherwise be process globals (who am I, am I the host,
// which map is selected, which map is ticking), the scheduler, the RNG stack
// and the detector, plus the executor that turns due commands into handler
// calls.
package session

import (
	"fmt"
	"io"
	"log"

	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/desync"
	"lockstep.ai/internal/sim/rng"
	"lockstep.ai/internal/sim/scheduler"
	"lockstep.ai/internal/sim/syncproc"
	"lockstep.ai/internal/sim/tickable"
)

// Outbox is the session's way back to the authority.
type Outbox interface {
	Submit(d command.Draft) error
	ReportDigest(d protocol.Digest) error
}

// MapHooks let the domain build and tear down per-map state when the
// authority announces it. Created returns the map's step function.
type MapHooks struct {
	Created func(s *Session, mapID int32) (tickable.StepFunc, error)
	Removed func(s *Session, mapID int32) error
}

type Config struct {
	PlayerID int32
	Host     bool
	// DigestEvery reports the fingerprint every N ticks; 0 disables.
	DigestEvery int32
	Seed        uint64
	Scheduler   scheduler.Config
	Desync      desync.Config
}

type Session struct {
	cfg    Config
	logger *log.Logger

	// Ambient is the participant's interactive state. Handlers with context
	// flags see the sender's values for the duration of a call.
	Ambient syncproc.Ambient

	procs    *syncproc.Registry
	sched    *scheduler.Scheduler
	rng      *rng.Stack
	detector *desync.Detector
	outbox   Outbox
	hooks    MapHooks
	env      any

	ticking    int32
	desyncTick int32
	onDesync   func(tick int32)
}

type Option func(*options)

type options struct {
	logger   *log.Logger
	clock    scheduler.Clock
	hooks    MapHooks
	env      any
	tracer   desync.Tracer
	onDesync func(tick int32)
}

func WithLogger(l *log.Logger) Option         { return func(o *options) { o.logger = l } }
func WithClock(c scheduler.Clock) Option      { return func(o *options) { o.clock = c } }
func WithMapHooks(h MapHooks) Option          { return func(o *options) { o.hooks = h } }
func WithEnv(env any) Option                  { return func(o *options) { o.env = env } }
func WithStackTracer(t desync.Tracer) Option  { return func(o *options) { o.tracer = t } }
func WithDesyncHandler(fn func(int32)) Option { return func(o *options) { o.onDesync = fn } }

func New(cfg Config, procs *syncproc.Registry, out Outbox, opts ...Option) *Session {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = log.New(io.Discard, "", 0)
	}
	if procs == nil {
		procs = syncproc.New(nil)
	}
	s := &Session{
		cfg:        cfg,
		logger:     o.logger,
		Ambient:    syncproc.Ambient{CurrentMap: command.GlobalMap},
		procs:      procs,
		outbox:     out,
		hooks:      o.hooks,
		env:        o.env,
		ticking:    command.GlobalMap,
		desyncTick: -1,
		onDesync:   o.onDesync,
	}
	s.detector = desync.New(cfg.Desync, desync.WithStackTracer(o.tracer))
	s.rng = rng.NewStack(cfg.Seed, rng.WithObserver(s.detector.ObserveRNG))

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(o.logger),
		scheduler.WithDetector(s.detector),
		scheduler.WithRNG(s.rng),
		scheduler.WithTickHook(s.afterTick),
		scheduler.WithDesyncHook(s.desyncReported),
	}
	if o.clock != nil {
		schedOpts = append(schedOpts, scheduler.WithClock(o.clock))
	}
	s.sched = scheduler.New(cfg.Scheduler, s, schedOpts...)
	return s
}

func (s *Session) PlayerID() int32                 { return s.cfg.PlayerID }
func (s *Session) IsHost() bool                    { return s.cfg.Host }
func (s *Session) Scheduler() *scheduler.Scheduler { return s.sched }
func (s *Session) RNG() *rng.Stack                 { return s.rng }
func (s *Session) Detector() *desync.Detector      { return s.detector }
func (s *Session) Registry() *syncproc.Registry    { return s.procs }
func (s *Session) Env() any                        { return s.env }
func (s *Session) Inbox() *scheduler.Inbox         { return s.sched.Inbox() }
func (s *Session) Frame() int                      { return s.sched.Frame() }

// Ticking is the map whose step is running, or GlobalMap outside steps.
func (s *Session) Ticking() int32 { return s.ticking }

// DesyncTick is the last divergence tick the authority reported, or -1.
func (s *Session) DesyncTick() int32 { return s.desyncTick }

// AddWorld registers the global clock domain.
func (s *Session) AddWorld(step tickable.StepFunc, opts ...tickable.Option) (*tickable.Tickable, error) {
	t := tickable.New(command.GlobalMap, s.trackTicking(command.GlobalMap, step), opts...)
	if err := s.sched.AddTickable(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Session) trackTicking(id int32, step tickable.StepFunc) tickable.StepFunc {
	if step == nil {
		return nil
	}
	return func(tick int64) error {
		prev := s.ticking
		s.ticking = id
		defer func() { s.ticking = prev }()
		return step(tick)
	}
}

// Call submits a sync handler invocation captured against the current
// ambient state. Nothing runs locally until the authority echoes it.
func (s *Session) Call(h *syncproc.Handler, mapID, factionID int32, args ...any) error {
	d, err := h.Draft(s.Ambient, mapID, factionID, args...)
	if err != nil {
		return err
	}
	return s.submit(d)
}

func (s *Session) VoteSpeed(mapID int32, speed tickable.Speed) error {
	if !speed.Valid() {
		return fmt.Errorf("invalid speed %d", speed)
	}
	return s.submit(command.Draft{
		Type:      command.TypeSpeedVote,
		FactionID: command.NoFaction,
		MapID:     mapID,
		Payload:   command.SpeedVotePayload(uint8(speed)),
	})
}

// CreateMap asks the authority to announce a new map; only the host may.
func (s *Session) CreateMap(mapID int32) error {
	return s.submit(command.Draft{Type: command.TypeMapCreated, FactionID: command.NoFaction, MapID: mapID})
}

func (s *Session) RemoveMap(mapID int32) error {
	return s.submit(command.Draft{Type: command.TypeMapRemoved, FactionID: command.NoFaction, MapID: mapID})
}

func (s *Session) submit(d command.Draft) error {
	if s.outbox == nil {
		return fmt.Errorf("session has no outbox")
	}
	return s.outbox.Submit(d)
}

// Execute implements scheduler.Executor.
func (s *Session) Execute(t *tickable.Tickable, c command.Command) error {
	switch c.Type {
	case command.TypeSync, command.TypeDebug:
		return s.procs.Dispatch(&syncproc.Invocation{
			Command: c,
			Tick:    t.Ticks(),
			Ambient: &s.Ambient,
			RNG:     s.rng,
			Desync:  s.detector,
			Env:     s.env,
		})
	case command.TypeMapCreated:
		mapID := c.MapID
		if s.sched.Retiring(mapID) {
			s.sched.Defer(func() error { return s.mapCreated(mapID) })
			return nil
		}
		return s.mapCreated(mapID)
	case command.TypeMapRemoved:
		if c.MapID == command.GlobalMap {
			return protocol.Protocolf(nil, "the world domain cannot be removed")
		}
		// Takes effect at the end of this tick's drain.
		mapID := c.MapID
		if err := s.sched.RetireTickable(mapID, func() error { return s.mapRemoved(mapID) }); err != nil {
			return protocol.Applicationf(err, "remove map %d", mapID)
		}
		return nil
	case command.TypePlayerLeft:
		player, err := command.DecodePlayerLeft(c.Payload)
		if err != nil {
			return err
		}
		s.logger.Printf("player %d left at tick %d", player, c.Tick)
		return nil
	}
	return protocol.Protocolf(nil, "no executor for %s", c.Type)
}

func (s *Session) mapCreated(mapID int32) error {
	var step tickable.StepFunc
	if s.hooks.Created != nil {
		var err error
		if step, err = s.hooks.Created(s, mapID); err != nil {
			return protocol.Applicationf(err, "create map %d", mapID)
		}
	}
	s.detector.Observe(desync.KindSpawn, uint64(uint32(mapID)))
	return s.sched.AddTickable(tickable.New(mapID, s.trackTicking(mapID, step)))
}

func (s *Session) mapRemoved(mapID int32) error {
	s.detector.Observe(desync.KindDespawn, uint64(uint32(mapID)))
	if s.Ambient.CurrentMap == mapID {
		s.Ambient.CurrentMap = command.GlobalMap
	}
	if s.hooks.Removed != nil {
		if err := s.hooks.Removed(s, mapID); err != nil {
			return protocol.Applicationf(err, "remove map %d", mapID)
		}
	}
	return nil
}

func (s *Session) afterTick(tick int32, fp desync.Fingerprint) {
	every := s.cfg.DigestEvery
	if every <= 0 || s.outbox == nil || (tick+1)%every != 0 {
		return
	}
	if err := s.outbox.ReportDigest(protocol.Digest{Tick: fp.Tick, Hash: fp.Hash, Count: fp.Count}); err != nil {
		s.logger.Printf("digest report for tick %d: %v", tick, err)
	}
}

func (s *Session) desyncReported(tick int32) {
	s.desyncTick = tick
	if s.onDesync != nil {
		s.onDesync(tick)
	}
}
