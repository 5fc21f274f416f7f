// Package scheduler drives a participant's tickables in lockstep with the
// authority. It runs on the simulation goroutine only; the network side
// talks to it exclusively through the Inbox.
package scheduler

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"time"

	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/desync"
	"lockstep.ai/internal/sim/rng"
	"lockstep.ai/internal/sim/tickable"
)

var (
	ErrUnknownTickable   = errors.New("unknown tickable")
	ErrDuplicateTickable = errors.New("tickable already registered")
)

type State uint8

const (
	Idle State = iota
	RealTime
	CatchingUp
	Frozen
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RealTime:
		return "realtime"
	case CatchingUp:
		return "catching_up"
	case Frozen:
		return "frozen"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Config struct {
	// HighWater is how far behind the horizon (in ticks) RealTime tolerates
	// before shortening ms-per-tick.
	HighWater int32
	// LowWater: at or below this many ticks behind, RealTime slows down to
	// keep a buffer.
	LowWater    int32
	MaxSpeedUp  float64
	SpeedUpStep float64
	SlowDown    float64

	MaxTicksPerFrame int
	// CatchUpThreshold switches RealTime into CatchingUp automatically.
	CatchUpThreshold int32
	CatchUpBudget    time.Duration

	// Coupled makes every tickable run at the slowest desired rate.
	Coupled bool
}

func DefaultConfig() Config {
	return Config{
		HighWater:        4,
		LowWater:         1,
		MaxSpeedUp:       4,
		SpeedUpStep:      0.25,
		SlowDown:         1.1,
		MaxTicksPerFrame: 16,
		CatchUpThreshold: 120,
		CatchUpBudget:    25 * time.Millisecond,
		Coupled:          true,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.HighWater <= 0 {
		c.HighWater = d.HighWater
	}
	if c.LowWater < 0 || c.LowWater >= c.HighWater {
		c.LowWater = min(d.LowWater, c.HighWater-1)
	}
	if c.MaxSpeedUp < 1 {
		c.MaxSpeedUp = d.MaxSpeedUp
	}
	if c.SpeedUpStep <= 0 {
		c.SpeedUpStep = d.SpeedUpStep
	}
	if c.SlowDown < 1 {
		c.SlowDown = d.SlowDown
	}
	if c.MaxTicksPerFrame <= 0 {
		c.MaxTicksPerFrame = d.MaxTicksPerFrame
	}
	if c.CatchUpThreshold <= 0 {
		c.CatchUpThreshold = d.CatchUpThreshold
	}
	if c.CatchUpBudget <= 0 {
		c.CatchUpBudget = d.CatchUpBudget
	}
}

// Executor applies a due command to domain state. Speed votes are handled by
// the scheduler and never reach it.
type Executor interface {
	Execute(t *tickable.Tickable, c command.Command) error
}

type ExecutorFunc func(t *tickable.Tickable, c command.Command) error

func (f ExecutorFunc) Execute(t *tickable.Tickable, c command.Command) error { return f(t, c) }

// Stats are cumulative counters, mostly for tests and status output.
type Stats struct {
	Ticks         int64
	Commands      int64
	Late          int64
	Buffered      int64
	Dropped       int64
	Faults        int64
	Serialization int64
	Protocol      int64
	RNGDefects    int64
}

type Scheduler struct {
	cfg      Config
	exec     Executor
	clock    Clock
	logger   *log.Logger
	detector *desync.Detector
	rng      *rng.Stack
	onTick   func(tick int32, fp desync.Fingerprint)
	onDesync func(tick int32)

	inbox *Inbox

	tickables map[int32]*tickable.Tickable
	order     []int32
	pending   map[bufKey][]command.Command

	// Map lifecycle bookkeeping. An epoch counts the removals of a map id:
	// arrivals counts them in receipt order, removed counts them as they
	// take effect, and a live tickable carries the removed count it was
	// added under. A command is bound to the epoch current when it arrived.
	arrivals map[int32]arrival
	removed  map[int32]uint32
	epochs   map[int32]uint32
	retiring []retirement
	deferred []func() error

	state     State
	current   int32
	horizon   int32
	nominal   float64
	acc       float64
	lastFrame time.Time

	catchTarget int32
	onCaughtUp  func()
	freezeAt    int32
	freezing    bool

	votesDirty bool
	stats      Stats
}

type bufKey struct {
	id    int32
	epoch uint32
}

type arrival struct {
	epoch  uint32
	closed bool
}

type retirement struct {
	id   int32
	done func() error
}

type Option func(*Scheduler)

func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithLogger(l *log.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func WithDetector(d *desync.Detector) Option { return func(s *Scheduler) { s.detector = d } }

// WithRNG enables the end-of-tick balanced-scope check.
func WithRNG(r *rng.Stack) Option { return func(s *Scheduler) { s.rng = r } }

// WithTickHook runs after every completed tick with its sealed fingerprint.
func WithTickHook(fn func(tick int32, fp desync.Fingerprint)) Option {
	return func(s *Scheduler) { s.onTick = fn }
}

// WithDesyncHook surfaces desync notices from the authority.
func WithDesyncHook(fn func(tick int32)) Option { return func(s *Scheduler) { s.onDesync = fn } }

func New(cfg Config, exec Executor, opts ...Option) *Scheduler {
	cfg.normalize()
	s := &Scheduler{
		cfg:       cfg,
		exec:      exec,
		clock:     systemClock{},
		inbox:     &Inbox{},
		tickables: make(map[int32]*tickable.Tickable),
		pending:   make(map[bufKey][]command.Command),
		arrivals:  make(map[int32]arrival),
		removed:   make(map[int32]uint32),
		epochs:    make(map[int32]uint32),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	return s
}

func (s *Scheduler) Inbox() *Inbox   { return s.inbox }
func (s *Scheduler) State() State    { return s.state }
func (s *Scheduler) Current() int32  { return s.current }
func (s *Scheduler) Horizon() int32  { return s.horizon }
func (s *Scheduler) Stats() Stats    { return s.stats }
func (s *Scheduler) Config() Config  { return s.cfg }
func (s *Scheduler) FrozenAt() int32 { return s.freezeAt }

func (s *Scheduler) Tickable(id int32) (*tickable.Tickable, bool) {
	t, ok := s.tickables[id]
	return t, ok
}

// Tickables returns the registered domains in ascending id order.
func (s *Scheduler) Tickables() []*tickable.Tickable {
	out := make([]*tickable.Tickable, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tickables[id])
	}
	return out
}

// Buffered reports how many commands wait for tickable id to exist.
func (s *Scheduler) Buffered(id int32) int {
	n := 0
	for k, buf := range s.pending {
		if k.id == id {
			n += len(buf)
		}
	}
	return n
}

// AddTickable registers t and flushes every command buffered for its id,
// in receipt order, ahead of anything routed to it later.
func (s *Scheduler) AddTickable(t *tickable.Tickable) error {
	if _, exists := s.tickables[t.ID()]; exists {
		return fmt.Errorf("tickable %d: %w", t.ID(), ErrDuplicateTickable)
	}
	s.attach(t)
	return nil
}

func (s *Scheduler) attach(t *tickable.Tickable) {
	id := t.ID()
	epoch := s.removed[id]
	s.tickables[id] = t
	s.epochs[id] = epoch
	i := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= id })
	s.order = append(s.order, 0)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = id

	key := bufKey{id: id, epoch: epoch}
	if buf := s.pending[key]; len(buf) > 0 {
		for _, c := range buf {
			t.Enqueue(c)
		}
		delete(s.pending, key)
		s.logger.Printf("tickable %d created: flushed %d buffered commands", id, len(buf))
	}
	s.votesDirty = true
}

// RetireTickable removes id once the drain of the current tick is over, so
// commands ordered before the removal still run on it. done runs after the
// tickable is gone. Retiring an unknown id still counts as a removal, which
// keeps later creations of that id bound to the right commands.
func (s *Scheduler) RetireTickable(id int32, done func() error) error {
	_, ok := s.tickables[id]
	if !ok || s.Retiring(id) {
		s.retiring = append(s.retiring, retirement{id: id})
		return fmt.Errorf("tickable %d: %w", id, ErrUnknownTickable)
	}
	s.retiring = append(s.retiring, retirement{id: id, done: done})
	return nil
}

// Defer runs fn at the end of this tick's drain, after the retirements. A
// map re-created in the tick that removed it goes through here.
func (s *Scheduler) Defer(fn func() error) { s.deferred = append(s.deferred, fn) }

// Retiring reports whether id is removed at the end of this tick.
func (s *Scheduler) Retiring(id int32) bool {
	for _, r := range s.retiring {
		if r.id == id && r.done != nil {
			return true
		}
	}
	return false
}

// finishRetirements runs at the tick boundary. Anything still queued on a
// retired tickable was ordered after its removal and is dropped.
func (s *Scheduler) finishRetirements(t int32) {
	if len(s.retiring) == 0 && len(s.deferred) == 0 {
		return
	}
	retiring := s.retiring
	s.retiring = nil
	for _, r := range retiring {
		s.removed[r.id]++
		tk, ok := s.tickables[r.id]
		if !ok || r.done == nil {
			continue
		}
		if n := tk.Pending(); n > 0 {
			tk.DequeueDue(math.MaxInt32)
			s.stats.Dropped += int64(n)
			s.logger.Printf("tickable %d removed at tick %d: dropped %d queued commands", r.id, t, n)
		}
		delete(s.tickables, r.id)
		delete(s.epochs, r.id)
		i := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= r.id })
		s.order = append(s.order[:i], s.order[i+1:]...)
		s.votesDirty = true
		if err := r.done(); err != nil {
			s.stats.Faults++
			s.logger.Printf("application fault: tick %d: remove tickable %d: %v", t, r.id, err)
		}
	}
	deferred := s.deferred
	s.deferred = nil
	for _, fn := range deferred {
		if err := fn(); err != nil {
			s.stats.Faults++
			s.logger.Printf("application fault: tick %d: %v", t, err)
		}
	}
}

// EnqueueLocal queues a command produced during execution, typically a
// same-tick follow-up, and is picked up by the drain loop in progress. It
// goes by what exists right now: a follow-up for a missing map is dropped.
func (s *Scheduler) EnqueueLocal(c command.Command) {
	if tk, ok := s.tickables[routeTarget(c)]; ok {
		tk.Enqueue(c)
		return
	}
	s.stats.Dropped++
	s.logger.Printf("warn: dropped local %s: no tickable %d", c, routeTarget(c))
}

// routeTarget picks the tickable for a command. Map lifecycle commands run
// on the world domain because the map they name may not exist.
func routeTarget(c command.Command) int32 {
	switch c.Type {
	case command.TypeMapCreated, command.TypeMapRemoved, command.TypePlayerLeft:
		return command.GlobalMap
	}
	return c.MapID
}

// route files an arriving command. Arrival order is the log order, so the
// decision depends only on what arrived before, never on what has run.
func (s *Scheduler) route(c command.Command) {
	target := routeTarget(c)
	epoch := uint32(0)
	if target == command.GlobalMap {
		s.noteLifecycle(c)
	} else {
		a := s.arrivals[target]
		if a.closed {
			s.stats.Dropped++
			s.logger.Printf("warn: dropped %s: map %d was removed before it", c, target)
			return
		}
		epoch = a.epoch
	}
	if tk, ok := s.tickables[target]; ok && s.epochs[target] == epoch {
		tk.Enqueue(c)
		return
	}
	key := bufKey{id: target, epoch: epoch}
	s.pending[key] = append(s.pending[key], c)
	s.stats.Buffered++
}

func (s *Scheduler) noteLifecycle(c command.Command) {
	if c.MapID == command.GlobalMap {
		return
	}
	a := s.arrivals[c.MapID]
	switch c.Type {
	case command.TypeMapCreated:
		a.closed = false
	case command.TypeMapRemoved:
		a.epoch++
		a.closed = true
	default:
		return
	}
	s.arrivals[c.MapID] = a
}

// CatchUp runs ticks up to target within the per-frame budget, then calls
// onDone once.
func (s *Scheduler) CatchUp(target int32, onDone func()) {
	s.catchTarget = target
	s.onCaughtUp = onDone
	s.state = CatchingUp
	s.logger.Printf("catching up from %d to %d", s.current, target)
}

// CancelCatchUp returns to normal pacing without running the callback.
func (s *Scheduler) CancelCatchUp() bool {
	if s.state != CatchingUp {
		return false
	}
	s.onCaughtUp = nil
	s.leaveCatchUp()
	s.logger.Printf("catch-up cancelled at %d", s.current)
	return true
}

func (s *Scheduler) leaveCatchUp() {
	s.acc = 0
	if s.freezing {
		s.state = Frozen
		return
	}
	s.state = RealTime
}

// Frame is called once per host frame. It drains the inbox, then runs as
// many ticks as the current state allows, and returns how many ran.
func (s *Scheduler) Frame() int {
	now := s.clock.Now()
	var elapsed time.Duration
	if !s.lastFrame.IsZero() {
		elapsed = now.Sub(s.lastFrame)
	}
	s.lastFrame = now

	s.processInbox()

	switch s.state {
	case RealTime:
		if s.horizon-s.current > s.cfg.CatchUpThreshold {
			s.CatchUp(s.horizon, nil)
			return s.catchUp(now)
		}
		return s.paced(elapsed, s.horizon)
	case Frozen:
		return s.paced(elapsed, min(s.horizon, s.freezeAt))
	case CatchingUp:
		return s.catchUp(now)
	}
	return 0
}

func (s *Scheduler) processInbox() {
	for _, m := range s.inbox.drain() {
		switch m.Kind {
		case InCommand:
			s.route(m.Command)
		case InTimeControl:
			if m.TimeControl.Horizon > s.horizon {
				s.horizon = m.TimeControl.Horizon
			}
			s.nominal = float64(m.TimeControl.MsPerTick)
			if s.state == Idle {
				s.state = RealTime
				if s.freezing {
					s.state = Frozen
				}
			}
		case InFreeze:
			s.freezing = true
			s.freezeAt = m.Tick
			if s.state == RealTime {
				s.state = Frozen
			}
		case InUnfreeze:
			s.freezing = false
			if s.state == Frozen {
				s.state = RealTime
			}
		case InDesync:
			s.logger.Printf("DESYNC reported by authority at tick %d", m.Tick)
			if s.state == CatchingUp {
				s.CancelCatchUp()
			}
			if s.onDesync != nil {
				s.onDesync(m.Tick)
			}
		}
	}
}

// msPerTick applies the jitter-absorbing feedback on top of the nominal pace.
func (s *Scheduler) msPerTick(behind int32) float64 {
	switch {
	case behind > s.cfg.HighWater:
		factor := math.Min(s.cfg.MaxSpeedUp, 1+float64(behind-s.cfg.HighWater)*s.cfg.SpeedUpStep)
		return s.nominal / factor
	case behind <= s.cfg.LowWater:
		return s.nominal * s.cfg.SlowDown
	}
	return s.nominal
}

func (s *Scheduler) paced(elapsed time.Duration, limit int32) int {
	behind := s.horizon - s.current
	room := limit - s.current
	if room <= 0 || s.nominal <= 0 {
		s.acc = 0
		return 0
	}
	ms := s.msPerTick(behind)
	s.acc += float64(elapsed) / float64(time.Millisecond)
	n := int(s.acc / ms)
	capped := false
	if n >= int(room) {
		n = int(room)
		capped = true
	}
	if n > s.cfg.MaxTicksPerFrame {
		n = s.cfg.MaxTicksPerFrame
		capped = true
	}
	// No banking: time beyond a cap is dropped rather than replayed later.
	if capped {
		s.acc = 0
	} else {
		s.acc -= float64(n) * ms
	}
	for i := 0; i < n; i++ {
		s.runTick()
	}
	return n
}

// catchUp reads the clock after every tick so a slow simulation cannot
// overrun the budget by more than one tick.
func (s *Scheduler) catchUp(start time.Time) int {
	limit := min(s.catchTarget, s.horizon)
	n := 0
	for s.current < limit {
		s.runTick()
		n++
		if s.clock.Now().Sub(start) >= s.cfg.CatchUpBudget {
			break
		}
	}
	if s.current >= s.catchTarget {
		done := s.onCaughtUp
		s.onCaughtUp = nil
		s.leaveCatchUp()
		s.logger.Printf("caught up at %d", s.current)
		if done != nil {
			done()
		}
	}
	return n
}

func (s *Scheduler) runTick() {
	t := s.current
	s.drain(t)
	for _, tk := range s.Tickables() {
		if _, err := tk.Advance(); err != nil {
			s.stats.Faults++
			s.logger.Printf("application fault: tick %d: %v", t, err)
		}
	}
	if s.rng != nil {
		if d := s.rng.Depth(); d != 0 {
			s.stats.RNGDefects++
			s.logger.Printf("DEFECT: %d rng scopes still open after tick %d", d, t)
		}
	}
	fp := s.detector.EndTick(t)
	s.current++
	s.stats.Ticks++
	if s.onTick != nil {
		s.onTick(t, fp)
	}
}

// drain executes every command due at or before t on every tickable, in
// ascending tickable id order, until a full pass finds nothing new.
func (s *Scheduler) drain(t int32) {
	for {
		progressed := false
		for _, tk := range s.Tickables() {
			for _, c := range tk.DequeueDue(t) {
				progressed = true
				if c.Tick < t {
					s.stats.Late++
					s.logger.Printf("warn: late command for tick %d executed at %d: %s", c.Tick, t, c)
				}
				s.apply(tk, c)
			}
		}
		if !progressed {
			break
		}
	}
	s.finishRetirements(t)
	if s.votesDirty {
		tickable.Resolve(s.Tickables(), s.cfg.Coupled)
		s.votesDirty = false
	}
}

func (s *Scheduler) apply(tk *tickable.Tickable, c command.Command) {
	s.stats.Commands++
	s.detector.Observe(desync.KindCommand, uint64(uint32(c.Type))<<32|uint64(uint32(c.PlayerID)))

	var err error
	switch c.Type {
	case command.TypeSpeedVote:
		err = s.applyVote(tk, c)
	case command.TypePlayerLeft:
		if player, derr := command.DecodePlayerLeft(c.Payload); derr == nil {
			for _, other := range s.tickables {
				other.ClearVote(player)
			}
			s.votesDirty = true
		}
		err = s.execute(tk, c)
	default:
		err = s.execute(tk, c)
	}

	switch {
	case err == nil:
	case protocol.IsSerialization(err):
		s.stats.Serialization++
		s.logger.Printf("SERIALIZATION FAILURE: skipped %s: %v", c, err)
	case protocol.IsProtocol(err):
		s.stats.Protocol++
		s.logger.Printf("warn: dropped %s: %v", c, err)
	default:
		s.stats.Faults++
		s.logger.Printf("application fault: %s: %v", c, err)
	}
}

func (s *Scheduler) applyVote(tk *tickable.Tickable, c command.Command) error {
	raw, err := command.DecodeSpeedVote(c.Payload)
	if err != nil {
		return err
	}
	speed := tickable.Speed(raw)
	if !speed.Valid() {
		return protocol.Serializationf(nil, "speed vote %d", raw)
	}
	tk.Vote(c.PlayerID, speed)
	s.votesDirty = true
	return nil
}

func (s *Scheduler) execute(tk *tickable.Tickable, c command.Command) (err error) {
	if s.exec == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = protocol.Applicationf(fmt.Errorf("panic: %v", r), "execute %s", c.Type)
		}
	}()
	return s.exec.Execute(tk, c)
}
