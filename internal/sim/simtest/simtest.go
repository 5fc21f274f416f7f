// Package simtest runs an authority and several participant sessions in
// one goroutine, wired back to back without a network, on a fake clock.
package simtest

import (
	"sync"
	"testing"
	"time"

	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/authority"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/session"
	"lockstep.ai/internal/sim/syncproc"
	"lockstep.ai/internal/sim/tickable"
)

// Clock is a manually advanced scheduler clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock { return &Clock{now: time.Unix(1_700_000_000, 0)} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type Config struct {
	Authority authority.Config
	Policy    command.Policy
	// Session is the template for every peer; PlayerID and Host are filled
	// in from the join.
	Session session.Config
	// Register must register the same handlers in the same order every call.
	Register func(r *syncproc.Registry)
	Hooks    session.MapHooks
	World    func(p *Peer) tickable.StepFunc
	Env      func(p *Peer) any
}

type Harness struct {
	t     testing.TB
	cfg   Config
	Clock *Clock
	Log   *authority.Log
	Peers []*Peer
}

type Peer struct {
	Name        string
	Participant *authority.Participant
	Session     *session.Session

	h    *Harness
	errs []error
}

func New(t testing.TB, cfg Config) *Harness {
	t.Helper()
	h := &Harness{t: t, cfg: cfg, Clock: NewClock()}
	h.Log = authority.New(cfg.Authority, authority.Deps{
		Policy:   cfg.Policy,
		Handlers: h.registry(),
	})
	return h
}

func (h *Harness) registry() *syncproc.Registry {
	r := syncproc.New(nil)
	if h.cfg.Register != nil {
		h.cfg.Register(r)
	}
	r.Seal()
	return r
}

// Join connects a peer and streams it the backlog.
func (h *Harness) Join(name string, host bool) *Peer {
	h.t.Helper()
	p := &Peer{Name: name, h: h}
	part, err := h.Log.Join(authority.ParticipantSpec{Name: name, Host: host, Sink: peerSink{p}})
	if err != nil {
		h.t.Fatalf("join %s: %v", name, err)
	}
	p.Participant = part

	cfg := h.cfg.Session
	cfg.PlayerID = part.PlayerID
	cfg.Host = part.Host
	opts := []session.Option{session.WithClock(h.Clock), session.WithMapHooks(h.cfg.Hooks)}
	if h.cfg.Env != nil {
		opts = append(opts, session.WithEnv(h.cfg.Env(p)))
	}
	p.Session = session.New(cfg, h.registry(), peerOutbox{p}, opts...)
	var step tickable.StepFunc
	if h.cfg.World != nil {
		step = h.cfg.World(p)
	}
	if _, err := p.Session.AddWorld(step); err != nil {
		h.t.Fatalf("world for %s: %v", name, err)
	}
	if err := h.Log.MarkJoined(part.PlayerID); err != nil {
		h.t.Fatalf("mark joined %s: %v", name, err)
	}
	h.Peers = append(h.Peers, p)
	return p
}

// Leave disconnects a peer; it stops receiving frames.
func (h *Harness) Leave(p *Peer) {
	h.Log.Leave(p.Participant.PlayerID)
	for i, q := range h.Peers {
		if q == p {
			h.Peers = append(h.Peers[:i], h.Peers[i+1:]...)
			return
		}
	}
}

// Step closes n authority ticks and lets every peer run them.
func (h *Harness) Step(n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		h.Log.AdvanceTick()
	}
	h.Settle()
}

// Settle runs frames until every peer reached the authority's horizon.
func (h *Harness) Settle() {
	h.t.Helper()
	target := h.Log.Tick()
	for i := 0; i < 10_000; i++ {
		h.Clock.Advance(time.Second)
		done := true
		for _, p := range h.Peers {
			p.Session.Frame()
			if p.Session.Scheduler().Current() < target {
				done = false
			}
		}
		if done {
			return
		}
	}
	h.t.Fatalf("peers did not reach tick %d", target)
}

// Call submits a handler invocation from p by name.
func (p *Peer) Call(name string, mapID int32, args ...any) {
	p.h.t.Helper()
	hd, ok := p.Session.Registry().ByName(name)
	if !ok {
		p.h.t.Fatalf("no handler %q", name)
	}
	if err := p.Session.Call(hd, mapID, command.NoFaction, args...); err != nil {
		p.h.t.Fatalf("call %s: %v", name, err)
	}
}

// Errors lists transport-level failures seen by the peer.
func (p *Peer) Errors() []error { return p.errs }

type peerSink struct{ p *Peer }

func (s peerSink) Send(msg []byte) error {
	kind, body, err := protocol.OpenEnvelope(msg)
	if err == nil {
		err = s.p.Session.Inbox().Deliver(kind, body)
	}
	if err != nil {
		s.p.errs = append(s.p.errs, err)
	}
	return nil
}

func (peerSink) Close() {}

type peerOutbox struct{ p *Peer }

func (o peerOutbox) Submit(d command.Draft) error {
	l := o.p.h.Log
	if cmd, ok := l.Submit(o.p.Participant.PlayerID, d); ok {
		l.Broadcast(cmd)
	}
	return nil
}

func (o peerOutbox) ReportDigest(d protocol.Digest) error {
	o.p.h.Log.ReportDigest(o.p.Participant.PlayerID, d)
	return nil
}
