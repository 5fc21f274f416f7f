// Package desync keeps a rolling fingerprint of deterministic execution so
// participants can compare compact digests out of band and name the earliest
// tick at which they diverged. It is purely diagnostic; a nil *Detector is a
// valid no-op.
package desync

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Kind classifies observed events. Values are folded into the hash, so they
// are part of the cross-participant contract.
type Kind uint8

const (
	KindCommand Kind = iota + 1
	KindIdentity
	KindSpawn
	KindDespawn
	KindRNG
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindIdentity:
		return "identity"
	case KindSpawn:
		return "spawn"
	case KindDespawn:
		return "despawn"
	case KindRNG:
		return "rng"
	case KindCustom:
		return "custom"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type Fingerprint struct {
	Tick  int32
	Hash  uint64
	Count uint32
}

type TraceEvent struct {
	Kind  Kind
	Value uint64
	Stack uint64
}

// Report describes the earliest disagreement found by Compare.
type Report struct {
	Tick   int32
	Local  Fingerprint
	Remote Fingerprint
	Trace  []TraceEvent
}

type Config struct {
	// HistoryTicks bounds how many per-tick fingerprints are kept.
	HistoryTicks int
	// CaptureTraces keeps per-event traces for the retained ticks.
	CaptureTraces bool
}

type Detector struct {
	cfg    Config
	stacks Tracer
	otel   trace.Tracer

	hash  uint64
	count uint32
	buf   [17]byte

	history []Fingerprint
	cur     []TraceEvent
	traces  map[int32][]TraceEvent
}

type Option func(*Detector)

// WithStackTracer sets the stack-identity primitive used for captured traces.
func WithStackTracer(t Tracer) Option {
	return func(d *Detector) {
		if t != nil {
			d.stacks = t
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer reports are emitted on.
func WithTracer(t trace.Tracer) Option {
	return func(d *Detector) {
		if t != nil {
			d.otel = t
		}
	}
}

func New(cfg Config, opts ...Option) *Detector {
	if cfg.HistoryTicks <= 0 {
		cfg.HistoryTicks = 600
	}
	d := &Detector{
		cfg:    cfg,
		stacks: NopTracer{},
		otel:   otel.Tracer("lockstep.ai/internal/sim/desync"),
		traces: make(map[int32][]TraceEvent),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Observe folds one deterministic event into the current tick.
func (d *Detector) Observe(kind Kind, value uint64) {
	if d == nil {
		return
	}
	binary.LittleEndian.PutUint64(d.buf[:8], d.hash)
	d.buf[8] = byte(kind)
	binary.LittleEndian.PutUint64(d.buf[9:], value)
	d.hash = xxhash.Sum64(d.buf[:])
	d.count++
	if d.cfg.CaptureTraces {
		d.cur = append(d.cur, TraceEvent{Kind: kind, Value: value, Stack: d.stacks.Capture(2)})
	}
}

// ObserveRNG matches the rng observer signature.
func (d *Detector) ObserveRNG(v uint64) { d.Observe(KindRNG, v) }

// EndTick seals the fingerprint for tick. The hash keeps rolling across
// ticks, so once two participants diverge every later digest differs too.
func (d *Detector) EndTick(tick int32) Fingerprint {
	if d == nil {
		return Fingerprint{Tick: tick}
	}
	fp := Fingerprint{Tick: tick, Hash: d.hash, Count: d.count}
	d.history = append(d.history, fp)
	if over := len(d.history) - d.cfg.HistoryTicks; over > 0 {
		for _, old := range d.history[:over] {
			delete(d.traces, old.Tick)
		}
		d.history = append(d.history[:0], d.history[over:]...)
	}
	if d.cfg.CaptureTraces {
		d.traces[tick] = d.cur
		d.cur = nil
	}
	d.count = 0
	return fp
}

// Digest returns the retained fingerprint for tick.
func (d *Detector) Digest(tick int32) (Fingerprint, bool) {
	if d == nil {
		return Fingerprint{}, false
	}
	i := sort.Search(len(d.history), func(i int) bool { return d.history[i].Tick >= tick })
	if i < len(d.history) && d.history[i].Tick == tick {
		return d.history[i], true
	}
	return Fingerprint{}, false
}

// Latest returns the most recent sealed fingerprint.
func (d *Detector) Latest() (Fingerprint, bool) {
	if d == nil || len(d.history) == 0 {
		return Fingerprint{}, false
	}
	return d.history[len(d.history)-1], true
}

// Compare checks remote fingerprints against local history and returns the
// earliest disagreeing tick. Ticks no longer (or not yet) retained locally
// are skipped.
func (d *Detector) Compare(remote []Fingerprint) (Report, bool) {
	if d == nil {
		return Report{}, false
	}
	sorted := append([]Fingerprint(nil), remote...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Tick < sorted[j].Tick })
	for _, r := range sorted {
		local, ok := d.Digest(r.Tick)
		if !ok {
			continue
		}
		if local.Hash != r.Hash || local.Count != r.Count {
			return Report{Tick: r.Tick, Local: local, Remote: r, Trace: d.traces[r.Tick]}, true
		}
	}
	return Report{}, false
}

// Emit records the report as a span event. With no tracer provider
// installed this goes to the otel no-op tracer.
func (d *Detector) Emit(ctx context.Context, rep Report) {
	if d == nil {
		return
	}
	_, span := d.otel.Start(ctx, "desync.report")
	defer span.End()
	span.AddEvent("divergence", trace.WithAttributes(
		attribute.Int("tick", int(rep.Tick)),
		attribute.String("local_hash", fmt.Sprintf("%016x", rep.Local.Hash)),
		attribute.String("remote_hash", fmt.Sprintf("%016x", rep.Remote.Hash)),
		attribute.Int("local_count", int(rep.Local.Count)),
		attribute.Int("remote_count", int(rep.Remote.Count)),
		attribute.Int("trace_events", len(rep.Trace)),
	))
	span.SetStatus(codes.Error, "desync")
}
