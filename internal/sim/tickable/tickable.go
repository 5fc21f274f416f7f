// Package tickable implements independent simulation clock domains: the
// world and one per map, each with its own command queue, speed votes and
// step accumulator.
package tickable

import (
	"errors"
	"fmt"
	"sort"

	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
)

// StepFunc advances the domain by one step. tick is the domain's own virtual
// tick count, the value RNG seeds for that step are derived from.
type StepFunc func(tick int64) error

type Tickable struct {
	id   int32
	step StepFunc

	queue []command.Command

	votes   map[int32]Speed
	local   Speed
	desired Speed
	rate    Rate
	// acc counts fractional steps in units of 1/rate.Den.
	acc   int64
	ticks int64
}

type Option func(*Tickable)

// WithLocalSpeed sets the speed used while nobody has voted.
func WithLocalSpeed(s Speed) Option {
	return func(t *Tickable) { t.local = s }
}

func New(id int32, step StepFunc, opts ...Option) *Tickable {
	t := &Tickable{
		id:    id,
		step:  step,
		votes: make(map[int32]Speed),
		local: Normal,
	}
	for _, o := range opts {
		o(t)
	}
	t.desired = t.local
	t.rate = t.local.Rate()
	return t
}

func (t *Tickable) ID() int32           { return t.id }
func (t *Tickable) Ticks() int64        { return t.ticks }
func (t *Tickable) DesiredSpeed() Speed { return t.desired }
func (t *Tickable) ResolvedRate() Rate  { return t.rate }
func (t *Tickable) Paused() bool        { return t.rate.Zero() }
func (t *Tickable) Pending() int        { return len(t.queue) }

// Enqueue inserts c keeping the queue ordered by tick; commands with equal
// ticks keep receipt order.
func (t *Tickable) Enqueue(c command.Command) {
	i := sort.Search(len(t.queue), func(i int) bool { return t.queue[i].Tick > c.Tick })
	t.queue = append(t.queue, command.Command{})
	copy(t.queue[i+1:], t.queue[i:])
	t.queue[i] = c
}

// NextTick reports the tick of the earliest queued command.
func (t *Tickable) NextTick() (int32, bool) {
	if len(t.queue) == 0 {
		return 0, false
	}
	return t.queue[0].Tick, true
}

// DequeueDue removes and returns every command with Tick <= tick.
func (t *Tickable) DequeueDue(tick int32) []command.Command {
	n := sort.Search(len(t.queue), func(i int) bool { return t.queue[i].Tick > tick })
	if n == 0 {
		return nil
	}
	due := make([]command.Command, n)
	copy(due, t.queue[:n])
	t.queue = append(t.queue[:0], t.queue[n:]...)
	return due
}

// Vote records player's desired speed. Votes are state, not toggles: the
// same vote applied twice leaves the same result.
func (t *Tickable) Vote(player int32, s Speed) {
	t.votes[player] = s
	t.recompute()
}

func (t *Tickable) ClearVote(player int32) {
	delete(t.votes, player)
	t.recompute()
}

func (t *Tickable) SetLocalSpeed(s Speed) {
	t.local = s
	t.recompute()
}

func (t *Tickable) Votes() map[int32]Speed {
	out := make(map[int32]Speed, len(t.votes))
	for k, v := range t.votes {
		out[k] = v
	}
	return out
}

// recompute derives the desired speed as the slowest vote. The rule is
// commutative, so participants agree no matter in which order same-tick
// votes were applied.
func (t *Tickable) recompute() {
	if len(t.votes) == 0 {
		t.desired = t.local
		return
	}
	first := true
	for _, s := range t.votes {
		if first {
			t.desired = s
			first = false
			continue
		}
		t.desired = slowest(t.desired, s)
	}
}

func (t *Tickable) setRate(r Rate) {
	if r == t.rate {
		return
	}
	if t.rate.Den != r.Den {
		t.acc = t.acc * r.Den / t.rate.Den
	}
	t.rate = r
}

// Resolve assigns resolved rates. Coupled domains all run at the slowest
// desired rate so that none outruns another; uncoupled ones run at their own.
func Resolve(ts []*Tickable, coupled bool) {
	if !coupled {
		for _, t := range ts {
			t.setRate(t.desired.Rate())
		}
		return
	}
	if len(ts) == 0 {
		return
	}
	slow := ts[0].desired.Rate()
	for _, t := range ts[1:] {
		if r := t.desired.Rate(); r.Less(slow) {
			slow = r
		}
	}
	for _, t := range ts {
		t.setRate(slow)
	}
}

// Advance runs the steps owed for one scheduler tick. A failing step is
// reported but does not stop the remaining steps or the virtual tick count.
func (t *Tickable) Advance() (steps int, err error) {
	if t.rate.Zero() {
		return 0, nil
	}
	t.acc += t.rate.Num
	var errs []error
	for t.acc >= t.rate.Den {
		t.acc -= t.rate.Den
		if stepErr := t.safeStep(t.ticks); stepErr != nil {
			errs = append(errs, stepErr)
		}
		t.ticks++
		steps++
	}
	return steps, errors.Join(errs...)
}

func (t *Tickable) safeStep(tick int64) (err error) {
	if t.step == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = protocol.Applicationf(fmt.Errorf("panic: %v", r), "tickable %d step %d", t.id, tick)
		}
	}()
	if stepErr := t.step(tick); stepErr != nil {
		return protocol.Applicationf(stepErr, "tickable %d step %d", t.id, tick)
	}
	return nil
}
