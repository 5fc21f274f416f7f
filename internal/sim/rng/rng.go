// Package rng provides deterministic randomness scoped per decision.
//
// Any decision that consults randomness runs between Push and Pop with a seed
// derived from replicated values only (entity identity and the owning
// tickable's virtual tick), so every participant draws the same sequence.
// Scopes nest; popping out of order is a correctness defect and panics.
package rng

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
)

var ErrUnbalanced = errors.New("rng: unbalanced scope pop")

type frame struct {
	saved rand.PCG
	seed  uint64
	id    uint64
}

// Stack is owned by the simulation goroutine and is not safe for concurrent use.
type Stack struct {
	pcg *rand.PCG
	r   *rand.Rand

	frames []frame
	nextID uint64

	observe  func(uint64)
	unscoped uint64
}

type Option func(*Stack)

// WithObserver reports every draw, typically to the desync detector.
func WithObserver(fn func(uint64)) Option {
	return func(s *Stack) { s.observe = fn }
}

// NewStack seeds the base generator used outside any scope.
func NewStack(base uint64, opts ...Option) *Stack {
	pcg := rand.NewPCG(base, base^0x9e3779b97f4a7c15)
	s := &Stack{pcg: pcg, r: rand.New(pcg)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SeedFor derives a scope seed from replicated values.
func SeedFor(identity int64, tick int64) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(identity))
	binary.LittleEndian.PutUint64(b[8:], uint64(tick))
	return xxhash.Sum64(b[:])
}

// Scope is the token returned by Push; its Pop must run before any outer
// scope's Pop.
type Scope struct {
	s     *Stack
	depth int
	id    uint64
}

func (s *Stack) Push(seed uint64) Scope {
	s.nextID++
	s.frames = append(s.frames, frame{saved: *s.pcg, seed: seed, id: s.nextID})
	s.pcg.Seed(seed, seed^0x9e3779b97f4a7c15)
	return Scope{s: s, depth: len(s.frames), id: s.nextID}
}

// Pop restores the generator state saved by the matching Push.
func (sc Scope) Pop() {
	s := sc.s
	if s == nil {
		panic(fmt.Errorf("%w: zero scope", ErrUnbalanced))
	}
	n := len(s.frames)
	if n == 0 || n != sc.depth || s.frames[n-1].id != sc.id {
		panic(fmt.Errorf("%w: popping depth %d with %d open", ErrUnbalanced, sc.depth, n))
	}
	*s.pcg = s.frames[n-1].saved
	s.frames = s.frames[:n-1]
}

// Scoped runs fn inside a scope; the pop happens on every exit path,
// including panics, which keep propagating.
func (s *Stack) Scoped(seed uint64, fn func() error) error {
	sc := s.Push(seed)
	defer sc.Pop()
	return fn()
}

func (s *Stack) Depth() int { return len(s.frames) }

// Unscoped counts draws made outside any scope. Those come from the base
// generator and only stay in sync if every participant made the same
// unscoped draws in the same order, which is exactly what scoping avoids.
func (s *Stack) Unscoped() uint64 { return s.unscoped }

func (s *Stack) note(v uint64) {
	if len(s.frames) == 0 {
		s.unscoped++
	}
	if s.observe != nil {
		s.observe(v)
	}
}

func (s *Stack) Uint64() uint64 {
	v := s.r.Uint64()
	s.note(v)
	return v
}

// IntN returns a value in [0, n). It panics if n <= 0.
func (s *Stack) IntN(n int) int {
	v := s.r.IntN(n)
	s.note(uint64(v))
	return v
}

func (s *Stack) Float64() float64 {
	v := s.r.Float64()
	s.note(uint64(v * (1 << 53)))
	return v
}

// Chance reports true with probability p.
func (s *Stack) Chance(p float64) bool {
	switch {
	case p <= 0:
		return false
	case p >= 1:
		return true
	}
	return s.Float64() < p
}
