package desync

import (
	"encoding/binary"
	"runtime"

	"github.com/cespare/xxhash/v2"
)

// Tracer captures a stack identity for an observed event. Implementations
// must be cheap and side-effect free; they never influence simulation.
type Tracer interface {
	Capture(skip int) uint64
}

type NopTracer struct{}

func (NopTracer) Capture(int) uint64 { return 0 }

// StackTracer hashes program counters. PCs are only comparable between
// identical binaries, which lockstep requires anyway.
type StackTracer struct {
	Depth int
}

func (s StackTracer) Capture(skip int) uint64 {
	depth := s.Depth
	if depth <= 0 {
		depth = 16
	}
	pcs := make([]uintptr, depth)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return 0
	}
	buf := make([]byte, 8*n)
	for i, pc := range pcs[:n] {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(pc))
	}
	return xxhash.Sum64(buf)
}
