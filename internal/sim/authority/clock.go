package authority

import "sync/atomic"

// seqClock stamps accepted commands with a strictly increasing sequence.
// Together with the tick it defines the total order every participant
// replays. Only the sequencer calls next; current may be read from anywhere.
type seqClock struct {
	n atomic.Uint64
}

func newSeqClockAt(start uint64) *seqClock {
	c := &seqClock{}
	c.n.Store(start)
	return c
}

func (c *seqClock) next() uint64    { return c.n.Add(1) }
func (c *seqClock) current() uint64 { return c.n.Load() }
