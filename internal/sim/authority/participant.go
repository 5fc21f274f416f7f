package authority

import (
	"errors"
	"sync"
)

var (
	ErrSlowConsumer = errors.New("participant outbound queue full")
	ErrSinkClosed   = errors.New("participant sink closed")
)

// Sink delivers encoded transport messages to one participant, in order.
// Lockstep cannot skip a frame, so a Sink that cannot keep up must fail
// rather than drop; the log then disconnects the participant.
type Sink interface {
	Send(msg []byte) error
	Close()
}

// ChanSink is a bounded, non-blocking Sink over a channel drained by a
// transport writer goroutine. Close closes the channel; later sends fail.
type ChanSink struct {
	C chan []byte

	mu     sync.Mutex
	closed bool
}

func NewChanSink(capacity int) *ChanSink {
	if capacity < 1 {
		capacity = 1
	}
	return &ChanSink{C: make(chan []byte, capacity)}
}

func (s *ChanSink) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.C <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
}

type State uint8

const (
	Joining State = iota
	Joined
)

func (s State) String() string {
	if s == Joined {
		return "joined"
	}
	return "joining"
}

type ParticipantSpec struct {
	Name  string
	Host  bool
	Debug bool
	Sink  Sink
}

type Participant struct {
	// ConnID identifies the connection; PlayerID is what commands carry.
	ConnID   string
	PlayerID int32
	Name     string
	Host     bool
	Debug    bool
	State    State

	sink           Sink
	protocolErrors int
}
