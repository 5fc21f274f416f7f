package scheduler

import (
	"sync"

	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
)

type InboundKind uint8

const (
	InCommand InboundKind = iota + 1
	InTimeControl
	InFreeze
	InUnfreeze
	InDesync
)

// Inbound is one message from the authority, queued until the next frame.
type Inbound struct {
	Kind        InboundKind
	Command     command.Command
	TimeControl protocol.TimeControl
	// Tick is the freeze point for InFreeze and the divergence tick for
	// InDesync.
	Tick int32
}

// Inbox hands network input to the simulation goroutine. Producers never
// block and nothing is dropped; the scheduler drains it once per frame.
type Inbox struct {
	mu    sync.Mutex
	items []Inbound
}

func (in *Inbox) Push(m Inbound) {
	in.mu.Lock()
	in.items = append(in.items, m)
	in.mu.Unlock()
}

func (in *Inbox) PushCommand(c command.Command) { in.Push(Inbound{Kind: InCommand, Command: c}) }

func (in *Inbox) PushTimeControl(tc protocol.TimeControl) {
	in.Push(Inbound{Kind: InTimeControl, TimeControl: tc})
}

// Deliver decodes one transport envelope body and queues it.
func (in *Inbox) Deliver(kind protocol.Kind, body []byte) error {
	switch kind {
	case protocol.KindCommand:
		c, err := command.UnmarshalFrame(body)
		if err != nil {
			return err
		}
		in.PushCommand(c)
	case protocol.KindTimeControl:
		tc, err := protocol.UnmarshalTimeControl(body)
		if err != nil {
			return err
		}
		in.PushTimeControl(tc)
	case protocol.KindFreeze:
		f, err := protocol.UnmarshalFreeze(body)
		if err != nil {
			return err
		}
		in.Push(Inbound{Kind: InFreeze, Tick: f.At})
	case protocol.KindUnfreeze:
		in.Push(Inbound{Kind: InUnfreeze})
	case protocol.KindDesync:
		n, err := protocol.UnmarshalDesyncNotice(body)
		if err != nil {
			return err
		}
		in.Push(Inbound{Kind: InDesync, Tick: n.Tick})
	default:
		return protocol.Protocolf(nil, "%s is not sent to participants", kind)
	}
	return nil
}

func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items)
}

// drain returns everything queued in FIFO order.
func (in *Inbox) drain() []Inbound {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.items) == 0 {
		return nil
	}
	out := in.items
	in.items = nil
	return out
}
