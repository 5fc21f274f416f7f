package authority

import (
	"context"
	"time"

	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
)

// JoinRequest.Resp must have room for one response.
type JoinRequest struct {
	Spec ParticipantSpec
	Resp chan JoinResponse
}

type JoinResponse struct {
	Participant *Participant
	Welcome     protocol.WelcomeMsg
	Err         error
}

type Submission struct {
	From  int32
	Draft command.Draft
}

type DigestReport struct {
	From   int32
	Digest protocol.Digest
}

type ProtocolFault struct {
	From int32
	Err  error
}

func (l *Log) Joins() chan<- JoinRequest      { return l.joinCh }
func (l *Log) Ready() chan<- int32            { return l.readyCh }
func (l *Log) Leaves() chan<- int32           { return l.leaveCh }
func (l *Log) Submissions() chan<- Submission { return l.submitCh }
func (l *Log) Digests() chan<- DigestReport   { return l.digestCh }
func (l *Log) Faults() chan<- ProtocolFault   { return l.faultCh }

// Run owns the log until ctx is done. Transport goroutines talk to it only
// through the channels above; the ticker closes one tick per period.
func (l *Log) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(l.cfg.TickRateHz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-l.joinCh:
			l.handleJoin(req)
		case id := <-l.readyCh:
			if err := l.MarkJoined(id); err != nil {
				l.log.Printf("mark joined player=%d: %v", id, err)
			}
		case id := <-l.leaveCh:
			l.Leave(id)
		case sub := <-l.submitCh:
			if cmd, ok := l.Submit(sub.From, sub.Draft); ok {
				l.Broadcast(cmd)
			}
		case rep := <-l.digestCh:
			l.ReportDigest(rep.From, rep.Digest)
		case f := <-l.faultCh:
			l.ProtocolError(f.From, f.Err)
		case <-ticker.C:
			l.AdvanceTick()
			l.storeMetrics()
		}
	}
}

func (l *Log) handleJoin(req JoinRequest) {
	p, err := l.Join(req.Spec)
	resp := JoinResponse{Participant: p, Err: err}
	if err == nil {
		resp.Welcome = l.Welcome(p)
	}
	select {
	case req.Resp <- resp:
	default:
		if p != nil {
			l.Leave(p.PlayerID)
		}
	}
}

// Welcome describes the session to a participant that just joined.
func (l *Log) Welcome(p *Participant) protocol.WelcomeMsg {
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       l.sessionID,
		PlayerID:        p.PlayerID,
		Host:            p.Host,
		Debug:           p.Debug,
		Tick:            l.tick,
		TickRateHz:      l.cfg.TickRateHz,
		DigestEvery:     l.cfg.DigestEvery,
		BacklogFrames:   l.BacklogLen(),
	}
}
