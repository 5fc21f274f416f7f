package authority

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/syncproc"
)

type recorder struct {
	mu     sync.Mutex
	msgs   [][]byte
	fail   bool
	closed bool
}

func (r *recorder) Send(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return ErrSlowConsumer
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) commands(t *testing.T) []command.Command {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []command.Command
	for _, m := range r.msgs {
		kind, body, err := protocol.OpenEnvelope(m)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if kind != protocol.KindCommand {
			continue
		}
		c, err := command.UnmarshalFrame(body)
		if err != nil {
			t.Fatalf("frame: %v", err)
		}
		out = append(out, c)
	}
	return out
}

func (r *recorder) kinds() []protocol.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Kind, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, protocol.Kind(m[0]))
	}
	return out
}

type journal struct {
	seqs []uint64
	err  error
}

func (j *journal) Append(_ int32, seq uint64, _ []byte) error {
	j.seqs = append(j.seqs, seq)
	return j.err
}

type index struct {
	commands []uint64
	desyncs  []DesyncReport
}

func (i *index) RecordCommand(seq uint64, _ command.Command) { i.commands = append(i.commands, seq) }
func (i *index) RecordDesync(r DesyncReport)                 { i.desyncs = append(i.desyncs, r) }

func join(t *testing.T, l *Log, spec ParticipantSpec) (*Participant, *recorder) {
	t.Helper()
	rec := &recorder{}
	spec.Sink = rec
	p, err := l.Join(spec)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := l.MarkJoined(p.PlayerID); err != nil {
		t.Fatalf("mark joined: %v", err)
	}
	return p, rec
}

func syncDraft(t *testing.T, h *syncproc.Handler, args ...any) command.Draft {
	t.Helper()
	d, err := h.Draft(syncproc.Ambient{CurrentMap: command.GlobalMap}, command.GlobalMap, command.NoFaction, args...)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	return d
}

func newRegistry() *syncproc.Registry {
	r := syncproc.New(nil)
	syncproc.MustRegister(r, "build", func(*syncproc.Invocation, int32) error { return nil }, 0, command.Anyone)
	syncproc.MustRegister(r, "kick", func(*syncproc.Invocation, int32) error { return nil }, 0, command.HostOnly)
	syncproc.MustRegister(r, "spawn_gold", func(*syncproc.Invocation) error { return nil }, 0, command.DebugOnly)
	r.Seal()
	return r
}

func TestSubmitOrdersAndPersonalizesFrames(t *testing.T) {
	j, idx := &journal{}, &index{}
	reg := newRegistry()
	l := New(Config{}, Deps{Journal: j, Index: idx, Handlers: reg})
	host, hostRec := join(t, l, ParticipantSpec{Name: "host", Host: true})
	guest, guestRec := join(t, l, ParticipantSpec{Name: "guest"})

	build, _ := reg.ByName("build")
	for i, from := range []int32{host.PlayerID, guest.PlayerID, host.PlayerID} {
		cmd, ok := l.Submit(from, syncDraft(t, build, int32(i)))
		if !ok {
			t.Fatalf("submit %d rejected", i)
		}
		l.Broadcast(cmd)
		if i == 1 {
			l.AdvanceTick()
		}
	}

	hostCmds, guestCmds := hostRec.commands(t), guestRec.commands(t)
	if len(hostCmds) != 3 || len(guestCmds) != 3 {
		t.Fatalf("host=%d guest=%d", len(hostCmds), len(guestCmds))
	}
	wantTicks := []int32{0, 0, 1}
	for i := range hostCmds {
		h, g := hostCmds[i], guestCmds[i]
		if h.Tick != wantTicks[i] || g.Tick != wantTicks[i] || h.PlayerID != g.PlayerID {
			t.Fatalf("frame %d diverged: %v vs %v", i, h, g)
		}
		if h.IssuedBySelf != (h.PlayerID == host.PlayerID) || g.IssuedBySelf != (g.PlayerID == guest.PlayerID) {
			t.Fatalf("frame %d issuedBySelf host=%v guest=%v", i, h.IssuedBySelf, g.IssuedBySelf)
		}
	}
	if len(j.seqs) != 3 || j.seqs[0] != 1 || j.seqs[2] != 3 || len(idx.commands) != 3 {
		t.Fatalf("journal=%v index=%v", j.seqs, idx.commands)
	}
	for _, e := range l.Entries(command.GlobalMap) {
		if e.Command.IssuedBySelf {
			t.Fatalf("log entry %d carries issuedBySelf", e.Seq)
		}
	}
}

func TestSubmitterPlayerIDIsAuthenticated(t *testing.T) {
	l := New(Config{}, Deps{})
	p, _ := join(t, l, ParticipantSpec{Name: "a"})
	cmd, ok := l.Submit(p.PlayerID, command.Draft{
		Type:      command.TypeSpeedVote,
		FactionID: command.NoFaction,
		MapID:     command.GlobalMap,
		Payload:   command.SpeedVotePayload(2),
	})
	if !ok || cmd.PlayerID != p.PlayerID {
		t.Fatalf("ok=%v cmd=%v", ok, cmd)
	}
	if _, ok := l.Submit(99, command.Draft{Type: command.TypeSpeedVote, Payload: []byte{1}}); ok {
		t.Fatalf("unknown participant accepted")
	}
}

func TestUnauthorizedDraftsAreSilentlyDropped(t *testing.T) {
	reg := newRegistry()
	l := New(Config{}, Deps{Handlers: reg})
	host, _ := join(t, l, ParticipantSpec{Name: "host", Host: true})
	guest, guestRec := join(t, l, ParticipantSpec{Name: "guest"})
	kick, _ := reg.ByName("kick")
	gold, _ := reg.ByName("spawn_gold")

	before := len(guestRec.msgs)
	cases := []command.Draft{
		syncDraft(t, kick, int32(0)),
		syncDraft(t, gold),
		{Type: command.TypeMapCreated, FactionID: command.NoFaction, MapID: 3},
		{Type: command.TypePlayerLeft, FactionID: command.NoFaction, MapID: command.GlobalMap, Payload: command.PlayerLeftPayload(0)},
	}
	for i, d := range cases {
		if _, ok := l.Submit(guest.PlayerID, d); ok {
			t.Fatalf("case %d accepted from guest", i)
		}
	}
	if len(guestRec.msgs) != before {
		t.Fatalf("guest got a reply to an unauthorized draft")
	}
	if st := l.Stats(); st.Unauthorized != 4 || st.Accepted != 0 {
		t.Fatalf("stats=%+v", st)
	}
	if _, ok := l.Submit(host.PlayerID, syncDraft(t, kick, int32(1))); !ok {
		t.Fatalf("host kick rejected")
	}
	if _, ok := l.Submit(host.PlayerID, command.Draft{Type: command.TypeMapCreated, FactionID: command.NoFaction, MapID: 3}); !ok {
		t.Fatalf("host map create rejected")
	}
}

func TestDebugRoleAndDebugMode(t *testing.T) {
	reg := newRegistry()
	gold, _ := reg.ByName("spawn_gold")

	l := New(Config{}, Deps{Handlers: reg})
	dev, _ := join(t, l, ParticipantSpec{Name: "dev", Debug: true})
	if _, ok := l.Submit(dev.PlayerID, syncDraft(t, gold)); !ok {
		t.Fatalf("debug role rejected")
	}

	policy := command.DefaultPolicy()
	policy.Rules.DebugMode = true
	l = New(Config{}, Deps{Handlers: reg, Policy: policy})
	anyone, _ := join(t, l, ParticipantSpec{Name: "anyone"})
	if _, ok := l.Submit(anyone.PlayerID, syncDraft(t, gold)); !ok {
		t.Fatalf("debug mode rejected")
	}
}

func TestHostControlsSpeed(t *testing.T) {
	vote := command.Draft{Type: command.TypeSpeedVote, FactionID: command.NoFaction, MapID: command.GlobalMap, Payload: command.SpeedVotePayload(0)}
	l := New(Config{}, Deps{Policy: command.Policy{Rules: command.Rules{HostControlsSpeed: true}}})
	host, _ := join(t, l, ParticipantSpec{Name: "h", Host: true})
	guest, _ := join(t, l, ParticipantSpec{Name: "g"})
	if _, ok := l.Submit(guest.PlayerID, vote); ok {
		t.Fatalf("guest vote accepted")
	}
	if _, ok := l.Submit(host.PlayerID, vote); !ok {
		t.Fatalf("host vote rejected")
	}
}

func TestProtocolErrorsDisconnect(t *testing.T) {
	l := New(Config{MaxProtocolErrors: 2}, Deps{Handlers: newRegistry()})
	p, rec := join(t, l, ParticipantSpec{Name: "noisy"})
	other, otherRec := join(t, l, ParticipantSpec{Name: "other"})

	if _, ok := l.Submit(p.PlayerID, command.Draft{Type: command.Type(77)}); ok {
		t.Fatalf("unknown type accepted")
	}
	if _, ok := l.Participant(p.PlayerID); !ok {
		t.Fatalf("disconnected after one error")
	}
	// Unknown sync id.
	if _, ok := l.Submit(p.PlayerID, command.Draft{Type: command.TypeSync, MapID: command.GlobalMap, Payload: []byte{9, 9, 0, 0}}); ok {
		t.Fatalf("unknown sync accepted")
	}
	if _, ok := l.Participant(p.PlayerID); ok {
		t.Fatalf("still connected")
	}
	if !rec.closed {
		t.Fatalf("sink not closed")
	}
	cmds := otherRec.commands(t)
	if len(cmds) != 1 || cmds[0].Type != command.TypePlayerLeft || cmds[0].PlayerID != command.SystemPlayer {
		t.Fatalf("other saw %v", cmds)
	}
	left, _ := command.DecodePlayerLeft(cmds[0].Payload)
	if left != p.PlayerID || other.PlayerID == p.PlayerID {
		t.Fatalf("left=%d", left)
	}
	if st := l.Stats(); st.ProtocolErrors != 2 || st.Disconnects != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestJoiningParticipantGetsBacklogThenLive(t *testing.T) {
	l := New(Config{}, Deps{})
	host, _ := join(t, l, ParticipantSpec{Name: "host", Host: true})
	create := command.Draft{Type: command.TypeMapCreated, FactionID: command.NoFaction, MapID: 4}
	vote := command.Draft{Type: command.TypeSpeedVote, FactionID: command.NoFaction, MapID: 4, Payload: command.SpeedVotePayload(2)}
	world := command.Draft{Type: command.TypeSpeedVote, FactionID: command.NoFaction, MapID: command.GlobalMap, Payload: command.SpeedVotePayload(1)}
	for _, d := range []command.Draft{create, world, vote} {
		cmd, ok := l.Submit(host.PlayerID, d)
		if !ok {
			t.Fatalf("%s rejected", d.Type)
		}
		l.Broadcast(cmd)
		l.AdvanceTick()
	}

	rec := &recorder{}
	late, err := l.Join(ParticipantSpec{Name: "late", Sink: rec})
	if err != nil {
		t.Fatal(err)
	}
	cmd, _ := l.Submit(host.PlayerID, world)
	l.Broadcast(cmd)
	if len(rec.msgs) != 0 {
		t.Fatalf("joining participant received live traffic")
	}
	if err := l.MarkJoined(late.PlayerID); err != nil {
		t.Fatal(err)
	}
	if err := l.MarkJoined(late.PlayerID); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second mark: %v", err)
	}
	kinds := rec.kinds()
	if len(kinds) != 5 || kinds[4] != protocol.KindTimeControl {
		t.Fatalf("kinds=%v", kinds)
	}
	got := rec.commands(t)
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if cur.Tick < prev.Tick {
			t.Fatalf("backlog out of order: %v then %v", prev, cur)
		}
	}
	if got[0].MapID != 4 || got[1].MapID != command.GlobalMap || got[2].MapID != 4 {
		t.Fatalf("backlog not merged by seq: %v", got)
	}
	tc, _ := protocol.UnmarshalTimeControl(rec.msgs[4][1:])
	if tc.Horizon != l.Tick() {
		t.Fatalf("horizon=%d tick=%d", tc.Horizon, l.Tick())
	}
	if ids := l.Maps(); len(ids) != 2 || ids[0] != command.GlobalMap || ids[1] != 4 {
		t.Fatalf("maps=%v", ids)
	}
}

func TestFreezeOnJoin(t *testing.T) {
	l := New(Config{FreezeOnJoin: true}, Deps{})
	_, first := join(t, l, ParticipantSpec{Name: "a"})
	l.AdvanceTick()
	l.AdvanceTick()

	rec := &recorder{}
	p, _ := l.Join(ParticipantSpec{Name: "b", Sink: rec})
	if at, ok := l.Frozen(); !ok || at != 2 {
		t.Fatalf("frozen=%v at=%d", ok, at)
	}
	if err := l.MarkJoined(p.PlayerID); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.Frozen(); ok {
		t.Fatalf("still frozen after the only joiner finished")
	}
	kinds := first.kinds()
	n := len(kinds)
	if n < 2 || kinds[n-2] != protocol.KindFreeze || kinds[n-1] != protocol.KindUnfreeze {
		t.Fatalf("first saw %v", kinds)
	}
	late := rec.kinds()
	if late[len(late)-1] != protocol.KindUnfreeze {
		t.Fatalf("joiner saw %v", late)
	}
}

func TestFirstJoinerHosts(t *testing.T) {
	l := New(Config{FirstJoinerHosts: true}, Deps{})
	a, _ := join(t, l, ParticipantSpec{Name: "a"})
	b, _ := join(t, l, ParticipantSpec{Name: "b"})
	if !a.Host || b.Host {
		t.Fatalf("a=%v b=%v", a.Host, b.Host)
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	l := New(Config{}, Deps{})
	p, rec := join(t, l, ParticipantSpec{Name: "slow"})
	rec.fail = true
	l.AdvanceTick()
	if _, ok := l.Participant(p.PlayerID); ok {
		t.Fatalf("slow consumer kept")
	}
}

func TestFailedSendsDisconnectAfterFanOut(t *testing.T) {
	reg := newRegistry()
	l := New(Config{}, Deps{Handlers: reg})
	host, hostRec := join(t, l, ParticipantSpec{Name: "host"})
	a, aRec := join(t, l, ParticipantSpec{Name: "a"})
	b, bRec := join(t, l, ParticipantSpec{Name: "b"})
	aRec.fail, bRec.fail = true, true

	build, _ := reg.ByName("build")
	cmd, ok := l.Submit(host.PlayerID, syncDraft(t, build, int32(7)))
	if !ok {
		t.Fatalf("submit rejected")
	}
	l.Broadcast(cmd)

	got := hostRec.commands(t)
	if len(got) != 3 || got[0].Type != command.TypeSync {
		t.Fatalf("host saw %v", got)
	}
	var left []int32
	for _, c := range got[1:] {
		if c.Type != command.TypePlayerLeft {
			t.Fatalf("host saw %s after the sync", c.Type)
		}
		id, err := command.DecodePlayerLeft(c.Payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		left = append(left, id)
	}
	if left[0] != a.PlayerID || left[1] != b.PlayerID {
		t.Fatalf("left order %v", left)
	}
	if st := l.Stats(); st.Disconnects != 2 {
		t.Fatalf("disconnects=%d", st.Disconnects)
	}
	if !aRec.closed || !bRec.closed {
		t.Fatalf("sinks left open a=%v b=%v", aRec.closed, bRec.closed)
	}
}

func TestFullChanSinksDoNotPanicTheLog(t *testing.T) {
	l := New(Config{}, Deps{})
	sinks := []*ChanSink{NewChanSink(100), NewChanSink(1), NewChanSink(1)}
	for i, sink := range sinks {
		p, err := l.Join(ParticipantSpec{Name: string(rune('a' + i)), Sink: sink})
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		if err := l.MarkJoined(p.PlayerID); err != nil {
			t.Fatalf("mark joined: %v", err)
		}
	}
	l.AdvanceTick()

	if n := len(l.Participants()); n != 1 {
		t.Fatalf("participants=%d", n)
	}
	var kinds []protocol.Kind
	for len(sinks[0].C) > 0 {
		kinds = append(kinds, protocol.Kind((<-sinks[0].C)[0]))
	}
	last := kinds[len(kinds)-3:]
	if last[0] != protocol.KindTimeControl || last[1] != protocol.KindCommand || last[2] != protocol.KindCommand {
		t.Fatalf("survivor saw %v", kinds)
	}
	if err := sinks[1].Send([]byte{0}); !errors.Is(err, ErrSinkClosed) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestDigestMismatchRaisesNotice(t *testing.T) {
	idx := &index{}
	l := New(Config{}, Deps{Index: idx})
	a, aRec := join(t, l, ParticipantSpec{Name: "a"})
	b, _ := join(t, l, ParticipantSpec{Name: "b"})
	c, _ := join(t, l, ParticipantSpec{Name: "c"})
	for i := 0; i < 4; i++ {
		l.AdvanceTick()
	}
	good := protocol.Digest{Tick: 2, Hash: 0xabc, Count: 3}
	bad := protocol.Digest{Tick: 2, Hash: 0xdef, Count: 3}
	l.ReportDigest(a.PlayerID, good)
	l.ReportDigest(b.PlayerID, good)
	l.ReportDigest(c.PlayerID, bad)
	l.ReportDigest(c.PlayerID, bad)

	if len(idx.desyncs) != 1 {
		t.Fatalf("desyncs=%d", len(idx.desyncs))
	}
	rep := idx.desyncs[0]
	if rep.Tick != 2 || rep.Reporter != c.PlayerID || rep.Reference != a.PlayerID || rep.ReferenceDigest != good {
		t.Fatalf("report=%+v", rep)
	}
	kinds := aRec.kinds()
	if kinds[len(kinds)-1] != protocol.KindDesync {
		t.Fatalf("a saw %v", kinds)
	}
	n, _ := protocol.UnmarshalDesyncNotice(aRec.msgs[len(aRec.msgs)-1][1:])
	if n.Tick != 2 || n.PlayerID != c.PlayerID {
		t.Fatalf("notice=%+v", n)
	}

	// A digest for a tick that has not been authorized is a protocol error.
	l.ReportDigest(a.PlayerID, protocol.Digest{Tick: 40})
	if l.Stats().ProtocolErrors != 1 {
		t.Fatalf("future digest accepted")
	}
}

func TestJournalFailureKeepsAccepting(t *testing.T) {
	l := New(Config{}, Deps{Journal: &journal{err: errors.New("disk full")}})
	p, _ := join(t, l, ParticipantSpec{Name: "a"})
	vote := command.Draft{Type: command.TypeSpeedVote, FactionID: command.NoFaction, MapID: command.GlobalMap, Payload: command.SpeedVotePayload(1)}
	if _, ok := l.Submit(p.PlayerID, vote); !ok {
		t.Fatalf("rejected")
	}
	if st := l.Stats(); st.JournalErrors != 1 || st.Accepted != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestRunSequencesConcurrentSubmitters(t *testing.T) {
	l := New(Config{TickRateHz: 200}, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	const players, each = 4, 25
	recs := make([]*recorder, players)
	ids := make([]int32, players)
	for i := range recs {
		recs[i] = &recorder{}
		resp := make(chan JoinResponse, 1)
		l.Joins() <- JoinRequest{Spec: ParticipantSpec{Name: "p", Sink: recs[i]}, Resp: resp}
		r := <-resp
		if r.Err != nil {
			t.Fatal(r.Err)
		}
		if r.Welcome.SessionID != l.SessionID() || r.Welcome.PlayerID != r.Participant.PlayerID {
			t.Fatalf("welcome=%+v", r.Welcome)
		}
		ids[i] = r.Participant.PlayerID
		l.Ready() <- ids[i]
	}

	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(from int32) {
			defer wg.Done()
			for k := 0; k < each; k++ {
				l.Submissions() <- Submission{From: from, Draft: command.Draft{
					Type: command.TypeSpeedVote, FactionID: command.NoFaction, MapID: command.GlobalMap,
					Payload: command.SpeedVotePayload(uint8(k % 4)),
				}}
			}
		}(ids[i])
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if n := len(recs[players-1].commands(t)); n == players*each {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	ref := recs[0].commands(t)
	for i := 1; i < players; i++ {
		got := recs[i].commands(t)
		if len(got) != len(ref) {
			t.Fatalf("player %d got %d frames", i, len(got))
		}
		for k := range ref {
			if got[k].PlayerID != ref[k].PlayerID || got[k].Tick != ref[k].Tick || got[k].Payload[0] != ref[k].Payload[0] {
				t.Fatalf("player %d frame %d: %v vs %v", i, k, got[k], ref[k])
			}
		}
	}
}

func TestMetricsSnapshot(t *testing.T) {
	l := New(Config{}, Deps{})
	if m := l.Metrics(); m.SessionID != l.SessionID() || m.Tick != 0 {
		t.Fatalf("empty metrics %+v", m)
	}
	join(t, l, ParticipantSpec{Name: "a"})
	rec := &recorder{}
	if _, err := l.Join(ParticipantSpec{Name: "b", Sink: rec}); err != nil {
		t.Fatal(err)
	}
	l.AdvanceTick()
	l.storeMetrics()

	m := l.Metrics()
	if m.Tick != 1 || m.Participants != 2 || m.Joining != 1 {
		t.Fatalf("metrics %+v", m)
	}
}
