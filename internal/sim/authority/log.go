// Package authority is the single source of truth for command order. It
// stamps accepted drafts with the current global tick and a sequence number,
// keeps the per-map replay log, and fans personalized frames out to every
// joined participant.
package authority

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"

	"lockstep.ai/internal/codec/binio"
	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
)

var (
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrAlreadyJoined      = errors.New("participant already joined")
)

// Journal is the durable replay log. Append must not return before the
// record is written.
type Journal interface {
	Append(mapID int32, seq uint64, frame []byte) error
}

// Index is the best-effort read model. Implementations must not block.
type Index interface {
	RecordCommand(seq uint64, c command.Command)
	RecordDesync(r DesyncReport)
}

// EventSink receives session lifecycle events for auditing.
type EventSink interface {
	RecordEvent(e Event)
}

// PermissionLookup resolves the permission class of the sync handler a
// payload targets.
type PermissionLookup interface {
	SyncPermission(payload []byte) (command.Permission, error)
}

type Config struct {
	// SessionID names the session in persisted output; empty picks a uuid.
	SessionID  string
	TickRateHz int
	// FreezeOnJoin holds every participant at the current tick while
	// someone is still receiving the backlog.
	FreezeOnJoin bool
	// MaxProtocolErrors disconnects a participant after this many
	// malformed messages; 0 means never.
	MaxProtocolErrors int
	// FirstJoinerHosts gives the host role to the first participant when
	// no one else holds it.
	FirstJoinerHosts bool
	// LogRejections logs unauthorized drafts. They are never answered.
	LogRejections bool
	// DigestHistory bounds how many ticks of digests are kept for collation.
	DigestHistory int32
	// DigestEvery is the reporting cadence announced in WELCOME.
	DigestEvery int32
}

func (c Config) MsPerTick() float32 {
	if c.TickRateHz <= 0 {
		return 50
	}
	return 1000 / float32(c.TickRateHz)
}

type Deps struct {
	Logger   *log.Logger
	Journal  Journal
	Index    Index
	Policy   command.Policy
	Handlers PermissionLookup
	Events   EventSink
}

// Entry is one accepted command with its position in the total order.
type Entry struct {
	Seq     uint64
	Command command.Command
}

type DesyncReport struct {
	Tick     int32
	Reporter int32
	// Reference is the player whose digest arrived first for the tick.
	Reference       int32
	ReferenceDigest protocol.Digest
	ReportedDigest  protocol.Digest
}

type Stats struct {
	Accepted       uint64
	Unauthorized   uint64
	ProtocolErrors uint64
	Disconnects    uint64
	Desyncs        uint64
	JournalErrors  uint64
}

type digestSlot struct {
	reference int32
	digest    protocol.Digest
	flagged   bool
}

// Log is owned by one goroutine: either Run, or a caller that serializes
// every method call itself.
type Log struct {
	cfg  Config
	deps Deps
	log  *log.Logger

	sessionID string
	tick      int32
	seq       *seqClock

	maps         map[int32][]Entry
	participants map[int32]*Participant
	nextPlayer   int32
	frozen       bool
	frozenAt     int32

	digests    map[int32]*digestSlot
	desynced   bool
	desyncTick int32
	stats      Stats

	joinCh   chan JoinRequest
	readyCh  chan int32
	leaveCh  chan int32
	submitCh chan Submission
	digestCh chan DigestReport
	faultCh  chan ProtocolFault

	metrics atomic.Value
}

func New(cfg Config, deps Deps) *Log {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 20
	}
	if cfg.DigestHistory <= 0 {
		cfg.DigestHistory = 1024
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Policy.Types == nil {
		rules := deps.Policy.Rules
		deps.Policy = command.DefaultPolicy()
		deps.Policy.Rules = rules
	}
	return &Log{
		cfg:          cfg,
		deps:         deps,
		log:          deps.Logger,
		sessionID:    cfg.SessionID,
		seq:          newSeqClockAt(0),
		maps:         map[int32][]Entry{},
		participants: map[int32]*Participant{},
		digests:      map[int32]*digestSlot{},
		joinCh:       make(chan JoinRequest, 16),
		readyCh:      make(chan int32, 16),
		leaveCh:      make(chan int32, 16),
		submitCh:     make(chan Submission, 1024),
		digestCh:     make(chan DigestReport, 256),
		faultCh:      make(chan ProtocolFault, 64),
	}
}

func (l *Log) SessionID() string { return l.sessionID }
func (l *Log) Tick() int32       { return l.tick }
func (l *Log) Seq() uint64       { return l.seq.current() }
func (l *Log) Stats() Stats      { return l.stats }
func (l *Log) Config() Config    { return l.cfg }

// Frozen reports the pending freeze tick, if any.
func (l *Log) Frozen() (int32, bool) { return l.frozenAt, l.frozen }

func (l *Log) Participant(playerID int32) (*Participant, bool) {
	p, ok := l.participants[playerID]
	return p, ok
}

// Participants returns every connected participant ordered by player id.
func (l *Log) Participants() []*Participant {
	out := make([]*Participant, 0, len(l.participants))
	for _, p := range l.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// Join registers a participant. It receives nothing until MarkJoined.
func (l *Log) Join(spec ParticipantSpec) (*Participant, error) {
	if spec.Sink == nil {
		return nil, fmt.Errorf("join %q: nil sink", spec.Name)
	}
	host := spec.Host
	if !host && l.cfg.FirstJoinerHosts && !l.hasHost() {
		host = true
	}
	p := &Participant{
		ConnID:   uuid.NewString(),
		PlayerID: l.nextPlayer,
		Name:     spec.Name,
		Host:     host,
		Debug:    spec.Debug,
		State:    Joining,
		sink:     spec.Sink,
	}
	l.nextPlayer++
	l.participants[p.PlayerID] = p
	l.log.Printf("join player=%d name=%q host=%v conn=%s", p.PlayerID, p.Name, p.Host, p.ConnID)
	l.event(EventJoin, p.PlayerID, p.Name, "conn="+p.ConnID)
	if l.cfg.FreezeOnJoin && !l.frozen {
		l.Freeze(l.tick)
	}
	return p, nil
}

func (l *Log) hasHost() bool {
	for _, p := range l.participants {
		if p.Host {
			return true
		}
	}
	return false
}

// MarkJoined streams every map's backlog in (tick, seq) order, then the
// current horizon and freeze state, and flips the participant to Joined.
func (l *Log) MarkJoined(playerID int32) error {
	p, ok := l.participants[playerID]
	if !ok {
		return ErrUnknownParticipant
	}
	if p.State == Joined {
		return ErrAlreadyJoined
	}
	for _, e := range l.backlog() {
		if err := p.sink.Send(commandMessage(e.Command, p.PlayerID)); err != nil {
			return l.joinFailed(p, "backlog", err)
		}
	}
	if err := p.sink.Send(l.timeControl()); err != nil {
		return l.joinFailed(p, "horizon", err)
	}
	if l.frozen {
		if err := p.sink.Send(protocol.Envelope(protocol.KindFreeze, protocol.Freeze{At: l.frozenAt}.Marshal())); err != nil {
			return l.joinFailed(p, "freeze", err)
		}
	}
	p.State = Joined
	l.log.Printf("joined player=%d backlog=%d tick=%d", playerID, l.BacklogLen(), l.tick)
	l.event(EventJoined, playerID, p.Name, fmt.Sprintf("backlog=%d", l.BacklogLen()))
	l.maybeThaw()
	return nil
}

func (l *Log) joinFailed(p *Participant, what string, err error) error {
	l.disconnect(p, err.Error())
	return fmt.Errorf("%s to player %d: %w", what, p.PlayerID, ErrSlowConsumer)
}

// BacklogLen is how many frames MarkJoined will stream.
func (l *Log) BacklogLen() int {
	n := 0
	for _, entries := range l.maps {
		n += len(entries)
	}
	return n
}

func (l *Log) backlog() []Entry {
	out := make([]Entry, 0, l.BacklogLen())
	for _, entries := range l.maps {
		out = append(out, entries...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Leave drops a participant and announces it to everyone else.
func (l *Log) Leave(playerID int32) {
	p, ok := l.participants[playerID]
	if !ok {
		return
	}
	delete(l.participants, playerID)
	p.sink.Close()
	l.log.Printf("leave player=%d state=%s", playerID, p.State)
	l.event(EventLeave, playerID, p.Name, p.State.String())

	cmd := l.record(command.Draft{
		Type:      command.TypePlayerLeft,
		FactionID: command.NoFaction,
		MapID:     command.GlobalMap,
		Payload:   command.PlayerLeftPayload(playerID),
	}, command.SystemPlayer)
	l.Broadcast(cmd)
	l.maybeThaw()
}

func (l *Log) maybeThaw() {
	if !l.cfg.FreezeOnJoin || !l.frozen {
		return
	}
	for _, p := range l.participants {
		if p.State == Joining {
			return
		}
	}
	l.Unfreeze()
}

// Submit validates and sequences a participant's draft. Rejected drafts
// return false and are never answered.
func (l *Log) Submit(from int32, d command.Draft) (command.Command, bool) {
	p, ok := l.participants[from]
	if !ok {
		return command.Command{}, false
	}
	if err := validateDraft(d); err != nil {
		l.protocolError(p, err)
		return command.Command{}, false
	}
	sub := command.Submitter{PlayerID: p.PlayerID, Host: p.Host, Debug: p.Debug}
	perm, ok := l.deps.Policy.Class(d.Type)
	if !ok || !l.deps.Policy.Allows(perm, sub) {
		l.reject(p, d, perm)
		return command.Command{}, false
	}
	if (d.Type == command.TypeSync || d.Type == command.TypeDebug) && l.deps.Handlers != nil {
		hperm, err := l.deps.Handlers.SyncPermission(d.Payload)
		if err != nil {
			l.protocolError(p, err)
			return command.Command{}, false
		}
		if !l.deps.Policy.Allows(hperm, sub) {
			l.reject(p, d, hperm)
			return command.Command{}, false
		}
	}
	return l.record(d, p.PlayerID), true
}

func validateDraft(d command.Draft) error {
	if !d.Type.Known() {
		return protocol.Protocolf(nil, "unknown command type %d", int32(d.Type))
	}
	if d.MapID < command.GlobalMap {
		return protocol.Protocolf(nil, "invalid map id %d", d.MapID)
	}
	switch d.Type {
	case command.TypeSync, command.TypeDebug:
		if len(d.Payload) < 4 {
			return protocol.Protocolf(nil, "%s payload too short", d.Type)
		}
	case command.TypeSpeedVote:
		if _, err := command.DecodeSpeedVote(d.Payload); err != nil {
			return protocol.Protocolf(err, "speed vote")
		}
	case command.TypeMapCreated, command.TypeMapRemoved:
		if d.MapID == command.GlobalMap {
			return protocol.Protocolf(nil, "%s needs a map id", d.Type)
		}
	}
	return nil
}

func (l *Log) reject(p *Participant, d command.Draft, perm command.Permission) {
	l.stats.Unauthorized++
	if l.cfg.LogRejections {
		l.log.Printf("debug: dropped %s from player %d (needs %s)", d.Type, p.PlayerID, perm)
	}
}

func (l *Log) protocolError(p *Participant, err error) {
	l.stats.ProtocolErrors++
	p.protocolErrors++
	l.log.Printf("warn: player %d: %v", p.PlayerID, err)
	l.event(EventProtocolError, p.PlayerID, p.Name, err.Error())
	if l.cfg.MaxProtocolErrors > 0 && p.protocolErrors >= l.cfg.MaxProtocolErrors {
		l.disconnect(p, "too many protocol errors")
	}
}

// ProtocolError counts a malformed message a transport could not even
// decode into a draft.
func (l *Log) ProtocolError(playerID int32, err error) {
	if p, ok := l.participants[playerID]; ok {
		l.protocolError(p, err)
	}
}

func (l *Log) disconnect(p *Participant, why string) {
	if l.participants[p.PlayerID] != p {
		return
	}
	l.stats.Disconnects++
	l.log.Printf("disconnect player=%d: %s", p.PlayerID, why)
	l.event(EventDisconnect, p.PlayerID, p.Name, why)
	l.Leave(p.PlayerID)
}

// record stamps a draft and appends it to every log. Also used for
// commands the authority originates.
func (l *Log) record(d command.Draft, playerID int32) command.Command {
	cmd := d.Seal(l.tick, playerID)
	e := Entry{Seq: l.seq.next(), Command: cmd}
	l.maps[cmd.MapID] = append(l.maps[cmd.MapID], e)
	l.stats.Accepted++
	if l.deps.Journal != nil {
		if err := l.deps.Journal.Append(cmd.MapID, e.Seq, command.MarshalFrame(cmd)); err != nil {
			l.stats.JournalErrors++
			l.log.Printf("JOURNAL WRITE FAILED seq=%d: %v", e.Seq, err)
		}
	}
	if l.deps.Index != nil {
		l.deps.Index.RecordCommand(e.Seq, cmd)
	}
	return cmd
}

// Broadcast sends cmd to every joined participant with IssuedBySelf set
// only for the submitter.
func (l *Log) Broadcast(cmd command.Command) {
	l.fanOut(func(p *Participant) []byte { return commandMessage(cmd, p.PlayerID) })
}

func commandMessage(cmd command.Command, recipient int32) []byte {
	cmd.IssuedBySelf = cmd.PlayerID == recipient && recipient != command.SystemPlayer
	w := binio.NewWriter(32 + len(cmd.Payload))
	w.WriteUint8(uint8(protocol.KindCommand))
	command.AppendFrame(w, cmd)
	return w.Bytes()
}

func (l *Log) sendJoined(msg []byte) {
	l.fanOut(func(*Participant) []byte { return msg })
}

// fanOut delivers one message to every joined participant. Participants
// that cannot keep up are disconnected only once the loop is done, so the
// player_left their departure records reaches every survivor after the
// message that overflowed.
func (l *Log) fanOut(msgFor func(*Participant) []byte) {
	var failed []*Participant
	var errs []error
	for _, p := range l.Participants() {
		if l.participants[p.PlayerID] != p || p.State != Joined {
			continue
		}
		if err := p.sink.Send(msgFor(p)); err != nil {
			failed = append(failed, p)
			errs = append(errs, err)
		}
	}
	for i, p := range failed {
		l.disconnect(p, errs[i].Error())
	}
}

func (l *Log) timeControl() []byte {
	tc := protocol.TimeControl{Horizon: l.tick, MsPerTick: l.cfg.MsPerTick()}
	return protocol.Envelope(protocol.KindTimeControl, tc.Marshal())
}

// AdvanceTick closes the current tick: everything stamped with it has
// already been broadcast, so participants may now run it.
func (l *Log) AdvanceTick() int32 {
	l.tick++
	l.sendJoined(l.timeControl())
	return l.tick
}

func (l *Log) Freeze(at int32) {
	l.frozen = true
	l.frozenAt = at
	l.log.Printf("freeze at tick %d", at)
	l.sendJoined(protocol.Envelope(protocol.KindFreeze, protocol.Freeze{At: at}.Marshal()))
}

func (l *Log) Unfreeze() {
	if !l.frozen {
		return
	}
	l.frozen = false
	l.log.Printf("unfreeze at tick %d", l.tick)
	l.sendJoined(protocol.Envelope(protocol.KindUnfreeze, nil))
}

// ReportDigest collates fingerprints. The first report for a tick is the
// reference; the earliest disagreeing one raises a desync notice.
func (l *Log) ReportDigest(from int32, d protocol.Digest) {
	if _, ok := l.participants[from]; !ok {
		return
	}
	if d.Tick < 0 || d.Tick >= l.tick {
		if p, ok := l.participants[from]; ok {
			l.protocolError(p, protocol.Protocolf(nil, "digest for unauthorized tick %d", d.Tick))
		}
		return
	}
	slot, ok := l.digests[d.Tick]
	if !ok {
		l.digests[d.Tick] = &digestSlot{reference: from, digest: d}
		l.pruneDigests()
		return
	}
	if slot.digest == d || slot.flagged {
		return
	}
	slot.flagged = true
	// The fingerprint rolls across ticks, so everything after the first
	// divergence disagrees too. Only an earlier divergence is news.
	if l.desynced && d.Tick >= l.desyncTick {
		return
	}
	l.desynced = true
	l.desyncTick = d.Tick
	l.stats.Desyncs++
	rep := DesyncReport{
		Tick:            d.Tick,
		Reporter:        from,
		Reference:       slot.reference,
		ReferenceDigest: slot.digest,
		ReportedDigest:  d,
	}
	l.log.Printf("DESYNC tick=%d player=%d hash=%016x reference player=%d hash=%016x",
		d.Tick, from, d.Hash, slot.reference, slot.digest.Hash)
	if l.deps.Index != nil {
		l.deps.Index.RecordDesync(rep)
	}
	l.event(EventDesync, from, "", fmt.Sprintf("tick=%d hash=%016x reference=%d hash=%016x", d.Tick, d.Hash, slot.reference, slot.digest.Hash))
	l.sendJoined(protocol.Envelope(protocol.KindDesync, protocol.DesyncNotice{Tick: d.Tick, PlayerID: from}.Marshal()))
}

func (l *Log) pruneDigests() {
	floor := l.tick - l.cfg.DigestHistory
	for tick := range l.digests {
		if tick < floor {
			delete(l.digests, tick)
		}
	}
}

// Entries returns a copy of one map's log in order.
func (l *Log) Entries(mapID int32) []Entry {
	return append([]Entry(nil), l.maps[mapID]...)
}

// Maps lists every map id with at least one entry, ascending.
func (l *Log) Maps() []int32 {
	out := make([]int32, 0, len(l.maps))
	for id := range l.maps {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
