package main

import (
	"fmt"
	"io"

	"lockstep.ai/internal/persistence/indexdb"
	"lockstep.ai/internal/sim/authority"
	"lockstep.ai/internal/sim/command"
)

// writeMetrics emits the minimal Prometheus exposition format.
func writeMetrics(w io.Writer, m authority.Metrics, idx *indexdb.SQLiteIndex) {
	sid := m.SessionID
	gauge := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP lockstep_%s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE lockstep_%s gauge\n", name)
		fmt.Fprintf(w, "lockstep_%s{session=%q} %v\n", name, sid, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(w, "# HELP lockstep_%s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE lockstep_%s counter\n", name)
		fmt.Fprintf(w, "lockstep_%s{session=%q} %d\n", name, sid, v)
	}
	frozen := 0
	if m.Frozen {
		frozen = 1
	}
	gauge("tick", "Current authority tick.", m.Tick)
	gauge("seq", "Last assigned sequence number.", m.Seq)
	gauge("participants", "Connected participants.", m.Participants)
	gauge("joining", "Participants still receiving the backlog.", m.Joining)
	gauge("frozen", "1 while the session is frozen.", frozen)
	gauge("maps", "Maps with at least one command.", m.Maps)

	counter("commands_accepted_total", "Commands accepted into the log.", m.Stats.Accepted)
	counter("commands_unauthorized_total", "Drafts dropped by the permission table.", m.Stats.Unauthorized)
	counter("protocol_errors_total", "Malformed participant messages.", m.Stats.ProtocolErrors)
	counter("disconnects_total", "Participants dropped by the authority.", m.Stats.Disconnects)
	counter("desyncs_total", "Digest mismatches reported.", m.Stats.Desyncs)
	counter("journal_errors_total", "Failed journal appends.", m.Stats.JournalErrors)

	fmt.Fprintf(w, "# HELP lockstep_queue_depth Authority channel backlog depth.\n")
	fmt.Fprintf(w, "# TYPE lockstep_queue_depth gauge\n")
	q := m.QueueDepths
	for _, kv := range []struct {
		name string
		n    int
	}{{"join", q.Join}, {"ready", q.Ready}, {"leave", q.Leave}, {"submit", q.Submit}, {"digest", q.Digest}, {"fault", q.Fault}} {
		fmt.Fprintf(w, "lockstep_queue_depth{session=%q,queue=%q} %d\n", sid, kv.name, kv.n)
	}

	if idx == nil {
		return
	}
	s := idx.Stats()
	counter("index_dropped_commands_total", "Command rows dropped because the index queue was full.", s.DropCommandTotal)
	counter("index_dropped_desyncs_total", "Desync rows dropped because the index queue was full.", s.DropDesyncTotal)
	counter("index_write_errors_total", "Failed index writes.", s.WriteErrorTotal)
	gauge("index_queue_depth", "Index writer backlog.", s.QueueDepth)
}

func entryCommands(es []authority.Entry) []command.Command {
	out := make([]command.Command, len(es))
	for i, e := range es {
		out[i] = e.Command
	}
	return out
}
