package replay

import (
	"errors"
	"fmt"
	"os"

	"lockstep.ai/internal/sim/command"
)

// Problem is one defect found by Verify.
type Problem struct {
	Index int
	Seq   uint64
	Msg   string
}

func (p Problem) String() string {
	if p.Seq != 0 {
		return fmt.Sprintf("#%d seq=%d: %s", p.Index, p.Seq, p.Msg)
	}
	return fmt.Sprintf("#%d: %s", p.Index, p.Msg)
}

// Report summarizes one map's log.
type Report struct {
	MapID     int32
	Commands  int
	FirstTick int32
	LastTick  int32
	ByType    map[command.Type]int
	Players   map[int32]int
	Problems  []Problem
	Truncated bool
}

func (r Report) OK() bool { return len(r.Problems) == 0 }

// Decode turns journal records into commands, keeping their order.
func Decode(recs []Record) ([]command.Command, []uint64, error) {
	cmds := make([]command.Command, 0, len(recs))
	seqs := make([]uint64, 0, len(recs))
	for i, r := range recs {
		c, err := command.UnmarshalFrame(r.Frame)
		if err != nil {
			return cmds, seqs, fmt.Errorf("record %d seq=%d: %w", i, r.Seq, err)
		}
		cmds = append(cmds, c)
		seqs = append(seqs, r.Seq)
	}
	return cmds, seqs, nil
}

// Verify checks the properties every replay relies on: frames decode, all
// commands belong to mapID, sequence numbers strictly increase (when
// given), ticks never go backwards, and no frame carries IssuedBySelf.
func Verify(mapID int32, cmds []command.Command, seqs []uint64) Report {
	rep := Report{
		MapID:    mapID,
		Commands: len(cmds),
		ByType:   map[command.Type]int{},
		Players:  map[int32]int{},
	}
	var lastSeq uint64
	for i, c := range cmds {
		var seq uint64
		if i < len(seqs) {
			seq = seqs[i]
		}
		bad := func(format string, args ...any) {
			rep.Problems = append(rep.Problems, Problem{Index: i, Seq: seq, Msg: fmt.Sprintf(format, args...)})
		}
		if i == 0 {
			rep.FirstTick = c.Tick
		} else if c.Tick < rep.LastTick {
			bad("tick %d after tick %d", c.Tick, rep.LastTick)
		}
		rep.LastTick = max(rep.LastTick, c.Tick)
		if seqs != nil {
			if i > 0 && seq <= lastSeq {
				bad("sequence %d after %d", seq, lastSeq)
			}
			lastSeq = seq
		}
		if c.MapID != mapID {
			bad("map %d in the log of map %d", c.MapID, mapID)
		}
		if c.IssuedBySelf {
			bad("issued_by_self set in a canonical log")
		}
		rep.ByType[c.Type]++
		rep.Players[c.PlayerID]++
	}
	return rep
}

// VerifyJournalFile reads and verifies one journal.
func VerifyJournalFile(path string, mapID int32) (Report, error) {
	recs, err := ReadJournalFile(path)
	truncated := errors.Is(err, ErrTruncated)
	if err != nil && !truncated {
		return Report{MapID: mapID}, err
	}
	cmds, seqs, derr := Decode(recs)
	rep := Verify(mapID, cmds, seqs)
	rep.Truncated = truncated
	if derr != nil {
		rep.Problems = append(rep.Problems, Problem{Index: len(cmds), Msg: derr.Error()})
	}
	return rep, nil
}

func VerifyArchiveFile(path string) (Report, error) {
	a, err := ReadArchiveFile(path)
	if err != nil {
		return Report{}, err
	}
	return Verify(a.MapID, a.Commands, nil), nil
}

// ExportDir compacts every journal under dir into an archive under outDir.
// A torn tail is dropped; anything else wrong aborts that map.
func ExportDir(dir, outDir string) ([]Report, error) {
	maps, err := JournalMaps(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	var reps []Report
	for _, id := range maps {
		rep, err := VerifyJournalFile(JournalPath(dir, id), id)
		if err != nil {
			return reps, fmt.Errorf("map %d: %w", id, err)
		}
		reps = append(reps, rep)
		if !rep.OK() {
			return reps, fmt.Errorf("map %d: %d problems, first: %s", id, len(rep.Problems), rep.Problems[0])
		}
		recs, _ := ReadJournalFile(JournalPath(dir, id))
		cmds, _, _ := Decode(recs)
		if err := WriteArchiveFile(ArchivePath(outDir, id), id, cmds); err != nil {
			return reps, fmt.Errorf("map %d: %w", id, err)
		}
	}
	return reps, nil
}
