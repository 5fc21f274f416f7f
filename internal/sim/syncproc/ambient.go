package syncproc

import (
	"fmt"
	"slices"
	"strings"

	"lockstep.ai/internal/codec/binio"
)

// Flag names ambient state a handler wants captured at the sender.
type Flag uint8

const (
	CurrentMap Flag = 1 << iota
	Selection
)

func (f Flag) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	if f&CurrentMap != 0 {
		parts = append(parts, "current_map")
	}
	if f&Selection != 0 {
		parts = append(parts, "selection")
	}
	if rest := f &^ (CurrentMap | Selection); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Ambient is per-participant interactive state. It is never replicated on
// its own; context flags carry the relevant parts with a call.
type Ambient struct {
	CurrentMap int32
	Selection  []int32
}

const maxSelection = 1 << 12

// write emits fields in flag bit order.
func (a Ambient) write(w *binio.Writer, flags Flag) {
	if flags&CurrentMap != 0 {
		w.WriteInt32(a.CurrentMap)
	}
	if flags&Selection != 0 {
		w.WriteInt32(int32(len(a.Selection)))
		for _, id := range a.Selection {
			w.WriteInt32(id)
		}
	}
}

func readAmbient(rd *binio.Reader, flags Flag) (Ambient, error) {
	var a Ambient
	var err error
	if flags&CurrentMap != 0 {
		if a.CurrentMap, err = rd.ReadInt32(); err != nil {
			return a, err
		}
	}
	if flags&Selection != 0 {
		n, err := rd.ReadInt32()
		if err != nil {
			return a, err
		}
		if n < 0 || n > maxSelection || int(n)*4 > rd.Remaining() {
			return a, fmt.Errorf("selection length %d", n)
		}
		a.Selection = make([]int32, n)
		for i := range a.Selection {
			if a.Selection[i], err = rd.ReadInt32(); err != nil {
				return a, err
			}
		}
	}
	return a, nil
}

// apply overwrites the flagged fields with captured values and returns the
// function that puts the previous values back.
func (a *Ambient) apply(flags Flag, captured Ambient) func() {
	prev := Ambient{CurrentMap: a.CurrentMap, Selection: slices.Clone(a.Selection)}
	if flags&CurrentMap != 0 {
		a.CurrentMap = captured.CurrentMap
	}
	if flags&Selection != 0 {
		a.Selection = captured.Selection
	}
	return func() {
		if flags&CurrentMap != 0 {
			a.CurrentMap = prev.CurrentMap
		}
		if flags&Selection != 0 {
			a.Selection = prev.Selection
		}
	}
}
