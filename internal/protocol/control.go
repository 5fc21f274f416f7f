package protocol

import (
	"fmt"

	"lockstep.ai/internal/codec/binio"
)

// Kind tags every binary transport message: [kind:uint8][body].
type Kind uint8

const (
	KindCommand     Kind = 1 // authority -> participant, body is a command frame
	KindSubmit      Kind = 2 // participant -> authority, body is a draft
	KindTimeControl Kind = 3
	KindFreeze      Kind = 4
	KindUnfreeze    Kind = 5
	KindDigest      Kind = 6 // participant -> authority
	KindDesync      Kind = 7 // authority -> participant
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "COMMAND"
	case KindSubmit:
		return "SUBMIT"
	case KindTimeControl:
		return "TIME_CONTROL"
	case KindFreeze:
		return "FREEZE"
	case KindUnfreeze:
		return "UNFREEZE"
	case KindDigest:
		return "DIGEST"
	case KindDesync:
		return "DESYNC"
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

func Envelope(kind Kind, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(kind))
	return append(out, body...)
}

func OpenEnvelope(msg []byte) (Kind, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, Protocolf(nil, "empty message")
	}
	k := Kind(msg[0])
	if k < KindCommand || k > KindDesync {
		return 0, nil, Protocolf(nil, "unknown message kind %d", msg[0])
	}
	return k, msg[1:], nil
}

// TimeControl authorizes ticks below Horizon and reports the nominal pace.
type TimeControl struct {
	Horizon   int32
	MsPerTick float32
}

func (m TimeControl) Marshal() []byte {
	w := binio.NewWriter(8)
	w.WriteInt32(m.Horizon)
	w.WriteFloat32(m.MsPerTick)
	return w.Bytes()
}

func UnmarshalTimeControl(b []byte) (TimeControl, error) {
	r := binio.NewReader(b)
	var m TimeControl
	var err error
	if m.Horizon, err = r.ReadInt32(); err != nil {
		return m, Protocolf(err, "time control horizon")
	}
	if m.MsPerTick, err = r.ReadFloat32(); err != nil {
		return m, Protocolf(err, "time control ms_per_tick")
	}
	if m.MsPerTick <= 0 {
		return m, Protocolf(nil, "time control ms_per_tick=%v", m.MsPerTick)
	}
	return m, nil
}

type Freeze struct {
	At int32
}

func (m Freeze) Marshal() []byte {
	w := binio.NewWriter(4)
	w.WriteInt32(m.At)
	return w.Bytes()
}

func UnmarshalFreeze(b []byte) (Freeze, error) {
	at, err := binio.NewReader(b).ReadInt32()
	if err != nil {
		return Freeze{}, Protocolf(err, "freeze")
	}
	return Freeze{At: at}, nil
}

// Digest is a participant's execution fingerprint for one tick.
type Digest struct {
	Tick  int32
	Hash  uint64
	Count uint32
}

func (m Digest) Marshal() []byte {
	w := binio.NewWriter(16)
	w.WriteInt32(m.Tick)
	w.WriteUint64(m.Hash)
	w.WriteUint32(m.Count)
	return w.Bytes()
}

func UnmarshalDigest(b []byte) (Digest, error) {
	r := binio.NewReader(b)
	var m Digest
	var err error
	if m.Tick, err = r.ReadInt32(); err != nil {
		return m, Protocolf(err, "digest tick")
	}
	if m.Hash, err = r.ReadUint64(); err != nil {
		return m, Protocolf(err, "digest hash")
	}
	if m.Count, err = r.ReadUint32(); err != nil {
		return m, Protocolf(err, "digest count")
	}
	return m, nil
}

// DesyncNotice names the earliest tick at which a participant disagreed.
type DesyncNotice struct {
	Tick     int32
	PlayerID int32
}

func (m DesyncNotice) Marshal() []byte {
	w := binio.NewWriter(8)
	w.WriteInt32(m.Tick)
	w.WriteInt32(m.PlayerID)
	return w.Bytes()
}

func UnmarshalDesyncNotice(b []byte) (DesyncNotice, error) {
	r := binio.NewReader(b)
	var m DesyncNotice
	var err error
	if m.Tick, err = r.ReadInt32(); err != nil {
		return m, Protocolf(err, "desync tick")
	}
	if m.PlayerID, err = r.ReadInt32(); err != nil {
		return m, Protocolf(err, "desync player")
	}
	return m, nil
}
