package command

import (
	"lockstep.ai/internal/codec/binio"
	"lockstep.ai/internal/protocol"
)

// frameHeaderLen covers the six int32 fields and the trailing bool.
const frameHeaderLen = 6*4 + 1

// AppendFrame writes the wire layout
// [type][tick][faction][map][player][payloadLen][payload][issuedBySelf].
func AppendFrame(w *binio.Writer, c Command) {
	w.WriteInt32(int32(c.Type))
	w.WriteInt32(c.Tick)
	w.WriteInt32(c.FactionID)
	w.WriteInt32(c.MapID)
	w.WriteInt32(c.PlayerID)
	w.WritePrefixed(c.Payload)
	w.WriteBool(c.IssuedBySelf)
}

func MarshalFrame(c Command) []byte {
	w := binio.NewWriter(frameHeaderLen + len(c.Payload))
	AppendFrame(w, c)
	return w.Bytes()
}

// ReadFrame decodes one frame. Any failure is a protocol error: the frame is
// malformed, not merely carrying a bad payload.
func ReadFrame(r *binio.Reader) (Command, error) {
	var c Command
	t, err := r.ReadInt32()
	if err != nil {
		return c, protocol.Protocolf(err, "frame type")
	}
	c.Type = Type(t)
	if c.Tick, err = r.ReadInt32(); err != nil {
		return c, protocol.Protocolf(err, "frame tick")
	}
	if c.FactionID, err = r.ReadInt32(); err != nil {
		return c, protocol.Protocolf(err, "frame faction")
	}
	if c.MapID, err = r.ReadInt32(); err != nil {
		return c, protocol.Protocolf(err, "frame map")
	}
	if c.PlayerID, err = r.ReadInt32(); err != nil {
		return c, protocol.Protocolf(err, "frame player")
	}
	if c.Payload, err = r.ReadPrefixed(); err != nil {
		return c, protocol.Protocolf(err, "frame payload")
	}
	if c.IssuedBySelf, err = r.ReadBool(); err != nil {
		return c, protocol.Protocolf(err, "frame issued_by_self")
	}
	if !c.Type.Known() {
		return c, protocol.Protocolf(nil, "unknown command type %d", t)
	}
	if c.Tick < 0 {
		return c, protocol.Protocolf(nil, "negative tick %d", c.Tick)
	}
	return c, nil
}

func UnmarshalFrame(b []byte) (Command, error) {
	r := binio.NewReader(b)
	c, err := ReadFrame(r)
	if err != nil {
		return c, err
	}
	if r.Remaining() != 0 {
		return c, protocol.Protocolf(nil, "%d trailing bytes after frame", r.Remaining())
	}
	return c, nil
}

// MarshalDraft writes [type][faction][map][payloadLen][payload].
func MarshalDraft(d Draft) []byte {
	w := binio.NewWriter(16 + len(d.Payload))
	w.WriteInt32(int32(d.Type))
	w.WriteInt32(d.FactionID)
	w.WriteInt32(d.MapID)
	w.WritePrefixed(d.Payload)
	return w.Bytes()
}

func UnmarshalDraft(b []byte) (Draft, error) {
	r := binio.NewReader(b)
	var d Draft
	t, err := r.ReadInt32()
	if err != nil {
		return d, protocol.Protocolf(err, "draft type")
	}
	d.Type = Type(t)
	if d.FactionID, err = r.ReadInt32(); err != nil {
		return d, protocol.Protocolf(err, "draft faction")
	}
	if d.MapID, err = r.ReadInt32(); err != nil {
		return d, protocol.Protocolf(err, "draft map")
	}
	if d.Payload, err = r.ReadPrefixed(); err != nil {
		return d, protocol.Protocolf(err, "draft payload")
	}
	if r.Remaining() != 0 {
		return d, protocol.Protocolf(nil, "%d trailing bytes after draft", r.Remaining())
	}
	if !d.Type.Known() {
		return d, protocol.Protocolf(nil, "unknown command type %d", t)
	}
	if d.MapID < GlobalMap {
		return d, protocol.Protocolf(nil, "bad map id %d", d.MapID)
	}
	return d, nil
}

func SpeedVotePayload(speed uint8) []byte { return []byte{speed} }

func DecodeSpeedVote(p []byte) (uint8, error) {
	if len(p) != 1 {
		return 0, protocol.Serializationf(nil, "speed vote payload is %d bytes", len(p))
	}
	return p[0], nil
}

func PlayerLeftPayload(playerID int32) []byte {
	w := binio.NewWriter(4)
	w.WriteInt32(playerID)
	return w.Bytes()
}

func DecodePlayerLeft(p []byte) (int32, error) {
	r := binio.NewReader(p)
	id, err := r.ReadInt32()
	if err != nil || r.Remaining() != 0 {
		return 0, protocol.Serializationf(err, "player left payload")
	}
	return id, nil
}
