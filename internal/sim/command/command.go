// Package command defines the unit of lockstep replication: an immutable,
// tick-stamped instruction with an opaque payload, plus the wire frame it
// travels in and the table-driven permission policy applied to it.
package command

import "fmt"

const (
	// GlobalMap addresses the world clock domain instead of a map.
	GlobalMap int32 = -1
	// SystemPlayer marks commands the authority originated itself.
	SystemPlayer int32 = -1
	NoFaction    int32 = -1
)

type Type int32

const (
	TypeSync       Type = 1 // payload: [syncId][context][args]
	TypeDebug      Type = 2 // same payload as TypeSync, debug sessions only
	TypeSpeedVote  Type = 3 // payload: [speed:uint8]
	TypeMapCreated Type = 4 // no payload
	TypeMapRemoved Type = 5 // no payload
	TypePlayerLeft Type = 6 // payload: [playerId:int32]
)

var typeNames = map[Type]string{
	TypeSync:       "sync",
	TypeDebug:      "debug",
	TypeSpeedVote:  "speed_vote",
	TypeMapCreated: "map_created",
	TypeMapRemoved: "map_removed",
	TypePlayerLeft: "player_left",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", int32(t))
}

func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// TypeByName resolves the config spelling of a type.
func TypeByName(name string) (Type, bool) {
	for t, s := range typeNames {
		if s == name {
			return t, true
		}
	}
	return 0, false
}

// Command is immutable once the authority has stamped Tick. IssuedBySelf is
// recomputed for every recipient, is not part of the replay log, and must
// never influence deterministic code.
type Command struct {
	Type         Type
	Tick         int32
	FactionID    int32
	MapID        int32
	PlayerID     int32
	Payload      []byte
	IssuedBySelf bool
}

func (c Command) Global() bool { return c.MapID == GlobalMap }

func (c Command) String() string {
	return fmt.Sprintf("%s tick=%d map=%d player=%d faction=%d payload=%dB", c.Type, c.Tick, c.MapID, c.PlayerID, c.FactionID, len(c.Payload))
}

// Draft is what a participant submits. The authority fills in Tick and the
// authenticated PlayerID; anything the sender claims about those is ignored.
type Draft struct {
	Type      Type
	FactionID int32
	MapID     int32
	Payload   []byte
}

// Seal turns an accepted draft into a command.
func (d Draft) Seal(tick, playerID int32) Command {
	payload := make([]byte, len(d.Payload))
	copy(payload, d.Payload)
	return Command{
		Type:      d.Type,
		Tick:      tick,
		FactionID: d.FactionID,
		MapID:     d.MapID,
		PlayerID:  playerID,
		Payload:   payload,
	}
}
