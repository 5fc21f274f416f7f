package authority

import "time"

const (
	EventJoin          = "join"
	EventJoined        = "joined"
	EventLeave         = "leave"
	EventDisconnect    = "disconnect"
	EventProtocolError = "protocol_error"
	EventDesync        = "desync"
)

// Event is one session lifecycle record. It never feeds back into the
// command order.
type Event struct {
	At       time.Time `json:"at"`
	Session  string    `json:"session_id"`
	Kind     string    `json:"kind"`
	Tick     int32     `json:"tick"`
	PlayerID int32     `json:"player_id"`
	Name     string    `json:"name,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

func (l *Log) event(kind string, playerID int32, name, detail string) {
	if l.deps.Events == nil {
		return
	}
	l.deps.Events.RecordEvent(Event{
		At:       time.Now().UTC(),
		Session:  l.sessionID,
		Kind:     kind,
		Tick:     l.tick,
		PlayerID: playerID,
		Name:     name,
		Detail:   detail,
	})
}
