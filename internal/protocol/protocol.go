package protocol

import "encoding/json"

const Version = "1.0"

// Handshake message types (JSON text frames).
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeReject  = "REJECT"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// HELLO (participant -> authority)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerName      string `json:"player_name"`
	// HandlersDigest fingerprints the participant's sync handler table;
	// ids travel as integers so both sides must agree on it exactly.
	HandlersDigest string `json:"handlers_digest"`
	// Debug asks for the debug role; the authority may refuse it silently.
	Debug bool `json:"debug,omitempty"`
}

// WELCOME (authority -> participant)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	PlayerID        int32  `json:"player_id"`
	Host            bool   `json:"host,omitempty"`
	Debug           bool   `json:"debug,omitempty"`
	Tick            int32  `json:"tick"`
	TickRateHz      int    `json:"tick_rate_hz"`
	DigestEvery     int32  `json:"digest_every,omitempty"`
	BacklogFrames   int    `json:"backlog_frames"`
}

// REJECT (authority -> participant), sent right before the close frame.
type RejectMsg struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}
