package command

import (
	"fmt"
	"strings"
)

// Permission is the class a submitter must satisfy for a command (or, for
// sync commands, for the targeted handler).
type Permission uint8

const (
	Anyone Permission = iota
	HostOnly
	DebugOnly
	SpeedControl
	// SystemOnly commands are originated by the authority and never accepted
	// from a participant.
	SystemOnly
)

var permissionNames = [...]string{
	Anyone:       "anyone",
	HostOnly:     "host_only",
	DebugOnly:    "debug_only",
	SpeedControl: "speed_control",
	SystemOnly:   "system_only",
}

func (p Permission) String() string {
	if int(p) < len(permissionNames) {
		return permissionNames[p]
	}
	return fmt.Sprintf("permission(%d)", uint8(p))
}

func ParsePermission(s string) (Permission, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range permissionNames {
		if name == s {
			return Permission(i), nil
		}
	}
	return 0, fmt.Errorf("unknown permission class %q", s)
}

// Submitter is what the authority knows about whoever sent a draft.
type Submitter struct {
	PlayerID int32
	Host     bool
	Debug    bool
}

// Rules are the session-wide switches the permission classes consult.
type Rules struct {
	// DebugMode lets every participant use debug-only commands.
	DebugMode bool
	// HostControlsSpeed narrows SpeedControl to the host.
	HostControlsSpeed bool
}

// Policy maps command types to permission classes. Types missing from the
// table are rejected.
type Policy struct {
	Types map[Type]Permission
	Rules Rules
}

func DefaultPolicy() Policy {
	return Policy{
		Types: map[Type]Permission{
			TypeSync:       Anyone,
			TypeDebug:      DebugOnly,
			TypeSpeedVote:  SpeedControl,
			TypeMapCreated: HostOnly,
			TypeMapRemoved: HostOnly,
			TypePlayerLeft: SystemOnly,
		},
	}
}

// Class returns the permission required for t.
func (p Policy) Class(t Type) (Permission, bool) {
	perm, ok := p.Types[t]
	return perm, ok
}

// Allows reports whether s satisfies perm under the policy rules.
func (p Policy) Allows(perm Permission, s Submitter) bool {
	switch perm {
	case Anyone:
		return true
	case HostOnly:
		return s.Host
	case DebugOnly:
		return s.Debug || p.Rules.DebugMode
	case SpeedControl:
		if p.Rules.HostControlsSpeed {
			return s.Host
		}
		return true
	}
	return false
}
