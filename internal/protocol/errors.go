package protocol

import (
	"errors"
	"fmt"
)

// Error classes. The string values double as the wire/log codes.
const (
	// Malformed frame, unknown sync id, version mismatch.
	ErrProtocol = "E_PROTOCOL"
	// Permission class mismatch. Never reported back to the sender.
	ErrAuthorization = "E_AUTHORIZATION"
	// A handler failed while executing at its tick.
	ErrApplication = "E_APPLICATION"
	// Fingerprints disagree between participants.
	ErrDesync = "E_DESYNC"
	// A payload could not be decoded.
	ErrSerialization = "E_SERIALIZATION"
)

var knownCodes = map[string]struct{}{
	ErrProtocol:      {},
	ErrAuthorization: {},
	ErrApplication:   {},
	ErrDesync:        {},
	ErrSerialization: {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error is the single error type of the lockstep core. Callers branch on
// Code through the Is* helpers, which see through wrapping.
type Error struct {
	Code string
	Msg  string
	Tick int32
	Err  error
}

func (e *Error) Error() string {
	s := e.Code + ": " + e.Msg
	if e.Tick != 0 {
		s = fmt.Sprintf("%s (tick=%d)", s, e.Tick)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Protocolf(err error, format string, args ...any) *Error {
	return newError(ErrProtocol, err, format, args...)
}

func Authorizationf(format string, args ...any) *Error {
	return newError(ErrAuthorization, nil, format, args...)
}

func Applicationf(err error, format string, args ...any) *Error {
	return newError(ErrApplication, err, format, args...)
}

func Serializationf(err error, format string, args ...any) *Error {
	return newError(ErrSerialization, err, format, args...)
}

func Desyncf(tick int32, format string, args ...any) *Error {
	e := newError(ErrDesync, nil, format, args...)
	e.Tick = tick
	return e
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

func IsProtocol(err error) bool      { return CodeOf(err) == ErrProtocol }
func IsAuthorization(err error) bool { return CodeOf(err) == ErrAuthorization }
func IsApplication(err error) bool   { return CodeOf(err) == ErrApplication }
func IsDesync(err error) bool        { return CodeOf(err) == ErrDesync }
func IsSerialization(err error) bool { return CodeOf(err) == ErrSerialization }
