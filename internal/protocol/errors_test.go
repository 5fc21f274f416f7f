package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtocol,
		ErrAuthorization,
		ErrApplication,
		ErrDesync,
		ErrSerialization,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestErrorClassesSeeThroughWrapping(t *testing.T) {
	cause := errors.New("short read")
	err := fmt.Errorf("decode command: %w", Serializationf(cause, "sync %d args", 4))
	if !IsSerialization(err) {
		t.Fatalf("expected serialization class: %v", err)
	}
	if IsProtocol(err) || IsApplication(err) {
		t.Fatalf("unexpected class for %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost: %v", err)
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors have no code")
	}
	d := Desyncf(42, "hash mismatch")
	if !IsDesync(d) || d.Tick != 42 {
		t.Fatalf("desync error: %+v", d)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	tc := TimeControl{Horizon: 120, MsPerTick: 16.5}
	k, body, err := OpenEnvelope(Envelope(KindTimeControl, tc.Marshal()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if k != KindTimeControl {
		t.Fatalf("kind: %v", k)
	}
	got, err := UnmarshalTimeControl(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != tc {
		t.Fatalf("got %+v want %+v", got, tc)
	}

	dg := Digest{Tick: 7, Hash: 0xdeadbeefcafef00d, Count: 3}
	gotDigest, err := UnmarshalDigest(dg.Marshal())
	if err != nil || gotDigest != dg {
		t.Fatalf("digest: %+v %v", gotDigest, err)
	}
}

func TestOpenEnvelopeRejectsUnknownKind(t *testing.T) {
	if _, _, err := OpenEnvelope([]byte{99, 1}); !IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if _, _, err := OpenEnvelope(nil); !IsProtocol(err) {
		t.Fatalf("expected protocol error for empty message, got %v", err)
	}
}

func TestUnmarshalTimeControlRejectsNonPositivePace(t *testing.T) {
	if _, err := UnmarshalTimeControl(TimeControl{Horizon: 1, MsPerTick: 0}.Marshal()); !IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}
