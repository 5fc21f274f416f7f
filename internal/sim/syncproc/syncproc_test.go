package syncproc

import (
	"errors"
	"slices"
	"testing"

	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
)

type order struct {
	Pawn   int32
	Target [2]int32
	Note   string `sync:"-"`
}

func seal(d command.Draft, tick, player int32) command.Command { return d.Seal(tick, player) }

func TestIDsFollowRegistrationOrder(t *testing.T) {
	r := New(nil)
	a := MustRegister(r, "a", func(*Invocation) error { return nil }, 0, command.Anyone)
	b := MustRegister(r, "b", func(*Invocation, int32) error { return nil }, CurrentMap, command.HostOnly)
	if a.ID != 0 || b.ID != 1 {
		t.Fatalf("ids a=%d b=%d", a.ID, b.ID)
	}
	if h, ok := r.ByName("b"); !ok || h != b {
		t.Fatalf("lookup by name failed")
	}
	if _, err := Register(r, "a", func(*Invocation) error { return nil }, 0, command.Anyone); err == nil {
		t.Fatalf("duplicate name should fail")
	}
}

func TestDigestDetectsTableDrift(t *testing.T) {
	build := func(names ...string) string {
		r := New(nil)
		for _, n := range names {
			MustRegister(r, n, func(*Invocation, string) error { return nil }, 0, command.Anyone)
		}
		return r.Digest()
	}
	if build("x", "y") != build("x", "y") {
		t.Fatalf("digest must be stable")
	}
	if build("x", "y") == build("y", "x") {
		t.Fatalf("digest must depend on order")
	}

	flagged := New(nil)
	MustRegister(flagged, "x", func(*Invocation, string) error { return nil }, Selection, command.Anyone)
	MustRegister(flagged, "y", func(*Invocation, string) error { return nil }, 0, command.Anyone)
	if flagged.Digest() == build("x", "y") {
		t.Fatalf("digest must depend on flags")
	}
}

func TestRegisterRejectsBadShapes(t *testing.T) {
	r := New(nil)
	bad := []any{
		nil,
		func() error { return nil },
		func(*Invocation) {},
		func(*Invocation, ...int32) error { return nil },
		42,
	}
	for i, fn := range bad {
		if _, err := Register(r, "bad", fn, 0, command.Anyone); err == nil {
			t.Fatalf("case %d accepted", i)
		}
	}
	if _, err := Register(r, "sys", func(*Invocation) error { return nil }, 0, command.SystemOnly); err == nil {
		t.Fatalf("system_only handler accepted")
	}
	r.Seal()
	if _, err := Register(r, "late", func(*Invocation) error { return nil }, 0, command.Anyone); !errors.Is(err, ErrSealed) {
		t.Fatalf("err=%v", err)
	}
}

func TestDraftDispatchRoundTrip(t *testing.T) {
	r := New(nil)
	var got order
	var gotTag string
	h := MustRegister(r, "order", func(inv *Invocation, o order, tag string) error {
		got, gotTag = o, tag
		return nil
	}, 0, command.Anyone)

	d, err := h.Draft(Ambient{}, 3, 1, order{Pawn: 9, Target: [2]int32{4, 5}, Note: "live only"}, "go")
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if d.Type != command.TypeSync || d.MapID != 3 || d.FactionID != 1 {
		t.Fatalf("draft=%+v", d)
	}
	if perm, err := r.SyncPermission(d.Payload); err != nil || perm != command.Anyone {
		t.Fatalf("perm=%v err=%v", perm, err)
	}
	if err := r.Dispatch(&Invocation{Command: seal(d, 10, 2)}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got.Pawn != 9 || got.Target != [2]int32{4, 5} || got.Note != "" || gotTag != "go" {
		t.Fatalf("got=%+v tag=%q", got, gotTag)
	}
}

func TestDraftValidatesArguments(t *testing.T) {
	r := New(nil)
	h := MustRegister(r, "n", func(*Invocation, int32) error { return nil }, 0, command.Anyone)
	if _, err := h.Draft(Ambient{}, -1, -1); err == nil {
		t.Fatalf("missing argument accepted")
	}
	if _, err := h.Draft(Ambient{}, -1, -1, "nope"); err == nil {
		t.Fatalf("wrong argument type accepted")
	}

	dbg := MustRegister(r, "dbg", func(*Invocation) error { return nil }, 0, command.DebugOnly)
	d, err := dbg.Draft(Ambient{}, -1, -1)
	if err != nil || d.Type != command.TypeDebug {
		t.Fatalf("debug draft=%+v err=%v", d, err)
	}
}

func TestCurrentMapContextIsRestored(t *testing.T) {
	// Sender and receiver share the registration order, as in a real session.
	newSide := func(seen *[]int32) (*Registry, *Handler) {
		r := New(nil)
		h := MustRegister(r, "build", func(inv *Invocation) error {
			*seen = append(*seen, inv.Ambient.CurrentMap)
			return nil
		}, CurrentMap, command.Anyone)
		return r, h
	}
	var senderSeen, receiverSeen []int32
	sender, sh := newSide(&senderSeen)
	receiver, _ := newSide(&receiverSeen)

	d, err := sh.Draft(Ambient{CurrentMap: 7}, 7, -1)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	cmd := seal(d, 1, 1)

	senderAmb := &Ambient{CurrentMap: 7}
	receiverAmb := &Ambient{CurrentMap: 3, Selection: []int32{42}}
	if err := sender.Dispatch(&Invocation{Command: cmd, Ambient: senderAmb}); err != nil {
		t.Fatalf("sender dispatch: %v", err)
	}
	if err := receiver.Dispatch(&Invocation{Command: cmd, Ambient: receiverAmb}); err != nil {
		t.Fatalf("receiver dispatch: %v", err)
	}
	if !slices.Equal(senderSeen, []int32{7}) || !slices.Equal(receiverSeen, []int32{7}) {
		t.Fatalf("sender=%v receiver=%v", senderSeen, receiverSeen)
	}
	if receiverAmb.CurrentMap != 3 || !slices.Equal(receiverAmb.Selection, []int32{42}) {
		t.Fatalf("receiver ambient not restored: %+v", receiverAmb)
	}
}

func TestSelectionRestoredAfterPanic(t *testing.T) {
	r := New(nil)
	h := MustRegister(r, "boom", func(inv *Invocation) error {
		if !slices.Equal(inv.Ambient.Selection, []int32{1, 2}) {
			t.Errorf("selection during call=%v", inv.Ambient.Selection)
		}
		panic("handler fault")
	}, Selection, command.Anyone)
	d, err := h.Draft(Ambient{Selection: []int32{1, 2}}, -1, -1)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	amb := &Ambient{Selection: []int32{9}}
	func() {
		defer func() { _ = recover() }()
		_ = r.Dispatch(&Invocation{Command: seal(d, 0, 0), Ambient: amb})
	}()
	if !slices.Equal(amb.Selection, []int32{9}) {
		t.Fatalf("selection not restored: %v", amb.Selection)
	}
}

func TestDispatchErrorClasses(t *testing.T) {
	r := New(nil)
	h := MustRegister(r, "n", func(*Invocation, int64) error { return nil }, 0, command.Anyone)

	unknown := command.Command{Type: command.TypeSync, Payload: []byte{9, 0, 0, 0}}
	err := r.Dispatch(&Invocation{Command: unknown})
	if !protocol.IsProtocol(err) || !errors.Is(err, ErrUnknownSync) {
		t.Fatalf("unknown id err=%v", err)
	}
	if _, err := r.SyncPermission(unknown.Payload); !errors.Is(err, ErrUnknownSync) {
		t.Fatalf("permission err=%v", err)
	}

	d, _ := h.Draft(Ambient{}, -1, -1, int64(5))
	short := seal(d, 0, 0)
	short.Payload = short.Payload[:len(short.Payload)-2]
	if err := r.Dispatch(&Invocation{Command: short}); !protocol.IsSerialization(err) {
		t.Fatalf("truncated err=%v", err)
	}

	long := seal(d, 0, 0)
	long.Payload = append(long.Payload, 0)
	if err := r.Dispatch(&Invocation{Command: long}); !protocol.IsSerialization(err) {
		t.Fatalf("trailing err=%v", err)
	}

	failing := MustRegister(r, "fails", func(*Invocation) error { return errors.New("domain refused") }, 0, command.Anyone)
	fd, _ := failing.Draft(Ambient{}, -1, -1)
	if err := r.Dispatch(&Invocation{Command: seal(fd, 0, 0)}); err == nil || protocol.CodeOf(err) != "" {
		t.Fatalf("handler error should pass through unclassified, got %v", err)
	}
}

func TestFlagString(t *testing.T) {
	if s := (CurrentMap | Selection).String(); s != "current_map|selection" {
		t.Fatalf("flags=%q", s)
	}
}
