package garden

import (
	"testing"

	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/session"
	"lockstep.ai/internal/sim/simtest"
	"lockstep.ai/internal/sim/syncproc"
	"lockstep.ai/internal/sim/tickable"
)

func newHarness(t *testing.T) *simtest.Harness {
	return simtest.New(t, simtest.Config{
		Session:  session.Config{DigestEvery: 1, Seed: 7},
		Register: func(r *syncproc.Registry) { Register(r) },
		Hooks:    Hooks(),
		Env:      func(*simtest.Peer) any { return New() },
		World: func(p *simtest.Peer) tickable.StepFunc {
			return p.Session.Env().(*Garden).Step(p.Session, command.GlobalMap)
		},
	})
}

func gardenOf(p *simtest.Peer) *Garden { return p.Session.Env().(*Garden) }

func TestPlotsConvergeAcrossPeers(t *testing.T) {
	h := newHarness(t)
	a := h.Join("alice", true)
	b := h.Join("bob", false)

	if err := a.Session.CreateMap(2); err != nil {
		t.Fatalf("create map: %v", err)
	}
	h.Step(1)
	for i := int32(0); i < Cells; i += 2 {
		a.Call("garden.plant", 2, i, "wheat")
		b.Call("garden.plant", command.GlobalMap, i+1, "carrot")
	}
	h.Step(40)

	for _, id := range []int32{command.GlobalMap, 2} {
		pa, ok := gardenOf(a).Plot(id)
		if !ok {
			t.Fatalf("alice has no plot %d", id)
		}
		pb, ok := gardenOf(b).Plot(id)
		if !ok {
			t.Fatalf("bob has no plot %d", id)
		}
		if pa.Hash() != pb.Hash() {
			t.Fatalf("plot %d differs: %+v vs %+v", id, pa.Cells, pb.Cells)
		}
	}
	if st := h.Log.Stats(); st.Desyncs != 0 {
		t.Fatalf("desyncs=%d", st.Desyncs)
	}
}

func TestSamePlantRaceKeepsFirstInOrder(t *testing.T) {
	h := newHarness(t)
	a := h.Join("alice", true)
	b := h.Join("bob", false)

	b.Call("garden.plant", command.GlobalMap, int32(3), "pumpkin")
	a.Call("garden.plant", command.GlobalMap, int32(3), "wheat")
	h.Step(1)

	for _, p := range []*simtest.Peer{a, b} {
		plot, _ := gardenOf(p).Plot(command.GlobalMap)
		if got := plot.Cells[3]; got.Kind != "pumpkin" || got.Owner != b.Participant.PlayerID {
			t.Fatalf("%s cell 3 = %+v", p.Name, got)
		}
	}
}

func TestWaterUsesSendersCurrentMap(t *testing.T) {
	h := newHarness(t)
	a := h.Join("alice", true)
	b := h.Join("bob", false)
	if err := a.Session.CreateMap(5); err != nil {
		t.Fatalf("create map: %v", err)
	}
	h.Step(1)
	a.Call("garden.plant", 5, int32(0), "wheat")
	h.Step(1)

	water, _ := a.Session.Registry().ByName("garden.water")
	a.Session.Ambient.CurrentMap = 5
	for i := 0; i < Ripe; i++ {
		if err := a.Session.Call(water, command.GlobalMap, command.NoFaction); err != nil {
			t.Fatalf("water: %v", err)
		}
	}
	h.Step(1)
	a.Call("garden.harvest", 5, int32(0))
	h.Step(1)

	for _, p := range []*simtest.Peer{a, b} {
		plot, _ := gardenOf(p).Plot(5)
		if !plot.Cells[0].Empty() {
			t.Fatalf("%s cell 0 not harvested: %+v", p.Name, plot.Cells[0])
		}
		if plot.Yield[a.Participant.PlayerID] != 1 {
			t.Fatalf("%s yield %v", p.Name, plot.Yield)
		}
	}
	if b.Session.Ambient.CurrentMap != command.GlobalMap {
		t.Fatalf("bob's current map changed to %d", b.Session.Ambient.CurrentMap)
	}
}

func TestBlightNeedsDebugRole(t *testing.T) {
	h := newHarness(t)
	h.Join("alice", true)
	b := h.Join("bob", false)
	b.Call("garden.blight", command.GlobalMap)
	h.Step(1)
	if st := h.Log.Stats(); st.Unauthorized != 1 || st.Accepted != 0 {
		t.Fatalf("stats %+v", st)
	}
}

func TestRemovedMapDropsPlot(t *testing.T) {
	h := newHarness(t)
	a := h.Join("alice", true)
	if err := a.Session.CreateMap(9); err != nil {
		t.Fatal(err)
	}
	h.Step(1)
	if _, ok := gardenOf(a).Plot(9); !ok {
		t.Fatalf("plot 9 missing after create")
	}
	if err := a.Session.RemoveMap(9); err != nil {
		t.Fatal(err)
	}
	h.Step(1)
	if got := gardenOf(a).Maps(); len(got) != 1 || got[0] != command.GlobalMap {
		t.Fatalf("maps after remove: %v", got)
	}
}

func TestRegistryDigestIsStable(t *testing.T) {
	r1, _ := Registry()
	r2, h := Registry()
	if r1.Digest() != r2.Digest() {
		t.Fatalf("digests differ")
	}
	if h.Plant.ID != 0 || h.Blight.Permission != command.DebugOnly {
		t.Fatalf("handlers: %+v", h)
	}
}
