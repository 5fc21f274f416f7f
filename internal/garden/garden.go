// Package garden is a small deterministic domain used by the bot and the
// server: every map is a plot of cells where players plant, water and
// harvest crops that grow on seeded randomness.
package garden

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/desync"
	"lockstep.ai/internal/sim/rng"
	"lockstep.ai/internal/sim/session"
	"lockstep.ai/internal/sim/syncproc"
	"lockstep.ai/internal/sim/tickable"
)

const (
	Cells = 16
	Ripe  = 5
	// GrowChance is the per-tick chance a planted cell grows one stage.
	GrowChance = 0.25
)

var Kinds = []string{"wheat", "carrot", "pumpkin"}

type Crop struct {
	Kind   string
	Growth int32
	Owner  int32
}

func (c Crop) Empty() bool { return c.Kind == "" }

type Plot struct {
	MapID int32
	Cells [Cells]Crop
	// Yield counts harvested crops per player.
	Yield map[int32]int64
}

func newPlot(mapID int32) *Plot { return &Plot{MapID: mapID, Yield: map[int32]int64{}} }

// Hash folds the plot into one value for the desync fingerprint.
func (p *Plot) Hash() uint64 {
	d := xxhash.New()
	var b [12]byte
	for i, c := range p.Cells {
		binary.LittleEndian.PutUint32(b[0:4], uint32(i))
		binary.LittleEndian.PutUint32(b[4:8], uint32(c.Growth))
		binary.LittleEndian.PutUint32(b[8:12], uint32(c.Owner))
		_, _ = d.Write(b[:])
		_, _ = d.WriteString(c.Kind)
	}
	players := make([]int32, 0, len(p.Yield))
	for id := range p.Yield {
		players = append(players, id)
	}
	sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })
	for _, id := range players {
		binary.LittleEndian.PutUint32(b[0:4], uint32(id))
		binary.LittleEndian.PutUint64(b[4:12], uint64(p.Yield[id]))
		_, _ = d.Write(b[:])
	}
	return d.Sum64()
}

// Garden is one participant's copy of every plot.
type Garden struct {
	plots map[int32]*Plot
}

func New() *Garden {
	return &Garden{plots: map[int32]*Plot{command.GlobalMap: newPlot(command.GlobalMap)}}
}

func (g *Garden) Plot(mapID int32) (*Plot, bool) {
	p, ok := g.plots[mapID]
	return p, ok
}

func (g *Garden) Maps() []int32 {
	out := make([]int32, 0, len(g.plots))
	for id := range g.plots {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type Handlers struct {
	Plant   *syncproc.Handler
	Water   *syncproc.Handler
	Harvest *syncproc.Handler
	Blight  *syncproc.Handler
}

// Register adds the garden's handlers to r. Every process must call it on a
// fresh registry so ids line up.
func Register(r *syncproc.Registry) Handlers {
	return Handlers{
		Plant:   syncproc.MustRegister(r, "garden.plant", plant, 0, command.Anyone),
		Water:   syncproc.MustRegister(r, "garden.water", water, syncproc.CurrentMap, command.Anyone),
		Harvest: syncproc.MustRegister(r, "garden.harvest", harvest, 0, command.Anyone),
		Blight:  syncproc.MustRegister(r, "garden.blight", blight, 0, command.DebugOnly),
	}
}

// Registry builds and seals a registry holding only the garden handlers.
func Registry() (*syncproc.Registry, Handlers) {
	r := syncproc.New(nil)
	h := Register(r)
	r.Seal()
	return r, h
}

func envPlot(inv *syncproc.Invocation, mapID int32) (*Plot, error) {
	g, ok := inv.Env.(*Garden)
	if !ok {
		return nil, fmt.Errorf("garden handler without a garden env (%T)", inv.Env)
	}
	p, ok := g.plots[mapID]
	if !ok {
		return nil, protocol.Applicationf(nil, "no plot for map %d", mapID)
	}
	return p, nil
}

func cellIndex(cell int32) (int, error) {
	if cell < 0 || cell >= Cells {
		return 0, protocol.Applicationf(nil, "cell %d out of range", cell)
	}
	return int(cell), nil
}

func plant(inv *syncproc.Invocation, cell int32, kind string) error {
	p, err := envPlot(inv, inv.Command.MapID)
	if err != nil {
		return err
	}
	i, err := cellIndex(cell)
	if err != nil {
		return err
	}
	if !p.Cells[i].Empty() {
		// Someone else got there first in the total order.
		return nil
	}
	p.Cells[i] = Crop{Kind: kind, Owner: inv.Command.PlayerID}
	inv.Desync.Observe(desync.KindSpawn, uint64(i))
	return nil
}

// water boosts every crop on the sender's current map.
func water(inv *syncproc.Invocation) error {
	p, err := envPlot(inv, inv.Ambient.CurrentMap)
	if err != nil {
		return err
	}
	for i := range p.Cells {
		if !p.Cells[i].Empty() && p.Cells[i].Growth < Ripe {
			p.Cells[i].Growth++
		}
	}
	return nil
}

func harvest(inv *syncproc.Invocation, cell int32) error {
	p, err := envPlot(inv, inv.Command.MapID)
	if err != nil {
		return err
	}
	i, err := cellIndex(cell)
	if err != nil {
		return err
	}
	if p.Cells[i].Empty() || p.Cells[i].Growth < Ripe {
		return nil
	}
	p.Yield[inv.Command.PlayerID]++
	p.Cells[i] = Crop{}
	inv.Desync.Observe(desync.KindDespawn, uint64(i))
	return nil
}

// blight wipes a random half of the plot.
func blight(inv *syncproc.Invocation) error {
	p, err := envPlot(inv, inv.Command.MapID)
	if err != nil {
		return err
	}
	return inv.RNG.Scoped(rng.SeedFor(int64(p.MapID), inv.Tick), func() error {
		for i := range p.Cells {
			if inv.RNG.Chance(0.5) {
				p.Cells[i] = Crop{}
			}
		}
		return nil
	})
}

// Step grows the plot for mapID once per tick; every draw happens in a
// scope seeded from the map and the tick.
func (g *Garden) Step(s *session.Session, mapID int32) tickable.StepFunc {
	return func(tick int64) error {
		p, ok := g.plots[mapID]
		if !ok {
			return nil
		}
		err := s.RNG().Scoped(rng.SeedFor(int64(mapID), tick), func() error {
			for i := range p.Cells {
				c := &p.Cells[i]
				if c.Empty() || c.Growth >= Ripe {
					continue
				}
				if s.RNG().Chance(GrowChance) {
					c.Growth++
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.Detector().Observe(desync.KindCustom, p.Hash())
		return nil
	}
}

// Hooks create and drop plots as the authority announces maps. The
// session's env must be a *Garden.
func Hooks() session.MapHooks {
	return session.MapHooks{
		Created: func(s *session.Session, mapID int32) (tickable.StepFunc, error) {
			g, ok := s.Env().(*Garden)
			if !ok {
				return nil, fmt.Errorf("session env is %T, not a garden", s.Env())
			}
			if _, dup := g.plots[mapID]; !dup {
				g.plots[mapID] = newPlot(mapID)
			}
			return g.Step(s, mapID), nil
		},
		Removed: func(s *session.Session, mapID int32) error {
			if g, ok := s.Env().(*Garden); ok {
				delete(g.plots, mapID)
			}
			return nil
		},
	}
}
