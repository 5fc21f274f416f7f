package main

import (
	"fmt"
	"math/rand"
	"strings"

	"lockstep.ai/internal/garden"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/session"
	"lockstep.ai/internal/sim/tickable"
)

// player picks actions from local, non-replicated randomness. Only the
// resulting submissions take part in the simulation.
type player struct {
	sess *session.Session
	g    *garden.Garden
	h    garden.Handlers
	r    *rand.Rand
}

func newPlayer(s *session.Session, g *garden.Garden, h garden.Handlers, r *rand.Rand) *player {
	return &player{sess: s, g: g, h: h, r: r}
}

func (p *player) act() error {
	maps := p.g.Maps()
	mapID := maps[p.r.Intn(len(maps))]
	plot, _ := p.g.Plot(mapID)

	// Harvest anything of ours that is ripe before doing anything else.
	for i, c := range plot.Cells {
		if !c.Empty() && c.Growth >= garden.Ripe && c.Owner == p.sess.PlayerID() {
			return p.sess.Call(p.h.Harvest, mapID, command.NoFaction, int32(i))
		}
	}

	switch n := p.r.Intn(10); {
	case n < 6:
		var empty []int32
		for i, c := range plot.Cells {
			if c.Empty() {
				empty = append(empty, int32(i))
			}
		}
		if len(empty) == 0 {
			return nil
		}
		kind := garden.Kinds[p.r.Intn(len(garden.Kinds))]
		return p.sess.Call(p.h.Plant, mapID, command.NoFaction, empty[p.r.Intn(len(empty))], kind)
	case n < 9:
		p.sess.Ambient.CurrentMap = mapID
		return p.sess.Call(p.h.Water, mapID, command.NoFaction)
	default:
		speeds := []tickable.Speed{tickable.Normal, tickable.Fast, tickable.Normal}
		return p.sess.VoteSpeed(mapID, speeds[p.r.Intn(len(speeds))])
	}
}

func (p *player) summary() string {
	var b strings.Builder
	sched := p.sess.Scheduler()
	fmt.Fprintf(&b, "tick=%d horizon=%d state=%s", sched.Current(), sched.Horizon(), sched.State())
	for _, id := range p.g.Maps() {
		plot, _ := p.g.Plot(id)
		fmt.Fprintf(&b, " map%d[yield=%d hash=%016x]", id, plot.Yield[p.sess.PlayerID()], plot.Hash())
	}
	if t := p.sess.DesyncTick(); t >= 0 {
		fmt.Fprintf(&b, " desync_at=%d", t)
	}
	return b.String()
}
