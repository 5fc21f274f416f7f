package tickable

import "fmt"

type Speed uint8

const (
	Paused Speed = iota
	Normal
	Fast
	Superfast
	Ultrafast
	// Slow is slow motion: one step every second scheduler tick.
	Slow
)

var speedNames = [...]string{
	Paused:    "paused",
	Normal:    "normal",
	Fast:      "fast",
	Superfast: "superfast",
	Ultrafast: "ultrafast",
	Slow:      "slow",
}

func (s Speed) String() string {
	if int(s) < len(speedNames) {
		return speedNames[s]
	}
	return fmt.Sprintf("speed(%d)", uint8(s))
}

func (s Speed) Valid() bool { return int(s) < len(speedNames) }

func ParseSpeed(name string) (Speed, error) {
	for i, n := range speedNames {
		if n == name {
			return Speed(i), nil
		}
	}
	return 0, fmt.Errorf("unknown speed %q", name)
}

// Rate is the number of steps per scheduler tick as the fraction Num/Den.
// Keeping it rational lets the accumulator stay in integers, so every
// participant takes exactly the same number of steps.
type Rate struct {
	Num, Den int64
}

func (s Speed) Rate() Rate {
	switch s {
	case Normal:
		return Rate{1, 1}
	case Fast:
		return Rate{3, 1}
	case Superfast:
		return Rate{6, 1}
	case Ultrafast:
		return Rate{15, 1}
	case Slow:
		return Rate{1, 2}
	}
	return Rate{0, 1}
}

func (r Rate) Zero() bool { return r.Num == 0 }

func (r Rate) Less(o Rate) bool { return r.Num*o.Den < o.Num*r.Den }

// TimePerTick is how many scheduler ticks one step takes: above 1 for slow
// motion, below 1 when several steps run per tick. Zero rates never step.
func (r Rate) TimePerTick() float64 {
	if r.Num == 0 {
		return 0
	}
	return float64(r.Den) / float64(r.Num)
}

func (r Rate) String() string {
	if r.Den == 1 {
		return fmt.Sprintf("%dx", r.Num)
	}
	return fmt.Sprintf("%d/%dx", r.Num, r.Den)
}

// slowest returns the speed with the lowest rate; ties keep the earlier
// argument, which is irrelevant since equal rates are the same speed.
func slowest(a, b Speed) Speed {
	if b.Rate().Less(a.Rate()) {
		return b
	}
	return a
}
