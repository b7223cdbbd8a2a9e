package nesting

import (
	"fmt"
	"math"
	"strings"
)

// Mode selects how the master window length is chosen.
type Mode int

const (
	// Continuous packs as tightly as possible.
	Continuous Mode = iota
	// Balanced keeps any single zone from dominating the window.
	Balanced
	// MinimumOn keeps the master on for at least MinOnTime or not at all.
	MinimumOn
)

func (m Mode) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case Balanced:
		return "balanced"
	case MinimumOn:
		return "minimum_on"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continuous":
		return Continuous, nil
	case "balanced":
		return Balanced, nil
	case "minimum_on", "minimum-on", "min_on":
		return MinimumOn, nil
	}
	return 0, fmt.Errorf("%w: unknown master mode %q", ErrInvalidConfig, s)
}

// target returns the lid length for a pass and whether the minimum-on
// policy collapses the whole demand to zero.
func (s *Scheduler) target(discrete, proportional []shape, height int) (int, bool) {
	var (
		tmax     int
		energy   int
		area     int
		dominant int
	)
	for _, sh := range discrete {
		tmax = max(tmax, sh.cols)
		energy += sh.load()
		area += sh.rows
		dominant = max(dominant, sh.load())
	}
	for _, sh := range proportional {
		tmax = max(tmax, sh.cols)
		energy += sh.load()
		area += sh.rows
	}

	t := tmax
	switch s.cfg.Mode {
	case Balanced:
		if height > 0 {
			t = max(t, int(math.Ceil(float64(dominant)/(float64(height)*s.cfg.Dominance))))
		}
	case MinimumOn:
		t = max(t, s.minOnCols())
		if area > 0 && t > 0 && float64(energy)/float64(area*t) < s.cfg.MinLoad {
			return 0, true
		}
	}
	return min(max(t, 1), s.cfg.Resolution), false
}

func (s *Scheduler) minOnCols() int {
	return columns(s.cfg.MinOnTime, s.cfg.MasterPWM, s.cfg.Resolution)
}

func (s *Scheduler) minOffCols() int {
	return columns(s.cfg.MinOffTime, s.cfg.MasterPWM, s.cfg.Resolution)
}
