package nesting

import (
	"math"
	"time"
)

// ZoneDemand is one zone's heat request for the current master cycle.
type ZoneDemand struct {
	ID     string
	Area   float64       // Heated area, rows of the packing grid
	OnTime time.Duration // Requested on-time within PWM
	PWM    time.Duration // The zone's own period, zero for proportional zones

	// DiscreteValve is true for on/off valves that can be time-shifted.
	DiscreteValve bool
}

// Proportional reports whether the zone holds its demand continuously
// instead of being packed into discrete time slots.
func (d ZoneDemand) Proportional() bool {
	return d.PWM <= 0 || !d.DiscreteValve
}

// shape is a demand normalized to the nesting resolution.
type shape struct {
	id           string
	rows         int
	cols         int
	pwm          time.Duration
	proportional bool
}

func (s shape) load() int { return s.rows * s.cols }

// normalize converts d into grid units. Zones without on-time are excluded.
func (s *Scheduler) normalize(d ZoneDemand) (shape, bool) {
	if d.OnTime <= 0 {
		return shape{}, false
	}
	pwm := d.PWM
	if pwm <= 0 {
		pwm = s.cfg.MasterPWM
	}

	return shape{
		id:           d.ID,
		rows:         areaRows(d.Area),
		cols:         columns(d.OnTime, pwm, s.cfg.Resolution),
		pwm:          pwm,
		proportional: d.Proportional(),
	}, true
}

// columns returns ceil(resolution·on/period) capped to resolution.
func columns(on, period time.Duration, resolution int) int {
	if on <= 0 || period <= 0 {
		return 0
	}
	if on >= period {
		return resolution
	}
	r := int64(resolution)
	c := (r*int64(on) + int64(period) - 1) / int64(period)
	return int(c)
}

func areaRows(area float64) int {
	if math.IsNaN(area) || area < 1 {
		return 1
	}
	return int(math.Round(area))
}

// duration converts grid columns back into a fraction of period.
func duration(cols, resolution int, period time.Duration) time.Duration {
	if resolution <= 0 {
		return 0
	}
	return time.Duration(int64(period) * int64(cols) / int64(resolution))
}
