package pid

import "fmt"

// Sample is a temperature reading, optionally paired with a velocity
// estimate in degrees per second.
type Sample struct {
	temp        float64
	velocity    float64
	hasVelocity bool
}

// Scalar builds a sample holding only a temperature.
func Scalar(temp float64) Sample {
	return Sample{temp: temp}
}

// WithVelocity builds a sample holding a temperature and its rate of change.
func WithVelocity(temp, velocity float64) Sample {
	return Sample{temp: temp, velocity: velocity, hasVelocity: true}
}

// Temperature returns the sampled temperature.
func (s Sample) Temperature() float64 {
	return s.temp
}

// Velocity returns the velocity and whether the sample carries one.
func (s Sample) Velocity() (float64, bool) {
	return s.velocity, s.hasVelocity
}

func (s Sample) String() string {
	if s.hasVelocity {
		return fmt.Sprintf("%.3f (%+.5f/s)", s.temp, s.velocity)
	}
	return fmt.Sprintf("%.3f", s.temp)
}
