package pid

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// ErrInvalidConfig is returned when a controller cannot be built from its config.
var ErrInvalidConfig = errors.New("invalid pid configuration")

// Gains holds the three PID coefficients.
type Gains struct {
	Kp float64 // Proportional gain
	Ki float64 // Integral gain
	Kd float64 // Derivative gain
}

// Config describes a PID controller. All values are expected to be
// validated by the caller's configuration layer; New only rejects values
// that would make the controller meaningless.
type Config struct {
	SampleInterval time.Duration // Minimum time between two computations
	Gains          Gains

	OutMin float64 // Minimum output value
	OutMax float64 // Maximum output value

	// WindupGuard scales the integral clamp, 1 when zero.
	WindupGuard float64

	// WindowOpenThreshold holds the output when the supplied velocity
	// drops below it (degrees per second, negative). Nil disables it.
	WindowOpenThreshold *float64

	Clock  func() time.Time
	Logger *slog.Logger
}

// Terms contains the individual PID components for monitoring
type Terms struct {
	P     float64 // Proportional term
	I     float64 // Integral term
	D     float64 // Derivative term
	Error float64 // Current error
}

// Controller implements a PID controller with anti-windup protection
// and open-window detection. It is not safe for concurrent use.
type Controller struct {
	gains Gains

	sampleInterval time.Duration
	outMin         float64
	outMax         float64
	windupGuard    float64
	windowOpen     *float64

	// Internal state
	integral   float64
	lastInput  float64
	lastOutput float64
	lastTime   time.Time // zero until the first computation
	terms      Terms

	clock func() time.Time
	log   *slog.Logger
}

// New creates a PID controller from cfg.
func New(cfg Config) (*Controller, error) {
	if cfg.SampleInterval <= 0 {
		return nil, fmt.Errorf("%w: sample interval must be positive, got %v", ErrInvalidConfig, cfg.SampleInterval)
	}
	if err := checkGains(cfg.Gains); err != nil {
		return nil, err
	}
	if cfg.OutMin >= cfg.OutMax {
		return nil, fmt.Errorf("%w: output min (%.2f) must be less than output max (%.2f)",
			ErrInvalidConfig, cfg.OutMin, cfg.OutMax)
	}
	if cfg.WindupGuard == 0 {
		cfg.WindupGuard = 1
	}
	// Below 1 the integral clamp would let Ki*integral leave the output range
	if cfg.WindupGuard < 1 || math.IsNaN(cfg.WindupGuard) {
		return nil, fmt.Errorf("%w: windup guard must be at least 1, got %.3f", ErrInvalidConfig, cfg.WindupGuard)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Controller{
		gains:          cfg.Gains,
		sampleInterval: cfg.SampleInterval,
		outMin:         cfg.OutMin,
		outMax:         cfg.OutMax,
		windupGuard:    cfg.WindupGuard,
		windowOpen:     cfg.WindowOpenThreshold,
		clock:          cfg.Clock,
		log:            cfg.Logger.With("component", "pid"),
	}, nil
}

func checkGains(g Gains) error {
	for name, v := range map[string]float64{"kp": g.Kp, "ki": g.Ki, "kd": g.Kd} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: gain %s is not set", ErrInvalidConfig, name)
		}
	}
	return nil
}

// Calc computes the controller output for input against setpoint.
// The previous output is returned unchanged when the setpoint is unset,
// when less than the sample interval elapsed and force is false, or when
// an open window is detected.
func (c *Controller) Calc(input Sample, setpoint float64, force bool) float64 {
	if setpoint == 0 || math.IsNaN(setpoint) {
		c.log.Warn("no setpoint, holding output", "output", c.lastOutput)
		return c.lastOutput
	}

	now := c.clock()
	first := c.lastTime.IsZero()
	var elapsed float64
	if !first {
		elapsed = now.Sub(c.lastTime).Seconds()
		if elapsed < c.sampleInterval.Seconds() && !force {
			return c.lastOutput
		}
	}

	temp := input.Temperature()
	velocity, hasVelocity := input.Velocity()
	if hasVelocity && c.windowOpen != nil && velocity < *c.windowOpen {
		c.log.Warn("open window detected, holding output",
			"velocity", velocity, "threshold", *c.windowOpen, "output", c.lastOutput)
		return c.lastOutput
	}

	err := setpoint - temp
	if !hasVelocity {
		velocity = 0
		if !first && elapsed > 0 {
			velocity = (temp - c.lastInput) / elapsed
		}
	}

	// Skip integration on the first call, there is no meaningful time step yet
	if !first {
		c.integral += elapsed * err
		c.clampIntegral()
	}

	proportional := c.gains.Kp * err
	integral := c.gains.Ki * c.integral
	derivative := -c.gains.Kd * velocity

	output := clamp(proportional+integral+derivative, c.outMin, c.outMax)

	c.lastInput = temp
	c.lastTime = now
	c.lastOutput = output
	c.terms = Terms{P: proportional, I: integral, D: derivative, Error: err}

	c.log.Debug("pid calculated",
		"input", input.String(), "setpoint", setpoint,
		"p", proportional, "i", integral, "d", derivative, "output", output)

	return output
}

// clampIntegral keeps Ki*integral within the output range (scaled by the guard).
func (c *Controller) clampIntegral() {
	if c.gains.Ki == 0 {
		return
	}
	k := c.windupGuard * math.Abs(c.gains.Ki)
	c.integral = clamp(c.integral, c.outMin/k, c.outMax/k)
}

// ResetTime restarts the time reference so the next computation does not
// see the time spent inactive. Gains and integral are kept.
func (c *Controller) ResetTime() {
	if c.lastTime.IsZero() {
		return
	}
	c.lastTime = c.clock()
}

// Reset clears the controller history. Gains and limits are kept.
func (c *Controller) Reset() {
	c.integral = 0
	c.lastInput = 0
	c.lastOutput = 0
	c.lastTime = time.Time{}
	c.terms = Terms{}
}

// SetGains updates the gains that are non-nil.
func (c *Controller) SetGains(kp, ki, kd *float64) {
	if kp != nil {
		c.gains.Kp = *kp
	}
	if ki != nil {
		c.gains.Ki = *ki
	}
	if kd != nil {
		c.gains.Kd = *kd
	}
	c.clampIntegral()
}

// SetLimits updates the output limits
func (c *Controller) SetLimits(outMin, outMax float64) error {
	if outMin >= outMax {
		return fmt.Errorf("%w: output min (%.2f) must be less than output max (%.2f)",
			ErrInvalidConfig, outMin, outMax)
	}
	c.outMin = outMin
	c.outMax = outMax
	c.clampIntegral()
	return nil
}

// SetWindowOpenThreshold changes the open-window velocity threshold, nil disables it.
func (c *Controller) SetWindowOpenThreshold(threshold *float64) {
	c.windowOpen = threshold
}

// Gains returns the current gains.
func (c *Controller) Gains() Gains {
	return c.gains
}

// Limits returns the output limits.
func (c *Controller) Limits() (float64, float64) {
	return c.outMin, c.outMax
}

// Integral returns the raw accumulated error (degrees × seconds).
func (c *Controller) Integral() float64 {
	return c.integral
}

// SetIntegral overrides the raw accumulator; the anti-windup clamp applies.
func (c *Controller) SetIntegral(v float64) {
	c.integral = v
	c.clampIntegral()
}

// IntegralTerm returns the integral contribution in output units.
func (c *Controller) IntegralTerm() float64 {
	return c.gains.Ki * c.integral
}

// SetIntegralTerm sets the integral contribution in output units. It is a
// no-op when Ki is zero since the term cannot be expressed.
func (c *Controller) SetIntegralTerm(v float64) {
	if c.gains.Ki == 0 {
		c.log.Warn("cannot set integral term with ki = 0")
		return
	}
	c.SetIntegral(v / c.gains.Ki)
}

// Output returns the last computed output.
func (c *Controller) Output() float64 {
	return c.lastOutput
}

// Terms returns the components of the last computation.
func (c *Controller) Terms() Terms {
	return c.terms
}

// clamp limits a value between min and max
func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
