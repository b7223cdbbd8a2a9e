// Package zone drives one heating zone: it picks between PID, on-off and
// autotune control, optionally smooths the input with a Kalman filter, and
// turns the control output into a duty-cycle demand for the master.
package zone

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"multizone-controller/pkg/autotune"
	"multizone-controller/pkg/filter"
	"multizone-controller/pkg/nesting"
	"multizone-controller/pkg/pid"
)

var (
	// ErrInvalidConfig is returned when a zone cannot be built from its config.
	ErrInvalidConfig = errors.New("invalid zone configuration")
	// ErrAutotuneUnavailable is returned when a zone cannot run an autotune.
	ErrAutotuneUnavailable = errors.New("autotune unavailable")
)

// Mode selects the zone's control algorithm.
type Mode int

const (
	ModePID Mode = iota
	ModeOnOff
)

func (m Mode) String() string {
	switch m {
	case ModePID:
		return "pid"
	case ModeOnOff:
		return "on_off"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pid":
		return ModePID, nil
	case "on_off", "on-off", "onoff":
		return ModeOnOff, nil
	}
	return 0, fmt.Errorf("%w: unknown zone mode %q", ErrInvalidConfig, s)
}

// FilterConfig enables input smoothing.
type FilterConfig struct {
	Aggressiveness float64
	Interval       time.Duration // Expected sampling interval
}

// AutotuneConfig describes the relay experiment and how its result is
// turned into gains.
type AutotuneConfig struct {
	OutStep     float64 // Zero relays between the output limits
	Lookback    time.Duration
	Noiseband   float64
	Rule        autotune.Rule
	UseRule     bool // Otherwise ControlType is used
	ControlType autotune.ControlType
}

// Config describes one zone.
type Config struct {
	ID            string
	Area          float64
	PWM           time.Duration // Zero for proportional valves
	DiscreteValve bool

	Mode       Mode
	PID        pid.Config
	Hysteresis float64 // On-off band around the setpoint

	Filter   *FilterConfig
	Autotune *AutotuneConfig

	Clock  func() time.Time
	Logger *slog.Logger
}

// AutotuneResult is the outcome of the last finished experiment.
type AutotuneResult struct {
	State autotune.State
	Ku    float64
	Pu    float64
	Gains pid.Gains
}

// Controller is one zone. It is not safe for concurrent use.
type Controller struct {
	cfg Config

	pid    *pid.Controller
	onOff  onOff
	filter *filter.Filter
	tuner  *autotune.Autotune

	active   bool
	output   float64
	temp     float64
	velocity float64
	lastTune *AutotuneResult

	log *slog.Logger
}

// New creates a zone controller.
func New(cfg Config) (*Controller, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: zone id is required", ErrInvalidConfig)
	}
	if cfg.Area < 0 || math.IsNaN(cfg.Area) {
		return nil, fmt.Errorf("%w: zone %s: area must not be negative", ErrInvalidConfig, cfg.ID)
	}
	if cfg.PWM < 0 {
		return nil, fmt.Errorf("%w: zone %s: pwm must not be negative", ErrInvalidConfig, cfg.ID)
	}
	if cfg.Mode != ModePID && cfg.Mode != ModeOnOff {
		return nil, fmt.Errorf("%w: zone %s: unknown mode %v", ErrInvalidConfig, cfg.ID, cfg.Mode)
	}
	if cfg.Hysteresis < 0 {
		return nil, fmt.Errorf("%w: zone %s: hysteresis must not be negative", ErrInvalidConfig, cfg.ID)
	}
	if cfg.Filter != nil && (cfg.Filter.Aggressiveness <= 0 || cfg.Filter.Interval <= 0) {
		return nil, fmt.Errorf("%w: zone %s: filter aggressiveness and interval must be positive", ErrInvalidConfig, cfg.ID)
	}
	if cfg.Filter != nil {
		f := *cfg.Filter
		cfg.Filter = &f
	}
	if cfg.Autotune != nil {
		at := *cfg.Autotune
		cfg.Autotune = &at
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("zone", cfg.ID)

	pcfg := cfg.PID
	if pcfg.Clock == nil {
		pcfg.Clock = cfg.Clock
	}
	if pcfg.Logger == nil {
		pcfg.Logger = log
	}
	p, err := pid.New(pcfg)
	if err != nil {
		return nil, fmt.Errorf("zone %s: %w", cfg.ID, err)
	}
	low, high := p.Limits()

	return &Controller{
		cfg:    cfg,
		pid:    p,
		onOff:  onOff{hysteresis: cfg.Hysteresis, low: low, high: high},
		active: true,
		temp:   math.NaN(),
		log:    log.With("component", "zone"),
	}, nil
}

// ID returns the zone identifier.
func (c *Controller) ID() string { return c.cfg.ID }

// Calculate runs one control step for a raw temperature sample and returns
// the new output. A missing sample holds the previous output.
func (c *Controller) Calculate(temp, setpoint float64, force bool) float64 {
	if math.IsNaN(temp) || math.IsInf(temp, 0) {
		c.log.Warn("no current temperature, holding output", "output", c.output)
		return c.output
	}

	sample := c.estimate(temp)
	c.temp = sample.Temperature()
	c.velocity, _ = sample.Velocity()

	if !c.active {
		c.output, _ = c.pid.Limits()
		return c.output
	}

	if c.tuner != nil {
		c.output = c.runAutotune(c.temp, setpoint)
		return c.output
	}

	switch c.cfg.Mode {
	case ModeOnOff:
		if setpoint == 0 || math.IsNaN(setpoint) {
			c.log.Warn("no setpoint, holding output", "output", c.output)
			return c.output
		}
		c.output = c.onOff.update(c.temp, setpoint)
	default:
		c.output = c.pid.Calc(sample, setpoint, force)
	}
	return c.output
}

// estimate runs the filter, creating it on the first sample.
func (c *Controller) estimate(temp float64) pid.Sample {
	if c.cfg.Filter == nil {
		return pid.Scalar(temp)
	}
	if c.filter == nil {
		f, err := filter.New(temp, c.cfg.Filter.Interval, c.cfg.Filter.Aggressiveness,
			filter.WithClock(c.cfg.Clock), filter.WithLogger(c.cfg.Logger.With("zone", c.cfg.ID)))
		if err != nil {
			c.log.Error("filter disabled", "error", err)
			c.cfg.Filter = nil
			return pid.Scalar(temp)
		}
		c.filter = f
	} else {
		c.filter.Predict()
		c.filter.Update(temp)
	}
	return pid.WithVelocity(c.filter.Temperature(), c.filter.Velocity())
}

func (c *Controller) runAutotune(temp, setpoint float64) float64 {
	if setpoint != 0 && !math.IsNaN(setpoint) {
		c.tuner.SetSetpoint(setpoint)
	}
	if !c.tuner.Run(temp) {
		return c.tuner.Output()
	}

	t := c.tuner
	c.tuner = nil
	res := &AutotuneResult{State: t.State(), Ku: t.Ku(), Pu: t.Pu()}
	c.lastTune = res

	at := c.cfg.Autotune
	gains, ok := t.GetPIDParameters(at.Rule, at.UseRule, at.ControlType)
	if !ok {
		c.log.Warn("autotune finished without result, resuming pid", "state", t.State())
		c.pid.ResetTime()
		return t.Output()
	}

	res.Gains = gains
	for _, w := range pid.ValidateGains(gains) {
		c.log.Warn("autotuned gains look unusual", "warning", w)
	}
	c.pid.SetGains(&gains.Kp, &gains.Ki, &gains.Kd)
	c.pid.ResetTime()
	c.log.Info("autotuned gains applied",
		"ku", t.Ku(), "pu", t.Pu(), "kp", gains.Kp, "ki", gains.Ki, "kd", gains.Kd)
	return t.Output()
}

// StartAutotune replaces PID control with a relay experiment around
// setpoint until it finishes.
func (c *Controller) StartAutotune(setpoint float64) error {
	if c.cfg.Autotune == nil {
		return fmt.Errorf("%w: zone %s has no autotune configuration", ErrAutotuneUnavailable, c.cfg.ID)
	}
	if c.cfg.Mode != ModePID {
		return fmt.Errorf("%w: zone %s is in %v mode", ErrAutotuneUnavailable, c.cfg.ID, c.cfg.Mode)
	}

	low, high := c.pid.Limits()
	at := c.cfg.Autotune
	step := at.OutStep
	if step == 0 {
		step = (high - low) / 2
	}
	t, err := autotune.New(autotune.Config{
		Setpoint:       setpoint,
		OutStep:        step,
		SampleInterval: c.cfg.PID.SampleInterval,
		Lookback:       at.Lookback,
		OutMin:         low,
		OutMax:         high,
		Noiseband:      at.Noiseband,
		InitialOutput:  (low + high) / 2,
		Clock:          c.cfg.Clock,
		Logger:         c.cfg.Logger.With("zone", c.cfg.ID),
	})
	if err != nil {
		return fmt.Errorf("zone %s: %w", c.cfg.ID, err)
	}
	c.tuner = t
	return nil
}

// AbortAutotune abandons a running experiment and resumes normal control.
func (c *Controller) AbortAutotune() {
	if c.tuner == nil {
		return
	}
	c.tuner.Reset()
	c.tuner = nil
	c.pid.ResetTime()
	c.log.Info("autotune aborted")
}

// Autotuning reports whether a relay experiment is running.
func (c *Controller) Autotuning() bool { return c.tuner != nil }

// AutotuneState returns the running experiment state, Off when idle.
func (c *Controller) AutotuneState() autotune.State {
	if c.tuner == nil {
		return autotune.Off
	}
	return c.tuner.State()
}

// LastAutotune returns the result of the last finished experiment.
func (c *Controller) LastAutotune() (AutotuneResult, bool) {
	if c.lastTune == nil {
		return AutotuneResult{}, false
	}
	return *c.lastTune, true
}

// SetActive enables or disables the zone. The PID time reference restarts
// so the inactive period does not count as one long step.
func (c *Controller) SetActive(active bool) {
	if c.active == active {
		return
	}
	c.active = active
	c.pid.ResetTime()
	if !active {
		c.output, _ = c.pid.Limits()
	}
	c.log.Info("zone active state changed", "active", active)
}

// Active reports whether the zone is controlling.
func (c *Controller) Active() bool { return c.active }

// SetFilterMode changes the filter aggressiveness.
func (c *Controller) SetFilterMode(aggressiveness float64) error {
	if c.cfg.Filter == nil {
		return fmt.Errorf("%w: zone %s has no filter", ErrInvalidConfig, c.cfg.ID)
	}
	if c.filter != nil {
		if err := c.filter.SetAggressiveness(aggressiveness); err != nil {
			return err
		}
	} else if aggressiveness <= 0 {
		return fmt.Errorf("%w: aggressiveness must be positive", ErrInvalidConfig)
	}
	c.cfg.Filter.Aggressiveness = aggressiveness
	return nil
}

// SetGains updates the PID gains; nil keeps a gain.
func (c *Controller) SetGains(kp, ki, kd *float64) { c.pid.SetGains(kp, ki, kd) }

// SetIntegral overrides the integral, expressed in output units.
func (c *Controller) SetIntegral(v float64) { c.pid.SetIntegralTerm(v) }

// Integral returns the integral contribution in output units.
func (c *Controller) Integral() float64 { return c.pid.IntegralTerm() }

// Gains returns the PID gains.
func (c *Controller) Gains() pid.Gains { return c.pid.Gains() }

// Terms returns the last PID terms.
func (c *Controller) Terms() pid.Terms { return c.pid.Terms() }

// Output returns the last control output.
func (c *Controller) Output() float64 { return c.output }

// Temperature returns the last (filtered) temperature, NaN before the first sample.
func (c *Controller) Temperature() float64 { return c.temp }

// Velocity returns the last temperature rate in degrees per second.
func (c *Controller) Velocity() float64 { return c.velocity }

// Mode returns the control algorithm.
func (c *Controller) Mode() Mode { return c.cfg.Mode }

// DutyCycle is the output as a fraction of the output range.
func (c *Controller) DutyCycle() float64 {
	if !c.active {
		return 0
	}
	low, high := c.pid.Limits()
	return math.Max(0, math.Min(1, (c.output-low)/(high-low)))
}

// Demand returns the zone's request for the next master cycle. Proportional
// zones without a period leave OnTime to the master.
func (c *Controller) Demand() nesting.ZoneDemand {
	d := nesting.ZoneDemand{
		ID:            c.cfg.ID,
		Area:          c.cfg.Area,
		PWM:           c.cfg.PWM,
		DiscreteValve: c.cfg.DiscreteValve,
	}
	if c.cfg.PWM > 0 {
		d.OnTime = time.Duration(c.DutyCycle() * float64(c.cfg.PWM))
	}
	return d
}
