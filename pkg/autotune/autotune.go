// Package autotune identifies PID gains with a relay feedback experiment:
// the output is switched between two levels around the setpoint and the
// resulting limit cycle gives the ultimate gain and period of the plant.
package autotune

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"multizone-controller/pkg/pid"
)

// ErrInvalidConfig is returned when an autotune cannot be built from its config.
var ErrInvalidConfig = errors.New("invalid autotune configuration")

// State is the relay experiment state.
type State int

const (
	Off State = iota
	StepUp
	StepDown
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case StepUp:
		return "relay step up"
	case StepDown:
		return "relay step down"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	peakHistory        = 5
	amplitudeTolerance = 0.05
	maxPeaks           = 20
)

type peakType int

const (
	peakNone peakType = 0
	peakMax  peakType = 1
	peakMin  peakType = -1
)

// Config describes a relay experiment.
type Config struct {
	Setpoint       float64
	OutStep        float64       // Relay amplitude around InitialOutput
	SampleInterval time.Duration // Minimum time between two samples
	Lookback       time.Duration // Window used to decide whether a sample is a peak
	OutMin         float64
	OutMax         float64
	Noiseband      float64 // Hysteresis around the setpoint
	InitialOutput  float64

	Clock  func() time.Time
	Logger *slog.Logger
}

type peak struct {
	value float64
	at    time.Time
}

// Autotune runs a relay experiment. It is not safe for concurrent use.
type Autotune struct {
	cfg Config

	state    State
	output   float64
	lastRun  time.Time
	inputs   *Ring[float64]
	peaks    *Ring[peak]
	peakType peakType
	count    int

	// running extremes, consolidated while the extremum condition holds
	maxPeak peak
	minPeak peak

	inducedAmplitude float64
	ku               float64
	pu               float64

	log *slog.Logger
}

// New creates an autotune in the Off state; the first Run starts it.
func New(cfg Config) (*Autotune, error) {
	if cfg.SampleInterval <= 0 {
		return nil, fmt.Errorf("%w: sample interval must be positive, got %v", ErrInvalidConfig, cfg.SampleInterval)
	}
	if cfg.Lookback < cfg.SampleInterval {
		return nil, fmt.Errorf("%w: lookback (%v) must be at least the sample interval (%v)",
			ErrInvalidConfig, cfg.Lookback, cfg.SampleInterval)
	}
	if cfg.OutStep <= 0 {
		return nil, fmt.Errorf("%w: output step must be positive, got %.3f", ErrInvalidConfig, cfg.OutStep)
	}
	if cfg.OutMin >= cfg.OutMax {
		return nil, fmt.Errorf("%w: output min (%.2f) must be less than output max (%.2f)",
			ErrInvalidConfig, cfg.OutMin, cfg.OutMax)
	}
	if cfg.Noiseband < 0 {
		return nil, fmt.Errorf("%w: noiseband must be non-negative, got %.3f", ErrInvalidConfig, cfg.Noiseband)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	size := int(math.Round(cfg.Lookback.Seconds() / cfg.SampleInterval.Seconds()))
	return &Autotune{
		cfg:    cfg,
		inputs: NewRing[float64](size),
		peaks:  NewRing[peak](peakHistory),
		log:    cfg.Logger.With("component", "autotune"),
	}, nil
}

// Run feeds one process value into the experiment and reports whether it
// finished, successfully or not. Run never panics.
func (a *Autotune) Run(current float64) (finished bool) {
	defer func() {
		if r := recover(); r != nil {
			a.fail(fmt.Sprintf("%v", r))
			finished = true
		}
	}()

	now := a.cfg.Clock()
	switch a.state {
	case Off, Succeeded, Failed:
		a.init(now)
	default:
		if now.Sub(a.lastRun) < a.cfg.SampleInterval {
			return false
		}
	}
	a.lastRun = now

	if math.IsNaN(current) || math.IsInf(current, 0) {
		a.fail("process value is not a number")
		return true
	}

	// Relay with hysteresis
	if a.state == StepUp && current > a.cfg.Setpoint+a.cfg.Noiseband {
		a.state = StepDown
		a.log.Debug("switched state", "state", a.state, "input", current)
	} else if a.state == StepDown && current < a.cfg.Setpoint-a.cfg.Noiseband {
		a.state = StepUp
		a.log.Debug("switched state", "state", a.state, "input", current)
	}

	if a.state == StepUp {
		a.output = a.cfg.InitialOutput + a.cfg.OutStep
	} else {
		a.output = a.cfg.InitialOutput - a.cfg.OutStep
	}
	a.output = math.Max(a.cfg.OutMin, math.Min(a.cfg.OutMax, a.output))

	// A sample is a peak candidate when it dominates the lookback window
	isMax, isMin := true, true
	a.inputs.Each(func(v float64) {
		isMax = isMax && current >= v
		isMin = isMin && current <= v
	})
	a.inputs.Push(current)

	// Peaks are not trusted until the lookback window is full
	if !a.inputs.Full() {
		return false
	}

	inflection := false
	if isMax {
		if a.peakType == peakMin {
			inflection = true
		}
		if a.peakType != peakMax || current >= a.maxPeak.value {
			a.maxPeak = peak{value: current, at: now}
		}
		a.peakType = peakMax
	} else if isMin {
		if a.peakType == peakMax {
			inflection = true
		}
		if a.peakType != peakMin || current <= a.minPeak.value {
			a.minPeak = peak{value: current, at: now}
		}
		a.peakType = peakMin
	}

	if inflection {
		a.count++
		committed := a.minPeak
		if a.state == StepDown {
			committed = a.maxPeak
		}
		a.peaks.Push(committed)
		a.log.Debug("found peak", "value", committed.value, "count", a.count)

		if a.count > 4 && a.peaks.Full() {
			if a.checkConvergence() {
				a.state = Succeeded
			}
		}
	}

	if a.state != Succeeded && a.count >= maxPeaks {
		a.output = 0
		a.state = Failed
		a.log.Warn("autotune did not converge", "peaks", a.count)
		return true
	}

	if a.state == Succeeded {
		return a.finish()
	}
	return false
}

// checkConvergence compares the last four peaks.
func (a *Autotune) checkConvergence() bool {
	last := make([]float64, 4)
	for i := range last {
		last[i] = a.peaks.At(i - 4).value
	}

	var sum float64
	for i := 0; i < 3; i++ {
		sum += math.Abs(last[i] - last[i+1])
	}
	// half the mean peak-to-peak distance
	a.inducedAmplitude = sum / 6.0
	if a.inducedAmplitude == 0 {
		a.log.Info("induced amplitude is zero, waiting for the next peak")
		return false
	}

	p, q := last[1], last[3]
	if a.count%2 == 0 {
		p, q = last[0], last[2]
	}
	dev := (math.Max(p, q) - math.Min(p, q)) / a.inducedAmplitude
	a.log.Debug("amplitude deviation", "deviation", dev, "amplitude", a.inducedAmplitude)
	return dev < amplitudeTolerance
}

func (a *Autotune) finish() bool {
	a.output = 0
	radicand := a.inducedAmplitude*a.inducedAmplitude - a.cfg.Noiseband*a.cfg.Noiseband
	if radicand <= 0 {
		a.fail("induced amplitude does not exceed the noiseband")
		return true
	}
	a.ku = 4.0 * a.cfg.OutStep / (math.Pi * math.Sqrt(radicand))

	period1 := a.peaks.At(3).at.Sub(a.peaks.At(1).at).Seconds()
	period2 := a.peaks.At(4).at.Sub(a.peaks.At(2).at).Seconds()
	a.pu = 0.5 * (period1 + period2)
	if a.pu <= 0 || math.IsNaN(a.ku) || math.IsInf(a.ku, 0) {
		a.fail("invalid ultimate gain or period")
		return true
	}

	a.log.Info("autotune succeeded", "ku", a.ku, "pu", a.pu, "amplitude", a.inducedAmplitude)
	return true
}

func (a *Autotune) init(now time.Time) {
	a.inputs.Clear()
	a.peaks.Clear()
	a.peakType = peakNone
	a.count = 0
	a.maxPeak, a.minPeak = peak{}, peak{}
	a.inducedAmplitude = 0
	a.ku, a.pu = 0, 0
	a.output = 0
	a.lastRun = now
	a.state = StepUp
	a.log.Info("autotune started", "setpoint", a.cfg.Setpoint, "step", a.cfg.OutStep)
}

func (a *Autotune) fail(reason string) {
	a.output = 0
	a.state = Failed
	a.log.Error("autotune failed", "reason", reason)
}

// Reset abandons a running experiment; the next Run starts over.
func (a *Autotune) Reset() {
	a.state = Off
	a.output = 0
	a.inputs.Clear()
	a.peaks.Clear()
}

// SetSetpoint changes the relay reference. A running experiment keeps its peaks.
func (a *Autotune) SetSetpoint(sp float64) {
	a.cfg.Setpoint = sp
}

// State returns the experiment state.
func (a *Autotune) State() State { return a.state }

// Output returns the last relay output.
func (a *Autotune) Output() float64 { return a.output }

// Ku returns the ultimate gain, valid after success.
func (a *Autotune) Ku() float64 { return a.ku }

// Pu returns the ultimate period in seconds, valid after success.
func (a *Autotune) Pu() float64 { return a.pu }

// PeakCount returns the number of inflections seen so far.
func (a *Autotune) PeakCount() int { return a.count }

// InducedAmplitude returns the last measured oscillation amplitude.
func (a *Autotune) InducedAmplitude() float64 { return a.inducedAmplitude }

// Parameters returns gains from a tuning rule. ok is false unless the
// experiment succeeded.
func (a *Autotune) Parameters(r Rule) (pid.Gains, bool) {
	if a.state != Succeeded {
		return pid.Gains{}, false
	}
	return r.Gains(a.ku, a.pu), true
}

// ControlTypeParameters returns gains from a classic control type formula.
func (a *Autotune) ControlTypeParameters(c ControlType) (pid.Gains, bool) {
	if a.state != Succeeded {
		return pid.Gains{}, false
	}
	return c.Gains(a.ku, a.pu), true
}

// GetPIDParameters selects between a tuning rule and a control type.
func (a *Autotune) GetPIDParameters(r Rule, useRule bool, c ControlType) (pid.Gains, bool) {
	if useRule {
		return a.Parameters(r)
	}
	return a.ControlTypeParameters(c)
}
