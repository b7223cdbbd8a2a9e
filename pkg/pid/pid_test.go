package pid

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestController(t *testing.T, clk *fakeClock, g Gains, outMin, outMax float64) *Controller {
	t.Helper()
	c, err := New(Config{
		SampleInterval: 10 * time.Second,
		Gains:          g,
		OutMin:         outMin,
		OutMax:         outMax,
		Clock:          clk.Now,
	})
	require.NoError(t, err)
	return c
}

// TestNew_InvalidConfig tests that construction rejects unusable parameters
func TestNew_InvalidConfig(t *testing.T) {
	valid := Config{SampleInterval: time.Second, Gains: Gains{Kp: 1, Ki: 0.1, Kd: 1}, OutMin: 0, OutMax: 100}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sample interval", func(c *Config) { c.SampleInterval = 0 }},
		{"negative sample interval", func(c *Config) { c.SampleInterval = -time.Second }},
		{"unset kp", func(c *Config) { c.Gains.Kp = math.NaN() }},
		{"unset ki", func(c *Config) { c.Gains.Ki = math.NaN() }},
		{"infinite kd", func(c *Config) { c.Gains.Kd = math.Inf(1) }},
		{"min equals max", func(c *Config) { c.OutMin = 100 }},
		{"min above max", func(c *Config) { c.OutMin = 150 }},
		{"negative windup guard", func(c *Config) { c.WindupGuard = -1 }},
		{"windup guard below one", func(c *Config) { c.WindupGuard = 0.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			_, err := New(cfg)

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}

	_, err := New(valid)
	assert.NoError(t, err)
}

// TestCalc_Proportional tests the proportional term on the first call
func TestCalc_Proportional(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c := newTestController(t, clk, Gains{Kp: 2.0}, 0, 100)

	// Act - temperature below setpoint
	output := c.Calc(Scalar(19.0), 21.0, false)

	// Assert
	assert.InDelta(t, 4.0, output, 1e-9) // Kp * (21 - 19)
	terms := c.Terms()
	assert.InDelta(t, 2.0, terms.Error, 1e-9)
	assert.InDelta(t, 4.0, terms.P, 1e-9)
	assert.Equal(t, 0.0, terms.I)
}

// TestCalc_FirstCallSkipsIntegral tests that the first computation does not integrate
func TestCalc_FirstCallSkipsIntegral(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c := newTestController(t, clk, Gains{Kp: 0, Ki: 1.0}, 0, 100)

	// Act
	c.Calc(Scalar(18.0), 21.0, false)

	// Assert
	assert.Equal(t, 0.0, c.Integral())
}

// TestCalc_Integral tests accumulation with the elapsed time
func TestCalc_Integral(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c := newTestController(t, clk, Gains{Kp: 2.0, Ki: 0.1}, 0, 100)

	// Act
	first := c.Calc(Scalar(19.0), 21.0, false)
	clk.Advance(10 * time.Second)
	second := c.Calc(Scalar(19.0), 21.0, false)

	// Assert - integral = 10s * 2K = 20, term = 0.1 * 20 = 2
	assert.InDelta(t, 4.0, first, 1e-9)
	assert.InDelta(t, 20.0, c.Integral(), 1e-9)
	assert.InDelta(t, 2.0, c.IntegralTerm(), 1e-9)
	assert.InDelta(t, 6.0, second, 1e-9)
}

// TestCalc_RateLimited tests that calls within the sample interval return the same output
func TestCalc_RateLimited(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c := newTestController(t, clk, Gains{Kp: 2.0, Ki: 0.1}, 0, 100)
	c.Calc(Scalar(19.0), 21.0, false)
	clk.Advance(10 * time.Second)

	// Act
	out1 := c.Calc(Scalar(19.0), 21.0, false)
	clk.Advance(3 * time.Second)
	out2 := c.Calc(Scalar(15.0), 21.0, false)

	// Assert
	assert.Equal(t, out1, out2)
	assert.InDelta(t, 20.0, c.Integral(), 1e-9, "integral must not move while rate limited")
}

// TestCalc_ForceBypassesRateLimit tests forced computation
func TestCalc_ForceBypassesRateLimit(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c := newTestController(t, clk, Gains{Kp: 2.0}, 0, 100)
	c.Calc(Scalar(19.0), 21.0, false)
	clk.Advance(time.Second)

	// Act
	output := c.Calc(Scalar(16.0), 21.0, true)

	// Assert
	assert.InDelta(t, 10.0, output, 1e-9)
}

// TestCalc_NoSetpoint tests that an unset setpoint holds the previous output
func TestCalc_NoSetpoint(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c := newTestController(t, clk, Gains{Kp: 2.0}, 0, 100)
	previous := c.Calc(Scalar(19.0), 21.0, false)
	clk.Advance(time.Minute)

	// Act
	zero := c.Calc(Scalar(10.0), 0, false)
	nan := c.Calc(Scalar(10.0), math.NaN(), false)

	// Assert
	assert.Equal(t, previous, zero)
	assert.Equal(t, previous, nan)
}

// TestCalc_DerivativeFromFiniteDifference tests velocity estimation without a filter
func TestCalc_DerivativeFromFiniteDifference(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c := newTestController(t, clk, Gains{Kd: 100.0}, -100, 100)

	// Act
	first := c.Calc(Scalar(20.0), 21.0, false)
	clk.Advance(10 * time.Second)
	second := c.Calc(Scalar(21.0), 21.0, false)

	// Assert - velocity 0.1 K/s opposes the output
	assert.Equal(t, 0.0, first)
	assert.InDelta(t, -10.0, second, 1e-9)
	assert.InDelta(t, -10.0, c.Terms().D, 1e-9)
}

// TestCalc_SuppliedVelocity tests that a supplied velocity is used as is
func TestCalc_SuppliedVelocity(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c := newTestController(t, clk, Gains{Kd: 100.0}, -100, 100)

	// Act
	output := c.Calc(WithVelocity(20.0, -0.05), 20.0, false)

	// Assert
	assert.InDelta(t, 5.0, output, 1e-9)
}

// TestCalc_WindowOpen tests that a fast temperature drop freezes the controller
func TestCalc_WindowOpen(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	threshold := -0.01
	c, err := New(Config{
		SampleInterval:      10 * time.Second,
		Gains:               Gains{Kp: 2.0, Ki: 0.1},
		OutMin:              0,
		OutMax:              100,
		WindowOpenThreshold: &threshold,
		Clock:               clk.Now,
	})
	require.NoError(t, err)
	c.Calc(WithVelocity(19.0, 0), 21.0, false)
	clk.Advance(10 * time.Second)
	before := c.Calc(WithVelocity(19.0, 0), 21.0, false)
	integral := c.Integral()
	clk.Advance(10 * time.Second)

	// Act
	during := c.Calc(WithVelocity(17.0, -0.05), 21.0, false)

	// Assert
	assert.Equal(t, before, during)
	assert.Equal(t, integral, c.Integral())

	// A slow drop is regulated normally
	after := c.Calc(WithVelocity(18.5, -0.001), 21.0, false)
	assert.Greater(t, after, before)
}

// TestCalc_AntiWindup tests the integral clamp invariant over a long saturation
func TestCalc_AntiWindup(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c := newTestController(t, clk, Gains{Kp: 1.0, Ki: 0.5}, 0, 100)

	// Act & Assert - large positive then large negative error
	temps := []float64{5, 5, 5, 5, 5, 5, 5, 5, 40, 40, 40, 40, 40, 40, 21, 22, 20}
	for _, temp := range temps {
		c.Calc(Scalar(temp), 21.0, false)
		clk.Advance(10 * time.Minute)

		term := c.Integral() * c.Gains().Ki
		assert.GreaterOrEqual(t, term, 0.0-1e-9)
		assert.LessOrEqual(t, term, 100.0+1e-9)
	}
}

// TestCalc_WindupGuard tests that the guard tightens the clamp
func TestCalc_WindupGuard(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c, err := New(Config{
		SampleInterval: time.Second,
		Gains:          Gains{Ki: 1.0},
		OutMin:         0,
		OutMax:         100,
		WindupGuard:    2,
		Clock:          clk.Now,
	})
	require.NoError(t, err)

	// Act
	for i := 0; i < 10; i++ {
		c.Calc(Scalar(0), 21.0, false)
		clk.Advance(time.Hour)
	}

	// Assert
	assert.InDelta(t, 50.0, c.Integral(), 1e-9)
}

// TestResetTime tests that time spent inactive is not integrated
func TestResetTime(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c := newTestController(t, clk, Gains{Kp: 0, Ki: 0.001}, 0, 100)
	c.Calc(Scalar(20.0), 21.0, false)

	// Act - zone was inactive for a day
	clk.Advance(24 * time.Hour)
	c.ResetTime()
	clk.Advance(10 * time.Second)
	c.Calc(Scalar(20.0), 21.0, false)

	// Assert - only the 10 seconds after the reset count
	assert.InDelta(t, 10.0, c.Integral(), 1e-9)
}

// TestSetGains_Partial tests that unspecified gains are kept
func TestSetGains_Partial(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c := newTestController(t, clk, Gains{Kp: 5.0, Ki: 0.1, Kd: 2.0}, 0, 100)
	kd := 7.5

	// Act
	c.SetGains(nil, nil, &kd)

	// Assert
	assert.Equal(t, Gains{Kp: 5.0, Ki: 0.1, Kd: 7.5}, c.Gains())
}

// TestSetIntegralTerm tests the administrative override in output units
func TestSetIntegralTerm(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c := newTestController(t, clk, Gains{Kp: 1.0, Ki: 0.5}, 0, 100)

	// Act
	c.SetIntegralTerm(30)

	// Assert
	assert.InDelta(t, 60.0, c.Integral(), 1e-9)
	assert.InDelta(t, 30.0, c.IntegralTerm(), 1e-9)

	// Values beyond the output range are clamped
	c.SetIntegralTerm(500)
	assert.InDelta(t, 100.0, c.IntegralTerm(), 1e-9)
}

// TestSetLimits tests limit updates and their validation
func TestSetLimits(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c := newTestController(t, clk, Gains{Kp: 10.0}, 0, 100)

	// Act
	require.NoError(t, c.SetLimits(20, 90))
	output := c.Calc(Scalar(25.0), 21.0, false)

	// Assert
	assert.Equal(t, 20.0, output)
	assert.Error(t, c.SetLimits(50, 50))
}

// TestReset tests that history is cleared but gains are kept
func TestReset(t *testing.T) {
	// Arrange
	clk := newFakeClock()
	c := newTestController(t, clk, Gains{Kp: 5.0, Ki: 0.1, Kd: 2.0}, 0, 100)
	c.Calc(Scalar(19.0), 21.0, false)
	clk.Advance(time.Minute)
	c.Calc(Scalar(19.5), 21.0, false)

	// Act
	c.Reset()

	// Assert
	assert.Equal(t, 0.0, c.Integral())
	assert.Equal(t, 0.0, c.Output())
	assert.Equal(t, Terms{}, c.Terms())
	assert.Equal(t, Gains{Kp: 5.0, Ki: 0.1, Kd: 2.0}, c.Gains())
}

// TestClamp tests value clamping
func TestClamp(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		want  float64
	}{
		{"below min", -10.0, 0.0},
		{"above max", 150.0, 100.0},
		{"within range", 50.0, 50.0},
		{"equal to min", 0.0, 0.0},
		{"equal to max", 100.0, 100.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clamp(tt.value, 0.0, 100.0))
		})
	}
}

// TestSample tests the tagged sample accessors
func TestSample(t *testing.T) {
	s := Scalar(20.5)
	_, ok := s.Velocity()
	assert.False(t, ok)
	assert.Equal(t, 20.5, s.Temperature())

	v := WithVelocity(20.5, -0.002)
	vel, ok := v.Velocity()
	assert.True(t, ok)
	assert.Equal(t, -0.002, vel)
	assert.Contains(t, v.String(), "20.500")
}
