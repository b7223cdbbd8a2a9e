package autotune

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRule_ZieglerNichols tests the divisor table against known values
func TestRule_ZieglerNichols(t *testing.T) {
	// Act
	g := ZieglerNichols.Gains(2.0, 10.0)

	// Assert - Kp = Ku/34, Ki = Kp/(Pu/40), Kd = Kp*(Pu/160)
	assert.InDelta(t, 0.0588, g.Kp, 1e-4)
	assert.InDelta(t, 0.2353, g.Ki, 1e-4)
	assert.InDelta(t, 0.00368, g.Kd, 1e-5)
}

// TestRule_Divisors tests every tuning rule
func TestRule_Divisors(t *testing.T) {
	const ku, pu = 60.0, 1200.0

	tests := []struct {
		rule Rule
		d    [3]float64
	}{
		{ZieglerNichols, [3]float64{34, 40, 160}},
		{TyreusLuyben, [3]float64{44, 9, 126}},
		{CianconeMarlin, [3]float64{66, 88, 162}},
		{PessenIntegral, [3]float64{28, 50, 133}},
		{SomeOvershoot, [3]float64{60, 40, 60}},
		{NoOvershoot, [3]float64{100, 40, 60}},
		{Brewing, [3]float64{2.5, 6, 380}},
	}

	for _, tt := range tests {
		t.Run(tt.rule.String(), func(t *testing.T) {
			g := tt.rule.Gains(ku, pu)

			kp := ku / tt.d[0]
			assert.InDelta(t, kp, g.Kp, 1e-12)
			assert.InDelta(t, kp/(pu/tt.d[1]), g.Ki, 1e-12)
			assert.InDelta(t, kp*(pu/tt.d[2]), g.Kd, 1e-12)
		})
	}
}

// TestControlType_Formulas tests the classic control type formulas
func TestControlType_Formulas(t *testing.T) {
	const ku, pu = 2.0, 10.0

	tests := []struct {
		ct         ControlType
		kp, ki, kd float64
	}{
		{ControlP, 1.0, 0, 0},
		{ControlPI, 0.9, 0.108, 0},
		{ControlPD, 1.6, 0, 2.0},
		{ControlClassicPID, 1.2, 0.24, 1.5},
		{ControlPessenIntegral, 1.4, 0.35, 2.1},
		{ControlSomeOvershoot, 0.66, 0.132, 2.2},
		{ControlNoOvershoot, 0.4, 0.08, 1.32},
	}

	for _, tt := range tests {
		t.Run(tt.ct.String(), func(t *testing.T) {
			g := tt.ct.Gains(ku, pu)

			assert.InDelta(t, tt.kp, g.Kp, 1e-9)
			assert.InDelta(t, tt.ki, g.Ki, 1e-9)
			assert.InDelta(t, tt.kd, g.Kd, 1e-9)
		})
	}
}

// TestParseRule tests rule name parsing
func TestParseRule(t *testing.T) {
	r, err := ParseRule(" Ziegler-Nichols ")
	require.NoError(t, err)
	assert.Equal(t, ZieglerNichols, r)

	r, err = ParseRule("brewing")
	require.NoError(t, err)
	assert.Equal(t, Brewing, r)

	_, err = ParseRule("cohen-coon")
	assert.Error(t, err)
}

// TestParseControlType tests control type name parsing
func TestParseControlType(t *testing.T) {
	c, err := ParseControlType("classic_pid")
	require.NoError(t, err)
	assert.Equal(t, ControlClassicPID, c)

	c, err = ParseControlType("PI")
	require.NoError(t, err)
	assert.Equal(t, ControlPI, c)

	_, err = ParseControlType("pid")
	assert.Error(t, err)
}
