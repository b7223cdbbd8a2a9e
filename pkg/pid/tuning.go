package pid

import "fmt"

// Preset names a set of starting gains for a kind of heat emitter.
type Preset string

const (
	PresetRadiator Preset = "radiator"
	PresetFloor    Preset = "floor"
	PresetAir      Preset = "air"
)

// presets are starting values in percent output per degree; they usually
// need refinement, either by hand or with an autotune run.
var presets = map[Preset]Gains{
	// Radiators react within minutes
	PresetRadiator: {Kp: 30.0, Ki: 0.01, Kd: 6000.0},
	// Slabs are slow and store a lot of heat, keep the integral small
	PresetFloor: {Kp: 20.0, Ki: 0.002, Kd: 30000.0},
	// Forced air reacts quickly and overshoots easily
	PresetAir: {Kp: 15.0, Ki: 0.02, Kd: 1500.0},
}

// PresetGains returns the starting gains for a preset.
func PresetGains(p Preset) (Gains, error) {
	g, ok := presets[p]
	if !ok {
		return Gains{}, fmt.Errorf("unknown pid preset %q", p)
	}
	return g, nil
}

// ValidateGains checks if the gains are reasonable for room temperature
// control and returns human readable warnings.
func ValidateGains(g Gains) []string {
	var warnings []string

	// Check for reasonable ranges
	if g.Kp < 0 || g.Kp > 200 {
		warnings = append(warnings, "Kp should typically be between 0-200")
	}

	if g.Ki < 0 || g.Ki > 1 {
		warnings = append(warnings, "Ki should typically be between 0-1")
	}

	if g.Kd < 0 || g.Kd > 100000 {
		warnings = append(warnings, "Kd should typically be between 0-100000")
	}

	// Check for potential oscillation
	if g.Kp > 100 && g.Ki > 0.1 {
		warnings = append(warnings, "High Kp with high Ki may cause oscillation")
	}

	return warnings
}
