package autotune

import (
	"fmt"
	"strings"

	"multizone-controller/pkg/pid"
)

// Rule is a named tuning rule expressed as divisors of Ku and Pu.
type Rule int

const (
	ZieglerNichols Rule = iota
	TyreusLuyben
	CianconeMarlin
	PessenIntegral
	SomeOvershoot
	NoOvershoot
	Brewing
)

var ruleNames = map[Rule]string{
	ZieglerNichols: "ziegler-nichols",
	TyreusLuyben:   "tyreus-luyben",
	CianconeMarlin: "ciancone-marlin",
	PessenIntegral: "pessen-integral",
	SomeOvershoot:  "some-overshoot",
	NoOvershoot:    "no-overshoot",
	Brewing:        "brewing",
}

// divisors holds [Kp, Ki, Kd] divisors per rule.
var divisors = map[Rule][3]float64{
	ZieglerNichols: {34, 40, 160},
	TyreusLuyben:   {44, 9, 126},
	CianconeMarlin: {66, 88, 162},
	PessenIntegral: {28, 50, 133},
	SomeOvershoot:  {60, 40, 60},
	NoOvershoot:    {100, 40, 60},
	Brewing:        {2.5, 6, 380},
}

func (r Rule) String() string {
	if s, ok := ruleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Rule(%d)", int(r))
}

// ParseRule maps a rule name to a Rule.
func ParseRule(s string) (Rule, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range ruleNames {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown tuning rule %q", s)
}

// Gains derives PID gains from the ultimate gain and period.
func (r Rule) Gains(ku, pu float64) pid.Gains {
	d := divisors[r]
	kp := ku / d[0]
	return pid.Gains{
		Kp: kp,
		Ki: kp / (pu / d[1]),
		Kd: kp * (pu / d[2]),
	}
}

// ControlType selects one of the classic Ziegler-Nichols formulas.
type ControlType int

const (
	ControlP ControlType = iota
	ControlPI
	ControlPD
	ControlClassicPID
	ControlPessenIntegral
	ControlSomeOvershoot
	ControlNoOvershoot
)

var controlTypeNames = map[ControlType]string{
	ControlP:              "p",
	ControlPI:             "pi",
	ControlPD:             "pd",
	ControlClassicPID:     "classic_pid",
	ControlPessenIntegral: "pessen_integral_rule",
	ControlSomeOvershoot:  "some_overshoot",
	ControlNoOvershoot:    "no_overshoot",
}

func (c ControlType) String() string {
	if s, ok := controlTypeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ControlType(%d)", int(c))
}

// ParseControlType maps a control type name to a ControlType.
func ParseControlType(s string) (ControlType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range controlTypeNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown control type %q", s)
}

// Gains derives PID gains from the ultimate gain and period.
func (c ControlType) Gains(ku, pu float64) pid.Gains {
	switch c {
	case ControlP:
		return pid.Gains{Kp: 0.5 * ku}
	case ControlPI:
		return pid.Gains{Kp: 0.45 * ku, Ki: 0.54 * ku / pu}
	case ControlPD:
		return pid.Gains{Kp: 0.8 * ku, Kd: 0.10 * ku * pu}
	case ControlPessenIntegral:
		return pid.Gains{Kp: 0.7 * ku, Ki: 1.75 * ku / pu, Kd: 0.105 * ku * pu}
	case ControlSomeOvershoot:
		return pid.Gains{Kp: 0.33 * ku, Ki: 0.66 * ku / pu, Kd: 0.11 * ku * pu}
	case ControlNoOvershoot:
		return pid.Gains{Kp: 0.2 * ku, Ki: 0.4 * ku / pu, Kd: 0.066 * ku * pu}
	default:
		return pid.Gains{Kp: 0.6 * ku, Ki: 1.2 * ku / pu, Kd: 0.075 * ku * pu}
	}
}
