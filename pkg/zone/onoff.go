package zone

// onOff is a bang-bang controller with a symmetric hysteresis band.
type onOff struct {
	hysteresis float64
	heating    bool
	low, high  float64
}

func (o *onOff) update(temp, target float64) float64 {
	// Turn on below target - hysteresis, off above target + hysteresis
	if o.heating && temp >= target+o.hysteresis {
		o.heating = false
	} else if !o.heating && temp <= target-o.hysteresis {
		o.heating = true
	}

	if o.heating {
		return o.high
	}
	return o.low
}
