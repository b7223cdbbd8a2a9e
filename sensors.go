package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TemperatureSource reads the current temperature of a zone in °C.
type TemperatureSource interface {
	ReadTemperature(zoneID string) (float64, error)
}

// sysfsSensors reads millidegree files such as hwmon temp*_input or
// 1-wire w1_slave temperature files. Sensor paths may be glob patterns,
// the first match is cached after the first successful lookup.
type sysfsSensors struct {
	mu       sync.Mutex
	patterns map[string]string
	resolved map[string]string
}

func newSysfsSensors(zones []ZoneConfig) *sysfsSensors {
	s := &sysfsSensors{
		patterns: make(map[string]string, len(zones)),
		resolved: make(map[string]string, len(zones)),
	}
	for _, z := range zones {
		s.patterns[z.ID] = z.Sensor
	}
	return s
}

// ReadTemperature reads the temperature of a zone
func (s *sysfsSensors) ReadTemperature(zoneID string) (float64, error) {
	path, err := s.path(zoneID)
	if err != nil {
		return 0, err
	}
	temp, err := readTempFromPath(path)
	if err != nil {
		// The device may have been renumbered, look it up again next time
		s.mu.Lock()
		delete(s.resolved, zoneID)
		s.mu.Unlock()
		return 0, err
	}
	return temp, nil
}

// path resolves and caches the sensor file of a zone
func (s *sysfsSensors) path(zoneID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.resolved[zoneID]; ok {
		return p, nil
	}
	pattern, ok := s.patterns[zoneID]
	if !ok || pattern == "" {
		return "", fmt.Errorf("no sensor configured for zone %s", zoneID)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid sensor pattern %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("sensor %s not found for zone %s", pattern, zoneID)
	}

	s.resolved[zoneID] = matches[0]
	return matches[0], nil
}

// readTempFromPath reads millidegrees from a sensor file. The last
// "t=" field is used when present (w1_slave format), otherwise the
// whole content.
func readTempFromPath(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read temperature from %s: %w", path, err)
	}

	text := strings.TrimSpace(string(data))
	if i := strings.LastIndex(text, "t="); i >= 0 {
		if strings.Contains(text, "crc=") && !strings.Contains(text, "YES") {
			return 0, fmt.Errorf("crc check failed for %s", path)
		}
		text = text[i+2:]
	}

	// Parse millidegrees and convert to degrees
	millidegrees, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse temperature from %s: %w", path, err)
	}

	return float64(millidegrees) / 1000.0, nil
}

// simulatedRooms is a first-order thermal model of every zone. It serves
// as both the temperature source and the actuator when running with
// -simulate. Heat only flows into a zone while its valve is open and the
// master is on.
type simulatedRooms struct {
	mu     sync.Mutex
	cfg    SimulationConfig
	temps  map[string]float64
	valves map[string]int
	master bool
	last   time.Time
	clock  func() time.Time
}

func newSimulatedRooms(cfg SimulationConfig, zones []ZoneConfig, clock func() time.Time) *simulatedRooms {
	if clock == nil {
		clock = time.Now
	}
	r := &simulatedRooms{
		cfg:    cfg,
		temps:  make(map[string]float64, len(zones)),
		valves: make(map[string]int, len(zones)),
		last:   clock(),
		clock:  clock,
	}
	for _, z := range zones {
		r.temps[z.ID] = cfg.Initial
	}
	return r
}

// advance integrates the model up to now
func (r *simulatedRooms) advance() {
	now := r.clock()
	hours := now.Sub(r.last).Hours()
	r.last = now
	if hours <= 0 {
		return
	}

	for id, t := range r.temps {
		heat := 0.0
		if r.master {
			heat = r.cfg.HeatGain * float64(r.valves[id]) / 100
		}
		// Exact solution of dT/dt = heat - loss*(T - outdoor) over the step
		eq := r.cfg.Outdoor
		if r.cfg.LossRate > 0 {
			eq += heat / r.cfg.LossRate
			r.temps[id] = eq + (t-eq)*math.Exp(-r.cfg.LossRate*hours)
		} else {
			r.temps[id] = t + heat*hours
		}
	}
}

// ReadTemperature returns the modelled temperature of a zone
func (r *simulatedRooms) ReadTemperature(zoneID string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.advance()
	t, ok := r.temps[zoneID]
	if !ok {
		return 0, fmt.Errorf("unknown simulated zone %s", zoneID)
	}
	return t, nil
}

// SetValve opens the valve of a zone to percent
func (r *simulatedRooms) SetValve(zoneID string, percent int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.temps[zoneID]; !ok {
		return fmt.Errorf("unknown simulated zone %s", zoneID)
	}
	r.advance()
	r.valves[zoneID] = percent
	return nil
}

// SetMaster switches the simulated heat source
func (r *simulatedRooms) SetMaster(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.advance()
	r.master = on
	return nil
}
