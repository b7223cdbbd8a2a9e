// Package nesting time-shares one master (a boiler, a pump) between zones.
//
// Every zone requests an on-time within its PWM period. Demands are
// normalized to a fixed number of columns per master period and packed as
// area×time rectangles into one or more grids ("lids") so that the master
// window covers every request while the load stays spread over the cycle.
// Each zone then gets the offset at which to open its valve.
package nesting

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

var (
	// ErrInvalidConfig is returned when a scheduler cannot be built from its config.
	ErrInvalidConfig = errors.New("invalid nesting configuration")
	// ErrPlacement is returned when a grid operation would leave the lid
	// bounds or overlap another zone.
	ErrPlacement = errors.New("invalid placement")
)

const (
	DefaultResolution    = 1000
	DefaultDominance     = 0.5
	DefaultTolerance     = 0.05
	DefaultMaxSearchLids = 10

	// maxSearchLids bounds the exhaustive rebalance at 2^20 arrangements.
	maxSearchLids = 20
)

// Config describes one master.
type Config struct {
	Resolution int           // Columns per master PWM period
	MasterPWM  time.Duration // Master period
	Mode       Mode

	MinOnTime  time.Duration
	MinOffTime time.Duration
	MinLoad    float64 // Minimum average load, fraction of the total area (MinimumOn)
	Dominance  float64 // Largest share of the window one zone may take (Balanced)

	Tolerance     float64 // Accepted centroid deviation after rebalancing
	MaxSearchLids int     // Above this many lids the rebalance is greedy

	Logger *slog.Logger
}

// MasterOutput is the master's on window within its PWM period.
type MasterOutput struct {
	Start    int // First column
	End      int // Column after the last one
	Offset   time.Duration
	Duration time.Duration
}

// On reports whether the master runs at all this cycle.
func (m MasterOutput) On() bool { return m.End > m.Start }

// Scheduler packs zone demands for one master. It is not safe for
// concurrent use; callers run at most one pass at a time.
type Scheduler struct {
	cfg    Config
	layout *layout
	log    *slog.Logger
}

// New creates a scheduler, filling defaults for zero values.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Resolution == 0 {
		cfg.Resolution = DefaultResolution
	}
	if cfg.Dominance == 0 {
		cfg.Dominance = DefaultDominance
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.MaxSearchLids == 0 {
		cfg.MaxSearchLids = DefaultMaxSearchLids
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	switch {
	case cfg.Resolution < 1:
		return nil, fmt.Errorf("%w: resolution must be positive, got %d", ErrInvalidConfig, cfg.Resolution)
	case cfg.MasterPWM <= 0:
		return nil, fmt.Errorf("%w: master pwm must be positive, got %v", ErrInvalidConfig, cfg.MasterPWM)
	case cfg.Mode < Continuous || cfg.Mode > MinimumOn:
		return nil, fmt.Errorf("%w: unknown mode %v", ErrInvalidConfig, cfg.Mode)
	case cfg.MinOnTime < 0 || cfg.MinOffTime < 0:
		return nil, fmt.Errorf("%w: minimum on/off times must not be negative", ErrInvalidConfig)
	case cfg.MinOnTime+cfg.MinOffTime > cfg.MasterPWM:
		return nil, fmt.Errorf("%w: minimum on (%v) and off (%v) times exceed the master pwm (%v)",
			ErrInvalidConfig, cfg.MinOnTime, cfg.MinOffTime, cfg.MasterPWM)
	case cfg.MinLoad < 0 || cfg.MinLoad > 1:
		return nil, fmt.Errorf("%w: minimum load must be in [0,1], got %.2f", ErrInvalidConfig, cfg.MinLoad)
	case cfg.Dominance <= 0 || cfg.Dominance > 1:
		return nil, fmt.Errorf("%w: dominance must be in (0,1], got %.2f", ErrInvalidConfig, cfg.Dominance)
	case cfg.Tolerance < 0:
		return nil, fmt.Errorf("%w: tolerance must not be negative, got %.3f", ErrInvalidConfig, cfg.Tolerance)
	case cfg.MaxSearchLids < 0 || cfg.MaxSearchLids > maxSearchLids:
		return nil, fmt.Errorf("%w: max search lids must be in [0,%d], got %d", ErrInvalidConfig, maxSearchLids, cfg.MaxSearchLids)
	}

	return &Scheduler{
		cfg:    cfg,
		layout: newLayout(),
		log:    cfg.Logger.With("component", "nesting"),
	}, nil
}

// Mode returns the configured master policy.
func (s *Scheduler) Mode() Mode { return s.cfg.Mode }

// MasterPWM returns the master period.
func (s *Scheduler) MasterPWM() time.Duration { return s.cfg.MasterPWM }

// split normalizes demands into packed and proportional shapes. A later
// demand for the same zone replaces an earlier one.
func (s *Scheduler) split(demands []ZoneDemand) (discrete, proportional []shape) {
	seen := make(map[string]int, len(demands))
	var all []shape
	for _, d := range demands {
		sh, ok := s.normalize(d)
		if !ok {
			continue
		}
		if i, dup := seen[sh.id]; dup {
			s.log.Warn("duplicate zone demand, keeping the last one", "zone", sh.id)
			all[i] = sh
			continue
		}
		seen[sh.id] = len(all)
		all = append(all, sh)
	}
	for _, sh := range all {
		if sh.proportional {
			proportional = append(proportional, sh)
		} else {
			discrete = append(discrete, sh)
		}
	}
	return discrete, proportional
}

// NestRooms replaces the layout with a full packing of demands. On error
// the previous layout is kept.
func (s *Scheduler) NestRooms(demands []ZoneDemand) error {
	discrete, proportional := s.split(demands)

	height := 0
	for _, sh := range discrete {
		height = max(height, sh.rows)
	}
	target, collapse := s.target(discrete, proportional, height)

	next := newLayout()
	for _, sh := range proportional {
		next.proportional[sh.id] = sh
	}
	if collapse {
		next.collapsed = true
		next.proportional = make(map[string]shape)
		s.layout = next
		s.log.Info("demand below minimum load, master stays off",
			"layout", next.id, "zones", len(discrete)+len(proportional))
		return nil
	}

	// largest areas are the hardest to fit around
	sort.SliceStable(discrete, func(i, j int) bool {
		if discrete[i].rows != discrete[j].rows {
			return discrete[i].rows > discrete[j].rows
		}
		return discrete[i].cols > discrete[j].cols
	})
	for _, sh := range discrete {
		if err := next.insert(sh, target, height); err != nil {
			s.log.Error("nesting failed, keeping previous layout", "layout", s.layout.id, "error", err)
			return err
		}
	}

	next.deviation = s.rebalance(next)
	s.layout = next

	out := s.MasterOutput()
	s.log.Info("zones nested",
		"layout", next.id,
		"lids", len(next.lids),
		"zones", len(next.zones),
		"proportional", len(next.proportional),
		"target", target,
		"imbalance", fmt.Sprintf("%.3f", next.deviation),
		"window_start", out.Start,
		"window_end", out.End)
	return nil
}

// CheckPWM adapts the current layout to changed demands mid-cycle. Zones
// without demand are removed and changed on-times are extended or truncated
// in place; a new zone, one that cannot change in place or a change of
// the minimum-load decision triggers a full NestRooms. On error the
// previous layout is kept.
func (s *Scheduler) CheckPWM(demands []ZoneDemand) error {
	discrete, proportional := s.split(demands)

	height := 0
	for _, sh := range discrete {
		height = max(height, sh.rows)
	}
	_, collapse := s.target(discrete, proportional, height)
	if collapse != s.layout.collapsed {
		s.log.Debug("minimum load decision changed, nesting again", "layout", s.layout.id, "collapse", collapse)
		return s.NestRooms(demands)
	}
	if collapse {
		return nil
	}

	next := s.layout.clone()

	wanted := make(map[string]shape, len(discrete))
	for _, sh := range discrete {
		wanted[sh.id] = sh
	}
	for _, id := range next.ids() {
		if _, ok := wanted[id]; !ok {
			next.remove(id)
			s.log.Debug("zone removed from layout", "layout", next.id, "zone", id)
		}
	}

	next.proportional = make(map[string]shape, len(proportional))
	for _, sh := range proportional {
		next.proportional[sh.id] = sh
	}

	for _, sh := range discrete {
		p, ok := next.zones[sh.id]
		if !ok || p.rows != sh.rows {
			s.log.Debug("zone cannot be updated in place, nesting again", "zone", sh.id)
			return s.NestRooms(demands)
		}
		p.pwm = sh.pwm
		err := next.resize(p, sh.cols)
		if errors.Is(err, errNoRoom) {
			s.log.Debug("zone cannot be resized in place, nesting again", "zone", sh.id, "cols", sh.cols)
			return s.NestRooms(demands)
		}
		if err != nil {
			s.log.Error("pwm check failed, keeping previous layout", "layout", s.layout.id, "zone", sh.id, "error", err)
			return err
		}
	}

	next.deviation = next.imbalance()
	s.layout = next
	return nil
}

// RemoveRoom clears a zone from the layout without moving the others.
// Lids left empty are dropped. It reports whether the zone was present.
func (s *Scheduler) RemoveRoom(id string) bool {
	_, prop := s.layout.proportional[id]
	removed := s.layout.remove(id) || prop
	if removed {
		s.log.Info("zone removed", "layout", s.layout.id, "zone", id, "lids", len(s.layout.lids))
	}
	return removed
}

// MasterOutput derives the master window from the current layout.
func (s *Scheduler) MasterOutput() MasterOutput {
	start, end := s.window()
	return MasterOutput{
		Start:    start,
		End:      end,
		Offset:   duration(start, s.cfg.Resolution, s.cfg.MasterPWM),
		Duration: duration(end-start, s.cfg.Resolution, s.cfg.MasterPWM),
	}
}

func (s *Scheduler) window() (int, int) {
	l := s.layout
	if l.collapsed {
		return 0, 0
	}
	res := s.cfg.Resolution

	start, end := res, 0
	for _, p := range l.zones {
		start = min(start, p.start())
		end = max(end, p.start()+p.cols)
	}
	if end == 0 {
		start = 0
	}

	// proportional zones hold their demand continuously
	need := 0
	for _, sh := range l.proportional {
		need = max(need, sh.cols)
	}
	if end > start || need > 0 {
		need = max(need, s.minOnCols())
	}
	if end-start < need {
		end = start + need
		if end > res {
			start = max(0, res-need)
			end = res
		}
	}

	start, end = max(start, 0), min(end, res)
	if end <= start {
		return 0, 0
	}
	if off := res - (end - start); off > 0 && off < s.minOffCols() {
		return 0, res
	}
	return start, end
}

// Offsets returns, per zone, the time within its own PWM period at which
// its valve opens. Proportional zones open with the master.
func (s *Scheduler) Offsets() map[string]time.Duration {
	start, _ := s.window()
	out := make(map[string]time.Duration, len(s.layout.zones)+len(s.layout.proportional))
	for id, p := range s.layout.zones {
		out[id] = duration(p.start(), s.cfg.Resolution, p.pwm)
	}
	for id, sh := range s.layout.proportional {
		out[id] = duration(start, s.cfg.Resolution, sh.pwm)
	}
	return out
}

// Placement is where one zone sits in the layout.
type Placement struct {
	Zone  string
	Lid   int
	Row   int
	Rows  int
	Start int // Physical first column
	Cols  int
}

// LidInfo describes one lid for reporting.
type LidInfo struct {
	Rows     int
	Cols     int
	Reversed bool
	Fill     float64 // Occupied share of the cells
	Zones    []Placement
}

// LayoutInfo is a read-only snapshot of the layout.
type LayoutInfo struct {
	ID           string
	Collapsed    bool
	Imbalance    float64
	Lids         []LidInfo
	Proportional []string
}

// Placement returns where zone id is packed.
func (s *Scheduler) Placement(id string) (Placement, bool) {
	p, ok := s.layout.zones[id]
	if !ok {
		return Placement{}, false
	}
	for i, ld := range s.layout.lids {
		if ld == p.lid {
			return Placement{Zone: id, Lid: i, Row: p.row, Rows: p.rows, Start: p.start(), Cols: p.cols}, true
		}
	}
	return Placement{}, false
}

// Layout returns a snapshot of the current layout.
func (s *Scheduler) Layout() LayoutInfo {
	l := s.layout
	info := LayoutInfo{
		ID:        l.id.String(),
		Collapsed: l.collapsed,
		Imbalance: l.deviation,
		Lids:      make([]LidInfo, len(l.lids)),
	}
	for i, ld := range l.lids {
		info.Lids[i] = LidInfo{
			Rows:     ld.rows,
			Cols:     ld.cols,
			Reversed: ld.reversed,
			Fill:     float64(ld.occupied()) / float64(len(ld.cells)),
		}
	}
	for _, id := range l.ids() {
		p, _ := s.Placement(id)
		info.Lids[p.Lid].Zones = append(info.Lids[p.Lid].Zones, p)
	}
	for id := range l.proportional {
		info.Proportional = append(info.Proportional, id)
	}
	sort.Strings(info.Proportional)
	return info
}

// Dump renders every lid for debug logs.
func (s *Scheduler) Dump() string {
	var out string
	for i, ld := range s.layout.lids {
		out += fmt.Sprintf("lid %d (%dx%d, reversed=%t)\n%s", i, ld.rows, ld.cols, ld.reversed, ld)
	}
	return out
}
