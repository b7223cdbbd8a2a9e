package zone

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"multizone-controller/pkg/nesting"
)

// MasterPlan is the outcome of one scheduling pass.
type MasterPlan struct {
	Layout  string
	Output  nesting.MasterOutput
	Offsets map[string]time.Duration
	Demands []nesting.ZoneDemand
}

// Master shares one actuator between its satellite zones.
type Master struct {
	sched *nesting.Scheduler
	zones []*Controller
	log   *slog.Logger
}

// NewMaster creates a master scheduling the given zones.
func NewMaster(sched *nesting.Scheduler, logger *slog.Logger, satellites ...*Controller) *Master {
	if logger == nil {
		logger = slog.Default()
	}
	return &Master{
		sched: sched,
		zones: slices.Clone(satellites),
		log:   logger.With("component", "master"),
	}
}

// Add attaches a satellite zone.
func (m *Master) Add(z *Controller) {
	m.zones = append(m.zones, z)
}

// Remove detaches a satellite and frees its place in the layout.
func (m *Master) Remove(id string) bool {
	for i, z := range m.zones {
		if z.ID() == id {
			m.zones = slices.Delete(slices.Clone(m.zones), i, i+1)
			m.sched.RemoveRoom(id)
			return true
		}
	}
	return false
}

// Zones returns a copy of the satellites.
func (m *Master) Zones() []*Controller { return slices.Clone(m.zones) }

// Demands collects every satellite's request for the next cycle.
func (m *Master) Demands() []nesting.ZoneDemand {
	out := make([]nesting.ZoneDemand, 0, len(m.zones))
	for _, z := range m.zones {
		d := z.Demand()
		if d.PWM <= 0 {
			d.OnTime = time.Duration(z.DutyCycle() * float64(m.sched.MasterPWM()))
		}
		out = append(out, d)
	}
	return out
}

// Schedule runs a full nesting pass at the start of a master cycle, or an
// incremental check mid-cycle. On error the plan reflects the layout that
// was kept.
func (m *Master) Schedule(full bool) (MasterPlan, error) {
	demands := m.Demands()

	var err error
	if full {
		err = m.sched.NestRooms(demands)
	} else {
		err = m.sched.CheckPWM(demands)
	}
	if err != nil {
		m.log.Error("scheduling failed, keeping previous layout", "full", full, "error", err)
		err = fmt.Errorf("scheduling %d zones: %w", len(demands), err)
	}

	return MasterPlan{
		Layout:  m.sched.Layout().ID,
		Output:  m.sched.MasterOutput(),
		Offsets: m.sched.Offsets(),
		Demands: demands,
	}, err
}

// Scheduler exposes the underlying scheduler for reporting.
func (m *Master) Scheduler() *nesting.Scheduler { return m.sched }
