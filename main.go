package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"multizone-controller/pkg/nesting"
	"multizone-controller/pkg/zone"
)

var (
	// CLI flags
	configPath = flag.String("config", "/config/config.yaml", "Path to configuration file")
	dryRun     = flag.Bool("dry-run", false, "Run in dry-run mode (no actuator commands)")
	simulate   = flag.Bool("simulate", false, "Use the built-in room model instead of sensors and valves")
	logLevel   = flag.String("log-level", "", "Override log level (debug, info, warn, error)")
)

// maxActuatorFailures consecutive failures switch the master off
const maxActuatorFailures = 5

func main() {
	flag.Parse()

	// Load configuration
	config, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Override log level if specified
	if *logLevel != "" {
		config.Server.LogLevel = *logLevel
	}
	level, err := parseLogLevel(config.Server.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	logger.Info("starting heating controller", "config", *configPath, "zones", len(config.Zones),
		"dry_run", *dryRun, "simulate", *simulate)

	var (
		source   TemperatureSource
		actuator Actuator
	)
	if *simulate {
		rooms := newSimulatedRooms(config.Simulation, config.Zones, time.Now)
		source, actuator = rooms, rooms
	} else {
		source = newSysfsSensors(config.Zones)
		actuator = newCommandActuator(config.Valves, *dryRun, logger)
	}

	// Initialize metrics and the status server
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	status := newStatusStore()
	srv := StartMetricsServer(config.Server.MetricsPort, status, reg, logger)

	d, err := newDaemon(config, source, actuator, metrics, status, time.Now, logger)
	if err != nil {
		log.Fatalf("Failed to initialize controller: %v", err)
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d.run(ctx)

	logger.Info("received shutdown signal, closing valves")
	d.shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", "error", err)
	}
	logger.Info("heating controller stopped")
}

// daemon owns every zone, the master and the I/O around them. All methods
// run on the control loop goroutine.
type daemon struct {
	cfg       *Config
	zones     []*zone.Controller
	setpoints map[string]float64
	master    *zone.Master

	source   TemperatureSource
	actuator Actuator
	metrics  *Metrics
	status   *statusStore
	clock    func() time.Time
	log      *slog.Logger

	cycleStart time.Time
	plan       zone.MasterPlan
	valves     map[string]int
	masterOn   bool

	consecutiveFailures int
}

func newDaemon(
	cfg *Config,
	source TemperatureSource,
	actuator Actuator,
	metrics *Metrics,
	status *statusStore,
	clock func() time.Time,
	logger *slog.Logger,
) (*daemon, error) {
	scfg, err := cfg.Master.schedulerConfig(logger)
	if err != nil {
		return nil, err
	}
	sched, err := nesting.New(scfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	d := &daemon{
		cfg:       cfg,
		setpoints: make(map[string]float64, len(cfg.Zones)),
		master:    zone.NewMaster(sched, logger),
		source:    source,
		actuator:  actuator,
		metrics:   metrics,
		status:    status,
		clock:     clock,
		log:       logger.With("component", "daemon"),
		valves:    make(map[string]int, len(cfg.Zones)),
	}

	for _, zc := range cfg.Zones {
		ccfg, err := zc.controllerConfig(cfg.Control.PollInterval, logger)
		if err != nil {
			return nil, err
		}
		ccfg.Clock = clock

		z, err := zone.New(ccfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create zone %s: %w", zc.ID, err)
		}
		if zc.Autotune.Start {
			if err := z.StartAutotune(zc.Setpoint); err != nil {
				d.log.Warn("autotune not started", "zone", zc.ID, "error", err)
			} else {
				d.log.Info("autotune started", "zone", zc.ID, "setpoint", zc.Setpoint)
			}
		}

		d.zones = append(d.zones, z)
		d.setpoints[zc.ID] = zc.Setpoint
		d.master.Add(z)
	}

	return d, nil
}

// run executes the control loop until ctx is cancelled
func (d *daemon) run(ctx context.Context) {
	d.log.Info("starting control loop", "interval", d.cfg.Control.PollInterval,
		"master_pwm", d.cfg.Master.PWM, "mode", d.cfg.Master.Mode)

	ticker := time.NewTicker(d.cfg.Control.PollInterval)
	defer ticker.Stop()

	d.step()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.step()
		}
	}
}

// step runs one control iteration
func (d *daemon) step() {
	loopStart := time.Now()
	now := d.clock()

	// Read temperatures and run every zone controller
	for _, z := range d.zones {
		temp, err := d.source.ReadTemperature(z.ID())
		if err != nil {
			d.log.Warn("failed to read temperature", "zone", z.ID(), "error", err)
			d.metrics.RecordError("sensor")
			temp = math.NaN()
		}
		z.Calculate(temp, d.setpoints[z.ID()], false)
	}

	// A new master period rebuilds the layout, otherwise it is adjusted
	full := d.cycleStart.IsZero() || now.Sub(d.cycleStart) >= d.master.Scheduler().MasterPWM()
	if full {
		d.cycleStart = now
		d.metrics.LayoutRebuilds.Inc()
	}
	plan, err := d.master.Schedule(full)
	if err != nil {
		d.metrics.RecordError("nesting")
	}
	d.plan = plan
	if full && d.log.Enabled(context.Background(), slog.LevelDebug) {
		d.log.Debug("nested layout\n" + d.master.Scheduler().Dump())
	}

	d.apply(now)

	layout := d.master.Scheduler().Layout()
	for _, z := range d.zones {
		d.metrics.UpdateZone(z, d.setpoints[z.ID()], d.valves[z.ID()])
	}
	d.metrics.UpdateMaster(plan, layout, d.masterOn)
	d.status.publish(d.snapshot(now, layout))
	d.metrics.LoopDuration.Observe(time.Since(loopStart).Seconds())

	d.log.Info("status", "layout", plan.Layout, "full", full, "master_on", d.masterOn,
		"window_offset", plan.Output.Offset, "window", plan.Output.Duration, "time", time.Since(loopStart))
}

// apply drives the valves and the master for the current plan
func (d *daemon) apply(now time.Time) {
	failed := false

	for _, z := range d.zones {
		percent := d.valvePosition(z, now)
		if err := d.actuator.SetValve(z.ID(), percent); err != nil {
			d.log.Error("failed to set valve", "zone", z.ID(), "percent", percent, "error", err)
			d.metrics.RecordError("valve")
			failed = true
			continue
		}
		d.valves[z.ID()] = percent
	}

	out := d.plan.Output
	on := out.On() && windowOpen(now, d.cycleStart, out.Offset, out.Duration, d.master.Scheduler().MasterPWM())
	if err := d.actuator.SetMaster(on); err != nil {
		d.log.Error("failed to switch master", "on", on, "error", err)
		d.metrics.RecordError("master")
		failed = true
	} else {
		d.masterOn = on
	}

	if !failed {
		d.consecutiveFailures = 0
		return
	}
	d.consecutiveFailures++
	if d.consecutiveFailures >= maxActuatorFailures {
		d.log.Error("too many actuator failures, switching master off", "failures", d.consecutiveFailures)
		if err := d.actuator.SetMaster(false); err != nil {
			d.log.Error("critical: failed to switch master off", "error", err)
		} else {
			d.masterOn = false
		}
	}
}

// valvePosition returns the opening of a zone valve at now. Discrete
// valves follow their nested window, proportional valves their duty.
func (d *daemon) valvePosition(z *zone.Controller, now time.Time) int {
	var demand nesting.ZoneDemand
	for _, dm := range d.plan.Demands {
		if dm.ID == z.ID() {
			demand = dm
			break
		}
	}

	if demand.Proportional() {
		return int(math.Round(z.DutyCycle() * 100))
	}
	offset, ok := d.plan.Offsets[z.ID()]
	if !ok || !windowOpen(now, d.cycleStart, offset, demand.OnTime, demand.PWM) {
		return 0
	}
	return 100
}

// windowOpen reports whether the window [offset, offset+on) repeating every
// period from start covers now.
func windowOpen(now, start time.Time, offset, on, period time.Duration) bool {
	if on <= 0 || period <= 0 {
		return false
	}
	elapsed := now.Sub(start) - offset
	if elapsed < 0 {
		return false
	}
	return elapsed%period < on
}

// snapshot collects the reported state of every zone and the master
func (d *daemon) snapshot(now time.Time, layout nesting.LayoutInfo) Snapshot {
	snap := Snapshot{
		Timestamp: now,
		Master: MasterStatus{
			On:       d.masterOn,
			Mode:     d.master.Scheduler().Mode().String(),
			Offset:   d.plan.Output.Offset.String(),
			Duration: d.plan.Output.Duration.String(),
			Layout:   layout,
		},
	}

	onTimes := make(map[string]time.Duration, len(d.plan.Demands))
	for _, dm := range d.plan.Demands {
		onTimes[dm.ID] = dm.OnTime
	}

	for _, z := range d.zones {
		g := z.Gains()
		snap.Zones = append(snap.Zones, ZoneStatus{
			ID:          z.ID(),
			Mode:        z.Mode().String(),
			Active:      z.Active(),
			Temperature: finite(z.Temperature()),
			Velocity:    z.Velocity() * 3600,
			Setpoint:    d.setpoints[z.ID()],
			Output:      z.Output(),
			Duty:        z.DutyCycle(),
			Valve:       d.valves[z.ID()],
			Offset:      d.plan.Offsets[z.ID()].String(),
			OnTime:      onTimes[z.ID()].String(),
			Autotune:    z.AutotuneState().String(),
			Kp:          g.Kp,
			Ki:          g.Ki,
			Kd:          g.Kd,
		})
	}
	return snap
}

// shutdown closes every valve and switches the master off
func (d *daemon) shutdown() {
	if err := d.actuator.SetMaster(false); err != nil {
		d.log.Warn("failed to switch master off during shutdown", "error", err)
	}
	for _, z := range d.zones {
		if err := d.actuator.SetValve(z.ID(), 0); err != nil {
			d.log.Warn("failed to close valve during shutdown", "zone", z.ID(), "error", err)
		}
	}
}
