package main

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

// Actuator drives zone valves and the master heat source.
type Actuator interface {
	SetValve(zoneID string, percent int) error
	SetMaster(on bool) error
}

// commandActuator runs an external command for every change:
//
//	<command> valve <zone> <percent>
//	<command> master <0|1>
//
// Unchanged positions are not sent again.
type commandActuator struct {
	command string
	retries int
	delay   time.Duration
	dryRun  bool
	log     *slog.Logger

	valves map[string]int
	master *bool

	// run executes one attempt; replaced in tests
	run   func(name string, args ...string) ([]byte, error)
	sleep func(time.Duration)
}

func newCommandActuator(cfg ValveConfig, dryRun bool, logger *slog.Logger) *commandActuator {
	return &commandActuator{
		command: cfg.Command,
		retries: cfg.Retries,
		delay:   cfg.RetryDelay,
		dryRun:  dryRun,
		log:     logger.With("component", "valves"),
		valves:  make(map[string]int),
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		},
		sleep: time.Sleep,
	}
}

// SetValve sets the opening of a zone valve (0-100%)
func (a *commandActuator) SetValve(zoneID string, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("valve opening must be between 0-100, got %d", percent)
	}
	if last, ok := a.valves[zoneID]; ok && last == percent {
		return nil
	}
	if err := a.exec("valve", zoneID, strconv.Itoa(percent)); err != nil {
		return fmt.Errorf("valve %s: %w", zoneID, err)
	}
	a.valves[zoneID] = percent
	return nil
}

// SetMaster switches the master heat source
func (a *commandActuator) SetMaster(on bool) error {
	if a.master != nil && *a.master == on {
		return nil
	}
	state := "0"
	if on {
		state = "1"
	}
	if err := a.exec("master", state); err != nil {
		return fmt.Errorf("master: %w", err)
	}
	a.master = &on
	return nil
}

// exec runs the command with retries
func (a *commandActuator) exec(args ...string) error {
	if a.dryRun || a.command == "" {
		a.log.Info("dry-run: actuator command skipped", "args", args)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= a.retries; attempt++ {
		output, err := a.run(a.command, args...)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("attempt %d failed: %v, output: %s", attempt, err, string(output))

		if attempt < a.retries {
			a.log.Warn("actuator command failed, retrying", "delay", a.delay, "error", lastErr)
			a.sleep(a.delay)
		}
	}

	return fmt.Errorf("actuator command failed after %d attempts: %w", a.retries, lastErr)
}
