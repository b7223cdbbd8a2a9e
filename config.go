package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"multizone-controller/pkg/autotune"
	"multizone-controller/pkg/nesting"
	"multizone-controller/pkg/pid"
	"multizone-controller/pkg/zone"
)

// Config represents the complete configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Control    ControlConfig    `yaml:"control"`
	Master     MasterConfig     `yaml:"master"`
	Valves     ValveConfig      `yaml:"valves"`
	Zones      []ZoneConfig     `yaml:"zones"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// ServerConfig contains server-related settings
type ServerConfig struct {
	MetricsPort int    `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
}

// ControlConfig contains the control loop timing
type ControlConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"` // How often zones are sampled
}

// MasterConfig describes the shared heat source and how zones are nested on it
type MasterConfig struct {
	PWM           time.Duration `yaml:"pwm"`             // Master period
	Mode          string        `yaml:"mode"`            // continuous, balanced or minimum_on
	Resolution    int           `yaml:"resolution"`      // Columns per master period
	MinOnTime     time.Duration `yaml:"min_on_time"`     // Shortest burner run
	MinOffTime    time.Duration `yaml:"min_off_time"`    // Shortest burner pause
	MinLoad       float64       `yaml:"min_load"`        // Below this the master stays off (minimum_on)
	Dominance     float64       `yaml:"dominance"`       // Largest window share of one zone (balanced)
	Tolerance     float64       `yaml:"tolerance"`       // Accepted centroid deviation
	MaxSearchLids int           `yaml:"max_search_lids"` // Exhaustive rebalance limit
}

// ValveConfig contains the actuator command settings
type ValveConfig struct {
	Command    string        `yaml:"command"`     // Executable called as: command valve <zone> <percent>
	Retries    int           `yaml:"retries"`     // Attempts per command
	RetryDelay time.Duration `yaml:"retry_delay"` // Pause between attempts
}

// ZoneConfig describes one heated zone
type ZoneConfig struct {
	ID            string        `yaml:"id"`
	Sensor        string        `yaml:"sensor"`   // File holding millidegrees, ignored when simulating
	Setpoint      float64       `yaml:"setpoint"` // Target temperature (°C)
	Area          float64       `yaml:"area"`     // Floor area, used as nesting weight
	PWM           time.Duration `yaml:"pwm"`      // Zero for proportional valves
	DiscreteValve bool          `yaml:"discrete_valve"`
	Mode          string        `yaml:"mode"` // pid or on_off

	Preset string   `yaml:"preset"` // radiator, floor or air
	Kp     *float64 `yaml:"kp"`     // Overrides the preset when set
	Ki     *float64 `yaml:"ki"`
	Kd     *float64 `yaml:"kd"`

	SampleInterval      time.Duration `yaml:"sample_interval"`
	OutputMin           float64       `yaml:"output_min"`
	OutputMax           float64       `yaml:"output_max"`
	WindupGuard         float64       `yaml:"windup_guard"`
	WindowOpenThreshold *float64      `yaml:"window_open_threshold"` // K/h, negative
	Hysteresis          float64       `yaml:"hysteresis"`            // On-off band (°C)

	Filter   FilterSettings   `yaml:"filter"`
	Autotune AutotuneSettings `yaml:"autotune"`
}

// FilterSettings enables the temperature filter of a zone
type FilterSettings struct {
	Enabled        bool    `yaml:"enabled"`
	Aggressiveness float64 `yaml:"aggressiveness"`
}

// AutotuneSettings configures the relay experiment of a zone
type AutotuneSettings struct {
	Start       bool          `yaml:"start"`        // Run at startup
	Rule        string        `yaml:"rule"`         // Tuning rule, wins over control_type
	ControlType string        `yaml:"control_type"` // p, pi, pd, classic_pid, ...
	Lookback    time.Duration `yaml:"lookback"`
	Noiseband   float64       `yaml:"noiseband"`
	OutStep     float64       `yaml:"out_step"`
}

// SimulationConfig drives the built-in room model used with -simulate
type SimulationConfig struct {
	Outdoor  float64 `yaml:"outdoor"`   // Outdoor temperature (°C)
	Initial  float64 `yaml:"initial"`   // Starting room temperature (°C)
	HeatGain float64 `yaml:"heat_gain"` // Heating rate at full output (K/h)
	LossRate float64 `yaml:"loss_rate"` // Fraction of the indoor/outdoor gap lost per hour
}

// LoadConfig loads and parses the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Set defaults for any missing values
	setDefaults(&config)

	// Validate the configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for any missing configuration fields
func setDefaults(config *Config) {
	if config.Server.MetricsPort == 0 {
		config.Server.MetricsPort = 9090
	}
	if config.Server.LogLevel == "" {
		config.Server.LogLevel = "info"
	}
	if config.Control.PollInterval == 0 {
		config.Control.PollInterval = 30 * time.Second
	}
	if config.Master.PWM == 0 {
		config.Master.PWM = 20 * time.Minute
	}
	if config.Master.Mode == "" {
		config.Master.Mode = nesting.Continuous.String()
	}
	if config.Master.Resolution == 0 {
		config.Master.Resolution = nesting.DefaultResolution
	}
	if config.Master.Dominance == 0 {
		config.Master.Dominance = nesting.DefaultDominance
	}
	if config.Master.Tolerance == 0 {
		config.Master.Tolerance = nesting.DefaultTolerance
	}
	if config.Master.MaxSearchLids == 0 {
		config.Master.MaxSearchLids = nesting.DefaultMaxSearchLids
	}
	if config.Valves.Retries == 0 {
		config.Valves.Retries = 3
	}
	if config.Valves.RetryDelay == 0 {
		config.Valves.RetryDelay = 2 * time.Second
	}
	if config.Simulation.Outdoor == 0 {
		config.Simulation.Outdoor = 5.0
	}
	if config.Simulation.Initial == 0 {
		config.Simulation.Initial = 17.0
	}
	if config.Simulation.HeatGain == 0 {
		config.Simulation.HeatGain = 4.0
	}
	if config.Simulation.LossRate == 0 {
		config.Simulation.LossRate = 0.1
	}

	for i := range config.Zones {
		z := &config.Zones[i]
		if z.Mode == "" {
			z.Mode = zone.ModePID.String()
		}
		if z.Preset == "" {
			z.Preset = string(pid.PresetRadiator)
		}
		if z.Area == 0 {
			z.Area = 1
		}
		if z.SampleInterval == 0 {
			z.SampleInterval = config.Control.PollInterval
		}
		if z.OutputMax == 0 {
			z.OutputMax = 100
		}
		if z.WindupGuard == 0 {
			z.WindupGuard = 1
		}
		if z.Hysteresis == 0 {
			z.Hysteresis = 0.3
		}
		if z.Filter.Enabled && z.Filter.Aggressiveness == 0 {
			z.Filter.Aggressiveness = 1
		}
		if z.Autotune.Lookback == 0 {
			z.Autotune.Lookback = 30 * time.Minute
		}
		if z.Autotune.Noiseband == 0 {
			z.Autotune.Noiseband = 0.5
		}
		if z.Autotune.Rule == "" && z.Autotune.ControlType == "" {
			z.Autotune.Rule = autotune.ZieglerNichols.String()
		}
	}
}

// Validate checks all configuration values for logical consistency
func (c *Config) Validate() error {
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port must be between 0-65535, got %d", c.Server.MetricsPort)
	}
	if _, err := parseLogLevel(c.Server.LogLevel); err != nil {
		return err
	}
	if c.Control.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.Control.PollInterval)
	}
	if c.Valves.Retries < 1 {
		return fmt.Errorf("valves.retries must be at least 1, got %d", c.Valves.Retries)
	}
	if c.Simulation.HeatGain < 0 || c.Simulation.LossRate < 0 {
		return fmt.Errorf("simulation heat_gain and loss_rate must not be negative")
	}

	// The scheduler performs the detailed master checks
	if _, err := c.Master.schedulerConfig(nil); err != nil {
		return err
	}

	if len(c.Zones) == 0 {
		return fmt.Errorf("at least one zone must be configured")
	}
	seen := make(map[string]bool, len(c.Zones))
	for _, z := range c.Zones {
		if z.ID == "" {
			return fmt.Errorf("every zone needs an id")
		}
		if seen[z.ID] {
			return fmt.Errorf("duplicate zone id %q", z.ID)
		}
		seen[z.ID] = true

		if z.Setpoint < 5 || z.Setpoint > 35 {
			return fmt.Errorf("zone %s: setpoint (%.1f) must be between 5-35", z.ID, z.Setpoint)
		}
		if z.OutputMin >= z.OutputMax {
			return fmt.Errorf("zone %s: output_min (%.1f) must be less than output_max (%.1f)",
				z.ID, z.OutputMin, z.OutputMax)
		}
		if z.WindowOpenThreshold != nil && *z.WindowOpenThreshold >= 0 {
			return fmt.Errorf("zone %s: window_open_threshold must be negative, got %.2f",
				z.ID, *z.WindowOpenThreshold)
		}
		if _, err := z.controllerConfig(c.Control.PollInterval, nil); err != nil {
			return err
		}
	}

	return nil
}

// schedulerConfig converts the master section into a scheduler configuration.
func (m MasterConfig) schedulerConfig(logger *slog.Logger) (nesting.Config, error) {
	mode, err := nesting.ParseMode(m.Mode)
	if err != nil {
		return nesting.Config{}, fmt.Errorf("master: %w", err)
	}
	cfg := nesting.Config{
		Resolution:    m.Resolution,
		MasterPWM:     m.PWM,
		Mode:          mode,
		MinOnTime:     m.MinOnTime,
		MinOffTime:    m.MinOffTime,
		MinLoad:       m.MinLoad,
		Dominance:     m.Dominance,
		Tolerance:     m.Tolerance,
		MaxSearchLids: m.MaxSearchLids,
		Logger:        logger,
	}
	if _, err := nesting.New(cfg); err != nil {
		return nesting.Config{}, fmt.Errorf("master: %w", err)
	}
	return cfg, nil
}

// gains resolves the preset and any explicit overrides.
func (z ZoneConfig) gains() (pid.Gains, error) {
	g, err := pid.PresetGains(pid.Preset(strings.ToLower(z.Preset)))
	if err != nil {
		return pid.Gains{}, err
	}
	if z.Kp != nil {
		g.Kp = *z.Kp
	}
	if z.Ki != nil {
		g.Ki = *z.Ki
	}
	if z.Kd != nil {
		g.Kd = *z.Kd
	}
	return g, nil
}

// controllerConfig converts a zone section into a controller configuration.
// The filter expects samples every poll interval.
func (z ZoneConfig) controllerConfig(poll time.Duration, logger *slog.Logger) (zone.Config, error) {
	mode, err := zone.ParseMode(z.Mode)
	if err != nil {
		return zone.Config{}, fmt.Errorf("zone %s: %w", z.ID, err)
	}
	gains, err := z.gains()
	if err != nil {
		return zone.Config{}, fmt.Errorf("zone %s: %w", z.ID, err)
	}

	cfg := zone.Config{
		ID:            z.ID,
		Area:          z.Area,
		PWM:           z.PWM,
		DiscreteValve: z.DiscreteValve,
		Mode:          mode,
		PID: pid.Config{
			SampleInterval: z.SampleInterval,
			Gains:          gains,
			OutMin:         z.OutputMin,
			OutMax:         z.OutputMax,
			WindupGuard:    z.WindupGuard,
		},
		Hysteresis: z.Hysteresis,
		Logger:     logger,
	}

	if z.WindowOpenThreshold != nil {
		// K/h to K/s
		perSecond := *z.WindowOpenThreshold / 3600
		cfg.PID.WindowOpenThreshold = &perSecond
	}

	if z.Filter.Enabled {
		cfg.Filter = &zone.FilterConfig{
			Aggressiveness: z.Filter.Aggressiveness,
			Interval:       poll,
		}
	}

	at := &zone.AutotuneConfig{
		OutStep:   z.Autotune.OutStep,
		Lookback:  z.Autotune.Lookback,
		Noiseband: z.Autotune.Noiseband,
	}
	if z.Autotune.Rule != "" {
		rule, err := autotune.ParseRule(z.Autotune.Rule)
		if err != nil {
			return zone.Config{}, fmt.Errorf("zone %s: %w", z.ID, err)
		}
		at.Rule, at.UseRule = rule, true
	} else {
		ct, err := autotune.ParseControlType(z.Autotune.ControlType)
		if err != nil {
			return zone.Config{}, fmt.Errorf("zone %s: %w", z.ID, err)
		}
		at.ControlType = ct
	}
	cfg.Autotune = at

	// Construct once so configuration errors surface at load time
	if _, err := zone.New(cfg); err != nil {
		return zone.Config{}, err
	}
	return cfg, nil
}

// parseLogLevel maps the configured level name to a slog level.
func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", s)
}
