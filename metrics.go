package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"multizone-controller/pkg/nesting"
	"multizone-controller/pkg/zone"
)

// Metrics holds all Prometheus metrics for the heating controller
type Metrics struct {
	// Zone metrics
	ZoneTemperature *prometheus.GaugeVec // Filtered zone temperature
	ZoneVelocity    *prometheus.GaugeVec // Temperature rate of change
	ZoneSetpoint    *prometheus.GaugeVec // Target temperature
	ZoneOutput      *prometheus.GaugeVec // Controller output
	ZoneDuty        *prometheus.GaugeVec // Output as a fraction of the range
	ValveOpening    *prometheus.GaugeVec // Commanded valve opening
	Autotuning      *prometheus.GaugeVec // 1 while a relay experiment runs

	// PID metrics
	PIDProportional *prometheus.GaugeVec // P term
	PIDIntegral     *prometheus.GaugeVec // I term
	PIDDerivative   *prometheus.GaugeVec // D term
	PIDError        *prometheus.GaugeVec // Current error

	// Master metrics
	MasterOn       prometheus.Gauge // Heat source status
	MasterOffset   prometheus.Gauge // Window start within the master period
	MasterDuration prometheus.Gauge // Window length
	LayoutLids     prometheus.Gauge // Number of lids in the layout
	LayoutImbal    prometheus.Gauge // Centroid deviation after rebalancing
	LayoutRebuilds prometheus.Counter

	// System metrics
	ErrorsTotal  *prometheus.CounterVec // Error counters
	LoopDuration prometheus.Histogram   // Control loop timing
}

// NewMetrics creates all metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	zoneGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "heating_controller_" + name, Help: help},
			[]string{"zone"},
		)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: "heating_controller_" + name, Help: help})
	}

	m := &Metrics{
		ZoneTemperature: zoneGauge("zone_temperature_celsius", "Zone temperature in Celsius"),
		ZoneVelocity:    zoneGauge("zone_temperature_velocity_celsius_per_hour", "Zone temperature rate of change"),
		ZoneSetpoint:    zoneGauge("zone_setpoint_celsius", "Zone target temperature in Celsius"),
		ZoneOutput:      zoneGauge("zone_output", "Zone controller output"),
		ZoneDuty:        zoneGauge("zone_duty_ratio", "Zone output as a fraction of its range"),
		ValveOpening:    zoneGauge("valve_opening_percent", "Commanded valve opening"),
		Autotuning:      zoneGauge("zone_autotuning", "Relay autotune status (1=running)"),

		PIDProportional: zoneGauge("pid_proportional", "PID proportional term"),
		PIDIntegral:     zoneGauge("pid_integral", "PID integral term"),
		PIDDerivative:   zoneGauge("pid_derivative", "PID derivative term"),
		PIDError:        zoneGauge("pid_error_celsius", "PID error in Celsius"),

		MasterOn:       gauge("master_on", "Master heat source status (1=on)"),
		MasterOffset:   gauge("master_window_offset_seconds", "Master window start within its period"),
		MasterDuration: gauge("master_window_duration_seconds", "Master window length"),
		LayoutLids:     gauge("layout_lids", "Number of lids in the nesting layout"),
		LayoutImbal:    gauge("layout_imbalance_ratio", "Load centroid deviation of the nesting layout"),
		LayoutRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heating_controller_layout_rebuilds_total",
			Help: "Total number of full nesting passes",
		}),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heating_controller_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),
		LoopDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "heating_controller_loop_duration_seconds",
				Help:    "Control loop execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
			},
		),
	}

	// Register all metrics
	reg.MustRegister(
		m.ZoneTemperature,
		m.ZoneVelocity,
		m.ZoneSetpoint,
		m.ZoneOutput,
		m.ZoneDuty,
		m.ValveOpening,
		m.Autotuning,
		m.PIDProportional,
		m.PIDIntegral,
		m.PIDDerivative,
		m.PIDError,
		m.MasterOn,
		m.MasterOffset,
		m.MasterDuration,
		m.LayoutLids,
		m.LayoutImbal,
		m.LayoutRebuilds,
		m.ErrorsTotal,
		m.LoopDuration,
	)

	return m
}

// UpdateZone records the state of one zone
func (m *Metrics) UpdateZone(z *zone.Controller, setpoint float64, valve int) {
	id := z.ID()
	m.ZoneTemperature.WithLabelValues(id).Set(z.Temperature())
	m.ZoneVelocity.WithLabelValues(id).Set(z.Velocity() * 3600)
	m.ZoneSetpoint.WithLabelValues(id).Set(setpoint)
	m.ZoneOutput.WithLabelValues(id).Set(z.Output())
	m.ZoneDuty.WithLabelValues(id).Set(z.DutyCycle())
	m.ValveOpening.WithLabelValues(id).Set(float64(valve))

	tuning := 0.0
	if z.Autotuning() {
		tuning = 1
	}
	m.Autotuning.WithLabelValues(id).Set(tuning)

	terms := z.Terms()
	m.PIDProportional.WithLabelValues(id).Set(terms.P)
	m.PIDIntegral.WithLabelValues(id).Set(terms.I)
	m.PIDDerivative.WithLabelValues(id).Set(terms.D)
	m.PIDError.WithLabelValues(id).Set(terms.Error)
}

// UpdateMaster records the master window and layout shape
func (m *Metrics) UpdateMaster(plan zone.MasterPlan, layout nesting.LayoutInfo, on bool) {
	state := 0.0
	if on {
		state = 1
	}
	m.MasterOn.Set(state)
	m.MasterOffset.Set(plan.Output.Offset.Seconds())
	m.MasterDuration.Set(plan.Output.Duration.Seconds())
	m.LayoutLids.Set(float64(len(layout.Lids)))
	m.LayoutImbal.Set(layout.Imbalance)
}

// RecordError increments the error counter for the specified type
func (m *Metrics) RecordError(errorType string) {
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	LastLoop  time.Time `json:"last_loop,omitempty"`
}

// ZoneStatus is the reported state of one zone
type ZoneStatus struct {
	ID          string   `json:"id"`
	Mode        string   `json:"mode"`
	Active      bool     `json:"active"`
	Temperature *float64 `json:"temperature"` // Null until the first sample
	Velocity    float64  `json:"velocity_per_hour"`
	Setpoint    float64  `json:"setpoint"`
	Output      float64  `json:"output"`
	Duty        float64  `json:"duty"`
	Valve       int      `json:"valve"`
	Offset      string   `json:"offset"`
	OnTime      string   `json:"on_time"`
	Autotune    string   `json:"autotune"`
	Kp          float64  `json:"kp"`
	Ki          float64  `json:"ki"`
	Kd          float64  `json:"kd"`
}

// MasterStatus is the reported state of the master
type MasterStatus struct {
	On       bool               `json:"on"`
	Mode     string             `json:"mode"`
	Offset   string             `json:"offset"`
	Duration string             `json:"duration"`
	Layout   nesting.LayoutInfo `json:"layout"`
}

// Snapshot is the state published by the control loop
type Snapshot struct {
	Timestamp time.Time    `json:"timestamp"`
	Zones     []ZoneStatus `json:"zones"`
	Master    MasterStatus `json:"master"`
}

// statusStore shares the latest snapshot between the control loop and
// the HTTP handlers
type statusStore struct {
	mu      sync.RWMutex
	snap    Snapshot
	started time.Time
}

func newStatusStore() *statusStore {
	return &statusStore{started: time.Now()}
}

func (s *statusStore) publish(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

func (s *statusStore) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// newRouter builds the status API
func newRouter(status *statusStore, gatherer prometheus.Gatherer, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/health", healthHandler(status, logger)).Methods("GET")
	r.HandleFunc("/api/zones", zonesHandler(status, logger)).Methods("GET")
	r.HandleFunc("/api/zones/{id}", zoneHandler(status, logger)).Methods("GET")
	r.HandleFunc("/api/master", masterHandler(status, logger)).Methods("GET")
	return r
}

// newHandler wraps the router with request logging
func newHandler(status *statusStore, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	return handlers.LoggingHandler(accessLog{logger.With("component", "http")}, newRouter(status, gatherer, logger))
}

// StartMetricsServer starts the HTTP server for metrics and status
func StartMetricsServer(port int, status *statusStore, gatherer prometheus.Gatherer, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           newHandler(status, gatherer, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting metrics server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	return srv
}

// accessLog forwards request log lines to the daemon logger so they
// follow the configured level and output.
type accessLog struct {
	log *slog.Logger
}

func (a accessLog) Write(p []byte) (int, error) {
	a.log.Debug(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// finite drops values JSON cannot encode
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// healthHandler provides a health check endpoint
func healthHandler(status *statusStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := status.snapshot()
		writeJSON(w, logger, http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: time.Now(),
			Uptime:    time.Since(status.started).String(),
			LastLoop:  snap.Timestamp,
		})
	}
}

func zonesHandler(status *statusStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, status.snapshot().Zones)
	}
}

func zoneHandler(status *statusStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		for _, z := range status.snapshot().Zones {
			if z.ID == id {
				writeJSON(w, logger, http.StatusOK, z)
				return
			}
		}
		writeJSON(w, logger, http.StatusNotFound, map[string]string{"error": "unknown zone " + id})
	}
}

func masterHandler(status *statusStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, status.snapshot().Master)
	}
}
