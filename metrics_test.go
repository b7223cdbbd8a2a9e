package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T) (http.Handler, *statusStore, *Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	status := newStatusStore()
	return newRouter(status, reg, discardLogger()), status, m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// TestHealthHandler tests the health endpoint
func TestHealthHandler(t *testing.T) {
	// Arrange
	h, status, _ := testRouter(t)
	last := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	status.publish(Snapshot{Timestamp: last})

	// Act
	rec := get(t, h, "/health")

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, last.Equal(resp.LastLoop))
}

// TestZonesHandler tests the zone listing and lookup
func TestZonesHandler(t *testing.T) {
	// Arrange
	h, status, _ := testRouter(t)
	temp := 20.5
	status.publish(Snapshot{Zones: []ZoneStatus{
		{ID: "living", Temperature: &temp, Valve: 100},
		{ID: "bath"},
	}})

	// Act
	list := get(t, h, "/api/zones")
	one := get(t, h, "/api/zones/living")
	missing := get(t, h, "/api/zones/garage")

	// Assert
	require.Equal(t, http.StatusOK, list.Code)
	var zones []ZoneStatus
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &zones))
	require.Len(t, zones, 2)
	assert.Nil(t, zones[1].Temperature)

	require.Equal(t, http.StatusOK, one.Code)
	var z ZoneStatus
	require.NoError(t, json.Unmarshal(one.Body.Bytes(), &z))
	require.NotNil(t, z.Temperature)
	assert.Equal(t, 20.5, *z.Temperature)
	assert.Equal(t, 100, z.Valve)

	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Contains(t, missing.Body.String(), "unknown zone garage")
}

// TestMasterHandler tests the master endpoint
func TestMasterHandler(t *testing.T) {
	// Arrange
	h, status, _ := testRouter(t)
	status.publish(Snapshot{Master: MasterStatus{On: true, Mode: "balanced", Duration: "7m0s"}})

	// Act
	rec := get(t, h, "/api/master")

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)
	var m MasterStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.True(t, m.On)
	assert.Equal(t, "balanced", m.Mode)
	assert.Equal(t, "7m0s", m.Duration)
}

// TestMetricsEndpoint tests that the injected registry is served
func TestMetricsEndpoint(t *testing.T) {
	// Arrange
	h, _, m := testRouter(t)
	m.MasterOn.Set(1)
	m.RecordError("sensor")

	// Act
	rec := get(t, h, "/metrics")

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "heating_controller_master_on 1")
	assert.Contains(t, body, `heating_controller_errors_total{type="sensor"} 1`)
	assert.Contains(t, body, "heating_controller_loop_duration_seconds_bucket")
}

// TestRouter_MethodNotAllowed tests that the API is read-only
func TestRouter_MethodNotAllowed(t *testing.T) {
	// Arrange
	h, _, _ := testRouter(t)
	rec := httptest.NewRecorder()

	// Act
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/zones", nil))

	// Assert
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// TestHandler_AccessLogFollowsLevel tests that request logs go through the daemon logger
func TestHandler_AccessLogFollowsLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    slog.Level
		expected bool
	}{
		{"debug level logs requests", slog.LevelDebug, true},
		{"info level hides requests", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: tt.level}))
			reg := prometheus.NewRegistry()
			h := newHandler(newStatusStore(), reg, logger)

			// Act
			rec := get(t, h, "/health")

			// Assert
			require.Equal(t, http.StatusOK, rec.Code)
			if tt.expected {
				assert.Contains(t, buf.String(), "GET /health")
				assert.Contains(t, buf.String(), "component=http")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

// TestRecordError tests error counting by type
func TestRecordError(t *testing.T) {
	// Arrange
	m := NewMetrics(prometheus.NewRegistry())

	// Act
	m.RecordError("valve")
	m.RecordError("valve")
	m.RecordError("nesting")

	// Assert
	assert.Equal(t, 2.0, metricValue(t, m.ErrorsTotal.WithLabelValues("valve")))
	assert.Equal(t, 1.0, metricValue(t, m.ErrorsTotal.WithLabelValues("nesting")))
}

// TestFinite tests the JSON-safe conversion
func TestFinite(t *testing.T) {
	assert.Nil(t, finite(math.NaN()))
	require.NotNil(t, finite(1.5))
	assert.Equal(t, 1.5, *finite(1.5))
}

// metricValue reads the current value of a gauge or counter
func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	switch {
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	}
	t.Fatalf("unsupported metric %s", m.Desc())
	return 0
}
