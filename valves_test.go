package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRunner replaces the command execution in tests
type recordingRunner struct {
	calls    [][]string
	failures int // Number of leading calls that fail
	sleeps   []time.Duration
}

func (r *recordingRunner) run(name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if len(r.calls) <= r.failures {
		return []byte("relay busy"), errors.New("exit status 1")
	}
	return nil, nil
}

func (r *recordingRunner) sleep(d time.Duration) { r.sleeps = append(r.sleeps, d) }

func newTestActuator(dryRun bool) (*commandActuator, *recordingRunner) {
	r := &recordingRunner{}
	a := newCommandActuator(ValveConfig{Command: "valvectl", Retries: 3, RetryDelay: 2 * time.Second}, dryRun, discardLogger())
	a.run = r.run
	a.sleep = r.sleep
	return a, r
}

// TestCommandActuator_SetValve tests the command line and change detection
func TestCommandActuator_SetValve(t *testing.T) {
	// Arrange
	a, r := newTestActuator(false)

	// Act
	err1 := a.SetValve("living", 100)
	err2 := a.SetValve("living", 100)
	err3 := a.SetValve("living", 0)

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	require.NoError(t, err3)
	require.Len(t, r.calls, 2)
	assert.Equal(t, []string{"valvectl", "valve", "living", "100"}, r.calls[0])
	assert.Equal(t, []string{"valvectl", "valve", "living", "0"}, r.calls[1])
}

// TestCommandActuator_SetMaster tests master switching
func TestCommandActuator_SetMaster(t *testing.T) {
	// Arrange
	a, r := newTestActuator(false)

	// Act
	require.NoError(t, a.SetMaster(true))
	require.NoError(t, a.SetMaster(true))
	require.NoError(t, a.SetMaster(false))

	// Assert
	require.Len(t, r.calls, 2)
	assert.Equal(t, []string{"valvectl", "master", "1"}, r.calls[0])
	assert.Equal(t, []string{"valvectl", "master", "0"}, r.calls[1])
}

// TestCommandActuator_Retries tests recovery after transient failures
func TestCommandActuator_Retries(t *testing.T) {
	// Arrange
	a, r := newTestActuator(false)
	r.failures = 2

	// Act
	err := a.SetValve("bath", 40)

	// Assert
	require.NoError(t, err)
	assert.Len(t, r.calls, 3)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, r.sleeps)
}

// TestCommandActuator_RetriesExhausted tests the final error
func TestCommandActuator_RetriesExhausted(t *testing.T) {
	// Arrange
	a, r := newTestActuator(false)
	r.failures = 10

	// Act
	err := a.SetValve("bath", 40)
	errAgain := a.SetValve("bath", 40)

	// Assert - the failed position is sent again
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Contains(t, err.Error(), "relay busy")
	assert.Error(t, errAgain)
	assert.Len(t, r.calls, 6)
	assert.Len(t, r.sleeps, 4)
}

// TestCommandActuator_DryRun tests that nothing is executed
func TestCommandActuator_DryRun(t *testing.T) {
	// Arrange
	a, r := newTestActuator(true)

	// Act
	errValve := a.SetValve("office", 60)
	errMaster := a.SetMaster(true)

	// Assert
	assert.NoError(t, errValve)
	assert.NoError(t, errMaster)
	assert.Empty(t, r.calls)
}

// TestCommandActuator_OutOfRange tests invalid openings
func TestCommandActuator_OutOfRange(t *testing.T) {
	tests := []struct {
		name    string
		percent int
	}{
		{"negative", -1},
		{"above 100", 101},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			a, r := newTestActuator(false)

			// Act
			err := a.SetValve("office", tt.percent)

			// Assert
			require.Error(t, err)
			assert.Contains(t, err.Error(), "must be between 0-100")
			assert.Empty(t, r.calls)
		})
	}
}
