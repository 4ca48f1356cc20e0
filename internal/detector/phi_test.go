package detector

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPhiFunction(t *testing.T) {
	assert.InDelta(t, math.Log10(2), phi(100, 100, 10), 1e-9, "phi at the mean")
	assert.InDelta(t, 0.8, phi(110, 100, 10), 0.01)

	prev := 0.0
	for elapsed := 0.0; elapsed < 300; elapsed += 10 {
		p := phi(elapsed, 100, 10)
		assert.GreaterOrEqual(t, p, prev, "phi must grow with elapsed time")
		assert.False(t, math.IsInf(p, 0) || math.IsNaN(p))
		prev = p
	}
}

func TestPhiAccrual_NoSuspicionBeforeFirstHeartbeat(t *testing.T) {
	d := NewPhiAccrual(DefaultSettings())
	assert.False(t, d.IsMonitoring())
	assert.Zero(t, d.Phi(t0.Add(time.Hour)))
	assert.True(t, d.IsAvailable(t0.Add(time.Hour)))
}

func TestPhiAccrual_SeedsWithEstimate(t *testing.T) {
	d := NewPhiAccrual(DefaultSettings())
	d.Heartbeat(t0)
	require.True(t, d.IsMonitoring())
	assert.InDelta(t, 1000, d.history.mean(), 1e-9)
	assert.InDelta(t, 250, d.history.stdDeviation(), 1e-9)
}

func TestPhiAccrual_RegularHeartbeats(t *testing.T) {
	d := NewPhiAccrual(DefaultSettings())
	at := t0
	for i := 0; i < 10; i++ {
		d.Heartbeat(at)
		at = at.Add(time.Second)
	}
	last := at.Add(-time.Second)

	assert.True(t, d.IsAvailable(last.Add(time.Second)))
	assert.True(t, d.IsAvailable(last.Add(2900*time.Millisecond)))
	assert.Less(t, d.Phi(last.Add(time.Second)), 0.1)

	assert.Greater(t, d.Phi(last.Add(5*time.Second)), 8.0)
}

func TestPhiAccrual_SilenceLongerThanPauseIsSuspected(t *testing.T) {
	s := DefaultSettings()
	d := NewPhiAccrual(s)
	at := t0
	for i := 0; i < 20; i++ {
		d.Heartbeat(at)
		at = at.Add(time.Second)
	}
	last := at.Add(-time.Second)

	assert.False(t, d.TimedOut(last.Add(s.AcceptableHeartbeatPause)))
	assert.True(t, d.IsAvailable(last.Add(s.AcceptableHeartbeatPause)))

	// Phi is still far below the threshold here.
	silent := last.Add(s.AcceptableHeartbeatPause + time.Millisecond)
	assert.Less(t, d.Phi(silent), s.Threshold)
	assert.True(t, d.TimedOut(silent))
	assert.False(t, d.IsAvailable(silent))
	assert.False(t, d.IsAvailable(last.Add(3500*time.Millisecond)))
}

func TestPhiAccrual_PauseNotSampled(t *testing.T) {
	d := NewPhiAccrual(DefaultSettings())
	d.Heartbeat(t0)
	d.Heartbeat(t0.Add(time.Second))
	d.Heartbeat(t0.Add(2 * time.Second))
	d.Heartbeat(t0.Add(12 * time.Second))

	assert.Len(t, d.history.intervals, 4)
	assert.InDelta(t, 1000, d.history.mean(), 1e-9)
	assert.True(t, d.IsAvailable(t0.Add(13*time.Second)), "a heartbeat after the pause makes the peer available again")
}

func TestPhiAccrual_WindowIsBounded(t *testing.T) {
	s := DefaultSettings()
	s.MaxSampleSize = 3
	d := NewPhiAccrual(s)
	at := t0
	for i := 0; i < 8; i++ {
		d.Heartbeat(at)
		at = at.Add(500 * time.Millisecond)
	}
	assert.Len(t, d.history.intervals, 3)
	assert.InDelta(t, 500, d.history.mean(), 1e-6)
	assert.InDelta(t, 0, d.history.stdDeviation(), 1e-3)
}

func TestSettings_Validate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{name: "threshold", mutate: func(s *Settings) { s.Threshold = 0 }},
		{name: "sample size", mutate: func(s *Settings) { s.MaxSampleSize = 0 }},
		{name: "min std deviation", mutate: func(s *Settings) { s.MinStdDeviation = 0 }},
		{name: "pause", mutate: func(s *Settings) { s.AcceptableHeartbeatPause = 0 }},
		{name: "estimate", mutate: func(s *Settings) { s.FirstHeartbeatEstimate = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			assert.True(t, errors.Is(s.Validate(), ErrInvalidSettings))
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultSettings())
	assert.True(t, r.IsAvailable("b", t0), "unknown peers are available")
	assert.False(t, r.IsMonitoring("b"))

	r.Heartbeat("b", t0)
	r.Heartbeat("a", t0)
	assert.Equal(t, []string{"a", "b"}, r.Keys())
	assert.True(t, r.IsMonitoring("b"))
	assert.True(t, r.IsAvailable("b", t0.Add(time.Second)))
	assert.False(t, r.IsAvailable("b", t0.Add(time.Minute)))
	assert.Greater(t, r.Phi("b", t0.Add(time.Minute)), 8.0)

	r.Remove("b")
	assert.Equal(t, []string{"a"}, r.Keys())
	assert.Zero(t, r.Phi("b", t0.Add(time.Minute)))
}
