package detector

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidSettings is returned by Settings.Validate.
var ErrInvalidSettings = errors.New("invalid failure detector settings")

// Settings configures a phi accrual failure detector.
type Settings struct {
	Threshold                float64
	MaxSampleSize            int
	MinStdDeviation          time.Duration
	AcceptableHeartbeatPause time.Duration
	FirstHeartbeatEstimate   time.Duration
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		Threshold:                8.0,
		MaxSampleSize:            1000,
		MinStdDeviation:          100 * time.Millisecond,
		AcceptableHeartbeatPause: 3 * time.Second,
		FirstHeartbeatEstimate:   time.Second,
	}
}

// Validate checks that every setting is usable.
func (s Settings) Validate() error {
	switch {
	case s.Threshold <= 0:
		return fmt.Errorf("%w: threshold must be > 0, got %v", ErrInvalidSettings, s.Threshold)
	case s.MaxSampleSize <= 0:
		return fmt.Errorf("%w: max sample size must be > 0, got %d", ErrInvalidSettings, s.MaxSampleSize)
	case s.MinStdDeviation <= 0:
		return fmt.Errorf("%w: min std deviation must be > 0, got %s", ErrInvalidSettings, s.MinStdDeviation)
	case s.AcceptableHeartbeatPause <= 0:
		return fmt.Errorf("%w: acceptable heartbeat pause must be > 0, got %s", ErrInvalidSettings, s.AcceptableHeartbeatPause)
	case s.FirstHeartbeatEstimate <= 0:
		return fmt.Errorf("%w: first heartbeat estimate must be > 0, got %s", ErrInvalidSettings, s.FirstHeartbeatEstimate)
	}
	return nil
}

// history is a bounded window of inter-arrival intervals in milliseconds
// with running sums.
type history struct {
	intervals []float64
	next      int
	max       int
	sum       float64
	sumSq     float64
}

func (h *history) add(v float64) {
	if len(h.intervals) < h.max {
		h.intervals = append(h.intervals, v)
	} else {
		old := h.intervals[h.next]
		h.sum -= old
		h.sumSq -= old * old
		h.intervals[h.next] = v
		h.next = (h.next + 1) % h.max
	}
	h.sum += v
	h.sumSq += v * v
}

func (h *history) mean() float64 {
	return h.sum / float64(len(h.intervals))
}

func (h *history) stdDeviation() float64 {
	m := h.mean()
	return math.Sqrt(math.Max(0, h.sumSq/float64(len(h.intervals))-m*m))
}

// PhiAccrual is the phi accrual failure detector for one peer. Suspicion
// grows continuously with the time since the last heartbeat, scaled by the
// observed distribution of inter-arrival times. It is not safe for
// concurrent use.
type PhiAccrual struct {
	settings Settings
	history  *history
	last     time.Time
}

// NewPhiAccrual creates a detector that has not seen a heartbeat yet.
func NewPhiAccrual(s Settings) *PhiAccrual {
	return &PhiAccrual{settings: s}
}

// Heartbeat records a heartbeat arriving at at. The first heartbeat seeds
// the history with the configured estimate. Later intervals are only
// sampled while the peer is considered available, so a long pause does not
// widen the distribution.
func (d *PhiAccrual) Heartbeat(at time.Time) {
	if d.history == nil {
		est := float64(d.settings.FirstHeartbeatEstimate) / float64(time.Millisecond)
		d.history = &history{max: max(d.settings.MaxSampleSize, 2)}
		d.history.add(est - est/4)
		d.history.add(est + est/4)
		d.last = at
		return
	}
	if d.IsAvailable(at) {
		d.history.add(float64(at.Sub(d.last)) / float64(time.Millisecond))
	}
	d.last = at
}

// IsMonitoring reports whether at least one heartbeat has been recorded.
func (d *PhiAccrual) IsMonitoring() bool {
	return d.history != nil
}

// Phi returns the suspicion level at now; 0 before the first heartbeat.
func (d *PhiAccrual) Phi(now time.Time) float64 {
	if d.history == nil {
		return 0
	}
	elapsed := float64(now.Sub(d.last)) / float64(time.Millisecond)
	mean := d.history.mean() + float64(d.settings.AcceptableHeartbeatPause)/float64(time.Millisecond)
	sd := math.Max(d.history.stdDeviation(), float64(d.settings.MinStdDeviation)/float64(time.Millisecond))
	return phi(elapsed, mean, sd)
}

// TimedOut reports whether no heartbeat arrived for longer than the
// acceptable pause, whatever phi says.
func (d *PhiAccrual) TimedOut(now time.Time) bool {
	if d.history == nil {
		return false
	}
	return now.Sub(d.last) > d.settings.AcceptableHeartbeatPause
}

// IsAvailable reports whether the peer is considered alive at now.
func (d *PhiAccrual) IsAvailable(now time.Time) bool {
	return d.Phi(now) < d.settings.Threshold && !d.TimedOut(now)
}

// phi uses the logistic approximation of the cumulative normal
// distribution, which stays finite far into the tail.
func phi(timeDiff, mean, stdDeviation float64) float64 {
	y := (timeDiff - mean) / stdDeviation
	e := math.Exp(-y * (1.5976 + 0.070566*y*y))
	if timeDiff > mean {
		return -math.Log10(e / (1.0 + e))
	}
	return -math.Log10(1.0 - 1.0/(1.0+e))
}
