package detector

import (
	"slices"
	"time"
)

// Registry keeps one detector per monitored peer. It is owned by a single
// goroutine and does no locking.
type Registry struct {
	settings  Settings
	detectors map[string]*PhiAccrual
}

// NewRegistry creates an empty registry.
func NewRegistry(s Settings) *Registry {
	return &Registry{settings: s, detectors: make(map[string]*PhiAccrual)}
}

// Heartbeat records a heartbeat from key, creating its detector on first
// use.
func (r *Registry) Heartbeat(key string, at time.Time) {
	d, ok := r.detectors[key]
	if !ok {
		d = NewPhiAccrual(r.settings)
		r.detectors[key] = d
	}
	d.Heartbeat(at)
}

// IsAvailable reports whether key is considered alive. Unknown keys are
// available.
func (r *Registry) IsAvailable(key string, now time.Time) bool {
	d, ok := r.detectors[key]
	return !ok || d.IsAvailable(now)
}

// Phi returns the suspicion level for key, 0 for unknown keys.
func (r *Registry) Phi(key string, now time.Time) float64 {
	if d, ok := r.detectors[key]; ok {
		return d.Phi(now)
	}
	return 0
}

// IsMonitoring reports whether key has a detector with at least one
// heartbeat.
func (r *Registry) IsMonitoring(key string) bool {
	d, ok := r.detectors[key]
	return ok && d.IsMonitoring()
}

// Remove forgets key.
func (r *Registry) Remove(key string) {
	delete(r.detectors, key)
}

// Keys returns the monitored keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.detectors))
	for k := range r.detectors {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
