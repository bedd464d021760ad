package keyrouter

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes whether a key may be offered for selection.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks per-key health using a circuit breaker pattern.
// Keys that keep failing upstream are withheld from selection for a while.
type HealthTracker struct {
	mu   sync.RWMutex
	keys map[string]*keyHealth
	now  func() time.Time
}

type keyHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		keys: make(map[string]*keyHealth),
		now:  time.Now,
	}
}

// GetHealth returns the current health state for a key.
func (h *HealthTracker) GetHealth(keyID string) HealthState {
	h.mu.RLock()
	kh, ok := h.keys[keyID]
	h.mu.RUnlock()

	if !ok {
		return HealthHealthy
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if kh.state == HealthUnhealthy && h.now().Sub(kh.unhealthyAt) >= healthUnhealthyPeriod {
		kh.state = HealthHalfOpen
	}

	return kh.state
}

// RecordSuccess closes the breaker for a key.
func (h *HealthTracker) RecordSuccess(keyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kh := h.getOrCreate(keyID)
	kh.state = HealthHealthy
	kh.failures = kh.failures[:0]
}

// RecordFailure counts an upstream failure for a key. A failure while
// half-open reopens the breaker immediately.
func (h *HealthTracker) RecordFailure(keyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kh := h.getOrCreate(keyID)
	if kh.state == HealthUnhealthy {
		return
	}

	now := h.now()

	cutoff := now.Add(-healthFailureWindow)
	valid := kh.failures[:0]
	for _, t := range kh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	kh.failures = append(valid, now)

	if kh.state == HealthHalfOpen || len(kh.failures) >= healthFailureThreshold {
		kh.state = HealthUnhealthy
		kh.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(keyID string) *keyHealth {
	kh, ok := h.keys[keyID]
	if !ok {
		kh = &keyHealth{state: HealthHealthy}
		h.keys[keyID] = kh
	}
	return kh
}
