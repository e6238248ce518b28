package capability

import (
	"sync"
	"time"
)

// ProviderHealth tracks the health of one provider.
type ProviderHealth struct {
	Available       bool      `json:"available"`
	LastSuccess     time.Time `json:"last_success,omitempty"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	FailureCount    int       `json:"failure_count"`
	CircuitOpen     bool      `json:"circuit_open"`
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig configures circuit breaking.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive transient failures before opening the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a trial call is allowed.
	RecoveryTimeout time.Duration

	// HalfOpenRequests is how many trial calls are allowed once the timeout passes.
	HalfOpenRequests int
}

// DefaultHealthConfig returns the default breaker settings.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenRequests: 1,
	}
}

type providerState struct {
	ProviderHealth
	trials int
}

// HealthTracker records provider outcomes and implements a circuit breaker.
type HealthTracker struct {
	mu       sync.Mutex
	config   HealthConfig
	statuses map[string]*providerState
	now      func() time.Time
	onChange func(provider string, open bool)
}

// NewHealthTracker creates a tracker. onChange, if set, is called whenever
// a circuit opens or closes.
func NewHealthTracker(cfg HealthConfig, onChange func(provider string, open bool)) *HealthTracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultHealthConfig().FailureThreshold
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	return &HealthTracker{
		config:   cfg,
		statuses: make(map[string]*providerState),
		now:      time.Now,
		onChange: onChange,
	}
}

func (h *HealthTracker) state(name string) *providerState {
	s, ok := h.statuses[name]
	if !ok {
		s = &providerState{ProviderHealth: ProviderHealth{Available: true}}
		h.statuses[name] = s
	}
	return s
}

// Allow reports whether a call to the provider may proceed. Once the
// recovery timeout has passed a limited number of trial calls are let through.
func (h *HealthTracker) Allow(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.statuses[name]
	if !ok || !s.CircuitOpen {
		return true
	}
	if h.now().Sub(s.CircuitOpenedAt) < h.config.RecoveryTimeout {
		return false
	}
	if s.trials >= h.config.HalfOpenRequests {
		return false
	}
	s.trials++
	return true
}

// MarkSuccess records a successful call and closes the circuit.
func (h *HealthTracker) MarkSuccess(name string) {
	h.mu.Lock()
	s := h.state(name)
	wasOpen := s.CircuitOpen
	s.LastSuccess = h.now()
	s.FailureCount = 0
	s.Available = true
	s.CircuitOpen = false
	s.trials = 0
	h.mu.Unlock()

	if wasOpen && h.onChange != nil {
		h.onChange(name, false)
	}
}

// MarkFailure records a failed call, opening the circuit at the threshold.
// A failed trial call re-opens the circuit for another recovery period.
func (h *HealthTracker) MarkFailure(name string, err error) {
	h.mu.Lock()
	s := h.state(name)
	now := h.now()
	s.LastFailure = now
	if err != nil {
		s.LastError = err.Error()
	}
	s.FailureCount++

	opened := false
	if s.CircuitOpen {
		s.CircuitOpenedAt = now
		s.trials = 0
	} else if s.FailureCount >= h.config.FailureThreshold {
		s.CircuitOpen = true
		s.CircuitOpenedAt = now
		s.Available = false
		s.trials = 0
		opened = true
	}
	h.mu.Unlock()

	if opened && h.onChange != nil {
		h.onChange(name, true)
	}
}

// Get returns a copy of the provider's health, or nil if never called.
func (h *HealthTracker) Get(name string) *ProviderHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.statuses[name]
	if !ok {
		return nil
	}
	c := s.ProviderHealth
	return &c
}

// Snapshot returns health for every provider seen so far.
func (h *HealthTracker) Snapshot() map[string]ProviderHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]ProviderHealth, len(h.statuses))
	for name, s := range h.statuses {
		out[name] = s.ProviderHealth
	}
	return out
}

// Reset clears the state for a provider.
func (h *HealthTracker) Reset(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.statuses, name)
}
