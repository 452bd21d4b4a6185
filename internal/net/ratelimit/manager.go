package ratelimit

import (
	"sync"
	"time"
)

// State is the adaptive manager's throttle state.
type State string

const (
	StateNormal     State = "NORMAL"
	StateSlowing    State = "SLOWING"
	StateRecovering State = "RECOVERING"
)

// ManagerOptions tune the adaptive state machine.
type ManagerOptions struct {
	ErrorThreshold int           // errors before SLOWING, default 3
	MaxErrorCount  int           // errors before RECOVERING, default 6
	RecoveryTime   time.Duration // quiet time before returning to NORMAL, default 300s
	BaseDelay      time.Duration // delay applied between requests in NORMAL, default 0
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.ErrorThreshold == 0 {
		o.ErrorThreshold = 3
	}
	if o.MaxErrorCount == 0 {
		o.MaxErrorCount = 6
	}
	if o.RecoveryTime == 0 {
		o.RecoveryTime = 300 * time.Second
	}
	return o
}

// Manager tracks upstream failures and stretches request delays when a
// provider shows distress. Shared by every HTTP collector.
type Manager struct {
	opts ManagerOptions

	mu                   sync.Mutex
	state                State
	errorCount           int
	consecutiveSuccesses int
	lastError            time.Time
}

// NewManager creates an adaptive manager in the NORMAL state.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{opts: opts.withDefaults(), state: StateNormal}
}

// State returns the current throttle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Delay returns the inter-request delay the caller should honor, applying
// the state multiplier (SLOWING 2x, RECOVERING 4x) to the base delay.
func (m *Manager) Delay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.opts.BaseDelay
	if base == 0 {
		base = time.Second
	}
	switch m.state {
	case StateSlowing:
		return base * 2
	case StateRecovering:
		return base * 4
	default:
		return m.opts.BaseDelay
	}
}

// RecordError registers a failed request and advances the state machine.
func (m *Manager) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount++
	m.consecutiveSuccesses = 0
	m.lastError = time.Now()
	switch {
	case m.errorCount >= m.opts.MaxErrorCount:
		m.state = StateRecovering
	case m.errorCount >= m.opts.ErrorThreshold:
		m.state = StateSlowing
	}
}

// RecordSuccess registers a successful request. Five consecutive successes
// with a quiet period since the last error return the manager to NORMAL.
func (m *Manager) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveSuccesses++
	if m.state == StateNormal {
		return
	}
	if m.consecutiveSuccesses >= 5 && time.Since(m.lastError) >= m.opts.RecoveryTime {
		m.state = StateNormal
		m.errorCount = 0
	}
}
