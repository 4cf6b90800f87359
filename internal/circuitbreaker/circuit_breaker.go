// Package circuitbreaker implements a consecutive-failure circuit breaker.
// One breaker is kept per proxy identity: after a run of consecutive TLS or
// connection errors the identity is disabled until a cooldown elapses, and
// any successful call closes the breaker again.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means calls are allowed
	StateClosed State = "closed"
	// StateOpen means the identity is disabled until the cooldown elapses
	StateOpen State = "open"
	// StateHalfOpen means one probe call is allowed after the cooldown
	StateHalfOpen State = "half_open"
)

// Breaker tracks consecutive transport failures for one identity
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu               sync.Mutex
	state            State
	consecutiveFails int
	lastFailureTime  time.Time
	lastStateChange  time.Time
}

// Config configures a breaker
type Config struct {
	Name      string
	Threshold int           // consecutive failures before opening
	Cooldown  time.Duration // open duration before a probe is allowed
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:      name,
		Threshold: 3,
		Cooldown:  300 * time.Second,
	}
}

// New creates a breaker from a config, applying defaults for zero values
func New(config *Config) *Breaker {
	threshold := config.Threshold
	if threshold <= 0 {
		threshold = 3
	}
	cooldown := config.Cooldown
	if cooldown <= 0 {
		cooldown = 300 * time.Second
	}
	return &Breaker{
		name:            config.Name,
		threshold:       threshold,
		cooldown:        cooldown,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a call may proceed. An open breaker transitions to
// half-open once its cooldown has elapsed, admitting a single probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.lastStateChange) >= b.cooldown {
			b.setState(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// Success records a successful call and closes the breaker
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
}

// Failure records a transport failure. Returns true when this failure opened
// the breaker.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.consecutiveFails >= b.threshold {
			b.setState(StateOpen)
			return true
		}
	case StateHalfOpen:
		// The probe failed; reopen for another cooldown.
		b.setState(StateOpen)
		return true
	}
	return false
}

// Reset manually closes the breaker and clears its counters
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	b.setState(StateClosed)
}

// GetState returns the current state, accounting for an elapsed cooldown
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastStateChange) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Stats represents breaker statistics
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LastFailureTime  time.Time `json:"lastFailureTime"`
	LastStateChange  time.Time `json:"lastStateChange"`
}

// GetStats returns a snapshot of the breaker
func (b *Breaker) GetStats() *Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return &Stats{
		Name:             b.name,
		State:            b.state,
		ConsecutiveFails: b.consecutiveFails,
		LastFailureTime:  b.lastFailureTime,
		LastStateChange:  b.lastStateChange,
	}
}

// setState changes state; caller must hold the lock
func (b *Breaker) setState(state State) {
	b.state = state
	b.lastStateChange = time.Now()
}

// Manager keeps one breaker per identity
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
}

// NewManager creates a manager that stamps new breakers with the given
// threshold and cooldown
func NewManager(threshold int, cooldown time.Duration) *Manager {
	return &Manager{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Get returns the breaker for a name, creating it on first use
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = New(&Config{Name: name, Threshold: m.threshold, Cooldown: m.cooldown})
	m.breakers[name] = b
	return b
}

// GetAllStats returns statistics for every breaker
func (m *Manager) GetAllStats() map[string]*Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*Stats, len(m.breakers))
	for name, b := range m.breakers {
		result[name] = b.GetStats()
	}
	return result
}

// ResetAll closes every breaker
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.breakers {
		b.Reset()
	}
}
