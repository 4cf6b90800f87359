package proxy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jesus-bazan-entel/apimovil/internal/circuitbreaker"
	"github.com/jesus-bazan-entel/apimovil/internal/errors"
	"github.com/jesus-bazan-entel/apimovil/internal/logging"
)

const latencyWindow = 10

// Health is the mutable per-identity state. Mutated only under the pool's
// per-identity lock.
type Health struct {
	mu sync.Mutex

	latencies       []time.Duration
	blacklistExpiry time.Time
	blacklistReason string
	inflight        int
	attempts        int64
}

func (h *Health) recordLatency(elapsed time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latencies = append(h.latencies, elapsed)
	if len(h.latencies) > latencyWindow {
		h.latencies = h.latencies[len(h.latencies)-latencyWindow:]
	}
}

func (h *Health) averageLatency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range h.latencies {
		total += l
	}
	return total / time.Duration(len(h.latencies))
}

func (h *Health) blacklisted(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.blacklistExpiry.IsZero() {
		return false
	}
	if now.After(h.blacklistExpiry) {
		h.blacklistExpiry = time.Time{}
		h.blacklistReason = ""
		return false
	}
	return true
}

func (h *Health) blacklist(until time.Time, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blacklistExpiry = until
	h.blacklistReason = reason
}

func (h *Health) clearBlacklist() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blacklistExpiry = time.Time{}
	h.blacklistReason = ""
}

func (h *Health) load() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inflight
}

// PoolConfig holds pool tuning
type PoolConfig struct {
	BlacklistCooldown time.Duration // exclusion window after a slow or failed call
	SlowThreshold     time.Duration // responses slower than this blacklist the identity
	BreakerThreshold  int           // consecutive transport errors before the breaker opens
	BreakerCooldown   time.Duration // open-breaker duration
	RequestsPerSecond float64       // per-identity carrier call rate
}

// DefaultPoolConfig returns production defaults
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		BlacklistCooldown: 300 * time.Second,
		SlowThreshold:     5 * time.Second,
		BreakerThreshold:  3,
		BreakerCooldown:   300 * time.Second,
		RequestsPerSecond: 2.0,
	}
}

// Pool owns the proxy identities of every user and selects the best usable
// identity for each lookup attempt.
type Pool struct {
	mu         sync.RWMutex
	identities map[string][]*Identity // keyed by owner user
	health     map[string]*Health     // keyed by identity key
	limiters   map[string]*rate.Limiter

	breakers *circuitbreaker.Manager
	cfg      *PoolConfig
	now      func() time.Time
}

// NewPool creates an empty pool
func NewPool(cfg *PoolConfig) *Pool {
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}
	return &Pool{
		identities: make(map[string][]*Identity),
		health:     make(map[string]*Health),
		limiters:   make(map[string]*rate.Limiter),
		breakers:   circuitbreaker.NewManager(cfg.BreakerThreshold, cfg.BreakerCooldown),
		cfg:        cfg,
		now:        time.Now,
	}
}

// AddIdentities registers identities for their owning users. Existing
// identities for a user are replaced; health state for surviving keys is
// kept.
func (p *Pool) AddIdentities(ids []*Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	replaced := make(map[string]bool)
	for _, id := range ids {
		if !replaced[id.OwnerUser] {
			p.identities[id.OwnerUser] = nil
			replaced[id.OwnerUser] = true
		}
		p.identities[id.OwnerUser] = append(p.identities[id.OwnerUser], id)
		if _, ok := p.health[id.Key()]; !ok {
			p.health[id.Key()] = &Health{}
		}
		if _, ok := p.limiters[id.Key()]; !ok {
			p.limiters[id.Key()] = rate.NewLimiter(rate.Limit(p.cfg.RequestsPerSecond), 1)
		}
	}
}

// Identities returns the ordered identity list for a user
func (p *Pool) Identities(user string) []*Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identities[user]
}

// Limiter returns the rate limiter for an identity
func (p *Pool) Limiter(id *Identity) *rate.Limiter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.limiters[id.Key()]
}

func (p *Pool) healthFor(id *Identity) *Health {
	p.mu.RLock()
	h, ok := p.health[id.Key()]
	p.mu.RUnlock()
	if ok {
		return h
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.health[id.Key()]; ok {
		return h
	}
	h = &Health{}
	p.health[id.Key()] = h
	return h
}

// Best returns the index of the least-loaded usable identity for a user,
// tie-broken by lowest rolling average latency. When every identity is
// blacklisted the pool fails open: the blacklist is cleared and index 0 is
// returned, so callers must tolerate immediately retrying a recently bad
// proxy. When every identity's breaker is open the user genuinely has no
// capacity and an error is returned.
func (p *Pool) Best(user string) (int, error) {
	ids := p.Identities(user)
	if len(ids) == 0 {
		return 0, errors.NewCapacityExhaustedError(user)
	}

	now := p.now()
	type candidate struct {
		index   int
		load    int
		latency time.Duration
	}

	var candidates []candidate
	var blacklistedOnly []int
	for i, id := range ids {
		if !p.breakers.Get(id.Key()).Allow() {
			continue
		}
		h := p.healthFor(id)
		if h.blacklisted(now) {
			blacklistedOnly = append(blacklistedOnly, i)
			continue
		}
		candidates = append(candidates, candidate{
			index:   i,
			load:    h.load(),
			latency: h.averageLatency(),
		})
	}

	if len(candidates) == 0 {
		if len(blacklistedOnly) == 0 {
			// Only open breakers remain; the user has no usable capacity
			// until a cooldown elapses.
			return 0, errors.NewCapacityExhaustedError(user)
		}
		// Every identity that could serve is blacklisted: fail open rather
		// than stall the whole batch. Callers must tolerate immediately
		// retrying a recently bad proxy.
		logging.WithField("user", user).Warn("All proxies blacklisted, failing open")
		for _, i := range blacklistedOnly {
			p.healthFor(ids[i]).clearBlacklist()
		}
		return blacklistedOnly[0], nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.load < best.load || (c.load == best.load && c.latency < best.latency) {
			best = c
		}
	}
	return best.index, nil
}

// Acquire marks an identity as carrying one more in-flight attempt
func (p *Pool) Acquire(id *Identity) {
	h := p.healthFor(id)
	h.mu.Lock()
	h.inflight++
	h.attempts++
	h.mu.Unlock()
}

// Release marks an in-flight attempt as done
func (p *Pool) Release(id *Identity) {
	h := p.healthFor(id)
	h.mu.Lock()
	if h.inflight > 0 {
		h.inflight--
	}
	h.mu.Unlock()
}

// Blacklist excludes an identity from selection for the given duration
func (p *Pool) Blacklist(id *Identity, reason string, duration time.Duration) {
	if duration <= 0 {
		duration = p.cfg.BlacklistCooldown
	}
	p.healthFor(id).blacklist(p.now().Add(duration), reason)
	logging.WithFields(map[string]interface{}{
		"proxy":    id.Key(),
		"reason":   reason,
		"duration": duration.String(),
	}).Warn("Proxy blacklisted")
}

// RecordLatency records a successful call's elapsed time. Slow responses
// blacklist the identity for the standard cooldown.
func (p *Pool) RecordLatency(id *Identity, elapsed time.Duration) {
	p.healthFor(id).recordLatency(elapsed)
	if elapsed > p.cfg.SlowThreshold {
		p.Blacklist(id, "slow response", p.cfg.BlacklistCooldown)
	}
}

// RecordSuccess resets the identity's breaker and records latency
func (p *Pool) RecordSuccess(id *Identity, elapsed time.Duration) {
	p.breakers.Get(id.Key()).Success()
	p.RecordLatency(id, elapsed)
}

// RecordError records a transport failure of the given kind. TLS and
// connection errors feed the circuit breaker; timeouts blacklist the
// identity outright.
func (p *Pool) RecordError(id *Identity, kind errors.TransientKind) {
	switch kind {
	case errors.TransientTLS, errors.TransientConnection:
		if p.breakers.Get(id.Key()).Failure() {
			logging.WithFields(map[string]interface{}{
				"proxy": id.Key(),
				"kind":  string(kind),
			}).Warn("Circuit breaker opened for proxy")
		}
	case errors.TransientTimeout:
		p.Blacklist(id, "timeout", p.cfg.BlacklistCooldown)
	}
}

// BreakerState returns the breaker state for an identity
func (p *Pool) BreakerState(id *Identity) circuitbreaker.State {
	return p.breakers.Get(id.Key()).GetState()
}

// IdentityStats is a health snapshot for one identity
type IdentityStats struct {
	Key             string               `json:"key"`
	OwnerUser       string               `json:"ownerUser"`
	AverageLatency  time.Duration        `json:"averageLatency"`
	Inflight        int                  `json:"inflight"`
	Attempts        int64                `json:"attempts"`
	Blacklisted     bool                 `json:"blacklisted"`
	BlacklistReason string               `json:"blacklistReason,omitempty"`
	BreakerState    circuitbreaker.State `json:"breakerState"`
}

// Stats returns a health snapshot for every identity of a user
func (p *Pool) Stats(user string) []*IdentityStats {
	ids := p.Identities(user)
	now := p.now()

	stats := make([]*IdentityStats, 0, len(ids))
	for _, id := range ids {
		h := p.healthFor(id)
		h.mu.Lock()
		reason := h.blacklistReason
		inflight := h.inflight
		attempts := h.attempts
		h.mu.Unlock()

		stats = append(stats, &IdentityStats{
			Key:             id.Key(),
			OwnerUser:       id.OwnerUser,
			AverageLatency:  h.averageLatency(),
			Inflight:        inflight,
			Attempts:        attempts,
			Blacklisted:     h.blacklisted(now),
			BlacklistReason: reason,
			BreakerState:    p.BreakerState(id),
		})
	}
	return stats
}
