package resolver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jesus-bazan-entel/apimovil/internal/carrier"
	"github.com/jesus-bazan-entel/apimovil/internal/config"
	"github.com/jesus-bazan-entel/apimovil/internal/errors"
	"github.com/jesus-bazan-entel/apimovil/internal/models"
	"github.com/jesus-bazan-entel/apimovil/internal/proxy"
)

// scriptedClient replays a fixed sequence of outcomes, then repeats the last one
type scriptedClient struct {
	mu       sync.Mutex
	outcomes []carrier.Outcome
	calls    int
}

func (c *scriptedClient) Query(ctx context.Context, id *proxy.Identity, phone string) carrier.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.calls
	c.calls++
	if idx >= len(c.outcomes) {
		idx = len(c.outcomes) - 1
	}
	return c.outcomes[idx]
}

type fakeSessions struct {
	mu          sync.Mutex
	ensureErr   error
	invalidated int
}

func (s *fakeSessions) Ensure(ctx context.Context, id *proxy.Identity) (*carrier.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensureErr != nil {
		return nil, s.ensureErr
	}
	return &carrier.Session{ID: "s1", Token: "tok"}, nil
}

func (s *fakeSessions) Invalidate(id *proxy.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}

type recordingSink struct {
	mu       sync.Mutex
	attempts []*models.LookupAttempt
}

func (r *recordingSink) RecordAttempt(ctx context.Context, attempt *models.LookupAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
}

func testCfg() config.ResolverConfig {
	return config.ResolverConfig{
		Deadline:     5 * time.Second,
		MaxAttempts:  5,
		RotateAfter:  2,
		AuthAttempts: 2,
	}
}

func testResolverPool(t *testing.T, user string, n int) *proxy.Pool {
	t.Helper()
	pool := proxy.NewPool(&proxy.PoolConfig{
		BlacklistCooldown: time.Minute,
		SlowThreshold:     time.Minute,
		BreakerThreshold:  3,
		BreakerCooldown:   time.Minute,
		RequestsPerSecond: 1000,
	})
	ids := make([]*proxy.Identity, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, &proxy.Identity{
			IP:        "10.0.0.1",
			Port:      "1080",
			Username:  fmt.Sprintf("u%d", i),
			OwnerUser: user,
		})
	}
	pool.AddIdentities(ids)
	return pool
}

func TestResolveSuccess(t *testing.T) {
	pool := testResolverPool(t, "alice", 2)
	client := &scriptedClient{outcomes: []carrier.Outcome{
		{Kind: carrier.OutcomeSuccess, Operator: "MOVISTAR"},
	}}
	sink := &recordingSink{}
	r := New(testCfg(), pool, &fakeSessions{}, client, sink, nil)

	res, err := r.Resolve(context.Background(), "alice", "612345678")
	require.NoError(t, err)
	assert.Equal(t, "MOVISTAR", res.Operator)
	assert.Equal(t, models.SourceScraping, res.Source)
	assert.Equal(t, 1, res.Attempts)

	require.Len(t, sink.attempts, 1)
	assert.Equal(t, "success", sink.attempts[0].Outcome)
	assert.Equal(t, "612345678", sink.attempts[0].PhoneNumber)
}

func TestResolveSentinel(t *testing.T) {
	pool := testResolverPool(t, "alice", 1)
	client := &scriptedClient{outcomes: []carrier.Outcome{
		{Kind: carrier.OutcomeCarrierSentinel, Operator: carrier.SentinelOperator},
	}}
	r := New(testCfg(), pool, &fakeSessions{}, client, nil, nil)

	res, err := r.Resolve(context.Background(), "alice", "622000111")
	require.NoError(t, err)
	assert.Equal(t, carrier.SentinelOperator, res.Operator)
	assert.Equal(t, models.SourceScraping, res.Source)
}

func TestResolveAuthExpiredThenSuccess(t *testing.T) {
	pool := testResolverPool(t, "alice", 1)
	sessions := &fakeSessions{}
	client := &scriptedClient{outcomes: []carrier.Outcome{
		{Kind: carrier.OutcomeAuthExpired},
		{Kind: carrier.OutcomeSuccess, Operator: "VODAFONE"},
	}}
	r := New(testCfg(), pool, sessions, client, nil, nil)

	res, err := r.Resolve(context.Background(), "alice", "612345678")
	require.NoError(t, err)
	assert.Equal(t, "VODAFONE", res.Operator)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, sessions.invalidated)
}

func TestResolveTransientBurstThenSuccess(t *testing.T) {
	pool := testResolverPool(t, "alice", 2)
	client := &scriptedClient{outcomes: []carrier.Outcome{
		{Kind: carrier.OutcomeTransient, Transient: errors.TransientTLS},
		{Kind: carrier.OutcomeTransient, Transient: errors.TransientConnection},
		{Kind: carrier.OutcomeSuccess, Operator: "ORANGE"},
	}}
	r := New(testCfg(), pool, &fakeSessions{}, client, nil, nil)

	res, err := r.Resolve(context.Background(), "alice", "612345678")
	require.NoError(t, err)
	assert.Equal(t, "ORANGE", res.Operator)
	assert.Equal(t, 3, res.Attempts)
}

func TestResolveFatalThenSuccess(t *testing.T) {
	pool := testResolverPool(t, "alice", 2)
	client := &scriptedClient{outcomes: []carrier.Outcome{
		{Kind: carrier.OutcomeFatal, Detail: "unexpected status 500"},
		{Kind: carrier.OutcomeSuccess, Operator: "MOVISTAR"},
	}}
	r := New(testCfg(), pool, &fakeSessions{}, client, nil, nil)

	// a single fatal rotates and retries instead of giving up
	res, err := r.Resolve(context.Background(), "alice", "612345678")
	require.NoError(t, err)
	assert.Equal(t, "MOVISTAR", res.Operator)
	assert.Equal(t, models.SourceScraping, res.Source)
	assert.Equal(t, 2, res.Attempts)
}

func TestResolveRepeatedFatalUnresolved(t *testing.T) {
	pool := testResolverPool(t, "alice", 1)
	client := &scriptedClient{outcomes: []carrier.Outcome{
		{Kind: carrier.OutcomeFatal, Detail: "unexpected status 500"},
	}}
	r := New(testCfg(), pool, &fakeSessions{}, client, nil, nil)

	res, err := r.Resolve(context.Background(), "alice", "612345678")
	require.NoError(t, err)
	assert.Equal(t, models.UnresolvedOperator, res.Operator)
	assert.Equal(t, models.SourceUnresolved, res.Source)
	assert.Equal(t, 2, res.Attempts)
}

func TestResolveBudgetExhausted(t *testing.T) {
	pool := testResolverPool(t, "alice", 3)
	cfg := testCfg()
	cfg.MaxAttempts = 3
	cfg.RotateAfter = 10
	client := &scriptedClient{outcomes: []carrier.Outcome{
		{Kind: carrier.OutcomeTransient, Transient: errors.TransientDecode},
	}}
	r := New(cfg, pool, &fakeSessions{}, client, nil, nil)

	res, err := r.Resolve(context.Background(), "alice", "612345678")
	require.NoError(t, err)
	assert.Equal(t, models.UnresolvedOperator, res.Operator)
	assert.Equal(t, 3, res.Attempts)
}

func TestResolveNoCapacity(t *testing.T) {
	pool := testResolverPool(t, "alice", 1)
	r := New(testCfg(), pool, &fakeSessions{}, &scriptedClient{outcomes: []carrier.Outcome{{}}}, nil, nil)

	_, err := r.Resolve(context.Background(), "nobody", "612345678")
	require.Error(t, err)
	assert.True(t, errors.IsCapacityExhausted(err))
}

// keyedSessions fails the handshake for specific identities only
type keyedSessions struct {
	mu      sync.Mutex
	failFor map[string]error
	served  []string
}

func (s *keyedSessions) Ensure(ctx context.Context, id *proxy.Identity) (*carrier.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failFor[id.Key()]; ok {
		return nil, err
	}
	s.served = append(s.served, id.Key())
	return &carrier.Session{ID: "s1", Token: "tok"}, nil
}

func (s *keyedSessions) Invalidate(id *proxy.Identity) {}

func TestResolveHandshakeFailureRotatesIdentity(t *testing.T) {
	pool := testResolverPool(t, "alice", 2)
	ids := pool.Identities("alice")
	sessions := &keyedSessions{failFor: map[string]error{
		ids[0].Key(): errors.NewAuthError("login", fmt.Errorf("cookie not granted")),
	}}
	client := &scriptedClient{outcomes: []carrier.Outcome{
		{Kind: carrier.OutcomeSuccess, Operator: "ORANGE"},
	}}
	r := New(testCfg(), pool, sessions, client, nil, nil)

	// the failed handshake retries through the other identity within the
	// same attempt
	res, err := r.Resolve(context.Background(), "alice", "612345678")
	require.NoError(t, err)
	assert.Equal(t, "ORANGE", res.Operator)
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, sessions.served, 1)
	assert.Equal(t, ids[1].Key(), sessions.served[0])
}

func TestResolveSessionFailuresExhaustIdentity(t *testing.T) {
	pool := testResolverPool(t, "alice", 1)
	sessions := &fakeSessions{ensureErr: errors.NewAuthError("login", fmt.Errorf("cookie not granted"))}
	cfg := testCfg()
	cfg.MaxAttempts = 10
	sink := &recordingSink{}
	r := New(cfg, pool, sessions, &scriptedClient{outcomes: []carrier.Outcome{{}}}, sink, nil)

	_, err := r.Resolve(context.Background(), "alice", "612345678")
	// the single identity's breaker opens after repeated session failures
	require.Error(t, err)
	assert.True(t, errors.IsCapacityExhausted(err))
	assert.NotEmpty(t, sink.attempts)
	assert.Equal(t, "auth_failed", sink.attempts[0].Outcome)
}
