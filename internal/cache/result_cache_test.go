package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jesus-bazan-entel/apimovil/internal/models"
)

func setupCache(t *testing.T, freshness time.Duration) (*ResultCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewResultCache(client, freshness, nil), mr
}

func TestPutGetRoundtrip(t *testing.T) {
	c, _ := setupCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "612345678", "MOVISTAR", "batch-1.txt"))

	entry, hit, err := c.Get(ctx, "612345678")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "MOVISTAR", entry.Operator)
	assert.Equal(t, "batch-1.txt", entry.SourceFile)
}

func TestGetMiss(t *testing.T) {
	c, _ := setupCache(t, time.Hour)

	_, hit, err := c.Get(context.Background(), "699999999")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestStaleEntryEvictedOnRead(t *testing.T) {
	c, mr := setupCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "612345678", "MOVISTAR", "batch-1.txt"))

	// shift the cache clock past the freshness window
	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, hit, err := c.Get(ctx, "612345678")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.False(t, mr.Exists("phone:612345678"))
}

func TestUnreadableEntryEvictedOnRead(t *testing.T) {
	c, mr := setupCache(t, time.Hour)

	mr.Set("phone:612345678", "not json")

	_, hit, err := c.Get(context.Background(), "612345678")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.False(t, mr.Exists("phone:612345678"))
}

func TestInvalidOperatorsNeverCached(t *testing.T) {
	c, mr := setupCache(t, time.Hour)
	ctx := context.Background()

	for _, operator := range models.InvalidOperators {
		require.NoError(t, c.Put(ctx, "612345678", operator, "batch-1.txt"))
		assert.False(t, mr.Exists("phone:612345678"), "operator %q must not be cached", operator)
	}
}

func TestInvalidate(t *testing.T) {
	c, mr := setupCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "612345678", "MOVISTAR", "batch-1.txt"))
	require.NoError(t, c.Invalidate(ctx, "612345678"))
	assert.False(t, mr.Exists("phone:612345678"))
}

func TestBootstrap(t *testing.T) {
	c, mr := setupCache(t, time.Hour)
	ctx := context.Background()

	now := time.Now()
	records := []*models.PhoneRecord{
		{Number: "611111111", Operator: "MOVISTAR", FileName: "a.txt", ObservedAt: now.Add(-10 * time.Minute)},
		{Number: "622222222", Operator: "VODAFONE", FileName: "a.txt", ObservedAt: now.Add(-30 * time.Minute)},
		{Number: "633333333", Operator: models.UnresolvedOperator, FileName: "a.txt", ObservedAt: now},
		{Number: "644444444", Operator: "ORANGE", FileName: "b.txt", ObservedAt: now.Add(-2 * time.Hour)},
	}

	loaded, err := c.Bootstrap(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	assert.True(t, mr.Exists("phone:611111111"))
	assert.True(t, mr.Exists("phone:622222222"))
	assert.False(t, mr.Exists("phone:633333333"), "unresolved marker must not be loaded")
	assert.False(t, mr.Exists("phone:644444444"), "stale record must not be loaded")

	entry, hit, err := c.Get(ctx, "611111111")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "MOVISTAR", entry.Operator)
	assert.Equal(t, "a.txt", entry.SourceFile)
}
