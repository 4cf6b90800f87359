// Package cache is the cache-aside layer in front of the phone record store.
// Entries carry their own observation timestamp and freshness is enforced on
// read, so a shortened freshness window takes effect immediately without
// touching stored keys.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jesus-bazan-entel/apimovil/internal/errors"
	"github.com/jesus-bazan-entel/apimovil/internal/logging"
	"github.com/jesus-bazan-entel/apimovil/internal/models"
)

const keyPrefix = "phone:"

// Entry is the stored shape of one cached resolution
type Entry struct {
	Operator   string    `json:"operator"`
	SourceFile string    `json:"source_file"`
	ObservedAt time.Time `json:"observed_at"`
}

// ResultCache maps phone numbers to their last known operator
type ResultCache struct {
	client    redis.UniversalClient
	freshness time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

// NewResultCache creates a cache with the given logical freshness window
func NewResultCache(client redis.UniversalClient, freshness time.Duration, logger *logging.Logger) *ResultCache {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ResultCache{
		client:    client,
		freshness: freshness,
		logger:    logger.WithField("component", "result_cache"),
		now:       time.Now,
	}
}

// Get returns the cached entry for the number if it exists and is still
// within the freshness window. Stale entries are reported as misses and
// removed opportunistically.
func (c *ResultCache) Get(ctx context.Context, number string) (*Entry, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+number).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewCacheError("get", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// unreadable entries are treated as misses and evicted
		c.client.Del(ctx, keyPrefix+number)
		return nil, false, nil
	}

	if c.now().Sub(entry.ObservedAt) > c.freshness {
		c.client.Del(ctx, keyPrefix+number)
		return nil, false, nil
	}
	return &entry, true, nil
}

// Put stores a resolution. Sentinel failure markers are never cached so a
// later run gets a fresh chance at the number.
func (c *ResultCache) Put(ctx context.Context, number, operator, sourceFile string) error {
	if !models.IsValidOperator(operator) {
		return nil
	}
	entry := Entry{
		Operator:   operator,
		SourceFile: sourceFile,
		ObservedAt: c.now(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.NewCacheError("marshal", err)
	}
	// physical TTL mirrors the logical window so Redis reclaims dead keys
	if err := c.client.Set(ctx, keyPrefix+number, raw, c.freshness).Err(); err != nil {
		return errors.NewCacheError("set", err)
	}
	return nil
}

// Invalidate drops the entry for a number
func (c *ResultCache) Invalidate(ctx context.Context, number string) error {
	if err := c.client.Del(ctx, keyPrefix+number).Err(); err != nil {
		return errors.NewCacheError("del", err)
	}
	return nil
}

// Bootstrap loads recent resolutions into the cache, typically at startup
// from the record store. Entries older than the freshness window are skipped.
func (c *ResultCache) Bootstrap(ctx context.Context, records []*models.PhoneRecord) (int, error) {
	loaded := 0
	cutoff := c.now().Add(-c.freshness)
	pipe := c.client.Pipeline()
	for _, rec := range records {
		if !models.IsValidOperator(rec.Operator) || rec.ObservedAt.Before(cutoff) {
			continue
		}
		entry := Entry{
			Operator:   rec.Operator,
			SourceFile: rec.FileName,
			ObservedAt: rec.ObservedAt,
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		ttl := c.freshness - c.now().Sub(rec.ObservedAt)
		pipe.Set(ctx, keyPrefix+rec.Number, raw, ttl)
		loaded++
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.NewCacheError("bootstrap", fmt.Errorf("pipeline exec: %w", err))
	}
	c.logger.WithField("loaded", loaded).Info("result cache bootstrapped")
	return loaded, nil
}
