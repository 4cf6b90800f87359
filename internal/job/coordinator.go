package job

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jesus-bazan-entel/apimovil/internal/cache"
	"github.com/jesus-bazan-entel/apimovil/internal/circuitbreaker"
	"github.com/jesus-bazan-entel/apimovil/internal/config"
	apperrors "github.com/jesus-bazan-entel/apimovil/internal/errors"
	"github.com/jesus-bazan-entel/apimovil/internal/logging"
	"github.com/jesus-bazan-entel/apimovil/internal/models"
	"github.com/jesus-bazan-entel/apimovil/internal/proxy"
	"github.com/jesus-bazan-entel/apimovil/internal/resolver"
	"github.com/jesus-bazan-entel/apimovil/internal/retry"
)

// JobStore persists job files
type JobStore interface {
	Create(ctx context.Context, job *models.JobFile) error
	GetByName(ctx context.Context, fileName, ownerUser string) (*models.JobFile, error)
	ListByUser(ctx context.Context, ownerUser string) ([]*models.JobFile, error)
	ListByNamePrefix(ctx context.Context, ownerUser, prefix string) ([]*models.JobFile, error)
	ListActive(ctx context.Context) ([]*models.JobFile, error)
	ListActiveByUser(ctx context.Context, ownerUser string) ([]*models.JobFile, error)
	SetActive(ctx context.Context, fileName, ownerUser string, active bool) (*models.JobFile, error)
	UpdateTotal(ctx context.Context, fileName, ownerUser string, total int) (*models.JobFile, error)
	IncrementProgress(ctx context.Context, fileName, ownerUser string, delta int) (*models.JobFile, error)
	ResyncProgress(ctx context.Context, fileName, ownerUser string) (*models.JobFile, error)
	DeactivateOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Delete(ctx context.Context, fileName, ownerUser string) error
}

// RecordStore persists resolved phone records
type RecordStore interface {
	CreateBatch(ctx context.Context, recs []*models.PhoneRecord) error
	ListByFile(ctx context.Context, fileName, ownerUser string) ([]*models.PhoneRecord, error)
	NumbersDone(ctx context.Context, fileName, ownerUser string) (map[string]bool, error)
	FindFresh(ctx context.Context, number string, freshness time.Duration) (*models.PhoneRecord, error)
	DeleteByFile(ctx context.Context, fileName, ownerUser string) (int64, error)
}

// ProxyStore loads registered proxy credentials
type ProxyStore interface {
	ListByUser(ctx context.Context, ownerUser string) ([]*models.ProxyRecord, error)
}

// BlockStore records carrier-shunned proxy addresses
type BlockStore interface {
	RecordBlock(ctx context.Context, ip string, proxyID int64, ownerUser string) error
}

// OperatorCache is the cache-aside layer in front of stored records
type OperatorCache interface {
	Get(ctx context.Context, number string) (*cache.Entry, bool, error)
	Put(ctx context.Context, number, operator, sourceFile string) error
}

// NumberResolver resolves one number over the network
type NumberResolver interface {
	Resolve(ctx context.Context, user, phone string) (*resolver.Resolution, error)
}

// SubmitResult summarizes what a submission did
type SubmitResult struct {
	Job       *models.JobFile `json:"job"`
	Remaining int             `json:"remaining"`
	Resumed   bool            `json:"resumed"`
	Duplicate int             `json:"duplicate"`
}

// Lookup is the answer to a single-number query
type Lookup struct {
	Number   string `json:"number"`
	Operator string `json:"operator"`
	Source   string `json:"source"`
}

// Coordinator accepts batch submissions and drives them to completion. Each
// user's work runs on that user's registry worker, so files submitted by one
// user process strictly in order while users proceed independently.
type Coordinator struct {
	cfg       config.BatchConfig
	freshness time.Duration

	jobs     JobStore
	records  RecordStore
	proxies  ProxyStore
	blocks   BlockStore
	cache    OperatorCache
	resolver NumberResolver
	pool     *proxy.Pool
	registry *Registry
	queue    redis.UniversalClient
	logger   *logging.Logger

	stuckAfter time.Duration
}

// NewCoordinator wires the coordinator. blocks may be nil.
func NewCoordinator(
	cfg config.BatchConfig,
	cacheCfg config.CacheConfig,
	watchdogCfg config.WatchdogConfig,
	jobs JobStore,
	records RecordStore,
	proxies ProxyStore,
	blocks BlockStore,
	operatorCache OperatorCache,
	numberResolver NumberResolver,
	pool *proxy.Pool,
	registry *Registry,
	queue redis.UniversalClient,
	logger *logging.Logger,
) *Coordinator {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Coordinator{
		cfg:        cfg,
		freshness:  cacheCfg.Freshness,
		jobs:       jobs,
		records:    records,
		proxies:    proxies,
		blocks:     blocks,
		cache:      operatorCache,
		resolver:   numberResolver,
		pool:       pool,
		registry:   registry,
		queue:      queue,
		logger:     logger.WithField("component", "batch_coordinator"),
		stuckAfter: watchdogCfg.StuckAfter,
	}
}

func pendingKey(user, fileName string) string {
	return fmt.Sprintf("user_queue:%s:%s", user, fileName)
}

// Submit registers a number list under a file name and schedules its
// processing. Resubmitting an inactive file resumes the unfinished
// remainder; resubmitting an active file is rejected.
func (c *Coordinator) Submit(ctx context.Context, user, fileName string, numbers []string) (*SubmitResult, error) {
	if fileName == "" {
		return nil, apperrors.NewValidationError("file_name", "must not be empty")
	}
	unique := dedupeNumbers(numbers)
	if len(unique) == 0 {
		return nil, apperrors.NewValidationError("numbers", "no valid numbers in submission")
	}
	duplicates := len(numbers) - len(unique)

	// stale active jobs from before the cutoff are released at submission
	// time so they cannot wedge the user's queue forever
	cutoff := time.Now().Add(-c.stuckAfter)
	if n, err := c.jobs.DeactivateOlderThan(ctx, cutoff); err != nil {
		c.logger.WithError(err).Warn("stale job cleanup failed")
	} else if n > 0 {
		c.logger.WithField("released", n).Info("force-deactivated stale jobs at submission")
	}

	// one active job per user, regardless of file
	active, err := c.jobs.ListActiveByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	for _, a := range active {
		if a.FileName != fileName {
			return nil, apperrors.NewConflictError(fmt.Sprintf("user %s already has an active job: %s", user, a.FileName))
		}
	}

	existing, err := c.jobs.GetByName(ctx, fileName, user)
	if err != nil && !apperrors.IsNotFound(err) {
		return nil, err
	}

	var job *models.JobFile
	resumed := false
	var remaining []string

	if existing != nil {
		if existing.Active {
			return nil, apperrors.NewConflictError(fmt.Sprintf("file %s is already being processed", fileName))
		}
		done, err := c.records.NumbersDone(ctx, fileName, user)
		if err != nil {
			return nil, err
		}
		for _, n := range unique {
			if !done[n] {
				remaining = append(remaining, n)
			}
		}
		if len(remaining) == 0 {
			job, err = c.jobs.ResyncProgress(ctx, fileName, user)
			if err != nil {
				return nil, err
			}
			return &SubmitResult{Job: job, Remaining: 0, Resumed: true, Duplicate: duplicates}, nil
		}
		// the resubmitted list may differ from the original
		newTotal := len(done) + len(remaining)
		if newTotal != existing.TotalCount {
			if _, err := c.jobs.UpdateTotal(ctx, fileName, user, newTotal); err != nil {
				return nil, err
			}
		}
		job, err = c.jobs.SetActive(ctx, fileName, user, true)
		if err != nil {
			return nil, err
		}
		resumed = true
	} else {
		job = &models.JobFile{
			ID:         uuid.New().String(),
			FileName:   fileName,
			OwnerUser:  user,
			TotalCount: len(unique),
			Active:     true,
			CreatedAt:  time.Now(),
		}
		if err := c.jobs.Create(ctx, job); err != nil {
			return nil, err
		}
		remaining = unique
	}

	if err := c.refreshIdentities(ctx, user); err != nil {
		return nil, err
	}

	// numbers the cache can already answer become records right here, so a
	// mostly cached file advances without dispatching anything
	misses, hits := c.splitCachedHits(ctx, user, fileName, remaining)
	if len(hits) > 0 {
		if err := c.records.CreateBatch(ctx, hits); err != nil {
			c.logger.WithError(err).Warn("failed to persist cache hits, queueing them instead")
			misses = remaining
		} else if j, err := c.jobs.IncrementProgress(ctx, fileName, user, len(hits)); err != nil {
			c.logger.WithError(err).Warn("progress increment failed")
		} else {
			job = j
		}
	}
	remaining = misses

	key := pendingKey(user, fileName)
	if len(remaining) > 0 {
		pipe := c.queue.TxPipeline()
		pipe.Del(ctx, key)
		args := make([]interface{}, len(remaining))
		for i, n := range remaining {
			args[i] = n
		}
		pipe.RPush(ctx, key, args...)
		pipe.Expire(ctx, key, 48*time.Hour)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, apperrors.NewCacheError("enqueue pending numbers", err)
		}
		c.ScheduleDispatch(user, fileName)
	} else {
		c.queue.Del(ctx, key)
	}

	c.logger.WithFields(map[string]interface{}{
		"user":      user,
		"file":      fileName,
		"total":     job.TotalCount,
		"remaining": len(remaining),
		"resumed":   resumed,
	}).Info("job submitted")

	return &SubmitResult{Job: job, Remaining: len(remaining), Resumed: resumed, Duplicate: duplicates}, nil
}

// Pause deactivates a job; its worker stops at the next chunk boundary.
// Pending numbers stay queued so a later submission resumes cleanly.
func (c *Coordinator) Pause(ctx context.Context, user, fileName string) (*models.JobFile, error) {
	job, err := c.jobs.SetActive(ctx, fileName, user, false)
	if err != nil {
		return nil, err
	}
	c.logger.WithFields(map[string]interface{}{"user": user, "file": fileName}).Info("job paused")
	return job, nil
}

// Remove deactivates a job and deletes it along with its records and queue
func (c *Coordinator) Remove(ctx context.Context, user, fileName string) error {
	if _, err := c.jobs.SetActive(ctx, fileName, user, false); err != nil && !apperrors.IsNotFound(err) {
		return err
	}
	if _, err := c.records.DeleteByFile(ctx, fileName, user); err != nil {
		return err
	}
	c.queue.Del(ctx, pendingKey(user, fileName))
	if err := c.jobs.Delete(ctx, fileName, user); err != nil {
		return err
	}
	c.logger.WithFields(map[string]interface{}{"user": user, "file": fileName}).Info("job removed")
	return nil
}

// Consult returns a job and every record resolved for it so far
func (c *Coordinator) Consult(ctx context.Context, user, fileName string) (*models.JobFile, []*models.PhoneRecord, error) {
	job, err := c.jobs.GetByName(ctx, fileName, user)
	if err != nil {
		return nil, nil, err
	}
	recs, err := c.records.ListByFile(ctx, fileName, user)
	if err != nil {
		return nil, nil, err
	}
	return job, recs, nil
}

// ListJobs returns a user's jobs, optionally filtered by name prefix
func (c *Coordinator) ListJobs(ctx context.Context, user, prefix string) ([]*models.JobFile, error) {
	if prefix != "" {
		return c.jobs.ListByNamePrefix(ctx, user, prefix)
	}
	return c.jobs.ListByUser(ctx, user)
}

// LookupOne answers a single-number query through the same cache-aside path
// the batch workers use: cache, then stored records, then the network.
func (c *Coordinator) LookupOne(ctx context.Context, user, number string) (*Lookup, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, apperrors.NewValidationError("number", "must not be empty")
	}
	if err := c.refreshIdentities(ctx, user); err != nil {
		return nil, err
	}
	rec, err := c.resolveOne(ctx, user, "", number)
	if err != nil {
		return nil, err
	}
	return &Lookup{Number: number, Operator: rec.Operator, Source: rec.Source}, nil
}

// ScheduleDispatch queues a dispatch pass for the file on the user's worker
func (c *Coordinator) ScheduleDispatch(user, fileName string) {
	c.registry.Enqueue(user, func(ctx context.Context) {
		c.runJob(ctx, user, fileName)
	})
}

// runJob drains the file's pending queue chunk by chunk, persisting results
// and advancing progress. The activation flag is re-read at every chunk
// boundary, so Pause and Remove take effect cooperatively.
func (c *Coordinator) runJob(ctx context.Context, user, fileName string) {
	log := c.logger.WithFields(map[string]interface{}{"user": user, "file": fileName})
	key := pendingKey(user, fileName)

	for {
		job, err := c.jobs.GetByName(ctx, fileName, user)
		if err != nil {
			log.WithError(err).Error("failed to load job, abandoning dispatch")
			return
		}
		if !job.Active {
			log.Info("job inactive, stopping dispatch")
			return
		}

		chunk, err := c.queue.LPopCount(ctx, key, c.cfg.ChunkSize).Result()
		if err != nil && err != redis.Nil {
			log.WithError(err).Error("failed to pop pending chunk")
			return
		}
		if len(chunk) == 0 {
			// counter may trail the stored records after a crash
			if job.ProgressCount < job.TotalCount {
				if _, err := c.jobs.ResyncProgress(ctx, fileName, user); err != nil {
					log.WithError(err).Warn("progress resync failed")
				}
			}
			log.Info("pending queue drained")
			return
		}

		resolved, unprocessed := c.processChunk(ctx, user, fileName, chunk)

		if len(resolved) > 0 {
			err := retry.Do(ctx, nil, func(ctx context.Context, _ int) error {
				return c.records.CreateBatch(ctx, resolved)
			})
			if err != nil {
				log.WithError(err).Error("failed to persist chunk, requeueing")
				unprocessed = append(recordNumbers(resolved), unprocessed...)
			} else {
				if _, err := c.jobs.IncrementProgress(ctx, fileName, user, len(resolved)); err != nil {
					log.WithError(err).Warn("progress increment failed")
				}
			}
		}

		if len(unprocessed) > 0 {
			c.requeueFront(ctx, key, unprocessed)
			c.recordBlockedIdentities(ctx, user)
			log.WithField("requeued", len(unprocessed)).Warn("chunk incomplete, backing off before retry")
		}

		select {
		case <-time.After(c.cfg.DispatchDelay):
		case <-ctx.Done():
			return
		}
	}
}

// processChunk resolves a chunk with bounded parallelism. Numbers that could
// not be attempted because all proxy capacity was exhausted come back in
// unprocessed, in their original order.
func (c *Coordinator) processChunk(ctx context.Context, user, fileName string, numbers []string) ([]*models.PhoneRecord, []string) {
	parallelism := len(c.pool.Identities(user))
	if parallelism < 1 {
		parallelism = 1
	}
	if parallelism > 8 {
		parallelism = 8
	}

	var mu sync.Mutex
	var resolved []*models.PhoneRecord
	var unprocessed []string
	capacityGone := false

	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for _, number := range numbers {
		mu.Lock()
		skip := capacityGone
		if skip {
			unprocessed = append(unprocessed, number)
		}
		mu.Unlock()
		if skip {
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(number string) {
			defer wg.Done()
			defer func() { <-sem }()

			rec, err := c.resolveOne(ctx, user, fileName, number)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				unprocessed = append(unprocessed, number)
				if apperrors.IsCapacityExhausted(err) {
					capacityGone = true
				}
				return
			}
			resolved = append(resolved, rec)
		}(number)
	}
	wg.Wait()
	return resolved, unprocessed
}

// splitCachedHits separates the numbers the cache can already answer from
// the ones that need the queue
func (c *Coordinator) splitCachedHits(ctx context.Context, user, fileName string, numbers []string) ([]string, []*models.PhoneRecord) {
	var misses []string
	var hits []*models.PhoneRecord
	for _, n := range numbers {
		entry, ok, err := c.cache.Get(ctx, n)
		if err != nil || !ok {
			if err != nil {
				c.logger.WithError(err).Warn("cache read failed, queueing number")
			}
			misses = append(misses, n)
			continue
		}
		hits = append(hits, &models.PhoneRecord{
			FileName:   fileName,
			Number:     n,
			Operator:   entry.Operator,
			OwnerUser:  user,
			Source:     models.SourceCache,
			ObservedAt: time.Now(),
		})
	}
	return misses, hits
}

// resolveOne answers one number: result cache first, then stored records
// within the freshness window, then the network.
func (c *Coordinator) resolveOne(ctx context.Context, user, fileName, number string) (*models.PhoneRecord, error) {
	if entry, ok, err := c.cache.Get(ctx, number); err == nil && ok {
		return &models.PhoneRecord{
			FileName:   fileName,
			Number:     number,
			Operator:   entry.Operator,
			OwnerUser:  user,
			Source:     models.SourceCache,
			ObservedAt: time.Now(),
		}, nil
	} else if err != nil {
		c.logger.WithError(err).Warn("cache read failed, falling through")
	}

	if prior, err := c.records.FindFresh(ctx, number, c.freshness); err == nil && prior != nil {
		if err := c.cache.Put(ctx, number, prior.Operator, prior.FileName); err != nil {
			c.logger.WithError(err).Debug("cache backfill failed")
		}
		return &models.PhoneRecord{
			FileName:   fileName,
			Number:     number,
			Operator:   prior.Operator,
			OwnerUser:  user,
			Source:     models.SourceDatabase,
			ObservedAt: time.Now(),
		}, nil
	} else if err != nil {
		c.logger.WithError(err).Warn("record lookup failed, falling through")
	}

	res, err := c.resolver.Resolve(ctx, user, number)
	if err != nil {
		return nil, err
	}
	if models.IsValidOperator(res.Operator) {
		if err := c.cache.Put(ctx, number, res.Operator, fileName); err != nil {
			c.logger.WithError(err).Debug("cache write failed")
		}
	}
	return &models.PhoneRecord{
		FileName:   fileName,
		Number:     number,
		Operator:   res.Operator,
		OwnerUser:  user,
		Source:     res.Source,
		ObservedAt: time.Now(),
	}, nil
}

// refreshIdentities reloads the user's proxy credentials into the pool
func (c *Coordinator) refreshIdentities(ctx context.Context, user string) error {
	recs, err := c.proxies.ListByUser(ctx, user)
	if err != nil {
		return err
	}
	ids := proxy.ExpandIdentities(recs)
	if len(ids) == 0 {
		return apperrors.NewCapacityExhaustedError(user)
	}
	c.pool.AddIdentities(ids)
	return nil
}

// recordBlockedIdentities audits identities the pool currently shuns
func (c *Coordinator) recordBlockedIdentities(ctx context.Context, user string) {
	if c.blocks == nil {
		return
	}
	byKey := make(map[string]*proxy.Identity)
	for _, id := range c.pool.Identities(user) {
		byKey[id.Key()] = id
	}
	for _, st := range c.pool.Stats(user) {
		if !st.Blacklisted && st.BreakerState != circuitbreaker.StateOpen {
			continue
		}
		id, ok := byKey[st.Key]
		if !ok {
			continue
		}
		if err := c.blocks.RecordBlock(ctx, id.IP, id.ProxyID, user); err != nil {
			c.logger.WithError(err).Debug("blocked ip audit failed")
		}
	}
}

// PendingCount returns how many numbers remain queued for a file
func (c *Coordinator) PendingCount(ctx context.Context, user, fileName string) (int64, error) {
	n, err := c.queue.LLen(ctx, pendingKey(user, fileName)).Result()
	if err != nil && err != redis.Nil {
		return 0, apperrors.NewCacheError("pending count", err)
	}
	return n, nil
}

// requeueFront pushes numbers back to the head of the pending queue,
// preserving their original order.
func (c *Coordinator) requeueFront(ctx context.Context, key string, numbers []string) {
	for i := len(numbers) - 1; i >= 0; i-- {
		if err := c.queue.LPush(ctx, key, numbers[i]).Err(); err != nil {
			c.logger.WithError(err).Error("failed to requeue number")
			return
		}
	}
}

func dedupeNumbers(numbers []string) []string {
	seen := make(map[string]bool, len(numbers))
	out := make([]string, 0, len(numbers))
	for _, n := range numbers {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func recordNumbers(recs []*models.PhoneRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Number
	}
	return out
}
