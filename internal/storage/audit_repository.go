package storage

import (
	"context"
	"sync"
	"time"

	"github.com/jesus-bazan-entel/apimovil/internal/logging"
	"github.com/jesus-bazan-entel/apimovil/internal/models"
)

const (
	auditBufferSize    = 4096
	auditFlushSize     = 200
	auditFlushInterval = 5 * time.Second
)

// AuditRepository appends lookup attempt rows to ClickHouse. Writes are
// buffered and flushed in the background so the resolution loop never blocks
// on the audit trail; rows are dropped when the buffer is full.
type AuditRepository struct {
	db     *ClickHouseDB
	logger *logging.Logger

	attempts chan *models.LookupAttempt
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewAuditRepository creates the repository and starts its flush loop
func NewAuditRepository(db *ClickHouseDB, logger *logging.Logger) *AuditRepository {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	r := &AuditRepository{
		db:       db,
		logger:   logger.WithField("component", "audit_repository"),
		attempts: make(chan *models.LookupAttempt, auditBufferSize),
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.flushLoop()
	return r
}

// RecordAttempt enqueues one attempt row. Never blocks; an overflowing
// buffer sheds rows rather than stall a resolution.
func (r *AuditRepository) RecordAttempt(_ context.Context, attempt *models.LookupAttempt) {
	select {
	case r.attempts <- attempt:
	default:
		r.logger.Warn("audit buffer full, dropping attempt row")
	}
}

// Close flushes pending rows and stops the background loop
func (r *AuditRepository) Close() {
	close(r.done)
	r.wg.Wait()
}

func (r *AuditRepository) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	pending := make([]*models.LookupAttempt, 0, auditFlushSize)
	for {
		select {
		case attempt := <-r.attempts:
			pending = append(pending, attempt)
			if len(pending) >= auditFlushSize {
				r.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				r.flush(pending)
				pending = pending[:0]
			}
		case <-r.done:
			for {
				select {
				case attempt := <-r.attempts:
					pending = append(pending, attempt)
				default:
					if len(pending) > 0 {
						r.flush(pending)
					}
					return
				}
			}
		}
	}
}

func (r *AuditRepository) flush(rows []*models.LookupAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO lookup_attempts (
			owner_user, phone_number, identity_key, attempt, outcome, detail, elapsed_ms, observed_at
		)
	`)
	if err != nil {
		r.logger.WithError(err).Error("failed to prepare audit batch")
		return
	}

	for _, row := range rows {
		err = batch.Append(
			row.OwnerUser,
			row.PhoneNumber,
			row.IdentityKey,
			int32(row.Attempt),
			row.Outcome,
			row.Detail,
			row.Elapsed.Milliseconds(),
			row.ObservedAt,
		)
		if err != nil {
			r.logger.WithError(err).Error("failed to append audit row")
			return
		}
	}
	if err := batch.Send(); err != nil {
		r.logger.WithError(err).Error("failed to send audit batch")
		return
	}
	r.logger.WithField("rows", len(rows)).Debug("audit batch flushed")
}

// InitAuditSchema creates the ClickHouse table backing the audit trail
func InitAuditSchema(ctx context.Context, db *ClickHouseDB) error {
	return db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS lookup_attempts (
			owner_user   String,
			phone_number String,
			identity_key String,
			attempt      Int32,
			outcome      String,
			detail       String,
			elapsed_ms   Int64,
			observed_at  DateTime64(3)
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(observed_at)
		ORDER BY (owner_user, observed_at)
		TTL toDateTime(observed_at) + INTERVAL 90 DAY
	`)
}
