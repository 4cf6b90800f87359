package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jesus-bazan-entel/apimovil/internal/models"
)

// RecordRepository handles resolved phone record persistence
type RecordRepository struct {
	db *PostgresDB
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(db *PostgresDB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Create inserts one resolved record
func (r *RecordRepository) Create(ctx context.Context, rec *models.PhoneRecord) error {
	query := `
		INSERT INTO phone_records (file_name, number, operator, owner_user, source, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := r.db.Pool().QueryRow(ctx, query,
		rec.FileName,
		rec.Number,
		rec.Operator,
		rec.OwnerUser,
		rec.Source,
		rec.ObservedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to create phone record: %w", err)
	}
	return nil
}

// CreateBatch inserts resolved records in one round trip
func (r *RecordRepository) CreateBatch(ctx context.Context, recs []*models.PhoneRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `
		INSERT INTO phone_records (file_name, number, operator, owner_user, source, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, rec := range recs {
		batch.Queue(query, rec.FileName, rec.Number, rec.Operator, rec.OwnerUser, rec.Source, rec.ObservedAt)
	}
	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()
	for range recs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert phone record batch: %w", err)
		}
	}
	return nil
}

// ListByFile retrieves all records persisted for one job file
func (r *RecordRepository) ListByFile(ctx context.Context, fileName, ownerUser string) ([]*models.PhoneRecord, error) {
	query := `
		SELECT id, file_name, number, operator, owner_user, source, observed_at
		FROM phone_records
		WHERE file_name = $1 AND owner_user = $2
		ORDER BY id ASC
	`
	rows, err := r.db.Pool().Query(ctx, query, fileName, ownerUser)
	if err != nil {
		return nil, fmt.Errorf("failed to list phone records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// NumbersDone returns the set of numbers already persisted for a job file.
// Used on resubmission so a resumed job only works the remainder.
func (r *RecordRepository) NumbersDone(ctx context.Context, fileName, ownerUser string) (map[string]bool, error) {
	query := `
		SELECT number
		FROM phone_records
		WHERE file_name = $1 AND owner_user = $2
	`
	rows, err := r.db.Pool().Query(ctx, query, fileName, ownerUser)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted numbers: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var number string
		if err := rows.Scan(&number); err != nil {
			return nil, fmt.Errorf("failed to scan number: %w", err)
		}
		done[number] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating numbers: %w", err)
	}
	return done, nil
}

// FindFresh looks a number up across all files, returning the most recent
// valid resolution observed within the freshness window. Sentinel failure
// markers never satisfy the lookup.
func (r *RecordRepository) FindFresh(ctx context.Context, number string, freshness time.Duration) (*models.PhoneRecord, error) {
	query := `
		SELECT id, file_name, number, operator, owner_user, source, observed_at
		FROM phone_records
		WHERE number = $1
		  AND observed_at > NOW() - $2::interval
		  AND operator != ALL($3)
		ORDER BY observed_at DESC
		LIMIT 1
	`
	interval := fmt.Sprintf("%d seconds", int(freshness.Seconds()))
	var rec models.PhoneRecord
	err := r.db.Pool().QueryRow(ctx, query, number, interval, models.InvalidOperators).Scan(
		&rec.ID,
		&rec.FileName,
		&rec.Number,
		&rec.Operator,
		&rec.OwnerUser,
		&rec.Source,
		&rec.ObservedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find fresh record: %w", err)
	}
	return &rec, nil
}

// ListFresh returns the newest valid resolution per number observed within
// the freshness window. Used to warm the result cache at startup.
func (r *RecordRepository) ListFresh(ctx context.Context, freshness time.Duration) ([]*models.PhoneRecord, error) {
	query := `
		SELECT DISTINCT ON (number)
		       id, file_name, number, operator, owner_user, source, observed_at
		FROM phone_records
		WHERE observed_at > NOW() - $1::interval
		  AND operator != ALL($2)
		ORDER BY number, observed_at DESC
	`
	interval := fmt.Sprintf("%d seconds", int(freshness.Seconds()))
	rows, err := r.db.Pool().Query(ctx, query, interval, models.InvalidOperators)
	if err != nil {
		return nil, fmt.Errorf("failed to list fresh records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountByFile returns how many records exist for a job file
func (r *RecordRepository) CountByFile(ctx context.Context, fileName, ownerUser string) (int, error) {
	query := `SELECT COUNT(*) FROM phone_records WHERE file_name = $1 AND owner_user = $2`
	var count int
	if err := r.db.Pool().QueryRow(ctx, query, fileName, ownerUser).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count phone records: %w", err)
	}
	return count, nil
}

// DeleteByFile removes every record belonging to a job file
func (r *RecordRepository) DeleteByFile(ctx context.Context, fileName, ownerUser string) (int64, error) {
	query := `DELETE FROM phone_records WHERE file_name = $1 AND owner_user = $2`
	result, err := r.db.Pool().Exec(ctx, query, fileName, ownerUser)
	if err != nil {
		return 0, fmt.Errorf("failed to delete phone records: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanRecords(rows pgx.Rows) ([]*models.PhoneRecord, error) {
	var recs []*models.PhoneRecord
	for rows.Next() {
		var rec models.PhoneRecord
		err := rows.Scan(
			&rec.ID,
			&rec.FileName,
			&rec.Number,
			&rec.Operator,
			&rec.OwnerUser,
			&rec.Source,
			&rec.ObservedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan phone record: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phone records: %w", err)
	}
	return recs, nil
}
