package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/jesus-bazan-entel/apimovil/internal/errors"
	"github.com/jesus-bazan-entel/apimovil/internal/models"
)

// JobRepository handles job file persistence
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job file
func (r *JobRepository) Create(ctx context.Context, job *models.JobFile) error {
	query := `
		INSERT INTO job_files (id, file_name, owner_user, total_count, progress_count, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Pool().Exec(ctx, query,
		job.ID,
		job.FileName,
		job.OwnerUser,
		job.TotalCount,
		job.ProgressCount,
		job.Active,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job file: %w", err)
	}
	return nil
}

// GetByName retrieves a job file by its name and owner
func (r *JobRepository) GetByName(ctx context.Context, fileName, ownerUser string) (*models.JobFile, error) {
	query := `
		SELECT id, file_name, owner_user, total_count, progress_count, active, created_at, finished_at
		FROM job_files
		WHERE file_name = $1 AND owner_user = $2
	`
	var job models.JobFile
	err := r.db.Pool().QueryRow(ctx, query, fileName, ownerUser).Scan(
		&job.ID,
		&job.FileName,
		&job.OwnerUser,
		&job.TotalCount,
		&job.ProgressCount,
		&job.Active,
		&job.CreatedAt,
		&job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("job file", fileName)
		}
		return nil, fmt.Errorf("failed to get job file: %w", err)
	}
	return &job, nil
}

// ListByUser retrieves all job files owned by a user, newest first
func (r *JobRepository) ListByUser(ctx context.Context, ownerUser string) ([]*models.JobFile, error) {
	query := `
		SELECT id, file_name, owner_user, total_count, progress_count, active, created_at, finished_at
		FROM job_files
		WHERE owner_user = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Pool().Query(ctx, query, ownerUser)
	if err != nil {
		return nil, fmt.Errorf("failed to list job files: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListByNamePrefix retrieves a user's job files whose name starts with the
// given prefix, newest first.
func (r *JobRepository) ListByNamePrefix(ctx context.Context, ownerUser, prefix string) ([]*models.JobFile, error) {
	query := `
		SELECT id, file_name, owner_user, total_count, progress_count, active, created_at, finished_at
		FROM job_files
		WHERE owner_user = $1 AND file_name LIKE $2 || '%'
		ORDER BY created_at DESC
	`
	rows, err := r.db.Pool().Query(ctx, query, ownerUser, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list job files by prefix: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListActive retrieves every active job file across all users
func (r *JobRepository) ListActive(ctx context.Context) ([]*models.JobFile, error) {
	query := `
		SELECT id, file_name, owner_user, total_count, progress_count, active, created_at, finished_at
		FROM job_files
		WHERE active = true
		ORDER BY created_at ASC
	`
	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active job files: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListActiveByUser retrieves a user's active job files. Submission uses it
// to enforce that a user runs at most one active job at a time.
func (r *JobRepository) ListActiveByUser(ctx context.Context, ownerUser string) ([]*models.JobFile, error) {
	query := `
		SELECT id, file_name, owner_user, total_count, progress_count, active, created_at, finished_at
		FROM job_files
		WHERE owner_user = $1 AND active = true
		ORDER BY created_at ASC
	`
	rows, err := r.db.Pool().Query(ctx, query, ownerUser)
	if err != nil {
		return nil, fmt.Errorf("failed to list active job files for user: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// SetActive flips the activation flag and returns the updated job. Workers
// observe the flag between chunks, so deactivation cancels cooperatively.
func (r *JobRepository) SetActive(ctx context.Context, fileName, ownerUser string, active bool) (*models.JobFile, error) {
	query := `
		UPDATE job_files
		SET active = $3
		WHERE file_name = $1 AND owner_user = $2
		RETURNING id, file_name, owner_user, total_count, progress_count, active, created_at, finished_at
	`
	var job models.JobFile
	err := r.db.Pool().QueryRow(ctx, query, fileName, ownerUser, active).Scan(
		&job.ID,
		&job.FileName,
		&job.OwnerUser,
		&job.TotalCount,
		&job.ProgressCount,
		&job.Active,
		&job.CreatedAt,
		&job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("job file", fileName)
		}
		return nil, fmt.Errorf("failed to update job activation: %w", err)
	}
	return &job, nil
}

// UpdateTotal sets a job's total count, clearing the finish stamp when the
// new total reopens the job. Used when a resubmission carries a different
// number list for an unfinished file.
func (r *JobRepository) UpdateTotal(ctx context.Context, fileName, ownerUser string, total int) (*models.JobFile, error) {
	query := `
		UPDATE job_files
		SET total_count = $3,
		    finished_at = CASE WHEN progress_count < $3 THEN NULL ELSE finished_at END
		WHERE file_name = $1 AND owner_user = $2
		RETURNING id, file_name, owner_user, total_count, progress_count, active, created_at, finished_at
	`
	var job models.JobFile
	err := r.db.Pool().QueryRow(ctx, query, fileName, ownerUser, total).Scan(
		&job.ID,
		&job.FileName,
		&job.OwnerUser,
		&job.TotalCount,
		&job.ProgressCount,
		&job.Active,
		&job.CreatedAt,
		&job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("job file", fileName)
		}
		return nil, fmt.Errorf("failed to update job total: %w", err)
	}
	return &job, nil
}

// IncrementProgress advances the progress counter atomically. When the
// counter reaches the total the job is finished in the same statement:
// finished_at is stamped once and the activation flag drops. The updated
// job is returned so the caller can observe completion.
func (r *JobRepository) IncrementProgress(ctx context.Context, fileName, ownerUser string, delta int) (*models.JobFile, error) {
	query := `
		UPDATE job_files
		SET progress_count = LEAST(progress_count + $3, total_count),
		    finished_at = CASE
		        WHEN progress_count + $3 >= total_count AND finished_at IS NULL THEN NOW()
		        ELSE finished_at
		    END,
		    active = CASE
		        WHEN progress_count + $3 >= total_count THEN false
		        ELSE active
		    END
		WHERE file_name = $1 AND owner_user = $2
		RETURNING id, file_name, owner_user, total_count, progress_count, active, created_at, finished_at
	`
	var job models.JobFile
	err := r.db.Pool().QueryRow(ctx, query, fileName, ownerUser, delta).Scan(
		&job.ID,
		&job.FileName,
		&job.OwnerUser,
		&job.TotalCount,
		&job.ProgressCount,
		&job.Active,
		&job.CreatedAt,
		&job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("job file", fileName)
		}
		return nil, fmt.Errorf("failed to increment job progress: %w", err)
	}
	return &job, nil
}

// ResyncProgress recomputes the progress counter from the persisted records,
// finishing the job when every number is accounted for. Used by the watchdog
// when a counter drifted from the stored results.
func (r *JobRepository) ResyncProgress(ctx context.Context, fileName, ownerUser string) (*models.JobFile, error) {
	query := `
		UPDATE job_files j
		SET progress_count = sub.actual,
		    finished_at = CASE
		        WHEN sub.actual >= j.total_count AND j.finished_at IS NULL THEN NOW()
		        ELSE j.finished_at
		    END,
		    active = CASE WHEN sub.actual >= j.total_count THEN false ELSE j.active END
		FROM (
			SELECT COUNT(*) AS actual
			FROM phone_records
			WHERE file_name = $1 AND owner_user = $2
		) sub
		WHERE j.file_name = $1 AND j.owner_user = $2
		RETURNING j.id, j.file_name, j.owner_user, j.total_count, j.progress_count, j.active, j.created_at, j.finished_at
	`
	var job models.JobFile
	err := r.db.Pool().QueryRow(ctx, query, fileName, ownerUser).Scan(
		&job.ID,
		&job.FileName,
		&job.OwnerUser,
		&job.TotalCount,
		&job.ProgressCount,
		&job.Active,
		&job.CreatedAt,
		&job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("job file", fileName)
		}
		return nil, fmt.Errorf("failed to resync job progress: %w", err)
	}
	return &job, nil
}

// DeactivateOlderThan force-deactivates active jobs created before the
// cutoff and returns how many were touched.
func (r *JobRepository) DeactivateOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE job_files
		SET active = false
		WHERE active = true AND created_at < $1
	`
	result, err := r.db.Pool().Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate stale jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

// Delete removes a job file row
func (r *JobRepository) Delete(ctx context.Context, fileName, ownerUser string) error {
	query := `DELETE FROM job_files WHERE file_name = $1 AND owner_user = $2`
	result, err := r.db.Pool().Exec(ctx, query, fileName, ownerUser)
	if err != nil {
		return fmt.Errorf("failed to delete job file: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("job file", fileName)
	}
	return nil
}

func scanJobs(rows pgx.Rows) ([]*models.JobFile, error) {
	var jobs []*models.JobFile
	for rows.Next() {
		var job models.JobFile
		err := rows.Scan(
			&job.ID,
			&job.FileName,
			&job.OwnerUser,
			&job.TotalCount,
			&job.ProgressCount,
			&job.Active,
			&job.CreatedAt,
			&job.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job file: %w", err)
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job files: %w", err)
	}
	return jobs, nil
}
