package storage

import (
	"context"
	"fmt"

	"github.com/jesus-bazan-entel/apimovil/internal/models"
)

// BlockedIPRepository records proxy addresses the carrier has shunned, with a
// retry counter bumped on every repeat sighting.
type BlockedIPRepository struct {
	db *PostgresDB
}

// NewBlockedIPRepository creates a new blocked IP repository
func NewBlockedIPRepository(db *PostgresDB) *BlockedIPRepository {
	return &BlockedIPRepository{db: db}
}

// RecordBlock upserts a sighting: first sighting inserts the row, repeats
// increment retry_count.
func (r *BlockedIPRepository) RecordBlock(ctx context.Context, ip string, proxyID int64, ownerUser string) error {
	query := `
		INSERT INTO blocked_ips (ip, proxy_id, owner_user, retry_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (ip, owner_user)
		DO UPDATE SET retry_count = blocked_ips.retry_count + 1
	`
	if _, err := r.db.Pool().Exec(ctx, query, ip, proxyID, ownerUser); err != nil {
		return fmt.Errorf("failed to record blocked ip: %w", err)
	}
	return nil
}

// ListByUser retrieves a user's blocked IP sightings, most retried first
func (r *BlockedIPRepository) ListByUser(ctx context.Context, ownerUser string) ([]*models.BlockedIP, error) {
	query := `
		SELECT id, ip, proxy_id, owner_user, retry_count
		FROM blocked_ips
		WHERE owner_user = $1
		ORDER BY retry_count DESC
	`
	rows, err := r.db.Pool().Query(ctx, query, ownerUser)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked ips: %w", err)
	}
	defer rows.Close()

	var recs []*models.BlockedIP
	for rows.Next() {
		var rec models.BlockedIP
		if err := rows.Scan(&rec.ID, &rec.IP, &rec.ProxyID, &rec.OwnerUser, &rec.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan blocked ip: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocked ips: %w", err)
	}
	return recs, nil
}

// Clear removes a blocked IP entry once the address is usable again
func (r *BlockedIPRepository) Clear(ctx context.Context, ip, ownerUser string) error {
	if _, err := r.db.Pool().Exec(ctx,
		`DELETE FROM blocked_ips WHERE ip = $1 AND owner_user = $2`, ip, ownerUser); err != nil {
		return fmt.Errorf("failed to clear blocked ip: %w", err)
	}
	return nil
}
