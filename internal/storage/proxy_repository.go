package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jesus-bazan-entel/apimovil/internal/models"
)

// ProxyRepository handles proxy credential persistence
type ProxyRepository struct {
	db *PostgresDB
}

// NewProxyRepository creates a new proxy repository
func NewProxyRepository(db *PostgresDB) *ProxyRepository {
	return &ProxyRepository{db: db}
}

// ListByUser retrieves the proxies registered for a user
func (r *ProxyRepository) ListByUser(ctx context.Context, ownerUser string) ([]*models.ProxyRecord, error) {
	query := `
		SELECT id, ip, port, username, password, owner_user
		FROM proxies
		WHERE owner_user = $1
		ORDER BY id ASC
	`
	rows, err := r.db.Pool().Query(ctx, query, ownerUser)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}
	defer rows.Close()
	return scanProxies(rows)
}

// ListAll retrieves every registered proxy
func (r *ProxyRepository) ListAll(ctx context.Context) ([]*models.ProxyRecord, error) {
	query := `
		SELECT id, ip, port, username, password, owner_user
		FROM proxies
		ORDER BY owner_user, id ASC
	`
	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}
	defer rows.Close()
	return scanProxies(rows)
}

// Create registers a proxy for a user
func (r *ProxyRepository) Create(ctx context.Context, rec *models.ProxyRecord) error {
	query := `
		INSERT INTO proxies (ip, port, username, password, owner_user)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := r.db.Pool().QueryRow(ctx, query,
		rec.IP, rec.Port, rec.Username, rec.Password, rec.OwnerUser,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}
	return nil
}

// Delete removes a proxy by ID
func (r *ProxyRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM proxies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete proxy: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("proxy not found: %d", id)
	}
	return nil
}

func scanProxies(rows pgx.Rows) ([]*models.ProxyRecord, error) {
	var recs []*models.ProxyRecord
	for rows.Next() {
		var rec models.ProxyRecord
		err := rows.Scan(&rec.ID, &rec.IP, &rec.Port, &rec.Username, &rec.Password, &rec.OwnerUser)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proxy: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating proxies: %w", err)
	}
	return recs, nil
}
