package recordings

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists recording asset rows in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recording assets repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a new asset row.
func (r *Repository) Insert(ctx context.Context, a *Asset) error {
	const q = `INSERT INTO recording_assets (id, call_id, storage_key, size_bytes, mime_type, url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, q, a.ID, a.CallID, a.StorageKey, a.SizeBytes, a.MimeType, a.URL, a.CreatedAt)
	return err
}

// ListByCall returns all assets for a call, newest first.
func (r *Repository) ListByCall(ctx context.Context, callID uuid.UUID) ([]Asset, error) {
	const q = `SELECT id, call_id, storage_key, size_bytes, mime_type, COALESCE(url,''), created_at
		FROM recording_assets WHERE call_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.ID, &a.CallID, &a.StorageKey, &a.SizeBytes, &a.MimeType, &a.URL, &a.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}
