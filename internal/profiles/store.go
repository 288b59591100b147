// Package profiles is the narrow read/write surface onto the user-profile
// store consumed by presence and guardian oversight. Both calls are
// best-effort: errors are treated as "absent"/"ignored" by callers.
package profiles

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikahlink/backend/internal/models"
)

// Participant is the slice of a user profile oversight needs.
type Participant struct {
	ID       uuid.UUID
	FullName string
	Gender   models.Gender
}

// GuardianContact is the oversight contact on file for a user.
type GuardianContact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Directory resolves call participants and their guardian contacts.
// A nil result with nil error means "not on file".
type Directory interface {
	GetParticipant(ctx context.Context, userID uuid.UUID) (*Participant, error)
	FindGuardianContact(ctx context.Context, userID uuid.UUID) (*GuardianContact, error)
}

// Store is the PostgreSQL-backed profile store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a profile store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetParticipant returns the participant profile, or nil when unknown.
func (s *Store) GetParticipant(ctx context.Context, userID uuid.UUID) (*Participant, error) {
	const q = `SELECT id, full_name, gender FROM users WHERE id = $1`
	var p Participant
	err := s.pool.QueryRow(ctx, q, userID).Scan(&p.ID, &p.FullName, &p.Gender)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// FindGuardianContact returns the guardian contact for userID, or nil when no
// guardian is on file.
func (s *Store) FindGuardianContact(ctx context.Context, userID uuid.UUID) (*GuardianContact, error) {
	const q = `SELECT COALESCE(guardian_name,''), COALESCE(guardian_email,''), COALESCE(guardian_phone,'')
		FROM users WHERE id = $1`
	var gc GuardianContact
	err := s.pool.QueryRow(ctx, q, userID).Scan(&gc.Name, &gc.Email, &gc.Phone)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if gc.Email == "" && gc.Phone == "" {
		return nil, nil
	}
	return &gc, nil
}

// RecordLastSeen stamps the user's last-seen timestamp on disconnect.
// Satisfies presence.LastSeenRecorder; the user ID arrives as the opaque
// registry key.
func (s *Store) RecordLastSeen(ctx context.Context, userID string, at time.Time) error {
	id, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	const q = `UPDATE users SET last_seen_at = $1, updated_at = NOW() WHERE id = $2`
	_, err = s.pool.Exec(ctx, q, at, id)
	return err
}
