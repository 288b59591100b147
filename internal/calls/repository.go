package calls

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists call sessions in PostgreSQL. Sessions are written once a
// terminal state is reached; rows are never deleted by this service.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a call sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `call_id, initiator_id, recipient_id, status,
	initiator_joined_at, initiator_left_at, recipient_joined_at, recipient_left_at,
	start_time, end_time, duration_seconds, COALESCE(recording_url,''), quality, created_at, updated_at`

// Save upserts a terminal session. Re-persisting the same call ID (e.g. after a
// retried finalize) overwrites with the latest snapshot.
func (r *Repository) Save(ctx context.Context, s Session) error {
	const q = `INSERT INTO call_sessions (call_id, initiator_id, recipient_id, status,
			initiator_joined_at, initiator_left_at, recipient_joined_at, recipient_left_at,
			start_time, end_time, duration_seconds, recording_url, quality, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULLIF($12,''),$13,$14,$15)
		ON CONFLICT (call_id) DO UPDATE SET
			status = EXCLUDED.status,
			initiator_left_at = EXCLUDED.initiator_left_at,
			recipient_joined_at = EXCLUDED.recipient_joined_at,
			recipient_left_at = EXCLUDED.recipient_left_at,
			end_time = EXCLUDED.end_time,
			duration_seconds = EXCLUDED.duration_seconds,
			recording_url = COALESCE(EXCLUDED.recording_url, call_sessions.recording_url),
			quality = EXCLUDED.quality,
			updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, q,
		s.CallID, s.InitiatorID, s.RecipientID, s.Status,
		s.InitiatorJoinedAt, s.InitiatorLeftAt, s.RecipientJoinedAt, s.RecipientLeftAt,
		s.StartTime, s.EndTime, s.DurationSeconds, s.RecordingURL, s.Quality, s.CreatedAt, s.UpdatedAt)
	return err
}

// GetByID returns a persisted session, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, callID uuid.UUID) (*Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM call_sessions WHERE call_id = $1`
	var s Session
	err := r.pool.QueryRow(ctx, q, callID).Scan(
		&s.CallID, &s.InitiatorID, &s.RecipientID, &s.Status,
		&s.InitiatorJoinedAt, &s.InitiatorLeftAt, &s.RecipientJoinedAt, &s.RecipientLeftAt,
		&s.StartTime, &s.EndTime, &s.DurationSeconds, &s.RecordingURL, &s.Quality, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListByParticipant returns the persisted call history for a user, newest first.
func (r *Repository) ListByParticipant(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM call_sessions
		WHERE initiator_id = $1 OR recipient_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(
			&s.CallID, &s.InitiatorID, &s.RecipientID, &s.Status,
			&s.InitiatorJoinedAt, &s.InitiatorLeftAt, &s.RecipientJoinedAt, &s.RecipientLeftAt,
			&s.StartTime, &s.EndTime, &s.DurationSeconds, &s.RecordingURL, &s.Quality, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// UpdateRecordingURL sets recording_url on a persisted session.
func (r *Repository) UpdateRecordingURL(ctx context.Context, callID uuid.UUID, url string) error {
	const q = `UPDATE call_sessions SET recording_url = $1, updated_at = NOW() WHERE call_id = $2`
	_, err := r.pool.Exec(ctx, q, url, callID)
	return err
}

// UpdateQuality sets the quality hint on a persisted session.
func (r *Repository) UpdateQuality(ctx context.Context, callID uuid.UUID, q Quality) error {
	const stmt = `UPDATE call_sessions SET quality = $1, updated_at = NOW() WHERE call_id = $2`
	_, err := r.pool.Exec(ctx, stmt, q, callID)
	return err
}
