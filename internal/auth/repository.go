package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikahlink/backend/internal/models"
)

// Repository handles user persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an auth repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, email, password_hash, full_name, gender, role,
	COALESCE(guardian_name,''), COALESCE(guardian_email,''), COALESCE(guardian_phone,''),
	last_seen_at, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Password, &u.FullName, &u.Gender, &u.Role,
		&u.GuardianName, &u.GuardianEmail, &u.GuardianPhone,
		&u.LastSeenAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByID returns a user by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, q, id))
}

// GetByEmail returns a user by email.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(r.pool.QueryRow(ctx, q, email))
}

// CreateUserParams holds the guardian contact collected at registration.
type CreateUserParams struct {
	GuardianName  string
	GuardianEmail string
	GuardianPhone string
}

// Create inserts a new user.
func (r *Repository) Create(ctx context.Context, email, passwordHash, fullName string, gender models.Gender, guardian *CreateUserParams) (*models.User, error) {
	const q = `INSERT INTO users (email, password_hash, full_name, gender, role, guardian_name, guardian_email, guardian_phone)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), NULLIF($7,''), NULLIF($8,''))
		RETURNING ` + userColumns
	name, mail, phone := "", "", ""
	if guardian != nil {
		name, mail, phone = guardian.GuardianName, guardian.GuardianEmail, guardian.GuardianPhone
	}
	return scanUser(r.pool.QueryRow(ctx, q, email, passwordHash, fullName, string(gender), string(models.RoleMember), name, mail, phone))
}
