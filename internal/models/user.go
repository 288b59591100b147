package models

import (
	"time"

	"github.com/google/uuid"
)

// Role represents user role in the platform.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Gender of a platform user, as declared at registration.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// User represents a platform user. Guardian contact fields are the oversight
// contact notified of call activity; empty when no guardian is on file.
type User struct {
	ID            uuid.UUID  `json:"id"`
	Email         string     `json:"email"`
	Password      string     `json:"-"`
	FullName      string     `json:"full_name"`
	Gender        Gender     `json:"gender"`
	Role          Role       `json:"role"`
	GuardianName  string     `json:"guardian_name,omitempty"`
	GuardianEmail string     `json:"guardian_email,omitempty"`
	GuardianPhone string     `json:"guardian_phone,omitempty"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// UserPublic is User without sensitive fields for API responses.
type UserPublic struct {
	ID         uuid.UUID  `json:"id"`
	Email      string     `json:"email"`
	FullName   string     `json:"full_name"`
	Gender     Gender     `json:"gender"`
	Role       Role       `json:"role"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ToPublic converts User to UserPublic.
func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:         u.ID,
		Email:      u.Email,
		FullName:   u.FullName,
		Gender:     u.Gender,
		Role:       u.Role,
		LastSeenAt: u.LastSeenAt,
		CreatedAt:  u.CreatedAt,
	}
}
