// Package calls models a call attempt from initiation to a terminal outcome and
// owns its lifecycle state machine.
package calls

import (
	"time"

	"github.com/google/uuid"
)

// Status is the call session lifecycle state.
type Status string

const (
	StatusRequested Status = "requested"
	StatusRinging   Status = "ringing"
	StatusAccepted  Status = "accepted"
	StatusOngoing   Status = "ongoing"
	StatusEnded     Status = "ended"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusDeclined, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Quality is a coarse signal-quality hint, settable post-hoc.
type Quality string

const (
	QualityGood Quality = "good"
	QualityFair Quality = "fair"
	QualityPoor Quality = "poor"
)

// ValidQuality reports whether q is a known quality value.
func ValidQuality(q Quality) bool {
	return q == QualityGood || q == QualityFair || q == QualityPoor
}

// Session is one call attempt between two users. CallID is a random UUID and
// never derived from the participant identities.
type Session struct {
	CallID            uuid.UUID  `json:"call_id"`
	InitiatorID       uuid.UUID  `json:"initiator_id"`
	RecipientID       uuid.UUID  `json:"recipient_id"`
	Status            Status     `json:"status"`
	InitiatorJoinedAt *time.Time `json:"initiator_joined_at,omitempty"`
	InitiatorLeftAt   *time.Time `json:"initiator_left_at,omitempty"`
	RecipientJoinedAt *time.Time `json:"recipient_joined_at,omitempty"`
	RecipientLeftAt   *time.Time `json:"recipient_left_at,omitempty"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	DurationSeconds   int        `json:"duration_seconds"`
	RecordingURL      string     `json:"recording_url,omitempty"`
	Quality           Quality    `json:"quality"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// HasParticipant reports whether userID is a party to the session.
func (s *Session) HasParticipant(userID uuid.UUID) bool {
	return s.InitiatorID == userID || s.RecipientID == userID
}

// Peer returns the other participant of the session.
func (s *Session) Peer(userID uuid.UUID) uuid.UUID {
	if s.InitiatorID == userID {
		return s.RecipientID
	}
	return s.InitiatorID
}

// stampEnd sets EndTime and derives DurationSeconds (whole seconds, floored at 0).
func (s *Session) stampEnd(at time.Time) {
	s.EndTime = &at
	d := int(at.Sub(s.StartTime).Seconds())
	if d < 0 {
		d = 0
	}
	s.DurationSeconds = d
}
