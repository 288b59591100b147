// Package guardian composes and delivers call-activity notifications to the
// oversight contact of a call's designated participant. Delivery is always
// best-effort: no failure here may affect call state.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nikahlink/backend/internal/profiles"
)

// Kind is the notification category.
type Kind string

const (
	KindCallStarted    Kind = "call_started"
	KindRecordingReady Kind = "recording_ready"
)

// ErrDeliveryFailed wraps channel errors. Internal only: the worker retries
// on it, call participants never see it.
var ErrDeliveryFailed = errors.New("guardian delivery failed")

// Notification is the call-session snapshot a notification is composed from.
type Notification struct {
	Kind            Kind
	CallID          uuid.UUID
	InitiatorID     uuid.UUID
	RecipientID     uuid.UUID
	Status          string
	StartTime       time.Time
	EndTime         *time.Time
	DurationSeconds int
	RecordingURL    string
}

// Participants returns the ordered pair {initiator, recipient}.
func (n Notification) Participants() [2]uuid.UUID {
	return [2]uuid.UUID{n.InitiatorID, n.RecipientID}
}

// OversightPolicy resolves which participant's guardian is notified.
// Returning false means the call has no oversight target and the
// notification is silently dropped.
type OversightPolicy func(ctx context.Context, dir profiles.Directory, n Notification) (uuid.UUID, bool)

// FemaleParticipantPolicy anchors oversight to the female party of the call,
// the platform's current compliance rule. Swappable without touching the
// signaling core.
func FemaleParticipantPolicy(ctx context.Context, dir profiles.Directory, n Notification) (uuid.UUID, bool) {
	for _, id := range n.Participants() {
		p, err := dir.GetParticipant(ctx, id)
		if err != nil || p == nil {
			continue
		}
		if p.Gender == "female" {
			return p.ID, true
		}
	}
	return uuid.Nil, false
}

// DeliveryChannel sends one composed notification to a guardian contact.
type DeliveryChannel interface {
	Send(ctx context.Context, contact profiles.GuardianContact, subject, body string) error
}

// Dispatcher resolves the oversight target and delivers notifications.
type Dispatcher struct {
	dir     profiles.Directory
	channel DeliveryChannel
	policy  OversightPolicy
	timeout time.Duration
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher. policy defaults to
// FemaleParticipantPolicy; timeout bounds each delivery attempt.
func NewDispatcher(dir profiles.Directory, channel DeliveryChannel, policy OversightPolicy, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if policy == nil {
		policy = FemaleParticipantPolicy
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{dir: dir, channel: channel, policy: policy, timeout: timeout, logger: logger}
}

// Dispatch composes and sends one notification. A missing oversight target or
// guardian contact is a logged no-op with nil error; a channel failure returns
// an error wrapping ErrDeliveryFailed so the queue can retry it.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) error {
	target, ok := d.policy(ctx, d.dir, n)
	if !ok {
		d.logger.Info("no oversight target for call", zap.String("call_id", n.CallID.String()))
		return nil
	}

	contact, err := d.dir.FindGuardianContact(ctx, target)
	if err != nil {
		// Profile store errors are treated as "absent" per the oversight contract.
		d.logger.Warn("guardian contact lookup failed",
			zap.String("call_id", n.CallID.String()),
			zap.String("target_id", target.String()),
			zap.Error(err))
		return nil
	}
	if contact == nil {
		d.logger.Info("no guardian contact on file",
			zap.String("call_id", n.CallID.String()),
			zap.String("target_id", target.String()))
		return nil
	}

	subject, body, err := d.compose(ctx, n, target)
	if err != nil {
		d.logger.Warn("compose notification failed", zap.String("call_id", n.CallID.String()), zap.Error(err))
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.channel.Send(sendCtx, *contact, subject, body); err != nil {
		d.logger.Warn("guardian delivery failed",
			zap.String("call_id", n.CallID.String()),
			zap.String("kind", string(n.Kind)),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	d.logger.Info("guardian notified",
		zap.String("call_id", n.CallID.String()),
		zap.String("kind", string(n.Kind)))
	return nil
}

func (d *Dispatcher) compose(ctx context.Context, n Notification, target uuid.UUID) (subject, body string, err error) {
	wardName := "your ward"
	peerName := "another member"
	if p, err := d.dir.GetParticipant(ctx, target); err == nil && p != nil {
		wardName = p.FullName
	}
	if p, err := d.dir.GetParticipant(ctx, n.Peer(target)); err == nil && p != nil {
		peerName = p.FullName
	}

	switch n.Kind {
	case KindCallStarted:
		subject = fmt.Sprintf("Call started: %s is on a call with %s", wardName, peerName)
		body = fmt.Sprintf(
			"Assalamu alaikum,\n\nA video call involving %s and %s started at %s.\nCall reference: %s\n\nThis is an automated oversight notification.\n",
			wardName, peerName, n.StartTime.Format(time.RFC1123), n.CallID)
	case KindRecordingReady:
		subject = fmt.Sprintf("Recording available for %s's call", wardName)
		ended := ""
		if n.EndTime != nil {
			ended = fmt.Sprintf("The call ended at %s after %d seconds.\n", n.EndTime.Format(time.RFC1123), n.DurationSeconds)
		}
		body = fmt.Sprintf(
			"Assalamu alaikum,\n\nA recording of the call between %s and %s is now available.\n%sPlayback: %s\nCall reference: %s\n\nThis is an automated oversight notification.\n",
			wardName, peerName, ended, n.RecordingURL, n.CallID)
	default:
		return "", "", fmt.Errorf("unknown notification kind %q", n.Kind)
	}
	return subject, body, nil
}

// Peer returns the participant other than userID.
func (n Notification) Peer(userID uuid.UUID) uuid.UUID {
	if n.InitiatorID == userID {
		return n.RecipientID
	}
	return n.InitiatorID
}
