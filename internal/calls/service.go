package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Server->client push events emitted by the state machine through the presence layer.
const (
	EventIncomingCall = "incoming_call"
	EventCallState    = "call_state"
)

var (
	// ErrRecipientUnreachable is returned by Initiate when the callee has no live connection.
	ErrRecipientUnreachable = errors.New("recipient unreachable")
	// ErrInvalidTransition marks a stale, duplicate-party or out-of-order signaling event.
	// Swallowed at the gateway: logged and acknowledged, never surfaced as a failure.
	ErrInvalidTransition = errors.New("invalid call transition")
	// ErrSessionNotFound is returned when no live or persisted session exists for a call ID.
	ErrSessionNotFound = errors.New("call session not found")
	// ErrSelfCall is returned when a user tries to call themselves.
	ErrSelfCall = errors.New("cannot call yourself")
	// ErrSessionNotEligible is returned when a recording is offered for a session
	// that has not been answered yet.
	ErrSessionNotEligible = errors.New("session not eligible for recording")
)

// persistTimeout bounds the terminal-state write to durable storage.
const persistTimeout = 10 * time.Second

// Presence is the reachability and push surface the state machine needs.
// Implemented by presence.Registry.
type Presence interface {
	SendToUser(userID, event string, payload interface{}) bool
	Online(userID string) bool
}

// Notifier receives guardian oversight events after the triggering transition
// has committed. Failures are logged and never unwind call state.
type Notifier interface {
	CallStarted(ctx context.Context, s Session) error
	RecordingReady(ctx context.Context, s Session) error
}

// Store persists terminal call sessions.
type Store interface {
	Save(ctx context.Context, s Session) error
	GetByID(ctx context.Context, callID uuid.UUID) (*Session, error)
	ListByParticipant(ctx context.Context, userID uuid.UUID) ([]Session, error)
	UpdateRecordingURL(ctx context.Context, callID uuid.UUID, url string) error
	UpdateQuality(ctx context.Context, callID uuid.UUID, q Quality) error
}

// IncomingCallPayload is pushed to the callee when a call starts ringing.
type IncomingCallPayload struct {
	CallID     uuid.UUID `json:"call_id"`
	FromUserID uuid.UUID `json:"from_user_id"`
}

// StatePayload is pushed to both participants on every status change.
type StatePayload struct {
	CallID uuid.UUID `json:"call_id"`
	Status Status    `json:"status"`
}

// liveSession is a non-terminal session plus its serialization point. All
// transitions for one call ID go through ls.mu; different calls proceed in
// parallel.
type liveSession struct {
	mu        sync.Mutex
	s         Session
	lastEvent string
	ringTimer *time.Timer
}

// Service is the call session state machine. Sessions live in memory until a
// terminal state is reached, then are persisted and evicted.
type Service struct {
	mu   sync.RWMutex
	live map[uuid.UUID]*liveSession

	presence    Presence
	store       Store
	notifier    Notifier
	ringTimeout time.Duration
	logger      *zap.Logger
}

// NewService creates the call state machine. notifier may be nil to disable
// guardian notifications (e.g. in tests).
func NewService(p Presence, store Store, notifier Notifier, ringTimeout time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ringTimeout <= 0 {
		ringTimeout = 45 * time.Second
	}
	return &Service{
		live:        make(map[uuid.UUID]*liveSession),
		presence:    p,
		store:       store,
		notifier:    notifier,
		ringTimeout: ringTimeout,
		logger:      logger,
	}
}

// Initiate creates a session for initiator -> recipient. When the recipient has
// no live connection the session is recorded as failed and ErrRecipientUnreachable
// is returned; otherwise the session starts ringing and the callee is paged.
func (svc *Service) Initiate(ctx context.Context, initiatorID, recipientID uuid.UUID) (Session, error) {
	if initiatorID == recipientID {
		return Session{}, ErrSelfCall
	}

	now := time.Now()
	s := Session{
		CallID:            uuid.New(),
		InitiatorID:       initiatorID,
		RecipientID:       recipientID,
		Status:            StatusRequested,
		InitiatorJoinedAt: &now,
		StartTime:         now,
		Quality:           QualityGood,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if !svc.presence.Online(recipientID.String()) {
		s.Status = StatusFailed
		s.stampEnd(now)
		svc.persist(s)
		svc.logger.Info("call failed: recipient unreachable",
			zap.String("call_id", s.CallID.String()),
			zap.String("recipient_id", recipientID.String()))
		return s, ErrRecipientUnreachable
	}

	s.Status = StatusRinging
	ls := &liveSession{s: s, lastEvent: "initiate:" + initiatorID.String()}
	ls.ringTimer = time.AfterFunc(svc.ringTimeout, func() {
		svc.MarkFailed(s.CallID, "ring timeout")
	})

	svc.mu.Lock()
	svc.live[s.CallID] = ls
	svc.mu.Unlock()

	svc.presence.SendToUser(recipientID.String(), EventIncomingCall, IncomingCallPayload{
		CallID:     s.CallID,
		FromUserID: initiatorID,
	})
	svc.pushState(s)
	svc.logger.Info("call ringing",
		zap.String("call_id", s.CallID.String()),
		zap.String("initiator_id", initiatorID.String()),
		zap.String("recipient_id", recipientID.String()))
	return s, nil
}

// Respond applies the callee's answer. Accept moves RINGING -> ACCEPTED and
// fires the call_started guardian notification; decline moves to DECLINED.
func (svc *Service) Respond(callID, byUserID uuid.UUID, accept bool) (Status, error) {
	ls, ok := svc.liveSession(callID)
	if !ok {
		return "", svc.lateEvent(callID, "respond")
	}
	ls.mu.Lock()

	event := fmt.Sprintf("respond:%s:%t", byUserID, accept)
	if ls.lastEvent == event {
		st := ls.s.Status
		ls.mu.Unlock()
		return st, nil // duplicate delivery, already applied
	}
	if ls.s.Status != StatusRinging || ls.s.RecipientID != byUserID {
		st := ls.s.Status
		ls.mu.Unlock()
		svc.logger.Info("respond discarded",
			zap.String("call_id", callID.String()),
			zap.String("by_user", byUserID.String()),
			zap.String("status", string(st)))
		return st, ErrInvalidTransition
	}

	ls.stopRingTimer()
	ls.lastEvent = event
	now := time.Now()
	ls.s.UpdatedAt = now
	if accept {
		ls.s.Status = StatusAccepted
		ls.s.RecipientJoinedAt = &now
		snap := ls.s
		ls.mu.Unlock()
		svc.pushState(snap)
		svc.notifyCallStarted(snap)
		return snap.Status, nil
	}

	ls.s.Status = StatusDeclined
	ls.s.stampEnd(now)
	snap := ls.s
	ls.mu.Unlock()
	svc.finalize(snap)
	return snap.Status, nil
}

// MediaConnected marks an accepted call as ongoing once media is flowing.
// Either participant may report it; duplicates are no-ops.
func (svc *Service) MediaConnected(callID, byUserID uuid.UUID) (Status, error) {
	ls, ok := svc.liveSession(callID)
	if !ok {
		return "", svc.lateEvent(callID, "media_connected")
	}
	ls.mu.Lock()

	if ls.s.Status == StatusOngoing {
		ls.mu.Unlock()
		return StatusOngoing, nil
	}
	if ls.s.Status != StatusAccepted || !ls.s.HasParticipant(byUserID) {
		st := ls.s.Status
		ls.mu.Unlock()
		return st, ErrInvalidTransition
	}

	ls.lastEvent = "media_connected:" + byUserID.String()
	ls.s.Status = StatusOngoing
	ls.s.UpdatedAt = time.Now()
	snap := ls.s
	ls.mu.Unlock()
	svc.pushState(snap)
	return snap.Status, nil
}

// Cancel aborts a not-yet-answered call. Only the initiator may cancel, and
// only from REQUESTED/RINGING.
func (svc *Service) Cancel(callID, byUserID uuid.UUID) (Status, error) {
	ls, ok := svc.liveSession(callID)
	if !ok {
		return "", svc.lateEvent(callID, "cancel")
	}
	ls.mu.Lock()

	event := "cancel:" + byUserID.String()
	if ls.lastEvent == event {
		st := ls.s.Status
		ls.mu.Unlock()
		return st, nil
	}
	ringing := ls.s.Status == StatusRequested || ls.s.Status == StatusRinging
	if !ringing || ls.s.InitiatorID != byUserID {
		st := ls.s.Status
		ls.mu.Unlock()
		return st, ErrInvalidTransition
	}

	ls.stopRingTimer()
	ls.lastEvent = event
	ls.s.Status = StatusCancelled
	ls.s.stampEnd(time.Now())
	snap := ls.s
	ls.mu.Unlock()
	svc.finalize(snap)
	return snap.Status, nil
}

// End terminates an answered call. Either participant may end from
// ACCEPTED/ONGOING; the end time is stamped and the duration derived.
func (svc *Service) End(callID, byUserID uuid.UUID) (Status, error) {
	ls, ok := svc.liveSession(callID)
	if !ok {
		return "", svc.lateEvent(callID, "end")
	}
	ls.mu.Lock()

	event := "end:" + byUserID.String()
	if ls.lastEvent == event {
		st := ls.s.Status
		ls.mu.Unlock()
		return st, nil
	}
	answered := ls.s.Status == StatusAccepted || ls.s.Status == StatusOngoing
	if !answered || !ls.s.HasParticipant(byUserID) {
		st := ls.s.Status
		ls.mu.Unlock()
		return st, ErrInvalidTransition
	}

	ls.stopRingTimer()
	ls.lastEvent = event
	now := time.Now()
	ls.s.Status = StatusEnded
	ls.s.stampEnd(now)
	if ls.s.InitiatorID == byUserID {
		ls.s.InitiatorLeftAt = &now
	} else {
		ls.s.RecipientLeftAt = &now
	}
	snap := ls.s
	ls.mu.Unlock()
	svc.finalize(snap)
	return snap.Status, nil
}

// MarkFailed is the system-triggered transition (ring timeout, transport loss).
// Valid from any non-terminal state; a no-op for terminal or unknown sessions.
func (svc *Service) MarkFailed(callID uuid.UUID, reason string) {
	ls, ok := svc.liveSession(callID)
	if !ok {
		return
	}
	ls.mu.Lock()
	if ls.s.Status.Terminal() {
		ls.mu.Unlock()
		return
	}
	ls.stopRingTimer()
	ls.lastEvent = "failed:" + reason
	ls.s.Status = StatusFailed
	ls.s.stampEnd(time.Now())
	snap := ls.s
	ls.mu.Unlock()

	svc.logger.Info("call failed",
		zap.String("call_id", callID.String()),
		zap.String("reason", reason))
	svc.finalize(snap)
}

// FailActiveCalls fails every answered call the user is part of. Called by the
// gateway when a connection is lost mid-call; ringing calls keep ringing until
// the ring timer fires.
func (svc *Service) FailActiveCalls(userID uuid.UUID, reason string) {
	svc.mu.RLock()
	ids := make([]uuid.UUID, 0)
	for id, ls := range svc.live {
		ls.mu.Lock()
		answered := ls.s.Status == StatusAccepted || ls.s.Status == StatusOngoing
		involved := ls.s.HasParticipant(userID)
		ls.mu.Unlock()
		if answered && involved {
			ids = append(ids, id)
		}
	}
	svc.mu.RUnlock()

	for _, id := range ids {
		svc.MarkFailed(id, reason)
	}
}

// Get returns the session for callID, checking live sessions first and durable
// storage for terminal ones.
func (svc *Service) Get(ctx context.Context, callID uuid.UUID) (Session, error) {
	if ls, ok := svc.liveSession(callID); ok {
		ls.mu.Lock()
		snap := ls.s
		ls.mu.Unlock()
		return snap, nil
	}
	s, err := svc.store.GetByID(ctx, callID)
	if err != nil {
		return Session{}, err
	}
	if s == nil {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

// Eligible reports whether callID may receive a recording: the session must
// exist and must have progressed past RINGING.
func (svc *Service) Eligible(ctx context.Context, callID uuid.UUID) error {
	s, err := svc.Get(ctx, callID)
	if err != nil {
		return err
	}
	if s.Status == StatusRequested || s.Status == StatusRinging {
		return ErrSessionNotEligible
	}
	return nil
}

// SetRecordingURL records the playback URL on the session. Only the metadata
// update is serialized; callers stream the payload without holding any call lock.
func (svc *Service) SetRecordingURL(ctx context.Context, callID uuid.UUID, url string) error {
	if ls, ok := svc.liveSession(callID); ok {
		ls.mu.Lock()
		ls.s.RecordingURL = url
		ls.s.UpdatedAt = time.Now()
		ls.mu.Unlock()
		return nil
	}
	return svc.store.UpdateRecordingURL(ctx, callID, url)
}

// SetQuality applies the post-hoc signal-quality hint.
func (svc *Service) SetQuality(ctx context.Context, callID uuid.UUID, q Quality) error {
	if !ValidQuality(q) {
		return fmt.Errorf("unknown quality %q", q)
	}
	if ls, ok := svc.liveSession(callID); ok {
		ls.mu.Lock()
		ls.s.Quality = q
		ls.s.UpdatedAt = time.Now()
		ls.mu.Unlock()
		return nil
	}
	if err := svc.store.UpdateQuality(ctx, callID, q); err != nil {
		return err
	}
	return nil
}

// NotifyRecordingReady forwards the recording_ready oversight event for callID.
// Invoked by the recording service after ingestion completes.
func (svc *Service) NotifyRecordingReady(ctx context.Context, callID uuid.UUID) {
	if svc.notifier == nil {
		return
	}
	s, err := svc.Get(ctx, callID)
	if err != nil {
		svc.logger.Warn("recording ready notify skipped", zap.String("call_id", callID.String()), zap.Error(err))
		return
	}
	if err := svc.notifier.RecordingReady(ctx, s); err != nil {
		svc.logger.Warn("recording ready notify failed", zap.String("call_id", callID.String()), zap.Error(err))
	}
}

func (svc *Service) liveSession(callID uuid.UUID) (*liveSession, bool) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	ls, ok := svc.live[callID]
	return ls, ok
}

// lateEvent logs a signaling event for an unknown or already-finalized call.
func (svc *Service) lateEvent(callID uuid.UUID, event string) error {
	svc.logger.Info("late signaling event ignored",
		zap.String("call_id", callID.String()),
		zap.String("event", event))
	return ErrInvalidTransition
}

func (ls *liveSession) stopRingTimer() {
	if ls.ringTimer != nil {
		ls.ringTimer.Stop()
		ls.ringTimer = nil
	}
}

// finalize runs after a terminal transition has committed: push the state to
// both parties, persist, then evict from the live map. Persistence failure is
// logged and keeps the session resident; it never unwinds the transition.
func (svc *Service) finalize(snap Session) {
	svc.pushState(snap)
	if !svc.persist(snap) {
		return
	}
	svc.mu.Lock()
	delete(svc.live, snap.CallID)
	svc.mu.Unlock()
}

func (svc *Service) persist(snap Session) bool {
	if svc.store == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := svc.store.Save(ctx, snap); err != nil {
		svc.logger.Error("persist call session failed",
			zap.String("call_id", snap.CallID.String()), zap.Error(err))
		return false
	}
	return true
}

func (svc *Service) pushState(s Session) {
	payload := StatePayload{CallID: s.CallID, Status: s.Status}
	svc.presence.SendToUser(s.InitiatorID.String(), EventCallState, payload)
	svc.presence.SendToUser(s.RecipientID.String(), EventCallState, payload)
}

func (svc *Service) notifyCallStarted(s Session) {
	if svc.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.notifier.CallStarted(ctx, s); err != nil {
			svc.logger.Warn("call started notify failed",
				zap.String("call_id", s.CallID.String()), zap.Error(err))
		}
	}()
}
