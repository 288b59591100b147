package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
	sent   []sentEvent
}

type sentEvent struct {
	userID string
	event  string
}

func newFakePresence(onlineIDs ...uuid.UUID) *fakePresence {
	p := &fakePresence{online: make(map[string]bool)}
	for _, id := range onlineIDs {
		p.online[id.String()] = true
	}
	return p
}

func (p *fakePresence) SendToUser(userID, event string, payload interface{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentEvent{userID: userID, event: event})
	return p.online[userID]
}

func (p *fakePresence) Online(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func (p *fakePresence) countEvent(userID uuid.UUID, event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.sent {
		if e.userID == userID.String() && e.event == event {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]Session
	saveErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[uuid.UUID]Session)}
}

func (s *fakeStore) Save(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.sessions[sess.CallID] = sess
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, callID uuid.UUID) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[callID]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *fakeStore) ListByParticipant(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.HasParticipant(userID) {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateRecordingURL(ctx context.Context, callID uuid.UUID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[callID]
	if !ok {
		return errors.New("not found")
	}
	sess.RecordingURL = url
	s.sessions[callID] = sess
	return nil
}

func (s *fakeStore) UpdateQuality(ctx context.Context, callID uuid.UUID, q Quality) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[callID]
	if !ok {
		return errors.New("not found")
	}
	sess.Quality = q
	s.sessions[callID] = sess
	return nil
}

func (s *fakeStore) stored(callID uuid.UUID) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[callID]
	return sess, ok
}

type fakeNotifier struct {
	started chan Session
	ready   chan Session
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		started: make(chan Session, 4),
		ready:   make(chan Session, 4),
	}
}

func (n *fakeNotifier) CallStarted(ctx context.Context, s Session) error {
	n.started <- s
	return nil
}

func (n *fakeNotifier) RecordingReady(ctx context.Context, s Session) error {
	n.ready <- s
	return nil
}

func newTestService(p *fakePresence, store *fakeStore, n Notifier) *Service {
	return NewService(p, store, n, time.Minute, nil)
}

func TestInitiateSelfCall(t *testing.T) {
	u := uuid.New()
	svc := newTestService(newFakePresence(u), newFakeStore(), nil)

	if _, err := svc.Initiate(context.Background(), u, u); !errors.Is(err, ErrSelfCall) {
		t.Fatalf("err = %v, want ErrSelfCall", err)
	}
}

func TestInitiateUnreachableRecipient(t *testing.T) {
	caller, callee := uuid.New(), uuid.New()
	store := newFakeStore()
	svc := newTestService(newFakePresence(caller), store, nil) // callee offline

	s, err := svc.Initiate(context.Background(), caller, callee)
	if !errors.Is(err, ErrRecipientUnreachable) {
		t.Fatalf("err = %v, want ErrRecipientUnreachable", err)
	}
	stored, ok := store.stored(s.CallID)
	if !ok || stored.Status != StatusFailed {
		t.Fatalf("failed attempt not persisted: %+v ok=%v", stored, ok)
	}
	if stored.EndTime == nil {
		t.Fatal("failed session has no end time")
	}
}

func TestInitiateRingsCallee(t *testing.T) {
	caller, callee := uuid.New(), uuid.New()
	p := newFakePresence(caller, callee)
	svc := newTestService(p, newFakeStore(), nil)

	s, err := svc.Initiate(context.Background(), caller, callee)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if s.Status != StatusRinging {
		t.Fatalf("status = %s, want ringing", s.Status)
	}
	if p.countEvent(callee, EventIncomingCall) != 1 {
		t.Fatal("callee was not paged")
	}
	if p.countEvent(caller, EventCallState) != 1 || p.countEvent(callee, EventCallState) != 1 {
		t.Fatal("call_state not pushed to both parties")
	}
}

func TestAcceptThroughEnd(t *testing.T) {
	caller, callee := uuid.New(), uuid.New()
	p := newFakePresence(caller, callee)
	store := newFakeStore()
	notifier := newFakeNotifier()
	svc := newTestService(p, store, notifier)

	s, err := svc.Initiate(context.Background(), caller, callee)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	st, err := svc.Respond(s.CallID, callee, true)
	if err != nil || st != StatusAccepted {
		t.Fatalf("respond: %s, %v", st, err)
	}

	select {
	case snap := <-notifier.started:
		if snap.CallID != s.CallID {
			t.Fatal("call started notification for wrong call")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call started notification never fired")
	}

	st, err = svc.MediaConnected(s.CallID, caller)
	if err != nil || st != StatusOngoing {
		t.Fatalf("media connected: %s, %v", st, err)
	}
	// Duplicate media_connected is a no-op.
	if st, err = svc.MediaConnected(s.CallID, callee); err != nil || st != StatusOngoing {
		t.Fatalf("duplicate media connected: %s, %v", st, err)
	}

	st, err = svc.End(s.CallID, callee)
	if err != nil || st != StatusEnded {
		t.Fatalf("end: %s, %v", st, err)
	}

	stored, ok := store.stored(s.CallID)
	if !ok {
		t.Fatal("ended session not persisted")
	}
	if stored.Status != StatusEnded || stored.EndTime == nil {
		t.Fatalf("persisted session incomplete: %+v", stored)
	}
	if stored.RecipientLeftAt == nil {
		t.Fatal("recipient left_at not stamped")
	}

	// Session must be evicted from the live map; Get now reads the store.
	got, err := svc.Get(context.Background(), s.CallID)
	if err != nil || got.Status != StatusEnded {
		t.Fatalf("get after end: %+v, %v", got, err)
	}
}

func TestDeclinePersistsAndEvicts(t *testing.T) {
	caller, callee := uuid.New(), uuid.New()
	store := newFakeStore()
	svc := newTestService(newFakePresence(caller, callee), store, nil)

	s, _ := svc.Initiate(context.Background(), caller, callee)
	st, err := svc.Respond(s.CallID, callee, false)
	if err != nil || st != StatusDeclined {
		t.Fatalf("decline: %s, %v", st, err)
	}
	stored, ok := store.stored(s.CallID)
	if !ok || stored.Status != StatusDeclined {
		t.Fatalf("declined session not persisted: %+v", stored)
	}
}

func TestRespondWrongParty(t *testing.T) {
	caller, callee := uuid.New(), uuid.New()
	svc := newTestService(newFakePresence(caller, callee), newFakeStore(), nil)

	s, _ := svc.Initiate(context.Background(), caller, callee)
	if _, err := svc.Respond(s.CallID, caller, true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("initiator answered own call: %v", err)
	}
}

func TestDuplicateRespondIsIdempotent(t *testing.T) {
	caller, callee := uuid.New(), uuid.New()
	notifier := newFakeNotifier()
	svc := newTestService(newFakePresence(caller, callee), newFakeStore(), notifier)

	s, _ := svc.Initiate(context.Background(), caller, callee)
	if _, err := svc.Respond(s.CallID, callee, true); err != nil {
		t.Fatalf("first respond: %v", err)
	}
	st, err := svc.Respond(s.CallID, callee, true)
	if err != nil || st != StatusAccepted {
		t.Fatalf("duplicate respond: %s, %v", st, err)
	}

	<-notifier.started
	select {
	case <-notifier.started:
		t.Fatal("duplicate respond fired a second notification")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelOnlyByInitiatorWhileRinging(t *testing.T) {
	caller, callee := uuid.New(), uuid.New()
	store := newFakeStore()
	svc := newTestService(newFakePresence(caller, callee), store, nil)

	s, _ := svc.Initiate(context.Background(), caller, callee)
	if _, err := svc.Cancel(s.CallID, callee); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("recipient cancelled: %v", err)
	}
	st, err := svc.Cancel(s.CallID, caller)
	if err != nil || st != StatusCancelled {
		t.Fatalf("cancel: %s, %v", st, err)
	}

	// Terminal sessions accept no further transitions.
	if _, err := svc.Respond(s.CallID, callee, true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("respond after cancel: %v", err)
	}
}

func TestEndRequiresAnsweredCall(t *testing.T) {
	caller, callee := uuid.New(), uuid.New()
	svc := newTestService(newFakePresence(caller, callee), newFakeStore(), nil)

	s, _ := svc.Initiate(context.Background(), caller, callee)
	if _, err := svc.End(s.CallID, caller); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ended a ringing call: %v", err)
	}
}

func TestRingTimeoutFailsCall(t *testing.T) {
	caller, callee := uuid.New(), uuid.New()
	store := newFakeStore()
	svc := NewService(newFakePresence(caller, callee), store, nil, 30*time.Millisecond, nil)

	s, _ := svc.Initiate(context.Background(), caller, callee)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if stored, ok := store.stored(s.CallID); ok && stored.Status == StatusFailed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("ring timeout never failed the call")
}

func TestFailActiveCallsSkipsRinging(t *testing.T) {
	caller, callee, third := uuid.New(), uuid.New(), uuid.New()
	store := newFakeStore()
	svc := newTestService(newFakePresence(caller, callee, third), store, nil)

	answered, _ := svc.Initiate(context.Background(), caller, callee)
	if _, err := svc.Respond(answered.CallID, callee, true); err != nil {
		t.Fatalf("respond: %v", err)
	}
	ringing, _ := svc.Initiate(context.Background(), third, caller)

	svc.FailActiveCalls(caller, "transport lost")

	stored, ok := store.stored(answered.CallID)
	if !ok || stored.Status != StatusFailed {
		t.Fatalf("answered call not failed: %+v", stored)
	}
	got, err := svc.Get(context.Background(), ringing.CallID)
	if err != nil || got.Status != StatusRinging {
		t.Fatalf("ringing call was touched: %+v, %v", got, err)
	}
}

func TestEligibility(t *testing.T) {
	caller, callee := uuid.New(), uuid.New()
	svc := newTestService(newFakePresence(caller, callee), newFakeStore(), nil)

	s, _ := svc.Initiate(context.Background(), caller, callee)
	if err := svc.Eligible(context.Background(), s.CallID); !errors.Is(err, ErrSessionNotEligible) {
		t.Fatalf("ringing call eligible: %v", err)
	}

	svc.Respond(s.CallID, callee, true)
	if err := svc.Eligible(context.Background(), s.CallID); err != nil {
		t.Fatalf("accepted call not eligible: %v", err)
	}

	if err := svc.Eligible(context.Background(), uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown call: %v", err)
	}
}

func TestSetRecordingURLAndQuality(t *testing.T) {
	caller, callee := uuid.New(), uuid.New()
	store := newFakeStore()
	svc := newTestService(newFakePresence(caller, callee), store, nil)

	s, _ := svc.Initiate(context.Background(), caller, callee)
	svc.Respond(s.CallID, callee, true)

	if err := svc.SetRecordingURL(context.Background(), s.CallID, "https://example.com/r.mp4"); err != nil {
		t.Fatalf("set recording url: %v", err)
	}
	if err := svc.SetQuality(context.Background(), s.CallID, QualityPoor); err != nil {
		t.Fatalf("set quality: %v", err)
	}
	if err := svc.SetQuality(context.Background(), s.CallID, "excellent"); err == nil {
		t.Fatal("unknown quality accepted")
	}

	svc.End(s.CallID, caller)
	stored, _ := store.stored(s.CallID)
	if stored.RecordingURL != "https://example.com/r.mp4" || stored.Quality != QualityPoor {
		t.Fatalf("metadata lost on persist: %+v", stored)
	}
}

func TestPersistFailureKeepsSessionLive(t *testing.T) {
	caller, callee := uuid.New(), uuid.New()
	store := newFakeStore()
	store.saveErr = errors.New("db down")
	svc := newTestService(newFakePresence(caller, callee), store, nil)

	s, _ := svc.Initiate(context.Background(), caller, callee)
	svc.Respond(s.CallID, callee, true)
	if _, err := svc.End(s.CallID, caller); err != nil {
		t.Fatalf("end: %v", err)
	}

	// The terminal snapshot must stay readable even though persistence failed.
	got, err := svc.Get(context.Background(), s.CallID)
	if err != nil || got.Status != StatusEnded {
		t.Fatalf("session lost after failed persist: %+v, %v", got, err)
	}
}
