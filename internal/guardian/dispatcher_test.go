package guardian

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nikahlink/backend/internal/profiles"
)

type fakeDirectory struct {
	participants map[uuid.UUID]*profiles.Participant
	contacts     map[uuid.UUID]*profiles.GuardianContact
	contactErr   error
}

func (d *fakeDirectory) GetParticipant(ctx context.Context, userID uuid.UUID) (*profiles.Participant, error) {
	return d.participants[userID], nil
}

func (d *fakeDirectory) FindGuardianContact(ctx context.Context, userID uuid.UUID) (*profiles.GuardianContact, error) {
	if d.contactErr != nil {
		return nil, d.contactErr
	}
	return d.contacts[userID], nil
}

type fakeChannel struct {
	mu      sync.Mutex
	sendErr error
	sent    []sentMessage
}

type sentMessage struct {
	contact profiles.GuardianContact
	subject string
	body    string
}

func (c *fakeChannel) Send(ctx context.Context, contact profiles.GuardianContact, subject, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentMessage{contact: contact, subject: subject, body: body})
	return nil
}

func (c *fakeChannel) last(t *testing.T) sentMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return c.sent[len(c.sent)-1]
}

func testNotification(kind Kind, initiator, recipient uuid.UUID) Notification {
	end := time.Now()
	return Notification{
		Kind:            kind,
		CallID:          uuid.New(),
		InitiatorID:     initiator,
		RecipientID:     recipient,
		Status:          "ended",
		StartTime:       end.Add(-2 * time.Minute),
		EndTime:         &end,
		DurationSeconds: 120,
		RecordingURL:    "https://blobs.test/recordings/x/y.mp4",
	}
}

func testDirectory(maleID, femaleID uuid.UUID) *fakeDirectory {
	return &fakeDirectory{
		participants: map[uuid.UUID]*profiles.Participant{
			maleID:   {ID: maleID, FullName: "Ahmed Khan", Gender: "male"},
			femaleID: {ID: femaleID, FullName: "Fatima Noor", Gender: "female"},
		},
		contacts: map[uuid.UUID]*profiles.GuardianContact{
			femaleID: {Name: "Yusuf Noor", Email: "yusuf@example.com"},
		},
	}
}

func TestDispatchCallStarted(t *testing.T) {
	male, female := uuid.New(), uuid.New()
	dir := testDirectory(male, female)
	ch := &fakeChannel{}
	d := NewDispatcher(dir, ch, nil, time.Second, nil)

	if err := d.Dispatch(context.Background(), testNotification(KindCallStarted, male, female)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	msg := ch.last(t)
	if msg.contact.Email != "yusuf@example.com" {
		t.Fatalf("delivered to %q", msg.contact.Email)
	}
	if !strings.Contains(msg.subject, "Fatima Noor") || !strings.Contains(msg.body, "Ahmed Khan") {
		t.Fatalf("names missing from message: %q / %q", msg.subject, msg.body)
	}
}

func TestDispatchRecordingReadyIncludesPlayback(t *testing.T) {
	male, female := uuid.New(), uuid.New()
	ch := &fakeChannel{}
	d := NewDispatcher(testDirectory(male, female), ch, nil, time.Second, nil)

	n := testNotification(KindRecordingReady, female, male) // female as initiator this time
	if err := d.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	msg := ch.last(t)
	if !strings.Contains(msg.body, n.RecordingURL) {
		t.Fatalf("playback link missing: %q", msg.body)
	}
}

func TestDispatchNoOversightTarget(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	dir := &fakeDirectory{
		participants: map[uuid.UUID]*profiles.Participant{
			a: {ID: a, FullName: "A", Gender: "male"},
			b: {ID: b, FullName: "B", Gender: "male"},
		},
		contacts: map[uuid.UUID]*profiles.GuardianContact{},
	}
	ch := &fakeChannel{}
	d := NewDispatcher(dir, ch, nil, time.Second, nil)

	if err := d.Dispatch(context.Background(), testNotification(KindCallStarted, a, b)); err != nil {
		t.Fatalf("no-target dispatch should be a no-op: %v", err)
	}
	if len(ch.sent) != 0 {
		t.Fatal("message sent without an oversight target")
	}
}

func TestDispatchNoGuardianOnFile(t *testing.T) {
	male, female := uuid.New(), uuid.New()
	dir := testDirectory(male, female)
	dir.contacts = map[uuid.UUID]*profiles.GuardianContact{}
	ch := &fakeChannel{}
	d := NewDispatcher(dir, ch, nil, time.Second, nil)

	if err := d.Dispatch(context.Background(), testNotification(KindCallStarted, male, female)); err != nil {
		t.Fatalf("missing contact should be absorbed: %v", err)
	}
	if len(ch.sent) != 0 {
		t.Fatal("message sent without a contact")
	}
}

func TestDispatchContactLookupErrorAbsorbed(t *testing.T) {
	male, female := uuid.New(), uuid.New()
	dir := testDirectory(male, female)
	dir.contactErr = errors.New("db down")
	d := NewDispatcher(dir, &fakeChannel{}, nil, time.Second, nil)

	if err := d.Dispatch(context.Background(), testNotification(KindCallStarted, male, female)); err != nil {
		t.Fatalf("lookup error should be absorbed: %v", err)
	}
}

func TestDispatchChannelFailure(t *testing.T) {
	male, female := uuid.New(), uuid.New()
	ch := &fakeChannel{sendErr: errors.New("smtp refused")}
	d := NewDispatcher(testDirectory(male, female), ch, nil, time.Second, nil)

	err := d.Dispatch(context.Background(), testNotification(KindCallStarted, male, female))
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
}

func TestFemaleParticipantPolicy(t *testing.T) {
	male, female := uuid.New(), uuid.New()
	dir := testDirectory(male, female)

	// Female party is found regardless of which side initiated.
	for _, n := range []Notification{
		testNotification(KindCallStarted, male, female),
		testNotification(KindCallStarted, female, male),
	} {
		target, ok := FemaleParticipantPolicy(context.Background(), dir, n)
		if !ok || target != female {
			t.Fatalf("target = %v, ok = %v", target, ok)
		}
	}

	unknown := testNotification(KindCallStarted, uuid.New(), uuid.New())
	if _, ok := FemaleParticipantPolicy(context.Background(), dir, unknown); ok {
		t.Fatal("policy matched unknown participants")
	}
}
