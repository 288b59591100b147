package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nikahlink/backend/internal/calls"
	"github.com/nikahlink/backend/internal/presence"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]calls.Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[uuid.UUID]calls.Session)}
}

func (m *memStore) Save(ctx context.Context, s calls.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.CallID] = s
	return nil
}

func (m *memStore) GetByID(ctx context.Context, callID uuid.UUID) (*calls.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, nil
	}
	cp := s
	return &cp, nil
}

func (m *memStore) ListByParticipant(ctx context.Context, userID uuid.UUID) ([]calls.Session, error) {
	return nil, nil
}

func (m *memStore) UpdateRecordingURL(ctx context.Context, callID uuid.UUID, url string) error {
	return nil
}

func (m *memStore) UpdateQuality(ctx context.Context, callID uuid.UUID, q calls.Quality) error {
	return nil
}

// newGateway wires a real registry and call service behind ServeWs. Tokens are
// plain user IDs so tests can dial as any identity.
func newGateway(t *testing.T) (*httptest.Server, *calls.Service, *presence.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	registry := presence.NewRegistry(nil, logger)
	svc := calls.NewService(registry, newMemStore(), nil, time.Minute, logger)

	validate := func(token string) (string, string, error) {
		if _, err := uuid.Parse(token); err != nil {
			return "", "", err
		}
		return token, "member", nil
	}

	r := gin.New()
	r.GET("/ws", ServeWs(registry, svc, nil, validate, logger))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, svc, registry
}

func dialWS(t *testing.T, srv *httptest.Server, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + userID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	if err := conn.WriteJSON(WSMessage{Event: event, Data: data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// waitFrame reads until a frame with the given event arrives, skipping
// unrelated pushes (online_users, call_state).
func waitFrame(t *testing.T, conn *websocket.Conn, event string) WSMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", event, err)
		}
		if msg.Event == event {
			return msg
		}
	}
	t.Fatalf("frame %q not received", event)
	return WSMessage{}
}

// waitClosed reads until the connection reports the given close code.
func waitClosed(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg WSMessage
		err := conn.ReadJSON(&msg)
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("close code: got %v, want %d", err, code)
		}
		return
	}
}

func waitStatus(t *testing.T, svc *calls.Service, callID uuid.UUID, want calls.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last calls.Status
	for time.Now().Before(deadline) {
		s, err := svc.Get(context.Background(), callID)
		if err == nil && s.Status == want {
			return
		}
		if err == nil {
			last = s.Status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("call status = %s, want %s", last, want)
}

// establishCall dials both parties, rings, accepts and returns the call ID.
func establishCall(t *testing.T, srv *httptest.Server, svc *calls.Service, initiator, recipient uuid.UUID) (*websocket.Conn, *websocket.Conn, uuid.UUID) {
	t.Helper()
	initConn := dialWS(t, srv, initiator)
	recConn := dialWS(t, srv, recipient)
	// welcome is queued after registration, so reading it guarantees both
	// parties are registered before the call starts.
	waitFrame(t, initConn, "welcome")
	waitFrame(t, recConn, "welcome")

	sendFrame(t, initConn, "initiate_call", map[string]string{"recipient_id": recipient.String()})
	var incoming calls.IncomingCallPayload
	frame := waitFrame(t, recConn, calls.EventIncomingCall)
	if err := json.Unmarshal(frame.Data, &incoming); err != nil {
		t.Fatalf("unmarshal incoming_call: %v", err)
	}

	sendFrame(t, recConn, "respond_call", map[string]interface{}{"call_id": incoming.CallID, "accept": true})
	waitStatus(t, svc, incoming.CallID, calls.StatusAccepted)
	return initConn, recConn, incoming.CallID
}

func TestReconnectDuringCallKeepsCallAlive(t *testing.T) {
	srv, svc, registry := newGateway(t)
	alice, bob := uuid.New(), uuid.New()

	aliceConn, bobConn, callID := establishCall(t, srv, svc, alice, bob)
	defer aliceConn.Close()

	// Bob reconnects mid-call. The old handle is superseded and closed with a
	// policy-violation frame; its teardown must not touch the live call.
	bobConn2 := dialWS(t, srv, bob)
	defer bobConn2.Close()
	waitFrame(t, bobConn2, "welcome")
	waitClosed(t, bobConn, websocket.ClosePolicyViolation)

	deadline := time.Now().Add(700 * time.Millisecond)
	for time.Now().Before(deadline) {
		s, err := svc.Get(context.Background(), callID)
		if err != nil {
			t.Fatalf("get call: %v", err)
		}
		if s.Status != calls.StatusAccepted {
			t.Fatalf("call status = %s after reconnect, want %s", s.Status, calls.StatusAccepted)
		}
		time.Sleep(25 * time.Millisecond)
	}
	if !registry.Online(bob.String()) {
		t.Fatal("user offline after reconnect")
	}
}

func TestTransportLossFailsAnsweredCall(t *testing.T) {
	srv, svc, _ := newGateway(t)
	alice, bob := uuid.New(), uuid.New()

	aliceConn, bobConn, callID := establishCall(t, srv, svc, alice, bob)
	defer aliceConn.Close()

	// Abrupt close, no reconnect: the answered call must fail.
	_ = bobConn.Close()
	waitStatus(t, svc, callID, calls.StatusFailed)
}

func TestInitiateUnreachableRecipientOverWS(t *testing.T) {
	srv, svc, _ := newGateway(t)
	alice := uuid.New()

	aliceConn := dialWS(t, srv, alice)
	defer aliceConn.Close()
	waitFrame(t, aliceConn, "welcome")

	sendFrame(t, aliceConn, "initiate_call", map[string]string{"recipient_id": uuid.NewString()})
	frame := waitFrame(t, aliceConn, calls.EventCallState)
	var state calls.StatePayload
	if err := json.Unmarshal(frame.Data, &state); err != nil {
		t.Fatalf("unmarshal call_state: %v", err)
	}
	if state.Status != calls.StatusFailed {
		t.Fatalf("status = %s, want %s", state.Status, calls.StatusFailed)
	}
	s, err := svc.Get(context.Background(), state.CallID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if s.Status != calls.StatusFailed {
		t.Fatalf("persisted status = %s, want %s", s.Status, calls.StatusFailed)
	}
}
