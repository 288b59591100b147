// Package realtime is the WebSocket signaling gateway: one authoritative
// connection per user, JSON event frames in both directions. Media itself is
// peer-to-peer; the gateway only carries signaling and server pushes.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/nikahlink/backend/internal/calls"
	"github.com/nikahlink/backend/internal/presence"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is one user's live signaling connection. It satisfies presence.Conn
// so the registry and the call state machine can push events to it.
type Client struct {
	userID    uuid.UUID
	registry  *presence.Registry
	calls     *calls.Service
	conn      *websocket.Conn
	send      chan WSMessage
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// UserID returns the connection's user ID.
func (c *Client) UserID() string { return c.userID.String() }

// Send queues an event frame for delivery. Safe from any goroutine; drops the
// frame when the client is superseded or its buffer is full.
func (c *Client) Send(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("marshal push payload failed", zap.String("event", event), zap.Error(err))
		return
	}
	msg := WSMessage{Event: event, Data: data}
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.logger.Debug("send buffer full, frame dropped",
			zap.String("user_id", c.userID.String()),
			zap.String("event", event))
	}
}

// supersede signals the pumps to shut the connection down because a newer
// connection for the same user took over.
func (c *Client) supersede() {
	c.closeOnce.Do(func() { close(c.done) })
}

// authoritative reports whether this client is still the user's registered
// handle. False once a newer connection has taken over, or after the user
// has fully gone offline and teardown already ran on the last handle.
func (c *Client) authoritative() bool {
	cur, ok := c.registry.Lookup(c.userID.String())
	return ok && cur == c
}

// welcomePayload is the first frame pushed after a successful upgrade.
type welcomePayload struct {
	UserID     string             `json:"user_id"`
	ICEServers []webrtc.ICEServer `json:"ice_servers"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServeWs handles GET /ws?token=...: validates the token, upgrades, registers
// the connection as the user's authoritative handle and runs the pumps until
// disconnect.
func ServeWs(registry *presence.Registry, callSvc *calls.Service, iceServers []webrtc.ICEServer, jwtValidate func(token string) (userID string, role string, err error), logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		userIDStr, _, err := jwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token subject"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			userID:   userID,
			registry: registry,
			calls:    callSvc,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			done:     make(chan struct{}),
			logger:   logger,
		}

		client.Send("welcome", welcomePayload{UserID: userID.String(), ICEServers: iceServers})
		if old := registry.Register(client); old != nil {
			if prev, ok := old.(*Client); ok {
				prev.supersede()
			}
		}

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		// Only a genuine transport drop fails answered calls; ringing calls
		// keep ringing until their timer fires. A superseded connection skips
		// the failure step entirely: the user still holds a live authoritative
		// handle and the media leg may still be flowing.
		if c.authoritative() {
			c.calls.FailActiveCalls(c.userID, "transport lost")
		}
		c.registry.Unregister(c)
		c.supersede()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(writeWait)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "superseded by newer connection"),
				deadline)
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle dispatches one inbound frame. Out-of-order and duplicate call events
// are logged and absorbed; the sender never sees them as failures.
func (c *Client) handle(msg WSMessage) {
	switch msg.Event {
	case "initiate_call":
		var p struct {
			RecipientID uuid.UUID `json:"recipient_id"`
		}
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.RecipientID == uuid.Nil {
			c.pushError("bad_request", "recipient_id required")
			return
		}
		s, err := c.calls.Initiate(context.Background(), c.userID, p.RecipientID)
		switch {
		case errors.Is(err, calls.ErrSelfCall):
			c.pushError("self_call", "cannot call yourself")
		case errors.Is(err, calls.ErrRecipientUnreachable):
			c.Send(calls.EventCallState, calls.StatePayload{CallID: s.CallID, Status: s.Status})
		case err != nil:
			c.pushError("call_failed", "could not start call")
		}

	case "respond_call":
		var p struct {
			CallID uuid.UUID `json:"call_id"`
			Accept bool      `json:"accept"`
		}
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.CallID == uuid.Nil {
			c.pushError("bad_request", "call_id required")
			return
		}
		if _, err := c.calls.Respond(p.CallID, c.userID, p.Accept); err != nil {
			c.logDiscarded("respond_call", p.CallID, err)
		}

	case "cancel_call":
		var p struct {
			CallID uuid.UUID `json:"call_id"`
		}
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.CallID == uuid.Nil {
			c.pushError("bad_request", "call_id required")
			return
		}
		if _, err := c.calls.Cancel(p.CallID, c.userID); err != nil {
			c.logDiscarded("cancel_call", p.CallID, err)
		}

	case "end_call":
		var p struct {
			CallID uuid.UUID `json:"call_id"`
		}
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.CallID == uuid.Nil {
			c.pushError("bad_request", "call_id required")
			return
		}
		if _, err := c.calls.End(p.CallID, c.userID); err != nil {
			c.logDiscarded("end_call", p.CallID, err)
		}

	case "media_connected":
		var p struct {
			CallID uuid.UUID `json:"call_id"`
		}
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.CallID == uuid.Nil {
			c.pushError("bad_request", "call_id required")
			return
		}
		if _, err := c.calls.MediaConnected(p.CallID, c.userID); err != nil {
			c.logDiscarded("media_connected", p.CallID, err)
		}

	case "webrtc_offer", "webrtc_answer", "webrtc_ice":
		c.relaySignal(msg)

	default:
		// unknown events are ignored
	}
}

// relaySignal forwards an SDP or ICE frame to the peer of the referenced call.
// The gateway does not inspect the WebRTC payload; it only checks that the
// sender is a participant.
func (c *Client) relaySignal(msg WSMessage) {
	var p struct {
		CallID uuid.UUID `json:"call_id"`
	}
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.CallID == uuid.Nil {
		c.pushError("bad_request", "call_id required")
		return
	}
	s, err := c.calls.Get(context.Background(), p.CallID)
	if err != nil {
		c.logDiscarded(msg.Event, p.CallID, err)
		return
	}
	if !s.HasParticipant(c.userID) {
		c.pushError("forbidden", "not a participant of this call")
		return
	}
	peer := s.Peer(c.userID)
	if !c.registry.SendToUser(peer.String(), msg.Event, json.RawMessage(msg.Data)) {
		c.logger.Debug("signal relay dropped: peer offline",
			zap.String("call_id", p.CallID.String()),
			zap.String("peer_id", peer.String()))
	}
}

func (c *Client) pushError(code, message string) {
	c.Send("error", errorPayload{Code: code, Message: message})
}

func (c *Client) logDiscarded(event string, callID uuid.UUID, err error) {
	if errors.Is(err, calls.ErrInvalidTransition) {
		c.logger.Debug("stale signaling event discarded",
			zap.String("event", event),
			zap.String("call_id", callID.String()),
			zap.String("user_id", c.userID.String()))
		return
	}
	c.logger.Warn("signaling event failed",
		zap.String("event", event),
		zap.String("call_id", callID.String()),
		zap.Error(err))
}
