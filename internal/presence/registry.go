// Package presence tracks which users currently hold a live signaling connection.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventOnlineUsers is pushed to every live connection after each registry mutation.
const EventOnlineUsers = "online_users"

// lastSeenTimeout bounds the fire-and-forget last-seen write so a slow profile
// store cannot stall disconnect handling.
const lastSeenTimeout = 5 * time.Second

// Conn is a live transport handle capable of receiving server pushes.
type Conn interface {
	UserID() string
	Send(event string, payload interface{})
}

// LastSeenRecorder persists the "last seen" timestamp for a user. Best-effort;
// errors are logged and absorbed.
type LastSeenRecorder interface {
	RecordLastSeen(ctx context.Context, userID string, at time.Time) error
}

// OnlinePayload is the body of the online_users push.
type OnlinePayload struct {
	UserIDs []string `json:"user_ids"`
}

// Registry is the single authoritative map of userID -> live connection.
// All mutations are serialized by one mutex; at most one handle per user is
// authoritative at any instant (last writer wins).
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]Conn
	lastSeen LastSeenRecorder
	logger   *zap.Logger
}

// NewRegistry creates a presence registry. lastSeen may be nil to disable
// last-seen persistence.
func NewRegistry(lastSeen LastSeenRecorder, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:    make(map[string]Conn),
		lastSeen: lastSeen,
		logger:   logger,
	}
}

// Register stores conn as the authoritative handle for its user, superseding
// any previous handle. The superseded handle (if any) is returned so the
// transport layer can close it; the registry itself never closes connections.
func (r *Registry) Register(conn Conn) Conn {
	userID := conn.UserID()
	r.mu.Lock()
	old := r.conns[userID]
	r.conns[userID] = conn
	r.mu.Unlock()

	r.logger.Debug("user registered", zap.String("user_id", userID), zap.Bool("superseded", old != nil))
	r.broadcastOnline()
	if old == conn {
		return nil
	}
	return old
}

// Unregister removes conn only if it is still the authoritative handle for its
// user. A late disconnect event from a superseded connection is a no-op, so a
// newer registration is never removed by an old connection's teardown.
func (r *Registry) Unregister(conn Conn) {
	userID := conn.UserID()
	r.mu.Lock()
	current, ok := r.conns[userID]
	removed := ok && current == conn
	if removed {
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	if !removed {
		r.logger.Debug("stale unregister ignored", zap.String("user_id", userID))
		return
	}
	r.logger.Debug("user unregistered", zap.String("user_id", userID))
	r.broadcastOnline()

	if r.lastSeen != nil {
		go func(at time.Time) {
			ctx, cancel := context.WithTimeout(context.Background(), lastSeenTimeout)
			defer cancel()
			if err := r.lastSeen.RecordLastSeen(ctx, userID, at); err != nil {
				r.logger.Warn("record last seen failed", zap.String("user_id", userID), zap.Error(err))
			}
		}(time.Now())
	}
}

// Lookup returns the authoritative handle for userID, if any.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Online reports whether userID currently has an authoritative connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// OnlineIDs returns a sorted snapshot of the online user set.
func (r *Registry) OnlineIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// SendToUser pushes an event to a single user's connection. Returns false when
// the user has no live connection.
func (r *Registry) SendToUser(userID, event string, payload interface{}) bool {
	c, ok := r.Lookup(userID)
	if !ok {
		return false
	}
	c.Send(event, payload)
	return true
}

// broadcastOnline pushes the current online set to every live connection.
// The send happens outside the registry lock against a snapshot of conns.
func (r *Registry) broadcastOnline() {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	payload := OnlinePayload{UserIDs: r.OnlineIDs()}
	for _, c := range conns {
		c.Send(EventOnlineUsers, payload)
	}
}
