package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/storyweave/realtime/internal/observability"
	"github.com/storyweave/realtime/pkg/models"
)

// DefaultHeartbeatInterval is how often the pumps emit keepalive frames.
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultDeadTimeout is how long a connection may go without a liveness
// signal before the sweep discards it.
const DefaultDeadTimeout = 90 * time.Second

// Registry tracks every active streaming connection, at most one per user.
// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]*Connection

	onOffline func(userID string)

	metrics *observability.Metrics
	clock   clockz.Clock
	logger  *slog.Logger
}

// NewRegistry creates a connection registry. metrics may be nil.
func NewRegistry(metrics *observability.Metrics, clock clockz.Clock, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:    make(map[string]*Connection),
		byUser:  make(map[string]*Connection),
		metrics: metrics,
		clock:   clock,
		logger:  logger,
	}
}

// SetOfflineFunc installs the callback invoked when a user's connection is
// removed without a replacement. Used to cascade disconnect cleanup into
// the channel, session, and presence layers. Must be set before traffic.
func (r *Registry) SetOfflineFunc(fn func(userID string)) {
	r.onOffline = fn
}

// Register adds the connection and makes it the user's active stream.
// A previous connection for the same user is closed and replaced; the
// replacement does not count as the user going offline.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	prev := r.byUser[conn.UserID]
	if prev != nil {
		delete(r.byID, prev.ID)
	}
	r.byID[conn.ID] = conn
	r.byUser[conn.UserID] = conn
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
		if r.metrics != nil {
			r.metrics.ConnectionClosed(string(prev.Kind))
		}
	}
	if r.metrics != nil {
		r.metrics.ConnectionOpened(string(conn.Kind))
	}
	r.logger.Debug("connection registered",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"transport", string(conn.Kind),
		"replaced", prev != nil)
}

// Unregister removes the connection and closes it. Idempotent: a connection
// that already left, or was displaced by a newer one, is ignored. When the
// user has no remaining connection the offline callback fires.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	conn, ok := r.byID[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, connectionID)
	wentOffline := false
	if current := r.byUser[conn.UserID]; current != nil && current.ID == connectionID {
		delete(r.byUser, conn.UserID)
		wentOffline = true
	}
	r.mu.Unlock()

	conn.Close()
	if r.metrics != nil {
		r.metrics.ConnectionClosed(string(conn.Kind))
	}
	r.logger.Debug("connection unregistered",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"transport", string(conn.Kind))

	if wentOffline && r.onOffline != nil {
		r.onOffline(conn.UserID)
	}
}

// Push enqueues the event for the user's active connection.
func (r *Registry) Push(userID string, event *models.RealtimeEvent) error {
	r.mu.RLock()
	conn := r.byUser[userID]
	r.mu.RUnlock()
	if conn == nil {
		if r.metrics != nil {
			r.metrics.EventDropped("no_connection")
		}
		return ErrNoActiveConnection
	}

	if err := conn.Enqueue(event); err != nil {
		if r.metrics != nil {
			r.metrics.EventDeliveryFailed(string(conn.Kind))
			if err == ErrQueueFull {
				r.metrics.EventDropped("queue_full")
			}
		}
		return err
	}
	if r.metrics != nil {
		r.metrics.EventDelivered(string(conn.Kind))
	}
	return nil
}

// Broadcast enqueues the event on every active connection. Failures are
// isolated per connection; the returned slices hold user ids.
func (r *Registry) Broadcast(event *models.RealtimeEvent) (delivered, failed []string) {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byUser))
	for _, conn := range r.byUser {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Enqueue(event); err != nil {
			failed = append(failed, conn.UserID)
			if r.metrics != nil {
				r.metrics.EventDeliveryFailed(string(conn.Kind))
			}
			continue
		}
		delivered = append(delivered, conn.UserID)
		if r.metrics != nil {
			r.metrics.EventDelivered(string(conn.Kind))
		}
	}
	return delivered, failed
}

// Get returns the user's active connection, or nil.
func (r *Registry) Get(userID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

// SweepDead unregisters connections with no liveness signal inside timeout.
// Returns the number of connections dropped.
func (r *Registry) SweepDead(timeout time.Duration) int {
	if timeout <= 0 {
		timeout = DefaultDeadTimeout
	}
	cutoff := r.clock.Now().Add(-timeout)

	r.mu.RLock()
	var stale []string
	for id, conn := range r.byID {
		if conn.LastSeen().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Unregister(id)
	}
	return len(stale)
}

// Counts returns the number of active connections per transport.
func (r *Registry) Counts() (sse, websocket int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conn := range r.byUser {
		switch conn.Kind {
		case KindSSE:
			sse++
		case KindWebSocket:
			websocket++
		}
	}
	return sse, websocket
}

// Users returns the ids of currently connected users.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	return users
}

// CloseAll closes every connection, used on shutdown. Offline callbacks do
// not fire; the process is going away anyway.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.byID = make(map[string]*Connection)
	r.byUser = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
