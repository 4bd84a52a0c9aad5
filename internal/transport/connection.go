// Package transport owns streaming connections and the last hop of event
// delivery.
//
// A Connection is a handle to one client stream (SSE or WebSocket) with two
// buffered outbound lanes. The dispatcher enqueues frames through the
// Registry and never blocks: a full queue is a failed delivery for that
// recipient, not a stall for everyone else. The per-connection pumps in
// sse.go and websocket.go drain the lanes in priority order, so events on
// one connection are written in the order they were accepted.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyweave/realtime/pkg/models"
)

// Kind names the wire protocol behind a connection.
type Kind string

const (
	KindSSE       Kind = "sse"
	KindWebSocket Kind = "websocket"
)

const (
	// highLaneSize bounds the high-priority outbound queue.
	highLaneSize = 16

	// normalLaneSize bounds the normal/low-priority outbound queue.
	normalLaneSize = 64
)

var (
	// ErrNoActiveConnection is returned when a push targets a user with no
	// registered stream.
	ErrNoActiveConnection = errors.New("transport: user has no active connection")

	// ErrQueueFull is returned when a connection's outbound lane is full.
	// The frame is dropped for that recipient; the connection stays up.
	ErrQueueFull = errors.New("transport: connection queue full")

	// ErrConnectionClosed is returned when a push races a closing stream.
	ErrConnectionClosed = errors.New("transport: connection closed")
)

// Connection is the server-side handle for one client stream.
type Connection struct {
	ID        string
	UserID    string
	UserName  string
	Role      models.Role
	Kind      Kind
	CreatedAt time.Time

	high   chan *models.RealtimeEvent
	normal chan *models.RealtimeEvent
	done   chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	lastSeen time.Time
}

// NewConnection builds an unregistered connection handle.
func NewConnection(userID, userName string, role models.Role, kind Kind, now time.Time) *Connection {
	return &Connection{
		ID:        uuid.NewString(),
		UserID:    userID,
		UserName:  userName,
		Role:      role,
		Kind:      kind,
		CreatedAt: now,
		high:      make(chan *models.RealtimeEvent, highLaneSize),
		normal:    make(chan *models.RealtimeEvent, normalLaneSize),
		done:      make(chan struct{}),
		lastSeen:  now,
	}
}

// Enqueue places the event on the connection's outbound queue without
// blocking. High-priority events use the short dedicated lane so they are
// not stuck behind a backlog of typing noise.
func (c *Connection) Enqueue(event *models.RealtimeEvent) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	lane := c.normal
	if event.EffectivePriority() == models.PriorityHigh {
		lane = c.high
	}
	select {
	case lane <- event:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrQueueFull
	}
}

// dequeue takes the next queued event without blocking, draining the high
// lane before the normal one.
func (c *Connection) dequeue() (*models.RealtimeEvent, bool) {
	select {
	case event := <-c.high:
		return event, true
	default:
	}
	select {
	case event := <-c.normal:
		return event, true
	default:
		return nil, false
	}
}

// Close releases the connection's pumps. Idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed when the connection shuts down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Touch records liveness, from a WebSocket pong or a successful SSE flush.
func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

// LastSeen returns the most recent liveness signal.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}
