package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/storyweave/realtime/pkg/models"
)

// sseRetryMillis tells the browser how long to wait before reconnecting.
const sseRetryMillis = 3000

// ServeSSE streams the connection's queue to the client as server-sent
// events until the client disconnects or the connection is closed. The
// caller registers the connection before and unregisters it after.
//
// Frames follow the standard framing: an id line, an event line naming the
// event type, and a data line carrying the JSON-encoded event. Keepalive
// comments are emitted on the heartbeat interval so proxies do not reap
// quiet streams.
func (r *Registry) ServeSSE(w http.ResponseWriter, req *http.Request, conn *Connection, heartbeatInterval time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("transport: response writer does not support streaming")
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "retry: %d\n\n", sseRetryMillis)
	fmt.Fprintf(w, "event: connected\ndata: {\"connection_id\":%q}\n\n", conn.ID)
	flusher.Flush()
	conn.Touch(r.clock.Now())

	ticker := r.clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		// Drain queued frames before blocking so a closing connection
		// still flushes what it already accepted.
		for {
			event, ok := conn.dequeue()
			if !ok {
				break
			}
			if err := writeSSEFrame(w, event); err != nil {
				return err
			}
			flusher.Flush()
			conn.Touch(r.clock.Now())
		}

		select {
		case <-req.Context().Done():
			return nil
		case <-conn.Done():
			return nil
		case event := <-conn.high:
			if err := writeSSEFrame(w, event); err != nil {
				return err
			}
			flusher.Flush()
			conn.Touch(r.clock.Now())
		case event := <-conn.normal:
			if err := writeSSEFrame(w, event); err != nil {
				return err
			}
			flusher.Flush()
			conn.Touch(r.clock.Now())
		case <-ticker.C():
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			conn.Touch(r.clock.Now())
		}
	}
}

func writeSSEFrame(w io.Writer, event *models.RealtimeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("transport: encode event %s: %w", event.ID, err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, payload)
	return err
}
