package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second

	// wsMaxMessageSize bounds inbound client frames. Clients only send
	// pongs and close frames; anything larger is a protocol violation.
	wsMaxMessageSize = 4096
)

// Upgrader upgrades HTTP requests to WebSocket connections. Origin checks
// are the auth layer's job; the bearer token already gates the endpoint.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWebSocket runs the read and write pumps for one upgraded socket and
// blocks until the peer disconnects or the connection is closed. The caller
// registers the connection before and unregisters it after.
func (r *Registry) ServeWebSocket(ws *websocket.Conn, conn *Connection, heartbeatInterval time.Duration) {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	pongWait := heartbeatInterval * 2

	go r.readPump(ws, conn, pongWait)
	r.writePump(ws, conn, heartbeatInterval)
}

// readPump consumes inbound frames. The client sends nothing meaningful on
// the socket; the pump exists to process pongs and detect disconnects.
func (r *Registry) readPump(ws *websocket.Conn, conn *Connection, pongWait time.Duration) {
	defer conn.Close()

	ws.SetReadLimit(wsMaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		conn.Touch(r.clock.Now())
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the connection's lanes onto the socket and pings on the
// heartbeat interval.
func (r *Registry) writePump(ws *websocket.Conn, conn *Connection, pingPeriod time.Duration) {
	ticker := r.clock.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		for {
			event, ok := conn.dequeue()
			if !ok {
				break
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(event); err != nil {
				return
			}
		}

		select {
		case <-conn.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case event := <-conn.high:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(event); err != nil {
				return
			}
		case event := <-conn.normal:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C():
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
