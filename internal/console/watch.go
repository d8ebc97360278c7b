package console

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// watch streams snapshots as JSON text frames until the client goes away or
// the session stops. Only the latest snapshot is sent to a slow client.
func (a *API) watch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, err := a.session.Watch(ctx)
	if err != nil {
		a.writeResult(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		a.log.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	go a.readPump(conn, cancel)

	ticker := time.NewTicker(a.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case s, ok := <-updates:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session stopped"))
				return
			}
			b, err := json.Marshal(s)
			if err != nil {
				a.log.Error(err, "Failed to encode snapshot")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readPump discards client frames and cancels the stream when the
// connection fails or the client stops answering pings.
func (a *API) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	pongWait := a.pingInterval + writeWait
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.log.Debug("WebSocket read error", "error", err)
			}
			return
		}
	}
}
