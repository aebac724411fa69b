package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 4 * 1024
	wsBufferSize = 1024
)

// normalCloseCodes are close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// newUpgrader accepts non-browser clients, same-host pages and the given origins.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			host := r.Host
			return origin == "http://"+host || origin == "https://"+host || allowed[origin]
		},
	}
}

// WSEmitter writes each event as one JSON text message with id and type
// fields alongside the payload.
type WSEmitter struct {
	conn *websocket.Conn
}

var _ Emitter = (*WSEmitter)(nil)

// NewWSEmitter wraps an upgraded connection.
func NewWSEmitter(conn *websocket.Conn) *WSEmitter {
	return &WSEmitter{conn: conn}
}

func (e *WSEmitter) Emit(ev Event) error {
	msg := ev.Payload()
	if ev.ID > 0 {
		msg["id"] = ev.ID
	}
	if ev.Retry > 0 {
		msg["retry"] = ev.Retry.Milliseconds()
	}
	_ = e.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := e.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close sends a close frame with a reason derived from how the session ended.
func (e *WSEmitter) Close(reason CloseReason) {
	code := websocket.CloseNormalClosure
	if reason == CloseError {
		code = websocket.CloseInternalServerErr
	}
	_ = e.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, string(reason)),
		time.Now().Add(wsWriteWait))
}

// readPump drains client frames so control messages are processed, and
// cancels the session when the client goes away. The feed is one-way, so
// data frames are discarded.
func readPump(conn *websocket.Conn, cancel context.CancelFunc, logger *slog.Logger) {
	defer cancel()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}

// pingLoop keeps the read deadline alive on idle clients. WriteControl is
// safe to call concurrently with the session's writes.
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
