package hub

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Viewers only send control frames; anything larger is a misbehaving peer.
	maxMessageSize = 4 * 1024
)

// ServeWebSocket drains c onto conn as text frames carrying the same JSON
// bodies as the SSE stream. It returns when ctx is cancelled, the peer goes
// away, or c is removed. The connection is closed on return.
func (h *Hub) ServeWebSocket(ctx context.Context, conn *websocket.Conn, c *Client) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = conn.Close() }()

	go h.readPump(conn, c, cancel)
	go h.pingPump(ctx, conn)

	for {
		msg, err := c.Next(ctx, h.heartbeat)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
			h.log.Debug().Err(err).Str("client_id", c.ID).Msg("websocket write failed")
			return
		}
	}
}

// readPump discards viewer frames and cancels the stream on read error.
func (h *Hub) readPump(conn *websocket.Conn, c *Client, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("client_id", c.ID).Msg("websocket read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// pingPump keeps intermediaries from idling out the connection.
// WriteControl is safe to call concurrently with WriteMessage.
func (h *Hub) pingPump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
