package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

const defaultMaxMessageSize = 16*1024*1024 + 64

// wsLink carries one frame per binary WebSocket message.
type wsLink struct {
	conn *websocket.Conn
}

func dialWebSocket(ctx context.Context, endpoint string, handshake time.Duration, maxSize int64) (Link, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshake}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", endpoint, err)
	}
	return NewWebSocketLink(conn, maxSize), nil
}

// NewWebSocketLink wraps an established connection. Both the client and the
// server side of a connection can use it.
func NewWebSocketLink(conn *websocket.Conn, maxSize int64) Link {
	if maxSize > 0 {
		conn.SetReadLimit(maxSize)
	}
	return &wsLink{conn: conn}
}

func (l *wsLink) ReadMessage() ([]byte, error) {
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("websocket closed by peer: %w", io.EOF)
		}
		return nil, err
	}
	// text messages are forwarded as-is; the dispatcher only looks at bytes
	return data, nil
}

func (l *wsLink) WriteMessage(ctx context.Context, frame []byte) error {
	if err := l.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (l *wsLink) Ping(ctx context.Context) error {
	deadline := writeDeadline(ctx)
	if deadline.IsZero() {
		deadline = time.Now().Add(time.Second)
	}
	return l.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close sends a normal closure message and closes the socket.
func (l *wsLink) Close() error {
	_ = l.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return l.conn.Close()
}
