package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"mux-rpc/protocol"
)

// tcpLink wraps each frame in a protocol envelope because a TCP stream has no
// message boundaries of its own.
type tcpLink struct {
	conn net.Conn
}

func dialTCP(ctx context.Context, addr string, timeout time.Duration) (Link, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set no delay: %w", err)
		}
	}
	return NewTCPLink(conn), nil
}

// NewTCPLink wraps an established stream connection.
func NewTCPLink(conn net.Conn) Link {
	return &tcpLink{conn: conn}
}

// ReadMessage returns the next frame, skipping heartbeat envelopes.
func (l *tcpLink) ReadMessage() ([]byte, error) {
	for {
		mt, body, err := protocol.ReadEnvelope(l.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("tcp closed by peer: %w", io.EOF)
			}
			return nil, err
		}
		if mt == protocol.MsgTypeHeartbeat {
			continue
		}
		return body, nil
	}
}

func (l *tcpLink) WriteMessage(ctx context.Context, frame []byte) error {
	if err := l.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return err
	}
	return protocol.WriteEnvelope(l.conn, protocol.MsgTypeFrame, frame)
}

func (l *tcpLink) Ping(ctx context.Context) error {
	if err := l.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return err
	}
	return protocol.WriteEnvelope(l.conn, protocol.MsgTypeHeartbeat, nil)
}

func (l *tcpLink) Close() error {
	return l.conn.Close()
}
