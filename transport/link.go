package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrNotConnected  = errors.New("transport: not connected")
	ErrAlreadyOpened = errors.New("transport: connection already opened")
	ErrTransport     = errors.New("transport: connection failure")
	ErrBadEndpoint   = errors.New("transport: unsupported endpoint")
)

// Link is one established duplex connection that moves whole frames.
//
// ReadMessage is only ever called from one goroutine. WriteMessage and Ping are
// serialized by the Manager. ReadMessage returns an error wrapping io.EOF when
// the peer closed the link cleanly.
type Link interface {
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, frame []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer establishes links.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Link, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string) (Link, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Link, error) {
	return f(ctx, endpoint)
}

// SchemeDialer picks the link type from the endpoint's URL scheme:
// ws:// and wss:// dial a WebSocket, tcp:// dials a raw TCP stream.
type SchemeDialer struct {
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
}

// DefaultDialer is used when a Manager is built without WithDialer.
var DefaultDialer Dialer = &SchemeDialer{
	HandshakeTimeout: 10 * time.Second,
	MaxMessageSize:   defaultMaxMessageSize,
}

func (d *SchemeDialer) Dial(ctx context.Context, endpoint string) (Link, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadEndpoint, endpoint, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return dialWebSocket(ctx, endpoint, d.HandshakeTimeout, d.MaxMessageSize)
	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("%w: %q has no host", ErrBadEndpoint, endpoint)
		}
		return dialTCP(ctx, u.Host, d.HandshakeTimeout)
	default:
		return nil, fmt.Errorf("%w: scheme %q in %q", ErrBadEndpoint, u.Scheme, endpoint)
	}
}

// writeDeadline maps ctx to a socket deadline. The zero time means none.
func writeDeadline(ctx context.Context) time.Time {
	deadline, _ := ctx.Deadline()
	return deadline
}
