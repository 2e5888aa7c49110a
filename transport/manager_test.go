package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mux-rpc/protocol"
)

// startWSEcho serves a WebSocket endpoint that writes every binary message
// back unchanged.
func startWSEcho(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startTCP accepts one connection and hands it to serve.
func startTCP(t *testing.T, serve func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		serve(conn)
	}()
	return "tcp://" + ln.Addr().String()
}

type hookCounter struct {
	opens  atomic.Int32
	closes atomic.Int32
	errs   atomic.Int32
	order  []string
	mu     sync.Mutex
}

func (h *hookCounter) hooks() Hooks {
	record := func(s string) {
		h.mu.Lock()
		h.order = append(h.order, s)
		h.mu.Unlock()
	}
	return Hooks{
		OnOpen:  func() { h.opens.Add(1); record("open") },
		OnClose: func() { h.closes.Add(1); record("close") },
		OnError: func(error) { h.errs.Add(1); record("error") },
	}
}

func (h *hookCounter) sequence() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.order, ",")
}

func waitDone(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("manager still %s", m.State())
	}
}

func TestSendBeforeOpen(t *testing.T) {
	dialed := false
	m := NewManager("ws://127.0.0.1:1/rpc", WithDialer(DialerFunc(func(context.Context, string) (Link, error) {
		dialed = true
		return nil, errors.New("unused")
	})))

	err := m.Send(context.Background(), []byte{1, 2, 3})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if m.State() != StateDisconnected || dialed {
		t.Fatalf("send must not change state or dial: state=%s dialed=%v", m.State(), dialed)
	}
}

func TestWebSocketOpenSendReceive(t *testing.T) {
	endpoint := startWSEcho(t)

	var hc hookCounter
	m := NewManager(endpoint, WithHooks(hc.hooks()))
	received := make(chan []byte, 3)
	m.SetHandler(func(frame []byte) { received <- frame })

	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if m.State() != StateOpen {
		t.Fatalf("expect open, got %s", m.State())
	}
	defer m.Close()

	frames := [][]byte{[]byte("one"), []byte("two"), {}}
	for _, f := range frames {
		if err := m.Send(context.Background(), f); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for i, want := range frames {
		select {
		case got := <-received:
			if !bytes.Equal(got, want) {
				t.Fatalf("frame %d: got %q, want %q", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
	if hc.opens.Load() != 1 {
		t.Fatalf("expect one OnOpen, got %d", hc.opens.Load())
	}
}

func TestOpenTwice(t *testing.T) {
	endpoint := startWSEcho(t)
	m := NewManager(endpoint)
	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if err := m.Open(context.Background()); !errors.Is(err, ErrAlreadyOpened) {
		t.Fatalf("expected ErrAlreadyOpened, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	endpoint := startWSEcho(t)
	var hc hookCounter
	m := NewManager(endpoint, WithHooks(hc.hooks()))
	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := hc.closes.Load(); got != 1 {
		t.Fatalf("expect exactly one OnClose, got %d", got)
	}
	if hc.errs.Load() != 0 {
		t.Fatalf("clean close must not fire OnError")
	}
	if m.State() != StateClosed {
		t.Fatalf("expect closed, got %s", m.State())
	}
	if err := m.Send(context.Background(), []byte("late")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after close: expected ErrNotConnected, got %v", err)
	}
	if err := m.Open(context.Background()); !errors.Is(err, ErrAlreadyOpened) {
		t.Fatalf("reopen: expected ErrAlreadyOpened, got %v", err)
	}
}

func TestCloseBeforeOpen(t *testing.T) {
	var hc hookCounter
	m := NewManager("ws://127.0.0.1:1/rpc", WithHooks(hc.hooks()))
	_ = m.Close()
	_ = m.Close()
	if m.State() != StateClosed || hc.closes.Load() != 1 {
		t.Fatalf("state=%s closes=%d", m.State(), hc.closes.Load())
	}
}

func TestDialFailure(t *testing.T) {
	var hc hookCounter
	dialErr := errors.New("refused")
	m := NewManager("tcp://127.0.0.1:1", WithHooks(hc.hooks()), WithDialer(DialerFunc(func(context.Context, string) (Link, error) {
		return nil, dialErr
	})))

	err := m.Open(context.Background())
	if !errors.Is(err, ErrTransport) || !errors.Is(err, dialErr) {
		t.Fatalf("expected ErrTransport wrapping dial error, got %v", err)
	}
	if m.State() != StateFailed {
		t.Fatalf("expect failed, got %s", m.State())
	}
	if !errors.Is(m.Err(), dialErr) {
		t.Fatalf("Err() = %v", m.Err())
	}
	if seq := hc.sequence(); seq != "error,close" {
		t.Fatalf("hook order = %q", seq)
	}
}

func TestBadEndpoint(t *testing.T) {
	m := NewManager("http://127.0.0.1:9000")
	if err := m.Open(context.Background()); !errors.Is(err, ErrBadEndpoint) {
		t.Fatalf("expected ErrBadEndpoint, got %v", err)
	}
}

func TestTCPOpenSendReceive(t *testing.T) {
	endpoint := startTCP(t, func(conn net.Conn) {
		defer conn.Close()
		for {
			mt, body, err := protocol.ReadEnvelope(conn)
			if err != nil {
				return
			}
			if mt == protocol.MsgTypeFrame {
				_ = protocol.WriteEnvelope(conn, protocol.MsgTypeHeartbeat, nil)
				_ = protocol.WriteEnvelope(conn, protocol.MsgTypeFrame, body)
			}
		}
	})

	m := NewManager(endpoint)
	received := make(chan []byte, 1)
	m.SetHandler(func(frame []byte) { received <- frame })
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer m.Close()

	if err := m.Send(context.Background(), []byte("ping")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-received:
		if string(got) != "ping" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}

func TestPeerCloseIsClean(t *testing.T) {
	endpoint := startTCP(t, func(conn net.Conn) {
		conn.Close()
	})

	var hc hookCounter
	m := NewManager(endpoint, WithHooks(hc.hooks()))
	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, m)

	if m.State() != StateClosed {
		t.Fatalf("expect closed, got %s", m.State())
	}
	if hc.errs.Load() != 0 || hc.closes.Load() != 1 {
		t.Fatalf("errs=%d closes=%d", hc.errs.Load(), hc.closes.Load())
	}
}

func TestTransportErrorFiresErrorThenClose(t *testing.T) {
	endpoint := startTCP(t, func(conn net.Conn) {
		defer conn.Close()
		// garbage instead of an envelope
		_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		time.Sleep(200 * time.Millisecond)
	})

	var hc hookCounter
	m := NewManager(endpoint, WithHooks(hc.hooks()))
	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, m)

	if m.State() != StateFailed {
		t.Fatalf("expect failed, got %s", m.State())
	}
	if !errors.Is(m.Err(), protocol.ErrMalformedFrame) {
		t.Fatalf("Err() = %v", m.Err())
	}
	if seq := hc.sequence(); seq != "open,error,close" {
		t.Fatalf("hook order = %q", seq)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close after failure: %v", err)
	}
	if hc.closes.Load() != 1 {
		t.Fatalf("Close after failure fired OnClose again")
	}
}

func TestHeartbeat(t *testing.T) {
	beats := make(chan struct{}, 4)
	endpoint := startTCP(t, func(conn net.Conn) {
		defer conn.Close()
		for {
			mt, _, err := protocol.ReadEnvelope(conn)
			if err != nil {
				return
			}
			if mt == protocol.MsgTypeHeartbeat {
				select {
				case beats <- struct{}{}:
				default:
				}
			}
		}
	})

	m := NewManager(endpoint, WithHeartbeat(20*time.Millisecond))
	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-beats:
		case <-time.After(2 * time.Second):
			t.Fatalf("heartbeat %d not received", i)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateOpen.String() != "open" || State(42).String() != "state(42)" {
		t.Fatalf("unexpected names: %s %s", StateOpen, State(42))
	}
}

// recordingLink keeps the deadline of every write and blocks reads until
// closed.
type recordingLink struct {
	mu        sync.Mutex
	deadlines []time.Time
	closed    chan struct{}
	once      sync.Once
}

func newRecordingLink() *recordingLink {
	return &recordingLink{closed: make(chan struct{})}
}

func (l *recordingLink) ReadMessage() ([]byte, error) {
	<-l.closed
	return nil, errors.New("closed")
}

func (l *recordingLink) WriteMessage(ctx context.Context, frame []byte) error {
	deadline, _ := ctx.Deadline()
	l.mu.Lock()
	l.deadlines = append(l.deadlines, deadline)
	l.mu.Unlock()
	return nil
}

func (l *recordingLink) Ping(context.Context) error { return nil }

func (l *recordingLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *recordingLink) writes() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.deadlines...)
}

func TestSendIgnoresCallerDeadline(t *testing.T) {
	link := newRecordingLink()
	m := NewManager("tcp://fake", WithHeartbeat(0), WithWriteTimeout(time.Second),
		WithDialer(DialerFunc(func(context.Context, string) (Link, error) { return link, nil })))
	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()
	if err := m.Send(ctx, []byte{1}); err != nil {
		t.Fatal(err)
	}

	writes := link.writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d", len(writes))
	}
	if until := time.Until(writes[0]); until <= 0 || until > time.Second {
		t.Fatalf("write deadline %s away, want the manager's write timeout", until)
	}
}

func TestSendWithDoneContext(t *testing.T) {
	link := newRecordingLink()
	var hc hookCounter
	m := NewManager("tcp://fake", WithHeartbeat(0), WithHooks(hc.hooks()),
		WithDialer(DialerFunc(func(context.Context, string) (Link, error) { return link, nil })))
	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Millisecond))
	defer cancel()
	if err := m.Send(expired, []byte{1}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}

	canceled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	err := m.Send(canceled, []byte{2})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrTransport) {
		t.Fatalf("expect plain cancellation, got %v", err)
	}

	if len(link.writes()) != 0 {
		t.Fatal("done context still wrote to the link")
	}
	if m.State() != StateOpen || hc.errs.Load() != 0 {
		t.Fatalf("state = %s, error hooks = %d", m.State(), hc.errs.Load())
	}
}
