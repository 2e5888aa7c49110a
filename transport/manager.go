// Package transport owns the single duplex connection a client talks over.
//
// A Manager moves through a one-way lifecycle and is never reused:
//
//	Disconnected ──Open──→ Connecting ──ready──→ Open ──Close / peer close──→ Closed
//	      │                     │                  │
//	      └──────Close──────────┴──────────────────┴──transport error──→ Failed
//
// While Open, one goroutine (recvLoop) reads frames and hands them, unmodified
// and in arrival order, to the inbound handler. A second goroutine
// (heartbeatLoop) probes the link so a dead peer is noticed even when no
// invocation is in flight. Reconnecting means building a new Manager.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is a point in the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Hooks observe lifecycle events. Nil fields are skipped. On a transport
// failure OnError runs first, then OnClose; OnClose runs at most once per
// Manager.
type Hooks struct {
	OnOpen  func()
	OnClose func()
	OnError func(err error)
}

// Manager owns one connection to endpoint.
type Manager struct {
	endpoint     string
	dialer       Dialer
	logger       *zap.Logger
	heartbeat    time.Duration
	writeTimeout time.Duration

	mu      sync.Mutex // guards the fields below
	state   State
	link    Link
	hooks   Hooks
	handler func(frame []byte)
	err     error
	done    chan struct{}

	sending sync.Mutex // one writer at a time, or frames interleave on the link
}

// Option configures a Manager.
type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHeartbeat sets the keepalive probe interval. Zero disables probing.
func WithHeartbeat(interval time.Duration) Option {
	return func(m *Manager) { m.heartbeat = interval }
}

// WithWriteTimeout bounds every write on the link. Callers' contexts never set
// the socket deadline. Zero means no bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) { m.writeTimeout = d }
}

func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// NewManager creates a Manager in StateDisconnected. Nothing is dialed until
// Open.
func NewManager(endpoint string, opts ...Option) *Manager {
	m := &Manager{
		endpoint:     endpoint,
		dialer:       DefaultDialer,
		logger:       zap.NewNop(),
		heartbeat:    30 * time.Second,
		writeTimeout: 10 * time.Second,
		state:        StateDisconnected,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With(zap.String("endpoint", endpoint))
	return m
}

// Endpoint returns the address this Manager dials.
func (m *Manager) Endpoint() string {
	return m.endpoint
}

// SetHooks replaces all lifecycle hooks.
func (m *Manager) SetHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

// SetHandler installs the receiver of inbound frames. Set it before Open so no
// frame arrives without a receiver.
func (m *Manager) SetHandler(h func(frame []byte)) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the failure that moved the Manager to StateFailed, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed once the Manager reaches StateClosed or StateFailed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Open dials the endpoint. It is valid only once, from StateDisconnected.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrAlreadyOpened, state)
	}
	m.state = StateConnecting
	m.mu.Unlock()

	m.logger.Debug("connecting")
	link, err := m.dialer.Dial(ctx, m.endpoint)
	if err != nil {
		m.finish(nil, err)
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	m.mu.Lock()
	if m.state != StateConnecting {
		// closed while dialing
		m.mu.Unlock()
		_ = link.Close()
		return fmt.Errorf("%w: closed while connecting", ErrNotConnected)
	}
	m.state = StateOpen
	m.link = link
	onOpen := m.hooks.OnOpen
	m.mu.Unlock()

	m.logger.Info("connection open")
	// OnOpen runs before the loops start, so it precedes any inbound frame
	// and any close or error hook.
	if onOpen != nil {
		onOpen()
	}
	go m.recvLoop(link)
	if m.heartbeat > 0 {
		go m.heartbeatLoop(link, m.heartbeat)
	}
	return nil
}

// Send writes one frame. It fails with ErrNotConnected, writing nothing, unless
// the Manager is open. If ctx is already done, Send returns its error and
// writes nothing; the connection is unaffected. Once a write starts it is bound
// only by the Manager's write timeout, since the link is shared by every
// caller. A write error is a transport failure: the Manager moves to
// StateFailed and the error wraps ErrTransport.
func (m *Manager) Send(ctx context.Context, frame []byte) error {
	m.mu.Lock()
	if m.state != StateOpen {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotConnected, state)
	}
	link := m.link
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send aborted: %w", err)
	}

	wctx := context.Background()
	if m.writeTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(wctx, m.writeTimeout)
		defer cancel()
	}

	m.sending.Lock()
	// the caller may have given up while another write held the lock
	if err := ctx.Err(); err != nil {
		m.sending.Unlock()
		return fmt.Errorf("send aborted: %w", err)
	}
	err := link.WriteMessage(wctx, frame)
	m.sending.Unlock()
	if err == nil {
		return nil
	}

	if !m.finish(link, err) && m.State() == StateClosed {
		// lost a race with Close; the write never had a live connection
		return fmt.Errorf("%w: state %s", ErrNotConnected, StateClosed)
	}
	return fmt.Errorf("%w: write: %w", ErrTransport, err)
}

// Close releases the connection. Closing a closed or failed Manager is a no-op;
// the OnClose hook fires only for the first transition.
func (m *Manager) Close() error {
	for {
		m.mu.Lock()
		if m.state.terminal() {
			m.mu.Unlock()
			return nil
		}
		link := m.link
		m.mu.Unlock()

		if m.finish(link, nil) {
			return nil
		}
	}
}

// finish moves the Manager into its terminal state, releases the link and
// fires the hooks. It does nothing and returns false if the Manager is already
// terminal or no longer holds expect. A nil cause or one wrapping io.EOF is a
// clean close; anything else is a failure.
func (m *Manager) finish(expect Link, cause error) bool {
	m.mu.Lock()
	if m.state.terminal() || m.link != expect {
		m.mu.Unlock()
		return false
	}
	link := m.link
	m.link = nil
	failed := cause != nil && !errors.Is(cause, io.EOF)
	if failed {
		m.state = StateFailed
		m.err = cause
	} else {
		m.state = StateClosed
	}
	hooks := m.hooks
	m.mu.Unlock()

	if link != nil {
		if err := link.Close(); err != nil {
			m.logger.Debug("close link", zap.Error(err))
		}
	}
	close(m.done)

	if failed {
		m.logger.Warn("connection failed", zap.Error(cause))
		if hooks.OnError != nil {
			hooks.OnError(cause)
		}
	} else {
		m.logger.Info("connection closed")
	}
	if hooks.OnClose != nil {
		hooks.OnClose()
	}
	return true
}

// recvLoop is the only reader of link. Frames go to the handler one at a time,
// in the order the link delivered them.
func (m *Manager) recvLoop(link Link) {
	for {
		frame, err := link.ReadMessage()
		if err != nil {
			m.finish(link, err)
			return
		}

		m.mu.Lock()
		open := m.state == StateOpen && m.link == link
		handler := m.handler
		m.mu.Unlock()
		if !open {
			return
		}
		if handler != nil {
			handler(frame)
		}
	}
}

// heartbeatLoop probes the link at a fixed interval until the Manager is done.
// A failed probe is a transport failure.
func (m *Manager) heartbeatLoop(link Link, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		// probes share the write lock with frames
		m.sending.Lock()
		err := link.Ping(ctx)
		m.sending.Unlock()
		cancel()
		if err != nil {
			m.finish(link, fmt.Errorf("heartbeat: %w", err))
			return
		}
	}
}
