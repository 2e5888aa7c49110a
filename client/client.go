// Package client correlates command invocations with their responses over one
// multiplexed connection.
//
// Each invocation registers a completion action under its caller-chosen ID
// before its request frame is written. The transport's receive goroutine hands
// every inbound frame to dispatch, which reads the leading ID and completes the
// matching entry, so responses may arrive in any order:
//
//	goroutine-1 ──Invoke(id=1)──┐
//	goroutine-2 ──Invoke(id=2)──┼──→ one connection ──→ server
//	goroutine-3 ──Invoke(id=3)──┘
//
//	recvLoop: ←── response(id=2) → pending[2] → goroutine-2 wakes up
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mux-rpc/message"
	"mux-rpc/metrics"
	"mux-rpc/middleware"
	"mux-rpc/pending"
	"mux-rpc/protocol"
	"mux-rpc/transport"
)

// Errors surfaced by the client, re-exported from the packages that produce
// them so callers need only this import for errors.Is.
var (
	ErrNotConnected        = transport.ErrNotConnected
	ErrTransport           = transport.ErrTransport
	ErrInvalidArgument     = protocol.ErrInvalidArgument
	ErrMalformedFrame      = protocol.ErrMalformedFrame
	ErrUnknownInvocation   = pending.ErrUnknownInvocation
	ErrDuplicateInvocation = pending.ErrDuplicateInvocation
	ErrTooManyPending      = pending.ErrTooManyPending
	ErrInvocationTimedOut  = message.ErrInvocationTimedOut
	ErrInvocationCanceled  = message.ErrInvocationCanceled
	ErrConnectionLost      = message.ErrConnectionLost
)

const (
	DefaultTimeout     = 30 * time.Second
	defaultErrorBuffer = 64
)

// Client dispatches invocations over one transport.Manager. It owns the pending
// registry for that connection; one Client per Manager.
type Client struct {
	mgr     *transport.Manager
	pending *pending.Registry
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	maxPending  int
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	errs chan error
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTimeout sets the default per-invocation timeout. Zero or negative keeps
// DefaultTimeout; every invocation is bounded.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxPending caps outstanding invocations; further ones fail with
// ErrTooManyPending.
func WithMaxPending(n int) Option {
	return func(c *Client) { c.maxPending = n }
}

// WithMiddleware wraps Invoke. The first middleware listed runs outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithErrorBuffer sizes the Errors channel. Reports that find it full are
// logged and dropped.
func WithErrorBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.errs = make(chan error, n)
		}
	}
}

// New binds a Client to mgr and installs it as mgr's inbound handler. Call it
// before mgr.Open.
func New(mgr *transport.Manager, opts ...Option) *Client {
	c := &Client{
		mgr:     mgr,
		logger:  zap.NewNop(),
		timeout: DefaultTimeout,
		errs:    make(chan error, defaultErrorBuffer),
	}
	for _, o := range opts {
		o(c)
	}
	c.pending = pending.New(pending.WithLimit(c.maxPending))
	c.logger = c.logger.With(zap.String("endpoint", mgr.Endpoint()))
	c.handler = middleware.Chain(c.middlewares...)(c.invoke)

	mgr.SetHandler(c.dispatch)
	c.metrics.SetState(mgr.State())
	go c.watch()
	return c
}

// Open opens the underlying connection.
func (c *Client) Open(ctx context.Context) error {
	err := c.mgr.Open(ctx)
	c.metrics.SetState(c.mgr.State())
	return err
}

// Close closes the underlying connection. Every pending invocation fails with
// ErrConnectionLost. Closing twice is a no-op.
func (c *Client) Close() error {
	return c.mgr.Close()
}

// SetHooks replaces the connection lifecycle hooks.
func (c *Client) SetHooks(h transport.Hooks) {
	c.mgr.SetHooks(h)
}

// State returns the connection state.
func (c *Client) State() transport.State {
	return c.mgr.State()
}

// Manager returns the connection this client sends on.
func (c *Client) Manager() *transport.Manager {
	return c.mgr
}

// Pending returns the number of invocations waiting for a response.
func (c *Client) Pending() int {
	return c.pending.Count()
}

// Errors reports inbound frames that could not be delivered: *ProtocolError
// values wrapping ErrMalformedFrame or ErrUnknownInvocation. The dispatch loop
// never blocks on this channel.
func (c *Client) Errors() <-chan error {
	return c.errs
}

// SendRaw writes frame as-is, bypassing correlation.
func (c *Client) SendRaw(ctx context.Context, frame []byte) error {
	return c.mgr.Send(ctx, frame)
}

// Invoke sends a command and waits for its response payload. The wait ends
// early, removing the pending entry, when ctx is done (ErrInvocationTimedOut
// for a deadline, ErrInvocationCanceled otherwise) or the client's default
// timeout passes.
func (c *Client) Invoke(ctx context.Context, code protocol.CommandCode, id protocol.InvocationID, payload []byte) ([]byte, error) {
	return c.handler(ctx, &message.Invocation{Code: code, ID: id, Payload: payload})
}

// Go starts an invocation and returns without waiting for the response; the
// returned Call's Done channel is closed when it finishes. Preconditions
// (ErrInvalidArgument, ErrDuplicateInvocation, ErrTooManyPending,
// ErrNotConnected) are returned directly and leave no pending entry. timeout
// <= 0 uses the client default. Middleware is not applied.
func (c *Client) Go(code protocol.CommandCode, id protocol.InvocationID, payload []byte, timeout time.Duration) (*Call, error) {
	return c.start(context.Background(), code, id, payload, timeout)
}

// invoke is the innermost handler of the middleware chain.
func (c *Client) invoke(ctx context.Context, inv *message.Invocation) ([]byte, error) {
	call, err := c.start(ctx, inv.Code, inv.ID, inv.Payload, 0)
	if err != nil {
		return nil, err
	}

	select {
	case <-call.Done:
	case <-ctx.Done():
		c.abandon(call, abortError(call.ID, ctx.Err()))
		// either the abandon or a response that beat it completes the call
		<-call.Done
	}
	return call.Reply, call.Err
}

func (c *Client) start(ctx context.Context, code protocol.CommandCode, id protocol.InvocationID, payload []byte, timeout time.Duration) (*Call, error) {
	frame, err := protocol.EncodeRequest(code, id, payload)
	if err != nil {
		return nil, err
	}

	call := newCall(code, id)
	ticket, err := c.pending.Register(id, call.complete)
	if err != nil {
		return nil, err
	}
	call.ticket = ticket

	if timeout <= 0 {
		timeout = c.timeout
	}
	call.setTimer(time.AfterFunc(timeout, func() {
		c.abandon(call, fmt.Errorf("%w: id %d after %s", ErrInvocationTimedOut, id, timeout))
	}))
	c.metrics.SetPending(c.pending.Count())

	if err := c.mgr.Send(ctx, frame); err != nil {
		call.stopTimer()
		c.pending.Remove(ticket)
		c.metrics.SetPending(c.pending.Count())
		return nil, abortError(id, err)
	}
	return call, nil
}

// abortError maps a context error to ErrInvocationTimedOut (deadline) or
// ErrInvocationCanceled. Other errors pass through.
func abortError(id protocol.InvocationID, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: id %d: %w", ErrInvocationTimedOut, id, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: id %d: %w", ErrInvocationCanceled, id, err)
	default:
		return err
	}
}

// abandon fails call if it is still pending.
func (c *Client) abandon(call *Call, err error) {
	if c.pending.Fail(call.ticket, err) {
		c.metrics.SetPending(c.pending.Count())
		c.logger.Debug("invocation abandoned",
			zap.Uint32("id", uint32(call.ID)),
			zap.Duration("after", time.Since(call.start)),
			zap.Error(err))
	}
}

// dispatch runs on the transport's receive goroutine for every inbound frame.
// Undeliverable frames are reported and dropped; nothing here stops the loop.
func (c *Client) dispatch(frame []byte) {
	id, err := protocol.DecodeResponseID(frame)
	if err != nil {
		c.report(&ProtocolError{Kind: KindMalformedFrame, Len: len(frame), Err: err})
		return
	}
	if err := c.pending.Resolve(id, protocol.ResponsePayload(frame)); err != nil {
		c.report(&ProtocolError{Kind: KindUnknownInvocation, ID: id, Len: len(frame), Err: err})
		return
	}
	c.metrics.SetPending(c.pending.Count())
}

func (c *Client) report(perr *ProtocolError) {
	c.metrics.ProtocolError(perr.Kind.String())
	c.logger.Warn("inbound frame dropped",
		zap.Stringer("kind", perr.Kind),
		zap.Uint32("id", uint32(perr.ID)),
		zap.Int("len", perr.Len))

	select {
	case c.errs <- perr:
	default:
		c.logger.Debug("error channel full, report dropped", zap.Error(perr))
	}
}

// watch fails every pending invocation once the connection is gone.
func (c *Client) watch() {
	<-c.mgr.Done()
	c.metrics.SetState(c.mgr.State())

	cause := ErrConnectionLost
	if err := c.mgr.Err(); err != nil {
		cause = fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	if n := c.pending.FailAll(cause); n > 0 {
		c.logger.Info("failed pending invocations", zap.Int("count", n), zap.Error(cause))
	}
	c.metrics.SetPending(0)
}
