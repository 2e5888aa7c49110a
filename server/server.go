// Package server is a reference responder for the request/response frames:
// it routes each request by command code and answers with the same
// invocation ID.
//
// Request processing pipeline:
//
//	Accept conn → serveLink (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → DecodeRequest → Middleware Chain → route by code → EncodeResponse → write
//
// Responses leave in completion order, not request order.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mux-rpc/message"
	"mux-rpc/metrics"
	"mux-rpc/middleware"
	"mux-rpc/protocol"
	"mux-rpc/registry"
	"mux-rpc/transport"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// HandlerFunc answers one request payload. A returned error is logged and no
// response is sent; the frame format has no error field.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Echo returns the request payload unchanged.
func Echo(_ context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

// Server routes request frames arriving over TCP or WebSocket links.
type Server struct {
	mu       sync.RWMutex
	handlers map[protocol.CommandCode]HandlerFunc
	fallback HandlerFunc

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // built on first serve
	buildOnce   sync.Once

	logger   *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	maxSize  int64

	registry   registry.Registry
	service    string
	ttl        int64
	advertised []string

	ctx    context.Context // handed to handlers; canceled when Shutdown gives up
	cancel context.CancelFunc

	wg        sync.WaitGroup // in-flight requests
	shutdown  atomic.Bool
	listeners map[net.Listener]struct{}
	links     map[transport.Link]struct{}
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithFallback answers command codes that have no handler. Default: Echo.
func WithFallback(h HandlerFunc) Option {
	return func(s *Server) {
		if h != nil {
			s.fallback = h
		}
	}
}

// WithRegistry makes Advertise register this server under service with a
// lease of ttl seconds.
func WithRegistry(reg registry.Registry, service string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.service = service
		s.ttl = ttl
	}
}

// WithMaxMessageSize bounds inbound WebSocket messages.
func WithMaxMessageSize(n int64) Option {
	return func(s *Server) { s.maxSize = n }
}

// WithCheckOrigin overrides the WebSocket origin check.
func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = f }
}

// New creates a server that echoes every command until handlers are added.
func New(opts ...Option) *Server {
	s := &Server{
		handlers:  make(map[protocol.CommandCode]HandlerFunc),
		fallback:  Echo,
		logger:    zap.NewNop(),
		maxSize:   protocol.MaxPayload + protocol.RequestHeaderSize,
		ttl:       10,
		listeners: make(map[net.Listener]struct{}),
		links:     make(map[transport.Link]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle routes code to h, replacing any earlier handler.
func (s *Server) Handle(code protocol.CommandCode, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[code] = h
}

// Use adds a middleware around every request. Middlewares run in the order
// added and must be registered before the first connection is served.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// ServeTCP listens on addr and serves enveloped frames until Shutdown.
func (s *Server) ServeTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts TCP connections on ln. It returns ErrServerClosed after
// Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if !s.track(ln) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.untrack(ln)
	s.logger.Info("serving tcp", zap.Stringer("addr", ln.Addr()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener; the flag tells that apart from a
			// real accept failure.
			if s.shutdown.Load() {
				return ErrServerClosed
			}
			return err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		go s.serveLink(transport.NewTCPLink(conn), conn.RemoteAddr().String())
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves binary frames on
// it until the peer leaves or Shutdown.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	s.serveLink(transport.NewWebSocketLink(conn, s.maxSize), r.RemoteAddr)
}

// serveLink reads frames sequentially and dispatches each request to its own
// goroutine. Responses share a per-link write lock.
func (s *Server) serveLink(link transport.Link, remote string) {
	if !s.track(link) {
		link.Close()
		return
	}
	defer func() {
		s.untrack(link)
		link.Close()
	}()

	s.buildOnce.Do(func() {
		s.handler = middleware.Chain(s.middlewares...)(s.route)
	})
	log := s.logger.With(zap.String("remote", remote))
	log.Debug("link open")

	writeMu := &sync.Mutex{}
	for {
		frame, err := link.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.shutdown.Load() {
				log.Debug("link read failed", zap.Error(err))
			}
			return
		}

		code, id, payload, err := protocol.DecodeRequest(frame)
		if err != nil {
			log.Warn("dropping malformed request", zap.Int("len", len(frame)), zap.Error(err))
			s.metrics.ProtocolError("malformed_request")
			continue
		}

		if !s.begin() {
			return
		}
		go s.handleRequest(link, writeMu, log, &message.Invocation{Code: code, ID: id, Payload: payload})
	}
}

func (s *Server) handleRequest(link transport.Link, writeMu *sync.Mutex, log *zap.Logger, inv *message.Invocation) {
	defer s.wg.Done()

	reply, err := s.handler(s.ctx, inv)
	s.metrics.ObserveServed(inv.Code, err)
	if err != nil {
		log.Warn("handler failed, no response sent",
			zap.Uint32("code", uint32(inv.Code)),
			zap.Uint32("id", uint32(inv.ID)),
			zap.Error(err))
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := link.WriteMessage(s.ctx, protocol.EncodeResponse(inv.ID, reply)); err != nil {
		log.Debug("write response failed", zap.Uint32("id", uint32(inv.ID)), zap.Error(err))
	}
}

// route is the innermost handler: it picks the handler for the command code.
func (s *Server) route(ctx context.Context, inv *message.Invocation) ([]byte, error) {
	s.mu.RLock()
	h, ok := s.handlers[inv.Code]
	s.mu.RUnlock()
	if !ok {
		h = s.fallback
	}
	return h(ctx, inv.Payload)
}

// Advertise registers addr (a dialable endpoint such as ws://host:port/rpc)
// in the registry given with WithRegistry. Without one it does nothing.
func (s *Server) Advertise(ctx context.Context, addr string, weight int) error {
	if s.registry == nil {
		return nil
	}
	inst := registry.ServiceInstance{Addr: addr, Weight: weight}
	if err := s.registry.Register(ctx, s.service, inst, s.ttl); err != nil {
		return fmt.Errorf("server: advertise %s: %w", addr, err)
	}
	s.mu.Lock()
	s.advertised = append(s.advertised, addr)
	s.mu.Unlock()
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister advertised endpoints (clients stop picking this server)
//  2. Close the listeners
//  3. Wait for in-flight requests, at most timeout
//  4. Close every open link
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	advertised := s.advertised
	s.advertised = nil
	s.mu.Unlock()
	for _, addr := range advertised {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registry.Deregister(ctx, s.service, addr); err != nil {
			s.logger.Warn("deregister failed", zap.String("addr", addr), zap.Error(err))
		}
		cancel()
	}

	// begin holds s.mu too, so no request joins s.wg after this point. The
	// flag is set before closing so Serve reports ErrServerClosed.
	s.mu.Lock()
	s.shutdown.Store(true)
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		s.cancel()
		err = fmt.Errorf("server: timeout waiting for in-flight requests")
	}

	s.mu.Lock()
	for link := range s.links {
		link.Close()
	}
	s.mu.Unlock()
	s.cancel()
	s.logger.Info("server stopped")
	return err
}

// begin counts one in-flight request unless shutdown began.
func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// track records ln or link for Shutdown. It refuses once shutdown began.
func (s *Server) track(c any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	switch v := c.(type) {
	case net.Listener:
		s.listeners[v] = struct{}{}
	case transport.Link:
		s.links[v] = struct{}{}
	}
	return true
}

func (s *Server) untrack(c any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v := c.(type) {
	case net.Listener:
		delete(s.listeners, v)
	case transport.Link:
		delete(s.links, v)
	}
}
