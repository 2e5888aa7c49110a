// Package metrics exposes Prometheus collectors for the invocation path.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mux-rpc/message"
	"mux-rpc/pending"
	"mux-rpc/protocol"
	"mux-rpc/transport"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "muxrpc").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for invocation latency.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

// WithBuckets sets the latency histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

func defaultConfig() Config {
	return Config{
		Namespace: "muxrpc",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors for one client (or one server).
type Metrics struct {
	invocations    *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	protocolErrors *prometheus.CounterVec
	pending        prometheus.Gauge
	connState      *prometheus.GaugeVec
	served         *prometheus.CounterVec
}

// New registers the collectors and returns them.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, o := range opts {
		o(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "invocations_total",
			Help:        "Invocations by command code and outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"code", "outcome"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "invocation_duration_seconds",
			Help:        "Time from sending a request frame to its completion",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"code"}),

		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "protocol_errors_total",
			Help:        "Inbound frames dropped, by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "pending_invocations",
			Help:        "Invocations waiting for a response",
			ConstLabels: config.ConstLabels,
		}),

		connState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "connection_state",
			Help:        "1 for the current connection state, 0 otherwise",
			ConstLabels: config.ConstLabels,
		}, []string{"state"}),

		served: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "served_requests_total",
			Help:        "Request frames answered by the responder, by command code",
			ConstLabels: config.ConstLabels,
		}, []string{"code", "status"}),
	}
}

// ObserveInvocation records one finished invocation.
func (m *Metrics) ObserveInvocation(code protocol.CommandCode, err error, d time.Duration) {
	if m == nil {
		return
	}
	label := strconv.FormatUint(uint64(code), 10)
	m.invocations.WithLabelValues(label, Outcome(err)).Inc()
	m.duration.WithLabelValues(label).Observe(d.Seconds())
}

// ProtocolError counts one dropped inbound frame.
func (m *Metrics) ProtocolError(kind string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(kind).Inc()
}

// SetPending publishes the current pending count.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// SetState marks s as the current connection state.
func (m *Metrics) SetState(s transport.State) {
	if m == nil {
		return
	}
	for _, st := range []transport.State{
		transport.StateDisconnected, transport.StateConnecting, transport.StateOpen,
		transport.StateClosed, transport.StateFailed,
	} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connState.WithLabelValues(st.String()).Set(v)
	}
}

// ObserveServed counts one request handled by the responder.
func (m *Metrics) ObserveServed(code protocol.CommandCode, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.served.WithLabelValues(strconv.FormatUint(uint64(code), 10), status).Inc()
}

// Outcome maps an invocation error to a short label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, message.ErrInvocationTimedOut), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, message.ErrInvocationCanceled), errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, message.ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, message.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, transport.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, transport.ErrTransport):
		return "transport_error"
	case errors.Is(err, pending.ErrDuplicateInvocation):
		return "duplicate"
	case errors.Is(err, pending.ErrTooManyPending):
		return "too_many_pending"
	case errors.Is(err, protocol.ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "error"
	}
}
