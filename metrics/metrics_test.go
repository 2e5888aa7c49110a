package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mux-rpc/message"
	"mux-rpc/pending"
	"mux-rpc/transport"
)

func TestOutcome(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("id 3: %w", message.ErrInvocationTimedOut), "timeout"},
		{context.Canceled, "canceled"},
		{message.ErrConnectionLost, "connection_lost"},
		{message.ErrRateLimited, "rate_limited"},
		{fmt.Errorf("%w: state closed", transport.ErrNotConnected), "not_connected"},
		{fmt.Errorf("%w: 9", pending.ErrDuplicateInvocation), "duplicate"},
		{errors.New("other"), "error"},
	}
	for _, tc := range cases {
		if got := Outcome(tc.err); got != tc.want {
			t.Errorf("Outcome(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithNamespace("test"))

	m.ObserveInvocation(7, nil, 5*time.Millisecond)
	m.ObserveInvocation(7, nil, 5*time.Millisecond)
	m.ObserveInvocation(7, message.ErrInvocationTimedOut, time.Second)
	m.ProtocolError("unknown_invocation")
	m.SetPending(4)
	m.SetState(transport.StateOpen)
	m.ObserveServed(7, nil)

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"test_invocations_total", map[string]string{"code": "7", "outcome": "ok"}, 2},
		{"test_invocations_total", map[string]string{"code": "7", "outcome": "timeout"}, 1},
		{"test_protocol_errors_total", map[string]string{"kind": "unknown_invocation"}, 1},
		{"test_pending_invocations", nil, 4},
		{"test_connection_state", map[string]string{"state": "open"}, 1},
		{"test_connection_state", map[string]string{"state": "closed"}, 0},
		{"test_served_requests_total", map[string]string{"code": "7", "status": "ok"}, 1},
	}
	for _, c := range checks {
		if got := gathered(t, reg, c.name, c.labels); got != c.want {
			t.Errorf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}
}

// gathered returns the counter or gauge value of the series matching labels.
func gathered(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	series:
		for _, metric := range fam.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue series
				}
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("series %s%v not found", name, labels)
	return 0
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveInvocation(1, nil, time.Millisecond)
	m.ProtocolError("malformed_frame")
	m.SetPending(1)
	m.SetState(transport.StateFailed)
	m.ObserveServed(1, errors.New("x"))
}

func TestConstLabelsAndBuckets(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithNamespace("opt"),
		WithConstLabels(prometheus.Labels{"instance": "a"}),
		WithBuckets([]float64{0.01, 0.1}))

	m.ObserveInvocation(2, nil, 50*time.Millisecond)
	m.SetPending(1)

	if got := gathered(t, reg, "opt_pending_invocations", map[string]string{"instance": "a"}); got != 1 {
		t.Fatalf("pending = %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, fam := range families {
		if fam.GetName() != "opt_invocation_duration_seconds" {
			continue
		}
		h := fam.GetMetric()[0].GetHistogram()
		buckets := h.GetBucket()
		if len(buckets) != 2 || buckets[0].GetUpperBound() != 0.01 || buckets[1].GetUpperBound() != 0.1 {
			t.Fatalf("buckets = %v", buckets)
		}
		if buckets[0].GetCumulativeCount() != 0 || buckets[1].GetCumulativeCount() != 1 {
			t.Fatalf("counts = %d, %d", buckets[0].GetCumulativeCount(), buckets[1].GetCumulativeCount())
		}
		return
	}
	t.Fatal("duration histogram not gathered")
}
