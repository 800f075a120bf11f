package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Matches.WithLabelValues("global").Inc()
	m.RateLimitDenials.WithLabelValues("send-message").Add(2)

	if got := testutil.ToFloat64(m.Matches.WithLabelValues("global")); got != 1 {
		t.Fatalf("expected 1 match, got %v", got)
	}
	n, err := testutil.GatherAndCount(reg, "pairline_ratelimit_denials_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one denial series, got %d", n)
	}
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	m.ConnectionsActive.Inc()
	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Fatalf("expected gauge 1, got %v", got)
	}
}
