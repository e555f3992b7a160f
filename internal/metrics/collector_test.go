package radsecmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	radsecmetrics "github.com/dantte-lp/radsecproxy/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := radsecmetrics.NewCollector(reg)

	if c.RequestsReceived == nil {
		t.Error("RequestsReceived is nil")
	}
	if c.RequestsForwarded == nil {
		t.Error("RequestsForwarded is nil")
	}
	if c.RequestsDropped == nil {
		t.Error("RequestsDropped is nil")
	}
	if c.RepliesRelayed == nil {
		t.Error("RepliesRelayed is nil")
	}
	if c.ReplyQueueDrops == nil {
		t.Error("ReplyQueueDrops is nil")
	}
	if c.TLSReconnects == nil {
		t.Error("TLSReconnects is nil")
	}
	if c.StatusServerRTT == nil {
		t.Error("StatusServerRTT is nil")
	}
	if c.ServerUp == nil {
		t.Error("ServerUp is nil")
	}

	// No data yet, but registration must not panic and gathering must
	// succeed.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestRequestCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := radsecmetrics.NewCollector(reg)

	c.IncRequestsReceived("nas1")
	c.IncRequestsReceived("nas1")
	c.IncRequestsReceived("nas1")

	if got := counterValue(t, c.RequestsReceived, "nas1"); got != 3 {
		t.Errorf("RequestsReceived = %v, want 3", got)
	}

	c.IncRequestsForwarded("upstream1")
	c.IncRequestsForwarded("upstream1")

	if got := counterValue(t, c.RequestsForwarded, "upstream1"); got != 2 {
		t.Errorf("RequestsForwarded = %v, want 2", got)
	}

	c.IncRequestsDropped("nas1", "unknown_realm")

	if got := counterValue(t, c.RequestsDropped, "nas1", "unknown_realm"); got != 1 {
		t.Errorf("RequestsDropped = %v, want 1", got)
	}
}

func TestReplyCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := radsecmetrics.NewCollector(reg)

	c.IncRepliesRelayed("nas1")
	c.IncRepliesRelayed("nas1")

	if got := counterValue(t, c.RepliesRelayed, "nas1"); got != 2 {
		t.Errorf("RepliesRelayed = %v, want 2", got)
	}

	c.IncReplyQueueDrops("nas1")

	if got := counterValue(t, c.ReplyQueueDrops, "nas1"); got != 1 {
		t.Errorf("ReplyQueueDrops = %v, want 1", got)
	}
}

func TestTLSReconnects(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := radsecmetrics.NewCollector(reg)

	c.IncTLSReconnects("upstream1")
	c.IncTLSReconnects("upstream1")
	c.IncTLSReconnects("upstream1")

	if got := counterValue(t, c.TLSReconnects, "upstream1"); got != 3 {
		t.Errorf("TLSReconnects = %v, want 3", got)
	}
}

func TestStatusServerRTTAndServerUp(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := radsecmetrics.NewCollector(reg)

	c.ObserveStatusServerRTT("upstream1", 0.012)
	c.ObserveStatusServerRTT("upstream1", 0.018)

	obs, err := c.StatusServerRTT.GetMetricWithLabelValues("upstream1")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}

	hist, ok := obs.(prometheus.Histogram)
	if !ok {
		t.Fatal("expected Observer to also be a Histogram")
	}

	m := &dto.Metric{}
	if err := hist.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	if got := m.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("StatusServerRTT sample count = %v, want 2", got)
	}

	c.SetServerUp("upstream1", true)

	if got := gaugeValue(t, c.ServerUp, "upstream1"); got != 1 {
		t.Errorf("ServerUp = %v, want 1", got)
	}

	c.SetServerUp("upstream1", false)

	if got := gaugeValue(t, c.ServerUp, "upstream1"); got != 0 {
		t.Errorf("ServerUp = %v, want 0", got)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
