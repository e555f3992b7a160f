package radsecmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "radsecproxy"
	subsystem = "proxy"
)

// Label names for proxy metrics.
const (
	labelClient = "client"
	labelServer = "server"
	labelReason = "reason"
)

// Collector holds every Prometheus metric the proxy exposes: request
// volume and drop reasons on the inbound side, reply/reconnect counters on
// the outbound side, and per-server connectivity gauges driven by
// Status-Server probes.
type Collector struct {
	// RequestsReceived counts inbound Access-Requests accepted from a
	// client, before any realm lookup.
	RequestsReceived *prometheus.CounterVec

	// RequestsForwarded counts requests successfully inserted into an
	// upstream server's request table.
	RequestsForwarded *prometheus.CounterVec

	// RequestsDropped counts requests dropped before forwarding, labeled by
	// reason: unknown_realm, realm_reject, duplicate, bad_auth,
	// malformed, missing_username, unwired_server, table_full.
	RequestsDropped *prometheus.CounterVec

	// RepliesRelayed counts replies successfully handed back to the
	// originating client.
	RepliesRelayed *prometheus.CounterVec

	// ReplyQueueDrops counts replies dropped because a client's reply queue
	// was full.
	ReplyQueueDrops *prometheus.CounterVec

	// TLSReconnects counts completed reconnect attempts per upstream TLS
	// server.
	TLSReconnects *prometheus.CounterVec

	// StatusServerRTT observes round-trip time of successful Status-Server
	// probes per server.
	StatusServerRTT *prometheus.HistogramVec

	// ServerUp reports 1 when a server's most recent Status-Server probe
	// succeeded, 0 once its retries are exhausted.
	ServerUp *prometheus.GaugeVec
}

// NewCollector builds a Collector and registers every metric against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	return NewCollectorWithLabels(reg, nil)
}

// NewCollectorWithLabels is NewCollector plus a fixed set of extra labels
// (e.g. site, datacenter) attached to every metric this collector exposes,
// loaded from an operator-supplied overrides file (see LoadLabelOverrides).
func NewCollectorWithLabels(reg prometheus.Registerer, extraLabels map[string]string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics(extraLabels)

	reg.MustRegister(
		c.RequestsReceived,
		c.RequestsForwarded,
		c.RequestsDropped,
		c.RepliesRelayed,
		c.ReplyQueueDrops,
		c.TLSReconnects,
		c.StatusServerRTT,
		c.ServerUp,
	)

	return c
}

func newMetrics(extraLabels map[string]string) *Collector {
	return &Collector{
		RequestsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "requests_received_total",
			Help:        "Total Access-Requests accepted from a client.",
			ConstLabels: extraLabels,
		}, []string{labelClient}),

		RequestsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "requests_forwarded_total",
			Help:        "Total requests forwarded to an upstream server.",
			ConstLabels: extraLabels,
		}, []string{labelServer}),

		RequestsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "requests_dropped_total",
			Help:        "Total requests dropped before forwarding, by reason.",
			ConstLabels: extraLabels,
		}, []string{labelClient, labelReason}),

		RepliesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "replies_relayed_total",
			Help:        "Total replies relayed back to their originating client.",
			ConstLabels: extraLabels,
		}, []string{labelClient}),

		ReplyQueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "reply_queue_drops_total",
			Help:        "Total replies dropped because a client's reply queue was full.",
			ConstLabels: extraLabels,
		}, []string{labelClient}),

		TLSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "tls_reconnects_total",
			Help:        "Total completed TLS reconnects to an upstream server.",
			ConstLabels: extraLabels,
		}, []string{labelServer}),

		StatusServerRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "status_server_rtt_seconds",
			Help:        "Round-trip time of successful Status-Server probes.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: extraLabels,
		}, []string{labelServer}),

		ServerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "server_up",
			Help:        "1 if the server's last Status-Server probe succeeded, 0 if its retries were exhausted.",
			ConstLabels: extraLabels,
		}, []string{labelServer}),
	}
}

// IncRequestsReceived records one accepted inbound request from client.
func (c *Collector) IncRequestsReceived(client string) {
	c.RequestsReceived.WithLabelValues(client).Inc()
}

// IncRequestsForwarded records one request forwarded to server.
func (c *Collector) IncRequestsForwarded(server string) {
	c.RequestsForwarded.WithLabelValues(server).Inc()
}

// IncRequestsDropped records one dropped request from client, labeled by
// reason (e.g. "unknown_realm", "duplicate", "bad_auth", "table_full").
func (c *Collector) IncRequestsDropped(client, reason string) {
	c.RequestsDropped.WithLabelValues(client, reason).Inc()
}

// IncRepliesRelayed records one reply successfully relayed to client.
func (c *Collector) IncRepliesRelayed(client string) {
	c.RepliesRelayed.WithLabelValues(client).Inc()
}

// IncReplyQueueDrops records one reply dropped for a full queue on client.
func (c *Collector) IncReplyQueueDrops(client string) {
	c.ReplyQueueDrops.WithLabelValues(client).Inc()
}

// IncTLSReconnects records one completed reconnect to server.
func (c *Collector) IncTLSReconnects(server string) {
	c.TLSReconnects.WithLabelValues(server).Inc()
}

// ObserveStatusServerRTT records the round-trip time of a successful
// Status-Server probe against server.
func (c *Collector) ObserveStatusServerRTT(server string, seconds float64) {
	c.StatusServerRTT.WithLabelValues(server).Observe(seconds)
}

// SetServerUp sets the liveness gauge for server to 1 (up) or 0 (suspect).
func (c *Collector) SetServerUp(server string, up bool) {
	value := 0.0
	if up {
		value = 1.0
	}

	c.ServerUp.WithLabelValues(server).Set(value)
}
