package proxy

// Metrics receives proxy-level events for export (Prometheus counters,
// gauges and histograms in cmd/radsecproxy). Every sender/receiver/listener
// type in this package accepts one via SetMetrics; a nil Metrics is valid
// and every call site guards against it, so metrics stay entirely optional.
type Metrics interface {
	IncRequestsReceived(client string)
	IncRequestsForwarded(server string)
	IncRequestsDropped(client, reason string)
	IncRepliesRelayed(client string)
	IncReplyQueueDrops(client string)
	IncTLSReconnects(server string)
	ObserveStatusServerRTT(server string, seconds float64)
	SetServerUp(server string, up bool)
}
