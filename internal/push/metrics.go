package push

import "github.com/lineboard/lineboard/pkg/metrics"

// PromMetrics adapts the shared Prometheus collectors to the push layer's
// Metrics interface.
type PromMetrics struct {
	m *metrics.Metrics
}

func NewPromMetrics(m *metrics.Metrics) *PromMetrics {
	return &PromMetrics{m: m}
}

func (p *PromMetrics) ConnectionOpened() { p.m.PushConnections.Inc() }
func (p *PromMetrics) ConnectionClosed() { p.m.PushConnections.Dec() }

func (p *PromMetrics) Broadcast(frameType string) {
	p.m.PushBroadcastsTotal.WithLabelValues(frameType).Inc()
}

func (p *PromMetrics) Coalesced() { p.m.PushCoalescedTotal.Inc() }

func (p *PromMetrics) Rejected(reason string) {
	p.m.PushRejectedTotal.WithLabelValues(reason).Inc()
}
