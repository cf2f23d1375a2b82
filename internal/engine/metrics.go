package engine

import (
	"time"

	"github.com/lineboard/lineboard/pkg/metrics"
)

// PromMetrics adapts the shared Prometheus collectors to the engine's
// Metrics interface.
type PromMetrics struct {
	m *metrics.Metrics
}

// NewPromMetrics wraps the registered collector set.
func NewPromMetrics(m *metrics.Metrics) *PromMetrics {
	return &PromMetrics{m: m}
}

func (p *PromMetrics) ChunkProcessed(status string) {
	p.m.ChunksProcessedTotal.WithLabelValues(status).Inc()
}

func (p *PromMetrics) LineProcessed(status string) {
	p.m.LinesProcessedTotal.WithLabelValues(status).Inc()
}

func (p *PromMetrics) RowsCreated(n int64) {
	p.m.AggregatesCreated.Add(float64(n))
}

func (p *PromMetrics) RollbackDeleted(n int64) {
	p.m.RollbackDeletesTotal.Add(float64(n))
}

func (p *PromMetrics) JobFinished(outcome string, elapsed time.Duration) {
	p.m.JobDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
