package engine

import (
	"context"
	"time"

	"github.com/lineboard/lineboard/pkg/config"
	"github.com/lineboard/lineboard/pkg/kafka"
	"github.com/lineboard/lineboard/pkg/resilience"
)

// KafkaNotifier publishes engine events to the change and status topics.
// The dashboard service consumes both and relays them to connected clients.
type KafkaNotifier struct {
	changes *kafka.Producer
	status  *kafka.Producer
}

// NewKafkaNotifier creates producers for the configured topics.
func NewKafkaNotifier(cfg config.KafkaConfig) *KafkaNotifier {
	return &KafkaNotifier{
		changes: kafka.NewProducer(cfg, cfg.Topics.AggregateChanges),
		status:  kafka.NewProducer(cfg, cfg.Topics.JobStatus),
	}
}

// publishRetry covers transient broker errors. Notifications are advisory,
// so a short budget is enough before the caller logs and moves on.
var publishRetry = resilience.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
}

// AggregateChanged publishes a chunk-commit notification keyed by line so
// per-line ordering is preserved across partitions.
func (n *KafkaNotifier) AggregateChanged(ctx context.Context, change Change) error {
	return resilience.Retry(ctx, "publish-change", publishRetry, func() error {
		return n.changes.Publish(ctx, kafka.Event{Key: change.Line, Value: change})
	})
}

// JobStatus publishes a coarse job progress event.
func (n *KafkaNotifier) JobStatus(ctx context.Context, status StatusEvent) error {
	return resilience.Retry(ctx, "publish-status", publishRetry, func() error {
		return n.status.Publish(ctx, kafka.Event{Key: status.State, Value: status})
	})
}

// Close flushes and closes both producers.
func (n *KafkaNotifier) Close() error {
	if err := n.changes.Close(); err != nil {
		n.status.Close()
		return err
	}
	return n.status.Close()
}
