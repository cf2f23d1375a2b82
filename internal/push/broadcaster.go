package push

import (
	"context"
	"log/slog"

	"github.com/lineboard/lineboard/internal/engine"
	"github.com/lineboard/lineboard/pkg/config"
	"github.com/lineboard/lineboard/pkg/kafka"
	"github.com/lineboard/lineboard/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Broadcaster consumes aggregation events from Kafka and fans them out to
// the rooms they affect. Change events refresh dashboard rooms with newly
// computed state; status events go to the operator room.
type Broadcaster struct {
	hub      *Hub
	provider StateProvider
	metrics  Metrics
	changes  *kafka.Consumer
	status   *kafka.Consumer
	logger   *slog.Logger
}

// NewBroadcaster creates consumers on the configured topics.
func NewBroadcaster(cfg config.KafkaConfig, hub *Hub, provider StateProvider, metrics Metrics) *Broadcaster {
	b := &Broadcaster{
		hub:      hub,
		provider: provider,
		metrics:  metrics,
		logger:   logger.WithComponent("push-broadcaster"),
	}
	b.changes = kafka.NewConsumer(cfg, cfg.Topics.AggregateChanges, b.handleChange)
	b.status = kafka.NewConsumer(cfg, cfg.Topics.JobStatus, b.handleStatus)
	return b
}

// Start runs both consume loops until the context ends.
func (b *Broadcaster) Start(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return b.changes.Start(ctx) })
	grp.Go(func() error { return b.status.Start(ctx) })
	return grp.Wait()
}

func (b *Broadcaster) handleChange(ctx context.Context, _ []byte, value []byte) error {
	change, err := kafka.DecodeJSON[engine.Change](value)
	if err != nil {
		// Skip malformed events rather than stalling the partition.
		b.logger.Warn("dropping undecodable change event", "error", err)
		return nil
	}

	for _, date := range change.Dates {
		name := RoomName(change.Line, date)

		// An aggregation_update tells every subscriber new data landed even
		// if the full state fetch below fails.
		reached := b.hub.Broadcast(name, Frame{
			Type: TypeAggregationUpdate,
			Payload: mustJSON(map[string]any{
				"line":         change.Line,
				"date":         date,
				"rows_created": change.RowsCreated,
				"at":           change.At,
			}),
		})
		b.observe(TypeAggregationUpdate)
		if reached == 0 {
			continue
		}

		state, err := b.provider.CardState(ctx, change.Line, date)
		if err != nil {
			b.logger.Warn("state refresh failed after change",
				"line", change.Line, "date", date, "error", err)
			continue
		}
		b.hub.Broadcast(name, Frame{Type: TypeDashboardUpdate, Payload: mustJSON(state)})
		b.observe(TypeDashboardUpdate)
	}
	return nil
}

func (b *Broadcaster) handleStatus(_ context.Context, _ []byte, value []byte) error {
	status, err := kafka.DecodeJSON[engine.StatusEvent](value)
	if err != nil {
		b.logger.Warn("dropping undecodable status event", "error", err)
		return nil
	}
	b.hub.Broadcast(StatusRoom, Frame{Type: TypeAggregationStatus, Payload: mustJSON(status)})
	b.observe(TypeAggregationStatus)
	return nil
}

func (b *Broadcaster) observe(frameType string) {
	if b.metrics != nil {
		b.metrics.Broadcast(frameType)
	}
}

// Close shuts both consumers down.
func (b *Broadcaster) Close() error {
	if err := b.changes.Close(); err != nil {
		b.status.Close()
		return err
	}
	return b.status.Close()
}
