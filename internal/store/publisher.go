package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oakline/execution-engine/internal/events"
)

// Publisher drains the result outbox to Kafka. A result is marked
// published only after the broker acknowledges it; the worst case on a
// crash between the two steps is a republish of the same event id, which
// downstream consumers deduplicate.
type Publisher struct {
	store     *Store
	producer  *events.Producer
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewPublisher creates a new outbox publisher
func NewPublisher(store *Store, producer *events.Producer, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:     store,
		producer:  producer,
		logger:    logger,
		interval:  250 * time.Millisecond,
		batchSize: 100,
	}
}

// Run starts the publisher loop
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.publishBatch(ctx); err != nil {
				p.logger.Error("failed to publish batch", zap.Error(err))
				// will retry on the next tick
			}
		}
	}
}

// publishBatch publishes a batch of unpublished result events
func (p *Publisher) publishBatch(ctx context.Context) error {
	pending, err := p.store.ListUnpublished(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list unpublished events: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	published := 0

	for _, event := range pending {
		var result events.ExecutionResultMsg
		if err := json.Unmarshal([]byte(event.PayloadJSON), &result); err != nil {
			p.logger.Error("failed to unmarshal result payload",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			continue
		}

		if err := p.producer.ProduceJSON(ctx, event.Topic, event.Key, result); err != nil {
			p.logger.Error("failed to produce result event",
				zap.String("event_id", event.EventID),
				zap.String("correlation_id", event.CorrelationID),
				zap.Error(err),
			)
			// this one stays unpublished and is retried later
			continue
		}

		if err := p.store.MarkPublished(ctx, event.EventID, now); err != nil {
			p.logger.Error("failed to mark event as published",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			continue
		}

		published++
		p.logger.Debug("published result event",
			zap.String("event_id", event.EventID),
			zap.String("correlation_id", event.CorrelationID),
		)
	}

	if published > 0 {
		p.logger.Info("published result batch",
			zap.Int("published", published),
			zap.Int("total", len(pending)),
		)
	}

	return nil
}
