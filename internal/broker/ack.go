package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"order-pipeline/internal/models"
	"order-pipeline/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Acker maps the queue acknowledgment primitives onto Kafka. A positive
// acknowledge is an offset commit; a negative acknowledge with requeue
// republishes the untouched message to the source topic before committing;
// a negative acknowledge without requeue publishes a dead-letter record to
// the DLQ topic before committing. Publishing before committing preserves
// at-least-once: a crash between the two yields a duplicate delivery, which
// the idempotency ledger absorbs.
type Acker struct {
	consumer *Consumer
	requeue  *Producer
	dlq      *Producer
	logger   *zap.Logger
}

// NewAcker wires the acknowledgment primitives over a consumer, a producer
// on the consumer's own topic, and a producer on the dead-letter topic.
func NewAcker(consumer *Consumer, requeue, dlq *Producer) *Acker {
	return &Acker{
		consumer: consumer,
		requeue:  requeue,
		dlq:      dlq,
		logger:   util.GetLogger(),
	}
}

// Ack removes the message from the queue.
func (a *Acker) Ack(ctx context.Context, msg kafka.Message) error {
	if err := a.consumer.CommitMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	util.MessagesAckedTotal.Inc()
	return nil
}

// Requeue returns the message to the tail of the queue for redelivery.
func (a *Acker) Requeue(ctx context.Context, msg kafka.Message) error {
	if err := a.requeue.Publish(ctx, msg.Key, msg.Value, msg.Headers...); err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	if err := a.consumer.CommitMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to commit requeued message: %w", err)
	}

	util.MessagesRequeuedTotal.Inc()
	a.logger.Info("Message requeued",
		zap.String("message_id", string(msg.Key)),
		zap.String("correlation_id", CorrelationID(msg)))
	return nil
}

// DeadLetter routes the message out of the main queue for manual
// inspection.
func (a *Acker) DeadLetter(ctx context.Context, msg kafka.Message, record *models.DLQRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal dlq record: %w", err)
	}

	if err := a.dlq.Publish(ctx, msg.Key, payload); err != nil {
		return fmt.Errorf("failed to publish dlq record: %w", err)
	}
	if err := a.consumer.CommitMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to commit dead-lettered message: %w", err)
	}

	util.MessagesDeadLetteredTotal.WithLabelValues(record.FailureType).Inc()
	a.logger.Warn("Message dead-lettered",
		zap.String("message_id", record.MessageID),
		zap.String("correlation_id", record.CorrelationID),
		zap.String("failure_type", record.FailureType),
		zap.String("last_error", record.LastError))
	return nil
}
