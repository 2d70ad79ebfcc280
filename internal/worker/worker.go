package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-pipeline/internal/broker"
	"order-pipeline/internal/consumer"
	"order-pipeline/internal/models"
	"order-pipeline/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	// ackMaxAttempts bounds how often a failed acknowledgment is retried
	// before the worker gives up and stops.
	ackMaxAttempts = 5
	// defaultAckRetryBackoff is the pause between acknowledgment retries.
	defaultAckRetryBackoff = time.Second
)

// MessageSource yields raw queue messages. *broker.Consumer satisfies it.
type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	Topic() string
	Close() error
}

// Acknowledger applies the transport verdict for a message.
// *broker.Acker satisfies it.
type Acknowledger interface {
	Ack(ctx context.Context, msg kafka.Message) error
	Requeue(ctx context.Context, msg kafka.Message) error
	DeadLetter(ctx context.Context, msg kafka.Message, record *models.DLQRecord) error
}

// Pipeline produces the verdict for one message.
// *consumer.Orchestrator satisfies it.
type Pipeline interface {
	Process(ctx context.Context, messageID, correlationID string, body []byte) consumer.Outcome
}

// OrderWorker is the long-lived consumer process: it pulls messages from the
// order topic, runs each through the orchestrator, and applies the resulting
// acknowledgment. An acknowledgment that cannot be applied is retried with
// backoff and, if it keeps failing, stops the worker: committing any later
// offset on the partition would move the group past the stuck message and
// lose it, whereas a restart resumes from the last safely committed offset
// and redelivers it.
type OrderWorker struct {
	source       MessageSource
	acker        Acknowledger
	orchestrator Pipeline
	ackBackoff   time.Duration
	logger       *zap.Logger
}

// NewOrderWorker creates a new order worker
func NewOrderWorker(source MessageSource, acker Acknowledger, orchestrator Pipeline) *OrderWorker {
	return &OrderWorker{
		source:       source,
		acker:        acker,
		orchestrator: orchestrator,
		ackBackoff:   defaultAckRetryBackoff,
		logger:       util.GetLogger(),
	}
}

// Start consumes until the context is cancelled or an acknowledgment cannot
// be applied.
func (w *OrderWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order worker",
		zap.String("topic", w.source.Topic()))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker context cancelled, stopping")
			return ctx.Err()
		default:
			msg, err := w.source.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				w.logger.Error("Error fetching message", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}

			util.MessagesConsumedTotal.Inc()

			messageID := string(msg.Key)
			correlationID := broker.CorrelationID(msg)

			outcome := w.orchestrator.Process(ctx, messageID, correlationID, msg.Value)

			if err := w.applyAcknowledgment(ctx, msg, outcome); err != nil {
				w.logger.Error("Giving up on acknowledgment, stopping worker",
					zap.String("message_id", messageID),
					zap.Error(err))
				return fmt.Errorf("failed to apply acknowledgment for %s: %w", messageID, err)
			}
		}
	}
}

// applyAcknowledgment applies the verdict, retrying transient failures.
// The message stays uncommitted throughout, so no later commit can pass it.
func (w *OrderWorker) applyAcknowledgment(ctx context.Context, msg kafka.Message, outcome consumer.Outcome) error {
	var err error
	for attempt := 1; attempt <= ackMaxAttempts; attempt++ {
		switch outcome.Decision {
		case consumer.Ack:
			err = w.acker.Ack(ctx, msg)
		case consumer.Requeue:
			err = w.acker.Requeue(ctx, msg)
		case consumer.DeadLetter:
			err = w.acker.DeadLetter(ctx, msg, outcome.DLQ)
		default:
			return fmt.Errorf("unknown acknowledgment decision %d", outcome.Decision)
		}
		if err == nil {
			return nil
		}

		w.logger.Warn("Failed to apply acknowledgment, retrying",
			zap.String("message_id", string(msg.Key)),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.ackBackoff):
		}
	}
	return err
}

// Stop closes the underlying consumer.
func (w *OrderWorker) Stop() error {
	w.logger.Info("Stopping order worker")
	return w.source.Close()
}
