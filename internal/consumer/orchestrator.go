package consumer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-pipeline/internal/codec"
	"order-pipeline/internal/models"
	"order-pipeline/internal/util"
	"order-pipeline/internal/validator"

	"go.uber.org/zap"
)

// dispatchLockTTL bounds how long a per-order dispatch lock can outlive a
// crashed holder.
const dispatchLockTTL = 30 * time.Second

// Decision is the acknowledgment action the transport should take for a
// message.
type Decision int

const (
	// Ack removes the message from the queue.
	Ack Decision = iota
	// Requeue returns the message for redelivery.
	Requeue
	// DeadLetter discards the message to the dead-letter path.
	DeadLetter
)

// Outcome is the orchestrator's verdict for one message. DLQ is populated
// only for DeadLetter decisions.
type Outcome struct {
	Decision Decision
	DLQ      *models.DLQRecord
}

// Decoder decrypts raw queue payloads.
type Decoder interface {
	Decrypt(ciphertext string) (string, error)
}

// Ledger is the durable idempotency store consulted as ground truth.
// MarkFailed reports the retry count after its increment.
type Ledger interface {
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	MarkProcessing(ctx context.Context, messageID, payloadJSON string) error
	MarkProcessed(ctx context.Context, messageID string) error
	MarkFailed(ctx context.Context, messageID, errorText string) (int, error)
}

// Suppressor is the in-process duplicate cache.
type Suppressor interface {
	IsAlreadyProcessed(orderID string) bool
	MarkAsProcessed(orderID string)
}

// FastPath is the optional shared cache and lock between worker instances.
// Failures here always degrade to the ledger.
type FastPath interface {
	IsProcessed(ctx context.Context, orderID string) (bool, error)
	MarkProcessed(ctx context.Context, orderID string, ttl time.Duration) error
	AcquireLock(ctx context.Context, orderID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, orderID string) error
}

// Deliverer submits orders downstream and classifies the result.
type Deliverer interface {
	DeliverOrder(ctx context.Context, order *models.OrderMessage, correlationID string) *models.DeliveryOutcome
	DeliverFallback(ctx context.Context, messageID, rawText, correlationID string) *models.DeliveryOutcome
}

// Orchestrator runs the per-message pipeline: decode, validate, duplicate
// check, mark-processing, dispatch, mark-final. It owns every failure-mode
// decision; the transport only ever receives an explicit ack, requeue, or
// dead-letter verdict, never an escaped error.
type Orchestrator struct {
	decoder    Decoder
	ledger     Ledger
	suppressor Suppressor
	fastPath   FastPath
	deliverer  Deliverer
	dedupTTL   time.Duration
	logger     *zap.Logger
}

// NewOrchestrator wires the pipeline. fastPath may be nil when no shared
// cache is deployed.
func NewOrchestrator(decoder Decoder, ledger Ledger, suppressor Suppressor, fastPath FastPath, deliverer Deliverer, dedupTTL time.Duration) *Orchestrator {
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	return &Orchestrator{
		decoder:    decoder,
		ledger:     ledger,
		suppressor: suppressor,
		fastPath:   fastPath,
		deliverer:  deliverer,
		dedupTTL:   dedupTTL,
		logger:     util.GetLogger(),
	}
}

// Process runs one message through the pipeline. A panic anywhere inside is
// recovered and treated as a permanent failure so an unanticipated bug can
// never cause an infinite requeue loop.
func (o *Orchestrator) Process(ctx context.Context, messageID, correlationID string, body []byte) (outcome Outcome) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.Process")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Panic while processing message",
				zap.String("message_id", messageID),
				zap.String("correlation_id", correlationID),
				zap.Any("panic", r))
			outcome = o.deadLetter(messageID, correlationID, body, models.FailureTypeUnknown,
				fmt.Sprintf("panic: %v", r), 1)
		}
	}()

	// Decode: decrypt, then parse.
	plaintext, err := o.decoder.Decrypt(string(body))
	if err != nil {
		util.DecodeFailuresTotal.Inc()
		if errors.Is(err, codec.ErrNotDecryptable) {
			// Permanently corrupt; requeueing cannot fix it and there is
			// no usable text to forward.
			o.logger.Error("Message not decryptable",
				zap.String("message_id", messageID),
				zap.String("correlation_id", correlationID),
				zap.Error(err))
			return o.deadLetter(messageID, correlationID, body, models.FailureTypeDecode, err.Error(), 1)
		}
		o.logger.Error("Unexpected decrypt error",
			zap.String("message_id", messageID),
			zap.Error(err))
		return o.deadLetter(messageID, correlationID, body, models.FailureTypeUnknown, err.Error(), 1)
	}

	var order models.OrderMessage
	if err := json.Unmarshal([]byte(plaintext), &order); err != nil {
		util.DecodeFailuresTotal.Inc()
		o.logger.Error("Decrypted payload is not a valid order",
			zap.String("message_id", messageID),
			zap.String("correlation_id", correlationID),
			zap.Error(err))

		// Best effort: forward the raw text as a degraded record so the
		// data is not lost entirely. The message dead-letters regardless,
		// because it stays unparseable for any future attempt.
		fb := o.deliverer.DeliverFallback(ctx, messageID, plaintext, correlationID)
		if !fb.Success {
			o.logger.Warn("Fallback delivery failed",
				zap.String("message_id", messageID),
				zap.String("error", fb.Error))
		}

		return o.deadLetter(messageID, correlationID, body, models.FailureTypeDecode,
			fmt.Sprintf("payload parse failed: %v", err), 1)
	}

	// Validate.
	if res := validator.Validate(&order); !res.IsValid {
		util.ValidationFailuresTotal.Inc()
		o.logger.Warn("Order failed validation",
			zap.String("message_id", messageID),
			zap.String("order_id", order.OrderID),
			zap.String("correlation_id", correlationID),
			zap.Strings("violations", res.Errors))
		return o.deadLetter(messageID, correlationID, body, models.FailureTypeValidation,
			strings.Join(res.Errors, "; "), 1)
	}

	orderID := order.OrderID

	// Duplicate check: in-process cache, shared cache, then the ledger.
	if dup, err := o.isDuplicate(ctx, orderID); err != nil {
		// The ledger is unreachable; without ground truth a dispatch could
		// double-deliver, so hold the message for redelivery.
		o.logger.Error("Duplicate check failed",
			zap.String("order_id", orderID),
			zap.Error(err))
		return Outcome{Decision: Requeue}
	} else if dup {
		util.DuplicatesSuppressedTotal.Inc()
		o.logger.Info("Duplicate delivery suppressed",
			zap.String("order_id", orderID),
			zap.String("correlation_id", correlationID))
		return Outcome{Decision: Ack}
	}

	// Serialize concurrent dispatch of the same order id across workers.
	if o.fastPath != nil {
		acquired, err := o.fastPath.AcquireLock(ctx, orderID, dispatchLockTTL)
		if err != nil {
			o.logger.Warn("Dispatch lock unavailable, proceeding on ledger guarantees",
				zap.String("order_id", orderID),
				zap.Error(err))
		} else if !acquired {
			// Another worker is mid-dispatch; redeliver later and let the
			// duplicate check settle it.
			o.logger.Info("Order locked by concurrent dispatch, requeueing",
				zap.String("order_id", orderID))
			return Outcome{Decision: Requeue}
		} else {
			defer func() {
				if err := o.fastPath.ReleaseLock(context.Background(), orderID); err != nil {
					o.logger.Warn("Failed to release dispatch lock",
						zap.String("order_id", orderID),
						zap.Error(err))
				}
			}()
		}
	}

	// Ledger write precedes dispatch so a crash mid-flight leaves a
	// Processing row as evidence.
	if err := o.ledger.MarkProcessing(ctx, orderID, plaintext); err != nil {
		o.logger.Error("Failed to mark processing",
			zap.String("order_id", orderID),
			zap.Error(err))
		return Outcome{Decision: Requeue}
	}

	// Dispatch.
	delivery := o.deliverer.DeliverOrder(ctx, &order, correlationID)

	if delivery.Success {
		o.suppressor.MarkAsProcessed(orderID)
		if o.fastPath != nil {
			if err := o.fastPath.MarkProcessed(ctx, orderID, o.dedupTTL); err != nil {
				o.logger.Warn("Failed to mark shared fast path",
					zap.String("order_id", orderID),
					zap.Error(err))
			}
		}
		if err := o.ledger.MarkProcessed(ctx, orderID); err != nil {
			// The downstream record exists; requeueing cannot undo it and
			// the caches above already suppress a redelivery. Log loudly
			// and acknowledge.
			o.logger.Error("Failed to mark processed after successful delivery",
				zap.String("order_id", orderID),
				zap.Error(err))
		}
		o.logger.Info("Order delivered",
			zap.String("order_id", orderID),
			zap.String("correlation_id", correlationID),
			zap.Int("status", delivery.StatusCode))
		return Outcome{Decision: Ack}
	}

	attempts, err := o.ledger.MarkFailed(ctx, orderID, delivery.Error)
	if err != nil {
		o.logger.Error("Failed to record delivery failure",
			zap.String("order_id", orderID),
			zap.Error(err))
	}
	if attempts < 1 {
		attempts = 1
	}

	if delivery.Retryable {
		o.logger.Warn("Transient delivery failure, requeueing",
			zap.String("order_id", orderID),
			zap.String("correlation_id", correlationID),
			zap.Int("status", delivery.StatusCode),
			zap.String("error", delivery.Error))
		return Outcome{Decision: Requeue}
	}

	o.logger.Error("Permanent delivery failure",
		zap.String("order_id", orderID),
		zap.String("correlation_id", correlationID),
		zap.Int("status", delivery.StatusCode),
		zap.String("error", delivery.Error))
	return o.deadLetter(orderID, correlationID, body, models.FailureTypePermanent, delivery.Error, attempts)
}

// isDuplicate checks the cache layers cheapest first. Cache errors degrade
// to the ledger; a ledger error is returned because it is the only layer
// whose answer is authoritative.
func (o *Orchestrator) isDuplicate(ctx context.Context, orderID string) (bool, error) {
	if o.suppressor.IsAlreadyProcessed(orderID) {
		return true, nil
	}

	if o.fastPath != nil {
		if dup, err := o.fastPath.IsProcessed(ctx, orderID); err != nil {
			o.logger.Warn("Shared fast path check failed, falling back to ledger",
				zap.String("order_id", orderID),
				zap.Error(err))
		} else if dup {
			// Warm the local cache so the next sighting skips the round trip.
			o.suppressor.MarkAsProcessed(orderID)
			return true, nil
		}
	}

	return o.ledger.IsProcessed(ctx, orderID)
}

func (o *Orchestrator) deadLetter(messageID, correlationID string, body []byte, failureType, lastError string, attempts int) Outcome {
	return Outcome{
		Decision: DeadLetter,
		DLQ: &models.DLQRecord{
			MessageID:     messageID,
			CorrelationID: correlationID,
			FailureType:   failureType,
			Attempts:      attempts,
			LastError:     lastError,
			FailedAt:      time.Now().UTC(),
			RawPayload:    base64.StdEncoding.EncodeToString(body),
		},
	}
}
