package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	contractsmq "k9notify/contracts/mq"
	"k9notify/pkg/metrics"
	"k9notify/pkg/mq"
	"k9notify/pkg/trace"
	"k9notify/pkg/util"
)

const (
	handlerName     = "notification_created"
	maxHandlerTries = 5
)

// MQHandler consumes notification.created events from producer
// services. Redeliveries are deduplicated by event id; poison messages
// go to the DLQ after the retry budget is exhausted.
type MQHandler struct {
	service      *Service
	deduper      *util.Deduper
	retryCounter *util.RetryCounter
	dlq          *mq.Publisher
	logger       *zap.Logger
}

func NewMQHandler(service *Service, deduper *util.Deduper, retryCounter *util.RetryCounter, dlq *mq.Publisher, logger *zap.Logger) *MQHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQHandler{
		service:      service,
		deduper:      deduper,
		retryCounter: retryCounter,
		dlq:          dlq,
		logger:       logger,
	}
}

// Handle is the consumer callback. Returning an error requeues the
// message, so anything non-retryable is swallowed after being parked
// in the DLQ.
func (h *MQHandler) Handle(ctx context.Context, data json.RawMessage) error {
	start := time.Now()
	defer func() {
		metrics.RecordMQConsumeLatency(contractsmq.RoutingKeyNotificationCreated, "notification.dispatch", time.Since(start))
	}()

	var payload contractsmq.NotificationCreatedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.logger.Error("malformed notification.created payload", zap.Error(err))
		h.park(data, err.Error())
		return nil
	}
	if payload.EventID == "" || payload.UserID == 0 {
		h.logger.Error("notification.created missing event_id or user_id")
		h.park(data, "missing event_id or user_id")
		return nil
	}

	if payload.TraceID != "" {
		ctx = trace.WithContext(ctx, payload.TraceID)
	}
	logger := h.logger.With(
		zap.String("event_id", payload.EventID),
		zap.Int("user_id", payload.UserID),
		zap.String("trace_id", payload.TraceID),
	)

	if !h.deduper.AcquireOnce(ctx, handlerName, payload.EventID) {
		logger.Info("duplicate event skipped")
		return nil
	}

	_, err := h.service.Create(ctx, CreateInput{
		UserID:    payload.UserID,
		Category:  payload.Category,
		Title:     payload.Title,
		Message:   payload.Message,
		Priority:  payload.Priority,
		ActionURL: payload.ActionURL,
		TraceID:   payload.TraceID,
	})
	if err == nil {
		return nil
	}

	retryable, reason := util.IsRetryableError(err)
	if !retryable {
		logger.Error("non-retryable failure, parking message",
			zap.String("reason", reason),
			zap.Error(err),
		)
		h.park(data, err.Error())
		return nil
	}

	key := util.FormatRetryKey(handlerName, payload.EventID)
	count, cntErr := h.retryCounter.IncrementAndGet(ctx, key)
	if cntErr != nil {
		h.deduper.Release(ctx, handlerName, payload.EventID)
		logger.Warn("retry counter unavailable, requeueing", zap.Error(cntErr))
		return err
	}
	if !util.ShouldRetry(count, maxHandlerTries, retryable) {
		logger.Error("retry budget exhausted, parking message",
			zap.Int64("attempts", count),
			zap.Error(err),
		)
		h.park(data, err.Error())
		return nil
	}

	// Let the redelivery through the dedupe gate.
	h.deduper.Release(ctx, handlerName, payload.EventID)
	logger.Warn("retryable failure, requeueing",
		zap.Int64("attempt", count),
		zap.Error(err),
	)
	return err
}

func (h *MQHandler) park(data []byte, reason string) {
	if h.dlq == nil {
		return
	}
	if err := h.dlq.PublishToDLQ(contractsmq.RoutingKeyNotificationCreated, data, reason); err != nil {
		h.logger.Error("failed to publish to DLQ", zap.Error(err))
	}
}
