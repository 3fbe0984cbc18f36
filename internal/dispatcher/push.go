package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"k9notify/internal/model"
	"k9notify/pkg/circuitbreaker"
	"k9notify/pkg/metrics"
)

// ErrSubscriptionGone reports that the push service no longer knows the
// endpoint. The stored subscription must be discarded.
var ErrSubscriptionGone = errors.New("push subscription gone")

// PushMessage is the payload posted to the push endpoint. The push
// service relays it opaquely to the client's notification handler.
type PushMessage struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Priority  string `json:"priority"`
	ActionURL string `json:"action_url,omitempty"`
}

// PushSender delivers one message out of band.
type PushSender interface {
	Send(ctx context.Context, sub model.PushSubscription, msg PushMessage) error
}

// HTTPPushSender posts messages to subscription endpoints, guarded by a
// circuit breaker so a misbehaving push service cannot stall delivery.
type HTTPPushSender struct {
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	ttl     int
	logger  *zap.Logger
}

func NewHTTPPushSender(client *http.Client, ttlSeconds int, logger *zap.Logger) *HTTPPushSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 3600
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPPushSender{
		client:  client,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()),
		ttl:     ttlSeconds,
		logger:  logger,
	}
}

func (s *HTTPPushSender) Send(ctx context.Context, sub model.PushSubscription, msg PushMessage) error {
	err := s.breaker.Execute(func() error {
		return s.post(ctx, sub, msg)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen):
		metrics.IncrementPushFailure("breaker_open")
		return err
	case errors.Is(err, ErrSubscriptionGone):
		metrics.IncrementPushFailure("subscription_gone")
		return err
	default:
		metrics.IncrementPushFailure("endpoint_error")
		return err
	}
}

func (s *HTTPPushSender) post(ctx context.Context, sub model.PushSubscription, msg PushMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("TTL", strconv.Itoa(s.ttl))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// The endpoint is dead; retrying would never succeed.
		s.logger.Info("push endpoint gone",
			zap.String("endpoint", sub.Endpoint),
			zap.Int("status", resp.StatusCode),
		)
		return ErrSubscriptionGone
	default:
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
}
