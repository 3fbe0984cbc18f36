package mq

import "time"

// Routing keys on the events exchange.
const (
	RoutingKeyNotificationCreated   = "notification.created"
	RoutingKeyNotificationDelivered = "notification.delivered"
	RoutingKeyNotificationFailed    = "notification.failed"
)

// NotificationCreatedPayload is published by producer services when
// something noteworthy happens. EventID deduplicates redeliveries.
type NotificationCreatedPayload struct {
	EventID   string    `json:"event_id"`
	UserID    int       `json:"user_id"`
	Category  string    `json:"category"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Priority  string    `json:"priority"`
	ActionURL string    `json:"action_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// NotificationDeliveredPayload is the delivery receipt emitted through
// the outbox after a channel attempt succeeds.
type NotificationDeliveredPayload struct {
	NotificationID string    `json:"notification_id"`
	UserID         int       `json:"user_id"`
	Channel        string    `json:"channel"`
	DeliveredAt    time.Time `json:"delivered_at"`
	TraceID        string    `json:"trace_id,omitempty"`
}

type NotificationFailedPayload struct {
	NotificationID string `json:"notification_id"`
	UserID         int    `json:"user_id"`
	Channel        string `json:"channel"`
	Error          string `json:"error"`
	TraceID        string `json:"trace_id,omitempty"`
}
