package db

import "time"

// Notification is a row in the notifications table. Status tracks the
// reader-facing lifecycle (UNREAD/READ); ScheduledFor is set when quiet
// hours deferred the delivery, and SentAt when delivery was attempted.
type Notification struct {
	ID           string     `json:"id"`
	UserID       int        `json:"user_id"`
	Category     string     `json:"category"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	Priority     string     `json:"priority"`
	Status       string     `json:"status"`
	ActionURL    string     `json:"action_url"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// NotificationDelivery records one delivery attempt on one channel.
type NotificationDelivery struct {
	ID             int64      `json:"id"`
	NotificationID string     `json:"notification_id"`
	Channel        string     `json:"channel"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	AttemptedAt    time.Time  `json:"attempted_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

// Delivery channels.
const (
	ChannelInApp = "IN_APP"
	ChannelPush  = "PUSH"
)

// Delivery attempt statuses.
const (
	DeliveryStatusSent   = "SENT"
	DeliveryStatusFailed = "FAILED"
)

// NotificationSettings is a row in the notification_settings table.
// Category flags are stored as jsonb; the push_* columns hold the single
// live push subscription of the user, or NULL when none exists.
type NotificationSettings struct {
	UserID               int             `json:"user_id"`
	Enabled              bool            `json:"enabled"`
	Categories           map[string]bool `json:"categories"`
	BrowserNotifications bool            `json:"browser_notifications"`
	PushNotifications    bool            `json:"push_notifications"`
	QuietHoursStart      string          `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd        string          `json:"quiet_hours_end,omitempty"`
	PushEndpoint         string          `json:"push_endpoint,omitempty"`
	PushP256dh           string          `json:"push_p256dh,omitempty"`
	PushAuth             string          `json:"push_auth,omitempty"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// NotificationInteraction records click/dismiss telemetry reported by
// the client. It never feeds back into Notification.Status.
type NotificationInteraction struct {
	ID             int64     `json:"id"`
	NotificationID string    `json:"notification_id"`
	Kind           string    `json:"kind"`
	Action         string    `json:"action,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Interaction kinds.
const (
	InteractionClicked   = "CLICKED"
	InteractionDismissed = "DISMISSED"
)
