package ws

import (
	"encoding/json"
	"time"
)

// Frame is the envelope for every message exchanged over the notification
// channel, in both directions. Data carries the event-specific payload and
// Ref correlates a client request with the server reply that answers it.
type Frame struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Server -> client events.
const (
	EventNotification   = "notification"
	EventUnreadSnapshot = "unread_snapshot"
	EventStatusChanged  = "status_changed"
	EventSettingsSaved  = "settings_saved"
	EventPushSaved      = "push_subscription_saved"
	EventError          = "error"
)

// Client -> server events.
const (
	EventMarkRead         = "mark_notification_read"
	EventGetNotifications = "get_notifications"
	EventUpdateSettings   = "update_notification_settings"
	EventSubscribePush    = "subscribe_push_notifications"
	EventTestNotification = "test_notification"
)

// Error codes carried in ErrorPayload.Code.
const (
	ErrCodeNotFound     = "not_found"
	ErrCodeBadRequest   = "bad_request"
	ErrCodeInternal     = "internal"
	ErrCodeUnauthorized = "unauthorized"
)

// NotificationPayload is a single notification record on the wire.
type NotificationPayload struct {
	ID        string     `json:"id"`
	Category  string     `json:"category"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Priority  string     `json:"priority"`
	Status    string     `json:"status"`
	ActionURL string     `json:"action_url,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// UnreadSnapshotPayload replaces the client's cached list wholesale.
type UnreadSnapshotPayload struct {
	Notifications []NotificationPayload `json:"notifications"`
	Count         int                   `json:"count"`
}

// StatusChangedPayload announces a status transition to every live
// session of the same user.
type StatusChangedPayload struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	ReadAt *time.Time `json:"read_at,omitempty"`
}

type MarkReadPayload struct {
	NotificationID string `json:"notification_id"`
}

type GetNotificationsPayload struct {
	Limit      int  `json:"limit"`
	UnreadOnly bool `json:"unread_only"`
}

// SettingsPayload is the wire form of a user's delivery preferences.
// Category keys absent from Categories are treated as enabled.
type SettingsPayload struct {
	Enabled              bool            `json:"enabled"`
	Categories           map[string]bool `json:"categories"`
	BrowserNotifications bool            `json:"browser_notifications"`
	PushNotifications    bool            `json:"push_notifications"`
	QuietHoursStart      string          `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd        string          `json:"quiet_hours_end,omitempty"`
}

type SettingsSavedPayload struct {
	Success bool `json:"success"`
}

// PushKeys mirrors the keys object of a browser PushSubscription.
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type PushSubscriptionPayload struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

type SubscribePushPayload struct {
	Subscription PushSubscriptionPayload `json:"subscription"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// NewFrame marshals payload into a Frame. Marshal failures are a
// programming error on the caller's side and are returned as-is.
func NewFrame(event, ref string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Ref: ref, Data: data}, nil
}
