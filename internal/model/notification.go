package model

import (
	"fmt"
	"time"
)

// Priority levels, ordered from least to most urgent.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority maps a wire string to a Priority. Unknown values fall
// back to MEDIUM so a malformed producer never breaks delivery.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return Priority(s)
	default:
		return PriorityMedium
	}
}

// Weight returns the ordering rank of the priority.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 2
	}
}

// Status is the reader-facing lifecycle of a notification.
type Status string

const (
	StatusUnread Status = "UNREAD"
	StatusRead   Status = "READ"
)

// NotificationRecord is the client-side view of one notification.
// ReadAt is non-nil exactly when Status is READ.
type NotificationRecord struct {
	ID        string
	Category  string
	Title     string
	Message   string
	Priority  Priority
	Status    Status
	ActionURL string
	CreatedAt time.Time
	ReadAt    *time.Time
}

// Unread reports whether the record still counts toward the unread total.
func (n NotificationRecord) Unread() bool {
	return n.Status != StatusRead
}

// ClockTime is a wall-clock time of day with minute resolution.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM" (24-hour).
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// minutes since midnight.
func (c ClockTime) minutes() int {
	return c.Hour*60 + c.Minute
}

// QuietHours is a daily window during which non-urgent alerting is
// suppressed. The window may span midnight (e.g. 22:00 to 07:00).
type QuietHours struct {
	Start ClockTime
	End   ClockTime
}

// Contains reports whether t falls inside the window. A window whose
// start equals its end is treated as empty.
func (q QuietHours) Contains(t time.Time) bool {
	now := t.Hour()*60 + t.Minute()
	start, end := q.Start.minutes(), q.End.minutes()
	switch {
	case start == end:
		return false
	case start < end:
		return now >= start && now < end
	default:
		return now >= start || now < end
	}
}

// NextEnd returns the first instant at or after t when the window
// closes. Callers use it to schedule deferred deliveries.
func (q QuietHours) NextEnd(t time.Time) time.Time {
	end := time.Date(t.Year(), t.Month(), t.Day(), q.End.Hour, q.End.Minute, 0, 0, t.Location())
	if !end.After(t) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// ClientSettings are the delivery preferences of a single user.
type ClientSettings struct {
	Enabled              bool
	Categories           map[string]bool
	BrowserNotifications bool
	PushNotifications    bool
	QuietHours           *QuietHours
}

// DefaultSettings is what a user gets before saving anything.
func DefaultSettings() ClientSettings {
	return ClientSettings{
		Enabled:              true,
		Categories:           map[string]bool{},
		BrowserNotifications: true,
		PushNotifications:    false,
	}
}

// CategoryEnabled reports whether notifications of the given category
// are wanted. Categories never configured default to enabled.
func (s ClientSettings) CategoryEnabled(category string) bool {
	if s.Categories == nil {
		return true
	}
	enabled, ok := s.Categories[category]
	if !ok {
		return true
	}
	return enabled
}

// InQuietHours reports whether t falls inside the configured window.
func (s ClientSettings) InQuietHours(t time.Time) bool {
	return s.QuietHours != nil && s.QuietHours.Contains(t)
}

// PushSubscription is an out-of-band delivery endpoint plus the key
// material the push service needs. A user holds at most one.
type PushSubscription struct {
	Endpoint string
	P256dh   string
	Auth     string
}

// ConnState is the lifecycle of the duplex notification channel.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}
