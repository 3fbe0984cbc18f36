package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contractsdb "k9notify/contracts/db"
	contractsmq "k9notify/contracts/mq"
	"k9notify/contracts/ws"
	"k9notify/internal/model"
	"k9notify/internal/policy"
	"k9notify/pkg/metrics"
)

// store is what the service needs from persistence. *Repository is the
// production implementation.
type store interface {
	InsertNotification(ctx context.Context, n *contractsdb.Notification) error
	GetNotification(ctx context.Context, userID int, id string) (*contractsdb.Notification, error)
	ListNotifications(ctx context.Context, userID, limit int, unreadOnly bool) ([]contractsdb.Notification, error)
	CountUnread(ctx context.Context, userID int) (int, error)
	MarkRead(ctx context.Context, userID int, id string, readAt time.Time) (*contractsdb.Notification, error)
	GetSettings(ctx context.Context, userID int) (*contractsdb.NotificationSettings, error)
	UpsertSettings(ctx context.Context, s *contractsdb.NotificationSettings) error
	SavePushSubscription(ctx context.Context, userID int, sub model.PushSubscription) error
	DeletePushSubscription(ctx context.Context, userID int) error
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]contractsdb.Notification, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	RecordDelivery(ctx context.Context, d *contractsdb.NotificationDelivery, routingKey string, receipt any) error
	RecordInteraction(ctx context.Context, notificationID, kind, action string) error
	PurgeRead(ctx context.Context, before time.Time) (int64, error)
}

// unreadCounter is the optional redis-backed unread-count cache.
type unreadCounter interface {
	Get(ctx context.Context, userID int) (int, bool)
	Set(ctx context.Context, userID, count int)
	Invalidate(ctx context.Context, userID int)
}

// Service implements the dispatcher's operations: ingesting new
// notifications, routing them to live sessions or push endpoints, and
// serving the client protocol.
type Service struct {
	store  store
	hub    *Hub
	push   PushSender
	cache  unreadCounter
	logger *zap.Logger
	now    func() time.Time

	snapshotLimit int
	retention     time.Duration
}

type ServiceOptions struct {
	SnapshotLimit int
	// UnreadCache is optional; without it every snapshot counts in
	// postgres.
	UnreadCache unreadCounter
	// Retention bounds how long READ notifications are kept.
	Retention time.Duration
	Now       func() time.Time
}

func NewService(store store, hub *Hub, push PushSender, logger *zap.Logger, opts ServiceOptions) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SnapshotLimit <= 0 {
		opts.SnapshotLimit = 10
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	return &Service{
		store:         store,
		hub:           hub,
		push:          push,
		cache:         opts.UnreadCache,
		logger:        logger,
		now:           opts.Now,
		snapshotLimit: opts.SnapshotLimit,
		retention:     opts.Retention,
	}
}

// CreateInput describes a notification to ingest.
type CreateInput struct {
	UserID    int
	Category  string
	Title     string
	Message   string
	Priority  string
	ActionURL string
	TraceID   string
}

// Create persists a notification and delivers it. The record is always
// stored; only the alerting surfaces depend on settings. During quiet
// hours a non-urgent notification is deferred until the window closes.
func (s *Service) Create(ctx context.Context, in CreateInput) (*contractsdb.Notification, error) {
	now := s.now()
	settings := s.settingsFor(ctx, in.UserID)

	n := &contractsdb.Notification{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		Category:  in.Category,
		Title:     in.Title,
		Message:   in.Message,
		Priority:  string(model.ParsePriority(in.Priority)),
		Status:    string(model.StatusUnread),
		ActionURL: in.ActionURL,
		CreatedAt: now,
	}

	if settings.InQuietHours(now) && model.Priority(n.Priority) != model.PriorityUrgent {
		due := settings.QuietHours.NextEnd(now)
		n.ScheduledFor = &due
		if err := s.store.InsertNotification(ctx, n); err != nil {
			return nil, err
		}
		s.invalidateUnread(ctx, n.UserID)
		metrics.NotificationsDeferred.Inc()
		s.logger.Info("notification deferred for quiet hours",
			zap.String("notification_id", n.ID),
			zap.Int("user_id", n.UserID),
			zap.Time("scheduled_for", due),
		)
		return n, nil
	}

	if err := s.store.InsertNotification(ctx, n); err != nil {
		return nil, err
	}
	s.invalidateUnread(ctx, n.UserID)

	s.deliver(ctx, n, settings, in.TraceID)
	return n, nil
}

// deliver routes one stored notification: frames to live sessions, and
// optionally a push message when the user is absent.
func (s *Service) deliver(ctx context.Context, n *contractsdb.Notification, settings model.ClientSettings, traceID string) {
	now := s.now()
	connected := s.hub.Connected(n.UserID)
	sub, hasSub := s.pushSubscriptionFor(ctx, n.UserID)

	if err := s.store.MarkSent(ctx, n.ID, now); err != nil {
		s.logger.Error("failed to mark notification sent", zap.Error(err))
	}

	if connected {
		frame, err := ws.NewFrame(ws.EventNotification, "", notificationPayload(n))
		if err == nil {
			delivered := s.hub.SendToUser(n.UserID, frame)
			s.recordDelivery(ctx, n, contractsdb.ChannelInApp, delivered > 0, "", traceID)
		}
	}

	decision := policy.Decide(policy.Input{
		Priority:            model.Priority(n.Priority),
		Category:            n.Category,
		Settings:            settings,
		PermissionGranted:   settings.BrowserNotifications,
		Connected:           connected,
		HasPushSubscription: hasSub,
		Now:                 now,
	})

	if !decision.OutOfBand {
		return
	}

	err := s.push.Send(ctx, sub, PushMessage{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Priority:  n.Priority,
		ActionURL: n.ActionURL,
	})
	if err != nil {
		if errors.Is(err, ErrSubscriptionGone) {
			if delErr := s.store.DeletePushSubscription(ctx, n.UserID); delErr != nil {
				s.logger.Error("failed to drop dead subscription", zap.Error(delErr))
			}
		}
		s.logger.Warn("push delivery failed",
			zap.String("notification_id", n.ID),
			zap.Error(err),
		)
		s.recordDelivery(ctx, n, contractsdb.ChannelPush, false, err.Error(), traceID)
		return
	}

	s.recordDelivery(ctx, n, contractsdb.ChannelPush, true, "", traceID)
}

func (s *Service) recordDelivery(ctx context.Context, n *contractsdb.Notification, channel string, ok bool, errMsg, traceID string) {
	now := s.now()
	d := &contractsdb.NotificationDelivery{
		NotificationID: n.ID,
		Channel:        channel,
		AttemptedAt:    now,
	}

	var routingKey string
	var receipt any
	if ok {
		d.Status = contractsdb.DeliveryStatusSent
		d.DeliveredAt = &now
		routingKey = contractsmq.RoutingKeyNotificationDelivered
		receipt = contractsmq.NotificationDeliveredPayload{
			NotificationID: n.ID,
			UserID:         n.UserID,
			Channel:        channel,
			DeliveredAt:    now,
			TraceID:        traceID,
		}
		metrics.IncrementDelivered(channel, "sent")
	} else {
		d.Status = contractsdb.DeliveryStatusFailed
		d.Error = errMsg
		routingKey = contractsmq.RoutingKeyNotificationFailed
		receipt = contractsmq.NotificationFailedPayload{
			NotificationID: n.ID,
			UserID:         n.UserID,
			Channel:        channel,
			Error:          errMsg,
			TraceID:        traceID,
		}
		metrics.IncrementDelivered(channel, "failed")
	}

	if err := s.store.RecordDelivery(ctx, d, routingKey, receipt); err != nil {
		s.logger.Error("failed to record delivery",
			zap.String("notification_id", n.ID),
			zap.Error(err),
		)
	}
}

// Snapshot builds the recent-window payload for one user.
func (s *Service) Snapshot(ctx context.Context, userID, limit int, unreadOnly bool) (ws.UnreadSnapshotPayload, error) {
	if limit <= 0 || limit > 100 {
		limit = s.snapshotLimit
	}

	rows, err := s.store.ListNotifications(ctx, userID, limit, unreadOnly)
	if err != nil {
		return ws.UnreadSnapshotPayload{}, err
	}
	count, err := s.unreadCount(ctx, userID)
	if err != nil {
		return ws.UnreadSnapshotPayload{}, err
	}

	payload := ws.UnreadSnapshotPayload{
		Notifications: make([]ws.NotificationPayload, 0, len(rows)),
		Count:         count,
	}
	for i := range rows {
		payload.Notifications = append(payload.Notifications, notificationPayload(&rows[i]))
	}
	return payload, nil
}

// MarkRead transitions a notification to READ, idempotently, and
// broadcasts the change to every live session of the user so all
// devices converge.
func (s *Service) MarkRead(ctx context.Context, userID int, id string) (*ws.StatusChangedPayload, error) {
	n, err := s.store.MarkRead(ctx, userID, id, s.now())
	if err != nil {
		return nil, err
	}
	s.invalidateUnread(ctx, userID)

	change := &ws.StatusChangedPayload{
		ID:     n.ID,
		Status: n.Status,
		ReadAt: n.ReadAt,
	}

	frame, err := ws.NewFrame(ws.EventStatusChanged, "", change)
	if err == nil {
		s.hub.SendToUser(userID, frame)
	}
	return change, nil
}

// UpdateSettings validates and persists new preferences.
func (s *Service) UpdateSettings(ctx context.Context, userID int, payload ws.SettingsPayload) error {
	// Round-tripping through the model normalizes the quiet-hours
	// window and drops a half-configured one.
	parsed := model.SettingsFromWire(payload)
	wire := model.SettingsToWire(parsed)

	return s.store.UpsertSettings(ctx, &contractsdb.NotificationSettings{
		UserID:               userID,
		Enabled:              wire.Enabled,
		Categories:           wire.Categories,
		BrowserNotifications: wire.BrowserNotifications,
		PushNotifications:    wire.PushNotifications,
		QuietHoursStart:      wire.QuietHoursStart,
		QuietHoursEnd:        wire.QuietHoursEnd,
	})
}

// Settings returns the user's preferences, falling back to defaults.
func (s *Service) Settings(ctx context.Context, userID int) model.ClientSettings {
	return s.settingsFor(ctx, userID)
}

// SubscribePush stores the subscription, superseding any previous one.
func (s *Service) SubscribePush(ctx context.Context, userID int, payload ws.PushSubscriptionPayload) error {
	if payload.Endpoint == "" {
		return errors.New("subscription endpoint missing")
	}
	return s.store.SavePushSubscription(ctx, userID, model.PushSubscription{
		Endpoint: payload.Endpoint,
		P256dh:   payload.Keys.P256dh,
		Auth:     payload.Keys.Auth,
	})
}

// Test emits a low-priority notification back to the requesting user.
func (s *Service) Test(ctx context.Context, userID int) (*contractsdb.Notification, error) {
	return s.Create(ctx, CreateInput{
		UserID:    userID,
		Category:  "test",
		Title:     "Test notification",
		Message:   "This is a test notification",
		Priority:  string(model.PriorityLow),
		ActionURL: "/dashboard",
	})
}

// RecordClicked stores click telemetry. It never changes the read
// status; the client acknowledges reads explicitly.
func (s *Service) RecordClicked(ctx context.Context, userID int, id, action string) error {
	if _, err := s.store.GetNotification(ctx, userID, id); err != nil {
		return err
	}
	return s.store.RecordInteraction(ctx, id, contractsdb.InteractionClicked, action)
}

// RecordDismissed stores dismissal telemetry.
func (s *Service) RecordDismissed(ctx context.Context, userID int, id string) error {
	if _, err := s.store.GetNotification(ctx, userID, id); err != nil {
		return err
	}
	return s.store.RecordInteraction(ctx, id, contractsdb.InteractionDismissed, "")
}

// DeliverDue releases notifications whose quiet-hours deferral has
// ended. The scheduler calls it on every tick.
func (s *Service) DeliverDue(ctx context.Context) (int, error) {
	due, err := s.store.DueScheduled(ctx, s.now(), 100)
	if err != nil {
		return 0, err
	}

	for i := range due {
		n := &due[i]
		settings := s.settingsFor(ctx, n.UserID)
		s.deliver(ctx, n, settings, "")
	}
	return len(due), nil
}

// PurgeExpired drops READ notifications older than the retention
// window. The scheduler calls it periodically.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	purged, err := s.store.PurgeRead(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.logger.Info("purged read notifications",
			zap.Int64("count", purged),
			zap.Time("cutoff", cutoff),
		)
	}
	return purged, nil
}

func (s *Service) unreadCount(ctx context.Context, userID int) (int, error) {
	if s.cache != nil {
		if count, ok := s.cache.Get(ctx, userID); ok {
			return count, nil
		}
	}
	count, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, userID, count)
	}
	return count, nil
}

func (s *Service) invalidateUnread(ctx context.Context, userID int) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, userID)
	}
}

func (s *Service) settingsFor(ctx context.Context, userID int) model.ClientSettings {
	row, err := s.store.GetSettings(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("failed to load settings, using defaults",
				zap.Int("user_id", userID),
				zap.Error(err),
			)
		}
		return model.DefaultSettings()
	}

	return model.SettingsFromWire(ws.SettingsPayload{
		Enabled:              row.Enabled,
		Categories:           row.Categories,
		BrowserNotifications: row.BrowserNotifications,
		PushNotifications:    row.PushNotifications,
		QuietHoursStart:      row.QuietHoursStart,
		QuietHoursEnd:        row.QuietHoursEnd,
	})
}

func (s *Service) pushSubscriptionFor(ctx context.Context, userID int) (model.PushSubscription, bool) {
	row, err := s.store.GetSettings(ctx, userID)
	if err != nil || row.PushEndpoint == "" {
		return model.PushSubscription{}, false
	}
	return model.PushSubscription{
		Endpoint: row.PushEndpoint,
		P256dh:   row.PushP256dh,
		Auth:     row.PushAuth,
	}, true
}

func notificationPayload(n *contractsdb.Notification) ws.NotificationPayload {
	return ws.NotificationPayload{
		ID:        n.ID,
		Category:  n.Category,
		Title:     n.Title,
		Message:   n.Message,
		Priority:  n.Priority,
		Status:    n.Status,
		ActionURL: n.ActionURL,
		CreatedAt: n.CreatedAt,
		ReadAt:    n.ReadAt,
	}
}
