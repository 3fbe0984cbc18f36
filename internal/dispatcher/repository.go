package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	contractsdb "k9notify/contracts/db"
	"k9notify/internal/model"
	"k9notify/pkg/metrics"
	"k9notify/pkg/outbox"
)

// ErrNotFound is returned when a row does not exist or belongs to a
// different user.
var ErrNotFound = errors.New("notification not found")

// Repository is the dispatcher's persistence layer.
type Repository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db:     db,
		outbox: outbox.NewRepository(db),
	}
}

func (r *Repository) InsertNotification(ctx context.Context, n *contractsdb.Notification) error {
	start := time.Now()
	defer func() {
		metrics.RecordDBQueryDuration("insert", "notifications", time.Since(start))
	}()

	query := `
		INSERT INTO notifications (id, user_id, category, title, message, priority, status, action_url, scheduled_for, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Exec(ctx, query,
		n.ID,
		n.UserID,
		n.Category,
		n.Title,
		n.Message,
		n.Priority,
		n.Status,
		n.ActionURL,
		n.ScheduledFor,
		n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (r *Repository) GetNotification(ctx context.Context, userID int, id string) (*contractsdb.Notification, error) {
	query := `
		SELECT id, user_id, category, title, message, priority, status, action_url, scheduled_for, sent_at, read_at, created_at
		FROM notifications
		WHERE id = $1 AND user_id = $2
	`

	var n contractsdb.Notification
	err := r.db.QueryRow(ctx, query, id, userID).Scan(
		&n.ID, &n.UserID, &n.Category, &n.Title, &n.Message,
		&n.Priority, &n.Status, &n.ActionURL,
		&n.ScheduledFor, &n.SentAt, &n.ReadAt, &n.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return &n, nil
}

// ListNotifications returns the user's most recent notifications,
// newest first. Deferred notifications stay hidden until delivered.
func (r *Repository) ListNotifications(ctx context.Context, userID, limit int, unreadOnly bool) ([]contractsdb.Notification, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQueryDuration("select", "notifications", time.Since(start))
	}()

	query := `
		SELECT id, user_id, category, title, message, priority, status, action_url, scheduled_for, sent_at, read_at, created_at
		FROM notifications
		WHERE user_id = $1
		AND (scheduled_for IS NULL OR sent_at IS NOT NULL)
	`
	if unreadOnly {
		query += ` AND status = 'UNREAD'`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []contractsdb.Notification
	for rows.Next() {
		var n contractsdb.Notification
		err := rows.Scan(
			&n.ID, &n.UserID, &n.Category, &n.Title, &n.Message,
			&n.Priority, &n.Status, &n.ActionURL,
			&n.ScheduledFor, &n.SentAt, &n.ReadAt, &n.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *Repository) CountUnread(ctx context.Context, userID int) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND status = 'UNREAD'
		AND (scheduled_for IS NULL OR sent_at IS NOT NULL)
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return count, nil
}

// MarkRead transitions a notification to READ. It is idempotent: an
// already read row keeps its original read_at.
func (r *Repository) MarkRead(ctx context.Context, userID int, id string, readAt time.Time) (*contractsdb.Notification, error) {
	query := `
		UPDATE notifications
		SET status = 'READ', read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, category, title, message, priority, status, action_url, scheduled_for, sent_at, read_at, created_at
	`

	var n contractsdb.Notification
	err := r.db.QueryRow(ctx, query, id, userID, readAt).Scan(
		&n.ID, &n.UserID, &n.Category, &n.Title, &n.Message,
		&n.Priority, &n.Status, &n.ActionURL,
		&n.ScheduledFor, &n.SentAt, &n.ReadAt, &n.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}
	return &n, nil
}

func (r *Repository) GetSettings(ctx context.Context, userID int) (*contractsdb.NotificationSettings, error) {
	query := `
		SELECT user_id, enabled, categories, browser_notifications, push_notifications,
		       COALESCE(quiet_hours_start, ''), COALESCE(quiet_hours_end, ''),
		       COALESCE(push_endpoint, ''), COALESCE(push_p256dh, ''), COALESCE(push_auth, ''),
		       updated_at
		FROM notification_settings
		WHERE user_id = $1
	`

	var s contractsdb.NotificationSettings
	var categories []byte
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&s.UserID, &s.Enabled, &categories, &s.BrowserNotifications, &s.PushNotifications,
		&s.QuietHoursStart, &s.QuietHoursEnd,
		&s.PushEndpoint, &s.PushP256dh, &s.PushAuth,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	if len(categories) > 0 {
		if err := json.Unmarshal(categories, &s.Categories); err != nil {
			return nil, fmt.Errorf("failed to decode categories: %w", err)
		}
	}
	return &s, nil
}

func (r *Repository) UpsertSettings(ctx context.Context, s *contractsdb.NotificationSettings) error {
	categories, err := json.Marshal(s.Categories)
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}

	query := `
		INSERT INTO notification_settings
			(user_id, enabled, categories, browser_notifications, push_notifications, quiet_hours_start, quiet_hours_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			categories = EXCLUDED.categories,
			browser_notifications = EXCLUDED.browser_notifications,
			push_notifications = EXCLUDED.push_notifications,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			updated_at = NOW()
	`

	_, err = r.db.Exec(ctx, query,
		s.UserID, s.Enabled, categories, s.BrowserNotifications, s.PushNotifications,
		s.QuietHoursStart, s.QuietHoursEnd,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert settings: %w", err)
	}
	return nil
}

// SavePushSubscription stores the user's subscription, replacing any
// previous one. A user holds at most one.
func (r *Repository) SavePushSubscription(ctx context.Context, userID int, sub model.PushSubscription) error {
	query := `
		INSERT INTO notification_settings (user_id, enabled, browser_notifications, push_notifications, push_endpoint, push_p256dh, push_auth, updated_at)
		VALUES ($1, TRUE, TRUE, TRUE, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			push_endpoint = EXCLUDED.push_endpoint,
			push_p256dh = EXCLUDED.push_p256dh,
			push_auth = EXCLUDED.push_auth,
			push_notifications = TRUE,
			updated_at = NOW()
	`

	_, err := r.db.Exec(ctx, query, userID, sub.Endpoint, sub.P256dh, sub.Auth)
	if err != nil {
		return fmt.Errorf("failed to save push subscription: %w", err)
	}
	return nil
}

func (r *Repository) DeletePushSubscription(ctx context.Context, userID int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE notification_settings
		SET push_endpoint = NULL, push_p256dh = NULL, push_auth = NULL, updated_at = NOW()
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete push subscription: %w", err)
	}
	return nil
}

// DueScheduled returns deferred notifications whose quiet-hours window
// has ended.
func (r *Repository) DueScheduled(ctx context.Context, now time.Time, limit int) ([]contractsdb.Notification, error) {
	query := `
		SELECT id, user_id, category, title, message, priority, status, action_url, scheduled_for, sent_at, read_at, created_at
		FROM notifications
		WHERE scheduled_for IS NOT NULL AND sent_at IS NULL AND scheduled_for <= $1
		ORDER BY scheduled_for ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled notifications: %w", err)
	}
	defer rows.Close()

	var out []contractsdb.Notification
	for rows.Next() {
		var n contractsdb.Notification
		err := rows.Scan(
			&n.ID, &n.UserID, &n.Category, &n.Title, &n.Message,
			&n.Priority, &n.Status, &n.ActionURL,
			&n.ScheduledFor, &n.SentAt, &n.ReadAt, &n.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *Repository) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE notifications SET sent_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark sent: %w", err)
	}
	return nil
}

// RecordDelivery writes a delivery attempt together with its outbox
// receipt in one transaction, so a receipt never exists for an attempt
// that was rolled back.
func (r *Repository) RecordDelivery(ctx context.Context, d *contractsdb.NotificationDelivery, routingKey string, receipt any) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO notification_deliveries (notification_id, channel, status, error, attempted_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, d.NotificationID, d.Channel, d.Status, d.Error, d.AttemptedAt, d.DeliveredAt)
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}

	if receipt != nil {
		aggregateID := d.NotificationID
		err = outbox.InsertEventInTx(ctx, tx, r.outbox, "notification", &aggregateID, routingKey, receipt)
		if err != nil {
			return fmt.Errorf("failed to insert outbox receipt: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delivery: %w", err)
	}
	return nil
}

// PurgeRead deletes READ notifications older than the cutoff and
// returns how many rows went away. Delivery and interaction rows
// cascade with the notification.
func (r *Repository) PurgeRead(ctx context.Context, before time.Time) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQueryDuration("delete", "notifications", time.Since(start))
	}()

	tag, err := r.db.Exec(ctx, `
		DELETE FROM notifications
		WHERE status = 'READ' AND read_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordInteraction stores click/dismiss telemetry. It never writes
// notifications.status.
func (r *Repository) RecordInteraction(ctx context.Context, notificationID, kind, action string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO notification_interactions (notification_id, kind, action, created_at)
		VALUES ($1, $2, $3, NOW())
	`, notificationID, kind, action)
	if err != nil {
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	return nil
}
