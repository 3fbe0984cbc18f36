// Package engine is the client-side notification core: it owns the
// recent-notification cache, applies the delivery policy to incoming
// notifications, and speaks the acknowledgment protocol. All state is
// owned by the Run loop; every mutation funnels through it, so no
// per-field locking exists anywhere in the package.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"k9notify/contracts/ws"
	"k9notify/internal/model"
	"k9notify/internal/policy"
	"k9notify/internal/subscription"
	"k9notify/internal/transport"
)

// Directive tells the presentation layer how to surface one incoming
// notification.
type Directive struct {
	Record   model.NotificationRecord
	Decision policy.Decision
}

// Notice is a user-visible, dismissible problem report.
type Notice struct {
	Code    string
	Message string
}

// Telemetry reports alert interactions out of band.
type Telemetry interface {
	ReportClicked(ctx context.Context, notificationID, action string)
	ReportDismissed(ctx context.Context, notificationID string)
}

// Subscriptions is the push-subscription surface the engine needs.
type Subscriptions interface {
	EnsurePermission(ctx context.Context) (subscription.PermissionState, error)
	Subscribe(ctx context.Context, serverKey []byte) (*model.PushSubscription, error)
	Unsubscribe(ctx context.Context)
	Permission() subscription.PermissionState
	Current() *model.PushSubscription
}

// Options configures an Engine. Transport is required; the rest have
// working defaults.
type Options struct {
	Transport     transport.Transport
	Telemetry     Telemetry
	Subscriptions Subscriptions

	// Settings the engine starts with, usually fetched over HTTP
	// before the channel comes up.
	Settings model.ClientSettings

	// ServerKey is handed to the platform when subscribing for push.
	ServerKey []byte

	CacheWindow     int
	SnapshotLimit   int
	SnapshotTimeout time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

type Engine struct {
	transport transport.Transport
	telemetry Telemetry
	subs      Subscriptions
	logger    *zap.Logger
	now       func() time.Time

	snapshotLimit   int
	snapshotTimeout time.Duration
	serverKey       []byte

	// Loop-owned state. Touched only from Run.
	cache           *recordCache
	settings        model.ClientSettings
	conn            model.ConnState
	pendingAcks     map[string]string // ref -> notification id
	pendingSettings map[string]model.ClientSettings
	snapshotTimer   *time.Timer

	commands   chan func()
	done       chan struct{}
	directives chan Directive
	notices    chan Notice
}

// ErrStopped is returned by accessors once Run has returned.
var ErrStopped = errors.New("notification engine stopped")

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SnapshotLimit <= 0 {
		opts.SnapshotLimit = 50
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = 5 * time.Second
	}
	if opts.Settings.Categories == nil {
		opts.Settings = model.DefaultSettings()
	}

	return &Engine{
		transport:       opts.Transport,
		telemetry:       opts.Telemetry,
		subs:            opts.Subscriptions,
		logger:          opts.Logger,
		now:             opts.Now,
		snapshotLimit:   opts.SnapshotLimit,
		snapshotTimeout: opts.SnapshotTimeout,
		serverKey:       opts.ServerKey,
		cache:           newRecordCache(opts.CacheWindow),
		settings:        opts.Settings,
		conn:            model.StateConnecting,
		pendingAcks:     make(map[string]string),
		pendingSettings: make(map[string]model.ClientSettings),
		commands:        make(chan func(), 64),
		done:            make(chan struct{}),
		directives:      make(chan Directive, 32),
		notices:         make(chan Notice, 16),
	}
}

// Directives streams rendering instructions for incoming notifications.
func (e *Engine) Directives() <-chan Directive {
	return e.directives
}

// Notices streams dismissible problem reports.
func (e *Engine) Notices() <-chan Notice {
	return e.notices
}

// Run starts the transport and processes events until ctx is cancelled
// or the transport gives up for good. Accessors called after Run has
// returned fail with ErrStopped instead of blocking.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	if err := e.transport.Start(); err != nil {
		return err
	}

	for {
		var timeoutC <-chan time.Time
		if e.snapshotTimer != nil {
			timeoutC = e.snapshotTimer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-e.commands:
			cmd()
		case ev, ok := <-e.transport.Events():
			if !ok {
				return errors.New("notification channel terminated")
			}
			e.handleEvent(ev)
		case <-timeoutC:
			e.snapshotTimer = nil
			e.cache.markUnknown()
			e.logger.Warn("snapshot request timed out, unread count unknown")
			e.notify(Notice{Code: "snapshot_timeout", Message: "unread count is currently unknown"})
		}
	}
}

// do runs fn on the loop goroutine and waits for it to finish. Once Run
// has returned, posted commands never execute, so both waits bail out
// on done with ErrStopped.
func (e *Engine) do(fn func()) error {
	ran := make(chan struct{})
	cmd := func() {
		fn()
		close(ran)
	}
	select {
	case e.commands <- cmd:
	case <-e.done:
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

// MarkRead acknowledges a notification. It applies the read state
// optimistically and reverts if the server rejects the request. Already
// read notifications are a no-op.
func (e *Engine) MarkRead(id string) error {
	var err error
	if derr := e.do(func() { err = e.markRead(id) }); derr != nil {
		return derr
	}
	return err
}

// SaveSettings pushes new preferences to the server, applying them
// locally right away and rolling back on a server error.
func (e *Engine) SaveSettings(s model.ClientSettings) error {
	var err error
	if derr := e.do(func() { err = e.saveSettings(s) }); derr != nil {
		return derr
	}
	return err
}

// SendTest asks the server to emit a test notification back.
func (e *Engine) SendTest() error {
	var err error
	if derr := e.do(func() {
		err = e.transport.Send(ws.EventTestNotification, uuid.NewString(), struct{}{})
	}); derr != nil {
		return derr
	}
	return err
}

// UnreadCount returns the recomputed unread count. ok is false while
// the count is unknown: before the first snapshot, after a snapshot
// timeout, or once the engine has stopped.
func (e *Engine) UnreadCount() (count int, ok bool) {
	if err := e.do(func() { count, ok = e.cache.unread() }); err != nil {
		return 0, false
	}
	return count, ok
}

// Notifications returns the cached window, newest first. It is nil once
// the engine has stopped.
func (e *Engine) Notifications() []model.NotificationRecord {
	var out []model.NotificationRecord
	if err := e.do(func() { out = e.cache.list() }); err != nil {
		return nil
	}
	return out
}

// Settings returns the current (possibly provisional) preferences.
func (e *Engine) Settings() model.ClientSettings {
	out := model.DefaultSettings()
	if err := e.do(func() { out = e.settings }); err != nil {
		return model.DefaultSettings()
	}
	return out
}

// ConnectionState reports the channel lifecycle as last observed. A
// stopped engine reports disconnected.
func (e *Engine) ConnectionState() model.ConnState {
	state := model.StateDisconnected
	if err := e.do(func() { state = e.conn }); err != nil {
		return model.StateDisconnected
	}
	return state
}

// EnablePush obtains permission and a push subscription, then registers
// the subscription with the server. A persistent permission denial is
// reported as subscription.ErrPermissionDenied and also clears the
// alerting preferences locally, since they can never take effect.
func (e *Engine) EnablePush(ctx context.Context) error {
	if e.subs == nil {
		return errors.New("push subscriptions not supported on this platform")
	}

	sub, err := e.subs.Subscribe(ctx, e.serverKey)
	if err != nil {
		if errors.Is(err, subscription.ErrPermissionDenied) {
			_ = e.do(func() {
				e.settings.BrowserNotifications = false
				e.settings.PushNotifications = false
			})
		}
		return err
	}

	var sendErr error
	if derr := e.do(func() {
		e.settings.PushNotifications = true
		sendErr = e.transport.Send(ws.EventSubscribePush, uuid.NewString(), ws.SubscribePushPayload{
			Subscription: ws.PushSubscriptionPayload{
				Endpoint: sub.Endpoint,
				Keys:     ws.PushKeys{P256dh: sub.P256dh, Auth: sub.Auth},
			},
		})
	}); derr != nil {
		return derr
	}
	return sendErr
}

// DisablePush drops the push subscription, best effort.
func (e *Engine) DisablePush(ctx context.Context) {
	if e.subs == nil {
		return
	}
	e.subs.Unsubscribe(ctx)

	_ = e.do(func() { e.settings.PushNotifications = false })
}

// ReportClicked sends click telemetry and nothing else. Marking the
// record read is a separate, explicit MarkRead call.
func (e *Engine) ReportClicked(id, action string) {
	if e.telemetry == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.telemetry.ReportClicked(ctx, id, action)
	}()
}

// ReportDismissed sends dismissal telemetry. The record stays unread.
func (e *Engine) ReportDismissed(id string) {
	if e.telemetry == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.telemetry.ReportDismissed(ctx, id)
	}()
}

func (e *Engine) markRead(id string) error {
	rec, cached := e.cache.get(id)
	if cached && rec.Status == model.StatusRead {
		return nil
	}

	ref := uuid.NewString()
	if cached {
		now := e.now()
		e.cache.applyStatus(id, model.StatusRead, &now)
	}

	err := e.transport.Send(ws.EventMarkRead, ref, ws.MarkReadPayload{NotificationID: id})
	if err != nil {
		if cached {
			e.cache.applyStatus(id, model.StatusUnread, nil)
		}
		return err
	}

	if cached {
		e.pendingAcks[ref] = id
	}
	return nil
}

func (e *Engine) saveSettings(s model.ClientSettings) error {
	prev := e.settings
	ref := uuid.NewString()

	e.settings = s
	err := e.transport.Send(ws.EventUpdateSettings, ref, model.SettingsToWire(s))
	if err != nil {
		e.settings = prev
		return err
	}

	e.pendingSettings[ref] = prev
	return nil
}

func (e *Engine) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		e.conn = model.StateConnected
		e.requestSnapshot()

	case transport.EventDisconnected:
		e.conn = model.StateDisconnected

	case ws.EventUnreadSnapshot:
		e.handleSnapshot(ev)

	case ws.EventNotification:
		e.handleNotification(ev)

	case ws.EventStatusChanged:
		e.handleStatusChanged(ev)

	case ws.EventSettingsSaved:
		delete(e.pendingSettings, ev.Ref)

	case ws.EventPushSaved:
		// Registration receipt; nothing to reconcile.

	case ws.EventError:
		e.handleError(ev)

	default:
		e.logger.Debug("ignoring unknown event", zap.String("kind", ev.Kind))
	}
}

// requestSnapshot asks for a fresh window exactly once per connect.
func (e *Engine) requestSnapshot() {
	ref := uuid.NewString()
	err := e.transport.Send(ws.EventGetNotifications, ref, ws.GetNotificationsPayload{
		Limit:      e.snapshotLimit,
		UnreadOnly: true,
	})
	if err != nil {
		// The connection dropped again already; the next connect
		// rerequests.
		e.logger.Warn("snapshot request failed", zap.Error(err))
		return
	}

	if e.snapshotTimer != nil {
		e.snapshotTimer.Stop()
	}
	e.snapshotTimer = time.NewTimer(e.snapshotTimeout)
}

func (e *Engine) handleSnapshot(ev transport.Event) {
	var payload ws.UnreadSnapshotPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		e.logger.Warn("malformed snapshot", zap.Error(err))
		return
	}

	if e.snapshotTimer != nil {
		e.snapshotTimer.Stop()
		e.snapshotTimer = nil
	}

	records := make([]model.NotificationRecord, 0, len(payload.Notifications))
	for _, p := range payload.Notifications {
		records = append(records, model.RecordFromWire(p))
	}
	e.cache.replace(records)

	// The snapshot is authoritative; in-flight acks from before the
	// reconnect have nothing left to revert.
	e.pendingAcks = make(map[string]string)
}

func (e *Engine) handleNotification(ev transport.Event) {
	var payload ws.NotificationPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		e.logger.Warn("malformed notification", zap.Error(err))
		return
	}

	rec := model.RecordFromWire(payload)
	e.cache.prepend(rec)

	decision := policy.Decide(policy.Input{
		Priority:            rec.Priority,
		Category:            rec.Category,
		Settings:            e.settings,
		PermissionGranted:   e.permissionGranted(),
		Connected:           true,
		HasPushSubscription: e.hasPushSubscription(),
		Now:                 e.now(),
	})

	select {
	case e.directives <- Directive{Record: rec, Decision: decision}:
	default:
		e.logger.Warn("directive dropped, consumer too slow",
			zap.String("notification_id", rec.ID),
		)
	}
}

func (e *Engine) handleStatusChanged(ev transport.Event) {
	var payload ws.StatusChangedPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		e.logger.Warn("malformed status change", zap.Error(err))
		return
	}

	e.cache.applyStatus(payload.ID, model.Status(payload.Status), payload.ReadAt)

	// A broadcast for an id we optimistically marked is the server's
	// confirmation, whichever session triggered it.
	for ref, id := range e.pendingAcks {
		if id == payload.ID {
			delete(e.pendingAcks, ref)
		}
	}
}

func (e *Engine) handleError(ev transport.Event) {
	var payload ws.ErrorPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		e.logger.Warn("malformed error frame", zap.Error(err))
		return
	}
	ref := payload.Ref
	if ref == "" {
		ref = ev.Ref
	}

	if id, ok := e.pendingAcks[ref]; ok {
		delete(e.pendingAcks, ref)
		e.cache.applyStatus(id, model.StatusUnread, nil)
		e.notify(Notice{Code: payload.Code, Message: "could not mark notification read"})
		return
	}

	if prev, ok := e.pendingSettings[ref]; ok {
		delete(e.pendingSettings, ref)
		e.settings = prev
		e.notify(Notice{Code: payload.Code, Message: "settings could not be saved"})
		return
	}

	e.notify(Notice{Code: payload.Code, Message: payload.Message})
}

func (e *Engine) permissionGranted() bool {
	return e.subs != nil && e.subs.Permission() == subscription.PermissionGranted
}

func (e *Engine) hasPushSubscription() bool {
	return e.subs != nil && e.subs.Current() != nil
}

func (e *Engine) notify(n Notice) {
	select {
	case e.notices <- n:
	default:
		e.logger.Warn("notice dropped", zap.String("code", n.Code))
	}
}
