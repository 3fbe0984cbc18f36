package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"k9notify/contracts/ws"
	"k9notify/internal/model"
	"k9notify/internal/subscription"
	"k9notify/internal/transport"
)

type sentFrame struct {
	Event   string
	Ref     string
	Payload any
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentFrame
	sendErr error
	events  chan transport.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 16)}
}

func (f *fakeTransport) Start() error { return nil }

func (f *fakeTransport) Send(event, ref string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentFrame{Event: event, Ref: ref, Payload: payload})
	return nil
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) sentFrames(event string) []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentFrame
	for _, s := range f.sent {
		if s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) push(kind, ref string, payload any) {
	data, _ := json.Marshal(payload)
	f.events <- transport.Event{Kind: kind, Ref: ref, Data: data}
}

func (f *fakeTransport) connect()    { f.events <- transport.Event{Kind: transport.EventConnected} }
func (f *fakeTransport) disconnect() { f.events <- transport.Event{Kind: transport.EventDisconnected} }

type fakeSubs struct {
	state subscription.PermissionState
	sub   *model.PushSubscription
}

func (s *fakeSubs) EnsurePermission(ctx context.Context) (subscription.PermissionState, error) {
	return s.state, nil
}

func (s *fakeSubs) Subscribe(ctx context.Context, serverKey []byte) (*model.PushSubscription, error) {
	if s.state != subscription.PermissionGranted {
		return nil, subscription.ErrPermissionDenied
	}
	if s.sub == nil {
		s.sub = &model.PushSubscription{Endpoint: "https://push.example/ep"}
	}
	return s.sub, nil
}

func (s *fakeSubs) Unsubscribe(ctx context.Context)          { s.sub = nil }
func (s *fakeSubs) Permission() subscription.PermissionState { return s.state }
func (s *fakeSubs) Current() *model.PushSubscription         { return s.sub }

func startEngine(t *testing.T, opts Options) (*Engine, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	opts.Transport = ft
	e := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)
	return e, ft
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wirePayload(id string, status model.Status) ws.NotificationPayload {
	p := ws.NotificationPayload{
		ID:        id,
		Title:     "title",
		Message:   "message",
		Priority:  "MEDIUM",
		Category:  "general",
		Status:    string(status),
		CreatedAt: time.Now(),
	}
	if status == model.StatusRead {
		now := time.Now()
		p.ReadAt = &now
	}
	return p
}

func sendSnapshot(ft *fakeTransport, payloads ...ws.NotificationPayload) {
	unread := 0
	for _, p := range payloads {
		if p.Status != string(model.StatusRead) {
			unread++
		}
	}
	ft.push(ws.EventUnreadSnapshot, "", ws.UnreadSnapshotPayload{
		Notifications: payloads,
		Count:         unread,
	})
}

func TestEngineRequestsSnapshotOnConnect(t *testing.T) {
	e, ft := startEngine(t, Options{})

	if _, known := e.UnreadCount(); known {
		t.Error("count must be unknown before any snapshot")
	}

	ft.connect()
	waitFor(t, "snapshot request", func() bool {
		return len(ft.sentFrames(ws.EventGetNotifications)) == 1
	})

	req := ft.sentFrames(ws.EventGetNotifications)[0]
	p, ok := req.Payload.(ws.GetNotificationsPayload)
	if !ok {
		t.Fatalf("snapshot request payload = %T", req.Payload)
	}
	if !p.UnreadOnly {
		t.Error("connect snapshot must request unread notifications only")
	}
	if p.Limit <= 0 {
		t.Errorf("snapshot limit = %d", p.Limit)
	}

	sendSnapshot(ft, wirePayload("a", model.StatusUnread), wirePayload("b", model.StatusRead))
	waitFor(t, "snapshot applied", func() bool {
		count, known := e.UnreadCount()
		return known && count == 1
	})
}

func TestEngineReconnectRequestsSnapshotExactlyOnce(t *testing.T) {
	e, ft := startEngine(t, Options{})

	ft.connect()
	waitFor(t, "first snapshot request", func() bool {
		return len(ft.sentFrames(ws.EventGetNotifications)) == 1
	})
	sendSnapshot(ft)

	ft.disconnect()
	waitFor(t, "disconnect observed", func() bool {
		return e.ConnectionState() == model.StateDisconnected
	})

	ft.connect()
	waitFor(t, "reconnect observed", func() bool {
		return e.ConnectionState() == model.StateConnected
	})

	// Give the loop a beat to emit anything extra, then count.
	time.Sleep(50 * time.Millisecond)
	if got := len(ft.sentFrames(ws.EventGetNotifications)); got != 2 {
		t.Errorf("snapshot requests = %d, want exactly 2 (one per connect)", got)
	}
}

func TestEngineMarkReadOptimisticIdempotent(t *testing.T) {
	e, ft := startEngine(t, Options{})
	ft.connect()
	sendSnapshot(ft, wirePayload("a", model.StatusUnread))
	waitFor(t, "snapshot applied", func() bool {
		_, known := e.UnreadCount()
		return known
	})

	if err := e.MarkRead("a"); err != nil {
		t.Fatal(err)
	}

	count, _ := e.UnreadCount()
	if count != 0 {
		t.Errorf("unread = %d after optimistic markRead, want 0", count)
	}
	recs := e.Notifications()
	if recs[0].Status != model.StatusRead || recs[0].ReadAt == nil {
		t.Errorf("record not optimistically read: %+v", recs[0])
	}

	sends := len(ft.sentFrames(ws.EventMarkRead))
	if sends != 1 {
		t.Fatalf("mark-read sends = %d, want 1", sends)
	}

	// Second call is a no-op: no extra frame, no state change.
	if err := e.MarkRead("a"); err != nil {
		t.Fatal(err)
	}
	if got := len(ft.sentFrames(ws.EventMarkRead)); got != sends {
		t.Errorf("idempotent markRead sent another frame (%d)", got)
	}
}

func TestEngineMarkReadRevertsOnServerError(t *testing.T) {
	e, ft := startEngine(t, Options{})
	ft.connect()
	sendSnapshot(ft, wirePayload("a", model.StatusUnread))
	waitFor(t, "snapshot applied", func() bool {
		_, known := e.UnreadCount()
		return known
	})

	if err := e.MarkRead("a"); err != nil {
		t.Fatal(err)
	}
	ref := ft.sentFrames(ws.EventMarkRead)[0].Ref

	ft.push(ws.EventError, ref, ws.ErrorPayload{
		Code: ws.ErrCodeNotFound, Message: "no such notification", Ref: ref,
	})

	waitFor(t, "revert", func() bool {
		count, _ := e.UnreadCount()
		return count == 1
	})
	recs := e.Notifications()
	if recs[0].Status != model.StatusUnread || recs[0].ReadAt != nil {
		t.Errorf("record not reverted: %+v", recs[0])
	}

	select {
	case n := <-e.Notices():
		if n.Code != ws.ErrCodeNotFound {
			t.Errorf("notice code = %q", n.Code)
		}
	case <-time.After(time.Second):
		t.Error("no notice surfaced for the failed ack")
	}
}

func TestEngineMarkReadFailsFastWhenDisconnected(t *testing.T) {
	e, ft := startEngine(t, Options{})
	ft.connect()
	sendSnapshot(ft, wirePayload("a", model.StatusUnread))
	waitFor(t, "snapshot applied", func() bool {
		_, known := e.UnreadCount()
		return known
	})

	ft.setSendErr(transport.ErrNotConnected)

	err := e.MarkRead("a")
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	// The optimistic mutation must not survive a failed send.
	count, _ := e.UnreadCount()
	if count != 1 {
		t.Errorf("unread = %d, want 1", count)
	}
}

func TestEngineStatusChangedForUnknownIDIsNoop(t *testing.T) {
	e, ft := startEngine(t, Options{})
	ft.connect()
	sendSnapshot(ft, wirePayload("a", model.StatusUnread))
	waitFor(t, "snapshot applied", func() bool {
		_, known := e.UnreadCount()
		return known
	})

	now := time.Now()
	ft.push(ws.EventStatusChanged, "", ws.StatusChangedPayload{
		ID: "evicted-long-ago", Status: string(model.StatusRead), ReadAt: &now,
	})

	time.Sleep(50 * time.Millisecond)
	count, known := e.UnreadCount()
	if !known || count != 1 {
		t.Errorf("unread = %d (known=%v), want unchanged 1", count, known)
	}
}

func TestEngineStatusChangedFromOtherSession(t *testing.T) {
	e, ft := startEngine(t, Options{})
	ft.connect()
	sendSnapshot(ft, wirePayload("a", model.StatusUnread))
	waitFor(t, "snapshot applied", func() bool {
		_, known := e.UnreadCount()
		return known
	})

	now := time.Now()
	ft.push(ws.EventStatusChanged, "", ws.StatusChangedPayload{
		ID: "a", Status: string(model.StatusRead), ReadAt: &now,
	})

	waitFor(t, "cross-session read", func() bool {
		count, _ := e.UnreadCount()
		return count == 0
	})
}

func TestEngineIncomingNotificationEmitsDirective(t *testing.T) {
	subs := &fakeSubs{state: subscription.PermissionGranted}
	settings := model.DefaultSettings()
	e, ft := startEngine(t, Options{Settings: settings, Subscriptions: subs})
	ft.connect()
	sendSnapshot(ft)
	waitFor(t, "snapshot applied", func() bool {
		_, known := e.UnreadCount()
		return known
	})

	ft.push(ws.EventNotification, "", wirePayload("n-1", model.StatusUnread))

	select {
	case d := <-e.Directives():
		if d.Record.ID != "n-1" {
			t.Errorf("directive record = %+v", d.Record)
		}
		if !d.Decision.InAppList || !d.Decision.TransientAlert || !d.Decision.SystemAlert {
			t.Errorf("decision = %+v", d.Decision)
		}
		if d.Decision.OutOfBand {
			t.Error("out-of-band for a notification arriving on the live channel")
		}
	case <-time.After(time.Second):
		t.Fatal("no directive emitted")
	}

	count, _ := e.UnreadCount()
	if count != 1 {
		t.Errorf("unread = %d, want 1", count)
	}
	if recs := e.Notifications(); recs[0].ID != "n-1" {
		t.Errorf("new record not at the head: %v", recs[0].ID)
	}
}

func TestEngineSnapshotTimeoutMarksCountUnknown(t *testing.T) {
	e, ft := startEngine(t, Options{SnapshotTimeout: 30 * time.Millisecond})
	ft.connect()
	sendSnapshot(ft, wirePayload("a", model.StatusUnread))
	waitFor(t, "snapshot applied", func() bool {
		_, known := e.UnreadCount()
		return known
	})

	// Reconnect, but never answer the snapshot request.
	ft.disconnect()
	ft.connect()

	waitFor(t, "count to become unknown", func() bool {
		_, known := e.UnreadCount()
		return !known
	})

	select {
	case n := <-e.Notices():
		if n.Code != "snapshot_timeout" {
			t.Errorf("notice code = %q", n.Code)
		}
	case <-time.After(time.Second):
		t.Error("no notice for the snapshot timeout")
	}
}

func TestEngineSettingsSaveRevertsOnError(t *testing.T) {
	e, ft := startEngine(t, Options{})
	ft.connect()

	updated := model.DefaultSettings()
	updated.Enabled = false
	if err := e.SaveSettings(updated); err != nil {
		t.Fatal(err)
	}

	if e.Settings().Enabled {
		t.Fatal("provisional settings not applied")
	}

	frames := ft.sentFrames(ws.EventUpdateSettings)
	if len(frames) != 1 {
		t.Fatalf("settings frames = %d", len(frames))
	}

	ft.push(ws.EventError, frames[0].Ref, ws.ErrorPayload{
		Code: ws.ErrCodeInternal, Message: "db down", Ref: frames[0].Ref,
	})

	waitFor(t, "settings revert", func() bool {
		return e.Settings().Enabled
	})
}

func TestEngineSettingsSaveCommitsOnAck(t *testing.T) {
	e, ft := startEngine(t, Options{})
	ft.connect()

	updated := model.DefaultSettings()
	updated.Enabled = false
	if err := e.SaveSettings(updated); err != nil {
		t.Fatal(err)
	}
	frames := ft.sentFrames(ws.EventUpdateSettings)
	ft.push(ws.EventSettingsSaved, frames[0].Ref, ws.SettingsSavedPayload{Success: true})

	time.Sleep(50 * time.Millisecond)
	if e.Settings().Enabled {
		t.Error("committed settings were lost")
	}
}

func TestEnginePermissionDeniedDisablesAlerting(t *testing.T) {
	subs := &fakeSubs{state: subscription.PermissionDenied}
	e, ft := startEngine(t, Options{Subscriptions: subs})
	ft.connect()
	sendSnapshot(ft)
	waitFor(t, "snapshot applied", func() bool {
		_, known := e.UnreadCount()
		return known
	})

	err := e.EnablePush(context.Background())
	if !errors.Is(err, subscription.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}

	s := e.Settings()
	if s.BrowserNotifications || s.PushNotifications {
		t.Errorf("alerting prefs must be cleared after denial: %+v", s)
	}

	// Later notifications still reach the in-app surfaces.
	ft.push(ws.EventNotification, "", wirePayload("n-1", model.StatusUnread))
	select {
	case d := <-e.Directives():
		if !d.Decision.InAppList || !d.Decision.TransientAlert {
			t.Errorf("in-app surfaces suppressed: %+v", d.Decision)
		}
		if d.Decision.SystemAlert {
			t.Error("system alert despite denied permission")
		}
	case <-time.After(time.Second):
		t.Fatal("no directive emitted")
	}
}

func TestEngineEnablePushRegistersSubscription(t *testing.T) {
	subs := &fakeSubs{state: subscription.PermissionGranted}
	e, ft := startEngine(t, Options{Subscriptions: subs})
	ft.connect()

	if err := e.EnablePush(context.Background()); err != nil {
		t.Fatal(err)
	}

	frames := ft.sentFrames(ws.EventSubscribePush)
	if len(frames) != 1 {
		t.Fatalf("subscribe frames = %d, want 1", len(frames))
	}
	payload, ok := frames[0].Payload.(ws.SubscribePushPayload)
	if !ok {
		t.Fatalf("payload type %T", frames[0].Payload)
	}
	if payload.Subscription.Endpoint != "https://push.example/ep" {
		t.Errorf("endpoint = %q", payload.Subscription.Endpoint)
	}
	if !e.Settings().PushNotifications {
		t.Error("push preference not enabled")
	}
}

func TestEngineAccessorsFailAfterRunReturns(t *testing.T) {
	ft := newFakeTransport()
	e := New(Options{Transport: ft})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(runDone)
	}()
	cancel()
	<-runDone

	// None of these may block; the loop is gone.
	if err := e.MarkRead("a"); !errors.Is(err, ErrStopped) {
		t.Errorf("MarkRead err = %v, want ErrStopped", err)
	}
	if err := e.SendTest(); !errors.Is(err, ErrStopped) {
		t.Errorf("SendTest err = %v, want ErrStopped", err)
	}
	if _, known := e.UnreadCount(); known {
		t.Error("unread count still known after stop")
	}
	if got := e.Notifications(); got != nil {
		t.Errorf("notifications = %v after stop", got)
	}
	if got := e.ConnectionState(); got != model.StateDisconnected {
		t.Errorf("state = %v after stop, want disconnected", got)
	}
}
