package dispatcher

import (
	"fmt"
	"sync"
	"testing"

	"k9notify/contracts/ws"
)

func TestHubFansOutToAllUserSessions(t *testing.T) {
	h := NewHub(nil)
	s1 := h.Register(7, "sess-1", 4)
	s2 := h.Register(7, "sess-2", 4)
	other := h.Register(8, "sess-3", 4)

	frame := ws.Frame{Event: ws.EventNotification}
	if got := h.SendToUser(7, frame); got != 2 {
		t.Fatalf("delivered = %d, want 2", got)
	}

	for _, s := range []*Session{s1, s2} {
		select {
		case f := <-s.C():
			if f.Event != ws.EventNotification {
				t.Errorf("event = %q", f.Event)
			}
		default:
			t.Errorf("session %s got nothing", s.ID)
		}
	}
	select {
	case <-other.C():
		t.Error("frame leaked to another user")
	default:
	}
}

func TestHubConnected(t *testing.T) {
	h := NewHub(nil)
	if h.Connected(7) {
		t.Error("connected before any session")
	}
	h.Register(7, "sess-1", 1)
	if !h.Connected(7) {
		t.Error("not connected after register")
	}
	h.Unregister(7, "sess-1")
	if h.Connected(7) {
		t.Error("still connected after unregister")
	}
}

func TestHubUnregisterClosesQueue(t *testing.T) {
	h := NewHub(nil)
	s := h.Register(7, "sess-1", 1)
	h.Unregister(7, "sess-1")

	if _, open := <-s.C(); open {
		t.Error("queue still open after unregister")
	}
	// A second unregister of the same session must be harmless.
	h.Unregister(7, "sess-1")
}

func TestHubFullQueueDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(nil)
	h.Register(7, "sess-1", 1)

	frame := ws.Frame{Event: ws.EventNotification}
	if got := h.SendToUser(7, frame); got != 1 {
		t.Fatalf("first send delivered %d", got)
	}
	// Queue is now full; this must return immediately with 0.
	if got := h.SendToUser(7, frame); got != 0 {
		t.Errorf("second send delivered %d, want 0", got)
	}
}

func TestHubSendToSession(t *testing.T) {
	h := NewHub(nil)
	s := h.Register(7, "sess-1", 2)
	h.Register(7, "sess-2", 2)

	if !h.SendToSession(7, "sess-1", ws.Frame{Event: ws.EventUnreadSnapshot}) {
		t.Fatal("send to known session failed")
	}
	if h.SendToSession(7, "nope", ws.Frame{}) {
		t.Error("send to unknown session succeeded")
	}

	select {
	case f := <-s.C():
		if f.Event != ws.EventUnreadSnapshot {
			t.Errorf("event = %q", f.Event)
		}
	default:
		t.Error("targeted session got nothing")
	}
}

func TestHubLateSendAfterUnregisterIsDrop(t *testing.T) {
	h := NewHub(nil)
	s := h.Register(7, "sess-1", 4)

	// A fan-out that snapshotted the session before the disconnect may
	// still hold the pointer after Unregister closed the queue. That
	// send must come back false instead of panicking.
	h.Unregister(7, "sess-1")
	if s.enqueue(ws.Frame{Event: ws.EventNotification}) {
		t.Error("enqueue on closed session reported success")
	}
}

func TestHubConcurrentSendAndUnregister(t *testing.T) {
	h := NewHub(nil)
	const sessions = 64

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("sess-%d", i)
		h.Register(7, id, 1)

		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.SendToUser(7, ws.Frame{Event: ws.EventNotification})
			}
		}()
		go func() {
			defer wg.Done()
			h.Unregister(7, id)
		}()
	}
	wg.Wait()

	if h.Connected(7) {
		t.Error("sessions remain after all unregisters")
	}
}

func TestHubSessionCount(t *testing.T) {
	h := NewHub(nil)
	h.Register(1, "a", 1)
	h.Register(1, "b", 1)
	h.Register(2, "c", 1)
	if got := h.SessionCount(); got != 3 {
		t.Errorf("count = %d, want 3", got)
	}
	h.Unregister(1, "a")
	if got := h.SessionCount(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
}
