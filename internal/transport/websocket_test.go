package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"k9notify/contracts/ws"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitEvent(t *testing.T, ch <-chan Event, kind string) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed while waiting for %q", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

func TestChannelConnectAndReceive(t *testing.T) {
	frames := make(chan ws.Frame, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		frame := <-frames
		data, _ := json.Marshal(frame)
		if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
			return
		}
		// Hold the connection open until the client goes away.
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	ch := NewChannel(Options{
		URL:        wsURL(srv),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	if err := ch.Start(); err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	waitEvent(t, ch.Events(), EventConnected)

	payload, _ := json.Marshal(map[string]any{"id": "n-1"})
	frames <- ws.Frame{Event: ws.EventNotification, Data: payload}

	ev := waitEvent(t, ch.Events(), ws.EventNotification)
	var got map[string]string
	if err := json.Unmarshal(ev.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got["id"] != "n-1" {
		t.Errorf("payload id = %q, want n-1", got["id"])
	}
}

func TestChannelSendFailsFastWhenDisconnected(t *testing.T) {
	ch := NewChannel(Options{URL: "ws://127.0.0.1:1"})

	start := time.Now()
	err := ch.Send(ws.EventMarkRead, "r1", ws.MarkReadPayload{NotificationID: "n-1"})
	if err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("send blocked for %v instead of failing fast", elapsed)
	}
	ch.Close()
}

func TestChannelSendReachesServer(t *testing.T) {
	received := make(chan ws.Frame, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var frame ws.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		received <- frame
	}))
	defer srv.Close()

	ch := NewChannel(Options{URL: wsURL(srv)})
	if err := ch.Start(); err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	waitEvent(t, ch.Events(), EventConnected)

	if err := ch.Send(ws.EventMarkRead, "r1", ws.MarkReadPayload{NotificationID: "n-9"}); err != nil {
		t.Fatal(err)
	}

	select {
	case frame := <-received:
		if frame.Event != ws.EventMarkRead || frame.Ref != "r1" {
			t.Errorf("server got %+v", frame)
		}
		var p ws.MarkReadPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			t.Fatal(err)
		}
		if p.NotificationID != "n-9" {
			t.Errorf("notification_id = %q", p.NotificationID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestChannelReconnectsAfterServerDrop(t *testing.T) {
	var accepts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepts++
		if accepts == 1 {
			// Drop the first connection immediately.
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	ch := NewChannel(Options{
		URL:        wsURL(srv),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	if err := ch.Start(); err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	waitEvent(t, ch.Events(), EventConnected)
	waitEvent(t, ch.Events(), EventDisconnected)
	waitEvent(t, ch.Events(), EventConnected)
}

func TestChannelGivesUpAfterAttemptBudget(t *testing.T) {
	ch := NewChannel(Options{
		URL:         "ws://127.0.0.1:1",
		MinBackoff:  time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		MaxAttempts: 3,
		DialTimeout: 200 * time.Millisecond,
	})
	if err := ch.Start(); err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch.Events():
			if !ok {
				return // stream closed: the budget was spent
			}
		case <-deadline:
			t.Fatal("channel kept retrying past its attempt budget")
		}
	}
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	ch := NewChannel(Options{URL: "ws://127.0.0.1:1"})
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ch.Send("x", "", nil); err != ErrClosed {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	if err := ch.Start(); err != ErrClosed {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}
