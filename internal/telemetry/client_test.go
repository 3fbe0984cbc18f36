package telemetry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReportClickedPostsAction(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil, nil)
	c.ReportClicked(context.Background(), "n-42", "view")

	if gotPath != "/api/notifications/n-42/clicked" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["action"] != "view" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestReportDismissedSwallowsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil, nil)
	// Must not panic or surface the failure in any way.
	c.ReportDismissed(context.Background(), "n-1")
}

func TestFetchSettings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/notifications/settings" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"enabled":               true,
			"categories":            map[string]bool{"task": false},
			"browser_notifications": true,
			"push_notifications":    true,
			"quiet_hours_start":     "22:00",
			"quiet_hours_end":       "07:00",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil, nil)
	settings, err := c.FetchSettings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !settings.Enabled || settings.CategoryEnabled("task") {
		t.Errorf("settings = %+v", settings)
	}
	if settings.QuietHours == nil || settings.QuietHours.Start.Hour != 22 {
		t.Errorf("quiet hours = %+v", settings.QuietHours)
	}
}

func TestFetchServerKey(t *testing.T) {
	raw := []byte{0x04, 0x01, 0x02, 0x03}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"public_key": base64.RawURLEncoding.EncodeToString(raw),
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil, nil)
	key, err := c.FetchServerKey(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(key) != string(raw) {
		t.Errorf("key = %v, want %v", key, raw)
	}
}
