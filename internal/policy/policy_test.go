package policy

import (
	"testing"
	"time"

	"k9notify/internal/model"
)

func baseSettings() model.ClientSettings {
	return model.ClientSettings{
		Enabled:              true,
		Categories:           map[string]bool{},
		BrowserNotifications: true,
		PushNotifications:    true,
	}
}

func quietNight() *model.QuietHours {
	return &model.QuietHours{
		Start: model.ClockTime{Hour: 22},
		End:   model.ClockTime{Hour: 7},
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2026, time.March, 10, hour, minute, 0, 0, time.UTC)
}

func TestDecideDisabledLeavesHistoryOnly(t *testing.T) {
	s := baseSettings()
	s.Enabled = false

	d := Decide(Input{
		Priority:          model.PriorityUrgent,
		Category:          "system",
		Settings:          s,
		PermissionGranted: true,
		Now:               at(12, 0),
	})

	if !d.InAppList {
		t.Error("history must never be suppressed")
	}
	if d.TransientAlert || d.SystemAlert || d.OutOfBand {
		t.Errorf("disabled settings must suppress all alerting, got %+v", d)
	}
}

func TestDecideCategoryOptOut(t *testing.T) {
	s := baseSettings()
	s.Categories["task"] = false

	d := Decide(Input{
		Priority:          model.PriorityHigh,
		Category:          "task",
		Settings:          s,
		PermissionGranted: true,
		Now:               at(12, 0),
	})

	if d.TransientAlert || d.SystemAlert || d.OutOfBand {
		t.Errorf("opted-out category must go to history only, got %+v", d)
	}
}

func TestDecideUnknownCategoryDefaultsEnabled(t *testing.T) {
	d := Decide(Input{
		Priority:          model.PriorityMedium,
		Category:          "never-configured",
		Settings:          baseSettings(),
		PermissionGranted: true,
		Now:               at(12, 0),
	})
	if !d.TransientAlert {
		t.Error("unconfigured category should still alert")
	}
}

func TestDecideQuietHoursMediumAtNight(t *testing.T) {
	s := baseSettings()
	s.QuietHours = quietNight()

	d := Decide(Input{
		Priority:            model.PriorityMedium,
		Category:            "general",
		Settings:            s,
		PermissionGranted:   true,
		Connected:           false,
		HasPushSubscription: true,
		Now:                 at(23, 0),
	})

	if d.SystemAlert {
		t.Error("quiet hours must suppress system alerts for MEDIUM")
	}
	if d.OutOfBand {
		t.Error("quiet hours must suppress out-of-band for MEDIUM")
	}
	if !d.InAppList || !d.TransientAlert {
		t.Errorf("quiet hours keep in-session surfaces, got %+v", d)
	}
}

func TestDecideQuietHoursUrgentAtNight(t *testing.T) {
	s := baseSettings()
	s.QuietHours = quietNight()

	d := Decide(Input{
		Priority:            model.PriorityUrgent,
		Category:            "general",
		Settings:            s,
		PermissionGranted:   true,
		Connected:           false,
		HasPushSubscription: true,
		Now:                 at(23, 0),
	})

	if !d.SystemAlert {
		t.Error("URGENT must pierce quiet hours")
	}
	if !d.RequireInteraction {
		t.Error("urgent system alerts require interaction")
	}
	if !d.OutOfBand {
		t.Error("URGENT out-of-band must pierce quiet hours")
	}
}

func TestDecideQuietHoursDaytimeUnaffected(t *testing.T) {
	s := baseSettings()
	s.QuietHours = quietNight()

	d := Decide(Input{
		Priority:          model.PriorityMedium,
		Category:          "general",
		Settings:          s,
		PermissionGranted: true,
		Connected:         true,
		Now:               at(12, 0),
	})
	if !d.SystemAlert {
		t.Error("midday delivery must not be treated as quiet hours")
	}
	if d.AutoExpire != SystemAlertTTL {
		t.Errorf("non-urgent system alert should auto-expire, got %v", d.AutoExpire)
	}
}

func TestDecideSystemAlertNeedsPermission(t *testing.T) {
	d := Decide(Input{
		Priority:          model.PriorityHigh,
		Category:          "general",
		Settings:          baseSettings(),
		PermissionGranted: false,
		Now:               at(12, 0),
	})
	if d.SystemAlert {
		t.Error("system alert without platform permission")
	}
	if !d.TransientAlert {
		t.Error("transient alerts do not need permission")
	}
}

func TestDecideSystemAlertNeedsOptIn(t *testing.T) {
	s := baseSettings()
	s.BrowserNotifications = false

	d := Decide(Input{
		Priority:          model.PriorityHigh,
		Category:          "general",
		Settings:          s,
		PermissionGranted: true,
		Now:               at(12, 0),
	})
	if d.SystemAlert {
		t.Error("system alert despite browser_notifications=false")
	}
}

func TestDecideOutOfBandOnlyWhenAbsent(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		hasSub    bool
		pushPref  bool
		want      bool
	}{
		{"connected user", true, true, true, false},
		{"absent with subscription", false, true, true, true},
		{"absent without subscription", false, false, true, false},
		{"absent opted out", false, true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := baseSettings()
			s.PushNotifications = tt.pushPref
			d := Decide(Input{
				Priority:            model.PriorityHigh,
				Category:            "general",
				Settings:            s,
				PermissionGranted:   true,
				Connected:           tt.connected,
				HasPushSubscription: tt.hasSub,
				Now:                 at(12, 0),
			})
			if d.OutOfBand != tt.want {
				t.Errorf("OutOfBand = %v, want %v", d.OutOfBand, tt.want)
			}
		})
	}
}

func TestDecideDeterministic(t *testing.T) {
	in := Input{
		Priority:            model.PriorityMedium,
		Category:            "general",
		Settings:            baseSettings(),
		PermissionGranted:   true,
		Connected:           false,
		HasPushSubscription: true,
		Now:                 at(9, 30),
	}
	first := Decide(in)
	for i := 0; i < 5; i++ {
		if got := Decide(in); got != first {
			t.Fatalf("decision changed between calls: %+v vs %+v", got, first)
		}
	}
}
