package model

import (
	"testing"
	"time"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{"LOW", PriorityLow},
		{"URGENT", PriorityUrgent},
		{"", PriorityMedium},
		{"banana", PriorityMedium},
		{"high", PriorityMedium},
	}
	for _, tt := range tests {
		if got := ParsePriority(tt.in); got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPriorityWeightOrdering(t *testing.T) {
	order := []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}
	for i := 1; i < len(order); i++ {
		if order[i].Weight() <= order[i-1].Weight() {
			t.Errorf("%v should outrank %v", order[i], order[i-1])
		}
	}
}

func TestParseClockTime(t *testing.T) {
	c, err := ParseClockTime("22:30")
	if err != nil {
		t.Fatal(err)
	}
	if c.Hour != 22 || c.Minute != 30 {
		t.Errorf("got %v", c)
	}
	if _, err := ParseClockTime("25:00"); err == nil {
		t.Error("expected error for 25:00")
	}
	if _, err := ParseClockTime("nope"); err == nil {
		t.Error("expected error for garbage")
	}
}

func TestQuietHoursSpanningMidnight(t *testing.T) {
	q := QuietHours{Start: ClockTime{Hour: 22}, End: ClockTime{Hour: 7}}

	tests := []struct {
		hour, minute int
		want         bool
	}{
		{23, 0, true},
		{2, 15, true},
		{6, 59, true},
		{7, 0, false},
		{12, 0, false},
		{21, 59, false},
		{22, 0, true},
	}
	for _, tt := range tests {
		ts := time.Date(2026, time.January, 5, tt.hour, tt.minute, 0, 0, time.UTC)
		if got := q.Contains(ts); got != tt.want {
			t.Errorf("Contains(%02d:%02d) = %v, want %v", tt.hour, tt.minute, got, tt.want)
		}
	}
}

func TestQuietHoursSameDayWindow(t *testing.T) {
	q := QuietHours{Start: ClockTime{Hour: 9}, End: ClockTime{Hour: 17}}
	in := time.Date(2026, time.January, 5, 12, 0, 0, 0, time.UTC)
	out := time.Date(2026, time.January, 5, 18, 0, 0, 0, time.UTC)
	if !q.Contains(in) || q.Contains(out) {
		t.Error("same-day window misjudged")
	}
}

func TestQuietHoursEmptyWindow(t *testing.T) {
	q := QuietHours{Start: ClockTime{Hour: 8}, End: ClockTime{Hour: 8}}
	if q.Contains(time.Date(2026, time.January, 5, 8, 0, 0, 0, time.UTC)) {
		t.Error("zero-length window should contain nothing")
	}
}

func TestQuietHoursNextEnd(t *testing.T) {
	q := QuietHours{Start: ClockTime{Hour: 22}, End: ClockTime{Hour: 7}}

	night := time.Date(2026, time.January, 5, 23, 30, 0, 0, time.UTC)
	got := q.NextEnd(night)
	want := time.Date(2026, time.January, 6, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextEnd(%v) = %v, want %v", night, got, want)
	}

	earlyMorning := time.Date(2026, time.January, 6, 2, 0, 0, 0, time.UTC)
	got = q.NextEnd(earlyMorning)
	if !got.Equal(want) {
		t.Errorf("NextEnd(%v) = %v, want %v", earlyMorning, got, want)
	}
}

func TestCategoryEnabledDefaults(t *testing.T) {
	s := ClientSettings{Enabled: true}
	if !s.CategoryEnabled("anything") {
		t.Error("nil category map should default to enabled")
	}
	s.Categories = map[string]bool{"task": false}
	if s.CategoryEnabled("task") {
		t.Error("explicit opt-out ignored")
	}
	if !s.CategoryEnabled("other") {
		t.Error("unlisted category should default to enabled")
	}
}
