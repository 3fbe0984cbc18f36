package model

import "k9notify/contracts/ws"

// RecordFromWire builds a NotificationRecord from its wire form,
// normalizing priority and re-deriving ReadAt from the status.
func RecordFromWire(p ws.NotificationPayload) NotificationRecord {
	rec := NotificationRecord{
		ID:        p.ID,
		Category:  p.Category,
		Title:     p.Title,
		Message:   p.Message,
		Priority:  ParsePriority(p.Priority),
		Status:    StatusUnread,
		ActionURL: p.ActionURL,
		CreatedAt: p.CreatedAt,
	}
	if Status(p.Status) == StatusRead {
		rec.Status = StatusRead
		rec.ReadAt = p.ReadAt
	}
	return rec
}

// RecordToWire is the inverse of RecordFromWire.
func RecordToWire(rec NotificationRecord) ws.NotificationPayload {
	return ws.NotificationPayload{
		ID:        rec.ID,
		Category:  rec.Category,
		Title:     rec.Title,
		Message:   rec.Message,
		Priority:  string(rec.Priority),
		Status:    string(rec.Status),
		ActionURL: rec.ActionURL,
		CreatedAt: rec.CreatedAt,
		ReadAt:    rec.ReadAt,
	}
}

// SettingsFromWire parses wire settings, dropping an invalid or
// half-configured quiet-hours window instead of failing the whole save.
func SettingsFromWire(p ws.SettingsPayload) ClientSettings {
	s := ClientSettings{
		Enabled:              p.Enabled,
		Categories:           p.Categories,
		BrowserNotifications: p.BrowserNotifications,
		PushNotifications:    p.PushNotifications,
	}
	if s.Categories == nil {
		s.Categories = map[string]bool{}
	}
	if p.QuietHoursStart != "" && p.QuietHoursEnd != "" {
		start, err1 := ParseClockTime(p.QuietHoursStart)
		end, err2 := ParseClockTime(p.QuietHoursEnd)
		if err1 == nil && err2 == nil {
			s.QuietHours = &QuietHours{Start: start, End: end}
		}
	}
	return s
}

// SettingsToWire is the inverse of SettingsFromWire.
func SettingsToWire(s ClientSettings) ws.SettingsPayload {
	p := ws.SettingsPayload{
		Enabled:              s.Enabled,
		Categories:           s.Categories,
		BrowserNotifications: s.BrowserNotifications,
		PushNotifications:    s.PushNotifications,
	}
	if s.QuietHours != nil {
		p.QuietHoursStart = s.QuietHours.Start.String()
		p.QuietHoursEnd = s.QuietHours.End.String()
	}
	return p
}
