// Package policy decides, for one notification and one user, which
// presentation channels receive it. The same rules run on the client
// engine and in the server dispatcher so the two never disagree.
package policy

import (
	"time"

	"k9notify/internal/model"
)

// SystemAlertTTL is how long a non-urgent system alert stays visible
// before auto-expiring.
const SystemAlertTTL = 5 * time.Second

// Input is everything the rules may consult. The function reads nothing
// else, so identical inputs always give identical decisions.
type Input struct {
	Priority            model.Priority
	Category            string
	Settings            model.ClientSettings
	PermissionGranted   bool
	Connected           bool
	HasPushSubscription bool
	Now                 time.Time
}

// Decision names the channels the notification goes to. InAppList is
// always true: the persistent history is never suppressed.
type Decision struct {
	InAppList      bool
	TransientAlert bool
	SystemAlert    bool
	OutOfBand      bool

	// RequireInteraction forces a system alert to stay until the user
	// acts on it. AutoExpire is set instead for the rest.
	RequireInteraction bool
	AutoExpire         time.Duration
}

// Decide applies the delivery rules in order. Later rules only restrict
// what earlier rules allowed.
func Decide(in Input) Decision {
	d := Decision{InAppList: true}

	// Master switch and per-category opt-out leave history only.
	if !in.Settings.Enabled || !in.Settings.CategoryEnabled(in.Category) {
		return d
	}

	d.TransientAlert = true
	d.SystemAlert = true
	d.OutOfBand = true

	// Quiet hours silence everything intrusive unless the sender
	// marked the notification urgent.
	if in.Settings.InQuietHours(in.Now) && in.Priority != model.PriorityUrgent {
		d.SystemAlert = false
		d.OutOfBand = false
	}

	// System alerts need both an explicit opt-in and a granted
	// platform permission.
	if d.SystemAlert {
		if !in.PermissionGranted || !in.Settings.BrowserNotifications {
			d.SystemAlert = false
		} else if in.Priority == model.PriorityUrgent {
			d.RequireInteraction = true
		} else {
			d.AutoExpire = SystemAlertTTL
		}
	}

	// Out-of-band is a fallback for absent users, never a duplicate
	// of a live in-session delivery.
	if d.OutOfBand {
		if in.Connected || !in.HasPushSubscription || !in.Settings.PushNotifications {
			d.OutOfBand = false
		}
	}

	return d
}
