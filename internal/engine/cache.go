package engine

import (
	"time"

	"k9notify/internal/model"
)

// recordCache holds the client's recent-notification window, newest
// first. known tracks whether the cache reflects a server snapshot; an
// unknown cache still renders, but the unread count is unreliable.
type recordCache struct {
	limit   int
	records []model.NotificationRecord
	known   bool
}

func newRecordCache(limit int) *recordCache {
	if limit <= 0 {
		limit = 50
	}
	return &recordCache{limit: limit}
}

// replace swaps the whole window for a server snapshot.
func (c *recordCache) replace(records []model.NotificationRecord) {
	if len(records) > c.limit {
		records = records[:c.limit]
	}
	c.records = append([]model.NotificationRecord(nil), records...)
	c.known = true
}

// prepend inserts a fresh record at the head, evicting from the tail
// when the window is full.
func (c *recordCache) prepend(rec model.NotificationRecord) {
	c.records = append([]model.NotificationRecord{rec}, c.records...)
	if len(c.records) > c.limit {
		c.records = c.records[:c.limit]
	}
}

// get returns the cached record with the given id.
func (c *recordCache) get(id string) (model.NotificationRecord, bool) {
	for _, rec := range c.records {
		if rec.ID == id {
			return rec, true
		}
	}
	return model.NotificationRecord{}, false
}

// applyStatus updates one record's status, keeping ReadAt consistent
// with it. Unknown ids are a silent no-op and return false.
func (c *recordCache) applyStatus(id string, status model.Status, readAt *time.Time) bool {
	for i := range c.records {
		if c.records[i].ID != id {
			continue
		}
		c.records[i].Status = status
		if status == model.StatusRead {
			c.records[i].ReadAt = readAt
		} else {
			c.records[i].ReadAt = nil
		}
		return true
	}
	return false
}

// unread recomputes the unread count from scratch. The bool is false
// while the cache has never been (or can no longer be) trusted.
func (c *recordCache) unread() (int, bool) {
	count := 0
	for _, rec := range c.records {
		if rec.Unread() {
			count++
		}
	}
	return count, c.known
}

// markUnknown flags the unread count as unreliable without dropping the
// cached records themselves.
func (c *recordCache) markUnknown() {
	c.known = false
}

// list returns a copy of the window, newest first.
func (c *recordCache) list() []model.NotificationRecord {
	return append([]model.NotificationRecord(nil), c.records...)
}
