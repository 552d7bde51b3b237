package domain

import (
	"fmt"
	"time"
)

// MediaStatus tracks image generation for one item.
type MediaStatus string

const (
	MediaNone   MediaStatus = "none"
	MediaDone   MediaStatus = "done"
	MediaFailed MediaStatus = "failed"
)

// DeliveryStatus is the publication lifecycle of one item. An item only
// ever leaves pending; delivered and failed are terminal.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// WorkItem is one unit of content with its own time slot, media and
// delivery state.
type WorkItem struct {
	ID          string         `json:"id"`
	Priority    int            `json:"priority"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Sources     []string       `json:"sources"`
	ScheduledAt string         `json:"scheduled_time"` // HH:MM in the pipeline time zone
	CollectedAt time.Time      `json:"collected_at"`
	MediaPath   string         `json:"media_path,omitempty"`
	MediaStatus MediaStatus    `json:"media_status"`
	MediaError  string         `json:"media_error,omitempty"`
	Delivery    DeliveryStatus `json:"delivery_status"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	Attempts    int            `json:"attempts"`
}

// DueAt resolves the item's HH:MM slot against its batch date in loc.
func (w WorkItem) DueAt(date string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", date+" "+w.ScheduledAt, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("item %s: bad scheduled time %q: %w", w.ID, w.ScheduledAt, err)
	}
	return t, nil
}

// Batch is the full set of items collected for one calendar date.
type Batch struct {
	Date        string     `json:"date"` // YYYY-MM-DD
	CollectedAt time.Time  `json:"collected_at"`
	Total       int        `json:"total"`
	Items       []WorkItem `json:"items"`
}

// Validate checks the invariants every persisted batch must hold. A
// batch failing any of them is rejected whole, never partially used.
func (b Batch) Validate() error {
	if _, err := time.Parse("2006-01-02", b.Date); err != nil {
		return fmt.Errorf("bad batch date %q", b.Date)
	}
	if b.Total != len(b.Items) {
		return fmt.Errorf("declared count %d does not match %d items", b.Total, len(b.Items))
	}
	ids := make(map[string]struct{}, len(b.Items))
	prios := make(map[int]struct{}, len(b.Items))
	for _, it := range b.Items {
		if it.ID == "" {
			return fmt.Errorf("item with empty id")
		}
		if _, dup := ids[it.ID]; dup {
			return fmt.Errorf("duplicate item id %s", it.ID)
		}
		ids[it.ID] = struct{}{}
		if it.Priority < 1 || it.Priority > len(b.Items) {
			return fmt.Errorf("item %s: priority %d out of range 1..%d", it.ID, it.Priority, len(b.Items))
		}
		if _, dup := prios[it.Priority]; dup {
			return fmt.Errorf("duplicate priority %d", it.Priority)
		}
		prios[it.Priority] = struct{}{}
		if _, err := time.Parse("15:04", it.ScheduledAt); err != nil {
			return fmt.Errorf("item %s: bad scheduled time %q", it.ID, it.ScheduledAt)
		}
		switch it.Delivery {
		case DeliveryPending, DeliveryDelivered, DeliveryFailed:
		default:
			return fmt.Errorf("item %s: unknown delivery status %q", it.ID, it.Delivery)
		}
		switch it.MediaStatus {
		case MediaNone, MediaDone, MediaFailed:
		default:
			return fmt.Errorf("item %s: unknown media status %q", it.ID, it.MediaStatus)
		}
	}
	return nil
}

// Item returns the item with the given id, or false.
func (b Batch) Item(id string) (WorkItem, bool) {
	for _, it := range b.Items {
		if it.ID == id {
			return it, true
		}
	}
	return WorkItem{}, false
}

// DeliveryRecord is one append-only ledger entry for a completed send.
type DeliveryRecord struct {
	ItemID      string    `json:"item_id"`
	BatchDate   string    `json:"batch_date"`
	DeliveredAt time.Time `json:"delivered_at"`
	Fingerprint string    `json:"fingerprint"`
	Preview     string    `json:"preview,omitempty"`
}
