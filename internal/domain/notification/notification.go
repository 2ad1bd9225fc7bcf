package notification

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/p2p-escrow/trade-engine/internal/domain/event"
)

// DefaultDisplayTimeout is how long a notification stays visible when the
// caller does not configure one.
const DefaultDisplayTimeout = 10 * time.Second

var ErrNotFound = errors.New("notification not found")

// Notification is an ephemeral, per-recipient toast derived from an event.
// It is never persisted.
type Notification struct {
	ID          uuid.UUID  `json:"id"`
	RecipientID string     `json:"recipientId"`
	Kind        event.Kind `json:"kind"`
	TradeID     uuid.UUID  `json:"tradeId"`
	EventID     uuid.UUID  `json:"eventId"`
	Title       string     `json:"title"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// FromEvent builds the notification shown to recipientID for ev.
func FromEvent(recipientID string, ev event.Event, now time.Time, ttl time.Duration) *Notification {
	if ttl <= 0 {
		ttl = DefaultDisplayTimeout
	}
	now = now.UTC()
	return &Notification{
		ID:          uuid.New(),
		RecipientID: recipientID,
		Kind:        ev.Kind,
		TradeID:     ev.TradeID,
		EventID:     ev.ID,
		Title:       titleFor(ev),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// IsExpired checks if the display timeout has elapsed at now.
func (n *Notification) IsExpired(now time.Time) bool {
	return !now.Before(n.ExpiresAt)
}

func titleFor(ev event.Event) string {
	switch ev.Kind {
	case event.KindNewMessage:
		return "New message"
	case event.KindNewReceipt:
		return "New receipt"
	case event.KindStatusChanged:
		if ev.NewStatus != "" {
			return "Trade is now " + ev.NewStatus
		}
		return "Trade status changed"
	}
	return string(ev.Kind)
}

// Counts are live unread counters for one recipient.
type Counts struct {
	Messages      int `json:"messages"`
	Receipts      int `json:"receipts"`
	StatusChanges int `json:"statusChanges"`
	Total         int `json:"total"`
}

// Add counts one event of kind. Unknown kinds are ignored.
func (c *Counts) Add(kind event.Kind) bool {
	switch kind {
	case event.KindNewMessage:
		c.Messages++
	case event.KindNewReceipt:
		c.Receipts++
	case event.KindStatusChanged:
		c.StatusChanges++
	default:
		return false
	}
	c.Total++
	return true
}

// ClearKind zeroes one category and keeps Total consistent.
func (c *Counts) ClearKind(kind event.Kind) {
	switch kind {
	case event.KindNewMessage:
		c.Total -= c.Messages
		c.Messages = 0
	case event.KindNewReceipt:
		c.Total -= c.Receipts
		c.Receipts = 0
	case event.KindStatusChanged:
		c.Total -= c.StatusChanges
		c.StatusChanges = 0
	}
}

// Reset zeroes every counter.
func (c *Counts) Reset() {
	*c = Counts{}
}
