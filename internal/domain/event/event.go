package event

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind is the category of a published event.
type Kind string

const (
	KindStatusChanged Kind = "StatusChanged"
	KindNewMessage    Kind = "NewMessage"
	KindNewReceipt    Kind = "NewReceipt"
)

var (
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrBusClosed          = errors.New("event bus closed")
)

// Event is the change notification published to each trade participant.
// Statuses use the trade status wire tokens.
type Event struct {
	ID             uuid.UUID `json:"id"`
	TradeID        uuid.UUID `json:"tradeId"`
	Kind           Kind      `json:"kind"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	NewStatus      string    `json:"newStatus,omitempty"`
	Version        int64     `json:"version"`
	RecipientIDs   []string  `json:"recipientIds"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Stamp fills the identity fields of an event template produced by a transition.
func (e Event) Stamp(tradeID uuid.UUID, version int64, recipients []string, at time.Time) Event {
	e.ID = uuid.New()
	e.TradeID = tradeID
	e.Version = version
	e.RecipientIDs = append([]string(nil), recipients...)
	e.OccurredAt = at.UTC()
	return e
}
