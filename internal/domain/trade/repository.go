package trade

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter controls trade listing.
type Filter struct {
	Participant *string
	Status      *Status
}

// Update is a compare-and-set request. It applies only while the stored
// status still equals ExpectedStatus; the store bumps Version and appends
// History (stamped with the new version) in the same atomic step.
type Update struct {
	TradeID        uuid.UUID
	ExpectedStatus Status
	NewStatus      Status
	UpdatedAt      time.Time
	Payment        *PaymentDetails
	ReceiptRef     *string
	History        HistoryEntry
}

// Repository is the trade store consumed by the lifecycle engine.
type Repository interface {
	Create(ctx context.Context, t *Trade, created HistoryEntry) error
	// GetByID returns nil, nil when the trade does not exist.
	GetByID(ctx context.Context, tradeID uuid.UUID) (*Trade, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Trade, error)
	// CompareAndSetStatus returns ErrConcurrentModification when the stored
	// status no longer matches and ErrNotFound when the trade is gone.
	CompareAndSetStatus(ctx context.Context, u Update) (*Trade, error)
	ListHistory(ctx context.Context, tradeID uuid.UUID) ([]*HistoryEntry, error)

	CreateMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, tradeID uuid.UUID, limit, offset int) ([]*Message, error)
}
