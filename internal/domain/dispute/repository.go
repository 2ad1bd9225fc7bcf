package dispute

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/p2p-escrow/trade-engine/internal/domain/trade"
)

// Repository defines persistence for disputes.
type Repository interface {
	// Create returns ErrDisputeAlreadyOpen when the trade already has a dispute.
	Create(ctx context.Context, d *Dispute) error
	// GetByID and GetByTrade return nil, nil when nothing matches.
	GetByID(ctx context.Context, disputeID uuid.UUID) (*Dispute, error)
	GetByTrade(ctx context.Context, tradeID uuid.UUID) (*Dispute, error)
	List(ctx context.Context, status *Status, limit, offset int) ([]*Dispute, error)
	// StageResolution is idempotent for the same outcome and returns
	// ErrOutcomeConflict for a different one.
	StageResolution(ctx context.Context, disputeID uuid.UUID, outcome Outcome, stagedBy string) error
	// MarkResolved returns ErrDisputeNotOpen once the dispute is resolved.
	MarkResolved(ctx context.Context, r Resolution) error
}

// Resolution is the final ruling written to a dispute.
type Resolution struct {
	DisputeID  uuid.UUID
	Outcome    Outcome
	ResolvedBy string
	Note       *string
	ResolvedAt time.Time
}

// AtomicResolver is implemented by stores able to commit the dispute ruling
// and the trade compare-and-set in one transaction.
type AtomicResolver interface {
	ResolveWithTrade(ctx context.Context, r Resolution, u trade.Update) (*trade.Trade, error)
}

// Authorizer decides whether an identity holds the arbitrator role.
type Authorizer interface {
	IsArbitrator(ctx context.Context, identity string) (bool, error)
}
