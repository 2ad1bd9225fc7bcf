package dispute

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/p2p-escrow/trade-engine/internal/domain/trade"
)

// Status represents dispute status.
type Status string

const (
	StatusOpen     Status = "Open"
	StatusResolved Status = "Resolved"
)

// Outcome is the arbitrator's ruling. It decides the trade's terminal status
// and which party the disputed funds are attributed to.
type Outcome string

const (
	OutcomeBuyerFavored  Outcome = "BUYER_FAVORED"
	OutcomeSellerFavored Outcome = "SELLER_FAVORED"
	OutcomeCancelled     Outcome = "CANCELLED"
)

var (
	ErrNotFound           = errors.New("dispute not found")
	ErrDisputeAlreadyOpen = errors.New("dispute already open")
	ErrDisputeNotOpen     = errors.New("dispute not open")
	ErrInvalidOutcome     = errors.New("invalid dispute outcome")
	ErrOutcomeConflict    = errors.New("a different outcome is already staged")
)

// ParseOutcome normalizes a client supplied outcome.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(strings.ToUpper(strings.TrimSpace(s)))
	switch o {
	case OutcomeBuyerFavored, OutcomeSellerFavored, OutcomeCancelled:
		return o, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
}

// Action returns the arbitrator transition that applies this outcome.
func (o Outcome) Action() trade.Action {
	if o == OutcomeCancelled {
		return trade.ActionResolveCancel
	}
	return trade.ActionResolveComplete
}

// TradeStatus is the terminal trade status this outcome produces.
func (o Outcome) TradeStatus() trade.Status {
	if o == OutcomeCancelled {
		return trade.StatusCancelled
	}
	return trade.StatusCompleted
}

// Dispute is opened when a trade enters Disputed. At most one per trade.
type Dispute struct {
	ID            uuid.UUID  `json:"id"`
	TradeID       uuid.UUID  `json:"tradeId"`
	RaisedBy      string     `json:"raisedBy"`
	Reason        string     `json:"reason,omitempty"`
	Status        Status     `json:"status"`
	StagedOutcome *Outcome   `json:"stagedOutcome,omitempty"`
	StagedBy      *string    `json:"stagedBy,omitempty"`
	Outcome       *Outcome   `json:"outcome,omitempty"`
	ResolvedBy    *string    `json:"resolvedBy,omitempty"`
	Note          *string    `json:"note,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// NewDispute creates an open dispute.
func NewDispute(tradeID uuid.UUID, raisedBy, reason string, now time.Time) *Dispute {
	return &Dispute{
		ID:        uuid.New(),
		TradeID:   tradeID,
		RaisedBy:  raisedBy,
		Reason:    strings.TrimSpace(reason),
		Status:    StatusOpen,
		CreatedAt: now.UTC(),
	}
}

// IsOpen reports whether the dispute still awaits a ruling.
func (d *Dispute) IsOpen() bool {
	return d.Status == StatusOpen
}

// Stage records the outcome ahead of the trade update. Re-staging the same
// outcome is a no-op.
func (d *Dispute) Stage(outcome Outcome, arbitrator string) error {
	if !d.IsOpen() {
		return ErrDisputeNotOpen
	}
	if d.StagedOutcome != nil {
		if *d.StagedOutcome != outcome {
			return ErrOutcomeConflict
		}
		return nil
	}
	d.StagedOutcome = &outcome
	d.StagedBy = &arbitrator
	return nil
}

// Resolve records the final, immutable ruling.
func (d *Dispute) Resolve(outcome Outcome, arbitrator string, note *string, now time.Time) error {
	if !d.IsOpen() {
		return ErrDisputeNotOpen
	}
	if d.StagedOutcome != nil && *d.StagedOutcome != outcome {
		return ErrOutcomeConflict
	}
	at := now.UTC()
	d.Status = StatusResolved
	d.Outcome = &outcome
	d.ResolvedBy = &arbitrator
	d.Note = note
	d.ResolvedAt = &at
	return nil
}
