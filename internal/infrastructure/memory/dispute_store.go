package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/p2p-escrow/trade-engine/internal/domain/dispute"
)

// DisputeStore is an in-process dispute.Repository. It does not implement
// dispute.AtomicResolver, so resolutions against it take the two-phase path.
type DisputeStore struct {
	mu       sync.RWMutex
	disputes map[uuid.UUID]*dispute.Dispute
	byTrade  map[uuid.UUID]uuid.UUID
}

func NewDisputeStore() *DisputeStore {
	return &DisputeStore{
		disputes: make(map[uuid.UUID]*dispute.Dispute),
		byTrade:  make(map[uuid.UUID]uuid.UUID),
	}
}

func (s *DisputeStore) Create(ctx context.Context, d *dispute.Dispute) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byTrade[d.TradeID]; ok {
		return dispute.ErrDisputeAlreadyOpen
	}
	s.disputes[d.ID] = cloneDispute(d)
	s.byTrade[d.TradeID] = d.ID
	return nil
}

func (s *DisputeStore) GetByID(ctx context.Context, disputeID uuid.UUID) (*dispute.Dispute, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[disputeID]
	if !ok {
		return nil, nil
	}
	return cloneDispute(d), nil
}

func (s *DisputeStore) GetByTrade(ctx context.Context, tradeID uuid.UUID) (*dispute.Dispute, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTrade[tradeID]
	if !ok {
		return nil, nil
	}
	return cloneDispute(s.disputes[id]), nil
}

func (s *DisputeStore) List(ctx context.Context, status *dispute.Status, limit, offset int) ([]*dispute.Dispute, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*dispute.Dispute, 0, len(s.disputes))
	for _, d := range s.disputes {
		if status != nil && d.Status != *status {
			continue
		}
		out = append(out, cloneDispute(d))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return page(out, limit, offset), nil
}

func (s *DisputeStore) StageResolution(ctx context.Context, disputeID uuid.UUID, outcome dispute.Outcome, stagedBy string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[disputeID]
	if !ok {
		return dispute.ErrNotFound
	}
	return d.Stage(outcome, stagedBy)
}

func (s *DisputeStore) MarkResolved(ctx context.Context, r dispute.Resolution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[r.DisputeID]
	if !ok {
		return dispute.ErrNotFound
	}
	return d.Resolve(r.Outcome, r.ResolvedBy, r.Note, r.ResolvedAt)
}

func cloneDispute(d *dispute.Dispute) *dispute.Dispute {
	c := *d
	if d.StagedOutcome != nil {
		o := *d.StagedOutcome
		c.StagedOutcome = &o
	}
	if d.StagedBy != nil {
		s := *d.StagedBy
		c.StagedBy = &s
	}
	if d.Outcome != nil {
		o := *d.Outcome
		c.Outcome = &o
	}
	if d.ResolvedBy != nil {
		s := *d.ResolvedBy
		c.ResolvedBy = &s
	}
	if d.Note != nil {
		s := *d.Note
		c.Note = &s
	}
	if d.ResolvedAt != nil {
		at := *d.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}
