package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/p2p-escrow/trade-engine/internal/domain/trade"
)

// TradeStore is an in-process trade.Repository. A single mutex makes every
// compare-and-set atomic with its history append.
type TradeStore struct {
	mu        sync.RWMutex
	trades    map[uuid.UUID]*trade.Trade
	history   map[uuid.UUID][]*trade.HistoryEntry
	messages  map[uuid.UUID][]*trade.Message
	historyID int64
}

func NewTradeStore() *TradeStore {
	return &TradeStore{
		trades:   make(map[uuid.UUID]*trade.Trade),
		history:  make(map[uuid.UUID][]*trade.HistoryEntry),
		messages: make(map[uuid.UUID][]*trade.Message),
	}
}

func (s *TradeStore) Create(ctx context.Context, t *trade.Trade, created trade.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[t.ID]; ok {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	s.trades[t.ID] = cloneTrade(t)
	created.TradeID = t.ID
	created.Version = t.Version
	s.appendHistoryLocked(created)
	return nil
}

func (s *TradeStore) GetByID(ctx context.Context, tradeID uuid.UUID) (*trade.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[tradeID]
	if !ok {
		return nil, nil
	}
	return cloneTrade(t), nil
}

func (s *TradeStore) List(ctx context.Context, filter trade.Filter, limit, offset int) ([]*trade.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*trade.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		if filter.Participant != nil && t.BuyerID != *filter.Participant && t.SellerID != *filter.Participant {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		out = append(out, cloneTrade(t))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, limit, offset), nil
}

func (s *TradeStore) CompareAndSetStatus(ctx context.Context, u trade.Update) (*trade.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[u.TradeID]
	if !ok {
		return nil, trade.ErrNotFound
	}
	if t.Status != u.ExpectedStatus {
		return nil, fmt.Errorf("%w: expected %s, found %s", trade.ErrConcurrentModification, u.ExpectedStatus, t.Status)
	}
	t.Status = u.NewStatus
	t.UpdatedAt = u.UpdatedAt.UTC()
	if u.Payment != nil {
		p := *u.Payment
		t.Payment = &p
	}
	if u.ReceiptRef != nil {
		r := *u.ReceiptRef
		t.ReceiptRef = &r
	}
	t.Version++

	h := u.History
	h.TradeID = t.ID
	h.Version = t.Version
	s.appendHistoryLocked(h)
	return cloneTrade(t), nil
}

func (s *TradeStore) ListHistory(ctx context.Context, tradeID uuid.UUID) ([]*trade.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history[tradeID]
	out := make([]*trade.HistoryEntry, 0, len(entries))
	for _, h := range entries {
		c := *h
		out = append(out, &c)
	}
	return out, nil
}

func (s *TradeStore) CreateMessage(ctx context.Context, m *trade.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[m.TradeID]; !ok {
		return trade.ErrNotFound
	}
	c := *m
	s.messages[m.TradeID] = append(s.messages[m.TradeID], &c)
	return nil
}

func (s *TradeStore) ListMessages(ctx context.Context, tradeID uuid.UUID, limit, offset int) ([]*trade.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[tradeID]
	out := make([]*trade.Message, 0, len(msgs))
	for _, m := range msgs {
		c := *m
		out = append(out, &c)
	}
	return page(out, limit, offset), nil
}

func (s *TradeStore) appendHistoryLocked(h trade.HistoryEntry) {
	s.historyID++
	h.ID = s.historyID
	s.history[h.TradeID] = append(s.history[h.TradeID], &h)
}

func cloneTrade(t *trade.Trade) *trade.Trade {
	c := *t
	if t.Payment != nil {
		p := *t.Payment
		c.Payment = &p
	}
	if t.ReceiptRef != nil {
		r := *t.ReceiptRef
		c.ReceiptRef = &r
	}
	return &c
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
