package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p2p-escrow/trade-engine/internal/application/delivery"
	"github.com/p2p-escrow/trade-engine/internal/clock"
	"github.com/p2p-escrow/trade-engine/internal/domain/dispute"
	"github.com/p2p-escrow/trade-engine/internal/domain/event"
	"github.com/p2p-escrow/trade-engine/internal/domain/trade"
)

// DisputeOpener records a dispute when a trade enters Disputed.
type DisputeOpener interface {
	OpenDispute(ctx context.Context, tradeID uuid.UUID, raisedBy, reason string) (*dispute.Dispute, error)
}

// Metrics receives transition outcomes.
type Metrics interface {
	TransitionAccepted(action, to string)
	TransitionRejected(action, reason string)
}

type nopMetrics struct{}

func (nopMetrics) TransitionAccepted(string, string) {}
func (nopMetrics) TransitionRejected(string, string) {}

// Result is returned by every accepted write. Warning is non-nil when the
// change was committed but its event could not reach every recipient.
type Result struct {
	Trade   *trade.Trade
	Event   *event.Event
	Warning error
}

// Service is the trade lifecycle engine.
type Service struct {
	repo      trade.Repository
	publisher *delivery.Publisher
	disputes  DisputeOpener
	authz     dispute.Authorizer
	clock     clock.Clock
	metrics   Metrics
	logger    zerolog.Logger
}

// NewService creates a lifecycle engine. disputes and authz may be nil.
func NewService(
	repo trade.Repository,
	publisher *delivery.Publisher,
	disputes DisputeOpener,
	authz dispute.Authorizer,
	clk clock.Clock,
	metrics Metrics,
	logger zerolog.Logger,
) *Service {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		disputes:  disputes,
		authz:     authz,
		clock:     clk,
		metrics:   metrics,
		logger:    logger.With().Str("service", "lifecycle").Logger(),
	}
}

// SetDisputeOpener wires the dispute resolver after construction.
func (s *Service) SetDisputeOpener(d DisputeOpener) {
	s.disputes = d
}

// CreateTrade opens a Pending trade from listing terms. The caller must be
// one of the two parties named in the terms.
func (s *Service) CreateTrade(ctx context.Context, actorID string, terms trade.Terms) (*Result, error) {
	now := s.clock.Now()
	t, err := trade.NewTrade(terms, now)
	if err != nil {
		return nil, err
	}
	role, ok := t.RoleOf(strings.TrimSpace(actorID))
	if !ok {
		return nil, fmt.Errorf("%w: only the buyer or seller can open a trade", trade.ErrUnauthorizedActor)
	}

	unlock, err := s.publisher.Lock(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	created := trade.HistoryEntry{
		ToStatus:   trade.StatusPending,
		Action:     trade.ActionCreate,
		Actor:      actorID,
		ActorRole:  role,
		OccurredAt: now,
	}
	if err := s.repo.Create(ctx, t, created); err != nil {
		return nil, s.storeErr("create trade", err)
	}

	ev := event.Event{Kind: event.KindStatusChanged, NewStatus: string(t.Status)}.
		Stamp(t.ID, t.Version, t.Participants(), now)
	res := &Result{Trade: t, Event: &ev, Warning: s.publisher.Publish(ctx, ev)}

	s.metrics.TransitionAccepted(string(trade.ActionCreate), string(t.Status))
	s.logger.Info().
		Str("trade_id", t.ID.String()).
		Str("listing_id", t.ListingID).
		Str("actor", actorID).
		Msg("trade created")
	return res, nil
}

// RequestTransition applies action on behalf of actorID. The trade is read,
// the state machine decides without any lock held, and the change commits
// only if the stored status is still the one that was read.
func (s *Service) RequestTransition(ctx context.Context, tradeID uuid.UUID, actorID string, action trade.Action, ev *trade.Evidence) (*Result, error) {
	t, err := s.load(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	role, ok := t.RoleOf(actorID)
	if !ok {
		s.metrics.TransitionRejected(string(action), "unauthorized")
		return nil, fmt.Errorf("%w: %q is not a party to trade %s", trade.ErrUnauthorizedActor, actorID, tradeID)
	}

	d, err := trade.Transition(t.Status, role, action, ev)
	if err != nil {
		s.metrics.TransitionRejected(string(action), rejectionReason(err))
		return nil, err
	}

	now := s.clock.Now()
	from := d.From
	u := trade.Update{
		TradeID:        t.ID,
		ExpectedStatus: d.From,
		NewStatus:      d.To,
		UpdatedAt:      now,
		History: trade.HistoryEntry{
			FromStatus: &from,
			ToStatus:   d.To,
			Action:     d.Action,
			Actor:      actorID,
			ActorRole:  role,
			Note:       reasonOf(ev),
			OccurredAt: now,
		},
	}
	if d.Action == trade.ActionMarkPaid {
		p := *ev.Payment
		u.Payment = &p
	}

	res, err := s.commit(ctx, u, d.Event, nil)
	if err != nil {
		if errors.Is(err, trade.ErrConcurrentModification) {
			s.metrics.TransitionRejected(string(action), "conflict")
		}
		return nil, err
	}
	s.metrics.TransitionAccepted(string(action), string(d.To))
	s.logger.Info().
		Str("trade_id", t.ID.String()).
		Str("action", string(action)).
		Str("from", string(d.From)).
		Str("to", string(d.To)).
		Str("actor", actorID).
		Int64("version", res.Trade.Version).
		Msg("trade transition accepted")

	if d.To == trade.StatusDisputed && s.disputes != nil {
		if _, err := s.disputes.OpenDispute(ctx, t.ID, actorID, reasonOf(ev)); err != nil && !errors.Is(err, dispute.ErrDisputeAlreadyOpen) {
			s.logger.Error().Err(err).Str("trade_id", t.ID.String()).Msg("failed to record dispute")
			res.Warning = errors.Join(res.Warning, fmt.Errorf("dispute record pending: %w", trade.ClassifyInfra(err)))
		}
	}
	return res, nil
}

// AttachReceipt stores the buyer's receipt reference without changing the
// trade status and notifies the seller.
func (s *Service) AttachReceipt(ctx context.Context, tradeID uuid.UUID, actorID, receiptRef string) (*Result, error) {
	t, err := s.load(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	role, ok := t.RoleOf(actorID)
	if !ok || role != trade.RoleBuyer {
		return nil, fmt.Errorf("%w: only the buyer can attach a receipt", trade.ErrUnauthorizedActor)
	}
	if t.Status != trade.StatusAwaitingPayment && t.Status != trade.StatusPaid {
		return nil, fmt.Errorf("%w: receipts are accepted only while payment is pending or declared, trade is %s", trade.ErrInvalidTransition, t.Status)
	}
	ref := strings.TrimSpace(receiptRef)
	if ref == "" {
		return nil, fmt.Errorf("%w: receipt reference is required", trade.ErrMissingEvidence)
	}

	now := s.clock.Now()
	from := t.Status
	u := trade.Update{
		TradeID:        t.ID,
		ExpectedStatus: t.Status,
		NewStatus:      t.Status,
		UpdatedAt:      now,
		ReceiptRef:     &ref,
		History: trade.HistoryEntry{
			FromStatus: &from,
			ToStatus:   t.Status,
			Action:     trade.ActionAttachReceipt,
			Actor:      actorID,
			ActorRole:  role,
			OccurredAt: now,
		},
	}
	res, err := s.commit(ctx, u, event.Event{Kind: event.KindNewReceipt}, []string{t.SellerID})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("trade_id", t.ID.String()).Str("actor", actorID).Msg("receipt attached")
	return res, nil
}

// PostMessage stores a chat message from one party and notifies the other.
func (s *Service) PostMessage(ctx context.Context, tradeID uuid.UUID, senderID, body string, attachmentRef *string) (*trade.Message, error) {
	t, err := s.load(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	role, ok := t.RoleOf(senderID)
	if !ok {
		return nil, fmt.Errorf("%w: only trade parties can post messages", trade.ErrUnauthorizedActor)
	}
	now := s.clock.Now()
	m, err := trade.NewMessage(t.ID, senderID, body, attachmentRef, now)
	if err != nil {
		return nil, err
	}

	unlock, err := s.publisher.Lock(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := s.repo.CreateMessage(ctx, m); err != nil {
		return nil, s.storeErr("create message", err)
	}

	counterparty := t.SellerID
	if role == trade.RoleSeller {
		counterparty = t.BuyerID
	}
	ev := event.Event{Kind: event.KindNewMessage}.Stamp(t.ID, t.Version, t.Participants(), now)
	if err := s.publisher.PublishTo(ctx, ev, []string{counterparty}); err != nil {
		s.logger.Warn().Err(err).Str("trade_id", t.ID.String()).Msg("message notification degraded")
	}
	return m, nil
}

// GetTrade returns a trade visible to viewerID.
func (s *Service) GetTrade(ctx context.Context, tradeID uuid.UUID, viewerID string) (*trade.Trade, error) {
	t, err := s.load(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(ctx, t, viewerID); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTrades lists the trades viewerID takes part in.
func (s *Service) ListTrades(ctx context.Context, viewerID string, status *trade.Status, limit, offset int) ([]*trade.Trade, error) {
	trades, err := s.repo.List(ctx, trade.Filter{Participant: &viewerID, Status: status}, limit, offset)
	if err != nil {
		return nil, s.storeErr("list trades", err)
	}
	return trades, nil
}

// History returns the audit trail of a trade in commit order.
func (s *Service) History(ctx context.Context, tradeID uuid.UUID, viewerID string) ([]*trade.HistoryEntry, error) {
	if _, err := s.GetTrade(ctx, tradeID, viewerID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListHistory(ctx, tradeID)
	if err != nil {
		return nil, s.storeErr("list history", err)
	}
	return entries, nil
}

// Messages returns the chat log of a trade.
func (s *Service) Messages(ctx context.Context, tradeID uuid.UUID, viewerID string, limit, offset int) ([]*trade.Message, error) {
	if _, err := s.GetTrade(ctx, tradeID, viewerID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, tradeID, limit, offset)
	if err != nil {
		return nil, s.storeErr("list messages", err)
	}
	return msgs, nil
}

// AllowedActions lists what viewerID may do next on the trade.
func (s *Service) AllowedActions(ctx context.Context, tradeID uuid.UUID, viewerID string) ([]trade.Action, error) {
	t, err := s.load(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if role, ok := t.RoleOf(viewerID); ok {
		return trade.AllowedActions(t.Status, role), nil
	}
	if err := s.authorizeView(ctx, t, viewerID); err != nil {
		return nil, err
	}
	return trade.AllowedActions(t.Status, trade.RoleArbitrator), nil
}

// commit applies u under the trade's publish lock and emits tmpl. The event
// always names both parties; it is delivered to targets, or to both parties
// when targets is nil.
func (s *Service) commit(ctx context.Context, u trade.Update, tmpl event.Event, targets []string) (*Result, error) {
	unlock, err := s.publisher.Lock(ctx, u.TradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	updated, err := s.repo.CompareAndSetStatus(ctx, u)
	if err != nil {
		return nil, s.storeErr("compare and set", err)
	}
	ev := tmpl.Stamp(updated.ID, updated.Version, updated.Participants(), u.UpdatedAt)
	if targets == nil {
		targets = ev.RecipientIDs
	}
	return &Result{Trade: updated, Event: &ev, Warning: s.publisher.PublishTo(ctx, ev, targets)}, nil
}

func (s *Service) load(ctx context.Context, tradeID uuid.UUID) (*trade.Trade, error) {
	t, err := s.repo.GetByID(ctx, tradeID)
	if err != nil {
		return nil, s.storeErr("get trade", err)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", trade.ErrNotFound, tradeID)
	}
	return t, nil
}

func (s *Service) authorizeView(ctx context.Context, t *trade.Trade, viewerID string) error {
	if _, ok := t.RoleOf(viewerID); ok {
		return nil
	}
	if s.authz != nil && viewerID != "" {
		ok, err := s.authz.IsArbitrator(ctx, viewerID)
		if err != nil {
			return s.storeErr("check arbitrator", err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %q cannot view trade %s", trade.ErrUnauthorizedActor, viewerID, t.ID)
}

func (s *Service) storeErr(op string, err error) error {
	switch {
	case errors.Is(err, trade.ErrConcurrentModification), errors.Is(err, trade.ErrNotFound):
		return err
	}
	err = trade.ClassifyInfra(err)
	if !errors.Is(err, trade.ErrTimeout) && !errors.Is(err, trade.ErrCancelled) {
		s.logger.Error().Err(err).Str("op", op).Msg("trade store failure")
	}
	return fmt.Errorf("%s: %w", op, err)
}

func reasonOf(ev *trade.Evidence) string {
	if ev == nil {
		return ""
	}
	return strings.TrimSpace(ev.Reason)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, trade.ErrUnauthorizedActor):
		return "unauthorized"
	case errors.Is(err, trade.ErrMissingEvidence):
		return "missing_evidence"
	default:
		return "invalid_transition"
	}
}
