package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p2p-escrow/trade-engine/internal/application/delivery"
	"github.com/p2p-escrow/trade-engine/internal/clock"
	domainDispute "github.com/p2p-escrow/trade-engine/internal/domain/dispute"
	"github.com/p2p-escrow/trade-engine/internal/domain/event"
	"github.com/p2p-escrow/trade-engine/internal/domain/trade"
)

// Metrics receives dispute outcomes.
type Metrics interface {
	DisputeOpened()
	DisputeResolved(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) DisputeOpened()         {}
func (nopMetrics) DisputeResolved(string) {}

// Result is returned by ResolveDispute. Warning is non-nil when the ruling
// was committed but its event could not reach every recipient.
type Result struct {
	Trade   *trade.Trade           `json:"trade"`
	Dispute *domainDispute.Dispute `json:"dispute"`
	Warning error                  `json:"-"`
}

// Service is the dispute resolver. It is the only writer of disputed trades.
type Service struct {
	repo      domainDispute.Repository
	trades    trade.Repository
	publisher *delivery.Publisher
	authz     domainDispute.Authorizer
	clock     clock.Clock
	metrics   Metrics
	logger    zerolog.Logger
}

// NewService creates a dispute resolver.
func NewService(
	repo domainDispute.Repository,
	trades trade.Repository,
	publisher *delivery.Publisher,
	authz domainDispute.Authorizer,
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
		trades:    trades,
		publisher: publisher,
		authz:     authz,
		clock:     clk,
		metrics:   metrics,
		logger:    logger.With().Str("service", "dispute").Logger(),
	}
}

// OpenDispute records the dispute for a trade that has entered Disputed.
func (s *Service) OpenDispute(ctx context.Context, tradeID uuid.UUID, raisedBy, reason string) (*domainDispute.Dispute, error) {
	t, err := s.loadTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != trade.StatusDisputed {
		return nil, fmt.Errorf("%w: trade %s is %s, not Disputed", trade.ErrInvalidTransition, tradeID, t.Status)
	}
	d := domainDispute.NewDispute(t.ID, raisedBy, reason, s.clock.Now())
	if err := s.repo.Create(ctx, d); err != nil {
		if errors.Is(err, domainDispute.ErrDisputeAlreadyOpen) {
			return nil, err
		}
		return nil, fmt.Errorf("create dispute: %w", trade.ClassifyInfra(err))
	}
	s.metrics.DisputeOpened()
	s.logger.Info().
		Str("dispute_id", d.ID.String()).
		Str("trade_id", t.ID.String()).
		Str("raised_by", raisedBy).
		Msg("dispute opened")
	return d, nil
}

// ResolveDispute applies an arbitrator's ruling. The trade status and the
// dispute resolution are committed atomically when the store supports it;
// otherwise the ruling is staged first so that a retry after a partial
// failure converges on the same outcome without applying it twice.
func (s *Service) ResolveDispute(ctx context.Context, disputeID uuid.UUID, arbitratorID string, outcome domainDispute.Outcome, note *string) (*Result, error) {
	if err := s.requireArbitrator(ctx, arbitratorID); err != nil {
		return nil, err
	}
	d, err := s.loadResolvable(ctx, disputeID, outcome)
	if err != nil {
		return nil, err
	}
	if note != nil {
		trimmed := strings.TrimSpace(*note)
		note = &trimmed
		if trimmed == "" {
			note = nil
		}
	}

	unlock, err := s.publisher.Lock(ctx, d.TradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// A concurrent ruling may have landed while we waited.
	d, err = s.loadResolvable(ctx, disputeID, outcome)
	if err != nil {
		return nil, err
	}

	t, err := s.loadTrade(ctx, d.TradeID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	res := domainDispute.Resolution{
		DisputeID:  d.ID,
		Outcome:    outcome,
		ResolvedBy: arbitratorID,
		Note:       note,
		ResolvedAt: now,
	}

	var updated *trade.Trade
	if atomic, ok := s.repo.(domainDispute.AtomicResolver); ok {
		u, err := resolutionUpdate(t, outcome, arbitratorID, note, now)
		if err != nil {
			return nil, err
		}
		updated, err = atomic.ResolveWithTrade(ctx, res, u)
		if err != nil {
			return nil, s.storeErr("resolve dispute", err)
		}
	} else {
		updated, err = s.resolveStaged(ctx, d, t, res)
		if err != nil {
			return nil, err
		}
	}

	ev := event.Event{
		Kind:           event.KindStatusChanged,
		PreviousStatus: string(trade.StatusDisputed),
		NewStatus:      string(updated.Status),
	}.Stamp(updated.ID, updated.Version, updated.Participants(), now)
	warning := s.publisher.PublishTo(ctx, ev, append(updated.Participants(), arbitratorID))

	if fresh, err := s.repo.GetByID(ctx, d.ID); err == nil && fresh != nil {
		d = fresh
	} else {
		_ = d.Resolve(outcome, arbitratorID, note, now)
	}
	s.metrics.DisputeResolved(string(outcome))
	s.logger.Info().
		Str("dispute_id", d.ID.String()).
		Str("trade_id", updated.ID.String()).
		Str("outcome", string(outcome)).
		Str("status", string(updated.Status)).
		Str("arbitrator", arbitratorID).
		Msg("dispute resolved")
	return &Result{Trade: updated, Dispute: d, Warning: warning}, nil
}

// loadResolvable reads the dispute and checks that outcome may still be
// applied to it.
func (s *Service) loadResolvable(ctx context.Context, disputeID uuid.UUID, outcome domainDispute.Outcome) (*domainDispute.Dispute, error) {
	d, err := s.load(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsOpen() {
		return nil, fmt.Errorf("%w: dispute %s is %s", domainDispute.ErrDisputeNotOpen, d.ID, d.Status)
	}
	if d.StagedOutcome != nil && *d.StagedOutcome != outcome {
		return nil, fmt.Errorf("%w: staged %s, requested %s", domainDispute.ErrOutcomeConflict, *d.StagedOutcome, outcome)
	}
	return d, nil
}

// resolveStaged is the two-phase path: stage, move the trade, then close
// the dispute. Each step is idempotent with respect to a retry.
func (s *Service) resolveStaged(ctx context.Context, d *domainDispute.Dispute, t *trade.Trade, res domainDispute.Resolution) (*trade.Trade, error) {
	target := res.Outcome.TradeStatus()
	updated := t

	switch {
	case t.Status == trade.StatusDisputed:
		if err := s.repo.StageResolution(ctx, d.ID, res.Outcome, res.ResolvedBy); err != nil {
			return nil, s.storeErr("stage resolution", err)
		}
		u, err := resolutionUpdate(t, res.Outcome, res.ResolvedBy, res.Note, res.ResolvedAt)
		if err != nil {
			return nil, err
		}
		updated, err = s.trades.CompareAndSetStatus(ctx, u)
		if err != nil {
			return nil, s.storeErr("apply resolution", err)
		}
	case t.Status == target && d.StagedOutcome != nil && *d.StagedOutcome == res.Outcome:
		s.logger.Warn().
			Str("dispute_id", d.ID.String()).
			Str("trade_id", t.ID.String()).
			Msg("resuming interrupted dispute resolution")
	default:
		return nil, fmt.Errorf("%w: trade %s is %s", trade.ErrInvalidTransition, t.ID, t.Status)
	}

	if err := s.repo.MarkResolved(ctx, res); err != nil {
		return nil, s.storeErr("mark dispute resolved", err)
	}
	return updated, nil
}

// Get returns a dispute visible to the trade parties and arbitrators.
func (s *Service) Get(ctx context.Context, disputeID uuid.UUID, viewerID string) (*domainDispute.Dispute, error) {
	d, err := s.load(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(ctx, d.TradeID, viewerID); err != nil {
		return nil, err
	}
	return d, nil
}

// GetByTrade returns the dispute of a trade. A Disputed trade whose dispute
// record is missing gets it recorded here, attributed to the actor of the
// Disputed transition.
func (s *Service) GetByTrade(ctx context.Context, tradeID uuid.UUID, viewerID string) (*domainDispute.Dispute, error) {
	if err := s.authorizeView(ctx, tradeID, viewerID); err != nil {
		return nil, err
	}
	d, err := s.repo.GetByTrade(ctx, tradeID)
	if err != nil {
		return nil, s.storeErr("get dispute by trade", err)
	}
	if d != nil {
		return d, nil
	}

	t, err := s.loadTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != trade.StatusDisputed {
		return nil, fmt.Errorf("%w: trade %s has no dispute", domainDispute.ErrNotFound, tradeID)
	}
	raisedBy, reason, err := s.disputeOrigin(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	d, err = s.OpenDispute(ctx, tradeID, raisedBy, reason)
	if errors.Is(err, domainDispute.ErrDisputeAlreadyOpen) {
		d, err = s.repo.GetByTrade(ctx, tradeID)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListOpen returns the arbitration queue, oldest first.
func (s *Service) ListOpen(ctx context.Context, viewerID string, limit, offset int) ([]*domainDispute.Dispute, error) {
	if err := s.requireArbitrator(ctx, viewerID); err != nil {
		return nil, err
	}
	open := domainDispute.StatusOpen
	list, err := s.repo.List(ctx, &open, limit, offset)
	if err != nil {
		return nil, s.storeErr("list disputes", err)
	}
	return list, nil
}

func (s *Service) disputeOrigin(ctx context.Context, tradeID uuid.UUID) (string, string, error) {
	entries, err := s.trades.ListHistory(ctx, tradeID)
	if err != nil {
		return "", "", s.storeErr("list history", err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Action == trade.ActionDispute {
			return entries[i].Actor, entries[i].Note, nil
		}
	}
	return "", "", fmt.Errorf("%w: no dispute transition recorded for trade %s", domainDispute.ErrNotFound, tradeID)
}

func resolutionUpdate(t *trade.Trade, outcome domainDispute.Outcome, arbitratorID string, note *string, now time.Time) (trade.Update, error) {
	d, err := trade.Transition(t.Status, trade.RoleArbitrator, outcome.Action(), nil)
	if err != nil {
		return trade.Update{}, err
	}
	from := d.From
	h := trade.HistoryEntry{
		FromStatus: &from,
		ToStatus:   d.To,
		Action:     d.Action,
		Actor:      arbitratorID,
		ActorRole:  trade.RoleArbitrator,
		OccurredAt: now,
	}
	if note != nil {
		h.Note = *note
	}
	return trade.Update{
		TradeID:        t.ID,
		ExpectedStatus: d.From,
		NewStatus:      d.To,
		UpdatedAt:      now,
		History:        h,
	}, nil
}

func (s *Service) requireArbitrator(ctx context.Context, identity string) error {
	if identity == "" || s.authz == nil {
		return fmt.Errorf("%w: arbitrator role required", trade.ErrUnauthorizedActor)
	}
	ok, err := s.authz.IsArbitrator(ctx, identity)
	if err != nil {
		return s.storeErr("check arbitrator", err)
	}
	if !ok {
		return fmt.Errorf("%w: %q is not an arbitrator", trade.ErrUnauthorizedActor, identity)
	}
	return nil
}

func (s *Service) authorizeView(ctx context.Context, tradeID uuid.UUID, viewerID string) error {
	t, err := s.loadTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	if _, ok := t.RoleOf(viewerID); ok {
		return nil
	}
	return s.requireArbitrator(ctx, viewerID)
}

func (s *Service) load(ctx context.Context, disputeID uuid.UUID) (*domainDispute.Dispute, error) {
	d, err := s.repo.GetByID(ctx, disputeID)
	if err != nil {
		return nil, s.storeErr("get dispute", err)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", domainDispute.ErrNotFound, disputeID)
	}
	return d, nil
}

func (s *Service) loadTrade(ctx context.Context, tradeID uuid.UUID) (*trade.Trade, error) {
	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		return nil, s.storeErr("get trade", err)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", trade.ErrNotFound, tradeID)
	}
	return t, nil
}

func (s *Service) storeErr(op string, err error) error {
	switch {
	case errors.Is(err, trade.ErrConcurrentModification),
		errors.Is(err, trade.ErrNotFound),
		errors.Is(err, domainDispute.ErrNotFound),
		errors.Is(err, domainDispute.ErrDisputeNotOpen),
		errors.Is(err, domainDispute.ErrOutcomeConflict):
		return err
	}
	err = trade.ClassifyInfra(err)
	if !errors.Is(err, trade.ErrTimeout) && !errors.Is(err, trade.ErrCancelled) {
		s.logger.Error().Err(err).Str("op", op).Msg("dispute store failure")
	}
	return fmt.Errorf("%s: %w", op, err)
}
