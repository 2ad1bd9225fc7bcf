package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/p2p-escrow/trade-engine/internal/application/delivery"
	appDispute "github.com/p2p-escrow/trade-engine/internal/application/dispute"
	"github.com/p2p-escrow/trade-engine/internal/clock"
	"github.com/p2p-escrow/trade-engine/internal/domain/event"
	eventMocks "github.com/p2p-escrow/trade-engine/internal/domain/event/mocks"
	"github.com/p2p-escrow/trade-engine/internal/domain/trade"
	"github.com/p2p-escrow/trade-engine/internal/infrastructure/authz"
	"github.com/p2p-escrow/trade-engine/internal/infrastructure/bus"
	"github.com/p2p-escrow/trade-engine/internal/infrastructure/memory"
)

const (
	buyer      = "buyer-1"
	seller     = "seller-1"
	arbitrator = "arb-1"
)

type fixture struct {
	store    *memory.TradeStore
	disputes *memory.DisputeStore
	bus      *bus.Memory
	svc      *Service
}

func newFixture(t *testing.T, repo trade.Repository) *fixture {
	t.Helper()
	store := memory.NewTradeStore()
	if repo == nil {
		repo = store
	}
	b := bus.NewMemory(64)
	t.Cleanup(b.Close)
	disputes := memory.NewDisputeStore()
	az := authz.NewStatic([]string{arbitrator})
	pub := delivery.NewPublisher(b, time.Second, nil, zerolog.Nop())
	resolver := appDispute.NewService(disputes, repo, pub, az, clock.NewSystem(), nil, zerolog.Nop())
	svc := NewService(repo, pub, resolver, az, clock.NewSystem(), nil, zerolog.Nop())
	return &fixture{store: store, disputes: disputes, bus: b, svc: svc}
}

func (f *fixture) subscribe(t *testing.T, recipient string) event.Subscription {
	t.Helper()
	sub, err := f.bus.Subscribe(context.Background(), recipient)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return sub
}

func terms() trade.Terms {
	return trade.Terms{
		ListingID:   "listing-42",
		BuyerID:     buyer,
		SellerID:    seller,
		AmountAsset: decimal.NewFromInt(100),
		AmountLocal: decimal.NewFromInt(15000),
	}
}

func drain(sub event.Subscription) []event.Event {
	var out []event.Event
	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func payment(details string) *trade.Evidence {
	return &trade.Evidence{Payment: &trade.PaymentDetails{Method: "bank transfer", Details: details}}
}

func createTrade(t *testing.T, svc *Service) *trade.Trade {
	t.Helper()
	res, err := svc.CreateTrade(context.Background(), buyer, terms())
	require.NoError(t, err)
	require.NoError(t, res.Warning)
	return res.Trade
}

func TestService_HappyPath(t *testing.T) {
	f := newFixture(t, nil)
	buyerSub := f.subscribe(t, buyer)
	sellerSub := f.subscribe(t, seller)
	ctx := context.Background()

	tr := createTrade(t, f.svc)
	assert.Equal(t, trade.StatusPending, tr.Status)

	steps := []struct {
		actor  string
		action trade.Action
		ev     *trade.Evidence
		want   trade.Status
	}{
		{seller, trade.ActionAccept, nil, trade.StatusAwaitingPayment},
		{buyer, trade.ActionMarkPaid, payment("bank-ref-123"), trade.StatusPaid},
		{seller, trade.ActionConfirmPayment, nil, trade.StatusAwaitingRelease},
		{seller, trade.ActionRelease, nil, trade.StatusCompleted},
	}
	for _, step := range steps {
		res, err := f.svc.RequestTransition(ctx, tr.ID, step.actor, step.action, step.ev)
		require.NoError(t, err, step.action)
		assert.NoError(t, res.Warning)
		assert.Equal(t, step.want, res.Trade.Status)
	}

	final, err := f.svc.GetTrade(ctx, tr.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusCompleted, final.Status)
	assert.Equal(t, int64(5), final.Version)
	assert.True(t, final.AmountAsset.Equal(decimal.NewFromInt(100)))
	assert.True(t, final.AmountLocal.Equal(decimal.NewFromInt(15000)))
	require.NotNil(t, final.Payment)
	assert.Equal(t, "bank-ref-123", final.Payment.Details)

	for _, actor := range []string{buyer, seller} {
		for _, action := range []trade.Action{trade.ActionAccept, trade.ActionMarkPaid, trade.ActionConfirmPayment, trade.ActionRelease, trade.ActionCancel, trade.ActionDispute} {
			_, err := f.svc.RequestTransition(ctx, tr.ID, actor, action, payment("bank-ref-123"))
			assert.ErrorIs(t, err, trade.ErrInvalidTransition, "%s %s", actor, action)
		}
	}

	for _, sub := range []event.Subscription{buyerSub, sellerSub} {
		events := drain(sub)
		require.Len(t, events, 5)
		wantStatuses := []string{"Pending", "AwaitingPayment", "Paid", "AwaitingRelease", "Completed"}
		for i, ev := range events {
			assert.Equal(t, event.KindStatusChanged, ev.Kind)
			assert.Equal(t, int64(i+1), ev.Version)
			assert.Equal(t, wantStatuses[i], ev.NewStatus)
			assert.Equal(t, []string{buyer, seller}, ev.RecipientIDs)
		}
		assert.Empty(t, events[0].PreviousStatus)
		assert.Equal(t, "AwaitingRelease", events[4].PreviousStatus)
	}

	history, err := f.svc.History(ctx, tr.ID, seller)
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, trade.ActionCreate, history[0].Action)
	assert.Equal(t, trade.ActionRelease, history[4].Action)
	assert.Equal(t, trade.RoleSeller, history[4].ActorRole)
}

type barrierStore struct {
	*memory.TradeStore
	armed atomic.Bool
	wg    sync.WaitGroup
}

func (b *barrierStore) GetByID(ctx context.Context, id uuid.UUID) (*trade.Trade, error) {
	t, err := b.TradeStore.GetByID(ctx, id)
	if b.armed.Load() {
		b.wg.Done()
		b.wg.Wait()
	}
	return t, err
}

func TestService_ConcurrentRequestsHaveOneWinner(t *testing.T) {
	store := &barrierStore{TradeStore: memory.NewTradeStore()}
	f := newFixture(t, store)
	sellerSub := f.subscribe(t, seller)
	tr := createTrade(t, f.svc)

	store.wg.Add(2)
	store.armed.Store(true)

	type outcome struct {
		res *Result
		err error
	}
	results := make(chan outcome, 2)
	go func() {
		res, err := f.svc.RequestTransition(context.Background(), tr.ID, seller, trade.ActionAccept, nil)
		results <- outcome{res, err}
	}()
	go func() {
		res, err := f.svc.RequestTransition(context.Background(), tr.ID, buyer, trade.ActionCancel, nil)
		results <- outcome{res, err}
	}()

	var wins, conflicts int
	var winner trade.Status
	for i := 0; i < 2; i++ {
		o := <-results
		switch {
		case o.err == nil:
			wins++
			winner = o.res.Trade.Status
		case errors.Is(o.err, trade.ErrConcurrentModification):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", o.err)
		}
	}
	store.armed.Store(false)

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	stored, err := store.TradeStore.GetByID(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, winner, stored.Status)
	assert.Equal(t, int64(2), stored.Version)

	events := drain(sellerSub)
	require.Len(t, events, 2)
	assert.Equal(t, string(winner), events[1].NewStatus)
}

func TestService_ResubmissionIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	buyerSub := f.subscribe(t, buyer)
	tr := createTrade(t, f.svc)
	ctx := context.Background()

	_, err := f.svc.RequestTransition(ctx, tr.ID, seller, trade.ActionAccept, nil)
	require.NoError(t, err)
	_, err = f.svc.RequestTransition(ctx, tr.ID, seller, trade.ActionAccept, nil)
	assert.ErrorIs(t, err, trade.ErrInvalidTransition)

	assert.Len(t, drain(buyerSub), 2)
	history, err := f.svc.History(ctx, tr.ID, buyer)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestService_MarkPaidRequiresEvidence(t *testing.T) {
	f := newFixture(t, nil)
	tr := createTrade(t, f.svc)
	ctx := context.Background()
	_, err := f.svc.RequestTransition(ctx, tr.ID, seller, trade.ActionAccept, nil)
	require.NoError(t, err)

	_, err = f.svc.RequestTransition(ctx, tr.ID, buyer, trade.ActionMarkPaid, nil)
	assert.ErrorIs(t, err, trade.ErrMissingEvidence)

	got, err := f.svc.GetTrade(ctx, tr.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusAwaitingPayment, got.Status)
	assert.Nil(t, got.Payment)

	details := &trade.PaymentDetails{Method: "SEPA", Details: "  ref 0042  ", Note: "sent from joint account"}
	res, err := f.svc.RequestTransition(ctx, tr.ID, buyer, trade.ActionMarkPaid, &trade.Evidence{Payment: details})
	require.NoError(t, err)
	require.NotNil(t, res.Trade.Payment)
	assert.Equal(t, *details, *res.Trade.Payment)
}

func TestService_OnlySellerReleases(t *testing.T) {
	f := newFixture(t, nil)
	tr := createTrade(t, f.svc)
	ctx := context.Background()
	for _, step := range []struct {
		actor  string
		action trade.Action
		ev     *trade.Evidence
	}{
		{seller, trade.ActionAccept, nil},
		{buyer, trade.ActionMarkPaid, payment("ref-1")},
		{seller, trade.ActionConfirmPayment, nil},
	} {
		_, err := f.svc.RequestTransition(ctx, tr.ID, step.actor, step.action, step.ev)
		require.NoError(t, err)
	}

	_, err := f.svc.RequestTransition(ctx, tr.ID, buyer, trade.ActionRelease, nil)
	assert.ErrorIs(t, err, trade.ErrUnauthorizedActor)
	_, err = f.svc.RequestTransition(ctx, tr.ID, "mallory", trade.ActionRelease, nil)
	assert.ErrorIs(t, err, trade.ErrUnauthorizedActor)

	got, err := f.svc.GetTrade(ctx, tr.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusAwaitingRelease, got.Status)
}

func TestService_DeliveryDegraded(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := memory.NewTradeStore()
	b := eventMocks.NewMockBus(ctrl)
	pub := delivery.NewPublisher(b, time.Second, nil, zerolog.Nop())
	svc := NewService(store, pub, nil, nil, clock.NewSystem(), nil, zerolog.Nop())

	gomock.InOrder(
		b.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2),
		b.EXPECT().Publish(gomock.Any(), buyer, gomock.Any()).Return(errors.New("broker unavailable")),
		b.EXPECT().Publish(gomock.Any(), seller, gomock.Any()).Return(nil),
	)

	tr := createTrade(t, svc)
	res, err := svc.RequestTransition(context.Background(), tr.ID, seller, trade.ActionAccept, nil)

	require.NoError(t, err)
	assert.ErrorIs(t, res.Warning, trade.ErrDeliveryDegraded)
	assert.Equal(t, trade.StatusAwaitingPayment, res.Trade.Status)

	stored, err := store.GetByID(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusAwaitingPayment, stored.Status)
}

func TestService_LockWaitHonoursDeadline(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := memory.NewTradeStore()
	b := eventMocks.NewMockBus(ctrl)
	pub := delivery.NewPublisher(b, 2*time.Second, nil, zerolog.Nop())
	svc := NewService(store, pub, nil, nil, clock.NewSystem(), nil, zerolog.Nop())

	blocked := make(chan struct{})
	release := make(chan struct{})
	gomock.InOrder(
		b.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2),
		b.EXPECT().Publish(gomock.Any(), buyer, gomock.Any()).
			DoAndReturn(func(ctx context.Context, _ string, _ event.Event) error {
				close(blocked)
				select {
				case <-release:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}),
		b.EXPECT().Publish(gomock.Any(), seller, gomock.Any()).Return(nil),
	)

	tr := createTrade(t, svc)
	accepted := make(chan error, 1)
	go func() {
		_, err := svc.RequestTransition(context.Background(), tr.ID, seller, trade.ActionAccept, nil)
		accepted <- err
	}()
	<-blocked

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := svc.PostMessage(ctx, tr.ID, buyer, "are you there?", nil)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, trade.ErrTimeout)
	assert.Less(t, elapsed, time.Second)

	close(release)
	require.NoError(t, <-accepted)

	msgs, err := svc.Messages(context.Background(), tr.ID, buyer, 50, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestService_ContextErrors(t *testing.T) {
	f := newFixture(t, nil)
	tr := createTrade(t, f.svc)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.RequestTransition(cancelled, tr.ID, seller, trade.ActionAccept, nil)
	assert.ErrorIs(t, err, trade.ErrCancelled)
	assert.False(t, errors.Is(err, trade.ErrInvalidTransition))

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err = f.svc.RequestTransition(expired, tr.ID, seller, trade.ActionAccept, nil)
	assert.ErrorIs(t, err, trade.ErrTimeout)

	got, err := f.svc.GetTrade(context.Background(), tr.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusPending, got.Status)
}

func TestService_DisputeOpensRecord(t *testing.T) {
	f := newFixture(t, nil)
	tr := createTrade(t, f.svc)
	ctx := context.Background()
	_, err := f.svc.RequestTransition(ctx, tr.ID, seller, trade.ActionAccept, nil)
	require.NoError(t, err)

	res, err := f.svc.RequestTransition(ctx, tr.ID, buyer, trade.ActionDispute, &trade.Evidence{Reason: "seller unresponsive"})
	require.NoError(t, err)
	assert.NoError(t, res.Warning)
	assert.Equal(t, trade.StatusDisputed, res.Trade.Status)

	d, err := f.disputes.GetByTrade(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, buyer, d.RaisedBy)
	assert.Equal(t, "seller unresponsive", d.Reason)

	_, err = f.svc.RequestTransition(ctx, tr.ID, seller, trade.ActionCancel, nil)
	assert.ErrorIs(t, err, trade.ErrInvalidTransition)
}

func TestService_AttachReceipt(t *testing.T) {
	f := newFixture(t, nil)
	buyerSub := f.subscribe(t, buyer)
	sellerSub := f.subscribe(t, seller)
	tr := createTrade(t, f.svc)
	ctx := context.Background()

	_, err := f.svc.AttachReceipt(ctx, tr.ID, buyer, "receipts/1.png")
	assert.ErrorIs(t, err, trade.ErrInvalidTransition)

	_, err = f.svc.RequestTransition(ctx, tr.ID, seller, trade.ActionAccept, nil)
	require.NoError(t, err)

	_, err = f.svc.AttachReceipt(ctx, tr.ID, seller, "receipts/1.png")
	assert.ErrorIs(t, err, trade.ErrUnauthorizedActor)
	_, err = f.svc.AttachReceipt(ctx, tr.ID, buyer, "  ")
	assert.ErrorIs(t, err, trade.ErrMissingEvidence)

	res, err := f.svc.AttachReceipt(ctx, tr.ID, buyer, "receipts/1.png")
	require.NoError(t, err)
	assert.Equal(t, trade.StatusAwaitingPayment, res.Trade.Status)
	require.NotNil(t, res.Trade.ReceiptRef)
	assert.Equal(t, "receipts/1.png", *res.Trade.ReceiptRef)

	events := drain(sellerSub)
	require.Len(t, events, 3)
	assert.Equal(t, event.KindNewReceipt, events[2].Kind)
	assert.Equal(t, []string{buyer, seller}, events[2].RecipientIDs)
	assert.Equal(t, int64(3), events[2].Version)

	for _, ev := range drain(buyerSub) {
		assert.NotEqual(t, event.KindNewReceipt, ev.Kind)
	}
}

func TestService_PostMessage(t *testing.T) {
	f := newFixture(t, nil)
	tr := createTrade(t, f.svc)
	buyerSub := f.subscribe(t, buyer)
	sellerSub := f.subscribe(t, seller)
	ctx := context.Background()

	m, err := f.svc.PostMessage(ctx, tr.ID, seller, "please use the reference in the listing", nil)
	require.NoError(t, err)
	assert.Equal(t, seller, m.SenderID)

	_, err = f.svc.PostMessage(ctx, tr.ID, "mallory", "hi", nil)
	assert.ErrorIs(t, err, trade.ErrUnauthorizedActor)
	_, err = f.svc.PostMessage(ctx, tr.ID, buyer, " ", nil)
	assert.ErrorIs(t, err, trade.ErrInvalidMessage)

	events := drain(buyerSub)
	require.Len(t, events, 1)
	assert.Equal(t, event.KindNewMessage, events[0].Kind)
	assert.Equal(t, []string{buyer, seller}, events[0].RecipientIDs)
	assert.Empty(t, drain(sellerSub))

	msgs, err := f.svc.Messages(ctx, tr.ID, buyer, 50, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestService_Visibility(t *testing.T) {
	f := newFixture(t, nil)
	tr := createTrade(t, f.svc)
	ctx := context.Background()

	_, err := f.svc.GetTrade(ctx, tr.ID, arbitrator)
	assert.NoError(t, err)
	_, err = f.svc.GetTrade(ctx, tr.ID, "mallory")
	assert.ErrorIs(t, err, trade.ErrUnauthorizedActor)
	_, err = f.svc.GetTrade(ctx, uuid.New(), buyer)
	assert.ErrorIs(t, err, trade.ErrNotFound)

	actions, err := f.svc.AllowedActions(ctx, tr.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, []trade.Action{trade.ActionAccept, trade.ActionCancel}, actions)
	actions, err = f.svc.AllowedActions(ctx, tr.ID, arbitrator)
	require.NoError(t, err)
	assert.Empty(t, actions)

	list, err := f.svc.ListTrades(ctx, seller, nil, 20, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = f.svc.ListTrades(ctx, "mallory", nil, 20, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestService_CreateTradeRequiresParty(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.CreateTrade(context.Background(), "mallory", terms())
	assert.ErrorIs(t, err, trade.ErrUnauthorizedActor)

	bad := terms()
	bad.SellerID = buyer
	_, err = f.svc.CreateTrade(context.Background(), buyer, bad)
	assert.ErrorIs(t, err, trade.ErrInvalidTerms)
}
