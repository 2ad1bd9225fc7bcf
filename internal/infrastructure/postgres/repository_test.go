package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2p-escrow/trade-engine/internal/domain/dispute"
	"github.com/p2p-escrow/trade-engine/internal/domain/trade"
	"github.com/p2p-escrow/trade-engine/internal/infrastructure/postgres"
	"github.com/p2p-escrow/trade-engine/internal/testutil"
)

func newTrade(t *testing.T) *trade.Trade {
	t.Helper()
	tr, err := trade.NewTrade(trade.Terms{
		ListingID:   "listing-1",
		BuyerID:     "buyer-1",
		SellerID:    "seller-1",
		AmountAsset: decimal.RequireFromString("100.125"),
		AmountLocal: decimal.NewFromInt(15000),
	}, time.Now().Truncate(time.Microsecond))
	require.NoError(t, err)
	return tr
}

func created(actor string) trade.HistoryEntry {
	return trade.HistoryEntry{
		ToStatus:   trade.StatusPending,
		Action:     trade.ActionCreate,
		Actor:      actor,
		ActorRole:  trade.RoleBuyer,
		OccurredAt: time.Now(),
	}
}

func cas(id uuid.UUID, from, to trade.Status, action trade.Action) trade.Update {
	f := from
	return trade.Update{
		TradeID:        id,
		ExpectedStatus: from,
		NewStatus:      to,
		UpdatedAt:      time.Now(),
		History:        trade.HistoryEntry{FromStatus: &f, ToStatus: to, Action: action, Actor: "seller-1", ActorRole: trade.RoleSeller, OccurredAt: time.Now()},
	}
}

func TestTradeRepository(t *testing.T) {
	pool := testutil.NewTestPool(t)
	repo := postgres.NewTradeRepository(pool)

	t.Run("create and get round trip", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		tr := newTrade(t)
		require.NoError(t, repo.Create(ctx, tr, created("buyer-1")))

		got, err := repo.GetByID(ctx, tr.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.AmountAsset.Equal(tr.AmountAsset))
		assert.True(t, got.AmountLocal.Equal(tr.AmountLocal))
		assert.Equal(t, trade.StatusPending, got.Status)
		assert.Equal(t, int64(1), got.Version)
		assert.Nil(t, got.Payment)

		missing, err := repo.GetByID(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("compare and set persists payment and history", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		tr := newTrade(t)
		require.NoError(t, repo.Create(ctx, tr, created("buyer-1")))

		_, err := repo.CompareAndSetStatus(ctx, cas(tr.ID, trade.StatusPending, trade.StatusAwaitingPayment, trade.ActionAccept))
		require.NoError(t, err)

		u := cas(tr.ID, trade.StatusAwaitingPayment, trade.StatusPaid, trade.ActionMarkPaid)
		u.Payment = &trade.PaymentDetails{Method: "bank", Details: "bank-ref-123"}
		got, err := repo.CompareAndSetStatus(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, trade.StatusPaid, got.Status)
		assert.Equal(t, int64(3), got.Version)
		require.NotNil(t, got.Payment)
		assert.Equal(t, "bank-ref-123", got.Payment.Details)

		_, err = repo.CompareAndSetStatus(ctx, cas(tr.ID, trade.StatusPending, trade.StatusCancelled, trade.ActionCancel))
		assert.ErrorIs(t, err, trade.ErrConcurrentModification)
		_, err = repo.CompareAndSetStatus(ctx, cas(uuid.New(), trade.StatusPending, trade.StatusCancelled, trade.ActionCancel))
		assert.ErrorIs(t, err, trade.ErrNotFound)

		history, err := repo.ListHistory(ctx, tr.ID)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Nil(t, history[0].FromStatus)
		assert.Equal(t, trade.StatusAwaitingPayment, *history[2].FromStatus)
		assert.Equal(t, int64(3), history[2].Version)
	})

	t.Run("concurrent compare and set has one winner", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		tr := newTrade(t)
		require.NoError(t, repo.Create(ctx, tr, created("buyer-1")))

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for _, to := range []trade.Status{trade.StatusAwaitingPayment, trade.StatusCancelled} {
			wg.Add(1)
			go func(to trade.Status) {
				defer wg.Done()
				_, err := repo.CompareAndSetStatus(ctx, cas(tr.ID, trade.StatusPending, to, trade.ActionAccept))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, trade.ErrConcurrentModification):
					conflicts++
				}
			}(to)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, 1, conflicts)
	})

	t.Run("list and messages", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		tr := newTrade(t)
		require.NoError(t, repo.Create(ctx, tr, created("buyer-1")))

		who := "seller-1"
		list, err := repo.List(ctx, trade.Filter{Participant: &who}, 10, 0)
		require.NoError(t, err)
		assert.Len(t, list, 1)
		other := "nobody"
		list, err = repo.List(ctx, trade.Filter{Participant: &other}, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, list)

		m, err := trade.NewMessage(tr.ID, "buyer-1", "paid", nil, time.Now())
		require.NoError(t, err)
		require.NoError(t, repo.CreateMessage(ctx, m))
		orphan, err := trade.NewMessage(uuid.New(), "buyer-1", "paid", nil, time.Now())
		require.NoError(t, err)
		assert.ErrorIs(t, repo.CreateMessage(ctx, orphan), trade.ErrNotFound)

		msgs, err := repo.ListMessages(ctx, tr.ID, 10, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "paid", msgs[0].Body)
	})
}

func TestDisputeRepository(t *testing.T) {
	pool := testutil.NewTestPool(t)
	trades := postgres.NewTradeRepository(pool)
	repo := postgres.NewDisputeRepository(pool, trades)

	disputed := func(t *testing.T, ctx context.Context) (*trade.Trade, *dispute.Dispute) {
		t.Helper()
		tr := newTrade(t)
		require.NoError(t, trades.Create(ctx, tr, created("buyer-1")))
		_, err := trades.CompareAndSetStatus(ctx, cas(tr.ID, trade.StatusPending, trade.StatusAwaitingPayment, trade.ActionAccept))
		require.NoError(t, err)
		_, err = trades.CompareAndSetStatus(ctx, cas(tr.ID, trade.StatusAwaitingPayment, trade.StatusDisputed, trade.ActionDispute))
		require.NoError(t, err)
		d := dispute.NewDispute(tr.ID, "buyer-1", "no payment", time.Now())
		require.NoError(t, repo.Create(ctx, d))
		return tr, d
	}

	t.Run("one dispute per trade", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		tr, d := disputed(t, ctx)

		err := repo.Create(ctx, dispute.NewDispute(tr.ID, "seller-1", "", time.Now()))
		assert.ErrorIs(t, err, dispute.ErrDisputeAlreadyOpen)

		got, err := repo.GetByTrade(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, d.ID, got.ID)

		open := dispute.StatusOpen
		list, err := repo.List(ctx, &open, 10, 0)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("stage then resolve", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		_, d := disputed(t, ctx)

		require.NoError(t, repo.StageResolution(ctx, d.ID, dispute.OutcomeCancelled, "arb-1"))
		require.NoError(t, repo.StageResolution(ctx, d.ID, dispute.OutcomeCancelled, "arb-1"))
		assert.ErrorIs(t, repo.StageResolution(ctx, d.ID, dispute.OutcomeBuyerFavored, "arb-1"), dispute.ErrOutcomeConflict)

		res := dispute.Resolution{DisputeID: d.ID, Outcome: dispute.OutcomeCancelled, ResolvedBy: "arb-1", ResolvedAt: time.Now()}
		require.NoError(t, repo.MarkResolved(ctx, res))
		assert.ErrorIs(t, repo.MarkResolved(ctx, res), dispute.ErrDisputeNotOpen)

		got, err := repo.GetByID(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, dispute.StatusResolved, got.Status)
		assert.Equal(t, dispute.OutcomeCancelled, *got.StagedOutcome)
		assert.Equal(t, dispute.OutcomeCancelled, *got.Outcome)
	})

	t.Run("resolve with trade is atomic", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		tr, d := disputed(t, ctx)
		res := dispute.Resolution{DisputeID: d.ID, Outcome: dispute.OutcomeSellerFavored, ResolvedBy: "arb-1", ResolvedAt: time.Now()}

		stale := cas(tr.ID, trade.StatusPaid, trade.StatusCompleted, trade.ActionResolveComplete)
		_, err := repo.ResolveWithTrade(ctx, res, stale)
		assert.ErrorIs(t, err, trade.ErrConcurrentModification)
		got, err := repo.GetByID(ctx, d.ID)
		require.NoError(t, err)
		assert.True(t, got.IsOpen(), "dispute update must roll back with the trade update")

		updated, err := repo.ResolveWithTrade(ctx, res, cas(tr.ID, trade.StatusDisputed, trade.StatusCompleted, trade.ActionResolveComplete))
		require.NoError(t, err)
		assert.Equal(t, trade.StatusCompleted, updated.Status)
		got, err = repo.GetByID(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, dispute.StatusResolved, got.Status)
	})
}

func TestArbitratorRepository(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	testutil.TruncateAll(t, ctx, pool)
	repo := postgres.NewArbitratorRepository(pool)

	require.NoError(t, repo.Grant(ctx, "arb-1", "arb-1"))
	ok, err := repo.IsArbitrator(ctx, "arb-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.IsArbitrator(ctx, "buyer-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
