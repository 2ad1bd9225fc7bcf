package trade

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTerms() Terms {
	return Terms{
		ListingID:   "listing-1",
		BuyerID:     "buyer-1",
		SellerID:    "seller-1",
		AmountAsset: decimal.NewFromInt(100),
		AmountLocal: decimal.NewFromInt(15000),
	}
}

func TestNewTrade(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr, err := NewTrade(validTerms(), now)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, tr.ID)
	assert.Equal(t, StatusPending, tr.Status)
	assert.Equal(t, int64(1), tr.Version)
	assert.True(t, tr.AmountAsset.Equal(decimal.NewFromInt(100)))
	assert.True(t, tr.AmountLocal.Equal(decimal.NewFromInt(15000)))
	assert.Equal(t, now, tr.CreatedAt)
	assert.Equal(t, now, tr.UpdatedAt)
	assert.Nil(t, tr.Payment)
	assert.Nil(t, tr.ReceiptRef)
}

func TestNewTrade_InvalidTerms(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Terms)
	}{
		{name: "missing listing", mutate: func(tm *Terms) { tm.ListingID = " " }},
		{name: "missing buyer", mutate: func(tm *Terms) { tm.BuyerID = "" }},
		{name: "self trade", mutate: func(tm *Terms) { tm.SellerID = tm.BuyerID }},
		{name: "self trade with padding", mutate: func(tm *Terms) { tm.SellerID = " " + tm.BuyerID + " " }},
		{name: "zero asset", mutate: func(tm *Terms) { tm.AmountAsset = decimal.Zero }},
		{name: "negative local", mutate: func(tm *Terms) { tm.AmountLocal = decimal.NewFromInt(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terms := validTerms()
			tt.mutate(&terms)
			_, err := NewTrade(terms, time.Now())
			assert.ErrorIs(t, err, ErrInvalidTerms)
		})
	}
}

func TestTrade_RoleOf(t *testing.T) {
	tr, err := NewTrade(validTerms(), time.Now())
	require.NoError(t, err)

	role, ok := tr.RoleOf("buyer-1")
	assert.True(t, ok)
	assert.Equal(t, RoleBuyer, role)

	role, ok = tr.RoleOf("seller-1")
	assert.True(t, ok)
	assert.Equal(t, RoleSeller, role)

	_, ok = tr.RoleOf("mallory")
	assert.False(t, ok)
	_, ok = tr.RoleOf("")
	assert.False(t, ok)

	assert.Equal(t, []string{"buyer-1", "seller-1"}, tr.Participants())
}

func TestParseStatus(t *testing.T) {
	for _, st := range Statuses {
		got, err := ParseStatus(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseStatus("pending")
	assert.Error(t, err)
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusDisputed.IsTerminal())
}

func TestNewMessage(t *testing.T) {
	tradeID := uuid.New()
	m, err := NewMessage(tradeID, "buyer-1", "  hello  ", nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Body)
	assert.Equal(t, tradeID, m.TradeID)

	ref := "receipts/abc.png"
	m, err = NewMessage(tradeID, "buyer-1", "", &ref, time.Now())
	require.NoError(t, err)
	require.NotNil(t, m.AttachmentRef)

	blank := " "
	_, err = NewMessage(tradeID, "buyer-1", "", &blank, time.Now())
	assert.ErrorIs(t, err, ErrInvalidMessage)

	long := make([]byte, maxMessageBody+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = NewMessage(tradeID, "buyer-1", string(long), nil, time.Now())
	assert.ErrorIs(t, err, ErrInvalidMessage)
}
