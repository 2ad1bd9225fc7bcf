package trade

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the on-the-wire trade status vocabulary.
type Status string

const (
	StatusPending         Status = "Pending"
	StatusAwaitingPayment Status = "AwaitingPayment"
	StatusPaid            Status = "Paid"
	StatusAwaitingRelease Status = "AwaitingRelease"
	StatusCompleted       Status = "Completed"
	StatusCancelled       Status = "Cancelled"
	StatusDisputed        Status = "Disputed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusAwaitingPayment,
	StatusPaid,
	StatusAwaitingRelease,
	StatusCompleted,
	StatusCancelled,
	StatusDisputed,
}

// ParseStatus accepts the exact wire token.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown trade status %q", s)
}

// IsTerminal reports whether no party or arbitrator can move the trade further.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Role is the capacity in which an identity acts on a trade.
type Role string

const (
	RoleBuyer      Role = "buyer"
	RoleSeller     Role = "seller"
	RoleArbitrator Role = "arbitrator"
)

// PaymentDetails is the off-platform payment declaration supplied by the buyer.
// Details carries the payment reference.
type PaymentDetails struct {
	Method  string `json:"method,omitempty"`
	Details string `json:"details"`
	Note    string `json:"note,omitempty"`
}

// Trade is a single exchange between a buyer and a seller.
type Trade struct {
	ID          uuid.UUID       `json:"id"`
	ListingID   string          `json:"listingId"`
	BuyerID     string          `json:"buyerId"`
	SellerID    string          `json:"sellerId"`
	AmountAsset decimal.Decimal `json:"amountAsset"`
	AmountLocal decimal.Decimal `json:"amountLocal"`
	Status      Status          `json:"status"`
	Payment     *PaymentDetails `json:"payment,omitempty"`
	ReceiptRef  *string         `json:"receiptRef,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Terms are the commercial terms handed over by the listing service.
type Terms struct {
	ListingID   string
	BuyerID     string
	SellerID    string
	AmountAsset decimal.Decimal
	AmountLocal decimal.Decimal
}

// NewTrade validates terms and returns a Pending trade.
func NewTrade(terms Terms, now time.Time) (*Trade, error) {
	buyer := strings.TrimSpace(terms.BuyerID)
	seller := strings.TrimSpace(terms.SellerID)
	switch {
	case strings.TrimSpace(terms.ListingID) == "":
		return nil, fmt.Errorf("%w: listing id is required", ErrInvalidTerms)
	case buyer == "" || seller == "":
		return nil, fmt.Errorf("%w: buyer and seller are required", ErrInvalidTerms)
	case buyer == seller:
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidTerms)
	case !terms.AmountAsset.IsPositive():
		return nil, fmt.Errorf("%w: asset amount must be positive", ErrInvalidTerms)
	case !terms.AmountLocal.IsPositive():
		return nil, fmt.Errorf("%w: local amount must be positive", ErrInvalidTerms)
	}
	now = now.UTC()
	return &Trade{
		ID:          uuid.New(),
		ListingID:   strings.TrimSpace(terms.ListingID),
		BuyerID:     buyer,
		SellerID:    seller,
		AmountAsset: terms.AmountAsset,
		AmountLocal: terms.AmountLocal,
		Status:      StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// RoleOf resolves an identity to its role on this trade.
func (t *Trade) RoleOf(identity string) (Role, bool) {
	switch identity {
	case "":
		return "", false
	case t.BuyerID:
		return RoleBuyer, true
	case t.SellerID:
		return RoleSeller, true
	default:
		return "", false
	}
}

// Participants returns the buyer and seller identities.
func (t *Trade) Participants() []string {
	return []string{t.BuyerID, t.SellerID}
}

// HistoryEntry is an append-only audit record of an accepted change.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	TradeID    uuid.UUID `json:"tradeId"`
	Version    int64     `json:"version"`
	FromStatus *Status   `json:"fromStatus,omitempty"`
	ToStatus   Status    `json:"toStatus"`
	Action     Action    `json:"action"`
	Actor      string    `json:"actor"`
	ActorRole  Role      `json:"actorRole,omitempty"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

const maxMessageBody = 2000

// Message is a chat message exchanged between the two parties of a trade.
type Message struct {
	ID            uuid.UUID `json:"id"`
	TradeID       uuid.UUID `json:"tradeId"`
	SenderID      string    `json:"senderId"`
	Body          string    `json:"body"`
	AttachmentRef *string   `json:"attachmentRef,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NewMessage validates and builds a message.
func NewMessage(tradeID uuid.UUID, senderID, body string, attachmentRef *string, now time.Time) (*Message, error) {
	body = strings.TrimSpace(body)
	if attachmentRef != nil && strings.TrimSpace(*attachmentRef) == "" {
		attachmentRef = nil
	}
	if body == "" && attachmentRef == nil {
		return nil, fmt.Errorf("%w: body or attachment is required", ErrInvalidMessage)
	}
	if len(body) > maxMessageBody {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidMessage, maxMessageBody)
	}
	return &Message{
		ID:            uuid.New(),
		TradeID:       tradeID,
		SenderID:      senderID,
		Body:          body,
		AttachmentRef: attachmentRef,
		CreatedAt:     now.UTC(),
	}, nil
}
