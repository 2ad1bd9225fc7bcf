package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/p2p-escrow/trade-engine/internal/domain/trade"
)

const tradeColumns = `trade_id, listing_id, buyer_id, seller_id, amount_asset::text, amount_local::text, status, payment, receipt_ref, version, created_at, updated_at`

// TradeRepository implements trade.Repository.
type TradeRepository struct {
	pool *pgxpool.Pool
}

func NewTradeRepository(pool *pgxpool.Pool) *TradeRepository {
	return &TradeRepository{pool: pool}
}

func (r *TradeRepository) Create(ctx context.Context, t *trade.Trade, created trade.HistoryEntry) error {
	payment, err := marshalPayment(t.Payment)
	if err != nil {
		return err
	}
	return withTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)
		if _, err := q.Exec(ctx, `
			INSERT INTO trades
			(trade_id, listing_id, buyer_id, seller_id, amount_asset, amount_local, status, payment, receipt_ref, version, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5::numeric,$6::numeric,$7,$8,$9,$10,$11,$12)
		`, t.ID, t.ListingID, t.BuyerID, t.SellerID, t.AmountAsset.String(), t.AmountLocal.String(), t.Status, payment, t.ReceiptRef, t.Version, t.CreatedAt, t.UpdatedAt); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		created.TradeID = t.ID
		created.Version = t.Version
		return insertHistory(ctx, q, &created)
	})
}

func (r *TradeRepository) GetByID(ctx context.Context, tradeID uuid.UUID) (*trade.Trade, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE trade_id=$1`, tradeID)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (r *TradeRepository) List(ctx context.Context, filter trade.Filter, limit, offset int) ([]*trade.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades`
	args := []interface{}{}
	idx := 1
	if filter.Participant != nil {
		query += addWhere(query) + " (buyer_id=$" + strconv.Itoa(idx) + " OR seller_id=$" + strconv.Itoa(idx) + ")"
		args = append(args, *filter.Participant)
		idx++
	}
	if filter.Status != nil {
		query += addWhere(query) + " status=$" + strconv.Itoa(idx)
		args = append(args, *filter.Status)
		idx++
	}
	query += " ORDER BY created_at DESC, trade_id DESC LIMIT $" + strconv.Itoa(idx) + " OFFSET $" + strconv.Itoa(idx+1)
	args = append(args, limit, offset)

	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*trade.Trade{}
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CompareAndSetStatus updates the trade only while its stored status still
// equals u.ExpectedStatus, bumping the version and appending the history
// entry in the same transaction.
func (r *TradeRepository) CompareAndSetStatus(ctx context.Context, u trade.Update) (*trade.Trade, error) {
	payment, err := marshalPayment(u.Payment)
	if err != nil {
		return nil, err
	}
	var updated *trade.Trade
	err = withTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)
		row := q.QueryRow(ctx, `
			UPDATE trades
			SET status=$3, updated_at=$4,
				payment=COALESCE($5::jsonb, payment),
				receipt_ref=COALESCE($6::text, receipt_ref),
				version=version+1
			WHERE trade_id=$1 AND status=$2
			RETURNING `+tradeColumns,
			u.TradeID, u.ExpectedStatus, u.NewStatus, u.UpdatedAt, payment, u.ReceiptRef)
		t, err := scanTrade(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return r.casMiss(ctx, q, u)
		}
		if err != nil {
			return fmt.Errorf("update trade status: %w", err)
		}
		h := u.History
		h.TradeID = t.ID
		h.Version = t.Version
		if err := insertHistory(ctx, q, &h); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *TradeRepository) casMiss(ctx context.Context, q querier, u trade.Update) error {
	var current trade.Status
	err := q.QueryRow(ctx, `SELECT status FROM trades WHERE trade_id=$1`, u.TradeID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return trade.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: expected %s, found %s", trade.ErrConcurrentModification, u.ExpectedStatus, current)
}

func (r *TradeRepository) ListHistory(ctx context.Context, tradeID uuid.UUID) ([]*trade.HistoryEntry, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, trade_id, version, from_status, to_status, action, actor, actor_role, note, occurred_at
		FROM trade_history WHERE trade_id=$1 ORDER BY version ASC, id ASC
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*trade.HistoryEntry{}
	for rows.Next() {
		var (
			h         trade.HistoryEntry
			from      *string
			actorRole *string
			note      *string
		)
		if err := rows.Scan(&h.ID, &h.TradeID, &h.Version, &from, &h.ToStatus, &h.Action, &h.Actor, &actorRole, &note, &h.OccurredAt); err != nil {
			return nil, err
		}
		if from != nil {
			st := trade.Status(*from)
			h.FromStatus = &st
		}
		if actorRole != nil {
			h.ActorRole = trade.Role(*actorRole)
		}
		if note != nil {
			h.Note = *note
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (r *TradeRepository) CreateMessage(ctx context.Context, m *trade.Message) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO trade_messages (message_id, trade_id, sender_id, body, attachment_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, m.ID, m.TradeID, m.SenderID, m.Body, m.AttachmentRef, m.CreatedAt)
	if isForeignKeyViolation(err) {
		return trade.ErrNotFound
	}
	return err
}

func (r *TradeRepository) ListMessages(ctx context.Context, tradeID uuid.UUID, limit, offset int) ([]*trade.Message, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT message_id, trade_id, sender_id, body, attachment_ref, created_at
		FROM trade_messages WHERE trade_id=$1
		ORDER BY created_at ASC, message_id ASC LIMIT $2 OFFSET $3
	`, tradeID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*trade.Message{}
	for rows.Next() {
		var m trade.Message
		if err := rows.Scan(&m.ID, &m.TradeID, &m.SenderID, &m.Body, &m.AttachmentRef, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func insertHistory(ctx context.Context, q querier, h *trade.HistoryEntry) error {
	var actorRole, note *string
	if h.ActorRole != "" {
		s := string(h.ActorRole)
		actorRole = &s
	}
	if h.Note != "" {
		note = &h.Note
	}
	err := q.QueryRow(ctx, `
		INSERT INTO trade_history (trade_id, version, from_status, to_status, action, actor, actor_role, note, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, h.TradeID, h.Version, h.FromStatus, h.ToStatus, h.Action, h.Actor, actorRole, note, h.OccurredAt).Scan(&h.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: version %d already recorded", trade.ErrConcurrentModification, h.Version)
	}
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func scanTrade(row pgx.Row) (*trade.Trade, error) {
	var (
		t           trade.Trade
		amountAsset string
		amountLocal string
		payment     []byte
	)
	if err := row.Scan(&t.ID, &t.ListingID, &t.BuyerID, &t.SellerID, &amountAsset, &amountLocal, &t.Status, &payment, &t.ReceiptRef, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.AmountAsset, err = decimal.NewFromString(amountAsset); err != nil {
		return nil, fmt.Errorf("parse amount_asset: %w", err)
	}
	if t.AmountLocal, err = decimal.NewFromString(amountLocal); err != nil {
		return nil, fmt.Errorf("parse amount_local: %w", err)
	}
	if len(payment) > 0 {
		var p trade.PaymentDetails
		if err := json.Unmarshal(payment, &p); err != nil {
			return nil, fmt.Errorf("parse payment: %w", err)
		}
		t.Payment = &p
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func marshalPayment(p *trade.PaymentDetails) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payment: %w", err)
	}
	return b, nil
}
