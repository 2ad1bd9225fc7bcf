package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p2p-escrow/trade-engine/internal/domain/dispute"
	"github.com/p2p-escrow/trade-engine/internal/domain/trade"
)

const disputeColumns = `dispute_id, trade_id, raised_by, reason, status, staged_outcome, staged_by, outcome, resolved_by, note, created_at, resolved_at`

// DisputeRepository implements dispute.Repository and dispute.AtomicResolver.
type DisputeRepository struct {
	pool   *pgxpool.Pool
	trades *TradeRepository
}

func NewDisputeRepository(pool *pgxpool.Pool, trades *TradeRepository) *DisputeRepository {
	return &DisputeRepository{pool: pool, trades: trades}
}

func (r *DisputeRepository) Create(ctx context.Context, d *dispute.Dispute) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO disputes (dispute_id, trade_id, raised_by, reason, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, d.ID, d.TradeID, d.RaisedBy, d.Reason, d.Status, d.CreatedAt)
	switch {
	case isUniqueViolation(err):
		return dispute.ErrDisputeAlreadyOpen
	case isForeignKeyViolation(err):
		return trade.ErrNotFound
	}
	return err
}

func (r *DisputeRepository) GetByID(ctx context.Context, disputeID uuid.UUID) (*dispute.Dispute, error) {
	return r.getOne(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE dispute_id=$1`, disputeID)
}

func (r *DisputeRepository) GetByTrade(ctx context.Context, tradeID uuid.UUID) (*dispute.Dispute, error) {
	return r.getOne(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE trade_id=$1`, tradeID)
}

func (r *DisputeRepository) List(ctx context.Context, status *dispute.Status, limit, offset int) ([]*dispute.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes`
	args := []interface{}{}
	if status != nil {
		query += ` WHERE status=$1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`
		args = append(args, *status, limit, offset)
	} else {
		query += ` ORDER BY created_at ASC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}
	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*dispute.Dispute{}
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *DisputeRepository) StageResolution(ctx context.Context, disputeID uuid.UUID, outcome dispute.Outcome, stagedBy string) error {
	return withTx(ctx, r.pool, func(ctx context.Context) error {
		d, err := r.lock(ctx, disputeID)
		if err != nil {
			return err
		}
		if err := d.Stage(outcome, stagedBy); err != nil {
			return err
		}
		_, err = conn(ctx, r.pool).Exec(ctx, `
			UPDATE disputes SET staged_outcome=$2, staged_by=$3 WHERE dispute_id=$1
		`, d.ID, d.StagedOutcome, d.StagedBy)
		return err
	})
}

func (r *DisputeRepository) MarkResolved(ctx context.Context, res dispute.Resolution) error {
	return withTx(ctx, r.pool, func(ctx context.Context) error {
		return r.markResolved(ctx, res)
	})
}

// ResolveWithTrade commits the trade update and the ruling in one
// transaction.
func (r *DisputeRepository) ResolveWithTrade(ctx context.Context, res dispute.Resolution, u trade.Update) (*trade.Trade, error) {
	var updated *trade.Trade
	err := withTx(ctx, r.pool, func(ctx context.Context) error {
		if err := r.markResolved(ctx, res); err != nil {
			return err
		}
		t, err := r.trades.CompareAndSetStatus(ctx, u)
		if err != nil {
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

func (r *DisputeRepository) markResolved(ctx context.Context, res dispute.Resolution) error {
	d, err := r.lock(ctx, res.DisputeID)
	if err != nil {
		return err
	}
	if err := d.Resolve(res.Outcome, res.ResolvedBy, res.Note, res.ResolvedAt); err != nil {
		return err
	}
	_, err = conn(ctx, r.pool).Exec(ctx, `
		UPDATE disputes SET status=$2, outcome=$3, resolved_by=$4, note=$5, resolved_at=$6
		WHERE dispute_id=$1
	`, d.ID, d.Status, d.Outcome, d.ResolvedBy, d.Note, d.ResolvedAt)
	return err
}

func (r *DisputeRepository) lock(ctx context.Context, disputeID uuid.UUID) (*dispute.Dispute, error) {
	d, err := r.getOne(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE dispute_id=$1 FOR UPDATE`, disputeID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, dispute.ErrNotFound
	}
	return d, nil
}

func (r *DisputeRepository) getOne(ctx context.Context, query string, arg any) (*dispute.Dispute, error) {
	d, err := scanDispute(conn(ctx, r.pool).QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute: %w", err)
	}
	return d, nil
}

func scanDispute(row pgx.Row) (*dispute.Dispute, error) {
	var (
		d      dispute.Dispute
		staged *string
		out    *string
	)
	if err := row.Scan(&d.ID, &d.TradeID, &d.RaisedBy, &d.Reason, &d.Status, &staged, &d.StagedBy, &out, &d.ResolvedBy, &d.Note, &d.CreatedAt, &d.ResolvedAt); err != nil {
		return nil, err
	}
	if staged != nil {
		o := dispute.Outcome(*staged)
		d.StagedOutcome = &o
	}
	if out != nil {
		o := dispute.Outcome(*out)
		d.Outcome = &o
	}
	return &d, nil
}
