package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ArbitratorRepository implements dispute.Authorizer over the arbitrators table.
type ArbitratorRepository struct {
	pool *pgxpool.Pool
}

func NewArbitratorRepository(pool *pgxpool.Pool) *ArbitratorRepository {
	return &ArbitratorRepository{pool: pool}
}

func (r *ArbitratorRepository) IsArbitrator(ctx context.Context, identity string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM arbitrators WHERE identity=$1)`, identity).Scan(&ok)
	return ok, err
}

// Grant adds identities to the arbitrator role. Existing grants are kept.
func (r *ArbitratorRepository) Grant(ctx context.Context, identities ...string) error {
	for _, id := range identities {
		if _, err := r.pool.Exec(ctx, `INSERT INTO arbitrators (identity) VALUES ($1) ON CONFLICT (identity) DO NOTHING`, id); err != nil {
			return err
		}
	}
	return nil
}
