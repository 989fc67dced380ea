// Package reputation records trade outcomes for scoring. Calls are
// best-effort from the escrow engine's point of view.
package reputation

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Outcome classifies how a funded deal concluded for an identity.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeDisputed  Outcome = "disputed"
)

// Updater receives the terminal outcome of an escrow for both parties.
type Updater interface {
	Record(ctx context.Context, identityID string, outcome Outcome, amount int64) error
}

// PGUpdater appends reputation events to Postgres.
type PGUpdater struct {
	pool *pgxpool.Pool
}

func NewPGUpdater(pool *pgxpool.Pool) *PGUpdater {
	return &PGUpdater{pool: pool}
}

func (u *PGUpdater) Record(ctx context.Context, identityID string, outcome Outcome, amount int64) error {
	if identityID == "" {
		return fmt.Errorf("reputation: identity required")
	}

	const insertSQL = `
		INSERT INTO reputation_events (identity_id, outcome, amount)
		VALUES ($1, $2, $3)
	`
	if _, err := u.pool.Exec(ctx, insertSQL, identityID, outcome, amount); err != nil {
		return fmt.Errorf("reputation: record event: %w", err)
	}
	return nil
}
