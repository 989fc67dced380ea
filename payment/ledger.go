package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerAdapter is an Adapter backed by a payment_ledger table. It stands in
// for the real card-payments provider in development and integration tests
// while keeping the provider's accounting rules: captures draw down a single
// authorization and can never exceed it.
type LedgerAdapter struct {
	pool        *pgxpool.Pool
	idGenerator func() string
}

func NewLedgerAdapter(pool *pgxpool.Pool) *LedgerAdapter {
	return &LedgerAdapter{
		pool:        pool,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (a *LedgerAdapter) WithIDGenerator(gen func() string) *LedgerAdapter {
	a.idGenerator = gen
	return a
}

func (a *LedgerAdapter) Authorize(ctx context.Context, amount int64, currency string, metadata map[string]string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("payment: authorization amount must be positive")
	}
	if currency == "" {
		currency = "usd"
	}

	id := "auth_" + a.idGenerator()
	const insertSQL = `
		INSERT INTO payment_ledger (id, kind, amount, currency, status)
		VALUES ($1, 'authorization', $2, $3, 'held')
	`
	if _, err := a.pool.Exec(ctx, insertSQL, id, amount, currency); err != nil {
		return "", fmt.Errorf("payment: record authorization: %w", err)
	}
	return id, nil
}

func (a *LedgerAdapter) Capture(ctx context.Context, authorizationID string, amount int64, destination, idempotencyKey string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("payment: capture amount must be positive")
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("payment: begin capture: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		authorized int64
		status     string
	)
	const lockSQL = `
		SELECT amount, status FROM payment_ledger
		WHERE id = $1 AND kind = 'authorization'
		FOR UPDATE
	`
	if err := tx.QueryRow(ctx, lockSQL, authorizationID).Scan(&authorized, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAuthorizationNotFound
		}
		return "", fmt.Errorf("payment: load authorization: %w", err)
	}
	if status != "held" {
		return "", ErrAuthorizationNotFound
	}

	if idempotencyKey != "" {
		var existing string
		const dupSQL = `
			SELECT id FROM payment_ledger
			WHERE parent_id = $1 AND kind = 'capture' AND idempotency_key = $2
		`
		err := tx.QueryRow(ctx, dupSQL, authorizationID, idempotencyKey).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("payment: check idempotency key: %w", err)
		}
	}

	var captured int64
	const sumSQL = `
		SELECT COALESCE(SUM(amount), 0) FROM payment_ledger
		WHERE parent_id = $1 AND kind = 'capture'
	`
	if err := tx.QueryRow(ctx, sumSQL, authorizationID).Scan(&captured); err != nil {
		return "", fmt.Errorf("payment: sum captures: %w", err)
	}
	if captured+amount > authorized {
		return "", ErrInsufficientAuthorization
	}

	transferID := "tr_" + a.idGenerator()
	var key any
	if idempotencyKey != "" {
		key = idempotencyKey
	}
	const insertSQL = `
		INSERT INTO payment_ledger (id, parent_id, kind, amount, destination, status, idempotency_key)
		VALUES ($1, $2, 'capture', $3, $4, 'settled', $5)
	`
	if _, err := tx.Exec(ctx, insertSQL, transferID, authorizationID, amount, destination, key); err != nil {
		return "", fmt.Errorf("payment: record capture: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("payment: commit capture: %w", err)
	}
	return transferID, nil
}

func (a *LedgerAdapter) VoidRemaining(ctx context.Context, authorizationID string) error {
	const updateSQL = `
		UPDATE payment_ledger
		SET status = 'voided'
		WHERE id = $1 AND kind = 'authorization' AND status = 'held'
	`
	tag, err := a.pool.Exec(ctx, updateSQL, authorizationID)
	if err != nil {
		return fmt.Errorf("payment: void authorization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAuthorizationNotFound
	}
	return nil
}
