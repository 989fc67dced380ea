// Package notify delivers marketplace notifications. The escrow engine calls
// it best-effort: a failed delivery is logged by the caller and never blocks
// a state transition.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event kinds emitted by the escrow engine.
const (
	KindMilestoneCompleted = "escrow.milestone_completed"
	KindEscrowCompleted    = "escrow.completed"
	KindEscrowDisputed     = "escrow.disputed"
	KindEscrowCancelled    = "escrow.cancelled"
)

// Event is one outbound notification.
type Event struct {
	Kind        string
	RecipientID string
	EscrowID    string
	Payload     map[string]any
}

// Notifier is the outbound sink the engine fires events into.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// PGNotifier enqueues notifications into an outbox-style table for a delivery
// worker to drain. Writing a row is the whole delivery contract here; email
// and in-app fan-out live outside this repository.
type PGNotifier struct {
	pool *pgxpool.Pool
}

func NewPGNotifier(pool *pgxpool.Pool) *PGNotifier {
	return &PGNotifier{pool: pool}
}

func (n *PGNotifier) Notify(ctx context.Context, event Event) error {
	if event.Kind == "" || event.RecipientID == "" {
		return fmt.Errorf("notify: kind and recipient required")
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if event.EscrowID != "" {
		payload["escrow_id"] = event.EscrowID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	const insertSQL = `
		INSERT INTO notifications (kind, recipient_id, payload, status)
		VALUES ($1, $2, $3::jsonb, 'pending')
	`
	if _, err := n.pool.Exec(ctx, insertSQL, event.Kind, event.RecipientID, body); err != nil {
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	return nil
}
