package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when no escrow row exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrOfferNotFound signals the funded offer does not exist.
	ErrOfferNotFound = errors.New("escrow: offer not found")
	// ErrOfferNotAccepted signals the offer is not in an accepted state.
	ErrOfferNotAccepted = errors.New("escrow: offer not accepted")
	// ErrOfferPartyMismatch signals the caller is not a party to the offer.
	ErrOfferPartyMismatch = errors.New("escrow: offer parties do not match")
	// ErrDuplicateEscrow signals an active escrow already funds the offer.
	ErrDuplicateEscrow = errors.New("escrow: offer already has an active escrow")
	// ErrNoOpenDispute signals a resolution attempt with nothing to resolve.
	ErrNoOpenDispute = errors.New("escrow: no open dispute")
)

// PGRepository implements the engine's Store against PostgreSQL. All methods
// run inside the caller's transaction so each engine operation commits as a
// single atomic unit.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const transactionColumns = `
	id, offer_id, seller_id, buyer_id, currency, total_amount,
	platform_fee_amount, current_milestone_index, total_milestone_count,
	status, payment_authorization_id, created_at, updated_at
`

// EnsureOfferAccepted verifies the offer exists, is accepted, and belongs to
// the given parties. The row is locked so the offer cannot flip state while
// the escrow is being created.
func (r *PGRepository) EnsureOfferAccepted(ctx context.Context, tx pgx.Tx, offerID, buyerID, sellerID string) error {
	const query = `
		SELECT buyer_id, seller_id, status
		FROM offers
		WHERE id = $1
		FOR UPDATE
	`

	var (
		gotBuyer  string
		gotSeller string
		status    string
	)
	if err := tx.QueryRow(ctx, query, offerID).Scan(&gotBuyer, &gotSeller, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOfferNotFound
		}
		return fmt.Errorf("escrow: load offer: %w", err)
	}
	if status != "accepted" {
		return ErrOfferNotAccepted
	}
	if gotBuyer != buyerID || gotSeller != sellerID {
		return ErrOfferPartyMismatch
	}
	return nil
}

// GetActiveByOffer returns the non-terminal escrow funding the offer, if any.
func (r *PGRepository) GetActiveByOffer(ctx context.Context, tx pgx.Tx, offerID string) (Transaction, bool, error) {
	query := `SELECT ` + transactionColumns + `
		FROM escrow_transactions
		WHERE offer_id = $1 AND status IN ('created', 'in_progress', 'disputed')
		LIMIT 1
	`

	txn, err := scanTransaction(tx.QueryRow(ctx, query, offerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, fmt.Errorf("escrow: check active escrow: %w", err)
	}
	return txn, true, nil
}

// InsertTransaction persists a new escrow row and returns it with the
// database-assigned timestamps.
func (r *PGRepository) InsertTransaction(ctx context.Context, tx pgx.Tx, txn Transaction) (Transaction, error) {
	query := `
		INSERT INTO escrow_transactions (
			id, offer_id, seller_id, buyer_id, currency, total_amount,
			platform_fee_amount, current_milestone_index, total_milestone_count,
			status, payment_authorization_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + transactionColumns

	created, err := scanTransaction(tx.QueryRow(ctx, query,
		txn.ID,
		txn.OfferID,
		txn.SellerID,
		txn.BuyerID,
		txn.Currency,
		txn.TotalAmount,
		txn.PlatformFeeAmount,
		txn.CurrentMilestoneIndex,
		txn.TotalMilestoneCount,
		txn.Status,
		txn.PaymentAuthorizationID,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Transaction{}, ErrDuplicateEscrow
		}
		return Transaction{}, fmt.Errorf("escrow: insert transaction: %w", err)
	}
	return created, nil
}

// InsertMilestones persists the full milestone schedule in one batch.
func (r *PGRepository) InsertMilestones(ctx context.Context, tx pgx.Tx, milestones []Milestone) error {
	const query = `
		INSERT INTO milestones (escrow_id, sequence_number, description, amount, deliverables, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	batch := &pgx.Batch{}
	for _, m := range milestones {
		batch.Queue(query, m.EscrowID, m.SequenceNumber, m.Description, m.Amount, m.Deliverables, m.Status)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for range milestones {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("escrow: insert milestone: %w", err)
		}
	}
	return nil
}

// GetForUpdate loads and row-locks the escrow, serializing all operations on
// the same escrow id.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, escrowID string) (Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM escrow_transactions
		WHERE id = $1
		FOR UPDATE
	`

	txn, err := scanTransaction(tx.QueryRow(ctx, query, escrowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: load for update: %w", err)
	}
	return txn, nil
}

// ListMilestones returns the escrow's milestones ordered by sequence number.
func (r *PGRepository) ListMilestones(ctx context.Context, tx pgx.Tx, escrowID string) ([]Milestone, error) {
	const query = `
		SELECT escrow_id, sequence_number, description, amount, deliverables,
		       delivered, status, completed_at, completed_by
		FROM milestones
		WHERE escrow_id = $1
		ORDER BY sequence_number ASC
	`

	rows, err := tx.Query(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list milestones: %w", err)
	}
	defer rows.Close()

	milestones := make([]Milestone, 0, 4)
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(
			&m.EscrowID,
			&m.SequenceNumber,
			&m.Description,
			&m.Amount,
			&m.Deliverables,
			&m.Delivered,
			&m.Status,
			&m.CompletedAt,
			&m.CompletedBy,
		); err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		milestones = append(milestones, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate milestones: %w", err)
	}
	return milestones, nil
}

// CompleteMilestone marks the milestone completed with the completer identity
// and submitted deliverables.
func (r *PGRepository) CompleteMilestone(ctx context.Context, tx pgx.Tx, escrowID string, sequence int, completedBy string, delivered []string, at time.Time) error {
	const query = `
		UPDATE milestones
		SET status = 'completed', completed_at = $1, completed_by = $2, delivered = $3
		WHERE escrow_id = $4 AND sequence_number = $5 AND status = 'pending'
	`

	tag, err := tx.Exec(ctx, query, at, completedBy, delivered, escrowID, sequence)
	if err != nil {
		return fmt.Errorf("escrow: complete milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow: milestone %d not pending", sequence)
	}
	return nil
}

// SetMilestoneStatus flips a milestone's status, used by dispute and
// resolution flows.
func (r *PGRepository) SetMilestoneStatus(ctx context.Context, tx pgx.Tx, escrowID string, sequence int, status MilestoneStatus) error {
	const query = `
		UPDATE milestones
		SET status = $1
		WHERE escrow_id = $2 AND sequence_number = $3
	`

	tag, err := tx.Exec(ctx, query, status, escrowID, sequence)
	if err != nil {
		return fmt.Errorf("escrow: set milestone status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow: milestone %d not found", sequence)
	}
	return nil
}

// UpdateProgress advances the active index and transaction status together.
func (r *PGRepository) UpdateProgress(ctx context.Context, tx pgx.Tx, escrowID string, index int, status Status) (Transaction, error) {
	query := `
		UPDATE escrow_transactions
		SET current_milestone_index = $1, status = $2, updated_at = now()
		WHERE id = $3
		RETURNING ` + transactionColumns

	txn, err := scanTransaction(tx.QueryRow(ctx, query, index, status, escrowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: update progress: %w", err)
	}
	return txn, nil
}

// UpdateStatus changes only the transaction status.
func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, escrowID string, status Status) (Transaction, error) {
	query := `
		UPDATE escrow_transactions
		SET status = $1, updated_at = now()
		WHERE id = $2
		RETURNING ` + transactionColumns

	txn, err := scanTransaction(tx.QueryRow(ctx, query, status, escrowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: update status: %w", err)
	}
	return txn, nil
}

// InsertDispute persists a new dispute record.
func (r *PGRepository) InsertDispute(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	const query = `
		INSERT INTO escrow_disputes (id, escrow_id, milestone_sequence, initiated_by, dispute_type, description, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, escrow_id, milestone_sequence, initiated_by, dispute_type, description, status, created_at
	`

	var created Dispute
	err := tx.QueryRow(ctx, query,
		d.ID, d.EscrowID, d.MilestoneSequence, d.InitiatedBy, d.DisputeType, d.Description, d.Status,
	).Scan(
		&created.ID,
		&created.EscrowID,
		&created.MilestoneSequence,
		&created.InitiatedBy,
		&created.DisputeType,
		&created.Description,
		&created.Status,
		&created.CreatedAt,
	)
	if err != nil {
		return Dispute{}, fmt.Errorf("escrow: insert dispute: %w", err)
	}
	return created, nil
}

// GetOpenDispute loads and locks the escrow's open dispute.
func (r *PGRepository) GetOpenDispute(ctx context.Context, tx pgx.Tx, escrowID string) (Dispute, error) {
	const query = `
		SELECT id, escrow_id, milestone_sequence, initiated_by, dispute_type, description, status, created_at
		FROM escrow_disputes
		WHERE escrow_id = $1 AND status = 'open'
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`

	var d Dispute
	err := tx.QueryRow(ctx, query, escrowID).Scan(
		&d.ID,
		&d.EscrowID,
		&d.MilestoneSequence,
		&d.InitiatedBy,
		&d.DisputeType,
		&d.Description,
		&d.Status,
		&d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNoOpenDispute
		}
		return Dispute{}, fmt.Errorf("escrow: load open dispute: %w", err)
	}
	return d, nil
}

// SetDisputeStatus closes out a dispute record.
func (r *PGRepository) SetDisputeStatus(ctx context.Context, tx pgx.Tx, disputeID string, status DisputeStatus) error {
	const query = `UPDATE escrow_disputes SET status = $1 WHERE id = $2`

	tag, err := tx.Exec(ctx, query, status, disputeID)
	if err != nil {
		return fmt.Errorf("escrow: set dispute status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow: dispute %s not found", disputeID)
	}
	return nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var txn Transaction
	err := row.Scan(
		&txn.ID,
		&txn.OfferID,
		&txn.SellerID,
		&txn.BuyerID,
		&txn.Currency,
		&txn.TotalAmount,
		&txn.PlatformFeeAmount,
		&txn.CurrentMilestoneIndex,
		&txn.TotalMilestoneCount,
		&txn.Status,
		&txn.PaymentAuthorizationID,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		return Transaction{}, err
	}
	return txn, nil
}
