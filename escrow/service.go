package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/cozyartz/techflunky-sub004/notify"
	"github.com/cozyartz/techflunky-sub004/payment"
	"github.com/cozyartz/techflunky-sub004/reputation"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the engine requires. All writes happen inside
// the transaction the engine opened, so each operation commits atomically.
type Store interface {
	EnsureOfferAccepted(ctx context.Context, tx pgx.Tx, offerID, buyerID, sellerID string) error
	GetActiveByOffer(ctx context.Context, tx pgx.Tx, offerID string) (Transaction, bool, error)
	InsertTransaction(ctx context.Context, tx pgx.Tx, txn Transaction) (Transaction, error)
	InsertMilestones(ctx context.Context, tx pgx.Tx, milestones []Milestone) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, escrowID string) (Transaction, error)
	ListMilestones(ctx context.Context, tx pgx.Tx, escrowID string) ([]Milestone, error)
	CompleteMilestone(ctx context.Context, tx pgx.Tx, escrowID string, sequence int, completedBy string, delivered []string, at time.Time) error
	SetMilestoneStatus(ctx context.Context, tx pgx.Tx, escrowID string, sequence int, status MilestoneStatus) error
	UpdateProgress(ctx context.Context, tx pgx.Tx, escrowID string, index int, status Status) (Transaction, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, escrowID string, status Status) (Transaction, error)
	InsertDispute(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	GetOpenDispute(ctx context.Context, tx pgx.Tx, escrowID string) (Dispute, error)
	SetDisputeStatus(ctx context.Context, tx pgx.Tx, disputeID string, status DisputeStatus) error
}

// Service owns the milestone escrow lifecycle: funds are authorized once for
// the full amount, released per milestone strictly in sequence, and the sum
// released never exceeds the sum authorized.
type Service struct {
	pool         TxBeginner
	repo         Store
	payments     payment.Adapter
	notifier     notify.Notifier
	reputation   reputation.Updater
	logger       *zap.Logger
	idGenerator  func() string
	now          func() time.Time
	disputeGrace time.Duration
	finalizeSale func(ctx context.Context, tx pgx.Tx, offerID string) error
}

func NewService(pool TxBeginner, repo Store, payments payment.Adapter, notifier notify.Notifier, rep reputation.Updater, logger *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		payments:    payments,
		notifier:    notifier,
		reputation:  rep,
		logger:      logger,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithSaleFinalizer registers a callback run inside the same transaction as
// the final milestone completion, typically to mark the underlying listing
// sold. A callback error aborts the completion.
func (s *Service) WithSaleFinalizer(fn func(ctx context.Context, tx pgx.Tx, offerID string) error) *Service {
	s.finalizeSale = fn
	return s
}

// WithDisputeGrace allows disputes against completed milestones for the given
// duration after completion. The default (zero) restricts disputes to the
// active milestone.
func (s *Service) WithDisputeGrace(grace time.Duration) *Service {
	s.disputeGrace = grace
	return s
}

// CreateParams captures the funded offer and the milestone schedule.
type CreateParams struct {
	OfferID           string
	SellerID          string
	BuyerID           string
	Currency          string
	TotalAmount       int64
	PlatformFeeAmount int64
	Milestones        []MilestoneInput
}

// Create validates the schedule, places a single full-amount hold with the
// payment provider, and persists the transaction with all milestones pending.
// The returned transaction carries the authorization handle the caller needs
// to finish the buyer-facing funding flow. Retried creates for an offer that
// already has an active escrow return that escrow unchanged.
func (s *Service) Create(ctx context.Context, params CreateParams) (Transaction, error) {
	if err := validateCreate(params); err != nil {
		return Transaction{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.EnsureOfferAccepted(ctx, tx, params.OfferID, params.BuyerID, params.SellerID); err != nil {
		return Transaction{}, err
	}

	if existing, ok, err := s.repo.GetActiveByOffer(ctx, tx, params.OfferID); err != nil {
		return Transaction{}, err
	} else if ok {
		return existing, nil
	}

	currency := params.Currency
	if currency == "" {
		currency = "usd"
	}

	authID, err := s.payments.Authorize(ctx, params.TotalAmount, currency, map[string]string{
		"offer_id": params.OfferID,
		"buyer_id": params.BuyerID,
	})
	if err != nil {
		return Transaction{}, &PaymentError{Op: "authorize", Err: err}
	}

	txn := Transaction{
		ID:                     s.idGenerator(),
		OfferID:                params.OfferID,
		SellerID:               params.SellerID,
		BuyerID:                params.BuyerID,
		Currency:               currency,
		TotalAmount:            params.TotalAmount,
		PlatformFeeAmount:      params.PlatformFeeAmount,
		CurrentMilestoneIndex:  1,
		TotalMilestoneCount:    len(params.Milestones),
		Status:                 StatusCreated,
		PaymentAuthorizationID: authID,
	}

	created, err := s.repo.InsertTransaction(ctx, tx, txn)
	if err != nil {
		s.voidAuthorization(ctx, authID)
		return Transaction{}, err
	}

	milestones := make([]Milestone, len(params.Milestones))
	for i, input := range params.Milestones {
		milestones[i] = Milestone{
			EscrowID:       created.ID,
			SequenceNumber: i + 1,
			Description:    input.Description,
			Amount:         input.Amount,
			Deliverables:   input.Deliverables,
			Status:         MilestonePending,
		}
	}
	if err := s.repo.InsertMilestones(ctx, tx, milestones); err != nil {
		s.voidAuthorization(ctx, authID)
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		s.voidAuthorization(ctx, authID)
		return Transaction{}, fmt.Errorf("escrow: commit create: %w", err)
	}

	return created, nil
}

func validateCreate(params CreateParams) error {
	if params.OfferID == "" || params.SellerID == "" || params.BuyerID == "" {
		return validationf("offer, seller, and buyer ids are required")
	}
	if len(params.Milestones) == 0 {
		return validationf("at least one milestone is required")
	}
	if params.TotalAmount <= 0 {
		return validationf("total amount must be positive")
	}
	if params.PlatformFeeAmount < 0 || params.PlatformFeeAmount > params.TotalAmount {
		return validationf("platform fee must be between 0 and the total amount")
	}

	amounts := make([]int64, len(params.Milestones))
	var sum int64
	for i, m := range params.Milestones {
		if m.Amount <= 0 {
			return validationf("milestone %d amount must be positive", i+1)
		}
		amounts[i] = m.Amount
		sum += m.Amount
	}
	if sum != params.TotalAmount {
		return validationf("milestone amounts sum to %d, total is %d", sum, params.TotalAmount)
	}

	// Every milestone must net a non-negative release after its fee share,
	// including the last one, which absorbs the rounding remainder.
	for i, share := range FeeShares(params.PlatformFeeAmount, amounts) {
		if share < 0 || share > amounts[i] {
			return validationf("milestone %d fee share %d exceeds its amount %d", i+1, share, amounts[i])
		}
	}
	return nil
}

// CompleteParams identifies the milestone being completed and the evidence
// submitted with it.
type CompleteParams struct {
	EscrowID       string
	SequenceNumber int
	CompletedBy    string
	Delivered      []string
}

// CompleteResult reports what a completion released.
type CompleteResult struct {
	Transaction    Transaction
	Milestone      Milestone
	AmountReleased int64
	FeeShare       int64
	TransferID     string
}

// CompleteMilestone releases the active milestone's share of the held funds
// to the seller. Completion is strictly sequential; the transaction advances
// to completed when the final milestone clears.
func (s *Service) CompleteMilestone(ctx context.Context, params CompleteParams) (CompleteResult, error) {
	if params.EscrowID == "" {
		return CompleteResult{}, validationf("escrow id is required")
	}
	if params.CompletedBy == "" {
		return CompleteResult{}, validationf("completing identity is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := s.repo.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return CompleteResult{}, err
	}

	// created counts as implicitly in progress for the first milestone.
	if txn.Status != StatusInProgress && txn.Status != StatusCreated {
		return CompleteResult{}, &StateError{Status: txn.Status, Operation: "complete milestone"}
	}
	if params.SequenceNumber != txn.CurrentMilestoneIndex {
		return CompleteResult{}, &SequenceError{Active: txn.CurrentMilestoneIndex, Got: params.SequenceNumber}
	}

	milestones, err := s.repo.ListMilestones(ctx, tx, params.EscrowID)
	if err != nil {
		return CompleteResult{}, err
	}
	if len(milestones) != txn.TotalMilestoneCount {
		return CompleteResult{}, fmt.Errorf("escrow: milestone count mismatch for %s", params.EscrowID)
	}

	active := milestones[params.SequenceNumber-1]
	if active.Status != MilestonePending {
		return CompleteResult{}, &StateError{Status: txn.Status, Operation: "complete a non-pending milestone"}
	}

	amounts := make([]int64, len(milestones))
	for i, m := range milestones {
		amounts[i] = m.Amount
	}
	feeShare := FeeShares(txn.PlatformFeeAmount, amounts)[params.SequenceNumber-1]
	release := active.Amount - feeShare

	completedAt := s.now().UTC()
	if err := s.repo.CompleteMilestone(ctx, tx, params.EscrowID, params.SequenceNumber, params.CompletedBy, params.Delivered, completedAt); err != nil {
		return CompleteResult{}, err
	}

	final := params.SequenceNumber == txn.TotalMilestoneCount
	nextIndex := params.SequenceNumber + 1
	nextStatus := StatusInProgress
	if final {
		nextIndex = txn.TotalMilestoneCount
		nextStatus = StatusCompleted
	}
	updated, err := s.repo.UpdateProgress(ctx, tx, params.EscrowID, nextIndex, nextStatus)
	if err != nil {
		return CompleteResult{}, err
	}

	if final && s.finalizeSale != nil {
		if err := s.finalizeSale(ctx, tx, txn.OfferID); err != nil {
			return CompleteResult{}, fmt.Errorf("escrow: finalize sale for offer %s: %w", txn.OfferID, err)
		}
	}

	// The key makes a retried completion after a failed commit land on the
	// provider's original transfer instead of releasing the milestone twice.
	captureKey := fmt.Sprintf("%s/%d", params.EscrowID, params.SequenceNumber)
	transferID, err := s.payments.Capture(ctx, txn.PaymentAuthorizationID, release, txn.SellerID, captureKey)
	if err != nil {
		return CompleteResult{}, &PaymentError{Op: "capture", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return CompleteResult{}, fmt.Errorf("escrow: commit completion: %w", err)
	}

	active.Status = MilestoneCompleted
	active.CompletedAt = &completedAt
	active.CompletedBy = &params.CompletedBy
	active.Delivered = params.Delivered

	s.notifyMilestone(ctx, updated, active, release)
	if final {
		s.recordOutcome(ctx, updated, reputation.OutcomeCompleted)
	}

	return CompleteResult{
		Transaction:    updated,
		Milestone:      active,
		AmountReleased: release,
		FeeShare:       feeShare,
		TransferID:     transferID,
	}, nil
}

// DisputeParams identifies the milestone under dispute.
type DisputeParams struct {
	EscrowID       string
	SequenceNumber int
	InitiatedBy    string
	DisputeType    string
	Description    string
}

// DisputeMilestone freezes the escrow pending external resolution. Only the
// active milestone may be disputed unless a grace window for completed ones
// is configured. No funds move.
func (s *Service) DisputeMilestone(ctx context.Context, params DisputeParams) (Dispute, error) {
	if params.EscrowID == "" || params.InitiatedBy == "" {
		return Dispute{}, validationf("escrow id and initiating identity are required")
	}
	if params.DisputeType == "" {
		return Dispute{}, validationf("dispute type is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := s.repo.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return Dispute{}, err
	}
	if txn.Status != StatusInProgress && txn.Status != StatusCreated {
		return Dispute{}, &StateError{Status: txn.Status, Operation: "dispute"}
	}

	if params.SequenceNumber != txn.CurrentMilestoneIndex {
		if err := s.checkGraceDispute(ctx, tx, txn, params.SequenceNumber); err != nil {
			return Dispute{}, err
		}
	}

	dispute := Dispute{
		ID:                s.idGenerator(),
		EscrowID:          params.EscrowID,
		MilestoneSequence: params.SequenceNumber,
		InitiatedBy:       params.InitiatedBy,
		DisputeType:       params.DisputeType,
		Description:       params.Description,
		Status:            DisputeOpen,
	}
	created, err := s.repo.InsertDispute(ctx, tx, dispute)
	if err != nil {
		return Dispute{}, err
	}

	if err := s.repo.SetMilestoneStatus(ctx, tx, params.EscrowID, params.SequenceNumber, MilestoneDisputed); err != nil {
		return Dispute{}, err
	}
	updated, err := s.repo.UpdateStatus(ctx, tx, params.EscrowID, StatusDisputed)
	if err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("escrow: commit dispute: %w", err)
	}

	s.notifyParties(ctx, updated, notify.KindEscrowDisputed, map[string]any{
		"milestone": params.SequenceNumber,
		"type":      params.DisputeType,
	})

	return created, nil
}

// checkGraceDispute admits a dispute against a completed milestone when it
// finished within the configured grace window.
func (s *Service) checkGraceDispute(ctx context.Context, tx pgx.Tx, txn Transaction, sequence int) error {
	if s.disputeGrace <= 0 {
		return &SequenceError{Active: txn.CurrentMilestoneIndex, Got: sequence}
	}

	milestones, err := s.repo.ListMilestones(ctx, tx, txn.ID)
	if err != nil {
		return err
	}
	if sequence < 1 || sequence > len(milestones) {
		return &SequenceError{Active: txn.CurrentMilestoneIndex, Got: sequence}
	}

	m := milestones[sequence-1]
	if m.Status != MilestoneCompleted || m.CompletedAt == nil {
		return &SequenceError{Active: txn.CurrentMilestoneIndex, Got: sequence}
	}
	if s.now().Sub(*m.CompletedAt) > s.disputeGrace {
		return &SequenceError{Active: txn.CurrentMilestoneIndex, Got: sequence}
	}
	return nil
}

// Resolution is the outcome of external dispute review.
type Resolution string

const (
	// ResolutionResume rejects the dispute and reopens the milestone.
	ResolutionResume Resolution = "resume"
	// ResolutionCancel upholds the dispute and cancels the escrow, voiding
	// the uncaptured remainder.
	ResolutionCancel Resolution = "cancel"
)

// ResolveDispute applies the external review outcome to a disputed escrow.
// The review itself happens outside this engine; this is the transition it
// triggers.
func (s *Service) ResolveDispute(ctx context.Context, escrowID string, resolution Resolution) (Transaction, error) {
	if escrowID == "" {
		return Transaction{}, validationf("escrow id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Transaction{}, err
	}
	if txn.Status != StatusDisputed {
		return Transaction{}, &StateError{Status: txn.Status, Operation: "resolve"}
	}

	dispute, err := s.repo.GetOpenDispute(ctx, tx, escrowID)
	if err != nil {
		return Transaction{}, err
	}

	var updated Transaction
	switch resolution {
	case ResolutionResume:
		if err := s.repo.SetDisputeStatus(ctx, tx, dispute.ID, DisputeRejected); err != nil {
			return Transaction{}, err
		}
		restored, err := s.statusBeforeDispute(ctx, tx, txn, dispute.MilestoneSequence)
		if err != nil {
			return Transaction{}, err
		}
		if err := s.repo.SetMilestoneStatus(ctx, tx, escrowID, dispute.MilestoneSequence, restored); err != nil {
			return Transaction{}, err
		}
		updated, err = s.repo.UpdateStatus(ctx, tx, escrowID, StatusInProgress)
		if err != nil {
			return Transaction{}, err
		}

	case ResolutionCancel:
		if err := s.repo.SetDisputeStatus(ctx, tx, dispute.ID, DisputeResolved); err != nil {
			return Transaction{}, err
		}
		updated, err = s.repo.UpdateStatus(ctx, tx, escrowID, StatusCancelled)
		if err != nil {
			return Transaction{}, err
		}
		if err := s.payments.VoidRemaining(ctx, txn.PaymentAuthorizationID); err != nil {
			return Transaction{}, &PaymentError{Op: "void", Err: err}
		}

	default:
		return Transaction{}, validationf("unknown resolution %q", resolution)
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit resolution: %w", err)
	}

	if resolution == ResolutionCancel {
		s.recordOutcome(ctx, updated, reputation.OutcomeDisputed)
		s.notifyParties(ctx, updated, notify.KindEscrowCancelled, map[string]any{"reason": "dispute upheld"})
	}

	return updated, nil
}

// statusBeforeDispute returns the status the disputed milestone held before
// the freeze. A milestone disputed within the grace window was already
// completed and paid; flipping it back to pending would strand it behind the
// advanced index and leave funds with no matching completion.
func (s *Service) statusBeforeDispute(ctx context.Context, tx pgx.Tx, txn Transaction, sequence int) (MilestoneStatus, error) {
	milestones, err := s.repo.ListMilestones(ctx, tx, txn.ID)
	if err != nil {
		return MilestonePending, err
	}
	if sequence < 1 || sequence > len(milestones) {
		return MilestonePending, fmt.Errorf("escrow: disputed milestone %d out of range", sequence)
	}
	if milestones[sequence-1].CompletedAt != nil {
		return MilestoneCompleted, nil
	}
	return MilestonePending, nil
}

// Cancel voids the uncaptured remainder of the authorization and terminates
// the escrow. Milestones already paid out stay paid; the provider's
// void-remainder semantics decide what flows back to the buyer.
func (s *Service) Cancel(ctx context.Context, escrowID, reason string) (Transaction, error) {
	if escrowID == "" {
		return Transaction{}, validationf("escrow id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Transaction{}, err
	}
	if txn.Status != StatusCreated && txn.Status != StatusInProgress {
		return Transaction{}, &StateError{Status: txn.Status, Operation: "cancel"}
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, escrowID, StatusCancelled)
	if err != nil {
		return Transaction{}, err
	}

	if err := s.payments.VoidRemaining(ctx, txn.PaymentAuthorizationID); err != nil {
		return Transaction{}, &PaymentError{Op: "void", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit cancel: %w", err)
	}

	s.recordOutcome(ctx, updated, reputation.OutcomeCancelled)
	s.notifyParties(ctx, updated, notify.KindEscrowCancelled, map[string]any{"reason": reason})

	return updated, nil
}

// Get returns the escrow and its milestone schedule.
func (s *Service) Get(ctx context.Context, escrowID string) (Transaction, []Milestone, error) {
	if escrowID == "" {
		return Transaction{}, nil, validationf("escrow id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, nil, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Transaction{}, nil, err
	}
	milestones, err := s.repo.ListMilestones(ctx, tx, escrowID)
	if err != nil {
		return Transaction{}, nil, err
	}
	return txn, milestones, nil
}

// voidAuthorization is the best-effort unwind when persistence fails after
// the provider already holds the funds.
func (s *Service) voidAuthorization(ctx context.Context, authID string) {
	if err := s.payments.VoidRemaining(ctx, authID); err != nil {
		s.logger.Warn("void of dangling authorization failed",
			zap.String("authorization_id", authID),
			zap.Error(err),
		)
	}
}

func (s *Service) notifyMilestone(ctx context.Context, txn Transaction, m Milestone, released int64) {
	kind := notify.KindMilestoneCompleted
	if txn.Status == StatusCompleted {
		kind = notify.KindEscrowCompleted
	}
	s.notifyParties(ctx, txn, kind, map[string]any{
		"milestone": m.SequenceNumber,
		"released":  released,
	})
}

// notifyParties is fire-and-forget: a failed notification is logged and never
// fails the transition that triggered it.
func (s *Service) notifyParties(ctx context.Context, txn Transaction, kind string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	for _, recipient := range []string{txn.SellerID, txn.BuyerID} {
		event := notify.Event{
			Kind:        kind,
			RecipientID: recipient,
			EscrowID:    txn.ID,
			Payload:     payload,
		}
		if err := s.notifier.Notify(ctx, event); err != nil {
			s.logger.Warn("notification delivery failed",
				zap.String("escrow_id", txn.ID),
				zap.String("kind", kind),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) recordOutcome(ctx context.Context, txn Transaction, outcome reputation.Outcome) {
	if s.reputation == nil {
		return
	}
	for _, identity := range []string{txn.SellerID, txn.BuyerID} {
		if err := s.reputation.Record(ctx, identity, outcome, txn.TotalAmount); err != nil {
			s.logger.Warn("reputation update failed",
				zap.String("escrow_id", txn.ID),
				zap.String("identity", identity),
				zap.Error(err),
			)
		}
	}
}
