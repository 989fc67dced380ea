package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/cozyartz/techflunky-sub004/listing"
	"github.com/cozyartz/techflunky-sub004/tenant"
)

var (
	ErrForbidden          = errors.New("offer: forbidden")
	ErrInvalidState       = errors.New("offer: invalid state for operation")
	ErrListingUnavailable = errors.New("offer: listing is not open for offers")
)

// ListingStore is the slice of the listing repository the offer flow needs to
// validate and lock the target listing inside its own transaction.
type ListingStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (listing.Listing, error)
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool        TxBeginner
	repo        Repository
	listings    ListingStore
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, listings ListingStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		listings:    listings,
		logger:      logger,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

type CreateParams struct {
	ListingID string
	Amount    int64
	Message   string
}

// Create places a pending offer from the calling buyer on an active listing.
// The listing row is locked so a concurrent sale cannot slip in between the
// availability check and the insert.
func (s *Service) Create(ctx context.Context, t *tenant.Context, params CreateParams) (Offer, error) {
	if !tenant.Authorize(t, tenant.ResourceOffer, "", tenant.ActionCreate) {
		return Offer{}, ErrForbidden
	}
	buyerID := t.BuyerID()
	if buyerID == "" {
		return Offer{}, ErrForbidden
	}
	if params.ListingID == "" {
		return Offer{}, fmt.Errorf("offer: listing id required")
	}
	if params.Amount <= 0 {
		return Offer{}, fmt.Errorf("offer: amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.listings.GetForUpdate(ctx, tx, params.ListingID)
	if err != nil {
		return Offer{}, err
	}
	if l.Status != listing.StatusActive {
		return Offer{}, ErrListingUnavailable
	}

	created, err := s.repo.Create(ctx, tx, Offer{
		ID:        s.idGenerator(),
		ListingID: l.ID,
		SellerID:  l.SellerID,
		BuyerID:   buyerID,
		Amount:    params.Amount,
		Message:   params.Message,
		Status:    StatusPending,
	})
	if err != nil {
		return Offer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit tx: %w", err)
	}
	return created, nil
}

type ListResult struct {
	Items []Offer
	Total int
}

// List returns offers the caller is a party to; buyers see their bids, sellers
// the bids on their listings.
func (s *Service) List(ctx context.Context, t *tenant.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, t, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// Get returns a single offer, visible only to its parties and operators.
func (s *Service) Get(ctx context.Context, t *tenant.Context, offerID string) (Offer, error) {
	if offerID == "" {
		return Offer{}, fmt.Errorf("offer: id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdate(ctx, tx, offerID)
	if err != nil {
		return Offer{}, err
	}
	if !t.IsOperator() && o.BuyerID != t.BuyerID() && o.SellerID != t.SellerID() {
		return Offer{}, ErrForbidden
	}
	return o, nil
}

// AcceptResult reports the accepted offer and how many rival bids were closed
// out with it.
type AcceptResult struct {
	Offer          Offer
	RivalsRejected int
}

// Accept marks the offer accepted and rejects every other pending offer on
// the same listing in the same transaction, so at most one offer per listing
// can ever fund an escrow.
func (s *Service) Accept(ctx context.Context, t *tenant.Context, offerID string) (AcceptResult, error) {
	if offerID == "" {
		return AcceptResult{}, fmt.Errorf("offer: id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdate(ctx, tx, offerID)
	if err != nil {
		return AcceptResult{}, err
	}
	if !t.IsOperator() && o.SellerID != t.SellerID() {
		return AcceptResult{}, ErrForbidden
	}
	if o.Status != StatusPending {
		return AcceptResult{}, ErrInvalidState
	}

	l, err := s.listings.GetForUpdate(ctx, tx, o.ListingID)
	if err != nil {
		return AcceptResult{}, err
	}
	if l.Status != listing.StatusActive {
		return AcceptResult{}, ErrListingUnavailable
	}

	accepted, err := s.repo.UpdateStatus(ctx, tx, offerID, StatusAccepted)
	if err != nil {
		return AcceptResult{}, err
	}
	rivals, err := s.repo.RejectOtherPending(ctx, tx, o.ListingID, offerID)
	if err != nil {
		return AcceptResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AcceptResult{}, fmt.Errorf("offer: commit tx: %w", err)
	}

	s.logger.Info("offer accepted",
		zap.String("offer_id", accepted.ID),
		zap.String("listing_id", accepted.ListingID),
		zap.Int("rivals_rejected", rivals),
	)

	return AcceptResult{Offer: accepted, RivalsRejected: rivals}, nil
}

// Reject declines a pending offer on the caller's listing.
func (s *Service) Reject(ctx context.Context, t *tenant.Context, offerID string) (Offer, error) {
	return s.close(ctx, t, offerID, StatusRejected, func(o Offer) bool {
		return t.IsOperator() || o.SellerID == t.SellerID()
	})
}

// Withdraw retracts the caller's own pending offer.
func (s *Service) Withdraw(ctx context.Context, t *tenant.Context, offerID string) (Offer, error) {
	return s.close(ctx, t, offerID, StatusWithdrawn, func(o Offer) bool {
		return t.IsOperator() || o.BuyerID == t.BuyerID()
	})
}

func (s *Service) close(ctx context.Context, t *tenant.Context, offerID string, status Status, allowed func(Offer) bool) (Offer, error) {
	if offerID == "" {
		return Offer{}, fmt.Errorf("offer: id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdate(ctx, tx, offerID)
	if err != nil {
		return Offer{}, err
	}
	if !allowed(o) {
		return Offer{}, ErrForbidden
	}
	if o.Status != StatusPending {
		return Offer{}, ErrInvalidState
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, offerID, status)
	if err != nil {
		return Offer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit tx: %w", err)
	}
	return updated, nil
}
