package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/cozyartz/techflunky-sub004/tenant"
)

var (
	ErrForbidden    = errors.New("listing: forbidden")
	ErrInvalidState = errors.New("listing: invalid state for operation")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool        TxBeginner
	repo        Repository
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
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
	Title       string
	Category    string
	Description string
	AskingPrice int64
	TechStack   []string
}

// Create adds a draft listing owned by the calling seller. Listings start as
// drafts and become visible to buyers only once published.
func (s *Service) Create(ctx context.Context, t *tenant.Context, params CreateParams) (Listing, error) {
	if !tenant.Authorize(t, tenant.ResourceListing, "", tenant.ActionCreate) {
		return Listing{}, ErrForbidden
	}
	sellerID := t.SellerID()
	if sellerID == "" {
		return Listing{}, ErrForbidden
	}
	if strings.TrimSpace(params.Title) == "" {
		return Listing{}, fmt.Errorf("listing: title required")
	}
	if params.AskingPrice <= 0 {
		return Listing{}, fmt.Errorf("listing: asking price must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Listing{
		ID:          s.idGenerator(),
		SellerID:    sellerID,
		Title:       strings.TrimSpace(params.Title),
		Category:    params.Category,
		Description: params.Description,
		AskingPrice: params.AskingPrice,
		TechStack:   params.TechStack,
		Status:      StatusDraft,
	})
	if err != nil {
		return Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit tx: %w", err)
	}
	return created, nil
}

type ListResult struct {
	Items []Listing
	Total int
}

// List returns the catalog the caller is allowed to see. Sellers get their own
// listings, buyers and anonymous callers the active catalog, operators all.
func (s *Service) List(ctx context.Context, t *tenant.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, t, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

func (s *Service) Get(ctx context.Context, t *tenant.Context, id string) (Listing, error) {
	if id == "" {
		return Listing{}, fmt.Errorf("listing: id required")
	}
	return s.repo.Get(ctx, t, id)
}

type UpdateParams struct {
	ListingID   string
	Title       string
	Category    string
	Description string
	AskingPrice int64
	TechStack   []string
}

// Update edits a listing the caller owns. Sold listings are immutable.
func (s *Service) Update(ctx context.Context, t *tenant.Context, params UpdateParams) (Listing, error) {
	if !tenant.Authorize(t, tenant.ResourceListing, params.ListingID, tenant.ActionUpdate) {
		return Listing{}, ErrForbidden
	}
	if params.ListingID == "" {
		return Listing{}, fmt.Errorf("listing: id required")
	}
	if params.AskingPrice <= 0 {
		return Listing{}, fmt.Errorf("listing: asking price must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, params.ListingID)
	if err != nil {
		return Listing{}, err
	}
	if !t.IsOperator() && current.SellerID != t.SellerID() {
		return Listing{}, ErrForbidden
	}
	if current.Status == StatusSold {
		return Listing{}, ErrInvalidState
	}

	current.Title = strings.TrimSpace(params.Title)
	current.Category = params.Category
	current.Description = params.Description
	current.AskingPrice = params.AskingPrice
	current.TechStack = params.TechStack

	updated, err := s.repo.Update(ctx, tx, current)
	if err != nil {
		return Listing{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit tx: %w", err)
	}
	return updated, nil
}

// Publish moves a draft into the public catalog.
func (s *Service) Publish(ctx context.Context, t *tenant.Context, id string) (Listing, error) {
	return s.transition(ctx, t, id, StatusDraft, StatusActive)
}

// Archive takes a listing off the market without deleting it.
func (s *Service) Archive(ctx context.Context, t *tenant.Context, id string) (Listing, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Listing{}, err
	}
	if !t.IsOperator() && current.SellerID != t.SellerID() {
		return Listing{}, ErrForbidden
	}
	if current.Status != StatusDraft && current.Status != StatusActive {
		return Listing{}, ErrInvalidState
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, id, StatusArchived)
	if err != nil {
		return Listing{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit tx: %w", err)
	}
	return updated, nil
}

// MarkSold is called by the escrow flow when the final milestone clears. The
// tx is the escrow engine's own, so the sale and the escrow completion land
// atomically.
func (s *Service) MarkSold(ctx context.Context, tx pgx.Tx, id string) (Listing, error) {
	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Listing{}, err
	}
	if current.Status != StatusActive {
		return Listing{}, ErrInvalidState
	}
	return s.repo.UpdateStatus(ctx, tx, id, StatusSold)
}

func (s *Service) transition(ctx context.Context, t *tenant.Context, id string, from, to Status) (Listing, error) {
	if id == "" {
		return Listing{}, fmt.Errorf("listing: id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Listing{}, err
	}
	if !t.IsOperator() && current.SellerID != t.SellerID() {
		return Listing{}, ErrForbidden
	}
	if current.Status != from {
		return Listing{}, ErrInvalidState
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, id, to)
	if err != nil {
		return Listing{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit tx: %w", err)
	}
	return updated, nil
}
