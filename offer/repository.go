package offer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cozyartz/techflunky-sub004/tenant"
)

var ErrNotFound = errors.New("offer: not found")

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error)
	List(ctx context.Context, t *tenant.Context, filters Filters) ([]Offer, int, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Offer, error)
	RejectOtherPending(ctx context.Context, tx pgx.Tx, listingID, acceptedOfferID string) (int, error)
}

const offerColumns = "id, listing_id, seller_id, buyer_id, amount, message, status, created_at, updated_at"

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error) {
	query := `
		INSERT INTO offers (id, listing_id, seller_id, buyer_id, amount, message, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + offerColumns

	row := tx.QueryRow(ctx, query, o.ID, o.ListingID, o.SellerID, o.BuyerID, o.Amount, o.Message, o.Status)
	created, err := scanOffer(row)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) List(ctx context.Context, t *tenant.Context, filters Filters) ([]Offer, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	base := "SELECT " + offerColumns + " FROM offers"
	where := []string{}
	args := []any{}

	if filters.ListingID != "" {
		where = append(where, fmt.Sprintf("listing_id=$%d", len(args)+1))
		args = append(args, filters.ListingID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}

	query := base
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query, args, err := tenant.ScopeQuery(t, query, args, tenant.ResourceOffer)
	if err != nil {
		return nil, 0, err
	}

	countQuery := strings.Replace(query, "SELECT "+offerColumns, "SELECT COUNT(*)", 1)

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize
	query = fmt.Sprintf("%s ORDER BY created_at DESC LIMIT %d OFFSET %d", query, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("offer: query list: %w", err)
	}
	defer rows.Close()

	list := []Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("offer: scan list: %w", err)
		}
		list = append(list, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("offer: iterate list: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("offer: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error) {
	query := "SELECT " + offerColumns + " FROM offers WHERE id = $1 FOR UPDATE"

	o, err := scanOffer(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: get for update: %w", err)
	}
	return o, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Offer, error) {
	query := `
		UPDATE offers
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + offerColumns

	o, err := scanOffer(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Offer{}, fmt.Errorf("offer: update status: %w", err)
	}
	return o, nil
}

// RejectOtherPending closes out the losing bids when one offer is accepted.
func (r *PGRepository) RejectOtherPending(ctx context.Context, tx pgx.Tx, listingID, acceptedOfferID string) (int, error) {
	const query = `
		UPDATE offers
		SET status = 'rejected',
		    updated_at = now()
		WHERE listing_id = $1
		  AND id <> $2
		  AND status = 'pending'
	`

	tag, err := tx.Exec(ctx, query, listingID, acceptedOfferID)
	if err != nil {
		return 0, fmt.Errorf("offer: reject other pending: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	return o, row.Scan(
		&o.ID,
		&o.ListingID,
		&o.SellerID,
		&o.BuyerID,
		&o.Amount,
		&o.Message,
		&o.Status,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
}
