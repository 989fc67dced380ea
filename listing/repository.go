package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cozyartz/techflunky-sub004/tenant"
)

var ErrNotFound = errors.New("listing: not found")

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, l Listing) (Listing, error)
	List(ctx context.Context, t *tenant.Context, filters Filters) ([]Listing, int, error)
	Get(ctx context.Context, t *tenant.Context, id string) (Listing, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Listing, error)
	Update(ctx context.Context, tx pgx.Tx, l Listing) (Listing, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Listing, error)
}

const listingColumns = "id, seller_id, title, category, description, asking_price, tech_stack, status, created_at, updated_at"

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, l Listing) (Listing, error) {
	query := `
		INSERT INTO listings (id, seller_id, title, category, description, asking_price, tech_stack, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + listingColumns

	row := tx.QueryRow(ctx, query,
		l.ID,
		l.SellerID,
		l.Title,
		l.Category,
		l.Description,
		l.AskingPrice,
		l.TechStack,
		l.Status,
	)
	created, err := scanListing(row)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: insert: %w", err)
	}
	return created, nil
}

// List applies the caller's filters, then the tenant scope on top of them.
// The scope is not optional: an unscopable caller gets an error, never the
// unfiltered table.
func (r *PGRepository) List(ctx context.Context, t *tenant.Context, filters Filters) ([]Listing, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	base := "SELECT " + listingColumns + " FROM listings"
	where := []string{}
	args := []any{}

	if filters.Category != "" {
		where = append(where, fmt.Sprintf("category=$%d", len(args)+1))
		args = append(args, filters.Category)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.PriceMin > 0 {
		where = append(where, fmt.Sprintf("asking_price>=$%d", len(args)+1))
		args = append(args, filters.PriceMin)
	}
	if filters.PriceMax > 0 {
		where = append(where, fmt.Sprintf("asking_price<=$%d", len(args)+1))
		args = append(args, filters.PriceMax)
	}

	query := base
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query, args, err := tenant.ScopeQuery(t, query, args, tenant.ResourceListing)
	if err != nil {
		return nil, 0, err
	}

	countQuery := strings.Replace(query, "SELECT "+listingColumns, "SELECT COUNT(*)", 1)

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}
	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize
	query = fmt.Sprintf("%s ORDER BY %s %s LIMIT %d OFFSET %d", query, sortKey, sortOrder, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing: query list: %w", err)
	}
	defer rows.Close()

	list := []Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("listing: scan list: %w", err)
		}
		list = append(list, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing: iterate list: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("listing: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) Get(ctx context.Context, t *tenant.Context, id string) (Listing, error) {
	base := "SELECT " + listingColumns + " FROM listings WHERE id = $1"
	query, args, err := tenant.ScopeQuery(t, base, []any{id}, tenant.ResourceListing)
	if err != nil {
		return Listing{}, err
	}

	l, err := scanListing(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get: %w", err)
	}
	return l, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Listing, error) {
	query := "SELECT " + listingColumns + " FROM listings WHERE id = $1 FOR UPDATE"

	l, err := scanListing(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get for update: %w", err)
	}
	return l, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, l Listing) (Listing, error) {
	query := `
		UPDATE listings
		SET title = $2,
		    category = $3,
		    description = $4,
		    asking_price = $5,
		    tech_stack = $6,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + listingColumns

	row := tx.QueryRow(ctx, query, l.ID, l.Title, l.Category, l.Description, l.AskingPrice, l.TechStack)
	updated, err := scanListing(row)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: update: %w", err)
	}
	return updated, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Listing, error) {
	query := `
		UPDATE listings
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + listingColumns

	updated, err := scanListing(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Listing{}, fmt.Errorf("listing: update status: %w", err)
	}
	return updated, nil
}

func scanListing(row pgx.Row) (Listing, error) {
	var l Listing
	return l, row.Scan(
		&l.ID,
		&l.SellerID,
		&l.Title,
		&l.Category,
		&l.Description,
		&l.AskingPrice,
		&l.TechStack,
		&l.Status,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
}

func mapSortKey(key string) string {
	switch key {
	case "askingPrice":
		return "asking_price"
	case "title":
		return "title"
	case "status":
		return "status"
	case "updatedAt":
		return "updated_at"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}
