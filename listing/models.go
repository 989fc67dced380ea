package listing

import "time"

type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusSold     Status = "sold"
	StatusArchived Status = "archived"
)

// Listing is a packaged business for sale. AskingPrice is integer
// minor-currency units.
type Listing struct {
	ID          string
	SellerID    string
	Title       string
	Category    string
	Description string
	AskingPrice int64
	TechStack   []string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Filters struct {
	Category  string
	Status    Status
	PriceMin  int64
	PriceMax  int64
	Page      int
	PageSize  int
	SortKey   string
	SortOrder string
}
