package offer

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

// Offer is a buyer's bid on a listing. SellerID is denormalized from the
// listing at creation so ownership scoping never needs a join.
type Offer struct {
	ID        string
	ListingID string
	SellerID  string
	BuyerID   string
	Amount    int64
	Message   string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Filters struct {
	ListingID string
	Status    Status
	Page      int
	PageSize  int
}
