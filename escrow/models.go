package escrow

import "time"

// Status is the lifecycle state of an escrow transaction.
type Status string

const (
	StatusCreated    Status = "created"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
	StatusCancelled  Status = "cancelled"
)

// MilestoneStatus is the lifecycle state of one milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneCompleted MilestoneStatus = "completed"
	MilestoneDisputed  MilestoneStatus = "disputed"
)

// DisputeStatus is the lifecycle state of a dispute record.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
	DisputeRejected DisputeStatus = "rejected"
)

// Transaction mirrors the escrow_transactions table. Amounts are integer
// minor-currency units. CurrentMilestoneIndex is 1-based, monotonically
// non-decreasing, and never exceeds TotalMilestoneCount.
type Transaction struct {
	ID                     string
	OfferID                string
	SellerID               string
	BuyerID                string
	Currency               string
	TotalAmount            int64
	PlatformFeeAmount      int64
	CurrentMilestoneIndex  int
	TotalMilestoneCount    int
	Status                 Status
	PaymentAuthorizationID string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Milestone mirrors the milestones table. Rows are created in bulk at escrow
// creation, mutated only by complete/dispute, and never deleted.
type Milestone struct {
	EscrowID       string
	SequenceNumber int
	Description    string
	Amount         int64
	Deliverables   []string
	Delivered      []string
	Status         MilestoneStatus
	CompletedAt    *time.Time
	CompletedBy    *string
}

// Dispute mirrors the escrow_disputes table.
type Dispute struct {
	ID                string
	EscrowID          string
	MilestoneSequence int
	InitiatedBy       string
	DisputeType       string
	Description       string
	Status            DisputeStatus
	CreatedAt         time.Time
}

// MilestoneInput is the caller-supplied shape for one milestone at creation.
type MilestoneInput struct {
	Description  string
	Amount       int64
	Deliverables []string
}
