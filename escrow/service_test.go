package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/cozyartz/techflunky-sub004/notify"
	"github.com/cozyartz/techflunky-sub004/reputation"
)

func newTestService(t *testing.T) (*Service, *memStore, *fakeAdapter, *recordingNotifier, *recordingReputation) {
	t.Helper()
	store := newMemStore()
	store.addOffer("offer-1", "buyer-1", "seller-1", "accepted")
	adapter := newFakeAdapter()
	notifier := &recordingNotifier{}
	rep := &recordingReputation{}

	svc := NewService(&memPool{store: store}, store, adapter, notifier, rep, zap.NewNop())
	var seq int
	svc.WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	})
	return svc, store, adapter, notifier, rep
}

func threeEqualMilestones() []MilestoneInput {
	return []MilestoneInput{
		{Description: "handover repo", Amount: 10000, Deliverables: []string{"source archive"}},
		{Description: "deploy to buyer infra", Amount: 10000, Deliverables: []string{"running instance"}},
		{Description: "transfer domain and accounts", Amount: 10000, Deliverables: []string{"credentials"}},
	}
}

func createFunded(t *testing.T, svc *Service) Transaction {
	t.Helper()
	txn, err := svc.Create(context.Background(), CreateParams{
		OfferID:           "offer-1",
		SellerID:          "seller-1",
		BuyerID:           "buyer-1",
		TotalAmount:       30000,
		PlatformFeeAmount: 2400,
		Milestones:        threeEqualMilestones(),
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return txn
}

func TestCreate_AmountMismatchPersistsNothing(t *testing.T) {
	svc, store, adapter, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), CreateParams{
		OfferID:           "offer-1",
		SellerID:          "seller-1",
		BuyerID:           "buyer-1",
		TotalAmount:       31000,
		PlatformFeeAmount: 2400,
		Milestones:        threeEqualMilestones(),
	})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if n := store.escrowCount(); n != 0 {
		t.Fatalf("expected nothing persisted, found %d escrows", n)
	}
	if adapter.authorizeCalls() != 0 {
		t.Fatal("payment authorization must not be attempted on invalid input")
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"missing parties", CreateParams{OfferID: "offer-1", TotalAmount: 100, Milestones: []MilestoneInput{{Amount: 100}}}},
		{"no milestones", CreateParams{OfferID: "offer-1", SellerID: "s", BuyerID: "b", TotalAmount: 100}},
		{"zero milestone amount", CreateParams{OfferID: "offer-1", SellerID: "s", BuyerID: "b", TotalAmount: 100,
			Milestones: []MilestoneInput{{Amount: 100}, {Amount: 0}}}},
		{"fee exceeds total", CreateParams{OfferID: "offer-1", SellerID: "s", BuyerID: "b", TotalAmount: 100, PlatformFeeAmount: 101,
			Milestones: []MilestoneInput{{Amount: 100}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.params)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestCreate_Succeeds(t *testing.T) {
	svc, store, adapter, _, _ := newTestService(t)

	txn := createFunded(t, svc)

	if txn.Status != StatusCreated {
		t.Fatalf("status = %s, want %s", txn.Status, StatusCreated)
	}
	if txn.CurrentMilestoneIndex != 1 {
		t.Fatalf("index = %d, want 1", txn.CurrentMilestoneIndex)
	}
	if txn.TotalMilestoneCount != 3 {
		t.Fatalf("count = %d, want 3", txn.TotalMilestoneCount)
	}
	if txn.PaymentAuthorizationID == "" {
		t.Fatal("expected an authorization handle on the created escrow")
	}
	if got := adapter.authorizedAmount(txn.PaymentAuthorizationID); got != 30000 {
		t.Fatalf("authorized %d, want the full 30000", got)
	}

	milestones := store.milestonesFor(txn.ID)
	if len(milestones) != 3 {
		t.Fatalf("persisted %d milestones, want 3", len(milestones))
	}
	for i, m := range milestones {
		if m.SequenceNumber != i+1 {
			t.Fatalf("milestone %d has sequence %d, want contiguous 1..N", i, m.SequenceNumber)
		}
		if m.Status != MilestonePending {
			t.Fatalf("milestone %d status = %s, want pending", i+1, m.Status)
		}
	}
}

func TestCreate_NotAcceptedOffer(t *testing.T) {
	svc, store, adapter, _, _ := newTestService(t)
	store.addOffer("offer-2", "buyer-1", "seller-1", "pending")

	_, err := svc.Create(context.Background(), CreateParams{
		OfferID:           "offer-2",
		SellerID:          "seller-1",
		BuyerID:           "buyer-1",
		TotalAmount:       30000,
		PlatformFeeAmount: 2400,
		Milestones:        threeEqualMilestones(),
	})
	if !errors.Is(err, ErrOfferNotAccepted) {
		t.Fatalf("expected ErrOfferNotAccepted, got %v", err)
	}
	if adapter.authorizeCalls() != 0 {
		t.Fatal("no authorization should be placed for an unaccepted offer")
	}
}

func TestCreate_IdempotentForActiveOffer(t *testing.T) {
	svc, _, adapter, _, _ := newTestService(t)

	first := createFunded(t, svc)
	second := createFunded(t, svc)

	if first.ID != second.ID {
		t.Fatalf("retried create returned a new escrow %s, want existing %s", second.ID, first.ID)
	}
	if adapter.authorizeCalls() != 1 {
		t.Fatalf("authorize called %d times, want exactly once", adapter.authorizeCalls())
	}
}

func TestCreate_AuthorizeFailure(t *testing.T) {
	svc, store, adapter, _, _ := newTestService(t)
	adapter.authorizeErr = errors.New("card declined")

	_, err := svc.Create(context.Background(), CreateParams{
		OfferID:           "offer-1",
		SellerID:          "seller-1",
		BuyerID:           "buyer-1",
		TotalAmount:       30000,
		PlatformFeeAmount: 2400,
		Milestones:        threeEqualMilestones(),
	})

	var perr *PaymentError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if n := store.escrowCount(); n != 0 {
		t.Fatalf("expected no escrow after declined authorization, found %d", n)
	}
}

// Full staged-release walkthrough: 30000 across three 10000 milestones with
// a 2400 fee. Non-sequential completion must fail; each release is the
// milestone amount minus its proportional fee share.
func TestCompleteMilestone_EndToEnd(t *testing.T) {
	svc, store, adapter, notifier, rep := newTestService(t)
	ctx := context.Background()
	txn := createFunded(t, svc)

	res, err := svc.CompleteMilestone(ctx, CompleteParams{
		EscrowID:       txn.ID,
		SequenceNumber: 1,
		CompletedBy:    "seller-1",
		Delivered:      []string{"source archive"},
	})
	if err != nil {
		t.Fatalf("complete milestone 1: %v", err)
	}
	if res.AmountReleased != 9200 {
		t.Fatalf("released %d, want 10000 - 800 = 9200", res.AmountReleased)
	}
	if res.FeeShare != 800 {
		t.Fatalf("fee share %d, want 800", res.FeeShare)
	}
	if res.Transaction.CurrentMilestoneIndex != 2 {
		t.Fatalf("index = %d, want 2", res.Transaction.CurrentMilestoneIndex)
	}
	if res.Transaction.Status != StatusInProgress {
		t.Fatalf("status = %s, want %s", res.Transaction.Status, StatusInProgress)
	}

	// Skipping milestone 2 must fail, not silently reorder.
	_, err = svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 3, CompletedBy: "seller-1"})
	var serr *SequenceError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SequenceError for out-of-order completion, got %v", err)
	}
	if serr.Active != 2 || serr.Got != 3 {
		t.Fatalf("SequenceError = %+v, want active 2 got 3", serr)
	}

	res, err = svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 2, CompletedBy: "seller-1"})
	if err != nil {
		t.Fatalf("complete milestone 2: %v", err)
	}
	if res.Transaction.CurrentMilestoneIndex != 3 {
		t.Fatalf("index = %d, want 3", res.Transaction.CurrentMilestoneIndex)
	}

	res, err = svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 3, CompletedBy: "seller-1"})
	if err != nil {
		t.Fatalf("complete milestone 3: %v", err)
	}
	if res.Transaction.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", res.Transaction.Status, StatusCompleted)
	}
	if res.Transaction.CurrentMilestoneIndex != 3 {
		t.Fatalf("index must not exceed the milestone count, got %d", res.Transaction.CurrentMilestoneIndex)
	}

	if got := adapter.capturedTotal(txn.PaymentAuthorizationID); got != 27600 {
		t.Fatalf("total released %d, want 27600 (fees retained 2400)", got)
	}

	// Milestone statuses must be exactly {1..N} completed, no gaps.
	for _, m := range store.milestonesFor(txn.ID) {
		if m.Status != MilestoneCompleted {
			t.Fatalf("milestone %d status = %s, want completed", m.SequenceNumber, m.Status)
		}
		if m.CompletedAt == nil || m.CompletedBy == nil {
			t.Fatalf("milestone %d missing completion audit fields", m.SequenceNumber)
		}
	}

	if !rep.has("seller-1", reputation.OutcomeCompleted) || !rep.has("buyer-1", reputation.OutcomeCompleted) {
		t.Fatalf("expected completion outcome for both parties, got %v", rep.events)
	}
	if notifier.countKind(notify.KindEscrowCompleted) == 0 {
		t.Fatal("expected completion notifications")
	}
}

func TestCompleteMilestone_SequenceMonotonic(t *testing.T) {
	svc, store, _, _, _ := newTestService(t)
	ctx := context.Background()
	txn := createFunded(t, svc)

	if _, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 1, CompletedBy: "seller-1"}); err != nil {
		t.Fatalf("complete 1: %v", err)
	}

	current := store.escrow(t, txn.ID)
	for _, m := range store.milestonesFor(txn.ID) {
		completed := m.SequenceNumber < current.CurrentMilestoneIndex
		if completed && m.Status != MilestoneCompleted {
			t.Fatalf("milestone %d below index should be completed, is %s", m.SequenceNumber, m.Status)
		}
		if !completed && m.Status != MilestonePending {
			t.Fatalf("milestone %d at/above index should be pending, is %s", m.SequenceNumber, m.Status)
		}
	}
}

func TestCompleteMilestone_NoDoubleRelease(t *testing.T) {
	svc, _, adapter, _, _ := newTestService(t)
	ctx := context.Background()
	txn := createFunded(t, svc)

	if _, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 1, CompletedBy: "seller-1"}); err != nil {
		t.Fatalf("first completion: %v", err)
	}

	_, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 1, CompletedBy: "seller-1"})
	var serr *SequenceError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SequenceError on redo, got %v", err)
	}
	if got := adapter.captureCalls(); got != 1 {
		t.Fatalf("capture invoked %d times for milestone 1, want exactly once", got)
	}
}

func TestCompleteMilestone_PaymentFailureLeavesStateUnchanged(t *testing.T) {
	svc, store, adapter, _, _ := newTestService(t)
	ctx := context.Background()
	txn := createFunded(t, svc)

	adapter.captureErr = errors.New("provider timeout")
	_, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 1, CompletedBy: "seller-1"})

	var perr *PaymentError
	if !errors.As(err, &perr) {
		t.Fatalf("expected retryable PaymentError, got %v", err)
	}

	after := store.escrow(t, txn.ID)
	if after.CurrentMilestoneIndex != 1 || after.Status != StatusCreated {
		t.Fatalf("state changed despite payment failure: index %d status %s", after.CurrentMilestoneIndex, after.Status)
	}
	if store.milestonesFor(txn.ID)[0].Status != MilestonePending {
		t.Fatal("milestone 1 must stay pending after rollback")
	}

	// The whole operation is retryable once the provider recovers.
	adapter.captureErr = nil
	if _, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 1, CompletedBy: "seller-1"}); err != nil {
		t.Fatalf("retry after provider recovery: %v", err)
	}
}

func TestFeeConservation_UnevenAmounts(t *testing.T) {
	svc, _, adapter, _, _ := newTestService(t)
	ctx := context.Background()

	txn, err := svc.Create(ctx, CreateParams{
		OfferID:           "offer-1",
		SellerID:          "seller-1",
		BuyerID:           "buyer-1",
		TotalAmount:       10000,
		PlatformFeeAmount: 800,
		Milestones: []MilestoneInput{
			{Description: "one", Amount: 3333},
			{Description: "two", Amount: 3333},
			{Description: "three", Amount: 3334},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var feeTotal int64
	for seq := 1; seq <= 3; seq++ {
		res, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: seq, CompletedBy: "seller-1"})
		if err != nil {
			t.Fatalf("complete %d: %v", seq, err)
		}
		feeTotal += res.FeeShare
		if res.AmountReleased < 0 {
			t.Fatalf("milestone %d net release went negative: %d", seq, res.AmountReleased)
		}
	}

	if feeTotal != 800 {
		t.Fatalf("fee shares sum to %d, want exactly 800", feeTotal)
	}
	if got := adapter.capturedTotal(txn.PaymentAuthorizationID); got != 9200 {
		t.Fatalf("released %d, want 9200", got)
	}
}

func TestDispute_FreezesCompletions(t *testing.T) {
	svc, store, adapter, _, _ := newTestService(t)
	ctx := context.Background()
	txn := createFunded(t, svc)

	d, err := svc.DisputeMilestone(ctx, DisputeParams{
		EscrowID:       txn.ID,
		SequenceNumber: 1,
		InitiatedBy:    "buyer-1",
		DisputeType:    "deliverable_rejected",
		Description:    "repo archive missing source history",
	})
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if d.Status != DisputeOpen {
		t.Fatalf("dispute status = %s, want open", d.Status)
	}
	if store.escrow(t, txn.ID).Status != StatusDisputed {
		t.Fatal("escrow should be frozen in disputed")
	}
	if adapter.captureCalls() != 0 {
		t.Fatal("no funds may move on dispute")
	}

	// Frozen: completion attempts fail with StateError until resolution,
	// every time.
	for i := 0; i < 2; i++ {
		_, err = svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 1, CompletedBy: "seller-1"})
		var sterr *StateError
		if !errors.As(err, &sterr) {
			t.Fatalf("attempt %d: expected StateError while disputed, got %v", i+1, err)
		}
	}
}

func TestDispute_OnlyActiveMilestoneByDefault(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()
	txn := createFunded(t, svc)

	if _, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 1, CompletedBy: "seller-1"}); err != nil {
		t.Fatalf("complete 1: %v", err)
	}

	_, err := svc.DisputeMilestone(ctx, DisputeParams{
		EscrowID:       txn.ID,
		SequenceNumber: 1,
		InitiatedBy:    "buyer-1",
		DisputeType:    "deliverable_rejected",
	})
	var serr *SequenceError
	if !errors.As(err, &serr) {
		t.Fatalf("completed milestones are not disputable by default, got %v", err)
	}
}

func TestDispute_CompletedMilestoneWithinGrace(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	svc.WithDisputeGrace(48 * time.Hour)
	ctx := context.Background()
	txn := createFunded(t, svc)

	base := time.Now().UTC()
	svc.WithClock(func() time.Time { return base })
	if _, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 1, CompletedBy: "seller-1"}); err != nil {
		t.Fatalf("complete 1: %v", err)
	}

	svc.WithClock(func() time.Time { return base.Add(24 * time.Hour) })
	if _, err := svc.DisputeMilestone(ctx, DisputeParams{
		EscrowID:       txn.ID,
		SequenceNumber: 1,
		InitiatedBy:    "buyer-1",
		DisputeType:    "deliverable_rejected",
	}); err != nil {
		t.Fatalf("dispute within grace window: %v", err)
	}
}

func TestDispute_CompletedMilestoneBeyondGrace(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	svc.WithDisputeGrace(48 * time.Hour)
	ctx := context.Background()
	txn := createFunded(t, svc)

	base := time.Now().UTC()
	svc.WithClock(func() time.Time { return base })
	if _, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 1, CompletedBy: "seller-1"}); err != nil {
		t.Fatalf("complete 1: %v", err)
	}

	svc.WithClock(func() time.Time { return base.Add(72 * time.Hour) })
	_, err := svc.DisputeMilestone(ctx, DisputeParams{
		EscrowID:       txn.ID,
		SequenceNumber: 1,
		InitiatedBy:    "buyer-1",
		DisputeType:    "deliverable_rejected",
	})
	var serr *SequenceError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SequenceError beyond grace, got %v", err)
	}
}

func TestResolveDispute_Resume(t *testing.T) {
	svc, store, _, _, _ := newTestService(t)
	ctx := context.Background()
	txn := createFunded(t, svc)

	if _, err := svc.DisputeMilestone(ctx, DisputeParams{
		EscrowID: txn.ID, SequenceNumber: 1, InitiatedBy: "buyer-1", DisputeType: "deliverable_rejected",
	}); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	updated, err := svc.ResolveDispute(ctx, txn.ID, ResolutionResume)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if updated.Status != StatusInProgress {
		t.Fatalf("status = %s, want in_progress after resume", updated.Status)
	}
	if store.milestonesFor(txn.ID)[0].Status != MilestonePending {
		t.Fatal("disputed milestone should be pending again after resume")
	}

	// The thaw unblocks completion.
	if _, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 1, CompletedBy: "seller-1"}); err != nil {
		t.Fatalf("complete after resume: %v", err)
	}
}

func TestResolveDispute_Cancel(t *testing.T) {
	svc, _, adapter, _, rep := newTestService(t)
	ctx := context.Background()
	txn := createFunded(t, svc)

	if _, err := svc.DisputeMilestone(ctx, DisputeParams{
		EscrowID: txn.ID, SequenceNumber: 1, InitiatedBy: "buyer-1", DisputeType: "deliverable_rejected",
	}); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	updated, err := svc.ResolveDispute(ctx, txn.ID, ResolutionCancel)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if updated.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", updated.Status)
	}
	if !adapter.voided(txn.PaymentAuthorizationID) {
		t.Fatal("remaining authorization should be voided on cancel")
	}
	if !rep.has("seller-1", reputation.OutcomeDisputed) {
		t.Fatal("expected disputed outcome recorded")
	}
}

func TestResolveDispute_RequiresDisputedState(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	txn := createFunded(t, svc)

	_, err := svc.ResolveDispute(context.Background(), txn.ID, ResolutionResume)
	var sterr *StateError
	if !errors.As(err, &sterr) {
		t.Fatalf("expected StateError resolving an undisputed escrow, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	svc, _, adapter, _, rep := newTestService(t)
	ctx := context.Background()
	txn := createFunded(t, svc)

	updated, err := svc.Cancel(ctx, txn.ID, "buyer walked away")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", updated.Status)
	}
	if !adapter.voided(txn.PaymentAuthorizationID) {
		t.Fatal("authorization should be voided")
	}
	if !rep.has("buyer-1", reputation.OutcomeCancelled) {
		t.Fatal("expected cancelled outcome recorded")
	}

	// Terminal: no further operations.
	_, err = svc.Cancel(ctx, txn.ID, "again")
	var sterr *StateError
	if !errors.As(err, &sterr) {
		t.Fatalf("expected StateError cancelling twice, got %v", err)
	}
	_, err = svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 1, CompletedBy: "seller-1"})
	if !errors.As(err, &sterr) {
		t.Fatalf("expected StateError completing on cancelled escrow, got %v", err)
	}
}

func TestCancel_VoidFailureLeavesStateUnchanged(t *testing.T) {
	svc, store, adapter, _, _ := newTestService(t)
	txn := createFunded(t, svc)

	adapter.voidErr = errors.New("provider unavailable")
	_, err := svc.Cancel(context.Background(), txn.ID, "cold feet")

	var perr *PaymentError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if store.escrow(t, txn.ID).Status != StatusCreated {
		t.Fatal("escrow must stay in its prior state when void fails")
	}
}

func TestGet(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	txn := createFunded(t, svc)

	got, milestones, err := svc.Get(context.Background(), txn.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != txn.ID {
		t.Fatalf("got escrow %s, want %s", got.ID, txn.ID)
	}
	if len(milestones) != 3 {
		t.Fatalf("got %d milestones, want 3", len(milestones))
	}

	if _, _, err := svc.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- in-memory fakes ---

type memOffer struct {
	buyerID  string
	sellerID string
	status   string
}

// memStore implements Store over maps, with a real per-escrow row lock so the
// blocking behavior of SELECT ... FOR UPDATE is observable in tests. Writes
// are staged on the transaction and published at commit, so a rollback leaves
// the committed state untouched.
type memStore struct {
	mu             sync.Mutex
	offers         map[string]memOffer
	escrows        map[string]Transaction
	milestones     map[string][]Milestone
	disputes       map[string]Dispute
	rowLocks       map[string]*sync.Mutex
	failNextCommit bool
}

func newMemStore() *memStore {
	return &memStore{
		offers:     make(map[string]memOffer),
		escrows:    make(map[string]Transaction),
		milestones: make(map[string][]Milestone),
		disputes:   make(map[string]Dispute),
		rowLocks:   make(map[string]*sync.Mutex),
	}
}

// failCommitOnce makes the next Commit fail after discarding its staged
// writes, like a backend dying between the provider call and the commit.
func (s *memStore) failCommitOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextCommit = true
}

func (s *memStore) addOffer(id, buyerID, sellerID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[id] = memOffer{buyerID: buyerID, sellerID: sellerID, status: status}
}

func (s *memStore) escrowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.escrows)
}

func (s *memStore) escrow(t *testing.T, id string) Transaction {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.escrows[id]
	if !ok {
		t.Fatalf("escrow %s not in store", id)
	}
	return txn
}

func (s *memStore) milestonesFor(id string) []Milestone {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Milestone, len(s.milestones[id]))
	copy(out, s.milestones[id])
	return out
}

func mem(tx pgx.Tx) *memTx { return tx.(*memTx) }

func (s *memStore) EnsureOfferAccepted(ctx context.Context, tx pgx.Tx, offerID, buyerID, sellerID string) error {
	s.mu.Lock()
	offer, ok := s.offers[offerID]
	s.mu.Unlock()
	if !ok {
		return ErrOfferNotFound
	}
	if offer.status != "accepted" {
		return ErrOfferNotAccepted
	}
	if offer.buyerID != buyerID || offer.sellerID != sellerID {
		return ErrOfferPartyMismatch
	}
	return nil
}

func (s *memStore) GetActiveByOffer(ctx context.Context, tx pgx.Tx, offerID string) (Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, txn := range s.escrows {
		if txn.OfferID == offerID && txn.Status != StatusCompleted && txn.Status != StatusCancelled {
			return txn, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (s *memStore) InsertTransaction(ctx context.Context, tx pgx.Tx, txn Transaction) (Transaction, error) {
	txn.CreatedAt = time.Now().UTC()
	txn.UpdatedAt = txn.CreatedAt
	mem(tx).stage(func() {
		s.escrows[txn.ID] = txn
	})
	return txn, nil
}

func (s *memStore) InsertMilestones(ctx context.Context, tx pgx.Tx, milestones []Milestone) error {
	ms := make([]Milestone, len(milestones))
	copy(ms, milestones)
	mem(tx).stage(func() {
		for _, m := range ms {
			s.milestones[m.EscrowID] = append(s.milestones[m.EscrowID], m)
		}
	})
	return nil
}

func (s *memStore) GetForUpdate(ctx context.Context, tx pgx.Tx, escrowID string) (Transaction, error) {
	s.mu.Lock()
	if _, ok := s.escrows[escrowID]; !ok {
		s.mu.Unlock()
		return Transaction{}, ErrNotFound
	}
	lock, ok := s.rowLocks[escrowID]
	if !ok {
		lock = &sync.Mutex{}
		s.rowLocks[escrowID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	mem(tx).hold(lock)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escrows[escrowID], nil
}

func (s *memStore) ListMilestones(ctx context.Context, tx pgx.Tx, escrowID string) ([]Milestone, error) {
	return s.milestonesFor(escrowID), nil
}

func (s *memStore) CompleteMilestone(ctx context.Context, tx pgx.Tx, escrowID string, sequence int, completedBy string, delivered []string, at time.Time) error {
	mem(tx).stage(func() {
		ms := s.milestones[escrowID]
		m := &ms[sequence-1]
		m.Status = MilestoneCompleted
		m.CompletedAt = &at
		m.CompletedBy = &completedBy
		m.Delivered = delivered
	})
	return nil
}

func (s *memStore) SetMilestoneStatus(ctx context.Context, tx pgx.Tx, escrowID string, sequence int, status MilestoneStatus) error {
	mem(tx).stage(func() {
		s.milestones[escrowID][sequence-1].Status = status
	})
	return nil
}

func (s *memStore) UpdateProgress(ctx context.Context, tx pgx.Tx, escrowID string, index int, status Status) (Transaction, error) {
	s.mu.Lock()
	txn, ok := s.escrows[escrowID]
	s.mu.Unlock()
	if !ok {
		return Transaction{}, ErrNotFound
	}
	txn.CurrentMilestoneIndex = index
	txn.Status = status
	txn.UpdatedAt = time.Now().UTC()
	mem(tx).stage(func() {
		s.escrows[escrowID] = txn
	})
	return txn, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, tx pgx.Tx, escrowID string, status Status) (Transaction, error) {
	s.mu.Lock()
	txn, ok := s.escrows[escrowID]
	s.mu.Unlock()
	if !ok {
		return Transaction{}, ErrNotFound
	}
	txn.Status = status
	txn.UpdatedAt = time.Now().UTC()
	mem(tx).stage(func() {
		s.escrows[escrowID] = txn
	})
	return txn, nil
}

func (s *memStore) InsertDispute(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	d.CreatedAt = time.Now().UTC()
	mem(tx).stage(func() {
		s.disputes[d.ID] = d
	})
	return d, nil
}

func (s *memStore) GetOpenDispute(ctx context.Context, tx pgx.Tx, escrowID string) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.disputes {
		if d.EscrowID == escrowID && d.Status == DisputeOpen {
			return d, nil
		}
	}
	return Dispute{}, ErrNoOpenDispute
}

func (s *memStore) SetDisputeStatus(ctx context.Context, tx pgx.Tx, disputeID string, status DisputeStatus) error {
	mem(tx).stage(func() {
		d := s.disputes[disputeID]
		d.Status = status
		s.disputes[disputeID] = d
	})
	return nil
}

// memPool implements TxBeginner.
type memPool struct {
	store *memStore
}

func (p *memPool) Begin(ctx context.Context) (pgx.Tx, error) {
	return &memTx{store: p.store}, nil
}

type memTx struct {
	store  *memStore
	staged []func()
	held   []*sync.Mutex
	done   bool
}

func (t *memTx) stage(fn func())       { t.staged = append(t.staged, fn) }
func (t *memTx) hold(lock *sync.Mutex) { t.held = append(t.held, lock) }

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("memTx: already closed")
	}
	t.store.mu.Lock()
	if t.store.failNextCommit {
		t.store.failNextCommit = false
		t.store.mu.Unlock()
		t.close()
		return errors.New("memTx: connection lost during commit")
	}
	for _, fn := range t.staged {
		fn()
	}
	t.store.mu.Unlock()
	t.close()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.close()
	return nil
}

func (t *memTx) close() {
	t.done = true
	t.staged = nil
	for _, lock := range t.held {
		lock.Unlock()
	}
	t.held = nil
}

func (t *memTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("memTx does not support nested transactions")
}

func (t *memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *memTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (t *memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (t *memTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (t *memTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (t *memTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (t *memTx) Conn() *pgx.Conn {
	return nil
}

// fakeAdapter stands in for the payment provider and keeps an account of
// authorizations and captures. Like the real provider it settles at most one
// capture per idempotency key under an authorization.
type fakeCapture struct {
	authID      string
	amount      int64
	destination string
	key         string
	transferID  string
}

type fakeAdapter struct {
	mu           sync.Mutex
	nextID       int
	authorizeErr error
	captureErr   error
	voidErr      error
	authorized   map[string]int64
	captures     []fakeCapture
	voids        map[string]bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		authorized: make(map[string]int64),
		voids:      make(map[string]bool),
	}
}

func (a *fakeAdapter) Authorize(ctx context.Context, amount int64, currency string, metadata map[string]string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.authorizeErr != nil {
		return "", a.authorizeErr
	}
	a.nextID++
	id := fmt.Sprintf("auth-%d", a.nextID)
	a.authorized[id] = amount
	return id, nil
}

func (a *fakeAdapter) Capture(ctx context.Context, authorizationID string, amount int64, destination, idempotencyKey string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.captureErr != nil {
		return "", a.captureErr
	}
	held, ok := a.authorized[authorizationID]
	if !ok {
		return "", errors.New("fakeAdapter: unknown authorization")
	}
	var captured int64
	for _, c := range a.captures {
		if c.authID == authorizationID {
			if idempotencyKey != "" && c.key == idempotencyKey {
				return c.transferID, nil
			}
			captured += c.amount
		}
	}
	if captured+amount > held {
		return "", errors.New("fakeAdapter: capture exceeds authorization")
	}
	a.nextID++
	transferID := fmt.Sprintf("tr-%d", a.nextID)
	a.captures = append(a.captures, fakeCapture{
		authID:      authorizationID,
		amount:      amount,
		destination: destination,
		key:         idempotencyKey,
		transferID:  transferID,
	})
	return transferID, nil
}

func (a *fakeAdapter) VoidRemaining(ctx context.Context, authorizationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.voidErr != nil {
		return a.voidErr
	}
	a.voids[authorizationID] = true
	return nil
}

func (a *fakeAdapter) authorizeCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.authorized)
}

func (a *fakeAdapter) authorizedAmount(id string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authorized[id]
}

func (a *fakeAdapter) captureCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.captures)
}

func (a *fakeAdapter) capturedTotal(authID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sum int64
	for _, c := range a.captures {
		if c.authID == authID {
			sum += c.amount
		}
	}
	return sum
}

func (a *fakeAdapter) voided(authID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.voids[authID]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) countKind(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var count int
	for _, e := range n.events {
		if e.Kind == kind {
			count++
		}
	}
	return count
}

type repEvent struct {
	identity string
	outcome  reputation.Outcome
	amount   int64
}

type recordingReputation struct {
	mu     sync.Mutex
	events []repEvent
}

func (r *recordingReputation) Record(ctx context.Context, identityID string, outcome reputation.Outcome, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, repEvent{identity: identityID, outcome: outcome, amount: amount})
	return nil
}

func (r *recordingReputation) has(identity string, outcome reputation.Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.identity == identity && e.outcome == outcome {
			return true
		}
	}
	return false
}

func TestCompleteMilestone_SaleFinalizerRunsOnceOnFinal(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)

	var calls []string
	svc.WithSaleFinalizer(func(ctx context.Context, tx pgx.Tx, offerID string) error {
		calls = append(calls, offerID)
		return nil
	})

	txn := createFunded(t, svc)
	for seq := 1; seq <= 3; seq++ {
		if _, err := svc.CompleteMilestone(context.Background(), CompleteParams{
			EscrowID:       txn.ID,
			SequenceNumber: seq,
			CompletedBy:    "seller-1",
		}); err != nil {
			t.Fatalf("complete milestone %d: %v", seq, err)
		}
		if seq < 3 && len(calls) != 0 {
			t.Fatalf("finalizer ran after milestone %d", seq)
		}
	}

	if len(calls) != 1 || calls[0] != "offer-1" {
		t.Fatalf("finalizer calls = %v, want exactly [offer-1]", calls)
	}
}

func TestCompleteMilestone_SaleFinalizerFailureAborts(t *testing.T) {
	svc, store, adapter, _, _ := newTestService(t)
	svc.WithSaleFinalizer(func(ctx context.Context, tx pgx.Tx, offerID string) error {
		return errors.New("listing gone")
	})

	txn := createFunded(t, svc)
	ctx := context.Background()
	for seq := 1; seq <= 2; seq++ {
		if _, err := svc.CompleteMilestone(ctx, CompleteParams{
			EscrowID:       txn.ID,
			SequenceNumber: seq,
			CompletedBy:    "seller-1",
		}); err != nil {
			t.Fatalf("complete milestone %d: %v", seq, err)
		}
	}

	_, err := svc.CompleteMilestone(ctx, CompleteParams{
		EscrowID:       txn.ID,
		SequenceNumber: 3,
		CompletedBy:    "seller-1",
	})
	if err == nil {
		t.Fatal("expected the finalizer failure to abort completion")
	}

	stored := store.escrow(t, txn.ID)
	if stored.Status != StatusInProgress || stored.CurrentMilestoneIndex != 3 {
		t.Fatalf("escrow = %s at index %d, want in_progress at 3", stored.Status, stored.CurrentMilestoneIndex)
	}
	if got := adapter.captureCalls(); got != 2 {
		t.Fatalf("capture calls = %d, want 2 (final release must not fire)", got)
	}
}

func TestResolveDispute_ResumeRestoresCompletedMilestone(t *testing.T) {
	svc, store, adapter, _, _ := newTestService(t)
	svc.WithDisputeGrace(48 * time.Hour)
	ctx := context.Background()
	txn := createFunded(t, svc)

	base := time.Now().UTC()
	svc.WithClock(func() time.Time { return base })
	if _, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 1, CompletedBy: "seller-1"}); err != nil {
		t.Fatalf("complete 1: %v", err)
	}

	svc.WithClock(func() time.Time { return base.Add(24 * time.Hour) })
	if _, err := svc.DisputeMilestone(ctx, DisputeParams{
		EscrowID:       txn.ID,
		SequenceNumber: 1,
		InitiatedBy:    "buyer-1",
		DisputeType:    "deliverable_rejected",
	}); err != nil {
		t.Fatalf("dispute within grace: %v", err)
	}

	updated, err := svc.ResolveDispute(ctx, txn.ID, ResolutionResume)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if updated.Status != StatusInProgress {
		t.Fatalf("status = %s, want in_progress after resume", updated.Status)
	}
	// The milestone was already paid before the dispute; resume must put it
	// back to completed, not pending, or the advanced index strands it.
	if got := store.milestonesFor(txn.ID)[0].Status; got != MilestoneCompleted {
		t.Fatalf("milestone 1 = %s after resume, want completed", got)
	}
	if got := store.escrow(t, txn.ID).CurrentMilestoneIndex; got != 2 {
		t.Fatalf("index = %d after resume, want 2", got)
	}

	for seq := 2; seq <= 3; seq++ {
		if _, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: seq, CompletedBy: "seller-1"}); err != nil {
			t.Fatalf("complete %d: %v", seq, err)
		}
	}

	if got := store.escrow(t, txn.ID).Status; got != StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
	for i, m := range store.milestonesFor(txn.ID) {
		if m.Status != MilestoneCompleted {
			t.Fatalf("milestone %d = %s, want completed", i+1, m.Status)
		}
	}
	// Milestone 1 must not be paid a second time on the way through.
	if got := adapter.capturedTotal(txn.PaymentAuthorizationID); got != 27600 {
		t.Fatalf("released %d, want exactly 27600", got)
	}
	if got := adapter.captureCalls(); got != 3 {
		t.Fatalf("capture calls = %d, want 3", got)
	}
}

func TestCompleteMilestone_RetryAfterCommitFailureReleasesOnce(t *testing.T) {
	svc, store, adapter, _, _ := newTestService(t)
	ctx := context.Background()
	txn := createFunded(t, svc)

	// Kill the connection between the provider transfer and the commit. The
	// funds moved but the milestone record did not.
	store.failCommitOnce()
	if _, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 1, CompletedBy: "seller-1"}); err == nil {
		t.Fatal("expected the commit failure to surface")
	}
	if got := store.milestonesFor(txn.ID)[0].Status; got != MilestonePending {
		t.Fatalf("milestone 1 = %s after failed commit, want pending", got)
	}
	if got := adapter.capturedTotal(txn.PaymentAuthorizationID); got != 9200 {
		t.Fatalf("released %d before retry, want 9200", got)
	}

	// The retry reuses the idempotency key, so the provider hands back the
	// original transfer instead of releasing again.
	res, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: 1, CompletedBy: "seller-1"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.TransferID == "" {
		t.Fatal("retry should report the settled transfer")
	}
	if got := adapter.capturedTotal(txn.PaymentAuthorizationID); got != 9200 {
		t.Fatalf("released %d after retry, want still 9200", got)
	}
	if got := adapter.captureCalls(); got != 1 {
		t.Fatalf("capture calls = %d after retry, want 1", got)
	}

	for seq := 2; seq <= 3; seq++ {
		if _, err := svc.CompleteMilestone(ctx, CompleteParams{EscrowID: txn.ID, SequenceNumber: seq, CompletedBy: "seller-1"}); err != nil {
			t.Fatalf("complete %d: %v", seq, err)
		}
	}
	if got := adapter.capturedTotal(txn.PaymentAuthorizationID); got != 27600 {
		t.Fatalf("released %d in total, want exactly 27600", got)
	}
	if got := adapter.captureCalls(); got != 3 {
		t.Fatalf("capture calls = %d, want 3", got)
	}
}
