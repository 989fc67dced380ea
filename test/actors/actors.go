package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cozyartz/techflunky-sub004/escrow"
	"github.com/cozyartz/techflunky-sub004/listing"
	"github.com/cozyartz/techflunky-sub004/tenant"
)

// Completer chases the escrow's active milestone and tries to complete it.
// Several Completers racing over the same escrow exercise the row lock: only
// one completion per sequence number may ever capture funds.
func Completer(ctx context.Context, svc *escrow.Service, escrowID, sellerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		txn, _, err := svc.Get(ctx, escrowID)
		if err != nil {
			return fmt.Errorf("completer get: %w", err)
		}
		if txn.Status == escrow.StatusCompleted || txn.Status == escrow.StatusCancelled {
			return nil
		}

		_, err = svc.CompleteMilestone(ctx, escrow.CompleteParams{
			EscrowID:       escrowID,
			SequenceNumber: txn.CurrentMilestoneIndex,
			CompletedBy:    sellerID,
			Delivered:      []string{"artifact"},
		})
		if err != nil && !expectedUnderContention(err) {
			return fmt.Errorf("completer: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// StaleCompleter always replays sequence 1, simulating a delayed duplicate
// request. It must be rejected once the escrow has moved on.
func StaleCompleter(ctx context.Context, svc *escrow.Service, escrowID, sellerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_, err := svc.CompleteMilestone(ctx, escrow.CompleteParams{
			EscrowID:       escrowID,
			SequenceNumber: 1,
			CompletedBy:    sellerID,
		})
		if err != nil && !expectedUnderContention(err) {
			return fmt.Errorf("stale completer: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Disputer occasionally freezes the escrow with a dispute, then resolves it
// so the Completers can make progress again.
func Disputer(ctx context.Context, svc *escrow.Service, escrowID, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		time.Sleep(time.Duration(200+rand.Intn(400)) * time.Millisecond)

		txn, _, err := svc.Get(ctx, escrowID)
		if err != nil {
			return fmt.Errorf("disputer get: %w", err)
		}
		if txn.Status == escrow.StatusCompleted || txn.Status == escrow.StatusCancelled {
			return nil
		}

		_, err = svc.DisputeMilestone(ctx, escrow.DisputeParams{
			EscrowID:       escrowID,
			SequenceNumber: txn.CurrentMilestoneIndex,
			InitiatedBy:    buyerID,
			DisputeType:    "deliverable_rejected",
			Description:    "stress dispute",
		})
		if err != nil {
			if expectedUnderContention(err) {
				continue
			}
			return fmt.Errorf("disputer: %w", err)
		}

		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
		if _, err := svc.ResolveDispute(ctx, escrowID, escrow.ResolutionResume); err != nil && !expectedUnderContention(err) {
			return fmt.Errorf("disputer resolve: %w", err)
		}
	}
}

// CatalogReader runs tenant-scoped listing reads while the write load churns,
// and fails if a row ever leaks across the scope boundary.
func CatalogReader(ctx context.Context, svc *listing.Service, t *tenant.Context, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		result, err := svc.List(ctx, t, listing.Filters{})
		if err != nil {
			return fmt.Errorf("catalog reader: %w", err)
		}
		for _, l := range result.Items {
			if sellerID := t.SellerID(); sellerID != "" && l.SellerID != sellerID {
				return fmt.Errorf("catalog reader: listing %s leaked across tenant scope", l.ID)
			}
			if t == nil && l.Status != listing.StatusActive {
				return fmt.Errorf("catalog reader: non-active listing %s visible anonymously", l.ID)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(50)) * time.Millisecond)
	}
}

// expectedUnderContention filters the error kinds the race itself produces:
// sequence rejections from losing a CompleteMilestone race, state rejections
// while a dispute holds the escrow frozen, and transient dispute bookkeeping.
func expectedUnderContention(err error) bool {
	var (
		seqErr   *escrow.SequenceError
		stateErr *escrow.StateError
	)
	return errors.As(err, &seqErr) ||
		errors.As(err, &stateErr) ||
		errors.Is(err, escrow.ErrNoOpenDispute)
}
