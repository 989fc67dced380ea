// Package payment defines the external card-payments collaborator the escrow
// engine releases funds through. The engine only ever sees this interface;
// the funds themselves are held by the provider against a single
// authorization until captured or voided.
package payment

import (
	"context"
	"errors"
)

var (
	// ErrAuthorizationNotFound signals an unknown or already-voided handle.
	ErrAuthorizationNotFound = errors.New("payment: authorization not found")
	// ErrInsufficientAuthorization signals a capture that would exceed the
	// amount still held under the authorization.
	ErrInsufficientAuthorization = errors.New("payment: capture exceeds remaining authorization")
)

// Adapter is the provider-facing surface. Authorize places a full hold with
// no capture; Capture transfers part of the held amount to a destination
// account; VoidRemaining releases whatever has not been captured.
//
// Capture takes an idempotency key scoped to the authorization. A repeat
// capture with a key the provider has already settled returns the original
// transfer without moving funds again, so a caller whose own commit failed
// after the capture can safely retry the whole operation.
type Adapter interface {
	Authorize(ctx context.Context, amount int64, currency string, metadata map[string]string) (authorizationID string, err error)
	Capture(ctx context.Context, authorizationID string, amount int64, destination, idempotencyKey string) (transferID string, err error)
	VoidRemaining(ctx context.Context, authorizationID string) error
}
