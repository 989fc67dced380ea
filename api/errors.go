package api

import (
	"errors"
	"net/http"

	"github.com/cozyartz/techflunky-sub004/auth"
	"github.com/cozyartz/techflunky-sub004/escrow"
	"github.com/cozyartz/techflunky-sub004/listing"
	"github.com/cozyartz/techflunky-sub004/offer"
	"github.com/cozyartz/techflunky-sub004/tenant"
)

// statusForError maps domain error kinds onto HTTP statuses. Unknown errors
// fall through to 500 and are logged by the caller; their text is never sent
// to the client.
func statusForError(err error) (int, string) {
	var (
		validationErr *escrow.ValidationError
		sequenceErr   *escrow.SequenceError
		stateErr      *escrow.StateError
		paymentErr    *escrow.PaymentError
		authzErr      *tenant.AuthorizationError
	)

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, validationErr.Error()
	case errors.As(err, &sequenceErr):
		return http.StatusConflict, sequenceErr.Error()
	case errors.As(err, &stateErr):
		return http.StatusConflict, stateErr.Error()
	case errors.As(err, &paymentErr):
		return http.StatusBadGateway, "payment provider error, retry the operation"
	case errors.As(err, &authzErr):
		return http.StatusForbidden, authzErr.Error()

	case errors.Is(err, tenant.ErrTenantRequired):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, listing.ErrForbidden),
		errors.Is(err, offer.ErrForbidden):
		return http.StatusForbidden, "forbidden"

	case errors.Is(err, listing.ErrNotFound),
		errors.Is(err, offer.ErrNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, escrow.ErrOfferNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, "not found"

	case errors.Is(err, listing.ErrInvalidState),
		errors.Is(err, offer.ErrInvalidState),
		errors.Is(err, offer.ErrListingUnavailable),
		errors.Is(err, escrow.ErrOfferNotAccepted),
		errors.Is(err, escrow.ErrDuplicateEscrow),
		errors.Is(err, escrow.ErrNoOpenDispute),
		errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict, err.Error()

	case errors.Is(err, escrow.ErrOfferPartyMismatch):
		return http.StatusForbidden, "forbidden"

	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest, err.Error()
	}

	return http.StatusInternalServerError, "internal error"
}
