package tenant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cozyartz/techflunky-sub004/auth"
)

// Resource identifies a scoped table/resource kind.
type Resource string

const (
	ResourceListing      Resource = "listing"
	ResourceOffer        Resource = "offer"
	ResourceEscrow       Resource = "escrow"
	ResourceSeller       Resource = "seller"
	ResourceNotification Resource = "notification"
)

// Action names the operation a caller wants to perform on a resource.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ErrTenantRequired is returned by ScopeQuery when a resource that cannot be
// read anonymously is queried without a tenant. Falling back to an unscoped
// query here would leak rows across tenants, so this is always an error.
var ErrTenantRequired = errors.New("tenant: resource requires an authenticated tenant")

// AuthorizationError reports a denied action for callers that need to map it
// to an access-denied response.
type AuthorizationError struct {
	Resource Resource
	Action   Action
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("tenant: %s on %s denied", e.Action, e.Resource)
}

// Authorize decides whether the tenant may perform action on the resource.
// It is a pure function of role, resource type, and action; it never consults
// the store. A nil tenant is anonymous: public catalog reads only.
func Authorize(t *Context, resource Resource, resourceID string, action Action) bool {
	if t == nil {
		return resource == ResourceListing && action == ActionRead
	}

	switch t.Role {
	case auth.RoleOperator:
		return true

	case auth.RoleSeller:
		switch resource {
		case ResourceListing:
			return true
		case ResourceSeller:
			// Own-profile check: if a concrete id is named it must be ours.
			return resourceID == "" || resourceID == t.SellerID()
		case ResourceOffer, ResourceEscrow, ResourceNotification:
			return action == ActionRead || action == ActionUpdate
		}
		return false

	case auth.RoleBuyer:
		switch resource {
		case ResourceListing:
			return action == ActionRead
		case ResourceOffer:
			return action != ActionDelete
		case ResourceEscrow:
			return action == ActionRead || action == ActionCreate || action == ActionUpdate
		case ResourceNotification:
			return action == ActionRead
		}
		return false
	}

	return false
}

// ScopeQuery appends the ownership filter for the tenant to baseQuery and
// returns the filtered query with its bound parameters. The filter policy is
// fixed per resource type:
//
//	listing       seller-owned; anonymous and buyer callers see active rows only
//	offer         buyer-owned, visible to the listing's seller
//	escrow        shared; visible to either party
//	seller        own row only
//	notification  recipient only
//
// Operators query unscoped. A missing tenant on any resource other than the
// public listing catalog returns ErrTenantRequired.
func ScopeQuery(t *Context, baseQuery string, args []any, resource Resource) (string, []any, error) {
	if t.IsOperator() {
		return baseQuery, args, nil
	}

	if t == nil {
		if resource == ResourceListing {
			return appendFilter(baseQuery, args, "status = $%d", "active")
		}
		return "", nil, ErrTenantRequired
	}

	switch resource {
	case ResourceListing:
		if t.Role == auth.RoleSeller {
			return appendFilter(baseQuery, args, "seller_id = $%d", t.SellerID())
		}
		return appendFilter(baseQuery, args, "status = $%d", "active")

	case ResourceOffer:
		switch t.Role {
		case auth.RoleBuyer:
			return appendFilter(baseQuery, args, "buyer_id = $%d", t.BuyerID())
		case auth.RoleSeller:
			return appendFilter(baseQuery, args, "seller_id = $%d", t.SellerID())
		}

	case ResourceEscrow:
		// Either-party membership.
		switch t.Role {
		case auth.RoleBuyer:
			return appendFilter(baseQuery, args, "buyer_id = $%d", t.BuyerID())
		case auth.RoleSeller:
			return appendFilter(baseQuery, args, "seller_id = $%d", t.SellerID())
		}

	case ResourceSeller:
		if t.Role == auth.RoleSeller {
			return appendFilter(baseQuery, args, "id = $%d", t.SellerID())
		}

	case ResourceNotification:
		return appendFilter(baseQuery, args, "recipient_id = $%d", t.UserID)
	}

	return "", nil, ErrTenantRequired
}

func appendFilter(baseQuery string, args []any, clause string, value any) (string, []any, error) {
	keyword := " WHERE "
	if strings.Contains(strings.ToUpper(baseQuery), " WHERE ") {
		keyword = " AND "
	}

	args = append(args, value)
	placeholder := fmt.Sprintf(clause, len(args))
	return baseQuery + keyword + placeholder, args, nil
}
