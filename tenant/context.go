package tenant

import (
	"net/http"
	"strings"

	"github.com/cozyartz/techflunky-sub004/auth"
)

// Context is the request-scoped caller identity used to authorize and scope
// every data access. It is rebuilt from credentials on each request and never
// persisted.
type Context struct {
	UserID string
	Role   auth.Role
}

// SellerID returns the caller's seller identifier, empty unless the caller is
// a seller. Accounts double as their own tenant sub-identifier.
func (c *Context) SellerID() string {
	if c == nil || c.Role != auth.RoleSeller {
		return ""
	}
	return c.UserID
}

// BuyerID returns the caller's buyer identifier, empty unless the caller is a
// buyer.
func (c *Context) BuyerID() string {
	if c == nil || c.Role != auth.RoleBuyer {
		return ""
	}
	return c.UserID
}

// IsOperator reports whether the caller is a platform operator.
func (c *Context) IsOperator() bool {
	return c != nil && c.Role == auth.RoleOperator
}

// TokenVerifier validates a bearer token and yields the account it belongs to.
type TokenVerifier interface {
	VerifyToken(token string) (string, auth.Role, error)
}

// Resolver derives tenant contexts from incoming requests.
type Resolver struct {
	verifier TokenVerifier
}

func NewResolver(verifier TokenVerifier) *Resolver {
	return &Resolver{verifier: verifier}
}

// Resolve extracts the tenant context from the request's Authorization header.
// It fails open to nil (anonymous) when no usable identity is present; callers
// must treat nil as public read-only access.
func (r *Resolver) Resolve(req *http.Request) *Context {
	header := req.Header.Get("Authorization")
	if header == "" {
		return nil
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil
	}

	userID, role, err := r.verifier.VerifyToken(token)
	if err != nil {
		return nil
	}

	return &Context{UserID: userID, Role: role}
}
