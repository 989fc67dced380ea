package tenant

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cozyartz/techflunky-sub004/auth"
)

// Budget is a fixed request allowance per rolling window for one caller role.
type Budget struct {
	Requests int
	Window   time.Duration
}

func (b Budget) limit() rate.Limit {
	if b.Requests <= 0 || b.Window <= 0 {
		return rate.Inf
	}
	return rate.Every(b.Window / time.Duration(b.Requests))
}

// Budgets holds the per-role allowances. Operators get the largest budget,
// buyers the smallest authenticated one, anonymous callers the floor.
type Budgets struct {
	Operator  Budget
	Seller    Budget
	Buyer     Budget
	Anonymous Budget
}

// RateLimiter gates request throughput per tenant, independently of the
// authorization decision. One token-bucket limiter is kept per caller key.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	budgets  Budgets
}

func NewRateLimiter(budgets Budgets) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		budgets:  budgets,
	}
}

// Allow reports whether the caller may proceed. Authenticated callers are
// keyed by account id, anonymous ones by remote address.
func (rl *RateLimiter) Allow(t *Context, remoteAddr string) bool {
	budget := rl.budgets.Anonymous
	key := "anon:" + remoteAddr
	if t != nil {
		key = string(t.Role) + ":" + t.UserID
		switch t.Role {
		case auth.RoleOperator:
			budget = rl.budgets.Operator
		case auth.RoleSeller:
			budget = rl.budgets.Seller
		case auth.RoleBuyer:
			budget = rl.budgets.Buyer
		}
	}

	rl.mu.Lock()
	limiter, ok := rl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(budget.limit(), maxInt(budget.Requests, 1))
		rl.limiters[key] = limiter
	}
	rl.mu.Unlock()

	return limiter.Allow()
}

// Prune drops tracked limiters once the map grows past the given size. Cheap
// bound on memory for long-running processes; buckets refill on re-creation.
func (rl *RateLimiter) Prune(maxEntries int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) > maxEntries {
		rl.limiters = make(map[string]*rate.Limiter)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
