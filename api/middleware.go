package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cozyartz/techflunky-sub004/tenant"
)

type contextKey struct{ name string }

var tenantKey = &contextKey{name: "tenant"}

// tenantFrom returns the caller identity resolved for this request, nil for
// anonymous callers.
func tenantFrom(r *http.Request) *tenant.Context {
	t, _ := r.Context().Value(tenantKey).(*tenant.Context)
	return t
}

// withTenant resolves the bearer token once per request and stashes the
// result. Resolution fails open to anonymous; each handler decides what an
// anonymous caller may do.
func withTenant(resolver *tenant.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t := resolver.Resolve(r)
			if t != nil {
				r = r.WithContext(context.WithValue(r.Context(), tenantKey, t))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withRateLimit enforces the per-role request budgets. Authenticated callers
// are keyed by account, anonymous callers by address.
func withRateLimit(limiter *tenant.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(addr); err == nil {
				addr = host
			}
			if !limiter.Allow(tenantFrom(r), addr) {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withRequestLog emits one structured line per request.
func withRequestLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
