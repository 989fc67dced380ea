package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cozyartz/techflunky-sub004/auth"
	"github.com/cozyartz/techflunky-sub004/escrow"
	"github.com/cozyartz/techflunky-sub004/listing"
	"github.com/cozyartz/techflunky-sub004/offer"
	"github.com/cozyartz/techflunky-sub004/tenant"
)

// Deps carries everything the router mounts.
type Deps struct {
	Auth           *auth.Service
	Listings       *listing.Service
	Offers         *offer.Service
	Escrows        *escrow.Service
	Resolver       *tenant.Resolver
	RateLimiter    *tenant.RateLimiter
	PlatformFeeBps int
	Logger         *zap.Logger
}

// NewRouter mounts the API. Every route passes through tenant resolution and
// the per-role rate limiter; the catalog routes additionally work anonymously.
func NewRouter(deps Deps) http.Handler {
	h := &Handlers{
		auth:     deps.Auth,
		listings: deps.Listings,
		offers:   deps.Offers,
		escrows:  deps.Escrows,
		feeBps:   deps.PlatformFeeBps,
		logger:   deps.Logger,
	}

	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(withRequestLog(deps.Logger))
	r.Use(withTenant(deps.Resolver))
	r.Use(withRateLimit(deps.RateLimiter))

	r.Get("/healthz", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		r.Route("/listings", func(r chi.Router) {
			r.Get("/", h.ListListings)
			r.Post("/", h.CreateListing)
			r.Get("/{id}", h.GetListing)
			r.Put("/{id}", h.UpdateListing)
			r.Post("/{id}/publish", h.PublishListing)
			r.Post("/{id}/archive", h.ArchiveListing)
		})

		r.Route("/offers", func(r chi.Router) {
			r.Get("/", h.ListOffers)
			r.Post("/", h.CreateOffer)
			r.Post("/{id}/accept", h.AcceptOffer)
			r.Post("/{id}/reject", h.RejectOffer)
			r.Post("/{id}/withdraw", h.WithdrawOffer)
		})

		r.Route("/escrows", func(r chi.Router) {
			r.Post("/", h.CreateEscrow)
			r.Get("/{id}", h.GetEscrow)
			r.Post("/{id}/milestones/{seq}/complete", h.CompleteMilestone)
			r.Post("/{id}/milestones/{seq}/dispute", h.DisputeMilestone)
			r.Post("/{id}/resolve", h.ResolveDispute)
			r.Post("/{id}/cancel", h.CancelEscrow)
		})
	})

	return r
}
