package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/cozyartz/techflunky-sub004/api"
	"github.com/cozyartz/techflunky-sub004/auth"
	"github.com/cozyartz/techflunky-sub004/config"
	"github.com/cozyartz/techflunky-sub004/db"
	"github.com/cozyartz/techflunky-sub004/escrow"
	"github.com/cozyartz/techflunky-sub004/listing"
	"github.com/cozyartz/techflunky-sub004/logging"
	"github.com/cozyartz/techflunky-sub004/notify"
	"github.com/cozyartz/techflunky-sub004/offer"
	"github.com/cozyartz/techflunky-sub004/payment"
	"github.com/cozyartz/techflunky-sub004/reputation"
	"github.com/cozyartz/techflunky-sub004/tenant"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("bootstrap logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	resolver := tenant.NewResolver(authService)

	limiter := tenant.NewRateLimiter(tenant.Budgets{
		Operator:  tenant.Budget{Requests: cfg.OperatorRateLimit, Window: cfg.RateWindow},
		Seller:    tenant.Budget{Requests: cfg.SellerRateLimit, Window: cfg.RateWindow},
		Buyer:     tenant.Budget{Requests: cfg.BuyerRateLimit, Window: cfg.RateWindow},
		Anonymous: tenant.Budget{Requests: cfg.AnonRateLimit, Window: cfg.RateWindow},
	})

	listingRepo := listing.NewRepository(pool)
	listingService := listing.NewService(pool, listingRepo, logger)
	offerRepo := offer.NewRepository(pool)
	offerService := offer.NewService(pool, offerRepo, listingRepo, logger)

	escrowService := escrow.NewService(
		pool,
		nil,
		payment.NewLedgerAdapter(pool),
		notify.NewPGNotifier(pool),
		reputation.NewPGUpdater(pool),
		logger,
	).WithDisputeGrace(cfg.DisputeGrace).WithSaleFinalizer(
		// The listing leaves the catalog in the same transaction that
		// clears the final milestone.
		func(ctx context.Context, tx pgx.Tx, offerID string) error {
			o, err := offerRepo.GetForUpdate(ctx, tx, offerID)
			if err != nil {
				return err
			}
			_, err = listingService.MarkSold(ctx, tx, o.ListingID)
			return err
		},
	)

	router := api.NewRouter(api.Deps{
		Auth:           authService,
		Listings:       listingService,
		Offers:         offerService,
		Escrows:        escrowService,
		Resolver:       resolver,
		RateLimiter:    limiter,
		PlatformFeeBps: cfg.PlatformFeeBps,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	// Bound the limiter map for long-running processes.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Prune(100_000)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("api listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("environment", cfg.Environment),
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("serve", zap.Error(err))
	}
	logger.Info("api stopped")
}
