package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/escrow-exchange/backend/internal/chain"
	"github.com/escrow-exchange/backend/internal/config"
	"github.com/escrow-exchange/backend/internal/db"
	"github.com/escrow-exchange/backend/internal/escrow"
	"github.com/escrow-exchange/backend/internal/events"
	apphttp "github.com/escrow-exchange/backend/internal/http"
	"github.com/escrow-exchange/backend/internal/http/handlers"
	"github.com/escrow-exchange/backend/internal/insurance"
	"github.com/escrow-exchange/backend/internal/models"
	"github.com/escrow-exchange/backend/internal/repositories"
	"github.com/escrow-exchange/backend/internal/services"
	"github.com/escrow-exchange/backend/internal/settlement"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	offerRepo := repositories.NewOfferRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)

	// The deposit watch lives in the chain watcher process; this side
	// only relays queue changes over the event bus.
	var limits *models.InsuranceLimits
	if cfg.TONSingleLimit.IsPositive() || cfg.TONTotalLimit.IsPositive() {
		limits = &models.InsuranceLimits{Single: cfg.TONSingleLimit, Total: cfg.TONTotalLimit}
	}
	registry := chain.NewRegistry(
		chain.NewRemoteConnector("TON", []string{"TON"}, cfg.TONWalletAddress, limits, publisher, log),
	)
	defer registry.Close()

	// Services
	insurer := insurance.NewLimiter(offerRepo, registry)
	cashback := services.NewCashbackClient(cfg.CashbackInternalURL, log)
	escrowService := escrow.NewService(offerRepo, insurer, registry, auditRepo, publisher, escrow.Config{
		FeePercent:   cfg.FeePercent,
		ServiceName:  cfg.ServiceName,
		CheckTimeout: cfg.CheckTimeout,
		Banks:        cfg.Banks,
	}, log)
	coordinator := settlement.NewCoordinator(offerRepo, registry, auditRepo, cashback, publisher, settlement.Config{
		ServiceName:      cfg.ServiceName,
		SupportChannelID: cfg.SupportChannelID,
		CheckTimeout:     cfg.CheckTimeout,
	}, log)

	// Handlers
	offerHandler := handlers.NewOfferHandler(escrowService, coordinator, log)
	metaHandler := handlers.NewMetaHandler(cfg, registry)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, log, rdb, offerHandler, metaHandler)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
