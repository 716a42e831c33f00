package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/escrow-exchange/backend/internal/chain"
	"github.com/escrow-exchange/backend/internal/chain/ton"
	"github.com/escrow-exchange/backend/internal/config"
	"github.com/escrow-exchange/backend/internal/db"
	"github.com/escrow-exchange/backend/internal/escrow"
	"github.com/escrow-exchange/backend/internal/events"
	"github.com/escrow-exchange/backend/internal/insurance"
	"github.com/escrow-exchange/backend/internal/repositories"
	"github.com/escrow-exchange/backend/internal/services"
	"github.com/escrow-exchange/backend/internal/settlement"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// resyncInterval paces the queue resync against persisted offers. It
// catches expectations whose relay event was lost.
const resyncInterval = 5 * time.Minute

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TONWalletAddress == "" || len(cfg.TONWalletSeed) == 0 {
		log.Fatal("TON_WALLET_ADDRESS and TON_WALLET_SEED are required")
	}

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	offerRepo := repositories.NewOfferRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	ledger, err := ton.NewLedger(ton.Config{
		Network:        cfg.TONNetwork,
		LiteServerHost: cfg.LiteServerHost,
		LiteServerPort: cfg.LiteServerPort,
		LiteServerKey:  cfg.LiteServerKey,
		WalletAddress:  cfg.TONWalletAddress,
		WalletSeed:     cfg.TONWalletSeed,
		SingleLimit:    cfg.TONSingleLimit,
		TotalLimit:     cfg.TONTotalLimit,
	}, log)
	if err != nil {
		log.Fatal("failed to build TON ledger", zap.Error(err))
	}

	cashback := services.NewCashbackClient(cfg.CashbackInternalURL, log)
	registry := chain.NewRegistry()
	coordinator := settlement.NewCoordinator(offerRepo, registry, auditRepo, cashback, publisher, settlement.Config{
		ServiceName:      cfg.ServiceName,
		SupportChannelID: cfg.SupportChannelID,
		CheckTimeout:     cfg.CheckTimeout,
	}, log)

	connector := chain.NewStreamingConnector(chain.StreamingConfig{
		Name:    "TON",
		Assets:  []string{ton.AssetTON},
		Address: cfg.TONWalletAddress,
	}, ledger, coordinator, log)
	registry.Register(connector)
	defer registry.Close()

	// Requeue offers that were awaiting a deposit when the watcher
	// stopped; Connect then replays ledger history back to the earliest
	// registration, so nothing sent in between is lost.
	insurer := insurance.NewLimiter(offerRepo, registry)
	escrowService := escrow.NewService(offerRepo, insurer, registry, auditRepo, publisher, escrow.Config{
		FeePercent:   cfg.FeePercent,
		ServiceName:  cfg.ServiceName,
		CheckTimeout: cfg.CheckTimeout,
		Banks:        cfg.Banks,
	}, log)

	rearm := func() {
		waiting, err := offerRepo.AwaitingDeposit(ctx)
		if err != nil {
			log.Error("failed to load offers awaiting deposit", zap.Error(err))
			return
		}
		escrowService.RearmExpectations(ctx, waiting)
	}
	rearm()

	if err := connector.Connect(ctx); err != nil {
		registry.Disable(connector)
		log.Fatal("failed to connect to TON", zap.Error(err))
	}
	log.Info("chain watcher started",
		zap.String("network", cfg.TONNetwork),
		zap.String("wallet", cfg.TONWalletAddress),
		zap.Int("queued", connector.QueueLen()),
	)

	// Queue changes and release requests from the API process arrive
	// over the event bus; the wallet never leaves this process.
	go func() {
		err := subscriber.Subscribe(ctx, events.StreamChain, func(e events.Event) {
			switch e.Type {
			case events.EventExpectationRegistered:
				exp, err := chain.DecodeExpectation(e.Payload)
				if err != nil {
					log.Error("bad expectation payload", zap.Error(err))
					return
				}
				connector.AddToQueue(exp)
			case events.EventExpectationRemoved:
				raw, _ := e.Payload["offer_id"].(string)
				offerID, err := uuid.Parse(raw)
				if err != nil {
					log.Error("bad expectation removal payload", zap.String("offer_id", raw))
					return
				}
				connector.RemoveFromQueue(offerID)
			case events.EventReleaseRequested:
				raw, _ := e.Payload["offer_id"].(string)
				offerID, err := uuid.Parse(raw)
				if err != nil {
					log.Error("bad release request payload", zap.String("offer_id", raw))
					return
				}
				if err := coordinator.Complete(ctx, offerID, payloadInt64(e.Payload["actor_id"])); err != nil {
					log.Error("escrow release failed",
						zap.String("offer_id", raw), zap.Error(err))
				}
			}
		})
		if err != nil && ctx.Err() == nil {
			log.Error("chain event subscription ended", zap.Error(err))
		}
	}()

	go func() {
		ticker := time.NewTicker(resyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rearm()
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")
	cancel()
}

// payloadInt64 reads a numeric event field; JSON decoding delivers
// numbers as float64.
func payloadInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}
