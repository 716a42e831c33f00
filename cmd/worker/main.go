package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/escrow-exchange/backend/internal/config"
	"github.com/escrow-exchange/backend/internal/db"
	"github.com/escrow-exchange/backend/internal/repositories"
	"github.com/escrow-exchange/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	offerRepo := repositories.NewOfferRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	botClient := services.NewBotClient(cfg.BotInternalURL, log)

	log.Info("worker started")

	expireTicker := time.NewTicker(1 * time.Minute)
	defer expireTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-expireTicker.C:
			runOfferExpiry(ctx, offerRepo, auditRepo, botClient, cfg, log)
			runCompletionPromptExpiry(ctx, offerRepo, botClient, cfg, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

// runOfferExpiry retires offers whose counterparty never reacted to the
// confirmation prompt. The inline keyboard is stripped so stale buttons
// cannot act on a trade that no longer exists.
func runOfferExpiry(ctx context.Context, offerRepo *repositories.OfferRepo, auditRepo *repositories.AuditRepo, botClient *services.BotClient, cfg *config.Config, log *zap.Logger) {
	offers, err := offerRepo.StaleAcceptPending(ctx, cfg.AcceptTimeout)
	if err != nil {
		log.Error("failed to get stale offers", zap.Error(err))
		return
	}

	for i := range offers {
		offer := &offers[i]
		log.Info("expiring unanswered offer",
			zap.String("offer_id", offer.ID.String()),
			zap.Int64("counterparty", offer.Counter.ID),
		)

		if err := offerRepo.ArchiveAndDelete(ctx, offer.ID, "expired"); err != nil {
			log.Error("failed to archive expired offer", zap.String("offer_id", offer.ID.String()), zap.Error(err))
			continue
		}
		_ = auditRepo.LogSystem(ctx, "offer_expired", "offer", offer.ID, map[string]any{
			"counter_user_id": offer.Counter.ID,
		})

		_ = botClient.ExpireOfferKeyboard(ctx, offer.Counter.ID, offer.ID.String())
		_ = botClient.SendNotification(ctx, offer.Init.ID, "Your offer expired without a response.")
	}
}

// runCompletionPromptExpiry retires completion prompts that sat
// unanswered past the reaction window. The deposit is already held, so
// only the inline action is disabled; the trade keeps waiting for the
// depositor to release through a fresh command.
func runCompletionPromptExpiry(ctx context.Context, offerRepo *repositories.OfferRepo, botClient *services.BotClient, cfg *config.Config, log *zap.Logger) {
	offers, err := offerRepo.StaleCompletionPrompts(ctx, cfg.AcceptTimeout)
	if err != nil {
		log.Error("failed to get stale completion prompts", zap.Error(err))
		return
	}

	for i := range offers {
		offer := &offers[i]
		if err := offerRepo.ClearReactTime(ctx, offer.ID); err != nil {
			log.Error("failed to retire completion prompt", zap.String("offer_id", offer.ID.String()), zap.Error(err))
			continue
		}
		log.Info("expiring completion prompt", zap.String("offer_id", offer.ID.String()))
		_ = botClient.ExpireOfferKeyboard(ctx, offer.Depositor().ID, offer.ID.String())
	}
}
