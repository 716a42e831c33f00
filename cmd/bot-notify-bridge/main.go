package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/escrow-exchange/backend/internal/config"
	"github.com/escrow-exchange/backend/internal/db"
	"github.com/escrow-exchange/backend/internal/events"
	"github.com/escrow-exchange/backend/internal/services"
	"go.uber.org/zap"
)

// Bot notify bridge: subscribes to trade events and forwards them to
// the messaging bot internal API. The bot holds no trade state; every
// prompt it renders originates here or in a direct API response.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)
	botClient := services.NewBotClient(cfg.BotInternalURL, log)
	bridge := &bridge{bot: botClient, supportChannelID: cfg.SupportChannelID, log: log}

	log.Info("bot-notify-bridge started")

	go func() {
		_ = subscriber.Subscribe(ctx, events.StreamOffers, bridge.handleOfferEvent)
	}()
	go func() {
		_ = subscriber.Subscribe(ctx, events.StreamNotify, bridge.handleNotifyEvent)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down bot-notify-bridge")
	cancel()
}

type bridge struct {
	bot              *services.BotClient
	supportChannelID int64
	log              *zap.Logger
}

func (b *bridge) handleOfferEvent(event events.Event) {
	ctx := context.Background()
	offerID, _ := event.Payload["offer_id"].(string)

	switch event.Type {
	case events.EventOfferStatusChanged:
		kind, _ := event.Payload["kind"].(string)
		switch kind {
		case "offer_sent":
			b.prompt(ctx, payloadUserID(event.Payload, "to"), offerID, "accept_offer", event.Payload)
		case "awaiting_deposit":
			b.prompt(ctx, payloadUserID(event.Payload, "depositor_id"), offerID, "send_deposit", event.Payload)
		case "transfer_confirmed":
			b.prompt(ctx, payloadUserID(event.Payload, "confirm_user_id"), offerID, "counterpart_sent", event.Payload)
		}
	case events.EventDepositReceived:
		b.prompt(ctx, payloadUserID(event.Payload, "receiver_id"), offerID, "deposit_received", event.Payload)
	case events.EventDepositRefunded:
		_ = b.bot.SendNotification(ctx, payloadUserID(event.Payload, "depositor_id"),
			fmt.Sprintf("Your deposit was returned. Reason of refund: %s", joinReasons(event.Payload["reasons"])))
	case events.EventEscrowReleased:
		b.prompt(ctx, payloadUserID(event.Payload, "recipient_id"), offerID, "escrow_released", event.Payload)
	}
}

func (b *bridge) handleNotifyEvent(event events.Event) {
	ctx := context.Background()

	switch event.Type {
	case events.EventBotNotification:
		kind, _ := event.Payload["kind"].(string)
		text, _ := event.Payload["text"].(string)
		if text == "" {
			text = fmt.Sprintf("Trade update: %s", kind)
		}
		ids, _ := event.Payload["user_ids"].([]any)
		for _, raw := range ids {
			if id := toInt64(raw); id != 0 {
				_ = b.bot.SendNotification(ctx, id, text)
			}
		}
	case events.EventManualEscalation:
		offerID, _ := event.Payload["offer_id"].(string)
		text := fmt.Sprintf(
			"Trade %s needs manual intervention.\ntrx: %v\nbank: %v\nmemo: %v\nsender: %v %v\nreceiver: %v %v",
			offerID,
			event.Payload["trx_id"], event.Payload["bank"], event.Payload["memo"],
			event.Payload["sender_mention"], event.Payload["sender_name"],
			event.Payload["receiver_mention"], event.Payload["receiver_name"],
		)
		_ = b.bot.SendSupportMessage(ctx, b.supportChannelID, text)
	}
}

// joinReasons renders the refund reason list the matcher produced.
func joinReasons(v any) string {
	items, _ := v.([]any)
	var parts []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

func (b *bridge) prompt(ctx context.Context, userID int64, offerID, kind string, args map[string]any) {
	if userID == 0 {
		b.log.Warn("offer event without a recipient", zap.String("kind", kind), zap.String("offer_id", offerID))
		return
	}
	_ = b.bot.SendOfferPrompt(ctx, services.OfferPrompt{
		UserID:  userID,
		OfferID: offerID,
		Kind:    kind,
		Args:    args,
	})
}

func payloadUserID(payload map[string]any, key string) int64 {
	return toInt64(payload[key])
}

// toInt64 tolerates the number types JSON decoding produces.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}
