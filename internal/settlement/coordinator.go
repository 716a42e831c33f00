// Package settlement finalizes escrow trades: it consumes match, refund
// and timeout signals from chain connectors, releases or refunds the
// escrowed asset, and drives the post-deposit confirmation handshake.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/escrow-exchange/backend/internal/chain"
	"github.com/escrow-exchange/backend/internal/events"
	"github.com/escrow-exchange/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OfferStore is the slice of offer persistence the coordinator needs.
type OfferStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Offer, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	SetTransaction(ctx context.Context, id uuid.UUID, trxID string) (bool, error)
	SetTransactionTime(ctx context.Context, id uuid.UUID, at time.Time) error
	ClearUnsent(ctx context.Context, id uuid.UUID) (bool, error)
	ArchiveAndDelete(ctx context.Context, id uuid.UUID, reason string) error
}

// Connectors resolves an asset to its chain connector, nil when escrow
// is disabled for the asset.
type Connectors interface {
	ForAsset(asset string) chain.Connector
}

// AuditSink records coordinator actions for the operator trail.
type AuditSink interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

// CashbackSink is invoked fire-and-forget after a completed exchange.
type CashbackSink interface {
	Add(ctx context.Context, asset string, gross, feeUp, feeDown decimal.Decimal, sender, recipient models.TradeParty)
}

type Config struct {
	// Human-readable service identity embedded in settlement memos.
	ServiceName string
	// Operator channel id for manual escalations.
	SupportChannelID int64
	CheckTimeout     time.Duration
}

type Coordinator struct {
	offers     OfferStore
	connectors Connectors
	audit      AuditSink
	cashback   CashbackSink
	publisher  events.Publisher
	cfg        Config
	log        *zap.Logger
}

func NewCoordinator(
	offers OfferStore,
	connectors Connectors,
	audit AuditSink,
	cashback CashbackSink,
	publisher events.Publisher,
	cfg Config,
	log *zap.Logger,
) *Coordinator {
	return &Coordinator{
		offers:     offers,
		connectors: connectors,
		audit:      audit,
		cashback:   cashback,
		publisher:  publisher,
		cfg:        cfg,
		log:        log,
	}
}

// DepositConfirmed settles a verified, irreversible deposit. The
// settlement reference is written with a single conditional update, so
// the same deposit observed twice settles the offer exactly once.
// Returning true tells the connector to drop the expectation.
func (c *Coordinator) DepositConfirmed(ctx context.Context, offerID uuid.UUID, op chain.Operation, trxID string, blockNum uint64) bool {
	offer, err := c.offers.GetByID(ctx, offerID)
	if errors.Is(err, pgx.ErrNoRows) {
		// The offer is gone (cancelled or timed out); nothing left to
		// settle, so the expectation can be dropped.
		c.log.Warn("confirmed deposit for missing offer",
			zap.String("offer_id", offerID.String()),
			zap.String("trx_id", trxID),
		)
		return true
	}
	if err != nil {
		// A storage outage is not "offer is gone". Keep the expectation
		// queued and settle on the next observation.
		c.log.Error("failed to load offer for confirmed deposit",
			zap.String("offer_id", offerID.String()),
			zap.String("trx_id", trxID),
			zap.Error(err),
		)
		return false
	}

	set, err := c.offers.SetTransaction(ctx, offerID, trxID)
	if err != nil {
		c.log.Error("failed to record settlement reference",
			zap.String("offer_id", offerID.String()),
			zap.String("trx_id", trxID),
			zap.Error(err),
		)
		return false
	}
	if !set {
		// A previous observation already settled this deposit.
		return true
	}

	if _, err := c.offers.UpdateStatus(ctx, offerID, models.OfferStatusAwaitingDeposit, models.OfferStatusDeposited); err != nil {
		c.log.Error("failed to advance offer to deposited",
			zap.String("offer_id", offerID.String()),
			zap.Error(err),
		)
		return false
	}

	_ = c.audit.Log(ctx, models.AuditLog{
		ActorType:  "watcher",
		Action:     "deposit_confirmed",
		EntityType: "offer",
		EntityID:   &offerID,
		Meta: map[string]any{
			"trx_id":    trxID,
			"block_num": blockNum,
			"from":      op.From,
			"amount":    op.Amount.String(),
			"asset":     op.Asset,
		},
	})

	receiver := offer.Receiver()
	depositor := offer.Depositor()
	_ = c.publisher.Publish(ctx, events.StreamOffers, events.Event{
		Type: events.EventDepositReceived,
		Payload: map[string]any{
			"offer_id":         offerID.String(),
			"trx_id":           trxID,
			"depositor_id":     depositor.ID,
			"receiver_id":      receiver.ID,
			"counter_amount":   offer.CounterSum().String(),
			"counter_currency": offer.CounterCurrency(),
			"receive_address":  deref(depositor.ReceiveAddress),
		},
	})

	c.log.Info("deposit confirmed",
		zap.String("offer_id", offerID.String()),
		zap.String("trx_id", trxID),
		zap.Uint64("block_num", blockNum),
	)
	return true
}

// DepositMismatch refunds a deposit claimed by an expectation but failing
// the asset/amount/memo check, naming the mismatched fields in the refund
// memo. The transaction window is restarted so the sender can retry; the
// expectation stays queued.
func (c *Coordinator) DepositMismatch(ctx context.Context, offerID uuid.UUID, op chain.Operation, reasons []string, from string, amount decimal.Decimal, asset string, blockNum uint64) {
	offer, err := c.offers.GetByID(ctx, offerID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			c.log.Error("failed to load offer for mismatched deposit",
				zap.String("offer_id", offerID.String()), zap.Error(err))
		}
		return
	}

	_ = c.publisher.Publish(ctx, events.StreamOffers, events.Event{
		Type: events.EventDepositRefunded,
		Payload: map[string]any{
			"offer_id":     offerID.String(),
			"depositor_id": offer.Depositor().ID,
			"reasons":      reasons,
			"amount":       amount.String(),
			"asset":        asset,
		},
	})

	if err := c.offers.SetTransactionTime(ctx, offerID, time.Now()); err != nil {
		c.log.Error("failed to restart transaction window",
			zap.String("offer_id", offerID.String()), zap.Error(err))
	}

	connector := c.connectors.ForAsset(asset)
	if connector == nil {
		c.log.Error("no connector for refund asset", zap.String("asset", asset))
		return
	}
	memo := "reason of refund: " + strings.Join(reasons, ", ")
	ref, err := connector.Transfer(ctx, from, amount, asset, memo)
	if err != nil {
		c.escalateTransferFailure(ctx, offer, "refund", err)
		return
	}

	_ = c.audit.Log(ctx, models.AuditLog{
		ActorType:  "watcher",
		Action:     "deposit_refunded",
		EntityType: "offer",
		EntityID:   &offerID,
		Meta: map[string]any{
			"reasons":       reasons,
			"refund_trx_id": ref,
			"amount":        amount.String(),
			"asset":         asset,
			"to":            from,
		},
	})
	c.log.Info("mismatched deposit refunded",
		zap.String("offer_id", offerID.String()),
		zap.Strings("reasons", reasons),
		zap.String("refund_trx_id", ref),
	)
}

// CheckTimedOut archives and removes an offer whose deposit never
// arrived within the check window and notifies both parties.
func (c *Coordinator) CheckTimedOut(ctx context.Context, offerID uuid.UUID) {
	offer, err := c.offers.GetByID(ctx, offerID)
	if err != nil {
		return
	}

	if err := c.offers.ArchiveAndDelete(ctx, offerID, "check_timeout"); err != nil {
		c.log.Error("failed to archive timed out offer",
			zap.String("offer_id", offerID.String()), zap.Error(err))
		return
	}

	_ = c.publisher.Publish(ctx, events.StreamNotify, events.Event{
		Type: events.EventBotNotification,
		Payload: map[string]any{
			"kind":     "check_timeout",
			"offer_id": offerID.String(),
			"user_ids": []int64{offer.Init.ID, offer.Counter.ID},
			"hours":    int(c.cfg.CheckTimeout.Hours()),
		},
	})
	c.log.Info("deposit check timed out", zap.String("offer_id", offerID.String()))
}

// ConfirmSent records the non-escrow sender's transfer confirmation and
// prompts the receiver to acknowledge. Only the first confirmation acts.
func (c *Coordinator) ConfirmSent(ctx context.Context, offerID uuid.UUID, actorID int64) error {
	offer, err := c.offers.GetByID(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.Receiver().ID != actorID {
		return fmt.Errorf("only the counter-leg sender can confirm the transfer")
	}

	cleared, err := c.offers.ClearUnsent(ctx, offerID)
	if err != nil {
		return err
	}
	if !cleared {
		return ErrAlreadyConfirmed
	}

	_ = c.publisher.Publish(ctx, events.StreamOffers, events.Event{
		Type: events.EventOfferStatusChanged,
		Payload: map[string]any{
			"offer_id":         offerID.String(),
			"kind":             "transfer_confirmed",
			"confirm_user_id":  offer.Depositor().ID,
			"counter_currency": offer.CounterCurrency(),
		},
	})
	return nil
}

// RequestRelease validates the depositor's completion and hands the
// release over to the process holding the chain wallet. The transfer
// itself is submitted there; parties hear the outcome through the
// offer event stream.
func (c *Coordinator) RequestRelease(ctx context.Context, offerID uuid.UUID, actorID int64) error {
	offer, err := c.offers.GetByID(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.Depositor().ID != actorID {
		return fmt.Errorf("only the escrow depositor can complete the exchange")
	}
	if offer.Status != models.OfferStatusDeposited {
		return fmt.Errorf("offer is not holding a deposit")
	}

	return c.publisher.Publish(ctx, events.StreamChain, events.Event{
		Type: events.EventReleaseRequested,
		Payload: map[string]any{
			"offer_id": offerID.String(),
			"actor_id": actorID,
		},
	})
}

// Complete releases the escrowed asset to its receiver, invokes the
// cashback collaborator and archives the offer. Only the escrow
// depositor, having received the counter leg, may complete. It runs in
// the watcher process, where the wallet connector can transfer.
func (c *Coordinator) Complete(ctx context.Context, offerID uuid.UUID, actorID int64) error {
	offer, err := c.offers.GetByID(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.Depositor().ID != actorID {
		return fmt.Errorf("only the escrow depositor can complete the exchange")
	}
	if offer.Status != models.OfferStatusDeposited {
		return fmt.Errorf("offer is not holding a deposit")
	}

	recipient := offer.Receiver()
	sender := offer.Depositor()

	connector := c.connectors.ForAsset(offer.Escrow)
	if connector == nil {
		return fmt.Errorf("no connector for asset %s", offer.Escrow)
	}

	memo := models.SettlementMemo(offer, true, "", c.cfg.ServiceName)
	ref, err := connector.Transfer(ctx, deref(recipient.ReceiveAddress), offer.SumFeeDown, offer.Escrow, memo)
	if err != nil {
		c.escalateTransferFailure(ctx, offer, "release", err)
		return fmt.Errorf("release transfer: %w", err)
	}

	if deref(sender.SendAddress) != deref(recipient.ReceiveAddress) {
		c.cashback.Add(ctx, offer.Escrow, offer.EscrowSum(), offer.SumFeeUp, offer.SumFeeDown, *sender, *recipient)
	}

	if _, err := c.offers.UpdateStatus(ctx, offerID, models.OfferStatusDeposited, models.OfferStatusCompleted); err != nil {
		c.log.Error("failed to mark offer completed",
			zap.String("offer_id", offerID.String()), zap.Error(err))
	}
	if err := c.offers.ArchiveAndDelete(ctx, offerID, "completed"); err != nil {
		c.log.Error("failed to archive completed offer",
			zap.String("offer_id", offerID.String()), zap.Error(err))
	}

	_ = c.audit.Log(ctx, models.AuditLog{
		ActorUserID: &actorID,
		ActorType:   "user",
		Action:      "escrow_released",
		EntityType:  "offer",
		EntityID:    &offerID,
		Meta: map[string]any{
			"release_trx_id": ref,
			"amount":         offer.SumFeeDown.String(),
			"asset":          offer.Escrow,
		},
	})
	_ = c.publisher.Publish(ctx, events.StreamOffers, events.Event{
		Type: events.EventEscrowReleased,
		Payload: map[string]any{
			"offer_id":       offerID.String(),
			"release_trx_id": ref,
			"sender_id":      sender.ID,
			"recipient_id":   recipient.ID,
			"amount":         offer.EscrowSum().String(),
			"asset":          offer.Escrow,
		},
	})
	c.log.Info("escrow released",
		zap.String("offer_id", offerID.String()),
		zap.String("release_trx_id", ref),
	)
	return nil
}

// ValidateManually escalates an unconfirmed exchange to the operator
// channel with the routing details and archives the offer.
func (c *Coordinator) ValidateManually(ctx context.Context, offerID uuid.UUID, actorID int64) error {
	offer, err := c.offers.GetByID(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.Depositor().ID != actorID {
		return fmt.Errorf("only the escrow depositor can dispute the exchange")
	}

	sender := offer.Receiver()
	receiver := offer.Depositor()
	_ = c.publisher.Publish(ctx, events.StreamNotify, events.Event{
		Type: events.EventManualEscalation,
		Payload: map[string]any{
			"channel_id":       c.cfg.SupportChannelID,
			"offer_id":         offerID.String(),
			"trx_id":           deref(offer.TrxID),
			"counter_currency": offer.CounterCurrency(),
			"sender_mention":   sender.Mention,
			"sender_name":      deref(sender.Name),
			"receiver_mention": receiver.Mention,
			"receiver_name":    deref(receiver.Name),
			"bank":             deref(offer.Bank),
			"memo":             deref(offer.Memo),
		},
	})

	if err := c.offers.ArchiveAndDelete(ctx, offerID, "manual_validation"); err != nil {
		return err
	}
	_ = c.audit.Log(ctx, models.AuditLog{
		ActorUserID: &actorID,
		ActorType:   "user",
		Action:      "manual_validation_requested",
		EntityType:  "offer",
		EntityID:    &offerID,
	})
	return nil
}

// escalateTransferFailure parks the offer in manual settlement and pages
// the operator channel. A failed release or refund is an operational
// incident, never retried automatically.
func (c *Coordinator) escalateTransferFailure(ctx context.Context, offer *models.Offer, kind string, cause error) {
	var terr *chain.TransferError
	if !errors.As(cause, &terr) {
		terr = &chain.TransferError{Chain: offer.Escrow, Err: cause}
	}

	if _, err := c.offers.UpdateStatus(ctx, offer.ID, offer.Status, models.OfferStatusManualSettlement); err != nil {
		c.log.Error("failed to flag manual settlement",
			zap.String("offer_id", offer.ID.String()), zap.Error(err))
	}

	_ = c.publisher.Publish(ctx, events.StreamNotify, events.Event{
		Type: events.EventManualEscalation,
		Payload: map[string]any{
			"channel_id": c.cfg.SupportChannelID,
			"offer_id":   offer.ID.String(),
			"kind":       kind + "_failed",
			"error":      terr.Error(),
			"user_ids":   []int64{offer.Init.ID, offer.Counter.ID},
		},
	})
	c.log.Error("settlement transfer failed, manual intervention required",
		zap.String("offer_id", offer.ID.String()),
		zap.String("kind", kind),
		zap.Error(cause),
	)
}

// ErrAlreadyConfirmed reports a duplicate transfer confirmation.
var ErrAlreadyConfirmed = errors.New("transfer already confirmed")

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
