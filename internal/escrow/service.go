// Package escrow drives the negotiation of one escrow trade: a fixed
// sequence of input steps walked first by the initiator, then, after an
// explicit accept, by the counterparty, ending with a deposit
// expectation registered on the escrow asset's chain connector.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/escrow-exchange/backend/internal/chain"
	"github.com/escrow-exchange/backend/internal/events"
	"github.com/escrow-exchange/backend/internal/models"
	"github.com/escrow-exchange/backend/internal/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrCancelAfterTransfer rejects cancellation once a settlement
	// reference exists: the deposit may already be irreversible.
	ErrCancelAfterTransfer = errors.New("offer cannot be cancelled after the deposit transaction")
	// ErrCancelBeforeVerification rejects cancellation by the party
	// whose counterpart may already be transferring.
	ErrCancelBeforeVerification = errors.New("only the depositing party can cancel during deposit verification")
	ErrNotYourTurn              = errors.New("offer is not waiting for input from this user")
	ErrEscrowDisabled           = errors.New("escrow is not available for this asset")
)

// OfferStore is the slice of offer persistence the state machine needs.
type OfferStore interface {
	Create(ctx context.Context, o *models.Offer) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Offer, error)
	GetByPendingInput(ctx context.Context, userID int64) (*models.Offer, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	SetPendingInput(ctx context.Context, id uuid.UUID, userID *int64) error
	SetAmounts(ctx context.Context, o *models.Offer) error
	SetBank(ctx context.Context, id uuid.UUID, bank string) error
	SetReceiveAddress(ctx context.Context, id uuid.UUID, initiator bool, addr string) error
	SetSendAddress(ctx context.Context, id uuid.UUID, initiator bool, addr string) error
	SetName(ctx context.Context, id uuid.UUID, initiator bool, name string) error
	SetMemoAndTransactionTime(ctx context.Context, id uuid.UUID, memo string, at time.Time) error
	ArchiveAndDelete(ctx context.Context, id uuid.UUID, reason string) error
}

// Insurer computes the insured portion of an escrow deposit.
type Insurer interface {
	Insure(ctx context.Context, asset string, requested decimal.Decimal) (decimal.Decimal, error)
}

// Connectors resolves an asset to its chain connector, nil when the
// asset has no escrow support.
type Connectors interface {
	ForAsset(asset string) chain.Connector
}

type AuditSink interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

type Config struct {
	// Escrow fee as a fraction, e.g. 0.05 for 5 percent.
	FeePercent decimal.Decimal
	// Service identity embedded in settlement memos.
	ServiceName string
	// How long a registered deposit expectation stays valid.
	CheckTimeout time.Duration
	// Payment rails offered on the fiat leg.
	Banks []string
}

type Service struct {
	offers     OfferStore
	insurer    Insurer
	connectors Connectors
	audit      AuditSink
	publisher  events.Publisher
	cfg        Config
	log        *zap.Logger
}

func NewService(
	offers OfferStore,
	insurer Insurer,
	connectors Connectors,
	audit AuditSink,
	publisher events.Publisher,
	cfg Config,
	log *zap.Logger,
) *Service {
	return &Service{
		offers:     offers,
		insurer:    insurer,
		connectors: connectors,
		audit:      audit,
		publisher:  publisher,
		cfg:        cfg,
		log:        log,
	}
}

type CreateOfferInput struct {
	OrderID uuid.UUID
	// Currency pair from the order: initiator buys Buy, sells Sell.
	Buy  string
	Sell string
	// Trade type names the escrowed leg: "buy" escrows the buy
	// currency (initiator deposits), "sell" the sell currency
	// (counterparty deposits).
	Type string
	// Units of Sell per one Buy, fixed by the order.
	Price decimal.Decimal
	// Which leg the initiator will price in the amount step.
	SumCurrency string

	Initiator    models.TradeParty
	Counterparty models.TradeParty
}

// CreateOffer opens a trade in the amount state, waiting for the
// initiator. The escrow asset must have a live connector.
func (s *Service) CreateOffer(ctx context.Context, in CreateOfferInput) (*models.Offer, error) {
	if in.Type != models.TradeTypeBuy && in.Type != models.TradeTypeSell {
		return nil, fmt.Errorf("unknown trade type %q", in.Type)
	}
	escrowAsset := in.Buy
	if in.Type == models.TradeTypeSell {
		escrowAsset = in.Sell
	}
	if s.connectors.ForAsset(escrowAsset) == nil {
		return nil, ErrEscrowDisabled
	}
	if in.SumCurrency != "buy" && in.SumCurrency != "sell" {
		return nil, fmt.Errorf("sum currency must be buy or sell, got %q", in.SumCurrency)
	}
	if !in.Price.IsPositive() {
		return nil, fmt.Errorf("order price must be positive")
	}

	initID := in.Initiator.ID
	offer := &models.Offer{
		OrderID:          in.OrderID,
		Buy:              in.Buy,
		Sell:             in.Sell,
		Type:             in.Type,
		Escrow:           escrowAsset,
		Status:           models.OfferStatusAmount,
		Init:             in.Initiator,
		Counter:          in.Counterparty,
		SumCurrency:      &in.SumCurrency,
		Price:            in.Price,
		PendingInputFrom: &initID,
	}
	if err := s.offers.Create(ctx, offer); err != nil {
		return nil, err
	}

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorUserID: &initID,
		ActorType:   "user",
		Action:      "offer_created",
		EntityType:  "offer",
		EntityID:    &offer.ID,
		Meta:        map[string]any{"order_id": in.OrderID.String(), "pair": in.Buy + "/" + in.Sell, "type": in.Type},
	})
	return offer, nil
}

// GetOffer loads one live offer by id.
func (s *Service) GetOffer(ctx context.Context, id uuid.UUID) (*models.Offer, error) {
	return s.offers.GetByID(ctx, id)
}

// PendingFor returns the offer currently waiting for input from userID.
func (s *Service) PendingFor(ctx context.Context, userID int64) (*models.Offer, error) {
	offer, err := s.offers.GetByPendingInput(ctx, userID)
	if err != nil {
		return nil, ErrNotYourTurn
	}
	return offer, nil
}

// pendingOffer loads the offer waiting for input from userID and checks
// it sits in the expected status.
func (s *Service) pendingOffer(ctx context.Context, userID int64, status string) (*models.Offer, error) {
	offer, err := s.offers.GetByPendingInput(ctx, userID)
	if err != nil {
		return nil, ErrNotYourTurn
	}
	if offer.Status != status {
		return nil, fmt.Errorf("offer is in state %s, expected %s", offer.Status, status)
	}
	return offer, nil
}

// SubmitAmount prices one leg of the trade, derives the other from the
// order price, computes both fee-adjusted deposit variants and the
// insured cover. An under-insured trade requires an explicit accept
// before the fee step.
func (s *Service) SubmitAmount(ctx context.Context, userID int64, input string) (*models.Offer, error) {
	offer, err := s.pendingOffer(ctx, userID, models.OfferStatusAmount)
	if err != nil {
		return nil, err
	}

	amount, err := money.Parse(input)
	if err != nil {
		// Malformed input recovers in place: the state does not move.
		return nil, err
	}

	if offer.SumCurrency != nil && *offer.SumCurrency == "sell" {
		offer.SumSell = amount
		offer.SumBuy = money.Normalize(amount.Div(offer.Price))
	} else {
		offer.SumBuy = amount
		offer.SumSell = money.Normalize(amount.Mul(offer.Price))
	}

	escrowSum := offer.EscrowSum()
	one := decimal.New(1, 0)
	offer.SumFeeUp = money.Normalize(escrowSum.Mul(one.Add(s.cfg.FeePercent)))
	offer.SumFeeDown = money.Normalize(escrowSum.Mul(one.Sub(s.cfg.FeePercent)))

	insured, err := s.insurer.Insure(ctx, offer.Escrow, escrowSum)
	if err != nil {
		return nil, fmt.Errorf("compute insurance: %w", err)
	}
	offer.Insured = insured

	if err := s.offers.SetAmounts(ctx, offer); err != nil {
		return nil, err
	}

	next := models.OfferStatusFee
	if insured.LessThan(escrowSum) {
		next = models.OfferStatusInsuranceConfirm
	}
	if err := s.advance(ctx, offer, next, &userID); err != nil {
		return nil, err
	}
	return offer, nil
}

// AcceptInsurance acknowledges partial cover and moves on to the fee
// step. Declining is a plain Cancel.
func (s *Service) AcceptInsurance(ctx context.Context, offerID uuid.UUID, userID int64) error {
	offer, err := s.turn(ctx, offerID, userID, models.OfferStatusInsuranceConfirm)
	if err != nil {
		return err
	}
	return s.advance(ctx, offer, models.OfferStatusFee, &userID)
}

// AcceptFee records that the party covers their share of the escrow
// fee: the depositor tops the deposit up, the receiver lets the fee be
// withheld from the release.
func (s *Service) AcceptFee(ctx context.Context, offerID uuid.UUID, userID int64) error {
	return s.resolveFee(ctx, offerID, userID, true)
}

// DeclineFee waives the fee on the party's side: their deposit or
// release leg stays at the gross sum.
func (s *Service) DeclineFee(ctx context.Context, offerID uuid.UUID, userID int64) error {
	return s.resolveFee(ctx, offerID, userID, false)
}

func (s *Service) resolveFee(ctx context.Context, offerID uuid.UUID, userID int64, agree bool) error {
	offer, err := s.turn(ctx, offerID, userID, models.OfferStatusFee)
	if err != nil {
		return err
	}

	// The depositor's answer controls the deposit-side variant, the
	// receiver's the release-side one. A declined side collapses to
	// the gross sum.
	gross := offer.EscrowSum()
	one := decimal.New(1, 0)
	if offer.Depositor().ID == userID {
		if agree {
			offer.SumFeeUp = money.Normalize(gross.Mul(one.Add(s.cfg.FeePercent)))
		} else {
			offer.SumFeeUp = gross
		}
	} else {
		if agree {
			offer.SumFeeDown = money.Normalize(gross.Mul(one.Sub(s.cfg.FeePercent)))
		} else {
			offer.SumFeeDown = gross
		}
	}
	if err := s.offers.SetAmounts(ctx, offer); err != nil {
		return err
	}

	next := models.OfferStatusReceiveAddress
	if s.isFiat(s.receiveLeg(offer, userID)) {
		next = models.OfferStatusBank
	}
	return s.advance(ctx, offer, next, &userID)
}

// ChooseBank selects the payment rail for the fiat leg.
func (s *Service) ChooseBank(ctx context.Context, offerID uuid.UUID, userID int64, bank string) error {
	offer, err := s.turn(ctx, offerID, userID, models.OfferStatusBank)
	if err != nil {
		return err
	}

	supported := false
	for _, b := range s.cfg.Banks {
		if b == bank {
			supported = true
			break
		}
	}
	if !supported {
		return &money.ValidationError{Reason: fmt.Sprintf("bank %q is not supported", bank)}
	}

	if err := s.offers.SetBank(ctx, offer.ID, bank); err != nil {
		return err
	}
	return s.advance(ctx, offer, models.OfferStatusFullCard, &userID)
}

// ConfirmFullCardSent acknowledges that the full card number was passed
// to the counterpart out of band; only the 4+4 digits are stored here.
func (s *Service) ConfirmFullCardSent(ctx context.Context, offerID uuid.UUID, userID int64) error {
	offer, err := s.turn(ctx, offerID, userID, models.OfferStatusFullCard)
	if err != nil {
		return err
	}
	return s.advance(ctx, offer, models.OfferStatusReceiveCard, &userID)
}

// SubmitReceiveCard stores the masked card the party receives the fiat
// leg on, then asks for their crypto send address.
func (s *Service) SubmitReceiveCard(ctx context.Context, userID int64, input string) error {
	offer, err := s.pendingOffer(ctx, userID, models.OfferStatusReceiveCard)
	if err != nil {
		return err
	}

	masked, err := money.MaskCard(input)
	if err != nil {
		return err
	}
	if err := s.offers.SetReceiveAddress(ctx, offer.ID, offer.IsInitiator(userID), masked); err != nil {
		return err
	}
	offer.Party(userID).ReceiveAddress = &masked
	return s.advance(ctx, offer, models.OfferStatusSendAddress, &userID)
}

// SubmitReceiveAddress stores the address the party receives the escrow
// asset on. A fiat sender is asked for their cardholder name next, a
// crypto sender directly for their send address.
func (s *Service) SubmitReceiveAddress(ctx context.Context, userID int64, input string) error {
	offer, err := s.pendingOffer(ctx, userID, models.OfferStatusReceiveAddress)
	if err != nil {
		return err
	}

	if err := money.CheckField(input); err != nil {
		return err
	}
	if err := s.offers.SetReceiveAddress(ctx, offer.ID, offer.IsInitiator(userID), input); err != nil {
		return err
	}
	offer.Party(userID).ReceiveAddress = &input

	next := models.OfferStatusSendAddress
	if s.isFiat(s.sendLeg(offer, userID)) {
		next = models.OfferStatusName
	}
	return s.advance(ctx, offer, next, &userID)
}

// SubmitName stores the compressed, upper-cased cardholder name of the
// fiat sender.
func (s *Service) SubmitName(ctx context.Context, userID int64, input string) error {
	offer, err := s.pendingOffer(ctx, userID, models.OfferStatusName)
	if err != nil {
		return err
	}

	name, err := money.CardholderName(input)
	if err != nil {
		return err
	}
	if err := s.offers.SetName(ctx, offer.ID, offer.IsInitiator(userID), name); err != nil {
		return err
	}
	offer.Party(userID).Name = &name
	return s.advance(ctx, offer, models.OfferStatusSendCard, &userID)
}

// SubmitSendCard stores the masked card the fiat leg is sent from and
// finishes the party's pass.
func (s *Service) SubmitSendCard(ctx context.Context, userID int64, input string) error {
	offer, err := s.pendingOffer(ctx, userID, models.OfferStatusSendCard)
	if err != nil {
		return err
	}

	masked, err := money.MaskCard(input)
	if err != nil {
		return err
	}
	return s.finishPass(ctx, offer, userID, masked, models.OfferStatusSendCard)
}

// SubmitSendAddress stores the address the party sends from and finishes
// the party's pass.
func (s *Service) SubmitSendAddress(ctx context.Context, userID int64, input string) error {
	offer, err := s.pendingOffer(ctx, userID, models.OfferStatusSendAddress)
	if err != nil {
		return err
	}

	if err := money.CheckField(input); err != nil {
		return err
	}
	return s.finishPass(ctx, offer, userID, input, models.OfferStatusSendAddress)
}

// finishPass closes a party's input sequence. The initiator's pass hands
// the offer to the counterparty for an accept decision; the
// counterparty's pass arms the deposit watch.
func (s *Service) finishPass(ctx context.Context, offer *models.Offer, userID int64, sendAddr, from string) error {
	if err := s.offers.SetSendAddress(ctx, offer.ID, offer.IsInitiator(userID), sendAddr); err != nil {
		return err
	}
	offer.Party(userID).SendAddress = &sendAddr

	if offer.IsInitiator(userID) {
		if err := s.advance(ctx, offer, models.OfferStatusAcceptPending, &offer.Counter.ID); err != nil {
			return err
		}
		_ = s.publisher.Publish(ctx, events.StreamOffers, events.Event{
			Type: events.EventOfferStatusChanged,
			Payload: map[string]any{
				"offer_id": offer.ID.String(),
				"kind":     "offer_sent",
				"to":       offer.Counter.ID,
			},
		})
		return nil
	}
	return s.registerExpectation(ctx, offer, sendAddr, from)
}

// Accept lets the counterparty take the offer and start their own pass
// at the fee step.
func (s *Service) Accept(ctx context.Context, offerID uuid.UUID, userID int64) error {
	offer, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.Counter.ID != userID {
		return fmt.Errorf("only the counterparty can accept the offer")
	}
	if offer.Status != models.OfferStatusAcceptPending {
		return fmt.Errorf("offer is in state %s, expected %s", offer.Status, models.OfferStatusAcceptPending)
	}
	return s.advance(ctx, offer, models.OfferStatusFee, &userID)
}

// Decline removes the offer and notifies the initiator.
func (s *Service) Decline(ctx context.Context, offerID uuid.UUID, userID int64) error {
	offer, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.Counter.ID != userID {
		return fmt.Errorf("only the counterparty can decline the offer")
	}
	if offer.Status != models.OfferStatusAcceptPending {
		return fmt.Errorf("offer is in state %s, expected %s", offer.Status, models.OfferStatusAcceptPending)
	}

	if err := s.offers.ArchiveAndDelete(ctx, offerID, "declined"); err != nil {
		return err
	}
	_ = s.audit.Log(ctx, models.AuditLog{
		ActorUserID: &userID,
		ActorType:   "user",
		Action:      "offer_declined",
		EntityType:  "offer",
		EntityID:    &offerID,
	})
	_ = s.publisher.Publish(ctx, events.StreamNotify, events.Event{
		Type: events.EventBotNotification,
		Payload: map[string]any{
			"kind":     "offer_declined",
			"offer_id": offerID.String(),
			"user_ids": []int64{offer.Init.ID},
		},
	})
	return nil
}

// Cancel aborts the trade. While the depositing party may already be
// transferring, only they can cancel; once a settlement reference
// exists, cancellation is rejected unconditionally.
func (s *Service) Cancel(ctx context.Context, offerID uuid.UUID, userID int64) error {
	offer, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.Party(userID) == nil {
		return fmt.Errorf("user is not a party of this offer")
	}
	if offer.TrxID != nil {
		return ErrCancelAfterTransfer
	}
	if offer.Memo != nil {
		if offer.Depositor().ID != userID {
			return ErrCancelBeforeVerification
		}
		if connector := s.connectors.ForAsset(offer.Escrow); connector != nil {
			connector.RemoveFromQueue(offer.ID)
		}
	}

	if err := s.offers.ArchiveAndDelete(ctx, offerID, "cancelled"); err != nil {
		return err
	}
	_ = s.audit.Log(ctx, models.AuditLog{
		ActorUserID: &userID,
		ActorType:   "user",
		Action:      "offer_cancelled",
		EntityType:  "offer",
		EntityID:    &offerID,
	})
	_ = s.publisher.Publish(ctx, events.StreamNotify, events.Event{
		Type: events.EventBotNotification,
		Payload: map[string]any{
			"kind":     "offer_cancelled",
			"offer_id": offerID.String(),
			"user_ids": []int64{offer.Init.ID, offer.Counter.ID},
		},
	})
	return nil
}

// RearmExpectations re-registers deposit watches for offers that were
// awaiting a deposit when the process stopped.
func (s *Service) RearmExpectations(ctx context.Context, offers []models.Offer) {
	for i := range offers {
		offer := &offers[i]
		connector := s.connectors.ForAsset(offer.Escrow)
		if connector == nil || offer.Memo == nil || offer.TransactionTime == nil {
			continue
		}
		connector.AddToQueue(models.DepositExpectation{
			OfferID:          offer.ID,
			FromAddress:      deref(offer.Depositor().SendAddress),
			Asset:            offer.Escrow,
			AmountWithFee:    offer.SumFeeUp,
			AmountWithoutFee: offer.SumFeeDown,
			Memo:             *offer.Memo,
			RegisteredAt:     *offer.TransactionTime,
			Deadline:         offer.TransactionTime.Add(s.cfg.CheckTimeout),
		})
	}
}

// registerExpectation builds the settlement memo, arms the deposit watch
// on the escrow connector and parks the offer in awaiting_deposit.
func (s *Service) registerExpectation(ctx context.Context, offer *models.Offer, counterSendAddr, from string) error {
	connector := s.connectors.ForAsset(offer.Escrow)
	if connector == nil {
		return ErrEscrowDisabled
	}

	memo := models.SettlementMemo(offer, false, counterSendAddr, s.cfg.ServiceName)
	now := time.Now()
	if err := s.offers.SetMemoAndTransactionTime(ctx, offer.ID, memo, now); err != nil {
		return err
	}
	offer.Memo = &memo
	offer.TransactionTime = &now

	ok, err := s.offers.UpdateStatus(ctx, offer.ID, from, models.OfferStatusAwaitingDeposit)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("offer left state %s concurrently", from)
	}
	offer.Status = models.OfferStatusAwaitingDeposit
	// The next move is on-chain, no user input is awaited.
	if err := s.offers.SetPendingInput(ctx, offer.ID, nil); err != nil {
		return err
	}
	offer.PendingInputFrom = nil

	connector.AddToQueue(models.DepositExpectation{
		OfferID:          offer.ID,
		FromAddress:      deref(offer.Depositor().SendAddress),
		Asset:            offer.Escrow,
		AmountWithFee:    offer.SumFeeUp,
		AmountWithoutFee: offer.SumFeeDown,
		Memo:             memo,
		RegisteredAt:     now,
		Deadline:         now.Add(s.cfg.CheckTimeout),
	})

	depositor := offer.Depositor()
	_ = s.publisher.Publish(ctx, events.StreamOffers, events.Event{
		Type: events.EventOfferStatusChanged,
		Payload: map[string]any{
			"offer_id":        offer.ID.String(),
			"kind":            "awaiting_deposit",
			"depositor_id":    depositor.ID,
			"deposit_amount":  offer.SumFeeUp.String(),
			"deposit_asset":   offer.Escrow,
			"deposit_address": connector.Address(),
			"memo":            memo,
		},
	})
	s.log.Info("deposit expectation registered",
		zap.String("offer_id", offer.ID.String()),
		zap.String("asset", offer.Escrow),
		zap.String("from", deref(offer.Depositor().SendAddress)),
	)
	return nil
}

// turn loads an offer by id and checks both the awaited actor and the
// expected status.
func (s *Service) turn(ctx context.Context, offerID uuid.UUID, userID int64, status string) (*models.Offer, error) {
	offer, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.PendingInputFrom == nil || *offer.PendingInputFrom != userID {
		return nil, ErrNotYourTurn
	}
	if offer.Status != status {
		return nil, fmt.Errorf("offer is in state %s, expected %s", offer.Status, status)
	}
	return offer, nil
}

// advance performs a validated status transition and repoints the
// awaited actor.
func (s *Service) advance(ctx context.Context, offer *models.Offer, to string, nextActor *int64) error {
	if !models.IsValidOfferTransition(offer.Status, to) {
		return fmt.Errorf("invalid transition from %s to %s", offer.Status, to)
	}
	ok, err := s.offers.UpdateStatus(ctx, offer.ID, offer.Status, to)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("offer left state %s concurrently", offer.Status)
	}
	offer.Status = to

	if err := s.offers.SetPendingInput(ctx, offer.ID, nextActor); err != nil {
		return err
	}
	offer.PendingInputFrom = nextActor
	return nil
}

// receiveLeg names the currency the user receives in this trade.
func (s *Service) receiveLeg(offer *models.Offer, userID int64) string {
	if offer.Depositor().ID == userID {
		return offer.CounterCurrency()
	}
	return offer.Escrow
}

// sendLeg names the currency the user sends in this trade.
func (s *Service) sendLeg(offer *models.Offer, userID int64) string {
	if offer.Depositor().ID == userID {
		return offer.Escrow
	}
	return offer.CounterCurrency()
}

// isFiat reports whether a currency has no chain connector and settles
// over a payment rail instead.
func (s *Service) isFiat(currency string) bool {
	return s.connectors.ForAsset(currency) == nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
