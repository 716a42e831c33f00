package escrow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/escrow-exchange/backend/internal/chain"
	"github.com/escrow-exchange/backend/internal/events"
	"github.com/escrow-exchange/backend/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type memStore struct {
	offer    *models.Offer
	archived string
}

func (m *memStore) Create(_ context.Context, o *models.Offer) error {
	o.ID = uuid.New()
	o.CreatedAt = time.Now()
	m.offer = o
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Offer, error) {
	if m.offer == nil || m.archived != "" || m.offer.ID != id {
		return nil, errors.New("no rows in result set")
	}
	return m.offer, nil
}

func (m *memStore) GetByPendingInput(_ context.Context, userID int64) (*models.Offer, error) {
	if m.offer == nil || m.archived != "" || m.offer.PendingInputFrom == nil || *m.offer.PendingInputFrom != userID {
		return nil, errors.New("no rows in result set")
	}
	return m.offer, nil
}

func (m *memStore) UpdateStatus(_ context.Context, _ uuid.UUID, from, to string) (bool, error) {
	if m.offer.Status != from {
		return false, nil
	}
	m.offer.Status = to
	return true, nil
}

func (m *memStore) SetPendingInput(_ context.Context, _ uuid.UUID, userID *int64) error {
	m.offer.PendingInputFrom = userID
	return nil
}

func (m *memStore) SetAmounts(_ context.Context, o *models.Offer) error {
	m.offer.SumBuy = o.SumBuy
	m.offer.SumSell = o.SumSell
	m.offer.SumFeeUp = o.SumFeeUp
	m.offer.SumFeeDown = o.SumFeeDown
	m.offer.Insured = o.Insured
	m.offer.SumCurrency = nil
	return nil
}

func (m *memStore) SetBank(_ context.Context, _ uuid.UUID, bank string) error {
	m.offer.Bank = &bank
	return nil
}

func (m *memStore) side(initiator bool) *models.TradeParty {
	if initiator {
		return &m.offer.Init
	}
	return &m.offer.Counter
}

func (m *memStore) SetReceiveAddress(_ context.Context, _ uuid.UUID, initiator bool, addr string) error {
	m.side(initiator).ReceiveAddress = &addr
	return nil
}

func (m *memStore) SetSendAddress(_ context.Context, _ uuid.UUID, initiator bool, addr string) error {
	m.side(initiator).SendAddress = &addr
	return nil
}

func (m *memStore) SetName(_ context.Context, _ uuid.UUID, initiator bool, name string) error {
	m.side(initiator).Name = &name
	return nil
}

func (m *memStore) SetMemoAndTransactionTime(_ context.Context, _ uuid.UUID, memo string, at time.Time) error {
	m.offer.Memo = &memo
	m.offer.TransactionTime = &at
	return nil
}

func (m *memStore) ArchiveAndDelete(_ context.Context, _ uuid.UUID, reason string) error {
	m.archived = reason
	return nil
}

type fakeConnector struct {
	chain.Connector

	queued  []models.DepositExpectation
	removed []uuid.UUID
}

func (f *fakeConnector) Address() string { return "EQCustodial" }

func (f *fakeConnector) AddToQueue(exp models.DepositExpectation) {
	f.queued = append(f.queued, exp)
}

func (f *fakeConnector) RemoveFromQueue(offerID uuid.UUID) bool {
	f.removed = append(f.removed, offerID)
	return true
}

// fakeConnectors serves TON; every other currency is a fiat rail.
type fakeConnectors struct {
	connector *fakeConnector
}

func (f *fakeConnectors) ForAsset(asset string) chain.Connector {
	if asset == "TON" && f.connector != nil {
		return f.connector
	}
	return nil
}

type fakeInsurer struct {
	insured decimal.Decimal
	full    bool
}

func (f *fakeInsurer) Insure(_ context.Context, _ string, requested decimal.Decimal) (decimal.Decimal, error) {
	if f.full {
		return requested, nil
	}
	return f.insured, nil
}

type fakeAudit struct{ actions []string }

func (f *fakeAudit) Log(_ context.Context, entry models.AuditLog) error {
	f.actions = append(f.actions, entry.Action)
	return nil
}

type fakePublisher struct{ published []events.Event }

func (f *fakePublisher) Publish(_ context.Context, _ string, e events.Event) error {
	f.published = append(f.published, e)
	return nil
}

func newTestService(store *memStore, connector *fakeConnector, insurer *fakeInsurer) *Service {
	return NewService(store, insurer, &fakeConnectors{connector: connector}, &fakeAudit{}, &fakePublisher{}, Config{
		FeePercent:   decimal.RequireFromString("0.05"),
		ServiceName:  "escrow-exchange",
		CheckTimeout: 24 * time.Hour,
		Banks:        []string{"Acme Bank", "Globex"},
	}, zap.NewNop())
}

func createInput() CreateOfferInput {
	return CreateOfferInput{
		OrderID:      uuid.New(),
		Buy:          "TON",
		Sell:         "USD",
		Type:         models.TradeTypeBuy,
		Price:        decimal.RequireFromString("5.5"),
		SumCurrency:  "buy",
		Initiator:    models.TradeParty{ID: 100, Locale: "en", Mention: "alice"},
		Counterparty: models.TradeParty{ID: 200, Locale: "en", Mention: "bob"},
	}
}

func TestNegotiationWalkBuyTrade(t *testing.T) {
	store := &memStore{}
	connector := &fakeConnector{}
	svc := newTestService(store, connector, &fakeInsurer{full: true})
	ctx := context.Background()

	offer, err := svc.CreateOffer(ctx, createInput())
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if offer.Status != models.OfferStatusAmount {
		t.Fatalf("status = %s, want amount", offer.Status)
	}
	if offer.Escrow != "TON" || offer.Depositor().ID != 100 {
		t.Fatalf("buy trade must escrow TON deposited by the initiator")
	}

	// Initiator pass: amount, fee, then the fiat receive leg and the
	// crypto send leg.
	if _, err := svc.SubmitAmount(ctx, 100, "100"); err != nil {
		t.Fatalf("SubmitAmount() error = %v", err)
	}
	if !offer.SumSell.Equal(decimal.RequireFromString("550")) {
		t.Errorf("sum_sell = %s, want 550 derived from price", offer.SumSell)
	}
	if !offer.SumFeeUp.Equal(decimal.RequireFromString("105")) || !offer.SumFeeDown.Equal(decimal.RequireFromString("95")) {
		t.Errorf("fee variants = %s/%s, want 105/95", offer.SumFeeUp, offer.SumFeeDown)
	}
	if offer.Status != models.OfferStatusFee {
		t.Fatalf("status = %s, want fee", offer.Status)
	}

	if err := svc.AcceptFee(ctx, offer.ID, 100); err != nil {
		t.Fatalf("AcceptFee() error = %v", err)
	}
	if !offer.SumFeeUp.Equal(decimal.RequireFromString("105")) || !offer.SumFeeDown.Equal(decimal.RequireFromString("95")) {
		t.Errorf("depositor accepting the fee must keep the deposit variant topped up, got %s/%s", offer.SumFeeUp, offer.SumFeeDown)
	}
	if offer.Status != models.OfferStatusBank {
		t.Fatalf("status = %s, want bank for the fiat receive leg", offer.Status)
	}

	if err := svc.ChooseBank(ctx, offer.ID, 100, "Acme Bank"); err != nil {
		t.Fatalf("ChooseBank() error = %v", err)
	}
	if err := svc.ConfirmFullCardSent(ctx, offer.ID, 100); err != nil {
		t.Fatalf("ConfirmFullCardSent() error = %v", err)
	}
	if err := svc.SubmitReceiveCard(ctx, 100, "1234567812345678"); err != nil {
		t.Fatalf("SubmitReceiveCard() error = %v", err)
	}
	if got := *offer.Init.ReceiveAddress; got != "1234********5678" {
		t.Errorf("receive card = %q, want masked", got)
	}
	if err := svc.SubmitSendAddress(ctx, 100, "EQAliceSend"); err != nil {
		t.Fatalf("SubmitSendAddress() error = %v", err)
	}
	if offer.Status != models.OfferStatusAcceptPending {
		t.Fatalf("status = %s, want accept_pending after the initiator pass", offer.Status)
	}
	if offer.PendingInputFrom == nil || *offer.PendingInputFrom != 200 {
		t.Fatal("offer not handed to the counterparty")
	}

	// Counterparty pass: accept, fee, crypto receive leg, fiat send leg.
	if err := svc.Accept(ctx, offer.ID, 200); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if err := svc.DeclineFee(ctx, offer.ID, 200); err != nil {
		t.Fatalf("DeclineFee() error = %v", err)
	}
	if err := svc.SubmitReceiveAddress(ctx, 200, "EQBobReceive"); err != nil {
		t.Fatalf("SubmitReceiveAddress() error = %v", err)
	}
	if offer.Status != models.OfferStatusName {
		t.Fatalf("status = %s, want name for the fiat send leg", offer.Status)
	}
	if err := svc.SubmitName(ctx, 200, "Ivan Ivanovich Ivanov"); err != nil {
		t.Fatalf("SubmitName() error = %v", err)
	}
	if got := *offer.Counter.Name; got != "IVAN IVANOVICH I." {
		t.Errorf("name = %q, want compressed upper-cased", got)
	}
	if err := svc.SubmitSendCard(ctx, 200, "4321876543218765"); err != nil {
		t.Fatalf("SubmitSendCard() error = %v", err)
	}

	if offer.Status != models.OfferStatusAwaitingDeposit {
		t.Fatalf("status = %s, want awaiting_deposit", offer.Status)
	}
	if offer.PendingInputFrom != nil {
		t.Error("pending input not cleared while waiting on-chain")
	}
	if offer.Memo == nil || !strings.Contains(*offer.Memo, "to EQBobReceive") {
		t.Errorf("memo = %v, want anchored on the escrow receive address", offer.Memo)
	}

	if len(connector.queued) != 1 {
		t.Fatalf("queued expectations = %d, want 1", len(connector.queued))
	}
	exp := connector.queued[0]
	if exp.FromAddress != "EQAliceSend" {
		t.Errorf("expectation sender = %s, want the depositor's send address", exp.FromAddress)
	}
	if !exp.AmountWithFee.Equal(decimal.RequireFromString("105")) || !exp.AmountWithoutFee.Equal(decimal.RequireFromString("100")) {
		t.Errorf("expectation amounts = %s/%s, want 105/100", exp.AmountWithFee, exp.AmountWithoutFee)
	}
	if exp.Memo != *offer.Memo {
		t.Error("expectation memo differs from the offer memo")
	}
}

func TestSellTradeCounterpartyDeposits(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, &fakeConnector{}, &fakeInsurer{full: true})

	in := createInput()
	in.Buy, in.Sell = "USD", "TON"
	in.Type = models.TradeTypeSell
	in.SumCurrency = "sell"

	offer, err := svc.CreateOffer(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if offer.Escrow != "TON" || offer.Depositor().ID != 200 {
		t.Error("sell trade must escrow the sell currency deposited by the counterparty")
	}
}

func TestUnderInsuredAmountRequiresConfirmation(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, &fakeConnector{}, &fakeInsurer{insured: decimal.RequireFromString("50")})
	ctx := context.Background()

	offer, err := svc.CreateOffer(ctx, createInput())
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if _, err := svc.SubmitAmount(ctx, 100, "100"); err != nil {
		t.Fatalf("SubmitAmount() error = %v", err)
	}
	if offer.Status != models.OfferStatusInsuranceConfirm {
		t.Fatalf("status = %s, want insurance_confirm", offer.Status)
	}
	if !offer.Insured.Equal(decimal.RequireFromString("50")) {
		t.Errorf("insured = %s, want 50", offer.Insured)
	}
	if err := svc.AcceptInsurance(ctx, offer.ID, 100); err != nil {
		t.Fatalf("AcceptInsurance() error = %v", err)
	}
	if offer.Status != models.OfferStatusFee {
		t.Errorf("status = %s, want fee", offer.Status)
	}
}

func TestMalformedAmountKeepsState(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, &fakeConnector{}, &fakeInsurer{full: true})
	ctx := context.Background()

	offer, err := svc.CreateOffer(ctx, createInput())
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if _, err := svc.SubmitAmount(ctx, 100, "not a number"); err == nil {
		t.Fatal("malformed amount accepted")
	}
	if offer.Status != models.OfferStatusAmount {
		t.Errorf("status = %s, want unchanged amount", offer.Status)
	}
}

func TestInputFromWrongUserRejected(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, &fakeConnector{}, &fakeInsurer{full: true})
	ctx := context.Background()

	if _, err := svc.CreateOffer(ctx, createInput()); err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if _, err := svc.SubmitAmount(ctx, 200, "100"); !errors.Is(err, ErrNotYourTurn) {
		t.Errorf("error = %v, want ErrNotYourTurn", err)
	}
}

func TestCreateOfferWithoutConnectorRejected(t *testing.T) {
	svc := newTestService(&memStore{}, nil, &fakeInsurer{full: true})

	if _, err := svc.CreateOffer(context.Background(), createInput()); !errors.Is(err, ErrEscrowDisabled) {
		t.Errorf("error = %v, want ErrEscrowDisabled", err)
	}
}

func TestCancelRejectedAfterSettlementReference(t *testing.T) {
	store := &memStore{}
	connector := &fakeConnector{}
	svc := newTestService(store, connector, &fakeInsurer{full: true})
	ctx := context.Background()

	offer, err := svc.CreateOffer(ctx, createInput())
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	trx := "trx-1"
	memo := "memo"
	offer.TrxID = &trx
	offer.Memo = &memo

	if err := svc.Cancel(ctx, offer.ID, 100); !errors.Is(err, ErrCancelAfterTransfer) {
		t.Fatalf("error = %v, want ErrCancelAfterTransfer", err)
	}
	if store.archived != "" {
		t.Error("offer archived despite rejected cancel")
	}
	if len(connector.removed) != 0 {
		t.Error("connector queue mutated by rejected cancel")
	}
}

func TestCancelDuringVerificationOnlyByDepositor(t *testing.T) {
	store := &memStore{}
	connector := &fakeConnector{}
	svc := newTestService(store, connector, &fakeInsurer{full: true})
	ctx := context.Background()

	offer, err := svc.CreateOffer(ctx, createInput())
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	memo := "memo"
	offer.Memo = &memo

	if err := svc.Cancel(ctx, offer.ID, 200); !errors.Is(err, ErrCancelBeforeVerification) {
		t.Fatalf("counterparty cancel error = %v, want ErrCancelBeforeVerification", err)
	}
	if err := svc.Cancel(ctx, offer.ID, 100); err != nil {
		t.Fatalf("depositor Cancel() error = %v", err)
	}
	if store.archived != "cancelled" {
		t.Errorf("archived reason = %q, want cancelled", store.archived)
	}
	if len(connector.removed) != 1 || connector.removed[0] != offer.ID {
		t.Error("expectation not removed from the connector queue")
	}
}

func TestDeclineArchivesOffer(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, &fakeConnector{}, &fakeInsurer{full: true})
	ctx := context.Background()

	offer, err := svc.CreateOffer(ctx, createInput())
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	offer.Status = models.OfferStatusAcceptPending

	if err := svc.Decline(ctx, offer.ID, 100); err == nil {
		t.Error("initiator allowed to decline their own offer")
	}
	if err := svc.Decline(ctx, offer.ID, 200); err != nil {
		t.Fatalf("Decline() error = %v", err)
	}
	if store.archived != "declined" {
		t.Errorf("archived reason = %q, want declined", store.archived)
	}
}
