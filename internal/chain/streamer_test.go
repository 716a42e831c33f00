package chain

import (
	"context"
	"testing"
	"time"

	"github.com/escrow-exchange/backend/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeLedger struct {
	height      uint64
	heightCalls int
	found       bool
}

func (f *fakeLedger) Connect(ctx context.Context) error { return nil }

func (f *fakeLedger) AccountHistory(ctx context.Context, address string, since time.Time) ([]Operation, error) {
	return nil, nil
}

func (f *fakeLedger) IrreversibleHeight(ctx context.Context) (uint64, error) {
	f.heightCalls++
	return f.height, nil
}

func (f *fakeLedger) PollOperations(ctx context.Context, address string, cursor uint64) ([]Operation, uint64, error) {
	return nil, cursor, nil
}

func (f *fakeLedger) FindOperation(ctx context.Context, op Operation) (bool, error) {
	return f.found, nil
}

func (f *fakeLedger) Transfer(ctx context.Context, to string, amount decimal.Decimal, asset, memo string) (string, error) {
	return "trx", nil
}

func (f *fakeLedger) Limits(asset string) *models.InsuranceLimits { return nil }

func (f *fakeLedger) Close() {}

type confirmedCall struct {
	offerID uuid.UUID
	trxID   string
}

type mismatchCall struct {
	offerID uuid.UUID
	reasons []string
}

type fakeCoordinator struct {
	accept     bool
	confirmed  []confirmedCall
	mismatches []mismatchCall
	timedOut   []uuid.UUID
}

func (f *fakeCoordinator) DepositConfirmed(ctx context.Context, offerID uuid.UUID, op Operation, trxID string, blockNum uint64) bool {
	f.confirmed = append(f.confirmed, confirmedCall{offerID, trxID})
	return f.accept
}

func (f *fakeCoordinator) DepositMismatch(ctx context.Context, offerID uuid.UUID, op Operation, reasons []string, from string, amount decimal.Decimal, asset string, blockNum uint64) {
	f.mismatches = append(f.mismatches, mismatchCall{offerID, reasons})
}

func (f *fakeCoordinator) CheckTimedOut(ctx context.Context, offerID uuid.UUID) {
	f.timedOut = append(f.timedOut, offerID)
}

const custodial = "escrowservice"

func newTestConnector(coord *fakeCoordinator) *StreamingConnector {
	c, _ := newTestRig(coord)
	return c
}

func newTestRig(coord *fakeCoordinator) (*StreamingConnector, *fakeLedger) {
	ledger := &fakeLedger{height: 1 << 30, found: true}
	c := NewStreamingConnector(StreamingConfig{
		Name:    "testchain",
		Assets:  []string{"TST"},
		Address: custodial,
	}, ledger, coord, zap.NewNop())
	return c, ledger
}

func expectation(registered time.Time) models.DepositExpectation {
	return models.DepositExpectation{
		OfferID:          uuid.New(),
		FromAddress:      "alice",
		Asset:            "TST",
		AmountWithFee:    decimal.RequireFromString("105"),
		AmountWithoutFee: decimal.RequireFromString("95"),
		Memo:             "to bob for 100 XYZ",
		RegisteredAt:     registered,
		Deadline:         registered.Add(24 * time.Hour),
	}
}

func operation(exp models.DepositExpectation, ts time.Time) Operation {
	return Operation{
		TrxID:     "abc123",
		From:      exp.FromAddress,
		To:        custodial,
		Amount:    exp.AmountWithFee,
		Asset:     exp.Asset,
		Memo:      exp.Memo,
		BlockNum:  42,
		Timestamp: ts,
	}
}

func TestMatchConfirmsAndRemoves(t *testing.T) {
	coord := &fakeCoordinator{accept: true}
	c := newTestConnector(coord)

	registered := time.Now().Add(-time.Minute)
	exp := expectation(registered)
	c.AddToQueue(exp)

	c.processOperation(context.Background(), operation(exp, time.Now()))

	if len(coord.confirmed) != 1 {
		t.Fatalf("confirmed calls = %d, want 1", len(coord.confirmed))
	}
	if coord.confirmed[0].offerID != exp.OfferID || coord.confirmed[0].trxID != "abc123" {
		t.Errorf("confirmed with %+v", coord.confirmed[0])
	}
	if c.QueueLen() != 0 {
		t.Errorf("queue len = %d, want 0", c.QueueLen())
	}
}

func TestDuplicateObservationSettlesOnce(t *testing.T) {
	coord := &fakeCoordinator{accept: true}
	c := newTestConnector(coord)

	exp := expectation(time.Now().Add(-time.Minute))
	c.AddToQueue(exp)

	op := operation(exp, time.Now())
	c.processOperation(context.Background(), op)
	c.processOperation(context.Background(), op)

	if len(coord.confirmed) != 1 {
		t.Errorf("confirmed calls = %d, want 1", len(coord.confirmed))
	}
}

func TestWrongSenderNeverMatches(t *testing.T) {
	coord := &fakeCoordinator{accept: true}
	c := newTestConnector(coord)

	exp := expectation(time.Now().Add(-time.Minute))
	c.AddToQueue(exp)

	op := operation(exp, time.Now())
	op.From = "mallory"
	c.processOperation(context.Background(), op)

	if len(coord.confirmed) != 0 || len(coord.mismatches) != 0 {
		t.Error("deposit from wrong sender must be ignored entirely")
	}
	if c.QueueLen() != 1 {
		t.Errorf("queue len = %d, want 1", c.QueueLen())
	}
}

func TestSenderComparedCaseInsensitively(t *testing.T) {
	coord := &fakeCoordinator{accept: true}
	c := newTestConnector(coord)

	exp := expectation(time.Now().Add(-time.Minute))
	exp.FromAddress = "Alice"
	c.AddToQueue(exp)

	op := operation(exp, time.Now())
	op.From = "aLiCe"
	c.processOperation(context.Background(), op)

	if len(coord.confirmed) != 1 {
		t.Errorf("confirmed calls = %d, want 1", len(coord.confirmed))
	}
}

func TestWrongDestinationIgnored(t *testing.T) {
	coord := &fakeCoordinator{accept: true}
	c := newTestConnector(coord)

	exp := expectation(time.Now().Add(-time.Minute))
	c.AddToQueue(exp)

	op := operation(exp, time.Now())
	op.To = "someoneelse"
	c.processOperation(context.Background(), op)

	if len(coord.confirmed) != 0 || len(coord.mismatches) != 0 {
		t.Error("deposit to a non-custodial address must be ignored")
	}
}

func TestReplayGuard(t *testing.T) {
	coord := &fakeCoordinator{accept: true}
	c := newTestConnector(coord)

	registered := time.Unix(100, 0)
	exp := expectation(registered)
	exp.Deadline = time.Now().Add(time.Hour)
	c.AddToQueue(exp)

	c.processOperation(context.Background(), operation(exp, time.Unix(90, 0)))

	if len(coord.confirmed) != 0 || len(coord.mismatches) != 0 {
		t.Error("operation predating registration must be skipped")
	}
	if c.QueueLen() != 1 {
		t.Errorf("queue len = %d, want 1 (expectation must stay queued)", c.QueueLen())
	}
}

func TestAmountMatchesEitherFeeVariant(t *testing.T) {
	for _, amount := range []string{"105", "95"} {
		coord := &fakeCoordinator{accept: true}
		c := newTestConnector(coord)

		exp := expectation(time.Now().Add(-time.Minute))
		c.AddToQueue(exp)

		op := operation(exp, time.Now())
		op.Amount = decimal.RequireFromString(amount)
		c.processOperation(context.Background(), op)

		if len(coord.confirmed) != 1 {
			t.Errorf("amount %s: confirmed calls = %d, want 1", amount, len(coord.confirmed))
		}
	}
}

func TestThirdAmountYieldsMismatch(t *testing.T) {
	coord := &fakeCoordinator{accept: true}
	c := newTestConnector(coord)

	exp := expectation(time.Now().Add(-time.Minute))
	c.AddToQueue(exp)

	op := operation(exp, time.Now())
	op.Amount = decimal.RequireFromString("100")
	c.processOperation(context.Background(), op)

	if len(coord.mismatches) != 1 {
		t.Fatalf("mismatch calls = %d, want 1", len(coord.mismatches))
	}
	got := coord.mismatches[0].reasons
	if len(got) != 1 || got[0] != "amount" {
		t.Errorf("reasons = %v, want [amount]", got)
	}
	if c.QueueLen() != 1 {
		t.Error("expectation must stay queued after a mismatch")
	}
}

func TestMismatchReasonsAccumulate(t *testing.T) {
	coord := &fakeCoordinator{accept: true}
	c := newTestConnector(coord)

	exp := expectation(time.Now().Add(-time.Minute))
	c.AddToQueue(exp)

	op := operation(exp, time.Now())
	op.Asset = "OTHER"
	op.Amount = decimal.RequireFromString("1")
	op.Memo = "wrong"
	c.processOperation(context.Background(), op)

	if len(coord.mismatches) != 1 {
		t.Fatalf("mismatch calls = %d, want 1", len(coord.mismatches))
	}
	got := coord.mismatches[0].reasons
	if len(got) != 3 {
		t.Errorf("reasons = %v, want asset+amount+memo", got)
	}
}

func TestMismatchReportedOnlyAfterIrreversibility(t *testing.T) {
	coord := &fakeCoordinator{accept: true}
	c, ledger := newTestRig(coord)

	exp := expectation(time.Now().Add(-time.Minute))
	c.AddToQueue(exp)

	op := operation(exp, time.Now())
	op.Amount = decimal.RequireFromString("100")
	c.processOperation(context.Background(), op)

	if ledger.heightCalls == 0 {
		t.Error("mismatch handled without awaiting block irreversibility")
	}
	if len(coord.mismatches) != 1 {
		t.Errorf("mismatch calls = %d, want 1", len(coord.mismatches))
	}
}

func TestMismatchRestartsCheckDeadline(t *testing.T) {
	coord := &fakeCoordinator{accept: true}
	c := newTestConnector(coord)

	registered := time.Now().Add(-time.Hour)
	exp := expectation(registered)
	c.AddToQueue(exp)

	op := operation(exp, time.Now())
	op.Amount = decimal.RequireFromString("100")
	c.processOperation(context.Background(), op)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) != 1 {
		t.Fatalf("queue len = %d, want 1", len(c.queue))
	}
	entry := c.queue[0]
	if !entry.exp.RegisteredAt.After(registered) {
		t.Error("registration window not restarted after mismatch")
	}
	if got := entry.exp.Deadline.Sub(entry.exp.RegisteredAt); got != 24*time.Hour {
		t.Errorf("restarted window = %s, want the full 24h", got)
	}
	if entry.timeout == nil {
		t.Error("check timeout not re-armed after mismatch")
	}
}

func TestFirstRegisteredClaimsOperation(t *testing.T) {
	coord := &fakeCoordinator{accept: true}
	c := newTestConnector(coord)

	first := expectation(time.Now().Add(-2 * time.Minute))
	second := expectation(time.Now().Add(-time.Minute))
	second.AmountWithFee = decimal.RequireFromString("210")
	second.AmountWithoutFee = decimal.RequireFromString("190")
	c.AddToQueue(first)
	c.AddToQueue(second)

	// Amount matches only the second expectation, but the first
	// registered one claims the operation and reports a mismatch.
	op := operation(first, time.Now())
	op.Amount = decimal.RequireFromString("210")
	c.processOperation(context.Background(), op)

	if len(coord.confirmed) != 0 {
		t.Error("operation must not be confirmed against the later expectation")
	}
	if len(coord.mismatches) != 1 || coord.mismatches[0].offerID != first.OfferID {
		t.Errorf("mismatch = %+v, want claim by first expectation", coord.mismatches)
	}
}

func TestCoordinatorRejectionKeepsExpectation(t *testing.T) {
	coord := &fakeCoordinator{accept: false}
	c := newTestConnector(coord)

	exp := expectation(time.Now().Add(-time.Minute))
	c.AddToQueue(exp)

	c.processOperation(context.Background(), operation(exp, time.Now()))

	if c.QueueLen() != 1 {
		t.Error("expectation must stay queued until the coordinator accepts")
	}
}

func TestExpiredDeadlineTimesOutImmediately(t *testing.T) {
	coord := &fakeCoordinator{accept: true}
	c := newTestConnector(coord)

	exp := expectation(time.Now().Add(-48 * time.Hour))
	c.AddToQueue(exp)

	if c.QueueLen() != 0 {
		t.Error("expired expectation must not be queued")
	}
	if len(coord.timedOut) != 1 || coord.timedOut[0] != exp.OfferID {
		t.Errorf("timed out = %v, want [%s]", coord.timedOut, exp.OfferID)
	}
}

func TestRemoveFromQueue(t *testing.T) {
	coord := &fakeCoordinator{accept: true}
	c := newTestConnector(coord)

	exp := expectation(time.Now().Add(-time.Minute))
	c.AddToQueue(exp)

	if !c.RemoveFromQueue(exp.OfferID) {
		t.Fatal("expected removal to succeed")
	}
	if c.RemoveFromQueue(exp.OfferID) {
		t.Error("second removal must report not found")
	}
}
