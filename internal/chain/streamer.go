package chain

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/escrow-exchange/backend/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Coordinator receives match outcomes from a connector.
type Coordinator interface {
	// DepositConfirmed reports a fully matching, irreversible deposit.
	// It returns true once the match is accepted; the expectation is
	// removed from the queue only then, so observing the same deposit
	// twice settles the offer exactly once.
	DepositConfirmed(ctx context.Context, offerID uuid.UUID, op Operation, trxID string, blockNum uint64) bool
	// DepositMismatch reports a deposit claimed by an expectation that
	// failed the asset/amount/memo check. reasons names the mismatched
	// fields. The expectation stays queued so the sender may retry.
	DepositMismatch(ctx context.Context, offerID uuid.UUID, op Operation, reasons []string, from string, amount decimal.Decimal, asset string, blockNum uint64)
	// CheckTimedOut reports that the deposit check deadline passed.
	CheckTimedOut(ctx context.Context, offerID uuid.UUID)
}

const (
	defaultPollInterval = 5 * time.Second
	// Fixed delay between irreversible-height polls.
	confirmPollDelay = 3 * time.Second
)

type queueEntry struct {
	exp     models.DepositExpectation
	timeout *time.Timer
}

// StreamingConnector implements Connector on top of a Ledger by polling
// for new operations and matching them against queued expectations in
// FIFO registration order. The monitor goroutine is spawned on first
// enqueue and tears itself down when the queue empties.
type StreamingConnector struct {
	name         string
	assets       []string
	address      string
	ledger       Ledger
	coord        Coordinator
	log          *zap.Logger
	pollInterval time.Duration

	mu        sync.Mutex
	queue     []*queueEntry
	cursor    uint64
	connected bool
	stop      context.CancelFunc
}

type StreamingConfig struct {
	Name    string
	Assets  []string
	Address string
	// PollInterval overrides the default 5s poll cadence.
	PollInterval time.Duration
}

func NewStreamingConnector(cfg StreamingConfig, ledger Ledger, coord Coordinator, log *zap.Logger) *StreamingConnector {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &StreamingConnector{
		name:         cfg.Name,
		assets:       cfg.Assets,
		address:      cfg.Address,
		ledger:       ledger,
		coord:        coord,
		log:          log.With(zap.String("chain", cfg.Name)),
		pollInterval: interval,
	}
}

func (s *StreamingConnector) Name() string     { return s.name }
func (s *StreamingConnector) Assets() []string { return s.assets }
func (s *StreamingConnector) Address() string  { return s.address }

// Connect establishes the ledger session and replays recent history back
// to the earliest registration time among queued expectations, so no
// deposit sent during downtime is lost, then starts live monitoring.
func (s *StreamingConnector) Connect(ctx context.Context) error {
	if err := s.ledger.Connect(ctx); err != nil {
		return &ConnectionError{Chain: s.name, Err: err}
	}
	s.mu.Lock()
	s.connected = true
	minTime, ok := s.earliestRegistration()
	s.mu.Unlock()
	if !ok {
		return nil
	}

	history, err := s.ledger.AccountHistory(ctx, s.address, minTime)
	if err != nil {
		return &ConnectionError{Chain: s.name, Err: err}
	}
	for _, op := range history {
		s.processOperation(ctx, op)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 && s.stop == nil {
		s.startMonitorLocked()
	}
	return nil
}

func (s *StreamingConnector) earliestRegistration() (time.Time, bool) {
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	min := s.queue[0].exp.RegisteredAt
	for _, e := range s.queue[1:] {
		if e.exp.RegisteredAt.Before(min) {
			min = e.exp.RegisteredAt
		}
	}
	return min, true
}

func (s *StreamingConnector) GetLimits(ctx context.Context, asset string) (*models.InsuranceLimits, error) {
	return s.ledger.Limits(asset), nil
}

func (s *StreamingConnector) Transfer(ctx context.Context, to string, amount decimal.Decimal, asset, memo string) (string, error) {
	ref, err := s.ledger.Transfer(ctx, to, amount, asset, memo)
	if err != nil {
		return "", &TransferError{Chain: s.name, Err: err}
	}
	return ref, nil
}

// IsBlockConfirmed polls the irreversible height at a fixed delay until
// it reaches blockNum. Only process shutdown cancels the wait: the
// underlying deposit may already be irreversible regardless of what
// happens to the trade.
func (s *StreamingConnector) IsBlockConfirmed(ctx context.Context, blockNum uint64) error {
	for {
		height, err := s.ledger.IrreversibleHeight(ctx)
		if err == nil && height >= blockNum {
			return nil
		}
		if err != nil {
			s.log.Warn("irreversible height query failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(confirmPollDelay):
		}
	}
}

// AddToQueue registers the expectation and schedules its check timeout.
// Adding to an idle connected connector restarts monitoring. An offer
// already queued is skipped; a deadline already in the past times the
// offer out immediately.
func (s *StreamingConnector) AddToQueue(exp models.DepositExpectation) {
	if !exp.Deadline.IsZero() && !exp.Deadline.After(time.Now()) {
		s.coord.CheckTimedOut(context.Background(), exp.OfferID)
		return
	}

	entry := &queueEntry{exp: exp}
	if !exp.Deadline.IsZero() {
		offerID := exp.OfferID
		entry.timeout = time.AfterFunc(time.Until(exp.Deadline), func() {
			if s.RemoveFromQueue(offerID) {
				s.coord.CheckTimedOut(context.Background(), offerID)
			}
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.queue {
		if e.exp.OfferID == exp.OfferID {
			if entry.timeout != nil {
				entry.timeout.Stop()
			}
			return
		}
	}
	s.queue = append(s.queue, entry)
	if s.connected && s.stop == nil {
		s.startMonitorLocked()
	}
}

// restartDeadline re-arms the check timeout after a refunded mismatch,
// mirroring the restarted transaction window the coordinator persists.
// The sender gets a fresh full window to retry correctly.
func (s *StreamingConnector) restartDeadline(e *queueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.exp.Deadline.IsZero() {
		return
	}
	window := e.exp.Deadline.Sub(e.exp.RegisteredAt)
	if window <= 0 {
		return
	}
	now := time.Now()
	e.exp.RegisteredAt = now
	e.exp.Deadline = now.Add(window)
	offerID := e.exp.OfferID
	e.timeout = time.AfterFunc(window, func() {
		if s.RemoveFromQueue(offerID) {
			s.coord.CheckTimedOut(context.Background(), offerID)
		}
	})
}

func (s *StreamingConnector) RemoveFromQueue(offerID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.queue {
		if e.exp.OfferID == offerID {
			if e.timeout != nil {
				e.timeout.Stop()
			}
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (s *StreamingConnector) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *StreamingConnector) Close() {
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	for _, e := range s.queue {
		if e.timeout != nil {
			e.timeout.Stop()
		}
	}
	s.mu.Unlock()
	s.ledger.Close()
}

// startMonitorLocked spawns the monitoring goroutine. Callers hold s.mu.
func (s *StreamingConnector) startMonitorLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go s.monitor(ctx)
	s.log.Info("deposit monitoring started")
}

func (s *StreamingConnector) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		cursor := s.cursor
		s.mu.Unlock()

		ops, next, err := s.ledger.PollOperations(ctx, s.address, cursor)
		if err != nil {
			s.log.Error("poll cycle failed", zap.Error(err))
			continue
		}
		for _, op := range ops {
			s.processOperation(ctx, op)
		}

		s.mu.Lock()
		s.cursor = next
		// Tear the loop down once nothing is watched; the next
		// enqueue recreates it.
		if len(s.queue) == 0 {
			s.stop()
			s.stop = nil
			s.mu.Unlock()
			s.log.Info("deposit queue empty, monitoring stopped")
			return
		}
		s.mu.Unlock()
	}
}

// processOperation matches one observed transfer against the queue in
// FIFO registration order. The first expectation whose replay guard and
// sender check pass claims the operation; scanning stops there.
func (s *StreamingConnector) processOperation(ctx context.Context, op Operation) {
	if !strings.EqualFold(op.To, s.address) {
		return
	}

	s.mu.Lock()
	var claimed *queueEntry
	for _, e := range s.queue {
		// Replay safety: operations predating the expectation are
		// someone else's history.
		if !op.Timestamp.IsZero() && op.Timestamp.Before(e.exp.RegisteredAt) {
			continue
		}
		if !strings.EqualFold(op.From, e.exp.FromAddress) {
			continue
		}
		claimed = e
		break
	}
	// The claim cancels the check timeout before any verdict is known;
	// a mismatch re-arms it against the restarted window.
	if claimed != nil && claimed.timeout != nil {
		claimed.timeout.Stop()
	}
	s.mu.Unlock()

	if claimed == nil {
		return
	}

	exp := claimed.exp
	var reasons []string
	if op.Asset != exp.Asset {
		reasons = append(reasons, "asset")
	}
	if !op.Amount.Equal(exp.AmountWithFee) && !op.Amount.Equal(exp.AmountWithoutFee) {
		reasons = append(reasons, "amount")
	}
	if op.Memo != exp.Memo {
		reasons = append(reasons, "memo")
	}

	if len(reasons) > 0 {
		s.log.Info("deposit mismatch",
			zap.String("offer_id", exp.OfferID.String()),
			zap.Strings("reasons", reasons),
			zap.String("from", op.From),
			zap.String("amount", op.Amount.String()),
		)
		// The refund leaves the custodial wallet, so it must not be
		// submitted while the triggering deposit can still be reverted.
		if err := s.IsBlockConfirmed(ctx, op.BlockNum); err != nil {
			return
		}
		s.coord.DepositMismatch(ctx, exp.OfferID, op, reasons, op.From, op.Amount, op.Asset, op.BlockNum)
		s.restartDeadline(claimed)
		return
	}

	if err := s.IsBlockConfirmed(ctx, op.BlockNum); err != nil {
		return
	}
	found, err := s.ledger.FindOperation(ctx, op)
	if err != nil {
		s.log.Warn("operation lookup failed", zap.Error(err))
		return
	}
	if !found {
		s.log.Warn("operation missing after irreversibility, leaving queued",
			zap.String("offer_id", exp.OfferID.String()),
			zap.String("trx_id", op.TrxID),
		)
		return
	}

	if s.coord.DepositConfirmed(ctx, exp.OfferID, op, op.TrxID, op.BlockNum) {
		s.RemoveFromQueue(exp.OfferID)
		s.log.Info("deposit confirmed",
			zap.String("offer_id", exp.OfferID.String()),
			zap.String("trx_id", op.TrxID),
			zap.Uint64("block", op.BlockNum),
		)
	}
}
