// Package ton implements chain.Ledger over TON lite servers using
// tonutils-go. Deposits are plain TON transfers to the custodial wallet
// carrying the settlement memo as a text comment.
package ton

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/escrow-exchange/backend/internal/chain"
	"github.com/escrow-exchange/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"go.uber.org/zap"
)

const (
	AssetTON = "TON"

	txBatchSize  = 100
	nanoDecimals = 9
)

type Config struct {
	// mainnet / testnet, selects the global config when no explicit
	// lite server is given.
	Network        string
	LiteServerHost string
	LiteServerPort int
	LiteServerKey  string
	// Custodial wallet address and its seed phrase.
	WalletAddress string
	WalletSeed    []string
	// Insurance caps for TON, zero values mean no limits configured.
	SingleLimit decimal.Decimal
	TotalLimit  decimal.Decimal
}

type Ledger struct {
	cfg  Config
	log  *zap.Logger
	addr *address.Address

	pool   *liteclient.ConnectionPool
	api    ton.APIClientWrapped
	wallet *wallet.Wallet
}

func NewLedger(cfg Config, log *zap.Logger) (*Ledger, error) {
	addr, err := address.ParseAddr(cfg.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid custodial wallet address %q: %w", cfg.WalletAddress, err)
	}
	return &Ledger{cfg: cfg, log: log, addr: addr}, nil
}

// Connect joins the lite server network. With an explicit host/key pair
// it connects to that server, otherwise it discovers servers from the
// global network config.
func (l *Ledger) Connect(ctx context.Context) error {
	pool := liteclient.NewConnectionPool()

	if l.cfg.LiteServerHost != "" && l.cfg.LiteServerKey != "" {
		addr := fmt.Sprintf("%s:%d", l.cfg.LiteServerHost, l.cfg.LiteServerPort)
		if err := pool.AddConnection(ctx, addr, l.cfg.LiteServerKey); err != nil {
			return fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		configURL := "https://ton.org/testnet-global.config.json"
		if strings.EqualFold(l.cfg.Network, "mainnet") {
			configURL = "https://ton.org/global.config.json"
		}
		if err := pool.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	proofPolicy := ton.ProofCheckPolicyFast
	if strings.EqualFold(l.cfg.Network, "mainnet") {
		proofPolicy = ton.ProofCheckPolicySecure
	}
	api := ton.NewAPIClient(pool, proofPolicy).WithRetry()

	if len(l.cfg.WalletSeed) > 0 {
		w, err := wallet.FromSeed(api, l.cfg.WalletSeed, wallet.V4R2)
		if err != nil {
			return fmt.Errorf("open custodial wallet: %w", err)
		}
		l.wallet = w
	}

	l.pool = pool
	l.api = api
	return nil
}

func (l *Ledger) Close() {
	if l.pool != nil {
		l.pool.Stop()
	}
}

func (l *Ledger) Limits(asset string) *models.InsuranceLimits {
	if asset != AssetTON || l.cfg.SingleLimit.IsZero() {
		return nil
	}
	return &models.InsuranceLimits{Single: l.cfg.SingleLimit, Total: l.cfg.TotalLimit}
}

// IrreversibleHeight reports the current masterchain seqno. A shardchain
// transaction referenced by a masterchain block is final once that block
// is behind the head.
func (l *Ledger) IrreversibleHeight(ctx context.Context) (uint64, error) {
	block, err := l.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("get masterchain info: %w", err)
	}
	return uint64(block.SeqNo), nil
}

// AccountHistory pages backwards through the custodial account until
// transactions older than since, then returns incoming transfers in
// chronological order.
func (l *Ledger) AccountHistory(ctx context.Context, _ string, since time.Time) ([]chain.Operation, error) {
	block, err := l.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get masterchain info: %w", err)
	}
	account, err := l.api.GetAccount(ctx, block, l.addr)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if account == nil || !account.IsActive || account.LastTxLT == 0 {
		return nil, nil
	}

	var ops []chain.Operation
	lt, hash := account.LastTxLT, account.LastTxHash
	for {
		txs, err := l.api.ListTransactions(ctx, l.addr, txBatchSize, lt, hash)
		if err != nil {
			return nil, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(txs) == 0 {
			break
		}

		reachedSince := false
		for _, tx := range txs {
			ts := time.Unix(int64(tx.Now), 0)
			if ts.Before(since) {
				reachedSince = true
				continue
			}
			if op, ok := l.incomingTransfer(tx, block.SeqNo); ok {
				ops = append(ops, op)
			}
		}
		if reachedSince || len(txs) < txBatchSize {
			break
		}

		oldest := txs[0]
		if oldest.PrevTxLT == 0 {
			break
		}
		lt, hash = oldest.PrevTxLT, oldest.PrevTxHash
	}

	sort.Slice(ops, func(i, j int) bool { return ops[i].Timestamp.Before(ops[j].Timestamp) })
	return ops, nil
}

// PollOperations returns incoming transfers with logical time above the
// cursor, oldest first, plus the advanced cursor.
func (l *Ledger) PollOperations(ctx context.Context, _ string, cursor uint64) ([]chain.Operation, uint64, error) {
	block, err := l.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, cursor, fmt.Errorf("get masterchain info: %w", err)
	}
	account, err := l.api.GetAccount(ctx, block, l.addr)
	if err != nil {
		return nil, cursor, fmt.Errorf("get account: %w", err)
	}
	if account == nil || !account.IsActive || account.LastTxLT == 0 {
		return nil, cursor, nil
	}
	if account.LastTxLT <= cursor {
		return nil, cursor, nil
	}
	// First poll starts at the account head so only new deposits are
	// observed; backfill is Connect's job.
	if cursor == 0 {
		return nil, account.LastTxLT, nil
	}

	var txs []*tlb.Transaction
	lt, hash := account.LastTxLT, account.LastTxHash
	for {
		batch, err := l.api.ListTransactions(ctx, l.addr, txBatchSize, lt, hash)
		if err != nil {
			return nil, cursor, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(batch) == 0 {
			break
		}

		reachedCursor := false
		for _, tx := range batch {
			if tx.LT <= cursor {
				reachedCursor = true
				continue
			}
			txs = append(txs, tx)
		}
		if reachedCursor || len(batch) < txBatchSize {
			break
		}

		oldest := batch[0]
		if oldest.PrevTxLT == 0 {
			break
		}
		lt, hash = oldest.PrevTxLT, oldest.PrevTxHash
	}

	sort.Slice(txs, func(i, j int) bool { return txs[i].LT < txs[j].LT })

	var ops []chain.Operation
	for _, tx := range txs {
		if op, ok := l.incomingTransfer(tx, block.SeqNo); ok {
			ops = append(ops, op)
		}
	}
	return ops, account.LastTxLT, nil
}

// FindOperation pages through recent account transactions looking for
// the operation's transaction hash.
func (l *Ledger) FindOperation(ctx context.Context, op chain.Operation) (bool, error) {
	block, err := l.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return false, fmt.Errorf("get masterchain info: %w", err)
	}
	account, err := l.api.GetAccount(ctx, block, l.addr)
	if err != nil {
		return false, fmt.Errorf("get account: %w", err)
	}
	if account == nil || account.LastTxLT == 0 {
		return false, nil
	}

	lt, hash := account.LastTxLT, account.LastTxHash
	for {
		txs, err := l.api.ListTransactions(ctx, l.addr, txBatchSize, lt, hash)
		if err != nil {
			return false, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(txs) == 0 {
			return false, nil
		}
		for _, tx := range txs {
			if hex.EncodeToString(tx.Hash) == op.TrxID {
				return true, nil
			}
			if time.Unix(int64(tx.Now), 0).Before(op.Timestamp) {
				return false, nil
			}
		}
		oldest := txs[0]
		if oldest.PrevTxLT == 0 {
			return false, nil
		}
		lt, hash = oldest.PrevTxLT, oldest.PrevTxHash
	}
}

// Transfer releases TON from the custodial wallet with the memo as a
// text comment and returns the transaction hash.
func (l *Ledger) Transfer(ctx context.Context, to string, amount decimal.Decimal, asset, memo string) (string, error) {
	if asset != AssetTON {
		return "", fmt.Errorf("unsupported asset %q", asset)
	}
	if l.wallet == nil {
		return "", fmt.Errorf("custodial wallet seed not configured")
	}

	dst, err := address.ParseAddr(to)
	if err != nil {
		return "", fmt.Errorf("invalid destination address %q: %w", to, err)
	}

	coins := tlb.FromNanoTON(amount.Shift(nanoDecimals).BigInt())
	msg, err := l.wallet.BuildTransfer(dst, coins, false, memo)
	if err != nil {
		return "", fmt.Errorf("build transfer: %w", err)
	}

	tx, _, err := l.wallet.SendWaitTransaction(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("send transfer: %w", err)
	}
	ref := hex.EncodeToString(tx.Hash)
	l.log.Info("settlement transfer sent",
		zap.String("to", dst.String()),
		zap.String("amount", amount.String()),
		zap.String("trx_id", ref),
	)
	return ref, nil
}

// incomingTransfer converts an inbound internal message into an
// Operation. Bounced, zero-value and non-internal messages are skipped.
func (l *Ledger) incomingTransfer(tx *tlb.Transaction, seqno uint32) (chain.Operation, bool) {
	if tx.IO.In == nil {
		return chain.Operation{}, false
	}
	inMsg, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
	if !ok || inMsg == nil || inMsg.Bounced {
		return chain.Operation{}, false
	}
	if inMsg.Amount.Nano().Sign() <= 0 {
		return chain.Operation{}, false
	}

	return chain.Operation{
		TrxID:     hex.EncodeToString(tx.Hash),
		From:      inMsg.SrcAddr.String(),
		To:        l.addr.String(),
		Amount:    decimal.NewFromBigInt(inMsg.Amount.Nano(), -nanoDecimals),
		Asset:     AssetTON,
		Memo:      extractComment(inMsg),
		BlockNum:  uint64(seqno),
		Timestamp: time.Unix(int64(tx.Now), 0),
	}, true
}

// extractComment parses a text comment from an internal message body.
// Text comments carry opcode 0x00000000 followed by UTF-8 text.
func extractComment(inMsg *tlb.InternalMessage) string {
	body := inMsg.Body
	if body == nil {
		return ""
	}

	slice := body.BeginParse()
	if slice.BitsLeft() < 32 {
		return ""
	}
	op, err := slice.LoadUInt(32)
	if err != nil || op != 0 {
		return ""
	}

	remaining := slice.BitsLeft()
	if remaining < 8 {
		return ""
	}
	data, err := slice.LoadSlice(remaining)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
