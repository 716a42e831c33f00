package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/escrow-exchange/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type OfferRepo struct {
	pool *pgxpool.Pool
}

func NewOfferRepo(pool *pgxpool.Pool) *OfferRepo {
	return &OfferRepo{pool: pool}
}

const offerColumns = `
	id, order_id, buy, sell, trade_type, escrow, status,
	init_user_id, init_locale, init_mention, init_receive_address, init_send_address, init_name,
	counter_user_id, counter_locale, counter_mention, counter_receive_address, counter_send_address, counter_name,
	sum_currency, price::text, sum_buy::text, sum_sell::text, sum_fee_up::text, sum_fee_down::text, insured::text,
	bank, memo, pending_input_from, transaction_time, trx_id, unsent,
	created_at, react_time, cancel_time
`

func scanOffer(row pgx.Row) (*models.Offer, error) {
	var o models.Offer
	var price, sumBuy, sumSell, feeUp, feeDown, insured string
	err := row.Scan(
		&o.ID, &o.OrderID, &o.Buy, &o.Sell, &o.Type, &o.Escrow, &o.Status,
		&o.Init.ID, &o.Init.Locale, &o.Init.Mention, &o.Init.ReceiveAddress, &o.Init.SendAddress, &o.Init.Name,
		&o.Counter.ID, &o.Counter.Locale, &o.Counter.Mention, &o.Counter.ReceiveAddress, &o.Counter.SendAddress, &o.Counter.Name,
		&o.SumCurrency, &price, &sumBuy, &sumSell, &feeUp, &feeDown, &insured,
		&o.Bank, &o.Memo, &o.PendingInputFrom, &o.TransactionTime, &o.TrxID, &o.Unsent,
		&o.CreatedAt, &o.ReactTime, &o.CancelTime,
	)
	if err != nil {
		return nil, err
	}

	for _, field := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.Price, price},
		{&o.SumBuy, sumBuy}, {&o.SumSell, sumSell},
		{&o.SumFeeUp, feeUp}, {&o.SumFeeDown, feeDown},
		{&o.Insured, insured},
	} {
		d, err := decimal.NewFromString(field.src)
		if err != nil {
			return nil, fmt.Errorf("bad numeric column value %q: %w", field.src, err)
		}
		*field.dst = d
	}
	return &o, nil
}

func (r *OfferRepo) Create(ctx context.Context, o *models.Offer) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO escrow_offers (
			order_id, buy, sell, trade_type, escrow, status,
			init_user_id, init_locale, init_mention,
			counter_user_id, counter_locale, counter_mention,
			sum_currency, price, sum_buy, sum_sell, sum_fee_up, sum_fee_down, insured,
			pending_input_from, unsent
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING id, created_at
	`, o.OrderID, o.Buy, o.Sell, o.Type, o.Escrow, o.Status,
		o.Init.ID, o.Init.Locale, o.Init.Mention,
		o.Counter.ID, o.Counter.Locale, o.Counter.Mention,
		o.SumCurrency, o.Price.String(), o.SumBuy.String(), o.SumSell.String(), o.SumFeeUp.String(), o.SumFeeDown.String(), o.Insured.String(),
		o.PendingInputFrom, o.Unsent,
	).Scan(&o.ID, &o.CreatedAt)
}

func (r *OfferRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Offer, error) {
	return scanOffer(r.pool.QueryRow(ctx,
		`SELECT `+offerColumns+` FROM escrow_offers WHERE id = $1`, id))
}

func (r *OfferRepo) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Offer, error) {
	return scanOffer(r.pool.QueryRow(ctx,
		`SELECT `+offerColumns+` FROM escrow_offers WHERE order_id = $1`, orderID))
}

// GetByPendingInput returns the offer currently waiting for input from
// the given user. At most one exists per user at a time.
func (r *OfferRepo) GetByPendingInput(ctx context.Context, userID int64) (*models.Offer, error) {
	return scanOffer(r.pool.QueryRow(ctx,
		`SELECT `+offerColumns+` FROM escrow_offers WHERE pending_input_from = $1 ORDER BY created_at DESC LIMIT 1`, userID))
}

// UpdateStatus advances the offer status only if it still holds the
// expected one. Returns false when another actor got there first.
func (r *OfferRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_offers SET status = $1, react_time = now()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *OfferRepo) SetPendingInput(ctx context.Context, id uuid.UUID, userID *int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE escrow_offers SET pending_input_from = $1 WHERE id = $2`, userID, id)
	return err
}

func (r *OfferRepo) SetAmounts(ctx context.Context, o *models.Offer) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE escrow_offers
		SET sum_buy = $1, sum_sell = $2, sum_fee_up = $3, sum_fee_down = $4, insured = $5, sum_currency = NULL
		WHERE id = $6
	`, o.SumBuy.String(), o.SumSell.String(), o.SumFeeUp.String(), o.SumFeeDown.String(), o.Insured.String(), o.ID)
	return err
}

func (r *OfferRepo) SetBank(ctx context.Context, id uuid.UUID, bank string) error {
	_, err := r.pool.Exec(ctx, `UPDATE escrow_offers SET bank = $1 WHERE id = $2`, bank, id)
	return err
}

// Party field setters address one side by its prefix; side must be
// validated by the caller against the offer's user ids.

func (r *OfferRepo) SetReceiveAddress(ctx context.Context, id uuid.UUID, initiator bool, addr string) error {
	col := "counter_receive_address"
	if initiator {
		col = "init_receive_address"
	}
	_, err := r.pool.Exec(ctx, `UPDATE escrow_offers SET `+col+` = $1 WHERE id = $2`, addr, id)
	return err
}

func (r *OfferRepo) SetSendAddress(ctx context.Context, id uuid.UUID, initiator bool, addr string) error {
	col := "counter_send_address"
	if initiator {
		col = "init_send_address"
	}
	_, err := r.pool.Exec(ctx, `UPDATE escrow_offers SET `+col+` = $1 WHERE id = $2`, addr, id)
	return err
}

func (r *OfferRepo) SetName(ctx context.Context, id uuid.UUID, initiator bool, name string) error {
	col := "counter_name"
	if initiator {
		col = "init_name"
	}
	_, err := r.pool.Exec(ctx, `UPDATE escrow_offers SET `+col+` = $1 WHERE id = $2`, name, id)
	return err
}

// SetMemoAndTransactionTime stamps the settlement memo and the moment
// from which ledger activity counts towards this offer.
func (r *OfferRepo) SetMemoAndTransactionTime(ctx context.Context, id uuid.UUID, memo string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE escrow_offers SET memo = $1, transaction_time = $2 WHERE id = $3
	`, memo, at, id)
	return err
}

// SetTransactionTime restarts the window from which ledger activity
// counts, used after a mismatched deposit is refunded.
func (r *OfferRepo) SetTransactionTime(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE escrow_offers SET transaction_time = $1 WHERE id = $2`, at, id)
	return err
}

// SetTransaction records the verified deposit reference, but only once:
// a second deposit observation loses the conditional update and must not
// settle the trade again.
func (r *OfferRepo) SetTransaction(ctx context.Context, id uuid.UUID, trxID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_offers SET trx_id = $1, unsent = true WHERE id = $2 AND trx_id IS NULL
	`, trxID, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ClearUnsent marks the non-escrow transfer as confirmed by its sender
// and restarts react_time for the completion prompt's reaction window.
func (r *OfferRepo) ClearUnsent(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_offers SET unsent = false, react_time = now() WHERE id = $1 AND unsent = true
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SumInsured aggregates insured cover across offers still holding or
// awaiting a deposit on the given asset.
func (r *OfferRepo) SumInsured(ctx context.Context, asset string) (decimal.Decimal, error) {
	var total string
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(insured), 0)::text FROM escrow_offers
		WHERE escrow = $1 AND status IN ($2, $3)
	`, asset, models.OfferStatusAwaitingDeposit, models.OfferStatusDeposited).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(total)
}

// AwaitingDeposit returns offers whose deposit expectation must be
// re-registered with the chain watcher after a restart.
func (r *OfferRepo) AwaitingDeposit(ctx context.Context) ([]models.Offer, error) {
	return r.listOffers(ctx,
		`SELECT `+offerColumns+` FROM escrow_offers WHERE status = $1 AND memo IS NOT NULL ORDER BY transaction_time`,
		models.OfferStatusAwaitingDeposit)
}

// StaleAcceptPending returns offers whose counterparty confirmation
// prompt has outlived its reaction window.
func (r *OfferRepo) StaleAcceptPending(ctx context.Context, olderThan time.Duration) ([]models.Offer, error) {
	return r.listOffers(ctx, `
		SELECT `+offerColumns+` FROM escrow_offers
		WHERE status = $1 AND react_time < now() - ($2 || ' seconds')::interval
	`, models.OfferStatusAcceptPending, fmt.Sprintf("%d", int(olderThan.Seconds())))
}

// StaleCompletionPrompts returns deposited offers whose completion
// prompt has outlived its reaction window. The trade itself stays live,
// only the prompt's inline action is retired.
func (r *OfferRepo) StaleCompletionPrompts(ctx context.Context, olderThan time.Duration) ([]models.Offer, error) {
	return r.listOffers(ctx, `
		SELECT `+offerColumns+` FROM escrow_offers
		WHERE status = $1 AND unsent = false AND react_time < now() - ($2 || ' seconds')::interval
	`, models.OfferStatusDeposited, fmt.Sprintf("%d", int(olderThan.Seconds())))
}

// ClearReactTime marks a prompt as already retired so the expiry sweep
// does not pick the offer up again.
func (r *OfferRepo) ClearReactTime(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE escrow_offers SET react_time = NULL WHERE id = $1`, id)
	return err
}

func (r *OfferRepo) listOffers(ctx context.Context, query string, args ...any) ([]models.Offer, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

// ArchiveAndDelete moves a finished offer into escrow_offers_archive
// with the given outcome reason and removes the live row, atomically.
func (r *OfferRepo) ArchiveAndDelete(ctx context.Context, id uuid.UUID, reason string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO escrow_offers_archive
		SELECT o.*, $1, now() FROM escrow_offers o WHERE o.id = $2
	`, reason, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	if _, err := tx.Exec(ctx, `DELETE FROM escrow_offers WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
