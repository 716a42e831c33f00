package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DepositExpectation describes a deposit a connector is watching for.
// At most one exists per offer per connector queue; it is removed on a
// confirmed match, on cancellation, or when the check deadline passes.
type DepositExpectation struct {
	OfferID uuid.UUID `json:"offer_id"`
	// Expected sender, compared case-insensitively.
	FromAddress string `json:"from_address"`
	Asset       string `json:"asset"`
	// Amount with the escrow fee added (fee charged to payer).
	AmountWithFee decimal.Decimal `json:"amount_with_fee"`
	// Amount with the escrow fee subtracted (fee absorbed by receiver).
	AmountWithoutFee decimal.Decimal `json:"amount_without_fee"`
	Memo             string          `json:"memo"`
	// Ledger operations timestamped before this are ignored.
	RegisteredAt time.Time `json:"registered_at"`
	// When the deposit check times out and the offer is abandoned.
	Deadline time.Time `json:"deadline"`
}

// InsuranceLimits caps the insured portion of deposits in one asset.
type InsuranceLimits struct {
	// Cap on a single transaction.
	Single decimal.Decimal `json:"single"`
	// Cap on the aggregate insured amount across open offers.
	Total decimal.Decimal `json:"total"`
}
