package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Offer statuses, in negotiation order
const (
	OfferStatusAmount           = "amount"
	OfferStatusInsuranceConfirm = "insurance_confirm"
	OfferStatusFee              = "fee"
	OfferStatusBank             = "bank"
	OfferStatusFullCard         = "full_card"
	OfferStatusReceiveAddress   = "receive_address"
	OfferStatusReceiveCard      = "receive_card"
	OfferStatusName             = "name"
	OfferStatusSendAddress      = "send_address"
	OfferStatusSendCard         = "send_card"
	OfferStatusAcceptPending    = "accept_pending"
	OfferStatusAwaitingDeposit  = "awaiting_deposit"
	OfferStatusDeposited        = "deposited"
	OfferStatusCompleted        = "completed"
	OfferStatusCancelled        = "cancelled"
	OfferStatusDeclined         = "declined"
	OfferStatusManualSettlement = "manual_settlement"
)

// Trade types. The type names the leg of the currency pair that is held
// under escrow: a "buy" trade escrows the buy currency deposited by the
// initiator, a "sell" trade escrows the sell currency deposited by the
// counterparty.
const (
	TradeTypeBuy  = "buy"
	TradeTypeSell = "sell"
)

// Valid status transitions: from -> []to.
//
// The negotiation states repeat for both parties: the initiator walks
// fee..send_address first and hands over via accept_pending, then the
// counterparty walks the same states down to awaiting_deposit. Guard
// predicates on pending_input_from decide which pass is running.
var ValidOfferTransitions = map[string][]string{
	OfferStatusAmount:           {OfferStatusInsuranceConfirm, OfferStatusFee, OfferStatusCancelled},
	OfferStatusInsuranceConfirm: {OfferStatusFee, OfferStatusCancelled},
	OfferStatusFee:              {OfferStatusBank, OfferStatusReceiveAddress, OfferStatusCancelled},
	OfferStatusBank:             {OfferStatusFullCard, OfferStatusCancelled},
	OfferStatusFullCard:         {OfferStatusReceiveCard, OfferStatusCancelled},
	OfferStatusReceiveAddress:   {OfferStatusName, OfferStatusSendAddress, OfferStatusCancelled},
	OfferStatusReceiveCard:      {OfferStatusSendAddress, OfferStatusCancelled},
	OfferStatusName:             {OfferStatusSendCard, OfferStatusCancelled},
	OfferStatusSendAddress:      {OfferStatusAcceptPending, OfferStatusAwaitingDeposit, OfferStatusCancelled},
	OfferStatusSendCard:         {OfferStatusAcceptPending, OfferStatusAwaitingDeposit, OfferStatusCancelled},
	OfferStatusAcceptPending:    {OfferStatusFee, OfferStatusDeclined, OfferStatusCancelled},
	OfferStatusAwaitingDeposit:  {OfferStatusDeposited, OfferStatusCancelled, OfferStatusManualSettlement},
	OfferStatusDeposited:        {OfferStatusCompleted, OfferStatusManualSettlement},
	OfferStatusCompleted:        {},
	OfferStatusCancelled:        {},
	OfferStatusDeclined:         {},
	OfferStatusManualSettlement: {},
}

func IsValidOfferTransition(from, to string) bool {
	allowed, ok := ValidOfferTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// TradeParty is one side of an escrow trade. The ID is the opaque user id
// of the messaging collaborator.
type TradeParty struct {
	ID             int64   `json:"id"`
	Locale         string  `json:"locale"`
	Mention        string  `json:"mention"`
	ReceiveAddress *string `json:"receive_address,omitempty"`
	SendAddress    *string `json:"send_address,omitempty"`
	// Cardholder name on the fiat leg, "NAME PATRONYMIC S." upper-cased.
	Name *string `json:"name,omitempty"`
}

// Offer is one escrow-mediated trade. Exactly one row exists per trade;
// terminal outcomes archive and delete it.
type Offer struct {
	ID      uuid.UUID `json:"id"`
	OrderID uuid.UUID `json:"order_id"`
	// Currency the initiator buys and sells.
	Buy  string `json:"buy"`
	Sell string `json:"sell"`
	// Trade type, names the escrowed leg of the pair.
	Type string `json:"type"`
	// Ledger asset held under escrow.
	Escrow  string     `json:"escrow"`
	Status  string     `json:"status"`
	Init    TradeParty `json:"init"`
	Counter TradeParty `json:"counter"`

	// Which amount field the next amount input prices: "buy" or "sell".
	// Cleared once the amount step completes.
	SumCurrency *string `json:"sum_currency,omitempty"`

	// Units of the sell currency per one unit of the buy currency,
	// fixed by the order this offer was taken from.
	Price decimal.Decimal `json:"price"`

	SumBuy     decimal.Decimal `json:"sum_buy"`
	SumSell    decimal.Decimal `json:"sum_sell"`
	SumFeeUp   decimal.Decimal `json:"sum_fee_up"`
	SumFeeDown decimal.Decimal `json:"sum_fee_down"`
	Insured    decimal.Decimal `json:"insured"`

	// Payment rail of the fiat leg, if any.
	Bank *string `json:"bank,omitempty"`
	// Deterministic settlement memo required in the deposit transaction.
	Memo *string `json:"memo,omitempty"`
	// User id of the next required actor; nil while waiting on-chain.
	PendingInputFrom *int64 `json:"pending_input_from,omitempty"`
	// Since when ledger activity counts towards this offer.
	TransactionTime *time.Time `json:"transaction_time,omitempty"`
	// Settlement reference of the verified deposit transaction.
	TrxID *string `json:"trx_id,omitempty"`
	// True while the non-escrow sender has not confirmed their transfer.
	Unsent bool `json:"unsent"`

	CreatedAt  time.Time  `json:"created_at"`
	ReactTime  *time.Time `json:"react_time,omitempty"`
	CancelTime *time.Time `json:"cancel_time,omitempty"`
}

// EscrowSum returns the amount of the escrowed leg.
func (o *Offer) EscrowSum() decimal.Decimal {
	if o.Type == TradeTypeBuy {
		return o.SumBuy
	}
	return o.SumSell
}

// CounterSum returns the amount of the non-escrow leg.
func (o *Offer) CounterSum() decimal.Decimal {
	if o.Type == TradeTypeBuy {
		return o.SumSell
	}
	return o.SumBuy
}

// CounterCurrency returns the currency of the non-escrow leg.
func (o *Offer) CounterCurrency() string {
	if o.Type == TradeTypeBuy {
		return o.Sell
	}
	return o.Buy
}

// Depositor returns the party delivering the escrow asset. For a buy
// trade that is the initiator, for a sell trade the counterparty.
func (o *Offer) Depositor() *TradeParty {
	if o.Type == TradeTypeBuy {
		return &o.Init
	}
	return &o.Counter
}

// Receiver returns the party on the non-escrow leg.
func (o *Offer) Receiver() *TradeParty {
	if o.Type == TradeTypeBuy {
		return &o.Counter
	}
	return &o.Init
}

// Party resolves a user id to the matching side, nil if neither matches.
func (o *Offer) Party(userID int64) *TradeParty {
	switch userID {
	case o.Init.ID:
		return &o.Init
	case o.Counter.ID:
		return &o.Counter
	}
	return nil
}

// Peer returns the opposite side of the given user id.
func (o *Offer) Peer(userID int64) *TradeParty {
	if userID == o.Init.ID {
		return &o.Counter
	}
	return &o.Init
}

func (o *Offer) IsInitiator(userID int64) bool {
	return userID == o.Init.ID
}
