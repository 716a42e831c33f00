package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestIsValidOfferTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{"amount to fee", OfferStatusAmount, OfferStatusFee, true},
		{"amount to insurance confirm", OfferStatusAmount, OfferStatusInsuranceConfirm, true},
		{"fee to bank on fiat receive", OfferStatusFee, OfferStatusBank, true},
		{"fee to address on crypto receive", OfferStatusFee, OfferStatusReceiveAddress, true},
		{"send address hands over", OfferStatusSendAddress, OfferStatusAcceptPending, true},
		{"send card arms the watch", OfferStatusSendCard, OfferStatusAwaitingDeposit, true},
		{"accept restarts at fee", OfferStatusAcceptPending, OfferStatusFee, true},
		{"watch escalates to manual", OfferStatusAwaitingDeposit, OfferStatusManualSettlement, true},
		{"deposited completes", OfferStatusDeposited, OfferStatusCompleted, true},
		{"no skipping the fee step", OfferStatusAmount, OfferStatusBank, false},
		{"no backward move", OfferStatusFee, OfferStatusAmount, false},
		{"completed is terminal", OfferStatusCompleted, OfferStatusCancelled, false},
		{"cancelled is terminal", OfferStatusCancelled, OfferStatusAmount, false},
		{"unknown status", "bogus", OfferStatusFee, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidOfferTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("IsValidOfferTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}

	for from := range ValidOfferTransitions {
		for _, to := range ValidOfferTransitions[from] {
			if _, ok := ValidOfferTransitions[to]; !ok {
				t.Errorf("transition target %s has no own entry", to)
			}
		}
	}
}

func ptr(s string) *string { return &s }

func memoOffer(tradeType string) *Offer {
	return &Offer{
		Buy:  "TON",
		Sell: "USD",
		Type: tradeType,
		Init: TradeParty{
			ID:             100,
			SendAddress:    ptr("init-send"),
			ReceiveAddress: ptr("init-receive"),
		},
		Counter: TradeParty{
			ID:             200,
			SendAddress:    ptr("counter-send"),
			ReceiveAddress: ptr("counter-receive"),
		},
		SumBuy:  decimal.RequireFromString("100"),
		SumSell: decimal.RequireFromString("550"),
	}
}

func TestDepositorByTradeType(t *testing.T) {
	buy := memoOffer(TradeTypeBuy)
	if buy.Depositor().ID != 100 || buy.Receiver().ID != 200 {
		t.Error("buy trade must be deposited by the initiator")
	}
	if !buy.EscrowSum().Equal(decimal.RequireFromString("100")) || buy.CounterCurrency() != "USD" {
		t.Error("buy trade escrows the buy leg")
	}

	sell := memoOffer(TradeTypeSell)
	if sell.Depositor().ID != 200 || sell.Receiver().ID != 100 {
		t.Error("sell trade must be deposited by the counterparty")
	}
	if !sell.EscrowSum().Equal(decimal.RequireFromString("550")) || sell.CounterCurrency() != "TON" {
		t.Error("sell trade escrows the sell leg")
	}
}

func TestSettlementMemo(t *testing.T) {
	tests := []struct {
		name      string
		tradeType string
		release   bool
		override  string
		want      string
	}{
		{
			name:      "buy deposit anchors on escrow receiver",
			tradeType: TradeTypeBuy,
			want:      "to counter-receive for 550 USD from counter-send to init-receive via escrow service on exchange",
		},
		{
			name:      "buy release anchors on escrow sender",
			tradeType: TradeTypeBuy,
			release:   true,
			want:      "from init-send for 550 USD from counter-send to init-receive via escrow service on exchange",
		},
		{
			name:      "sell deposit anchors on escrow receiver",
			tradeType: TradeTypeSell,
			want:      "to init-receive for 100 TON from init-send to counter-receive via escrow service on exchange",
		},
		{
			name:      "override replaces the counterparty send address",
			tradeType: TradeTypeBuy,
			override:  "fresh-send",
			want:      "to counter-receive for 550 USD from fresh-send to init-receive via escrow service on exchange",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SettlementMemo(memoOffer(tt.tradeType), tt.release, tt.override, "exchange")
			if got != tt.want {
				t.Errorf("SettlementMemo() = %q, want %q", got, tt.want)
			}
		})
	}
}
