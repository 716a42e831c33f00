package models

import "fmt"

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// SettlementMemo builds the deterministic memo binding a ledger transfer
// to an offer and its counter leg. A deposit memo (release=false) anchors
// on the escrow receive address, a release memo on the escrow send
// address. counterSendAddress overrides the counterparty's stored send
// address while it is still being collected.
func SettlementMemo(o *Offer, release bool, counterSendAddress, service string) string {
	if counterSendAddress == "" {
		counterSendAddress = deref(o.Counter.SendAddress)
	}

	var escrowSend, escrowReceive, counterSend, counterReceive string
	if o.Type == TradeTypeBuy {
		escrowSend = deref(o.Init.SendAddress)
		escrowReceive = deref(o.Counter.ReceiveAddress)
		counterSend = counterSendAddress
		counterReceive = deref(o.Init.ReceiveAddress)
	} else {
		escrowSend = counterSendAddress
		escrowReceive = deref(o.Init.ReceiveAddress)
		counterSend = deref(o.Init.SendAddress)
		counterReceive = deref(o.Counter.ReceiveAddress)
	}

	anchor := "to " + escrowReceive
	if release {
		anchor = "from " + escrowSend
	}
	return fmt.Sprintf(
		"%s for %s %s from %s to %s via escrow service on %s",
		anchor, o.CounterSum(), o.CounterCurrency(), counterSend, counterReceive, service,
	)
}
