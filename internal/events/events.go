package events

import "context"

// Event types
const (
	EventOfferStatusChanged = "offer_status_changed"
	EventBotNotification    = "bot_notification"
	EventDepositReceived    = "deposit_received"
	EventDepositRefunded    = "deposit_refunded"
	EventEscrowReleased     = "escrow_released"
	EventManualEscalation   = "manual_escalation"

	// Deposit watch queue updates, API process to chain watcher
	EventExpectationRegistered = "expectation_registered"
	EventExpectationRemoved    = "expectation_removed"
	// Escrow release handoff; the wallet lives with the watcher
	EventReleaseRequested = "release_requested"
)

// Streams
const (
	StreamOffers = "events:offer"
	StreamNotify = "events:notify"
	StreamChain  = "events:chain"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
