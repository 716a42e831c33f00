package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/escrow-exchange/backend/internal/events"
	"github.com/escrow-exchange/backend/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RemoteConnector fronts a chain whose deposit watch runs in another
// process. Queue changes are relayed over the event bus; the watcher
// additionally resyncs its queue from persisted offers, so a lost
// event converges on the next sweep. Settlement transfers never happen
// here.
type RemoteConnector struct {
	name      string
	assets    []string
	address   string
	limits    *models.InsuranceLimits
	publisher events.Publisher
	log       *zap.Logger
}

func NewRemoteConnector(
	name string,
	assets []string,
	address string,
	limits *models.InsuranceLimits,
	publisher events.Publisher,
	log *zap.Logger,
) *RemoteConnector {
	return &RemoteConnector{
		name:      name,
		assets:    assets,
		address:   address,
		limits:    limits,
		publisher: publisher,
		log:       log,
	}
}

func (c *RemoteConnector) Name() string     { return c.name }
func (c *RemoteConnector) Assets() []string { return c.assets }
func (c *RemoteConnector) Address() string  { return c.address }

func (c *RemoteConnector) Connect(ctx context.Context) error { return nil }

func (c *RemoteConnector) GetLimits(ctx context.Context, asset string) (*models.InsuranceLimits, error) {
	return c.limits, nil
}

func (c *RemoteConnector) Transfer(ctx context.Context, to string, amount decimal.Decimal, asset, memo string) (string, error) {
	return "", &TransferError{Chain: c.name, Err: fmt.Errorf("transfers are submitted by the chain watcher")}
}

func (c *RemoteConnector) IsBlockConfirmed(ctx context.Context, blockNum uint64) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *RemoteConnector) AddToQueue(exp models.DepositExpectation) {
	payload, err := expectationPayload(exp)
	if err != nil {
		c.log.Error("failed to encode deposit expectation", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.publisher.Publish(ctx, events.StreamChain, events.Event{
		Type:    events.EventExpectationRegistered,
		Payload: payload,
	}); err != nil {
		c.log.Error("failed to relay deposit expectation",
			zap.String("offer_id", exp.OfferID.String()), zap.Error(err))
	}
}

func (c *RemoteConnector) RemoveFromQueue(offerID uuid.UUID) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.publisher.Publish(ctx, events.StreamChain, events.Event{
		Type:    events.EventExpectationRemoved,
		Payload: map[string]any{"offer_id": offerID.String()},
	}); err != nil {
		c.log.Error("failed to relay expectation removal",
			zap.String("offer_id", offerID.String()), zap.Error(err))
		return false
	}
	return true
}

func (c *RemoteConnector) Close() {}

func expectationPayload(exp models.DepositExpectation) (map[string]any, error) {
	raw, err := json.Marshal(exp)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// DecodeExpectation is the watcher-side inverse of the relay payload.
func DecodeExpectation(payload map[string]any) (models.DepositExpectation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.DepositExpectation{}, err
	}
	var exp models.DepositExpectation
	if err := json.Unmarshal(raw, &exp); err != nil {
		return models.DepositExpectation{}, err
	}
	return exp, nil
}
