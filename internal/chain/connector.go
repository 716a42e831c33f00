// Package chain watches ledger activity for expected escrow deposits and
// submits settlement transfers. Chains plug in by implementing Ledger;
// the streaming connector drives matching, confirmation and refunds on
// top of it.
package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/escrow-exchange/backend/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConnectionError means a ledger session could not be established.
// Escrow for the connector's assets stays disabled until an operator
// intervenes; it is never retried automatically.
type ConnectionError struct {
	Chain string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Chain, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransferError means the node rejected a settlement transfer. A failed
// release is an operational incident, surfaced to an operator rather
// than retried.
type TransferError struct {
	Chain string
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer on %s rejected: %v", e.Chain, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Operation is one transfer-type ledger operation.
type Operation struct {
	TrxID     string
	From      string
	To        string
	Amount    decimal.Decimal
	Asset     string
	Memo      string
	BlockNum  uint64
	Timestamp time.Time
}

// Connector is the per-chain escrow capability.
type Connector interface {
	// Name of the chain, used in config and operator alerts.
	Name() string
	// Assets supported by the chain.
	Assets() []string
	// Custodial address deposits are sent to.
	Address() string

	// Connect establishes the ledger session, replays history back to
	// the earliest registration time among queued expectations and
	// starts live monitoring if the queue is not empty.
	Connect(ctx context.Context) error
	// GetLimits returns insurance limits for the asset, nil if none
	// are configured.
	GetLimits(ctx context.Context, asset string) (*models.InsuranceLimits, error)
	// Transfer submits a settlement transfer from the custodial
	// address and returns a transaction reference.
	Transfer(ctx context.Context, to string, amount decimal.Decimal, asset, memo string) (string, error)
	// IsBlockConfirmed blocks until the ledger's irreversible height
	// reaches blockNum, polling at a fixed delay. It returns an error
	// only when ctx is cancelled.
	IsBlockConfirmed(ctx context.Context, blockNum uint64) error

	// AddToQueue registers a deposit expectation; adding to an idle
	// connector (re)starts monitoring.
	AddToQueue(exp models.DepositExpectation)
	// RemoveFromQueue drops the expectation for the offer; removing
	// the last entry stops monitoring.
	RemoveFromQueue(offerID uuid.UUID) bool

	Close()
}

// Ledger is the node collaborator a chain implementation provides.
type Ledger interface {
	Connect(ctx context.Context) error
	// AccountHistory returns transfer operations involving the address
	// not older than since, in block order.
	AccountHistory(ctx context.Context, address string, since time.Time) ([]Operation, error)
	// IrreversibleHeight returns the last irreversible block number.
	IrreversibleHeight(ctx context.Context) (uint64, error)
	// PollOperations returns transfer operations involving the address
	// after the cursor, in block order, plus the advanced cursor.
	PollOperations(ctx context.Context, address string, cursor uint64) ([]Operation, uint64, error)
	// FindOperation reports whether the operation is present on chain.
	FindOperation(ctx context.Context, op Operation) (bool, error)
	// Transfer submits a transfer from the custodial address.
	Transfer(ctx context.Context, to string, amount decimal.Decimal, asset, memo string) (string, error)
	// Limits returns configured insurance limits for the asset.
	Limits(asset string) *models.InsuranceLimits
	Close()
}

// Registry maps asset identifiers to connectors, built at startup.
type Registry struct {
	byAsset    map[string]Connector
	connectors []Connector
}

func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{byAsset: make(map[string]Connector)}
	for _, c := range connectors {
		r.Register(c)
	}
	return r
}

func (r *Registry) Register(c Connector) {
	r.connectors = append(r.connectors, c)
	for _, asset := range c.Assets() {
		r.byAsset[asset] = c
	}
}

// ForAsset returns the connector supporting the asset, nil if escrow is
// not available for it.
func (r *Registry) ForAsset(asset string) Connector {
	return r.byAsset[asset]
}

func (r *Registry) All() []Connector {
	return r.connectors
}

// GetLimits proxies to the asset's connector; assets without escrow
// support carry no insurance limits.
func (r *Registry) GetLimits(ctx context.Context, asset string) (*models.InsuranceLimits, error) {
	c := r.byAsset[asset]
	if c == nil {
		return nil, nil
	}
	return c.GetLimits(ctx, asset)
}

// Disable removes the connector's assets from the registry. Used when a
// connection attempt fails at boot.
func (r *Registry) Disable(c Connector) {
	for _, asset := range c.Assets() {
		delete(r.byAsset, asset)
	}
}

func (r *Registry) Close() {
	for _, c := range r.connectors {
		c.Close()
	}
}
