// Package insurance caps how much of an escrow deposit the service
// underwrites, per transfer and across all open offers on an asset.
package insurance

import (
	"context"
	"fmt"

	"github.com/escrow-exchange/backend/internal/models"
	"github.com/shopspring/decimal"
)

// InsuredStore reports the insured total across open offers for an asset.
type InsuredStore interface {
	SumInsured(ctx context.Context, asset string) (decimal.Decimal, error)
}

// LimitSource exposes per-asset insurance caps, nil meaning uncapped.
type LimitSource interface {
	GetLimits(ctx context.Context, asset string) (*models.InsuranceLimits, error)
}

type Limiter struct {
	store  InsuredStore
	limits LimitSource
}

func NewLimiter(store InsuredStore, limits LimitSource) *Limiter {
	return &Limiter{store: store, limits: limits}
}

// Insure returns the portion of requested the service will cover. The
// per-transfer cap is applied first, then the result is reduced so the
// asset-wide insured total never exceeds the aggregate cap. An asset
// without configured limits is covered in full.
func (l *Limiter) Insure(ctx context.Context, asset string, requested decimal.Decimal) (decimal.Decimal, error) {
	limits, err := l.limits.GetLimits(ctx, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("limits for %s: %w", asset, err)
	}
	if limits == nil {
		return requested, nil
	}

	insured := requested
	if insured.GreaterThan(limits.Single) {
		insured = limits.Single
	}

	already, err := l.store.SumInsured(ctx, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum insured for %s: %w", asset, err)
	}

	headroom := limits.Total.Sub(already)
	if insured.GreaterThan(headroom) {
		insured = headroom
	}
	if insured.IsNegative() {
		insured = decimal.Zero
	}
	return insured, nil
}
