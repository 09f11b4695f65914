// Package payout computes what a driver earns for one delivery.
package payout

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jogardn/food-delivery-saga/internal/config"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

// Calculator is immutable once built.
type Calculator struct {
	baseFee       decimal.Decimal
	perMinuteRate decimal.Decimal
	minMinutes    int64
	maxMinutes    int64
}

func New(baseFee, perMinuteRate decimal.Decimal, minMinutes, maxMinutes int) (*Calculator, error) {
	if baseFee.IsNegative() || perMinuteRate.IsNegative() {
		return nil, saga.Invalid("payout fee and rate must not be negative")
	}
	if minMinutes < 0 || maxMinutes < minMinutes {
		return nil, saga.Invalid("payout minute bounds [%d, %d] are inverted", minMinutes, maxMinutes)
	}
	return &Calculator{
		baseFee:       baseFee,
		perMinuteRate: perMinuteRate,
		minMinutes:    int64(minMinutes),
		maxMinutes:    int64(maxMinutes),
	}, nil
}

// FromConfig parses the decimal settings of cfg.
func FromConfig(cfg config.PayoutConfig) (*Calculator, error) {
	base, err := decimal.NewFromString(cfg.BaseFee)
	if err != nil {
		return nil, fmt.Errorf("invalid payout base fee %q: %w", cfg.BaseFee, err)
	}
	rate, err := decimal.NewFromString(cfg.PerMinuteRate)
	if err != nil {
		return nil, fmt.Errorf("invalid payout per minute rate %q: %w", cfg.PerMinuteRate, err)
	}
	return New(base, rate, cfg.MinMinutes, cfg.MaxMinutes)
}

// CalculateFor returns baseFee + perMinuteRate * clamp(minutes), rounded up
// to the cent. Started minutes count as whole minutes.
func (c *Calculator) CalculateFor(pickup, delivery *time.Time) (decimal.Decimal, error) {
	if pickup == nil || delivery == nil {
		return decimal.Zero, saga.Invalid("pickup and delivery time are required")
	}
	if delivery.Before(*pickup) {
		return decimal.Zero, saga.Invalid("delivery time %s is before pickup time %s",
			delivery.Format(time.RFC3339), pickup.Format(time.RFC3339))
	}

	minutes := CeilMinutes(int64(delivery.Sub(*pickup) / time.Second))
	if minutes < c.minMinutes {
		minutes = c.minMinutes
	}
	if minutes > c.maxMinutes {
		minutes = c.maxMinutes
	}

	amount := c.baseFee.Add(c.perMinuteRate.Mul(decimal.NewFromInt(minutes)))
	return amount.RoundCeil(2), nil
}

// CeilMinutes converts whole seconds to minutes, rounding up.
func CeilMinutes(seconds int64) int64 {
	return (seconds + 59) / 60
}
