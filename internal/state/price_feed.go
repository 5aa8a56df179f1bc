package state

import (
	"MarginLedger/internal/ledger"
	"errors"
	"fmt"
	"time"
)

var ErrNoPriceAvailable = errors.New("no price available")

// PricePoint is one oracle observation.
type PricePoint struct {
	Asset      ledger.Asset
	Price      int64 // Fixed-point, quote units per asset unit
	ObservedAt time.Time
}

// Oracle is the raw price source behind a PriceFeed.
type Oracle interface {
	CurrentPrice(asset ledger.Asset) (price int64, observedAt time.Time, err error)
}

// PriceFeed turns oracle answers into PricePoints. It never mutates.
type PriceFeed struct {
	oracle Oracle
}

func NewPriceFeed(oracle Oracle) *PriceFeed {
	return &PriceFeed{oracle: oracle}
}

// Price returns the latest point for asset. Any oracle failure, or a
// non-positive price, is ErrNoPriceAvailable.
func (f *PriceFeed) Price(asset ledger.Asset) (PricePoint, error) {
	price, observedAt, err := f.oracle.CurrentPrice(asset)
	if err != nil {
		if errors.Is(err, ErrNoPriceAvailable) {
			return PricePoint{}, err
		}
		return PricePoint{}, fmt.Errorf("%s: %v: %w", asset, err, ErrNoPriceAvailable)
	}
	if price <= 0 {
		return PricePoint{}, fmt.Errorf("%s: non-positive price %d: %w", asset, price, ErrNoPriceAvailable)
	}
	return PricePoint{Asset: asset, Price: price, ObservedAt: observedAt}, nil
}

// IsOverdue reports whether point is older than threshold at now.
// A zero threshold disables the check.
func IsOverdue(point PricePoint, now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	return now.Sub(point.ObservedAt) > threshold
}
