package state

import (
	"MarginLedger/internal/ledger"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrLengthMismatch = errors.New("assets and weights length mismatch")
)

// AssetRiskTable holds the collateral risk weight of every asset, out of
// fpmath.MaxWeight. Unknown assets weigh 0.
type AssetRiskTable struct {
	mu      sync.RWMutex
	weights map[ledger.Asset]uint8
}

func NewAssetRiskTable() *AssetRiskTable {
	return &AssetRiskTable{
		weights: make(map[ledger.Asset]uint8),
	}
}

// RiskWeight returns the weight of asset, 0 if it was never configured.
func (t *AssetRiskTable) RiskWeight(asset ledger.Asset) uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.weights[asset]
}

// apply replaces the weight of every listed asset in one swap. Assets not
// listed keep their weight.
func (t *AssetRiskTable) apply(assets []ledger.Asset, weights []uint8) error {
	if len(assets) != len(weights) {
		return fmt.Errorf("%d assets, %d weights: %w", len(assets), len(weights), ErrLengthMismatch)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[ledger.Asset]uint8, len(t.weights)+len(assets))
	for k, v := range t.weights {
		next[k] = v
	}
	for i, a := range assets {
		next[a] = weights[i]
	}
	t.weights = next
	return nil
}

// Snapshot returns a copy that one evaluation reads from start to finish.
func (t *AssetRiskTable) Snapshot() map[ledger.Asset]uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[ledger.Asset]uint8, len(t.weights))
	for k, v := range t.weights {
		out[k] = v
	}
	return out
}

// Restore replaces all weights; used only during startup recovery.
func (t *AssetRiskTable) Restore(weights map[ledger.Asset]uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.weights = make(map[ledger.Asset]uint8, len(weights))
	for k, v := range weights {
		t.weights[k] = v
	}
}
