package state

import (
	"MarginLedger/internal/ledger"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MarginSettings is the venue-wide margin configuration. It is replaced as a
// whole, never field by field.
type MarginSettings struct {
	CollateralAssets       []ledger.Asset
	StakeRisk              uint8  // Share of a liquidator's stake value at risk, out of 255
	LiquidationPremium     uint64 // Percent of closed value paid to the liquidator
	PriceOverdueSeconds    uint64
	PositionOverdueSeconds uint64
}

// PriceOverdue returns the price age threshold; 0 disables the check.
func (s MarginSettings) PriceOverdue() time.Duration {
	return time.Duration(s.PriceOverdueSeconds) * time.Second
}

// PositionOverdue returns the position age threshold; 0 disables the check.
func (s MarginSettings) PositionOverdue() time.Duration {
	return time.Duration(s.PositionOverdueSeconds) * time.Second
}

// IsCollateral reports whether asset is in the collateral set.
func (s MarginSettings) IsCollateral(asset ledger.Asset) bool {
	return slices.Contains(s.CollateralAssets, asset)
}

func (s MarginSettings) clone() MarginSettings {
	s.CollateralAssets = slices.Clone(s.CollateralAssets)
	return s
}

// Configurer is the privileged configuration surface. Only the admin address
// may mutate margin settings, asset risks or pair rules. Readers always see
// a fully committed configuration.
type Configurer struct {
	admin    common.Address
	mu       sync.Mutex // serialises writers
	settings atomic.Pointer[MarginSettings]
	risks    *AssetRiskTable
	pairs    *PairRulesTable
}

func NewConfigurer(admin common.Address, initial MarginSettings, risks *AssetRiskTable, pairs *PairRulesTable) *Configurer {
	c := &Configurer{
		admin: admin,
		risks: risks,
		pairs: pairs,
	}
	s := initial.clone()
	c.settings.Store(&s)
	return c
}

func (c *Configurer) Admin() common.Address {
	return c.admin
}

func (c *Configurer) authorize(caller common.Address) error {
	if caller != c.admin {
		return ErrUnauthorized
	}
	return nil
}

// UpdateMarginSettings atomically replaces all five settings.
func (c *Configurer) UpdateMarginSettings(
	caller common.Address,
	collateralAssets []ledger.Asset,
	stakeRisk uint8,
	liquidationPremium uint64,
	priceOverdueSeconds uint64,
	positionOverdueSeconds uint64,
) error {
	if err := c.authorize(caller); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := MarginSettings{
		CollateralAssets:       slices.Clone(collateralAssets),
		StakeRisk:              stakeRisk,
		LiquidationPremium:     liquidationPremium,
		PriceOverdueSeconds:    priceOverdueSeconds,
		PositionOverdueSeconds: positionOverdueSeconds,
	}
	c.settings.Store(&next)
	return nil
}

// UpdateAssetRisks sets the weight of each listed asset. Lengths are checked
// before anything is written.
func (c *Configurer) UpdateAssetRisks(caller common.Address, assets []ledger.Asset, weights []uint8) error {
	if err := c.authorize(caller); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.risks.apply(assets, weights)
}

// UpdatePairRules declares or replaces the tick/lot rules of a pair.
func (c *Configurer) UpdatePairRules(caller common.Address, rules PairRules) error {
	if err := c.authorize(caller); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairs.update(rules)
}

// Settings returns a private copy of the current settings.
func (c *Configurer) Settings() MarginSettings {
	return c.settings.Load().clone()
}

// Restore installs settings without an authorization check; used only during
// startup recovery.
func (c *Configurer) Restore(s MarginSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := s.clone()
	c.settings.Store(&next)
}

func (c *Configurer) Risks() *AssetRiskTable { return c.risks }
func (c *Configurer) Pairs() *PairRulesTable { return c.pairs }

// === Read accessors ===

func (c *Configurer) StakeRisk() uint8 {
	return c.settings.Load().StakeRisk
}

func (c *Configurer) LiquidationPremium() uint64 {
	return c.settings.Load().LiquidationPremium
}

func (c *Configurer) PriceOverdue() uint64 {
	return c.settings.Load().PriceOverdueSeconds
}

func (c *Configurer) PositionOverdue() uint64 {
	return c.settings.Load().PositionOverdueSeconds
}

func (c *Configurer) CollateralAssets() []ledger.Asset {
	return slices.Clone(c.settings.Load().CollateralAssets)
}

func (c *Configurer) AssetRisks(asset ledger.Asset) uint8 {
	return c.risks.RiskWeight(asset)
}
