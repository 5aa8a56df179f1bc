package state

import (
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Assessment is the outcome of one risk evaluation of one account.
type Assessment struct {
	Account     common.Address
	Snapshot    uint64 // Ledger version the evaluation read
	EvaluatedAt time.Time

	Collateral int64 // Weighted collateral value, quote units
	Exposure   int64 // Priced liabilities, quote units
	Ratio      int64 // Collateral / exposure at fpmath.RatioScale
	Status     AccountState

	StalePrices       []ledger.Asset // Overdue prices that were used
	MissingPrices     []ledger.Asset // Assets with no price at all
	OverduePositions  []ledger.Asset
	UnpricedPositions []ledger.Asset // Liabilities that could not be valued
	Uncounted         []ledger.Asset // Held assets outside the collateral set

	// ExposureCapped is set when exposure exceeded the int64 range.
	ExposureCapped bool

	// Reserved is the part of each collateral balance backing exposure.
	Reserved map[ledger.Asset]int64
}

// AccountReport is one consistent read of an account: its ledger copy, an
// evaluation of that copy, its lifecycle state and the last applied
// sequence.
type AccountReport struct {
	Account    ledger.Account
	Assessment Assessment
	State      AccountState
	Sequence   int64
}

// Fresh reports whether every input used was current and present.
func (a Assessment) Fresh() bool {
	return len(a.StalePrices) == 0 && len(a.MissingPrices) == 0 && len(a.OverduePositions) == 0
}

// RiskEngine computes collateralization ratios and classifies accounts.
type RiskEngine struct {
	cfg           *Configurer
	feed          *PriceFeed
	healthyMargin int64
}

// NewRiskEngine creates a risk engine. healthyMargin is the ratio headroom
// above 1.0 (at fpmath.RatioScale) an account needs to be Healthy; a
// negative value derives it from the liquidation premium at each evaluation.
func NewRiskEngine(cfg *Configurer, feed *PriceFeed, healthyMargin int64) *RiskEngine {
	return &RiskEngine{
		cfg:           cfg,
		feed:          feed,
		healthyMargin: healthyMargin,
	}
}

// HealthyThreshold returns the minimum Healthy ratio under settings s.
func (r *RiskEngine) HealthyThreshold(s MarginSettings) int64 {
	margin := r.healthyMargin
	if margin < 0 {
		margin = int64(s.LiquidationPremium) * fpmath.RatioScale / 100
	}
	return fpmath.RatioScale + margin
}

// Evaluate classifies account using h at time now. Settings and weights are
// read once, so a concurrent configuration change cannot tear an evaluation.
//
// Order: overdue inputs first, then the ratio. Stale inputs make an account
// with exposure Liquidatable and one without exposure AtRisk. A missing
// collateral price counts as zero collateral and can never produce Healthy;
// a liability without a price, or exposure past the int64 range, is
// Liquidatable.
//
// Holdings that implement ledger.Viewer are read through one View so a
// concurrent commit cannot tear the evaluation.
func (r *RiskEngine) Evaluate(h ledger.Holdings, account common.Address, now time.Time) Assessment {
	if v, ok := h.(ledger.Viewer); ok {
		h = v.View(account)
	}
	settings := r.cfg.Settings()
	weights := r.cfg.Risks().Snapshot()

	a := Assessment{
		Account:     account,
		Snapshot:    h.Version(account),
		EvaluatedAt: now,
		Reserved:    make(map[ledger.Asset]int64),
	}

	counted := make(map[ledger.Asset]int64)
	for _, asset := range settings.CollateralAssets {
		free := h.FreeBalance(account, asset)
		if free <= 0 {
			continue
		}
		p, err := r.feed.Price(asset)
		if err != nil {
			a.MissingPrices = append(a.MissingPrices, asset)
			continue
		}
		if IsOverdue(p, now, settings.PriceOverdue()) {
			a.StalePrices = append(a.StalePrices, asset)
		}
		a.Collateral, _ = fpmath.AddCapped(a.Collateral, fpmath.WeightedValue(free, p.Price, weights[asset]))
		counted[asset] = free
	}

	for _, asset := range h.HeldAssets(account) {
		if !settings.IsCollateral(asset) {
			a.Uncounted = append(a.Uncounted, asset)
		}
	}

	for _, pos := range h.Positions(account) {
		if threshold := settings.PositionOverdue(); threshold > 0 && now.Sub(pos.OpenedAt) > threshold {
			a.OverduePositions = append(a.OverduePositions, pos.Asset)
		}
		p, err := r.feed.Price(pos.Asset)
		if err != nil {
			a.MissingPrices = append(a.MissingPrices, pos.Asset)
			a.UnpricedPositions = append(a.UnpricedPositions, pos.Asset)
			continue
		}
		if IsOverdue(p, now, settings.PriceOverdue()) {
			a.StalePrices = append(a.StalePrices, pos.Asset)
		}
		var capped bool
		a.Exposure, capped = fpmath.AddCapped(a.Exposure, fpmath.Value(pos.Liability(), p.Price))
		a.ExposureCapped = a.ExposureCapped || capped
	}

	a.Ratio = fpmath.Ratio(a.Collateral, a.Exposure)
	a.Status = r.classify(a, settings)

	if a.Exposure > 0 && a.Collateral > 0 {
		encumbered := min(a.Exposure, a.Collateral)
		for asset, free := range counted {
			reserved := fpmath.MulDiv(free, encumbered, a.Collateral, fpmath.RoundUp)
			a.Reserved[asset] = min(max(reserved, 0), free)
		}
	}

	return a
}

func (r *RiskEngine) classify(a Assessment, s MarginSettings) AccountState {
	switch {
	case len(a.OverduePositions) > 0, len(a.UnpricedPositions) > 0, a.ExposureCapped:
		return AccountStateLiquidatable
	case len(a.StalePrices) > 0 && a.Exposure > 0:
		return AccountStateLiquidatable
	case len(a.StalePrices) > 0:
		return AccountStateAtRisk
	case a.Exposure > 0 && a.Ratio < fpmath.RatioScale:
		return AccountStateLiquidatable
	case len(a.MissingPrices) > 0:
		return AccountStateAtRisk
	case a.Ratio < r.HealthyThreshold(s):
		return AccountStateAtRisk
	default:
		return AccountStateHealthy
	}
}
