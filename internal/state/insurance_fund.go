package state

import (
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// InsuranceFund covers a liquidator's shortfall when the liquidated account
// runs out of collateral. The balance itself lives in the ledger under
// system:insurance_fund:<asset>.
type InsuranceFund struct {
	asset ledger.Asset
	feed  *PriceFeed
}

func NewInsuranceFund(asset ledger.Asset, feed *PriceFeed) *InsuranceFund {
	return &InsuranceFund{asset: asset, feed: feed}
}

func (f *InsuranceFund) Asset() ledger.Asset {
	return f.asset
}

// ComputeCoverage returns how much of deficit a fund holding fundBalance can
// cover, and what remains uncovered.
func ComputeCoverage(fundBalance int64, deficit int64) (covered int64, remaining int64) {
	if fundBalance >= deficit {
		return deficit, 0
	}
	return max(fundBalance, 0), deficit - max(fundBalance, 0)
}

// Cover stages a payment to recipient worth up to value quote units. It
// returns the amount of fund asset paid and the value left uncovered.
func (f *InsuranceFund) Cover(tx *ledger.Tx, recipient common.Address, value int64) (paid int64, uncovered int64, err error) {
	if value <= 0 || f.asset == "" {
		return 0, max(value, 0), nil
	}
	p, err := f.feed.Price(f.asset)
	if err != nil {
		return 0, value, nil
	}

	need := fpmath.AmountForValue(value, p.Price)
	paid, _ = ComputeCoverage(tx.InsuranceBalance(f.asset), need)
	if paid == 0 {
		return 0, value, nil
	}
	if err := tx.CoverFromInsurance(recipient, f.asset, paid); err != nil {
		return 0, value, err
	}
	return paid, max(value-fpmath.Value(paid, p.Price), 0), nil
}
