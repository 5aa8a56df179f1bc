package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	ledger *AccountLedger
}

func NewInvariantValidator(l *AccountLedger) *InvariantValidator {
	return &InvariantValidator{
		ledger: l,
	}
}

// ValidateBatchBalance verifies batch is well-formed before it is applied.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateUserNonNegative checks every free balance owner holds is >= 0.
func (v *InvariantValidator) ValidateUserNonNegative(owner common.Address) error {
	tracker := v.ledger.Tracker()
	for _, asset := range tracker.HeldAssets(owner) {
		if err := tracker.ValidateNonNegative(NewUserAccountKey(owner, asset)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.ledger.Tracker().ComputeGlobalBalance()

	for asset, total := range totals {
		if total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", asset, total)
		}
	}

	return nil
}

// ValidateMarginPool verifies the pool's net outflow in asset equals the sum
// of open liabilities in asset.
func (v *InvariantValidator) ValidateMarginPool(asset Asset) error {
	pool := v.ledger.Tracker().GetBalance(NewSystemAccountKey(SubTypeMarginPool, asset))
	liability := v.ledger.TotalLiability(asset)

	if pool+liability != 0 {
		return fmt.Errorf("margin pool %s=%d does not match liabilities %d", asset, pool, liability)
	}
	return nil
}

// ValidateInsuranceNonNegative checks the insurance fund for asset.
func (v *InvariantValidator) ValidateInsuranceNonNegative(asset Asset) error {
	return v.ledger.Tracker().ValidateNonNegative(NewSystemAccountKey(SubTypeInsuranceFund, asset))
}
