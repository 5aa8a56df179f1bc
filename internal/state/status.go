package state

import "github.com/ethereum/go-ethereum/common"

// AccountState is the liquidation state of one account.
type AccountState int32

const (
	AccountStateHealthy AccountState = iota
	AccountStateAtRisk
	AccountStateLiquidatable
	AccountStateLiquidationInProgress
	AccountStateClosed
)

func (s AccountState) String() string {
	switch s {
	case AccountStateHealthy:
		return "Healthy"
	case AccountStateAtRisk:
		return "AtRisk"
	case AccountStateLiquidatable:
		return "Liquidatable"
	case AccountStateLiquidationInProgress:
		return "LiquidationInProgress"
	case AccountStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ParseAccountState is the inverse of String.
func ParseAccountState(s string) (AccountState, bool) {
	for st := AccountStateHealthy; st <= AccountStateClosed; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

var validTransitions = map[AccountState][]AccountState{
	AccountStateHealthy: {
		AccountStateAtRisk,
		AccountStateLiquidatable,
	},
	AccountStateAtRisk: {
		AccountStateHealthy, // Recovered on a fresh evaluation
		AccountStateLiquidatable,
	},
	AccountStateLiquidatable: {
		AccountStateHealthy,
		AccountStateAtRisk,
		AccountStateLiquidationInProgress,
	},
	AccountStateLiquidationInProgress: {
		AccountStateClosed,
		AccountStateLiquidatable, // Liquidation rejected mid-way
	},
	AccountStateClosed: {
		AccountStateHealthy,
		AccountStateAtRisk,
		AccountStateLiquidatable,
	},
}

// CanTransitionTo validates state transitions
func (s AccountState) CanTransitionTo(next AccountState) bool {
	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// StatusChange records one state transition of an account.
type StatusChange struct {
	Account common.Address
	From    AccountState
	To      AccountState
}
