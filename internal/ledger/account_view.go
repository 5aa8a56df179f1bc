package ledger

import (
	"github.com/ethereum/go-ethereum/common"
)

// Viewer hands out a consistent copy of one account.
type Viewer interface {
	View(owner common.Address) *AccountView
}

// AccountView is an immutable copy of one account taken by
// AccountLedger.View. It implements Holdings for its owner; every other
// owner reads as the zero state.
type AccountView struct {
	acct Account
}

// Account returns a copy of the viewed account.
func (v *AccountView) Account() Account {
	out := v.acct
	out.Free = make(map[Asset]int64, len(v.acct.Free))
	for a, bal := range v.acct.Free {
		out.Free[a] = bal
	}
	out.Positions = append([]Position(nil), v.acct.Positions...)
	return out
}

func (v *AccountView) FreeBalance(owner common.Address, asset Asset) int64 {
	if owner != v.acct.Owner {
		return 0
	}
	return v.acct.Free[asset]
}

func (v *AccountView) HeldAssets(owner common.Address) []Asset {
	if owner != v.acct.Owner {
		return nil
	}
	assets := make([]Asset, 0, len(v.acct.Free))
	for a, bal := range v.acct.Free {
		if bal != 0 {
			assets = append(assets, a)
		}
	}
	sortAssets(assets)
	return assets
}

func (v *AccountView) Positions(owner common.Address) []Position {
	if owner != v.acct.Owner {
		return nil
	}
	return append([]Position(nil), v.acct.Positions...)
}

func (v *AccountView) Version(owner common.Address) uint64 {
	if owner != v.acct.Owner {
		return 0
	}
	return v.acct.Version
}
