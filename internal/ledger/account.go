package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Asset identifies a tradable asset by ticker, e.g. "WBTC".
type Asset string

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeFree AccountSubType = iota

	// System sub-types
	SubTypeMarginPool
	SubTypeInsuranceFund

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AccountKey is the in-memory key for balance tracking.
type AccountKey struct {
	Scope   AccountScope
	Owner   common.Address // zero for system and external accounts
	SubType AccountSubType
	Asset   Asset
}

// NewUserAccountKey creates the free-balance key of a trading account.
func NewUserAccountKey(owner common.Address, asset Asset) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Owner:   owner,
		SubType: SubTypeFree,
		Asset:   asset,
	}
}

// NewSystemAccountKey creates a key for venue-owned accounts.
func NewSystemAccountKey(subType AccountSubType, asset Asset) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset Asset) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// IsUser reports whether the key belongs to a trading account.
func (k AccountKey) IsUser() bool {
	return k.Scope == AccountScopeUser
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.Owner.Hex(), k.subTypeName(), k.Asset)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeFree:
		return "free"
	case SubTypeMarginPool:
		return "margin_pool"
	case SubTypeInsuranceFund:
		return "insurance_fund"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 4 && parts[0] == "user":
		if !common.IsHexAddress(parts[1]) {
			return AccountKey{}, fmt.Errorf("account path %q: invalid owner", path)
		}
		sub, ok := parseSubType(parts[2])
		if !ok || sub != SubTypeFree {
			return AccountKey{}, fmt.Errorf("account path %q: invalid sub-type", path)
		}
		return NewUserAccountKey(common.HexToAddress(parts[1]), Asset(parts[3])), nil
	case len(parts) == 3 && (parts[0] == "system" || parts[0] == "external"):
		sub, ok := parseSubType(parts[1])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: invalid sub-type", path)
		}
		if parts[0] == "system" {
			return NewSystemAccountKey(sub, Asset(parts[2])), nil
		}
		return NewExternalAccountKey(sub, Asset(parts[2])), nil
	}
	return AccountKey{}, fmt.Errorf("account path %q: malformed", path)
}

func parseSubType(s string) (AccountSubType, bool) {
	for _, st := range []AccountSubType{
		SubTypeFree, SubTypeMarginPool, SubTypeInsuranceFund,
		SubTypeExternalDeposits, SubTypeExternalWithdrawals,
	} {
		if (AccountKey{SubType: st}).subTypeName() == s {
			return st, true
		}
	}
	return 0, false
}
