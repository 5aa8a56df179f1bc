package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrInsufficientFunds is returned when a movement would overdraw a free balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// BalanceTracker maintains in-memory account balances. It is the single
// source of truth for raw balances; every mutation goes through a Batch.
type BalanceTracker struct {
	mu       sync.RWMutex
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// mustStayNonNegative reports whether a key is forbidden from going below zero.
// The margin pool funds borrowing and may run negative; external accounts
// mirror custody flows and are negative by construction.
func mustStayNonNegative(k AccountKey) bool {
	return k.Scope == AccountScopeUser ||
		(k.Scope == AccountScopeSystem && k.SubType == SubTypeInsuranceFund)
}

// ApplyBatch applies all journals in a batch, or none of them.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()

	deltas := netDeltas(batch)
	for key, delta := range deltas {
		if mustStayNonNegative(key) && bt.balances[key]+delta < 0 {
			return fmt.Errorf("%s: have=%d, need=%d: %w",
				key.AccountPath(), bt.balances[key], -delta, ErrInsufficientFunds)
		}
	}

	for key, delta := range deltas {
		bt.balances[key] += delta
		if bt.balances[key] == 0 {
			delete(bt.balances, key)
		}
	}

	return nil
}

func netDeltas(batch *Batch) map[AccountKey]int64 {
	deltas := make(map[AccountKey]int64, len(batch.Journals)*2)
	for _, j := range batch.Journals {
		deltas[j.DebitAccount] += j.Amount
		deltas[j.CreditAccount] -= j.Amount
	}
	return deltas
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.balances[key]
}

// FreeBalance returns a trading account's free balance of one asset.
func (bt *BalanceTracker) FreeBalance(owner common.Address, asset Asset) int64 {
	return bt.GetBalance(NewUserAccountKey(owner, asset))
}

// HeldAssets lists the assets in which owner has a non-zero free balance.
func (bt *BalanceTracker) HeldAssets(owner common.Address) []Asset {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	var assets []Asset
	for k, v := range bt.balances {
		if k.Scope == AccountScopeUser && k.Owner == owner && v != 0 {
			assets = append(assets, k.Asset)
		}
	}
	return assets
}

// === Token/balance primitives ===

// Deposit credits owner with amount arriving from custody.
func (bt *BalanceTracker) Deposit(owner common.Address, asset Asset, amount int64, ref string, ts int64) (*Batch, error) {
	b := NewBatch(ref, ts)
	b.Add(NewUserAccountKey(owner, asset), NewExternalAccountKey(SubTypeExternalDeposits, asset), asset, amount, JournalTypeDeposit)
	if err := bt.ApplyBatch(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Withdraw debits owner's free balance back to custody.
func (bt *BalanceTracker) Withdraw(owner common.Address, asset Asset, amount int64, ref string, ts int64) (*Batch, error) {
	b := NewBatch(ref, ts)
	b.Add(NewExternalAccountKey(SubTypeExternalWithdrawals, asset), NewUserAccountKey(owner, asset), asset, amount, JournalTypeWithdrawal)
	if err := bt.ApplyBatch(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Transfer moves amount between two trading accounts.
func (bt *BalanceTracker) Transfer(from, to common.Address, asset Asset, amount int64, ref string, ts int64) (*Batch, error) {
	b := NewBatch(ref, ts)
	b.Add(NewUserAccountKey(to, asset), NewUserAccountKey(from, asset), asset, amount, JournalTypeTradeSettlement)
	if err := bt.ApplyBatch(b); err != nil {
		return nil, err
	}
	return b, nil
}

// === Invariant Checks ===

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[Asset]int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	totals := make(map[Asset]int64)
	for key, balance := range bt.balances {
		totals[key.Asset] += balance
	}
	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing and recovery)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances; used only during startup recovery.
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		if v != 0 {
			bt.balances[k] = v
		}
	}
}

// batchRef is used for ad-hoc movements that carry no upstream event id.
func batchRef() string {
	return uuid.NewString()
}
