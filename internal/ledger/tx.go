package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrNoLiability   = errors.New("no outstanding liability")
)

// Tx stages a set of balance movements and position changes on top of the
// committed ledger. Reads through a Tx see the staged state, so risk can be
// evaluated before anything is applied. Nothing is visible to other readers
// until Commit. A Tx is not safe for concurrent use and callers must
// serialise commits against the same ledger.
type Tx struct {
	l       *AccountLedger
	batch   *Batch
	now     time.Time
	deltas  map[AccountKey]int64
	staged  map[common.Address]map[Asset]*Position
	created map[common.Address]bool
	touched map[common.Address]bool
}

// Begin opens a staging transaction. An empty eventRef gets a generated one.
func (l *AccountLedger) Begin(eventRef string, now time.Time) *Tx {
	if eventRef == "" {
		eventRef = batchRef()
	}
	return &Tx{
		l:       l,
		batch:   NewBatch(eventRef, now.UnixMicro()),
		now:     now,
		deltas:  make(map[AccountKey]int64),
		staged:  make(map[common.Address]map[Asset]*Position),
		created: make(map[common.Address]bool),
		touched: make(map[common.Address]bool),
	}
}

// === Holdings view ===

func (tx *Tx) FreeBalance(owner common.Address, asset Asset) int64 {
	key := NewUserAccountKey(owner, asset)
	return tx.l.tracker.GetBalance(key) + tx.deltas[key]
}

func (tx *Tx) HeldAssets(owner common.Address) []Asset {
	seen := make(map[Asset]bool)
	for _, a := range tx.l.tracker.HeldAssets(owner) {
		seen[a] = true
	}
	for k := range tx.deltas {
		if k.Scope == AccountScopeUser && k.Owner == owner {
			seen[k.Asset] = true
		}
	}

	var out []Asset
	for a := range seen {
		if tx.FreeBalance(owner, a) != 0 {
			out = append(out, a)
		}
	}
	sortAssets(out)
	return out
}

func (tx *Tx) Positions(owner common.Address) []Position {
	if m, ok := tx.staged[owner]; ok {
		return sortedPositions(m)
	}
	return tx.l.Positions(owner)
}

func (tx *Tx) Version(owner common.Address) uint64 {
	return tx.l.Version(owner)
}

// Position returns the staged position of owner in asset.
func (tx *Tx) Position(owner common.Address, asset Asset) (Position, bool) {
	if m, ok := tx.staged[owner]; ok {
		p, ok := m[asset]
		if !ok {
			return Position{}, false
		}
		return *p, true
	}
	return tx.l.Position(owner, asset)
}

// InsuranceBalance returns the staged insurance fund balance of asset.
func (tx *Tx) InsuranceBalance(asset Asset) int64 {
	key := NewSystemAccountKey(SubTypeInsuranceFund, asset)
	return tx.l.tracker.GetBalance(key) + tx.deltas[key]
}

// Batch exposes the journals staged so far.
func (tx *Tx) Batch() *Batch {
	return tx.batch
}

// === Movements ===

// Deposit credits owner from custody and repays any liability in asset.
func (tx *Tx) Deposit(owner common.Address, asset Asset, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	tx.materialise(owner)
	tx.move(NewUserAccountKey(owner, asset), NewExternalAccountKey(SubTypeExternalDeposits, asset), asset, amount, JournalTypeDeposit)
	tx.repayFromFree(owner, asset)
	return nil
}

// Withdraw returns amount of owner's free balance to custody.
func (tx *Tx) Withdraw(owner common.Address, asset Asset, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := tx.require(owner, asset, amount); err != nil {
		return err
	}
	tx.move(NewExternalAccountKey(SubTypeExternalWithdrawals, asset), NewUserAccountKey(owner, asset), asset, amount, JournalTypeWithdrawal)
	return nil
}

// Settle moves amount from one trading account to another. With borrow set,
// any shortfall in the payer's free balance is borrowed from the margin pool
// and recorded as a position. The receiver's liability in asset is repaid
// first out of what it receives.
func (tx *Tx) Settle(from, to common.Address, asset Asset, amount int64, borrow bool) error {
	return tx.settle(from, to, asset, amount, borrow, JournalTypeTradeSettlement)
}

// PayFee is Settle for a matcher fee.
func (tx *Tx) PayFee(from, matcher common.Address, asset Asset, amount int64, borrow bool) error {
	return tx.settle(from, matcher, asset, amount, borrow, JournalTypeMatcherFee)
}

func (tx *Tx) settle(from, to common.Address, asset Asset, amount int64, borrow bool, jt JournalType) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if free := tx.FreeBalance(from, asset); free < amount {
		if !borrow {
			return fmt.Errorf("%s %s: have=%d, need=%d: %w", from.Hex(), asset, free, amount, ErrInsufficientFunds)
		}
		shortfall := amount - max(free, 0)
		tx.borrow(from, asset, shortfall)
	}
	tx.materialise(to)
	tx.move(NewUserAccountKey(to, asset), NewUserAccountKey(from, asset), asset, amount, jt)
	tx.repayFromFree(to, asset)
	return nil
}

// Transfer moves amount between trading accounts without borrowing.
func (tx *Tx) Transfer(from, to common.Address, asset Asset, amount int64, jt JournalType) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := tx.require(from, asset, amount); err != nil {
		return err
	}
	tx.materialise(to)
	tx.move(NewUserAccountKey(to, asset), NewUserAccountKey(from, asset), asset, amount, jt)
	tx.repayFromFree(to, asset)
	return nil
}

// Repay is a voluntary close-out: it pays down up to amount of owner's
// liability in asset with funds arriving from custody. It returns the amount
// actually repaid; nothing beyond the liability is taken.
func (tx *Tx) Repay(owner common.Address, asset Asset, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	pos, ok := tx.Position(owner, asset)
	if !ok {
		return 0, ErrNoLiability
	}
	amt := min(amount, pos.Liability())
	tx.move(NewSystemAccountKey(SubTypeMarginPool, asset), NewExternalAccountKey(SubTypeExternalDeposits, asset), asset, amt, JournalTypeMarginRepay)
	tx.reducePosition(owner, asset, amt)
	return amt, nil
}

// RepayFor pays down owner's liability using payer's free balance.
func (tx *Tx) RepayFor(payer, owner common.Address, asset Asset, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	pos, ok := tx.Position(owner, asset)
	if !ok {
		return ErrNoLiability
	}
	if amount > pos.Liability() {
		return fmt.Errorf("repay %d exceeds liability %d: %w", amount, pos.Liability(), ErrInvalidAmount)
	}
	if err := tx.require(payer, asset, amount); err != nil {
		return err
	}
	tx.move(NewSystemAccountKey(SubTypeMarginPool, asset), NewUserAccountKey(payer, asset), asset, amount, JournalTypeLiquidationRepay)
	tx.reducePosition(owner, asset, amount)
	return nil
}

// FundInsurance credits the insurance fund from custody.
func (tx *Tx) FundInsurance(asset Asset, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	tx.move(NewSystemAccountKey(SubTypeInsuranceFund, asset), NewExternalAccountKey(SubTypeExternalDeposits, asset), asset, amount, JournalTypeInsuranceFunding)
	return nil
}

// CoverFromInsurance pays amount from the insurance fund to a trading account.
func (tx *Tx) CoverFromInsurance(to common.Address, asset Asset, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if have := tx.InsuranceBalance(asset); have < amount {
		return fmt.Errorf("insurance %s: have=%d, need=%d: %w", asset, have, amount, ErrInsufficientFunds)
	}
	tx.materialise(to)
	tx.move(NewUserAccountKey(to, asset), NewSystemAccountKey(SubTypeInsuranceFund, asset), asset, amount, JournalTypeInsuranceCoverage)
	tx.repayFromFree(to, asset)
	return nil
}

// Commit applies the staged batch atomically and publishes position and
// version changes. On error nothing is applied.
func (tx *Tx) Commit() (*Batch, error) {
	l := tx.l
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(tx.batch.Journals) > 0 {
		if err := l.tracker.ApplyBatch(tx.batch); err != nil {
			return nil, err
		}
	}

	for owner := range tx.created {
		if _, ok := l.accounts[owner]; !ok {
			l.accounts[owner] = &accountEntry{
				createdAt: tx.now,
				positions: make(map[Asset]*Position),
			}
		}
	}
	for owner, positions := range tx.staged {
		entry, ok := l.accounts[owner]
		if !ok {
			entry = &accountEntry{createdAt: tx.now}
			l.accounts[owner] = entry
		}
		entry.positions = positions
	}
	for owner := range tx.touched {
		if entry, ok := l.accounts[owner]; ok {
			entry.version++
		}
	}

	return tx.batch, nil
}

// === internals ===

func (tx *Tx) move(debit, credit AccountKey, asset Asset, amount int64, jt JournalType) {
	tx.batch.Add(debit, credit, asset, amount, jt)
	tx.deltas[debit] += amount
	tx.deltas[credit] -= amount
	if debit.IsUser() {
		tx.touched[debit.Owner] = true
	}
	if credit.IsUser() {
		tx.touched[credit.Owner] = true
	}
}

func (tx *Tx) require(owner common.Address, asset Asset, amount int64) error {
	if free := tx.FreeBalance(owner, asset); free < amount {
		return fmt.Errorf("%s %s: have=%d, need=%d: %w", owner.Hex(), asset, free, amount, ErrInsufficientFunds)
	}
	return nil
}

func (tx *Tx) materialise(owner common.Address) {
	if !tx.l.Exists(owner) {
		tx.created[owner] = true
	}
}

// stagedPositions returns a mutable copy of owner's positions.
func (tx *Tx) stagedPositions(owner common.Address) map[Asset]*Position {
	if m, ok := tx.staged[owner]; ok {
		return m
	}
	m := make(map[Asset]*Position)
	for _, p := range tx.l.Positions(owner) {
		pos := p
		m[p.Asset] = &pos
	}
	tx.staged[owner] = m
	return m
}

// borrow opens or extends a position. OpenedAt is kept from the first open.
func (tx *Tx) borrow(owner common.Address, asset Asset, amount int64) {
	tx.materialise(owner)
	tx.move(NewUserAccountKey(owner, asset), NewSystemAccountKey(SubTypeMarginPool, asset), asset, amount, JournalTypeMarginBorrow)

	m := tx.stagedPositions(owner)
	if p, ok := m[asset]; ok {
		p.Size -= amount
		return
	}
	m[asset] = &Position{Owner: owner, Asset: asset, Size: -amount, OpenedAt: tx.now}
}

func (tx *Tx) repayFromFree(owner common.Address, asset Asset) {
	pos, ok := tx.Position(owner, asset)
	if !ok {
		return
	}
	amt := min(tx.FreeBalance(owner, asset), pos.Liability())
	if amt <= 0 {
		return
	}
	tx.move(NewSystemAccountKey(SubTypeMarginPool, asset), NewUserAccountKey(owner, asset), asset, amt, JournalTypeMarginRepay)
	tx.reducePosition(owner, asset, amt)
}

func (tx *Tx) reducePosition(owner common.Address, asset Asset, amount int64) {
	m := tx.stagedPositions(owner)
	p, ok := m[asset]
	if !ok {
		return
	}
	p.Size += amount
	if p.Size >= 0 {
		delete(m, asset)
	}
	tx.touched[owner] = true
}
