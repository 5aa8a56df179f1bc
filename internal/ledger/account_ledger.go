package ledger

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Position is a margin liability: an amount of an asset the account owes to
// the margin pool. Size is always negative while the position is open.
type Position struct {
	Owner    common.Address
	Asset    Asset
	Size     int64
	OpenedAt time.Time
}

// Liability returns the owed amount as a positive number.
func (p Position) Liability() int64 {
	return -p.Size
}

// Holdings is the read view of account state used by risk evaluation.
// Both the committed ledger and an uncommitted Tx implement it.
type Holdings interface {
	FreeBalance(owner common.Address, asset Asset) int64
	HeldAssets(owner common.Address) []Asset
	Positions(owner common.Address) []Position
	Version(owner common.Address) uint64
}

// Account is a point-in-time copy of one trading account.
type Account struct {
	Owner     common.Address
	CreatedAt time.Time
	Version   uint64
	Free      map[Asset]int64
	Positions []Position
}

type accountEntry struct {
	createdAt time.Time
	version   uint64
	positions map[Asset]*Position
}

// AccountLedger owns per-account balances and positions and is the only
// mutator of either. Accounts are materialised on first credit with no
// balances, no positions and version 0.
type AccountLedger struct {
	mu       sync.RWMutex
	tracker  *BalanceTracker
	accounts map[common.Address]*accountEntry
}

func NewAccountLedger(tracker *BalanceTracker) *AccountLedger {
	return &AccountLedger{
		tracker:  tracker,
		accounts: make(map[common.Address]*accountEntry),
	}
}

// Tracker exposes the underlying balance tracker.
func (l *AccountLedger) Tracker() *BalanceTracker {
	return l.tracker
}

// Exists reports whether owner has been materialised.
func (l *AccountLedger) Exists(owner common.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.accounts[owner]
	return ok
}

func (l *AccountLedger) FreeBalance(owner common.Address, asset Asset) int64 {
	return l.tracker.FreeBalance(owner, asset)
}

func (l *AccountLedger) HeldAssets(owner common.Address) []Asset {
	assets := l.tracker.HeldAssets(owner)
	sortAssets(assets)
	return assets
}

// Positions returns owner's open positions ordered by asset.
func (l *AccountLedger) Positions(owner common.Address) []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.accounts[owner]
	if !ok {
		return nil
	}
	return sortedPositions(entry.positions)
}

// Position returns owner's open position in asset, if any.
func (l *AccountLedger) Position(owner common.Address, asset Asset) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.accounts[owner]
	if !ok {
		return Position{}, false
	}
	p, ok := entry.positions[asset]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Version is bumped on every committed change to the account and serves as
// the evaluation snapshot id.
func (l *AccountLedger) Version(owner common.Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if entry, ok := l.accounts[owner]; ok {
		return entry.version
	}
	return 0
}

// Account returns a copy of owner's state; the zero state if never touched.
func (l *AccountLedger) Account(owner common.Address) Account {
	return l.View(owner).Account()
}

// View copies owner's balances and positions under the ledger lock, so the
// result never mixes two commits.
func (l *AccountLedger) View(owner common.Address) *AccountView {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acct := Account{Owner: owner, Free: make(map[Asset]int64)}
	for _, a := range l.tracker.HeldAssets(owner) {
		acct.Free[a] = l.tracker.FreeBalance(owner, a)
	}
	if entry, ok := l.accounts[owner]; ok {
		acct.CreatedAt = entry.createdAt
		acct.Version = entry.version
		acct.Positions = sortedPositions(entry.positions)
	}
	return &AccountView{acct: acct}
}

// Accounts lists every materialised account in a stable order.
func (l *AccountLedger) Accounts() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]common.Address, 0, len(l.accounts))
	for owner := range l.accounts {
		out = append(out, owner)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// InsuranceBalance returns the insurance fund's holding of asset.
func (l *AccountLedger) InsuranceBalance(asset Asset) int64 {
	return l.tracker.GetBalance(NewSystemAccountKey(SubTypeInsuranceFund, asset))
}

// TotalLiability sums every open position in asset.
func (l *AccountLedger) TotalLiability(asset Asset) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, entry := range l.accounts {
		if p, ok := entry.positions[asset]; ok {
			total += p.Liability()
		}
	}
	return total
}

// LedgerState is the serialisable form of the ledger used for snapshots.
type LedgerState struct {
	Balances  map[AccountKey]int64
	Positions []Position
	Versions  map[common.Address]uint64
	Created   map[common.Address]time.Time
}

// Export captures the full ledger state.
func (l *AccountLedger) Export() LedgerState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := LedgerState{
		Balances: l.tracker.Snapshot(),
		Versions: make(map[common.Address]uint64, len(l.accounts)),
		Created:  make(map[common.Address]time.Time, len(l.accounts)),
	}
	for owner, entry := range l.accounts {
		st.Versions[owner] = entry.version
		st.Created[owner] = entry.createdAt
		st.Positions = append(st.Positions, sortedPositions(entry.positions)...)
	}
	return st
}

// Restore replaces the ledger state; used only during startup recovery.
func (l *AccountLedger) Restore(st LedgerState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tracker.Restore(st.Balances)
	l.accounts = make(map[common.Address]*accountEntry, len(st.Versions))
	for owner, v := range st.Versions {
		l.accounts[owner] = &accountEntry{
			createdAt: st.Created[owner],
			version:   v,
			positions: make(map[Asset]*Position),
		}
	}
	for _, p := range st.Positions {
		entry, ok := l.accounts[p.Owner]
		if !ok {
			entry = &accountEntry{positions: make(map[Asset]*Position)}
			l.accounts[p.Owner] = entry
		}
		pos := p
		entry.positions[p.Asset] = &pos
	}
}

func sortedPositions(m map[Asset]*Position) []Position {
	out := make([]Position, 0, len(m))
	for _, p := range m {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func sortAssets(assets []Asset) {
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })
}

// CanonicalBytes returns deterministic serialization for hashing
func (p Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, p.Owner.Bytes()...)
	buf = append(buf, byte(len(p.Asset)))
	buf = append(buf, []byte(p.Asset)...)
	buf = appendInt64LE(buf, p.Size)
	buf = appendInt64LE(buf, p.OpenedAt.UnixMicro())
	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
