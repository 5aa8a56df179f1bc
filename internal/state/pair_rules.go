package state

import (
	"MarginLedger/internal/ledger"
	"fmt"
	"sync"
)

// PairRules defines the price and quantity grid of one asset pair.
type PairRules struct {
	Base     ledger.Asset
	Quote    ledger.Asset
	TickSize int64 // Minimum price increment
	LotSize  int64 // Minimum quantity increment
}

// ValidatePairRules checks that tick_size > 0 and lot_size > 0.
func ValidatePairRules(r PairRules) error {
	if r.Base == "" || r.Quote == "" {
		return fmt.Errorf("pair assets must be set")
	}
	if r.Base == r.Quote {
		return fmt.Errorf("base and quote must differ, got %s", r.Base)
	}
	if r.TickSize <= 0 {
		return fmt.Errorf("tick_size must be > 0, got %d", r.TickSize)
	}
	if r.LotSize <= 0 {
		return fmt.Errorf("lot_size must be > 0, got %d", r.LotSize)
	}
	return nil
}

type pairKey struct {
	base, quote ledger.Asset
}

// PairRulesTable stores declared pair rules. A pair without rules has no
// tick or lot constraint.
type PairRulesTable struct {
	mu    sync.RWMutex
	rules map[pairKey]PairRules
}

func NewPairRulesTable() *PairRulesTable {
	return &PairRulesTable{
		rules: make(map[pairKey]PairRules),
	}
}

func (t *PairRulesTable) Get(base, quote ledger.Asset) (PairRules, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rules[pairKey{base, quote}]
	return r, ok
}

// All returns every declared pair.
func (t *PairRulesTable) All() []PairRules {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PairRules, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r)
	}
	return out
}

func (t *PairRulesTable) update(r PairRules) error {
	if err := ValidatePairRules(r); err != nil {
		return fmt.Errorf("invalid pair rules for %s/%s: %w", r.Base, r.Quote, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules[pairKey{r.Base, r.Quote}] = r
	return nil
}

// Restore replaces all rules; used only during startup recovery. Invalid
// entries are skipped.
func (t *PairRulesTable) Restore(rules []PairRules) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rules = make(map[pairKey]PairRules, len(rules))
	for _, r := range rules {
		if ValidatePairRules(r) == nil {
			t.rules[pairKey{r.Base, r.Quote}] = r
		}
	}
}
