package projection

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// LiquidationRecord is one executed liquidation.
type LiquidationRecord struct {
	LiquidationID uuid.UUID
	Owner         common.Address
	Liquidator    common.Address
	Asset         ledger.Asset
	Price         int64
	ClosedAmount  int64
	ClosedValue   int64
	PremiumValue  int64
	InsurancePaid int64
	Deficit       int64
	Sequence      int64
	ExecutedAt    time.Time
}

// RecordFromEvent builds a record from a committed LiquidationExecuted.
func RecordFromEvent(e *event.LiquidationExecuted, seq int64, at time.Time) LiquidationRecord {
	return LiquidationRecord{
		LiquidationID: e.LiquidationID,
		Owner:         e.Owner,
		Liquidator:    e.Liquidator,
		Asset:         e.Asset,
		Price:         e.Price,
		ClosedAmount:  e.ClosedAmount,
		ClosedValue:   e.ClosedValue,
		PremiumValue:  e.PremiumValue,
		InsurancePaid: e.InsurancePaid,
		Deficit:       e.Deficit,
		Sequence:      seq,
		ExecutedAt:    at,
	}
}

// LiquidationHistory keeps the most recent liquidations in memory for the
// query API. Older entries live only in projections.liquidation_history.
type LiquidationHistory struct {
	mu       sync.RWMutex
	entries  []LiquidationRecord
	capacity int
}

func NewLiquidationHistory(capacity int) *LiquidationHistory {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &LiquidationHistory{
		entries:  make([]LiquidationRecord, 0, capacity),
		capacity: capacity,
	}
}

// Add records a liquidation, evicting the oldest once full.
func (h *LiquidationHistory) Add(r LiquidationRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) == h.capacity {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, r)
}

// QueryByAccount returns up to limit liquidations of owner, newest first.
func (h *LiquidationHistory) QueryByAccount(owner common.Address, limit int) []LiquidationRecord {
	return h.query(limit, func(r LiquidationRecord) bool { return r.Owner == owner })
}

// QueryByLiquidator returns up to limit liquidations performed by liquidator,
// newest first.
func (h *LiquidationHistory) QueryByLiquidator(liquidator common.Address, limit int) []LiquidationRecord {
	return h.query(limit, func(r LiquidationRecord) bool { return r.Liquidator == liquidator })
}

// Recent returns up to limit liquidations, newest first.
func (h *LiquidationHistory) Recent(limit int) []LiquidationRecord {
	return h.query(limit, func(LiquidationRecord) bool { return true })
}

func (h *LiquidationHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

func (h *LiquidationHistory) query(limit int, match func(LiquidationRecord) bool) []LiquidationRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationRecord, 0)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if match(h.entries[i]) {
			result = append(result, h.entries[i])
		}
	}
	return result
}
