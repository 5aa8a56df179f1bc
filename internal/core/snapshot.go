package core

import (
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// SnapshotState holds the in-memory state needed for a warm restart.
type SnapshotState struct {
	Sequence               int64 // Last processed sequence
	StateHash              [32]byte
	Ledger                 ledger.LedgerState
	Prices                 []state.PricePoint
	Stakes                 map[common.Address]int64
	Settings               state.MarginSettings
	AssetRisks             map[ledger.Asset]uint8
	PairRules              []state.PairRules
	AccountStates          map[common.Address]state.AccountState
	LiquidationCheckpoints map[common.Address]uint64
	SequenceState          map[string]int64
	IdempotencyKeys        []string
	ConsumedOrders         []common.Hash
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *SettlementController) CreateSnapshotState() *SnapshotState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &SnapshotState{
		Sequence:               c.sequence - 1,
		StateHash:              c.hasher.Tip(),
		Ledger:                 c.ledger.Export(),
		Prices:                 c.oracle.Snapshot(),
		Stakes:                 c.stakes.Snapshot(),
		Settings:               c.cfg.Settings(),
		AssetRisks:             c.cfg.Risks().Snapshot(),
		PairRules:              c.cfg.Pairs().All(),
		AccountStates:          c.liquidation.States(),
		LiquidationCheckpoints: c.liquidation.Checkpoints(),
		SequenceState:          c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys:        c.idempotency.Keys(),
		ConsumedOrders:         c.consumed.Hashes(),
	}
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// Events after snap.Sequence are then replayed from the event log.
func (c *SettlementController) RestoreFromSnapshot(snap *SnapshotState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence = snap.Sequence + 1
	c.hasher.Resume(snap.StateHash)

	c.ledger.Restore(snap.Ledger)
	c.oracle.Restore(snap.Prices)
	c.stakes.Restore(snap.Stakes)
	c.cfg.Restore(snap.Settings)
	c.cfg.Risks().Restore(snap.AssetRisks)
	c.cfg.Pairs().Restore(snap.PairRules)
	c.liquidation.RestoreStates(snap.AccountStates)
	c.liquidation.RestoreCheckpoints(snap.LiquidationCheckpoints)

	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)
	c.consumed.Restore(snap.ConsumedOrders)
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *SettlementController) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.WarmFromKeys(keys)
}
