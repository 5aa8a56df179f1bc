package event

import (
	"MarginLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// MarginSettingsUpdated replaces all five margin settings at once.
// Only the configured admin may submit it.
type MarginSettingsUpdated struct {
	RequestID              uuid.UUID
	Caller                 common.Address
	CollateralAssets       []ledger.Asset
	StakeRisk              uint8
	LiquidationPremium     uint64
	PriceOverdueSeconds    uint64
	PositionOverdueSeconds uint64
	Sequence               int64
}

func (m *MarginSettingsUpdated) IdempotencyKey() string {
	return m.RequestID.String()
}

func (m *MarginSettingsUpdated) EventType() EventType {
	return EventTypeMarginSettingsUpdated
}

func (m *MarginSettingsUpdated) Account() *common.Address {
	return nil // Global event
}

func (m *MarginSettingsUpdated) SourceSequence() int64 {
	return m.Sequence
}

// AssetRisksUpdated sets the risk weight of each listed asset. Assets and
// Weights correspond positionally.
type AssetRisksUpdated struct {
	RequestID uuid.UUID
	Caller    common.Address
	Assets    []ledger.Asset
	Weights   []uint8
	Sequence  int64
}

func (a *AssetRisksUpdated) IdempotencyKey() string {
	return a.RequestID.String()
}

func (a *AssetRisksUpdated) EventType() EventType {
	return EventTypeAssetRisksUpdated
}

func (a *AssetRisksUpdated) Account() *common.Address {
	return nil
}

func (a *AssetRisksUpdated) SourceSequence() int64 {
	return a.Sequence
}

// PairRulesUpdated declares the tick and lot size of an asset pair.
type PairRulesUpdated struct {
	RequestID uuid.UUID
	Caller    common.Address
	Base      ledger.Asset
	Quote     ledger.Asset
	TickSize  int64
	LotSize   int64
	Sequence  int64
}

func (p *PairRulesUpdated) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *PairRulesUpdated) EventType() EventType {
	return EventTypePairRulesUpdated
}

func (p *PairRulesUpdated) Account() *common.Address {
	return nil
}

func (p *PairRulesUpdated) SourceSequence() int64 {
	return p.Sequence
}
