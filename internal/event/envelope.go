package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeTradeSubmitted
	EventTypeDepositConfirmed
	EventTypeWithdrawalRequested
	EventTypePriceUpdate
	EventTypeLiquidationRequested
	EventTypeLiquidationExecuted
	EventTypeCloseOutRequested
	EventTypeStakeUpdate
	EventTypeInsuranceFunded
	EventTypeMarginSettingsUpdated
	EventTypeAssetRisksUpdated
	EventTypePairRulesUpdated
	EventTypeAccountStatusChanged
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Account context (nil for global events)
	Account *common.Address

	// Time the core processed the event
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Account returns the account context (nil for global events)
	Account() *common.Address

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeTradeSubmitted:
		return "TradeSubmitted"
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	case EventTypeWithdrawalRequested:
		return "WithdrawalRequested"
	case EventTypePriceUpdate:
		return "PriceUpdate"
	case EventTypeLiquidationRequested:
		return "LiquidationRequested"
	case EventTypeLiquidationExecuted:
		return "LiquidationExecuted"
	case EventTypeCloseOutRequested:
		return "CloseOutRequested"
	case EventTypeStakeUpdate:
		return "StakeUpdate"
	case EventTypeInsuranceFunded:
		return "InsuranceFunded"
	case EventTypeMarginSettingsUpdated:
		return "MarginSettingsUpdated"
	case EventTypeAssetRisksUpdated:
		return "AssetRisksUpdated"
	case EventTypePairRulesUpdated:
		return "PairRulesUpdated"
	case EventTypeAccountStatusChanged:
		return "AccountStatusChanged"
	default:
		return "Unknown"
	}
}

func addr(a common.Address) *common.Address {
	return &a
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	for et := EventTypeTradeSubmitted; et <= EventTypeAccountStatusChanged; et++ {
		if et.String() == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}
