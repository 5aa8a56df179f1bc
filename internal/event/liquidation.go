package event

import (
	"MarginLedger/internal/ledger"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// LiquidationRequested is a liquidator's attempt to close an account's
// position. Snapshot is the account version the liquidator evaluated.
type LiquidationRequested struct {
	RequestID  uuid.UUID
	Liquidator common.Address
	Owner      common.Address
	Asset      ledger.Asset
	Snapshot   uint64
	Sequence   int64
}

func (l *LiquidationRequested) IdempotencyKey() string {
	return l.RequestID.String()
}

func (l *LiquidationRequested) EventType() EventType {
	return EventTypeLiquidationRequested
}

func (l *LiquidationRequested) Account() *common.Address {
	return addr(l.Owner)
}

func (l *LiquidationRequested) SourceSequence() int64 {
	return l.Sequence
}

// LiquidationExecuted is emitted by the core after a liquidation commits.
type LiquidationExecuted struct {
	LiquidationID uuid.UUID
	Liquidator    common.Address
	Owner         common.Address
	Asset         ledger.Asset
	Snapshot      uint64
	Price         int64
	ClosedAmount  int64
	ClosedValue   int64
	PremiumValue  int64
	InsurancePaid int64
	Deficit       int64 // If positive, nobody covered this value
	Timestamp     int64 // epoch microseconds
}

func (l *LiquidationExecuted) IdempotencyKey() string {
	return fmt.Sprintf("%s:executed", l.LiquidationID)
}

func (l *LiquidationExecuted) EventType() EventType {
	return EventTypeLiquidationExecuted
}

func (l *LiquidationExecuted) Account() *common.Address {
	return addr(l.Owner)
}

func (l *LiquidationExecuted) SourceSequence() int64 {
	return 0
}

// AccountStatusChanged is emitted by the core when an account moves between
// risk states.
type AccountStatusChanged struct {
	Owner     common.Address
	From      string
	To        string
	Ratio     int64 // RatioScale
	Snapshot  uint64
	Timestamp int64 // epoch microseconds
}

func (a *AccountStatusChanged) IdempotencyKey() string {
	return fmt.Sprintf("status:%s:%d:%s", a.Owner.Hex(), a.Snapshot, a.To)
}

func (a *AccountStatusChanged) EventType() EventType {
	return EventTypeAccountStatusChanged
}

func (a *AccountStatusChanged) Account() *common.Address {
	return addr(a.Owner)
}

func (a *AccountStatusChanged) SourceSequence() int64 {
	return int64(a.Snapshot)
}
