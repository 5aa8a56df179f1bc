package event

import (
	"MarginLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// WithdrawalRequested represents a user's request to withdraw funds
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID
	Owner        common.Address
	Asset        ledger.Asset
	Amount       int64 // Fixed-point
	Sequence     int64
}

func (w *WithdrawalRequested) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalRequested) EventType() EventType {
	return EventTypeWithdrawalRequested
}

func (w *WithdrawalRequested) Account() *common.Address {
	return addr(w.Owner)
}

func (w *WithdrawalRequested) SourceSequence() int64 {
	return w.Sequence
}

// CloseOutRequested is a voluntary repayment of the owner's liability in
// Asset, funded from custody.
type CloseOutRequested struct {
	RequestID uuid.UUID
	Owner     common.Address
	Asset     ledger.Asset
	Amount    int64 // Upper bound; at most the outstanding liability is repaid
	Sequence  int64
}

func (c *CloseOutRequested) IdempotencyKey() string {
	return c.RequestID.String()
}

func (c *CloseOutRequested) EventType() EventType {
	return EventTypeCloseOutRequested
}

func (c *CloseOutRequested) Account() *common.Address {
	return addr(c.Owner)
}

func (c *CloseOutRequested) SourceSequence() int64 {
	return c.Sequence
}
