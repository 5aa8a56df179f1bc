package event

import (
	"MarginLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// DepositConfirmed is a custody-confirmed credit to a trading account.
type DepositConfirmed struct {
	DepositID uuid.UUID
	Owner     common.Address
	Asset     ledger.Asset
	Amount    int64 // Fixed-point
	Sequence  int64
}

func (d *DepositConfirmed) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositConfirmed) EventType() EventType {
	return EventTypeDepositConfirmed
}

func (d *DepositConfirmed) Account() *common.Address {
	return addr(d.Owner)
}

func (d *DepositConfirmed) SourceSequence() int64 {
	return d.Sequence
}

// InsuranceFunded credits the insurance fund from custody.
type InsuranceFunded struct {
	FundingID uuid.UUID
	Asset     ledger.Asset
	Amount    int64
	Sequence  int64
}

func (f *InsuranceFunded) IdempotencyKey() string {
	return f.FundingID.String()
}

func (f *InsuranceFunded) EventType() EventType {
	return EventTypeInsuranceFunded
}

func (f *InsuranceFunded) Account() *common.Address {
	return nil // Global event
}

func (f *InsuranceFunded) SourceSequence() int64 {
	return f.Sequence
}
