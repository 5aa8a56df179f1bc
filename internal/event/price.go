package event

import (
	"MarginLedger/internal/ledger"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PriceUpdate represents a signed price observation from the oracle
type PriceUpdate struct {
	Asset         ledger.Asset
	Price         int64 // Fixed-point: quote units per asset unit
	PriceSequence int64 // Monotonic per asset
	ObservedAt    time.Time
	Signature     hexutil.Bytes
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Asset, p.PriceSequence)
}

func (p *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (p *PriceUpdate) Account() *common.Address {
	return nil // Global event
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}

// StakeUpdate mirrors a staker's bonded amount from the staking contract.
// Sequence is the block number the amount was read at.
type StakeUpdate struct {
	Staker   common.Address
	Amount   int64
	Sequence int64
}

func (s *StakeUpdate) IdempotencyKey() string {
	return fmt.Sprintf("stake:%s:%d", s.Staker.Hex(), s.Sequence)
}

func (s *StakeUpdate) EventType() EventType {
	return EventTypeStakeUpdate
}

func (s *StakeUpdate) Account() *common.Address {
	return addr(s.Staker)
}

func (s *StakeUpdate) SourceSequence() int64 {
	return s.Sequence
}
