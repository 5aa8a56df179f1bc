package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeTradeSettlement
	JournalTypeMatcherFee
	JournalTypeMarginBorrow
	JournalTypeMarginRepay
	JournalTypeLiquidationRepay
	JournalTypeLiquidationCompensation
	JournalTypeLiquidationPremium
	JournalTypeInsuranceCoverage
	JournalTypeInsuranceFunding
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeTradeSettlement:
		return "trade_settlement"
	case JournalTypeMatcherFee:
		return "matcher_fee"
	case JournalTypeMarginBorrow:
		return "margin_borrow"
	case JournalTypeMarginRepay:
		return "margin_repay"
	case JournalTypeLiquidationRepay:
		return "liquidation_repay"
	case JournalTypeLiquidationCompensation:
		return "liquidation_compensation"
	case JournalTypeLiquidationPremium:
		return "liquidation_premium"
	case JournalTypeInsuranceCoverage:
		return "insurance_coverage"
	case JournalTypeInsuranceFunding:
		return "insurance_funding"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Asset         Asset       // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // epoch microseconds
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Timestamp int64
	Journals  []Journal
}

// NewBatch starts an empty batch for one source event.
func NewBatch(eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Timestamp: timestamp,
	}
}

// Add appends a transfer of amount from credit to debit.
func (b *Batch) Add(debit, credit AccountKey, asset Asset, amount int64, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         asset,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount between two accounts of the same
// asset, so a batch is balanced per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
