package projection_test

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/projection"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	keeper = common.HexToAddress("0x000000000000000000000000000000000000beef")
	t0     = time.Unix(1_700_000_000, 0).UTC()
)

func record(owner, liquidator common.Address, seq int64) projection.LiquidationRecord {
	return projection.LiquidationRecord{
		LiquidationID: uuid.New(),
		Owner:         owner,
		Liquidator:    liquidator,
		Asset:         "WBTC",
		ClosedAmount:  seq * 1_000,
		Sequence:      seq,
		ExecutedAt:    t0.Add(time.Duration(seq) * time.Second),
	}
}

func TestLiquidationHistory_NewestFirstPerAccount(t *testing.T) {
	h := projection.NewLiquidationHistory(16)
	h.Add(record(alice, keeper, 1))
	h.Add(record(bob, keeper, 2))
	h.Add(record(alice, keeper, 3))
	h.Add(record(alice, bob, 4))

	got := h.QueryByAccount(alice, 10)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{4, 3, 1}, []int64{got[0].Sequence, got[1].Sequence, got[2].Sequence})

	limited := h.QueryByAccount(alice, 2)
	assert.Len(t, limited, 2)

	byKeeper := h.QueryByLiquidator(keeper, 10)
	assert.Len(t, byKeeper, 3)

	assert.Empty(t, h.QueryByAccount(common.HexToAddress("0x01"), 10))
}

func TestLiquidationHistory_EvictsOldest(t *testing.T) {
	h := projection.NewLiquidationHistory(3)
	for seq := int64(1); seq <= 5; seq++ {
		h.Add(record(alice, keeper, seq))
	}

	assert.Equal(t, 3, h.Len())
	recent := h.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, int64(5), recent[0].Sequence)
	assert.Equal(t, int64(3), recent[2].Sequence)
}

func TestRecordFromEvent(t *testing.T) {
	e := &event.LiquidationExecuted{
		LiquidationID: uuid.New(),
		Liquidator:    keeper,
		Owner:         alice,
		Asset:         "WBTC",
		Price:         3_000_000_000_000,
		ClosedAmount:  50_000_000,
		ClosedValue:   1_500_000_000_000,
		PremiumValue:  150_000_000_000,
		InsurancePaid: 7,
		Deficit:       3,
	}

	r := projection.RecordFromEvent(e, 12, t0)

	assert.Equal(t, e.LiquidationID, r.LiquidationID)
	assert.Equal(t, alice, r.Owner)
	assert.Equal(t, keeper, r.Liquidator)
	assert.Equal(t, e.PremiumValue, r.PremiumValue)
	assert.Equal(t, int64(3), r.Deficit)
	assert.Equal(t, int64(12), r.Sequence)
	assert.True(t, r.ExecutedAt.Equal(t0))
}

func TestFromCoreOutput_FlattensJournals(t *testing.T) {
	batch := ledger.NewBatch("dep-1", t0.UnixMicro())
	batch.Add(
		ledger.NewUserAccountKey(alice, "USDC"),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDC"),
		"USDC", 250, ledger.JournalTypeDeposit,
	)
	owner := alice
	payload, err := json.Marshal(&event.DepositConfirmed{Owner: alice, Asset: "USDC", Amount: 250})
	require.NoError(t, err)

	p := projection.FromCoreOutput(core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:  3,
			EventType: event.EventTypeDepositConfirmed,
			Account:   &owner,
			Timestamp: t0,
			Payload:   payload,
		},
		Batch: batch,
	})

	assert.Equal(t, int64(3), p.Sequence)
	assert.Equal(t, event.EventTypeDepositConfirmed, p.EventType)
	require.NotNil(t, p.Account)
	assert.Equal(t, alice.Hex(), *p.Account)
	require.Len(t, p.Journals, 1)
	assert.Equal(t, "user:"+alice.Hex()+":free:USDC", p.Journals[0].DebitAccount)
	assert.Equal(t, "external:deposits:USDC", p.Journals[0].CreditAccount)
	assert.Equal(t, int64(250), p.Journals[0].Amount)
}

func TestFromCoreOutput_NoBatch(t *testing.T) {
	p := projection.FromCoreOutput(core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: 4, EventType: event.EventTypeStakeUpdate},
	})
	assert.Nil(t, p.Account)
	assert.Empty(t, p.Journals)
}
