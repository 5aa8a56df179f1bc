package persistence_test

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/order"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/state"
	"MarginLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationCore(persist chan<- core.CoreOutput, start int64) *core.SettlementController {
	return core.NewSettlementController(core.Options{
		Domain:         order.Domain{Name: "MarginLedger", Version: "1", ChainID: 1},
		Admin:          common.HexToAddress("0x000000000000000000000000000000000000ad51"),
		StakeAsset:     "ORN",
		InsuranceAsset: "USDC",
		HealthyMargin:  -1,
		Settings: state.MarginSettings{
			CollateralAssets:   []ledger.Asset{"USDC", "WBTC"},
			StakeRisk:          255,
			LiquidationPremium: 10,
		},
		AssetRisks:    map[ledger.Asset]uint8{"USDC": 255, "WBTC": 204},
		StartSequence: start,
		Clock:         func() time.Time { return t0 },
		PersistChan:   persist,
	})
}

func TestIntegration_WriteThenReplay(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	coreOut := make(chan core.CoreOutput, 64)
	c := newIntegrationCore(coreOut, 1)

	require.NoError(t, c.Deposit(alice, "USDC", 100_000_000_000))
	require.NoError(t, c.Deposit(bob, "WBTC", 50_000_000))
	require.NoError(t, c.FundInsurance("USDC", 10_000_000_000))
	close(coreOut)

	workerIn := make(chan persistence.CoreOutput, 64)
	for out := range coreOut {
		workerIn <- persistence.FromCoreOutput(out)
	}
	close(workerIn)

	worker := persistence.NewPersistenceWorker(db, workerIn, 2, 5*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	snapMgr := persistence.NewSnapshotManager(db)
	head, err := snapMgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, c.GetSequence()-1, head)

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate("InsuranceFunded", mustFirstKey(t, snapMgr, "InsuranceFunded"))
	require.NoError(t, err)
	assert.True(t, dup)

	// A fresh core fed the log ends at the same state hash.
	replica := newIntegrationCore(nil, 1)
	envs, err := snapMgr.LoadEventsFrom(ctx, 1, 1000)
	require.NoError(t, err)
	for _, env := range envs {
		require.NoError(t, replica.Replay(env))
	}
	assert.Equal(t, c.GetStateHash(), replica.GetStateHash())
	assert.Equal(t, c.Ledger().FreeBalance(alice, "USDC"), replica.Ledger().FreeBalance(alice, "USDC"))
}

func TestIntegration_SnapshotSaveLoad(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	snapMgr := persistence.NewSnapshotManager(db)

	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "no snapshot before the first save")

	data := persistence.FromCoreSnapshot(sampleSnapshot(), t0)
	require.NoError(t, snapMgr.SaveSnapshot(ctx, data))

	loaded, err = snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "unverified snapshots are not loaded")

	require.NoError(t, snapMgr.MarkVerified(ctx, data.Sequence))
	loaded, err = snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, data.Sequence, loaded.Sequence)
	assert.Equal(t, data.Balances, loaded.Balances)
}

func mustFirstKey(t *testing.T, snapMgr *persistence.SnapshotManager, eventType string) string {
	t.Helper()
	envs, err := snapMgr.LoadEventsFrom(context.Background(), 1, 1000)
	require.NoError(t, err)
	for _, env := range envs {
		if env.EventType.String() == eventType {
			return env.IdempotencyKey
		}
	}
	t.Fatalf("no %s in event log", eventType)
	return ""
}
