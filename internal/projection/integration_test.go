package projection_test

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/order"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"
	"MarginLedger/internal/state"
	"MarginLedger/internal/testutil"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func projectedBalance(t *testing.T, db *sql.DB, path, asset string) int64 {
	t.Helper()
	var bal int64
	err := db.QueryRow(`
		SELECT balance FROM projections.balances WHERE account_path = $1 AND asset = $2
	`, path, asset).Scan(&bal)
	require.NoError(t, err)
	return bal
}

func TestIntegration_ProjectAndRebuild(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	outputs := make(chan core.CoreOutput, 64)
	c := core.NewSettlementController(core.Options{
		Domain:         order.Domain{Name: "MarginLedger", Version: "1", ChainID: 1},
		Admin:          common.HexToAddress("0x000000000000000000000000000000000000ad51"),
		StakeAsset:     "ORN",
		InsuranceAsset: "USDC",
		HealthyMargin:  -1,
		Settings: state.MarginSettings{
			CollateralAssets:   []ledger.Asset{"USDC"},
			StakeRisk:          255,
			LiquidationPremium: 10,
		},
		AssetRisks:     map[ledger.Asset]uint8{"USDC": 255},
		StartSequence:  1,
		Clock:          func() time.Time { return t0 },
		PersistChan:    outputs,
	})

	require.NoError(t, c.Deposit(alice, "USDC", 1_000_000_000))
	require.NoError(t, c.Withdraw(alice, "USDC", 400_000_000))
	require.NoError(t, c.Deposit(bob, "USDC", 50_000_000))
	close(outputs)

	persistIn := make(chan persistence.CoreOutput, 64)
	projIn := make(chan projection.ProjectionOutput, 64)
	for out := range outputs {
		persistIn <- persistence.FromCoreOutput(out)
		projIn <- projection.FromCoreOutput(out)
	}
	close(persistIn)
	close(projIn)

	require.NoError(t, persistence.NewPersistenceWorker(db, persistIn, 8, time.Millisecond, nil, zerolog.Nop()).Run(ctx))

	history := projection.NewLiquidationHistory(8)
	worker := projection.NewProjectionWorker(db, projIn, history, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))
	assert.Equal(t, c.GetSequence()-1, worker.LastSequence())

	alicePath := ledger.NewUserAccountKey(alice, "USDC").AccountPath()
	depositsPath := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDC").AccountPath()

	assert.Equal(t, int64(600_000_000), projectedBalance(t, db, alicePath, "USDC"))
	assert.Equal(t, int64(-1_050_000_000), projectedBalance(t, db, depositsPath, "USDC"))

	// Rebuilding from the log lands on the same balances.
	require.NoError(t, projection.RebuildProjections(ctx, db, zerolog.Nop()))
	assert.Equal(t, int64(600_000_000), projectedBalance(t, db, alicePath, "USDC"))
	assert.Equal(t, int64(-1_050_000_000), projectedBalance(t, db, depositsPath, "USDC"))

	var watermark int64
	require.NoError(t, db.QueryRow(`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`).Scan(&watermark))
	assert.Equal(t, c.GetSequence()-1, watermark)
}
