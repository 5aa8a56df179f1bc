package query_test

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/order"
	"MarginLedger/internal/projection"
	"MarginLedger/internal/query"
	"MarginLedger/internal/state"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin = common.HexToAddress("0x000000000000000000000000000000000000ad51")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	t0    = time.Unix(1_700_000_000, 0).UTC()
)

func newLiveCore(t *testing.T) *core.SettlementController {
	t.Helper()
	c := core.NewSettlementController(core.Options{
		Domain:         order.Domain{Name: "MarginLedger", Version: "1", ChainID: 1},
		Admin:          admin,
		StakeAsset:     "ORN",
		InsuranceAsset: "USDC",
		HealthyMargin:  -1,
		Settings: state.MarginSettings{
			CollateralAssets:    []ledger.Asset{"USDC", "WBTC"},
			StakeRisk:           255,
			LiquidationPremium:  10,
			PriceOverdueSeconds: 3600,
		},
		AssetRisks:    map[ledger.Asset]uint8{"USDC": 255, "WBTC": 204},
		StartSequence: 1,
		Clock:         func() time.Time { return t0 },
	})
	require.NoError(t, c.Deposit(alice, "USDC", 250_000_000))
	return c
}

func TestGetAccount_LiveView(t *testing.T) {
	c := newLiveCore(t)
	qs := query.NewQueryService(nil, c, nil, nil, zerolog.Nop())

	res, err := qs.GetAccount(context.Background(), alice)
	require.NoError(t, err)

	assert.Equal(t, alice.Hex(), res.Account)
	assert.Equal(t, "2.5", res.Balances["USDC"])
	assert.Empty(t, res.Positions)
	assert.Equal(t, "inf", res.Ratio)
	assert.Equal(t, c.GetSequence()-1, res.AsOf)
	assert.NotZero(t, res.Version)
}

func TestGetAccount_CancelledContext(t *testing.T) {
	qs := query.NewQueryService(nil, newLiveCore(t), nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := qs.GetAccount(ctx, alice)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetSettings(t *testing.T) {
	qs := query.NewQueryService(nil, newLiveCore(t), nil, nil, zerolog.Nop())

	res, err := qs.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"USDC", "WBTC"}, res.CollateralAssets)
	assert.Equal(t, uint64(10), res.LiquidationPremium)
	assert.Equal(t, uint64(3600), res.PriceOverdueSeconds)
	assert.Equal(t, uint8(204), res.AssetRisks["WBTC"])
	assert.Equal(t, admin.Hex(), res.Admin)
}

func TestGetOrderStatus_Unknown(t *testing.T) {
	qs := query.NewQueryService(nil, newLiveCore(t), nil, nil, zerolog.Nop())

	res, err := qs.GetOrderStatus(context.Background(), common.HexToHash("0x1234"))
	require.NoError(t, err)
	assert.False(t, res.Consumed)
}

func TestRecentLiquidations_FromMemory(t *testing.T) {
	history := projection.NewLiquidationHistory(4)
	id := uuid.New()
	history.Add(projection.LiquidationRecord{
		LiquidationID: id,
		Owner:         alice,
		Liquidator:    admin,
		Asset:         "WBTC",
		ClosedAmount:  50_000_000,
		PremiumValue:  150_000_000,
		Sequence:      7,
		ExecutedAt:    t0,
	})

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	qs := query.NewQueryService(nil, newLiveCore(t), history, metrics, zerolog.Nop())

	got := qs.RecentLiquidations(10)
	require.Len(t, got, 1)
	assert.Equal(t, id.String(), got[0].LiquidationID)
	assert.Equal(t, "0.5", got[0].ClosedAmount)
	assert.Equal(t, "1.5", got[0].PremiumValue)
	assert.Equal(t, "0", got[0].Deficit)

	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.QueryRequests.WithLabelValues("recent_liquidations")))
}

func TestRecentLiquidations_NoHistory(t *testing.T) {
	qs := query.NewQueryService(nil, newLiveCore(t), nil, nil, zerolog.Nop())
	assert.Nil(t, qs.RecentLiquidations(10))
}
