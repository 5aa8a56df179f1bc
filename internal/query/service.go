package query

import (
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/projection"
	"MarginLedger/internal/state"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a projected record does not exist.
var ErrNotFound = errors.New("not found")

// LiveState is the read side of the settlement core.
type LiveState interface {
	InspectAccount(account common.Address) state.AccountReport
	Configurer() *state.Configurer
	IsConsumed(hash common.Hash) (bool, error)
	GetSequence() int64
	GetStateHash() [32]byte
}

// QueryService answers read queries. Balances, statuses and history come from
// the projection tables and carry the projection watermark; risk views come
// from the live core.
type QueryService struct {
	db      *sql.DB
	live    LiveState
	history *projection.LiquidationHistory
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewQueryService(
	db *sql.DB,
	live LiveState,
	history *projection.LiquidationHistory,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *QueryService {
	return &QueryService{db: db, live: live, history: history, metrics: metrics, log: log}
}

// observe records request count, latency and errors for endpoint. Use as
// defer qs.observe("name", &err)().
func (qs *QueryService) observe(endpoint string, err *error) func() {
	start := time.Now()
	return func() {
		if qs.metrics == nil {
			return
		}
		qs.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
		qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if *err != nil {
			code := "internal"
			if errors.Is(*err, ErrNotFound) {
				code = "not_found"
			}
			qs.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
		}
	}
}

// GetAccount evaluates owner against live state.
func (qs *QueryService) GetAccount(ctx context.Context, owner common.Address) (res *AccountResponse, err error) {
	defer qs.observe("account", &err)()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := qs.live.InspectAccount(owner)
	a, acct := report.Assessment, report.Account

	res = &AccountResponse{
		Account:     owner.Hex(),
		Status:      report.State.String(),
		Evaluated:   a.Status.String(),
		Ratio:       fpmath.FormatRatio(a.Ratio),
		Collateral:  amount(a.Collateral),
		Exposure:    amount(a.Exposure),
		Version:     acct.Version,
		Balances:    make(map[string]string, len(acct.Free)),
		Stale:       assetNames(a.StalePrices),
		Missing:     assetNames(a.MissingPrices),
		Overdue:     assetNames(a.OverduePositions),
		Uncounted:   assetNames(a.Uncounted),
		EvaluatedAt: a.EvaluatedAt,
		AsOf:        report.Sequence,
	}
	for asset, bal := range acct.Free {
		res.Balances[string(asset)] = amount(bal)
	}
	if len(a.Reserved) > 0 {
		res.Reserved = make(map[string]string, len(a.Reserved))
		for asset, v := range a.Reserved {
			res.Reserved[string(asset)] = amount(v)
		}
	}
	for _, p := range acct.Positions {
		res.Positions = append(res.Positions, PositionResponse{
			Asset:     string(p.Asset),
			Size:      amount(p.Size),
			Liability: amount(p.Liability()),
			OpenedAt:  p.OpenedAt,
		})
	}
	return res, nil
}

// GetAccountStatus returns the projected status of owner.
func (qs *QueryService) GetAccountStatus(ctx context.Context, owner common.Address) (res *AccountStatusResponse, err error) {
	defer qs.observe("account_status", &err)()

	var (
		r     AccountStatusResponse
		ratio int64
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT account, status, ratio, last_sequence, updated_at
		FROM projections.account_status WHERE account = $1
	`, owner.Hex()).Scan(&r.Account, &r.Status, &ratio, &r.LastSequence, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", owner.Hex(), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.Ratio = fpmath.FormatRatio(ratio)
	return &r, nil
}

// GetLiquidationHistory returns owner's liquidations newest first.
// beforeSequence pages backwards when set.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	owner common.Address,
	limit int,
	beforeSequence *int64,
) (res []LiquidationResponse, err error) {
	defer qs.observe("liquidations", &err)()

	query := `
		SELECT liquidation_id, account, liquidator, asset, closed_amount,
		       premium_value, insurance_paid, deficit, sequence, executed_at
		FROM projections.liquidation_history
		WHERE account = $1
	`
	args := []any{owner.Hex()}
	if beforeSequence != nil {
		query += " AND sequence < $2"
		args = append(args, *beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r                                       LiquidationResponse
			closed, premium, insurancePaid, deficit int64
		)
		if err := rows.Scan(
			&r.LiquidationID, &r.Account, &r.Liquidator, &r.Asset, &closed,
			&premium, &insurancePaid, &deficit, &r.Sequence, &r.ExecutedAt,
		); err != nil {
			return nil, err
		}
		r.ClosedAmount = amount(closed)
		r.PremiumValue = amount(premium)
		r.InsurancePaid = amount(insurancePaid)
		r.Deficit = amount(deficit)
		res = append(res, r)
	}
	return res, rows.Err()
}

// GetLiquidation returns one liquidation by id.
func (qs *QueryService) GetLiquidation(ctx context.Context, id uuid.UUID) (res *LiquidationResponse, err error) {
	defer qs.observe("liquidation", &err)()

	var (
		r                                       LiquidationResponse
		closed, premium, insurancePaid, deficit int64
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT liquidation_id, account, liquidator, asset, closed_amount,
		       premium_value, insurance_paid, deficit, sequence, executed_at
		FROM projections.liquidation_history
		WHERE liquidation_id = $1
	`, id).Scan(
		&r.LiquidationID, &r.Account, &r.Liquidator, &r.Asset, &closed,
		&premium, &insurancePaid, &deficit, &r.Sequence, &r.ExecutedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("liquidation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.ClosedAmount = amount(closed)
	r.PremiumValue = amount(premium)
	r.InsurancePaid = amount(insurancePaid)
	r.Deficit = amount(deficit)
	return &r, nil
}

// RecentLiquidations serves the latest liquidations from memory.
func (qs *QueryService) RecentLiquidations(limit int) []LiquidationResponse {
	if qs.history == nil {
		return nil
	}
	var err error
	defer qs.observe("recent_liquidations", &err)()

	records := qs.history.Recent(clampLimit(limit))
	out := make([]LiquidationResponse, len(records))
	for i, r := range records {
		out[i] = liquidationResponse(r)
	}
	return out
}

func liquidationResponse(r projection.LiquidationRecord) LiquidationResponse {
	return LiquidationResponse{
		LiquidationID: r.LiquidationID.String(),
		Account:       r.Owner.Hex(),
		Liquidator:    r.Liquidator.Hex(),
		Asset:         string(r.Asset),
		ClosedAmount:  amount(r.ClosedAmount),
		PremiumValue:  amount(r.PremiumValue),
		InsurancePaid: amount(r.InsurancePaid),
		Deficit:       amount(r.Deficit),
		Sequence:      r.Sequence,
		ExecutedAt:    r.ExecutedAt,
	}
}

// GetOrderStatus reports whether an order hash has been settled.
func (qs *QueryService) GetOrderStatus(ctx context.Context, hash common.Hash) (res *OrderStatusResponse, err error) {
	defer qs.observe("order_status", &err)()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	consumed, err := qs.live.IsConsumed(hash)
	if err != nil {
		return nil, err
	}
	return &OrderStatusResponse{OrderHash: hash.Hex(), Consumed: consumed}, nil
}

// GetSettings returns the active risk configuration.
func (qs *QueryService) GetSettings(ctx context.Context) (res *SettingsResponse, err error) {
	defer qs.observe("settings", &err)()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := qs.live.Configurer()
	s := cfg.Settings()
	res = &SettingsResponse{
		CollateralAssets:       assetNames(s.CollateralAssets),
		StakeRisk:              s.StakeRisk,
		LiquidationPremium:     s.LiquidationPremium,
		PriceOverdueSeconds:    s.PriceOverdueSeconds,
		PositionOverdueSeconds: s.PositionOverdueSeconds,
		AssetRisks:             make(map[string]uint8),
		Admin:                  cfg.Admin().Hex(),
	}
	for asset, w := range cfg.Risks().Snapshot() {
		res.AssetRisks[string(asset)] = w
	}
	return res, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain in the event log, the zero-sum of the
// projected balances and that the log head matches the live state hash.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", &err)()
	report = &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	for balanceRows.Next() {
		var (
			asset string
			total int64
		)
		if err := balanceRows.Scan(&asset, &total); err != nil {
			balanceRows.Close()
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     asset,
			Imbalance: amount(total),
		})
	}
	balanceRows.Close()
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	live := qs.live.GetStateHash()
	report.LiveStateHash = hex.EncodeToString(live[:])

	var logHash []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.events ORDER BY sequence DESC LIMIT 1
	`).Scan(&logHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	report.LogStateHash = hex.EncodeToString(logHash)

	// The log may trail the core by the persistence batch, so a head
	// mismatch alone is logged rather than failing the report.
	if report.LogStateHash != "" && report.LogStateHash != report.LiveStateHash {
		qs.log.Warn().
			Str("live", report.LiveStateHash).
			Str("log", report.LogStateHash).
			Msg("event log head differs from live state hash")
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath, asset string) (int64, int64, error) {
	var balance, lastSeq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance, last_sequence FROM projections.balances
		WHERE account_path = $1 AND asset = $2
	`, accountPath, asset).Scan(&balance, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	return balance, lastSeq, err
}

func assetNames(assets []ledger.Asset) []string {
	if len(assets) == 0 {
		return nil
	}
	out := make([]string, len(assets))
	for i, a := range assets {
		out[i] = string(a)
	}
	sort.Strings(out)
	return out
}
