package core

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/order"
	"MarginLedger/internal/state"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// errStale marks an update that arrived behind newer data; it is dropped
// without error and without an output.
var errStale = errors.New("stale update")

// globalCheckInterval is how often (in sequences) the zero-sum check over all
// accounts runs.
const globalCheckInterval = 1000

// Options configures a SettlementController.
type Options struct {
	Domain         order.Domain
	Admin          common.Address
	OracleSigner   common.Address // Zero disables price signature checks
	StakeAsset     ledger.Asset
	InsuranceAsset ledger.Asset
	HealthyMargin  int64 // Headroom above 1.0 at RatioScale; negative derives it from the premium

	Settings   state.MarginSettings
	AssetRisks map[ledger.Asset]uint8
	PairRules  []state.PairRules

	StartSequence int64
	LRUCapacity   int

	DBChecker  DBIdempotencyChecker
	OrderStore OrderStore
	Metrics    *observability.Metrics
	Logger     *zerolog.Logger
	Clock      func() time.Time

	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

// CoreOutput is one committed event as handed to persistence and projections.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
	Consumed   []common.Hash // Order hashes settled by this event
}

// TradeResult describes a settled trade.
type TradeResult struct {
	BuyHash     common.Hash
	SellHash    common.Hash
	QuoteAmount int64
	BuyFee      int64
	SellFee     int64
	Batch       *ledger.Batch
	Buyer       state.Assessment
	Seller      state.Assessment
}

// SettlementController is the single writer in front of the ledger. Every
// mutation runs under one lock through the same pipeline: idempotency,
// ordering, dispatch, commit, post-checks, state hash, outputs.
type SettlementController struct {
	mu sync.Mutex

	sequence          int64
	hasher            *hashChain
	ledger            *ledger.AccountLedger
	invariants        *ledger.InvariantValidator
	cfg               *state.Configurer
	oracle            *state.OracleCache
	feed              *state.PriceFeed
	stakes            *state.StakeTable
	risk              *state.RiskEngine
	liquidation       *state.LiquidationEngine
	insurance         *state.InsuranceFund
	orders            *order.Validator
	consumed          *ConsumedOrders
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	log               zerolog.Logger
	clock             func() time.Time

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	// Scratch for the event being processed.
	derived  []event.Event
	settled  []common.Hash
	replayed bool
}

func NewSettlementController(opts Options) *SettlementController {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	capacity := opts.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	risks := state.NewAssetRiskTable()
	risks.Restore(opts.AssetRisks)
	pairs := state.NewPairRulesTable()
	pairs.Restore(opts.PairRules)
	cfg := state.NewConfigurer(opts.Admin, opts.Settings, risks, pairs)

	l := ledger.NewAccountLedger(ledger.NewBalanceTracker())
	oracle := state.NewOracleCache(opts.OracleSigner)
	feed := state.NewPriceFeed(oracle)
	stakes := state.NewStakeTable()
	risk := state.NewRiskEngine(cfg, feed, opts.HealthyMargin)

	var insurance *state.InsuranceFund
	if opts.InsuranceAsset != "" {
		insurance = state.NewInsuranceFund(opts.InsuranceAsset, feed)
	}
	consumed := NewConsumedOrders(capacity, opts.OrderStore)

	return &SettlementController{
		sequence:          opts.StartSequence,
		hasher:            newHashChain(),
		ledger:            l,
		invariants:        ledger.NewInvariantValidator(l),
		cfg:               cfg,
		oracle:            oracle,
		feed:              feed,
		stakes:            stakes,
		risk:              risk,
		liquidation:       state.NewLiquidationEngine(l, risk, cfg, feed, stakes, opts.StakeAsset, insurance),
		insurance:         insurance,
		orders:            order.NewValidator(opts.Domain, cfg, consumed),
		consumed:          consumed,
		idempotency:       NewIdempotencyChecker(capacity, opts.DBChecker, opts.Metrics, log),
		sequenceValidator: NewSequenceValidator(opts.Metrics),
		metrics:           opts.Metrics,
		log:               log,
		clock:             clock,
		persistChan:       opts.PersistChan,
		projectionChan:    opts.ProjectionChan,
	}
}

// ============================================================================
// Operations
// ============================================================================

// SettleTrade validates and settles a matched trade.
func (c *SettlementController) SettleTrade(t *order.Trade) (*TradeResult, error) {
	if t == nil {
		return nil, fmt.Errorf("nil trade: %w", order.ErrMalformedAmounts)
	}
	res, err := c.process(&event.TradeSubmitted{Trade: *t, ReceivedAt: c.clock()})
	if err != nil {
		return nil, err
	}
	r, _ := res.(*TradeResult)
	return r, nil
}

// Deposit credits a custody-confirmed deposit.
func (c *SettlementController) Deposit(owner common.Address, asset ledger.Asset, amount int64) error {
	_, err := c.process(&event.DepositConfirmed{DepositID: uuid.New(), Owner: owner, Asset: asset, Amount: amount})
	return err
}

// Withdraw releases free balance to custody. Accounts with positions must
// stay Healthy afterwards.
func (c *SettlementController) Withdraw(owner common.Address, asset ledger.Asset, amount int64) error {
	_, err := c.process(&event.WithdrawalRequested{WithdrawalID: uuid.New(), Owner: owner, Asset: asset, Amount: amount})
	return err
}

// CloseOut repays up to amount of owner's liability in asset with funds
// arriving from custody and returns what was repaid.
func (c *SettlementController) CloseOut(owner common.Address, asset ledger.Asset, amount int64) (int64, error) {
	res, err := c.process(&event.CloseOutRequested{RequestID: uuid.New(), Owner: owner, Asset: asset, Amount: amount})
	if err != nil {
		return 0, err
	}
	repaid, _ := res.(int64)
	return repaid, nil
}

// Liquidate closes a Liquidatable account's position on behalf of a staked
// liquidator.
func (c *SettlementController) Liquidate(req state.LiquidationRequest) (*state.LiquidationResult, error) {
	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	res, err := c.process(&event.LiquidationRequested{
		RequestID:  id,
		Liquidator: req.Liquidator,
		Owner:      req.Account,
		Asset:      req.Asset,
		Snapshot:   req.Snapshot,
	})
	if err != nil {
		return nil, err
	}
	r, _ := res.(*state.LiquidationResult)
	return r, nil
}

// OnPriceUpdate applies a signed oracle price and re-evaluates every account
// exposed to the asset. Stale updates are ignored.
func (c *SettlementController) OnPriceUpdate(sp state.SignedPrice) error {
	_, err := c.process(&event.PriceUpdate{
		Asset:         sp.Asset,
		Price:         sp.Price,
		PriceSequence: sp.Sequence,
		ObservedAt:    sp.ObservedAt,
		Signature:     sp.Signature,
	})
	return err
}

func (c *SettlementController) UpdateMarginSettings(
	caller common.Address,
	collateralAssets []ledger.Asset,
	stakeRisk uint8,
	liquidationPremium uint64,
	priceOverdueSeconds uint64,
	positionOverdueSeconds uint64,
) error {
	_, err := c.process(&event.MarginSettingsUpdated{
		RequestID:              uuid.New(),
		Caller:                 caller,
		CollateralAssets:       collateralAssets,
		StakeRisk:              stakeRisk,
		LiquidationPremium:     liquidationPremium,
		PriceOverdueSeconds:    priceOverdueSeconds,
		PositionOverdueSeconds: positionOverdueSeconds,
	})
	return err
}

func (c *SettlementController) UpdateAssetRisks(caller common.Address, assets []ledger.Asset, weights []uint8) error {
	_, err := c.process(&event.AssetRisksUpdated{RequestID: uuid.New(), Caller: caller, Assets: assets, Weights: weights})
	return err
}

func (c *SettlementController) UpdatePairRules(caller common.Address, rules state.PairRules) error {
	_, err := c.process(&event.PairRulesUpdated{
		RequestID: uuid.New(),
		Caller:    caller,
		Base:      rules.Base,
		Quote:     rules.Quote,
		TickSize:  rules.TickSize,
		LotSize:   rules.LotSize,
	})
	return err
}

// UpdateStake records a staker's bonded amount as of block.
func (c *SettlementController) UpdateStake(staker common.Address, amount int64, block int64) error {
	_, err := c.process(&event.StakeUpdate{Staker: staker, Amount: amount, Sequence: block})
	return err
}

func (c *SettlementController) FundInsurance(asset ledger.Asset, amount int64) error {
	_, err := c.process(&event.InsuranceFunded{FundingID: uuid.New(), Asset: asset, Amount: amount})
	return err
}

// Evaluate assesses account against committed state at the current time.
func (c *SettlementController) Evaluate(account common.Address) state.Assessment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.risk.Evaluate(c.ledger, account, c.clock())
}

// InspectAccount reads account, its evaluation and its lifecycle state
// between two commits.
func (c *SettlementController) InspectAccount(account common.Address) state.AccountReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := c.ledger.View(account)
	return state.AccountReport{
		Account:    view.Account(),
		Assessment: c.risk.Evaluate(view, account, c.clock()),
		State:      c.liquidation.State(account),
		Sequence:   c.sequence - 1,
	}
}

// Sweep re-evaluates every account. Positions and prices age without any
// event, so this runs on a timer. It returns the number of state changes.
func (c *SettlementController) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock().Truncate(time.Microsecond)
	c.derived = c.derived[:0]
	c.sweep(now)
	n := len(c.derived)
	for _, d := range c.derived {
		c.emit(d, ledger.NewBatch(d.IdempotencyKey(), now.UnixMicro()), now, nil)
	}
	c.derived = c.derived[:0]
	return n
}

// ============================================================================
// Pipeline
// ============================================================================

// ProcessEvent runs one inbound event through the pipeline.
func (c *SettlementController) ProcessEvent(evt event.Event) error {
	_, err := c.process(evt)
	return err
}

// Replay re-applies an envelope read back from the event log as of its
// original processing time. Outputs go to projections only. Envelopes below
// the current sequence are already reflected in state. Events the core
// derives itself are regenerated by their cause; status changes found by a
// timer sweep are reproduced by re-observing the account.
func (c *SettlementController) Replay(env *event.EventEnvelope) error {
	c.mu.Lock()
	next := c.sequence
	c.mu.Unlock()
	if env.Sequence < next {
		return nil
	}

	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	at := env.Timestamp

	switch e := evt.(type) {
	case *event.LiquidationExecuted:
		return nil
	case *event.AccountStatusChanged:
		c.mu.Lock()
		defer c.mu.Unlock()
		c.replayed = true
		c.derived = c.derived[:0]
		c.observe(e.Owner, at)
		for _, d := range c.derived {
			c.emit(d, ledger.NewBatch(d.IdempotencyKey(), at.UnixMicro()), at, nil)
		}
		c.derived = c.derived[:0]
		c.replayed = false
		return nil
	}

	c.mu.Lock()
	c.replayed = true
	c.mu.Unlock()

	_, err = c.processAt(evt, func() time.Time { return at })

	c.mu.Lock()
	c.replayed = false
	c.mu.Unlock()
	return err
}

func (c *SettlementController) process(evt event.Event) (any, error) {
	return c.processAt(evt, c.clock)
}

func (c *SettlementController) processAt(evt event.Event, clock func() time.Time) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	// The event log stores microseconds; replay must see the same instant.
	now := clock().Truncate(time.Microsecond)
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Trades are deduplicated by the consumed-order set, so a replayed
	// trade surfaces as ErrReplayed rather than a silent no-op.
	dedup := evt.EventType() != event.EventTypeTradeSubmitted
	isDuplicate := dedup && c.idempotency.IsDuplicate(eventType, idempotencyKey)

	if seq := evt.SourceSequence(); seq > 0 && sequencedStream(evt) {
		if err := c.sequenceValidator.ValidateSequence(eventType, seq, isDuplicate); err != nil {
			c.rejected(eventType, err)
			return nil, fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil, nil
	}

	c.derived = c.derived[:0]
	c.settled = nil

	result, batch, err := c.dispatch(evt, now)
	if errors.Is(err, errStale) {
		c.idempotency.MarkProcessed(eventType, idempotencyKey)
		return nil, nil
	}
	if err != nil {
		c.rejected(eventType, err)
		return nil, err
	}

	if batch == nil {
		batch = ledger.NewBatch(idempotencyKey, now.UnixMicro())
	}
	if len(batch.Journals) > 0 {
		if err := c.postCheckInvariants(batch); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	c.emit(evt, batch, now, c.settled)
	for _, d := range c.derived {
		c.emit(d, ledger.NewBatch(d.IdempotencyKey(), now.UnixMicro()), now, nil)
	}
	c.derived = c.derived[:0]

	if dedup {
		c.idempotency.MarkProcessed(eventType, idempotencyKey)
	}

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		for _, j := range batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	return result, nil
}

// sequencedStream reports whether evt belongs to a gapless upstream stream.
// Oracle prices and stake readings carry their own monotonic sequences.
func sequencedStream(evt event.Event) bool {
	switch evt.(type) {
	case *event.PriceUpdate, *event.StakeUpdate:
		return false
	}
	return true
}

func (c *SettlementController) dispatch(evt event.Event, now time.Time) (any, *ledger.Batch, error) {
	switch e := evt.(type) {
	case *event.TradeSubmitted:
		return c.handleTrade(e, now)
	case *event.DepositConfirmed:
		return c.handleDeposit(e, now)
	case *event.WithdrawalRequested:
		return c.handleWithdrawal(e, now)
	case *event.CloseOutRequested:
		return c.handleCloseOut(e, now)
	case *event.LiquidationRequested:
		return c.handleLiquidation(e, now)
	case *event.PriceUpdate:
		return c.handlePriceUpdate(e, now)
	case *event.StakeUpdate:
		return c.handleStakeUpdate(e)
	case *event.InsuranceFunded:
		return c.handleInsuranceFunded(e, now)
	case *event.MarginSettingsUpdated:
		return c.handleMarginSettings(e, now)
	case *event.AssetRisksUpdated:
		return c.handleAssetRisks(e, now)
	case *event.PairRulesUpdated:
		return c.handlePairRules(e)
	default:
		return nil, nil, fmt.Errorf("%T: %w", evt, ErrUnknownEvent)
	}
}

func (c *SettlementController) rejected(eventType string, err error) {
	reason := RejectReason(err)
	c.log.Warn().Err(err).Str("event_type", eventType).Str("reason", reason).Msg("event rejected")
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

// ============================================================================
// Handlers
// ============================================================================

// handleTrade settles the base leg from seller to buyer and the quote leg
// from buyer to seller, then matcher fees. A margin order borrows what its
// sender lacks. The trade is refused if it raises a side's liability and
// leaves that side Liquidatable.
func (c *SettlementController) handleTrade(e *event.TradeSubmitted, now time.Time) (any, *ledger.Batch, error) {
	t := &e.Trade
	if err := c.orders.Validate(t, now); err != nil {
		c.tradeRejected(err)
		return nil, nil, err
	}

	buy, sell := t.Buy, t.Sell
	base, quote := buy.BaseAsset, buy.QuoteAsset
	res := &TradeResult{
		BuyHash:     buy.Hash(c.orders.Domain()),
		SellHash:    sell.Hash(c.orders.Domain()),
		QuoteAmount: fpmath.Value(t.FillAmount, t.FillPrice),
		BuyFee:      buy.FeeFor(t.FillAmount),
		SellFee:     sell.FeeFor(t.FillAmount),
	}

	tx := c.ledger.Begin(e.IdempotencyKey(), now)
	if err := tx.Settle(sell.Sender, buy.Sender, base, t.FillAmount, sell.UseMargin); err != nil {
		c.tradeRejected(err)
		return nil, nil, fmt.Errorf("base leg: %w", err)
	}
	if err := tx.Settle(buy.Sender, sell.Sender, quote, res.QuoteAmount, buy.UseMargin); err != nil {
		c.tradeRejected(err)
		return nil, nil, fmt.Errorf("quote leg: %w", err)
	}
	if res.BuyFee > 0 {
		if err := tx.PayFee(buy.Sender, buy.Matcher, quote, res.BuyFee, buy.UseMargin); err != nil {
			c.tradeRejected(err)
			return nil, nil, fmt.Errorf("buy fee: %w", err)
		}
	}
	if res.SellFee > 0 {
		if err := tx.PayFee(sell.Sender, sell.Matcher, quote, res.SellFee, sell.UseMargin); err != nil {
			c.tradeRejected(err)
			return nil, nil, fmt.Errorf("sell fee: %w", err)
		}
	}

	for _, o := range []*order.Order{buy, sell} {
		if !c.liabilityIncreased(tx, o.Sender) {
			continue
		}
		a := c.risk.Evaluate(tx, o.Sender, now)
		if a.Status == state.AccountStateLiquidatable {
			err := fmt.Errorf("%s side %s would be %s at ratio %s: %w",
				o.Side, o.Sender.Hex(), a.Status, fpmath.FormatRatio(a.Ratio), ErrInsufficientCollateral)
			c.tradeRejected(err)
			return nil, nil, err
		}
	}

	batch, err := tx.Commit()
	if err != nil {
		c.tradeRejected(err)
		return nil, nil, err
	}
	res.Batch = batch

	c.consumed.Consume(res.BuyHash, res.SellHash)
	c.settled = []common.Hash{res.BuyHash, res.SellHash}

	res.Buyer = c.observe(buy.Sender, now)
	res.Seller = c.observe(sell.Sender, now)

	if c.metrics != nil {
		c.metrics.TradesSettled.WithLabelValues(string(base) + "/" + string(quote)).Inc()
	}
	c.log.Debug().
		Str("buy", res.BuyHash.Hex()).
		Str("sell", res.SellHash.Hex()).
		Int64("fill_amount", t.FillAmount).
		Int64("fill_price", t.FillPrice).
		Msg("trade settled")
	return res, batch, nil
}

func (c *SettlementController) tradeRejected(err error) {
	if c.metrics != nil {
		c.metrics.TradesRejected.WithLabelValues(RejectReason(err)).Inc()
	}
}

// liabilityIncreased reports whether tx raises owner's liability in any asset.
func (c *SettlementController) liabilityIncreased(tx *ledger.Tx, owner common.Address) bool {
	for _, staged := range tx.Positions(owner) {
		committed, _ := c.ledger.Position(owner, staged.Asset)
		if staged.Liability() > committed.Liability() {
			return true
		}
	}
	return false
}

func (c *SettlementController) handleDeposit(e *event.DepositConfirmed, now time.Time) (any, *ledger.Batch, error) {
	tx := c.ledger.Begin(e.IdempotencyKey(), now)
	if err := tx.Deposit(e.Owner, e.Asset, e.Amount); err != nil {
		return nil, nil, err
	}
	batch, err := tx.Commit()
	if err != nil {
		return nil, nil, err
	}
	c.observe(e.Owner, now)
	return nil, batch, nil
}

func (c *SettlementController) handleWithdrawal(e *event.WithdrawalRequested, now time.Time) (any, *ledger.Batch, error) {
	tx := c.ledger.Begin(e.IdempotencyKey(), now)
	if err := tx.Withdraw(e.Owner, e.Asset, e.Amount); err != nil {
		return nil, nil, err
	}
	if len(tx.Positions(e.Owner)) > 0 {
		a := c.risk.Evaluate(tx, e.Owner, now)
		if a.Status != state.AccountStateHealthy {
			return nil, nil, fmt.Errorf("withdrawal leaves %s %s at ratio %s: %w",
				e.Owner.Hex(), a.Status, fpmath.FormatRatio(a.Ratio), ErrInsufficientCollateral)
		}
	}
	batch, err := tx.Commit()
	if err != nil {
		return nil, nil, err
	}
	c.observe(e.Owner, now)
	return nil, batch, nil
}

func (c *SettlementController) handleCloseOut(e *event.CloseOutRequested, now time.Time) (any, *ledger.Batch, error) {
	tx := c.ledger.Begin(e.IdempotencyKey(), now)
	repaid, err := tx.Repay(e.Owner, e.Asset, e.Amount)
	if err != nil {
		return nil, nil, err
	}
	batch, err := tx.Commit()
	if err != nil {
		return nil, nil, err
	}
	c.observe(e.Owner, now)
	return repaid, batch, nil
}

func (c *SettlementController) handleLiquidation(e *event.LiquidationRequested, now time.Time) (any, *ledger.Batch, error) {
	res, err := c.liquidation.Liquidate(state.LiquidationRequest{
		ID:         e.RequestID,
		Liquidator: e.Liquidator,
		Account:    e.Owner,
		Asset:      e.Asset,
		Snapshot:   e.Snapshot,
	}, now)
	if err != nil {
		if c.metrics != nil {
			c.metrics.LiquidationsRejected.WithLabelValues(RejectReason(err)).Inc()
		}
		return nil, nil, err
	}

	for _, ch := range res.Transitions {
		c.statusChanged(ch, res.After, now)
	}
	c.derived = append(c.derived, &event.LiquidationExecuted{
		LiquidationID: res.LiquidationID,
		Liquidator:    e.Liquidator,
		Owner:         e.Owner,
		Asset:         e.Asset,
		Snapshot:      res.Snapshot,
		Price:         res.Price,
		ClosedAmount:  res.ClosedAmount,
		ClosedValue:   res.ClosedValue,
		PremiumValue:  res.PremiumValue,
		InsurancePaid: res.InsurancePaid,
		Deficit:       res.Deficit,
		Timestamp:     now.UnixMicro(),
	})

	if c.metrics != nil {
		c.metrics.LiquidationsExecuted.WithLabelValues(string(e.Asset)).Inc()
		if res.Deficit > 0 {
			c.metrics.LiquidationDeficit.WithLabelValues(string(e.Asset)).Add(float64(res.Deficit))
		}
		if res.InsurancePaid > 0 && c.insurance != nil {
			asset := c.insurance.Asset()
			c.metrics.InsurancePaid.WithLabelValues(string(asset)).Add(float64(res.InsurancePaid))
			c.metrics.InsuranceFundBalance.WithLabelValues(string(asset)).Set(float64(c.ledger.InsuranceBalance(asset)))
		}
	}

	lg := observability.ForAccount(c.log, e.Owner)
	evt := lg.Info().
		Str("liquidation_id", res.LiquidationID.String()).
		Str("liquidator", e.Liquidator.Hex()).
		Str("asset", string(e.Asset)).
		Int64("closed_amount", res.ClosedAmount).
		Int64("premium_value", res.PremiumValue)
	if res.Deficit > 0 {
		evt = evt.Int64("deficit", res.Deficit)
	}
	evt.Msg("liquidation executed")

	return res, res.Batch, nil
}

func (c *SettlementController) handlePriceUpdate(e *event.PriceUpdate, now time.Time) (any, *ledger.Batch, error) {
	asset := string(e.Asset)
	sp := state.SignedPrice{
		Asset:      e.Asset,
		Price:      e.Price,
		Sequence:   e.PriceSequence,
		ObservedAt: e.ObservedAt,
		Signature:  e.Signature,
	}
	// Verify before the sequence check so a forged update cannot advance it.
	if err := c.oracle.Verify(sp); err != nil {
		c.priceOutcome(asset, "rejected")
		return nil, nil, err
	}
	if !c.sequenceValidator.ValidatePriceSequence(asset, e.PriceSequence) {
		c.priceOutcome(asset, "stale")
		return nil, nil, errStale
	}

	applied, err := c.oracle.Apply(sp)
	if err != nil {
		c.priceOutcome(asset, "rejected")
		return nil, nil, err
	}
	if !applied {
		c.priceOutcome(asset, "stale")
		return nil, nil, errStale
	}
	c.priceOutcome(asset, "applied")

	for _, account := range c.ledger.Accounts() {
		if c.exposedTo(account, e.Asset) {
			c.observe(account, now)
		}
	}
	return nil, nil, nil
}

func (c *SettlementController) priceOutcome(asset, result string) {
	if c.metrics != nil {
		c.metrics.PriceUpdates.WithLabelValues(asset, result).Inc()
	}
}

// exposedTo reports whether a price change of asset can move account's
// assessment.
func (c *SettlementController) exposedTo(account common.Address, asset ledger.Asset) bool {
	if c.liquidation.State(account) != state.AccountStateHealthy {
		return true
	}
	if _, ok := c.ledger.Position(account, asset); ok {
		return true
	}
	for _, a := range c.ledger.HeldAssets(account) {
		if a == asset {
			return true
		}
	}
	return false
}

func (c *SettlementController) handleStakeUpdate(e *event.StakeUpdate) (any, *ledger.Batch, error) {
	if !c.sequenceValidator.ValidateMonotonic("stake:"+e.Staker.Hex(), e.Sequence) {
		return nil, nil, errStale
	}
	if e.Amount < 0 {
		return nil, nil, fmt.Errorf("stake %d: %w", e.Amount, ledger.ErrInvalidAmount)
	}
	c.stakes.Set(e.Staker, e.Amount)
	return nil, nil, nil
}

func (c *SettlementController) handleInsuranceFunded(e *event.InsuranceFunded, now time.Time) (any, *ledger.Batch, error) {
	tx := c.ledger.Begin(e.IdempotencyKey(), now)
	if err := tx.FundInsurance(e.Asset, e.Amount); err != nil {
		return nil, nil, err
	}
	batch, err := tx.Commit()
	if err != nil {
		return nil, nil, err
	}
	if c.metrics != nil {
		c.metrics.InsuranceFundBalance.WithLabelValues(string(e.Asset)).Set(float64(c.ledger.InsuranceBalance(e.Asset)))
	}
	return nil, batch, nil
}

func (c *SettlementController) handleMarginSettings(e *event.MarginSettingsUpdated, now time.Time) (any, *ledger.Batch, error) {
	if err := c.cfg.UpdateMarginSettings(
		e.Caller,
		e.CollateralAssets,
		e.StakeRisk,
		e.LiquidationPremium,
		e.PriceOverdueSeconds,
		e.PositionOverdueSeconds,
	); err != nil {
		return nil, nil, err
	}
	c.log.Info().
		Strs("collateral_assets", assetStrings(e.CollateralAssets)).
		Uint8("stake_risk", e.StakeRisk).
		Uint64("liquidation_premium", e.LiquidationPremium).
		Uint64("price_overdue", e.PriceOverdueSeconds).
		Uint64("position_overdue", e.PositionOverdueSeconds).
		Msg("margin settings updated")
	c.sweep(now)
	return nil, nil, nil
}

func (c *SettlementController) handleAssetRisks(e *event.AssetRisksUpdated, now time.Time) (any, *ledger.Batch, error) {
	if err := c.cfg.UpdateAssetRisks(e.Caller, e.Assets, e.Weights); err != nil {
		return nil, nil, err
	}
	c.sweep(now)
	return nil, nil, nil
}

func (c *SettlementController) handlePairRules(e *event.PairRulesUpdated) (any, *ledger.Batch, error) {
	err := c.cfg.UpdatePairRules(e.Caller, state.PairRules{
		Base:     e.Base,
		Quote:    e.Quote,
		TickSize: e.TickSize,
		LotSize:  e.LotSize,
	})
	return nil, nil, err
}

// ============================================================================
// Risk observation
// ============================================================================

// observe evaluates account on committed state and feeds the result to the
// liquidation state machine.
func (c *SettlementController) observe(account common.Address, now time.Time) state.Assessment {
	a := c.risk.Evaluate(c.ledger, account, now)
	if c.metrics != nil {
		c.metrics.RiskEvaluations.WithLabelValues(a.Status.String()).Inc()
		for _, asset := range a.StalePrices {
			c.metrics.StalePricesObserved.WithLabelValues(string(asset)).Inc()
		}
		if len(a.OverduePositions) > 0 {
			c.metrics.OverduePositionsSeen.Inc()
		}
	}
	if ch, ok := c.liquidation.Observe(a); ok {
		c.statusChanged(ch, a, now)
	}
	return a
}

func (c *SettlementController) sweep(now time.Time) {
	for _, account := range c.ledger.Accounts() {
		c.observe(account, now)
	}
}

func (c *SettlementController) statusChanged(ch state.StatusChange, a state.Assessment, now time.Time) {
	if c.metrics != nil {
		c.metrics.AccountTransitions.WithLabelValues(ch.From.String(), ch.To.String()).Inc()
	}
	lvl := c.log.Info()
	if ch.To == state.AccountStateLiquidatable {
		lvl = c.log.Warn()
	}
	lvl.Str("account", ch.Account.Hex()).
		Str("from", ch.From.String()).
		Str("to", ch.To.String()).
		Str("ratio", fpmath.FormatRatio(a.Ratio)).
		Msg("account status changed")

	c.derived = append(c.derived, &event.AccountStatusChanged{
		Owner:     ch.Account,
		From:      ch.From.String(),
		To:        ch.To.String(),
		Ratio:     a.Ratio,
		Snapshot:  a.Snapshot,
		Timestamp: now.UnixMicro(),
	})
}

// ============================================================================
// Outputs
// ============================================================================

func (c *SettlementController) emit(evt event.Event, batch *ledger.Batch, now time.Time, consumed []common.Hash) {
	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %T: %v", evt, err))
	}

	digest := c.computeStateDigest(payload, batch)
	prev, stateHash := c.hasher.Link(c.sequence, evt.EventType(), digest)

	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			Account:        evt.Account(),
			Timestamp:      now,
			SourceSequence: evt.SourceSequence(),
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prev,
		},
		Batch:      batch,
		StateDelta: digest,
		Consumed:   consumed,
	}
	c.sequence++

	// Persistence is a blocking send: the core stalls rather than lose an
	// event. Replayed events are already in the log.
	if c.persistChan != nil && !c.replayed {
		c.persistChan <- output
	}

	// Projections drop on a full channel and rebuild from the log.
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// computeStateDigest creates canonical bytes for the state hash: the event
// payload, then the post-commit balance of every account the batch touched,
// then the positions of every touched owner.
func (c *SettlementController) computeStateDigest(payload []byte, batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	owners := make(map[common.Address]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			for _, k := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				affected[k] = true
				if k.IsUser() {
					owners[k.Owner] = true
				}
			}
		}
	}

	keys := make([]ledger.AccountKey, 0, len(affected))
	for k := range affected {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})

	addrs := make([]common.Address, 0, len(owners))
	for a := range owners {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].Cmp(addrs[j]) < 0
	})

	digest := make([]byte, 0, len(payload)+len(keys)*64)
	digest = append(digest, payload...)

	tracker := c.ledger.Tracker()
	for _, key := range keys {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, tracker.GetBalance(key))
	}
	for _, a := range addrs {
		for _, p := range c.ledger.Positions(a) {
			digest = append(digest, p.CanonicalBytes()...)
		}
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates the ledger after a batch commits.
func (c *SettlementController) postCheckInvariants(batch *ledger.Batch) error {
	if err := c.invariants.ValidateBatchBalance(batch); err != nil {
		return fmt.Errorf("unbalanced batch: %w", err)
	}

	owners := make(map[common.Address]bool)
	assets := make(map[ledger.Asset]bool)
	for _, j := range batch.Journals {
		assets[j.Asset] = true
		for _, k := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if k.IsUser() {
				owners[k.Owner] = true
			}
		}
	}
	for owner := range owners {
		if err := c.invariants.ValidateUserNonNegative(owner); err != nil {
			return err
		}
	}
	for asset := range assets {
		if err := c.invariants.ValidateMarginPool(asset); err != nil {
			return err
		}
		if err := c.invariants.ValidateInsuranceNonNegative(asset); err != nil {
			return err
		}
	}

	if c.sequence > 0 && c.sequence%globalCheckInterval == 0 {
		if err := c.invariants.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

// ============================================================================
// Accessors
// ============================================================================

func (c *SettlementController) Ledger() *ledger.AccountLedger { return c.ledger }
func (c *SettlementController) Configurer() *state.Configurer { return c.cfg }
func (c *SettlementController) PriceFeed() *state.PriceFeed { return c.feed }
func (c *SettlementController) Stakes() *state.StakeTable { return c.stakes }
func (c *SettlementController) Risk() *state.RiskEngine { return c.risk }
func (c *SettlementController) Liquidations() *state.LiquidationEngine { return c.liquidation }
func (c *SettlementController) Domain() order.Domain { return c.orders.Domain() }

// AccountState returns the tracked state machine position of account.
func (c *SettlementController) AccountState(account common.Address) state.AccountState {
	return c.liquidation.State(account)
}

// IsConsumed reports whether an order hash has been settled.
func (c *SettlementController) IsConsumed(hash common.Hash) (bool, error) {
	return c.consumed.IsConsumed(hash)
}

// GetSequence returns the next global sequence number.
func (c *SettlementController) GetSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *SettlementController) GetStateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.Tip()
}

func assetStrings(assets []ledger.Asset) []string {
	out := make([]string, len(assets))
	for i, a := range assets {
		out[i] = string(a)
	}
	return out
}
