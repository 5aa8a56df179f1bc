package state

import (
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	ErrAlreadyLiquidating   = errors.New("account already liquidating")
	ErrNotLiquidatable      = errors.New("account is not liquidatable")
	ErrNoPosition           = errors.New("no position to liquidate")
	ErrIneligibleLiquidator = errors.New("liquidator stake insufficient")
)

// LiquidationRequest asks to close account's position in Asset. Snapshot is
// the account version the liquidator evaluated; 0 means the current one.
// A zero ID is replaced with a random one.
type LiquidationRequest struct {
	ID         uuid.UUID
	Liquidator common.Address
	Account    common.Address
	Asset      ledger.Asset
	Snapshot   uint64
}

// LiquidationResult describes a committed liquidation.
type LiquidationResult struct {
	LiquidationID uuid.UUID
	Request       LiquidationRequest
	Snapshot      uint64 // Version the liquidation was committed against

	Price        int64 // Close price of Asset
	ClosedAmount int64 // Liability repaid by the liquidator
	Remaining    int64 // Liability left open in Asset
	ClosedValue  int64
	PremiumValue int64

	Compensation map[ledger.Asset]int64 // Collateral seized for the closed value
	Premium      map[ledger.Asset]int64 // Collateral seized as premium

	InsurancePaid int64 // Amount of insurance asset paid to the liquidator
	Deficit       int64 // Value nobody covered

	Batch       *ledger.Batch
	Before      Assessment
	After       Assessment
	Transitions []StatusChange
}

// LiquidationEngine owns the per-account liquidation state machine and
// closes positions of Liquidatable accounts on behalf of staked liquidators.
// Ledger writes must be serialised by the caller.
type LiquidationEngine struct {
	ledger    *ledger.AccountLedger
	risk      *RiskEngine
	cfg       *Configurer
	feed      *PriceFeed
	stakes    Staking
	insurance *InsuranceFund

	stakeAsset ledger.Asset

	mu             sync.Mutex
	states         map[common.Address]AccountState
	inProgress     map[common.Address]uuid.UUID
	lastLiquidated map[common.Address]uint64
}

func NewLiquidationEngine(
	l *ledger.AccountLedger,
	risk *RiskEngine,
	cfg *Configurer,
	feed *PriceFeed,
	stakes Staking,
	stakeAsset ledger.Asset,
	insurance *InsuranceFund,
) *LiquidationEngine {
	return &LiquidationEngine{
		ledger:         l,
		risk:           risk,
		cfg:            cfg,
		feed:           feed,
		stakes:         stakes,
		insurance:      insurance,
		stakeAsset:     stakeAsset,
		states:         make(map[common.Address]AccountState),
		inProgress:     make(map[common.Address]uuid.UUID),
		lastLiquidated: make(map[common.Address]uint64),
	}
}

// State returns the tracked state of account; Healthy if never observed.
func (le *LiquidationEngine) State(account common.Address) AccountState {
	le.mu.Lock()
	defer le.mu.Unlock()
	return le.states[account]
}

// States returns a copy of every tracked non-Healthy state.
func (le *LiquidationEngine) States() map[common.Address]AccountState {
	le.mu.Lock()
	defer le.mu.Unlock()

	out := make(map[common.Address]AccountState, len(le.states))
	for k, v := range le.states {
		out[k] = v
	}
	return out
}

// RestoreStates replaces tracked states; used only during startup recovery.
func (le *LiquidationEngine) RestoreStates(states map[common.Address]AccountState) {
	le.mu.Lock()
	defer le.mu.Unlock()

	le.states = make(map[common.Address]AccountState, len(states))
	for k, v := range states {
		if v == AccountStateLiquidationInProgress {
			v = AccountStateLiquidatable
		}
		if v != AccountStateHealthy {
			le.states[k] = v
		}
	}
}

// Checkpoints returns the snapshot of the last committed liquidation per
// account.
func (le *LiquidationEngine) Checkpoints() map[common.Address]uint64 {
	le.mu.Lock()
	defer le.mu.Unlock()

	out := make(map[common.Address]uint64, len(le.lastLiquidated))
	for k, v := range le.lastLiquidated {
		out[k] = v
	}
	return out
}

// RestoreCheckpoints replaces the per-account liquidation checkpoints; used
// only during startup recovery.
func (le *LiquidationEngine) RestoreCheckpoints(cp map[common.Address]uint64) {
	le.mu.Lock()
	defer le.mu.Unlock()

	le.lastLiquidated = make(map[common.Address]uint64, len(cp))
	for k, v := range cp {
		le.lastLiquidated[k] = v
	}
}

// Observe moves account to the status of a fresh assessment. It returns the
// change, or false when the state is unchanged or an in-flight liquidation
// owns the account.
func (le *LiquidationEngine) Observe(a Assessment) (StatusChange, bool) {
	le.mu.Lock()
	defer le.mu.Unlock()
	return le.observeLocked(a)
}

func (le *LiquidationEngine) observeLocked(a Assessment) (StatusChange, bool) {
	if _, busy := le.inProgress[a.Account]; busy {
		return StatusChange{}, false
	}
	return le.transitionLocked(a.Account, a.Status)
}

func (le *LiquidationEngine) transitionLocked(account common.Address, next AccountState) (StatusChange, bool) {
	cur := le.states[account]
	if cur == next || !cur.CanTransitionTo(next) {
		return StatusChange{}, false
	}
	if next == AccountStateHealthy {
		delete(le.states, account)
	} else {
		le.states[account] = next
	}
	return StatusChange{Account: account, From: cur, To: next}, true
}

// Liquidate closes req.Account's position in req.Asset at the current price.
//
// The liquidator must have stake whose value, weighted by stakeRisk, is
// positive; that value also caps how much can be closed in one action. The
// liquidator repays the liability and receives collateral worth the closed
// value plus LiquidationPremium percent of it. Collateral is taken in
// collateral-set order. A shortfall is paid by the insurance fund and what
// it cannot pay is reported as Deficit.
//
// At most one liquidation commits per account per snapshot.
//
// Closed marks the completed action, not the position. A close capped by
// the stake bound still passes through Closed with Remaining > 0, and the
// account then takes its post-close status like any other liquidation.
func (le *LiquidationEngine) Liquidate(req LiquidationRequest, now time.Time) (*LiquidationResult, error) {
	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	le.mu.Lock()
	if _, busy := le.inProgress[req.Account]; busy {
		le.mu.Unlock()
		return nil, ErrAlreadyLiquidating
	}
	if last, ok := le.lastLiquidated[req.Account]; ok && req.Snapshot != 0 && req.Snapshot <= last {
		le.mu.Unlock()
		return nil, fmt.Errorf("snapshot %d already liquidated: %w", req.Snapshot, ErrAlreadyLiquidating)
	}
	le.inProgress[req.Account] = id
	le.mu.Unlock()

	res, err := le.liquidate(id, req, now)

	le.mu.Lock()
	defer le.mu.Unlock()
	delete(le.inProgress, req.Account)
	if err != nil {
		return nil, err
	}

	le.lastLiquidated[req.Account] = res.Snapshot
	for _, next := range []AccountState{AccountStateLiquidatable, AccountStateLiquidationInProgress, AccountStateClosed, res.After.Status} {
		if ch, ok := le.transitionLocked(req.Account, next); ok {
			res.Transitions = append(res.Transitions, ch)
		}
	}
	return res, nil
}

func (le *LiquidationEngine) liquidate(id uuid.UUID, req LiquidationRequest, now time.Time) (*LiquidationResult, error) {
	if req.Liquidator == req.Account {
		return nil, fmt.Errorf("self-liquidation: %w", ErrIneligibleLiquidator)
	}

	before := le.risk.Evaluate(le.ledger, req.Account, now)
	if before.Status != AccountStateLiquidatable {
		return nil, fmt.Errorf("%s is %s: %w", req.Account.Hex(), before.Status, ErrNotLiquidatable)
	}

	pos, ok := le.ledger.Position(req.Account, req.Asset)
	if !ok {
		return nil, fmt.Errorf("%s has no %s position: %w", req.Account.Hex(), req.Asset, ErrNoPosition)
	}

	price, err := le.feed.Price(req.Asset)
	if err != nil {
		return nil, err
	}

	settings := le.cfg.Settings()
	bound := le.stakeBound(req.Liquidator, settings.StakeRisk)
	if bound <= 0 {
		return nil, ErrIneligibleLiquidator
	}

	closeAmount := pos.Liability()
	closeValue := fpmath.Value(closeAmount, price.Price)
	if closeValue > bound {
		closeAmount = fpmath.MulDiv(closeAmount, bound, closeValue, fpmath.RoundDown)
		if closeAmount <= 0 {
			return nil, ErrIneligibleLiquidator
		}
		closeValue = fpmath.Value(closeAmount, price.Price)
	}

	res := &LiquidationResult{
		LiquidationID: id,
		Request:       req,
		Snapshot:      before.Snapshot,
		Price:         price.Price,
		ClosedAmount:  closeAmount,
		Remaining:     pos.Liability() - closeAmount,
		ClosedValue:   closeValue,
		PremiumValue:  fpmath.Percent(closeValue, settings.LiquidationPremium),
		Compensation:  make(map[ledger.Asset]int64),
		Premium:       make(map[ledger.Asset]int64),
		Before:        before,
	}

	tx := le.ledger.Begin(id.String(), now)
	if err := tx.RepayFor(req.Liquidator, req.Account, req.Asset, closeAmount); err != nil {
		return nil, err
	}

	short, err := le.seize(tx, req, settings.CollateralAssets, closeValue, ledger.JournalTypeLiquidationCompensation, res.Compensation)
	if err != nil {
		return nil, err
	}
	premiumShort, err := le.seize(tx, req, settings.CollateralAssets, res.PremiumValue, ledger.JournalTypeLiquidationPremium, res.Premium)
	if err != nil {
		return nil, err
	}

	if short+premiumShort > 0 && le.insurance != nil {
		paid, uncovered, err := le.insurance.Cover(tx, req.Liquidator, short+premiumShort)
		if err != nil {
			return nil, err
		}
		res.InsurancePaid = paid
		res.Deficit = uncovered
	} else {
		res.Deficit = short + premiumShort
	}

	batch, err := tx.Commit()
	if err != nil {
		return nil, err
	}
	res.Batch = batch
	res.After = le.risk.Evaluate(le.ledger, req.Account, now)
	return res, nil
}

// stakeBound is the value of the liquidator's stake that may be put at risk.
func (le *LiquidationEngine) stakeBound(liquidator common.Address, stakeRisk uint8) int64 {
	stake := le.stakes.StakeOf(liquidator)
	if stake <= 0 {
		return 0
	}
	p, err := le.feed.Price(le.stakeAsset)
	if err != nil {
		return 0
	}
	return fpmath.WeightedValue(stake, p.Price, stakeRisk)
}

// seize stages transfers from the account to the liquidator worth value,
// walking the collateral set in order. It returns the value it could not
// take.
func (le *LiquidationEngine) seize(
	tx *ledger.Tx,
	req LiquidationRequest,
	assets []ledger.Asset,
	value int64,
	jt ledger.JournalType,
	taken map[ledger.Asset]int64,
) (int64, error) {
	remaining := value
	for _, asset := range assets {
		if remaining <= 0 {
			break
		}
		free := tx.FreeBalance(req.Account, asset)
		if free <= 0 {
			continue
		}
		p, err := le.feed.Price(asset)
		if err != nil {
			continue
		}
		amt := min(fpmath.AmountForValue(remaining, p.Price), free)
		if err := tx.Transfer(req.Account, req.Liquidator, asset, amt, jt); err != nil {
			return 0, err
		}
		taken[asset] += amt
		remaining -= fpmath.Value(amt, p.Price)
	}
	return max(remaining, 0), nil
}
