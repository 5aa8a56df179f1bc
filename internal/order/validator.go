package order

import (
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("order expired")
	ErrReplayed         = errors.New("order already consumed")
	ErrMalformedAmounts = errors.New("malformed amounts")
	ErrUnsupportedAsset = errors.New("unsupported asset")
)

// ConsumedSet answers whether an order hash has already been settled.
type ConsumedSet interface {
	IsConsumed(hash common.Hash) (bool, error)
}

// Validator checks trades before they may touch the ledger. It reads the
// consumed set and configuration but never mutates anything.
type Validator struct {
	domain   Domain
	cfg      *state.Configurer
	consumed ConsumedSet
}

func NewValidator(domain Domain, cfg *state.Configurer, consumed ConsumedSet) *Validator {
	return &Validator{
		domain:   domain,
		cfg:      cfg,
		consumed: consumed,
	}
}

func (v *Validator) Domain() Domain {
	return v.domain
}

// Validate runs every check on both orders and on the fill, in order:
// signature, expiry, replay, amounts, assets.
func (v *Validator) Validate(t *Trade, now time.Time) error {
	if t == nil || t.Buy == nil || t.Sell == nil {
		return fmt.Errorf("trade needs both orders: %w", ErrMalformedAmounts)
	}

	for _, o := range []*Order{t.Buy, t.Sell} {
		if err := v.checkSignature(o); err != nil {
			return err
		}
	}
	for _, o := range []*Order{t.Buy, t.Sell} {
		if o.Expiration <= now.UnixMilli() {
			return fmt.Errorf("%s order expired at %d: %w", o.Side, o.Expiration, ErrExpired)
		}
	}
	for _, o := range []*Order{t.Buy, t.Sell} {
		consumed, err := v.consumed.IsConsumed(o.Hash(v.domain))
		if err != nil {
			return fmt.Errorf("consumed lookup: %w", err)
		}
		if consumed {
			return fmt.Errorf("%s order %s: %w", o.Side, o.Hash(v.domain).Hex(), ErrReplayed)
		}
	}
	if err := v.checkAmounts(t); err != nil {
		return err
	}
	return v.checkAssets(t)
}

func (v *Validator) checkSignature(o *Order) error {
	signer, err := o.Signer(v.domain)
	if err != nil {
		return fmt.Errorf("%s order: %v: %w", o.Side, err, ErrInvalidSignature)
	}
	if signer != o.Sender {
		return fmt.Errorf("%s order signed by %s, sender %s: %w", o.Side, signer.Hex(), o.Sender.Hex(), ErrInvalidSignature)
	}
	return nil
}

func (v *Validator) checkAmounts(t *Trade) error {
	b, s := t.Buy, t.Sell

	if b.Side != SideBuy || s.Side != SideSell {
		return fmt.Errorf("sides must be buy and sell: %w", ErrMalformedAmounts)
	}
	if b.BaseAsset != s.BaseAsset || b.QuoteAsset != s.QuoteAsset {
		return fmt.Errorf("pair mismatch %s/%s vs %s/%s: %w", b.BaseAsset, b.QuoteAsset, s.BaseAsset, s.QuoteAsset, ErrMalformedAmounts)
	}
	if b.BaseAsset == b.QuoteAsset || b.BaseAsset == "" || b.QuoteAsset == "" {
		return fmt.Errorf("invalid pair %s/%s: %w", b.BaseAsset, b.QuoteAsset, ErrMalformedAmounts)
	}
	if b.Sender == s.Sender {
		return fmt.Errorf("self-trade by %s: %w", b.Sender.Hex(), ErrMalformedAmounts)
	}

	for _, o := range []*Order{b, s} {
		if o.Amount <= 0 || o.Price <= 0 {
			return fmt.Errorf("%s order amount=%d price=%d: %w", o.Side, o.Amount, o.Price, ErrMalformedAmounts)
		}
		if o.MatcherFee < 0 {
			return fmt.Errorf("%s order fee=%d: %w", o.Side, o.MatcherFee, ErrMalformedAmounts)
		}
	}
	if t.FillAmount <= 0 || t.FillPrice <= 0 {
		return fmt.Errorf("fill amount=%d price=%d: %w", t.FillAmount, t.FillPrice, ErrMalformedAmounts)
	}
	if t.FillAmount > b.Amount || t.FillAmount > s.Amount {
		return fmt.Errorf("fill %d exceeds order amount: %w", t.FillAmount, ErrMalformedAmounts)
	}
	if t.FillPrice > b.Price || t.FillPrice < s.Price {
		return fmt.Errorf("fill price %d outside [%d, %d]: %w", t.FillPrice, s.Price, b.Price, ErrMalformedAmounts)
	}
	if fpmath.Value(t.FillAmount, t.FillPrice) <= 0 {
		return fmt.Errorf("fill rounds to zero quote: %w", ErrMalformedAmounts)
	}

	if rules, ok := v.cfg.Pairs().Get(b.BaseAsset, b.QuoteAsset); ok {
		for _, p := range []int64{b.Price, s.Price, t.FillPrice} {
			if p%rules.TickSize != 0 {
				return fmt.Errorf("price %d off tick %d: %w", p, rules.TickSize, ErrMalformedAmounts)
			}
		}
		for _, q := range []int64{b.Amount, s.Amount, t.FillAmount} {
			if q%rules.LotSize != 0 {
				return fmt.Errorf("amount %d off lot %d: %w", q, rules.LotSize, ErrMalformedAmounts)
			}
		}
	}
	return nil
}

func (v *Validator) checkAssets(t *Trade) error {
	settings := v.cfg.Settings()
	for _, o := range []*Order{t.Buy, t.Sell} {
		if !o.UseMargin {
			continue
		}
		for _, a := range []ledger.Asset{o.BaseAsset, o.QuoteAsset} {
			if !settings.IsCollateral(a) {
				return fmt.Errorf("%s order margins %s: %w", o.Side, a, ErrUnsupportedAsset)
			}
		}
	}
	return nil
}
