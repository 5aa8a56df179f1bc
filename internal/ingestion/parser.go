package ingestion

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/order"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. Amounts arrive as decimal strings and are converted to
// fixed-point here, so the core never sees a float.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "TradeSubmitted":
		return parseTradeSubmitted(raw.Data)
	case "DepositConfirmed":
		return parseDepositConfirmed(raw.Data)
	case "InsuranceFunded":
		return parseInsuranceFunded(raw.Data)
	case "WithdrawalRequested":
		return parseWithdrawalRequested(raw.Data)
	case "CloseOutRequested":
		return parseCloseOutRequested(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	case "StakeUpdate":
		return parseStakeUpdate(raw.Data)
	case "LiquidationRequested":
		return parseLiquidationRequested(raw.Data)
	case "MarginSettingsUpdated":
		return parseMarginSettingsUpdated(raw.Data)
	case "AssetRisksUpdated":
		return parseAssetRisksUpdated(raw.Data)
	case "PairRulesUpdated":
		return parsePairRulesUpdated(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type orderJSON struct {
	Sender       string `json:"sender"`
	Matcher      string `json:"matcher"`
	BaseAsset    string `json:"base_asset"`
	QuoteAsset   string `json:"quote_asset"`
	Side         string `json:"side"` // "buy" or "sell"
	Amount       string `json:"amount"`
	Price        string `json:"price"`
	MatcherFee   string `json:"matcher_fee"`
	Nonce        uint64 `json:"nonce"`
	ExpirationMs int64  `json:"expiration_ms"`
	UseMargin    bool   `json:"use_margin"`
	Signature    string `json:"signature"` // 0x-prefixed, 65 bytes
}

type tradeJSON struct {
	Buy          orderJSON `json:"buy"`
	Sell         orderJSON `json:"sell"`
	FillAmount   string    `json:"fill_amount"`
	FillPrice    string    `json:"fill_price"`
	Sequence     int64     `json:"sequence"`
	ReceivedAtUs int64     `json:"received_at_us"`
}

func parseTradeSubmitted(data []byte) (*event.TradeSubmitted, error) {
	var j tradeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TradeSubmitted: %w", err)
	}

	buy, err := parseOrder("buy", j.Buy)
	if err != nil {
		return nil, err
	}
	sell, err := parseOrder("sell", j.Sell)
	if err != nil {
		return nil, err
	}
	fillAmount, err := parseAmount("fill_amount", j.FillAmount)
	if err != nil {
		return nil, err
	}
	fillPrice, err := parseAmount("fill_price", j.FillPrice)
	if err != nil {
		return nil, err
	}

	return &event.TradeSubmitted{
		Trade: order.Trade{
			Buy:        buy,
			Sell:       sell,
			FillAmount: fillAmount,
			FillPrice:  fillPrice,
		},
		Sequence:   j.Sequence,
		ReceivedAt: time.UnixMicro(j.ReceivedAtUs),
	}, nil
}

func parseOrder(leg string, j orderJSON) (*order.Order, error) {
	sender, err := parseAddress(leg+".sender", j.Sender)
	if err != nil {
		return nil, err
	}
	matcher, err := parseAddress(leg+".matcher", j.Matcher)
	if err != nil {
		return nil, err
	}
	side, err := order.ParseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse %s.side: %w", leg, err)
	}
	amount, err := parseAmount(leg+".amount", j.Amount)
	if err != nil {
		return nil, err
	}
	price, err := parseAmount(leg+".price", j.Price)
	if err != nil {
		return nil, err
	}
	fee, err := parseAmount(leg+".matcher_fee", j.MatcherFee)
	if err != nil {
		return nil, err
	}
	sig, err := hexutil.Decode(j.Signature)
	if err != nil {
		return nil, fmt.Errorf("parse %s.signature: %w", leg, err)
	}

	return &order.Order{
		Sender:     sender,
		Matcher:    matcher,
		BaseAsset:  ledger.Asset(j.BaseAsset),
		QuoteAsset: ledger.Asset(j.QuoteAsset),
		Side:       side,
		Amount:     amount,
		Price:      price,
		MatcherFee: fee,
		Nonce:      j.Nonce,
		Expiration: j.ExpirationMs,
		UseMargin:  j.UseMargin,
		Signature:  sig,
	}, nil
}

type depositJSON struct {
	DepositID string `json:"deposit_id"`
	Owner     string `json:"owner"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Sequence  int64  `json:"sequence"`
}

func parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositConfirmed: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.DepositConfirmed{
		DepositID: depositID,
		Owner:     owner,
		Asset:     ledger.Asset(j.Asset),
		Amount:    amount,
		Sequence:  j.Sequence,
	}, nil
}

type insuranceJSON struct {
	FundingID string `json:"funding_id"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Sequence  int64  `json:"sequence"`
}

func parseInsuranceFunded(data []byte) (*event.InsuranceFunded, error) {
	var j insuranceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse InsuranceFunded: %w", err)
	}
	fundingID, err := uuid.Parse(j.FundingID)
	if err != nil {
		return nil, fmt.Errorf("parse funding_id: %w", err)
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.InsuranceFunded{
		FundingID: fundingID,
		Asset:     ledger.Asset(j.Asset),
		Amount:    amount,
		Sequence:  j.Sequence,
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	Owner        string `json:"owner"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	Sequence     int64  `json:"sequence"`
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRequested: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawalRequested{
		WithdrawalID: wdID,
		Owner:        owner,
		Asset:        ledger.Asset(j.Asset),
		Amount:       amount,
		Sequence:     j.Sequence,
	}, nil
}

type closeOutJSON struct {
	RequestID string `json:"request_id"`
	Owner     string `json:"owner"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Sequence  int64  `json:"sequence"`
}

func parseCloseOutRequested(data []byte) (*event.CloseOutRequested, error) {
	var j closeOutJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CloseOutRequested: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.CloseOutRequested{
		RequestID: requestID,
		Owner:     owner,
		Asset:     ledger.Asset(j.Asset),
		Amount:    amount,
		Sequence:  j.Sequence,
	}, nil
}

type priceJSON struct {
	Asset         string `json:"asset"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	ObservedAt    int64  `json:"observed_at"` // Unix seconds, as signed
	Signature     string `json:"signature"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	price, err := parseAmount("price", j.Price)
	if err != nil {
		return nil, err
	}
	var sig []byte
	if j.Signature != "" {
		if sig, err = hexutil.Decode(j.Signature); err != nil {
			return nil, fmt.Errorf("parse signature: %w", err)
		}
	}
	return &event.PriceUpdate{
		Asset:         ledger.Asset(j.Asset),
		Price:         price,
		PriceSequence: j.PriceSequence,
		ObservedAt:    time.Unix(j.ObservedAt, 0),
		Signature:     sig,
	}, nil
}

type stakeJSON struct {
	Staker string `json:"staker"`
	Amount string `json:"amount"`
	Block  int64  `json:"block"`
}

func parseStakeUpdate(data []byte) (*event.StakeUpdate, error) {
	var j stakeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse StakeUpdate: %w", err)
	}
	staker, err := parseAddress("staker", j.Staker)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.StakeUpdate{Staker: staker, Amount: amount, Sequence: j.Block}, nil
}

type liquidationJSON struct {
	RequestID  string `json:"request_id"`
	Liquidator string `json:"liquidator"`
	Owner      string `json:"owner"`
	Asset      string `json:"asset"`
	Snapshot   uint64 `json:"snapshot"`
	Sequence   int64  `json:"sequence"`
}

func parseLiquidationRequested(data []byte) (*event.LiquidationRequested, error) {
	var j liquidationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidationRequested: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	liquidator, err := parseAddress("liquidator", j.Liquidator)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	return &event.LiquidationRequested{
		RequestID:  requestID,
		Liquidator: liquidator,
		Owner:      owner,
		Asset:      ledger.Asset(j.Asset),
		Snapshot:   j.Snapshot,
		Sequence:   j.Sequence,
	}, nil
}

type marginSettingsJSON struct {
	RequestID              string   `json:"request_id"`
	Caller                 string   `json:"caller"`
	CollateralAssets       []string `json:"collateral_assets"`
	StakeRisk              uint8    `json:"stake_risk"`
	LiquidationPremium     uint64   `json:"liquidation_premium"`
	PriceOverdueSeconds    uint64   `json:"price_overdue_seconds"`
	PositionOverdueSeconds uint64   `json:"position_overdue_seconds"`
	Sequence               int64    `json:"sequence"`
}

func parseMarginSettingsUpdated(data []byte) (*event.MarginSettingsUpdated, error) {
	var j marginSettingsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarginSettingsUpdated: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	return &event.MarginSettingsUpdated{
		RequestID:              requestID,
		Caller:                 caller,
		CollateralAssets:       toAssets(j.CollateralAssets),
		StakeRisk:              j.StakeRisk,
		LiquidationPremium:     j.LiquidationPremium,
		PriceOverdueSeconds:    j.PriceOverdueSeconds,
		PositionOverdueSeconds: j.PositionOverdueSeconds,
		Sequence:               j.Sequence,
	}, nil
}

type assetRisksJSON struct {
	RequestID string   `json:"request_id"`
	Caller    string   `json:"caller"`
	Assets    []string `json:"assets"`
	Weights   []int    `json:"weights"` // 0..255
	Sequence  int64    `json:"sequence"`
}

func parseAssetRisksUpdated(data []byte) (*event.AssetRisksUpdated, error) {
	var j assetRisksJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AssetRisksUpdated: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	weights := make([]uint8, len(j.Weights))
	for i, w := range j.Weights {
		if w < 0 || w > 255 {
			return nil, fmt.Errorf("parse weights[%d]: %d out of range", i, w)
		}
		weights[i] = uint8(w)
	}
	return &event.AssetRisksUpdated{
		RequestID: requestID,
		Caller:    caller,
		Assets:    toAssets(j.Assets),
		Weights:   weights,
		Sequence:  j.Sequence,
	}, nil
}

type pairRulesJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Base      string `json:"base"`
	Quote     string `json:"quote"`
	TickSize  string `json:"tick_size"`
	LotSize   string `json:"lot_size"`
	Sequence  int64  `json:"sequence"`
}

func parsePairRulesUpdated(data []byte) (*event.PairRulesUpdated, error) {
	var j pairRulesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PairRulesUpdated: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	tick, err := parseAmount("tick_size", j.TickSize)
	if err != nil {
		return nil, err
	}
	lot, err := parseAmount("lot_size", j.LotSize)
	if err != nil {
		return nil, err
	}
	return &event.PairRulesUpdated{
		RequestID: requestID,
		Caller:    caller,
		Base:      ledger.Asset(j.Base),
		Quote:     ledger.Asset(j.Quote),
		TickSize:  tick,
		LotSize:   lot,
		Sequence:  j.Sequence,
	}, nil
}

// --- field helpers ---

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (int64, error) {
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

func toAssets(ss []string) []ledger.Asset {
	out := make([]ledger.Asset, len(ss))
	for i, s := range ss {
		out[i] = ledger.Asset(s)
	}
	return out
}
