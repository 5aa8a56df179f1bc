package ingestion_test

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/order"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	aliceHex   = "0x00000000000000000000000000000000000a11ce"
	bobHex     = "0x0000000000000000000000000000000000000b0b"
	matcherHex = "0x000000000000000000000000000000000000fee5"
	adminHex   = "0x000000000000000000000000000000000000ad51"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

// ============================================================================
// Trades
// ============================================================================

func signedOrderJSON(t *testing.T, side order.Side) (map[string]interface{}, *order.Order) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	o := &order.Order{
		Sender:     crypto.PubkeyToAddress(key.PublicKey),
		Matcher:    common.HexToAddress(matcherHex),
		BaseAsset:  "WBTC",
		QuoteAsset: "USDC",
		Side:       side,
		Amount:     50_000_000,
		Price:      3_000_000_000_000,
		MatcherFee: 500_000_000,
		Nonce:      7,
		Expiration: 1_800_000_000_000,
		UseMargin:  side == order.SideBuy,
	}
	domain := order.Domain{Name: "MarginLedger", Version: "1", ChainID: 1}
	if err := o.Sign(key, domain); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return map[string]interface{}{
		"sender":        o.Sender.Hex(),
		"matcher":       matcherHex,
		"base_asset":    "WBTC",
		"quote_asset":   "USDC",
		"side":          side.String(),
		"amount":        "0.5",
		"price":         "30000",
		"matcher_fee":   "5",
		"nonce":         7,
		"expiration_ms": int64(1_800_000_000_000),
		"use_margin":    side == order.SideBuy,
		"signature":     hexutil.Encode(o.Signature),
	}, o
}

func TestParseTradeSubmitted(t *testing.T) {
	buyJSON, buy := signedOrderJSON(t, order.SideBuy)
	sellJSON, sell := signedOrderJSON(t, order.SideSell)

	payload := map[string]interface{}{
		"buy":            buyJSON,
		"sell":           sellJSON,
		"fill_amount":    "0.5",
		"fill_price":     "30000",
		"sequence":       int64(42),
		"received_at_us": int64(1_700_000_000_000_000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "TradeSubmitted")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ts, ok := evt.(*event.TradeSubmitted)
	if !ok {
		t.Fatalf("expected *event.TradeSubmitted, got %T", evt)
	}

	if ts.Trade.FillAmount != 50_000_000 {
		t.Errorf("fill_amount: got %d, want 50_000_000", ts.Trade.FillAmount)
	}
	if ts.Trade.FillPrice != 3_000_000_000_000 {
		t.Errorf("fill_price: got %d, want 3_000_000_000_000", ts.Trade.FillPrice)
	}
	if ts.Trade.Buy.MatcherFee != 500_000_000 {
		t.Errorf("matcher_fee: got %d, want 500_000_000", ts.Trade.Buy.MatcherFee)
	}
	if ts.Trade.Buy.Side != order.SideBuy || ts.Trade.Sell.Side != order.SideSell {
		t.Errorf("sides: got %s/%s", ts.Trade.Buy.Side, ts.Trade.Sell.Side)
	}
	if !ts.Trade.Buy.UseMargin || ts.Trade.Sell.UseMargin {
		t.Error("use_margin flags not carried")
	}
	if ts.SourceSequence() != 42 {
		t.Errorf("sequence: got %d, want 42", ts.SourceSequence())
	}

	// Parsed orders must hash and recover exactly as signed.
	domain := order.Domain{Name: "MarginLedger", Version: "1", ChainID: 1}
	if got, want := ts.Trade.Buy.Hash(domain), buy.Hash(domain); got != want {
		t.Errorf("buy hash: got %s, want %s", got.Hex(), want.Hex())
	}
	signer, err := ts.Trade.Sell.Signer(domain)
	if err != nil {
		t.Fatalf("recover sell signer: %v", err)
	}
	if signer != sell.Sender {
		t.Errorf("sell signer: got %s, want %s", signer.Hex(), sell.Sender.Hex())
	}
}

func TestParseTradeSubmitted_BadSide(t *testing.T) {
	buyJSON, _ := signedOrderJSON(t, order.SideBuy)
	sellJSON, _ := signedOrderJSON(t, order.SideSell)
	sellJSON["side"] = "short"

	payload := map[string]interface{}{
		"buy":         buyJSON,
		"sell":        sellJSON,
		"fill_amount": "0.5",
		"fill_price":  "30000",
	}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "TradeSubmitted"); err == nil {
		t.Fatal("expected error for unknown side")
	}
}

func TestParseTradeSubmitted_BadSignatureHex(t *testing.T) {
	buyJSON, _ := signedOrderJSON(t, order.SideBuy)
	sellJSON, _ := signedOrderJSON(t, order.SideSell)
	buyJSON["signature"] = "not-hex"

	payload := map[string]interface{}{
		"buy":         buyJSON,
		"sell":        sellJSON,
		"fill_amount": "0.5",
		"fill_price":  "30000",
	}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "TradeSubmitted"); err == nil {
		t.Fatal("expected error for malformed signature")
	}
}

// ============================================================================
// Custody
// ============================================================================

func TestParseDepositConfirmed(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id": "550e8400-e29b-41d4-a716-446655440000",
		"owner":      aliceHex,
		"asset":      "USDC",
		"amount":     "1000.25",
		"sequence":   int64(1),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "DepositConfirmed")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dc, ok := evt.(*event.DepositConfirmed)
	if !ok {
		t.Fatalf("expected *event.DepositConfirmed, got %T", evt)
	}
	if dc.Amount != 100_025_000_000 {
		t.Errorf("amount: got %d, want 100_025_000_000", dc.Amount)
	}
	if dc.Owner != common.HexToAddress(aliceHex) {
		t.Errorf("owner: got %s, want %s", dc.Owner.Hex(), aliceHex)
	}
	if dc.Asset != "USDC" {
		t.Errorf("asset: got %s, want USDC", dc.Asset)
	}
	if dc.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", dc.IdempotencyKey())
	}
}

func TestParseDepositConfirmed_InvalidFields(t *testing.T) {
	base := func() map[string]interface{} {
		return map[string]interface{}{
			"deposit_id": "550e8400-e29b-41d4-a716-446655440000",
			"owner":      aliceHex,
			"asset":      "USDC",
			"amount":     "10",
			"sequence":   int64(1),
		}
	}

	tests := []struct {
		name  string
		field string
		value interface{}
	}{
		{"bad uuid", "deposit_id", "not-a-uuid"},
		{"bad owner", "owner", "0x1234"},
		{"bad amount", "amount", "ten"},
		{"too many decimals", "amount", "0.000000001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := base()
			payload[tt.field] = tt.value
			if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "DepositConfirmed"); err == nil {
				t.Errorf("expected error for %s=%v", tt.field, tt.value)
			}
		})
	}
}

func TestParseWithdrawalAndCloseOut(t *testing.T) {
	wd := map[string]interface{}{
		"withdrawal_id": "660e8400-e29b-41d4-a716-446655440001",
		"owner":         aliceHex,
		"asset":         "WETH",
		"amount":        "1.5",
		"sequence":      int64(3),
	}
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, wd), "WithdrawalRequested")
	if err != nil {
		t.Fatalf("parse withdrawal: %v", err)
	}
	w := evt.(*event.WithdrawalRequested)
	if w.Amount != 150_000_000 || w.Asset != "WETH" || w.SourceSequence() != 3 {
		t.Errorf("withdrawal: got amount=%d asset=%s seq=%d", w.Amount, w.Asset, w.SourceSequence())
	}

	co := map[string]interface{}{
		"request_id": "770e8400-e29b-41d4-a716-446655440002",
		"owner":      bobHex,
		"asset":      "USDC",
		"amount":     "250",
		"sequence":   int64(4),
	}
	evt, err = ingestion.ParseRawEvent(rawFromJSON(t, co), "CloseOutRequested")
	if err != nil {
		t.Fatalf("parse close-out: %v", err)
	}
	c := evt.(*event.CloseOutRequested)
	if c.Amount != 25_000_000_000 || c.Owner != common.HexToAddress(bobHex) {
		t.Errorf("close-out: got amount=%d owner=%s", c.Amount, c.Owner.Hex())
	}
}

func TestParseInsuranceFunded(t *testing.T) {
	payload := map[string]interface{}{
		"funding_id": "880e8400-e29b-41d4-a716-446655440003",
		"asset":      "USDC",
		"amount":     "50000",
		"sequence":   int64(1),
	}
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "InsuranceFunded")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	f := evt.(*event.InsuranceFunded)
	if f.Amount != 5_000_000_000_000 {
		t.Errorf("amount: got %d, want 5_000_000_000_000", f.Amount)
	}
	if f.Account() != nil {
		t.Error("insurance funding should be a global event")
	}
}

// ============================================================================
// Oracle, stakes, liquidation
// ============================================================================

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"asset":          "WBTC",
		"price":          "30123.45",
		"price_sequence": int64(100),
		"observed_at":    int64(1_700_000_000),
		"signature":      "0x" + "ab",
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pu := evt.(*event.PriceUpdate)
	if pu.Price != 3_012_345_000_000 {
		t.Errorf("price: got %d, want 3_012_345_000_000", pu.Price)
	}
	if pu.PriceSequence != 100 {
		t.Errorf("price_sequence: got %d, want 100", pu.PriceSequence)
	}
	if !pu.ObservedAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("observed_at: got %v", pu.ObservedAt)
	}
	if len(pu.Signature) != 1 || pu.Signature[0] != 0xab {
		t.Errorf("signature: got %x", []byte(pu.Signature))
	}
	if pu.IdempotencyKey() != "WBTC:price:100" {
		t.Errorf("idempotency key: got %s", pu.IdempotencyKey())
	}
}

func TestParsePriceUpdate_Unsigned(t *testing.T) {
	payload := map[string]interface{}{
		"asset":          "USDC",
		"price":          "1",
		"price_sequence": int64(1),
		"observed_at":    int64(1_700_000_000),
	}
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if sig := evt.(*event.PriceUpdate).Signature; len(sig) != 0 {
		t.Errorf("expected empty signature, got %x", []byte(sig))
	}
}

func TestParseStakeUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"staker": bobHex,
		"amount": "1200",
		"block":  int64(18_000_000),
	}
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "StakeUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	s := evt.(*event.StakeUpdate)
	if s.Amount != 120_000_000_000 || s.Sequence != 18_000_000 {
		t.Errorf("stake: got amount=%d block=%d", s.Amount, s.Sequence)
	}
}

func TestParseLiquidationRequested(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": "990e8400-e29b-41d4-a716-446655440004",
		"liquidator": bobHex,
		"owner":      aliceHex,
		"asset":      "USDC",
		"snapshot":   uint64(12),
		"sequence":   int64(9),
	}
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "LiquidationRequested")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	l := evt.(*event.LiquidationRequested)
	if l.Liquidator != common.HexToAddress(bobHex) || l.Owner != common.HexToAddress(aliceHex) {
		t.Errorf("addresses: got liquidator=%s owner=%s", l.Liquidator.Hex(), l.Owner.Hex())
	}
	if l.Snapshot != 12 {
		t.Errorf("snapshot: got %d, want 12", l.Snapshot)
	}
	if acct := l.Account(); acct == nil || *acct != common.HexToAddress(aliceHex) {
		t.Errorf("account scope: got %v", acct)
	}
}

// ============================================================================
// Admin
// ============================================================================

func TestParseMarginSettingsUpdated(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":               "aa0e8400-e29b-41d4-a716-446655440005",
		"caller":                   adminHex,
		"collateral_assets":        []string{"USDC", "WBTC", "WETH"},
		"stake_risk":               200,
		"liquidation_premium":      12,
		"price_overdue_seconds":    3600,
		"position_overdue_seconds": 86400,
		"sequence":                 int64(1),
	}
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "MarginSettingsUpdated")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	m := evt.(*event.MarginSettingsUpdated)
	if len(m.CollateralAssets) != 3 || m.CollateralAssets[1] != "WBTC" {
		t.Errorf("collateral assets: got %v", m.CollateralAssets)
	}
	if m.StakeRisk != 200 || m.LiquidationPremium != 12 {
		t.Errorf("stake_risk/premium: got %d/%d", m.StakeRisk, m.LiquidationPremium)
	}
	if m.PriceOverdueSeconds != 3600 || m.PositionOverdueSeconds != 86400 {
		t.Errorf("overdue: got %d/%d", m.PriceOverdueSeconds, m.PositionOverdueSeconds)
	}
}

func TestParseAssetRisksUpdated(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": "bb0e8400-e29b-41d4-a716-446655440006",
		"caller":     adminHex,
		"assets":     []string{"WBTC", "WETH"},
		"weights":    []int{204, 191},
		"sequence":   int64(2),
	}
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "AssetRisksUpdated")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	a := evt.(*event.AssetRisksUpdated)
	if len(a.Weights) != 2 || a.Weights[0] != 204 || a.Weights[1] != 191 {
		t.Errorf("weights: got %v", a.Weights)
	}

	payload["weights"] = []int{204, 256}
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "AssetRisksUpdated"); err == nil {
		t.Error("expected error for weight above 255")
	}
}

func TestParsePairRulesUpdated(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": "cc0e8400-e29b-41d4-a716-446655440007",
		"caller":     adminHex,
		"base":       "WBTC",
		"quote":      "USDC",
		"tick_size":  "0.5",
		"lot_size":   "0.001",
		"sequence":   int64(3),
	}
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PairRulesUpdated")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	p := evt.(*event.PairRulesUpdated)
	if p.TickSize != 50_000_000 || p.LotSize != 100_000 {
		t.Errorf("tick/lot: got %d/%d", p.TickSize, p.LotSize)
	}
}

// ============================================================================
// Errors
// ============================================================================

func TestParseUnknownEventType(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{})
	if _, err := ingestion.ParseRawEvent(raw, "FundingEpochSettle"); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseInvalidJSON(t *testing.T) {
	raw := ingestion.RawEvent{
		Subject: "test",
		Data:    []byte("not json"),
	}
	for _, et := range []string{"TradeSubmitted", "DepositConfirmed", "PriceUpdate", "AssetRisksUpdated"} {
		if _, err := ingestion.ParseRawEvent(raw, et); err == nil {
			t.Errorf("%s: expected error for invalid JSON", et)
		}
	}
}

// ============================================================================
// Subject routing
// ============================================================================

func TestSubjectResolver(t *testing.T) {
	r := ingestion.NewSubjectResolver(ingestion.DefaultSubjects())

	tests := []struct {
		subject string
		want    string
	}{
		{"margin.trades.WBTC-USDC", "TradeSubmitted"},
		{"margin.prices.WBTC", "PriceUpdate"},
		{"margin.deposits.0xabc", "DepositConfirmed"},
		{"margin.closeouts.0xabc", "CloseOutRequested"},
		{"margin.admin.risks.1", "AssetRisksUpdated"},
		{"margin.admin.pairs.WBTC-USDC", "PairRulesUpdated"},
		{"margin.tradesx.1", ""},
		{"perp.trades.BTC", ""},
	}
	for _, tt := range tests {
		if got := r.Resolve(tt.subject); got != tt.want {
			t.Errorf("Resolve(%q): got %q, want %q", tt.subject, got, tt.want)
		}
	}
}

func TestInboundStreamsCoverSubjects(t *testing.T) {
	streams := make(map[string]bool)
	for _, s := range ingestion.InboundStreams() {
		streams[s.Name] = true
	}
	for _, cfg := range ingestion.DefaultSubjects() {
		if !streams[cfg.StreamName] {
			t.Errorf("subject %s bound to missing stream %s", cfg.Subject, cfg.StreamName)
		}
	}
}

func TestPublishableEventSubject(t *testing.T) {
	acct := aliceHex
	evt := ingestion.PublishableEvent{EventType: "DepositConfirmed", Account: &acct}
	if got, want := evt.Subject(), "margin.ledger.events.DepositConfirmed."+aliceHex; got != want {
		t.Errorf("subject: got %s, want %s", got, want)
	}
	evt.Account = nil
	if got, want := evt.Subject(), "margin.ledger.events.DepositConfirmed"; got != want {
		t.Errorf("subject: got %s, want %s", got, want)
	}
}
