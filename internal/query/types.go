package query

import "time"

// Amounts are rendered as decimal strings with up to eight fractional digits.

// BalanceResponse is one projected ledger balance.
type BalanceResponse struct {
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PositionResponse is an open borrow.
type PositionResponse struct {
	Asset     string    `json:"asset"`
	Size      string    `json:"size"`
	Liability string    `json:"liability"`
	OpenedAt  time.Time `json:"opened_at"`
}

// AccountResponse is the live risk view of an account, read from the core.
type AccountResponse struct {
	Account     string             `json:"account"`
	Status      string             `json:"status"`
	Evaluated   string             `json:"evaluated_status"`
	Ratio       string             `json:"ratio"`
	Collateral  string             `json:"collateral"`
	Exposure    string             `json:"exposure"`
	Version     uint64             `json:"version"`
	Balances    map[string]string  `json:"balances"`
	Reserved    map[string]string  `json:"reserved,omitempty"`
	Positions   []PositionResponse `json:"positions"`
	Stale       []string           `json:"stale_prices,omitempty"`
	Missing     []string           `json:"missing_prices,omitempty"`
	Overdue     []string           `json:"overdue_positions,omitempty"`
	Uncounted   []string           `json:"uncounted_assets,omitempty"`
	EvaluatedAt time.Time          `json:"evaluated_at"`
	AsOf        int64              `json:"as_of_sequence"`
}

// AccountStatusResponse is the projected status of an account.
type AccountStatusResponse struct {
	Account      string    `json:"account"`
	Status       string    `json:"status"`
	Ratio        string    `json:"ratio"`
	LastSequence int64     `json:"last_sequence"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LiquidationResponse is one executed liquidation.
type LiquidationResponse struct {
	LiquidationID string    `json:"liquidation_id"`
	Account       string    `json:"account"`
	Liquidator    string    `json:"liquidator"`
	Asset         string    `json:"asset"`
	ClosedAmount  string    `json:"closed_amount"`
	PremiumValue  string    `json:"premium_value"`
	InsurancePaid string    `json:"insurance_paid"`
	Deficit       string    `json:"deficit"`
	Sequence      int64     `json:"sequence"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// OrderStatusResponse reports whether an order hash has been settled.
type OrderStatusResponse struct {
	OrderHash string `json:"order_hash"`
	Consumed  bool   `json:"consumed"`
}

// SettingsResponse is the active risk configuration.
type SettingsResponse struct {
	CollateralAssets       []string         `json:"collateral_assets"`
	StakeRisk              uint8            `json:"stake_risk"`
	LiquidationPremium     uint64           `json:"liquidation_premium"`
	PriceOverdueSeconds    uint64           `json:"price_overdue_seconds"`
	PositionOverdueSeconds uint64           `json:"position_overdue_seconds"`
	AssetRisks             map[string]uint8 `json:"asset_risks"`
	Admin                  string           `json:"admin"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	LiveStateHash    string            `json:"live_state_hash"`
	LogStateHash     string            `json:"log_state_hash"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
