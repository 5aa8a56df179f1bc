package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty payload value for t.
func New(t EventType) (Event, error) {
	switch t {
	case EventTypeTradeSubmitted:
		return &TradeSubmitted{}, nil
	case EventTypeDepositConfirmed:
		return &DepositConfirmed{}, nil
	case EventTypeWithdrawalRequested:
		return &WithdrawalRequested{}, nil
	case EventTypePriceUpdate:
		return &PriceUpdate{}, nil
	case EventTypeLiquidationRequested:
		return &LiquidationRequested{}, nil
	case EventTypeLiquidationExecuted:
		return &LiquidationExecuted{}, nil
	case EventTypeCloseOutRequested:
		return &CloseOutRequested{}, nil
	case EventTypeStakeUpdate:
		return &StakeUpdate{}, nil
	case EventTypeInsuranceFunded:
		return &InsuranceFunded{}, nil
	case EventTypeMarginSettingsUpdated:
		return &MarginSettingsUpdated{}, nil
	case EventTypeAssetRisksUpdated:
		return &AssetRisksUpdated{}, nil
	case EventTypePairRulesUpdated:
		return &PairRulesUpdated{}, nil
	case EventTypeAccountStatusChanged:
		return &AccountStatusChanged{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %d", t)
	}
}

// Decode rebuilds an event from its log payload.
func Decode(t EventType, payload []byte) (Event, error) {
	evt, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return evt, nil
}
