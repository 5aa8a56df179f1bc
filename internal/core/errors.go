package core

import (
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/order"
	"MarginLedger/internal/state"
	"errors"
)

var (
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrUnknownEvent           = errors.New("unknown event type")
)

// RejectReason maps an error to a stable label for metrics and logs.
func RejectReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, state.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, state.ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, order.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, order.ErrExpired):
		return "expired"
	case errors.Is(err, order.ErrReplayed):
		return "replayed"
	case errors.Is(err, order.ErrMalformedAmounts):
		return "malformed_amounts"
	case errors.Is(err, order.ErrUnsupportedAsset):
		return "unsupported_asset"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ledger.ErrNoLiability):
		return "no_liability"
	case errors.Is(err, state.ErrNoPriceAvailable):
		return "no_price"
	case errors.Is(err, state.ErrInvalidOracleSignature):
		return "invalid_oracle_signature"
	case errors.Is(err, state.ErrAlreadyLiquidating):
		return "already_liquidating"
	case errors.Is(err, state.ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, state.ErrNoPosition):
		return "no_position"
	case errors.Is(err, state.ErrIneligibleLiquidator):
		return "ineligible_liquidator"
	case errors.Is(err, ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, ErrUnknownEvent):
		return "unknown_event"
	default:
		return "invalid"
	}
}
