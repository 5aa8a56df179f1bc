package event

import (
	"MarginLedger/internal/order"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TradeSubmitted carries a matched trade from the matcher.
// Idempotency key: both orders' sender and nonce.
type TradeSubmitted struct {
	Trade      order.Trade
	Sequence   int64     // Source sequence from the matcher
	ReceivedAt time.Time // Versioned input timestamp (NOT wall-clock)
}

func (t *TradeSubmitted) IdempotencyKey() string {
	return fmt.Sprintf("trade:%s:%d:%s:%d",
		t.Trade.Buy.Sender.Hex(), t.Trade.Buy.Nonce,
		t.Trade.Sell.Sender.Hex(), t.Trade.Sell.Nonce)
}

func (t *TradeSubmitted) EventType() EventType {
	return EventTypeTradeSubmitted
}

func (t *TradeSubmitted) Account() *common.Address {
	return nil // Two accounts
}

func (t *TradeSubmitted) SourceSequence() int64 {
	return t.Sequence
}
