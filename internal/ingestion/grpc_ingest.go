package ingestion

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrAmountNotPositive is returned by injectors for zero or negative amounts.
	ErrAmountNotPositive = errors.New("amount must be positive")
	// ErrMalformedEvent wraps payloads that fail to parse.
	ErrMalformedEvent = errors.New("malformed event")
)

// Processor runs a typed event through the settlement pipeline.
type Processor interface {
	ProcessEvent(evt event.Event) error
}

// GRPCIngestService injects events from the admin API. It is not meant for
// high-throughput ingestion; NATS is. Injected events carry no upstream
// sequence, so they bypass per-stream ordering and rely on idempotency keys.
type GRPCIngestService struct {
	core Processor
	log  zerolog.Logger
}

func NewGRPCIngestService(core Processor, log zerolog.Logger) *GRPCIngestService {
	return &GRPCIngestService{core: core, log: log}
}

// Submit parses payload in the NATS wire format for eventType and processes
// it synchronously. For admin event types the caller address replaces the
// one in the payload.
func (s *GRPCIngestService) Submit(ctx context.Context, eventType string, payload []byte, caller *common.Address) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	evt, err := ParseRawEvent(RawEvent{Subject: "grpc." + eventType, Data: payload}, eventType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if caller != nil {
		setCaller(evt, *caller)
	}
	if err := s.core.ProcessEvent(evt); err != nil {
		s.log.Warn().Err(err).
			Str("event_type", eventType).
			Str("idempotency_key", evt.IdempotencyKey()).
			Msg("injected event rejected")
		return evt, err
	}
	s.log.Info().
		Str("event_type", eventType).
		Str("idempotency_key", evt.IdempotencyKey()).
		Msg("injected event applied")
	return evt, nil
}

func setCaller(evt event.Event, caller common.Address) {
	switch e := evt.(type) {
	case *event.MarginSettingsUpdated:
		e.Caller = caller
	case *event.AssetRisksUpdated:
		e.Caller = caller
	case *event.PairRulesUpdated:
		e.Caller = caller
	}
}

// InjectDeposit credits a custody-confirmed deposit.
func (s *GRPCIngestService) InjectDeposit(ctx context.Context, owner common.Address, asset string, amount int64) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, fmt.Errorf("deposit %s: %w", asset, ErrAmountNotPositive)
	}
	evt := &event.DepositConfirmed{
		DepositID: uuid.New(),
		Owner:     owner,
		Asset:     ledger.Asset(asset),
		Amount:    amount,
	}
	return evt.DepositID, s.process(ctx, evt)
}

// InjectWithdrawal requests a withdrawal of free balance.
func (s *GRPCIngestService) InjectWithdrawal(ctx context.Context, owner common.Address, asset string, amount int64) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, fmt.Errorf("withdraw %s: %w", asset, ErrAmountNotPositive)
	}
	evt := &event.WithdrawalRequested{
		WithdrawalID: uuid.New(),
		Owner:        owner,
		Asset:        ledger.Asset(asset),
		Amount:       amount,
	}
	return evt.WithdrawalID, s.process(ctx, evt)
}

func (s *GRPCIngestService) process(ctx context.Context, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.core.ProcessEvent(evt)
}
