package ingestion_test

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/ingestion"
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

type recordingCore struct {
	events []event.Event
	err    error
}

func (r *recordingCore) ProcessEvent(evt event.Event) error {
	r.events = append(r.events, evt)
	return r.err
}

func TestSubmit_AdminCallerFromMetadata(t *testing.T) {
	core := &recordingCore{}
	svc := ingestion.NewGRPCIngestService(core, zerolog.Nop())

	payload := []byte(`{
		"request_id": "bb0e8400-e29b-41d4-a716-446655440006",
		"caller": "` + aliceHex + `",
		"assets": ["WBTC"],
		"weights": [204]
	}`)
	admin := common.HexToAddress(adminHex)

	evt, err := svc.Submit(context.Background(), "AssetRisksUpdated", payload, &admin)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(core.events) != 1 {
		t.Fatalf("processed %d events, want 1", len(core.events))
	}
	if got := evt.(*event.AssetRisksUpdated).Caller; got != admin {
		t.Errorf("caller: got %s, want %s", got.Hex(), admin.Hex())
	}
}

func TestSubmit_ParseErrorNotProcessed(t *testing.T) {
	core := &recordingCore{}
	svc := ingestion.NewGRPCIngestService(core, zerolog.Nop())

	if _, err := svc.Submit(context.Background(), "DepositConfirmed", []byte(`{"owner":"nope"}`), nil); !errors.Is(err, ingestion.ErrMalformedEvent) {
		t.Fatalf("got %v, want malformed event", err)
	}
	if len(core.events) != 0 {
		t.Errorf("processed %d events, want 0", len(core.events))
	}
}

func TestSubmit_CoreErrorReturned(t *testing.T) {
	sentinel := errors.New("insufficient funds")
	core := &recordingCore{err: sentinel}
	svc := ingestion.NewGRPCIngestService(core, zerolog.Nop())

	payload := []byte(`{
		"withdrawal_id": "660e8400-e29b-41d4-a716-446655440001",
		"owner": "` + aliceHex + `",
		"asset": "USDC",
		"amount": "10"
	}`)
	if _, err := svc.Submit(context.Background(), "WithdrawalRequested", payload, nil); !errors.Is(err, sentinel) {
		t.Errorf("got %v, want %v", err, sentinel)
	}
}

func TestInjectDeposit(t *testing.T) {
	core := &recordingCore{}
	svc := ingestion.NewGRPCIngestService(core, zerolog.Nop())
	owner := common.HexToAddress(aliceHex)

	id, err := svc.InjectDeposit(context.Background(), owner, "USDC", 100_000_000)
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	d := core.events[0].(*event.DepositConfirmed)
	if d.DepositID != id || d.Owner != owner || d.Amount != 100_000_000 {
		t.Errorf("deposit: got %+v", d)
	}
	if d.SourceSequence() != 0 {
		t.Errorf("injected events must not carry an upstream sequence, got %d", d.SourceSequence())
	}

	if _, err := svc.InjectDeposit(context.Background(), owner, "USDC", 0); !errors.Is(err, ingestion.ErrAmountNotPositive) {
		t.Errorf("zero amount: got %v", err)
	}
}

func TestInjectWithdrawal_CancelledContext(t *testing.T) {
	core := &recordingCore{}
	svc := ingestion.NewGRPCIngestService(core, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.InjectWithdrawal(ctx, common.HexToAddress(aliceHex), "USDC", 1); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if len(core.events) != 0 {
		t.Errorf("processed %d events, want 0", len(core.events))
	}
}
