package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes envelopes, journals and consumed order hashes using
// multi-row INSERTs. All writes are idempotent on their natural keys, so a
// retried batch never duplicates rows.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Account        *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// ConsumedRow records an order hash settled at a sequence.
type ConsumedRow struct {
	OrderHash []byte
	Sequence  int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of envelopes to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 9
	args := make([]any, 0, len(events)*cols)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Account,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, account, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES ` + placeholders(len(events), cols) + `
		ON CONFLICT (sequence) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 10
	args := make([]any, 0, len(journals)*cols)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), cols) + `
		ON CONFLICT (journal_id) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteConsumedBatch records settled order hashes in event_log.consumed_orders.
func (w *EventLogWriter) WriteConsumedBatch(ctx context.Context, ex execer, consumed []ConsumedRow) error {
	if len(consumed) == 0 {
		return nil
	}

	const cols = 2
	args := make([]any, 0, len(consumed)*cols)
	for _, c := range consumed {
		args = append(args, c.OrderHash, c.Sequence)
	}

	query := `INSERT INTO event_log.consumed_orders (order_hash, sequence)
		VALUES ` + placeholders(len(consumed), cols) + `
		ON CONFLICT (order_hash) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders rows of positional parameters, e.g. ($1, $2), ($3, $4).
func placeholders(rows, cols int) string {
	var b strings.Builder
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*cols+c+1)
		}
		b.WriteByte(')')
	}
	return b.String()
}
