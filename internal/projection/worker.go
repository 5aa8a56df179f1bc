package projection

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ProjectionOutput is the slice of a core output the projections need.
type ProjectionOutput struct {
	Sequence  int64
	EventType event.EventType
	Account   *string
	Payload   []byte
	Timestamp time.Time
	Journals  []JournalEntry
}

// JournalEntry is a journal flattened to account paths.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
}

// FromCoreOutput converts a core output for the projection worker.
func FromCoreOutput(out core.CoreOutput) ProjectionOutput {
	env := out.Envelope
	p := ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
	}
	if env.Account != nil {
		s := env.Account.Hex()
		p.Account = &s
	}
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			p.Journals = append(p.Journals, JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         string(j.Asset),
				Amount:        j.Amount,
			})
		}
	}
	return p
}

// ProjectionWorker updates projection tables from processed events. The core
// feeds it through a non-blocking channel, so it may miss outputs under load;
// RebuildProjections recovers from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	history   *LiquidationHistory
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   atomic.Int64
}

// NewProjectionWorker creates a worker. history may be nil.
func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan ProjectionOutput,
	history *LiquidationHistory,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   history,
		metrics:   metrics,
		log:       log,
	}
}

// Run starts the projection worker loop. Outputs at or below the stored
// watermark are already reflected and are skipped.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	watermark, err := Watermark(ctx, pw.db)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastSeq.Store(watermark)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if output.Sequence <= pw.lastSeq.Load() {
				continue
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent and rebuildable.
				pw.log.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("db").Observe(time.Since(start).Seconds())
			}
			pw.lastSeq.Store(output.Sequence)
		}
	}
}

// LastSequence returns the last sequence applied by this worker.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// Watermark returns the last sequence the projections reflect, 0 if none.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, j := range output.Journals {
		if err := applyJournal(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	var executed *LiquidationRecord
	switch output.EventType {
	case event.EventTypeAccountStatusChanged:
		e, err := decodeStatus(output.Payload)
		if err != nil {
			return err
		}
		if err := upsertStatus(ctx, tx, e, output.Sequence, output.Timestamp); err != nil {
			return fmt.Errorf("status projection: %w", err)
		}
	case event.EventTypeLiquidationExecuted:
		rec, err := decodeLiquidation(output.Payload, output.Sequence, output.Timestamp)
		if err != nil {
			return err
		}
		if err := insertLiquidation(ctx, tx, rec); err != nil {
			return fmt.Errorf("liquidation projection: %w", err)
		}
		executed = &rec
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if executed != nil && pw.history != nil {
		pw.history.Add(*executed)
	}
	return nil
}

// applyJournal moves amount from the credit path to the debit path. A debit
// increases the balance.
func applyJournal(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount, j.Asset, j.Amount, seq); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, -$3::BIGINT, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.CreditAccount, j.Asset, j.Amount, seq)
	return err
}

func upsertStatus(ctx context.Context, tx *sql.Tx, e *event.AccountStatusChanged, seq int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_status (account, status, ratio, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account)
		DO UPDATE SET status = $2, ratio = $3, last_sequence = $4, updated_at = $5
	`, e.Owner.Hex(), e.To, e.Ratio, seq, at)
	return err
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, r LiquidationRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(liquidation_id, account, liquidator, asset, closed_amount,
			 premium_value, insurance_paid, deficit, sequence, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (liquidation_id) DO NOTHING
	`, r.LiquidationID, r.Owner.Hex(), r.Liquidator.Hex(), string(r.Asset), r.ClosedAmount,
		r.PremiumValue, r.InsurancePaid, r.Deficit, r.Sequence, r.ExecutedAt)
	return err
}

func decodeStatus(payload []byte) (*event.AccountStatusChanged, error) {
	evt, err := event.Decode(event.EventTypeAccountStatusChanged, payload)
	if err != nil {
		return nil, err
	}
	return evt.(*event.AccountStatusChanged), nil
}

func decodeLiquidation(payload []byte, seq int64, at time.Time) (LiquidationRecord, error) {
	evt, err := event.Decode(event.EventTypeLiquidationExecuted, payload)
	if err != nil {
		return LiquidationRecord{}, err
	}
	return RecordFromEvent(evt.(*event.LiquidationExecuted), seq, at), nil
}

// RebuildProjections rebuilds every projection table from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.account_status`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT account_path, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset, -amount, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_status (account, status, ratio, last_sequence, updated_at)
		SELECT DISTINCT ON (account)
			account, payload->>'To', (payload->>'Ratio')::BIGINT, sequence, timestamp
		FROM event_log.events
		WHERE event_type = 'AccountStatusChanged' AND account IS NOT NULL
		ORDER BY account, sequence DESC
	`); err != nil {
		return fmt.Errorf("rebuild account status: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, payload, timestamp FROM event_log.events
		WHERE event_type = 'LiquidationExecuted'
		ORDER BY sequence
	`)
	if err != nil {
		return fmt.Errorf("read liquidations: %w", err)
	}
	var records []LiquidationRecord
	for rows.Next() {
		var (
			seq     int64
			payload []byte
			at      time.Time
		)
		if err := rows.Scan(&seq, &payload, &at); err != nil {
			rows.Close()
			return err
		}
		rec, err := decodeLiquidation(payload, seq, at)
		if err != nil {
			rows.Close()
			return err
		}
		records = append(records, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, rec := range records {
		if err := insertLiquidation(ctx, tx, rec); err != nil {
			return fmt.Errorf("rebuild liquidations: %w", err)
		}
	}

	var head sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&head); err != nil {
		return err
	}
	if head.Valid {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			VALUES ('main', $1, NOW())
		`, head.Int64); err != nil {
			return fmt.Errorf("watermark: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info().Int64("head", head.Int64).Int("liquidations", len(records)).Msg("projection rebuild complete")
	return nil
}
