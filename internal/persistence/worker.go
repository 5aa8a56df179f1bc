package persistence

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/observability"
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// CoreOutput is one committed core output in row form.
type CoreOutput struct {
	EventRow     EventRow
	JournalRows  []JournalRow
	ConsumedRows []ConsumedRow
}

// FromCoreOutput converts a core output into rows.
func FromCoreOutput(out core.CoreOutput) CoreOutput {
	env := out.Envelope

	var account *string
	if env.Account != nil {
		s := env.Account.Hex()
		account = &s
	}

	row := CoreOutput{
		EventRow: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Account:        account,
			Payload:        env.Payload,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			row.JournalRows = append(row.JournalRows, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      env.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         string(j.Asset),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	for _, h := range out.Consumed {
		row.ConsumedRows = append(row.ConsumedRows, ConsumedRow{OrderHash: h.Bytes(), Sequence: env.Sequence})
	}
	return row
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends to it with a blocking send, so if this worker falls behind
// the core stalls and no event is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		log:          log,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	var pending batch
	pending.reset(pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if pending.len() > 0 {
				if err := pw.flush(context.Background(), &pending); err != nil {
					pw.log.Error().Err(err).Int("events", pending.len()).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if pending.len() > 0 {
					if err := pw.flush(context.Background(), &pending); err != nil {
						pw.log.Error().Err(err).Int("events", pending.len()).Msg("final flush failed")
					}
				}
				return nil
			}

			pending.add(output)
			if pending.len() >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, &pending); err != nil {
					pw.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				pending.reset(pw.batchSize)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if pending.len() > 0 {
				if err := pw.flushWithRetry(ctx, &pending); err != nil {
					pw.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				pending.reset(pw.batchSize)
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On shutdown it makes one last attempt with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, b *batch) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = pw.maxBackoff
	policy.MaxElapsedTime = 0

	attempts := 0
	err := backoff.RetryNotify(
		func() error {
			attempts++
			return pw.flush(ctx, b)
		},
		backoff.WithContext(policy, ctx),
		func(err error, wait time.Duration) {
			if pw.metrics != nil {
				pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
			}
			pw.log.Warn().Err(err).
				Int("attempt", attempts).
				Dur("backoff", wait).
				Int("events", b.len()).
				Msg("persistence retry")
		},
	)
	if err != nil && ctx.Err() != nil {
		return pw.flush(context.Background(), b)
	}
	if err == nil && attempts > 1 {
		pw.log.Info().Int("retries", attempts-1).Msg("persistence flush succeeded after retries")
	}
	return err
}

func (pw *PersistenceWorker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := pw.writer.WriteEventBatch(ctx, tx, b.events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, b.journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := pw.writer.WriteConsumedBatch(ctx, tx, b.consumed); err != nil {
		pw.countError("write_consumed")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(b.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(b.events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(b.journals)))
		pw.metrics.PersistLastSequence.Set(float64(b.events[len(b.events)-1].Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}

type batch struct {
	events   []EventRow
	journals []JournalRow
	consumed []ConsumedRow
}

func (b *batch) reset(size int) {
	b.events = make([]EventRow, 0, size)
	b.journals = make([]JournalRow, 0, size*4)
	b.consumed = nil
}

func (b *batch) add(out CoreOutput) {
	b.events = append(b.events, out.EventRow)
	b.journals = append(b.journals, out.JournalRows...)
	b.consumed = append(b.consumed, out.ConsumedRows...)
}

func (b *batch) len() int { return len(b.events) }
