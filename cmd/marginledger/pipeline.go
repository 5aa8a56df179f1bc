package main

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// bridgeCoreOutputs converts core outputs into persistence rows, projection
// updates and outbound events. It returns once both inputs are closed and
// then closes every output.
func bridgeCoreOutputs(
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	defer close(persistOut)
	defer close(projectionOut)
	defer close(publishOut)

	for persistIn != nil || projectionIn != nil {
		select {
		case output, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			persistOut <- persistence.FromCoreOutput(output)

			select {
			case publishOut <- publishable(output):
			default:
				metrics.PublishDrops.Inc()
			}

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			select {
			case projectionOut <- projection.FromCoreOutput(output):
			default:
				metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
			}
		}
	}
}

func publishable(output core.CoreOutput) ingestion.PublishableEvent {
	env := output.Envelope
	var account *string
	if env.Account != nil {
		s := env.Account.Hex()
		account = &s
	}
	return ingestion.PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Account:        account,
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
}

// runIngestionLoop feeds NATS messages to the core. A message is acked once
// the core has decided on it: committed, duplicate or rejected. Out-of-order
// events are nakked so JetStream redelivers them after the gap fills.
func runIngestionLoop(ctx context.Context, rawChan <-chan ingestion.RawEvent, c *core.SettlementController, log zerolog.Logger) {
	resolver := ingestion.NewSubjectResolver(ingestion.DefaultSubjects())

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			eventType := resolver.Resolve(raw.Subject)
			if eventType == "" {
				log.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
				raw.AckFunc()
				continue
			}

			evt, err := ingestion.ParseRawEvent(raw, eventType)
			if err != nil {
				log.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
				raw.AckFunc()
				continue
			}

			err = c.ProcessEvent(evt)
			switch {
			case err == nil:
				raw.AckFunc()
			case errors.Is(err, core.ErrOutOfOrder):
				evtLog := ingestLogger(log, evt)
				evtLog.Warn().Err(err).Msg("out of order, requesting redelivery")
				raw.NakFunc()
			default:
				evtLog := ingestLogger(log, evt)
				evtLog.Info().Err(err).Str("reason", core.RejectReason(err)).Msg("event rejected")
				raw.AckFunc()
			}
		}
	}
}

// runSweeps re-evaluates every account on a timer so that positions and
// prices that age without new events still change account status.
func runSweeps(ctx context.Context, c *core.SettlementController, interval time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				log.Info().Int("changes", n).Msg("risk sweep")
			}
		}
	}
}

func runPeriodicSnapshots(ctx context.Context, s *snapshotter, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.take(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// snapshotter captures core state, stores it and marks it verified once the
// event log has caught up with it. Recovery only loads verified snapshots.
type snapshotter struct {
	mu      sync.Mutex
	core    *core.SettlementController
	snaps   *persistence.SnapshotManager
	metrics *observability.Metrics
	log     zerolog.Logger
	last    int64
}

func (s *snapshotter) take(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	state := s.core.CreateSnapshotState()
	if state.Sequence < 1 || state.Sequence == s.last {
		return state.Sequence, nil
	}

	data := persistence.FromCoreSnapshot(state, time.Now().UTC())
	if err := s.snaps.SaveSnapshot(ctx, data); err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", state.Sequence, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second
	err := backoff.Retry(func() error {
		head, err := s.snaps.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if head < state.Sequence {
			return fmt.Errorf("event log at %d, snapshot at %d", head, state.Sequence)
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return 0, fmt.Errorf("snapshot %d not verified: %w", state.Sequence, err)
	}
	if err := s.snaps.MarkVerified(ctx, state.Sequence); err != nil {
		return 0, fmt.Errorf("verify snapshot %d: %w", state.Sequence, err)
	}

	s.last = state.Sequence
	s.metrics.SnapshotTaken.Inc()
	s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	s.metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	s.log.Info().Int64("sequence", state.Sequence).Dur("took", time.Since(start)).Msg("snapshot saved")
	return state.Sequence, nil
}
