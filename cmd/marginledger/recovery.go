package main

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// recoverState restores the latest verified snapshot, if any, and replays
// the event log past it. The final state hash must match the hash stored
// with the last replayed event.
func recoverState(
	ctx context.Context,
	c *core.SettlementController,
	snaps *persistence.SnapshotManager,
	pageSize int,
	log zerolog.Logger,
) error {
	snap, err := snaps.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load snapshot, replaying from the start")
		snap = nil
	}
	if snap != nil {
		state, err := snap.ToCoreSnapshot()
		if err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		c.RestoreFromSnapshot(state)
		log.Info().
			Int64("sequence", snap.Sequence).
			Int("idempotency_keys", len(snap.IdempotencyKeys)).
			Msg("restored snapshot")
	} else {
		log.Info().Msg("no snapshot found, cold start")
	}

	if pageSize <= 0 {
		pageSize = 1000
	}

	var (
		replayed int
		lastHash [32]byte
		lastSeq  int64
	)
	from := c.GetSequence()
	for {
		envs, err := snaps.LoadEventsFrom(ctx, from, pageSize)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(envs) == 0 {
			break
		}
		for _, env := range envs {
			if err := c.Replay(env); err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			lastHash, lastSeq = env.StateHash, env.Sequence
			replayed++
		}
		from = envs[len(envs)-1].Sequence + 1
	}

	if replayed == 0 {
		log.Info().Int64("sequence", c.GetSequence()-1).Msg("nothing to replay")
		return nil
	}
	if got := c.GetStateHash(); got != lastHash {
		return fmt.Errorf("state hash mismatch after replay at sequence %d: log %x, rebuilt %x", lastSeq, lastHash, got)
	}
	log.Info().
		Int("events", replayed).
		Int64("sequence", lastSeq).
		Msg("replay complete, state hash verified")
	return nil
}

// discardPending drops projection outputs produced during replay; they may
// be incomplete once the channel filled up.
func discardPending(ch chan core.CoreOutput) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// catchUpProjections rebuilds the read models from the event log when they
// lag the recovered core.
func catchUpProjections(ctx context.Context, db *sql.DB, head int64, log zerolog.Logger) error {
	watermark, err := projection.Watermark(ctx, db)
	if err != nil {
		return fmt.Errorf("projection watermark: %w", err)
	}
	if watermark >= head {
		return nil
	}
	log.Info().Int64("watermark", watermark).Int64("head", head).Msg("projections behind, rebuilding")
	if err := projection.RebuildProjections(ctx, db, log); err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}
	return nil
}
