package persistence

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// snapshotFormatVersion tags the encoding of the data column.
const snapshotFormatVersion int32 = 1

// SnapshotManager creates and loads state snapshots and reads the event log
// back for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialisable form of core.SnapshotState. Balance keys
// are account paths since struct keys cannot be JSON object keys.
type SnapshotData struct {
	Sequence               int64                                   `json:"sequence"`
	StateHash              []byte                                  `json:"state_hash"`
	Balances               map[string]int64                        `json:"balances"`
	Positions              []ledger.Position                       `json:"positions"`
	Versions               map[common.Address]uint64               `json:"versions"`
	AccountsCreated        map[common.Address]time.Time            `json:"accounts_created"`
	Prices                 []state.PricePoint                      `json:"prices"`
	Stakes                 map[common.Address]int64                `json:"stakes"`
	Settings               state.MarginSettings                    `json:"settings"`
	AssetRisks             map[ledger.Asset]uint8                  `json:"asset_risks"`
	PairRules              []state.PairRules                       `json:"pair_rules"`
	AccountStates          map[common.Address]state.AccountState   `json:"account_states"`
	LiquidationCheckpoints map[common.Address]uint64               `json:"liquidation_checkpoints"`
	SequenceState          map[string]int64                        `json:"sequence_state"`
	IdempotencyKeys        []string                                `json:"idempotency_keys"`
	ConsumedOrders         []common.Hash                           `json:"consumed_orders"`
	CreatedAt              time.Time                               `json:"created_at"`
}

// FromCoreSnapshot converts captured core state for storage.
func FromCoreSnapshot(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	d := &SnapshotData{
		Sequence:               s.Sequence,
		StateHash:              append([]byte(nil), s.StateHash[:]...),
		Balances:               make(map[string]int64, len(s.Ledger.Balances)),
		Positions:              s.Ledger.Positions,
		Versions:               s.Ledger.Versions,
		AccountsCreated:        s.Ledger.Created,
		Prices:                 s.Prices,
		Stakes:                 s.Stakes,
		Settings:               s.Settings,
		AssetRisks:             s.AssetRisks,
		PairRules:              s.PairRules,
		AccountStates:          s.AccountStates,
		LiquidationCheckpoints: s.LiquidationCheckpoints,
		SequenceState:          s.SequenceState,
		IdempotencyKeys:        s.IdempotencyKeys,
		ConsumedOrders:         s.ConsumedOrders,
		CreatedAt:              createdAt,
	}
	for key, balance := range s.Ledger.Balances {
		d.Balances[key.AccountPath()] = balance
	}
	return d
}

// ToCoreSnapshot is the inverse of FromCoreSnapshot.
func (d *SnapshotData) ToCoreSnapshot() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash is %d bytes", d.Sequence, len(d.StateHash))
	}
	s := &core.SnapshotState{
		Sequence: d.Sequence,
		Ledger: ledger.LedgerState{
			Balances:  make(map[ledger.AccountKey]int64, len(d.Balances)),
			Positions: d.Positions,
			Versions:  d.Versions,
			Created:   d.AccountsCreated,
		},
		Prices:                 d.Prices,
		Stakes:                 d.Stakes,
		Settings:               d.Settings,
		AssetRisks:             d.AssetRisks,
		PairRules:              d.PairRules,
		AccountStates:          d.AccountStates,
		LiquidationCheckpoints: d.LiquidationCheckpoints,
		SequenceState:          d.SequenceState,
		IdempotencyKeys:        d.IdempotencyKeys,
		ConsumedOrders:         d.ConsumedOrders,
	}
	copy(s.StateHash[:], d.StateHash)
	for path, balance := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		s.Ledger.Balances[key] = balance
	}
	return s, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Saving the same sequence twice
// overwrites the data.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		data    []byte
		version int32
	)
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("load snapshot: unsupported format version %d", version)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit envelopes starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, account, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*event.EventEnvelope
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(
			&r.Sequence, &r.EventType, &r.IdempotencyKey, &r.Account,
			&r.Payload, &r.StateHash, &r.PrevHash, &r.Timestamp, &r.SourceSequence,
		); err != nil {
			return nil, err
		}
		env, err := r.Envelope()
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// Envelope rebuilds the event envelope a row was written from.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	et, ok := event.ParseEventType(r.EventType)
	if !ok {
		return nil, fmt.Errorf("event %d: unknown type %q", r.Sequence, r.EventType)
	}
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		Timestamp:      r.Timestamp,
		SourceSequence: r.SourceSequence,
		Payload:        r.Payload,
	}
	if r.Account != nil {
		a := common.HexToAddress(*r.Account)
		env.Account = &a
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
