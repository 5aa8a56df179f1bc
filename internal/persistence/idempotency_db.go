package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const lookupTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker is the second dedup tier behind the core's LRU.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate checks if event exists in Postgres event log
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	query := `
        SELECT 1
        FROM event_log.events
        WHERE event_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, eventType, idempotencyKey).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PostgresOrderStore answers consumed-order lookups that miss the core's
// in-memory cache.
type PostgresOrderStore struct {
	db *sql.DB
}

func NewPostgresOrderStore(db *sql.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: db}
}

func (s *PostgresOrderStore) IsConsumed(hash common.Hash) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM event_log.consumed_orders WHERE order_hash = $1`,
		hash.Bytes(),
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
