package core

import (
	"MarginLedger/internal/observability"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU of
// recently applied keys in front of the persisted event log.
type IdempotencyChecker struct {
	lru       *lru.Cache[string, struct{}]
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, log zerolog.Logger) *IdempotencyChecker {
	if capacity <= 0 {
		capacity = 1
	}
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		panic(fmt.Sprintf("FATAL: idempotency cache: %v", err))
	}
	return &IdempotencyChecker{
		lru:       cache,
		dbChecker: dbChecker,
		metrics:   metrics,
		log:       log,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate checks if event has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.record(eventType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}
	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		// A DB outage must not block processing; the event log's unique
		// constraint is the last line.
		ic.log.Warn().Err(err).Str("event_type", eventType).Msg("tier-2 idempotency lookup failed")
		return false
	}
	if isDup {
		ic.record(eventType, "postgres")
		ic.lru.Add(key, struct{}{})
		return true
	}
	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(compositeKey(eventType, idempotencyKey), struct{}{})
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Len()))
	}
}

// WarmFromKeys loads composite keys (as returned by Keys) into the LRU.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, k := range keys {
		ic.lru.Add(k, struct{}{})
	}
}

// Keys returns the cached composite keys, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}

func (ic *IdempotencyChecker) record(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}
