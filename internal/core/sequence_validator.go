package core

import (
	"MarginLedger/internal/observability"
	"errors"
	"fmt"
)

var ErrOutOfOrder = errors.New("out-of-order event")

// SequenceValidator validates source sequences per partition.
// Only accessed under the controller's write lock.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateSequence enforces a gapless stream per partition. The first
// sequence seen on a partition sets its origin. Replays of already applied
// events are accepted so they can be deduplicated.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected, known := sv.expectedNextSeq[partition]
	if !known {
		sv.expectedNextSeq[partition] = sourceSequence + 1
		return nil
	}

	switch {
	case sourceSequence == expected:
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("partition=%s, expected=%d, got=%d: %w", partition, expected, sourceSequence, ErrOutOfOrder)
	default:
		if sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d: %w", partition, expected, sourceSequence, ErrOutOfOrder)
	}
}

// ValidatePriceSequence checks a per-asset oracle sequence. Gaps are
// tolerated and counted. It returns false for a stale update, which the
// caller ignores.
func (sv *SequenceValidator) ValidatePriceSequence(asset string, priceSequence int64) bool {
	partition := "price:" + asset
	expected, known := sv.expectedNextSeq[partition]

	if known && priceSequence < expected {
		return false
	}
	if known && priceSequence > expected && sv.metrics != nil {
		sv.metrics.PriceSequenceGap.WithLabelValues(asset).Inc()
	}
	sv.expectedNextSeq[partition] = priceSequence + 1
	return true
}

// ValidateMonotonic accepts any sequence not older than the last one seen on
// partition. Used for stake updates keyed by block number.
func (sv *SequenceValidator) ValidateMonotonic(partition string, seq int64) bool {
	last, known := sv.expectedNextSeq[partition]
	if known && seq < last {
		return false
	}
	sv.expectedNextSeq[partition] = seq
	return true
}

// GetAllPartitions returns a copy of the per-partition state.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// RestorePartition initializes expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, next int64) {
	sv.expectedNextSeq[partition] = next
}
