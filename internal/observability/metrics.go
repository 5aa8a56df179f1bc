package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for MarginLedger.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Ingestion & channels ---
	IngestToApply       *prometheus.HistogramVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec
	PriceSequenceGap      *prometheus.CounterVec

	// --- Risk ---
	RiskEvaluations      *prometheus.CounterVec
	AccountTransitions   *prometheus.CounterVec
	TradesSettled        *prometheus.CounterVec
	TradesRejected       *prometheus.CounterVec
	PriceUpdates         *prometheus.CounterVec
	StalePricesObserved  *prometheus.CounterVec
	OverduePositionsSeen prometheus.Counter

	// --- Liquidation ---
	LiquidationsExecuted *prometheus.CounterVec
	LiquidationsRejected *prometheus.CounterVec
	LiquidationDeficit   *prometheus.CounterVec
	InsurancePaid        *prometheus.CounterVec
	InsuranceFundBalance *prometheus.GaugeVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the process-wide default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_core_sequence",
			Help: "Current global sequence number",
		}),

		// Ingestion & channels
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_projection_drops_total",
			Help: "Outputs dropped because a projection channel was full",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_publish_drops_total",
			Help: "Outbound events dropped by the publisher",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_projection_update_duration_seconds",
			Help:    "Time to apply one output to a projection",
			Buckets: latencyBuckets,
		}, []string{"projection"}),

		// Idempotency & ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_idempotency_duplicates_total",
			Help: "Duplicate events detected, by tier",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_dedup_lru_size",
			Help: "Entries in the tier-1 idempotency cache",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_event_sequence_gap_total",
			Help: "Sequence gaps detected per partition",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_event_out_of_order_total",
			Help: "Out-of-order events per partition",
		}, []string{"partition"}),

		PriceSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_price_sequence_gap_total",
			Help: "Tolerated gaps in oracle price sequences",
		}, []string{"asset"}),

		// Risk
		RiskEvaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_risk_evaluations_total",
			Help: "Risk evaluations by resulting status",
		}, []string{"status"}),

		AccountTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_account_transitions_total",
			Help: "Account state machine transitions",
		}, []string{"from", "to"}),

		TradesSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_trades_settled_total",
			Help: "Trades settled per pair",
		}, []string{"pair"}),

		TradesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_trades_rejected_total",
			Help: "Trades rejected per reason",
		}, []string{"reason"}),

		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_price_updates_total",
			Help: "Oracle price updates by outcome",
		}, []string{"asset", "result"}),

		StalePricesObserved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_stale_prices_observed_total",
			Help: "Evaluations that used an overdue price",
		}, []string{"asset"}),

		OverduePositionsSeen: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_overdue_positions_observed_total",
			Help: "Evaluations that found an overdue position",
		}),

		// Liquidation
		LiquidationsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_liquidations_executed_total",
			Help: "Committed liquidations per asset",
		}, []string{"asset"}),

		LiquidationsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_liquidations_rejected_total",
			Help: "Rejected liquidation attempts per reason",
		}, []string{"reason"}),

		LiquidationDeficit: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_liquidation_deficit_total",
			Help: "Uncovered liquidation value, quote units",
		}, []string{"asset"}),

		InsurancePaid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_insurance_paid_total",
			Help: "Insurance fund payouts, fund asset units",
		}, []string{"asset"}),

		InsuranceFundBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_insurance_fund_balance",
			Help: "Current insurance fund balance",
		}, []string{"asset"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_events_written_total",
			Help: "Event envelopes written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_persist_batch_size",
			Help:    "Outputs per persistence flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_persist_errors_total",
			Help: "Persistence errors by kind",
		}, []string{"error_type"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_snapshot_duration_seconds",
			Help:    "Time to capture and write a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "code"}),
	}
}
