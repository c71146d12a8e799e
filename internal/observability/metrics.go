package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the clearinghouse.
type Metrics struct {
	// --- Core Processing ---
	CoreOpsApplied   *prometheus.CounterVec
	CoreOpsRejected  *prometheus.CounterVec
	CoreOpDuration   *prometheus.HistogramVec
	CoreStateHashDur prometheus.Histogram
	CoreSequence     prometheus.Gauge

	// --- Channel & Backpressure ---
	PersistBackpressure prometheus.Counter
	ProjectionDrops     prometheus.Counter

	// --- Trading ---
	OrdersSubmitted *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	TradesExecuted  *prometheus.CounterVec
	TradeNotional   *prometheus.CounterVec
	SelfCrossNetted *prometheus.CounterVec
	MarkPrice       *prometheus.GaugeVec
	OpenInterest    *prometheus.GaugeVec

	// --- Liquidation & Settlement ---
	LiquidationsExecuted *prometheus.CounterVec
	LiquidationScans     *prometheus.CounterVec
	SocializedLoss       *prometheus.CounterVec
	BadDebt              *prometheus.CounterVec
	PenaltyPoolBalance   prometheus.Gauge
	SettlementHaircut    *prometheus.GaugeVec

	// --- Bridge & Idempotency ---
	BridgeCredits         *prometheus.CounterVec
	BridgeDebits          *prometheus.CounterVec
	IdempotencyDuplicates *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreOpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_core_ops_applied_total",
			Help: "Operations successfully applied by the clearing core",
		}, []string{"op"}),

		CoreOpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_core_ops_rejected_total",
			Help: "Operations rejected (validation, dedup, authorization)",
		}, []string{"op", "reason"}),

		CoreOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clear_core_op_duration_seconds",
			Help:    "Time to apply a single operation in the core",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clear_core_state_hash_duration_seconds",
			Help:    "Time to compute the event state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clear_core_sequence",
			Help: "Current global event sequence number",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clear_persist_backpressure_total",
			Help: "Times the core blocked on the persist channel",
		}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clear_projection_drops_total",
			Help: "Events dropped due to a full projection channel",
		}),

		OrdersSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_orders_submitted_total",
			Help: "Orders accepted by the matching engine",
		}, []string{"market", "type"}),

		OrdersRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_orders_rejected_total",
			Help: "Orders rejected before matching",
		}, []string{"market", "reason"}),

		TradesExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_trades_executed_total",
			Help: "Executions, one per maker-taker match",
		}, []string{"market"}),

		TradeNotional: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_trade_notional_total",
			Help: "Cumulative traded notional at quote scale",
		}, []string{"market"}),

		SelfCrossNetted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_self_cross_netted_total",
			Help: "Quantity netted against own resting orders without a trade",
		}, []string{"market"}),

		MarkPrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clear_mark_price",
			Help: "Current mark price at price scale",
		}, []string{"market"}),

		OpenInterest: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clear_open_interest",
			Help: "Sum of absolute position sizes at quantity scale",
		}, []string{"market"}),

		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_liquidations_executed_total",
			Help: "Forced position closes",
		}, []string{"market"}),

		LiquidationScans: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_liquidation_scans_total",
			Help: "Accounts inspected by liquidation sweeps",
		}, []string{"market"}),

		SocializedLoss: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_socialized_loss_total",
			Help: "Loss spread across profitable positions, quote scale",
		}, []string{"market"}),

		BadDebt: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_bad_debt_total",
			Help: "Loss no counterparty could absorb, quote scale",
		}, []string{"market"}),

		PenaltyPoolBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clear_penalty_pool_balance",
			Help: "Undistributed liquidation penalty collateral",
		}),

		SettlementHaircut: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clear_settlement_haircut_ratio",
			Help: "Winner payout ratio applied at terminal settlement",
		}, []string{"market"}),

		BridgeCredits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_bridge_credits_total",
			Help: "Cross-domain credit attempts by result",
		}, []string{"result"}),

		BridgeDebits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_bridge_debits_total",
			Help: "Cross-domain debit attempts by result",
		}, []string{"result"}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_idempotency_duplicates_total",
			Help: "Replayed deposit ids caught per tier",
		}, []string{"tier"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clear_persist_events_written_total",
			Help: "Events committed to the Postgres log",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clear_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_persist_errors_total",
			Help: "Postgres write failures",
		}, []string{"table"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clear_persist_last_sequence",
			Help: "Highest sequence durably committed",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_query_requests_total",
			Help: "Read view requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clear_query_duration_seconds",
			Help:    "Read view latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clear_query_errors_total",
			Help: "Read view failures",
		}, []string{"endpoint", "reason"}),
	}
}
