package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the matching core and
// its shell. Registered against an explicit registerer so tests can
// use a private registry.
type Metrics struct {
	// Core
	Commands        *prometheus.CounterVec
	EventsProcessed *prometheus.CounterVec
	EventDuplicates *prometheus.CounterVec
	CoreHalted      prometheus.Gauge
	LiveOrders      prometheus.Gauge
	InflightCount   prometheus.Gauge

	// Matching
	Proposals      *prometheus.CounterVec
	ScanCandidates *prometheus.HistogramVec
	ScanEmitted    *prometheus.HistogramVec
	AuditDrops     prometheus.Counter

	// Ingestion
	IngestMessages   *prometheus.CounterVec
	IngestParseFails *prometheus.CounterVec
	PublishDrops     prometheus.Counter

	// Persistence
	PersistRowsWritten *prometheus.CounterVec
	PersistBatchDur    prometheus.Histogram
	PersistBatchSize   prometheus.Histogram
	PersistErrors      *prometheus.CounterVec
	PersistRetry       prometheus.Counter

	// Snapshot
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge
	ReplayEvents     prometheus.Counter

	// Query API
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all instruments against reg.
// Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	batchBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}
	countBuckets := []float64{0, 1, 2, 5, 10, 25, 50, 100, 250}

	return &Metrics{
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_commands_total",
			Help: "Commands processed by the core (submit/cancel/update)",
		}, []string{"op", "result"}),

		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_ledger_events_processed_total",
			Help: "Ledger events fully applied",
		}, []string{"event_type"}),

		EventDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_ledger_events_duplicate_total",
			Help: "Ledger event re-deliveries absorbed by dedup",
		}, []string{"event_type"}),

		CoreHalted: factory.NewGauge(prometheus.GaugeOpts{
			Name: "matcher_core_halted",
			Help: "1 while the core's sticky halt flag is set",
		}),

		LiveOrders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "matcher_live_orders",
			Help: "Orders in the working set",
		}),

		InflightCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "matcher_inflight_proposals",
			Help: "Settlement proposals awaiting acknowledgement",
		}),

		Proposals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_proposals_total",
			Help: "Proposal lifecycle transitions (proposed/committed/rejected)",
		}, []string{"outcome"}),

		ScanCandidates: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matcher_scan_candidates",
			Help:    "Candidates found per scan cycle",
			Buckets: countBuckets,
		}, []string{"pair_id"}),

		ScanEmitted: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matcher_scan_emitted",
			Help:    "Proposals emitted per scan cycle",
			Buckets: countBuckets,
		}, []string{"pair_id"}),

		AuditDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "matcher_audit_drops_total",
			Help: "Audit records dropped on a full channel",
		}),

		IngestMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_ingest_messages_total",
			Help: "Ledger stream messages received",
		}, []string{"subject"}),

		IngestParseFails: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_ingest_parse_failures_total",
			Help: "Messages rejected at the parse boundary",
		}, []string{"subject"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "matcher_publish_drops_total",
			Help: "Outbound events dropped on a full publish channel",
		}),

		PersistRowsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_persist_rows_written_total",
			Help: "Rows written to Postgres",
		}, []string{"table"}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "matcher_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: batchBuckets,
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "matcher_persist_batch_size",
			Help:    "Rows per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "matcher_persist_retry_total",
			Help: "Persistence retries",
		}),

		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "matcher_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "matcher_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "matcher_snapshot_last_sequence",
			Help: "Cursor of last snapshot",
		}),

		ReplayEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "matcher_replay_events_total",
			Help: "Events replayed on startup",
		}),

		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matcher_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// --- Core-facing helpers ---

func (m *Metrics) SetHalted(halted bool) {
	if halted {
		m.CoreHalted.Set(1)
		return
	}
	m.CoreHalted.Set(0)
}

func (m *Metrics) RecordCommand(op, result string) {
	m.Commands.WithLabelValues(op, result).Inc()
}

func (m *Metrics) RecordEventProcessed(eventType string) {
	m.EventsProcessed.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordEventDuplicate(eventType string) {
	m.EventDuplicates.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordProposal(outcome string) {
	m.Proposals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveScan(pairID uint64, candidates, emitted int) {
	label := strconv.FormatUint(pairID, 10)
	m.ScanCandidates.WithLabelValues(label).Observe(float64(candidates))
	m.ScanEmitted.WithLabelValues(label).Observe(float64(emitted))
}

func (m *Metrics) SetLiveOrders(n int) {
	m.LiveOrders.Set(float64(n))
}

func (m *Metrics) SetInflight(n int) {
	m.InflightCount.Set(float64(n))
}

func (m *Metrics) RecordAuditDrop() {
	m.AuditDrops.Inc()
}

func (m *Metrics) RecordQuery(endpoint string, status int, dur time.Duration) {
	m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.QueryDuration.WithLabelValues(endpoint).Observe(dur.Seconds())
}
