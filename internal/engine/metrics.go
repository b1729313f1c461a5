package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Mutation outcomes.
const (
	outcomeOK        = "ok"
	outcomeFailed    = "failed"
	outcomeInvalid   = "invalid"
	outcomeDuplicate = "duplicate"
)

// Load attempt results.
const (
	loadOK     = "ok"
	loadFailed = "failed"
)

// Metrics holds the engine's Prometheus collectors.
// A nil *Metrics discards every observation.
type Metrics struct {
	eventsApplied  *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	mutations      *prometheus.CounterVec
	rollbacks      *prometheus.CounterVec
	duplicates     *prometheus.CounterVec
	loadAttempts   *prometheus.CounterVec
	collectionSize *prometheus.GaugeVec
	queueDepth     prometheus.Gauge
}

// NewMetrics registers the engine collectors with reg.
// Panics if they are already registered there.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memsync_events_applied_total",
			Help: "Push events reconciled into the snapshot, by action",
		}, []string{"kind", "action"}),

		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memsync_events_dropped_total",
			Help: "Push events dropped as malformed or after stop",
		}, []string{"kind"}),

		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memsync_mutations_total",
			Help: "Optimistic mutations by outcome",
		}, []string{"kind", "op", "outcome"}),

		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memsync_rollbacks_total",
			Help: "Optimistic mutations rolled back",
		}, []string{"kind", "op"}),

		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memsync_duplicate_requests_total",
			Help: "Mutations vetoed by the deduplication guard",
		}, []string{"kind", "op"}),

		loadAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memsync_load_attempts_total",
			Help: "Bulk-load fetch attempts by result",
		}, []string{"kind", "result"}),

		collectionSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memsync_collection_size",
			Help: "Entities in each collection, provisional included",
		}, []string{"kind"}),

		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "memsync_task_queue_depth",
			Help: "Tasks waiting for the engine loop",
		}),
	}
}

func (m *Metrics) eventApplied(kind, action string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(kind, action).Inc()
}

func (m *Metrics) eventDropped(kind string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) mutation(kind, op, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind, op, outcome).Inc()
	if outcome == outcomeDuplicate {
		m.duplicates.WithLabelValues(kind, op).Inc()
	}
}

func (m *Metrics) rollback(kind, op string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(kind, op).Inc()
}

func (m *Metrics) loadAttempt(kind, result string) {
	if m == nil {
		return
	}
	m.loadAttempts.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) setSize(kind string, n int) {
	if m == nil {
		return
	}
	m.collectionSize.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
