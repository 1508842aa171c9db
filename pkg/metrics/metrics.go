package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "grace",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight Control API requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grace",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of Control API requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "grace",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of Control API requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	meshPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grace",
			Subsystem: "mesh",
			Name:      "published_total",
			Help:      "Total events published to the trigger mesh, by topic.",
		},
		[]string{"topic"},
	)

	meshDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grace",
			Subsystem: "mesh",
			Name:      "delivered_total",
			Help:      "Total events delivered to subscribers, by subscription and result.",
		},
		[]string{"subscription", "result"},
	)

	meshQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "grace",
			Subsystem: "mesh",
			Name:      "queue_depth",
			Help:      "Current number of buffered events per subscription.",
		},
		[]string{"subscription"},
	)

	ledgerAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grace",
			Subsystem: "ledger",
			Name:      "appended_total",
			Help:      "Total entries appended to the immutable log, by kind.",
		},
		[]string{"kind"},
	)

	ledgerAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "grace",
			Subsystem: "ledger",
			Name:      "append_duration_seconds",
			Help:      "Duration of immutable log append operations, including fsync.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	ledgerVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grace",
			Subsystem: "ledger",
			Name:      "chain_verifications_total",
			Help:      "Total hash-chain verification runs, by result.",
		},
		[]string{"result"},
	)

	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grace",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Total action gate decisions, by effect.",
		},
		[]string{"effect"},
	)

	gateDecisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "grace",
			Subsystem: "gate",
			Name:      "decision_duration_seconds",
			Help:      "Duration of policy evaluation for a single action gate decision.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)

	approvalQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "grace",
			Subsystem: "approval",
			Name:      "queue_depth",
			Help:      "Current number of pending approval requests.",
		},
	)

	approvalResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grace",
			Subsystem: "approval",
			Name:      "resolved_total",
			Help:      "Total approval requests resolved, by outcome.",
		},
		[]string{"outcome"},
	)

	kpiIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grace",
			Subsystem: "kpi",
			Name:      "ingested_total",
			Help:      "Total KPI samples ingested, by domain and kpi.",
		},
		[]string{"domain", "kpi"},
	)

	benchmarkEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grace",
			Subsystem: "benchmark",
			Name:      "evaluations_total",
			Help:      "Total benchmark evaluations run, by domain and result.",
		},
		[]string{"domain", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		meshPublished,
		meshDelivered,
		meshQueueDepth,
		ledgerAppended,
		ledgerAppendDuration,
		ledgerVerifications,
		gateDecisions,
		gateDecisionDuration,
		approvalQueueDepth,
		approvalResolved,
		kpiIngested,
		benchmarkEvaluations,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordMeshPublish records an event published to the trigger mesh.
func RecordMeshPublish(topic string) {
	if topic == "" {
		topic = "unknown"
	}
	meshPublished.WithLabelValues(topic).Inc()
}

// RecordMeshDelivery records a delivery attempt to a subscription.
func RecordMeshDelivery(subscription string, err error) {
	if subscription == "" {
		subscription = "unknown"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	meshDelivered.WithLabelValues(subscription, result).Inc()
}

// SetMeshQueueDepth publishes the current buffered event count for a subscription.
func SetMeshQueueDepth(subscription string, depth int) {
	if subscription == "" {
		subscription = "unknown"
	}
	meshQueueDepth.WithLabelValues(subscription).Set(float64(depth))
}

// RecordLedgerAppend records a single immutable log append, by entry kind.
func RecordLedgerAppend(kind string, duration time.Duration) {
	if kind == "" {
		kind = "unknown"
	}
	ledgerAppended.WithLabelValues(kind).Inc()
	ledgerAppendDuration.Observe(duration.Seconds())
}

// RecordLedgerVerification records the result of a hash-chain verification run.
func RecordLedgerVerification(ok bool) {
	result := "ok"
	if !ok {
		result = "broken"
	}
	ledgerVerifications.WithLabelValues(result).Inc()
}

// RecordGateDecision records an action gate decision and its evaluation latency.
func RecordGateDecision(effect string, duration time.Duration) {
	if effect == "" {
		effect = "unknown"
	}
	gateDecisions.WithLabelValues(effect).Inc()
	gateDecisionDuration.Observe(duration.Seconds())
}

// SetApprovalQueueDepth publishes the current count of pending approval requests.
func SetApprovalQueueDepth(depth int) {
	approvalQueueDepth.Set(float64(depth))
}

// RecordApprovalResolved records an approval request reaching a terminal state.
func RecordApprovalResolved(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	approvalResolved.WithLabelValues(outcome).Inc()
}

// RecordKPIIngested records a KPI sample ingested for a domain.
func RecordKPIIngested(domain, kpi string) {
	if domain == "" {
		domain = "unknown"
	}
	if kpi == "" {
		kpi = "unknown"
	}
	kpiIngested.WithLabelValues(domain, kpi).Inc()
}

// RecordBenchmarkEvaluation records a benchmark evaluation run for a domain.
func RecordBenchmarkEvaluation(domain, result string) {
	if domain == "" {
		domain = "unknown"
	}
	if result == "" {
		result = "unknown"
	}
	benchmarkEvaluations.WithLabelValues(domain, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters into stable labels so
// high-cardinality IDs (resource names, request IDs) don't blow up the
// Prometheus label set.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	switch parts[0] {
	case "topics", "policies", "approvals", "kpi", "benchmarks", "events":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		return "/" + parts[0] + "/:id"
	default:
		return "/" + parts[0]
	}
}
