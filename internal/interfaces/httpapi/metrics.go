package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"tokenpoints/internal/domain"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokenpoints"

// Metrics holds the process's collectors on a private registry. It observes
// the ledger, the recalculation coordinator, backups and the ordering
// indexer.
type Metrics struct {
	registry *prometheus.Registry

	applied       *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	applyFailures *prometheus.CounterVec
	streamErrors  *prometheus.CounterVec
	latestBlock   *prometheus.GaugeVec

	addresses   *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	backups     *prometheus.HistogramVec

	chainHead     *prometheus.GaugeVec
	indexedBlock  *prometheus.GaugeVec
	logsPublished *prometheus.CounterVec

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		applied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "transactions_applied_total",
			Help: "Transactions applied to the ledger.",
		}, []string{"chain"}),
		duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "transactions_duplicate_total",
			Help: "Transactions absorbed as already applied.",
		}, []string{"chain"}),
		applyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "apply_failures_total",
			Help: "Transactions the ledger failed to apply.",
		}, []string{"chain"}),
		streamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "errors_total",
			Help: "Transfer stream errors by stage.",
		}, []string{"chain", "stage"}),
		latestBlock: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "latest_block",
			Help: "Highest block applied to the ledger.",
		}, []string{"chain"}),
		addresses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recalc", Name: "addresses_total",
			Help: "Addresses scored by recalculation jobs.",
		}, []string{"chain", "result"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recalc", Name: "jobs_total",
			Help: "Recalculation jobs by final status.",
		}, []string{"chain", "status"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "recalc", Name: "job_duration_seconds",
			Help:    "Recalculation job run time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"chain"}),
		backups: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "backup", Name: "duration_seconds",
			Help:    "Backup create and restore time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"chain", "op"}),
		chainHead: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ordering", Name: "chain_head_block",
			Help: "Latest block reported by the chain RPC.",
		}, []string{"chain"}),
		indexedBlock: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ordering", Name: "indexed_block",
			Help: "Last confirmed block published to the stream.",
		}, []string{"chain"}),
		logsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ordering", Name: "logs_published_total",
			Help: "Transfer logs published to the stream.",
		}, []string{"chain"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) OnTransactionApplied(chain string, blockHeight uint64) {
	m.applied.WithLabelValues(chain).Inc()
	m.latestBlock.WithLabelValues(chain).Set(float64(blockHeight))
}

func (m *Metrics) OnDuplicateTransaction(chain string) {
	m.duplicates.WithLabelValues(chain).Inc()
}

func (m *Metrics) OnApplyFailed(chain string) {
	m.applyFailures.WithLabelValues(chain).Inc()
}

func (m *Metrics) OnStreamError(chain, stage string) {
	m.streamErrors.WithLabelValues(chain, stage).Inc()
}

func (m *Metrics) OnAddressComputed(chain string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.addresses.WithLabelValues(chain, result).Inc()
}

func (m *Metrics) OnJobFinished(job domain.RecalculationJob) {
	m.jobs.WithLabelValues(job.Chain, string(job.Status)).Inc()
	if !job.StartedAt.IsZero() && job.FinishedAt.After(job.StartedAt) {
		m.jobDuration.WithLabelValues(job.Chain).Observe(job.FinishedAt.Sub(job.StartedAt).Seconds())
	}
}

func (m *Metrics) OnBackupCreated(chain string, took time.Duration) {
	m.backups.WithLabelValues(chain, "create").Observe(took.Seconds())
}

func (m *Metrics) OnBackupRestored(chain string, took time.Duration) {
	m.backups.WithLabelValues(chain, "restore").Observe(took.Seconds())
}

func (m *Metrics) OnLatestBlock(chain string, block uint64) {
	m.chainHead.WithLabelValues(chain).Set(float64(block))
}

func (m *Metrics) OnBatchProcessed(chain string, fromBlock, toBlock uint64, logCount int) {
	m.indexedBlock.WithLabelValues(chain).Set(float64(toBlock))
	m.logsPublished.WithLabelValues(chain).Add(float64(logCount))
}

// SetLatestBlock seeds the ledger gauge at start-up.
func (m *Metrics) SetLatestBlock(chain string, block uint64) {
	m.latestBlock.WithLabelValues(chain).Set(float64(block))
}

// Middleware counts requests by route template.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
