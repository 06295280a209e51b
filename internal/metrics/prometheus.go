package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkerProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_items_processed_total",
			Help: "Total number of items processed by worker pools",
		},
		[]string{"pool"},
	)

	WorkerActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_active_goroutines",
			Help: "Number of active worker goroutines per pool",
		},
		[]string{"pool"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current RabbitMQ queue depth per queue",
		},
		[]string{"queue"},
	)

	ResolverCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_resolver_cache_total",
			Help: "Tenant resolver cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	Resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_resolutions_total",
			Help: "Tenant resolutions by outcome (resolved, not_found, inactive, error)",
		},
		[]string{"outcome"},
	)

	PoolsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenant_db_pools_open",
			Help: "Number of open tenant database pools",
		},
	)

	AuditQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Audit entries waiting to be written",
		},
	)

	AuditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_entries_dropped_total",
			Help: "Audit entries discarded because the queue was full",
		},
	)

	AuditWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_written_total",
			Help: "Audit entries persisted by result (ok, error)",
		},
		[]string{"result"},
	)

	BackupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backup_duration_seconds",
			Help:    "Duration of pg_dump and pg_restore runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"operation"},
	)

	BackupOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_operations_total",
			Help: "Backup and restore operations by kind and status",
		},
		[]string{"operation", "status"},
	)

	BackupJobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_jobs_processed_total",
			Help: "Queued backup jobs handled by the consumer",
		},
		[]string{"result"},
	)
)

// Init registers metrics with Prometheus
func Init() {
	prometheus.MustRegister(WorkerProcessed)
	prometheus.MustRegister(WorkerActive)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ResolverCache)
	prometheus.MustRegister(Resolutions)
	prometheus.MustRegister(PoolsOpen)
	prometheus.MustRegister(AuditQueueDepth)
	prometheus.MustRegister(AuditDropped)
	prometheus.MustRegister(AuditWritten)
	prometheus.MustRegister(BackupDuration)
	prometheus.MustRegister(BackupOutcomes)
	prometheus.MustRegister(BackupJobsProcessed)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
