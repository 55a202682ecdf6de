package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster / discovery metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xapiand_nodes_total",
			Help: "Total number of known nodes by discovery state",
		},
		[]string{"state"},
	)

	IndexesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xapiand_indexes_total",
			Help: "Total number of open indexes tracked by the database pool",
		},
	)

	// Raft / leader election metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xapiand_raft_is_leader",
			Help: "Whether this node holds raft leadership (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xapiand_raft_peers_total",
			Help: "Total number of raft voters in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xapiand_raft_log_index",
			Help: "Current raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xapiand_raft_applied_index",
			Help: "Last applied raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xapiand_raft_apply_duration_seconds",
			Help:    "Time taken to apply a raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTP API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xapiand_api_requests_total",
			Help: "Total number of HTTP API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xapiand_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Database pool metrics (pkg/index)
	PoolCheckoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xapiand_pool_checkouts_total",
			Help: "Total number of database checkouts by outcome",
		},
		[]string{"outcome"},
	)

	PoolCheckoutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xapiand_pool_checkout_duration_seconds",
			Help:    "Time spent waiting for a database checkout",
			Buckets: prometheus.DefBuckets,
		},
	)

	PoolLiveEndpoints = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xapiand_pool_live_endpoints",
			Help: "Number of endpoints with at least one live database handle",
		},
	)

	PoolIdleDatabases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xapiand_pool_idle_databases",
			Help: "Number of database handles currently idle in the pool",
		},
	)

	// Schema cache metrics (pkg/schema)
	SchemaCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xapiand_schema_cache_total",
			Help: "Total number of schema cache lookups by outcome",
		},
		[]string{"outcome"}, // hit, miss, cas_retry
	)

	SchemaPersistDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xapiand_schema_persist_duration_seconds",
			Help:    "Time taken for a schema compare-and-swap write",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Storage engine metrics (pkg/storage, pkg/wal)
	StorageAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xapiand_storage_append_duration_seconds",
			Help:    "Time taken to append a block to a storage volume",
			Buckets: prometheus.DefBuckets,
		},
	)

	StorageReadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xapiand_storage_read_duration_seconds",
			Help:    "Time taken to read a block from a storage volume",
			Buckets: prometheus.DefBuckets,
		},
	)

	WALRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xapiand_wal_records_total",
			Help: "Total number of write-ahead log records appended",
		},
	)

	// Debounce / coalescing metrics (pkg/debounce)
	DebounceQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xapiand_debounce_queue_depth",
			Help: "Number of pending keys awaiting a debounced fsync",
		},
	)

	DebounceFlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xapiand_debounce_flushes_total",
			Help: "Total number of debounce timers fired",
		},
	)

	// Replication metrics (pkg/replication)
	ReplicationLag = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xapiand_replication_lag_seconds",
			Help:    "Observed lag between a replica and its source at pull completion",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"endpoint"},
	)

	ReplicationPullsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xapiand_replication_pulls_total",
			Help: "Total number of pull-replication attempts by outcome",
		},
		[]string{"outcome"},
	)

	ReplicationChangesetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xapiand_replication_changesets_total",
			Help: "Total number of changesets applied by a replica",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		IndexesTotal,
		RaftLeader,
		RaftPeers,
		RaftLogIndex,
		RaftAppliedIndex,
		RaftApplyDuration,
		APIRequestsTotal,
		APIRequestDuration,
		PoolCheckoutsTotal,
		PoolCheckoutDuration,
		PoolLiveEndpoints,
		PoolIdleDatabases,
		SchemaCacheHitsTotal,
		SchemaPersistDuration,
		StorageAppendDuration,
		StorageReadDuration,
		WALRecordsTotal,
		DebounceQueueDepth,
		DebounceFlushesTotal,
		ReplicationLag,
		ReplicationPullsTotal,
		ReplicationChangesetsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
