/*
Package metrics provides Prometheus metrics collection and exposition for
xapiand.

Metrics are defined as package-level vars, registered at init(), and exposed
over HTTP for scraping.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Discovery: node counts by state            │          │
	│  │  Raft: leader status, log index, peers      │          │
	│  │  Pool: live endpoints, idle handles         │          │
	│  │  Schema: cache hit/miss, persist latency    │          │
	│  │  Storage/WAL: append/read latency, records  │          │
	│  │  Debounce: queue depth, flushes             │          │
	│  │  Replication: lag, pull outcomes            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

Collector (collector.go) polls pkg/discovery, pkg/raftleader, and pkg/index
every 15 seconds into the gauges below. Of the counters and histograms, only
xapiand_replication_pulls_total and xapiand_replication_changesets_total are
updated, by cmd/xapiand's replication pull path; the others are registered
but nothing in the repository updates them.

# Metrics Catalog

Discovery:

xapiand_nodes_total{state}:
  - Gauge. Nodes known to the local discovery server by gossip state
    (RESET, WAITING, WAITING_MORE, JOINING, SETUP, READY, BAD).

Raft:

xapiand_raft_is_leader:
  - Gauge. 1 if this node holds raft leadership, else 0.

xapiand_raft_peers_total / xapiand_raft_log_index / xapiand_raft_applied_index:
  - Gauges mirroring raft.Stats().

xapiand_raft_apply_duration_seconds:
  - Histogram. Time to apply one raft log entry.

HTTP API:

xapiand_api_requests_total{method, status} / xapiand_api_request_duration_seconds{method}:
  - Counter and histogram over the HTTP surface.

Database pool (pkg/index):

xapiand_pool_checkouts_total{outcome} / xapiand_pool_checkout_duration_seconds:
  - Checkout attempts by outcome (hit, opened, timeout, conflict) and the
    wait time for a writable checkout.

xapiand_pool_live_endpoints / xapiand_pool_idle_databases:
  - Gauges sampled from Pool.Stats().

Schema cache (pkg/schema):

xapiand_schema_cache_total{outcome} / xapiand_schema_persist_duration_seconds:
  - Cache lookups by outcome (hit, miss, cas_retry) and compare-and-swap
    persist latency.

Storage (pkg/storage, pkg/wal):

xapiand_storage_append_duration_seconds / xapiand_storage_read_duration_seconds / xapiand_wal_records_total:
  - Block append/read latency and total WAL records written.

Debounce (pkg/debounce):

xapiand_debounce_queue_depth / xapiand_debounce_flushes_total:
  - Pending-key depth and total debounce timers fired.

Replication (pkg/replication):

xapiand_replication_lag_seconds{endpoint} / xapiand_replication_pulls_total{outcome} / xapiand_replication_changesets_total:
  - Lag observed at pull completion, pulls by outcome, and changesets applied.

# Usage

	import "github.com/xapiand/xapiand/pkg/metrics"

	metrics.NodesTotal.WithLabelValues("READY").Set(5)

	timer := metrics.NewTimer()
	// ... perform a checkout ...
	timer.ObserveDuration(metrics.PoolCheckoutDuration)
	metrics.PoolCheckoutsTotal.WithLabelValues("hit").Inc()

	http.Handle("/metrics", metrics.Handler())

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
