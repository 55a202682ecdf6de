package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/xapiand/xapiand/pkg/clusterdb"
	"github.com/xapiand/xapiand/pkg/config"
	"github.com/xapiand/xapiand/pkg/debounce"
	"github.com/xapiand/xapiand/pkg/discovery"
	"github.com/xapiand/xapiand/pkg/events"
	"github.com/xapiand/xapiand/pkg/index"
	"github.com/xapiand/xapiand/pkg/index/memindex"
	"github.com/xapiand/xapiand/pkg/log"
	"github.com/xapiand/xapiand/pkg/metrics"
	"github.com/xapiand/xapiand/pkg/raftleader"
	"github.com/xapiand/xapiand/pkg/replication"
	"github.com/xapiand/xapiand/pkg/schema"
	"github.com/xapiand/xapiand/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a xapiand node",
	Long: `serve starts discovery, the raft leader directory, the
database pool, the debounce scheduler, and the metrics/health HTTP
surface, then blocks until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:8891", "Address for /metrics, /health, /ready, /live")
}

func loadServeConfig(cmd *cobra.Command) (config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Node.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("node-name"); v != "" {
		cfg.Node.Name = v
	}
	if v, _ := cmd.Flags().GetString("bind"); v != "" {
		host, portStr, err := net.SplitHostPort(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid --bind %q: %w", v, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return cfg, fmt.Errorf("invalid --bind port %q: %w", v, err)
		}
		cfg.Node.Host = host
		cfg.Node.BinaryPort = port
	}
	if cfg.Node.Name == "" {
		hostname, _ := os.Hostname()
		cfg.Node.Name = hostname
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	log.Info(fmt.Sprintf("starting node %s (data dir %s)", cfg.Node.Name, cfg.Node.DataDir))

	cdb, err := clusterdb.Open(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("open cluster db: %w", err)
	}
	defer cdb.Close()

	selfRecord, err := cdb.RegisterNode(cfg.Node.Name, cfg.Node.Host, cfg.Node.BinaryPort, cfg.Node.Region)
	if err != nil {
		return fmt.Errorf("register node: %w", err)
	}

	// root owns the shutdown order for every long-running component
	// below: children are torn down in the order they're attached,
	// before root's own (no-op) Impl runs.
	root := worker.New("xapiand", nil)

	pool := index.NewPool(memindex.Open, cfg.Pool.MaxQueues, cfg.Pool.CountCap, cfg.Pool.ActiveTimeout)
	worker.NewChild(root, "pool", onStop(pool.Shutdown))

	// Every writable checkout against pool resolves its field schema
	// through this cache before the caller ever sees the handle.
	schemaCache := schema.New(cfg.Schema.LocalCacheSize, cfg.Schema.ForeignCacheSize, cfg.Schema.MaxRecursion)
	pool.SetSchemaCache(schemaCache)

	sched := debounce.NewScheduler(cfg.Node.Name, nil)
	sched.Start()
	worker.NewChild(root, "scheduler", onStop(sched.Finish))
	pool.SetDebounce(sched)

	broker := events.NewBroker()
	broker.Start()
	worker.NewChild(root, "events", onStop(broker.Stop))
	logEvents := broker.Subscribe()
	go func() {
		for ev := range logEvents {
			log.Info(fmt.Sprintf("event %s: %s", ev.Type, ev.Message))
		}
	}()

	leader, err := raftleader.New(raftleader.Config{
		NodeID:   cfg.Node.Name,
		BindAddr: fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.BinaryPort+1),
		DataDir:  cfg.Node.DataDir,
	})
	if err != nil {
		return fmt.Errorf("create raft leader: %w", err)
	}
	if err := leader.Bootstrap(); err != nil {
		log.Errorf("raft bootstrap", err)
	}
	worker.NewChild(root, "raft", onStop(func() {
		if err := leader.Shutdown(); err != nil {
			log.Errorf("raft shutdown", err)
		}
	}))

	view := &clusterView{cdb: cdb, self: selfRecord}
	resolver := index.NewResolver(view, cfg.Cluster.Replicas)

	discConn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.BinaryPort))
	if err != nil {
		return fmt.Errorf("listen discovery socket: %w", err)
	}
	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.Node.BinaryPort}

	disc := discovery.NewServer(discConn, broadcastAddr, cfg.Cluster.Name, discovery.Node{
		Name:   cfg.Node.Name,
		Host:   cfg.Node.Host,
		Port:   cfg.Node.BinaryPort,
		Region: cfg.Node.Region,
	}, cfg.Node.Name == "", cfg.Cluster.HeartbeatMax, discovery.Handlers{
		IsReplicaFor: func(path string) bool {
			return isReplicaFor(resolver, selfRecord, path)
		},
		SchedulePull: func(remoteNode discovery.Node, path string) {
			go retryPullFromPeer(remoteNode, path, cfg, pool, broker)
		},
		OnLeaderLost: func() {
			log.Warn("discovery lost the node marked leader; raft will re-elect")
			broker.Publish(&events.Event{Type: events.EventLeaderChanged, Message: "leader lost, awaiting raft re-election"})
		},
		IsLeader: leader.IsLeader,
	})
	disc.Start()
	worker.NewChild(root, "discovery", onStop(disc.Stop))
	view.disc = disc

	collector := metrics.NewCollector(disc, leader, pool)
	collector.Start()
	worker.NewChild(root, "metrics-collector", onStop(collector.Stop))

	metrics.SetVersion(Version)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	worker.NewChild(root, "http", onStop(func() { _ = httpServer.Close() }))
	defer root.Destroy()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics http server: %w", err)
		}
	}()

	log.Info(fmt.Sprintf("node %s ready, metrics on %s", cfg.Node.Name, metricsAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info(fmt.Sprintf("received %s, shutting down", sig))
	case err := <-errCh:
		log.Errorf("server error", err)
	}

	return nil
}

// isReplicaFor asks resolver for path's current (non-writable)
// placement set and reports whether it includes self.
func isReplicaFor(resolver *index.Resolver, self clusterdb.NodeRecord, path string) bool {
	for _, ep := range resolver.Resolve(path, false) {
		if ep.Host == self.Host && ep.Port == self.Port {
			return true
		}
	}
	return false
}

// retryPullFromPeer wraps pullFromPeer in an exponential backoff: a
// source node that's briefly down (mid-restart, or not yet listening)
// is retried with growing delay instead of leaving the local replica
// permanently stale until the next DB_UPDATED broadcast happens to
// land.
func retryPullFromPeer(remoteNode discovery.Node, path string, cfg config.Config, pool *index.Pool, broker *events.Broker) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 5 * time.Minute

	err := backoff.Retry(func() error {
		return pullFromPeer(remoteNode, path, cfg, pool, broker)
	}, bo)
	if err != nil {
		log.Errorf(fmt.Sprintf("replication pull for %s from %s gave up", path, remoteNode.Name), err)
	}
}

// pullFromPeer opens a replication connection to remoteNode, checks out
// the local writable handle for path, and replays each pulled
// changeset onto it through Handle.Apply -- so the replicated data
// lands in our own backend and is re-logged to our own WAL exactly
// like a local write. The checkout is held for the whole pull so
// changesets land in revision order against one backend instance;
// the handle is checked back in and a commit requested once the
// stream ends. Returns the dial/pull error (if any) so the caller's
// backoff loop knows whether to retry.
func pullFromPeer(remoteNode discovery.Node, path string, cfg config.Config, pool *index.Pool, broker *events.Broker) error {
	addr := fmt.Sprintf("%s:%d", remoteNode.Host, remoteNode.Port)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		log.Errorf(fmt.Sprintf("replication dial %s", addr), err)
		metrics.ReplicationPullsTotal.WithLabelValues("dial_error").Inc()
		return err
	}
	defer conn.Close()

	localPath := filepath.Join(cfg.Node.DataDir, path)
	endpoints := index.Endpoints{{Host: cfg.Node.Host, Port: cfg.Node.BinaryPort, Path: localPath}}
	handle, err := pool.Checkout(endpoints, index.FlagCreateOrOpen|index.FlagWritable)
	if err != nil {
		log.Errorf(fmt.Sprintf("replication checkout %s", localPath), err)
		metrics.ReplicationPullsTotal.WithLabelValues("checkout_error").Inc()
		return err
	}
	healthy := true
	defer func() { pool.Checkin(endpoints, handle, healthy) }()

	res, err := replication.Pull(conn, replication.ChangesetsRequest{
		UUID:             path,
		FromRevision:     handle.CheckoutRevision,
		Path:             path,
		RequesterMastery: handle.Mastery,
	}, localPath, handle.Apply)
	if err != nil {
		log.Errorf(fmt.Sprintf("replication pull from %s", addr), err)
		metrics.ReplicationPullsTotal.WithLabelValues("failed").Inc()
		healthy = false
		return err
	}
	metrics.ReplicationPullsTotal.WithLabelValues("ok").Inc()
	metrics.ReplicationChangesetsTotal.Add(float64(res.Changesets))
	if res.Swapped {
		// The whole-database swap replaced localPath's contents out
		// from under this handle's open backend/WAL; it must not go
		// back into the idle pool. The next checkout opens fresh
		// against the swapped-in directory.
		healthy = false
	} else {
		pool.RequestCommit(endpoints)
	}
	broker.Publish(&events.Event{
		Type:     events.EventDBUpdated,
		Message:  fmt.Sprintf("pulled %d changesets for %s from %s", res.Changesets, path, addr),
		Metadata: map[string]string{"path": path, "source": addr},
	})
	return nil
}
