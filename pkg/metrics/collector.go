package metrics

import (
	"fmt"
	"time"

	"github.com/xapiand/xapiand/pkg/discovery"
	"github.com/xapiand/xapiand/pkg/index"
	"github.com/xapiand/xapiand/pkg/raftleader"
)

// Collector periodically samples the live state of the discovery
// server, the raft leader wrapper, and the database pool into the
// package's gauges, the way a scrape-interval collector would poll a
// manager in a push-based system.
type Collector struct {
	discovery *discovery.Server
	leader    *raftleader.Leader
	pool      *index.Pool
	stopCh    chan struct{}
}

// NewCollector builds a Collector over the given components. Any of
// them may be nil (e.g. a node that hasn't joined raft yet), in which
// case that component's metrics are simply not sampled.
func NewCollector(disc *discovery.Server, leader *raftleader.Leader, pool *index.Pool) *Collector {
	return &Collector{
		discovery: disc,
		leader:    leader,
		pool:      pool,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectDiscoveryMetrics()
	c.collectRaftMetrics()
	c.collectPoolMetrics()
	c.collectHealth()
}

func (c *Collector) collectDiscoveryMetrics() {
	if c.discovery == nil {
		return
	}

	// The server's own state reflects this node's position in the
	// RESET/WAITING/.../READY machine; every node in its table has
	// already passed the handshake and counts as READY.
	stateCounts := map[string]int{c.discovery.State().String(): 1}
	stateCounts["READY"] += len(c.discovery.Nodes())

	for state, count := range stateCounts {
		NodesTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.leader == nil {
		return
	}

	if c.leader.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	servers, err := c.leader.Servers()
	if err == nil {
		RaftPeers.Set(float64(len(servers)))
	}

	stats := c.leader.Stats()
	if lastIndex, ok := stats["last_log_index"]; ok {
		if v, err := parseUint(lastIndex); err == nil {
			RaftLogIndex.Set(float64(v))
		}
	}
	if appliedIndex, ok := stats["applied_index"]; ok {
		if v, err := parseUint(appliedIndex); err == nil {
			RaftAppliedIndex.Set(float64(v))
		}
	}
}

func (c *Collector) collectPoolMetrics() {
	if c.pool == nil {
		return
	}
	liveEndpoints, idleHandles := c.pool.Stats()
	PoolLiveEndpoints.Set(float64(liveEndpoints))
	PoolIdleDatabases.Set(float64(idleHandles))
}

// collectHealth translates each component's live state into the
// process-wide health registry, replacing the boot-time "always true"
// registration a caller would otherwise have to do by hand. A node
// that hasn't joined raft or discovery yet reports unhealthy rather
// than being silently omitted, so /ready reflects reality during
// startup.
func (c *Collector) collectHealth() {
	if c.leader == nil {
		UpdateComponent("raft", false, "raft not configured")
	} else if c.leader.IsLeader() || c.leader.LeaderAddr() != "" {
		UpdateComponent("raft", true, "")
	} else {
		UpdateComponent("raft", false, "no leader elected")
	}

	if c.pool == nil {
		UpdateComponent("storage", false, "database pool not configured")
	} else {
		UpdateComponent("storage", true, "")
	}

	if c.discovery == nil {
		UpdateComponent("discovery", false, "discovery not configured")
	} else if st := c.discovery.State(); st == discovery.Ready {
		UpdateComponent("discovery", true, "")
	} else {
		UpdateComponent("discovery", false, "state "+st.String())
	}
}

func parseUint(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscan(s, &v)
	return v, err
}
