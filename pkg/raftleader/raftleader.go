// Package raftleader wraps hashicorp/raft down to the one thing
// xapiand's cluster needs from it: a consistently-elected leader and
// a replicated node-address directory. It deliberately does not
// replicate document or schema state — that flows through
// pkg/discovery's gossip and pkg/replication's pull protocol instead.
package raftleader

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/xapiand/xapiand/pkg/xerrors"
)

// Config configures a Leader instance.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// Timeouts default to a faster-than-hashicorp-default profile
	// tuned for LAN clusters rather than hashicorp/raft's WAN-oriented
	// defaults.
	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	CommitTimeout      time.Duration
	LeaderLeaseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 500 * time.Millisecond
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 500 * time.Millisecond
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = 50 * time.Millisecond
	}
	if c.LeaderLeaseTimeout == 0 {
		c.LeaderLeaseTimeout = 250 * time.Millisecond
	}
	return c
}

// Leader owns one raft.Raft instance plus its node directory FSM.
type Leader struct {
	cfg  Config
	raft *raft.Raft
	fsm  *LeaderFSM
}

// New prepares a Leader; call Bootstrap or Join to actually start raft.
func New(cfg Config) (*Leader, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("raftleader: create data dir: %w", err)
	}
	return &Leader{cfg: cfg, fsm: NewLeaderFSM()}, nil
}

func (l *Leader) newRaft() (*raft.Raft, *raft.NetworkTransport, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(l.cfg.NodeID)
	raftCfg.HeartbeatTimeout = l.cfg.HeartbeatTimeout
	raftCfg.ElectionTimeout = l.cfg.ElectionTimeout
	raftCfg.CommitTimeout = l.cfg.CommitTimeout
	raftCfg.LeaderLeaseTimeout = l.cfg.LeaderLeaseTimeout

	addr, err := net.ResolveTCPAddr("tcp", l.cfg.BindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("raftleader: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(l.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("raftleader: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(l.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("raftleader: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(l.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("raftleader: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(l.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("raftleader: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, l.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("raftleader: create raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap starts a brand new single-node cluster with this node as
// the only voter.
func (l *Leader) Bootstrap() error {
	r, transport, err := l.newRaft()
	if err != nil {
		return err
	}
	l.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(l.cfg.NodeID), Address: transport.LocalAddr()},
		},
	}
	future := r.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raftleader: bootstrap cluster: %w", err)
	}
	return nil
}

// Join starts this node's raft instance expecting the cluster leader
// to call AddVoter for it out of band (via whatever cluster-management
// RPC the caller wires up; raftleader itself carries no client).
func (l *Leader) Join() error {
	r, _, err := l.newRaft()
	if err != nil {
		return err
	}
	l.raft = r
	return nil
}

// AddVoter adds a new member to the cluster. Only the current leader
// can do this; hashicorp/raft itself rejects the call otherwise.
func (l *Leader) AddVoter(nodeID, address string) error {
	if l.raft == nil {
		return xerrors.ErrRaftNotStarted
	}
	future := l.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raftleader: add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a member from the cluster.
func (l *Leader) RemoveServer(nodeID string) error {
	if l.raft == nil {
		return xerrors.ErrRaftNotStarted
	}
	future := l.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raftleader: remove server: %w", err)
	}
	return nil
}

// Servers lists the current raft configuration's members.
func (l *Leader) Servers() ([]raft.Server, error) {
	if l.raft == nil {
		return nil, xerrors.ErrRaftNotStarted
	}
	future := l.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("raftleader: get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds raft leadership.
func (l *Leader) IsLeader() bool {
	return l.raft != nil && l.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's raft bind address, or "" if
// none is known yet.
func (l *Leader) LeaderAddr() string {
	if l.raft == nil {
		return ""
	}
	addr, _ := l.raft.LeaderWithID()
	return string(addr)
}

// SetNode replicates a node directory entry. Must be called on the
// leader; returns ErrNotLeader otherwise so the caller can forward the
// request instead of silently dropping it.
func (l *Leader) SetNode(n NodeInfo) error {
	return l.apply(Command{Op: "set", Node: n})
}

// ClearNode removes a node directory entry.
func (l *Leader) ClearNode(name string) error {
	return l.apply(Command{Op: "clear", Node: NodeInfo{Name: name}})
}

func (l *Leader) apply(cmd Command) error {
	if l.raft == nil {
		return xerrors.ErrRaftNotStarted
	}
	if !l.IsLeader() {
		return xerrors.ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("raftleader: marshal command: %w", err)
	}
	future := l.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raftleader: apply command: %w", err)
	}
	if errResp, ok := future.Response().(error); ok && errResp != nil {
		return fmt.Errorf("raftleader: fsm rejected command: %w", errResp)
	}
	return nil
}

// Nodes returns the replicated node directory, read directly from the
// local FSM (does not require leadership).
func (l *Leader) Nodes() []NodeInfo {
	return l.fsm.Nodes()
}

// Stats exposes hashicorp/raft's debug/metrics surface for raft health.
func (l *Leader) Stats() map[string]string {
	if l.raft == nil {
		return nil
	}
	return l.raft.Stats()
}

// Shutdown stops the raft instance.
func (l *Leader) Shutdown() error {
	if l.raft == nil {
		return nil
	}
	future := l.raft.Shutdown()
	return future.Error()
}
