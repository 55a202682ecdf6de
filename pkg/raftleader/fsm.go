package raftleader

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// NodeInfo is the address directory entry replicated through raft so
// every cluster member agrees on how to reach every other member, even
// one that hasn't gossiped yet.
type NodeInfo struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Region string `json:"region"`
}

// Command is the single log entry shape raftleader ever applies: set
// or clear one node's directory entry. Leader election itself is
// entirely internal to hashicorp/raft; this FSM exists only to give
// the cluster a consistently-replicated node directory.
type Command struct {
	Op   string   `json:"op"` // "set" or "clear"
	Node NodeInfo `json:"node"`
}

// LeaderFSM implements raft.FSM over a node-name keyed directory.
type LeaderFSM struct {
	mu    sync.RWMutex
	nodes map[string]NodeInfo
}

// NewLeaderFSM creates an empty FSM.
func NewLeaderFSM() *LeaderFSM {
	return &LeaderFSM{nodes: make(map[string]NodeInfo)}
}

// Apply applies one committed log entry.
func (f *LeaderFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("raftleader: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "set":
		f.nodes[cmd.Node.Name] = cmd.Node
		return nil
	case "clear":
		delete(f.nodes, cmd.Node.Name)
		return nil
	default:
		return fmt.Errorf("raftleader: unknown op %q", cmd.Op)
	}
}

// Nodes returns a snapshot of the directory. Read-only; never goes
// through raft.Apply.
func (f *LeaderFSM) Nodes() []NodeInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]NodeInfo, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out
}

// Snapshot captures the directory for raft's snapshot machinery.
func (f *LeaderFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes := make(map[string]NodeInfo, len(f.nodes))
	for k, v := range f.nodes {
		nodes[k] = v
	}
	return &directorySnapshot{nodes: nodes}, nil
}

// Restore replaces the directory wholesale from a snapshot.
func (f *LeaderFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var nodes map[string]NodeInfo
	if err := json.NewDecoder(rc).Decode(&nodes); err != nil {
		return fmt.Errorf("raftleader: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = nodes
	return nil
}

type directorySnapshot struct {
	nodes map[string]NodeInfo
}

func (s *directorySnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.nodes); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *directorySnapshot) Release() {}
