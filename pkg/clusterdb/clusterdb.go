// Package clusterdb persists the ".xapiand" cluster directory: the
// durable mapping from node name to the small integer index needed
// for stable replica placement across restarts. This is metadata
// bookkeeping only, distinct from any IndexBackend's own on-disk
// search index.
package clusterdb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/xapiand/xapiand/pkg/xerrors"
)

func ensureParentDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("clusterdb: create data dir: %w", err)
	}
	return nil
}

var (
	bucketNodes = []byte("nodes")
	bucketMeta  = []byte("meta")

	metaKeyNextIdx = []byte("next_idx")
)

// NodeRecord is one cluster-db entry: a node's address plus the
// stable integer index it was assigned on first registration.
type NodeRecord struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Region string `json:"region"`
	Idx    int    `json:"idx"`
}

// DB wraps a bbolt database file dedicated to the cluster directory.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if absent) the cluster database under dataDir.
func Open(dataDir string) (*DB, error) {
	path := filepath.Join(dataDir, ".xapiand", "cluster.db")
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("clusterdb: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketNodes); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("clusterdb: create buckets: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error {
	return d.db.Close()
}

// RegisterNode assigns (or, on restart, recalls) a stable index for
// name. Registration is idempotent: calling it again for a name that
// already holds an index returns that same index rather than
// allocating a new one, so a node restarting never gets reassigned
// and silently invalidating every other node's placement decisions.
func (d *DB) RegisterNode(name, host string, port int, region string) (NodeRecord, error) {
	var rec NodeRecord
	err := d.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		meta := tx.Bucket(bucketMeta)

		if existing := nodes.Get([]byte(name)); existing != nil {
			if err := json.Unmarshal(existing, &rec); err != nil {
				return fmt.Errorf("clusterdb: decode existing node %q: %w", name, err)
			}
			rec.Host, rec.Port, rec.Region = host, port, region
		} else {
			idx, err := nextIdx(meta)
			if err != nil {
				return err
			}
			rec = NodeRecord{Name: name, Host: host, Port: port, Region: region, Idx: idx}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return nodes.Put([]byte(name), data)
	})
	return rec, err
}

func nextIdx(meta *bolt.Bucket) (int, error) {
	raw := meta.Get(metaKeyNextIdx)
	next := 0
	if raw != nil {
		var cur int
		if err := json.Unmarshal(raw, &cur); err != nil {
			return 0, fmt.Errorf("clusterdb: decode next_idx counter: %w", err)
		}
		next = cur
	}
	data, err := json.Marshal(next + 1)
	if err != nil {
		return 0, err
	}
	if err := meta.Put(metaKeyNextIdx, data); err != nil {
		return 0, err
	}
	return next, nil
}

// GetNode looks up a node record by name.
func (d *DB) GetNode(name string) (NodeRecord, bool, error) {
	var rec NodeRecord
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return NodeRecord{}, false, fmt.Errorf("clusterdb: get node %q: %w", name, err)
	}
	if !found {
		return NodeRecord{}, false, nil
	}
	return rec, true, nil
}

// ListNodes returns every registered node, in no particular order.
func (d *DB) ListNodes() ([]NodeRecord, error) {
	var recs []NodeRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var rec NodeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("clusterdb: list nodes: %w", err)
	}
	return recs, nil
}

// DeregisterNode removes a node's record. Its index is never reused,
// so any node still holding a stale copy of the directory keeps
// computing the same jump-hash placements for everyone else until it
// refreshes — a reused index would silently corrupt other nodes'
// placement decisions.
func (d *DB) DeregisterNode(name string) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		if nodes.Get([]byte(name)) == nil {
			return xerrors.ErrNotFound
		}
		return nodes.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("clusterdb: deregister node %q: %w", name, err)
	}
	return nil
}
