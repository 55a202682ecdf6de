// Package index implements the IndexHandle and DatabasePool: a
// bounded LRU of writable/readable index handles with per-endpoint
// queues and checkout/checkin discipline.
package index

import (
	"path"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Endpoint identifies a local or remote index shard: host address,
// TCP port, filesystem path, and an optional mastery level (a
// monotonically growing integer representing authoritative
// freshness). Equality and hashing use (normalized-path, host, port).
type Endpoint struct {
	Host    string
	Port    int
	Path    string
	Mastery int64
}

// normalizedPath strips a trailing slash so "/a/b/" and "/a/b" hash
// identically, per the (normalized-path, host, port) equality rule.
func (e Endpoint) normalizedPath() string {
	return strings.TrimRight(path.Clean(e.Path), "/")
}

// key is the canonical string this endpoint hashes and compares by.
func (e Endpoint) key() string {
	return e.normalizedPath() + "|" + e.Host + "|" + strconv.Itoa(e.Port)
}

// Equal reports equality under the (normalized-path, host, port) rule.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.key() == o.key()
}

// Endpoints is an ordered set of shards; the first element is the
// write target for writable handles.
type Endpoints []Endpoint

// Hash computes the DatabaseQueue key for this endpoint set, folding
// in the writable flag so a writable and a readable checkout for the
// same shards land in different queues (and different pool LRUs).
func (es Endpoints) Hash(writable bool) uint64 {
	h := xxhash.New()
	for _, e := range es {
		_, _ = h.WriteString(e.key())
		_, _ = h.Write([]byte{0})
	}
	if writable {
		_, _ = h.Write([]byte{1})
	}
	return h.Sum64()
}

// String renders the endpoint set for logging.
func (es Endpoints) String() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.key()
	}
	return strings.Join(parts, ",")
}
