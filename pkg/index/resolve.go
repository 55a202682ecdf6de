package index

import (
	"path"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/xapiand/xapiand/pkg/lru"
)

// NodePlacement is the slice of cluster membership a Resolver needs
// about one node: its address and the stable index clusterdb assigned
// it on first registration, the same index jump-consistent-hash
// placement keys off of elsewhere in this tree.
type NodePlacement struct {
	Host string
	Port int
	Idx  int
}

// ClusterView supplies a Resolver with the currently active node set,
// self included. Implementations typically combine a discovery.Server
// (who is alive right now) with clusterdb (each alive name's stable
// Idx and address).
type ClusterView interface {
	ActivePlacements() []NodePlacement
}

// Resolver implements resolve_index_endpoints: given a local path and
// whether the caller wants a writable handle, it returns the ordered
// set of Endpoints that currently own that path under jump-consistent-
// hash placement. A writable resolution is always exactly the primary
// owner; a non-writable resolution includes up to replicas owners,
// primary first, the candidates Checkout tries for a readable handle.
//
// Results are memoized in a 1000-entry LRU so repeated checkouts of
// the same path don't re-walk cluster membership on every call. The
// cache key is the normalized path plus a writable discriminator,
// since the same path resolves to different Endpoints sets depending
// on access mode.
type Resolver struct {
	mu       sync.Mutex
	cache    *lru.LRU[string, Endpoints]
	view     ClusterView
	replicas int
}

// NewResolver builds a Resolver over view, trying up to replicas
// placements per non-writable resolution (clamped to at least 1).
func NewResolver(view ClusterView, replicas int) *Resolver {
	if replicas <= 0 {
		replicas = 1
	}
	return &Resolver{
		cache:    lru.New[string, Endpoints](1000),
		view:     view,
		replicas: replicas,
	}
}

func keepResolved(_ string, _ Endpoints) lru.DropAction { return lru.Evict }

func normalizeResolvePath(p string) string {
	return strings.TrimRight(path.Clean(p), "/") + "/"
}

// Resolve returns path's current Endpoints for the given access mode.
func (r *Resolver) Resolve(localPath string, writable bool) Endpoints {
	norm := normalizeResolvePath(localPath)
	key := norm
	if writable {
		key = "w:" + norm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache.At(key); ok {
		return cached
	}

	resolved := r.resolve(norm, writable)
	r.cache.Insert(key, resolved, keepResolved)
	return resolved
}

// Invalidate drops every memoized resolution for localPath (both
// access modes), used when cluster membership changes underneath a
// cached answer.
func (r *Resolver) Invalidate(localPath string) {
	norm := normalizeResolvePath(localPath)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Erase(norm)
	r.cache.Erase("w:" + norm)
}

func (r *Resolver) resolve(normPath string, writable bool) Endpoints {
	placements := r.view.ActivePlacements()
	activeCount := len(placements)
	if activeCount == 0 {
		return nil
	}

	limit := 1
	if !writable {
		limit = r.replicas
		if limit > activeCount {
			limit = activeCount
		}
	}

	key := xxhash.Sum64String(normPath)
	seen := make(map[int]bool, limit)
	out := make(Endpoints, 0, limit)
	for round := 0; len(out) < limit && round < activeCount; round++ {
		bucket := hashBucket(key, round, activeCount)
		for _, p := range placements {
			if p.Idx%activeCount != bucket || seen[p.Idx] {
				continue
			}
			seen[p.Idx] = true
			out = append(out, Endpoint{Host: p.Host, Port: p.Port, Path: normPath})
			break
		}
	}
	return out
}

func hashBucket(key uint64, round, activeCount int) int {
	return jumpHash(key+uint64(round), activeCount)
}

// jumpHash is Google's jump consistent hash, duplicated from
// pkg/discovery to avoid an import cycle (discovery has no reason to
// depend on index, and index resolving placement has no reason to
// depend on discovery's wire protocol).
func jumpHash(key uint64, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	var b, j int64 = -1, 0
	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}
