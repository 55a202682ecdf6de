package schema

import (
	"errors"
	"fmt"
	"sync"

	"github.com/xapiand/xapiand/pkg/lru"
	"github.com/xapiand/xapiand/pkg/xerrors"
)

const metadataKey = "_schema"

// MetadataStore is the slice of index.Backend a schema resolution
// needs: reading and compare-and-swapping the "_schema" metadata
// entry. Defined locally so this package depends on a method set, not
// on pkg/index directly.
type MetadataStore interface {
	GetMetadata(key string) ([]byte, bool, error)
	SetMetadata(key string, value []byte, ifEmpty bool) (bool, error)
}

// ForeignOpener opens (or checks out) a MetadataStore for the index
// backing a foreign-link URI, and returns a closer to release it.
// Callers typically implement this by checking an IndexHandle out of
// the pool for the URI's path and checking it back in on close.
type ForeignOpener func(uri string) (store MetadataStore, closeFn func() error, err error)

// Cache is the SchemasLRU: two independently mutexed LRUs,
// local_schemas and foreign_schemas, plus the recursion bound used to
// resolve chained foreign links.
type Cache struct {
	localMu sync.Mutex
	local   *lru.LRU[string, *Schema]

	foreignMu sync.Mutex
	foreign   *lru.LRU[string, *Schema]

	maxRecursion int
}

// New builds a Cache with independent capacities for the local and
// foreign tiers.
func New(localSize, foreignSize, maxRecursion int) *Cache {
	return &Cache{
		local:        lru.New[string, *Schema](localSize),
		foreign:      lru.New[string, *Schema](foreignSize),
		maxRecursion: maxRecursion,
	}
}

func keepOnFull(_ string, _ *Schema) lru.DropAction { return lru.Evict }

// Get resolves the schema for localPath, following foreign links
// through chains up to the cache's recursion bound (see
// resolveForeign). writable controls whether an unpersisted
// schema is written back to store. inline, if non-nil, is an
// explicit schema the caller wants installed (e.g. a freshly-inferred
// schema from an incoming document) and participates in the
// compare-and-swap dance described below.
//
// The returned bool is true when a concurrent set() won the race: the
// returned *Schema is then the winner, not inline.
func (c *Cache) Get(store MetadataStore, writable bool, localPath string, inline *Schema, openForeign ForeignOpener) (*Schema, bool, error) {
	resolved, failure, err := c.resolveLocal(store, writable, localPath, inline)
	if err != nil {
		return nil, false, err
	}
	if !resolved.IsForeign() {
		return resolved, failure, nil
	}
	foreignSchema, ferr := c.resolveForeign(resolved.Foreign.Endpoint, openForeign, make(map[string]struct{}))
	if ferr != nil {
		return nil, false, ferr
	}
	return foreignSchema, failure, nil
}

// resolveLocal implements the hit/miss branches and the persist dance
// against local_schemas.
func (c *Cache) resolveLocal(store MetadataStore, writable bool, localPath string, inline *Schema) (*Schema, bool, error) {
	c.localMu.Lock()
	defer c.localMu.Unlock()

	current, hit := c.local.At(localPath)

	if hit {
		if current.IsForeign() {
			if inline != nil && inline.IsForeign() && current.Foreign.Endpoint != inline.Foreign.Endpoint {
				// A different foreign link was requested than the one
				// already cached: the cached value was published first
				// and wins; this caller observes failure=true.
				return current, true, nil
			}
			return current, false, nil
		}
		if err := c.maybePersist(store, writable, localPath, current); err != nil {
			return nil, false, err
		}
		return current, false, nil
	}

	resolved, err := c.resolveMiss(store, localPath, inline, true)
	if err != nil {
		return nil, false, err
	}
	c.local.Insert(localPath, resolved, keepOnFull)
	if err := c.maybePersist(store, writable, localPath, resolved); err != nil {
		return nil, false, err
	}
	return resolved, false, nil
}

// resolveMiss handles the not-yet-cached case against store's
// "_schema" metadata. synthesizeDefaultForeign gates the local tier's
// rule of defaulting any non-bootstrap, unset schema to a foreign
// link under ".xapiand/index/<path>" -- the foreign tier's documents
// are themselves the terminal field-schema content, so they never
// re-synthesize another layer of indirection.
func (c *Cache) resolveMiss(store MetadataStore, localPath string, inline *Schema, synthesizeDefaultForeign bool) (*Schema, error) {
	data, found, err := store.GetMetadata(metadataKey)
	if err != nil {
		return nil, fmt.Errorf("get schema metadata %s: %w", localPath, err)
	}
	if found && len(data) > 0 {
		s, derr := Deserialise(data)
		if derr != nil {
			return nil, derr
		}
		return s, nil
	}
	if inline != nil && inline.IsForeign() {
		return inline, nil
	}
	if synthesizeDefaultForeign && localPath != bootstrapPath {
		return NewForeignLink(defaultForeignURI(localPath)), nil
	}
	if inline != nil {
		return inline, nil
	}
	return NewLocal(map[string]FieldSpec{}), nil
}

// maybePersist implements: "whenever schema.persisted == 0 and the
// handler is writable, attempt to persist ... on DocVersionConflict
// reload from metadata and CAS into the LRU; on any other error
// revert the LRU entry." Called with c.localMu already held by the
// caller, so the conflict branch can re-insert directly into c.local.
func (c *Cache) maybePersist(store MetadataStore, writable bool, localPath string, s *Schema) error {
	if !writable || s.Persisted() || s.IsForeign() {
		return nil
	}
	payload, err := s.Serialise()
	if err != nil {
		return err
	}
	ok, err := store.SetMetadata(metadataKey, payload, true)
	if err != nil {
		if errors.Is(err, xerrors.ErrDocVersionConflict) {
			data, _, gerr := store.GetMetadata(metadataKey)
			if gerr != nil {
				return fmt.Errorf("reload schema after conflict: %w", gerr)
			}
			reloaded, derr := Deserialise(data)
			if derr != nil {
				return derr
			}
			reloaded.MarkPersisted()
			c.local.Insert(localPath, reloaded, keepOnFull)
			return nil
		}
		c.local.Erase(localPath)
		return fmt.Errorf("persist schema: %w", err)
	}
	if ok {
		s.MarkPersisted()
	}
	return nil
}

// resolveForeign recursively resolves foreign_schemas[uri], tracking
// in-flight resolutions in ctx to detect cycles and bound recursion.
// The bootstrap path is a hard-coded escape hatch: it never recurses
// further.
func (c *Cache) resolveForeign(uri string, openForeign ForeignOpener, ctx map[string]struct{}) (*Schema, error) {
	if uri == bootstrapPath {
		return NewLocal(map[string]FieldSpec{}), nil
	}
	if _, seen := ctx[uri]; seen {
		return nil, fmt.Errorf("resolve foreign schema %s: %w", uri, xerrors.ErrSchemaCyclic)
	}
	if len(ctx) > c.maxRecursion {
		return nil, fmt.Errorf("resolve foreign schema %s: %w", uri, xerrors.ErrSchemaMaxRecursion)
	}
	ctx[uri] = struct{}{}
	defer delete(ctx, uri)

	c.foreignMu.Lock()
	if cached, ok := c.foreign.At(uri); ok {
		c.foreignMu.Unlock()
		if cached.IsForeign() {
			return c.resolveForeign(cached.Foreign.Endpoint, openForeign, ctx)
		}
		return cached, nil
	}
	c.foreignMu.Unlock()

	if openForeign == nil {
		return nil, fmt.Errorf("resolve foreign schema %s: no opener configured", uri)
	}
	store, closeFn, err := openForeign(uri)
	if err != nil {
		return nil, fmt.Errorf("open foreign schema %s: %w", uri, err)
	}
	defer func() {
		if closeFn != nil {
			_ = closeFn()
		}
	}()

	resolved, err := c.resolveMiss(store, uri, nil, false)
	if err != nil {
		return nil, err
	}

	c.foreignMu.Lock()
	c.foreign.Insert(uri, resolved, keepOnFull)
	c.foreignMu.Unlock()

	if resolved.IsForeign() {
		return c.resolveForeign(resolved.Foreign.Endpoint, openForeign, ctx)
	}
	return resolved, nil
}

// Drop removes localPath from the local tier, used when an index is
// dropped entirely.
func (c *Cache) Drop(localPath string) {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	c.local.Erase(localPath)
}

// SetForeign installs candidate as the field-schema content for uri
// in the foreign tier, implementing the shared "_update" compare-
// and-swap dance used for set/drop: if uri
// is not yet cached, candidate wins and is persisted; if it is
// already cached, the cached value wins and the caller observes
// failure=true with the winning schema. The whole check-and-install
// happens under foreignMu so two concurrent SetForeign calls against
// an empty cache can never both "win".
func (c *Cache) SetForeign(store MetadataStore, uri string, candidate *Schema) (*Schema, bool, error) {
	c.foreignMu.Lock()
	if cached, ok := c.foreign.At(uri); ok {
		c.foreignMu.Unlock()
		return cached, true, nil
	}
	c.foreign.Insert(uri, candidate, keepOnFull)
	c.foreignMu.Unlock()

	payload, err := candidate.Serialise()
	if err != nil {
		return nil, false, err
	}
	ok, err := store.SetMetadata(metadataKey, payload, true)
	if err != nil {
		if errors.Is(err, xerrors.ErrDocVersionConflict) {
			data, _, gerr := store.GetMetadata(metadataKey)
			if gerr != nil {
				return nil, false, fmt.Errorf("reload schema after conflict: %w", gerr)
			}
			reloaded, derr := Deserialise(data)
			if derr != nil {
				return nil, false, derr
			}
			c.foreignMu.Lock()
			c.foreign.Insert(uri, reloaded, keepOnFull)
			c.foreignMu.Unlock()
			return reloaded, true, nil
		}
		// Any other persistence error: revert the LRU entry so the next
		// caller re-reads from metadata instead of trusting this one.
		c.foreignMu.Lock()
		c.foreign.Erase(uri)
		c.foreignMu.Unlock()
		return nil, false, fmt.Errorf("persist foreign schema %s: %w", uri, err)
	}
	if ok {
		candidate.MarkPersisted()
	}
	return candidate, false, nil
}
