// Package memindex is an in-memory reference implementation of
// pkg/index.Backend, used by tests and the pool/schema scenarios that
// need a real, addressable IndexBackend without an on-disk engine.
package memindex

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/xapiand/xapiand/pkg/index"
	"github.com/xapiand/xapiand/pkg/xerrors"
)

type doc struct {
	data    []byte
	deleted bool
}

// Index is a single in-memory shard: a document table keyed by
// sequential ID, a metadata map, and a revision counter bumped on
// Commit.
type Index struct {
	mu       sync.Mutex
	path     string
	docs     map[uint32][]byte
	nextID   uint32
	meta     map[string][]byte
	revision uint64
	uuid     [16]byte
}

// Open implements index.OpenFunc: every call against the same path
// within a process returns the same backing Index (shared registry),
// matching the "reopen sees prior writes" expectation tests rely on.
func Open(path string, flags index.OpenFlags) (index.Backend, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if idx, ok := registry[path]; ok {
		if !flags.Has(index.FlagCreateOrOpen) && !flags.Has(index.FlagOpen) {
			return nil, fmt.Errorf("open %s: %w", path, xerrors.ErrIO)
		}
		return idx, nil
	}
	if !flags.Has(index.FlagCreateOrOpen) {
		return nil, fmt.Errorf("open %s: %w", path, xerrors.ErrNotFound)
	}

	id := uuid.New()
	idx := &Index{
		path: path,
		docs: make(map[uint32][]byte),
		meta: make(map[string][]byte),
	}
	copy(idx.uuid[:], id[:])
	registry[path] = idx
	return idx, nil
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Index)
)

// Reset clears the shared registry. Test-only.
func Reset() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[string]*Index)
}

func (idx *Index) AddDocument(data []byte) (uint32, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.nextID++
	id := idx.nextID
	idx.docs[id] = append([]byte(nil), data...)
	return id, nil
}

func (idx *Index) ReplaceDocument(id uint32, data []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.docs[id] = append([]byte(nil), data...)
	return nil
}

func (idx *Index) ReplaceDocumentTerm(term string, data []byte) (uint32, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key := "term:" + term
	if existing, ok := idx.meta[key]; ok {
		var id uint32
		_, _ = fmt.Sscanf(string(existing), "%d", &id)
		idx.docs[id] = append([]byte(nil), data...)
		return id, nil
	}
	idx.nextID++
	id := idx.nextID
	idx.docs[id] = append([]byte(nil), data...)
	idx.meta[key] = []byte(fmt.Sprintf("%d", id))
	return id, nil
}

func (idx *Index) DeleteDocument(id uint32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.docs[id]; !ok {
		return fmt.Errorf("delete %d: %w", id, xerrors.ErrNotFound)
	}
	delete(idx.docs, id)
	return nil
}

func (idx *Index) DeleteDocumentTerm(term string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key := "term:" + term
	existing, ok := idx.meta[key]
	if !ok {
		return fmt.Errorf("delete term %s: %w", term, xerrors.ErrNotFound)
	}
	var id uint32
	_, _ = fmt.Sscanf(string(existing), "%d", &id)
	delete(idx.docs, id)
	delete(idx.meta, key)
	return nil
}

func (idx *Index) Commit() (uint64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.revision++
	return idx.revision, nil
}

func (idx *Index) Reopen() error { return nil }

func (idx *Index) GetMetadata(key string) ([]byte, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	v, ok := idx.meta[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (idx *Index) SetMetadata(key string, value []byte, ifEmpty bool) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if ifEmpty {
		if _, ok := idx.meta[key]; ok {
			return false, nil
		}
	}
	idx.meta[key] = append([]byte(nil), value...)
	return true, nil
}

func (idx *Index) GetRevision() uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.revision
}

func (idx *Index) GetUUID() [16]byte {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.uuid
}

func (idx *Index) Close() error { return nil }
