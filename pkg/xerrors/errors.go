// Package xerrors defines the sentinel error values shared across the
// xapiand packages. Callers wrap these with fmt.Errorf("...: %w", err)
// so errors.Is/errors.As keep working across package boundaries.
package xerrors

import "errors"

var (
	// ErrIO signals an underlying file or socket failure. Typically
	// fatal for the current operation; callers may retry by reopening.
	ErrIO = errors.New("io error")

	// ErrCorruptVolume signals structural on-disk damage: bad header
	// or footer magic, bad checksum, or a truncated record.
	ErrCorruptVolume = errors.New("corrupt volume")

	// ErrUUIDMismatch signals an open against a file belonging to a
	// different database. Fatal, no retry.
	ErrUUIDMismatch = errors.New("uuid mismatch")

	// ErrCheckoutNotAvailable signals the pool could not find or
	// create a handle for the requested endpoints.
	ErrCheckoutNotAvailable = errors.New("checkout not available")

	// ErrCheckoutConflict signals a writable checkout was requested
	// while a writable handle is already held.
	ErrCheckoutConflict = errors.New("checkout conflict")

	// ErrCheckoutTimeout signals a checkout wait exceeded its bound.
	ErrCheckoutTimeout = errors.New("checkout timeout")

	// ErrDocVersionConflict signals a compare-and-swap failure against
	// backend metadata.
	ErrDocVersionConflict = errors.New("document version conflict")

	// ErrSchemaCyclic signals a foreign-schema resolution re-entered
	// a path already in flight.
	ErrSchemaCyclic = errors.New("cyclic schema reference")

	// ErrSchemaMaxRecursion signals foreign-schema resolution exceeded
	// the maximum recursion depth.
	ErrSchemaMaxRecursion = errors.New("schema recursion limit exceeded")

	// ErrSchemaCorrupt signals a schema document failed to decode.
	ErrSchemaCorrupt = errors.New("corrupt schema")

	// ErrSchemaMissingType signals a schema field lacked a resolvable type.
	ErrSchemaMissingType = errors.New("schema missing type")

	// ErrNetwork signals malformed gossip or a protocol version
	// mismatch. Never surfaced to API clients; logged and dropped.
	ErrNetwork = errors.New("network error")

	// ErrShutdownInProgress signals the pool or manager is closing and
	// will not accept new work.
	ErrShutdownInProgress = errors.New("shutdown in progress")

	// ErrNotFound signals a read against a deleted or absent record.
	ErrNotFound = errors.New("not found")

	// ErrNotLeader signals a cluster-mutating operation was attempted
	// against a node that is not the current raft leader.
	ErrNotLeader = errors.New("not the leader")

	// ErrRaftNotStarted signals a raftleader operation was attempted
	// before Bootstrap or Join was called.
	ErrRaftNotStarted = errors.New("raft not started")
)
