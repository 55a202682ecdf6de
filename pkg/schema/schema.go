// Package schema implements the SchemasLRU: a two-tier (local +
// foreign), compare-and-swap cache of SchemaPointer documents,
// persisted to the owning IndexBackend's metadata under the
// well-known "_schema" key.
package schema

import (
	"fmt"
	"net/url"
	"path"
	"sync/atomic"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/xapiand/xapiand/pkg/xerrors"
)

// bootstrapPath is the chicken-and-egg escape hatch: resolving a
// schema for this path never recurses into foreign-link resolution.
const bootstrapPath = ".xapiand/index"

// FieldSpec describes one field's inferred type.
type FieldSpec struct {
	Type string `codec:"type"`
}

// ForeignLink points a local schema at a document living in another
// index, identified by a "path/id" style URI.
type ForeignLink struct {
	Endpoint string `codec:"endpoint"`
}

// wireSchema is the MsgPack-serialised shape of a Schema.
type wireSchema struct {
	Fields  map[string]FieldSpec `codec:"fields"`
	Foreign *ForeignLink         `codec:"foreign,omitempty"`
}

// Schema is a SchemaPointer: a shared, immutable document plus a
// single mutable "persisted" bit. Once
// published into a SchemasLRU a Schema's Fields/Foreign never change;
// superseding content means installing a new *Schema, never mutating
// this one.
type Schema struct {
	Fields  map[string]FieldSpec
	Foreign *ForeignLink

	persisted atomic.Bool
}

// NewLocal creates a plain (non-foreign) schema with persisted=false.
func NewLocal(fields map[string]FieldSpec) *Schema {
	return &Schema{Fields: fields}
}

// NewForeignLink creates a local entry that is itself a pointer into
// foreign_schemas.
func NewForeignLink(endpoint string) *Schema {
	return &Schema{Foreign: &ForeignLink{Endpoint: endpoint}}
}

// IsForeign reports whether this schema is a foreign-link pointer
// rather than an actual field map.
func (s *Schema) IsForeign() bool { return s.Foreign != nil }

// Persisted reports the durability bit.
func (s *Schema) Persisted() bool { return s.persisted.Load() }

// MarkPersisted flips the durability bit. Safe to call on a shared,
// published Schema: it changes no field content, only durability
// bookkeeping.
func (s *Schema) MarkPersisted() { s.persisted.Store(true) }

var mh codec.MsgpackHandle

// Serialise encodes the schema to MsgPack for storage under the
// IndexBackend's "_schema" metadata key.
func (s *Schema) Serialise() ([]byte, error) {
	w := wireSchema{Fields: s.Fields, Foreign: s.Foreign}
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &mh)
	if err := enc.Encode(&w); err != nil {
		return nil, fmt.Errorf("serialise schema: %w", err)
	}
	return buf, nil
}

// Deserialise decodes a MsgPack schema document. An empty input
// decodes to (nil, nil) -- callers treat that as a cache miss.
func Deserialise(data []byte) (*Schema, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var w wireSchema
	dec := codec.NewDecoderBytes(data, &mh)
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("deserialise schema: %w: %v", xerrors.ErrSchemaCorrupt, err)
	}
	return &Schema{Fields: w.Fields, Foreign: w.Foreign}, nil
}

// defaultForeignURI synthesises the "bootstrap" foreign-link target
// for any non-root path lacking an explicit schema:
// ".xapiand/index/<percent-encoded-path>".
func defaultForeignURI(localPath string) string {
	return path.Join(bootstrapPath, url.PathEscape(localPath))
}
