/*
Package storage implements xapiand's append-only binary volume
format: a fixed-size header block followed by a sequence of
checksummed, magic-framed records. It is the on-disk
layer beneath pkg/index (which opens Volumes through Backend) and
pkg/wal (which shares the same block/alignment conventions for its
own record stream).

# Layout

	┌──────────────────────── VOLUME FILE ──────────────────────┐
	│  header block (BlockSize bytes)                            │
	│    Magic | Offset (tail, in Alignment units) | UUID        │
	├─────────────────────────────────────────────────────────────┤
	│  record 0: [BinHeaderMagic|Flags|Size] payload [CRC32|BinFooterMagic] │
	│  record 1: ...                                              │
	│  ...                                                         │
	│  (tail, padded to Alignment)                                 │
	└───────────────────────────────────────────────────────────┘

Every record is padded to a multiple of Alignment so offsets can be
expressed compactly as uint32 units rather than raw byte counts. A
record's Flags byte folds in both its Codec (bits 1+) and a deleted
tombstone bit (bit 0); Delete appends a zero-length tombstone rather
than rewriting history, so concurrent readers walking the volume
never observe a torn record.

# Compression

codec.go implements Codec at the record-payload level: CodecNone
stores raw bytes, CodecLZ4 stores an LZ4 block (github.com/pierrec/lz4/v4)
prefixed with a 4-byte uncompressed length. Encode falls back to
storing incompressible input raw (signaled by a zero length prefix)
rather than paying LZ4's frame overhead for no gain.

# Usage

	vol, err := storage.Open(path, uuid, true, true)
	if err != nil {
		return err
	}
	defer vol.Close()

	offset, err := vol.Append(payload, storage.CodecLZ4)
	...
	rec, err := vol.ReadAt(offset)

# Concurrency

A Volume serializes Append/Delete under a single mutex; ReadAt holds it
only to read the current tail and then uses positioned reads; callers
needing concurrent access to many volumes should hold one Volume per
goroutine (pkg/index's Pool does exactly this, keying Handles by
endpoint hash) rather than sharing one across goroutines.
*/
package storage
