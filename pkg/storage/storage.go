// Package storage implements a block-framed, append-only binary
// volume: a fixed header followed by a sequence of checksummed,
// magic-framed records.
package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/xapiand/xapiand/pkg/xerrors"
)

const (
	// BlockSize is the header block size; the first record starts
	// right after it, and records are then packed at Alignment.
	BlockSize = 4096
	// Alignment is the quantum every record is padded to, and the
	// unit header.Offset and record offsets are expressed in.
	Alignment = 8

	// HeaderMagic identifies a volume file.
	HeaderMagic uint32 = 0x12345678
	// BinHeaderMagic opens every record frame.
	BinHeaderMagic byte = 0x12
	// BinFooterMagic closes every record frame.
	BinFooterMagic byte = 0x15

	// StartOffsetUnits is the first record offset, immediately past
	// the header block, expressed in alignment units.
	StartOffsetUnits = BlockSize / Alignment

	uuidFieldLen  = 36
	binHeaderSize = 1 + 1 + 4 // magic, flags, size
	binFooterSize = 4 + 1     // checksum, magic
)

// Flags carries per-record metadata. Bit 0 marks a tombstoned record;
// the remaining bits hold the Codec used to compress the payload.
type Flags uint8

const flagDeleted Flags = 1 << 0

// Deleted reports whether the record is tombstoned.
func (f Flags) Deleted() bool { return f&flagDeleted != 0 }

// Codec extracts the compression codec encoded in the flags byte.
func (f Flags) Codec() Codec { return Codec(f >> 1) }

func flagsFor(codec Codec, deleted bool) Flags {
	f := Flags(codec) << 1
	if deleted {
		f |= flagDeleted
	}
	return f
}

// header is the on-disk 4 KiB volume header. Byte layout: magic (4),
// offset (4, alignment units), uuid (36), zero-padded to BlockSize.
//
// offset is stored as a 4-byte field rather than 2: a 2-byte field
// caps a volume at 512 KiB, which is too small for a multi-thousand
// record volume at 4096 bytes/record.
type header struct {
	Magic  uint32
	Offset uint32
	UUID   string
}

func (h *header) encode() []byte {
	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Offset)
	copy(buf[8:8+uuidFieldLen], h.UUID)
	return buf
}

func decodeHeader(buf []byte) header {
	return header{
		Magic:  binary.LittleEndian.Uint32(buf[0:4]),
		Offset: binary.LittleEndian.Uint32(buf[4:8]),
		UUID:   string(trimZero(buf[8 : 8+uuidFieldLen])),
	}
}

func trimZero(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// Volume is a single append-only on-disk file in the Storage format.
type Volume struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	writable bool
	header   header
}

// Open opens or creates the volume at path. If the file exists its
// header magic and uuid are validated against uuid (ErrUUIDMismatch
// on mismatch). If absent and create is true, a fresh header is
// written. writable controls whether Append/Flush are permitted.
func Open(path string, uuid string, writable bool, create bool) (*Volume, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}

	f, err := os.OpenFile(path, flag, 0o644)
	if os.IsNotExist(err) && create {
		f, err = os.OpenFile(path, flag|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("create volume %s: %w: %v", path, xerrors.ErrIO, err)
		}
		v := &Volume{
			file:     f,
			path:     path,
			writable: writable,
			header: header{
				Magic:  HeaderMagic,
				Offset: StartOffsetUnits,
				UUID:   uuid,
			},
		}
		if _, err := f.WriteAt(v.header.encode(), 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header %s: %w: %v", path, xerrors.ErrIO, err)
		}
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open volume %s: %w: %v", path, xerrors.ErrIO, err)
	}

	buf := make([]byte, BlockSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header %s: %w: %v", path, xerrors.ErrCorruptVolume, err)
	}
	h := decodeHeader(buf)
	if h.Magic != HeaderMagic {
		f.Close()
		return nil, fmt.Errorf("bad header magic %s: %w", path, xerrors.ErrCorruptVolume)
	}
	if h.UUID != uuid {
		f.Close()
		return nil, fmt.Errorf("volume %s: %w", path, xerrors.ErrUUIDMismatch)
	}

	return &Volume{file: f, path: path, writable: writable, header: h}, nil
}

// Path returns the volume's file path.
func (v *Volume) Path() string { return v.path }

// UUID returns the volume's UUID.
func (v *Volume) UUID() string { return v.header.UUID }

// OffsetUnits returns the current tail offset in alignment units --
// where the next Append will land.
func (v *Volume) OffsetUnits() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.header.Offset
}

func frameSize(payloadLen int) int {
	raw := binHeaderSize + payloadLen + binFooterSize
	return ((raw + Alignment - 1) / Alignment) * Alignment
}

// Append writes data as a new record, optionally compressed per
// codec, and returns its offset in alignment units. Errors:
// xerrors.ErrIO on underlying I/O failure, including once the
// last-block limit (StorageEOF) is reached.
func (v *Volume) Append(data []byte, codec Codec) (uint32, error) {
	return v.appendFramed(data, codec, false)
}

// Delete appends a zero-length tombstone record with flagDeleted set,
// so readers walking the volume can distinguish a deleted slot from a
// live one without consulting an external index.
func (v *Volume) Delete() (uint32, error) {
	return v.appendFramed(nil, CodecNone, true)
}

func (v *Volume) appendFramed(data []byte, codec Codec, deleted bool) (uint32, error) {
	if !v.writable {
		return 0, fmt.Errorf("append to read-only volume %s: %w", v.path, xerrors.ErrIO)
	}

	payload, err := Encode(codec, data)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	flags := flagsFor(codec, deleted)

	v.mu.Lock()
	defer v.mu.Unlock()

	byteOffset := uint64(v.header.Offset) * Alignment
	total := frameSize(len(payload))
	if byteOffset+uint64(total) >= uint64(^uint32(0))*Alignment {
		return 0, fmt.Errorf("volume %s at last block: %w", v.path, xerrors.ErrIO)
	}

	buf := make([]byte, total)
	buf[0] = BinHeaderMagic
	buf[1] = byte(flags)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[6:6+len(payload)], payload)
	footerOff := 6 + len(payload)
	checksum := crc32.ChecksumIEEE(payload)
	binary.LittleEndian.PutUint32(buf[footerOff:footerOff+4], checksum)
	buf[footerOff+4] = BinFooterMagic

	if _, err := v.file.WriteAt(buf, int64(byteOffset)); err != nil {
		return 0, fmt.Errorf("write record %s: %w: %v", v.path, xerrors.ErrIO, err)
	}

	recordOffset := v.header.Offset
	v.header.Offset += uint32(total / Alignment)

	if _, err := v.file.WriteAt(v.header.encode()[:8], 0); err != nil {
		return 0, fmt.Errorf("write header %s: %w: %v", v.path, xerrors.ErrIO, err)
	}

	return recordOffset, nil
}

// Record is a single decoded record returned by ReadAt.
type Record struct {
	Data      []byte
	Flags     Flags
	NextUnits uint32 // offset, in alignment units, of the following record
}

// ReadAt reads and validates the record at offsetUnits. Returns
// xerrors.ErrNotFound if the record is tombstoned, xerrors.ErrCorruptVolume
// on any framing/checksum mismatch.
func (v *Volume) ReadAt(offsetUnits uint32) (Record, error) {
	v.mu.Lock()
	tail := v.header.Offset
	v.mu.Unlock()

	if offsetUnits >= tail {
		return Record{}, fmt.Errorf("offset %d past tail %d: %w", offsetUnits, tail, xerrors.ErrCorruptVolume)
	}

	rec, err := v.readFrame(offsetUnits)
	if err != nil {
		return Record{}, err
	}
	if rec.Flags.Deleted() {
		return rec, fmt.Errorf("record at %d: %w", offsetUnits, xerrors.ErrNotFound)
	}
	decoded, err := Decode(rec.Flags.Codec(), rec.Data)
	if err != nil {
		return Record{}, fmt.Errorf("decode record at %d in %s: %w", offsetUnits, v.path, xerrors.ErrCorruptVolume)
	}
	rec.Data = decoded
	return rec, nil
}

// readFrame reads and validates the raw (still-encoded) frame at
// offsetUnits without bounds-checking against the tail, so Recover
// can use it to probe past a stale in-memory tail while scanning.
func (v *Volume) readFrame(offsetUnits uint32) (Record, error) {
	byteOffset := int64(offsetUnits) * Alignment
	binHeader := make([]byte, binHeaderSize)
	if _, err := v.file.ReadAt(binHeader, byteOffset); err != nil {
		return Record{}, fmt.Errorf("read bin header %s: %w: %v", v.path, xerrors.ErrCorruptVolume, err)
	}
	if binHeader[0] != BinHeaderMagic {
		return Record{}, fmt.Errorf("bad bin header magic at %d in %s: %w", offsetUnits, v.path, xerrors.ErrCorruptVolume)
	}
	flags := Flags(binHeader[1])
	size := binary.LittleEndian.Uint32(binHeader[2:6])

	payload := make([]byte, size)
	if size > 0 {
		if _, err := v.file.ReadAt(payload, byteOffset+int64(binHeaderSize)); err != nil {
			return Record{}, fmt.Errorf("read payload %s: %w: %v", v.path, xerrors.ErrCorruptVolume, err)
		}
	}

	footer := make([]byte, binFooterSize)
	if _, err := v.file.ReadAt(footer, byteOffset+int64(binHeaderSize)+int64(size)); err != nil {
		return Record{}, fmt.Errorf("read bin footer %s: %w: %v", v.path, xerrors.ErrCorruptVolume, err)
	}
	if footer[4] != BinFooterMagic {
		return Record{}, fmt.Errorf("bad bin footer magic at %d in %s: %w", offsetUnits, v.path, xerrors.ErrCorruptVolume)
	}
	checksum := binary.LittleEndian.Uint32(footer[0:4])
	if crc32.ChecksumIEEE(payload) != checksum {
		return Record{}, fmt.Errorf("bad checksum at %d in %s: %w", offsetUnits, v.path, xerrors.ErrCorruptVolume)
	}

	next := offsetUnits + uint32(frameSize(len(payload))/Alignment)
	return Record{Data: payload, Flags: flags, NextUnits: next}, nil
}

// Flush persists the header block. Callers are expected to
// synchronize durability via an external fsync debouncer; Flush
// itself issues an fsync so tests and the debouncer's eventual call
// observe the same durable state.
func (v *Volume) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := v.file.WriteAt(v.header.encode(), 0); err != nil {
		return fmt.Errorf("flush header %s: %w: %v", v.path, xerrors.ErrIO, err)
	}
	if err := v.file.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w: %v", v.path, xerrors.ErrIO, err)
	}
	return nil
}

// Recover scans records starting at fromUnits, validating framing and
// checksums, and rewinds header.Offset (and truncates the file) to
// the last known-good record boundary at the first torn or corrupt
// record it finds. It never errors on a torn tail -- that is the
// expected crash-recovery path; it only errors on underlying I/O
// failure while truncating or flushing.
func (v *Volume) Recover(fromUnits uint32) error {
	v.mu.Lock()
	tail := v.header.Offset
	v.mu.Unlock()

	cursor := fromUnits
	lastGood := fromUnits
	for cursor < tail {
		rec, err := v.readFrame(cursor)
		if err != nil {
			break
		}
		lastGood = rec.NextUnits
		cursor = rec.NextUnits
	}

	if lastGood == tail {
		return nil
	}

	v.mu.Lock()
	v.header.Offset = lastGood
	v.mu.Unlock()

	if !v.writable {
		return nil
	}
	if err := v.file.Truncate(int64(lastGood) * Alignment); err != nil {
		return fmt.Errorf("truncate %s: %w: %v", v.path, xerrors.ErrIO, err)
	}
	return v.Flush()
}

// Close flushes (when writable) and closes the underlying file.
func (v *Volume) Close() error {
	if v.writable {
		if err := v.Flush(); err != nil {
			v.file.Close()
			return err
		}
	}
	return v.file.Close()
}
