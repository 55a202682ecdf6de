// Package wal implements a slotted, versioned write-ahead log: a
// Storage-volume specialization whose header carries a database UUID,
// a starting revision, and an index of up to WAL_SLOTS offsets
// mapping revisions-within-the-file to byte offsets.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/xapiand/xapiand/pkg/storage"
	"github.com/xapiand/xapiand/pkg/xerrors"
)

// Kind tags every WAL line with the operation it records.
type Kind uint8

const (
	KindAddDocument Kind = iota
	KindDeleteDocumentTerm
	KindCommit
	KindReplaceDocument
	KindReplaceDocumentTerm
	KindDeleteDocument
	KindSetMetadata
	KindAddSpelling
	KindRemoveSpelling
)

func (k Kind) String() string {
	switch k {
	case KindAddDocument:
		return "ADD_DOCUMENT"
	case KindDeleteDocumentTerm:
		return "DELETE_DOCUMENT_TERM"
	case KindCommit:
		return "COMMIT"
	case KindReplaceDocument:
		return "REPLACE_DOCUMENT"
	case KindReplaceDocumentTerm:
		return "REPLACE_DOCUMENT_TERM"
	case KindDeleteDocument:
		return "DELETE_DOCUMENT"
	case KindSetMetadata:
		return "SET_METADATA"
	case KindAddSpelling:
		return "ADD_SPELLING"
	case KindRemoveSpelling:
		return "REMOVE_SPELLING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

const (
	headSize = 4 + 8 + 16 // offset(u32) + revision(u64) + uuid([16]byte)

	// Slots is WAL_SLOTS: the number of revision->offset entries that
	// fit in one header block alongside the fixed head fields.
	Slots = (storage.BlockSize - headSize) / 4

	noOffset uint32 = ^uint32(0)
)

// header is the on-disk WAL header block.
type header struct {
	Offset   uint32
	Revision uint64
	UUID     [16]byte
	Slot     [Slots]uint32
}

func freshHeader(startRevision uint64, uuid [16]byte) header {
	h := header{
		Offset:   storage.StartOffsetUnits,
		Revision: startRevision,
		UUID:     uuid,
	}
	for i := range h.Slot {
		h.Slot[i] = noOffset
	}
	return h
}

func (h *header) encode() []byte {
	buf := make([]byte, storage.BlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Offset)
	binary.LittleEndian.PutUint64(buf[4:12], h.Revision)
	copy(buf[12:28], h.UUID[:])
	off := headSize
	for _, s := range h.Slot {
		binary.LittleEndian.PutUint32(buf[off:off+4], s)
		off += 4
	}
	return buf
}

func decodeHeader(buf []byte) header {
	var h header
	h.Offset = binary.LittleEndian.Uint32(buf[0:4])
	h.Revision = binary.LittleEndian.Uint64(buf[4:12])
	copy(h.UUID[:], buf[12:28])
	off := headSize
	for i := range h.Slot {
		h.Slot[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	return h
}

// highestValidSlot returns the count of contiguous populated slots
// starting at index 0, i.e. how many revisions this file actually
// holds.
func (h *header) highestValidSlot() int {
	n := 0
	for _, s := range h.Slot {
		if s == noOffset {
			break
		}
		n++
	}
	return n
}

// Volume is one WAL file, covering revisions [Revision, Revision+highestValidSlot()).
type Volume struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	writable bool
	header   header
}

// Create creates a fresh WAL file starting at startRevision.
func Create(path string, uuid [16]byte, startRevision uint64) (*Volume, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create wal %s: %w: %v", path, xerrors.ErrIO, err)
	}
	v := &Volume{file: f, path: path, writable: true, header: freshHeader(startRevision, uuid)}
	if _, err := f.WriteAt(v.header.encode(), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write wal header %s: %w: %v", path, xerrors.ErrIO, err)
	}
	return v, nil
}

// Open opens an existing WAL file. If validateUUID is set, a UUID
// mismatch against uuid aborts with xerrors.ErrUUIDMismatch.
func Open(path string, uuid [16]byte, validateUUID bool, writable bool) (*Volume, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w: %v", path, xerrors.ErrIO, err)
	}
	buf := make([]byte, storage.BlockSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("read wal header %s: %w: %v", path, xerrors.ErrCorruptVolume, err)
	}
	h := decodeHeader(buf)
	if validateUUID && h.UUID != uuid {
		f.Close()
		return nil, fmt.Errorf("wal %s: %w", path, xerrors.ErrUUIDMismatch)
	}
	return &Volume{file: f, path: path, writable: writable, header: h}, nil
}

// Revision returns the first revision this file covers.
func (v *Volume) Revision() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.header.Revision
}

// CurrentLine returns the highest revision this file has recorded,
// i.e. get_current_line in the original API.
func (v *Volume) CurrentLine() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := v.header.highestValidSlot()
	if n == 0 {
		return v.header.Revision
	}
	return v.header.Revision + uint64(n) - 1
}

// HasRevision reports whether revision falls within this file's
// populated slot range.
func (v *Volume) HasRevision(revision uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if revision < v.header.Revision {
		return false
	}
	idx := revision - v.header.Revision
	return idx < uint64(v.header.highestValidSlot())
}

// Full reports whether the slot array is exhausted and a new WAL
// file must be rotated in.
func (v *Volume) Full() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.header.highestValidSlot() >= Slots
}

// NextRevision returns the revision the next WriteLine call would
// occupy if it landed in this file.
func (v *Volume) NextRevision() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.header.Revision + uint64(v.header.highestValidSlot())
}

// Rotate implements "when slot array is exhausted, a new WAL file is
// created with header.revision = last_revision+1": it creates a fresh
// volume at newPath starting at this file's NextRevision, carrying the
// same UUID, then closes this (now-exhausted) volume. The caller
// replaces its reference to v with the returned successor.
func (v *Volume) Rotate(newPath string) (*Volume, error) {
	v.mu.Lock()
	if !v.writable {
		v.mu.Unlock()
		return nil, fmt.Errorf("rotate read-only wal %s: %w", v.path, xerrors.ErrIO)
	}
	next := v.header.Revision + uint64(v.header.highestValidSlot())
	uuid := v.header.UUID
	v.mu.Unlock()

	successor, err := Create(newPath, uuid, next)
	if err != nil {
		return nil, err
	}
	if err := v.Close(); err != nil {
		_ = successor.Close()
		return nil, err
	}
	return successor, nil
}

func frameSize(payloadLen int) int {
	raw := 1 + 4 + payloadLen + 4 + 1 // bin magic, size, payload(kind+body), checksum, bin magic
	return ((raw + storage.Alignment - 1) / storage.Alignment) * storage.Alignment
}

// WriteLine appends kind‖payload as a volume record tagged with
// revision, records its offset in the revision's slot, and flushes.
// If notify is non-nil it is invoked after a successful flush, the
// hook that notifies the replication plane when send_update is set.
func (v *Volume) WriteLine(revision uint64, kind Kind, payload []byte, notify func()) error {
	if !v.writable {
		return fmt.Errorf("write to read-only wal %s: %w", v.path, xerrors.ErrIO)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if revision < v.header.Revision {
		return fmt.Errorf("revision %d precedes wal start %d: %w", revision, v.header.Revision, xerrors.ErrCorruptVolume)
	}
	slotIdx := revision - v.header.Revision
	if slotIdx >= uint64(Slots) {
		return fmt.Errorf("revision %d exceeds wal slot capacity: %w", revision, xerrors.ErrCorruptVolume)
	}

	body := make([]byte, 1+len(payload))
	body[0] = byte(kind)
	copy(body[1:], payload)

	byteOffset := uint64(v.header.Offset) * storage.Alignment
	total := frameSize(len(body))
	buf := make([]byte, total)
	buf[0] = storage.BinHeaderMagic
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(body)))
	copy(buf[5:5+len(body)], body)
	footerOff := 5 + len(body)
	checksum := crc32.ChecksumIEEE(body)
	binary.LittleEndian.PutUint32(buf[footerOff:footerOff+4], checksum)
	buf[footerOff+4] = storage.BinFooterMagic

	if _, err := v.file.WriteAt(buf, int64(byteOffset)); err != nil {
		return fmt.Errorf("write wal line %s: %w: %v", v.path, xerrors.ErrIO, err)
	}

	v.header.Slot[slotIdx] = v.header.Offset
	v.header.Offset += uint32(total / storage.Alignment)

	if _, err := v.file.WriteAt(v.header.encode(), 0); err != nil {
		return fmt.Errorf("flush wal header %s: %w: %v", v.path, xerrors.ErrIO, err)
	}
	if err := v.file.Sync(); err != nil {
		return fmt.Errorf("fsync wal %s: %w: %v", v.path, xerrors.ErrIO, err)
	}

	if notify != nil {
		notify()
	}
	return nil
}

// Line is one decoded WAL entry.
type Line struct {
	Revision uint64
	Kind     Kind
	Payload  []byte
}

// Find decodes the line recorded for revision, or xerrors.ErrNotFound
// if the file does not cover it.
func (v *Volume) Find(revision uint64) (Line, error) {
	v.mu.Lock()
	if revision < v.header.Revision {
		v.mu.Unlock()
		return Line{}, fmt.Errorf("revision %d: %w", revision, xerrors.ErrNotFound)
	}
	idx := revision - v.header.Revision
	if idx >= uint64(v.header.highestValidSlot()) {
		v.mu.Unlock()
		return Line{}, fmt.Errorf("revision %d: %w", revision, xerrors.ErrNotFound)
	}
	offset := v.header.Slot[idx]
	v.mu.Unlock()

	return v.readLineAt(revision, offset)
}

func (v *Volume) readLineAt(revision uint64, offsetUnits uint32) (Line, error) {
	byteOffset := int64(offsetUnits) * storage.Alignment
	binHeader := make([]byte, 5)
	if _, err := v.file.ReadAt(binHeader, byteOffset); err != nil {
		return Line{}, fmt.Errorf("read wal line header %s: %w: %v", v.path, xerrors.ErrCorruptVolume, err)
	}
	if binHeader[0] != storage.BinHeaderMagic {
		return Line{}, fmt.Errorf("bad wal line magic at %d in %s: %w", offsetUnits, v.path, xerrors.ErrCorruptVolume)
	}
	size := binary.LittleEndian.Uint32(binHeader[1:5])
	body := make([]byte, size)
	if size > 0 {
		if _, err := v.file.ReadAt(body, byteOffset+5); err != nil {
			return Line{}, fmt.Errorf("read wal line body %s: %w: %v", v.path, xerrors.ErrCorruptVolume, err)
		}
	}
	footer := make([]byte, 5)
	if _, err := v.file.ReadAt(footer, byteOffset+5+int64(size)); err != nil {
		return Line{}, fmt.Errorf("read wal line footer %s: %w: %v", v.path, xerrors.ErrCorruptVolume, err)
	}
	if footer[4] != storage.BinFooterMagic {
		return Line{}, fmt.Errorf("bad wal line footer magic at %d in %s: %w", offsetUnits, v.path, xerrors.ErrCorruptVolume)
	}
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(footer[0:4]) {
		return Line{}, fmt.Errorf("bad wal line checksum at %d in %s: %w", offsetUnits, v.path, xerrors.ErrCorruptVolume)
	}
	if len(body) < 1 {
		return Line{}, fmt.Errorf("empty wal line at %d in %s: %w", offsetUnits, v.path, xerrors.ErrCorruptVolume)
	}
	if Kind(body[0]) > KindRemoveSpelling {
		return Line{}, fmt.Errorf("unknown wal line kind %d at %d in %s: %w", body[0], offsetUnits, v.path, xerrors.ErrCorruptVolume)
	}
	return Line{Revision: revision, Kind: Kind(body[0]), Payload: body[1:]}, nil
}

// Iterator walks every populated slot in a WAL file, in revision
// order, starting from Begin (slot[0]).
type Iterator struct {
	v       *Volume
	nextIdx uint64
	count   uint64
}

// Begin returns an iterator positioned at slot[0].
func (v *Volume) Begin() *Iterator {
	v.mu.Lock()
	count := uint64(v.header.highestValidSlot())
	v.mu.Unlock()
	return &Iterator{v: v, nextIdx: 0, count: count}
}

// FindIterator returns an iterator positioned at the slot for revision.
func (v *Volume) FindIterator(revision uint64) (*Iterator, error) {
	v.mu.Lock()
	if revision < v.header.Revision {
		v.mu.Unlock()
		return nil, fmt.Errorf("revision %d: %w", revision, xerrors.ErrNotFound)
	}
	idx := revision - v.header.Revision
	count := uint64(v.header.highestValidSlot())
	v.mu.Unlock()
	if idx >= count {
		return nil, fmt.Errorf("revision %d: %w", revision, xerrors.ErrNotFound)
	}
	return &Iterator{v: v, nextIdx: idx, count: count}, nil
}

// Next returns the next line, or ok=false once the iterator is
// exhausted.
func (it *Iterator) Next() (Line, bool, error) {
	if it.nextIdx >= it.count {
		return Line{}, false, nil
	}
	it.v.mu.Lock()
	revision := it.v.header.Revision + it.nextIdx
	offset := it.v.header.Slot[it.nextIdx]
	it.v.mu.Unlock()

	line, err := it.v.readLineAt(revision, offset)
	if err != nil {
		return Line{}, false, err
	}
	it.nextIdx++
	return line, true, nil
}

// Replay applies every line from fromRevision through the end of this
// file's populated range, in order, via apply. A line with an unknown
// kind byte fails to decode with ErrCorruptVolume before apply sees
// it; a caller-supplied apply may still reject a line, which Replay
// surfaces unwrapped.
func (v *Volume) Replay(fromRevision uint64, apply func(Line) error) error {
	it, err := v.FindIterator(fromRevision)
	if err != nil {
		return err
	}
	for {
		line, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := apply(line); err != nil {
			return err
		}
	}
}

// Close closes the underlying file, flushing the header first when
// writable.
func (v *Volume) Close() error {
	if v.writable {
		v.mu.Lock()
		_, werr := v.file.WriteAt(v.header.encode(), 0)
		v.mu.Unlock()
		if werr != nil {
			v.file.Close()
			return fmt.Errorf("flush wal header %s: %w: %v", v.path, xerrors.ErrIO, werr)
		}
	}
	return v.file.Close()
}
