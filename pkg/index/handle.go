package index

import (
	"fmt"
	"sync"
	"time"

	"github.com/xapiand/xapiand/pkg/debounce"
	"github.com/xapiand/xapiand/pkg/schema"
	"github.com/xapiand/xapiand/pkg/wal"
	"github.com/xapiand/xapiand/pkg/xerrors"
)

// Handle owns one open Backend instance plus an IndexHandle's
// metadata: the endpoint set, writable flag, revision counter,
// last-access timestamp, mastery level, a checkout-revision snapshot,
// and a busy bit. A writable handle opened without FlagDisableWAL also
// owns the wal.Volume its write methods append to before touching the
// backend.
//
// Handle itself does no locking beyond the busy bit below: an
// IndexHandle is owned by the current checkout and requires no extra
// lock -- the owning DatabaseQueue's mutex is what serializes
// structural access.
type Handle struct {
	Endpoints        Endpoints
	Writable         bool
	Backend          Backend
	LastAccess       time.Time
	Mastery          int64
	CheckoutRevision uint64

	wal            *wal.Volume
	synchronousWAL bool
	fsyncs         *debounce.FsyncDebouncer

	// Schema is the field-schema resolved for this handle's path on
	// its first writable checkout (nil for a pool with no schema cache
	// attached, or for a readable handle). Pool.Checkout fills this in.
	Schema *schema.Schema

	mu   sync.Mutex
	busy bool
}

// open constructs a Handle by calling openFn against the first
// (write-target) endpoint's path, and, for a writable handle that
// hasn't opted out, attaches that endpoint's WAL volume.
func open(endpoints Endpoints, writable bool, openFn OpenFunc, flags OpenFlags) (*Handle, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("checkout with no endpoints: %w", xerrors.ErrCheckoutNotAvailable)
	}
	backend, err := openFn(endpoints[0].Path, flags)
	if err != nil {
		return nil, fmt.Errorf("open backend %s: %w: %v", endpoints[0].Path, xerrors.ErrIO, err)
	}

	h := &Handle{
		Endpoints:        endpoints,
		Writable:         writable,
		Backend:          backend,
		LastAccess:       time.Now(),
		CheckoutRevision: backend.GetRevision(),
		synchronousWAL:   flags.Has(FlagSynchronousWAL),
	}

	if writable && !flags.Has(FlagDisableWAL) {
		volume, werr := openOrCreateWAL(endpoints[0].Path, backend.GetUUID(), backend.GetRevision())
		if werr != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("open wal %s: %w", endpoints[0].Path, werr)
		}
		h.wal = volume
	}

	return h, nil
}

// appendWAL writes kind/payload as the next line of h's WAL volume,
// rotating to a successor file first if the current one is full. A
// handle opened with FlagDisableWAL (or a readable handle, which never
// owns one) silently skips this -- there is nothing to append to.
func (h *Handle) appendWAL(kind wal.Kind, payload []byte) error {
	if h.wal == nil {
		return nil
	}
	if h.wal.Full() {
		rotated, err := rotateWAL(h.wal, h.Endpoints[0].Path, h.wal.NextRevision())
		if err != nil {
			return fmt.Errorf("rotate wal %s: %w", h.Endpoints[0].Path, err)
		}
		h.wal = rotated
		// The new rotation file's directory entry isn't durable until
		// the directory itself is fsynced; coalesce that across bursts
		// of rotations the same way commits are coalesced.
		if h.fsyncs != nil {
			h.fsyncs.Fsync(walDir(h.Endpoints[0].Path))
		}
	}
	return h.wal.WriteLine(h.wal.NextRevision(), kind, payload, nil)
}

// AddDocument adds doc to the backend and records the operation as the
// next WAL line before returning the new document id.
func (h *Handle) AddDocument(doc []byte) (uint32, error) {
	docID, err := h.Backend.AddDocument(doc)
	if err != nil {
		return 0, fmt.Errorf("add document %s: %w: %v", h.Endpoints, xerrors.ErrIO, err)
	}
	if werr := h.appendWAL(wal.KindAddDocument, doc); werr != nil {
		return docID, werr
	}
	h.LastAccess = time.Now()
	return docID, nil
}

// ReplaceDocument overwrites docID's content and WAL-logs the new body.
func (h *Handle) ReplaceDocument(docID uint32, doc []byte) error {
	if err := h.Backend.ReplaceDocument(docID, doc); err != nil {
		return fmt.Errorf("replace document %s: %w: %v", h.Endpoints, xerrors.ErrIO, err)
	}
	if werr := h.appendWAL(wal.KindReplaceDocument, encodeReplaceDocument(docID, doc)); werr != nil {
		return werr
	}
	h.LastAccess = time.Now()
	return nil
}

// ReplaceDocumentTerm replaces whichever document matches term (or
// adds one) and WAL-logs the term alongside the new body.
func (h *Handle) ReplaceDocumentTerm(term string, doc []byte) (uint32, error) {
	docID, err := h.Backend.ReplaceDocumentTerm(term, doc)
	if err != nil {
		return 0, fmt.Errorf("replace document term %s: %w: %v", h.Endpoints, xerrors.ErrIO, err)
	}
	if werr := h.appendWAL(wal.KindReplaceDocumentTerm, encodeReplaceDocumentTerm(term, doc)); werr != nil {
		return docID, werr
	}
	h.LastAccess = time.Now()
	return docID, nil
}

// DeleteDocument removes docID and WAL-logs the deletion.
func (h *Handle) DeleteDocument(docID uint32) error {
	if err := h.Backend.DeleteDocument(docID); err != nil {
		return fmt.Errorf("delete document %s: %w: %v", h.Endpoints, xerrors.ErrIO, err)
	}
	if werr := h.appendWAL(wal.KindDeleteDocument, encodeDeleteDocument(docID)); werr != nil {
		return werr
	}
	h.LastAccess = time.Now()
	return nil
}

// DeleteDocumentTerm removes whichever document matches term and
// WAL-logs the term.
func (h *Handle) DeleteDocumentTerm(term string) error {
	if err := h.Backend.DeleteDocumentTerm(term); err != nil {
		return fmt.Errorf("delete document term %s: %w: %v", h.Endpoints, xerrors.ErrIO, err)
	}
	if werr := h.appendWAL(wal.KindDeleteDocumentTerm, []byte(term)); werr != nil {
		return werr
	}
	h.LastAccess = time.Now()
	return nil
}

// SetMetadata writes key/value through the backend's compare-and-swap
// and WAL-logs the write when it actually took effect.
func (h *Handle) SetMetadata(key string, value []byte, ifEmpty bool) (bool, error) {
	ok, err := h.Backend.SetMetadata(key, value, ifEmpty)
	if err != nil {
		return false, err
	}
	if ok {
		if werr := h.appendWAL(wal.KindSetMetadata, encodeSetMetadata(key, value, ifEmpty)); werr != nil {
			return ok, werr
		}
		h.LastAccess = time.Now()
	}
	return ok, nil
}

// GetMetadata reads key straight through to the backend; reads never
// touch the WAL.
func (h *Handle) GetMetadata(key string) ([]byte, bool, error) {
	return h.Backend.GetMetadata(key)
}

// Apply replays one WAL line pulled from a peer by routing it through
// the same wrapped method a local write would use, so a replicated
// changeset is re-logged to this handle's own WAL exactly like a
// locally originated write. Spelling lines have no Backend counterpart
// and are skipped.
func (h *Handle) Apply(line wal.Line) error {
	switch line.Kind {
	case wal.KindAddDocument:
		_, err := h.AddDocument(line.Payload)
		return err
	case wal.KindReplaceDocument:
		docID, doc, err := decodeReplaceDocument(line.Payload)
		if err != nil {
			return err
		}
		return h.ReplaceDocument(docID, doc)
	case wal.KindReplaceDocumentTerm:
		term, doc, err := decodeReplaceDocumentTerm(line.Payload)
		if err != nil {
			return err
		}
		_, err = h.ReplaceDocumentTerm(term, doc)
		return err
	case wal.KindDeleteDocument:
		docID, err := decodeDeleteDocument(line.Payload)
		if err != nil {
			return err
		}
		return h.DeleteDocument(docID)
	case wal.KindDeleteDocumentTerm:
		return h.DeleteDocumentTerm(string(line.Payload))
	case wal.KindSetMetadata:
		key, value, ifEmpty, err := decodeSetMetadata(line.Payload)
		if err != nil {
			return err
		}
		_, err = h.SetMetadata(key, value, ifEmpty)
		return err
	case wal.KindCommit:
		_, err := h.Commit()
		return err
	default:
		return nil
	}
}

// Busy reports whether the handle is currently checked out.
func (h *Handle) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.busy
}

func (h *Handle) setBusy(v bool) {
	h.mu.Lock()
	h.busy = v
	h.mu.Unlock()
}

// Commit flushes the backend, appends the commit marker as the next
// WAL line, sets CheckoutRevision and increments the handle's mastery.
// It does not notify peers: nothing on the commit path broadcasts
// DB_UPDATED. Apply routes replicated commit lines through Commit, so
// they bump mastery as well.
func (h *Handle) Commit() (uint64, error) {
	rev, err := h.Backend.Commit()
	if err != nil {
		return 0, fmt.Errorf("commit %s: %w: %v", h.Endpoints, xerrors.ErrIO, err)
	}
	if werr := h.appendWAL(wal.KindCommit, nil); werr != nil {
		return rev, werr
	}
	h.CheckoutRevision = rev
	h.Mastery++
	h.LastAccess = time.Now()
	return rev, nil
}

// Close releases the backend and, for a writable handle, its WAL
// volume. Used when a checked-in handle is healthy but the owning
// queue is being evicted, or when Checkin observes an unrecoverable
// error.
func (h *Handle) Close() error {
	if h.wal != nil {
		if err := h.wal.Close(); err != nil {
			_ = h.Backend.Close()
			return err
		}
	}
	return h.Backend.Close()
}
