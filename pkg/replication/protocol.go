// Package replication implements a pull-replication protocol: a
// client opens a binary connection to a source, issues
// GET_CHANGESETS(uuid, from_revision, path), and the source streams
// back either a changeset-only reply (when its WAL still covers
// from_revision) or a whole-database copy (DB_HEADER, repeated
// DB_FILENAME/DB_FILEDATA, DB_FOOTER) followed by trailing changesets,
// terminated by END_OF_CHANGES or FAIL.
//
// The protocol is framed directly over net.Conn rather than a
// generated RPC stub: it is a protocol-level contract, not a
// wire-level format mandate beyond the framing used by the binary
// volume.
package replication

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/xapiand/xapiand/pkg/wal"
	"github.com/xapiand/xapiand/pkg/xerrors"
)

// MessageType tags every frame exchanged over a replication connection.
type MessageType uint8

const (
	MsgGetChangesets MessageType = iota
	MsgDBHeader
	MsgDBFilename
	MsgDBFiledata
	MsgDBFooter
	MsgChangeset
	MsgEndOfChanges
	MsgFail
)

func (t MessageType) String() string {
	switch t {
	case MsgGetChangesets:
		return "GET_CHANGESETS"
	case MsgDBHeader:
		return "DB_HEADER"
	case MsgDBFilename:
		return "DB_FILENAME"
	case MsgDBFiledata:
		return "DB_FILEDATA"
	case MsgDBFooter:
		return "DB_FOOTER"
	case MsgChangeset:
		return "CHANGESET"
	case MsgEndOfChanges:
		return "END_OF_CHANGES"
	case MsgFail:
		return "FAIL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

const maxFrameLen = 64 << 20 // 64 MiB, generous for a whole-file DB_FILEDATA frame

// writeFrame writes a single type-tagged, length-prefixed frame.
func writeFrame(w io.Writer, typ MessageType, payload []byte) error {
	head := make([]byte, 5)
	head[0] = byte(typ)
	binary.LittleEndian.PutUint32(head[1:5], uint32(len(payload)))
	if _, err := w.Write(head); err != nil {
		return fmt.Errorf("write frame header: %w: %v", xerrors.ErrIO, err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w: %v", xerrors.ErrIO, err)
		}
	}
	return nil
}

// readFrame reads one type-tagged, length-prefixed frame.
func readFrame(r io.Reader) (MessageType, []byte, error) {
	head := make([]byte, 5)
	if _, err := io.ReadFull(r, head); err != nil {
		return 0, nil, fmt.Errorf("read frame header: %w: %v", xerrors.ErrIO, err)
	}
	length := binary.LittleEndian.Uint32(head[1:5])
	if length > maxFrameLen {
		return 0, nil, fmt.Errorf("frame length %d exceeds limit: %w", length, xerrors.ErrNetwork)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read frame payload: %w: %v", xerrors.ErrIO, err)
		}
	}
	return MessageType(head[0]), payload, nil
}

func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func getString(p []byte) (string, []byte, error) {
	if len(p) < 4 {
		return "", nil, fmt.Errorf("truncated string length: %w", xerrors.ErrNetwork)
	}
	n := binary.LittleEndian.Uint32(p[:4])
	p = p[4:]
	if uint64(n) > uint64(len(p)) {
		return "", nil, fmt.Errorf("truncated string body: %w", xerrors.ErrNetwork)
	}
	return string(p[:n]), p[n:], nil
}

// ChangesetsRequest is the decoded GET_CHANGESETS payload.
//
// RequesterMastery extends the core GET_CHANGESETS argument list
// (uuid, from_revision, path) so the source can evaluate: if the
// remote's mastery level for path is not lower than the local
// mastery, refuse.
type ChangesetsRequest struct {
	UUID             string
	FromRevision     uint64
	Path             string
	RequesterMastery int64
}

func encodeChangesetsRequest(req ChangesetsRequest) []byte {
	buf := make([]byte, 0, 32+len(req.UUID)+len(req.Path))
	buf = putString(buf, req.UUID)
	var rev [8]byte
	binary.LittleEndian.PutUint64(rev[:], req.FromRevision)
	buf = append(buf, rev[:]...)
	buf = putString(buf, req.Path)
	var mastery [8]byte
	binary.LittleEndian.PutUint64(mastery[:], uint64(req.RequesterMastery))
	buf = append(buf, mastery[:]...)
	return buf
}

func decodeChangesetsRequest(p []byte) (ChangesetsRequest, error) {
	var req ChangesetsRequest
	var err error
	req.UUID, p, err = getString(p)
	if err != nil {
		return req, err
	}
	if len(p) < 8 {
		return req, fmt.Errorf("truncated from_revision: %w", xerrors.ErrNetwork)
	}
	req.FromRevision = binary.LittleEndian.Uint64(p[:8])
	p = p[8:]
	req.Path, p, err = getString(p)
	if err != nil {
		return req, err
	}
	if len(p) < 8 {
		return req, fmt.Errorf("truncated requester_mastery: %w", xerrors.ErrNetwork)
	}
	req.RequesterMastery = int64(binary.LittleEndian.Uint64(p[:8]))
	return req, nil
}

type dbHeader struct {
	UUID     string
	Revision uint64
}

func encodeDBHeader(h dbHeader) []byte {
	buf := make([]byte, 0, 16+len(h.UUID))
	buf = putString(buf, h.UUID)
	var rev [8]byte
	binary.LittleEndian.PutUint64(rev[:], h.Revision)
	return append(buf, rev[:]...)
}

func decodeDBHeader(p []byte) (dbHeader, error) {
	var h dbHeader
	var err error
	h.UUID, p, err = getString(p)
	if err != nil {
		return h, err
	}
	if len(p) < 8 {
		return h, fmt.Errorf("truncated db_header revision: %w", xerrors.ErrNetwork)
	}
	h.Revision = binary.LittleEndian.Uint64(p[:8])
	return h, nil
}

func encodeChangeset(line wal.Line) []byte {
	buf := make([]byte, 0, 9+len(line.Payload))
	var rev [8]byte
	binary.LittleEndian.PutUint64(rev[:], line.Revision)
	buf = append(buf, rev[:]...)
	buf = append(buf, byte(line.Kind))
	return append(buf, line.Payload...)
}

func decodeChangeset(p []byte) (wal.Line, error) {
	if len(p) < 9 {
		return wal.Line{}, fmt.Errorf("truncated changeset: %w", xerrors.ErrNetwork)
	}
	return wal.Line{
		Revision: binary.LittleEndian.Uint64(p[:8]),
		Kind:     wal.Kind(p[8]),
		Payload:  p[9:],
	}, nil
}
