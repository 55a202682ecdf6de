package replication

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/xapiand/xapiand/pkg/wal"
	"github.com/xapiand/xapiand/pkg/xerrors"
)

// Result summarizes one completed Pull.
type Result struct {
	// Swapped is true if a whole-database copy was received and
	// atomically swapped into destDir.
	Swapped bool
	// Changesets is the number of CHANGESET frames applied.
	Changesets int
	// LastRevision is the highest revision seen in a CHANGESET frame,
	// or req.FromRevision-1 if none were received.
	LastRevision uint64
}

// Pull issues GET_CHANGESETS over conn and drives the client side of
// the protocol through to END_OF_CHANGES or FAIL. Whole-database
// frames (DB_HEADER.. DB_FOOTER) are written under the sibling
// directory destDir+".tmp" and atomically renamed into destDir at
// DB_FOOTER, matching the
// temp-directory-then-swap idiom of the original replication client.
// Each CHANGESET line is handed to apply in arrival order.
func Pull(conn net.Conn, req ChangesetsRequest, destDir string, apply func(wal.Line) error) (Result, error) {
	var res Result
	res.LastRevision = req.FromRevision
	if req.FromRevision > 0 {
		res.LastRevision = req.FromRevision - 1
	}

	if err := writeFrame(conn, MsgGetChangesets, encodeChangesetsRequest(req)); err != nil {
		return res, fmt.Errorf("send GET_CHANGESETS: %w", err)
	}

	tmpDir := filepath.Clean(destDir) + ".tmp"
	var tmpOpen bool

	for {
		typ, payload, err := readFrame(conn)
		if err != nil {
			return res, err
		}
		switch typ {
		case MsgFail:
			return res, fmt.Errorf("replication source refused: %s: %w", string(payload), xerrors.ErrNetwork)

		case MsgDBHeader:
			if _, err := decodeDBHeader(payload); err != nil {
				return res, err
			}
			if err := os.RemoveAll(tmpDir); err != nil {
				return res, fmt.Errorf("clear %s: %w: %v", tmpDir, xerrors.ErrIO, err)
			}
			if err := os.MkdirAll(tmpDir, 0o755); err != nil {
				return res, fmt.Errorf("create %s: %w: %v", tmpDir, xerrors.ErrIO, err)
			}
			tmpOpen = true

		case MsgDBFilename:
			if !tmpOpen {
				return res, fmt.Errorf("DB_FILENAME before DB_HEADER: %w", xerrors.ErrNetwork)
			}
			name := string(payload)
			dtyp, data, err := readFrame(conn)
			if err != nil {
				return res, err
			}
			if dtyp != MsgDBFiledata {
				return res, fmt.Errorf("expected DB_FILEDATA after DB_FILENAME, got %s: %w", dtyp, xerrors.ErrNetwork)
			}
			if err := os.WriteFile(filepath.Join(tmpDir, name), data, 0o644); err != nil {
				return res, fmt.Errorf("write %s: %w: %v", name, xerrors.ErrIO, err)
			}

		case MsgDBFooter:
			if !tmpOpen {
				return res, fmt.Errorf("DB_FOOTER before DB_HEADER: %w", xerrors.ErrNetwork)
			}
			if err := os.RemoveAll(destDir); err != nil {
				return res, fmt.Errorf("remove stale %s: %w: %v", destDir, xerrors.ErrIO, err)
			}
			if err := os.Rename(tmpDir, destDir); err != nil {
				return res, fmt.Errorf("swap %s into place: %w: %v", destDir, xerrors.ErrIO, err)
			}
			tmpOpen = false
			res.Swapped = true

		case MsgChangeset:
			line, err := decodeChangeset(payload)
			if err != nil {
				return res, err
			}
			if apply != nil {
				if err := apply(line); err != nil {
					return res, fmt.Errorf("apply changeset revision %d: %w", line.Revision, err)
				}
			}
			res.Changesets++
			res.LastRevision = line.Revision

		case MsgEndOfChanges:
			return res, nil

		default:
			return res, fmt.Errorf("unexpected message %s: %w", typ, xerrors.ErrNetwork)
		}
	}
}
