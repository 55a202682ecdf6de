package replication

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/xapiand/xapiand/pkg/wal"
)

// WALReader is the subset of *wal.Volume the source needs to answer a
// GET_CHANGESETS request from a revision it still covers.
type WALReader interface {
	HasRevision(revision uint64) bool
	Replay(fromRevision uint64, apply func(wal.Line) error) error
}

// Source is implemented by whatever holds the local databases a peer
// may pull from. One call pulls one index/shard, identified by UUID.
type Source interface {
	// Mastery returns the local mastery level for the database uuid,
	// and whether it is known at all.
	Mastery(uuid string) (int64, bool)

	// OpenWAL returns a WALReader covering fromRevision for uuid, or
	// ok=false if the local WAL no longer reaches that far back (the
	// caller must fall back to a whole-database copy).
	OpenWAL(uuid string, fromRevision uint64) (reader WALReader, ok bool, err error)

	// DataDir returns the on-disk directory holding uuid's database
	// files, for the whole-database streaming fallback.
	DataDir(uuid string) (string, error)

	// WALStartRevision returns the earliest revision the local WAL for
	// uuid currently covers, used to resume changeset streaming right
	// after a whole-database copy.
	WALStartRevision(uuid string) (uint64, error)
}

// Serve handles one replication connection: it reads a single
// GET_CHANGESETS request and replies with either a changeset stream
// or a whole-database copy followed by trailing changesets.
func Serve(conn net.Conn, src Source) error {
	typ, payload, err := readFrame(conn)
	if err != nil {
		return err
	}
	if typ != MsgGetChangesets {
		return writeFrame(conn, MsgFail, []byte(fmt.Sprintf("expected GET_CHANGESETS, got %s", typ)))
	}
	req, err := decodeChangesetsRequest(payload)
	if err != nil {
		return writeFrame(conn, MsgFail, []byte(err.Error()))
	}

	localMastery, known := src.Mastery(req.UUID)
	if !known {
		return writeFrame(conn, MsgFail, []byte("unknown database: "+req.UUID))
	}
	// If the remote's mastery level for path is not lower than the
	// local mastery, the request is refused: the requester is the one
	// asking to replicate FROM us, so it must present a lower mastery
	// than ours for the pull to be legitimate.
	if req.RequesterMastery >= localMastery {
		return writeFrame(conn, MsgFail, []byte("requester mastery not lower than local mastery"))
	}

	resumeFrom := req.FromRevision
	reader, ok, err := src.OpenWAL(req.UUID, resumeFrom)
	if err != nil {
		return writeFrame(conn, MsgFail, []byte(err.Error()))
	}
	if !ok {
		if err := sendWholeDatabase(conn, src, req.UUID); err != nil {
			return err
		}
		resumeFrom, err = src.WALStartRevision(req.UUID)
		if err != nil {
			return writeFrame(conn, MsgFail, []byte(err.Error()))
		}
		reader, ok, err = src.OpenWAL(req.UUID, resumeFrom)
		if err != nil || !ok {
			return writeFrame(conn, MsgFail, []byte("database copied but WAL still unreachable"))
		}
	}

	replayErr := reader.Replay(resumeFrom, func(line wal.Line) error {
		return writeFrame(conn, MsgChangeset, encodeChangeset(line))
	})
	if replayErr != nil {
		return writeFrame(conn, MsgFail, []byte(replayErr.Error()))
	}
	return writeFrame(conn, MsgEndOfChanges, nil)
}

// sendWholeDatabase streams DB_HEADER, one DB_FILENAME/DB_FILEDATA
// pair per regular file in the database directory, then DB_FOOTER —
// the fallback for a target "missing whole segments" of the WAL.
func sendWholeDatabase(conn net.Conn, src Source, uuid string) error {
	dir, err := src.DataDir(uuid)
	if err != nil {
		return writeFrame(conn, MsgFail, []byte(err.Error()))
	}
	startRevision, err := src.WALStartRevision(uuid)
	if err != nil {
		return writeFrame(conn, MsgFail, []byte(err.Error()))
	}
	if err := writeFrame(conn, MsgDBHeader, encodeDBHeader(dbHeader{UUID: uuid, Revision: startRevision})); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return writeFrame(conn, MsgFail, []byte(err.Error()))
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return writeFrame(conn, MsgFail, []byte(err.Error()))
		}
		if err := writeFrame(conn, MsgDBFilename, []byte(name)); err != nil {
			return err
		}
		if err := writeFrame(conn, MsgDBFiledata, data); err != nil {
			return err
		}
	}
	return writeFrame(conn, MsgDBFooter, nil)
}
