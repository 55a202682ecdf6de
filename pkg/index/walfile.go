package index

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/xapiand/xapiand/pkg/wal"
)

const walDirName = "wal"

func walDir(basePath string) string {
	return filepath.Join(basePath, walDirName)
}

func walFileName(startRevision uint64) string {
	return fmt.Sprintf("wal.%020d", startRevision)
}

// openOrCreateWAL opens the writable WAL volume backing basePath: the
// highest-numbered wal.<revision> file already on disk, or a fresh one
// starting at startRevision if the directory is empty. This is what
// lets a reopened writable handle keep appending to the same rotation
// sequence instead of starting a file for every checkout.
func openOrCreateWAL(basePath string, uuid [16]byte, startRevision uint64) (*wal.Volume, error) {
	dir := walDir(basePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list wal dir %s: %w", dir, err)
	}

	var latest uint64
	found := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rev, ok := parseWALFileName(e.Name())
		if !ok {
			continue
		}
		if !found || rev > latest {
			latest, found = rev, true
		}
	}

	if !found {
		return wal.Create(filepath.Join(dir, walFileName(startRevision)), uuid, startRevision)
	}
	return wal.Open(filepath.Join(dir, walFileName(latest)), uuid, true, true)
}

func parseWALFileName(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, "wal.")
	if !ok {
		return 0, false
	}
	rev, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return rev, true
}

// rotateWAL creates the successor file for a full volume, named for
// the revision it will start recording.
func rotateWAL(v *wal.Volume, basePath string, nextRevision uint64) (*wal.Volume, error) {
	return v.Rotate(filepath.Join(walDir(basePath), walFileName(nextRevision)))
}

// walFilesFor lists every rotation file currently on disk for
// basePath, oldest first; used by tests and by future replay tooling
// to walk a shard's whole WAL history rather than just the live file.
func walFilesFor(basePath string) ([]uint64, error) {
	entries, err := os.ReadDir(walDir(basePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var revisions []uint64
	for _, e := range entries {
		if rev, ok := parseWALFileName(e.Name()); ok {
			revisions = append(revisions, rev)
		}
	}
	sort.Slice(revisions, func(i, j int) bool { return revisions[i] < revisions[j] })
	return revisions, nil
}
