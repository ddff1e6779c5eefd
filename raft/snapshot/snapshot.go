/*
Package snapshot implements the Snapshot Store described in the core design:
point-in-time images of the state machine tagged with (lastIncludedIndex,
lastIncludedTerm), written as one file per snapshot so the latest can always
be selected by scanning the directory.

Files are named snap-<index>-<term>.json with the index zero-padded so that
lexicographic and numeric sort agree, matching the "latest by filename" rule
from the core design instead of a separate manifest file.
*/
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/warren/pkg/log"
)

// Snapshot is a serialized state-machine image plus the Raft metadata needed
// to splice it into a node's log.
type Snapshot struct {
	LastIncludedIndex uint64          `json:"last_included_index"`
	LastIncludedTerm  uint64          `json:"last_included_term"`
	Timestamp         int64           `json:"timestamp"`
	Data              json.RawMessage `json:"data"`
}

// Store manages a directory of snapshot files.
type Store struct {
	dir string
}

// Open ensures dir exists and returns a Store rooted at it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func fileName(index, term uint64) string {
	return fmt.Sprintf("snap-%020d-%020d.json", index, term)
}

// Save durably writes a new snapshot file. It writes to a temp file in the
// same directory and renames it into place so a reader never observes a
// partially written snapshot.
func (s *Store) Save(snap *Snapshot) error {
	logger := log.WithComponent("snapshot")

	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	final := filepath.Join(s.dir, fileName(snap.LastIncludedIndex, snap.LastIncludedTerm))
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: close: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("snapshot: rename into place: %w", err)
	}

	logger.Info().Uint64("last_included_index", snap.LastIncludedIndex).
		Uint64("last_included_term", snap.LastIncludedTerm).Msg("snapshot persisted")
	return nil
}

// Latest returns the most recent snapshot in the directory, or nil if none
// exists yet.
func (s *Store) Latest() (*Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "snap-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)
	latest := names[len(names)-1]

	b, err := os.ReadFile(filepath.Join(s.dir, latest))
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", latest, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", latest, err)
	}
	return &snap, nil
}

// Retain deletes all but the most recent `keep` snapshots, oldest first.
func (s *Store) Retain(keep int) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("snapshot: read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "snap-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) <= keep {
		return nil
	}
	for _, n := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(s.dir, n)); err != nil {
			return fmt.Errorf("snapshot: remove old snapshot %s: %w", n, err)
		}
	}
	return nil
}

// parseFileName parses the index and term back out of a snapshot file name.
func parseFileName(name string) (index, term uint64, err error) {
	name = strings.TrimSuffix(strings.TrimPrefix(name, "snap-"), ".json")
	parts := strings.SplitN(name, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("snapshot: malformed file name %q", name)
	}
	index, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	term, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return index, term, nil
}
