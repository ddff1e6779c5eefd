package snapshot

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestSaveAndLatest(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	snap := &Snapshot{LastIncludedIndex: 10, LastIncludedTerm: 2, Timestamp: 1, Data: json.RawMessage(`{"a":1}`)}
	if err := s.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got == nil || got.LastIncludedIndex != 10 || got.LastIncludedTerm != 2 {
		t.Fatalf("Latest() = %+v, want index=10 term=2", got)
	}
}

func TestLatestOnEmptyStoreReturnsNil(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := s.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got != nil {
		t.Fatalf("Latest() = %+v, want nil on an empty store", got)
	}
}

func TestLatestPicksHighestIndex(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for _, idx := range []uint64{5, 20, 10} {
		snap := &Snapshot{LastIncludedIndex: idx, LastIncludedTerm: 1, Data: json.RawMessage(`{}`)}
		if err := s.Save(snap); err != nil {
			t.Fatalf("Save(%d): %v", idx, err)
		}
	}

	got, err := s.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.LastIncludedIndex != 20 {
		t.Fatalf("Latest().LastIncludedIndex = %d, want 20", got.LastIncludedIndex)
	}
}

func TestRetainKeepsOnlyNewest(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for _, idx := range []uint64{1, 2, 3, 4} {
		snap := &Snapshot{LastIncludedIndex: idx, LastIncludedTerm: 1, Data: json.RawMessage(`{}`)}
		if err := s.Save(snap); err != nil {
			t.Fatalf("Save(%d): %v", idx, err)
		}
	}

	if err := s.Retain(2); err != nil {
		t.Fatalf("Retain: %v", err)
	}

	remaining, err := filepath.Glob(filepath.Join(dir, "snap-*"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("len(remaining) = %d, want 2", len(remaining))
	}

	got, err := s.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.LastIncludedIndex != 4 {
		t.Fatalf("Latest().LastIncludedIndex = %d after Retain, want 4 (newest kept)", got.LastIncludedIndex)
	}
}
