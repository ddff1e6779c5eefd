package logstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReadRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.log")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Append(1, []byte("a")); err != nil {
		t.Fatalf("Append(1): %v", err)
	}
	if err := s.Append(2, []byte("b")); err != nil {
		t.Fatalf("Append(2): %v", err)
	}

	got, err := s.ReadRange(1, 2)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 2 || string(got[0]) != "a" || string(got[1]) != "b" {
		t.Fatalf("ReadRange = %v, want [a b]", got)
	}
}

func TestAppendRejectsNonContiguousIndex(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "raft.log"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Append(1, []byte("a")); err != nil {
		t.Fatalf("Append(1): %v", err)
	}
	if err := s.Append(3, []byte("c")); err == nil {
		t.Fatal("Append(3) after Append(1) succeeded, want non-contiguous error")
	}
}

func TestReopenReplaysEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.log")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := uint64(1); i <= 5; i++ {
		if err := s.Append(i, []byte{byte(i)}); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.FirstIndex() != 1 || reopened.LastIndex() != 5 {
		t.Fatalf("FirstIndex/LastIndex = %d/%d, want 1/5", reopened.FirstIndex(), reopened.LastIndex())
	}
	got, err := reopened.ReadRange(1, 5)
	if err != nil {
		t.Fatalf("ReadRange after reopen: %v", err)
	}
	for i, b := range got {
		if b[0] != byte(i+1) {
			t.Fatalf("entry %d = %v, want [%d]", i+1, b, i+1)
		}
	}
}

func TestOpenDiscardsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.log")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Append(1, []byte("whole")); err != nil {
		t.Fatalf("Append(1): %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-write of a second record: a length prefix claiming
	// more bytes than were actually flushed.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.Write([]byte{0, 0, 0, 100, 1, 2, 3}); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open after torn write: %v", err)
	}
	defer reopened.Close()

	if reopened.LastIndex() != 1 {
		t.Fatalf("LastIndex = %d after torn tail, want 1 (torn record discarded)", reopened.LastIndex())
	}

	// The store must still be appendable after recovering from a torn tail.
	if err := reopened.Append(2, []byte("fresh")); err != nil {
		t.Fatalf("Append after recovery: %v", err)
	}
}

func TestDropPrefixRemovesOldEntries(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "raft.log"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := uint64(1); i <= 5; i++ {
		if err := s.Append(i, []byte{byte(i)}); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	if err := s.DropPrefix(3); err != nil {
		t.Fatalf("DropPrefix: %v", err)
	}
	if s.FirstIndex() != 4 || s.LastIndex() != 5 {
		t.Fatalf("FirstIndex/LastIndex = %d/%d, want 4/5", s.FirstIndex(), s.LastIndex())
	}
	if s.Has(3) {
		t.Fatal("Has(3) = true after DropPrefix(3)")
	}
}

func TestTruncateFromDropsSuffix(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "raft.log"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := uint64(1); i <= 5; i++ {
		if err := s.Append(i, []byte{byte(i)}); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	if err := s.TruncateFrom(3); err != nil {
		t.Fatalf("TruncateFrom: %v", err)
	}
	if s.LastIndex() != 2 {
		t.Fatalf("LastIndex = %d after TruncateFrom(3), want 2", s.LastIndex())
	}
	if err := s.Append(3, []byte("new")); err != nil {
		t.Fatalf("Append after truncate: %v", err)
	}
}
