/*
Package raftlog implements the Raft Log described in the core design: an
in-memory view over the Durable Log Store (raft/logstore) that tracks
commitIndex and lastApplied and serializes writers while allowing concurrent
readers.

Every entry keeps a decoded copy of the LogEntry in memory in addition to
what's on disk, the way the replicators and apply loop need to read terms and
payloads far more often than the log is written to. Writes (Append,
DeleteFrom) take the write lock; reads (Get, EntriesFrom, LastIndex, ...) take
only the read lock.
*/
package raftlog

import (
	"fmt"
	"sync"

	"github.com/cuemby/warren/raft/logstore"
	"github.com/cuemby/warren/raft/raftpb"
)

// Log wraps a Durable Log Store with an in-memory entry cache and commit
// bookkeeping.
type Log struct {
	mu sync.RWMutex

	store   *logstore.Store
	entries []*raftpb.LogEntry // entries[i] has Index == baseIndex+i+1

	baseIndex uint64 // index of the last entry discarded by a snapshot
	baseTerm  uint64 // term of the entry at baseIndex, set by SetBase

	commitIndex uint64
	lastApplied uint64
}

// Open loads (or creates) the durable log at path and replays it into
// memory. If the log's first entry does not start at index 1, the caller
// must reconcile baseTerm by calling SetBase with the term recovered from
// the matching snapshot before trusting LastTerm/TermAt at the boundary.
func Open(path string) (*Log, error) {
	store, err := logstore.Open(path)
	if err != nil {
		return nil, err
	}

	l := &Log{store: store}

	first, last := store.FirstIndex(), store.LastIndex()
	if first == 0 && last == 0 {
		return l, nil
	}

	raw, err := store.ReadRange(first, last)
	if err != nil {
		return nil, fmt.Errorf("raftlog: replay: %w", err)
	}
	l.baseIndex = first - 1
	l.entries = make([]*raftpb.LogEntry, 0, len(raw))
	for _, b := range raw {
		e, err := raftpb.DecodeLogEntry(b)
		if err != nil {
			return nil, fmt.Errorf("raftlog: replay decode: %w", err)
		}
		l.entries = append(l.entries, e)
	}

	return l, nil
}

// SetBase is used after loading a snapshot to tell the log that all entries
// at or below lastIncludedIndex are covered by it. Called on startup after
// Open has already replayed whatever the durable store still has on disk,
// so any in-memory entries past lastIncludedIndex (a suffix the node
// committed and applied after the snapshot was taken but before it last
// shut down) are kept rather than discarded — only the covered prefix is
// dropped, mirroring CompactThrough's reconciliation rather than wiping the
// cache outright. A snapshot ahead of the local log (lastIncludedIndex >=
// the log's own last index) still collapses entries to nil, since there is
// no suffix left to keep.
func (l *Log) SetBase(lastIncludedIndex, lastIncludedTerm uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	last := l.baseIndex + uint64(len(l.entries))
	if lastIncludedIndex >= last {
		l.entries = nil
	} else if lastIncludedIndex > l.baseIndex {
		keepFrom := lastIncludedIndex - l.baseIndex
		l.entries = l.entries[keepFrom:]
	}

	l.baseIndex = lastIncludedIndex
	l.baseTerm = lastIncludedTerm
	if err := l.store.DropPrefix(lastIncludedIndex); err != nil {
		return fmt.Errorf("raftlog: set base: %w", err)
	}

	if l.commitIndex < lastIncludedIndex {
		l.commitIndex = lastIncludedIndex
	}
	if l.lastApplied < lastIncludedIndex {
		l.lastApplied = lastIncludedIndex
	}
	return nil
}

// LastIndex returns the index of the last entry, or baseIndex if the log
// (beyond a possible snapshot) is empty.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

func (l *Log) lastIndexLocked() uint64 {
	return l.baseIndex + uint64(len(l.entries))
}

// LastTerm returns the term of the last entry, the base term if the log has
// been trimmed to a snapshot boundary with nothing appended since, or 0 if
// the log is empty and there has never been a snapshot.
func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return l.baseTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// BaseIndex returns the index of the last entry discarded by a snapshot (0
// if none).
func (l *Log) BaseIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.baseIndex
}

// Get returns the entry at index, or nil if it is out of range or has been
// compacted away.
func (l *Log) Get(index uint64) *raftpb.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.getLocked(index)
}

func (l *Log) getLocked(index uint64) *raftpb.LogEntry {
	if index <= l.baseIndex || index > l.lastIndexLocked() {
		return nil
	}
	return l.entries[index-l.baseIndex-1]
}

// TermAt returns the term of the entry at index. It returns the base term
// if index is exactly the snapshot boundary, or 0 if out of range.
func (l *Log) TermAt(index uint64) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index == l.baseIndex {
		return l.baseTerm
	}
	if e := l.getLocked(index); e != nil {
		return e.Term
	}
	return 0
}

// EntriesFrom returns a copy of all entries with index >= from, in order.
func (l *Log) EntriesFrom(from uint64) []*raftpb.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from <= l.baseIndex {
		from = l.baseIndex + 1
	}
	start := from - l.baseIndex - 1
	if start >= uint64(len(l.entries)) {
		return nil
	}
	out := make([]*raftpb.LogEntry, len(l.entries)-int(start))
	copy(out, l.entries[start:])
	return out
}

// Append assigns the next index to entry, persists it, and returns the
// assigned index.
func (l *Log) Append(term uint64, typ raftpb.EntryType, command []byte, timestamp uint64) (*raftpb.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.lastIndexLocked() + 1
	entry := &raftpb.LogEntry{
		Index:     idx,
		Term:      term,
		Type:      typ,
		Command:   command,
		Timestamp: timestamp,
	}
	if err := l.appendLocked(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// AppendEntry persists a pre-built entry (used by followers replicating a
// leader's entries verbatim).
func (l *Log) AppendEntry(entry *raftpb.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(entry)
}

func (l *Log) appendLocked(entry *raftpb.LogEntry) error {
	data, err := entry.Encode()
	if err != nil {
		return err
	}
	if err := l.store.Append(entry.Index, data); err != nil {
		return fmt.Errorf("raftlog: append: %w", err)
	}
	l.entries = append(l.entries, entry)
	return nil
}

// DeleteFrom drops all entries with index >= from. Used only to resolve
// conflicts during replication; it is safe because the leader-completeness
// and commit-majority rules guarantee only uncommitted entries are ever
// truncated.
func (l *Log) DeleteFrom(from uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from <= l.baseIndex {
		return fmt.Errorf("raftlog: cannot delete from %d at or below base %d", from, l.baseIndex)
	}
	if err := l.store.TruncateFrom(from); err != nil {
		return fmt.Errorf("raftlog: delete from %d: %w", from, err)
	}
	if from-l.baseIndex-1 <= uint64(len(l.entries)) {
		l.entries = l.entries[:from-l.baseIndex-1]
	}
	return nil
}

// CompactThrough discards all durable entries with index <= through,
// called after a snapshot covering them has been durably written.
func (l *Log) CompactThrough(through uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if through <= l.baseIndex {
		return nil
	}
	if err := l.store.DropPrefix(through); err != nil {
		return fmt.Errorf("raftlog: compact through %d: %w", through, err)
	}
	if through > l.lastIndexLocked() {
		through = l.lastIndexLocked()
	}
	keepFrom := through - l.baseIndex
	if keepFrom <= uint64(len(l.entries)) {
		if keepFrom > 0 {
			l.baseTerm = l.entries[keepFrom-1].Term
		}
		l.entries = l.entries[keepFrom:]
	}
	l.baseIndex = through
	return nil
}

// CommitIndex returns the current commit index.
func (l *Log) CommitIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commitIndex
}

// SetCommitIndex advances commitIndex monotonically. Attempts to move it
// backward are ignored.
func (l *Log) SetCommitIndex(i uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i > l.commitIndex {
		l.commitIndex = i
	}
}

// LastApplied returns the highest index applied to the state machine.
func (l *Log) LastApplied() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastApplied
}

// SetLastApplied records that index has been applied. Callers (the apply
// loop) are responsible for only calling this after actually applying the
// entry, in strictly ascending order.
func (l *Log) SetLastApplied(i uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i > l.lastApplied {
		l.lastApplied = i
	}
}

// ClampLastApplied forces lastApplied (and commitIndex) to at least floor.
// Node startup does not call it: SetBase raises both to the snapshot's
// lastIncludedIndex itself.
func (l *Log) ClampLastApplied(floor uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if floor > l.lastApplied {
		l.lastApplied = floor
	}
	if floor > l.commitIndex {
		l.commitIndex = floor
	}
}

// IsUpToDate implements the Raft §5.4 comparison: a candidate's log is at
// least as up-to-date as this log if its last entry has a strictly higher
// term, or the same term and an index >= this log's last index.
func (l *Log) IsUpToDate(candidateLastIndex, candidateLastTerm uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	myLastTerm := l.baseTerm
	if len(l.entries) > 0 {
		myLastTerm = l.entries[len(l.entries)-1].Term
	}
	myLastIndex := l.lastIndexLocked()
	if candidateLastTerm != myLastTerm {
		return candidateLastTerm > myLastTerm
	}
	return candidateLastIndex >= myLastIndex
}

// Close closes the underlying durable store.
func (l *Log) Close() error {
	return l.store.Close()
}
