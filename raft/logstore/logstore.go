/*
Package logstore implements the Durable Log Store described in the core
design: an append-only file of length-prefixed records, one per LogEntry.

Each record is framed as a 4-byte big-endian length prefix followed by the
entry's encoded bytes, mirroring the wire framing used by the peer transport
(raft/transport) so the same torn-write reasoning applies in both places. On
Open, the file is scanned once to rebuild an in-memory index of (index ->
byte offset) and to detect a torn tail: a record whose length prefix claims
more bytes than the file actually has, which can only happen if the process
crashed mid-write of the last record. A torn tail is silently truncated; any
other malformed record is a Corruption error and is fatal to the caller.
*/
package logstore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cuemby/warren/pkg/log"
)

const lengthPrefixSize = 4

// ErrCorruption indicates a persisted record could not be parsed and was not
// at the tail of the file, so it cannot be safely discarded.
var ErrCorruption = errors.New("logstore: corruption")

// Record is one length-prefixed entry as stored on disk. Callers supply their
// own already-encoded bytes (raftpb.LogEntry.Encode); the store itself is
// oblivious to the payload format.
type Record struct {
	Index uint64
	Data  []byte
}

type indexEntry struct {
	offset int64
	size   uint32
}

// Store is a durable, append-only file of length-prefixed records.
type Store struct {
	mu   sync.RWMutex
	path string
	file *os.File

	index    map[uint64]indexEntry
	order    []uint64 // indices in ascending append order, for range scans
	tailOff  int64     // byte offset one past the last valid record
	firstIdx uint64
	lastIdx  uint64
}

// Open opens (creating if necessary) the log file at path and rebuilds the
// in-memory index, discarding a torn tail record if one is found.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("logstore: open %s: %w", path, err)
	}

	s := &Store{
		path:  path,
		file:  f,
		index: make(map[uint64]indexEntry),
	}

	if err := s.rebuildIndex(); err != nil {
		f.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) rebuildIndex() error {
	logger := log.WithComponent("logstore")

	r := bufio.NewReader(s.file)
	var offset int64
	var nextIndexSeen uint64

	for {
		header := make([]byte, lengthPrefixSize)
		n, err := io.ReadFull(r, header)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF || (err != nil && n > 0 && n < lengthPrefixSize) {
			logger.Warn().Int64("offset", offset).Msg("discarding torn length prefix at log tail")
			break
		}
		if err != nil {
			return fmt.Errorf("logstore: read header at offset %d: %w", offset, err)
		}

		size := binary.BigEndian.Uint32(header)
		body := make([]byte, size)
		n, err = io.ReadFull(r, body)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				logger.Warn().Int64("offset", offset).Uint32("declared_size", size).Int("got", n).
					Msg("discarding torn record at log tail")
				break
			}
			return fmt.Errorf("logstore: read body at offset %d: %w", offset, err)
		}

		rec, err := decodeRecord(body)
		if err != nil {
			// A malformed record that is NOT at the tail (more bytes follow
			// the header/length framing successfully) is corruption, not a
			// torn write, and is not safe to silently drop.
			return fmt.Errorf("%w: record at offset %d: %v", ErrCorruption, offset, err)
		}

		if len(s.order) > 0 && rec.Index != nextIndexSeen {
			return fmt.Errorf("%w: expected contiguous index %d, found %d at offset %d",
				ErrCorruption, nextIndexSeen, rec.Index, offset)
		}

		s.index[rec.Index] = indexEntry{offset: offset + lengthPrefixSize, size: size}
		s.order = append(s.order, rec.Index)
		if s.firstIdx == 0 {
			s.firstIdx = rec.Index
		}
		s.lastIdx = rec.Index
		nextIndexSeen = rec.Index + 1

		offset += int64(lengthPrefixSize) + int64(size)
	}

	s.tailOff = offset
	// Truncate any torn bytes so subsequent appends start from a clean tail.
	if fi, err := s.file.Stat(); err == nil && fi.Size() != offset {
		if err := s.file.Truncate(offset); err != nil {
			return fmt.Errorf("logstore: truncate torn tail: %w", err)
		}
	}
	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("logstore: seek to tail: %w", err)
	}

	return nil
}

// record wire format: index(8) ++ payload. The length prefix around it is
// handled by Append/rebuildIndex, not by this encoding.
func encodeRecord(index uint64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf[:8], index)
	copy(buf[8:], data)
	return buf
}

func decodeRecord(buf []byte) (Record, error) {
	if len(buf) < 8 {
		return Record{}, fmt.Errorf("record too short: %d bytes", len(buf))
	}
	return Record{
		Index: binary.BigEndian.Uint64(buf[:8]),
		Data:  buf[8:],
	}, nil
}

// Append writes one record, flushing and syncing before returning. The index
// must be exactly one greater than the current last index; an empty store
// accepts any index as its first record.
func (s *Store) Append(index uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expected := s.lastIdx + 1
	if len(s.order) == 0 {
		expected = index
	}
	if index != expected {
		return fmt.Errorf("logstore: non-contiguous append: have last=%d, got %d", s.lastIdx, index)
	}

	rec := encodeRecord(index, data)
	header := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(header, uint32(len(rec)))

	if _, err := s.file.Seek(s.tailOff, io.SeekStart); err != nil {
		return fmt.Errorf("logstore: seek to tail: %w", err)
	}
	if _, err := s.file.Write(header); err != nil {
		return fmt.Errorf("logstore: write header: %w", err)
	}
	if _, err := s.file.Write(rec); err != nil {
		return fmt.Errorf("logstore: write record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("logstore: sync: %w", err)
	}

	s.index[index] = indexEntry{offset: s.tailOff + lengthPrefixSize, size: uint32(len(rec))}
	s.order = append(s.order, index)
	if s.firstIdx == 0 {
		s.firstIdx = index
	}
	s.lastIdx = index
	s.tailOff += int64(lengthPrefixSize) + int64(len(rec))

	return nil
}

// ReadRange returns the payloads for entries with index in [from, to]
// inclusive, in ascending order.
func (s *Store) ReadRange(from, to uint64) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from > to {
		return nil, nil
	}
	out := make([][]byte, 0, to-from+1)
	for i := from; i <= to; i++ {
		ie, ok := s.index[i]
		if !ok {
			return nil, fmt.Errorf("logstore: no record at index %d", i)
		}
		buf := make([]byte, ie.size)
		if _, err := s.file.ReadAt(buf, ie.offset); err != nil {
			return nil, fmt.Errorf("logstore: read index %d: %w", i, err)
		}
		rec, err := decodeRecord(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: index %d: %v", ErrCorruption, i, err)
		}
		out = append(out, rec.Data)
	}
	return out, nil
}

// TruncateFrom drops all records with index >= from. It rewrites the file up
// to the entry preceding `from`, which is the simplest way to guarantee no
// torn record is ever left at the new tail.
func (s *Store) TruncateFrom(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from > s.lastIdx {
		return nil
	}

	keep := make([]uint64, 0, len(s.order))
	for _, idx := range s.order {
		if idx < from {
			keep = append(keep, idx)
		}
	}

	tmpPath := s.path + ".rewrite"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("logstore: create rewrite file: %w", err)
	}

	newIndex := make(map[uint64]indexEntry, len(keep))
	var offset int64
	for _, idx := range keep {
		ie := s.index[idx]
		buf := make([]byte, ie.size)
		if _, err := s.file.ReadAt(buf, ie.offset); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("logstore: read index %d during truncate: %w", idx, err)
		}
		header := make([]byte, lengthPrefixSize)
		binary.BigEndian.PutUint32(header, ie.size)
		if _, err := tmp.Write(header); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("logstore: write rewrite header: %w", err)
		}
		if _, err := tmp.Write(buf); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("logstore: write rewrite body: %w", err)
		}
		newIndex[idx] = indexEntry{offset: offset + lengthPrefixSize, size: ie.size}
		offset += int64(lengthPrefixSize) + int64(ie.size)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("logstore: sync rewrite file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("logstore: close rewrite file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("logstore: rename rewrite file: %w", err)
	}

	s.file.Close()
	f, err := os.OpenFile(s.path, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("logstore: reopen after truncate: %w", err)
	}
	s.file = f
	s.index = newIndex
	s.order = keep
	s.tailOff = offset
	if len(keep) == 0 {
		s.firstIdx, s.lastIdx = 0, 0
	} else {
		s.firstIdx = keep[0]
		s.lastIdx = keep[len(keep)-1]
	}

	return nil
}

// DropPrefix discards all records with index <= through, used after a
// snapshot is durably written. Unlike TruncateFrom this trims the head of
// the log rather than the tail.
func (s *Store) DropPrefix(through uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make([]uint64, 0, len(s.order))
	for _, idx := range s.order {
		if idx > through {
			keep = append(keep, idx)
		}
	}
	if len(keep) == len(s.order) {
		return nil
	}

	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("logstore: create compact file: %w", err)
	}

	newIndex := make(map[uint64]indexEntry, len(keep))
	var offset int64
	for _, idx := range keep {
		ie := s.index[idx]
		buf := make([]byte, ie.size)
		if _, err := s.file.ReadAt(buf, ie.offset); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("logstore: read index %d during compaction: %w", idx, err)
		}
		header := make([]byte, lengthPrefixSize)
		binary.BigEndian.PutUint32(header, ie.size)
		if _, err := tmp.Write(header); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := tmp.Write(buf); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		newIndex[idx] = indexEntry{offset: offset + lengthPrefixSize, size: ie.size}
		offset += int64(lengthPrefixSize) + int64(ie.size)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}

	s.file.Close()
	f, err := os.OpenFile(s.path, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("logstore: reopen after compaction: %w", err)
	}
	s.file = f
	s.index = newIndex
	s.order = keep
	s.tailOff = offset
	if len(keep) == 0 {
		s.firstIdx, s.lastIdx = 0, 0
	} else {
		s.firstIdx = keep[0]
		s.lastIdx = keep[len(keep)-1]
	}
	return nil
}

// FirstIndex returns the lowest index still present, or 0 if empty.
func (s *Store) FirstIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstIdx
}

// LastIndex returns the highest index present, or 0 if empty.
func (s *Store) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIdx
}

// Has reports whether an entry at index is present.
func (s *Store) Has(index uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[index]
	return ok
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
