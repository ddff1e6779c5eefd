// Package raftpb defines the wire- and disk-level types shared by the raft
// log, the transport, and the node: log entries and the four RPC message
// shapes (the log store only sees their encoded bytes). Keeping these in
// their own package (rather than in raft itself) lets raftlog and transport
// depend on the shapes
// without a cyclic import back to the node's package.
package raftpb

import (
	"encoding/json"
	"fmt"
)

// EntryType discriminates the kind of payload a LogEntry carries.
type EntryType uint8

const (
	// EntryCommand is a client-proposed command destined for the state machine.
	EntryCommand EntryType = iota
	// EntryNoOp is appended by a newly elected leader so a current-term entry
	// exists, enabling indirect commit of entries from prior terms.
	EntryNoOp
	// EntryConfiguration is reserved for membership changes. The core never
	// produces one today (dynamic reconfiguration is a non-goal) but the wire
	// format reserves the tag so followers don't choke on a future sender.
	EntryConfiguration
)

func (t EntryType) String() string {
	switch t {
	case EntryCommand:
		return "COMMAND"
	case EntryNoOp:
		return "NO_OP"
	case EntryConfiguration:
		return "CONFIGURATION"
	default:
		return "UNKNOWN"
	}
}

// LogEntry is the unit of replication. It is immutable once created: only the
// leader of Term ever creates the entry at a given Index, and entries at or
// below a node's commitIndex are never overwritten or reordered.
type LogEntry struct {
	Index     uint64    `json:"index"`
	Term      uint64    `json:"term"`
	Type      EntryType `json:"type"`
	Command   []byte    `json:"command,omitempty"`
	Timestamp uint64    `json:"timestamp"`
}

// Encode serializes the entry to its self-describing wire/disk representation.
func (e *LogEntry) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("raft: encode log entry %d: %w", e.Index, err)
	}
	return b, nil
}

// DecodeLogEntry parses a LogEntry previously produced by Encode.
func DecodeLogEntry(b []byte) (*LogEntry, error) {
	var e LogEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("raft: decode log entry: %w", err)
	}
	return &e, nil
}
