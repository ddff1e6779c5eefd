/*
Package kvstore implements the replicated key-value state machine the Raft
core applies committed commands into: a bounded map with per-client
deduplication, so an idempotent retry of a committed PUT or DELETE (the
client's only recourse after a CommitTimeout) never double-applies.

The dedup table follows the (clientId, seq) pattern several reference
kvraft implementations use over Raft: a client's commands are only ever
applied if their seq is strictly greater than the last one recorded for
that client, which is also what makes replays after a leader failover
safe.
*/
package kvstore

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
)

// OpType discriminates the two mutating operations the state machine
// supports.
type OpType string

const (
	OpPut    OpType = "PUT"
	OpDelete OpType = "DELETE"
)

// Command is the JSON payload carried by a raftpb.LogEntry of type
// EntryCommand.
type Command struct {
	Op       OpType `json:"op"`
	Key      string `json:"key"`
	Value    string `json:"value,omitempty"`
	ClientID string `json:"client_id"`
	Seq      uint64 `json:"seq"`
}

// Encode serializes a Command for inclusion in a log entry.
func (c *Command) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("kvstore: encode command: %w", err)
	}
	return b, nil
}

// DecodeCommand parses a Command previously produced by Encode.
func DecodeCommand(b []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("kvstore: decode command: %w", err)
	}
	return &c, nil
}

// Response is the result of applying a Command, returned to the caller
// waiting on the Raft node's Propose future.
type Response struct {
	OK    bool   `json:"ok"`
	Value string `json:"value,omitempty"`
	Found bool   `json:"found"`
}

// snapshotImage is the serialized form saved into and restored from a
// Raft snapshot: the KV map plus the per-client dedup table, exactly the
// two pieces of state application mutates.
type snapshotImage struct {
	Entries map[string]string `json:"entries"`
	Dedup   map[string]uint64 `json:"dedup"`
}

// Store is the replicated KV state machine. It implements raft.FSM.
type Store struct {
	mu sync.RWMutex

	entries map[string]string
	dedup   map[string]uint64 // clientID -> lastAppliedSeq

	capacity int
	policy   EvictionPolicy
	tracker  *Tracker
}

// New constructs an empty Store bounded at capacity, using policy for
// eviction (falling back to LRU on policy failure) and recording access
// patterns in tracker.
func New(capacity int, policy EvictionPolicy, tracker *Tracker) *Store {
	return &Store{
		entries:  make(map[string]string),
		dedup:    make(map[string]uint64),
		capacity: capacity,
		policy:   policy,
		tracker:  tracker,
	}
}

// Apply applies one committed command and returns its encoded Response.
// It satisfies raft.FSM.
func (s *Store) Apply(command []byte) []byte {
	cmd, err := DecodeCommand(command)
	if err != nil {
		log.WithComponent("kvstore").Error().Err(err).Msg("failed to decode committed command")
		return mustEncodeResponse(&Response{OK: false})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.Seq <= s.dedup[cmd.ClientID] {
		metrics.KVDuplicateCommandsTotal.Inc()
		return mustEncodeResponse(&Response{OK: true})
	}
	s.dedup[cmd.ClientID] = cmd.Seq

	switch cmd.Op {
	case OpPut:
		if _, exists := s.entries[cmd.Key]; !exists && len(s.entries) >= s.capacity {
			s.evictLocked()
		}
		s.entries[cmd.Key] = cmd.Value
		metrics.KVKeysTotal.Set(float64(len(s.entries)))
		return mustEncodeResponse(&Response{OK: true})
	case OpDelete:
		delete(s.entries, cmd.Key)
		metrics.KVKeysTotal.Set(float64(len(s.entries)))
		return mustEncodeResponse(&Response{OK: true})
	default:
		log.WithComponent("kvstore").Warn().Str("op", string(cmd.Op)).Msg("unknown command op")
		return mustEncodeResponse(&Response{OK: false})
	}
}

// Get reads a key directly from the state machine. Callers are responsible
// for synchronizing with the Raft read path (ReadIndex or lease) before
// calling this, per the consistency level they need.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	value, ok := s.entries[key]
	s.mu.RUnlock()

	if s.tracker != nil {
		s.tracker.RecordAccess(key)
	}
	return value, ok
}

// evictLocked brings the map back under capacity by evicting roughly 10%
// of it, consulting the pluggable policy first and falling back to LRU if
// it errors or times out. Caller must hold s.mu for writing.
func (s *Store) evictLocked() {
	count := s.capacity / 10
	if count < 1 {
		count = 1
	}

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}

	victims, err := s.policy.SelectKeysToEvict(keys, s.tracker, count)
	policyLabel := "external"
	if err != nil {
		log.WithComponent("kvstore").Warn().Err(err).Msg("eviction policy failed, falling back to LRU")
		victims, _ = lruFallback{}.SelectKeysToEvict(keys, s.tracker, count)
		policyLabel = "lru_fallback"
	}

	for _, k := range victims {
		delete(s.entries, k)
	}
	metrics.KVEvictionsTotal.WithLabelValues(policyLabel).Add(float64(len(victims)))
}

// Snapshot serializes the full state machine image for the Raft snapshot
// store. It satisfies raft.FSM.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	img := snapshotImage{
		Entries: make(map[string]string, len(s.entries)),
		Dedup:   make(map[string]uint64, len(s.dedup)),
	}
	for k, v := range s.entries {
		img.Entries[k] = v
	}
	for k, v := range s.dedup {
		img.Dedup[k] = v
	}

	b, err := json.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("kvstore: marshal snapshot: %w", err)
	}
	return b, nil
}

// Restore replaces the state machine's contents with a previously saved
// snapshot image. It satisfies raft.FSM.
func (s *Store) Restore(data []byte) error {
	var img snapshotImage
	if err := json.Unmarshal(data, &img); err != nil {
		return fmt.Errorf("kvstore: unmarshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = img.Entries
	s.dedup = img.Dedup
	if s.entries == nil {
		s.entries = make(map[string]string)
	}
	if s.dedup == nil {
		s.dedup = make(map[string]uint64)
	}
	metrics.KVKeysTotal.Set(float64(len(s.entries)))
	return nil
}

func mustEncodeResponse(r *Response) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		// Response contains only strings and bools; marshaling cannot fail.
		panic(fmt.Sprintf("kvstore: marshal response: %v", err))
	}
	return b
}
