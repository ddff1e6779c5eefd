package kvstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func putCmd(key, value, client string, seq uint64) []byte {
	c := &Command{Op: OpPut, Key: key, Value: value, ClientID: client, Seq: seq}
	b, err := c.Encode()
	if err != nil {
		panic(err)
	}
	return b
}

func deleteCmd(key, client string, seq uint64) []byte {
	c := &Command{Op: OpDelete, Key: key, ClientID: client, Seq: seq}
	b, err := c.Encode()
	if err != nil {
		panic(err)
	}
	return b
}

func TestApplyPutThenGet(t *testing.T) {
	s := New(100, lruFallback{}, nil)

	s.Apply(putCmd("user:1", "Alice", "c1", 1))

	v, ok := s.Get("user:1")
	require.True(t, ok, "Get(user:1) should find the key")
	require.Equal(t, "Alice", v)
}

func TestApplyDuplicateIgnored(t *testing.T) {
	s := New(100, lruFallback{}, nil)

	s.Apply(putCmd("user:1", "Alice", "c1", 1))
	s.Apply(putCmd("user:1", "Bob", "c1", 1)) // same seq, must be ignored

	v, _ := s.Get("user:1")
	require.Equal(t, "Alice", v, "duplicate seq must not overwrite")
}

func TestApplyOutOfOrderSeqIgnored(t *testing.T) {
	s := New(100, lruFallback{}, nil)

	s.Apply(putCmd("user:1", "Alice", "c1", 5))
	s.Apply(putCmd("user:1", "Bob", "c1", 3)) // lower seq than last applied

	v, _ := s.Get("user:1")
	require.Equal(t, "Alice", v, "stale seq must not overwrite")
}

func TestApplyDelete(t *testing.T) {
	s := New(100, lruFallback{}, nil)

	s.Apply(putCmd("user:1", "Alice", "c1", 1))
	s.Apply(deleteCmd("user:1", "c1", 2))

	_, ok := s.Get("user:1")
	require.False(t, ok, "Get(user:1) should not find key after DELETE")
}

func TestApplyEvictsOverCapacity(t *testing.T) {
	s := New(10, lruFallback{}, NewTracker())
	defer s.tracker.Stop()

	for i := 0; i < 10; i++ {
		s.Apply(putCmd(keyN(i), "v", "c1", uint64(i+1)))
	}
	require.Len(t, s.entries, 10)

	// One more distinct key over capacity must trigger eviction, keeping
	// the map at or under capacity.
	s.Apply(putCmd("overflow", "v", "c1", 11))
	require.LessOrEqual(t, len(s.entries), 10, "entries must stay at or under capacity after overflow insert")
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := New(100, lruFallback{}, nil)
	s.Apply(putCmd("a", "1", "c1", 1))
	s.Apply(putCmd("b", "2", "c2", 1))

	data, err := s.Snapshot()
	require.NoError(t, err)

	restored := New(100, lruFallback{}, nil)
	require.NoError(t, restored.Restore(data))

	v, ok := restored.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)

	// A replayed command below the restored dedup watermark must still be
	// ignored, proving the dedup table itself round-tripped.
	restored.Apply(putCmd("a", "clobbered", "c1", 1))
	v, _ = restored.Get("a")
	require.Equal(t, "1", v, "dedup watermark must survive snapshot round trip")
}

func keyN(i int) string {
	return string(rune('a' + i))
}
