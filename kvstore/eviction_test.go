package kvstore

import "testing"

func TestLRUFallbackEvictsOldest(t *testing.T) {
	tracker := NewTracker()
	defer tracker.Stop()

	tracker.RecordAccess("old")
	tracker.RecordAccess("middle")
	tracker.RecordAccess("new")

	policy := lruFallback{}
	victims, err := policy.SelectKeysToEvict([]string{"old", "middle", "new"}, tracker, 1)
	if err != nil {
		t.Fatalf("SelectKeysToEvict() error = %v", err)
	}
	if len(victims) != 1 || victims[0] != "old" {
		t.Fatalf("SelectKeysToEvict() = %v, want [old]", victims)
	}
}

func TestLRUFallbackTreatsUnseenAsOldest(t *testing.T) {
	tracker := NewTracker()
	defer tracker.Stop()

	tracker.RecordAccess("seen")

	policy := lruFallback{}
	victims, err := policy.SelectKeysToEvict([]string{"seen", "unseen"}, tracker, 1)
	if err != nil {
		t.Fatalf("SelectKeysToEvict() error = %v", err)
	}
	if len(victims) != 1 || victims[0] != "unseen" {
		t.Fatalf("SelectKeysToEvict() = %v, want [unseen]", victims)
	}
}

func TestLRUFallbackCountClampedToCandidates(t *testing.T) {
	policy := lruFallback{}
	victims, err := policy.SelectKeysToEvict([]string{"a", "b"}, nil, 10)
	if err != nil {
		t.Fatalf("SelectKeysToEvict() error = %v", err)
	}
	if len(victims) != 2 {
		t.Fatalf("len(victims) = %d, want 2", len(victims))
	}
}
