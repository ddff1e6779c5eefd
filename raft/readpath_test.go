package raft

import (
	"context"
	"testing"
	"time"
)

func TestReadIndexServesAfterPropose(t *testing.T) {
	cluster := newTestCluster(t, 3)
	leader := cluster.waitForLeader(t, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := leader.Propose(ctx, []byte("seed")); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	var sawValue bool
	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	err := leader.Read(readCtx, ReadIndex, func() {
		sawValue = true
	})
	if err != nil {
		t.Fatalf("Read(ReadIndex): %v", err)
	}
	if !sawValue {
		t.Fatal("readFn was never invoked")
	}
}

func TestReadOnFollowerFailsNotLeader(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.waitForLeader(t, 2*time.Second)

	for _, n := range cluster.nodes {
		if n.IsLeader() {
			continue
		}
		err := n.Read(context.Background(), ReadIndex, func() {})
		if !IsNotLeader(err) {
			t.Fatalf("Read on follower: err = %v, want NotLeaderError", err)
		}
		return
	}
}

func TestReadIndexAbandonedByCallerDoesNotLeakWaiter(t *testing.T) {
	cluster := newTestCluster(t, 3)
	leader := cluster.waitForLeader(t, 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already done: readIndex must return ctx.Err() immediately
	err := leader.Read(ctx, ReadIndex, func() {})
	if err == nil {
		t.Fatal("Read with an already-cancelled context succeeded")
	}

	leader.mu.Lock()
	remaining := len(leader.readIndexWaiters)
	leader.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("readIndexWaiters has %d entries after an abandoned read, want 0", remaining)
	}
}

func TestReadIndexTimesOutAsNotLeaderWithoutQuorum(t *testing.T) {
	cluster := newTestCluster(t, 3)
	leader := cluster.waitForLeader(t, 2*time.Second)

	// Sever the leader's followers so no heartbeat round can ever reach
	// quorum: readIndex must then resolve via its deadline branch rather
	// than hang or report a write-path commit timeout.
	for _, n := range cluster.nodes {
		if n != leader {
			n.Stop()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := leader.Read(ctx, ReadIndex, func() {
		t.Fatal("readFn must not run when ReadIndex can't reach quorum")
	})
	if !IsNotLeader(err) {
		t.Fatalf("Read(ReadIndex) without quorum: err = %v, want NotLeaderError", err)
	}

	leader.mu.Lock()
	remaining := len(leader.readIndexWaiters)
	leader.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("readIndexWaiters has %d entries after a timed-out read, want 0", remaining)
	}
}

func TestLeaseReadFallsBackToReadIndexWhenExpired(t *testing.T) {
	cluster := newTestCluster(t, 3)
	leader := cluster.waitForLeader(t, 2*time.Second)

	// The lease is renewed on every heartbeat quorum. Clearing it and zeroing
	// its duration makes every later renewal expire at once, so LeaseRead
	// can only succeed by falling back to ReadIndex.
	leader.mu.Lock()
	leader.cfg.LeaseDuration = 0
	leader.currentLease = lease{}
	leader.mu.Unlock()
	if leader.LeaseValid() {
		t.Fatal("lease still valid after clearing it and zeroing its duration")
	}

	var ran bool
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := leader.Read(ctx, LeaseRead, func() { ran = true }); err != nil {
		t.Fatalf("Read(LeaseRead): %v", err)
	}
	if !ran {
		t.Fatal("readFn was never invoked")
	}
}
