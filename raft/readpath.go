package raft

import (
	"context"
	"time"

	"github.com/cuemby/warren/pkg/metrics"
)

// Consistency selects how Read confirms linearizability before serving a
// value from the local state machine.
type Consistency uint8

const (
	// ReadIndex confirms leadership via a fresh heartbeat majority on every
	// read: the strong, slower option.
	ReadIndex Consistency = iota
	// LeaseRead trusts the leader's existing read lease without a new
	// heartbeat round: fast, but falls back to ReadIndex if the lease has
	// expired.
	LeaseRead
)

// Read performs a linearizable read through the FSM's read function, using
// either the ReadIndex protocol or the leader's read lease depending on
// consistency. readFn is expected to read from the (already-applied) state
// machine; Read only guarantees it is safe to call readFn by the time it
// returns.
func (n *Node) Read(ctx context.Context, consistency Consistency, readFn func()) error {
	switch consistency {
	case LeaseRead:
		if err := n.tryLeaseRead(); err == nil {
			readFn()
			return nil
		}
		fallthrough
	default:
		if err := n.readIndex(ctx); err != nil {
			return err
		}
		readFn()
		return nil
	}
}

func (n *Node) tryLeaseRead() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader {
		return n.notLeaderErrorLocked()
	}
	if !n.currentLease.validAt(time.Now()) {
		return ErrInvalidLease
	}
	metrics.ReadsTotal.WithLabelValues("lease", "success").Inc()
	return nil
}

// readIndex implements the ReadIndex protocol (Raft §6.4 read-only
// queries): record the current commit index, force a fresh heartbeat round,
// and wait for both a majority ack and lastApplied to catch up to the
// recorded index before the read is safe to serve.
func (n *Node) readIndex(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReadLatency, "read_index")

	n.mu.Lock()
	if n.role != Leader {
		err := n.notLeaderErrorLocked()
		n.mu.Unlock()
		return err
	}
	target := n.log.CommitIndex()
	applyDone := make(chan error, 1)
	n.readIndexWaiters = append(n.readIndexWaiters, readIndexWaiter{targetIndex: target, done: applyDone})
	n.heartbeatAcks = make(map[string]bool)
	n.mu.Unlock()

	n.replicateToAllPeers()

	deadline := time.NewTimer(n.cfg.ReadIndexTimeout)
	defer deadline.Stop()

	select {
	case err := <-applyDone:
		if err != nil {
			return err
		}
		metrics.ReadsTotal.WithLabelValues("read_index", "success").Inc()
		return nil
	case <-deadline.C:
		n.forgetReadIndexWaiter(applyDone)
		n.mu.Lock()
		err := n.notLeaderErrorLocked()
		n.mu.Unlock()
		return err
	case <-ctx.Done():
		n.forgetReadIndexWaiter(applyDone)
		return ctx.Err()
	case <-n.stopCh:
		n.forgetReadIndexWaiter(applyDone)
		return ErrShutdown
	}
}

// forgetReadIndexWaiter removes a waiter that gave up before the apply loop
// ever resolved it, so an abandoned read doesn't pin a slot in
// readIndexWaiters forever.
func (n *Node) forgetReadIndexWaiter(done chan error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, w := range n.readIndexWaiters {
		if w.done == done {
			n.readIndexWaiters = append(n.readIndexWaiters[:i], n.readIndexWaiters[i+1:]...)
			return
		}
	}
}

// resolveReadIndexQuorumLocked is called once a heartbeat round reaches a
// majority ack. It marks every currently pending waiter as quorum-confirmed
// (a waiter registered after this round started will catch the next one)
// and then resolves any whose target index has also been applied.
func (n *Node) resolveReadIndexQuorumLocked() {
	for i := range n.readIndexWaiters {
		n.readIndexWaiters[i].quorumAcked = true
	}
	n.checkReadIndexWaitersLocked()
}
