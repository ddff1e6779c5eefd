package raft

import (
	"errors"
	"fmt"
)

// ErrShutdown is returned by operations submitted to a node that has already
// shut down.
var ErrShutdown = errors.New("raft: node is shut down")

// ErrCommitTimeout is returned when a proposed entry did not commit within
// its deadline. The entry may still commit later; callers should retry
// idempotently using their (clientId, seq) pair rather than assume failure.
var ErrCommitTimeout = errors.New("raft: commit timed out")

// ErrInvalidLease is returned by a lease read when the node's read lease is
// not currently valid. Callers should fall back to ReadIndex or surface
// NotLeaderError.
var ErrInvalidLease = errors.New("raft: no valid read lease")

// NotLeaderError is returned when an operation that requires leadership
// (Propose, ReadIndex) is submitted to a non-leader. Hint carries the node's
// best guess at the current leader's ID, if known, for client redirection.
type NotLeaderError struct {
	NodeID string
	Hint   string
}

func (e *NotLeaderError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("raft: %s is not the leader (no known leader)", e.NodeID)
	}
	return fmt.Sprintf("raft: %s is not the leader, known leader is %s", e.NodeID, e.Hint)
}

// IsNotLeader reports whether err is (or wraps) a *NotLeaderError.
func IsNotLeader(err error) bool {
	var nle *NotLeaderError
	return errors.As(err, &nle)
}
