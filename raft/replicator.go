package raft

import (
	"time"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/raft/raftpb"
)

// heartbeatLoop drives the leader's periodic AppendEntries to every
// follower. It is a no-op while this node is not the leader, the way
// jmsadair/goraft's heartbeatLoop skips non-leader ticks rather than
// stopping and restarting a timer across role transitions.
func (n *Node) heartbeatLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
		}

		n.mu.Lock()
		isLeader := n.role == Leader
		if isLeader {
			n.heartbeatAcks = make(map[string]bool)
		}
		n.mu.Unlock()
		if !isLeader {
			continue
		}
		n.replicateToAllPeers()
	}
}

// replicateToAllPeers sends an AppendEntries (heartbeat or with entries, as
// appropriate per follower's nextIndex) to every peer. The caller must not
// hold n.mu; it takes the lock itself to snapshot the state it sends.
func (n *Node) replicateToAllPeers() {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	peers := n.cfg.PeerMap()
	reqs := make(map[string]*raftpb.AppendEntries, len(peers))
	for peerID := range peers {
		reqs[peerID] = n.buildAppendEntriesLocked(peerID)
	}
	term := n.currentTerm
	n.mu.Unlock()

	for peerID, req := range reqs {
		n.sendAppendEntries(peerID, term, req)
	}
}

// buildAppendEntriesLocked builds the AppendEntries request for one peer
// based on its current nextIndex. Caller must hold n.mu.
func (n *Node) buildAppendEntriesLocked(peerID string) *raftpb.AppendEntries {
	next := n.nextIndex[peerID]
	if next == 0 {
		next = n.log.LastIndex() + 1
	}
	prevIndex := next - 1
	prevTerm := n.log.TermAt(prevIndex)

	entries := n.log.EntriesFrom(next)
	wireEntries := make([]raftpb.LogEntry, len(entries))
	for i, e := range entries {
		wireEntries[i] = *e
	}

	return &raftpb.AppendEntries{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      wireEntries,
		LeaderCommit: n.log.CommitIndex(),
	}
}

func (n *Node) sendAppendEntries(peerID string, term uint64, req *raftpb.AppendEntries) {
	payload, err := encodePayload(req)
	if err != nil {
		log.WithComponent("raft").Error().Err(err).Msg("failed to encode AppendEntries")
		return
	}
	env := &raftpb.Envelope{Type: raftpb.MsgAppendEntries, SenderID: n.id, SenderTerm: term, Payload: payload}
	_ = n.tr.Send(peerID, env)
}

// --- AppendEntries handling (follower side) ---

func (n *Node) handleAppendEntriesEnvelope(sender string, env *raftpb.Envelope) {
	var req raftpb.AppendEntries
	if err := decodePayload(env.Payload, &req); err != nil {
		return
	}
	timer := metrics.NewTimer()
	resp := n.handleAppendEntries(&req)
	timer.ObserveDuration(metrics.RaftAppendEntriesDuration)

	payload, err := encodePayload(resp)
	if err != nil {
		return
	}
	n.mu.Lock()
	term := n.currentTerm
	stopped := n.role == Shutdown
	n.mu.Unlock()
	if stopped {
		return
	}
	n.tr.Send(sender, &raftpb.Envelope{Type: raftpb.MsgAppendEntriesResponse, SenderID: n.id, SenderTerm: term, Payload: payload})
}

// handleAppendEntries implements the follower-side consistency check and
// conflict resolution described in Raft figure 2 / §5.3: reject stale
// terms, reject if the previous entry is missing or has a mismatched term
// (reporting a hint index to speed up the leader's search), otherwise
// truncate any conflicting suffix and append the new entries, then advance
// commitIndex no further than the new last entry.
func (n *Node) handleAppendEntries(req *raftpb.AppendEntries) *raftpb.AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	resp := &raftpb.AppendEntriesResponse{Term: n.currentTerm, Success: false}

	if n.role == Shutdown {
		return resp
	}
	if req.Term < n.currentTerm {
		return resp
	}

	n.lastContact = time.Now()
	n.leaderID = req.LeaderID

	if req.Term > n.currentTerm || n.role != Follower {
		n.becomeFollowerLocked(req.Term, req.LeaderID)
		resp.Term = n.currentTerm
	} else {
		n.leaderID = req.LeaderID
	}

	if req.PrevLogIndex > 0 {
		localTerm := n.log.TermAt(req.PrevLogIndex)
		if req.PrevLogIndex > n.log.LastIndex() {
			resp.MatchIndex = n.log.LastIndex()
			return resp
		}
		if localTerm != req.PrevLogTerm {
			resp.MatchIndex = n.findConflictFloorLocked(req.PrevLogIndex)
			return resp
		}
	}

	for _, e := range req.Entries {
		existing := n.log.Get(e.Index)
		if existing != nil && existing.Term == e.Term {
			continue
		}
		if existing != nil {
			log.WithComponent("raft").Warn().Uint64("index", e.Index).Msg("truncating conflicting suffix")
			if err := n.log.DeleteFrom(e.Index); err != nil {
				log.WithComponent("raft").Error().Err(err).Msg("failed to truncate log")
				return resp
			}
		}
		entry := e
		if err := n.log.AppendEntry(&entry); err != nil {
			log.WithComponent("raft").Error().Err(err).Msg("failed to append replicated entry")
			return resp
		}
	}

	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	if req.LeaderCommit > n.log.CommitIndex() {
		newCommit := req.LeaderCommit
		if newCommit > lastNew {
			newCommit = lastNew
		}
		n.log.SetCommitIndex(newCommit)
	}

	resp.Success = true
	resp.MatchIndex = lastNew
	return resp
}

// findConflictFloorLocked returns the index just before the first entry of
// the conflicting term at or before conflictIndex, so the leader's nextIndex
// lands on that first entry and skips the whole term in one round instead of
// decrementing nextIndex one at a time.
func (n *Node) findConflictFloorLocked(conflictIndex uint64) uint64 {
	term := n.log.TermAt(conflictIndex)
	idx := conflictIndex
	for idx > n.log.BaseIndex()+1 && n.log.TermAt(idx-1) == term {
		idx--
	}
	return idx - 1
}

// --- AppendEntriesResponse handling (leader side) ---

func (n *Node) handleAppendEntriesResponseEnvelope(sender string, env *raftpb.Envelope) {
	var resp raftpb.AppendEntriesResponse
	if err := decodePayload(env.Payload, &resp); err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.currentTerm {
		n.becomeFollowerLocked(resp.Term, "")
		return
	}
	if n.role != Leader || resp.Term != n.currentTerm {
		return
	}

	n.heartbeatAcks[sender] = true

	if !resp.Success {
		if n.nextIndex[sender] > resp.MatchIndex+1 {
			n.nextIndex[sender] = resp.MatchIndex + 1
		}
		if n.nextIndex[sender] == 0 {
			n.nextIndex[sender] = 1
		}
		return
	}

	if resp.MatchIndex > n.matchIndex[sender] {
		n.matchIndex[sender] = resp.MatchIndex
	}
	n.nextIndex[sender] = resp.MatchIndex + 1

	n.advanceCommitIndexLocked()
	n.checkReadIndexWaitersLocked()

	if n.hasQuorumLocked(len(n.heartbeatAcks) + 1) {
		n.currentLease = lease{expiresAt: time.Now().Add(n.cfg.LeaseDuration)}
		n.resolveReadIndexQuorumLocked()
	}
}

// advanceCommitIndexLocked applies the majority-match rule restricted to
// entries from the current term (Raft §5.4.2): an index is safe to commit
// only once a majority of matchIndex values reach it AND the entry at that
// index was created in the leader's current term. Caller must hold n.mu.
func (n *Node) advanceCommitIndexLocked() {
	lastIndex := n.log.LastIndex()
	commitIndex := n.log.CommitIndex()

	for idx := lastIndex; idx > commitIndex; idx-- {
		if n.log.TermAt(idx) != n.currentTerm {
			break
		}
		matches := 1 // self
		for peerID := range n.cfg.PeerMap() {
			if n.matchIndex[peerID] >= idx {
				matches++
			}
		}
		if n.hasQuorumLocked(matches) {
			n.log.SetCommitIndex(idx)
			return
		}
	}
}
