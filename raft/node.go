/*
Package raft implements the replication engine: leader election, log
replication, and the safety and liveness guarantees described in Raft's
original design. A Node owns exactly one instance of each supporting
component (raftlog.Log, termstate.Store, snapshot.Store,
transport.Transport) and serializes every state transition behind a single
mutex, the way jmsadair/goraft's Raft struct does, rather than juggling
per-field locks: the state machine's invariants (term, role, votedFor,
leaderID, log indices) only ever change together.

Timers are not cancellation tokens but a lastContact timestamp checked by a
polling loop, again following that same reference shape: it is simpler to
reason about under the single mutex than a timer.Reset/timer.Stop dance
across goroutines, at the cost of a bounded polling granularity that is
still far below the election timeout range.
*/
package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/warren/config"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/raft/raftlog"
	"github.com/cuemby/warren/raft/raftpb"
	"github.com/cuemby/warren/raft/snapshot"
	"github.com/cuemby/warren/raft/termstate"
	"github.com/cuemby/warren/raft/transport"
)

// Role is the current role of a Node within the cluster.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
	Shutdown
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// FSM is the interface the replicated state machine exposes to the Raft
// node. It is applied strictly in log order by the apply loop.
type FSM interface {
	Apply(command []byte) []byte
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// pendingCommit is the completion slot for one proposed command, resolved
// by the apply loop once its index is applied, or failed immediately if the
// node steps down first.
type pendingCommit struct {
	result chan commitResult
}

type commitResult struct {
	response []byte
	err      error
}

// lease tracks the leader read-lease: the leader may serve lease reads
// without a fresh ReadIndex round as long as now is before expiresAt.
type lease struct {
	expiresAt time.Time
}

func (l lease) validAt(t time.Time) bool {
	return t.Before(l.expiresAt)
}

// Node is one member of a Raft cluster.
type Node struct {
	mu sync.Mutex

	id   string
	cfg  *config.ClusterConfig
	fsm  FSM
	tr   *transport.Transport
	log  *raftlog.Log
	term *termstate.Store
	snap *snapshot.Store

	role        Role
	currentTerm uint64
	votedFor    string
	leaderID    string
	lastContact time.Time

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	pending map[uint64]*pendingCommit

	currentLease lease

	// votesReceived accumulates affirmative RequestVoteResponses for the
	// election currently in progress; reset every time a new election starts.
	votesReceived map[string]bool

	// heartbeatAcks accumulates AppendEntriesResponse acks for the in-flight
	// heartbeat round used to confirm leadership for ReadIndex and lease
	// renewal; reset every heartbeat tick.
	heartbeatAcks    map[string]bool
	readIndexWaiters []readIndexWaiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// readIndexWaiter is resolved once lastApplied has caught up to targetIndex
// AND a quorum has acknowledged the heartbeat round raised after it was
// registered. Both conditions are required: applied-catch-up alone would
// let a stale leader (one that has since lost a quorum of live followers)
// serve a read it's no longer entitled to.
type readIndexWaiter struct {
	targetIndex uint64
	quorumAcked bool
	done        chan error
}

// New constructs a Node wired to its durable log, term state, snapshot
// store, and peer transport, starting as a Follower. Start must be called
// to begin the election and apply loops.
func New(cfg *config.ClusterConfig, fsm FSM, l *raftlog.Log, ts *termstate.Store, ss *snapshot.Store, tr *transport.Transport) (*Node, error) {
	term, votedFor, _, err := ts.Load()
	if err != nil {
		return nil, fmt.Errorf("raft: load term state: %w", err)
	}

	if snap, err := ss.Latest(); err != nil {
		return nil, fmt.Errorf("raft: load latest snapshot: %w", err)
	} else if snap != nil {
		if err := fsm.Restore(snap.Data); err != nil {
			return nil, fmt.Errorf("raft: restore snapshot: %w", err)
		}
		if err := l.SetBase(snap.LastIncludedIndex, snap.LastIncludedTerm); err != nil {
			return nil, fmt.Errorf("raft: reconcile log with snapshot base: %w", err)
		}
		log.WithComponent("raft").Info().
			Uint64("last_included_index", snap.LastIncludedIndex).
			Uint64("last_included_term", snap.LastIncludedTerm).
			Msg("restored from snapshot")
	}

	n := &Node{
		id:          cfg.NodeID,
		cfg:         cfg,
		fsm:         fsm,
		tr:          tr,
		log:         l,
		term:        ts,
		snap:        ss,
		role:        Follower,
		currentTerm: term,
		votedFor:    votedFor,
		nextIndex:     make(map[string]uint64),
		matchIndex:    make(map[string]uint64),
		pending:       make(map[uint64]*pendingCommit),
		votesReceived: make(map[string]bool),
		heartbeatAcks: make(map[string]bool),
		stopCh:        make(chan struct{}),
	}

	tr.RegisterHandler(raftpb.MsgRequestVote, n.handleRequestVoteEnvelope)
	tr.RegisterHandler(raftpb.MsgRequestVoteResponse, n.handleRequestVoteResponseEnvelope)
	tr.RegisterHandler(raftpb.MsgAppendEntries, n.handleAppendEntriesEnvelope)
	tr.RegisterHandler(raftpb.MsgAppendEntriesResponse, n.handleAppendEntriesResponseEnvelope)

	return n, nil
}

// Start begins the background election, heartbeat, apply, and snapshot
// loops.
func (n *Node) Start() {
	n.mu.Lock()
	n.lastContact = time.Now()
	n.mu.Unlock()

	n.wg.Add(4)
	go n.electionLoop()
	go n.heartbeatLoop()
	go n.applyLoop()
	go n.snapshotLoop()
}

// Stop shuts the node down, rejecting any further proposals and waiting for
// background loops to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	n.role = Shutdown
	n.failAllPending(ErrShutdown)
	n.mu.Unlock()

	close(n.stopCh)
	n.wg.Wait()
}

func (n *Node) failAllPending(err error) {
	for idx, p := range n.pending {
		p.result <- commitResult{err: err}
		delete(n.pending, idx)
	}
	for _, w := range n.readIndexWaiters {
		w.done <- err
	}
	n.readIndexWaiters = nil
}

// --- StatusProvider, for pkg/metrics.Collector ---

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

func (n *Node) PeerCount() int {
	return n.tr.PeerCount()
}

func (n *Node) LastLogIndex() uint64 {
	return n.log.LastIndex()
}

func (n *Node) CommitIndex() uint64 {
	return n.log.CommitIndex()
}

func (n *Node) AppliedIndex() uint64 {
	return n.log.LastApplied()
}

func (n *Node) LeaseValid() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader && n.currentLease.validAt(time.Now())
}

// --- Propose API ---

// Propose submits a command for replication. It blocks until the command
// commits and is applied (returning the FSM's response), the node steps
// down, the node shuts down, or ctx is cancelled.
func (n *Node) Propose(ctx context.Context, command []byte) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftProposeDuration)

	n.mu.Lock()
	if n.role != Leader {
		err := n.notLeaderErrorLocked()
		n.mu.Unlock()
		return nil, err
	}

	entry, err := n.log.Append(n.currentTerm, raftpb.EntryCommand, command, uint64(time.Now().UnixNano()))
	if err != nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("raft: append command: %w", err)
	}

	pc := &pendingCommit{result: make(chan commitResult, 1)}
	n.pending[entry.Index] = pc
	n.mu.Unlock()

	n.replicateToAllPeers()

	select {
	case res := <-pc.result:
		return res.response, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The entry is still in n.pending and may commit later; callers
			// retry idempotently using the command's (clientId, seq) pair.
			return nil, ErrCommitTimeout
		}
		return nil, ctx.Err()
	}
}

func (n *Node) notLeaderErrorLocked() error {
	hint := n.leaderID
	return &NotLeaderError{NodeID: n.id, Hint: hint}
}

// --- role transitions (caller must hold n.mu) ---

func (n *Node) becomeFollowerLocked(term uint64, leaderID string) {
	logger := log.WithComponent("raft").With().Str("node_id", n.id).Logger()

	stepDown := n.role == Leader
	n.role = Follower
	n.currentTerm = term
	n.votedFor = ""
	n.leaderID = leaderID
	n.persistTermLocked()

	if stepDown {
		n.failAllPending(&NotLeaderError{NodeID: n.id, Hint: leaderID})
		n.currentLease = lease{}
		logger.Info().Uint64("term", term).Msg("stepped down from leader")
	}
	logger.Debug().Uint64("term", term).Str("leader_id", leaderID).Msg("became follower")
}

func (n *Node) becomeCandidateLocked() {
	n.role = Candidate
	n.currentTerm++
	n.votedFor = n.id
	n.leaderID = ""
	n.votesReceived = make(map[string]bool)
	n.persistTermLocked()
	n.lastContact = time.Now()

	log.WithComponent("raft").With().Str("node_id", n.id).Logger().
		Info().Uint64("term", n.currentTerm).Msg("became candidate")
	metrics.RaftElectionsTotal.Inc()
}

func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = n.id

	lastIdx := n.log.LastIndex()
	n.nextIndex = make(map[string]uint64)
	n.matchIndex = make(map[string]uint64)
	for peerID := range n.cfg.PeerMap() {
		n.nextIndex[peerID] = lastIdx + 1
		n.matchIndex[peerID] = 0
	}

	// A NO_OP entry gives the new leader a current-term entry to commit,
	// enabling the indirect-commit rule for entries inherited from prior
	// terms (Raft §5.4.2).
	if _, err := n.log.Append(n.currentTerm, raftpb.EntryNoOp, nil, uint64(time.Now().UnixNano())); err != nil {
		log.WithComponent("raft").Error().Err(err).Msg("failed to append no-op on becoming leader")
	}

	n.currentLease = lease{expiresAt: time.Now().Add(n.cfg.LeaseDuration)}

	log.WithComponent("raft").With().Str("node_id", n.id).Logger().
		Info().Uint64("term", n.currentTerm).Msg("became leader")
}

func (n *Node) persistTermLocked() {
	if err := n.term.SaveBoth(n.currentTerm, n.votedFor); err != nil {
		log.WithComponent("raft").Fatal().Err(err).Msg("failed to persist term state")
	}
}

// --- election ---

func (n *Node) randomElectionTimeout() time.Duration {
	lo := n.cfg.ElectionTimeoutMin
	hi := n.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func (n *Node) electionLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	timeout := n.randomElectionTimeout()
	deadline := time.Now().Add(timeout)

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
		}

		n.mu.Lock()
		if n.role == Shutdown {
			n.mu.Unlock()
			return
		}
		if n.role == Leader {
			n.mu.Unlock()
			deadline = time.Now().Add(n.randomElectionTimeout())
			continue
		}
		if time.Now().After(deadline) && time.Since(n.lastContact) >= timeout {
			n.startElectionLocked()
			timeout = n.randomElectionTimeout()
			deadline = time.Now().Add(timeout)
		}
		n.mu.Unlock()
	}
}

func (n *Node) startElectionLocked() {
	n.becomeCandidateLocked()

	req := &raftpb.RequestVote{
		Term:         n.currentTerm,
		CandidateID:  n.id,
		LastLogIndex: n.log.LastIndex(),
		LastLogTerm:  n.log.LastTerm(),
	}
	n.broadcastRequestVoteLocked(req)
}

func (n *Node) broadcastRequestVoteLocked(req *raftpb.RequestVote) {
	payload, err := encodePayload(req)
	if err != nil {
		log.WithComponent("raft").Error().Err(err).Msg("failed to encode RequestVote")
		return
	}
	env := &raftpb.Envelope{Type: raftpb.MsgRequestVote, SenderID: n.id, SenderTerm: n.currentTerm, Payload: payload}
	n.tr.Broadcast(env)
}

// --- RequestVote handling ---

func (n *Node) handleRequestVoteEnvelope(sender string, env *raftpb.Envelope) {
	var req raftpb.RequestVote
	if err := decodePayload(env.Payload, &req); err != nil {
		return
	}
	resp := n.handleRequestVote(&req)
	payload, err := encodePayload(resp)
	if err != nil {
		return
	}
	n.mu.Lock()
	term := n.currentTerm
	n.mu.Unlock()
	n.tr.Send(sender, &raftpb.Envelope{Type: raftpb.MsgRequestVoteResponse, SenderID: n.id, SenderTerm: term, Payload: payload})
}

func (n *Node) handleRequestVote(req *raftpb.RequestVote) *raftpb.RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	resp := &raftpb.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}

	if n.role == Shutdown {
		return resp
	}
	if req.Term < n.currentTerm {
		return resp
	}
	if req.Term > n.currentTerm {
		n.becomeFollowerLocked(req.Term, "")
		resp.Term = n.currentTerm
	}
	if n.votedFor != "" && n.votedFor != req.CandidateID {
		return resp
	}
	if !n.log.IsUpToDate(req.LastLogIndex, req.LastLogTerm) {
		return resp
	}

	n.votedFor = req.CandidateID
	n.persistTermLocked()
	n.lastContact = time.Now()
	resp.VoteGranted = true
	return resp
}

func (n *Node) handleRequestVoteResponseEnvelope(sender string, env *raftpb.Envelope) {
	var resp raftpb.RequestVoteResponse
	if err := decodePayload(env.Payload, &resp); err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.currentTerm {
		n.becomeFollowerLocked(resp.Term, "")
		return
	}
	if n.role != Candidate || resp.Term != n.currentTerm || !resp.VoteGranted {
		return
	}

	n.votesReceived[sender] = true
	if n.hasQuorumLocked(len(n.votesReceived) + 1) {
		n.becomeLeaderLocked()
	}
}

func (n *Node) hasQuorumLocked(count int) bool {
	total := n.tr.PeerCount() + 1
	return count > total/2
}

// --- apply loop ---

// applyLoop advances lastApplied toward commitIndex, applying each command
// entry to the FSM in order and resolving its pending proposal (if any is
// still being waited on locally). NO_OP and CONFIGURATION entries are
// skipped without invoking the FSM.
func (n *Node) applyLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
		}
		n.applyReady()
	}
}

func (n *Node) applyReady() {
	for {
		n.mu.Lock()
		if n.role == Shutdown {
			n.mu.Unlock()
			return
		}
		lastApplied := n.log.LastApplied()
		commitIndex := n.log.CommitIndex()
		if lastApplied >= commitIndex {
			n.mu.Unlock()
			return
		}
		entry := n.log.Get(lastApplied + 1)
		n.mu.Unlock()

		if entry == nil {
			return
		}

		var response []byte
		if entry.Type == raftpb.EntryCommand {
			timer := metrics.NewTimer()
			response = n.fsm.Apply(entry.Command)
			timer.ObserveDuration(metrics.RaftApplyDuration)
		}

		n.log.SetLastApplied(entry.Index)

		n.mu.Lock()
		if pc, ok := n.pending[entry.Index]; ok {
			delete(n.pending, entry.Index)
			pc.result <- commitResult{response: response}
		}
		n.checkReadIndexWaitersLocked()
		n.mu.Unlock()
	}
}

// checkReadIndexWaitersLocked resolves any ReadIndex waiters whose target
// index has now been applied. Caller must hold n.mu.
func (n *Node) checkReadIndexWaitersLocked() {
	if len(n.readIndexWaiters) == 0 {
		return
	}
	applied := n.log.LastApplied()
	remaining := n.readIndexWaiters[:0]
	for _, w := range n.readIndexWaiters {
		if w.quorumAcked && applied >= w.targetIndex {
			w.done <- nil
		} else {
			remaining = append(remaining, w)
		}
	}
	n.readIndexWaiters = remaining
}

// --- snapshot loop ---

// snapshotLoop periodically checks whether enough entries have been
// applied since the last snapshot to justify taking a new one, compacting
// the durable log once it is safely captured.
func (n *Node) snapshotLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
		}
		n.maybeSnapshot()
	}
}

func (n *Node) maybeSnapshot() {
	logger := log.WithComponent("raft").With().Str("node_id", n.id).Logger()

	lastSnap, err := n.snap.Latest()
	if err != nil {
		logger.Error().Err(err).Msg("failed to read latest snapshot")
		return
	}
	var since uint64
	if lastSnap != nil {
		since = lastSnap.LastIncludedIndex
	}

	applied := n.log.LastApplied()
	if applied <= since || applied-since < n.cfg.SnapshotThreshold {
		return
	}

	data, err := n.fsm.Snapshot()
	if err != nil {
		logger.Error().Err(err).Msg("failed to snapshot state machine")
		return
	}
	term := n.log.TermAt(applied)

	if err := n.snap.Save(&snapshot.Snapshot{
		LastIncludedIndex: applied,
		LastIncludedTerm:  term,
		Timestamp:         time.Now().Unix(),
		Data:              data,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to persist snapshot")
		return
	}
	metrics.RaftSnapshotsTotal.Inc()

	if err := n.log.CompactThrough(applied); err != nil {
		logger.Error().Err(err).Msg("failed to compact log after snapshot")
		return
	}
	if err := n.snap.Retain(n.cfg.SnapshotRetain); err != nil {
		logger.Error().Err(err).Msg("failed to retain snapshot history")
	}
}

// --- encoding helpers ---

func encodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func decodePayload(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}
