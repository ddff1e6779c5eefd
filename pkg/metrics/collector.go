package metrics

import "time"

// StatusProvider is the subset of raft.Node's read-only surface the collector
// needs. Defined here rather than imported to avoid metrics depending on raft.
type StatusProvider interface {
	IsLeader() bool
	Term() uint64
	PeerCount() int
	LastLogIndex() uint64
	CommitIndex() uint64
	AppliedIndex() uint64
	LeaseValid() bool
}

// Collector periodically polls a Raft node's status and updates the package's
// gauges. Instrumentation that isn't already computed under a lock elsewhere
// (role, indices) is cheaper to poll than to push on every change.
type Collector struct {
	node   StatusProvider
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector for the given node.
func NewCollector(node StatusProvider) *Collector {
	return &Collector{
		node:   node,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 5s interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.node.IsLeader() {
		RaftIsLeader.Set(1)
	} else {
		RaftIsLeader.Set(0)
	}
	RaftTerm.Set(float64(c.node.Term()))
	RaftPeersTotal.Set(float64(c.node.PeerCount()))
	RaftLastLogIndex.Set(float64(c.node.LastLogIndex()))
	RaftCommitIndex.Set(float64(c.node.CommitIndex()))
	RaftAppliedIndex.Set(float64(c.node.AppliedIndex()))
	if c.node.LeaseValid() {
		LeaseValid.Set(1)
	} else {
		LeaseValid.Set(0)
	}
}
