/*
Package config loads and validates the cluster configuration for a single
warren node: its own identity, the static peer address book, storage
locations, and the timing parameters that drive the Raft node's election
and heartbeat loops.

Configuration is plain YAML, parsed with gopkg.in/yaml.v3 the same way the
teacher's apply command parses resource manifests, but unlike that command
this is loaded once at daemon startup and validated before anything else
starts.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PeerConfig describes one other node in the cluster.
type PeerConfig struct {
	NodeID   string `yaml:"nodeId"`
	BindAddr string `yaml:"bindAddr"`
}

// ClusterConfig is the full configuration for one warren node.
type ClusterConfig struct {
	// NodeID uniquely identifies this node within the cluster.
	NodeID string `yaml:"nodeId"`

	// BindAddr is the address this node's Raft transport listens on.
	BindAddr string `yaml:"bindAddr"`

	// FrontEndAddr is the address the client-facing HTTP front end listens on.
	FrontEndAddr string `yaml:"frontEndAddr"`

	// MetricsAddr is the address the Prometheus metrics/health endpoint listens on.
	MetricsAddr string `yaml:"metricsAddr"`

	// Peers lists every other node in the cluster. It must not include NodeID.
	Peers []PeerConfig `yaml:"peers"`

	// DataDir holds the durable log, term state, and snapshot files.
	DataDir string `yaml:"dataDir"`

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized election
	// timer. A follower that hears nothing from a leader for a duration drawn
	// uniformly from this range starts an election.
	ElectionTimeoutMin time.Duration `yaml:"electionTimeoutMin"`
	ElectionTimeoutMax time.Duration `yaml:"electionTimeoutMax"`

	// HeartbeatInterval is how often the leader sends AppendEntries (possibly
	// empty) to each follower.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// LeaseDuration is how long a leader may trust its own leadership for
	// lease-based reads without a fresh heartbeat majority. Must be strictly
	// less than ElectionTimeoutMin.
	LeaseDuration time.Duration `yaml:"leaseDuration"`

	// ReadIndexTimeout bounds how long a ReadIndex read waits for a heartbeat
	// majority and for lastApplied to catch up before failing NotLeader.
	ReadIndexTimeout time.Duration `yaml:"readIndexTimeout"`

	// Capacity is the maximum number of keys the KV state machine holds
	// before the eviction policy is consulted.
	Capacity int `yaml:"capacity"`

	// SnapshotThreshold is the number of applied log entries since the last
	// snapshot that triggers taking a new one.
	SnapshotThreshold uint64 `yaml:"snapshotThreshold"`

	// SnapshotRetain is how many snapshot files to keep on disk.
	SnapshotRetain int `yaml:"snapshotRetain"`
}

// defaults matches the values used throughout the design's own worked
// examples (150-300ms election range, 50ms heartbeat).
func defaults() ClusterConfig {
	return ClusterConfig{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		LeaseDuration:      100 * time.Millisecond,
		ReadIndexTimeout:   500 * time.Millisecond,
		Capacity:           10000,
		SnapshotThreshold:  1000,
		SnapshotRetain:     3,
	}
}

// Load reads and validates a ClusterConfig from the YAML file at path.
func Load(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate enforces the invariants the Raft node and KV store rely on
// never having to check themselves.
func (c *ClusterConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("nodeId must not be empty")
	}
	if c.BindAddr == "" {
		return fmt.Errorf("bindAddr must not be empty")
	}
	if c.FrontEndAddr == "" {
		return fmt.Errorf("frontEndAddr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("dataDir must not be empty")
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax <= 0 {
		return fmt.Errorf("electionTimeoutMin and electionTimeoutMax must be positive")
	}
	if c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("electionTimeoutMax (%s) must be >= electionTimeoutMin (%s)", c.ElectionTimeoutMax, c.ElectionTimeoutMin)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeatInterval must be positive")
	}
	if c.HeartbeatInterval*3 > c.ElectionTimeoutMin {
		return fmt.Errorf("heartbeatInterval*3 (%s) must not exceed electionTimeoutMin (%s)", c.HeartbeatInterval*3, c.ElectionTimeoutMin)
	}
	if c.LeaseDuration <= 0 || c.LeaseDuration >= c.ElectionTimeoutMin {
		return fmt.Errorf("leaseDuration must be positive and strictly less than electionTimeoutMin")
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive")
	}
	if c.SnapshotThreshold == 0 {
		return fmt.Errorf("snapshotThreshold must be positive")
	}

	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.NodeID == "" {
			return fmt.Errorf("peer entries must have a nodeId")
		}
		if p.NodeID == c.NodeID {
			return fmt.Errorf("peers must not include this node (%s)", c.NodeID)
		}
		if seen[p.NodeID] {
			return fmt.Errorf("duplicate peer id %s", p.NodeID)
		}
		seen[p.NodeID] = true
		if p.BindAddr == "" {
			return fmt.Errorf("peer %s must have a bindAddr", p.NodeID)
		}
	}

	return nil
}

// PeerMap returns the peer address book keyed by node id, the shape the
// transport layer consumes.
func (c *ClusterConfig) PeerMap() map[string]string {
	m := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		m[p.NodeID] = p.BindAddr
	}
	return m
}
