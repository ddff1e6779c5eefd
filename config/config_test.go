package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTempConfig(t, `
nodeId: node-1
bindAddr: 127.0.0.1:7001
frontEndAddr: 127.0.0.1:8001
dataDir: /tmp/warren/node-1
peers:
  - nodeId: node-2
    bindAddr: 127.0.0.1:7002
  - nodeId: node-3
    bindAddr: 127.0.0.1:7003
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NodeID != "node-1" {
		t.Errorf("NodeID = %q, want node-1", cfg.NodeID)
	}
	if len(cfg.Peers) != 2 {
		t.Errorf("len(Peers) = %d, want 2", len(cfg.Peers))
	}
	if cfg.HeartbeatInterval*3 > cfg.ElectionTimeoutMin {
		t.Errorf("default heartbeatInterval*3 must not exceed default electionTimeoutMin")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/cluster.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsSelfInPeers(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = "node-1"
	cfg.BindAddr = "127.0.0.1:7001"
	cfg.FrontEndAddr = "127.0.0.1:8001"
	cfg.DataDir = "/tmp/warren"
	cfg.Peers = []PeerConfig{{NodeID: "node-1", BindAddr: "127.0.0.1:7001"}}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when peers includes self")
	}
}

func TestValidateRejectsDuplicatePeers(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = "node-1"
	cfg.BindAddr = "127.0.0.1:7001"
	cfg.FrontEndAddr = "127.0.0.1:8001"
	cfg.DataDir = "/tmp/warren"
	cfg.Peers = []PeerConfig{
		{NodeID: "node-2", BindAddr: "127.0.0.1:7002"},
		{NodeID: "node-2", BindAddr: "127.0.0.1:7003"},
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate peer id")
	}
}

func TestValidateRejectsHeartbeatTooLarge(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = "node-1"
	cfg.BindAddr = "127.0.0.1:7001"
	cfg.FrontEndAddr = "127.0.0.1:8001"
	cfg.DataDir = "/tmp/warren"
	cfg.HeartbeatInterval = cfg.ElectionTimeoutMin

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when heartbeatInterval*3 exceeds electionTimeoutMin")
	}
}

func TestValidateRejectsLeaseNotBelowElection(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = "node-1"
	cfg.BindAddr = "127.0.0.1:7001"
	cfg.FrontEndAddr = "127.0.0.1:8001"
	cfg.DataDir = "/tmp/warren"
	cfg.LeaseDuration = cfg.ElectionTimeoutMin

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when leaseDuration is not strictly below electionTimeoutMin")
	}
}

func TestPeerMap(t *testing.T) {
	cfg := defaults()
	cfg.Peers = []PeerConfig{
		{NodeID: "node-2", BindAddr: "127.0.0.1:7002"},
		{NodeID: "node-3", BindAddr: "127.0.0.1:7003"},
	}
	m := cfg.PeerMap()
	if m["node-2"] != "127.0.0.1:7002" || m["node-3"] != "127.0.0.1:7003" {
		t.Errorf("PeerMap() = %v, unexpected contents", m)
	}
}
