package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/warren/raft/raftpb"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestSendAndReceive(t *testing.T) {
	addrA := freeAddr(t)
	addrB := freeAddr(t)

	var mu sync.Mutex
	var received *raftpb.Envelope
	done := make(chan struct{}, 1)

	tA := New("nodeA", addrA, map[string]string{"nodeB": addrB})
	tB := New("nodeB", addrB, map[string]string{"nodeA": addrA})

	tB.RegisterHandler(raftpb.MsgRequestVote, func(sender string, env *raftpb.Envelope) {
		mu.Lock()
		received = env
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	if err := tA.Start(); err != nil {
		t.Fatalf("start A: %v", err)
	}
	defer tA.Stop()
	if err := tB.Start(); err != nil {
		t.Fatalf("start B: %v", err)
	}
	defer tB.Stop()

	env := &raftpb.Envelope{Type: raftpb.MsgRequestVote, SenderID: "nodeA", SenderTerm: 3}

	deadline := time.After(2 * time.Second)
	for {
		if err := tA.Send("nodeB", env); err == nil {
			break
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for outbound connection to establish")
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("handler never invoked")
	}
	if received.SenderID != "nodeA" || received.SenderTerm != 3 {
		t.Errorf("received envelope = %+v, want SenderID=nodeA SenderTerm=3", received)
	}
}

func TestPeerCount(t *testing.T) {
	tr := New("self", "127.0.0.1:0", map[string]string{"a": "x", "b": "y"})
	if got := tr.PeerCount(); got != 2 {
		t.Errorf("PeerCount() = %d, want 2", got)
	}
}

func TestSendUnknownPeer(t *testing.T) {
	tr := New("self", "127.0.0.1:0", nil)
	err := tr.Send("ghost", &raftpb.Envelope{})
	if err == nil {
		t.Fatal("expected error sending to unknown peer")
	}
}
