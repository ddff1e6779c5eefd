/*
Package transport implements the peer transport described in the core
design: a connection-oriented link to every other node in the cluster that
frames messages with a 4-byte big-endian length prefix followed by a JSON
raftpb.Envelope, redials with capped exponential backoff when a peer is
unreachable, and delivers decoded envelopes to per-type handlers registered
by the node.

The framing mirrors raft/logstore's own length-prefixed records; the dial
and reconnect loop follows the same net.Dialer-with-timeout shape the
teacher uses for TCP health checks, generalized into a persistent,
self-healing connection instead of a one-shot probe.
*/
package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/raft/raftpb"
)

const (
	maxFrameSize = 64 << 20 // 64MiB, generous upper bound for a batched AppendEntries
	dialTimeout  = 3 * time.Second
	minBackoff   = 1 * time.Second
	maxBackoff   = 30 * time.Second
)

// Handler processes an inbound envelope from a peer. senderID is the
// envelope's claimed sender, already trusted the way the rest of the
// cluster trusts node identity (no mTLS layer here, per the design's
// transport scope).
type Handler func(senderID string, env *raftpb.Envelope)

// Transport manages one persistent outbound connection per peer plus a
// listener accepting inbound connections, dispatching every decoded
// envelope (regardless of which side dialed) to the registered Handler for
// its MessageType.
type Transport struct {
	selfID   string
	bindAddr string

	mu       sync.RWMutex
	peers    map[string]string // peerID -> address
	conns    map[string]*peerConn
	handlers map[raftpb.MessageType]Handler

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// peerConn guards a single outbound connection to one peer, which may be
// nil between a failed dial and its retry.
type peerConn struct {
	mu      sync.Mutex
	addr    string
	conn    net.Conn
	backoff time.Duration
}

// New creates a Transport for selfID, listening on bindAddr, with the given
// static peer address book (peerID -> host:port). It does not start
// listening or dialing until Start is called.
func New(selfID, bindAddr string, peers map[string]string) *Transport {
	t := &Transport{
		selfID:   selfID,
		bindAddr: bindAddr,
		peers:    make(map[string]string, len(peers)),
		conns:    make(map[string]*peerConn, len(peers)),
		handlers: make(map[raftpb.MessageType]Handler),
		stopCh:   make(chan struct{}),
	}
	for id, addr := range peers {
		t.peers[id] = addr
		t.conns[id] = &peerConn{addr: addr, backoff: minBackoff}
	}
	return t
}

// RegisterHandler installs the function invoked for every inbound envelope
// of the given type. Must be called before Start.
func (t *Transport) RegisterHandler(typ raftpb.MessageType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[typ] = h
}

// Start opens the listener and begins a reconnect-and-maintain goroutine
// per peer.
func (t *Transport) Start() error {
	ln, err := net.Listen("tcp", t.bindAddr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", t.bindAddr, err)
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop()

	t.mu.RLock()
	peerIDs := make([]string, 0, len(t.conns))
	for id := range t.conns {
		peerIDs = append(peerIDs, id)
	}
	t.mu.RUnlock()

	for _, id := range peerIDs {
		t.wg.Add(1)
		go t.maintainLoop(id)
	}
	return nil
}

// Stop closes the listener and all connections, and waits for background
// goroutines to exit.
func (t *Transport) Stop() error {
	close(t.stopCh)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.RLock()
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.mu.RUnlock()
	for _, pc := range conns {
		pc.mu.Lock()
		if pc.conn != nil {
			pc.conn.Close()
		}
		pc.mu.Unlock()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	logger := log.WithComponent("transport")
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				logger.Warn().Err(err).Msg("accept failed")
				return
			}
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

// serveConn reads envelopes from an inbound connection (dialed by the peer)
// until it errors or the connection closes, dispatching each to its
// handler.
func (t *Transport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		env, err := readEnvelope(r)
		if err != nil {
			return
		}
		t.dispatch(env)
	}
}

// maintainLoop owns the outbound connection to one peer: it dials, reads
// until failure, and redials with capped exponential backoff. It also
// serves as the periodic health check the design calls for, since a dead
// connection is detected by its next read error and immediately redialed
// rather than waiting for a separate probe.
func (t *Transport) maintainLoop(peerID string) {
	defer t.wg.Done()
	logger := log.WithComponent("transport").With().Str("peer_id", peerID).Logger()

	t.mu.RLock()
	pc := t.conns[peerID]
	t.mu.RUnlock()

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", pc.addr, dialTimeout)
		if err != nil {
			logger.Warn().Err(err).Dur("backoff", pc.backoff).Msg("dial failed, retrying")
			select {
			case <-time.After(pc.backoff):
			case <-t.stopCh:
				return
			}
			pc.mu.Lock()
			pc.backoff *= 2
			if pc.backoff > maxBackoff {
				pc.backoff = maxBackoff
			}
			pc.mu.Unlock()
			continue
		}

		pc.mu.Lock()
		pc.conn = conn
		pc.backoff = minBackoff
		pc.mu.Unlock()
		logger.Info().Msg("connected to peer")

		t.readUntilError(peerID, conn)

		pc.mu.Lock()
		pc.conn = nil
		pc.mu.Unlock()

		select {
		case <-t.stopCh:
			return
		default:
		}
	}
}

func (t *Transport) readUntilError(peerID string, conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		env, err := readEnvelope(r)
		if err != nil {
			conn.Close()
			return
		}
		t.dispatch(env)
	}
}

func (t *Transport) dispatch(env *raftpb.Envelope) {
	t.mu.RLock()
	h, ok := t.handlers[env.Type]
	t.mu.RUnlock()
	if !ok {
		return
	}
	h(env.SenderID, env)
}

// Send delivers an envelope to exactly one peer. It returns an error if no
// connection to that peer is currently open; callers (the replicator) treat
// this as a dropped message, consistent with Raft's tolerance for lossy
// transport.
func (t *Transport) Send(peerID string, env *raftpb.Envelope) error {
	t.mu.RLock()
	pc, ok := t.conns[peerID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %s", peerID)
	}

	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: no connection to %s", peerID)
	}

	b, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if _, err := conn.Write(b); err != nil {
		pc.mu.Lock()
		if pc.conn == conn {
			pc.conn.Close()
			pc.conn = nil
		}
		pc.mu.Unlock()
		return fmt.Errorf("transport: write to %s: %w", peerID, err)
	}
	return nil
}

// Broadcast sends env to every peer, skipping (and ignoring the error of)
// any peer with no open connection.
func (t *Transport) Broadcast(env *raftpb.Envelope) {
	t.mu.RLock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	for _, id := range ids {
		_ = t.Send(id, env)
	}
}

// PeerCount returns the number of configured peers (not the number
// currently connected).
func (t *Transport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func encodeEnvelope(env *raftpb.Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal envelope: %w", err)
	}
	if len(body) > maxFrameSize {
		return nil, fmt.Errorf("transport: envelope of %d bytes exceeds max frame size", len(body))
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

func readEnvelope(r *bufio.Reader) (*raftpb.Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds max frame size", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var env raftpb.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("transport: decode envelope: %w", err)
	}
	return &env, nil
}
