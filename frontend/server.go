/*
Package frontend implements the client-facing front end named in the core
design as an external collaborator: a plain HTTP+JSON service exposing
Put/Get/Delete, calling into the Raft node's Propose/Read surface and the
KV store directly, and redirecting non-leader requests the way the
teacher's gRPC API server's ensureLeader check does — minus gRPC, since
reproducing that transport here would mean hand-authoring generated
protobuf code, which this front end deliberately avoids.
*/
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warren/kvstore"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/raft"
)

// proposeTimeout bounds how long a write waits for its command to commit
// and apply before failing with CommitTimeout, per the core design's ~5s
// propose deadline.
const proposeTimeout = 5 * time.Second

// Node is the subset of *raft.Node the front end needs.
type Node interface {
	Propose(ctx context.Context, command []byte) ([]byte, error)
	Read(ctx context.Context, consistency raft.Consistency, readFn func()) error
	IsLeader() bool
	Term() uint64
}

// Server is the HTTP front end for one warren node.
type Server struct {
	node  Node
	store *kvstore.Store
	http  *http.Server
}

// New constructs a Server bound to addr, serving proposals through node
// and local reads through store.
func New(addr string, node Node, store *kvstore.Store) *Server {
	s := &Server{node: node, store: store}

	mux := http.NewServeMux()
	mux.HandleFunc("/put", s.handlePut)
	mux.HandleFunc("/get", s.handleGet)
	mux.HandleFunc("/delete", s.handleDelete)
	mux.HandleFunc("/status", s.handleStatus)

	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins serving and blocks until the server stops or errors.
func (s *Server) Start() error {
	log.WithComponent("frontend").Info().Str("addr", s.http.Addr).Msg("http front end listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("frontend: serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type putRequest struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	ClientID string `json:"client_id"`
	Seq      uint64 `json:"seq"`
}

type deleteRequest struct {
	Key      string `json:"key"`
	ClientID string `json:"client_id"`
	Seq      uint64 `json:"seq"`
}

type errorResponse struct {
	Error       string `json:"error"`
	LeaderHint  string `json:"leader_hint,omitempty"`
	NotLeader   bool   `json:"not_leader,omitempty"`
	CommitRetry bool   `json:"commit_retry,omitempty"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FrontEndRequestDuration, "put")

	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "put", http.StatusBadRequest, err)
		return
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	cmd := &kvstore.Command{Op: kvstore.OpPut, Key: req.Key, Value: req.Value, ClientID: req.ClientID, Seq: req.Seq}
	s.propose(w, "put", cmd)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FrontEndRequestDuration, "delete")

	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "delete", http.StatusBadRequest, err)
		return
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	cmd := &kvstore.Command{Op: kvstore.OpDelete, Key: req.Key, ClientID: req.ClientID, Seq: req.Seq}
	s.propose(w, "delete", cmd)
}

func (s *Server) propose(w http.ResponseWriter, method string, cmd *kvstore.Command) {
	encoded, err := cmd.Encode()
	if err != nil {
		s.writeError(w, method, http.StatusInternalServerError, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), proposeTimeout)
	defer cancel()

	resp, err := s.node.Propose(ctx, encoded)
	if err != nil {
		s.writeProposeError(w, method, err)
		return
	}

	metrics.FrontEndRequestsTotal.WithLabelValues(method, "200").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.Write(resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FrontEndRequestDuration, "get")

	key := r.URL.Query().Get("key")
	consistency := raft.ReadIndex
	if r.URL.Query().Get("consistency") == "lease" {
		consistency = raft.LeaseRead
	}

	ctx, cancel := context.WithTimeout(context.Background(), proposeTimeout)
	defer cancel()

	var value string
	var found bool
	err := s.node.Read(ctx, consistency, func() {
		value, found = s.store.Get(key)
	})
	if err != nil {
		s.writeProposeError(w, "get", err)
		return
	}

	metrics.FrontEndRequestsTotal.WithLabelValues("get", "200").Inc()
	resp := kvstore.Response{OK: true, Value: value, Found: found}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type statusResponse struct {
	IsLeader bool   `json:"is_leader"`
	Term     uint64 `json:"term"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{IsLeader: s.node.IsLeader(), Term: s.node.Term()})
}

func (s *Server) writeProposeError(w http.ResponseWriter, method string, err error) {
	if raft.IsNotLeader(err) {
		var hint string
		var nle *raft.NotLeaderError
		if errors.As(err, &nle) {
			hint = nle.Hint
		}
		metrics.FrontEndRequestsTotal.WithLabelValues(method, "421").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(421) // Misdirected Request: client should retry against the hinted leader
		json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), NotLeader: true, LeaderHint: hint})
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, raft.ErrCommitTimeout) {
		metrics.FrontEndRequestsTotal.WithLabelValues(method, "504").Inc()
		w.WriteHeader(http.StatusGatewayTimeout)
		json.NewEncoder(w).Encode(errorResponse{Error: "commit timed out, retry is safe with the same client_id/seq", CommitRetry: true})
		return
	}
	s.writeError(w, method, http.StatusInternalServerError, err)
}

func (s *Server) writeError(w http.ResponseWriter, method string, status int, err error) {
	metrics.FrontEndRequestsTotal.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}
