// Package server exposes the coordination core over HTTP/JSON: the
// client-facing API, the raft RPC endpoints peers call, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coordd/coordd/internal/csm"
	"github.com/coordd/coordd/internal/metrics"
	"github.com/coordd/coordd/internal/node"
	"github.com/coordd/coordd/internal/raft"
	"github.com/coordd/coordd/pkg/types"
)

const requestTimeout = 10 * time.Second

// Server routes HTTP requests into the node.
type Server struct {
	node      *node.Node
	collector *metrics.Collector
	logger    *slog.Logger
}

// New creates a Server for a node.
func New(n *node.Node, collector *metrics.Collector) *Server {
	return &Server{
		node:      n,
		collector: collector,
		logger:    slog.With("component", "server"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("POST /sessions", s.handleRegisterSession)
	mux.HandleFunc("POST /sessions/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeregister)
	mux.HandleFunc("GET /sessions", s.handleListSessions)

	// Tasks
	mux.HandleFunc("POST /tasks", s.handleEnqueueTask)
	mux.HandleFunc("POST /tasks/claim", s.handleClaimTask)
	mux.HandleFunc("POST /tasks/{id}/renew", s.handleRenewClaim)
	mux.HandleFunc("POST /tasks/{id}/complete", s.handleCompleteTask)
	mux.HandleFunc("POST /tasks/{id}/fail", s.handleFailTask)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /tasks", s.handleListTasks)

	// Locks
	mux.HandleFunc("POST /locks/{key}/acquire", s.handleAcquireLock)
	mux.HandleFunc("POST /locks/{key}/renew", s.handleRenewLock)
	mux.HandleFunc("POST /locks/{key}/release", s.handleReleaseLock)

	// Cluster
	mux.HandleFunc("GET /cluster/status", s.handleClusterStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Raft peer RPCs
	mux.HandleFunc("POST "+raft.RequestVotePath, s.handleRequestVote)
	mux.HandleFunc("POST "+raft.AppendEntriesPath, s.handleAppendEntries)
	mux.HandleFunc("POST "+raft.InstallSnapshotPath, s.handleInstallSnapshot)

	if s.collector != nil {
		mux.Handle("GET /metrics", s.collector.Handler())
	}

	return mux
}

// errorBody is the JSON error envelope. LeaderHint is set on not_leader
// so clients can re-resolve without an extra round trip.
type errorBody struct {
	Code       types.Code `json:"code"`
	Message    string     `json:"message,omitempty"`
	LeaderHint string     `json:"leader_hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: types.CodeInvalidCommand, Message: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

// submit proposes a command and translates infrastructure errors. It
// returns ok=false after writing the error response.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, cmdType csm.CommandType, payload any) (csm.Result, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	result, err := s.node.Submit(ctx, cmdType, payload)
	if err != nil {
		var notLeader *node.NotLeaderError
		switch {
		case errors.As(err, &notLeader):
			writeJSON(w, http.StatusMisdirectedRequest, errorBody{
				Code:       types.CodeNotLeader,
				Message:    err.Error(),
				LeaderHint: notLeader.LeaderHint,
			})
		case errors.Is(err, node.ErrQuorumLost):
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: types.CodeQuorumLost, Message: err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, errorBody{Message: err.Error()})
		}
		return csm.Result{}, false
	}
	return result, true
}

// statusFor maps domain result codes onto HTTP statuses.
func statusFor(code types.Code) int {
	switch code {
	case types.CodeOK:
		return http.StatusOK
	case types.CodeDuplicateSession:
		return http.StatusConflict
	case types.CodeUnknownSession, types.CodeUnknownTask:
		return http.StatusNotFound
	case types.CodeNoTaskAvailable:
		return http.StatusNoContent
	case types.CodeNotOwner:
		return http.StatusForbidden
	case types.CodeAlreadyLocked:
		return http.StatusLocked
	case types.CodeInvalidCommand:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
