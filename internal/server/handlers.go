package server

import (
	"net/http"

	"github.com/coordd/coordd/internal/csm"
	"github.com/coordd/coordd/internal/raft"
	"github.com/coordd/coordd/pkg/types"
)

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

type registerSessionRequest struct {
	ID       string `json:"id"`
	Tier     string `json:"tier"`
	Provider string `json:"provider"`
	Capacity int    `json:"capacity"`
}

func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	var req registerSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, ok := s.submit(w, r, csm.CmdRegisterSession, csm.RegisterSessionPayload{
		ID:       types.SessionID(req.ID),
		Tier:     req.Tier,
		Provider: req.Provider,
		Capacity: req.Capacity,
	})
	if !ok {
		return
	}

	if result.Code == types.CodeOK {
		writeJSON(w, http.StatusCreated, result.Session)
		return
	}
	writeJSON(w, statusFor(result.Code), errorBody{Code: result.Code, Message: result.Detail})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))

	result, ok := s.submit(w, r, csm.CmdHeartbeat, csm.SessionPayload{ID: id})
	if !ok {
		return
	}

	if result.Code == types.CodeOK {
		writeJSON(w, http.StatusOK, result.Session)
		return
	}
	writeJSON(w, statusFor(result.Code), errorBody{Code: result.Code})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))

	result, ok := s.submit(w, r, csm.CmdDeregister, csm.SessionPayload{ID: id})
	if !ok {
		return
	}

	if result.Code == types.CodeOK {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, statusFor(result.Code), errorBody{Code: result.Code})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	// Served locally; follower responses may be stale.
	writeJSON(w, http.StatusOK, s.node.SM().ListSessions())
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

type enqueueTaskRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Type           string `json:"type"`
	Priority       int    `json:"priority"`
	PayloadRef     string `json:"payloadRef"`
	MaxAttempts    int    `json:"maxAttempts"`
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, ok := s.submit(w, r, csm.CmdEnqueueTask, csm.EnqueueTaskPayload{
		IdempotencyKey: req.IdempotencyKey,
		Type:           req.Type,
		Priority:       req.Priority,
		PayloadRef:     req.PayloadRef,
		MaxAttempts:    req.MaxAttempts,
	})
	if !ok {
		return
	}

	if result.Code == types.CodeOK {
		writeJSON(w, http.StatusOK, result.Task)
		return
	}
	writeJSON(w, statusFor(result.Code), errorBody{Code: result.Code, Message: result.Detail})
}

type claimTaskRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	var req claimTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, ok := s.submit(w, r, csm.CmdClaimTask, csm.ClaimTaskPayload{
		SessionID:  types.SessionID(req.SessionID),
		ClaimTTLMs: s.node.DefaultClaimTTL().Milliseconds(),
	})
	if !ok {
		return
	}

	switch result.Code {
	case types.CodeOK:
		writeJSON(w, http.StatusOK, result.Task)
	case types.CodeNoTaskAvailable:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, statusFor(result.Code), errorBody{Code: result.Code})
	}
}

type taskOpRequest struct {
	SessionID string `json:"sessionId"`
	Result    string `json:"result,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleTaskOp(w http.ResponseWriter, r *http.Request, cmdType csm.CommandType) {
	var req taskOpRequest
	if !decodeBody(w, r, &req) {
		return
	}

	payload := csm.TaskOpPayload{
		SessionID: types.SessionID(req.SessionID),
		TaskID:    types.TaskID(r.PathValue("id")),
		Result:    req.Result,
		Reason:    req.Reason,
	}
	if cmdType == csm.CmdRenewClaim {
		payload.ClaimTTLMs = s.node.DefaultClaimTTL().Milliseconds()
	}

	result, ok := s.submit(w, r, cmdType, payload)
	if !ok {
		return
	}

	if result.Code == types.CodeOK {
		writeJSON(w, http.StatusOK, result.Task)
		return
	}
	writeJSON(w, statusFor(result.Code), errorBody{Code: result.Code})
}

func (s *Server) handleRenewClaim(w http.ResponseWriter, r *http.Request) {
	s.handleTaskOp(w, r, csm.CmdRenewClaim)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	s.handleTaskOp(w, r, csm.CmdCompleteTask)
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	s.handleTaskOp(w, r, csm.CmdFailTask)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.node.SM().GetTask(types.TaskID(r.PathValue("id")))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Code: types.CodeUnknownTask})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.SM().ListTasks())
}

// ---------------------------------------------------------------------------
// Locks
// ---------------------------------------------------------------------------

type lockOpRequest struct {
	SessionID  string `json:"sessionId"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
}

func (s *Server) handleLockOp(w http.ResponseWriter, r *http.Request, cmdType csm.CommandType) {
	var req lockOpRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ttlMs := req.TTLSeconds * 1000
	if ttlMs <= 0 {
		ttlMs = s.node.DefaultLockTTL().Milliseconds()
	}

	result, ok := s.submit(w, r, cmdType, csm.LockOpPayload{
		Key:       r.PathValue("key"),
		SessionID: types.SessionID(req.SessionID),
		TTLMs:     ttlMs,
	})
	if !ok {
		return
	}

	switch result.Code {
	case types.CodeOK:
		writeJSON(w, http.StatusOK, result.Lock)
	case types.CodeAlreadyLocked:
		// Include the current holder so callers can report who won.
		writeJSON(w, http.StatusLocked, struct {
			errorBody
			Lock *types.Lock `json:"lock,omitempty"`
		}{errorBody{Code: result.Code}, result.Lock})
	default:
		writeJSON(w, statusFor(result.Code), errorBody{Code: result.Code})
	}
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	s.handleLockOp(w, r, csm.CmdAcquireLock)
}

func (s *Server) handleRenewLock(w http.ResponseWriter, r *http.Request) {
	s.handleLockOp(w, r, csm.CmdRenewLock)
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	s.handleLockOp(w, r, csm.CmdReleaseLock)
}

// ---------------------------------------------------------------------------
// Cluster
// ---------------------------------------------------------------------------

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Raft peer RPCs
// ---------------------------------------------------------------------------

func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var args raft.RequestVoteArgs
	if !decodeBody(w, r, &args) {
		return
	}

	var reply raft.RequestVoteReply
	s.node.Raft().RequestVote(&args, &reply)
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var args raft.AppendEntriesArgs
	if !decodeBody(w, r, &args) {
		return
	}

	var reply raft.AppendEntriesReply
	s.node.Raft().AppendEntries(&args, &reply)
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleInstallSnapshot(w http.ResponseWriter, r *http.Request) {
	var args raft.InstallSnapshotArgs
	if !decodeBody(w, r, &args) {
		return
	}

	var reply raft.InstallSnapshotReply
	s.node.Raft().InstallSnapshot(&args, &reply)
	writeJSON(w, http.StatusOK, reply)
}
