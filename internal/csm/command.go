package csm

import (
	"encoding/json"

	"github.com/coordd/coordd/pkg/types"
)

// CommandType identifies the type of a replicated command.
type CommandType string

const (
	CmdRegisterSession CommandType = "REGISTER_SESSION"
	CmdHeartbeat       CommandType = "HEARTBEAT"
	CmdDeregister      CommandType = "DEREGISTER"
	CmdMarkFailed      CommandType = "MARK_FAILED"

	CmdEnqueueTask  CommandType = "ENQUEUE_TASK"
	CmdClaimTask    CommandType = "CLAIM_TASK"
	CmdRenewClaim   CommandType = "RENEW_CLAIM"
	CmdCompleteTask CommandType = "COMPLETE_TASK"
	CmdFailTask     CommandType = "FAIL_TASK"

	CmdAcquireLock CommandType = "ACQUIRE_LOCK"
	CmdRenewLock   CommandType = "RENEW_LOCK"
	CmdReleaseLock CommandType = "RELEASE_LOCK"

	// Leader sweep commands. The sweeps propose these through the normal
	// consensus path instead of touching state directly.
	CmdExpireClaims CommandType = "EXPIRE_CLAIMS"
	CmdPrune        CommandType = "PRUNE"
)

// Command is the envelope serialized into the replicated log.
//
// NowMs is the logical timestamp the leader captures at propose time. All
// TTL arithmetic inside Apply uses NowMs, never the local clock, so every
// replica computes the same result.
type Command struct {
	Type    CommandType     `json:"type"`
	NowMs   int64           `json:"now_ms"`
	Payload json.RawMessage `json:"payload"`
}

// RegisterSessionPayload creates or resurrects a session row.
type RegisterSessionPayload struct {
	ID       types.SessionID `json:"id"`
	Tier     string          `json:"tier"`
	Provider string          `json:"provider"`
	Capacity int             `json:"capacity"`
}

// SessionPayload targets a single session.
type SessionPayload struct {
	ID types.SessionID `json:"id"`
}

// EnqueueTaskPayload creates a task unless its idempotency key is known.
type EnqueueTaskPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	Type           string `json:"type"`
	Priority       int    `json:"priority"`
	PayloadRef     string `json:"payload_ref"`
	MaxAttempts    int    `json:"max_attempts"`
}

// ClaimTaskPayload asks for the best claimable task for a session.
type ClaimTaskPayload struct {
	SessionID  types.SessionID `json:"session_id"`
	ClaimTTLMs int64           `json:"claim_ttl_ms"`
}

// TaskOpPayload targets a task on behalf of its claiming session.
type TaskOpPayload struct {
	SessionID  types.SessionID `json:"session_id"`
	TaskID     types.TaskID    `json:"task_id"`
	ClaimTTLMs int64           `json:"claim_ttl_ms,omitempty"`
	Result     string          `json:"result,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// LockOpPayload targets a named lock on behalf of a session.
type LockOpPayload struct {
	Key       string          `json:"key"`
	SessionID types.SessionID `json:"session_id"`
	TTLMs     int64           `json:"ttl_ms,omitempty"`
}

// PrunePayload removes terminal tasks, long-failed sessions, and expired
// locks older than the given retention windows.
type PrunePayload struct {
	TaskRetentionMs    int64 `json:"task_retention_ms"`
	SessionRetentionMs int64 `json:"session_retention_ms"`
}

// Encode wraps a payload into a serialized command envelope.
func Encode(cmdType CommandType, nowMs int64, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Type: cmdType, NowMs: nowMs, Payload: raw})
}
