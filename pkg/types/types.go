// Package types defines the domain model shared by the coordination core
// and its clients: worker sessions, tasks, and resource locks.
//
// All timestamps are Unix milliseconds. TTL-sensitive fields are compared
// against the logical time the leader stamps into each command, never
// against a replica's local clock, so that every node applying the same
// log arrives at the same state.
package types

// SessionID identifies a registered worker process.
type SessionID string

// TaskID identifies a unit of work. It equals the caller-supplied
// idempotency key when one is given.
type TaskID string

// SessionStatus is the lifecycle state of a worker session.
type SessionStatus string

const (
	SessionIdle     SessionStatus = "idle"
	SessionBusy     SessionStatus = "busy"
	SessionDraining SessionStatus = "draining"
	SessionFailed   SessionStatus = "failed"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskClaimed        TaskStatus = "claimed"
	TaskInProgress     TaskStatus = "in_progress"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskRetryScheduled TaskStatus = "retry_scheduled"
)

// Session is a registered worker process. Rows are owned by the state
// machine; readers get copies and mutation always goes through a command.
type Session struct {
	ID       SessionID `json:"id"`
	Tier     string    `json:"tier"`
	Provider string    `json:"provider"`

	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	Status             SessionStatus `json:"status"`

	LastHeartbeatAt        int64 `json:"last_heartbeat_at"`
	ConsecutiveFailedBeats int   `json:"consecutive_failed_heartbeats"`

	// ActiveTaskIDs holds the tasks currently claimed by this session.
	// len(ActiveTaskIDs) never exceeds MaxConcurrentTasks.
	ActiveTaskIDs []TaskID `json:"active_task_ids,omitempty"`

	RegisteredAt int64 `json:"registered_at"`
}

// HasTask reports whether the session currently holds taskID.
func (s *Session) HasTask(taskID TaskID) bool {
	for _, id := range s.ActiveTaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// Task is a unit of work. The payload itself lives elsewhere; PayloadRef
// is an opaque reference to it.
type Task struct {
	ID             TaskID `json:"id"`
	IdempotencyKey string `json:"idempotency_key"`
	Type           string `json:"type"`
	Priority       int    `json:"priority"`
	PayloadRef     string `json:"payload_ref"`

	Status         TaskStatus `json:"status"`
	ClaimedBy      SessionID  `json:"claimed_by,omitempty"`
	ClaimExpiresAt *int64     `json:"claim_expires_at,omitempty"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// NotBeforeMs delays re-claiming after a failure. The state machine
	// records it; only claim selection honors it.
	NotBeforeMs int64 `json:"not_before_ms,omitempty"`

	Result     string `json:"result,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`

	CreatedAt        int64 `json:"created_at"`
	LastTransitionAt int64 `json:"last_transition_at"`
}

// Terminal reports whether the task can no longer transition.
func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// Lock is exclusive ownership of a named resource, such as a shared
// directory path. At most one live (non-expired) lock exists per key.
type Lock struct {
	Key       string    `json:"key"`
	Owner     SessionID `json:"owner"`
	ExpiresAt int64     `json:"expires_at"`

	// FencingToken increases on every successful acquire of this key.
	// Callers attach it to side effects on the guarded resource so the
	// resource can reject delayed writes from an evicted owner.
	FencingToken uint64 `json:"fencing_token"`

	AcquiredAt int64 `json:"acquired_at"`
}

// ClusterStatus is the payload of GET /cluster/status.
type ClusterStatus struct {
	NodeID         string   `json:"node_id"`
	Leader         string   `json:"leader"`
	Term           int64    `json:"term"`
	Peers          []string `json:"peers"`
	CommittedIndex int64    `json:"committed_index"`
	AppliedIndex   int64    `json:"applied_index"`
}
