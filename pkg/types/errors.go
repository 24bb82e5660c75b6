package types

// Code classifies the outcome of a coordination command. Infrastructure
// codes (NotLeader, QuorumLost) are retried transparently by the client
// library; domain codes surface immediately to the caller because they
// indicate a race the caller's logic must handle, not a fault.
type Code string

const (
	CodeOK Code = "ok"

	// Infrastructure: transient, retry against the (new) leader.
	CodeNotLeader  Code = "not_leader"
	CodeQuorumLost Code = "quorum_lost"

	// Domain: surfaced to the caller.
	CodeDuplicateSession Code = "duplicate_session"
	CodeUnknownSession   Code = "unknown_session"
	CodeUnknownTask      Code = "unknown_task"
	CodeNoTaskAvailable  Code = "no_task_available"
	CodeNotOwner         Code = "not_owner"
	CodeAlreadyLocked    Code = "already_locked"
	CodeInvalidCommand   Code = "invalid_command"
)

// Retryable reports whether a client may retry the command blindly
// against the current leader.
func (c Code) Retryable() bool {
	return c == CodeNotLeader || c == CodeQuorumLost
}
