// Package csm implements the coordination state machine: the
// deterministic, snapshot-backed data structure that applies committed
// log entries in order and owns all session, task, and lock state.
//
// Apply is pure with respect to the command sequence: the same commands
// in the same order produce identical state on every node. Commands that
// would violate an invariant (claiming an already-claimed task, acquiring
// a held lock) return a typed failure instead of mutating anything; this
// is how races between sessions are resolved, because exactly one command
// wins at the log-ordering level.
package csm

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/coordd/coordd/pkg/types"
)

// Config holds the tunables that participate in Apply. They must be
// identical on every node in the cluster, which the shared config file
// guarantees.
type Config struct {
	HeartbeatTimeoutMs int64
	RetryBackoffBaseMs int64
	RetryBackoffCapMs  int64
}

// DefaultConfig mirrors the documented defaults: 30s heartbeat timeout,
// retry backoff 500ms doubling per attempt, capped at 30s.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeoutMs: 30_000,
		RetryBackoffBaseMs: 500,
		RetryBackoffCapMs:  30_000,
	}
}

// Result is the outcome of applying one command.
type Result struct {
	Code types.Code `json:"code"`

	Session *types.Session `json:"session,omitempty"`
	Task    *types.Task    `json:"task,omitempty"`
	Lock    *types.Lock    `json:"lock,omitempty"`

	// Detail carries human-facing context, e.g. the reason a command was
	// rejected as invalid.
	Detail string `json:"detail,omitempty"`

	// Expired and Pruned report how many rows a sweep command touched.
	Expired int `json:"expired,omitempty"`
	Pruned  int `json:"pruned,omitempty"`
}

func failure(code types.Code) Result { return Result{Code: code} }

// StateMachine is the authoritative view of sessions, tasks, and locks.
//
// One apply loop per node is the only writer, so Apply itself needs no
// internal coordination; the RWMutex exists for the read-only queries
// served concurrently by the HTTP layer, and readers always receive
// copies, never live rows.
type StateMachine struct {
	mu sync.RWMutex

	cfg Config

	sessions map[types.SessionID]*types.Session
	tasks    map[types.TaskID]*types.Task
	byKey    map[string]types.TaskID
	locks    map[string]*types.Lock

	// fence holds the last fencing token issued per lock key. It survives
	// release so tokens keep increasing across successive acquisitions.
	fence map[string]uint64

	appliedIndex int64
	appliedTerm  int64
}

// New creates an empty state machine.
func New(cfg Config) *StateMachine {
	return &StateMachine{
		cfg:      cfg,
		sessions: make(map[types.SessionID]*types.Session),
		tasks:    make(map[types.TaskID]*types.Task),
		byKey:    make(map[string]types.TaskID),
		locks:    make(map[string]*types.Lock),
		fence:    make(map[string]uint64),
	}
}

// Apply applies one committed command and returns its result. index and
// term identify the log entry being applied.
func (sm *StateMachine) Apply(index, term int64, raw []byte) Result {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.appliedIndex = index
	sm.appliedTerm = term

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Result{Code: types.CodeInvalidCommand, Detail: err.Error()}
	}

	switch cmd.Type {
	case CmdRegisterSession:
		return sm.applyRegisterSession(cmd)
	case CmdHeartbeat:
		return sm.applyHeartbeat(cmd)
	case CmdDeregister:
		return sm.applyDeregister(cmd)
	case CmdMarkFailed:
		return sm.applyMarkFailed(cmd)
	case CmdEnqueueTask:
		return sm.applyEnqueueTask(cmd)
	case CmdClaimTask:
		return sm.applyClaimTask(cmd)
	case CmdRenewClaim:
		return sm.applyRenewClaim(cmd)
	case CmdCompleteTask:
		return sm.applyCompleteTask(cmd)
	case CmdFailTask:
		return sm.applyFailTask(cmd)
	case CmdAcquireLock:
		return sm.applyAcquireLock(cmd)
	case CmdRenewLock:
		return sm.applyRenewLock(cmd)
	case CmdReleaseLock:
		return sm.applyReleaseLock(cmd)
	case CmdExpireClaims:
		return sm.applyExpireClaims(cmd)
	case CmdPrune:
		return sm.applyPrune(cmd)
	default:
		return Result{Code: types.CodeInvalidCommand, Detail: "unknown command type " + string(cmd.Type)}
	}
}

// AppliedIndex returns the index of the last applied entry.
func (sm *StateMachine) AppliedIndex() int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.appliedIndex
}

// AppliedTerm returns the term of the last applied entry.
func (sm *StateMachine) AppliedTerm() int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.appliedTerm
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (sm *StateMachine) applyRegisterSession(cmd Command) Result {
	var p RegisterSessionPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Result{Code: types.CodeInvalidCommand, Detail: err.Error()}
	}
	if p.ID == "" || p.Capacity <= 0 {
		return Result{Code: types.CodeInvalidCommand, Detail: "session id and positive capacity required"}
	}

	if existing, ok := sm.sessions[p.ID]; ok {
		// A crash-restarted worker may re-register over its own failed
		// row; an id that is still live stays exclusive.
		if existing.Status != types.SessionFailed {
			return failure(types.CodeDuplicateSession)
		}
		sm.requeueSessionTasks(existing, cmd.NowMs, "session re-registered")
	}

	s := &types.Session{
		ID:                 p.ID,
		Tier:               p.Tier,
		Provider:           p.Provider,
		MaxConcurrentTasks: p.Capacity,
		Status:             types.SessionIdle,
		LastHeartbeatAt:    cmd.NowMs,
		RegisteredAt:       cmd.NowMs,
	}
	sm.sessions[p.ID] = s
	return Result{Code: types.CodeOK, Session: copySession(s)}
}

func (sm *StateMachine) applyHeartbeat(cmd Command) Result {
	var p SessionPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Result{Code: types.CodeInvalidCommand, Detail: err.Error()}
	}

	s, ok := sm.sessions[p.ID]
	if !ok {
		return failure(types.CodeUnknownSession)
	}

	s.LastHeartbeatAt = cmd.NowMs
	s.ConsecutiveFailedBeats = 0
	if s.Status == types.SessionFailed {
		s.Status = types.SessionIdle
	}
	return Result{Code: types.CodeOK, Session: copySession(s)}
}

func (sm *StateMachine) applyDeregister(cmd Command) Result {
	var p SessionPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Result{Code: types.CodeInvalidCommand, Detail: err.Error()}
	}

	s, ok := sm.sessions[p.ID]
	if !ok {
		return failure(types.CodeUnknownSession)
	}

	sm.requeueSessionTasks(s, cmd.NowMs, "session deregistered")
	sm.releaseSessionLocks(s.ID)
	delete(sm.sessions, p.ID)
	return Result{Code: types.CodeOK}
}

func (sm *StateMachine) applyMarkFailed(cmd Command) Result {
	var p SessionPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Result{Code: types.CodeInvalidCommand, Detail: err.Error()}
	}

	s, ok := sm.sessions[p.ID]
	if !ok {
		return failure(types.CodeUnknownSession)
	}

	s.Status = types.SessionFailed
	s.ConsecutiveFailedBeats++
	sm.requeueSessionTasks(s, cmd.NowMs, "session failed")
	return Result{Code: types.CodeOK, Session: copySession(s)}
}

// requeueSessionTasks returns every task a session holds to the queue,
// applying the same retry accounting as a task failure.
func (sm *StateMachine) requeueSessionTasks(s *types.Session, nowMs int64, reason string) {
	for _, taskID := range s.ActiveTaskIDs {
		t, ok := sm.tasks[taskID]
		if !ok || t.ClaimedBy != s.ID {
			continue
		}
		sm.returnTask(t, nowMs, reason)
	}
	s.ActiveTaskIDs = nil
	if s.Status == types.SessionBusy {
		s.Status = types.SessionIdle
	}
}

// releaseSessionLocks drops every lock a departing session owns.
func (sm *StateMachine) releaseSessionLocks(id types.SessionID) {
	for key, l := range sm.locks {
		if l.Owner == id {
			delete(sm.locks, key)
		}
	}
}

// canTakeTask derives claim eligibility: active, healthy, and below
// capacity. It is a pure function over a session row.
func (sm *StateMachine) canTakeTask(s *types.Session, nowMs int64) bool {
	if s.Status == types.SessionFailed || s.Status == types.SessionDraining {
		return false
	}
	active := nowMs-s.LastHeartbeatAt < sm.cfg.HeartbeatTimeoutMs
	healthy := s.ConsecutiveFailedBeats == 0
	return active && healthy && len(s.ActiveTaskIDs) < s.MaxConcurrentTasks
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func (sm *StateMachine) applyEnqueueTask(cmd Command) Result {
	var p EnqueueTaskPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Result{Code: types.CodeInvalidCommand, Detail: err.Error()}
	}
	if p.IdempotencyKey == "" {
		return Result{Code: types.CodeInvalidCommand, Detail: "idempotency key required"}
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}

	// Idempotent enqueue: re-submitting a known key returns the existing
	// task unchanged. This is what makes blind client retries safe.
	if id, ok := sm.byKey[p.IdempotencyKey]; ok {
		if t, ok := sm.tasks[id]; ok {
			return Result{Code: types.CodeOK, Task: copyTask(t)}
		}
	}

	t := &types.Task{
		ID:               types.TaskID(p.IdempotencyKey),
		IdempotencyKey:   p.IdempotencyKey,
		Type:             p.Type,
		Priority:         p.Priority,
		PayloadRef:       p.PayloadRef,
		Status:           types.TaskPending,
		MaxAttempts:      p.MaxAttempts,
		CreatedAt:        cmd.NowMs,
		LastTransitionAt: cmd.NowMs,
	}
	sm.tasks[t.ID] = t
	sm.byKey[p.IdempotencyKey] = t.ID
	return Result{Code: types.CodeOK, Task: copyTask(t)}
}

func (sm *StateMachine) applyClaimTask(cmd Command) Result {
	var p ClaimTaskPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Result{Code: types.CodeInvalidCommand, Detail: err.Error()}
	}

	s, ok := sm.sessions[p.SessionID]
	if !ok {
		return failure(types.CodeUnknownSession)
	}
	if !sm.canTakeTask(s, cmd.NowMs) {
		return failure(types.CodeNoTaskAvailable)
	}

	t := sm.selectClaimable(cmd.NowMs)
	if t == nil {
		return failure(types.CodeNoTaskAvailable)
	}

	ttl := p.ClaimTTLMs
	if ttl <= 0 {
		ttl = 60_000
	}
	expires := cmd.NowMs + ttl

	t.Status = types.TaskClaimed
	t.ClaimedBy = s.ID
	t.ClaimExpiresAt = &expires
	t.Attempts++
	t.NotBeforeMs = 0
	t.LastTransitionAt = cmd.NowMs

	s.ActiveTaskIDs = append(s.ActiveTaskIDs, t.ID)
	s.Status = types.SessionBusy

	return Result{Code: types.CodeOK, Task: copyTask(t)}
}

// selectClaimable picks the pending task with the highest priority, ties
// broken by oldest CreatedAt then by id so the choice is deterministic on
// every replica.
func (sm *StateMachine) selectClaimable(nowMs int64) *types.Task {
	var best *types.Task
	for _, t := range sm.tasks {
		if t.Status != types.TaskPending || t.NotBeforeMs > nowMs {
			continue
		}
		if best == nil || claimLess(t, best) {
			best = t
		}
	}
	return best
}

// claimLess reports whether a should be claimed before b.
func claimLess(a, b *types.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

func (sm *StateMachine) applyRenewClaim(cmd Command) Result {
	var p TaskOpPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Result{Code: types.CodeInvalidCommand, Detail: err.Error()}
	}

	t, ok := sm.tasks[p.TaskID]
	if !ok {
		return failure(types.CodeUnknownTask)
	}
	if t.ClaimedBy != p.SessionID ||
		(t.Status != types.TaskClaimed && t.Status != types.TaskInProgress) {
		return failure(types.CodeNotOwner)
	}

	ttl := p.ClaimTTLMs
	if ttl <= 0 {
		ttl = 60_000
	}
	expires := cmd.NowMs + ttl
	t.ClaimExpiresAt = &expires
	// The first renewal doubles as the started signal.
	t.Status = types.TaskInProgress
	t.LastTransitionAt = cmd.NowMs

	return Result{Code: types.CodeOK, Task: copyTask(t)}
}

func (sm *StateMachine) applyCompleteTask(cmd Command) Result {
	var p TaskOpPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Result{Code: types.CodeInvalidCommand, Detail: err.Error()}
	}

	t, ok := sm.tasks[p.TaskID]
	if !ok {
		return failure(types.CodeUnknownTask)
	}
	if t.ClaimedBy != p.SessionID ||
		(t.Status != types.TaskClaimed && t.Status != types.TaskInProgress) {
		return failure(types.CodeNotOwner)
	}

	sm.detachTask(t)
	t.Status = types.TaskCompleted
	t.Result = p.Result
	t.ClaimedBy = ""
	t.ClaimExpiresAt = nil
	t.LastTransitionAt = cmd.NowMs

	return Result{Code: types.CodeOK, Task: copyTask(t)}
}

func (sm *StateMachine) applyFailTask(cmd Command) Result {
	var p TaskOpPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Result{Code: types.CodeInvalidCommand, Detail: err.Error()}
	}

	t, ok := sm.tasks[p.TaskID]
	if !ok {
		return failure(types.CodeUnknownTask)
	}
	if t.ClaimedBy != p.SessionID ||
		(t.Status != types.TaskClaimed && t.Status != types.TaskInProgress) {
		return failure(types.CodeNotOwner)
	}

	sm.detachTask(t)
	sm.returnTask(t, cmd.NowMs, p.Reason)

	return Result{Code: types.CodeOK, Task: copyTask(t)}
}

// detachTask removes a task from its claiming session's active set.
func (sm *StateMachine) detachTask(t *types.Task) {
	s, ok := sm.sessions[t.ClaimedBy]
	if !ok {
		return
	}
	active := s.ActiveTaskIDs[:0]
	for _, id := range s.ActiveTaskIDs {
		if id != t.ID {
			active = append(active, id)
		}
	}
	s.ActiveTaskIDs = active
	if len(active) == 0 && s.Status == types.SessionBusy {
		s.Status = types.SessionIdle
	}
}

// returnTask puts a claimed task back into circulation after a failure or
// expiry. Attempts were credited at claim time; exhausting MaxAttempts
// makes the failure terminal, otherwise the task passes through
// retry_scheduled back to pending with an exponential backoff stamp that
// only claim selection honors.
func (sm *StateMachine) returnTask(t *types.Task, nowMs int64, reason string) {
	t.ClaimedBy = ""
	t.ClaimExpiresAt = nil
	t.FailReason = reason
	t.LastTransitionAt = nowMs

	if t.Attempts >= t.MaxAttempts {
		t.Status = types.TaskFailed
		return
	}

	t.Status = types.TaskPending
	t.NotBeforeMs = nowMs + sm.retryBackoff(t.Attempts)
}

func (sm *StateMachine) retryBackoff(attempts int) int64 {
	backoff := sm.cfg.RetryBackoffBaseMs
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= sm.cfg.RetryBackoffCapMs {
			return sm.cfg.RetryBackoffCapMs
		}
	}
	if backoff > sm.cfg.RetryBackoffCapMs {
		backoff = sm.cfg.RetryBackoffCapMs
	}
	return backoff
}

// ---------------------------------------------------------------------------
// Locks
// ---------------------------------------------------------------------------

func (sm *StateMachine) applyAcquireLock(cmd Command) Result {
	var p LockOpPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Result{Code: types.CodeInvalidCommand, Detail: err.Error()}
	}
	if p.Key == "" {
		return Result{Code: types.CodeInvalidCommand, Detail: "lock key required"}
	}
	if _, ok := sm.sessions[p.SessionID]; !ok {
		return failure(types.CodeUnknownSession)
	}

	ttl := p.TTLMs
	if ttl <= 0 {
		ttl = 30_000
	}

	if l, ok := sm.locks[p.Key]; ok && l.ExpiresAt > cmd.NowMs {
		if l.Owner == p.SessionID {
			// Re-acquiring a held lock extends it; the token does not
			// advance because ownership never changed hands.
			l.ExpiresAt = cmd.NowMs + ttl
			return Result{Code: types.CodeOK, Lock: copyLock(l)}
		}
		return Result{Code: types.CodeAlreadyLocked, Lock: copyLock(l)}
	}

	sm.fence[p.Key]++
	l := &types.Lock{
		Key:          p.Key,
		Owner:        p.SessionID,
		ExpiresAt:    cmd.NowMs + ttl,
		FencingToken: sm.fence[p.Key],
		AcquiredAt:   cmd.NowMs,
	}
	sm.locks[p.Key] = l
	return Result{Code: types.CodeOK, Lock: copyLock(l)}
}

func (sm *StateMachine) applyRenewLock(cmd Command) Result {
	var p LockOpPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Result{Code: types.CodeInvalidCommand, Detail: err.Error()}
	}

	l, ok := sm.locks[p.Key]
	if !ok || l.ExpiresAt <= cmd.NowMs || l.Owner != p.SessionID {
		// An expired lock cannot be renewed: the holder must re-acquire
		// and receive a fresh fencing token.
		return failure(types.CodeNotOwner)
	}

	ttl := p.TTLMs
	if ttl <= 0 {
		ttl = 30_000
	}
	l.ExpiresAt = cmd.NowMs + ttl
	return Result{Code: types.CodeOK, Lock: copyLock(l)}
}

func (sm *StateMachine) applyReleaseLock(cmd Command) Result {
	var p LockOpPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Result{Code: types.CodeInvalidCommand, Detail: err.Error()}
	}

	l, ok := sm.locks[p.Key]
	if !ok || l.ExpiresAt <= cmd.NowMs {
		// Releasing a lock that already expired or vanished is not an
		// error; the caller's intent is satisfied.
		delete(sm.locks, p.Key)
		return Result{Code: types.CodeOK}
	}
	if l.Owner != p.SessionID {
		return failure(types.CodeNotOwner)
	}

	delete(sm.locks, p.Key)
	return Result{Code: types.CodeOK}
}

// ---------------------------------------------------------------------------
// Leader sweeps
// ---------------------------------------------------------------------------

// applyExpireClaims treats every lapsed claim as an internally triggered
// task failure. A crashed worker cannot strand a task forever.
func (sm *StateMachine) applyExpireClaims(cmd Command) Result {
	expired := 0
	for _, t := range sm.tasks {
		if t.Status != types.TaskClaimed && t.Status != types.TaskInProgress {
			continue
		}
		if t.ClaimExpiresAt == nil || *t.ClaimExpiresAt >= cmd.NowMs {
			continue
		}
		sm.detachTask(t)
		sm.returnTask(t, cmd.NowMs, "claim expired")
		expired++
	}
	return Result{Code: types.CodeOK, Expired: expired}
}

// applyPrune removes rows past their retention windows: terminal tasks,
// sessions that stayed failed, and locks that expired.
func (sm *StateMachine) applyPrune(cmd Command) Result {
	var p PrunePayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Result{Code: types.CodeInvalidCommand, Detail: err.Error()}
	}

	pruned := 0
	for id, t := range sm.tasks {
		if t.Terminal() && cmd.NowMs-t.LastTransitionAt > p.TaskRetentionMs {
			delete(sm.tasks, id)
			delete(sm.byKey, t.IdempotencyKey)
			pruned++
		}
	}
	for id, s := range sm.sessions {
		if s.Status == types.SessionFailed && cmd.NowMs-s.LastHeartbeatAt > p.SessionRetentionMs {
			sm.releaseSessionLocks(id)
			delete(sm.sessions, id)
			pruned++
		}
	}
	for key, l := range sm.locks {
		if l.ExpiresAt <= cmd.NowMs {
			delete(sm.locks, key)
			pruned++
		}
	}
	return Result{Code: types.CodeOK, Pruned: pruned}
}

// ---------------------------------------------------------------------------
// Read-only queries (served from any node, possibly stale on followers)
// ---------------------------------------------------------------------------

// GetSession returns a copy of a session row.
func (sm *StateMachine) GetSession(id types.SessionID) (*types.Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	return copySession(s), true
}

// GetTask returns a copy of a task row.
func (sm *StateMachine) GetTask(id types.TaskID) (*types.Task, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	t, ok := sm.tasks[id]
	if !ok {
		return nil, false
	}
	return copyTask(t), true
}

// GetLock returns a copy of a live lock row for key.
func (sm *StateMachine) GetLock(key string) (*types.Lock, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	l, ok := sm.locks[key]
	if !ok {
		return nil, false
	}
	return copyLock(l), true
}

// ListSessions returns copies of all session rows, ordered by id.
func (sm *StateMachine) ListSessions() []*types.Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*types.Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, copySession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListTasks returns copies of all task rows, ordered by id.
func (sm *StateMachine) ListTasks() []*types.Task {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*types.Task, 0, len(sm.tasks))
	for _, t := range sm.tasks {
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns per-state task counts plus session and lock totals.
func (sm *StateMachine) Stats() map[string]int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	stats := map[string]int{
		"sessions": len(sm.sessions),
		"locks":    len(sm.locks),
	}
	for _, t := range sm.tasks {
		stats[string(t.Status)]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// Copy helpers: readers never see live rows.
// ---------------------------------------------------------------------------

func copySession(s *types.Session) *types.Session {
	c := *s
	if s.ActiveTaskIDs != nil {
		c.ActiveTaskIDs = append([]types.TaskID(nil), s.ActiveTaskIDs...)
	}
	return &c
}

func copyTask(t *types.Task) *types.Task {
	c := *t
	if t.ClaimExpiresAt != nil {
		v := *t.ClaimExpiresAt
		c.ClaimExpiresAt = &v
	}
	return &c
}

func copyLock(l *types.Lock) *types.Lock {
	c := *l
	return &c
}
