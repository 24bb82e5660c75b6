package csm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordd/coordd/pkg/types"
)

func populated(t *testing.T) *StateMachine {
	h := newHarness(t)
	h.register("w1", 3, 1000)
	h.register("w2", 3, 1000)
	h.enqueue("t1", 5, 1000)
	h.enqueue("t2", 1, 1000)
	h.claim("w1", 1100)
	h.apply(CmdAcquireLock, 1200, LockOpPayload{Key: "k", SessionID: "w2", TTLMs: 60_000})
	h.apply(CmdReleaseLock, 1300, LockOpPayload{Key: "k", SessionID: "w2"})
	h.apply(CmdAcquireLock, 1400, LockOpPayload{Key: "k", SessionID: "w1", TTLMs: 60_000})
	return h.sm
}

func TestSnapshotRoundTrip(t *testing.T) {
	sm := populated(t)

	data, err := sm.Snapshot()
	require.NoError(t, err)

	restored := New(DefaultConfig())
	require.NoError(t, restored.Restore(data))

	assert.Equal(t, sm.ListSessions(), restored.ListSessions())
	assert.Equal(t, sm.ListTasks(), restored.ListTasks())
	assert.Equal(t, sm.AppliedIndex(), restored.AppliedIndex())

	// The fencing counter must survive: the next acquisition after a
	// restore may not reuse a token.
	raw, err := Encode(CmdReleaseLock, 2000, LockOpPayload{Key: "k", SessionID: "w1"})
	require.NoError(t, err)
	restored.Apply(restored.AppliedIndex()+1, 1, raw)

	raw, err = Encode(CmdAcquireLock, 2100, LockOpPayload{Key: "k", SessionID: "w2", TTLMs: 1000})
	require.NoError(t, err)
	res := restored.Apply(restored.AppliedIndex()+1, 1, raw)
	require.Equal(t, types.CodeOK, res.Code)
	assert.Equal(t, uint64(3), res.Lock.FencingToken)
}

func TestRestoreRebuildsIdempotencyIndex(t *testing.T) {
	sm := populated(t)
	data, err := sm.Snapshot()
	require.NoError(t, err)

	restored := New(DefaultConfig())
	require.NoError(t, restored.Restore(data))

	raw, err := Encode(CmdEnqueueTask, 5000, EnqueueTaskPayload{IdempotencyKey: "t1", Priority: 9})
	require.NoError(t, err)
	res := restored.Apply(restored.AppliedIndex()+1, 1, raw)
	require.Equal(t, types.CodeOK, res.Code)
	assert.Equal(t, 5, res.Task.Priority, "existing task returned, not recreated")
}

func TestRestoreRejectsUnknownSchema(t *testing.T) {
	sm := New(DefaultConfig())
	err := sm.Restore([]byte(`{"schema_version": 99}`))
	assert.Error(t, err)
}
