package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordd/coordd/pkg/types"
)

// addr strips the scheme from an httptest server URL so it matches the
// host:port form the client expects.
func addr(ts *httptest.Server) string {
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestFollowsLeaderHint(t *testing.T) {
	var leaderHits atomic.Int32

	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		leaderHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.Session{ID: "w1", Status: types.SessionIdle})
	}))
	defer leader.Close()

	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMisdirectedRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"code":        string(types.CodeNotLeader),
			"leader_hint": addr(leader),
		})
	}))
	defer follower.Close()

	c, err := New([]string{addr(follower)}, Options{})
	require.NoError(t, err)

	session, err := c.Heartbeat(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionID("w1"), session.ID)
	assert.Equal(t, int32(1), leaderHits.Load())

	// The leader is cached: the next call skips the follower entirely.
	_, err = c.Heartbeat(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), leaderHits.Load())
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"code": string(types.CodeQuorumLost)})
	}))
	defer ts.Close()

	c, err := New([]string{addr(ts)}, Options{MaxAttempts: 3})
	require.NoError(t, err)

	_, err = c.Heartbeat(context.Background(), "w1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.Equal(t, int32(3), hits.Load())
}

func TestDomainErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"code": string(types.CodeUnknownSession)})
	}))
	defer ts.Close()

	c, err := New([]string{addr(ts)}, Options{})
	require.NoError(t, err)

	_, err = c.Heartbeat(context.Background(), "ghost")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, types.CodeUnknownSession, apiErr.Code)
	assert.Equal(t, int32(1), hits.Load(), "domain errors must not burn retries")
}

func TestRotatesSeedsOnTransportFailure(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.ClusterStatus{NodeID: "node-1", Leader: "node-1"})
	}))
	defer up.Close()

	// First seed is a dead address; the client should fall through to the
	// live one.
	c, err := New([]string{"127.0.0.1:1", addr(up)}, Options{Timeout: 500 * time.Millisecond})
	require.NoError(t, err)

	status, err := c.ClusterStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node-1", status.NodeID)
}

func TestClaimTaskNoContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c, err := New([]string{addr(ts)}, Options{})
	require.NoError(t, err)

	_, err = c.ClaimTask(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrNoTask)
}

func TestEnqueueGeneratesIdempotencyKey(t *testing.T) {
	var seenKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req EnqueueTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		seenKey = req.IdempotencyKey
		json.NewEncoder(w).Encode(types.Task{ID: types.TaskID(req.IdempotencyKey)})
	}))
	defer ts.Close()

	c, err := New([]string{addr(ts)}, Options{})
	require.NoError(t, err)

	task, err := c.EnqueueTask(context.Background(), EnqueueTaskRequest{Type: "work"})
	require.NoError(t, err)
	assert.NotEmpty(t, seenKey, "client must fill in a key for blind-retry safety")
	assert.Equal(t, types.TaskID(seenKey), task.ID)
}

func TestLockKeysMayContainSlashes(t *testing.T) {
	// Lock keys are routinely directory paths. The mux must see them as a
	// single escaped segment, not extra path components.
	mux := http.NewServeMux()
	var gotKey string
	mux.HandleFunc("POST /locks/{key}/acquire", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.PathValue("key")
		json.NewEncoder(w).Encode(types.Lock{Key: gotKey, Owner: "w1", FencingToken: 1})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c, err := New([]string{addr(ts)}, Options{})
	require.NoError(t, err)

	lock, err := c.AcquireLock(context.Background(), "srv/shared", "w1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "srv/shared", gotKey)
	assert.Equal(t, "srv/shared", lock.Key)
}

func TestContextCancelStopsRetries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"code": string(types.CodeQuorumLost)})
	}))
	defer ts.Close()

	c, err := New([]string{addr(ts)}, Options{MaxAttempts: 10})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Heartbeat(ctx, "w1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewRequiresSeeds(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)
}
