// Package client is the gateway library for the coordination core. It
// hides cluster topology behind a single handle: calls go to the node
// the client believes leads, and on a not_leader redirect the client
// follows the hint (or re-resolves via cluster status) and retries with
// bounded backoff.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coordd/coordd/pkg/types"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 5
	backoffBase        = 100 * time.Millisecond
	backoffCap         = 2 * time.Second
)

// APIError is a non-retryable domain error returned by the cluster.
type APIError struct {
	Code    types.Code
	Message string
	Status  int
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

// ErrNoTask is returned by ClaimTask when no claimable task exists.
var ErrNoTask = errors.New("no claimable task available")

// Options tune client behavior. The zero value uses sensible defaults.
type Options struct {
	// Timeout bounds each individual HTTP request.
	Timeout time.Duration
	// MaxAttempts caps retries for retryable failures (not_leader,
	// quorum_lost, transport errors).
	MaxAttempts int
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client is a cluster-aware HTTP client. It is safe for concurrent use.
type Client struct {
	httpc       *http.Client
	maxAttempts int

	mu      sync.Mutex
	nodes   []string
	leader  string
	nextIdx int
}

// New creates a client seeded with one or more node addresses
// (host:port). At least one address is required.
func New(nodes []string, opts Options) (*Client, error) {
	if len(nodes) == 0 {
		return nil, errors.New("client: at least one node address required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: timeout}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Client{
		httpc:       httpc,
		maxAttempts: maxAttempts,
		nodes:       append([]string(nil), nodes...),
	}, nil
}

// target returns the address the next request should go to: the known
// leader if there is one, otherwise the seed nodes round-robin.
func (c *Client) target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader != "" {
		return c.leader
	}
	addr := c.nodes[c.nextIdx%len(c.nodes)]
	c.nextIdx++
	return addr
}

// setLeader records a leader hint. An empty hint clears the cached
// leader so the next attempt rotates through the seeds.
func (c *Client) setLeader(addr string) {
	c.mu.Lock()
	c.leader = addr
	c.mu.Unlock()
}

type errorEnvelope struct {
	Code       types.Code `json:"code"`
	Message    string     `json:"message"`
	LeaderHint string     `json:"leader_hint"`
}

// do runs one request with redirect-follow and retry. Retries are safe
// for idempotent operations; ClaimTask documents its own caveat.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}

		addr := c.target()
		retryable, err := c.doOnce(ctx, addr, method, path, encoded, out)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("gave up after %d attempts: %w", c.maxAttempts, lastErr)
}

// doOnce performs a single HTTP exchange. The bool result reports
// whether the error is worth retrying.
func (c *Client) doOnce(ctx context.Context, addr, method, path string, body []byte, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, reader)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		// Transport failure. Forget the leader and try another node.
		c.setLeader("")
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return false, ErrNoTask
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return false, fmt.Errorf("decode response: %w", err)
			}
		}
		return false, nil
	}

	var envelope errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		c.setLeader("")
		return true, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	switch envelope.Code {
	case types.CodeNotLeader:
		c.setLeader(envelope.LeaderHint)
		return true, fmt.Errorf("not leader (hint %q)", envelope.LeaderHint)
	case types.CodeQuorumLost:
		c.setLeader("")
		return true, errors.New("quorum lost")
	}

	return false, &APIError{Code: envelope.Code, Message: envelope.Message, Status: resp.StatusCode}
}

// sleepBackoff waits an exponential backoff with 20% jitter, capped.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := backoffBase << (attempt - 1)
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(2*int64(d)/5+1)) - d/5
	timer := time.NewTimer(d + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// RegisterSessionRequest describes a new worker session.
type RegisterSessionRequest struct {
	ID       string `json:"id"`
	Tier     string `json:"tier"`
	Provider string `json:"provider"`
	Capacity int    `json:"capacity"`
}

// RegisterSession registers a worker session with the cluster.
func (c *Client) RegisterSession(ctx context.Context, req RegisterSessionRequest) (*types.Session, error) {
	var session types.Session
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Heartbeat reports liveness for a session. Safe to retry blindly.
func (c *Client) Heartbeat(ctx context.Context, sessionID string) (*types.Session, error) {
	var session types.Session
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/heartbeat", struct{}{}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Deregister removes a session. Its claimed tasks are requeued.
func (c *Client) Deregister(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil)
}

// ListSessions returns the sessions known to the contacted node. The
// view may be slightly stale when served by a follower.
func (c *Client) ListSessions(ctx context.Context) ([]*types.Session, error) {
	var sessions []*types.Session
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// EnqueueTaskRequest describes work to enqueue. If IdempotencyKey is
// empty the client generates one, which makes blind retries safe: the
// cluster deduplicates on the key, so a retry after a timeout can never
// enqueue the task twice.
type EnqueueTaskRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Type           string `json:"type"`
	Priority       int    `json:"priority"`
	PayloadRef     string `json:"payloadRef"`
	MaxAttempts    int    `json:"maxAttempts"`
}

// EnqueueTask adds a task to the replicated queue.
func (c *Client) EnqueueTask(ctx context.Context, req EnqueueTaskRequest) (*types.Task, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	var task types.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ClaimTask asks the cluster to assign the highest-priority claimable
// task to the session. Returns ErrNoTask when the queue has nothing
// claimable.
//
// Claim is NOT blindly retry-safe: if a claim request times out it may
// still have committed, leaving the task claimed by this session. After
// a timeout the caller should list its session's tasks (or GetTask) and
// reconcile before claiming again.
func (c *Client) ClaimTask(ctx context.Context, sessionID string) (*types.Task, error) {
	var task types.Task
	err := c.do(ctx, http.MethodPost, "/tasks/claim", struct {
		SessionID string `json:"sessionId"`
	}{sessionID}, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// RenewClaim extends the claim deadline and marks the task in progress.
func (c *Client) RenewClaim(ctx context.Context, sessionID, taskID string) (*types.Task, error) {
	return c.taskOp(ctx, "/tasks/"+url.PathEscape(taskID)+"/renew", taskOpRequest{SessionID: sessionID})
}

// CompleteTask records a successful result for a claimed task.
func (c *Client) CompleteTask(ctx context.Context, sessionID, taskID, result string) (*types.Task, error) {
	return c.taskOp(ctx, "/tasks/"+url.PathEscape(taskID)+"/complete", taskOpRequest{SessionID: sessionID, Result: result})
}

// FailTask reports failure. The cluster requeues the task with backoff
// until its attempts are exhausted.
func (c *Client) FailTask(ctx context.Context, sessionID, taskID, reason string) (*types.Task, error) {
	return c.taskOp(ctx, "/tasks/"+url.PathEscape(taskID)+"/fail", taskOpRequest{SessionID: sessionID, Reason: reason})
}

type taskOpRequest struct {
	SessionID string `json:"sessionId"`
	Result    string `json:"result,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (c *Client) taskOp(ctx context.Context, path string, req taskOpRequest) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodPost, path, req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask fetches one task by ID.
func (c *Client) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var task types.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns all tasks known to the contacted node.
func (c *Client) ListTasks(ctx context.Context) ([]*types.Task, error) {
	var tasks []*types.Task
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ---------------------------------------------------------------------------
// Locks
// ---------------------------------------------------------------------------

type lockOpRequest struct {
	SessionID  string `json:"sessionId"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
}

// AcquireLock attempts to take the named lock for a session. The
// returned lock carries the fencing token downstream systems should
// check. ttl of zero uses the server default.
func (c *Client) AcquireLock(ctx context.Context, key, sessionID string, ttl time.Duration) (*types.Lock, error) {
	return c.lockOp(ctx, key, "acquire", sessionID, ttl)
}

// RenewLock extends a held lock without changing its fencing token.
func (c *Client) RenewLock(ctx context.Context, key, sessionID string, ttl time.Duration) (*types.Lock, error) {
	return c.lockOp(ctx, key, "renew", sessionID, ttl)
}

// ReleaseLock releases a held lock. Releasing an already-expired or
// absent lock succeeds.
func (c *Client) ReleaseLock(ctx context.Context, key, sessionID string) error {
	_, err := c.lockOp(ctx, key, "release", sessionID, 0)
	return err
}

// lockOp builds the lock route. Keys are routinely path-like ("srv/shared"),
// so the key must travel as a single escaped segment.
func (c *Client) lockOp(ctx context.Context, key, action, sessionID string, ttl time.Duration) (*types.Lock, error) {
	var lock types.Lock
	req := lockOpRequest{SessionID: sessionID, TTLSeconds: int64(ttl / time.Second)}
	path := "/locks/" + url.PathEscape(key) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, req, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// ---------------------------------------------------------------------------
// Cluster
// ---------------------------------------------------------------------------

// ClusterStatus fetches the contacted node's view of the cluster and
// refreshes the cached leader.
func (c *Client) ClusterStatus(ctx context.Context) (*types.ClusterStatus, error) {
	var status types.ClusterStatus
	if err := c.do(ctx, http.MethodGet, "/cluster/status", nil, &status); err != nil {
		return nil, err
	}
	if status.Leader != "" {
		c.setLeader(status.Leader)
	}
	return &status, nil
}
