package raft

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Paths for the peer RPC endpoints, mounted by internal/server.
const (
	RequestVotePath     = "/raft/request-vote"
	AppendEntriesPath   = "/raft/append-entries"
	InstallSnapshotPath = "/raft/install-snapshot"
)

// HTTPTransport implements Transport over HTTP/JSON. Peer addresses are
// host:port strings.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates an HTTPTransport. RPC timeouts are short: a
// slow peer is treated the same as an unreachable one.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 150 * time.Millisecond
	}
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
	}
}

// SendRequestVote sends a RequestVote RPC to a peer.
func (t *HTTPTransport) SendRequestVote(peer string, args *RequestVoteArgs) (*RequestVoteReply, error) {
	var reply RequestVoteReply
	if err := t.post(peer, RequestVotePath, args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// SendAppendEntries sends an AppendEntries RPC to a peer.
func (t *HTTPTransport) SendAppendEntries(peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	var reply AppendEntriesReply
	if err := t.post(peer, AppendEntriesPath, args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// SendInstallSnapshot sends an InstallSnapshot RPC to a peer.
func (t *HTTPTransport) SendInstallSnapshot(peer string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error) {
	var reply InstallSnapshotReply
	if err := t.post(peer, InstallSnapshotPath, args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (t *HTTPTransport) post(peer, path string, args, reply any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", path, err)
	}

	resp, err := t.client.Post("http://"+peer+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc to peer %s: %w", peer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc to peer %s: status %d", peer, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(reply)
}
