package raft

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memNetwork routes RPCs between in-process nodes. Disconnected nodes
// simulate a partition: RPCs to and from them fail.
type memNetwork struct {
	mu           sync.Mutex
	nodes        map[string]*Raft
	disconnected map[string]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes:        make(map[string]*Raft),
		disconnected: make(map[string]bool),
	}
}

// memTransport is one node's view of the network.
type memTransport struct {
	net  *memNetwork
	self string
}

func (n *memNetwork) transportFor(id string) *memTransport {
	return &memTransport{net: n, self: id}
}

func (n *memNetwork) add(id string, rf *Raft) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = rf
}

func (n *memNetwork) disconnect(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected[id] = true
}

func (n *memNetwork) reconnect(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.disconnected, id)
}

func (n *memNetwork) isDisconnected(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disconnected[id]
}

func (t *memTransport) reachable(peer string) (*Raft, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if t.net.disconnected[t.self] || t.net.disconnected[peer] {
		return nil, fmt.Errorf("peer %s unreachable", peer)
	}
	rf, ok := t.net.nodes[peer]
	if !ok {
		return nil, fmt.Errorf("no such peer %s", peer)
	}
	return rf, nil
}

func (t *memTransport) SendRequestVote(peer string, args *RequestVoteArgs) (*RequestVoteReply, error) {
	rf, err := t.reachable(peer)
	if err != nil {
		return nil, err
	}
	var reply RequestVoteReply
	rf.RequestVote(args, &reply)
	return &reply, nil
}

func (t *memTransport) SendAppendEntries(peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	rf, err := t.reachable(peer)
	if err != nil {
		return nil, err
	}
	var reply AppendEntriesReply
	rf.AppendEntries(args, &reply)
	return &reply, nil
}

func (t *memTransport) SendInstallSnapshot(peer string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error) {
	rf, err := t.reachable(peer)
	if err != nil {
		return nil, err
	}
	var reply InstallSnapshotReply
	rf.InstallSnapshot(args, &reply)
	return &reply, nil
}

// cluster spins up n in-process nodes sharing one memNetwork.
type cluster struct {
	net     *memNetwork
	nodes   map[string]*Raft
	applyCh map[string]chan ApplyMsg
	ids     []string
}

func newCluster(t *testing.T, n int) *cluster {
	c := &cluster{
		net:     newMemNetwork(),
		nodes:   make(map[string]*Raft),
		applyCh: make(map[string]chan ApplyMsg),
	}
	for i := 0; i < n; i++ {
		c.ids = append(c.ids, fmt.Sprintf("node-%d", i))
	}
	for _, id := range c.ids {
		ch := make(chan ApplyMsg, 1024)
		rf := NewRaft(Config{
			ID:                id,
			Peers:             c.ids,
			ElectionTimeout:   100 * time.Millisecond,
			HeartbeatInterval: 20 * time.Millisecond,
		}, NewMemoryLogStore(), c.net.transportFor(id), ch)
		c.net.add(id, rf)
		c.nodes[id] = rf
		c.applyCh[id] = ch
	}
	for _, rf := range c.nodes {
		rf.Start()
	}
	t.Cleanup(func() {
		for _, rf := range c.nodes {
			rf.Stop()
		}
	})
	return c
}

// waitForLeader blocks until exactly one connected node leads.
func (c *cluster) waitForLeader(t *testing.T) *Raft {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for id, rf := range c.nodes {
			if c.net.isDisconnected(id) {
				continue
			}
			if rf.IsLeader() {
				return rf
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected within deadline")
	return nil
}

func (c *cluster) waitCommitted(t *testing.T, id string, index int64) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.nodes[id].CommitIndex() >= index {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node %s never committed index %d (at %d)", id, index, c.nodes[id].CommitIndex())
}

// drainApplied consumes apply messages until the node has delivered the
// entry at index, so its lastApplied is known to cover it.
func (c *cluster) drainApplied(t *testing.T, id string, index int64) {
	for {
		msg := c.nextApply(t, id)
		if msg.CommandValid && msg.CommandIndex >= index {
			return
		}
	}
}

func (c *cluster) nextApply(t *testing.T, id string) ApplyMsg {
	t.Helper()
	select {
	case msg := <-c.applyCh[id]:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("node %s delivered nothing within deadline", id)
		return ApplyMsg{}
	}
}

func TestSingleNodeCommitsImmediately(t *testing.T) {
	c := newCluster(t, 1)
	leader := c.waitForLeader(t)

	index, term, ok := leader.Propose([]byte("cmd-1"))
	require.True(t, ok)
	assert.Equal(t, int64(1), index)
	assert.GreaterOrEqual(t, term, int64(1))

	select {
	case msg := <-c.applyCh[c.ids[0]]:
		assert.Equal(t, []byte("cmd-1"), msg.Command)
		assert.Equal(t, int64(1), msg.CommandIndex)
	case <-time.After(2 * time.Second):
		t.Fatal("committed entry never applied")
	}
}

func TestThreeNodeElectionAndReplication(t *testing.T) {
	c := newCluster(t, 3)
	leader := c.waitForLeader(t)

	index, _, ok := leader.Propose([]byte("hello"))
	require.True(t, ok)

	for _, id := range c.ids {
		c.waitCommitted(t, id, index)
	}

	// Every node applies the same command at the same index.
	for _, id := range c.ids {
		select {
		case msg := <-c.applyCh[id]:
			assert.Equal(t, []byte("hello"), msg.Command, "node %s", id)
			assert.Equal(t, index, msg.CommandIndex, "node %s", id)
		case <-time.After(2 * time.Second):
			t.Fatalf("node %s never applied the entry", id)
		}
	}
}

func TestProposeOnFollowerRejected(t *testing.T) {
	c := newCluster(t, 3)
	leader := c.waitForLeader(t)

	for id, rf := range c.nodes {
		if id == leader.config.ID {
			continue
		}
		_, _, ok := rf.Propose([]byte("nope"))
		assert.False(t, ok, "follower %s accepted a proposal", id)
	}
}

func TestFailoverPreservesCommittedEntries(t *testing.T) {
	c := newCluster(t, 3)
	leader := c.waitForLeader(t)

	index, _, ok := leader.Propose([]byte("durable"))
	require.True(t, ok)
	for _, id := range c.ids {
		c.waitCommitted(t, id, index)
	}

	// Take the leader out; a new one must emerge and still carry the
	// committed entry.
	oldLeaderID := leader.config.ID
	c.net.disconnect(oldLeaderID)

	var newLeader *Raft
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for id, rf := range c.nodes {
			if id != oldLeaderID && rf.IsLeader() {
				newLeader = rf
			}
		}
		if newLeader != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, newLeader, "no replacement leader elected")

	index2, _, ok := newLeader.Propose([]byte("after-failover"))
	require.True(t, ok)
	require.Greater(t, index2, index)

	for _, id := range c.ids {
		if id == oldLeaderID {
			continue
		}
		c.waitCommitted(t, id, index2)
	}
}

func TestDeposedLeaderStepsDown(t *testing.T) {
	c := newCluster(t, 3)
	leader := c.waitForLeader(t)
	leaderID := leader.config.ID

	c.net.disconnect(leaderID)

	// Without a quorum the old leader must stop accepting writes.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !leader.IsLeader() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, leader.IsLeader(), "partitioned leader kept leading")

	// After rejoining it follows the new leader.
	c.net.reconnect(leaderID)
	newLeader := c.waitForLeader(t)

	index, _, ok := newLeader.Propose([]byte("post-heal"))
	require.True(t, ok)
	c.waitCommitted(t, leaderID, index)
}

func TestVoteRejectsStaleLog(t *testing.T) {
	store := NewMemoryLogStore()
	store.StoreLog(&LogEntry{Term: 3, Index: 1, Command: []byte("x")})

	rf := NewRaft(Config{
		ID:                "voter",
		Peers:             []string{"voter", "candidate"},
		ElectionTimeout:   time.Hour,
		HeartbeatInterval: time.Hour,
	}, store, nil, make(chan ApplyMsg, 1))
	rf.currentTerm = 3

	var reply RequestVoteReply
	rf.RequestVote(&RequestVoteArgs{
		Term: 4, CandidateID: "candidate", LastLogIndex: 1, LastLogTerm: 2,
	}, &reply)
	assert.False(t, reply.VoteGranted, "granted vote to candidate with stale log")

	rf.RequestVote(&RequestVoteArgs{
		Term: 5, CandidateID: "candidate", LastLogIndex: 1, LastLogTerm: 3,
	}, &reply)
	assert.True(t, reply.VoteGranted)
}

func TestAppendEntriesRejectsInconsistentPrev(t *testing.T) {
	store := NewMemoryLogStore()
	store.StoreLog(&LogEntry{Term: 1, Index: 1, Command: []byte("a")})

	rf := NewRaft(Config{
		ID:                "f",
		Peers:             []string{"f", "l"},
		ElectionTimeout:   time.Hour,
		HeartbeatInterval: time.Hour,
	}, store, nil, make(chan ApplyMsg, 1))
	rf.currentTerm = 2

	var reply AppendEntriesReply
	rf.AppendEntries(&AppendEntriesArgs{
		Term: 2, LeaderID: "l", PrevLogIndex: 5, PrevLogTerm: 2,
	}, &reply)
	assert.False(t, reply.Success, "accepted entries despite missing prev entry")

	rf.AppendEntries(&AppendEntriesArgs{
		Term: 2, LeaderID: "l", PrevLogIndex: 1, PrevLogTerm: 1,
		Entries: []LogEntry{{Term: 2, Index: 2, Command: []byte("b")}},
	}, &reply)
	assert.True(t, reply.Success)

	entry, err := store.GetLog(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), entry.Command)
}

func TestSnapshotInstallCatchesUpLaggingFollower(t *testing.T) {
	c := newCluster(t, 3)
	leader := c.waitForLeader(t)
	leaderID := leader.config.ID

	var followerID, otherID string
	for _, id := range c.ids {
		if id == leaderID {
			continue
		}
		if followerID == "" {
			followerID = id
		} else {
			otherID = id
		}
	}
	c.net.disconnect(followerID)

	var last int64
	for i := 0; i < 6; i++ {
		index, _, ok := leader.Propose([]byte(fmt.Sprintf("cmd-%d", i)))
		require.True(t, ok)
		last = index
	}
	c.waitCommitted(t, leaderID, last)
	c.drainApplied(t, leaderID, last)
	c.waitCommitted(t, otherID, last)
	c.drainApplied(t, otherID, last)

	// Compact both connected nodes past everything the partitioned
	// follower has. Log entries alone can no longer catch it up, whoever
	// leads once it rejoins.
	leader.Snapshot(last, []byte("image-through-6"))
	c.nodes[otherID].Snapshot(last, []byte("image-through-6"))

	index, _, ok := leader.Propose([]byte("post-compaction"))
	require.True(t, ok)
	c.waitCommitted(t, leaderID, index)
	c.waitCommitted(t, otherID, index)

	c.net.reconnect(followerID)
	c.waitCommitted(t, followerID, index)

	// The follower converges via a snapshot install first, then ordinary
	// replication for the entries that came after the compaction point.
	msg := c.nextApply(t, followerID)
	require.True(t, msg.SnapshotValid, "expected a snapshot before any entry, got %+v", msg)
	assert.Equal(t, []byte("image-through-6"), msg.Snapshot)
	assert.Equal(t, last, msg.SnapshotIndex)

	msg = c.nextApply(t, followerID)
	require.True(t, msg.CommandValid)
	assert.Equal(t, []byte("post-compaction"), msg.Command)
	assert.Equal(t, index, msg.CommandIndex)
}

func TestAppendEntriesNeverLowersCommitIndex(t *testing.T) {
	store := NewMemoryLogStore()
	for i := int64(1); i <= 3; i++ {
		store.StoreLog(&LogEntry{Term: 1, Index: i, Command: []byte("x")})
	}

	rf := NewRaft(Config{
		ID:                "f",
		Peers:             []string{"f", "l"},
		ElectionTimeout:   time.Hour,
		HeartbeatInterval: time.Hour,
	}, store, nil, make(chan ApplyMsg, 1))
	rf.currentTerm = 1
	rf.commitIndex = 3

	// A bare heartbeat at prev 0 proves nothing about entries this node
	// already committed; commitIndex must hold.
	var reply AppendEntriesReply
	rf.AppendEntries(&AppendEntriesArgs{
		Term: 1, LeaderID: "l", PrevLogIndex: 0, PrevLogTerm: 0, LeaderCommit: 5,
	}, &reply)
	require.True(t, reply.Success)
	assert.Equal(t, int64(3), rf.CommitIndex())
}

// flakyLogStore fails appends on demand.
type flakyLogStore struct {
	*MemoryLogStore
	fail bool
}

func (s *flakyLogStore) StoreLog(entry *LogEntry) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryLogStore.StoreLog(entry)
}

func TestProposeRejectedWhenLogAppendFails(t *testing.T) {
	store := &flakyLogStore{MemoryLogStore: NewMemoryLogStore()}
	rf := NewRaft(Config{
		ID:                "l",
		Peers:             []string{"l"},
		ElectionTimeout:   time.Hour,
		HeartbeatInterval: time.Hour,
	}, store, nil, make(chan ApplyMsg, 1))
	rf.state = Leader
	rf.currentTerm = 1

	store.fail = true
	_, _, ok := rf.Propose([]byte("lost"))
	assert.False(t, ok, "proposal accepted despite log append failure")

	store.fail = false
	index, _, ok := rf.Propose([]byte("kept"))
	require.True(t, ok)
	assert.Equal(t, int64(1), index, "failed proposal must not consume an index")
}

func TestAppendEntriesRejectedWhenStoreFails(t *testing.T) {
	store := &flakyLogStore{MemoryLogStore: NewMemoryLogStore(), fail: true}
	rf := NewRaft(Config{
		ID:                "f",
		Peers:             []string{"f", "l"},
		ElectionTimeout:   time.Hour,
		HeartbeatInterval: time.Hour,
	}, store, nil, make(chan ApplyMsg, 1))
	rf.currentTerm = 1

	var reply AppendEntriesReply
	rf.AppendEntries(&AppendEntriesArgs{
		Term: 1, LeaderID: "l", PrevLogIndex: 0, PrevLogTerm: 0,
		Entries: []LogEntry{{Term: 1, Index: 1, Command: []byte("a")}},
	}, &reply)
	assert.False(t, reply.Success, "acknowledged an entry the store never persisted")
}

func TestAppendEntriesTruncatesConflicts(t *testing.T) {
	store := NewMemoryLogStore()
	store.StoreLog(&LogEntry{Term: 1, Index: 1, Command: []byte("a")})
	store.StoreLog(&LogEntry{Term: 1, Index: 2, Command: []byte("stale")})
	store.StoreLog(&LogEntry{Term: 1, Index: 3, Command: []byte("staler")})

	rf := NewRaft(Config{
		ID:                "f",
		Peers:             []string{"f", "l"},
		ElectionTimeout:   time.Hour,
		HeartbeatInterval: time.Hour,
	}, store, nil, make(chan ApplyMsg, 1))
	rf.currentTerm = 1

	var reply AppendEntriesReply
	rf.AppendEntries(&AppendEntriesArgs{
		Term: 2, LeaderID: "l", PrevLogIndex: 1, PrevLogTerm: 1,
		Entries: []LogEntry{{Term: 2, Index: 2, Command: []byte("fresh")}},
	}, &reply)
	require.True(t, reply.Success)

	entry, err := store.GetLog(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), entry.Command)

	last, err := store.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, int64(2), last, "conflicting suffix removed")
}
