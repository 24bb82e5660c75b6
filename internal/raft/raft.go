// Package raft implements the replicated log and consensus engine. It is
// a leaf: it replicates opaque command bytes and knows nothing about
// sessions, tasks, or locks.
package raft

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// State represents the Raft node state.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// LogEntry is a single replicated log record.
type LogEntry struct {
	Term    int64  `json:"term"`
	Index   int64  `json:"index"`
	Command []byte `json:"command"`
}

// Config holds Raft configuration.
type Config struct {
	ID                string
	Peers             []string // peer addresses, including self
	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
}

// Transport sends RPCs to peers.
type Transport interface {
	SendRequestVote(peer string, args *RequestVoteArgs) (*RequestVoteReply, error)
	SendAppendEntries(peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	SendInstallSnapshot(peer string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
}

// ApplyMsg carries a committed entry, or an installed snapshot, to the
// state machine. Exactly one of CommandValid and SnapshotValid is set.
type ApplyMsg struct {
	CommandValid bool
	Command      []byte
	CommandIndex int64
	CommandTerm  int64

	SnapshotValid bool
	Snapshot      []byte
	SnapshotIndex int64
	SnapshotTerm  int64
}

// Raft implements the Raft consensus algorithm.
type Raft struct {
	mu sync.Mutex

	// Persistent state
	currentTerm int64
	votedFor    string
	logStore    LogStore

	// Snapshot metadata. snapshotData is the latest state machine image,
	// kept so the leader can ship it to followers whose logs fell behind
	// the compaction point. pendingSnapshot hands an installed snapshot to
	// the apply loop so it reaches the state machine before any entry
	// that follows it.
	lastIncludedIndex int64
	lastIncludedTerm  int64
	snapshotData      []byte
	pendingSnapshot   *ApplyMsg

	// Volatile state
	state       State
	leaderID    string
	commitIndex int64
	lastApplied int64

	// Volatile state on leaders
	nextIndex   map[string]int64
	matchIndex  map[string]int64
	lastContact map[string]time.Time

	applyCh     chan ApplyMsg
	applyNotify chan struct{}
	stopCh      chan struct{}

	config    Config
	transport Transport
	logger    *slog.Logger

	electionTimer  *time.Timer
	heartbeatTimer *time.Ticker
}

// NewRaft creates a new Raft instance.
func NewRaft(config Config, store LogStore, trans Transport, applyCh chan ApplyMsg) *Raft {
	rf := &Raft{
		state:          Follower,
		config:         config,
		logStore:       store,
		transport:      trans,
		applyCh:        applyCh,
		applyNotify:    make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		logger:         slog.With("component", "raft", "id", config.ID),
		heartbeatTimer: time.NewTicker(config.HeartbeatInterval),
		nextIndex:      make(map[string]int64),
		matchIndex:     make(map[string]int64),
		lastContact:    make(map[string]time.Time),
	}
	rf.electionTimer = time.NewTimer(rf.randomElectionTimeout())
	return rf
}

// Start launches the election, heartbeat, and apply loops.
func (rf *Raft) Start() {
	go rf.runElectionLoop()
	go rf.runHeartbeatLoop()
	go rf.runApplyLoop()
}

// Stop terminates all loops.
func (rf *Raft) Stop() {
	close(rf.stopCh)
	rf.heartbeatTimer.Stop()
	rf.electionTimer.Stop()
}

// IsLeader reports whether this node currently believes it is the leader.
func (rf *Raft) IsLeader() bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.state == Leader
}

// LeaderHint returns the address of the last known leader, possibly "".
func (rf *Raft) LeaderHint() string {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.state == Leader {
		return rf.config.ID
	}
	return rf.leaderID
}

// Term returns the current term.
func (rf *Raft) Term() int64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.currentTerm
}

// CommitIndex returns the highest committed log index.
func (rf *Raft) CommitIndex() int64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.commitIndex
}

// Peers returns the current voting membership.
func (rf *Raft) Peers() []string {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	peers := make([]string, len(rf.config.Peers))
	copy(peers, rf.config.Peers)
	return peers
}

// AddVoter adds a peer to the voting membership.
func (rf *Raft) AddVoter(peer string) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	for _, p := range rf.config.Peers {
		if p == peer {
			return
		}
	}
	rf.config.Peers = append(rf.config.Peers, peer)
	lastIndex, _ := rf.logStore.LastIndex()
	rf.nextIndex[peer] = lastIndex + 1
	rf.matchIndex[peer] = 0
	rf.logger.Info("Voter added", "peer", peer)
}

// RemoveVoter removes a peer from the voting membership.
func (rf *Raft) RemoveVoter(peer string) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	peers := rf.config.Peers[:0]
	for _, p := range rf.config.Peers {
		if p != peer {
			peers = append(peers, p)
		}
	}
	rf.config.Peers = peers
	delete(rf.nextIndex, peer)
	delete(rf.matchIndex, peer)
	delete(rf.lastContact, peer)
	rf.logger.Info("Voter removed", "peer", peer)
}

func (rf *Raft) runElectionLoop() {
	for {
		select {
		case <-rf.stopCh:
			return
		case <-rf.electionTimer.C:
			rf.mu.Lock()
			if rf.state != Leader {
				rf.startElection()
			}
			rf.resetElectionTimer()
			rf.mu.Unlock()
		}
	}
}

func (rf *Raft) runHeartbeatLoop() {
	for {
		select {
		case <-rf.stopCh:
			return
		case <-rf.heartbeatTimer.C:
			rf.mu.Lock()
			if rf.state == Leader {
				if rf.quorumReachable() {
					rf.broadcastAppendEntries()
				} else {
					// No single-node writes during a partition: a leader
					// that cannot reach a quorum must step down.
					rf.logger.Warn("Lost contact with quorum, stepping down", "term", rf.currentTerm)
					rf.convertToFollower(rf.currentTerm)
				}
			}
			rf.mu.Unlock()
		}
	}
}

// quorumReachable checks recent AppendEntries acknowledgements. Callers
// must hold rf.mu.
func (rf *Raft) quorumReachable() bool {
	if len(rf.config.Peers) <= 1 {
		return true
	}
	reachable := 1 // self
	cutoff := time.Now().Add(-rf.config.ElectionTimeout)
	for _, peer := range rf.config.Peers {
		if peer == rf.config.ID {
			continue
		}
		if rf.lastContact[peer].After(cutoff) {
			reachable++
		}
	}
	return reachable > len(rf.config.Peers)/2
}

func (rf *Raft) convertToFollower(term int64) {
	rf.state = Follower
	if term > rf.currentTerm {
		rf.currentTerm = term
		rf.votedFor = ""
	}
	rf.resetElectionTimer()
}

func (rf *Raft) convertToLeader() {
	if rf.state == Leader {
		return
	}
	rf.state = Leader
	rf.leaderID = rf.config.ID
	rf.logger.Info("Elected as leader", "term", rf.currentTerm)

	lastIndex, _ := rf.logStore.LastIndex()
	now := time.Now()
	for _, peer := range rf.config.Peers {
		if peer == rf.config.ID {
			continue
		}
		rf.nextIndex[peer] = lastIndex + 1
		rf.matchIndex[peer] = 0
		rf.lastContact[peer] = now
	}

	rf.broadcastAppendEntries()
}

func (rf *Raft) broadcastAppendEntries() {
	for _, peer := range rf.config.Peers {
		if peer == rf.config.ID {
			continue
		}
		go rf.replicateToPeer(peer)
	}
}

func (rf *Raft) replicateToPeer(peer string) {
	rf.mu.Lock()
	if rf.state != Leader {
		rf.mu.Unlock()
		return
	}

	lastIndex, _ := rf.logStore.LastIndex()
	next := rf.nextIndex[peer]
	if next < 1 {
		next = 1
	}
	if next > lastIndex+1 {
		next = lastIndex + 1
	}

	// The entries this peer needs were compacted away: the only way to
	// catch it up is to ship the snapshot itself.
	if next <= rf.lastIncludedIndex && rf.snapshotData != nil {
		rf.sendSnapshot(peer)
		return
	}

	prevIndex := next - 1
	prevTerm := int64(0)
	if prevIndex == rf.lastIncludedIndex {
		prevTerm = rf.lastIncludedTerm
	} else if prevIndex > 0 {
		if prevEntry, err := rf.logStore.GetLog(prevIndex); err == nil {
			prevTerm = prevEntry.Term
		}
	}

	var entries []LogEntry
	for i := next; i <= lastIndex; i++ {
		entry, err := rf.logStore.GetLog(i)
		if err != nil {
			break
		}
		entries = append(entries, *entry)
	}

	args := &AppendEntriesArgs{
		Term:         rf.currentTerm,
		LeaderID:     rf.config.ID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: rf.commitIndex,
	}
	rf.mu.Unlock()

	reply, err := rf.transport.SendAppendEntries(peer, args)
	if err != nil {
		return
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.state != Leader || args.Term != rf.currentTerm {
		return
	}

	rf.lastContact[peer] = time.Now()

	if reply.Term > rf.currentTerm {
		rf.convertToFollower(reply.Term)
		return
	}

	if reply.Success {
		rf.matchIndex[peer] = prevIndex + int64(len(entries))
		rf.nextIndex[peer] = rf.matchIndex[peer] + 1
		rf.updateCommitIndex()
	} else {
		rf.nextIndex[peer]--
		if rf.nextIndex[peer] < 1 {
			rf.nextIndex[peer] = 1
		}
	}
}

// sendSnapshot ships the current snapshot to a peer whose log fell
// behind the compaction point. Callers hold rf.mu; sendSnapshot releases
// it for the RPC and leaves it released when it returns.
func (rf *Raft) sendSnapshot(peer string) {
	args := &InstallSnapshotArgs{
		Term:              rf.currentTerm,
		LeaderID:          rf.config.ID,
		LastIncludedIndex: rf.lastIncludedIndex,
		LastIncludedTerm:  rf.lastIncludedTerm,
		Data:              rf.snapshotData,
	}
	rf.mu.Unlock()

	reply, err := rf.transport.SendInstallSnapshot(peer, args)

	rf.mu.Lock()
	defer rf.mu.Unlock()
	if err != nil {
		return
	}
	if rf.state != Leader || args.Term != rf.currentTerm {
		return
	}

	rf.lastContact[peer] = time.Now()

	if reply.Term > rf.currentTerm {
		rf.convertToFollower(reply.Term)
		return
	}

	if rf.matchIndex[peer] < args.LastIncludedIndex {
		rf.matchIndex[peer] = args.LastIncludedIndex
	}
	rf.nextIndex[peer] = args.LastIncludedIndex + 1
	rf.logger.Info("Snapshot installed on peer", "peer", peer, "lastIncludedIndex", args.LastIncludedIndex)
}

// updateCommitIndex advances commitIndex to the highest index replicated
// on a quorum whose entry belongs to the current term. Callers hold rf.mu.
func (rf *Raft) updateCommitIndex() {
	lastIndex, _ := rf.logStore.LastIndex()
	for n := lastIndex; n > rf.commitIndex; n-- {
		count := 1
		for _, peer := range rf.config.Peers {
			if peer != rf.config.ID && rf.matchIndex[peer] >= n {
				count++
			}
		}

		entry, err := rf.logStore.GetLog(n)
		if count > len(rf.config.Peers)/2 && err == nil && entry.Term == rf.currentTerm {
			rf.commitIndex = n
			rf.notifyApply()
			break
		}
	}
}

func (rf *Raft) notifyApply() {
	select {
	case rf.applyNotify <- struct{}{}:
	default:
	}
}

// runApplyLoop delivers committed entries to applyCh in order. A single
// goroutine owns delivery so the state machine sees one global sequence.
func (rf *Raft) runApplyLoop() {
	for {
		select {
		case <-rf.stopCh:
			return
		case <-rf.applyNotify:
		}

		for {
			rf.mu.Lock()
			// An installed snapshot must reach the state machine before
			// any entry that follows it.
			if snap := rf.pendingSnapshot; snap != nil {
				rf.pendingSnapshot = nil
				rf.mu.Unlock()
				select {
				case rf.applyCh <- *snap:
				case <-rf.stopCh:
					return
				}
				continue
			}
			if rf.commitIndex <= rf.lastApplied {
				rf.mu.Unlock()
				break
			}
			rf.lastApplied++
			entry, err := rf.logStore.GetLog(rf.lastApplied)
			rf.mu.Unlock()
			if err != nil {
				continue
			}

			msg := ApplyMsg{
				CommandValid: true,
				Command:      entry.Command,
				CommandIndex: entry.Index,
				CommandTerm:  entry.Term,
			}
			select {
			case rf.applyCh <- msg:
			case <-rf.stopCh:
				return
			}
		}
	}
}

func (rf *Raft) startElection() {
	rf.state = Candidate
	rf.currentTerm++
	rf.votedFor = rf.config.ID

	lastIndex, lastTerm := rf.lastLogInfo()

	args := &RequestVoteArgs{
		Term:         rf.currentTerm,
		CandidateID:  rf.config.ID,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	votes := 1
	rf.logger.Info("Starting election", "term", rf.currentTerm)

	if votes > len(rf.config.Peers)/2 {
		rf.convertToLeader()
		return
	}

	for _, peer := range rf.config.Peers {
		if peer == rf.config.ID {
			continue
		}

		go func(p string) {
			reply, err := rf.transport.SendRequestVote(p, args)
			if err != nil {
				return
			}

			rf.mu.Lock()
			defer rf.mu.Unlock()

			if rf.state != Candidate || args.Term != rf.currentTerm {
				return
			}

			if reply.Term > rf.currentTerm {
				rf.convertToFollower(reply.Term)
				return
			}

			if reply.VoteGranted {
				votes++
				if votes > len(rf.config.Peers)/2 {
					rf.convertToLeader()
				}
			}
		}(peer)
	}
}

// lastLogInfo returns the index and term of the last log entry, falling
// back to the snapshot metadata for a fully compacted log. Callers hold
// rf.mu.
func (rf *Raft) lastLogInfo() (int64, int64) {
	lastIndex, _ := rf.logStore.LastIndex()
	if lastIndex <= rf.lastIncludedIndex {
		return rf.lastIncludedIndex, rf.lastIncludedTerm
	}
	entry, err := rf.logStore.GetLog(lastIndex)
	if err != nil {
		return rf.lastIncludedIndex, rf.lastIncludedTerm
	}
	return entry.Index, entry.Term
}

func (rf *Raft) resetElectionTimer() {
	if !rf.electionTimer.Stop() {
		select {
		case <-rf.electionTimer.C:
		default:
		}
	}
	rf.electionTimer.Reset(rf.randomElectionTimeout())
}

func (rf *Raft) randomElectionTimeout() time.Duration {
	extra := time.Duration(rand.Int63n(int64(rf.config.ElectionTimeout)))
	return rf.config.ElectionTimeout + extra
}

// Propose appends a new command to the log on the leader. It returns the
// assigned index and term, and false if this node is not the leader. The
// entry is not yet committed when Propose returns; callers wait for it to
// come back out of the apply channel.
func (rf *Raft) Propose(command []byte) (int64, int64, bool) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.state != Leader {
		return -1, -1, false
	}

	lastIndex, _ := rf.logStore.LastIndex()
	newIndex := lastIndex + 1
	entry := &LogEntry{
		Term:    rf.currentTerm,
		Index:   newIndex,
		Command: command,
	}

	if err := rf.logStore.StoreLog(entry); err != nil {
		rf.logger.Error("Failed to append proposal to log", "index", newIndex, "error", err)
		return -1, -1, false
	}
	rf.logger.Debug("New proposal", "index", newIndex, "term", rf.currentTerm)

	if len(rf.config.Peers) <= 1 {
		// Single-node cluster commits immediately.
		rf.commitIndex = newIndex
		rf.notifyApply()
	} else {
		rf.broadcastAppendEntries()
	}

	return newIndex, rf.currentTerm, true
}

// Snapshot truncates the log through index after the state machine has
// persisted a snapshot covering it. The image bytes are retained so a
// leader can install them on followers whose logs fell behind the
// compaction point.
func (rf *Raft) Snapshot(index int64, data []byte) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if index <= rf.lastIncludedIndex || index > rf.lastApplied {
		return
	}

	entry, err := rf.logStore.GetLog(index)
	if err != nil {
		return
	}

	rf.lastIncludedIndex = index
	rf.lastIncludedTerm = entry.Term
	rf.snapshotData = data

	firstIndex, _ := rf.logStore.FirstIndex()
	if err := rf.logStore.DeleteRange(firstIndex, index); err != nil {
		rf.logger.Error("Log compaction failed", "lastIncludedIndex", index, "error", err)
		return
	}

	rf.logger.Info("Raft log compacted", "lastIncludedIndex", index)
}

// SetApplied seeds commit and apply progress after recovery from a
// snapshot, so replay does not re-deliver entries the snapshot covers.
// The image bytes are retained for peers that need a snapshot install.
func (rf *Raft) SetApplied(index, term int64, data []byte) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.lastIncludedIndex = index
	rf.lastIncludedTerm = term
	rf.snapshotData = data
	if rf.commitIndex < index {
		rf.commitIndex = index
	}
	if rf.lastApplied < index {
		rf.lastApplied = index
	}
}
