package raft

// RequestVoteArgs represents the arguments for the RequestVote RPC.
type RequestVoteArgs struct {
	Term         int64  `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex int64  `json:"last_log_index"`
	LastLogTerm  int64  `json:"last_log_term"`
}

// RequestVoteReply represents the reply for the RequestVote RPC.
type RequestVoteReply struct {
	Term        int64 `json:"term"`
	VoteGranted bool  `json:"vote_granted"`
}

// RequestVote handles the RequestVote RPC.
func (rf *Raft) RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	// Reply false if term < currentTerm.
	if args.Term < rf.currentTerm {
		reply.Term = rf.currentTerm
		reply.VoteGranted = false
		return
	}

	if args.Term > rf.currentTerm {
		rf.currentTerm = args.Term
		rf.state = Follower
		rf.votedFor = ""
	}

	reply.Term = rf.currentTerm

	// Grant the vote only if we have not voted for someone else this term
	// and the candidate's log is at least as up-to-date as ours.
	canVote := rf.votedFor == "" || rf.votedFor == args.CandidateID

	lastIndex, lastTerm := rf.lastLogInfo()
	isUpToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	if canVote && isUpToDate {
		rf.votedFor = args.CandidateID
		reply.VoteGranted = true
		rf.resetElectionTimer()
		rf.logger.Info("Vote granted", "candidate", args.CandidateID, "term", args.Term)
	} else {
		reply.VoteGranted = false
	}
}

// AppendEntriesArgs represents the arguments for the AppendEntries RPC.
type AppendEntriesArgs struct {
	Term         int64      `json:"term"`
	LeaderID     string     `json:"leader_id"`
	PrevLogIndex int64      `json:"prev_log_index"`
	PrevLogTerm  int64      `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries"`
	LeaderCommit int64      `json:"leader_commit"`
}

// AppendEntriesReply represents the reply for the AppendEntries RPC.
type AppendEntriesReply struct {
	Term    int64 `json:"term"`
	Success bool  `json:"success"`
}

// AppendEntries handles the AppendEntries RPC (heartbeat and replication).
func (rf *Raft) AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	reply.Term = rf.currentTerm
	reply.Success = false

	// Reply false if term < currentTerm.
	if args.Term < rf.currentTerm {
		return
	}

	if args.Term > rf.currentTerm {
		rf.currentTerm = args.Term
		rf.votedFor = ""
	}
	rf.state = Follower
	reply.Term = rf.currentTerm

	// Valid leader detected, reset timer.
	rf.resetElectionTimer()
	rf.leaderID = args.LeaderID

	// Reply false if the log has no entry at prevLogIndex with a matching
	// term.
	if args.PrevLogIndex > 0 && args.PrevLogIndex > rf.lastIncludedIndex {
		lastIndex, _ := rf.logStore.LastIndex()
		if args.PrevLogIndex > lastIndex {
			return
		}
		prev, err := rf.logStore.GetLog(args.PrevLogIndex)
		if err != nil || prev.Term != args.PrevLogTerm {
			return
		}
	}

	// If an existing entry conflicts with a new one (same index, different
	// term), delete it and everything after it, then append what is new.
	for _, entry := range args.Entries {
		existing, err := rf.logStore.GetLog(entry.Index)
		if err == nil && existing.Term == entry.Term {
			continue
		}
		if err == nil {
			lastIndex, _ := rf.logStore.LastIndex()
			rf.logStore.DeleteRange(entry.Index, lastIndex)
		}
		e := entry
		if err := rf.logStore.StoreLog(&e); err != nil {
			rf.logger.Error("Failed to store replicated entry", "index", entry.Index, "error", err)
			return
		}
	}

	// Advance commitIndex to min(leaderCommit, index of last new entry).
	// commitIndex never moves backward: a bare heartbeat proves nothing
	// about entries this node already committed.
	if args.LeaderCommit > rf.commitIndex {
		lastNew := args.PrevLogIndex + int64(len(args.Entries))
		if lastIndex, _ := rf.logStore.LastIndex(); lastNew > lastIndex {
			lastNew = lastIndex
		}
		if args.LeaderCommit < lastNew {
			lastNew = args.LeaderCommit
		}
		if lastNew > rf.commitIndex {
			rf.commitIndex = lastNew
			rf.notifyApply()
		}
	}

	reply.Success = true
}

// InstallSnapshotArgs represents the arguments for the InstallSnapshot
// RPC. Data is the full state machine image through LastIncludedIndex.
type InstallSnapshotArgs struct {
	Term              int64  `json:"term"`
	LeaderID          string `json:"leader_id"`
	LastIncludedIndex int64  `json:"last_included_index"`
	LastIncludedTerm  int64  `json:"last_included_term"`
	Data              []byte `json:"data"`
}

// InstallSnapshotReply represents the reply for the InstallSnapshot RPC.
type InstallSnapshotReply struct {
	Term int64 `json:"term"`
}

// InstallSnapshot handles the InstallSnapshot RPC. The leader sends it
// when a follower's log predates the leader's compaction point, so the
// follower catches up by replacing its state outright instead of
// replaying entries that no longer exist.
func (rf *Raft) InstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	reply.Term = rf.currentTerm

	if args.Term < rf.currentTerm {
		return
	}

	if args.Term > rf.currentTerm {
		rf.currentTerm = args.Term
		rf.votedFor = ""
	}
	rf.state = Follower
	reply.Term = rf.currentTerm
	rf.resetElectionTimer()
	rf.leaderID = args.LeaderID

	// A snapshot that does not extend past what this node already
	// committed carries nothing new.
	if args.LastIncludedIndex <= rf.commitIndex || args.LastIncludedIndex <= rf.lastIncludedIndex {
		return
	}

	// If the log has a conflicting entry at the snapshot boundary, the
	// suffix after it cannot be trusted either; drop it. Entries that
	// genuinely follow a matching boundary entry survive.
	lastIndex, _ := rf.logStore.LastIndex()
	if lastIndex > args.LastIncludedIndex {
		boundary, err := rf.logStore.GetLog(args.LastIncludedIndex)
		if err != nil || boundary.Term != args.LastIncludedTerm {
			rf.logStore.DeleteRange(args.LastIncludedIndex, lastIndex)
		}
	}
	firstIndex, _ := rf.logStore.FirstIndex()
	rf.logStore.DeleteRange(firstIndex, args.LastIncludedIndex)

	rf.lastIncludedIndex = args.LastIncludedIndex
	rf.lastIncludedTerm = args.LastIncludedTerm
	rf.snapshotData = args.Data
	rf.commitIndex = args.LastIncludedIndex
	rf.lastApplied = args.LastIncludedIndex

	rf.pendingSnapshot = &ApplyMsg{
		SnapshotValid: true,
		Snapshot:      args.Data,
		SnapshotIndex: args.LastIncludedIndex,
		SnapshotTerm:  args.LastIncludedTerm,
	}
	rf.notifyApply()

	rf.logger.Info("Snapshot installed", "lastIncludedIndex", args.LastIncludedIndex, "leader", args.LeaderID)
}
