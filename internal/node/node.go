// Package node ties the consensus engine, the coordination state
// machine, and the durability layer into one cluster node.
//
// All state mutation flows through a single path: Submit proposes a
// command, the consensus engine commits it, and one apply loop per node
// feeds committed entries to the state machine in log order. The
// leader-only background sweeps re-enter through Submit like any other
// caller; nothing mutates the state machine directly.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coordd/coordd/internal/csm"
	"github.com/coordd/coordd/internal/metrics"
	"github.com/coordd/coordd/internal/raft"
	"github.com/coordd/coordd/internal/snapshot"
	"github.com/coordd/coordd/internal/storage/wal"
	"github.com/coordd/coordd/pkg/types"
)

// ErrQuorumLost is returned when a proposal cannot commit before its
// deadline, which usually means the cluster has no reachable majority.
var ErrQuorumLost = errors.New("proposal did not commit: quorum may be lost")

// NotLeaderError tells the caller to retry against the hinted leader.
type NotLeaderError struct {
	LeaderHint string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderHint == "" {
		return "not the leader (no known leader)"
	}
	return "not the leader (try " + e.LeaderHint + ")"
}

// Config holds one node's identity, storage paths, and timings.
type Config struct {
	ID    string
	Peers []string

	WALPath      string
	SnapshotPath string

	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
	RPCTimeout        time.Duration

	// Sweep timings. Sweeps run on the leader only.
	HealthSweepInterval time.Duration
	ExpirySweepInterval time.Duration
	SnapshotInterval    time.Duration
	PruneInterval       time.Duration

	HeartbeatTimeout time.Duration
	ClaimTTL         time.Duration
	LockTTL          time.Duration
	TaskRetention    time.Duration
	SessionRetention time.Duration

	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
}

// DefaultConfig fills in documented defaults for everything but identity
// and paths.
func DefaultConfig() Config {
	return Config{
		ElectionTimeout:     500 * time.Millisecond,
		HeartbeatInterval:   100 * time.Millisecond,
		RPCTimeout:          150 * time.Millisecond,
		HealthSweepInterval: 5 * time.Second,
		ExpirySweepInterval: 1 * time.Second,
		SnapshotInterval:    60 * time.Second,
		PruneInterval:       60 * time.Second,
		HeartbeatTimeout:    30 * time.Second,
		ClaimTTL:            60 * time.Second,
		LockTTL:             30 * time.Second,
		TaskRetention:       time.Hour,
		SessionRetention:    10 * time.Minute,
		RetryBackoffBase:    500 * time.Millisecond,
		RetryBackoffCap:     30 * time.Second,
	}
}

type applyOutcome struct {
	result csm.Result
	err    error
}

type waiter struct {
	term int64
	ch   chan applyOutcome
}

// Node is one member of the coordination cluster.
type Node struct {
	cfg       Config
	raft      *raft.Raft
	sm        *csm.StateMachine
	wal       *wal.WAL
	snapshots *snapshot.Manager
	collector *metrics.Collector
	logger    *slog.Logger

	mu      sync.Mutex
	waiters map[int64]*waiter

	applyCh chan raft.ApplyMsg
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	stopped bool
}

// New builds a node. Start must be called before it serves anything.
func New(cfg Config, transport raft.Transport, collector *metrics.Collector) (*Node, error) {
	w, err := wal.Open(cfg.WALPath, false)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	sm := csm.New(csm.Config{
		HeartbeatTimeoutMs: cfg.HeartbeatTimeout.Milliseconds(),
		RetryBackoffBaseMs: cfg.RetryBackoffBase.Milliseconds(),
		RetryBackoffCapMs:  cfg.RetryBackoffCap.Milliseconds(),
	})

	applyCh := make(chan raft.ApplyMsg, 256)
	rf := raft.NewRaft(raft.Config{
		ID:                cfg.ID,
		Peers:             cfg.Peers,
		ElectionTimeout:   cfg.ElectionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, raft.NewMemoryLogStore(), transport, applyCh)

	return &Node{
		cfg:       cfg,
		raft:      rf,
		sm:        sm,
		wal:       w,
		snapshots: snapshot.NewManager(cfg.SnapshotPath),
		collector: collector,
		logger:    slog.With("component", "node", "id", cfg.ID),
		waiters:   make(map[int64]*waiter),
		applyCh:   applyCh,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start recovers persisted state, then launches the consensus engine,
// the apply loop, and the leader sweeps.
func (n *Node) Start() error {
	start := time.Now()
	if err := n.recover(); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	if n.collector != nil {
		n.collector.SetRecoveryTime(time.Since(start).Seconds())
	}
	n.logger.Info("Recovery completed", "duration", time.Since(start), "appliedIndex", n.sm.AppliedIndex())

	n.raft.Start()

	n.loopWg.Add(5)
	go n.applyLoop()
	go n.healthSweepLoop()
	go n.expirySweepLoop()
	go n.snapshotLoop()
	go n.pruneLoop()

	n.logger.Info("Node started", "peers", len(n.cfg.Peers))
	return nil
}

// recover rebuilds the state machine from the last snapshot plus WAL
// replay, and seeds the consensus engine's applied position.
func (n *Node) recover() error {
	img, err := n.snapshots.Load()
	if err != nil {
		return err
	}
	if img != nil {
		if err := n.sm.Restore(img); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}

	lastIndex := n.sm.AppliedIndex()
	lastTerm := n.sm.AppliedTerm()
	err = n.wal.Replay(func(rec wal.Record) error {
		if rec.Index <= lastIndex {
			// Covered by the snapshot already.
			return nil
		}
		n.sm.Apply(rec.Index, rec.Term, rec.Command)
		lastIndex = rec.Index
		lastTerm = rec.Term
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}

	// Hand the consensus engine an image of the recovered state so it can
	// install it on peers that fell behind the compaction point.
	image, err := n.sm.Snapshot()
	if err != nil {
		return fmt.Errorf("serialize recovered state: %w", err)
	}
	n.raft.SetApplied(lastIndex, lastTerm, image)
	return nil
}

// Stop shuts the node down in order: sweeps first, then consensus, then
// a final snapshot, then the WAL. The final snapshot must not race with
// an apply still in flight.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.mu.Unlock()

	n.logger.Info("Stopping node")

	close(n.stopCh)
	n.raft.Stop()
	n.loopWg.Wait()

	if err := n.takeSnapshot(); err != nil {
		n.logger.Error("Final snapshot failed", "error", err)
	}
	if err := n.wal.Close(); err != nil {
		n.logger.Error("Failed to close WAL", "error", err)
	}

	n.logger.Info("Node stopped")
}

// Submit proposes a command and blocks until it commits and applies, the
// context expires, or leadership is lost. A command either commits fully
// or not at all; on error the caller must not assume side effects.
func (n *Node) Submit(ctx context.Context, cmdType csm.CommandType, payload any) (csm.Result, error) {
	start := time.Now()

	if !n.raft.IsLeader() {
		return csm.Result{}, &NotLeaderError{LeaderHint: n.raft.LeaderHint()}
	}

	cmd, err := csm.Encode(cmdType, time.Now().UnixMilli(), payload)
	if err != nil {
		return csm.Result{}, fmt.Errorf("encode command: %w", err)
	}

	// Propose and register the waiter under the same lock deliver takes:
	// a commit that applies immediately cannot reach deliver before the
	// waiter exists.
	n.mu.Lock()
	index, term, isLeader := n.raft.Propose(cmd)
	if !isLeader {
		n.mu.Unlock()
		return csm.Result{}, &NotLeaderError{LeaderHint: n.raft.LeaderHint()}
	}
	w := &waiter{term: term, ch: make(chan applyOutcome, 1)}
	n.waiters[index] = w
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.waiters, index)
		n.mu.Unlock()
	}()

	select {
	case out := <-w.ch:
		if n.collector != nil {
			n.collector.RecordPropose(time.Since(start).Seconds())
		}
		return out.result, out.err
	case <-ctx.Done():
		return csm.Result{}, fmt.Errorf("%w: %v", ErrQuorumLost, ctx.Err())
	case <-n.stopCh:
		return csm.Result{}, errors.New("node shutting down")
	}
}

// applyLoop is the single writer over the state machine. Every committed
// entry is persisted to the WAL before it mutates state.
func (n *Node) applyLoop() {
	defer n.loopWg.Done()

	for {
		select {
		case <-n.stopCh:
			return
		case msg := <-n.applyCh:
			if msg.SnapshotValid {
				if err := n.installSnapshot(msg); err != nil {
					n.logger.Error("Snapshot install failed", "index", msg.SnapshotIndex, "error", err)
				}
				continue
			}
			if !msg.CommandValid {
				continue
			}

			if err := n.wal.Append(msg.CommandIndex, msg.CommandTerm, msg.Command); err != nil {
				n.logger.Error("WAL append failed", "index", msg.CommandIndex, "error", err)
			}

			applyStart := time.Now()
			result := n.sm.Apply(msg.CommandIndex, msg.CommandTerm, msg.Command)
			if n.collector != nil {
				n.collector.RecordApplied(commandType(msg.Command), string(result.Code), time.Since(applyStart).Seconds())
				n.collector.UpdateStats(n.sm.Stats())
				n.collector.SetLeader(n.raft.IsLeader())
			}

			n.deliver(msg.CommandIndex, msg.CommandTerm, result)
		}
	}
}

// installSnapshot replaces local state with a leader-shipped image:
// entries before its applied index were compacted away on the leader, so
// this node can only catch up by adopting the image outright. The image
// is persisted and the WAL rotated so recovery starts from it too.
func (n *Node) installSnapshot(msg raft.ApplyMsg) error {
	if err := n.sm.Restore(msg.Snapshot); err != nil {
		return fmt.Errorf("restore image: %w", err)
	}
	if err := n.snapshots.Write(msg.Snapshot); err != nil {
		return fmt.Errorf("persist image: %w", err)
	}
	if err := n.wal.Rotate(); err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}

	if n.collector != nil {
		n.collector.UpdateStats(n.sm.Stats())
	}
	n.logger.Info("Installed snapshot from leader", "appliedIndex", msg.SnapshotIndex)
	return nil
}

// deliver wakes the Submit call waiting on index, if any. A term
// mismatch means a different leader's entry landed at the index the
// caller proposed; the original proposal was lost with the old leader.
func (n *Node) deliver(index, term int64, result csm.Result) {
	n.mu.Lock()
	w, ok := n.waiters[index]
	if ok {
		delete(n.waiters, index)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	if w.term != term {
		w.ch <- applyOutcome{err: &NotLeaderError{LeaderHint: n.raft.LeaderHint()}}
		return
	}
	w.ch <- applyOutcome{result: result}
}

func commandType(raw []byte) string {
	var cmd csm.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return "invalid"
	}
	return string(cmd.Type)
}

// SM exposes the state machine for read-only queries.
func (n *Node) SM() *csm.StateMachine { return n.sm }

// IsLeader reports current leadership.
func (n *Node) IsLeader() bool { return n.raft.IsLeader() }

// LeaderHint returns the last known leader address.
func (n *Node) LeaderHint() string { return n.raft.LeaderHint() }

// Raft exposes the consensus engine for the RPC server.
func (n *Node) Raft() *raft.Raft { return n.raft }

// DefaultClaimTTL returns the configured claim TTL.
func (n *Node) DefaultClaimTTL() time.Duration { return n.cfg.ClaimTTL }

// DefaultLockTTL returns the configured lock TTL.
func (n *Node) DefaultLockTTL() time.Duration { return n.cfg.LockTTL }

// Status summarizes this node's view of the cluster.
func (n *Node) Status() types.ClusterStatus {
	return types.ClusterStatus{
		NodeID:         n.cfg.ID,
		Leader:         n.raft.LeaderHint(),
		Term:           n.raft.Term(),
		Peers:          n.raft.Peers(),
		CommittedIndex: n.raft.CommitIndex(),
		AppliedIndex:   n.sm.AppliedIndex(),
	}
}
