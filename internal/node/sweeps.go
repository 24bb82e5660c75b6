package node

import (
	"context"
	"time"

	"github.com/coordd/coordd/internal/csm"
	"github.com/coordd/coordd/pkg/types"
)

// The sweeps below run on every node but act only while this node leads.
// They never touch the state machine directly: each detected condition
// becomes an ordinary command proposed through consensus, so followers
// see the exact same transitions in the exact same order.

const sweepProposeTimeout = 5 * time.Second

// healthSweepLoop marks sessions failed once their heartbeat lapses past
// the timeout. Requeueing the tasks they held happens inside the
// MarkFailed apply, in the same log entry.
func (n *Node) healthSweepLoop() {
	defer n.loopWg.Done()
	ticker := time.NewTicker(n.cfg.HealthSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if !n.raft.IsLeader() {
				continue
			}

			now := time.Now().UnixMilli()
			timeout := n.cfg.HeartbeatTimeout.Milliseconds()
			for _, s := range n.sm.ListSessions() {
				if s.Status == types.SessionFailed {
					continue
				}
				if now-s.LastHeartbeatAt < timeout {
					continue
				}

				ctx, cancel := context.WithTimeout(context.Background(), sweepProposeTimeout)
				_, err := n.Submit(ctx, csm.CmdMarkFailed, csm.SessionPayload{ID: s.ID})
				cancel()
				if err != nil {
					n.logger.Warn("Health sweep proposal failed", "session", s.ID, "error", err)
					break
				}
				n.logger.Info("Session marked failed", "session", s.ID, "lastHeartbeatAt", s.LastHeartbeatAt)
			}
		}
	}
}

// expirySweepLoop requeues tasks whose claim expired. One command covers
// the whole scan; the cutoff is the command's logical timestamp.
func (n *Node) expirySweepLoop() {
	defer n.loopWg.Done()
	ticker := time.NewTicker(n.cfg.ExpirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if !n.raft.IsLeader() {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), sweepProposeTimeout)
			result, err := n.Submit(ctx, csm.CmdExpireClaims, struct{}{})
			cancel()
			if err != nil {
				n.logger.Warn("Expiry sweep proposal failed", "error", err)
				continue
			}
			if result.Expired > 0 {
				n.logger.Info("Expired claims requeued", "count", result.Expired)
			}
		}
	}
}

// pruneLoop removes terminal tasks and long-failed sessions past their
// retention windows.
func (n *Node) pruneLoop() {
	defer n.loopWg.Done()
	ticker := time.NewTicker(n.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if !n.raft.IsLeader() {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), sweepProposeTimeout)
			result, err := n.Submit(ctx, csm.CmdPrune, csm.PrunePayload{
				TaskRetentionMs:    n.cfg.TaskRetention.Milliseconds(),
				SessionRetentionMs: n.cfg.SessionRetention.Milliseconds(),
			})
			cancel()
			if err != nil {
				n.logger.Warn("Prune proposal failed", "error", err)
				continue
			}
			if result.Pruned > 0 {
				n.logger.Info("Rows pruned", "count", result.Pruned)
			}
		}
	}
}

// snapshotLoop periodically persists the state machine and compacts the
// log behind it.
func (n *Node) snapshotLoop() {
	defer n.loopWg.Done()
	ticker := time.NewTicker(n.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if err := n.takeSnapshot(); err != nil {
				n.logger.Error("Snapshot failed", "error", err)
			}
		}
	}
}

// takeSnapshot writes the current state machine image, rotates the WAL,
// and truncates the raft log up to the applied index.
func (n *Node) takeSnapshot() error {
	start := time.Now()

	img, err := n.sm.Snapshot()
	if err != nil {
		return err
	}
	if err := n.snapshots.Write(img); err != nil {
		return err
	}
	if err := n.wal.Rotate(); err != nil {
		return err
	}

	applied := n.sm.AppliedIndex()
	n.raft.Snapshot(applied, img)

	n.logger.Info("Snapshot taken", "duration", time.Since(start), "appliedIndex", applied)
	return nil
}
