package namesystem

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/pairfs/internal/blockmanager"
	"github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/liveness"
	"github.com/devrev/pairfs/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BadBlock names a replica a client or node found to be corrupt
type BadBlock struct {
	Block model.Block  `json:"block"`
	Node  model.NodeID `json:"node_id"`
}

// RegisterStorageNode admits a storage node. Nodes absent from the hosts
// include list, or listed as excluded, are refused.
func (ns *Namesystem) RegisterStorageNode(ctx context.Context, reg model.NodeRegistration) (model.NodeStatus, error) {
	var status model.NodeStatus
	err := ns.writeOp(ctx, "register_storage_node", func() error {
		if reg.NodeID == "" || reg.Address == "" {
			return errors.InvalidArgument("node id and address are required", nil)
		}
		if !ns.hosts.Allowed(string(reg.NodeID)) {
			return errors.InvalidArgument("storage node is not admitted by the hosts list", nil).
				WithDetail("node_id", string(reg.NodeID))
		}
		if len(reg.Storages) == 0 {
			reg.Storages = []model.StorageID{model.StorageID("DS-" + uuid.NewString())}
		}
		// Replicas of a dead node may still be tracked if the sweep has not
		// dropped them yet. The node's next report starts from nothing.
		if prev, ok := ns.nodes.Node(reg.NodeID); ok && prev.State == model.LivenessDead {
			ns.blocks.RemoveNode(reg.NodeID)
		}
		status = ns.nodes.Register(reg)
		if ns.hosts.Decommissioning(string(reg.NodeID)) && status.AdminState == model.AdminNormal {
			if err := ns.nodes.SetAdminState(reg.NodeID, model.AdminDecommissionInProgress); err != nil {
				return err
			}
			status.AdminState = model.AdminDecommissionInProgress
			ns.blocks.RecheckNode(reg.NodeID)
		}
		return nil
	})
	return status, err
}

// Heartbeat records contact from a storage node and hands back its queued
// commands. Only the node's own liveness record is locked.
func (ns *Namesystem) Heartbeat(ctx context.Context, id model.NodeID, stats model.NodeStats) (*model.HeartbeatReply, error) {
	start := time.Now()
	cmds, prev, err := ns.nodes.Heartbeat(id, stats)
	ns.observe("heartbeat", start, err)
	if err != nil {
		return nil, err
	}
	ns.metrics.HeartbeatsTotal.Inc()
	if prev != model.LivenessAlive {
		ns.metrics.RecordTransition(string(model.LivenessAlive))
	}
	return &model.HeartbeatReply{Commands: cmds, SafeMode: ns.InSafeMode()}, nil
}

func (ns *Namesystem) checkReporter(id model.NodeID) error {
	st, ok := ns.nodes.Node(id)
	if !ok || st.State == model.LivenessDead {
		return errors.UnknownNode(string(id))
	}
	return nil
}

// BlockReport reconciles a node's full list of replicas
func (ns *Namesystem) BlockReport(ctx context.Context, id model.NodeID, reported []model.ReportedReplica) (blockmanager.ReportResult, error) {
	var res blockmanager.ReportResult
	err := ns.writeOp(ctx, "block_report", func() error {
		if err := ns.checkReporter(id); err != nil {
			return err
		}
		for _, r := range reported {
			if !r.State.Valid() {
				return errors.InvalidArgument(fmt.Sprintf("unknown replica state %q", r.State), nil).
					WithDetail("block", r.Block.String())
			}
		}
		res = ns.blocks.ProcessFullReport(id, reported)
		ns.checkSafeModeLocked()
		return nil
	})
	if err == nil {
		ns.metrics.RecordBlockReport("full")
		ns.metrics.InvalidationsQueued.Add(float64(res.Invalidated))
	}
	return res, err
}

// BlockReceivedAndDeleted applies an incremental report
func (ns *Namesystem) BlockReceivedAndDeleted(ctx context.Context, id model.NodeID, received []model.ReportedReplica, deleted []model.BlockID) error {
	err := ns.writeOp(ctx, "block_received_and_deleted", func() error {
		if err := ns.checkReporter(id); err != nil {
			return err
		}
		invalidated := 0
		for _, r := range received {
			if !r.State.Valid() {
				return errors.InvalidArgument(fmt.Sprintf("unknown replica state %q", r.State), nil).
					WithDetail("block", r.Block.String())
			}
			invalidated += ns.blocks.BlockReceived(id, r).Invalidated
		}
		for _, b := range deleted {
			ns.blocks.BlockDeleted(id, b)
		}
		ns.metrics.InvalidationsQueued.Add(float64(invalidated))
		ns.checkSafeModeLocked()
		return nil
	})
	if err == nil {
		ns.metrics.RecordBlockReport("incremental")
	}
	return err
}

// ReportBadBlocks marks replicas corrupt. Unknown blocks are skipped.
func (ns *Namesystem) ReportBadBlocks(ctx context.Context, bad []BadBlock) error {
	return ns.writeOp(ctx, "report_bad_blocks", func() error {
		for _, b := range bad {
			if err := ns.blocks.MarkCorrupt(b.Block.ID, b.Node); err != nil {
				if errors.Is(err, errors.ErrCodeBlockNotFound) {
					ns.logger.Warn("Bad block report for unknown block",
						zap.String("block", b.Block.String()),
						zap.String("node_id", string(b.Node)))
					continue
				}
				return err
			}
		}
		return nil
	})
}

// RefreshNodes reloads the hosts list and moves nodes into or out of
// decommission. Excluded nodes are decommissioned rather than dropped.
func (ns *Namesystem) RefreshNodes(ctx context.Context) error {
	hosts, err := ns.loadHosts()
	if err != nil {
		return errors.InvalidArgument("failed to load hosts list", err)
	}
	return ns.writeOp(ctx, "refresh_nodes", func() error {
		ns.hosts = hosts
		for _, node := range ns.nodes.List() {
			id := string(node.NodeID)
			leaving := hosts.Decommissioning(id) || !hosts.Allowed(id)
			switch {
			case leaving && node.AdminState == model.AdminNormal:
				if err := ns.nodes.SetAdminState(node.NodeID, model.AdminDecommissionInProgress); err != nil {
					return err
				}
			case !leaving && node.AdminState != model.AdminNormal:
				if err := ns.nodes.SetAdminState(node.NodeID, model.AdminNormal); err != nil {
					return err
				}
			default:
				continue
			}
			ns.blocks.RecheckNode(node.NodeID)
		}
		ns.logger.Info("Refreshed storage node hosts list",
			zap.Int("include", len(hosts.Include)),
			zap.Int("exclude", len(hosts.Exclude)),
			zap.Int("decommission", len(hosts.Decommission)))
		return nil
	})
}

// CheckDecommission finishes decommissions whose blocks are safe
// elsewhere. Returns the nodes that reached DECOMMISSIONED.
func (ns *Namesystem) CheckDecommission() []model.NodeID {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	var done []model.NodeID
	for _, node := range ns.nodes.List() {
		if node.AdminState != model.AdminDecommissionInProgress || node.State == model.LivenessDead {
			continue
		}
		if !ns.blocks.DecommissionDone(node.NodeID) {
			continue
		}
		if err := ns.nodes.SetAdminState(node.NodeID, model.AdminDecommissioned); err == nil {
			done = append(done, node.NodeID)
		}
	}
	return done
}

// CheckHeartbeats reclassifies nodes by heartbeat age. Replicas on nodes
// that went dead are dropped, which queues their blocks for
// re-replication.
func (ns *Namesystem) CheckHeartbeats() []liveness.Transition {
	transitions := ns.nodes.Sweep()
	ns.dropDeadNodes(transitions)
	return transitions
}

// dropDeadNodes removes the replicas of nodes the sweep declared dead. A
// node that re-registered since the sweep keeps what it has reported.
func (ns *Namesystem) dropDeadNodes(transitions []liveness.Transition) {
	for _, tr := range transitions {
		ns.metrics.RecordTransition(string(tr.To))
		if tr.To != model.LivenessDead {
			continue
		}
		ns.mu.Lock()
		st, ok := ns.nodes.Node(tr.NodeID)
		if ok && st.State != model.LivenessDead {
			ns.mu.Unlock()
			ns.logger.Info("Storage node re-registered before its replicas were dropped",
				zap.String("node_id", string(tr.NodeID)),
				zap.String("state", string(st.State)))
			continue
		}
		affected := ns.blocks.RemoveNode(tr.NodeID)
		ns.mu.Unlock()
		ns.logger.Warn("Storage node declared dead",
			zap.String("node_id", string(tr.NodeID)),
			zap.Int("blocks", affected))
	}
}

// DrainReplicationWork schedules up to limit under-replicated blocks,
// most urgent first. Each block is decided under its own lock
// acquisition. Nothing is scheduled in safe mode.
func (ns *Namesystem) DrainReplicationWork(limit int) []model.ReplicationWork {
	if ns.InSafeMode() || limit <= 0 {
		return nil
	}
	ns.mu.RLock()
	needed := ns.blocks.NeededBlocks()
	ns.mu.RUnlock()

	var work []model.ReplicationWork
	for _, id := range needed {
		if len(work) >= limit {
			break
		}
		ns.mu.Lock()
		w, ok := ns.blocks.ScheduleReplication(id)
		ns.mu.Unlock()
		if ok {
			work = append(work, *w)
		}
	}
	ns.metrics.ReplicationScheduled.Add(float64(len(work)))
	return work
}

// DeliverReplication queues a replicate command on the work's source node
func (ns *Namesystem) DeliverReplication(ctx context.Context, w model.ReplicationWork) error {
	return ns.nodes.Enqueue(w.Source, model.Command{
		Type:    model.CommandReplicate,
		Blocks:  []model.Block{w.Block},
		Targets: [][]model.NodeID{w.Targets},
	})
}

// CheckPendingReplications expires scheduled replications that never
// arrived so they can be scheduled again.
func (ns *Namesystem) CheckPendingReplications() []model.BlockID {
	ns.mu.Lock()
	expired := ns.blocks.CheckPendingTimeouts()
	ns.mu.Unlock()
	ns.metrics.ReplicationTimeouts.Add(float64(len(expired)))
	return expired
}
