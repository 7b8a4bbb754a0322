package namesystem

import (
	"context"

	"github.com/devrev/pairfs/internal/blockmanager"
	"github.com/devrev/pairfs/internal/editlog"
	"github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/lease"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/namespace"
	"go.uber.org/zap"
)

// CommitSyncRequest is a recovery primary's report of the agreed block
type CommitSyncRequest struct {
	Block       model.Block           `json:"block"`
	NewGenStamp model.GenerationStamp `json:"new_gen_stamp"`
	NewLength   int64                 `json:"new_length"`
	CloseFile   bool                  `json:"close_file"`
	DeleteBlock bool                  `json:"delete_block"`
	NewTargets  []model.NodeID        `json:"new_targets"`
}

// RenewLease refreshes every lease the client holds
func (ns *Namesystem) RenewLease(ctx context.Context, client string) error {
	return ns.writeOp(ctx, "renew_lease", func() error {
		if err := ns.checkWritable("renew_lease"); err != nil {
			return err
		}
		ns.leases.Renew(client)
		return nil
	})
}

// RecoverLease forces recovery of an open file. Returns true once the
// file is closed; false means recovery is under way and the caller should
// poll again.
func (ns *Namesystem) RecoverLease(ctx context.Context, path, client string) (bool, error) {
	closed := false
	err := ns.writeOp(ctx, "recover_lease", func() error {
		if err := ns.checkWritable("recover_lease"); err != nil {
			return err
		}
		file, err := ns.tree.ResolveFile(path)
		if err != nil {
			return err
		}
		if !file.UnderConstruction() {
			closed = true
			return nil
		}
		closed, err = ns.recoverLeaseLocked(file, client, true)
		return err
	})
	return closed, err
}

// recoverLeaseLocked decides whether client may take over file. Without
// force, the current holder must be past its soft limit.
func (ns *Namesystem) recoverLeaseLocked(file *namespace.FileView, client string, force bool) (bool, error) {
	holder, ok := ns.leases.Holder(file.ID)
	if !ok {
		holder = file.ClientName
	}
	if _, recovering := ns.leases.Recovering(file.ID); recovering && !force {
		return false, errors.RecoveryInProgress(file.Path)
	}
	if !force {
		if holder == client {
			return false, errors.LeaseConflict(file.Path, holder, client).
				WithDetail("reason", "file is already open by this client")
		}
		if ok && !ns.leases.SoftExpired(holder) {
			return false, errors.LeaseConflict(file.Path, holder, client)
		}
		ns.logger.Info("Recovering lease past soft limit",
			zap.String("path", file.Path),
			zap.String("holder", holder),
			zap.String("client", client))
	}
	return ns.releaseLeaseLocked(file, holder)
}

// releaseLeaseLocked closes file if its blocks allow it, otherwise moves
// it to RECOVERING under the coordinator's holder name and asks a primary
// storage node to agree on the last block. Returns true if the file was
// closed.
func (ns *Namesystem) releaseLeaseLocked(file *namespace.FileView, holder string) (bool, error) {
	n := len(file.Blocks)
	if n == 0 {
		return true, ns.closeFileLocked(file)
	}
	if n >= 2 && !ns.blocks.IsComplete(file.Blocks[n-2].ID) {
		ns.logger.Warn("Lease release waits for penultimate block",
			zap.String("path", file.Path),
			zap.String("block", file.Blocks[n-2].String()))
		ns.metrics.RecordRecovery("waiting")
		return false, nil
	}

	last := file.Blocks[n-1]
	current, state, ok := ns.blocks.Block(last.ID)
	if !ok {
		return false, errors.InternalError("last block is not tracked", nil).
			WithDetail("path", file.Path).
			WithDetail("block", last.String())
	}

	switch state {
	case model.BlockComplete:
		if file.LastUC {
			if err := ns.tree.CommitLastBlock(file.ID, current.NumBytes); err != nil {
				return false, err
			}
			refreshed, err := ns.tree.File(file.ID)
			if err != nil {
				return false, err
			}
			file = refreshed
		}
		ns.metrics.RecordRecovery("closed")
		return true, ns.closeFileLocked(file)

	case model.BlockCommitted:
		if ns.blocks.IsComplete(last.ID) {
			ns.metrics.RecordRecovery("closed")
			return true, ns.closeFileLocked(file)
		}
		ns.logger.Info("Lease release waits for committed block replicas",
			zap.String("path", file.Path),
			zap.String("block", current.String()))
		ns.metrics.RecordRecovery("waiting")
		return false, nil
	}

	candidates := ns.blocks.RecoveryCandidates(last.ID)
	if state == model.BlockUnderConstruction && len(candidates) == 0 &&
		len(ns.blocks.Expected(last.ID)) == 0 && ns.blocks.TrackedReplicas(last.ID) == 0 && current.NumBytes == 0 {
		// Nothing was ever written to the last block.
		if err := ns.tree.AbandonLastBlock(file.ID, last.ID); err != nil {
			return false, err
		}
		ns.blocks.RemoveBlock(last.ID)
		refreshed, err := ns.tree.File(file.ID)
		if err != nil {
			return false, err
		}
		ns.logEdit(&editlog.Record{Op: editlog.OpUpdateBlocks, Path: file.Path, Blocks: refreshed.Blocks})
		ns.metrics.RecordRecovery("dropped_block")
		return true, ns.closeFileLocked(refreshed)
	}

	recoveryID, err := ns.blocks.StartRecovery(last.ID)
	if err != nil {
		return false, err
	}
	ns.logEdit(&editlog.Record{Op: editlog.OpSetGenStamp, GenStamp: ns.blocks.GenerationStamp()})

	if holder != ns.cfg.HolderName {
		ns.leases.Reassign(file.ID, ns.cfg.HolderName)
		if err := ns.tree.SetClient(file.ID, ns.cfg.HolderName); err != nil {
			return false, err
		}
		ns.logEdit(&editlog.Record{Op: editlog.OpReassignLease, Path: file.Path, ClientName: ns.cfg.HolderName})
	}

	rs := lease.RecoveryState{Block: last.ID, RecoveryID: recoveryID}
	if primary, ok := blockmanager.ChoosePrimary(candidates); ok {
		rs.Primary = primary.Node
		holders := make([]model.NodeID, len(candidates))
		for i, c := range candidates {
			holders[i] = c.Node
		}
		cmd := model.Command{
			Type: model.CommandRecover,
			Recovering: []model.RecoveringBlock{{
				Block:       current,
				NewGenStamp: recoveryID,
				Holders:     holders,
			}},
		}
		if err := ns.nodes.Enqueue(primary.Node, cmd); err != nil {
			ns.logger.Warn("Failed to queue recovery command",
				zap.String("node_id", string(primary.Node)),
				zap.Error(err))
			rs.Primary = ""
		}
	} else {
		ns.logger.Warn("No reachable holder for block under recovery",
			zap.String("path", file.Path),
			zap.String("block", current.String()))
	}

	fl, err := ns.leases.MarkRecovering(file.ID, rs)
	if err != nil {
		return false, errors.InternalError("failed to start lease recovery", err).WithDetail("path", file.Path)
	}
	ns.metrics.RecordRecovery("started")
	ns.logger.Info("Started lease recovery",
		zap.String("path", file.Path),
		zap.String("previous_holder", holder),
		zap.String("block", current.String()),
		zap.Int64("recovery_id", int64(recoveryID)),
		zap.String("primary", string(rs.Primary)),
		zap.Int("attempt", fl.Recovery.Attempts))
	return false, nil
}

// CommitBlockSynchronization installs the outcome of a block recovery.
// Repeating an applied commit succeeds; a commit for a superseded
// recovery is rejected with a stale generation stamp.
func (ns *Namesystem) CommitBlockSynchronization(ctx context.Context, req CommitSyncRequest) error {
	return ns.writeOp(ctx, "commit_block_synchronization", func() error {
		if err := ns.checkWritable("commit_block_synchronization"); err != nil {
			return err
		}
		id := req.Block.ID
		current, state, ok := ns.blocks.Block(id)
		if !ok {
			if req.DeleteBlock {
				return nil
			}
			return errors.BlockNotFound(int64(id))
		}
		if state != model.BlockUnderRecovery {
			if !req.DeleteBlock && current.GenStamp == req.NewGenStamp && current.NumBytes == req.NewLength {
				return nil
			}
			return errors.StaleGenerationStamp(int64(id), int64(current.GenStamp), int64(req.NewGenStamp)).
				WithDetail("reason", "block is not under recovery")
		}
		if recoveryID := ns.blocks.RecoveryID(id); recoveryID != req.NewGenStamp {
			return errors.StaleGenerationStamp(int64(id), int64(recoveryID), int64(req.NewGenStamp))
		}

		fileID, _ := ns.blocks.File(id)
		file, err := ns.tree.File(fileID)
		if err != nil {
			return err
		}
		if !file.UnderConstruction() {
			return errors.InvalidArgument("file of block under recovery is not open", nil).
				WithDetail("path", file.Path)
		}

		if req.DeleteBlock {
			if err := ns.tree.AbandonLastBlock(file.ID, id); err != nil {
				return err
			}
			ns.blocks.RemoveBlock(id)
		} else {
			if err := ns.blocks.CommitRecovery(id, req.NewGenStamp, req.NewLength, req.NewTargets); err != nil {
				return err
			}
			if err := ns.tree.CommitRecoveredBlock(file.ID, id, req.NewGenStamp, req.NewLength); err != nil {
				return err
			}
		}
		if file, err = ns.tree.File(file.ID); err != nil {
			return err
		}

		ns.logger.Info("Committed block synchronization",
			zap.String("path", file.Path),
			zap.Int64("block_id", int64(id)),
			zap.Int64("gen_stamp", int64(req.NewGenStamp)),
			zap.Int64("length", req.NewLength),
			zap.Bool("close_file", req.CloseFile),
			zap.Bool("delete_block", req.DeleteBlock))

		if req.CloseFile {
			ns.metrics.RecordRecovery("closed")
			return ns.closeFileLocked(file)
		}
		ns.leases.ClearRecovery(file.ID)
		ns.logEdit(&editlog.Record{Op: editlog.OpUpdateBlocks, Path: file.Path, Blocks: file.Blocks})
		ns.metrics.RecordRecovery("committed")
		return nil
	})
}

// CheckLeases recovers files whose holders passed the hard limit and
// retries recoveries that have not completed. Each file is decided under
// its own lock acquisition. Returns the number of files acted on.
func (ns *Namesystem) CheckLeases(ctx context.Context) int {
	if ns.InSafeMode() {
		return 0
	}
	ns.mu.RLock()
	expired := ns.leases.HardExpired()
	recovering := ns.leases.RecoveringFiles()
	ns.mu.RUnlock()

	acted := 0
	for _, l := range expired {
		for _, id := range l.Files {
			ns.mu.Lock()
			if ns.releaseExpiredLocked(id, l.Holder) {
				acted++
			}
			ns.mu.Unlock()
		}
	}
	for _, id := range recovering {
		ns.mu.Lock()
		if ns.retryRecoveryLocked(id) {
			acted++
		}
		ns.mu.Unlock()
	}
	if acted > 0 {
		if err := ns.syncLog(ctx); err != nil {
			ns.logger.Error("Failed to sync lease recovery edits", zap.Error(err))
		}
	}
	return acted
}

func (ns *Namesystem) releaseExpiredLocked(id model.INodeID, holder string) bool {
	if h, ok := ns.leases.Holder(id); !ok || h != holder {
		return false
	}
	if ns.leases.Status(id).State != lease.StateHardExpired {
		return false
	}
	file, err := ns.tree.File(id)
	if err != nil || !file.UnderConstruction() {
		ns.leases.Remove(id)
		return false
	}
	ns.logger.Info("Lease hard limit expired",
		zap.String("path", file.Path),
		zap.String("holder", holder))
	if _, err := ns.releaseLeaseLocked(file, holder); err != nil {
		ns.logger.Error("Failed to release expired lease", zap.String("path", file.Path), zap.Error(err))
	}
	return true
}

func (ns *Namesystem) retryRecoveryLocked(id model.INodeID) bool {
	rs, ok := ns.leases.Recovering(id)
	if !ok || ns.clock().Sub(rs.LastAttempt) < ns.cfg.RecoveryRetry {
		return false
	}
	file, err := ns.tree.File(id)
	if err != nil || !file.UnderConstruction() {
		ns.leases.Remove(id)
		return false
	}
	holder, _ := ns.leases.Holder(id)
	if _, err := ns.releaseLeaseLocked(file, holder); err != nil {
		ns.logger.Error("Failed to retry lease recovery", zap.String("path", file.Path), zap.Error(err))
	}
	return true
}
