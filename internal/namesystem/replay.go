package namesystem

import (
	"context"
	"fmt"

	"github.com/devrev/pairfs/internal/editlog"
	"github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/namespace"
	"go.uber.org/zap"
)

// Load replays what the sink already holds and positions the log after
// the last replayed record. Must run before any operation is served.
func (ns *Namesystem) Load(ctx context.Context) error {
	sink := ns.log.Sink()
	records, err := sink.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to read edit log: %w", err)
	}
	if err := ns.Replay(records); err != nil {
		return err
	}

	var last int64
	if len(records) > 0 {
		last = records[len(records)-1].TxID
	}
	ns.mu.Lock()
	ns.log = editlog.NewLog(sink, last, ns.logger)
	ns.mu.Unlock()

	ns.logger.Info("Loaded namespace from edit log",
		zap.Int("records", len(records)),
		zap.Int64("last_txid", last),
		zap.Int("inodes", ns.tree.NumINodes()))
	return nil
}

// Replay applies records without logging them. Records carry resulting
// values, so replaying a record that is already reflected leaves the
// state unchanged.
func (ns *Namesystem) Replay(records []*editlog.Record) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for _, r := range records {
		if err := ns.applyLocked(r); err != nil {
			return fmt.Errorf("failed to replay txid %d (%s %s): %w", r.TxID, r.Op, r.Path, err)
		}
	}
	return nil
}

func (ns *Namesystem) applyLocked(r *editlog.Record) error {
	switch r.Op {
	case editlog.OpMkdir:
		_, err := ns.tree.Mkdirs(r.Path, r.Perm, r.Timestamp)
		return err

	case editlog.OpAdd:
		return ns.applyAdd(r)

	case editlog.OpAppend:
		file, err := ns.tree.ResolveFile(r.Path)
		if err != nil {
			return err
		}
		if !file.UnderConstruction() {
			if _, err := ns.tree.PrepareAppend(file.ID, r.ClientName, r.ClientMachine, r.Timestamp); err != nil {
				return err
			}
			if file, err = ns.tree.File(file.ID); err != nil {
				return err
			}
		}
		if err := ns.applyBlocks(file, r.Blocks, r.LastUC); err != nil {
			return err
		}
		if err := ns.tree.SetClient(file.ID, r.ClientName); err != nil {
			return err
		}
		ns.leases.Add(r.ClientName, file.ID)
		return nil

	case editlog.OpAddBlock, editlog.OpUpdateBlocks:
		file, err := ns.tree.ResolveFile(r.Path)
		if err != nil {
			return err
		}
		return ns.applyBlocks(file, r.Blocks, r.LastUC)

	case editlog.OpClose:
		file, err := ns.tree.ResolveFile(r.Path)
		if err != nil {
			return err
		}
		if err := ns.applyBlocks(file, r.Blocks, false); err != nil {
			return err
		}
		for _, b := range r.Blocks {
			ns.blocks.PutBlock(b, file.ID, file.Replication, model.BlockComplete, nil)
		}
		if file.UnderConstruction() {
			if err := ns.tree.FinalizeFile(file.ID, r.Timestamp); err != nil {
				return err
			}
		}
		ns.leases.Remove(file.ID)
		return nil

	case editlog.OpDelete:
		err := ns.removeLocked(r.Path, r.Recursive)
		if errors.Is(err, errors.ErrCodePathNotFound) {
			return nil
		}
		return err

	case editlog.OpRename:
		if _, err := ns.tree.Resolve(r.Path); errors.Is(err, errors.ErrCodePathNotFound) {
			if _, err := ns.tree.Resolve(r.Dst); err == nil {
				return nil
			}
		}
		_, err := ns.tree.Rename(r.Path, r.Dst, r.Timestamp)
		return err

	case editlog.OpSetQuota:
		return ns.tree.SetQuota(r.Path, r.NSQuota, r.DSQuota)

	case editlog.OpSetReplication:
		if _, err := ns.tree.SetReplication(r.Path, r.Replication); err != nil {
			return err
		}
		file, err := ns.tree.ResolveFile(r.Path)
		if err != nil {
			return err
		}
		for _, b := range file.Blocks {
			ns.blocks.SetReplication(b.ID, r.Replication)
		}
		return nil

	case editlog.OpSetGenStamp:
		ns.blocks.SetGenerationStamp(r.GenStamp)
		return nil

	case editlog.OpReassignLease:
		file, err := ns.tree.ResolveFile(r.Path)
		if err != nil {
			return err
		}
		if !file.UnderConstruction() {
			return nil
		}
		ns.leases.Reassign(file.ID, r.ClientName)
		return ns.tree.SetClient(file.ID, r.ClientName)
	}
	return errors.InvalidArgument(fmt.Sprintf("unknown edit op %s", r.Op), nil)
}

func (ns *Namesystem) applyAdd(r *editlog.Record) error {
	existing, err := ns.tree.ResolveFile(r.Path)
	switch {
	case err == nil:
		if !r.Overwrite {
			return nil
		}
		if existing.UnderConstruction() && existing.ClientName == r.ClientName && len(existing.Blocks) == 0 {
			return nil
		}
		if err := ns.removeLocked(r.Path, false); err != nil {
			return err
		}
	case !errors.Is(err, errors.ErrCodePathNotFound):
		return err
	}

	id, err := ns.tree.AddFile(r.Path, namespace.FileSpec{
		Perm:          r.Perm,
		Replication:   r.Replication,
		BlockSize:     r.BlockSize,
		ClientName:    r.ClientName,
		ClientMachine: r.ClientMachine,
		Mtime:         r.Timestamp,
	})
	if err != nil {
		return err
	}
	ns.leases.Add(r.ClientName, id)
	return nil
}

// applyBlocks installs a logged block list on file. Blocks no longer
// listed are forgotten. The last block of an open file is under
// construction or committed; everything else is complete.
func (ns *Namesystem) applyBlocks(file *namespace.FileView, blocks []model.Block, lastUC bool) error {
	keep := make(map[model.BlockID]bool, len(blocks))
	for _, b := range blocks {
		keep[b.ID] = true
	}
	for _, b := range file.Blocks {
		if !keep[b.ID] {
			ns.blocks.RemoveBlock(b.ID)
		}
	}
	if err := ns.tree.SetBlocks(file.ID, blocks, lastUC); err != nil {
		return err
	}
	for i, b := range blocks {
		state := model.BlockComplete
		if i == len(blocks)-1 && file.UnderConstruction() {
			state = model.BlockCommitted
			if lastUC {
				state = model.BlockUnderConstruction
			}
		}
		ns.blocks.PutBlock(b, file.ID, file.Replication, state, nil)
	}
	return nil
}
