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

// CreateRequest describes a file to create
type CreateRequest struct {
	Path          string
	Perm          model.PermissionStatus
	ClientName    string
	ClientMachine string
	Overwrite     bool
	CreateParent  bool
	Replication   int16
	BlockSize     int64
}

// Mkdirs creates a directory and any missing ancestors. Returns false if
// it already existed.
func (ns *Namesystem) Mkdirs(ctx context.Context, path string, perm model.PermissionStatus) (bool, error) {
	var created bool
	err := ns.writeOp(ctx, "mkdirs", func() error {
		if err := ns.checkWritable("mkdirs"); err != nil {
			return err
		}
		var err error
		created, err = ns.tree.Mkdirs(path, perm, ns.now())
		if err != nil {
			return err
		}
		if created {
			ns.logEdit(&editlog.Record{Op: editlog.OpMkdir, Path: path, Perm: perm})
		}
		return nil
	})
	return created, err
}

// Create opens a new file for write and grants the client its lease
func (ns *Namesystem) Create(ctx context.Context, req CreateRequest) (*model.FileStatus, error) {
	var status *model.FileStatus
	err := ns.writeOp(ctx, "create", func() error {
		if err := ns.checkWritable("create"); err != nil {
			return err
		}
		if req.ClientName == "" || req.ClientName == ns.cfg.HolderName {
			return errors.InvalidArgument("invalid client name", nil).WithDetail("client", req.ClientName)
		}
		replication, err := ns.validReplication(req.Replication)
		if err != nil {
			return err
		}
		blockSize := req.BlockSize
		if blockSize == 0 {
			blockSize = ns.cfg.DefaultBlockSize
		}

		if existing, err := ns.tree.ResolveFile(req.Path); err == nil {
			if existing.UnderConstruction() {
				closed, err := ns.recoverLeaseLocked(existing, req.ClientName, false)
				if err != nil {
					return err
				}
				if !closed {
					return errors.RecoveryInProgress(req.Path)
				}
			}
			if !req.Overwrite {
				return errors.FileExists(req.Path)
			}
			if err := ns.deleteLocked(req.Path, false); err != nil {
				return err
			}
		} else if !errors.Is(err, errors.ErrCodePathNotFound) {
			return err
		}

		parent := parentOf(req.Path)
		_, perr := ns.tree.Resolve(parent)
		parentMissing := errors.Is(perr, errors.ErrCodePathNotFound)

		id, err := ns.tree.AddFile(req.Path, namespace.FileSpec{
			Perm:          req.Perm,
			Replication:   replication,
			BlockSize:     blockSize,
			ClientName:    req.ClientName,
			ClientMachine: req.ClientMachine,
			Mtime:         ns.now(),
			CreateParent:  req.CreateParent,
		})
		if err != nil {
			return err
		}
		if parentMissing {
			ns.logEdit(&editlog.Record{Op: editlog.OpMkdir, Path: parent, Perm: req.Perm})
		}
		ns.leases.Add(req.ClientName, id)
		ns.logEdit(&editlog.Record{
			Op:            editlog.OpAdd,
			Path:          req.Path,
			Replication:   replication,
			BlockSize:     blockSize,
			ClientName:    req.ClientName,
			ClientMachine: req.ClientMachine,
			Overwrite:     req.Overwrite,
			Perm:          req.Perm,
		})
		status, err = ns.fileInfoLocked(req.Path)
		return err
	})
	return status, err
}

func parentOf(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "/"
}

// AppendResult is what a client needs to continue writing a file
type AppendResult struct {
	Status    *model.FileStatus
	LastBlock *model.LocatedBlock
}

// Append reopens a complete file. A partial last block is returned so the
// client can continue filling it.
func (ns *Namesystem) Append(ctx context.Context, path, client, machine string) (*AppendResult, error) {
	var result *AppendResult
	err := ns.writeOp(ctx, "append", func() error {
		if err := ns.checkWritable("append"); err != nil {
			return err
		}
		if client == "" || client == ns.cfg.HolderName {
			return errors.InvalidArgument("invalid client name", nil).WithDetail("client", client)
		}
		file, err := ns.tree.ResolveFile(path)
		if err != nil {
			return err
		}
		if file.UnderConstruction() {
			closed, err := ns.recoverLeaseLocked(file, client, false)
			if err != nil {
				return err
			}
			if !closed {
				return errors.RecoveryInProgress(path)
			}
		}

		last, err := ns.tree.PrepareAppend(file.ID, client, machine, ns.now())
		if err != nil {
			return err
		}
		if last != nil {
			if err := ns.blocks.ConvertToUnderConstruction(last.ID); err != nil {
				return err
			}
		}
		ns.leases.Add(client, file.ID)

		file, err = ns.tree.File(file.ID)
		if err != nil {
			return err
		}
		ns.logEdit(&editlog.Record{
			Op:            editlog.OpAppend,
			Path:          path,
			ClientName:    client,
			ClientMachine: machine,
			Blocks:        file.Blocks,
			LastUC:        file.LastUC,
		})

		result = &AppendResult{}
		if result.Status, err = ns.fileInfoLocked(path); err != nil {
			return err
		}
		if last != nil {
			lb := ns.locate(*last, file.Length()-last.NumBytes)
			result.LastBlock = &lb
		}
		return nil
	})
	return result, err
}

// checkLeaseLocked returns the open file at path if client holds its lease
func (ns *Namesystem) checkLeaseLocked(path, client string) (*namespace.FileView, error) {
	file, err := ns.tree.ResolveFile(path)
	if err != nil {
		return nil, err
	}
	if !file.UnderConstruction() {
		return nil, errors.LeaseExpired(path, client, "file is not open for write")
	}
	if _, recovering := ns.leases.Recovering(file.ID); recovering {
		return nil, errors.RecoveryInProgress(path)
	}
	holder, ok := ns.leases.Holder(file.ID)
	if !ok || holder != client {
		return nil, errors.LeaseExpired(path, client, "lease is held by another client").
			WithDetail("holder", holder)
	}
	return file, nil
}

// AddBlock allocates the next block of an open file on freshly chosen
// storage nodes, committing the length of the previous block. A retried
// call returns the block allocated by the first attempt.
func (ns *Namesystem) AddBlock(ctx context.Context, path, client string, previous *model.Block, exclude []model.NodeID) (*model.LocatedBlock, error) {
	var located *model.LocatedBlock
	err := ns.writeOp(ctx, "add_block", func() error {
		if err := ns.checkWritable("add_block"); err != nil {
			return err
		}
		file, err := ns.checkLeaseLocked(path, client)
		if err != nil {
			return err
		}
		ns.leases.Renew(client)

		n := len(file.Blocks)
		if file.LastUC && retriedAddBlock(file.Blocks, previous) {
			lb := ns.locate(file.Blocks[n-1], file.Length()-file.Blocks[n-1].NumBytes)
			located = &lb
			return nil
		}
		if n > 0 && (previous == nil || previous.ID != file.Blocks[n-1].ID) {
			return errors.InvalidArgument("previous block does not match the last block", nil).
				WithDetail("path", path).
				WithDetail("last", file.Blocks[n-1].String())
		}
		if n == 0 && previous != nil {
			return errors.InvalidArgument("file has no blocks", nil).WithDetail("path", path)
		}
		// Everything before the block being committed must be minimally replicated.
		if n >= 2 && !ns.blocks.IsComplete(file.Blocks[n-2].ID) {
			return errors.NotReplicatedYet(int64(file.Blocks[n-2].ID))
		}

		excluded := make(map[model.NodeID]bool, len(exclude))
		for _, id := range exclude {
			excluded[id] = true
		}
		targets := ns.blocks.ChooseTargets(int(file.Replication), file.BlockSize, excluded)
		if len(targets) < int(ns.cfg.MinReplication) {
			return errors.InsufficientNodes(0, int(file.Replication), len(targets)).WithDetail("path", path)
		}

		b := ns.blocks.AllocateBlock(file.ID, file.Replication, targets)
		if err := ns.tree.AddBlock(file.ID, previous, b); err != nil {
			ns.blocks.RemoveBlock(b.ID)
			return err
		}
		if previous != nil {
			if err := ns.blocks.CommitBlock(previous.ID, previous.NumBytes); err != nil {
				return err
			}
		}

		file, err = ns.tree.File(file.ID)
		if err != nil {
			return err
		}
		ns.logEdit(&editlog.Record{Op: editlog.OpAddBlock, Path: path, Blocks: file.Blocks, LastUC: true})

		lb := ns.locateTargets(b, file.Length()-b.NumBytes, targets)
		located = &lb
		ns.logger.Debug("Allocated block",
			zap.String("path", path),
			zap.String("block", b.String()),
			zap.Int("targets", len(targets)))
		return nil
	})
	return located, err
}

// retriedAddBlock reports whether previous names the block before the
// current under-construction last block, meaning the caller is retrying
// an allocation that already happened.
func retriedAddBlock(blocks []model.Block, previous *model.Block) bool {
	n := len(blocks)
	if n == 0 {
		return false
	}
	if previous == nil {
		return n == 1
	}
	return n >= 2 && blocks[n-2].ID == previous.ID
}

// AbandonBlock drops the client's last allocated block
func (ns *Namesystem) AbandonBlock(ctx context.Context, path, client string, blockID model.BlockID) error {
	return ns.writeOp(ctx, "abandon_block", func() error {
		if err := ns.checkWritable("abandon_block"); err != nil {
			return err
		}
		file, err := ns.checkLeaseLocked(path, client)
		if err != nil {
			return err
		}
		if err := ns.tree.AbandonLastBlock(file.ID, blockID); err != nil {
			return err
		}
		ns.blocks.RemoveBlock(blockID)
		file, err = ns.tree.File(file.ID)
		if err != nil {
			return err
		}
		ns.logEdit(&editlog.Record{Op: editlog.OpUpdateBlocks, Path: path, Blocks: file.Blocks, LastUC: file.LastUC})
		return nil
	})
}

// Complete commits the last block and closes the file once every block
// is minimally replicated. Until then NotReplicatedYet is returned and the
// client retries; the commit itself is kept.
func (ns *Namesystem) Complete(ctx context.Context, path, client string, last *model.Block) error {
	return ns.writeOp(ctx, "complete", func() error {
		if err := ns.checkWritable("complete"); err != nil {
			return err
		}
		if file, err := ns.tree.ResolveFile(path); err == nil && !file.UnderConstruction() {
			if lb := file.LastBlock(); last == nil || (lb != nil && lb.ID == last.ID) {
				return nil
			}
		}
		file, err := ns.checkLeaseLocked(path, client)
		if err != nil {
			return err
		}

		if lb := file.LastBlock(); lb != nil {
			if last == nil || last.ID != lb.ID {
				return errors.InvalidArgument("last block does not match", nil).
					WithDetail("path", path).
					WithDetail("last", lb.String())
			}
			if file.LastUC {
				if err := ns.blocks.CommitBlock(last.ID, last.NumBytes); err != nil {
					return err
				}
				if err := ns.tree.CommitLastBlock(file.ID, last.NumBytes); err != nil {
					return err
				}
				if file, err = ns.tree.File(file.ID); err != nil {
					return err
				}
				ns.logEdit(&editlog.Record{Op: editlog.OpUpdateBlocks, Path: path, Blocks: file.Blocks})
			}
		} else if last != nil {
			return errors.BlockNotFound(int64(last.ID)).WithDetail("path", path)
		}

		for _, b := range file.Blocks {
			if !ns.blocks.IsComplete(b.ID) {
				return errors.NotReplicatedYet(int64(b.ID))
			}
		}
		return ns.closeFileLocked(file)
	})
}

// closeFileLocked finalizes an open file whose blocks are all committed
// and releases its lease.
func (ns *Namesystem) closeFileLocked(file *namespace.FileView) error {
	if err := ns.tree.FinalizeFile(file.ID, ns.now()); err != nil {
		return err
	}
	ns.leases.Remove(file.ID)
	ns.logEdit(&editlog.Record{Op: editlog.OpClose, Path: file.Path, Blocks: file.Blocks})
	ns.logger.Debug("Closed file", zap.String("path", file.Path), zap.Int64("length", file.Length()))
	return nil
}

// Delete removes path. Returns false if nothing existed there.
func (ns *Namesystem) Delete(ctx context.Context, path string, recursive bool) (bool, error) {
	deleted := false
	err := ns.writeOp(ctx, "delete", func() error {
		if err := ns.checkWritable("delete"); err != nil {
			return err
		}
		err := ns.deleteLocked(path, recursive)
		if errors.Is(err, errors.ErrCodePathNotFound) {
			return nil
		}
		deleted = err == nil
		return err
	})
	return deleted, err
}

func (ns *Namesystem) deleteLocked(path string, recursive bool) error {
	if err := ns.removeLocked(path, recursive); err != nil {
		return err
	}
	ns.logEdit(&editlog.Record{Op: editlog.OpDelete, Path: path, Recursive: recursive})
	return nil
}

// removeLocked deletes path from the tree and releases its leases and
// blocks without logging.
func (ns *Namesystem) removeLocked(path string, recursive bool) error {
	res, err := ns.tree.Delete(path, recursive, ns.now())
	if err != nil {
		return err
	}
	for _, id := range res.Files {
		ns.leases.Remove(id)
	}
	for _, b := range res.Blocks {
		ns.blocks.RemoveBlock(b.ID)
	}
	return nil
}

// Rename moves src to dst. If dst is a directory, src moves inside it.
// Returns the resulting path.
func (ns *Namesystem) Rename(ctx context.Context, src, dst string) (string, error) {
	var result string
	err := ns.writeOp(ctx, "rename", func() error {
		if err := ns.checkWritable("rename"); err != nil {
			return err
		}
		var err error
		result, err = ns.tree.Rename(src, dst, ns.now())
		if err != nil {
			return err
		}
		if result != src {
			ns.logEdit(&editlog.Record{Op: editlog.OpRename, Path: src, Dst: result})
		}
		return nil
	})
	return result, err
}

// SetReplication changes a file's replication factor. Returns the old
// value.
func (ns *Namesystem) SetReplication(ctx context.Context, path string, replication int16) (int16, error) {
	var old int16
	err := ns.writeOp(ctx, "set_replication", func() error {
		if err := ns.checkWritable("set_replication"); err != nil {
			return err
		}
		if replication <= 0 {
			return errors.InvalidArgument(fmt.Sprintf("invalid replication %d", replication), nil)
		}
		r, err := ns.validReplication(replication)
		if err != nil {
			return err
		}
		if old, err = ns.tree.SetReplication(path, r); err != nil {
			return err
		}
		file, err := ns.tree.ResolveFile(path)
		if err != nil {
			return err
		}
		for _, b := range file.Blocks {
			ns.blocks.SetReplication(b.ID, r)
		}
		ns.logEdit(&editlog.Record{Op: editlog.OpSetReplication, Path: path, Replication: r})
		return nil
	})
	return old, err
}

// SetQuota sets namespace and space quotas on a directory. QuotaReset
// clears a limit and QuotaDontSet leaves it unchanged.
func (ns *Namesystem) SetQuota(ctx context.Context, path string, nsQuota, dsQuota int64) error {
	return ns.writeOp(ctx, "set_quota", func() error {
		if err := ns.checkWritable("set_quota"); err != nil {
			return err
		}
		if err := ns.tree.SetQuota(path, nsQuota, dsQuota); err != nil {
			return err
		}
		_, quota, err := ns.tree.Quota(path)
		if err != nil {
			return err
		}
		ns.logEdit(&editlog.Record{Op: editlog.OpSetQuota, Path: path, NSQuota: quota.Namespace, DSQuota: quota.Space})
		return nil
	})
}

// GetFileInfo describes path
func (ns *Namesystem) GetFileInfo(ctx context.Context, path string) (*model.FileStatus, error) {
	var status *model.FileStatus
	err := ns.readOp("get_file_info", func() error {
		var err error
		status, err = ns.fileInfoLocked(path)
		return err
	})
	return status, err
}

func (ns *Namesystem) fileInfoLocked(path string) (*model.FileStatus, error) {
	status, err := ns.tree.FileInfo(path)
	if err != nil {
		return nil, err
	}
	if !status.IsDir && status.State == model.FileUnderConstruction {
		if id, err := ns.tree.Resolve(path); err == nil {
			status.LeaseState = string(ns.leases.Status(id).State)
		}
	}
	return status, nil
}

// ListStatus lists a directory, or describes a single file
func (ns *Namesystem) ListStatus(ctx context.Context, path string) ([]model.FileStatus, error) {
	var out []model.FileStatus
	err := ns.readOp("list_status", func() error {
		var err error
		out, err = ns.tree.List(path)
		return err
	})
	return out, err
}

// GetContentSummary aggregates the subtree at path
func (ns *Namesystem) GetContentSummary(ctx context.Context, path string) (*model.ContentSummary, error) {
	var cs *model.ContentSummary
	err := ns.readOp("get_content_summary", func() error {
		var err error
		cs, err = ns.tree.ContentSummary(path)
		return err
	})
	return cs, err
}

// QuotaUsage is a directory's cached usage and its limits
type QuotaUsage struct {
	Usage model.QuotaCounts `json:"usage"`
	Quota model.QuotaCounts `json:"quota"`
}

// GetQuota returns the usage and quota of a directory
func (ns *Namesystem) GetQuota(ctx context.Context, path string) (*QuotaUsage, error) {
	var qu *QuotaUsage
	err := ns.readOp("get_quota", func() error {
		usage, quota, err := ns.tree.Quota(path)
		if err != nil {
			return err
		}
		qu = &QuotaUsage{Usage: usage, Quota: quota}
		return nil
	})
	return qu, err
}

// GetBlockLocations returns the blocks of a file overlapping
// [offset, offset+length) with the nodes serving each.
func (ns *Namesystem) GetBlockLocations(ctx context.Context, path string, offset, length int64) (*model.LocatedBlocks, error) {
	if offset < 0 || length < 0 {
		return nil, errors.InvalidArgument("offset and length must not be negative", nil)
	}
	var out *model.LocatedBlocks
	err := ns.readOp("get_block_locations", func() error {
		file, err := ns.tree.ResolveFile(path)
		if err != nil {
			return err
		}
		out = &model.LocatedBlocks{
			FileLength:        file.Length(),
			UnderConstruction: file.UnderConstruction(),
		}
		var pos int64
		for i, b := range file.Blocks {
			lb := ns.locate(b, pos)
			end := pos + b.NumBytes
			if end > offset && pos < offset+length || (b.NumBytes == 0 && pos >= offset && pos <= offset+length) {
				out.Blocks = append(out.Blocks, lb)
			}
			if i == len(file.Blocks)-1 {
				out.LastBlock = &lb
				_, state, _ := ns.blocks.Block(b.ID)
				out.LastBlockIsComplete = state == model.BlockComplete
			}
			pos = end
		}
		return nil
	})
	return out, err
}

// locate resolves the readable locations of b. Called with the lock held.
func (ns *Namesystem) locate(b model.Block, offset int64) model.LocatedBlock {
	nodes, corrupt := ns.blocks.Locations(b.ID)
	if current, _, ok := ns.blocks.Block(b.ID); ok {
		b = current
	}
	lb := ns.locateTargets(b, offset, nodes)
	lb.Corrupt = corrupt
	return lb
}

func (ns *Namesystem) locateTargets(b model.Block, offset int64, nodes []model.NodeID) model.LocatedBlock {
	lb := model.LocatedBlock{Block: b, Offset: offset}
	for _, id := range nodes {
		info := model.DatanodeInfo{NodeID: id}
		if st, ok := ns.nodes.Node(id); ok {
			info.Address = st.Address
		}
		lb.Locations = append(lb.Locations, info)
	}
	return lb
}

// GetReplicaCounts partitions the replicas of a block
func (ns *Namesystem) GetReplicaCounts(ctx context.Context, id model.BlockID) (model.NumberReplicas, error) {
	var nr model.NumberReplicas
	err := ns.readOp("get_replica_counts", func() error {
		var err error
		nr, err = ns.blocks.CountReplicas(id)
		return err
	})
	return nr, err
}
