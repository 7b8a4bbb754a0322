package namespace

import (
	"fmt"
	"sort"

	"github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
)

func cloneBlocks(blocks []model.Block) []model.Block {
	out := make([]model.Block, len(blocks))
	copy(out, blocks)
	return out
}

// replaceBlocks swaps the block list of a file and charges the space
// difference to every ancestor.
func (t *Tree) replaceBlocks(n *inode, blocks []model.Block, lastUC bool, verify bool) error {
	f := n.file
	next := fileData{blocks: blocks, lastUC: lastUC && len(blocks) > 0, replication: f.replication, blockSize: f.blockSize}
	delta := next.diskspace() - f.diskspace()
	if err := t.updateCount(n.parent, 0, model.QuotaCounts{Space: delta}, verify); err != nil {
		return err
	}
	f.blocks = blocks
	f.lastUC = next.lastUC
	return nil
}

func (t *Tree) underConstruction(id model.INodeID) (*inode, error) {
	n, err := t.fileNode(id)
	if err != nil {
		return nil, err
	}
	if n.file.state != model.FileUnderConstruction {
		return nil, errors.InvalidArgument(fmt.Sprintf("%s is not under construction", t.pathOf(id)), nil)
	}
	return n, nil
}

// AddBlock appends a new under-construction block. If prev names the
// current last block, its reported length is committed in the same step.
// The full block size is reserved against space quotas.
func (t *Tree) AddBlock(id model.INodeID, prev *model.Block, b model.Block) error {
	n, err := t.underConstruction(id)
	if err != nil {
		return err
	}
	if prev != nil && (prev.NumBytes < 0 || prev.NumBytes > n.file.blockSize) {
		return errors.InvalidArgument(fmt.Sprintf("invalid block length %d for %s", prev.NumBytes, t.pathOf(id)), nil).
			WithDetail("block", prev.String())
	}
	blocks := cloneBlocks(n.file.blocks)
	if prev != nil && len(blocks) > 0 && blocks[len(blocks)-1].ID == prev.ID {
		blocks[len(blocks)-1].NumBytes = prev.NumBytes
	}
	blocks = append(blocks, b)
	return t.replaceBlocks(n, blocks, true, true)
}

// CommitLastBlock fixes the length of the last block and releases the
// unused part of its reservation.
func (t *Tree) CommitLastBlock(id model.INodeID, length int64) error {
	n, err := t.underConstruction(id)
	if err != nil {
		return err
	}
	if len(n.file.blocks) == 0 {
		return nil
	}
	if length < 0 || length > n.file.blockSize {
		return errors.InvalidArgument(fmt.Sprintf("invalid block length %d for %s", length, t.pathOf(id)), nil)
	}
	blocks := cloneBlocks(n.file.blocks)
	blocks[len(blocks)-1].NumBytes = length
	return t.replaceBlocks(n, blocks, false, false)
}

// AbandonLastBlock drops the last block if it is blockID and still under
// construction.
func (t *Tree) AbandonLastBlock(id model.INodeID, blockID model.BlockID) error {
	n, err := t.underConstruction(id)
	if err != nil {
		return err
	}
	blocks := n.file.blocks
	if len(blocks) == 0 || blocks[len(blocks)-1].ID != blockID || !n.file.lastUC {
		return errors.BlockNotFound(int64(blockID)).WithDetail("path", t.pathOf(id))
	}
	return t.replaceBlocks(n, cloneBlocks(blocks[:len(blocks)-1]), false, false)
}

// CommitRecoveredBlock installs the length and generation stamp agreed
// during recovery. Space is charged without a quota check since the bytes
// already exist on storage nodes.
func (t *Tree) CommitRecoveredBlock(id model.INodeID, blockID model.BlockID, gs model.GenerationStamp, length int64) error {
	n, err := t.underConstruction(id)
	if err != nil {
		return err
	}
	blocks := cloneBlocks(n.file.blocks)
	if len(blocks) == 0 || blocks[len(blocks)-1].ID != blockID {
		return errors.BlockNotFound(int64(blockID)).WithDetail("path", t.pathOf(id))
	}
	blocks[len(blocks)-1].GenStamp = gs
	blocks[len(blocks)-1].NumBytes = length
	return t.replaceBlocks(n, blocks, false, false)
}

// SetBlocks overwrites the block list without quota checks. Used when
// replaying logged state.
func (t *Tree) SetBlocks(id model.INodeID, blocks []model.Block, lastUC bool) error {
	n, err := t.fileNode(id)
	if err != nil {
		return err
	}
	return t.replaceBlocks(n, cloneBlocks(blocks), lastUC, false)
}

// SetLastBlockGenStamp bumps the stamp of the last block in place
func (t *Tree) SetLastBlockGenStamp(id model.INodeID, gs model.GenerationStamp) error {
	n, err := t.fileNode(id)
	if err != nil {
		return err
	}
	if len(n.file.blocks) == 0 {
		return errors.InvalidArgument(fmt.Sprintf("%s has no blocks", t.pathOf(id)), nil)
	}
	n.file.blocks[len(n.file.blocks)-1].GenStamp = gs
	return nil
}

// PrepareAppend reopens a complete file for client. A partial last block
// becomes under construction again and its full size is reserved; that
// block is returned. Nothing changes if the reservation fails.
func (t *Tree) PrepareAppend(id model.INodeID, client, machine string, mtime int64) (*model.Block, error) {
	n, err := t.fileNode(id)
	if err != nil {
		return nil, err
	}
	f := n.file
	if f.state == model.FileUnderConstruction {
		return nil, errors.InvalidArgument(fmt.Sprintf("%s is already under construction", t.pathOf(id)), nil)
	}

	var last *model.Block
	if len(f.blocks) > 0 && f.blocks[len(f.blocks)-1].NumBytes < f.blockSize {
		if err := t.replaceBlocks(n, cloneBlocks(f.blocks), true, true); err != nil {
			return nil, err
		}
		b := f.blocks[len(f.blocks)-1]
		last = &b
	}
	f.state = model.FileUnderConstruction
	f.clientName = client
	f.clientMachine = machine
	n.mtime = mtime
	return last, nil
}

// FinalizeFile marks an under-construction file complete
func (t *Tree) FinalizeFile(id model.INodeID, mtime int64) error {
	n, err := t.underConstruction(id)
	if err != nil {
		return err
	}
	if n.file.lastUC {
		return errors.InvalidArgument(fmt.Sprintf("last block of %s is not committed", t.pathOf(id)), nil)
	}
	n.file.state = model.FileComplete
	n.file.clientName = ""
	n.file.clientMachine = ""
	n.mtime = mtime
	return nil
}

// SetClient records a new lease holder on an open file
func (t *Tree) SetClient(id model.INodeID, client string) error {
	n, err := t.underConstruction(id)
	if err != nil {
		return err
	}
	n.file.clientName = client
	return nil
}

// SetReplication changes the replication factor of a file. Raising it is
// verified against space quotas.
func (t *Tree) SetReplication(path string, replication int16) (int16, error) {
	if replication <= 0 {
		return 0, errors.InvalidArgument(fmt.Sprintf("invalid replication %d", replication), nil)
	}
	n, err := t.lookupPath(path)
	if err != nil {
		return 0, err
	}
	if n.file == nil {
		return 0, errors.IsADirectory(path)
	}
	f := n.file
	old := f.replication
	next := *f
	next.replication = replication
	delta := next.diskspace() - f.diskspace()
	if err := t.updateCount(n.parent, 0, model.QuotaCounts{Space: delta}, true); err != nil {
		return 0, err
	}
	f.replication = replication
	return old, nil
}

// ContentSummary aggregates the subtree at path
func (t *Tree) ContentSummary(path string) (*model.ContentSummary, error) {
	n, err := t.lookupPath(path)
	if err != nil {
		return nil, err
	}
	cs := &model.ContentSummary{NSQuota: model.QuotaReset, SpaceQuota: model.QuotaReset}
	if n.dir != nil {
		cs.NSQuota = n.dir.quota.Namespace
		cs.SpaceQuota = n.dir.quota.Space
	}
	t.summarize(n, cs)
	return cs, nil
}

func (t *Tree) summarize(n *inode, cs *model.ContentSummary) {
	if n.file != nil {
		cs.FileCount++
		cs.Length += n.file.length()
		cs.SpaceConsumed += n.file.diskspace()
		return
	}
	cs.DirectoryCount++
	for _, childID := range n.dir.children {
		t.summarize(t.inodes[childID], cs)
	}
}

func (t *Tree) status(n *inode) model.FileStatus {
	st := model.FileStatus{
		Path:             t.pathOf(n.id),
		IsDir:            n.dir != nil,
		ModificationTime: n.mtime,
		Permission:       n.perm,
	}
	if n.dir != nil {
		st.ChildrenNum = len(n.dir.children)
		return st
	}
	st.Length = n.file.length()
	st.Replication = n.file.replication
	st.BlockSize = n.file.blockSize
	st.State = n.file.state
	return st
}

// FileInfo describes the entry at path
func (t *Tree) FileInfo(path string) (*model.FileStatus, error) {
	n, err := t.lookupPath(path)
	if err != nil {
		return nil, err
	}
	st := t.status(n)
	return &st, nil
}

// List describes the children of a directory ordered by name, or the
// entry itself for a file
func (t *Tree) List(path string) ([]model.FileStatus, error) {
	n, err := t.lookupPath(path)
	if err != nil {
		return nil, err
	}
	if n.file != nil {
		return []model.FileStatus{t.status(n)}, nil
	}
	names := make([]string, 0, len(n.dir.children))
	for name := range n.dir.children {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]model.FileStatus, 0, len(names))
	for _, name := range names {
		out = append(out, t.status(t.inodes[n.dir.children[name]]))
	}
	return out, nil
}

// VerifyCounts recomputes every directory's usage from scratch and reports
// the first directory whose cached counters disagree.
func (t *Tree) VerifyCounts() error {
	_, err := t.recount(t.inodes[RootID])
	return err
}

func (t *Tree) recount(n *inode) (model.QuotaCounts, error) {
	if n.file != nil {
		return model.QuotaCounts{Namespace: 1, Space: n.file.diskspace()}, nil
	}
	var below model.QuotaCounts
	for _, childID := range n.dir.children {
		c, err := t.recount(t.inodes[childID])
		if err != nil {
			return below, err
		}
		below = below.Add(c)
	}
	if below != n.dir.usage {
		return below, errors.InternalError(fmt.Sprintf("cached usage of %s is %+v, computed %+v",
			t.pathOf(n.id), n.dir.usage, below), nil)
	}
	return model.QuotaCounts{Namespace: 1 + below.Namespace, Space: below.Space}, nil
}
