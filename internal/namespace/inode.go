package namespace

import (
	"github.com/devrev/pairfs/internal/model"
)

// RootID is the handle of the root directory
const RootID model.INodeID = 1

// inode is an entry in the arena. The parent link is a plain handle; the
// parent's children map owns the child.
type inode struct {
	id     model.INodeID
	parent model.INodeID
	name   string
	perm   model.PermissionStatus
	mtime  int64

	dir  *dirData
	file *fileData
}

// dirData holds directory state. usage covers the entries strictly below
// the directory.
type dirData struct {
	children map[string]model.INodeID
	usage    model.QuotaCounts
	quota    model.QuotaCounts
}

type fileData struct {
	blocks        []model.Block
	lastUC        bool
	replication   int16
	blockSize     int64
	state         model.FileState
	clientName    string
	clientMachine string
}

// length is the sum of block lengths, including a provisional last block
func (f *fileData) length() int64 {
	var total int64
	for _, b := range f.blocks {
		total += b.NumBytes
	}
	return total
}

// diskspace is what the file charges against space quotas. An
// under-construction last block is charged a full block.
func (f *fileData) diskspace() int64 {
	var size int64
	for i, b := range f.blocks {
		if i == len(f.blocks)-1 && f.lastUC {
			size += f.blockSize
		} else {
			size += b.NumBytes
		}
	}
	return size * int64(f.replication)
}

// counts is what the subtree rooted at n contributes to its ancestors
func (n *inode) counts() model.QuotaCounts {
	if n.dir != nil {
		return model.QuotaCounts{Namespace: 1 + n.dir.usage.Namespace, Space: n.dir.usage.Space}
	}
	return model.QuotaCounts{Namespace: 1, Space: n.file.diskspace()}
}

// FileView is a read-only copy of a file's state
type FileView struct {
	ID            model.INodeID
	Path          string
	Blocks        []model.Block
	LastUC        bool
	Replication   int16
	BlockSize     int64
	State         model.FileState
	ClientName    string
	ClientMachine string
}

// LastBlock returns the final block, or nil for an empty file
func (v *FileView) LastBlock() *model.Block {
	if len(v.Blocks) == 0 {
		return nil
	}
	b := v.Blocks[len(v.Blocks)-1]
	return &b
}

// Length returns the file length
func (v *FileView) Length() int64 {
	var total int64
	for _, b := range v.Blocks {
		total += b.NumBytes
	}
	return total
}

// UnderConstruction reports whether the file is open for write
func (v *FileView) UnderConstruction() bool {
	return v.State == model.FileUnderConstruction
}
