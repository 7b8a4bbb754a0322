package editlog

import (
	"fmt"

	"github.com/devrev/pairfs/internal/model"
)

// Op identifies a logged mutation
type Op uint8

const (
	OpInvalid Op = iota
	OpMkdir
	OpAdd
	OpAppend
	OpAddBlock
	OpUpdateBlocks
	OpClose
	OpDelete
	OpRename
	OpSetQuota
	OpSetReplication
	OpSetGenStamp
	OpReassignLease
)

var opNames = map[Op]string{
	OpMkdir:          "mkdir",
	OpAdd:            "add",
	OpAppend:         "append",
	OpAddBlock:       "add_block",
	OpUpdateBlocks:   "update_blocks",
	OpClose:          "close",
	OpDelete:         "delete",
	OpRename:         "rename",
	OpSetQuota:       "set_quota",
	OpSetReplication: "set_replication",
	OpSetGenStamp:    "set_gen_stamp",
	OpReassignLease:  "reassign_lease",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Record describes one committed mutation. Records carry resulting
// values rather than deltas, so applying one twice leaves the same state.
type Record struct {
	TxID          int64
	Op            Op
	Path          string
	Dst           string
	Timestamp     int64
	Replication   int16
	BlockSize     int64
	ClientName    string
	ClientMachine string
	NSQuota       int64
	DSQuota       int64
	Blocks        []model.Block
	LastUC        bool
	GenStamp      model.GenerationStamp
	Overwrite     bool
	Recursive     bool
	Perm          model.PermissionStatus
}
