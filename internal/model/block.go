package model

import "fmt"

// BlockID identifies a block cluster-wide
type BlockID int64

// GenerationStamp versions a block; bumped on every recovery
type GenerationStamp int64

// NodeID identifies a storage node
type NodeID string

// StorageID identifies one storage slot on a storage node
type StorageID string

// Block is a block identity plus its current version and length
type Block struct {
	ID       BlockID         `json:"id"`
	GenStamp GenerationStamp `json:"gen_stamp"`
	NumBytes int64           `json:"num_bytes"`
}

func (b Block) String() string {
	return fmt.Sprintf("blk_%d_%d", b.ID, b.GenStamp)
}

// ReplicaState is the state a storage node reports for a replica
type ReplicaState string

const (
	ReplicaFinalized ReplicaState = "FINALIZED"
	ReplicaRBW       ReplicaState = "RBW"
	ReplicaRWR       ReplicaState = "RWR"
	ReplicaRUR       ReplicaState = "RUR"
	ReplicaTemporary ReplicaState = "TEMPORARY"
)

// Valid reports whether the state is one of the known replica states
func (s ReplicaState) Valid() bool {
	switch s {
	case ReplicaFinalized, ReplicaRBW, ReplicaRWR, ReplicaRUR, ReplicaTemporary:
		return true
	}
	return false
}

// BlockUCState is the coordinator-side state of a block
type BlockUCState string

const (
	BlockComplete          BlockUCState = "COMPLETE"
	BlockCommitted         BlockUCState = "COMMITTED"
	BlockUnderConstruction BlockUCState = "UNDER_CONSTRUCTION"
	BlockUnderRecovery     BlockUCState = "UNDER_RECOVERY"
)

// ReportedReplica is one entry of a block report
type ReportedReplica struct {
	Block   Block        `json:"block"`
	State   ReplicaState `json:"state"`
	Storage StorageID    `json:"storage,omitempty"`
}

// NumberReplicas partitions the tracked replicas of a block.
// Every tracked replica falls into exactly one partition.
type NumberReplicas struct {
	Live           int `json:"live"`
	Decommissioned int `json:"decommissioned"`
	Excess         int `json:"excess"`
	Corrupt        int `json:"corrupt"`
	Stale          int `json:"stale"`
}

// Total returns the number of tracked replicas
func (n NumberReplicas) Total() int {
	return n.Live + n.Decommissioned + n.Excess + n.Corrupt + n.Stale
}

// DatanodeInfo describes a replica location returned to clients
type DatanodeInfo struct {
	NodeID  NodeID    `json:"node_id"`
	Address string    `json:"address"`
	Storage StorageID `json:"storage,omitempty"`
}

// LocatedBlock is a block with the nodes holding usable replicas
type LocatedBlock struct {
	Block     Block          `json:"block"`
	Offset    int64          `json:"offset"`
	Locations []DatanodeInfo `json:"locations"`
	Corrupt   bool           `json:"corrupt"`
}

// LocatedBlocks is the block layout of a file
type LocatedBlocks struct {
	FileLength          int64          `json:"file_length"`
	UnderConstruction   bool           `json:"under_construction"`
	Blocks              []LocatedBlock `json:"blocks"`
	LastBlock           *LocatedBlock  `json:"last_block,omitempty"`
	LastBlockIsComplete bool           `json:"last_block_is_complete"`
}

// ReplicationWork is one unit of re-replication handed to a storage node
type ReplicationWork struct {
	Block    Block    `json:"block"`
	Source   NodeID   `json:"source"`
	Targets  []NodeID `json:"targets"`
	Priority int      `json:"priority"`
}
