package model

import "time"

// AdminState is the administrative state of a storage node
type AdminState string

const (
	AdminNormal                 AdminState = "NORMAL"
	AdminDecommissionInProgress AdminState = "DECOMMISSION_IN_PROGRESS"
	AdminDecommissioned         AdminState = "DECOMMISSIONED"
)

// LivenessState is the heartbeat-driven state of a storage node
type LivenessState string

const (
	LivenessNew   LivenessState = "NEW"
	LivenessAlive LivenessState = "ALIVE"
	LivenessStale LivenessState = "STALE"
	LivenessDead  LivenessState = "DEAD"
)

// NodeStats is the capacity information carried by a heartbeat
type NodeStats struct {
	Capacity     int64 `json:"capacity"`
	DfsUsed      int64 `json:"dfs_used"`
	Remaining    int64 `json:"remaining"`
	XceiverCount int   `json:"xceiver_count"`
}

// UsedRatio returns DfsUsed/Capacity, 0 when capacity is unknown
func (s NodeStats) UsedRatio() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return float64(s.DfsUsed) / float64(s.Capacity)
}

// NodeRegistration is sent by a storage node when it joins
type NodeRegistration struct {
	NodeID   NodeID      `json:"node_id"`
	Address  string      `json:"address"`
	Storages []StorageID `json:"storages,omitempty"`
}

// NodeStatus is a point-in-time view of a storage node
type NodeStatus struct {
	NodeID        NodeID        `json:"node_id"`
	Address       string        `json:"address"`
	State         LivenessState `json:"state"`
	AdminState    AdminState    `json:"admin_state"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Stats         NodeStats     `json:"stats"`
	NumBlocks     int           `json:"num_blocks"`
}

// CommandType identifies the work a storage node is asked to do
type CommandType string

const (
	CommandReplicate  CommandType = "REPLICATE"
	CommandInvalidate CommandType = "INVALIDATE"
	CommandRecover    CommandType = "RECOVER"
)

// RecoveringBlock is the payload of a recover command
type RecoveringBlock struct {
	Block       Block           `json:"block"`
	NewGenStamp GenerationStamp `json:"new_gen_stamp"`
	Holders     []NodeID        `json:"holders"`
}

// Command is queued for a storage node and returned in a heartbeat reply
type Command struct {
	Type       CommandType       `json:"type"`
	Blocks     []Block           `json:"blocks,omitempty"`
	Targets    [][]NodeID        `json:"targets,omitempty"`
	Recovering []RecoveringBlock `json:"recovering,omitempty"`
}

// HeartbeatReply carries commands queued for a storage node
type HeartbeatReply struct {
	Commands []Command `json:"commands"`
	SafeMode bool      `json:"safe_mode"`
}
