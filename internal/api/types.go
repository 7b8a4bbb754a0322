// Package api defines the coordinator's RPC surface: request and response
// messages, the JSON codec they travel in, and the gRPC service descriptor
// shared by the handler and the client.
package api

import (
	"github.com/devrev/pairfs/internal/blockmanager"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/namesystem"
)

// Empty is returned by calls with no result
type Empty struct{}

// MkdirsRequest creates a directory and its missing ancestors
type MkdirsRequest struct {
	Path string                 `json:"path"`
	Perm model.PermissionStatus `json:"perm"`
}

type MkdirsResponse struct {
	Created bool `json:"created"`
}

// CreateRequest opens a new file for write. CallID makes a retried call
// return the first attempt's outcome.
type CreateRequest struct {
	ClientName    string                 `json:"client_name"`
	CallID        string                 `json:"call_id,omitempty"`
	Path          string                 `json:"path"`
	Perm          model.PermissionStatus `json:"perm"`
	ClientMachine string                 `json:"client_machine,omitempty"`
	Overwrite     bool                   `json:"overwrite"`
	CreateParent  bool                   `json:"create_parent"`
	Replication   int16                  `json:"replication,omitempty"`
	BlockSize     int64                  `json:"block_size,omitempty"`
}

type CreateResponse struct {
	Status *model.FileStatus `json:"status"`
}

type AppendRequest struct {
	ClientName    string `json:"client_name"`
	CallID        string `json:"call_id,omitempty"`
	Path          string `json:"path"`
	ClientMachine string `json:"client_machine,omitempty"`
}

type AppendResponse struct {
	Status    *model.FileStatus   `json:"status"`
	LastBlock *model.LocatedBlock `json:"last_block,omitempty"`
}

// AddBlockRequest asks for the next block of an open file. Previous is
// the block the client just finished, nil for the first block.
type AddBlockRequest struct {
	ClientName string         `json:"client_name"`
	Path       string         `json:"path"`
	Previous   *model.Block   `json:"previous,omitempty"`
	Exclude    []model.NodeID `json:"exclude,omitempty"`
}

type AddBlockResponse struct {
	Block *model.LocatedBlock `json:"block"`
}

type AbandonBlockRequest struct {
	ClientName string        `json:"client_name"`
	Path       string        `json:"path"`
	BlockID    model.BlockID `json:"block_id"`
}

type CompleteRequest struct {
	ClientName string       `json:"client_name"`
	Path       string       `json:"path"`
	Last       *model.Block `json:"last,omitempty"`
}

// CompleteResponse reports whether the file closed. False means its
// blocks are not yet minimally replicated and the client should retry.
type CompleteResponse struct {
	Completed bool `json:"completed"`
}

type DeleteRequest struct {
	ClientName string `json:"client_name"`
	CallID     string `json:"call_id,omitempty"`
	Path       string `json:"path"`
	Recursive  bool   `json:"recursive"`
}

type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

type RenameRequest struct {
	ClientName string `json:"client_name"`
	CallID     string `json:"call_id,omitempty"`
	Src        string `json:"src"`
	Dst        string `json:"dst"`
}

type RenameResponse struct {
	Path string `json:"path"`
}

type SetReplicationRequest struct {
	Path        string `json:"path"`
	Replication int16  `json:"replication"`
}

type SetReplicationResponse struct {
	Previous int16 `json:"previous"`
}

// SetQuotaRequest uses model.QuotaReset to clear and model.QuotaDontSet
// to leave a limit unchanged.
type SetQuotaRequest struct {
	Path    string `json:"path"`
	NSQuota int64  `json:"ns_quota"`
	DSQuota int64  `json:"ds_quota"`
}

type RecoverLeaseRequest struct {
	ClientName string `json:"client_name"`
	Path       string `json:"path"`
}

type RecoverLeaseResponse struct {
	Closed bool `json:"closed"`
}

type RenewLeaseRequest struct {
	ClientName string `json:"client_name"`
}

// PathRequest is shared by the single-path queries
type PathRequest struct {
	Path string `json:"path"`
}

type FileInfoResponse struct {
	Status *model.FileStatus `json:"status"`
}

type ListStatusResponse struct {
	Entries []model.FileStatus `json:"entries"`
}

type ContentSummaryResponse struct {
	Summary *model.ContentSummary `json:"summary"`
}

type QuotaResponse struct {
	Usage model.QuotaCounts `json:"usage"`
	Quota model.QuotaCounts `json:"quota"`
}

type BlockLocationsRequest struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

type BlockLocationsResponse struct {
	Blocks *model.LocatedBlocks `json:"blocks"`
}

type ReplicaCountsRequest struct {
	BlockID model.BlockID `json:"block_id"`
}

type ReplicaCountsResponse struct {
	Counts model.NumberReplicas `json:"counts"`
}

type ReportBadBlocksRequest struct {
	Blocks []namesystem.BadBlock `json:"blocks"`
}

// Storage-node protocol

type RegisterRequest struct {
	Registration model.NodeRegistration `json:"registration"`
}

type RegisterResponse struct {
	Node model.NodeStatus `json:"node"`
}

type HeartbeatRequest struct {
	NodeID model.NodeID    `json:"node_id"`
	Stats  model.NodeStats `json:"stats"`
}

type HeartbeatResponse struct {
	Commands []model.Command `json:"commands"`
	SafeMode bool            `json:"safe_mode"`
}

type BlockReportRequest struct {
	NodeID   model.NodeID            `json:"node_id"`
	Replicas []model.ReportedReplica `json:"replicas"`
}

type BlockReportResponse struct {
	Result blockmanager.ReportResult `json:"result"`
}

type BlockReceivedRequest struct {
	NodeID   model.NodeID            `json:"node_id"`
	Received []model.ReportedReplica `json:"received,omitempty"`
	Deleted  []model.BlockID         `json:"deleted,omitempty"`
}

type CommitBlockSyncRequest struct {
	namesystem.CommitSyncRequest
}
