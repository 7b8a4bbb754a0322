package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/devrev/pairfs/internal/api"
	coorderrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/metrics"
	"github.com/devrev/pairfs/internal/namesystem"
	"github.com/devrev/pairfs/internal/service"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CoordinatorHandler serves the client and storage-node protocols
type CoordinatorHandler struct {
	ns      *namesystem.Namesystem
	retry   *service.RetryCache
	metrics *metrics.Metrics
	logger  *zap.Logger
}

var _ api.CoordinatorServer = (*CoordinatorHandler)(nil)

// NewCoordinatorHandler creates a new coordinator handler
func NewCoordinatorHandler(
	ns *namesystem.Namesystem,
	retry *service.RetryCache,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CoordinatorHandler {
	return &CoordinatorHandler{
		ns:      ns,
		retry:   retry,
		metrics: m,
		logger:  logger,
	}
}

// toStatus maps an operation error onto a gRPC status
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, "operation timeout")
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, "operation canceled")
	}
	return coorderrors.ToGRPCError(err)
}

// retried answers a repeated (client, call id) from the retry cache and
// records the outcome of a first attempt. The call id is reserved before
// the call runs so concurrent duplicates never execute twice.
func retried[T any](ctx context.Context, h *CoordinatorHandler, client, callID, method string, call func() (*T, error)) (*T, error) {
	if callID != "" && !service.ValidCallID(callID) {
		return nil, toStatus(coorderrors.InvalidArgument("malformed call id", nil))
	}

	entry, err := h.retry.Begin(ctx, client, callID, method)
	if err != nil && (coorderrors.Is(err, coorderrors.ErrCodeCallInProgress) || ctx.Err() != nil) {
		return nil, toStatus(err)
	}
	if err != nil {
		h.logger.Warn("Retry cache lookup failed",
			zap.String("method", method),
			zap.String("client", client),
			zap.Error(err))
	}
	if entry != nil {
		h.metrics.RecordRetryCacheHit(method)
		if cerr := entry.Err(); cerr != nil {
			return nil, toStatus(cerr)
		}
		out := new(T)
		if len(entry.Payload) > 0 {
			if err := json.Unmarshal(entry.Payload, out); err != nil {
				return nil, toStatus(coorderrors.InternalError("corrupt retry cache payload", err))
			}
		}
		return out, nil
	}

	resp, callErr := call()
	var payload interface{}
	if callErr == nil {
		payload = resp
	}
	if err := h.retry.Record(ctx, client, callID, method, payload, callErr); err != nil {
		h.logger.Warn("Failed to record retry cache entry",
			zap.String("method", method),
			zap.String("client", client),
			zap.Error(err))
	}
	if callErr != nil {
		return nil, toStatus(callErr)
	}
	return resp, nil
}

func requireClient(name string) error {
	if name == "" {
		return coorderrors.InvalidArgument("client name is required", nil)
	}
	return nil
}

// Mkdirs handles directory creation
func (h *CoordinatorHandler) Mkdirs(ctx context.Context, req *api.MkdirsRequest) (*api.MkdirsResponse, error) {
	created, err := h.ns.Mkdirs(ctx, req.Path, req.Perm)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.MkdirsResponse{Created: created}, nil
}

// Create handles file creation
func (h *CoordinatorHandler) Create(ctx context.Context, req *api.CreateRequest) (*api.CreateResponse, error) {
	if err := requireClient(req.ClientName); err != nil {
		return nil, toStatus(err)
	}
	return retried(ctx, h, req.ClientName, req.CallID, "create", func() (*api.CreateResponse, error) {
		st, err := h.ns.Create(ctx, namesystem.CreateRequest{
			Path:          req.Path,
			Perm:          req.Perm,
			ClientName:    req.ClientName,
			ClientMachine: req.ClientMachine,
			Overwrite:     req.Overwrite,
			CreateParent:  req.CreateParent,
			Replication:   req.Replication,
			BlockSize:     req.BlockSize,
		})
		if err != nil {
			return nil, err
		}
		h.logger.Debug("File created",
			zap.String("path", req.Path),
			zap.String("client", req.ClientName))
		return &api.CreateResponse{Status: st}, nil
	})
}

// Append reopens a file for write
func (h *CoordinatorHandler) Append(ctx context.Context, req *api.AppendRequest) (*api.AppendResponse, error) {
	if err := requireClient(req.ClientName); err != nil {
		return nil, toStatus(err)
	}
	return retried(ctx, h, req.ClientName, req.CallID, "append", func() (*api.AppendResponse, error) {
		res, err := h.ns.Append(ctx, req.Path, req.ClientName, req.ClientMachine)
		if err != nil {
			return nil, err
		}
		return &api.AppendResponse{Status: res.Status, LastBlock: res.LastBlock}, nil
	})
}

// AddBlock allocates the next block of an open file
func (h *CoordinatorHandler) AddBlock(ctx context.Context, req *api.AddBlockRequest) (*api.AddBlockResponse, error) {
	lb, err := h.ns.AddBlock(ctx, req.Path, req.ClientName, req.Previous, req.Exclude)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.AddBlockResponse{Block: lb}, nil
}

func (h *CoordinatorHandler) AbandonBlock(ctx context.Context, req *api.AbandonBlockRequest) (*api.Empty, error) {
	if err := h.ns.AbandonBlock(ctx, req.Path, req.ClientName, req.BlockID); err != nil {
		return nil, toStatus(err)
	}
	return &api.Empty{}, nil
}

// Complete closes a file. A file whose blocks are not yet minimally
// replicated answers Completed=false so the client polls again.
func (h *CoordinatorHandler) Complete(ctx context.Context, req *api.CompleteRequest) (*api.CompleteResponse, error) {
	err := h.ns.Complete(ctx, req.Path, req.ClientName, req.Last)
	if coorderrors.Is(err, coorderrors.ErrCodeNotReplicatedYet) {
		return &api.CompleteResponse{Completed: false}, nil
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.CompleteResponse{Completed: true}, nil
}

// Delete removes a path
func (h *CoordinatorHandler) Delete(ctx context.Context, req *api.DeleteRequest) (*api.DeleteResponse, error) {
	return retried(ctx, h, req.ClientName, req.CallID, "delete", func() (*api.DeleteResponse, error) {
		deleted, err := h.ns.Delete(ctx, req.Path, req.Recursive)
		if err != nil {
			return nil, err
		}
		if deleted {
			h.logger.Info("Path deleted",
				zap.String("path", req.Path),
				zap.Bool("recursive", req.Recursive))
		}
		return &api.DeleteResponse{Deleted: deleted}, nil
	})
}

// Rename moves a path
func (h *CoordinatorHandler) Rename(ctx context.Context, req *api.RenameRequest) (*api.RenameResponse, error) {
	return retried(ctx, h, req.ClientName, req.CallID, "rename", func() (*api.RenameResponse, error) {
		dst, err := h.ns.Rename(ctx, req.Src, req.Dst)
		if err != nil {
			return nil, err
		}
		return &api.RenameResponse{Path: dst}, nil
	})
}

func (h *CoordinatorHandler) SetReplication(ctx context.Context, req *api.SetReplicationRequest) (*api.SetReplicationResponse, error) {
	prev, err := h.ns.SetReplication(ctx, req.Path, req.Replication)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.SetReplicationResponse{Previous: prev}, nil
}

func (h *CoordinatorHandler) SetQuota(ctx context.Context, req *api.SetQuotaRequest) (*api.Empty, error) {
	if err := h.ns.SetQuota(ctx, req.Path, req.NSQuota, req.DSQuota); err != nil {
		return nil, toStatus(err)
	}
	h.logger.Info("Quota updated",
		zap.String("path", req.Path),
		zap.Int64("ns_quota", req.NSQuota),
		zap.Int64("ds_quota", req.DSQuota))
	return &api.Empty{}, nil
}

// RecoverLease forces lease recovery of an open file
func (h *CoordinatorHandler) RecoverLease(ctx context.Context, req *api.RecoverLeaseRequest) (*api.RecoverLeaseResponse, error) {
	if err := requireClient(req.ClientName); err != nil {
		return nil, toStatus(err)
	}
	closed, err := h.ns.RecoverLease(ctx, req.Path, req.ClientName)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.RecoverLeaseResponse{Closed: closed}, nil
}

func (h *CoordinatorHandler) RenewLease(ctx context.Context, req *api.RenewLeaseRequest) (*api.Empty, error) {
	if err := requireClient(req.ClientName); err != nil {
		return nil, toStatus(err)
	}
	if err := h.ns.RenewLease(ctx, req.ClientName); err != nil {
		return nil, toStatus(err)
	}
	return &api.Empty{}, nil
}

func (h *CoordinatorHandler) GetFileInfo(ctx context.Context, req *api.PathRequest) (*api.FileInfoResponse, error) {
	st, err := h.ns.GetFileInfo(ctx, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.FileInfoResponse{Status: st}, nil
}

func (h *CoordinatorHandler) ListStatus(ctx context.Context, req *api.PathRequest) (*api.ListStatusResponse, error) {
	entries, err := h.ns.ListStatus(ctx, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.ListStatusResponse{Entries: entries}, nil
}

func (h *CoordinatorHandler) GetContentSummary(ctx context.Context, req *api.PathRequest) (*api.ContentSummaryResponse, error) {
	cs, err := h.ns.GetContentSummary(ctx, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.ContentSummaryResponse{Summary: cs}, nil
}

func (h *CoordinatorHandler) GetQuota(ctx context.Context, req *api.PathRequest) (*api.QuotaResponse, error) {
	qu, err := h.ns.GetQuota(ctx, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.QuotaResponse{Usage: qu.Usage, Quota: qu.Quota}, nil
}

func (h *CoordinatorHandler) GetBlockLocations(ctx context.Context, req *api.BlockLocationsRequest) (*api.BlockLocationsResponse, error) {
	blocks, err := h.ns.GetBlockLocations(ctx, req.Path, req.Offset, req.Length)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.BlockLocationsResponse{Blocks: blocks}, nil
}

func (h *CoordinatorHandler) GetReplicaCounts(ctx context.Context, req *api.ReplicaCountsRequest) (*api.ReplicaCountsResponse, error) {
	counts, err := h.ns.GetReplicaCounts(ctx, req.BlockID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.ReplicaCountsResponse{Counts: counts}, nil
}

func (h *CoordinatorHandler) ReportBadBlocks(ctx context.Context, req *api.ReportBadBlocksRequest) (*api.Empty, error) {
	if err := h.ns.ReportBadBlocks(ctx, req.Blocks); err != nil {
		return nil, toStatus(err)
	}
	h.logger.Warn("Bad blocks reported", zap.Int("count", len(req.Blocks)))
	return &api.Empty{}, nil
}

// RegisterStorageNode admits a storage node
func (h *CoordinatorHandler) RegisterStorageNode(ctx context.Context, req *api.RegisterRequest) (*api.RegisterResponse, error) {
	st, err := h.ns.RegisterStorageNode(ctx, req.Registration)
	if err != nil {
		h.logger.Warn("Storage node registration refused",
			zap.String("node_id", string(req.Registration.NodeID)),
			zap.String("address", req.Registration.Address),
			zap.Error(err))
		return nil, toStatus(err)
	}
	return &api.RegisterResponse{Node: st}, nil
}

// Heartbeat refreshes a node and hands it queued commands
func (h *CoordinatorHandler) Heartbeat(ctx context.Context, req *api.HeartbeatRequest) (*api.HeartbeatResponse, error) {
	reply, err := h.ns.Heartbeat(ctx, req.NodeID, req.Stats)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.HeartbeatResponse{Commands: reply.Commands, SafeMode: reply.SafeMode}, nil
}

func (h *CoordinatorHandler) BlockReport(ctx context.Context, req *api.BlockReportRequest) (*api.BlockReportResponse, error) {
	res, err := h.ns.BlockReport(ctx, req.NodeID, req.Replicas)
	if err != nil {
		return nil, toStatus(err)
	}
	h.logger.Info("Block report processed",
		zap.String("node_id", string(req.NodeID)),
		zap.Int("replicas", len(req.Replicas)),
		zap.Int("added", res.Added),
		zap.Int("removed", res.Removed),
		zap.Int("invalidated", res.Invalidated))
	return &api.BlockReportResponse{Result: res}, nil
}

func (h *CoordinatorHandler) BlockReceivedAndDeleted(ctx context.Context, req *api.BlockReceivedRequest) (*api.Empty, error) {
	if err := h.ns.BlockReceivedAndDeleted(ctx, req.NodeID, req.Received, req.Deleted); err != nil {
		return nil, toStatus(err)
	}
	return &api.Empty{}, nil
}

// CommitBlockSynchronization completes lease recovery of a block
func (h *CoordinatorHandler) CommitBlockSynchronization(ctx context.Context, req *api.CommitBlockSyncRequest) (*api.Empty, error) {
	if err := h.ns.CommitBlockSynchronization(ctx, req.CommitSyncRequest); err != nil {
		return nil, toStatus(err)
	}
	return &api.Empty{}, nil
}
