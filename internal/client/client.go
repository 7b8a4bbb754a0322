// Package client is the Go client for the coordinator's RPC surface.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/pairfs/internal/api"
	"github.com/devrev/pairfs/internal/blockmanager"
	coorderrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/namesystem"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// Config holds client connection settings
type Config struct {
	Endpoint         string
	ClientName       string
	MaxRetries       int
	RetryBackoff     time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	MaxMessageSize   int
}

// Client talks to one coordinator. Errors are returned as
// *errors.CoordinatorError so callers can switch on the code.
type Client struct {
	conn   *grpc.ClientConn
	stub   *api.CoordinatorClient
	cfg    Config
	logger *zap.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.ClientName == "" {
		cfg.ClientName = "pairfs-client-" + uuid.New().String()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = 30 * time.Second
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 16 * 1024 * 1024
	}
}

// New dials the coordinator at cfg.Endpoint
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("no coordinator endpoint provided")
	}
	cfg.applyDefaults()

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}
	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator: %w", err)
	}

	c := NewWithConn(conn, cfg, logger)
	c.conn = conn
	return c, nil
}

// NewWithConn builds a client over an existing connection. Close does not
// close cc.
func NewWithConn(cc grpc.ClientConnInterface, cfg Config, logger *zap.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		stub:   api.NewCoordinatorClient(cc),
		cfg:    cfg,
		logger: logger,
	}
}

// Name returns the lease holder name this client writes under
func (c *Client) Name() string {
	return c.cfg.ClientName
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// withRetry wraps a gRPC call with retry logic.
func (c *Client) withRetry(ctx context.Context, method string, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}

		c.logger.Warn("Coordinator call failed, retrying",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return lastErr
}

// isRetryable reports whether a failed call may succeed if repeated.
// Safe mode, recovery in progress and under-replication all surface as
// Unavailable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req interface{}) (*Resp, error) {
	out := new(Resp)
	err := c.withRetry(ctx, method, func() error {
		return c.stub.Invoke(ctx, method, req, out)
	})
	if err != nil {
		return nil, coorderrors.FromGRPCError(err)
	}
	return out, nil
}

// Mkdirs creates a directory and its missing ancestors
func (c *Client) Mkdirs(ctx context.Context, path string, perm model.PermissionStatus) (bool, error) {
	resp, err := invoke[api.MkdirsResponse](ctx, c, "Mkdirs", &api.MkdirsRequest{Path: path, Perm: perm})
	if err != nil {
		return false, err
	}
	return resp.Created, nil
}

// CreateOptions are the optional parameters of Create
type CreateOptions struct {
	Perm          model.PermissionStatus
	ClientMachine string
	Overwrite     bool
	CreateParent  bool
	Replication   int16
	BlockSize     int64
}

// Create opens a new file for write. Retries of the call reuse one call
// id so the coordinator answers them from its retry cache.
func (c *Client) Create(ctx context.Context, path string, opts CreateOptions) (*model.FileStatus, error) {
	resp, err := invoke[api.CreateResponse](ctx, c, "Create", &api.CreateRequest{
		ClientName:    c.cfg.ClientName,
		CallID:        uuid.New().String(),
		Path:          path,
		Perm:          opts.Perm,
		ClientMachine: opts.ClientMachine,
		Overwrite:     opts.Overwrite,
		CreateParent:  opts.CreateParent,
		Replication:   opts.Replication,
		BlockSize:     opts.BlockSize,
	})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Append reopens a complete file for write
func (c *Client) Append(ctx context.Context, path string) (*api.AppendResponse, error) {
	return invoke[api.AppendResponse](ctx, c, "Append", &api.AppendRequest{
		ClientName: c.cfg.ClientName,
		CallID:     uuid.New().String(),
		Path:       path,
	})
}

// AddBlock commits previous and allocates the next block of path
func (c *Client) AddBlock(ctx context.Context, path string, previous *model.Block, exclude ...model.NodeID) (*model.LocatedBlock, error) {
	resp, err := invoke[api.AddBlockResponse](ctx, c, "AddBlock", &api.AddBlockRequest{
		ClientName: c.cfg.ClientName,
		Path:       path,
		Previous:   previous,
		Exclude:    exclude,
	})
	if err != nil {
		return nil, err
	}
	return resp.Block, nil
}

func (c *Client) AbandonBlock(ctx context.Context, path string, id model.BlockID) error {
	_, err := invoke[api.Empty](ctx, c, "AbandonBlock", &api.AbandonBlockRequest{
		ClientName: c.cfg.ClientName,
		Path:       path,
		BlockID:    id,
	})
	return err
}

// Complete asks the coordinator to close path. False means the last
// blocks are not minimally replicated yet; call again.
func (c *Client) Complete(ctx context.Context, path string, last *model.Block) (bool, error) {
	resp, err := invoke[api.CompleteResponse](ctx, c, "Complete", &api.CompleteRequest{
		ClientName: c.cfg.ClientName,
		Path:       path,
		Last:       last,
	})
	if err != nil {
		return false, err
	}
	return resp.Completed, nil
}

func (c *Client) Delete(ctx context.Context, path string, recursive bool) (bool, error) {
	resp, err := invoke[api.DeleteResponse](ctx, c, "Delete", &api.DeleteRequest{
		ClientName: c.cfg.ClientName,
		CallID:     uuid.New().String(),
		Path:       path,
		Recursive:  recursive,
	})
	if err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

// Rename moves src to dst and returns the final path
func (c *Client) Rename(ctx context.Context, src, dst string) (string, error) {
	resp, err := invoke[api.RenameResponse](ctx, c, "Rename", &api.RenameRequest{
		ClientName: c.cfg.ClientName,
		CallID:     uuid.New().String(),
		Src:        src,
		Dst:        dst,
	})
	if err != nil {
		return "", err
	}
	return resp.Path, nil
}

func (c *Client) SetReplication(ctx context.Context, path string, replication int16) (int16, error) {
	resp, err := invoke[api.SetReplicationResponse](ctx, c, "SetReplication",
		&api.SetReplicationRequest{Path: path, Replication: replication})
	if err != nil {
		return 0, err
	}
	return resp.Previous, nil
}

func (c *Client) SetQuota(ctx context.Context, path string, nsQuota, dsQuota int64) error {
	_, err := invoke[api.Empty](ctx, c, "SetQuota", &api.SetQuotaRequest{Path: path, NSQuota: nsQuota, DSQuota: dsQuota})
	return err
}

// RecoverLease starts recovery of path and reports whether it is closed
func (c *Client) RecoverLease(ctx context.Context, path string) (bool, error) {
	resp, err := invoke[api.RecoverLeaseResponse](ctx, c, "RecoverLease",
		&api.RecoverLeaseRequest{ClientName: c.cfg.ClientName, Path: path})
	if err != nil {
		return false, err
	}
	return resp.Closed, nil
}

func (c *Client) RenewLease(ctx context.Context) error {
	_, err := invoke[api.Empty](ctx, c, "RenewLease", &api.RenewLeaseRequest{ClientName: c.cfg.ClientName})
	return err
}

func (c *Client) GetFileInfo(ctx context.Context, path string) (*model.FileStatus, error) {
	resp, err := invoke[api.FileInfoResponse](ctx, c, "GetFileInfo", &api.PathRequest{Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

func (c *Client) ListStatus(ctx context.Context, path string) ([]model.FileStatus, error) {
	resp, err := invoke[api.ListStatusResponse](ctx, c, "ListStatus", &api.PathRequest{Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) GetContentSummary(ctx context.Context, path string) (*model.ContentSummary, error) {
	resp, err := invoke[api.ContentSummaryResponse](ctx, c, "GetContentSummary", &api.PathRequest{Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Summary, nil
}

func (c *Client) GetQuota(ctx context.Context, path string) (*api.QuotaResponse, error) {
	return invoke[api.QuotaResponse](ctx, c, "GetQuota", &api.PathRequest{Path: path})
}

func (c *Client) GetBlockLocations(ctx context.Context, path string, offset, length int64) (*model.LocatedBlocks, error) {
	resp, err := invoke[api.BlockLocationsResponse](ctx, c, "GetBlockLocations",
		&api.BlockLocationsRequest{Path: path, Offset: offset, Length: length})
	if err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

func (c *Client) GetReplicaCounts(ctx context.Context, id model.BlockID) (model.NumberReplicas, error) {
	resp, err := invoke[api.ReplicaCountsResponse](ctx, c, "GetReplicaCounts", &api.ReplicaCountsRequest{BlockID: id})
	if err != nil {
		return model.NumberReplicas{}, err
	}
	return resp.Counts, nil
}

func (c *Client) ReportBadBlocks(ctx context.Context, bad []namesystem.BadBlock) error {
	_, err := invoke[api.Empty](ctx, c, "ReportBadBlocks", &api.ReportBadBlocksRequest{Blocks: bad})
	return err
}

// Storage-node protocol

func (c *Client) RegisterStorageNode(ctx context.Context, reg model.NodeRegistration) (model.NodeStatus, error) {
	resp, err := invoke[api.RegisterResponse](ctx, c, "RegisterStorageNode", &api.RegisterRequest{Registration: reg})
	if err != nil {
		return model.NodeStatus{}, err
	}
	return resp.Node, nil
}

func (c *Client) Heartbeat(ctx context.Context, id model.NodeID, stats model.NodeStats) (*api.HeartbeatResponse, error) {
	return invoke[api.HeartbeatResponse](ctx, c, "Heartbeat", &api.HeartbeatRequest{NodeID: id, Stats: stats})
}

func (c *Client) BlockReport(ctx context.Context, id model.NodeID, replicas []model.ReportedReplica) (blockmanager.ReportResult, error) {
	resp, err := invoke[api.BlockReportResponse](ctx, c, "BlockReport",
		&api.BlockReportRequest{NodeID: id, Replicas: replicas})
	if err != nil {
		return blockmanager.ReportResult{}, err
	}
	return resp.Result, nil
}

func (c *Client) BlockReceivedAndDeleted(ctx context.Context, id model.NodeID, received []model.ReportedReplica, deleted []model.BlockID) error {
	_, err := invoke[api.Empty](ctx, c, "BlockReceivedAndDeleted",
		&api.BlockReceivedRequest{NodeID: id, Received: received, Deleted: deleted})
	return err
}

func (c *Client) CommitBlockSynchronization(ctx context.Context, req namesystem.CommitSyncRequest) error {
	_, err := invoke[api.Empty](ctx, c, "CommitBlockSynchronization", &api.CommitBlockSyncRequest{CommitSyncRequest: req})
	return err
}
