package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "pairfs.Coordinator"

// CoordinatorServer is implemented by the RPC handler
type CoordinatorServer interface {
	// Client protocol
	Mkdirs(context.Context, *MkdirsRequest) (*MkdirsResponse, error)
	Create(context.Context, *CreateRequest) (*CreateResponse, error)
	Append(context.Context, *AppendRequest) (*AppendResponse, error)
	AddBlock(context.Context, *AddBlockRequest) (*AddBlockResponse, error)
	AbandonBlock(context.Context, *AbandonBlockRequest) (*Empty, error)
	Complete(context.Context, *CompleteRequest) (*CompleteResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Rename(context.Context, *RenameRequest) (*RenameResponse, error)
	SetReplication(context.Context, *SetReplicationRequest) (*SetReplicationResponse, error)
	SetQuota(context.Context, *SetQuotaRequest) (*Empty, error)
	RecoverLease(context.Context, *RecoverLeaseRequest) (*RecoverLeaseResponse, error)
	RenewLease(context.Context, *RenewLeaseRequest) (*Empty, error)
	GetFileInfo(context.Context, *PathRequest) (*FileInfoResponse, error)
	ListStatus(context.Context, *PathRequest) (*ListStatusResponse, error)
	GetContentSummary(context.Context, *PathRequest) (*ContentSummaryResponse, error)
	GetQuota(context.Context, *PathRequest) (*QuotaResponse, error)
	GetBlockLocations(context.Context, *BlockLocationsRequest) (*BlockLocationsResponse, error)
	GetReplicaCounts(context.Context, *ReplicaCountsRequest) (*ReplicaCountsResponse, error)
	ReportBadBlocks(context.Context, *ReportBadBlocksRequest) (*Empty, error)

	// Storage-node protocol
	RegisterStorageNode(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	BlockReport(context.Context, *BlockReportRequest) (*BlockReportResponse, error)
	BlockReceivedAndDeleted(context.Context, *BlockReceivedRequest) (*Empty, error)
	CommitBlockSynchronization(context.Context, *CommitBlockSyncRequest) (*Empty, error)
}

// RegisterCoordinatorServer attaches srv to a gRPC server
func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the coordinator service to gRPC
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Mkdirs", CoordinatorServer.Mkdirs),
		unary("Create", CoordinatorServer.Create),
		unary("Append", CoordinatorServer.Append),
		unary("AddBlock", CoordinatorServer.AddBlock),
		unary("AbandonBlock", CoordinatorServer.AbandonBlock),
		unary("Complete", CoordinatorServer.Complete),
		unary("Delete", CoordinatorServer.Delete),
		unary("Rename", CoordinatorServer.Rename),
		unary("SetReplication", CoordinatorServer.SetReplication),
		unary("SetQuota", CoordinatorServer.SetQuota),
		unary("RecoverLease", CoordinatorServer.RecoverLease),
		unary("RenewLease", CoordinatorServer.RenewLease),
		unary("GetFileInfo", CoordinatorServer.GetFileInfo),
		unary("ListStatus", CoordinatorServer.ListStatus),
		unary("GetContentSummary", CoordinatorServer.GetContentSummary),
		unary("GetQuota", CoordinatorServer.GetQuota),
		unary("GetBlockLocations", CoordinatorServer.GetBlockLocations),
		unary("GetReplicaCounts", CoordinatorServer.GetReplicaCounts),
		unary("ReportBadBlocks", CoordinatorServer.ReportBadBlocks),
		unary("RegisterStorageNode", CoordinatorServer.RegisterStorageNode),
		unary("Heartbeat", CoordinatorServer.Heartbeat),
		unary("BlockReport", CoordinatorServer.BlockReport),
		unary("BlockReceivedAndDeleted", CoordinatorServer.BlockReceivedAndDeleted),
		unary("CommitBlockSynchronization", CoordinatorServer.CommitBlockSynchronization),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pairfs/coordinator",
}

// FullMethod returns the gRPC path of a method
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](name string, call func(CoordinatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CoordinatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(CoordinatorServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// CoordinatorClient is a thin typed stub over a client connection
type CoordinatorClient struct {
	cc grpc.ClientConnInterface
}

// NewCoordinatorClient wraps cc. Calls use the JSON codec.
func NewCoordinatorClient(cc grpc.ClientConnInterface) *CoordinatorClient {
	return &CoordinatorClient{cc: cc}
}

// Invoke calls method with in and decodes the reply into out
func (c *CoordinatorClient) Invoke(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, FullMethod(method), in, out, opts...)
}
