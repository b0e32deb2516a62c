package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	RaftService_PreVote_FullMethodName         = "/raft.RaftService/PreVote"
	RaftService_RequestVote_FullMethodName     = "/raft.RaftService/RequestVote"
	RaftService_AppendEntries_FullMethodName   = "/raft.RaftService/AppendEntries"
	RaftService_InstallSnapshot_FullMethodName = "/raft.RaftService/InstallSnapshot"
	RaftService_TimeoutNow_FullMethodName      = "/raft.RaftService/TimeoutNow"
	RaftService_ReadIndex_FullMethodName       = "/raft.RaftService/ReadIndex"

	FileService_GetFile_FullMethodName = "/raft.FileService/GetFile"

	CliService_Apply_FullMethodName          = "/raft.CliService/Apply"
	CliService_ChangePeers_FullMethodName    = "/raft.CliService/ChangePeers"
	CliService_TransferLeader_FullMethodName = "/raft.CliService/TransferLeader"
	CliService_ListPeers_FullMethodName      = "/raft.CliService/ListPeers"
)

// unaryHandler adapts a typed service method to grpc.MethodHandler.
func unaryHandler[Req any, Resp any, PReq interface {
	*Req
	Message
}](method string, call func(srv any, ctx context.Context, in PReq) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

// RaftService carries the replica-to-replica protocol.

type RaftServiceClient interface {
	PreVote(ctx context.Context, in *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error)
	RequestVote(ctx context.Context, in *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, in *AppendEntriesRequest, opts ...grpc.CallOption) (*AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, in *InstallSnapshotRequest, opts ...grpc.CallOption) (*InstallSnapshotResponse, error)
	TimeoutNow(ctx context.Context, in *TimeoutNowRequest, opts ...grpc.CallOption) (*TimeoutNowResponse, error)
	ReadIndex(ctx context.Context, in *ReadIndexRequest, opts ...grpc.CallOption) (*ReadIndexResponse, error)
}

type raftServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewRaftServiceClient(cc grpc.ClientConnInterface) RaftServiceClient {
	return &raftServiceClient{cc}
}

func (c *raftServiceClient) PreVote(ctx context.Context, in *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error) {
	out := new(RequestVoteResponse)
	if err := c.cc.Invoke(ctx, RaftService_PreVote_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftServiceClient) RequestVote(ctx context.Context, in *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error) {
	out := new(RequestVoteResponse)
	if err := c.cc.Invoke(ctx, RaftService_RequestVote_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftServiceClient) AppendEntries(ctx context.Context, in *AppendEntriesRequest, opts ...grpc.CallOption) (*AppendEntriesResponse, error) {
	out := new(AppendEntriesResponse)
	if err := c.cc.Invoke(ctx, RaftService_AppendEntries_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftServiceClient) InstallSnapshot(ctx context.Context, in *InstallSnapshotRequest, opts ...grpc.CallOption) (*InstallSnapshotResponse, error) {
	out := new(InstallSnapshotResponse)
	if err := c.cc.Invoke(ctx, RaftService_InstallSnapshot_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftServiceClient) TimeoutNow(ctx context.Context, in *TimeoutNowRequest, opts ...grpc.CallOption) (*TimeoutNowResponse, error) {
	out := new(TimeoutNowResponse)
	if err := c.cc.Invoke(ctx, RaftService_TimeoutNow_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftServiceClient) ReadIndex(ctx context.Context, in *ReadIndexRequest, opts ...grpc.CallOption) (*ReadIndexResponse, error) {
	out := new(ReadIndexResponse)
	if err := c.cc.Invoke(ctx, RaftService_ReadIndex_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

type RaftServiceServer interface {
	PreVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error)
	RequestVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error)
	InstallSnapshot(context.Context, *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
	TimeoutNow(context.Context, *TimeoutNowRequest) (*TimeoutNowResponse, error)
	ReadIndex(context.Context, *ReadIndexRequest) (*ReadIndexResponse, error)
}

type UnimplementedRaftServiceServer struct{}

func (UnimplementedRaftServiceServer) PreVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method PreVote not implemented")
}
func (UnimplementedRaftServiceServer) RequestVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method RequestVote not implemented")
}
func (UnimplementedRaftServiceServer) AppendEntries(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method AppendEntries not implemented")
}
func (UnimplementedRaftServiceServer) InstallSnapshot(context.Context, *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method InstallSnapshot not implemented")
}
func (UnimplementedRaftServiceServer) TimeoutNow(context.Context, *TimeoutNowRequest) (*TimeoutNowResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method TimeoutNow not implemented")
}
func (UnimplementedRaftServiceServer) ReadIndex(context.Context, *ReadIndexRequest) (*ReadIndexResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ReadIndex not implemented")
}

func RegisterRaftServiceServer(s grpc.ServiceRegistrar, srv RaftServiceServer) {
	s.RegisterService(&RaftService_ServiceDesc, srv)
}

var RaftService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "raft.RaftService",
	HandlerType: (*RaftServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "PreVote",
			Handler: unaryHandler(RaftService_PreVote_FullMethodName, func(srv any, ctx context.Context, in *RequestVoteRequest) (*RequestVoteResponse, error) {
				return srv.(RaftServiceServer).PreVote(ctx, in)
			}),
		},
		{
			MethodName: "RequestVote",
			Handler: unaryHandler(RaftService_RequestVote_FullMethodName, func(srv any, ctx context.Context, in *RequestVoteRequest) (*RequestVoteResponse, error) {
				return srv.(RaftServiceServer).RequestVote(ctx, in)
			}),
		},
		{
			MethodName: "AppendEntries",
			Handler: unaryHandler(RaftService_AppendEntries_FullMethodName, func(srv any, ctx context.Context, in *AppendEntriesRequest) (*AppendEntriesResponse, error) {
				return srv.(RaftServiceServer).AppendEntries(ctx, in)
			}),
		},
		{
			MethodName: "InstallSnapshot",
			Handler: unaryHandler(RaftService_InstallSnapshot_FullMethodName, func(srv any, ctx context.Context, in *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
				return srv.(RaftServiceServer).InstallSnapshot(ctx, in)
			}),
		},
		{
			MethodName: "TimeoutNow",
			Handler: unaryHandler(RaftService_TimeoutNow_FullMethodName, func(srv any, ctx context.Context, in *TimeoutNowRequest) (*TimeoutNowResponse, error) {
				return srv.(RaftServiceServer).TimeoutNow(ctx, in)
			}),
		},
		{
			MethodName: "ReadIndex",
			Handler: unaryHandler(RaftService_ReadIndex_FullMethodName, func(srv any, ctx context.Context, in *ReadIndexRequest) (*ReadIndexResponse, error) {
				return srv.(RaftServiceServer).ReadIndex(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raft.proto",
}

// FileService serves snapshot files to followers installing a snapshot.

type FileServiceClient interface {
	GetFile(ctx context.Context, in *GetFileRequest, opts ...grpc.CallOption) (*GetFileResponse, error)
}

type fileServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewFileServiceClient(cc grpc.ClientConnInterface) FileServiceClient {
	return &fileServiceClient{cc}
}

func (c *fileServiceClient) GetFile(ctx context.Context, in *GetFileRequest, opts ...grpc.CallOption) (*GetFileResponse, error) {
	out := new(GetFileResponse)
	if err := c.cc.Invoke(ctx, FileService_GetFile_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

type FileServiceServer interface {
	GetFile(context.Context, *GetFileRequest) (*GetFileResponse, error)
}

type UnimplementedFileServiceServer struct{}

func (UnimplementedFileServiceServer) GetFile(context.Context, *GetFileRequest) (*GetFileResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetFile not implemented")
}

func RegisterFileServiceServer(s grpc.ServiceRegistrar, srv FileServiceServer) {
	s.RegisterService(&FileService_ServiceDesc, srv)
}

var FileService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "raft.FileService",
	HandlerType: (*FileServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetFile",
			Handler: unaryHandler(FileService_GetFile_FullMethodName, func(srv any, ctx context.Context, in *GetFileRequest) (*GetFileResponse, error) {
				return srv.(FileServiceServer).GetFile(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raft.proto",
}

// CliService is the administrative surface used by raftctl.

type CliServiceClient interface {
	Apply(ctx context.Context, in *ApplyRequest, opts ...grpc.CallOption) (*ApplyResponse, error)
	ChangePeers(ctx context.Context, in *ChangePeersRequest, opts ...grpc.CallOption) (*ChangePeersResponse, error)
	TransferLeader(ctx context.Context, in *TransferLeaderRequest, opts ...grpc.CallOption) (*TransferLeaderResponse, error)
	ListPeers(ctx context.Context, in *ListPeersRequest, opts ...grpc.CallOption) (*ListPeersResponse, error)
}

type cliServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewCliServiceClient(cc grpc.ClientConnInterface) CliServiceClient {
	return &cliServiceClient{cc}
}

func (c *cliServiceClient) Apply(ctx context.Context, in *ApplyRequest, opts ...grpc.CallOption) (*ApplyResponse, error) {
	out := new(ApplyResponse)
	if err := c.cc.Invoke(ctx, CliService_Apply_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *cliServiceClient) ChangePeers(ctx context.Context, in *ChangePeersRequest, opts ...grpc.CallOption) (*ChangePeersResponse, error) {
	out := new(ChangePeersResponse)
	if err := c.cc.Invoke(ctx, CliService_ChangePeers_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *cliServiceClient) TransferLeader(ctx context.Context, in *TransferLeaderRequest, opts ...grpc.CallOption) (*TransferLeaderResponse, error) {
	out := new(TransferLeaderResponse)
	if err := c.cc.Invoke(ctx, CliService_TransferLeader_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *cliServiceClient) ListPeers(ctx context.Context, in *ListPeersRequest, opts ...grpc.CallOption) (*ListPeersResponse, error) {
	out := new(ListPeersResponse)
	if err := c.cc.Invoke(ctx, CliService_ListPeers_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

type CliServiceServer interface {
	Apply(context.Context, *ApplyRequest) (*ApplyResponse, error)
	ChangePeers(context.Context, *ChangePeersRequest) (*ChangePeersResponse, error)
	TransferLeader(context.Context, *TransferLeaderRequest) (*TransferLeaderResponse, error)
	ListPeers(context.Context, *ListPeersRequest) (*ListPeersResponse, error)
}

type UnimplementedCliServiceServer struct{}

func (UnimplementedCliServiceServer) Apply(context.Context, *ApplyRequest) (*ApplyResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Apply not implemented")
}
func (UnimplementedCliServiceServer) ChangePeers(context.Context, *ChangePeersRequest) (*ChangePeersResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ChangePeers not implemented")
}
func (UnimplementedCliServiceServer) TransferLeader(context.Context, *TransferLeaderRequest) (*TransferLeaderResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method TransferLeader not implemented")
}
func (UnimplementedCliServiceServer) ListPeers(context.Context, *ListPeersRequest) (*ListPeersResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListPeers not implemented")
}

func RegisterCliServiceServer(s grpc.ServiceRegistrar, srv CliServiceServer) {
	s.RegisterService(&CliService_ServiceDesc, srv)
}

var CliService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "raft.CliService",
	HandlerType: (*CliServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Apply",
			Handler: unaryHandler(CliService_Apply_FullMethodName, func(srv any, ctx context.Context, in *ApplyRequest) (*ApplyResponse, error) {
				return srv.(CliServiceServer).Apply(ctx, in)
			}),
		},
		{
			MethodName: "ChangePeers",
			Handler: unaryHandler(CliService_ChangePeers_FullMethodName, func(srv any, ctx context.Context, in *ChangePeersRequest) (*ChangePeersResponse, error) {
				return srv.(CliServiceServer).ChangePeers(ctx, in)
			}),
		},
		{
			MethodName: "TransferLeader",
			Handler: unaryHandler(CliService_TransferLeader_FullMethodName, func(srv any, ctx context.Context, in *TransferLeaderRequest) (*TransferLeaderResponse, error) {
				return srv.(CliServiceServer).TransferLeader(ctx, in)
			}),
		},
		{
			MethodName: "ListPeers",
			Handler: unaryHandler(CliService_ListPeers_FullMethodName, func(srv any, ctx context.Context, in *ListPeersRequest) (*ListPeersResponse, error) {
				return srv.(CliServiceServer).ListPeers(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raft.proto",
}
