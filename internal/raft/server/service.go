package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
)

// Service exposes a Node over gRPC: RaftService for the peers, FileService for snapshot copies and CliService
// for clients.
type Service struct {
	node *Node
}

var (
	_ proto.RaftServiceServer = (*Service)(nil)
	_ proto.FileServiceServer = (*Service)(nil)
	_ proto.CliServiceServer  = (*Service)(nil)
)

func NewService(node *Node) *Service {
	return &Service{node: node}
}

// Register adds the three services to s.
func (s *Service) Register(registrar grpc.ServiceRegistrar) {
	proto.RegisterRaftServiceServer(registrar, s)
	proto.RegisterFileServiceServer(registrar, s)
	proto.RegisterCliServiceServer(registrar, s)
}

// UnaryInterceptor records the caller of every RPC in its context and turns raft statuses into gRPC ones.
func UnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ctx = SetCallerAddr(ctx, p.Addr.String())
	}
	ctx = SetRPCMethod(ctx, info.FullMethod)

	resp, err := handler(ctx, req)
	if err != nil {
		return nil, raft.ToGRPC(err)
	}
	return resp, nil
}

func (s *Service) checkGroup(ctx context.Context, groupID string) error {
	if groupID != s.node.groupID {
		method, _ := GetRPCMethod(ctx)
		s.node.log.Warnf("[NODE-%s] Rejecting %s from %s for unknown group %q", s.node.id, method, caller(ctx), groupID)
		return raft.NewStatus(raft.CodeInvalid, "unknown group %q", groupID)
	}
	return nil
}

func (s *Service) PreVote(ctx context.Context, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
	if err := s.checkGroup(ctx, req.GroupId); err != nil {
		return nil, err
	}
	return s.node.HandlePreVote(ctx, req)
}

func (s *Service) RequestVote(ctx context.Context, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
	if err := s.checkGroup(ctx, req.GroupId); err != nil {
		return nil, err
	}
	return s.node.HandleRequestVote(ctx, req)
}

func (s *Service) AppendEntries(ctx context.Context, req *proto.AppendEntriesRequest) (*proto.AppendEntriesResponse, error) {
	if err := s.checkGroup(ctx, req.GroupId); err != nil {
		return nil, err
	}
	return s.node.HandleAppendEntries(ctx, req)
}

func (s *Service) InstallSnapshot(ctx context.Context, req *proto.InstallSnapshotRequest) (*proto.InstallSnapshotResponse, error) {
	if err := s.checkGroup(ctx, req.GroupId); err != nil {
		return nil, err
	}
	return s.node.HandleInstallSnapshot(ctx, req)
}

func (s *Service) TimeoutNow(ctx context.Context, req *proto.TimeoutNowRequest) (*proto.TimeoutNowResponse, error) {
	if err := s.checkGroup(ctx, req.GroupId); err != nil {
		return nil, err
	}
	return s.node.HandleTimeoutNow(ctx, req)
}

func (s *Service) ReadIndex(ctx context.Context, req *proto.ReadIndexRequest) (*proto.ReadIndexResponse, error) {
	if err := s.checkGroup(ctx, req.GroupId); err != nil {
		return nil, err
	}
	return s.node.HandleReadIndex(ctx, req)
}

func (s *Service) GetFile(ctx context.Context, req *proto.GetFileRequest) (*proto.GetFileResponse, error) {
	return s.node.HandleGetFile(ctx, req)
}

func (s *Service) Apply(ctx context.Context, req *proto.ApplyRequest) (*proto.ApplyResponse, error) {
	if err := s.checkGroup(ctx, req.GroupId); err != nil {
		return nil, err
	}
	start := time.Now()
	index, err := s.node.Apply(ctx, req.Data)
	if err != nil {
		return nil, err
	}
	s.node.log.Debugf("[NODE-%s] Applied command from %s at %d in %v", s.node.id, caller(ctx), index, time.Since(start))
	return &proto.ApplyResponse{Index: index}, nil
}

func (s *Service) ChangePeers(ctx context.Context, req *proto.ChangePeersRequest) (*proto.ChangePeersResponse, error) {
	if err := s.checkGroup(ctx, req.GroupId); err != nil {
		return nil, err
	}
	newConf, err := raft.ParseConfiguration(req.NewPeers)
	if err != nil {
		return nil, err
	}
	old := s.node.Configuration().Conf
	if err := s.node.ChangePeers(ctx, newConf); err != nil {
		return nil, err
	}
	return &proto.ChangePeersResponse{
		OldPeers: raft.PeerStrings(old.Peers()),
		NewPeers: raft.PeerStrings(newConf.Peers()),
	}, nil
}

func (s *Service) TransferLeader(ctx context.Context, req *proto.TransferLeaderRequest) (*proto.TransferLeaderResponse, error) {
	if err := s.checkGroup(ctx, req.GroupId); err != nil {
		return nil, err
	}
	target := raft.AnyPeer
	if req.PeerId != "" {
		var err error
		if target, err = raft.ParsePeerID(req.PeerId); err != nil {
			return nil, err
		}
	}
	if err := s.node.TransferLeadershipTo(ctx, target); err != nil {
		return nil, err
	}
	return &proto.TransferLeaderResponse{}, nil
}

func (s *Service) ListPeers(ctx context.Context, req *proto.ListPeersRequest) (*proto.ListPeersResponse, error) {
	if err := s.checkGroup(ctx, req.GroupId); err != nil {
		return nil, err
	}
	peers, err := s.node.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	return &proto.ListPeersResponse{
		Peers:    raft.PeerStrings(peers),
		LeaderId: s.node.LeaderID().String(),
		Term:     s.node.Term(),
	}, nil
}
