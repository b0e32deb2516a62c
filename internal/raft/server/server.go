package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
)

// shutdownTimeout bounds how long GracefulShutdown waits for the node to stop.
const shutdownTimeout = 10 * time.Second

// Server runs a Node behind a gRPC server and owns the transport the node uses to reach its peers.
type Server struct {
	Node *Node
	// Address is where the gRPC server listens, known once Listen returned
	Address string

	transport  *GRPCTransport
	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer registers the node's services on a new gRPC server.
func NewServer(node *Node, transport *GRPCTransport, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{
		grpc.ConnectionTimeout(30 * time.Second),
		grpc.ChainUnaryInterceptor(UnaryInterceptor),
	}, opts...)
	s := &Server{
		Node:       node,
		transport:  transport,
		grpcServer: grpc.NewServer(opts...),
	}
	NewService(node).Register(s.grpcServer)
	return s
}

// Listen binds addr. Port 0 picks a free port; Address reports the one chosen.
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = lis
	s.Address = lis.Addr().String()
	return nil
}

// StartServer initializes the node and serves RPCs on addr. It blocks until the server stops.
func (s *Server) StartServer(ctx context.Context, addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve initializes the node and serves on the listener bound by Listen. It blocks until the server stops.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("serve: Listen was not called")
	}
	// peers may call in as soon as the node starts
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpcServer.Serve(s.listener) }()

	if err := s.Node.Init(ctx); err != nil {
		s.grpcServer.Stop()
		<-errCh
		return fmt.Errorf("init node %s: %w", s.Node.ID(), err)
	}
	s.Node.log.Infof("[NODE-%s] Raft node of group %s serving on %s", s.Node.ID(), s.Node.GroupID(), s.Address)
	return <-errCh
}

// GracefulShutdown stops the node, then lets in-flight RPCs finish before closing the connections to peers.
func (s *Server) GracefulShutdown() {
	s.Node.log.Infof("[NODE-%s] Shutting down server gracefully", s.Node.ID())
	s.Node.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Node.Join(ctx); err != nil {
		s.Node.log.Warnf("[NODE-%s] Node did not stop within %v: %v", s.Node.ID(), shutdownTimeout, err)
	}
	s.grpcServer.GracefulStop()
	s.transport.CloseAllClients()
}

// ForceShutdown closes every connection at once and does not wait for the node.
func (s *Server) ForceShutdown() {
	s.Node.log.Infof("[NODE-%s] Force shutting down server", s.Node.ID())
	s.Node.Shutdown()
	s.transport.CloseAllClients()
	s.grpcServer.Stop()
}
