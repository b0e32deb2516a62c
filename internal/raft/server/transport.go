package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
)

const (
	// MaxRequestVoteRetries is the number of attempts of a PreVote or RequestVote RPC.
	// Vote retries are bounded by the election timeout anyway: a failed election is followed by a new one in a
	// new term, so a vote that cannot get through in a few attempts is not worth more.
	MaxRequestVoteRetries = 3

	// RetryBackoffBase is the base duration for the linear backoff between retries
	RetryBackoffBase = 10 * time.Millisecond

	// MaxRetryBackoff is the maximum backoff duration between vote retries
	MaxRetryBackoff = 100 * time.Millisecond
)

// Transport sends the peer-to-peer RPCs of a node. Implementations must be safe for concurrent use and return
// raft.Status errors for failures reported by the remote node.
type Transport interface {
	PreVote(ctx context.Context, peer raft.PeerID, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error)
	RequestVote(ctx context.Context, peer raft.PeerID, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peer raft.PeerID, req *proto.AppendEntriesRequest) (*proto.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, peer raft.PeerID, req *proto.InstallSnapshotRequest) (*proto.InstallSnapshotResponse, error)
	TimeoutNow(ctx context.Context, peer raft.PeerID, req *proto.TimeoutNowRequest) (*proto.TimeoutNowResponse, error)
	ReadIndex(ctx context.Context, peer raft.PeerID, req *proto.ReadIndexRequest) (*proto.ReadIndexResponse, error)
	GetFile(ctx context.Context, peer raft.PeerID, req *proto.GetFileRequest) (*proto.GetFileResponse, error)
}

// fileClient adapts a Transport to the snapshot.FileClient of one peer.
type fileClient struct {
	transport Transport
	peer      raft.PeerID
}

func (c fileClient) GetFile(ctx context.Context, req *proto.GetFileRequest) (*proto.GetFileResponse, error) {
	return c.transport.GetFile(ctx, c.peer, req)
}

// GRPCTransport is the Transport over gRPC. Connections are created lazily, one per peer, and reused.
type GRPCTransport struct {
	// A map to store the underlying grpc.ClientConn for each peer. It is a map[raft.PeerID]*grpc.ClientConn.
	// sync.Map provides thread-safe access to the map, and is optimized for read operations, reducing the overhead of
	// manual locks
	clientsConnPool *sync.Map
	// serializes connection creation so a peer never gets two
	dialMu sync.Mutex

	rpcTimeout  time.Duration
	dialOptions []grpc.DialOption
	// Optional metrics collector
	metrics MetricsCollector
}

var _ Transport = (*GRPCTransport)(nil)

// NewGRPCTransport creates a transport whose vote, append and heartbeat attempts are bounded by rpcTimeout.
// Extra dial options are appended to the defaults (insecure credentials, raftwire codec).
func NewGRPCTransport(rpcTimeout time.Duration, metrics MetricsCollector, opts ...grpc.DialOption) *GRPCTransport {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	dialOptions := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(proto.CodecName)),
	}
	return &GRPCTransport{
		clientsConnPool: &sync.Map{},
		rpcTimeout:      rpcTimeout,
		dialOptions:     append(dialOptions, opts...),
		metrics:         metrics,
	}
}

// getClientConn retrieves the grpc.ClientConn of peer from the connection pool, creating it on first use
func (t *GRPCTransport) getClientConn(peer raft.PeerID) (*grpc.ClientConn, error) {
	if conn, ok := t.clientsConnPool.Load(peer); ok {
		return conn.(*grpc.ClientConn), nil
	}

	t.dialMu.Lock()
	defer t.dialMu.Unlock()
	if conn, ok := t.clientsConnPool.Load(peer); ok {
		return conn.(*grpc.ClientConn), nil
	}

	conn, err := grpc.NewClient(peer.Addr, t.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to establish gRPC connection to peer %s: %w", peer, err)
	}
	t.clientsConnPool.Store(peer, conn)
	log.Debugf("[TRANSPORT] Added gRPC connection for peer %s", peer)
	return conn, nil
}

// withRetry runs call with a fresh per-attempt timeout until it succeeds, the attempts are exhausted, the remote
// answers with a raft status, or ctx ends. A timeout of zero leaves the attempt bounded by ctx only.
func withRetry[Resp any](ctx context.Context, name string, peer raft.PeerID, attempts int, timeout time.Duration,
	call func(ctx context.Context) (*Resp, error)) (*Resp, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		rpcCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			rpcCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		resp, err := call(rpcCtx)
		cancel()

		if err == nil {
			return resp, nil
		}
		lastErr = raft.FromGRPC(err)

		// A status decided by the remote node will not change on retry
		if !raft.IsTransportError(err) && raft.CodeOf(lastErr) != raft.CodeTimeout {
			return nil, lastErr
		}

		// Check if parent context is cancelled (e.g., node shutting down)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s to %s cancelled: %w", name, peer, ctx.Err())
		default:
		}

		// Don't sleep after the last attempt
		if attempt < attempts-1 {
			backoff := min(RetryBackoffBase*time.Duration(attempt+1), MaxRetryBackoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%s to %s cancelled: %w", name, peer, ctx.Err())
			}
		}
	}
	if attempts > 1 {
		log.Debugf("[TRANSPORT] %s to %s failed after %d attempts: %v", name, peer, attempts, lastErr)
	}
	return nil, lastErr
}

func (t *GRPCTransport) raftClient(peer raft.PeerID) (proto.RaftServiceClient, error) {
	conn, err := t.getClientConn(peer)
	if err != nil {
		return nil, err
	}
	// This is just a wrapper around the connection; it provides the methods needed to exec the RPC calls
	return proto.NewRaftServiceClient(conn), nil
}

func (t *GRPCTransport) PreVote(ctx context.Context, peer raft.PeerID, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
	t.metrics.RecordPreVote()
	client, err := t.raftClient(peer)
	if err != nil {
		return nil, err
	}
	return withRetry(ctx, "PreVote", peer, MaxRequestVoteRetries, t.rpcTimeout,
		func(ctx context.Context) (*proto.RequestVoteResponse, error) { return client.PreVote(ctx, req) })
}

func (t *GRPCTransport) RequestVote(ctx context.Context, peer raft.PeerID, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
	t.metrics.RecordRequestVote()
	client, err := t.raftClient(peer)
	if err != nil {
		return nil, err
	}
	return withRetry(ctx, "RequestVote", peer, MaxRequestVoteRetries, t.rpcTimeout,
		func(ctx context.Context) (*proto.RequestVoteResponse, error) { return client.RequestVote(ctx, req) })
}

// AppendEntries makes a single attempt: the replicator owns retries and backoff (Section 5.3, the leader
// retries indefinitely).
func (t *GRPCTransport) AppendEntries(ctx context.Context, peer raft.PeerID, req *proto.AppendEntriesRequest) (*proto.AppendEntriesResponse, error) {
	if len(req.Entries) == 0 {
		t.metrics.RecordHeartbeat()
	} else {
		t.metrics.RecordAppendEntries()
	}
	client, err := t.raftClient(peer)
	if err != nil {
		return nil, err
	}
	return withRetry(ctx, "AppendEntries", peer, 1, t.rpcTimeout,
		func(ctx context.Context) (*proto.AppendEntriesResponse, error) { return client.AppendEntries(ctx, req) })
}

// InstallSnapshot waits for the follower to copy the whole snapshot, so it is bounded by ctx only.
func (t *GRPCTransport) InstallSnapshot(ctx context.Context, peer raft.PeerID, req *proto.InstallSnapshotRequest) (*proto.InstallSnapshotResponse, error) {
	client, err := t.raftClient(peer)
	if err != nil {
		return nil, err
	}
	return withRetry(ctx, "InstallSnapshot", peer, 1, 0,
		func(ctx context.Context) (*proto.InstallSnapshotResponse, error) { return client.InstallSnapshot(ctx, req) })
}

func (t *GRPCTransport) TimeoutNow(ctx context.Context, peer raft.PeerID, req *proto.TimeoutNowRequest) (*proto.TimeoutNowResponse, error) {
	client, err := t.raftClient(peer)
	if err != nil {
		return nil, err
	}
	return withRetry(ctx, "TimeoutNow", peer, 1, t.rpcTimeout,
		func(ctx context.Context) (*proto.TimeoutNowResponse, error) { return client.TimeoutNow(ctx, req) })
}

// ReadIndex is bounded by ctx only: the leader may run a heartbeat round before it answers.
func (t *GRPCTransport) ReadIndex(ctx context.Context, peer raft.PeerID, req *proto.ReadIndexRequest) (*proto.ReadIndexResponse, error) {
	client, err := t.raftClient(peer)
	if err != nil {
		return nil, err
	}
	return withRetry(ctx, "ReadIndex", peer, 1, 0,
		func(ctx context.Context) (*proto.ReadIndexResponse, error) { return client.ReadIndex(ctx, req) })
}

func (t *GRPCTransport) GetFile(ctx context.Context, peer raft.PeerID, req *proto.GetFileRequest) (*proto.GetFileResponse, error) {
	conn, err := t.getClientConn(peer)
	if err != nil {
		return nil, err
	}
	resp, err := proto.NewFileServiceClient(conn).GetFile(ctx, req)
	return resp, raft.FromGRPC(err)
}

// RemovePeer closes and removes the gRPC connection for a peer that left the cluster
func (t *GRPCTransport) RemovePeer(peer raft.PeerID) {
	if value, ok := t.clientsConnPool.LoadAndDelete(peer); ok {
		if err := value.(*grpc.ClientConn).Close(); err != nil {
			log.Warnf("[TRANSPORT] Failed to close connection to removed peer %s: %v", peer, err)
		} else {
			log.Debugf("[TRANSPORT] Closed connection to removed peer: %s", peer)
		}
	}
}

// CloseAllClients closes all gRPC client connections initiated by the node
func (t *GRPCTransport) CloseAllClients() {
	// Range is a thread-safe way to iterate over a sync.Map.
	t.clientsConnPool.Range(func(key, value any) bool {
		if err := value.(*grpc.ClientConn).Close(); err != nil {
			log.Warnf("[TRANSPORT] Failed to close connection to %s: %v", key, err)
		}
		t.clientsConnPool.Delete(key)
		// Return true to continue the iteration.
		return true
	})
	log.Debug("[TRANSPORT] All gRPC client connections closed.")
}
