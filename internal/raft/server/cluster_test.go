package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"raftd/internal/raft"
	"raftd/internal/raft/mocks"
	"raftd/internal/raft/proto"
	"raftd/internal/raft/snapshot"
)

// Test cluster: nodes talk to each other through memNetwork, which calls the Handle* methods of the target
// node directly. A peer can be cut off from the rest to simulate partitions and crashes.

var errUnreachable = raft.NewStatus(raft.CodeTimeout, "peer unreachable")

const waitFor = 5 * time.Second

type memNetwork struct {
	mu    sync.RWMutex
	nodes map[raft.PeerID]*Node
	down  map[raft.PeerID]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{nodes: make(map[raft.PeerID]*Node), down: make(map[raft.PeerID]bool)}
}

func (m *memNetwork) add(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.ID()] = n
}

func (m *memNetwork) remove(id raft.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
}

func (m *memNetwork) setDown(id raft.PeerID, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[id] = down
}

func (m *memNetwork) route(from, to raft.PeerID) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down[from] || m.down[to] {
		return nil, errUnreachable
	}
	n, ok := m.nodes[to]
	if !ok {
		return nil, errUnreachable
	}
	return n, nil
}

// memTransport is the Transport of one node on a memNetwork.
type memTransport struct {
	net     *memNetwork
	from    raft.PeerID
	timeout time.Duration
}

var _ Transport = (*memTransport)(nil)

func memCall[Req, Resp any](t *memTransport, ctx context.Context, to raft.PeerID, timeout time.Duration, req Req,
	handle func(n *Node) func(context.Context, Req) (Resp, error)) (Resp, error) {
	var zero Resp
	n, err := t.net.route(t.from, to)
	if err != nil {
		return zero, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := handle(n)(ctx, req)
	if err != nil {
		return zero, err
	}
	// the reply is lost when the link went down during the call
	if _, err := t.net.route(t.from, to); err != nil {
		return zero, err
	}
	return resp, nil
}

func (t *memTransport) PreVote(ctx context.Context, peer raft.PeerID, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
	return memCall(t, ctx, peer, t.timeout, req, func(n *Node) func(context.Context, *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
		return n.HandlePreVote
	})
}

func (t *memTransport) RequestVote(ctx context.Context, peer raft.PeerID, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
	return memCall(t, ctx, peer, t.timeout, req, func(n *Node) func(context.Context, *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
		return n.HandleRequestVote
	})
}

func (t *memTransport) AppendEntries(ctx context.Context, peer raft.PeerID, req *proto.AppendEntriesRequest) (*proto.AppendEntriesResponse, error) {
	return memCall(t, ctx, peer, t.timeout, req, func(n *Node) func(context.Context, *proto.AppendEntriesRequest) (*proto.AppendEntriesResponse, error) {
		return n.HandleAppendEntries
	})
}

func (t *memTransport) InstallSnapshot(ctx context.Context, peer raft.PeerID, req *proto.InstallSnapshotRequest) (*proto.InstallSnapshotResponse, error) {
	return memCall(t, ctx, peer, 0, req, func(n *Node) func(context.Context, *proto.InstallSnapshotRequest) (*proto.InstallSnapshotResponse, error) {
		return n.HandleInstallSnapshot
	})
}

func (t *memTransport) TimeoutNow(ctx context.Context, peer raft.PeerID, req *proto.TimeoutNowRequest) (*proto.TimeoutNowResponse, error) {
	return memCall(t, ctx, peer, t.timeout, req, func(n *Node) func(context.Context, *proto.TimeoutNowRequest) (*proto.TimeoutNowResponse, error) {
		return n.HandleTimeoutNow
	})
}

func (t *memTransport) ReadIndex(ctx context.Context, peer raft.PeerID, req *proto.ReadIndexRequest) (*proto.ReadIndexResponse, error) {
	return memCall(t, ctx, peer, 0, req, func(n *Node) func(context.Context, *proto.ReadIndexRequest) (*proto.ReadIndexResponse, error) {
		return n.HandleReadIndex
	})
}

func (t *memTransport) GetFile(ctx context.Context, peer raft.PeerID, req *proto.GetFileRequest) (*proto.GetFileResponse, error) {
	return memCall(t, ctx, peer, t.timeout, req, func(n *Node) func(context.Context, *proto.GetFileRequest) (*proto.GetFileResponse, error) {
		return n.HandleGetFile
	})
}

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	return log.NewEntry(logger)
}

func testOptions() NodeOptions {
	opts := DefaultNodeOptions()
	opts.GroupID = "test"
	opts.Raft.ElectionTimeout = 150 * time.Millisecond
	opts.Raft.RPCTimeout = 50 * time.Millisecond
	opts.Raft.MaxReplicatorBackoff = 20 * time.Millisecond
	opts.Raft.CatchUpTimeout = 300 * time.Millisecond
	opts.Snapshot.RetryInterval = 10 * time.Millisecond
	opts.Snapshot.Timeout = 200 * time.Millisecond
	opts.Snapshot.ChunkSize = 16
	return opts
}

func testPeerID(i int) raft.PeerID {
	return raft.MustParsePeerID(fmt.Sprintf("127.0.0.1:%d", 7000+i))
}

type testPeer struct {
	id      raft.PeerID
	node    *Node
	store   *mocks.MockLogStorage
	fsm     *mocks.MockStateMachine
	metrics *mocks.MockMetricsCollector
	snaps   *snapshot.Store
}

type testCluster struct {
	t         *testing.T
	net       *memNetwork
	opts      NodeOptions
	snapshots bool

	mu    sync.Mutex
	peers map[raft.PeerID]*testPeer
}

type clusterOption func(c *testCluster)

func withOptions(mutate func(o *NodeOptions)) clusterOption {
	return func(c *testCluster) { mutate(&c.opts) }
}

func withSnapshots() clusterOption {
	return func(c *testCluster) { c.snapshots = true }
}

// newTestCluster starts size voters that know each other from their initial peers.
func newTestCluster(t *testing.T, size int, options ...clusterOption) *testCluster {
	t.Helper()
	c := &testCluster{t: t, net: newMemNetwork(), opts: testOptions(), peers: make(map[raft.PeerID]*testPeer)}
	for _, o := range options {
		o(c)
	}
	t.Cleanup(c.shutdown)

	ids := make([]raft.PeerID, size)
	for i := range ids {
		ids[i] = testPeerID(i + 1)
	}
	for _, id := range ids {
		c.start(id, raft.PeerStrings(ids))
	}
	return c
}

// start runs a fresh node. A node started without initial peers joins through a configuration change.
func (c *testCluster) start(id raft.PeerID, initialPeers []string) *testPeer {
	c.t.Helper()
	p := &testPeer{
		id:      id,
		store:   mocks.NewMockLogStorage(),
		metrics: mocks.NewMockMetricsCollector(),
	}
	if c.snapshots {
		store, err := snapshot.NewStore(c.t.TempDir())
		require.NoError(c.t, err)
		p.snaps = store
	}
	c.run(p, initialPeers)
	return p
}

// restart replaces the node of id with a new one on the same storage, as after a crash.
func (c *testCluster) restart(id raft.PeerID, initialPeers []string) *testPeer {
	c.t.Helper()
	p := c.peer(id)
	c.stop(id)
	c.run(p, initialPeers)
	return p
}

func (c *testCluster) run(p *testPeer, initialPeers []string) {
	c.t.Helper()
	opts := c.opts
	opts.InitialPeers = initialPeers
	p.fsm = mocks.NewMockStateMachine()

	deps := Dependencies{
		LogStorage:    p.store,
		MetaStorage:   p.store,
		StateMachine:  p.fsm,
		Transport:     &memTransport{net: c.net, from: p.id, timeout: opts.Raft.RPCTimeout},
		Metrics:       p.metrics,
		Logger:        testLogger(),
		SnapshotStore: p.snaps,
	}
	n, err := NewNode(p.id, opts, deps)
	require.NoError(c.t, err)
	require.NoError(c.t, n.Init(context.Background()))
	p.node = n

	c.mu.Lock()
	c.peers[p.id] = p
	c.mu.Unlock()
	c.net.add(n)
}

func (c *testCluster) peer(id raft.PeerID) *testPeer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[id]
}

func (c *testCluster) all() []*testPeer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*testPeer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// stop shuts the node of id down and waits for it.
func (c *testCluster) stop(id raft.PeerID) {
	p := c.peer(id)
	if p == nil || p.node == nil {
		return
	}
	c.net.remove(id)
	p.node.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(c.t, p.node.Join(ctx))
}

func (c *testCluster) shutdown() {
	for _, p := range c.all() {
		c.stop(p.id)
	}
}

func (c *testCluster) isolate(id raft.PeerID) { c.net.setDown(id, true) }

func (c *testCluster) heal(id raft.PeerID) { c.net.setDown(id, false) }

func (c *testCluster) reachable(id raft.PeerID) bool {
	c.net.mu.RLock()
	defer c.net.mu.RUnlock()
	_, running := c.net.nodes[id]
	return running && !c.net.down[id]
}

// findLeader returns the single reachable leader, or nil while there is none or more than one. Two leaders of
// different terms coexist until the older hears of the newer term; same-term leaders are checked in
// TestCluster_AtMostOneLeaderPerTerm.
func (c *testCluster) findLeader() *testPeer {
	var leader *testPeer
	for _, p := range c.all() {
		if !c.reachable(p.id) || !p.node.IsLeader() {
			continue
		}
		if leader != nil {
			return nil
		}
		leader = p
	}
	return leader
}

// waitLeader waits for a reachable leader whose first entry of its term is committed.
func (c *testCluster) waitLeader() *testPeer {
	c.t.Helper()
	var leader *testPeer
	require.Eventually(c.t, func() bool {
		leader = c.findLeader()
		if leader == nil {
			return false
		}
		n := leader.node
		return n.logs.term(n.LastCommittedIndex()) == n.Term()
	}, waitFor, 10*time.Millisecond, "no leader elected")
	return leader
}

func (c *testCluster) followers(leader *testPeer) []*testPeer {
	var out []*testPeer
	for _, p := range c.all() {
		if p.id != leader.id {
			out = append(out, p)
		}
	}
	return out
}

func (c *testCluster) apply(p *testPeer, data string) uint64 {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	index, err := p.node.Apply(ctx, []byte(data))
	require.NoError(c.t, err)
	return index
}

// waitApplied waits until every given peer applied exactly want, in order.
func (c *testCluster) waitApplied(want []string, peers ...*testPeer) {
	c.t.Helper()
	for _, p := range peers {
		require.Eventually(c.t, func() bool {
			got := p.fsm.AppliedData()
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if string(got[i]) != want[i] {
					return false
				}
			}
			return true
		}, waitFor, 10*time.Millisecond, "%s did not apply %v, has %d entries", p.id, want, len(p.fsm.AppliedData()))
	}
}

func commands(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return out
}

func heartbeat(from raft.PeerID, term uint64) *proto.AppendEntriesRequest {
	return &proto.AppendEntriesRequest{GroupId: "test", ServerId: from.String(), Term: term}
}
