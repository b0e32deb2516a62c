package server

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"raftd/internal/pubsub"
	"raftd/internal/raft"
	"raftd/internal/raft/ballot"
	"raftd/internal/raft/proto"
	"raftd/internal/raft/snapshot"
	"raftd/internal/raft/state_machine"
	"raftd/internal/raft/storage"
)

// loopQueueSize is the capacity of the node loop's event queue.
const loopQueueSize = 1024

// Dependencies are the collaborators of a Node. LogStorage, MetaStorage, StateMachine and Transport are required.
type Dependencies struct {
	LogStorage   storage.LogStorage
	MetaStorage  storage.MetaStorage
	StateMachine state_machine.StateMachine
	Transport    Transport
	// SnapshotStore enables snapshots; without it the log is never compacted
	SnapshotStore *snapshot.Store
	// FileService serves the local snapshot to peers. One is created when nil.
	FileService *snapshot.FileService
	Metrics     MetricsCollector
	// PubSub receives the lifecycle events. One is created, and shut down with the node, when nil.
	PubSub *pubsub.PubSubClient
	Logger *log.Entry
}

// Node is one replica of a raft group (Section 5 from the [Raft paper](https://raft.github.io/raft.pdf)).
//
// The role, term, vote, leader, configuration and ballot box are owned by the node loop (see orchestrator):
// every handler, timer and RPC result runs there, one at a time. Other goroutines read the status snapshot
// published after each event.
type Node struct {
	id      raft.PeerID
	groupID string
	opts    NodeOptions
	log     *log.Entry

	// base context of every outbound RPC, cancelled on shutdown
	ctx    context.Context
	cancel context.CancelFunc

	logs      *logManager
	meta      storage.MetaStorage
	box       *ballot.Box
	fsm       *fsmCaller
	snapshots *snapshotExecutor
	transport Transport
	metrics   MetricsCollector
	pubSub    *pubsub.PubSubClient
	ownPubSub bool

	loop   *orchestrator
	status nodeStatus

	// owned by the loop
	role                roleState
	term                uint64
	votedFor            raft.PeerID
	leaderID            raft.PeerID
	lastLeaderTimestamp time.Time
	conf                raft.ConfigurationEntry
	initialConf         raft.ConfigurationEntry
	confVersion         uint64

	electionTimer *loopTimer
	voteTimer     *loopTimer
	stepDownTimer *loopTimer
	transferTimer *loopTimer
	snapshotTimer *loopTimer

	applyMu     sync.Mutex
	applyClosed bool
	applyQueue  chan *applyTask
	applyDone   chan struct{}

	lifeMu       sync.Mutex
	started      bool
	stopping     bool
	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

// NewNode wires a node without starting it; call Init next.
func NewNode(id raft.PeerID, opts NodeOptions, deps Dependencies) (*Node, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch {
	case id.IsEmpty():
		return nil, raft.NewStatus(raft.CodeInvalid, "node id must not be empty")
	case deps.LogStorage == nil || deps.MetaStorage == nil:
		return nil, raft.NewStatus(raft.CodeInvalid, "log and meta storage are required")
	case deps.StateMachine == nil:
		return nil, raft.NewStatus(raft.CodeInvalid, "state machine is required")
	case deps.Transport == nil:
		return nil, raft.NewStatus(raft.CodeInvalid, "transport is required")
	}

	initial, _ := raft.ParseConfiguration(opts.InitialPeers)
	logger := deps.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:           id,
		groupID:      opts.GroupID,
		opts:         opts,
		log:          logger.WithFields(log.Fields{"group": opts.GroupID, "peer": id.String()}),
		ctx:          ctx,
		cancel:       cancel,
		meta:         deps.MetaStorage,
		transport:    deps.Transport,
		metrics:      metrics,
		pubSub:       deps.PubSub,
		role:         uninitializedState{},
		initialConf:  raft.ConfigurationEntry{Conf: initial},
		applyQueue:   make(chan *applyTask, opts.Raft.ApplyQueueSize),
		applyDone:    make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}
	if n.pubSub == nil {
		n.pubSub = pubsub.NewPubSub(pubsub.WithLogger(n.log))
		n.ownPubSub = true
	}

	n.logs = newLogManager(deps.LogStorage)
	n.fsm = newFSMCaller(n.logs, deps.StateMachine, n.pubSub, metrics, opts.Raft.ApplyBatch, n.log)
	n.fsm.onError = func(err error) { n.loop.submit(func() { n.onError(err) }) }
	n.box = ballot.NewBox(n.fsm.onCommitted)

	files := deps.FileService
	if files == nil {
		files = snapshot.NewFileService()
	}
	n.snapshots = newSnapshotExecutor(n, deps.SnapshotStore, files, opts.Snapshot.ThrottleBytesPerSecond)

	n.loop = newOrchestrator(loopQueueSize, n.syncStatus)
	n.electionTimer = newLoopTimer("election", n.loop, n.randomizedElectionTimeout, n.handleElectionTimeout)
	n.voteTimer = newLoopTimer("vote", n.loop, n.randomizedElectionTimeout, n.handleVoteTimeout)
	n.stepDownTimer = newLoopTimer("step-down", n.loop, func() time.Duration { return opts.Raft.ElectionTimeout / 2 }, n.checkDeadNodes)
	n.transferTimer = newLoopTimer("transfer", n.loop, func() time.Duration { return opts.Raft.ElectionTimeout }, n.handleTransferTimeout)
	n.snapshotTimer = newLoopTimer("snapshot", n.loop, func() time.Duration { return opts.Snapshot.Interval }, n.handleSnapshotTimeout)
	return n, nil
}

func (n *Node) randomizedElectionTimeout() time.Duration {
	return raft.RandomizedTimeout(n.opts.Raft.ElectionTimeout)
}

// Init loads the persisted term, vote, log and latest snapshot and starts the node as a Follower. A node that
// is the only voter of its configuration elects itself right away.
func (n *Node) Init(ctx context.Context) error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	switch {
	case n.stopping:
		return raft.ErrNodeShutdown
	case n.started:
		return raft.NewStatus(raft.CodeInvalid, "node %s already initialized", n.id)
	}

	term, votedFor, err := n.meta.GetTermAndVotedFor()
	if err != nil {
		return fmt.Errorf("load term and vote: %w", err)
	}
	if votedFor != "" {
		if n.votedFor, err = raft.ParsePeerID(votedFor); err != nil {
			return fmt.Errorf("load vote: %w", err)
		}
	}
	n.term = term

	snap, err := n.snapshots.load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	var snapID raft.LogID
	var snapConf raft.ConfigurationEntry
	if snap != nil {
		snapID = snap.LastIncluded()
		if snapConf, err = confEntryOfMeta(snap.Meta); err != nil {
			return fmt.Errorf("load snapshot configuration: %w", err)
		}
	}
	if err := n.logs.init(snapID, snapConf); err != nil {
		return err
	}
	if snapID.Index > 0 {
		n.fsm.setApplied(snapID.Index)
		if _, err := n.box.SetLastCommittedIndex(snapID.Index); err != nil {
			return err
		}
	}
	n.conf = n.currentConf()

	n.log.Infof("[NODE-%s] [TERM-%d] Initialized with last log %v, snapshot %v, configuration %s",
		n.id, n.term, n.logs.lastLogID(), snapID, n.conf.Conf)

	n.started = true
	go n.fsm.run()
	go n.loop.run()
	go n.applyLoop()

	_, err = onLoop(ctx, n.loop, func() (struct{}, error) {
		n.role = &followerState{}
		if n.snapshots.store != nil && n.opts.Snapshot.Interval > 0 {
			n.snapshotTimer.start()
		}
		if n.conf.IsStable() && n.conf.Conf.Size() == 1 && n.conf.Conf.Contains(n.id) {
			n.electSelf()
			return struct{}{}, nil
		}
		n.electionTimer.start()
		return struct{}{}, nil
	})
	return err
}

// currentConf is the newest configuration in the log or snapshot, falling back to the initial peers.
func (n *Node) currentConf() raft.ConfigurationEntry {
	if c := n.logs.lastConf(); !c.IsEmpty() {
		return c
	}
	return n.initialConf
}

// Shutdown stops the node. It returns at once; use Join to wait. Calling it more than once is harmless.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.lifeMu.Lock()
		n.stopping = true
		started := n.started
		n.lifeMu.Unlock()
		go n.shutdown(started)
	})
}

func (n *Node) shutdown(started bool) {
	defer close(n.shutdownDone)
	n.log.Infof("[NODE-%s] Shutting down", n.id)

	if started {
		_, _ = onLoop(context.Background(), n.loop, func() (struct{}, error) {
			n.beginShutdown()
			return struct{}{}, nil
		})
		n.applyMu.Lock()
		n.applyClosed = true
		close(n.applyQueue)
		n.applyMu.Unlock()
		<-n.applyDone

		n.cancel()
		n.loop.stop()
		n.fsm.shutdown()
	} else {
		n.cancel()
		n.role = shutdownState{}
		go n.loop.run()
		n.loop.stop()
	}

	n.role = shutdownState{}
	n.syncStatus()
	if n.ownPubSub {
		n.pubSub.GracefulShutdown()
	}
	n.log.Infof("[NODE-%s] Shut down", n.id)
}

// beginShutdown runs on the loop: leadership ends, timers stop and no further event changes the node.
func (n *Node) beginShutdown() {
	if n.leader() != nil {
		n.stopLeading(raft.ErrNodeShutdown, false)
	}
	n.resetLeader(raft.ErrNodeShutdown)
	n.stopTimers()
	n.snapshots.cancel()
	n.role = shuttingDownState{}
}

// Join waits for a Shutdown to complete.
func (n *Node) Join(ctx context.Context) error {
	select {
	case <-n.shutdownDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) stopTimers() {
	n.electionTimer.stop()
	n.voteTimer.stop()
	n.stepDownTimer.stop()
	n.transferTimer.stop()
	n.snapshotTimer.stop()
}

// syncStatus publishes the loop-owned fields for readers outside the loop.
func (n *Node) syncStatus() {
	n.status.store(statusView{
		Role:     n.role.role(),
		Term:     n.term,
		LeaderID: n.leaderID,
		Conf:     n.conf,
	})
}

func (n *Node) ID() raft.PeerID { return n.id }

func (n *Node) GroupID() string { return n.groupID }

func (n *Node) Role() raft.Role { return n.status.getRole() }

func (n *Node) Term() uint64 { return n.status.getTerm() }

func (n *Node) IsLeader() bool { return n.status.getRole() == raft.Leader }

// LeaderID is the leader this node currently knows of, empty if none.
func (n *Node) LeaderID() raft.PeerID { return n.status.getLeaderID() }

func (n *Node) Configuration() raft.ConfigurationEntry { return n.status.getConf() }

func (n *Node) LastCommittedIndex() uint64 { return n.box.LastCommittedIndex() }

func (n *Node) LastAppliedIndex() uint64 { return n.fsm.appliedIndex() }

func (n *Node) LastLogIndex() uint64 { return n.logs.lastLogIndex() }

// PubSub is where the node publishes its lifecycle events.
func (n *Node) PubSub() *pubsub.PubSubClient { return n.pubSub }

// IsInstalling reports whether a snapshot from the leader is being copied or loaded.
func (n *Node) IsInstalling() bool { return n.snapshots.isInstalling() }

// persist writes term and vote. A failure moves the node to the Error role.
func (n *Node) persist() bool {
	if err := n.meta.SetTermAndVotedFor(n.term, n.votedFor.String()); err != nil {
		n.onError(raft.NewStatus(raft.CodeIO, "persist term %d and vote %q: %v", n.term, n.votedFor, err))
		return false
	}
	return true
}

// onError moves the node to the Error role, where it rejects every request until it is shut down.
func (n *Node) onError(err error) {
	if !n.role.role().IsActive() {
		return
	}
	n.log.Errorf("[NODE-%s] [TERM-%d] Entering error state: %v", n.id, n.term, err)
	if n.leader() != nil {
		n.stopLeading(err, false)
	}
	n.resetLeader(err)
	n.stopTimers()
	n.role = erroredState{err: err}
	n.fsm.onNodeError(err)
}

// inactiveErr is the rejection of a node that no longer takes part in the protocol.
func (n *Node) inactiveErr() error {
	switch n.role.(type) {
	case shuttingDownState, shutdownState:
		return raft.ErrNodeShutdown
	}
	return raft.ErrNodeNotActive
}

// notLeaderErr is the rejection of a leader-only request.
func (n *Node) notLeaderErr() error {
	switch {
	case !n.role.role().IsActive():
		return n.inactiveErr()
	case n.role.role() == raft.Transferring:
		return raft.ErrTransferring
	}
	return raft.ErrNotLeader
}

func newBallot(conf raft.ConfigurationEntry) *ballot.Ballot {
	return ballot.New(conf.Conf, conf.OldConf)
}

// onReplicated counts peer towards the commit of entries [first, last] written in term.
func (n *Node) onReplicated(peer raft.PeerID, term, first, last uint64) {
	ls := n.leader()
	if ls == nil || term != n.term {
		return
	}
	if n.box.CommitAt(first, last, peer) {
		ls.replicators.nudgeAll()
	}
}

// onHigherTerm handles a replicator of leaderTerm that met a peer in term.
func (n *Node) onHigherTerm(peer raft.PeerID, leaderTerm, term uint64) {
	if n.leader() == nil || leaderTerm != n.term || term <= n.term {
		return
	}
	n.log.Infof("[NODE-%s] [TERM-%d] %s is at higher term %d", n.id, n.term, peer, term)
	n.stepDown(term, false, raft.NewStatus(raft.CodeHigherTerm, "%s is at term %d", peer, term))
}

// Snapshot saves the state machine now and compacts the log up to the last applied entry.
func (n *Node) Snapshot(ctx context.Context) (raft.LogID, error) {
	type result struct {
		id  raft.LogID
		err error
	}
	ch := make(chan result, 1)
	_, err := onLoop(ctx, n.loop, func() (struct{}, error) {
		if !n.role.role().IsActive() {
			return struct{}{}, n.inactiveErr()
		}
		n.snapshots.save(func(id raft.LogID, err error) { ch <- result{id, err} })
		return struct{}{}, nil
	})
	if err != nil {
		return raft.LogID{}, err
	}
	select {
	case r := <-ch:
		return r.id, r.err
	case <-ctx.Done():
		return raft.LogID{}, ctx.Err()
	}
}

func (n *Node) handleSnapshotTimeout() {
	if !n.role.role().IsActive() {
		return
	}
	n.snapshots.save(func(id raft.LogID, err error) {
		if err != nil {
			n.log.Warnf("[NODE-%s] [TERM-%d] Periodic snapshot failed: %v", n.id, n.term, err)
		}
		if n.role.role().IsActive() {
			n.snapshotTimer.start()
		}
	})
}

type applyTask struct {
	data      []byte
	submitted time.Time
	done      func(index uint64, err error)
}

// Apply replicates data and waits until the state machine has applied it. It returns the log index of the
// entry.
func (n *Node) Apply(ctx context.Context, data []byte) (uint64, error) {
	type result struct {
		index uint64
		err   error
	}
	ch := make(chan result, 1)
	if err := n.ApplyAsync(data, func(index uint64, err error) { ch <- result{index, err} }); err != nil {
		return 0, err
	}
	select {
	case r := <-ch:
		return r.index, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ApplyAsync queues data for replication. done is called once, after the entry is applied or with the
// failure that abandoned it; it must not block.
func (n *Node) ApplyAsync(data []byte, done func(index uint64, err error)) error {
	n.lifeMu.Lock()
	started := n.started
	n.lifeMu.Unlock()
	if !started {
		return raft.ErrNodeNotActive
	}

	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	if n.applyClosed {
		return raft.ErrNodeShutdown
	}
	task := &applyTask{data: data, submitted: time.Now(), done: done}
	select {
	case n.applyQueue <- task:
		return nil
	default:
		return raft.NewStatus(raft.CodeBusy, "apply queue is full")
	}
}

// applyLoop hands client tasks to the node loop in batches, keeping their submission order. It should be
// executed as a goroutine.
func (n *Node) applyLoop() {
	defer close(n.applyDone)
	batchSize := n.opts.Raft.ApplyBatch
	batch := make([]*applyTask, 0, batchSize)
	for task := range n.applyQueue {
		batch = append(batch[:0], task)
	drain:
		for len(batch) < batchSize {
			select {
			case t, ok := <-n.applyQueue:
				if !ok {
					break drain
				}
				batch = append(batch, t)
			default:
				break drain
			}
		}

		tasks := slices.Clone(batch)
		if !n.loop.submit(func() { n.appendTasks(tasks) }) {
			for _, t := range tasks {
				t.done(0, raft.ErrNodeShutdown)
			}
		}
	}
}

// appendTasks appends a batch of client commands to the leader's log in one write.
func (n *Node) appendTasks(tasks []*applyTask) {
	if _, ok := n.role.(*leaderState); !ok {
		err := n.notLeaderErr()
		for _, t := range tasks {
			t.done(0, err)
		}
		return
	}

	index := n.logs.lastLogIndex()
	entries := make([]*proto.LogEntry, 0, len(tasks))
	for i, t := range tasks {
		index++
		idx := index
		closure := func(err error) {
			if err == nil {
				n.metrics.RecordCommandLatency(time.Since(t.submitted))
				t.done(idx, nil)
				return
			}
			t.done(0, err)
		}
		if err := n.box.AppendPendingTask(n.conf.Conf, n.conf.OldConf, closure); err != nil {
			status := raft.NewStatus(raft.CodeInternal, "register ballot at %d: %v", idx, err)
			// fails the closures registered so far
			n.onError(status)
			for _, rest := range tasks[i:] {
				rest.done(0, status)
			}
			return
		}
		entries = append(entries, &proto.LogEntry{
			Index: idx,
			Term:  n.term,
			Type:  proto.LogEntryType_LOG_COMMAND,
			Data:  t.data,
		})
	}

	if err := n.logs.appendEntries(entries); err != nil {
		n.onError(raft.NewStatus(raft.CodeIO, "append entries [%d, %d]: %v", entries[0].Index, index, err))
		return
	}
	n.log.Debugf("[NODE-%s] [TERM-%d] Appended entries [%d, %d]", n.id, n.term, entries[0].Index, index)
	n.box.CommitAt(entries[0].Index, index, n.id)
}
