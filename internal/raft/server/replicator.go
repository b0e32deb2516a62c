package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
)

// catchUpWatch waits for a peer added by a configuration change to come within margin of the leader's log.
type catchUpWatch struct {
	version uint64
	margin  uint64
	timer   *time.Timer
}

// replicator drives replication to one follower for one leader term (Section 5.3 from the
// [Raft paper](https://raft.github.io/raft.pdf)). It runs in its own goroutine, probing back from the
// leader's last index until the logs match, then streaming batches of entries, sending heartbeats while idle,
// and installing a snapshot when the follower needs entries the leader has compacted. Results go back to the
// node loop with submit; nothing here touches loop state.
type replicator struct {
	node   *Node
	peer   raft.PeerID
	term   uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	// replicator goroutine only
	nextIndex    uint64
	lastReported uint64

	// the follower's log is known to match ours up to matchIndex
	matched    atomic.Bool
	matchIndex atomic.Uint64
	// send time of the last request the follower answered, in unix nanoseconds
	lastResponse atomic.Int64

	mu              sync.Mutex
	catchUp         *catchUpWatch
	timeoutNowIndex uint64
}

func newReplicator(n *Node, peer raft.PeerID, term uint64) *replicator {
	ctx, cancel := context.WithCancel(n.ctx)
	return &replicator{
		node:      n,
		peer:      peer,
		term:      term,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		nextIndex: n.logs.lastLogIndex() + 1,
	}
}

// run should be executed as a goroutine.
func (r *replicator) run() {
	defer close(r.done)
	n := r.node
	n.log.Debugf("[NODE-%s] [TERM-%d] Replicator for %s started at next index %d", n.id, r.term, r.peer, r.nextIndex)

	heartbeat := time.NewTicker(n.opts.heartbeatTimeout())
	defer heartbeat.Stop()

	failures := 0
	force := true
	for r.ctx.Err() == nil {
		more, err := r.replicate(force)
		force = false
		if err != nil {
			failures++
			if !r.sleep(r.backoff(failures)) {
				return
			}
			force = true
			continue
		}
		failures = 0
		if more {
			continue
		}

		select {
		case <-r.ctx.Done():
			return
		case <-n.logs.waitNew(r.nextIndex - 1):
		case <-heartbeat.C:
			force = true
		case <-r.wake:
			force = true
		}
	}
}

// backoff grows linearly with consecutive failures up to MaxReplicatorBackoff.
func (r *replicator) backoff(failures int) time.Duration {
	return min(RetryBackoffBase*time.Duration(failures), r.node.opts.Raft.MaxReplicatorBackoff)
}

func (r *replicator) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// replicate sends one AppendEntries request. With force it sends even when there is nothing new, as a
// heartbeat or probe. more reports whether another request should follow right away.
func (r *replicator) replicate(force bool) (more bool, err error) {
	n := r.node
	if r.nextIndex < n.logs.firstLogIndex() {
		return r.installSnapshot()
	}
	prevIndex := r.nextIndex - 1
	prevTerm := n.logs.term(prevIndex)
	if prevIndex > 0 && prevTerm == 0 {
		// compacted between the two reads
		return r.installSnapshot()
	}

	var entries []*proto.LogEntry
	if r.matched.Load() {
		entries, err = n.logs.entries(r.nextIndex, n.opts.Raft.MaxEntriesPerRequest)
		if errors.Is(err, raft.ErrLogIndexOutOfRange) {
			return r.installSnapshot()
		}
		if err != nil {
			n.log.Errorf("[NODE-%s] [TERM-%d] Failed to read entries from %d for %s: %v", n.id, r.term, r.nextIndex, r.peer, err)
			return false, err
		}
		if len(entries) == 0 && !force {
			return false, nil
		}
	}

	req := &proto.AppendEntriesRequest{
		GroupId:        n.groupID,
		ServerId:       n.id.String(),
		PeerId:         r.peer.String(),
		Term:           r.term,
		PrevLogIndex:   prevIndex,
		PrevLogTerm:    prevTerm,
		CommittedIndex: n.box.LastCommittedIndex(),
		Entries:        entries,
	}
	sent := time.Now()
	resp, err := n.transport.AppendEntries(r.ctx, r.peer, req)
	if err != nil {
		if r.ctx.Err() == nil {
			n.log.Debugf("[NODE-%s] [TERM-%d] AppendEntries to %s failed: %v", n.id, r.term, r.peer, err)
		}
		return false, err
	}
	r.lastResponse.Store(sent.UnixNano())

	if resp.Term > r.term {
		r.reportHigherTerm(resp.Term)
		return false, raft.ErrHigherTerm
	}
	if !resp.Success {
		// Section 5.3: after a rejection the leader decrements nextIndex and retries. The follower's last index
		// lets it skip straight past a follower that is far behind.
		r.matched.Store(false)
		r.nextIndex = max(1, min(r.nextIndex-1, resp.LastLogIndex+1))
		n.log.Debugf("[NODE-%s] [TERM-%d] %s rejected prev log %d, probing from %d", n.id, r.term, r.peer, prevIndex, r.nextIndex)
		return true, nil
	}

	last := prevIndex + uint64(len(entries))
	r.matched.Store(true)
	r.matchIndex.Store(last)
	r.nextIndex = last + 1
	r.reportMatch(last)
	r.checkCatchUp()
	r.checkTimeoutNow()
	return len(entries) > 0, nil
}

// reportMatch lets the ballot box count the follower for every entry up to last. A successful append implies
// the follower holds the whole prefix (Log Matching Property).
func (r *replicator) reportMatch(last uint64) {
	if last <= r.lastReported {
		return
	}
	first := r.lastReported + 1
	r.lastReported = last
	peer, term := r.peer, r.term
	r.node.loop.submit(func() { r.node.onReplicated(peer, term, first, last) })
}

func (r *replicator) reportHigherTerm(term uint64) {
	peer, leaderTerm := r.peer, r.term
	r.node.loop.submit(func() { r.node.onHigherTerm(peer, leaderTerm, term) })
}

// installSnapshot sends the leader's latest snapshot and waits for the follower to copy it (Section 7).
func (r *replicator) installSnapshot() (bool, error) {
	n := r.node
	uri, meta, err := n.snapshots.forReplication()
	if err != nil {
		n.log.Warnf("[NODE-%s] [TERM-%d] %s needs a snapshot but none is available: %v", n.id, r.term, r.peer, err)
		return false, err
	}

	n.log.Infof("[NODE-%s] [TERM-%d] Installing snapshot at %d on %s", n.id, r.term, meta.LastIncludedIndex, r.peer)
	req := &proto.InstallSnapshotRequest{
		GroupId:  n.groupID,
		ServerId: n.id.String(),
		PeerId:   r.peer.String(),
		Term:     r.term,
		Meta:     meta,
		Uri:      uri,
	}
	ctx, cancel := context.WithTimeout(r.ctx, n.opts.Snapshot.InstallTimeout)
	sent := time.Now()
	resp, err := n.transport.InstallSnapshot(ctx, r.peer, req)
	cancel()
	if err != nil {
		if r.ctx.Err() == nil {
			n.log.Warnf("[NODE-%s] [TERM-%d] InstallSnapshot to %s failed: %v", n.id, r.term, r.peer, err)
		}
		return false, err
	}
	r.lastResponse.Store(sent.UnixNano())

	if resp.Term > r.term {
		r.reportHigherTerm(resp.Term)
		return false, raft.ErrHigherTerm
	}
	if !resp.Success {
		return false, raft.NewStatus(raft.CodeIO, "%s rejected snapshot at %d", r.peer, meta.LastIncludedIndex)
	}

	r.matched.Store(true)
	r.matchIndex.Store(meta.LastIncludedIndex)
	r.nextIndex = meta.LastIncludedIndex + 1
	r.lastReported = max(r.lastReported, meta.LastIncludedIndex)
	r.checkCatchUp()
	return true, nil
}

func (r *replicator) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// watchCatchUp reports to the loop once the follower is within margin of the leader's last index, or that it
// is not after timeout. Called from the loop.
func (r *replicator) watchCatchUp(version, margin uint64, timeout time.Duration) {
	r.mu.Lock()
	if r.catchUp != nil {
		r.catchUp.timer.Stop()
	}
	w := &catchUpWatch{version: version, margin: margin}
	w.timer = time.AfterFunc(timeout, func() { r.finishCatchUp(version, false) })
	r.catchUp = w
	r.mu.Unlock()

	r.nudge()
}

func (r *replicator) checkCatchUp() {
	r.mu.Lock()
	w := r.catchUp
	r.mu.Unlock()

	if w == nil || !r.matched.Load() {
		return
	}
	if r.matchIndex.Load()+w.margin < r.node.logs.lastLogIndex() {
		return
	}
	r.finishCatchUp(w.version, true)
}

func (r *replicator) finishCatchUp(version uint64, ok bool) {
	r.mu.Lock()
	w := r.catchUp
	if w == nil || w.version != version {
		r.mu.Unlock()
		return
	}
	r.catchUp = nil
	w.timer.Stop()
	r.mu.Unlock()

	peer := r.peer
	r.node.loop.submit(func() { r.node.onCaughtUp(peer, version, ok) })
}

// transferLeadership sends TimeoutNow once the follower has every entry up to logIndex. Called from the loop.
func (r *replicator) transferLeadership(logIndex uint64) {
	r.mu.Lock()
	r.timeoutNowIndex = max(logIndex, 1)
	r.mu.Unlock()

	r.nudge()
}

func (r *replicator) stopTransfer() {
	r.mu.Lock()
	r.timeoutNowIndex = 0
	r.mu.Unlock()
}

func (r *replicator) checkTimeoutNow() {
	r.mu.Lock()
	idx := r.timeoutNowIndex
	if idx == 0 || !r.matched.Load() || r.matchIndex.Load() < idx {
		r.mu.Unlock()
		return
	}
	r.timeoutNowIndex = 0
	r.mu.Unlock()

	r.sendTimeoutNow(r.ctx)
}

// sendTimeoutNow asks the follower to start an election at once, skipping the pre-vote and its own election
// timeout.
func (r *replicator) sendTimeoutNow(ctx context.Context) {
	n := r.node
	n.log.Infof("[NODE-%s] [TERM-%d] Sending TimeoutNow to %s", n.id, r.term, r.peer)
	resp, err := n.transport.TimeoutNow(ctx, r.peer, &proto.TimeoutNowRequest{
		GroupId:  n.groupID,
		ServerId: n.id.String(),
		PeerId:   r.peer.String(),
		Term:     r.term,
	})
	if err != nil {
		n.log.Warnf("[NODE-%s] [TERM-%d] TimeoutNow to %s failed: %v", n.id, r.term, r.peer, err)
		return
	}
	if resp.Term > r.term {
		r.reportHigherTerm(resp.Term)
	}
}

func (r *replicator) stop() {
	r.cancel()
	r.mu.Lock()
	if r.catchUp != nil {
		r.catchUp.timer.Stop()
		r.catchUp = nil
	}
	r.timeoutNowIndex = 0
	r.mu.Unlock()
}

func (r *replicator) lastResponseTime() time.Time {
	ns := r.lastResponse.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// replicatorGroup holds the replicators of one leader term. It is owned by the node loop.
type replicatorGroup struct {
	node        *Node
	term        uint64
	replicators map[raft.PeerID]*replicator
}

func newReplicatorGroup(n *Node, term uint64) *replicatorGroup {
	return &replicatorGroup{node: n, term: term, replicators: make(map[raft.PeerID]*replicator)}
}

// add starts replicating to peer unless a replicator already runs for it.
func (g *replicatorGroup) add(peer raft.PeerID) *replicator {
	if peer == g.node.id {
		return nil
	}
	if r, ok := g.replicators[peer]; ok {
		return r
	}
	r := newReplicator(g.node, peer, g.term)
	g.replicators[peer] = r
	go r.run()
	return r
}

func (g *replicatorGroup) get(peer raft.PeerID) *replicator {
	return g.replicators[peer]
}

func (g *replicatorGroup) stop(peer raft.PeerID) {
	if r, ok := g.replicators[peer]; ok {
		r.stop()
		delete(g.replicators, peer)
		g.node.log.Infof("[NODE-%s] [TERM-%d] Stopped replicator for %s", g.node.id, g.term, peer)
	}
}

func (g *replicatorGroup) stopAll() {
	for peer := range g.replicators {
		g.stop(peer)
	}
}

// nudgeAll wakes every replicator, e.g. to push a new commit index without waiting for the heartbeat.
func (g *replicatorGroup) nudgeAll() {
	for _, r := range g.replicators {
		r.nudge()
	}
}

// mostCaughtUp picks the member of conf with the highest match index.
func (g *replicatorGroup) mostCaughtUp(conf raft.ConfigurationEntry) *replicator {
	var best *replicator
	for _, peer := range conf.ListPeers() {
		r := g.replicators[peer]
		if r == nil || !r.matched.Load() {
			continue
		}
		if best == nil || r.matchIndex.Load() > best.matchIndex.Load() {
			best = r
		}
	}
	return best
}

// stopAllAndWake stops every replicator, first asking the most caught-up member of conf to start an election
// right away so the group does not wait for an election timeout.
func (g *replicatorGroup) stopAllAndWake(conf raft.ConfigurationEntry) {
	candidate := g.mostCaughtUp(conf)
	if candidate != nil {
		timeout := g.node.opts.Raft.ElectionTimeout
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			candidate.sendTimeoutNow(ctx)
		}()
	}
	g.stopAll()
}

// activeQuorum reports whether a quorum of conf, counting the leader itself, answered a request sent within
// window of now.
func (g *replicatorGroup) activeQuorum(conf raft.ConfigurationEntry, now time.Time, window time.Duration) bool {
	b := newBallot(conf)
	b.Grant(g.node.id)
	for peer, r := range g.replicators {
		if now.Sub(r.lastResponseTime()) <= window {
			b.Grant(peer)
		}
	}
	return b.Granted()
}
