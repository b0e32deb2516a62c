package server

import (
	"context"
	"time"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
)

/*
Section 6 from the [Raft paper](https://raft.github.io/raft.pdf): membership changes go through a joint
configuration C_old,new, in which every decision needs separate majorities of both C_old and C_new, before
C_new alone takes over. New servers first catch up as non-voting members so the change does not stall while
they copy the log. A change of a single peer cannot produce two disjoint majorities and skips the joint stage.

The leader applies a configuration as soon as its entry is in the log, committed or not.
*/

type confStage int

const (
	stageNone confStage = iota
	stageCatchingUp
	stageJoint
	stageStable
)

func (s confStage) String() string {
	switch s {
	case stageNone:
		return "None"
	case stageCatchingUp:
		return "CatchingUp"
	case stageJoint:
		return "Joint"
	case stageStable:
		return "Stable"
	default:
		return "Unknown"
	}
}

// confChangeCtx drives one membership change of a leader through its stages. It lives on the node loop.
type confChangeCtx struct {
	node   *Node
	leader *leaderState

	stage confStage
	// tags the catch-up watches of this change; a report carrying another version is stale
	version  uint64
	oldConf  raft.Configuration
	newConf  raft.Configuration
	adding   map[raft.PeerID]struct{}
	nchanges int
	done     func(error)
}

func newConfChangeCtx(n *Node, ls *leaderState) *confChangeCtx {
	return &confChangeCtx{node: n, leader: ls}
}

func (n *Node) nextConfVersion() uint64 {
	n.confVersion++
	return n.confVersion
}

func (c *confChangeCtx) isBusy() bool {
	return c.stage != stageNone
}

// start moves the group from oldConf to newConf. done gets the outcome.
func (c *confChangeCtx) start(oldConf, newConf raft.Configuration, done func(error)) {
	n := c.node
	if c.isBusy() {
		done(raft.ErrBusy)
		return
	}

	adding, removing := newConf.Diff(oldConf)
	c.version = n.nextConfVersion()
	c.oldConf, c.newConf = oldConf, newConf
	c.nchanges = len(adding) + len(removing)
	c.adding = make(map[raft.PeerID]struct{}, len(adding))
	c.done = done
	c.stage = stageCatchingUp
	n.log.Infof("[NODE-%s] [TERM-%d] Changing configuration %s -> %s (adding %v, removing %v)",
		n.id, n.term, oldConf, newConf, adding, removing)

	for _, peer := range adding {
		r := c.leader.replicators.add(peer)
		if r == nil {
			continue
		}
		c.adding[peer] = struct{}{}
		r.watchCatchUp(c.version, n.opts.Raft.CatchUpMargin, n.opts.Raft.CatchUpTimeout)
	}
	if len(c.adding) == 0 {
		c.nextStage()
	}
}

// flush re-commits the configuration in effect when the node became leader. A joint configuration left by the
// previous leader is carried on to conf alone.
func (c *confChangeCtx) flush(conf, oldConf raft.Configuration) {
	c.version = c.node.nextConfVersion()
	c.newConf, c.oldConf = conf, oldConf
	c.nchanges = 0
	c.adding = nil
	if oldConf.IsEmpty() {
		c.stage = stageStable
	} else {
		c.stage = stageJoint
	}
	c.node.unsafeApplyConfiguration(conf, oldConf, true)
}

// onCaughtUp handles the catch-up report of one added peer.
func (c *confChangeCtx) onCaughtUp(peer raft.PeerID, version uint64, ok bool) {
	n := c.node
	if version != c.version || c.stage != stageCatchingUp {
		n.log.Debugf("[NODE-%s] [TERM-%d] Ignoring stale catch-up report of %s (version %d, current %d)",
			n.id, n.term, peer, version, c.version)
		return
	}
	if _, pending := c.adding[peer]; !pending {
		return
	}

	if ok {
		n.log.Infof("[NODE-%s] [TERM-%d] %s caught up", n.id, n.term, peer)
		delete(c.adding, peer)
		if len(c.adding) == 0 {
			c.nextStage()
		}
		return
	}

	// still making progress: give it another round
	if r := c.leader.replicators.get(peer); r != nil && time.Since(r.lastResponseTime()) < n.opts.Raft.ElectionTimeout {
		n.log.Debugf("[NODE-%s] [TERM-%d] %s is still catching up", n.id, n.term, peer)
		r.watchCatchUp(c.version, n.opts.Raft.CatchUpMargin, n.opts.Raft.CatchUpTimeout)
		return
	}
	n.log.Warnf("[NODE-%s] [TERM-%d] %s failed to catch up", n.id, n.term, peer)
	c.reset(raft.NewStatus(raft.CodeCatchUp, "%s failed to catch up", peer))
}

// nextStage advances the change once the entry of the current stage is committed.
func (c *confChangeCtx) nextStage() {
	n := c.node
	switch c.stage {
	case stageCatchingUp:
		if c.nchanges > 1 {
			c.stage = stageJoint
			n.log.Infof("[NODE-%s] [TERM-%d] Entering joint configuration %s / %s", n.id, n.term, c.newConf, c.oldConf)
			n.unsafeApplyConfiguration(c.newConf, c.oldConf, false)
			return
		}
		fallthrough
	case stageJoint:
		c.stage = stageStable
		n.unsafeApplyConfiguration(c.newConf, raft.Configuration{}, false)
	case stageStable:
		removed := !c.newConf.Contains(n.id)
		n.log.Infof("[NODE-%s] [TERM-%d] Configuration %s is stable", n.id, n.term, c.newConf)
		c.reset(nil)
		if removed {
			n.log.Infof("[NODE-%s] [TERM-%d] Removed from the configuration, stepping down", n.id, n.term)
			n.stepDown(n.term, true, raft.ErrLeaderRemoved)
		}
	}
}

// reset ends the change with status. On success the replicators of removed peers stop, on failure those of
// peers that were being added.
func (c *confChangeCtx) reset(status error) {
	if c.stage == stageNone {
		return
	}
	n := c.node
	var stopping []raft.PeerID
	if status == nil {
		_, stopping = c.newConf.Diff(c.oldConf)
	} else {
		stopping, _ = c.newConf.Diff(c.oldConf)
	}
	for _, peer := range stopping {
		if !n.conf.Contains(peer) {
			c.leader.replicators.stop(peer)
		}
	}

	done := c.done
	*c = confChangeCtx{node: c.node, leader: c.leader, version: n.nextConfVersion()}
	if status != nil {
		n.log.Warnf("[NODE-%s] [TERM-%d] Configuration change ended: %v", n.id, n.term, status)
	}
	if done != nil {
		done(status)
	}
}

// unsafeApplyConfiguration appends a configuration entry and makes it current at once. Its ballot needs the
// majorities of newConf and, when joint, oldConf. With leaderStart its commit also marks the leader as ready.
func (n *Node) unsafeApplyConfiguration(newConf, oldConf raft.Configuration, leaderStart bool) {
	index := n.logs.lastLogIndex() + 1
	term := n.term
	entry := &proto.LogEntry{
		Index:    index,
		Term:     term,
		Type:     proto.LogEntryType_LOG_CONFIGURATION,
		Peers:    raft.PeerStrings(newConf.Peers()),
		OldPeers: raft.PeerStrings(oldConf.Peers()),
	}
	// failures are handled by the step-down that caused them
	closure := func(err error) {
		if err != nil {
			return
		}
		n.loop.submit(func() { n.onConfigurationChangeDone(term, leaderStart) })
	}
	if err := n.box.AppendPendingTask(newConf, oldConf, closure); err != nil {
		n.onError(raft.NewStatus(raft.CodeInternal, "register configuration ballot at %d: %v", index, err))
		return
	}
	if err := n.logs.appendEntries([]*proto.LogEntry{entry}); err != nil {
		n.onError(raft.NewStatus(raft.CodeIO, "append configuration entry at %d: %v", index, err))
		return
	}
	n.conf = n.logs.lastConf()
	n.box.CommitAt(index, index, n.id)
}

func (n *Node) onConfigurationChangeDone(term uint64, leaderStart bool) {
	ls := n.leader()
	if ls == nil || term != n.term {
		return
	}
	if leaderStart {
		n.log.Infof("[NODE-%s] [TERM-%d] Leader is ready", n.id, n.term)
		n.fsm.onLeaderStart(term)
	}
	ls.confCtx.nextStage()
}

// onCaughtUp routes the report of a replicator's catch-up watch to the running change.
func (n *Node) onCaughtUp(peer raft.PeerID, version uint64, ok bool) {
	if ls := n.leader(); ls != nil {
		ls.confCtx.onCaughtUp(peer, version, ok)
	}
}

// ChangePeers replaces the voting members with peers and waits until the new configuration is committed.
func (n *Node) ChangePeers(ctx context.Context, peers raft.Configuration) error {
	return n.changeConfiguration(ctx, func(raft.Configuration) (raft.Configuration, error) {
		if peers.IsEmpty() {
			return raft.Configuration{}, raft.NewStatus(raft.CodeInvalid, "new configuration is empty")
		}
		return peers, nil
	})
}

// AddPeer adds one voting member.
func (n *Node) AddPeer(ctx context.Context, peer raft.PeerID) error {
	return n.changeConfiguration(ctx, func(cur raft.Configuration) (raft.Configuration, error) {
		if peer.IsEmpty() {
			return raft.Configuration{}, raft.NewStatus(raft.CodeInvalid, "empty peer id")
		}
		return raft.NewConfiguration(append(cur.Peers(), peer)...), nil
	})
}

// RemovePeer removes one voting member. A leader removing itself steps down once the change commits.
func (n *Node) RemovePeer(ctx context.Context, peer raft.PeerID) error {
	return n.changeConfiguration(ctx, func(cur raft.Configuration) (raft.Configuration, error) {
		var kept []raft.PeerID
		for _, p := range cur.Peers() {
			if p != peer {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			return raft.Configuration{}, raft.NewStatus(raft.CodeInvalid, "cannot remove the last peer")
		}
		return raft.NewConfiguration(kept...), nil
	})
}

func (n *Node) changeConfiguration(ctx context.Context, next func(cur raft.Configuration) (raft.Configuration, error)) error {
	done := make(chan error, 1)
	_, err := onLoop(ctx, n.loop, func() (struct{}, error) {
		ls, ok := n.role.(*leaderState)
		if !ok {
			return struct{}{}, n.notLeaderErr()
		}
		if ls.confCtx.isBusy() || !n.conf.IsStable() {
			return struct{}{}, raft.ErrBusy
		}
		newConf, err := next(n.conf.Conf)
		if err != nil {
			return struct{}{}, err
		}
		if newConf.Equals(n.conf.Conf) {
			done <- nil
			return struct{}{}, nil
		}
		ls.confCtx.start(n.conf.Conf, newConf, func(err error) { done <- err })
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListPeers returns the voting members as seen by the leader.
func (n *Node) ListPeers(ctx context.Context) ([]raft.PeerID, error) {
	return onLoop(ctx, n.loop, func() ([]raft.PeerID, error) {
		if n.leader() == nil {
			return nil, n.notLeaderErr()
		}
		return n.conf.Conf.Peers(), nil
	})
}
