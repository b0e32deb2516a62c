package server

import (
	"time"

	"raftd/internal/raft"
	"raftd/internal/raft/ballot"
)

// roleState is the role of a node together with the state only that role has. Exactly one is current, held
// by the node loop.
type roleState interface {
	role() raft.Role
}

type uninitializedState struct{}

// followerState keeps the pre-vote round in flight, if any.
type followerState struct {
	preVote     *ballot.Ballot
	preVoteTerm uint64
}

type candidateState struct {
	vote    *ballot.Ballot
	started time.Time
}

type leaderState struct {
	replicators *replicatorGroup
	confCtx     *confChangeCtx
	reads       map[uint64]*readIndexRound
	nextRead    uint64
	electedAt   time.Time
}

// transferringState is a leader that stopped taking new entries while target catches up and takes over.
type transferringState struct {
	*leaderState
	target raft.PeerID
}

type erroredState struct {
	err error
}

type shuttingDownState struct{}

type shutdownState struct{}

func (uninitializedState) role() raft.Role { return raft.Uninitialized }
func (*followerState) role() raft.Role     { return raft.Follower }
func (*candidateState) role() raft.Role    { return raft.Candidate }
func (*leaderState) role() raft.Role       { return raft.Leader }
func (transferringState) role() raft.Role  { return raft.Transferring }
func (erroredState) role() raft.Role       { return raft.Error }
func (shuttingDownState) role() raft.Role  { return raft.ShuttingDown }
func (shutdownState) role() raft.Role      { return raft.Shutdown }

// leader returns the leader state while the node leads, including during a transfer.
func (n *Node) leader() *leaderState {
	switch s := n.role.(type) {
	case *leaderState:
		return s
	case *transferringState:
		return s.leaderState
	}
	return nil
}

// stepDown makes the node a Follower of term (Section 5.1: a candidate or leader that discovers its term is
// out of date immediately reverts to follower state). status is why a leader lost its leadership. With
// wakeupCandidate the most caught-up peer is told to start an election at once.
func (n *Node) stepDown(term uint64, wakeupCandidate bool, status error) {
	n.log.Infof("[NODE-%s] [TERM-%d] Stepping down from %s to follower of term %d: %v", n.id, n.term, n.role.role(), term, status)

	switch s := n.role.(type) {
	case *candidateState:
		n.voteTimer.stop()
	case *followerState:
		s.preVote = nil
	case *leaderState, *transferringState:
		n.stopLeading(status, wakeupCandidate)
	}

	n.resetLeader(status)
	n.role = &followerState{}
	if term > n.term {
		n.term = term
		n.votedFor = raft.PeerID{}
		if !n.persist() {
			return
		}
	}
	n.electionTimer.start()
}

// stopLeading ends the leadership of the current term: the pending configuration change, client entries and
// reads fail with status and the replicators stop.
func (n *Node) stopLeading(status error, wakeupCandidate bool) {
	ls := n.leader()
	if ls == nil {
		return
	}
	if status == nil {
		status = raft.ErrLeaderStepDown
	}
	ls.confCtx.reset(status)
	n.stepDownTimer.stop()
	n.transferTimer.stop()
	n.box.ClearPendingTasks(status)
	n.failReads(ls, status)
	n.fsm.onLeaderStop(n.term, status)
	if wakeupCandidate {
		ls.replicators.stopAllAndWake(n.conf)
	} else {
		ls.replicators.stopAll()
	}
}

// setLeader records the leader of the current term.
func (n *Node) setLeader(leader raft.PeerID) {
	if n.leaderID == leader {
		return
	}
	n.resetLeader(nil)
	n.leaderID = leader
	if leader != n.id {
		n.log.Infof("[NODE-%s] [TERM-%d] Following leader %s", n.id, n.term, leader)
		n.fsm.onStartFollowing(leader, n.term)
	}
}

// resetLeader forgets the current leader.
func (n *Node) resetLeader(status error) {
	if n.leaderID.IsEmpty() {
		return
	}
	if n.leaderID != n.id {
		n.fsm.onStopFollowing(n.leaderID, n.term, status)
	}
	n.leaderID = raft.PeerID{}
}

// leaderValid reports whether this node still believes in a live leader: as leader, a quorum answered within
// an election timeout; as follower, the leader was heard from within one.
func (n *Node) leaderValid() bool {
	now := time.Now()
	if ls := n.leader(); ls != nil {
		return ls.replicators.activeQuorum(n.conf, now, n.opts.Raft.ElectionTimeout)
	}
	return !n.leaderID.IsEmpty() && now.Sub(n.lastLeaderTimestamp) < n.opts.Raft.ElectionTimeout
}

// becomeLeader is called once a candidate collects a quorum of votes.
func (n *Node) becomeLeader() {
	c, ok := n.role.(*candidateState)
	if !ok {
		return
	}
	n.voteTimer.stop()
	n.metrics.RecordElectionDuration(time.Since(c.started))
	n.log.Infof("[NODE-%s] [TERM-%d] Became leader with configuration %s", n.id, n.term, n.conf.Conf)

	n.setLeader(n.id)
	ls := &leaderState{
		replicators: newReplicatorGroup(n, n.term),
		reads:       make(map[uint64]*readIndexRound),
		electedAt:   time.Now(),
	}
	ls.confCtx = newConfChangeCtx(n, ls)
	n.role = ls
	n.lastLeaderTimestamp = time.Now()

	// Section 5.4.2: entries of earlier terms are only committed by committing one of this term
	if err := n.box.ResetPendingIndex(n.logs.lastLogIndex() + 1); err != nil {
		n.onError(raft.NewStatus(raft.CodeInternal, "reset ballot box: %v", err))
		return
	}
	for _, peer := range n.conf.ListPeers() {
		ls.replicators.add(peer)
	}
	ls.confCtx.flush(n.conf.Conf, n.conf.OldConf)
	n.stepDownTimer.start()
}

// handleElectionTimeout starts a pre-vote unless the leader was heard from recently (Section 5.2).
func (n *Node) handleElectionTimeout() {
	if _, ok := n.role.(*followerState); !ok {
		return
	}
	if n.leaderValid() {
		n.electionTimer.start()
		return
	}
	// a leader dropped from the configuration will not come back
	stale := !n.leaderID.IsEmpty() && !n.conf.Contains(n.leaderID)
	if !n.leaderID.IsEmpty() {
		n.log.Infof("[NODE-%s] [TERM-%d] Lost contact with leader %s", n.id, n.term, n.leaderID)
	}
	n.resetLeader(raft.NewStatus(raft.CodeTimeout, "leader heartbeat timed out"))
	n.preVote(stale)
}

// handleVoteTimeout retries an election that neither won nor lost.
func (n *Node) handleVoteTimeout() {
	if _, ok := n.role.(*candidateState); !ok {
		return
	}
	n.log.Infof("[NODE-%s] [TERM-%d] Election timed out", n.id, n.term)
	if n.opts.Raft.StepDownWhenVoteTimedOut {
		n.stepDown(n.term, false, raft.ErrTimeout)
		n.preVote(false)
		return
	}
	n.electSelf()
}

// checkDeadNodes is the step-down timer of a leader: without a quorum of live followers it steps down.
func (n *Node) checkDeadNodes() {
	ls := n.leader()
	if ls == nil {
		return
	}
	now := time.Now()
	if ls.replicators.activeQuorum(n.conf, now, n.opts.Raft.ElectionTimeout) {
		n.lastLeaderTimestamp = now
		n.stepDownTimer.start()
		return
	}
	n.log.Warnf("[NODE-%s] [TERM-%d] Lost contact with a quorum of %s", n.id, n.term, n.conf.Conf)
	n.stepDown(n.term, false, raft.NewStatus(raft.CodeTimeout, "quorum of followers unreachable"))
}
