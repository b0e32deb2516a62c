package server

import (
	"context"
	"time"

	"raftd/internal/raft"
	"raftd/internal/raft/ballot"
	"raftd/internal/raft/proto"
)

/*
Section 5.2 and 9.6 from the [Raft paper](https://raft.github.io/raft.pdf): a follower whose election timeout
elapses first runs a pre-vote at term+1 without changing any state. Only when a quorum answers that it could
win does it increment its term, vote for itself and send RequestVote. A server that was partitioned away thus
rejoins without forcing the healthy leader to step down.
*/

func (n *Node) voteRequest(term uint64, peer raft.PeerID, preVote bool) *proto.RequestVoteRequest {
	last := n.logs.lastLogID()
	return &proto.RequestVoteRequest{
		GroupId:      n.groupID,
		ServerId:     n.id.String(),
		PeerId:       peer.String(),
		Term:         term,
		LastLogIndex: last.Index,
		LastLogTerm:  last.Term,
		PreVote:      preVote,
	}
}

// preVote asks every peer whether it would vote for this node at term+1. Called from the loop as a Follower.
// leaderStale tells the peers that the leader this node followed is known to be gone, so a lease they still
// hold on it does not block the round.
func (n *Node) preVote(leaderStale bool) {
	f, ok := n.role.(*followerState)
	if !ok {
		return
	}
	// a round that does not succeed is retried on the next timeout
	n.electionTimer.start()

	switch {
	case !n.conf.Contains(n.id):
		n.log.Debugf("[NODE-%s] [TERM-%d] Not a member of %s, skipping pre-vote", n.id, n.term, n.conf.Conf)
		return
	case n.snapshots.isInstalling():
		n.log.Debugf("[NODE-%s] [TERM-%d] Installing a snapshot, skipping pre-vote", n.id, n.term)
		return
	}

	n.log.Infof("[NODE-%s] [TERM-%d] Starting pre-vote for term %d", n.id, n.term, n.term+1)
	b := newBallot(n.conf)
	b.Grant(n.id)
	f.preVote, f.preVoteTerm = b, n.term
	if b.Granted() {
		n.electSelf()
		return
	}

	term := n.term
	for _, peer := range n.conf.ListPeers() {
		if peer == n.id {
			continue
		}
		req := n.voteRequest(term+1, peer, true)
		req.LeaderStale = leaderStale
		go func() {
			resp, err := n.transport.PreVote(n.ctx, peer, req)
			n.loop.submit(func() { n.onPreVoteResponse(peer, term, b, resp, err) })
		}()
	}
}

func (n *Node) onPreVoteResponse(peer raft.PeerID, term uint64, b *ballot.Ballot, resp *proto.RequestVoteResponse, err error) {
	f, ok := n.role.(*followerState)
	if !ok || f.preVote != b || f.preVoteTerm != term || n.term != term {
		return
	}
	if err != nil {
		n.log.Debugf("[NODE-%s] [TERM-%d] PreVote to %s failed: %v", n.id, n.term, peer, err)
		return
	}
	if resp.Term > n.term {
		n.stepDown(resp.Term, false, raft.NewStatus(raft.CodeHigherTerm, "%s is at term %d", peer, resp.Term))
		return
	}
	if !resp.Granted {
		return
	}
	b.Grant(peer)
	if b.Granted() {
		n.log.Infof("[NODE-%s] [TERM-%d] Pre-vote granted by a quorum", n.id, n.term)
		n.electSelf()
	}
}

// electSelf starts an election: term+1, a vote for itself, persisted before any RequestVote goes out
// (Section 5.2). Called from the loop as a Follower or Candidate.
func (n *Node) electSelf() {
	if !n.conf.Contains(n.id) {
		n.log.Warnf("[NODE-%s] [TERM-%d] Not a member of %s, cannot start an election", n.id, n.term, n.conf.Conf)
		return
	}
	if _, ok := n.role.(*followerState); ok {
		n.electionTimer.stop()
	}
	n.resetLeader(raft.NewStatus(raft.CodeCanceled, "election started"))

	n.term++
	n.votedFor = n.id
	c := &candidateState{vote: newBallot(n.conf), started: time.Now()}
	n.role = c
	n.metrics.RecordElection()
	n.log.Infof("[NODE-%s] [TERM-%d] Starting election", n.id, n.term)
	if !n.persist() {
		return
	}

	n.voteTimer.start()
	c.vote.Grant(n.id)
	if c.vote.Granted() {
		n.becomeLeader()
		return
	}

	term := n.term
	for _, peer := range n.conf.ListPeers() {
		if peer == n.id {
			continue
		}
		req := n.voteRequest(term, peer, false)
		go func() {
			resp, err := n.transport.RequestVote(n.ctx, peer, req)
			n.loop.submit(func() { n.onVoteResponse(peer, term, c, resp, err) })
		}()
	}
}

func (n *Node) onVoteResponse(peer raft.PeerID, term uint64, c *candidateState, resp *proto.RequestVoteResponse, err error) {
	if n.role != roleState(c) || n.term != term {
		return
	}
	if err != nil {
		n.log.Debugf("[NODE-%s] [TERM-%d] RequestVote to %s failed: %v", n.id, n.term, peer, err)
		return
	}
	if resp.Term > n.term {
		n.stepDown(resp.Term, false, raft.NewStatus(raft.CodeHigherTerm, "%s is at term %d", peer, resp.Term))
		return
	}
	if !resp.Granted {
		return
	}
	c.vote.Grant(peer)
	if c.vote.Granted() {
		n.becomeLeader()
	}
}

// HandlePreVote answers a pre-vote. It never changes the term or the vote of this node.
func (n *Node) HandlePreVote(ctx context.Context, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
	candidate, err := raft.ParsePeerID(req.ServerId)
	if err != nil {
		return nil, err
	}
	return onLoop(ctx, n.loop, func() (*proto.RequestVoteResponse, error) {
		if !n.role.role().IsActive() {
			return nil, n.inactiveErr()
		}
		resp := &proto.RequestVoteResponse{Term: n.term}
		switch {
		case !n.conf.Contains(candidate):
			n.log.Warnf("[NODE-%s] [TERM-%d] Rejecting pre-vote from %s, not a member of %s", n.id, n.term, candidate, n.conf.Conf)
			return resp, nil
		case n.leaderValid() && !req.LeaderStale:
			n.log.Debugf("[NODE-%s] [TERM-%d] Rejecting pre-vote from %s, leader %s is alive", n.id, n.term, candidate, n.leaderID)
			return resp, nil
		case req.Term < n.term:
			return resp, nil
		}
		candidateLog := raft.LogID{Index: req.LastLogIndex, Term: req.LastLogTerm}
		resp.Granted = candidateLog.Compare(n.logs.lastLogID()) >= 0
		n.log.Debugf("[NODE-%s] [TERM-%d] Pre-vote for %s at term %d: granted=%t", n.id, n.term, candidate, req.Term, resp.Granted)
		return resp, nil
	})
}

// HandleRequestVote answers a vote request (Section 5.2, 5.4.1): at most one vote per term, and only for a
// candidate whose log is at least as up-to-date as this node's. Repeating a request gets the same answer.
func (n *Node) HandleRequestVote(ctx context.Context, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
	candidate, err := raft.ParsePeerID(req.ServerId)
	if err != nil {
		return nil, err
	}
	return onLoop(ctx, n.loop, func() (*proto.RequestVoteResponse, error) {
		if !n.role.role().IsActive() {
			return nil, n.inactiveErr()
		}
		if req.Term > n.term {
			n.stepDown(req.Term, false, raft.NewStatus(raft.CodeHigherTerm, "vote request from %s at term %d", candidate, req.Term))
			if !n.role.role().IsActive() {
				return nil, n.inactiveErr()
			}
		}

		if req.Term == n.term && n.votedFor.IsEmpty() {
			candidateLog := raft.LogID{Index: req.LastLogIndex, Term: req.LastLogTerm}
			if candidateLog.Compare(n.logs.lastLogID()) >= 0 {
				n.votedFor = candidate
				if !n.persist() {
					return nil, n.inactiveErr()
				}
				n.log.Infof("[NODE-%s] [TERM-%d] Voted for %s", n.id, n.term, candidate)
				if _, ok := n.role.(*followerState); ok {
					n.electionTimer.start()
				}
			}
		}

		return &proto.RequestVoteResponse{
			Term:    n.term,
			Granted: req.Term == n.term && n.votedFor == candidate,
		}, nil
	})
}
