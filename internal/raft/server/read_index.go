package server

import (
	"context"
	"time"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
)

/*
Section 8 from the [Raft paper](https://raft.github.io/raft.pdf): a read must not return stale data. The leader
records its commit index as the read index, confirms it is still the leader by exchanging heartbeats with a
majority, and the read is served once the state machine has applied the read index. A leader only knows the
commit index of its term after it has committed an entry of that term.
*/

// readIndexRound is one heartbeat round confirming leadership for a read.
type readIndexRound struct {
	index   uint64
	granted map[raft.PeerID]bool
	// peers that have not answered yet
	pending map[raft.PeerID]struct{}
	done    func(uint64, error)
}

// ReadIndex returns an index that is safe to read at: every write acknowledged before the call is at or below
// it, and the local state machine has applied it. A follower asks its leader. reqCtx is opaque request data
// carried to the leader.
func (n *Node) ReadIndex(ctx context.Context, reqCtx []byte) (uint64, error) {
	n.metrics.RecordReadIndex()
	index, err := n.readIndex(ctx, reqCtx, true)
	if err != nil {
		return 0, err
	}
	if err := n.fsm.waitApplied(ctx, index); err != nil {
		return 0, err
	}
	return index, nil
}

// HandleReadIndex serves ReadIndex for a follower forwarding its client's read, or for a client when
// req.ServerId is empty.
func (n *Node) HandleReadIndex(ctx context.Context, req *proto.ReadIndexRequest) (*proto.ReadIndexResponse, error) {
	var (
		index uint64
		err   error
	)
	if req.ServerId == "" {
		index, err = n.ReadIndex(ctx, firstOrNil(req.Entries))
	} else {
		index, err = n.readIndex(ctx, firstOrNil(req.Entries), false)
	}
	if err != nil {
		return nil, err
	}
	return &proto.ReadIndexResponse{Index: index, Success: true}, nil
}

func firstOrNil(entries [][]byte) []byte {
	if len(entries) == 0 {
		return nil
	}
	return entries[0]
}

// readIndex confirms the read index with the leader, forwarding to it when allowed.
func (n *Node) readIndex(ctx context.Context, reqCtx []byte, forward bool) (uint64, error) {
	type result struct {
		index uint64
		err   error
	}
	ch := make(chan result, 1)
	var leader raft.PeerID
	_, err := onLoop(ctx, n.loop, func() (struct{}, error) {
		if ls := n.leader(); ls != nil {
			n.startReadIndex(ls, func(index uint64, err error) { ch <- result{index, err} })
			return struct{}{}, nil
		}
		switch {
		case !n.role.role().IsActive():
			return struct{}{}, n.inactiveErr()
		case !forward:
			return struct{}{}, raft.ErrNotLeader
		case n.leaderID.IsEmpty():
			return struct{}{}, raft.ErrNoLeader
		}
		leader = n.leaderID
		return struct{}{}, nil
	})
	if err != nil {
		return 0, err
	}

	if !leader.IsEmpty() {
		return n.forwardReadIndex(ctx, leader, reqCtx)
	}
	select {
	case r := <-ch:
		return r.index, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (n *Node) forwardReadIndex(ctx context.Context, leader raft.PeerID, reqCtx []byte) (uint64, error) {
	req := &proto.ReadIndexRequest{
		GroupId:  n.groupID,
		ServerId: n.id.String(),
		PeerId:   leader.String(),
	}
	if reqCtx != nil {
		req.Entries = [][]byte{reqCtx}
	}
	resp, err := n.transport.ReadIndex(ctx, leader, req)
	if err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, raft.ErrNotLeader
	}
	return resp.Index, nil
}

// startReadIndex records the commit index and confirms leadership for it. Called from the loop.
func (n *Node) startReadIndex(ls *leaderState, done func(uint64, error)) {
	index := n.box.LastCommittedIndex()
	if n.logs.term(index) != n.term {
		done(0, raft.ErrLeaderNotReady)
		return
	}

	switch {
	case n.conf.IsStable() && n.conf.Conf.Size() == 1 && n.conf.Conf.Contains(n.id):
		done(index, nil)
		return
	case n.opts.Raft.ReadOnlyMode == ReadOnlyLeaseBased &&
		ls.replicators.activeQuorum(n.conf, time.Now(), n.opts.leaderLeaseTimeout()):
		done(index, nil)
		return
	}

	ls.nextRead++
	id := ls.nextRead
	round := &readIndexRound{
		index:   index,
		granted: map[raft.PeerID]bool{n.id: true},
		pending: make(map[raft.PeerID]struct{}),
		done:    done,
	}
	ls.reads[id] = round

	term := n.term
	for _, peer := range n.conf.ListPeers() {
		if peer == n.id {
			continue
		}
		round.pending[peer] = struct{}{}
		req := &proto.AppendEntriesRequest{
			GroupId:  n.groupID,
			ServerId: n.id.String(),
			PeerId:   peer.String(),
			Term:     term,
		}
		go func() {
			resp, err := n.transport.AppendEntries(n.ctx, peer, req)
			ok := err == nil && resp.Success && resp.Term == term
			n.loop.submit(func() { n.onReadHeartbeat(term, id, peer, ok, resp) })
		}()
	}
	n.checkRead(ls, id)
}

func (n *Node) onReadHeartbeat(term, id uint64, peer raft.PeerID, ok bool, resp *proto.AppendEntriesResponse) {
	ls := n.leader()
	if ls == nil || term != n.term {
		return
	}
	if resp != nil && resp.Term > n.term {
		n.stepDown(resp.Term, false, raft.NewStatus(raft.CodeHigherTerm, "%s is at term %d", peer, resp.Term))
		return
	}
	round, found := ls.reads[id]
	if !found {
		return
	}
	delete(round.pending, peer)
	if ok {
		round.granted[peer] = true
	}
	n.checkRead(ls, id)
}

// checkRead resolves a round once a quorum confirmed it, or once the peers still pending cannot make one.
func (n *Node) checkRead(ls *leaderState, id uint64) {
	round := ls.reads[id]
	b := newBallot(n.conf)
	for peer := range round.granted {
		b.Grant(peer)
	}
	if b.Granted() {
		delete(ls.reads, id)
		round.done(round.index, nil)
		return
	}
	for peer := range round.pending {
		b.Grant(peer)
	}
	if !b.Granted() {
		delete(ls.reads, id)
		round.done(0, raft.NewStatus(raft.CodeTimeout, "read index %d: leadership not confirmed by a quorum", round.index))
	}
}

// failReads fails the reads still waiting for confirmation.
func (n *Node) failReads(ls *leaderState, status error) {
	for id, round := range ls.reads {
		delete(ls.reads, id)
		round.done(0, status)
	}
}
