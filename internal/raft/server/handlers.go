package server

import (
	"context"
	"errors"
	"time"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
)

// acceptLeader applies the term rules shared by AppendEntries and InstallSnapshot (Section 5.1) and records
// leader as the leader of the term. It returns false when the request must be refused; the caller answers with
// n.term. Two leaders in one term cannot both be right, so both step down to term+1 and elect again.
func (n *Node) acceptLeader(leader raft.PeerID, term uint64) bool {
	if term < n.term {
		n.log.Warnf("[NODE-%s] [TERM-%d] Ignoring %s claiming leadership at stale term %d", n.id, n.term, leader, term)
		return false
	}
	if term > n.term {
		n.stepDown(term, false, raft.NewStatus(raft.CodeHigherTerm, "leader %s at term %d", leader, term))
		if !n.role.role().IsActive() {
			return false
		}
	}

	conflict := false
	switch s := n.role.(type) {
	case *leaderState, *transferringState:
		conflict = true
	case *candidateState:
		n.stepDown(n.term, false, raft.NewStatus(raft.CodePermission, "leader %s elected", leader))
	case *followerState:
		conflict = !n.leaderID.IsEmpty() && n.leaderID != leader
		s.preVote = nil
	}
	if conflict {
		n.log.Errorf("[NODE-%s] [TERM-%d] Conflicting leaders %s and %s in one term", n.id, n.term, leader, n.leaderID)
		n.stepDown(n.term+1, false, raft.ErrLeaderConflict)
		return false
	}

	n.setLeader(leader)
	n.lastLeaderTimestamp = time.Now()
	return true
}

// HandleAppendEntries is the follower side of log replication and heartbeats (Section 5.3).
func (n *Node) HandleAppendEntries(ctx context.Context, req *proto.AppendEntriesRequest) (*proto.AppendEntriesResponse, error) {
	leader, err := raft.ParsePeerID(req.ServerId)
	if err != nil {
		return nil, err
	}
	return onLoop(ctx, n.loop, func() (*proto.AppendEntriesResponse, error) {
		if !n.role.role().IsActive() {
			return nil, n.inactiveErr()
		}
		if !n.acceptLeader(leader, req.Term) {
			if !n.role.role().IsActive() {
				return nil, n.inactiveErr()
			}
			return &proto.AppendEntriesResponse{Term: n.term, LastLogIndex: n.logs.lastLogIndex()}, nil
		}
		if n.snapshots.isInstalling() {
			return nil, raft.NewStatus(raft.CodeBusy, "installing snapshot")
		}

		lastIndex := n.logs.lastLogIndex()
		reject := &proto.AppendEntriesResponse{Term: n.term, LastLogIndex: lastIndex}
		// entries at or below the snapshot are committed and match the leader's
		if req.PrevLogIndex >= n.logs.lastSnapshotID().Index {
			if req.PrevLogIndex > lastIndex {
				n.log.Debugf("[NODE-%s] [TERM-%d] Missing prev log %d, last is %d", n.id, n.term, req.PrevLogIndex, lastIndex)
				return reject, nil
			}
			if n.logs.term(req.PrevLogIndex) != req.PrevLogTerm {
				n.log.Debugf("[NODE-%s] [TERM-%d] Prev log %d term mismatch, leader has %d", n.id, n.term, req.PrevLogIndex, req.PrevLogTerm)
				return reject, nil
			}
		}

		if err := n.logs.appendFollowerEntries(req.Entries, n.box.LastCommittedIndex()); err != nil {
			if errors.Is(err, errCommittedConflict) {
				n.onError(raft.NewStatus(raft.CodeInternal, "leader %s: %v", leader, err))
			} else {
				n.onError(raft.NewStatus(raft.CodeIO, "append entries from %s: %v", leader, err))
			}
			return nil, err
		}
		if len(req.Entries) > 0 {
			n.conf = n.currentConf()
			n.log.Debugf("[NODE-%s] [TERM-%d] Accepted entries [%d, %d] from %s", n.id, n.term,
				req.Entries[0].Index, req.Entries[len(req.Entries)-1].Index, leader)
		}

		// only what this request proved to match may be committed
		matched := req.PrevLogIndex + uint64(len(req.Entries))
		if committed := min(req.CommittedIndex, matched); committed > 0 {
			if _, err := n.box.SetLastCommittedIndex(committed); err != nil {
				n.log.Warnf("[NODE-%s] [TERM-%d] Cannot adopt commit index %d: %v", n.id, n.term, committed, err)
			}
		}
		return &proto.AppendEntriesResponse{Term: n.term, Success: true, LastLogIndex: n.logs.lastLogIndex()}, nil
	})
}

// HandleInstallSnapshot copies the snapshot the leader announces and replaces the log with it (Section 7).
// It returns once the snapshot is loaded.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req *proto.InstallSnapshotRequest) (*proto.InstallSnapshotResponse, error) {
	leader, err := raft.ParsePeerID(req.ServerId)
	if err != nil {
		return nil, err
	}

	type result struct {
		resp *proto.InstallSnapshotResponse
		err  error
	}
	ch := make(chan result, 1)
	respond := func(resp *proto.InstallSnapshotResponse, err error) { ch <- result{resp, err} }
	if !n.loop.submit(func() {
		if !n.role.role().IsActive() {
			respond(nil, n.inactiveErr())
			return
		}
		if !n.acceptLeader(leader, req.Term) {
			if !n.role.role().IsActive() {
				respond(nil, n.inactiveErr())
				return
			}
			respond(&proto.InstallSnapshotResponse{Term: n.term}, nil)
			return
		}
		n.snapshots.install(req, respond)
	}) {
		return nil, raft.ErrNodeShutdown
	}

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleTimeoutNow is sent by a leader transferring its leadership to this node: it starts an election at once,
// without a pre-vote.
func (n *Node) HandleTimeoutNow(ctx context.Context, req *proto.TimeoutNowRequest) (*proto.TimeoutNowResponse, error) {
	return onLoop(ctx, n.loop, func() (*proto.TimeoutNowResponse, error) {
		if !n.role.role().IsActive() {
			return nil, n.inactiveErr()
		}
		if req.Term != n.term {
			if req.Term > n.term {
				n.stepDown(req.Term, false, raft.NewStatus(raft.CodeHigherTerm, "TimeoutNow from %s at term %d", req.ServerId, req.Term))
			}
			return &proto.TimeoutNowResponse{Term: n.term}, nil
		}
		if _, ok := n.role.(*followerState); !ok {
			return &proto.TimeoutNowResponse{Term: n.term}, nil
		}

		n.log.Infof("[NODE-%s] [TERM-%d] Received TimeoutNow from %s", n.id, n.term, req.ServerId)
		resp := &proto.TimeoutNowResponse{Term: n.term + 1, Success: true}
		n.electSelf()
		return resp, nil
	})
}

// HandleGetFile serves a chunk of the snapshot this node published to its peers.
func (n *Node) HandleGetFile(ctx context.Context, req *proto.GetFileRequest) (*proto.GetFileResponse, error) {
	return n.snapshots.files.GetFile(ctx, req)
}
