package server

import (
	"context"

	"raftd/internal/raft"
)

// TransferLeadershipTo hands leadership to peer, or to the most caught-up member when peer is raft.AnyPeer.
// The leader stops taking new entries, waits for the target to have its whole log, and sends it TimeoutNow.
// If the target has not taken over within an election timeout the node resumes as leader.
func (n *Node) TransferLeadershipTo(ctx context.Context, peer raft.PeerID) error {
	_, err := onLoop(ctx, n.loop, func() (struct{}, error) {
		ls, ok := n.role.(*leaderState)
		if !ok {
			return struct{}{}, n.notLeaderErr()
		}
		if ls.confCtx.isBusy() {
			return struct{}{}, raft.ErrBusy
		}

		target := peer
		if target == raft.AnyPeer {
			r := ls.replicators.mostCaughtUp(n.conf)
			if r == nil {
				return struct{}{}, raft.NewStatus(raft.CodeInvalid, "no peer to transfer leadership to")
			}
			target = r.peer
		}
		if target == n.id {
			return struct{}{}, nil
		}
		if !n.conf.Contains(target) {
			return struct{}{}, raft.NewStatus(raft.CodeInvalid, "%s is not a member of %s", target, n.conf.Conf)
		}
		r := ls.replicators.get(target)
		if r == nil {
			return struct{}{}, raft.NewStatus(raft.CodeInvalid, "no replicator for %s", target)
		}

		lastIndex := n.logs.lastLogIndex()
		n.log.Infof("[NODE-%s] [TERM-%d] Transferring leadership to %s at log index %d", n.id, n.term, target, lastIndex)
		n.role = &transferringState{leaderState: ls, target: target}
		r.transferLeadership(lastIndex)
		n.transferTimer.start()
		return struct{}{}, nil
	})
	return err
}

// handleTransferTimeout resumes leadership after a transfer that did not complete.
func (n *Node) handleTransferTimeout() {
	t, ok := n.role.(*transferringState)
	if !ok {
		return
	}
	n.log.Warnf("[NODE-%s] [TERM-%d] Leadership transfer to %s timed out", n.id, n.term, t.target)
	if r := t.replicators.get(t.target); r != nil {
		r.stopTransfer()
	}
	n.role = t.leaderState
}
