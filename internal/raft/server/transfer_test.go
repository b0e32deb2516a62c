package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftd/internal/raft"
)

func TestTransferLeadership_ToPeer(t *testing.T) {
	c := newTestCluster(t, 3)
	old := c.waitLeader()
	term := old.node.Term()
	target := c.followers(old)[0]
	c.apply(old, "before")

	require.NoError(t, old.node.TransferLeadershipTo(context.Background(), target.id))

	leader := c.waitLeader()
	assert.Equal(t, target.id, leader.id)
	assert.Greater(t, leader.node.Term(), term)
	require.Eventually(t, func() bool { return old.node.Role() == raft.Follower }, waitFor, 10*time.Millisecond)

	c.apply(leader, "after")
	c.waitApplied([]string{"before", "after"}, c.all()...)
}

func TestTransferLeadership_AnyPeer(t *testing.T) {
	c := newTestCluster(t, 3)
	old := c.waitLeader()

	require.NoError(t, old.node.TransferLeadershipTo(context.Background(), raft.AnyPeer))
	require.Eventually(t, func() bool {
		l := c.findLeader()
		return l != nil && l.id != old.id
	}, waitFor, 10*time.Millisecond)
}

func TestTransferLeadership_Refused(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader()
	f := c.followers(leader)[0]
	ctx := context.Background()

	t.Run("on a follower", func(t *testing.T) {
		assert.ErrorIs(t, f.node.TransferLeadershipTo(ctx, leader.id), raft.ErrNotLeader)
	})

	t.Run("to a non-member", func(t *testing.T) {
		err := leader.node.TransferLeadershipTo(ctx, testPeerID(9))
		assert.Equal(t, raft.CodeInvalid, raft.CodeOf(err))
	})

	t.Run("to itself", func(t *testing.T) {
		require.NoError(t, leader.node.TransferLeadershipTo(ctx, leader.id))
		assert.Equal(t, raft.Leader, leader.node.Role())
	})
}

func TestTransferLeadership_TimesOut(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader()
	target := c.followers(leader)[0]
	c.isolate(target.id)

	require.NoError(t, leader.node.TransferLeadershipTo(context.Background(), target.id))
	require.Eventually(t, func() bool { return leader.node.Role() == raft.Transferring }, waitFor, time.Millisecond)

	_, err := leader.node.Apply(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, raft.ErrTransferring)

	// the target never answers; leadership resumes after an election timeout
	require.Eventually(t, func() bool { return leader.node.Role() == raft.Leader }, waitFor, 10*time.Millisecond)
	c.apply(leader, "y")
	c.waitApplied([]string{"y"}, c.followers(target)...)
}
