package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftd/internal/pubsub"
	"raftd/internal/raft"
)

func TestSnapshot_Disabled(t *testing.T) {
	c := newTestCluster(t, 1)
	p := c.waitLeader()
	c.apply(p, "x")

	_, err := p.node.Snapshot(context.Background())
	assert.Equal(t, raft.CodeInvalid, raft.CodeOf(err))
}

func TestSnapshot_SaveCompactsLog(t *testing.T) {
	c := newTestCluster(t, 3, withSnapshots())
	leader := c.waitLeader()
	for _, cmd := range commands("cmd", 10) {
		c.apply(leader, cmd)
	}

	saved := make(chan *pubsub.Event[raft.LogID], 1)
	pubsub.Subscribe(leader.node.PubSub(), SnapshotSaved, saved, pubsub.SubscriptionOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	id, err := leader.node.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, leader.node.LastAppliedIndex(), id.Index)
	assert.Equal(t, leader.node.Term(), id.Term)
	assert.Equal(t, id.Index+1, leader.node.logs.firstLogIndex())

	select {
	case ev := <-saved:
		assert.Equal(t, id, ev.Payload)
	case <-time.After(waitFor):
		t.Fatal("SnapshotSaved was not published")
	}

	latest, err := leader.snaps.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, id, latest.LastIncluded())

	t.Run("nothing new to save", func(t *testing.T) {
		again, err := leader.node.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, id, again)
	})
}

func TestSnapshot_RestoredOnRestart(t *testing.T) {
	c := newTestCluster(t, 1, withSnapshots())
	p := c.waitLeader()
	c.apply(p, "a")
	c.apply(p, "b")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := p.node.Snapshot(ctx)
	require.NoError(t, err)
	c.apply(p, "c")

	p = c.restart(p.id, raft.PeerStrings([]raft.PeerID{p.id}))
	assert.Equal(t, 1, p.fsm.RestoreCount())
	// entries after the snapshot are replayed from the log
	c.waitLeader()
	c.waitApplied([]string{"c"}, p)
}

func TestSnapshot_InstalledOnLaggingFollower(t *testing.T) {
	c := newTestCluster(t, 3, withSnapshots())
	leader := c.waitLeader()
	lagging := c.followers(leader)[0]
	c.isolate(lagging.id)

	for _, cmd := range commands("cmd", 10) {
		c.apply(leader, cmd)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	id, err := leader.node.Snapshot(ctx)
	require.NoError(t, err)

	loaded := make(chan *pubsub.Event[raft.LogID], 1)
	pubsub.Subscribe(lagging.node.PubSub(), SnapshotLoaded, loaded, pubsub.SubscriptionOptions{})
	c.heal(lagging.id)

	select {
	case ev := <-loaded:
		assert.Equal(t, id, ev.Payload)
	case <-time.After(waitFor):
		t.Fatal("the lagging follower never loaded the snapshot")
	}
	assert.Equal(t, 1, lagging.fsm.RestoreCount())

	c.apply(leader, "after")
	c.waitApplied([]string{"after"}, lagging)
	require.Eventually(t, func() bool {
		return lagging.node.logs.firstLogIndex() == id.Index+1
	}, waitFor, 10*time.Millisecond)
}
