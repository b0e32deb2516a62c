package ballot

import (
	"testing"

	"raftd/internal/raft"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type commitRecorder struct {
	indexes []uint64
	done    int
}

func (r *commitRecorder) waiter(idx uint64, done []Closure) {
	r.indexes = append(r.indexes, idx)
	for _, c := range done {
		if c != nil {
			c(nil)
		}
	}
}

func threePeers() raft.Configuration {
	return raft.NewConfiguration(peerA, peerB, peerC)
}

func TestBox_CommitsOnMajority(t *testing.T) {
	rec := &commitRecorder{}
	box := NewBox(rec.waiter)
	require.NoError(t, box.ResetPendingIndex(1))

	for i := 0; i < 3; i++ {
		require.NoError(t, box.AppendPendingTask(threePeers(), raft.Configuration{}, func(err error) {
			assert.NoError(t, err)
			rec.done++
		}))
	}

	assert.False(t, box.CommitAt(1, 3, peerA))
	assert.Equal(t, uint64(0), box.LastCommittedIndex())

	assert.True(t, box.CommitAt(1, 2, peerB))
	assert.Equal(t, uint64(2), box.LastCommittedIndex())
	assert.Equal(t, 2, rec.done)

	assert.True(t, box.CommitAt(3, 3, peerC))
	assert.Equal(t, uint64(3), box.LastCommittedIndex())
	assert.Equal(t, []uint64{2, 3}, rec.indexes)
}

func TestBox_PriorTermEntriesCommitOnlyTransitively(t *testing.T) {
	// Leader of term 2 with entries 1..4 from term 1 in its log: it tracks ballots from 5 onwards.
	box := NewBox(nil)
	require.NoError(t, box.ResetPendingIndex(5))
	require.NoError(t, box.AppendPendingTask(threePeers(), raft.Configuration{}, nil))

	// A majority storing entries 1..4 does not commit them.
	assert.False(t, box.CommitAt(1, 4, peerA))
	assert.False(t, box.CommitAt(1, 4, peerB))
	assert.Equal(t, uint64(0), box.LastCommittedIndex())

	// Once the term 2 entry reaches a majority, everything before it commits with it.
	box.CommitAt(5, 5, peerA)
	assert.True(t, box.CommitAt(1, 5, peerB))
	assert.Equal(t, uint64(5), box.LastCommittedIndex())
}

func TestBox_PartitionedLeaderDoesNotAdvance(t *testing.T) {
	// Scenario: leader L replicates (index=5, term=2); one of two followers acks before a partition.
	conf := threePeers()
	box := NewBox(nil)
	require.NoError(t, box.ResetPendingIndex(5))
	require.NoError(t, box.AppendPendingTask(conf, raft.Configuration{}, nil))

	box.CommitAt(5, 5, peerA) // the leader itself
	assert.Equal(t, uint64(0), box.LastCommittedIndex())

	// partition heals, the second peer acks
	assert.True(t, box.CommitAt(5, 5, peerC))
	assert.Equal(t, uint64(5), box.LastCommittedIndex())
}

func TestBox_OutOfOrderAcksCommitAsPrefix(t *testing.T) {
	box := NewBox(nil)
	require.NoError(t, box.ResetPendingIndex(1))
	for i := 0; i < 2; i++ {
		require.NoError(t, box.AppendPendingTask(threePeers(), raft.Configuration{}, nil))
	}

	box.CommitAt(1, 2, peerA)
	// index 2 reaches majority first, index 1 does not
	assert.False(t, box.CommitAt(2, 2, peerB))
	assert.Equal(t, uint64(0), box.LastCommittedIndex())

	assert.True(t, box.CommitAt(1, 1, peerC))
	assert.Equal(t, uint64(2), box.LastCommittedIndex())
}

func TestBox_ClearPendingTasks(t *testing.T) {
	box := NewBox(nil)
	require.NoError(t, box.ResetPendingIndex(1))

	var failures []error
	for i := 0; i < 2; i++ {
		require.NoError(t, box.AppendPendingTask(threePeers(), raft.Configuration{}, func(err error) {
			failures = append(failures, err)
		}))
	}

	box.ClearPendingTasks(raft.ErrLeaderStepDown)
	require.Len(t, failures, 2)
	assert.ErrorIs(t, failures[0], raft.ErrLeaderStepDown)
	assert.Equal(t, uint64(0), box.PendingIndex())

	// a new term can be tracked again
	assert.NoError(t, box.ResetPendingIndex(3))
}

func TestBox_SetLastCommittedIndex(t *testing.T) {
	rec := &commitRecorder{}
	box := NewBox(rec.waiter)

	moved, err := box.SetLastCommittedIndex(4)
	require.NoError(t, err)
	assert.True(t, moved)

	t.Run("never moves backwards", func(t *testing.T) {
		moved, err := box.SetLastCommittedIndex(2)
		require.NoError(t, err)
		assert.False(t, moved)
		assert.Equal(t, uint64(4), box.LastCommittedIndex())
	})

	t.Run("rejected while leader ballots are pending", func(t *testing.T) {
		require.NoError(t, box.ResetPendingIndex(5))
		_, err := box.SetLastCommittedIndex(9)
		assert.Error(t, err)
	})

	assert.Equal(t, []uint64{4}, rec.indexes)
}

func TestBox_ResetPendingIndexRejectsPendingBallots(t *testing.T) {
	box := NewBox(nil)
	require.NoError(t, box.ResetPendingIndex(1))
	require.NoError(t, box.AppendPendingTask(threePeers(), raft.Configuration{}, nil))
	assert.Error(t, box.ResetPendingIndex(2))
}
