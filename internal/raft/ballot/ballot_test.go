package ballot

import (
	"testing"

	"raftd/internal/raft"

	"github.com/stretchr/testify/assert"
)

var (
	peerA = raft.MustParsePeerID("127.0.0.1:8001")
	peerB = raft.MustParsePeerID("127.0.0.1:8002")
	peerC = raft.MustParsePeerID("127.0.0.1:8003")
	peerD = raft.MustParsePeerID("127.0.0.1:8004")
)

func TestBallot_Majority(t *testing.T) {
	b := New(raft.NewConfiguration(peerA, peerB, peerC), raft.Configuration{})

	b.Grant(peerA)
	assert.False(t, b.Granted())

	t.Run("repeated grant counts once", func(t *testing.T) {
		b.Grant(peerA)
		assert.False(t, b.Granted())
	})

	t.Run("unknown peer is ignored", func(t *testing.T) {
		b.Grant(peerD)
		assert.False(t, b.Granted())
	})

	b.Grant(peerB)
	assert.True(t, b.Granted())
}

func TestBallot_JointConsensusNeedsBothMajorities(t *testing.T) {
	oldConf := raft.NewConfiguration(peerA, peerB, peerC)
	newConf := raft.NewConfiguration(peerA, peerB, peerD)
	b := New(newConf, oldConf)

	b.Grant(peerA)
	b.Grant(peerD)
	// majority of new (A, D) but only A from old
	assert.False(t, b.Granted())

	b.Grant(peerC)
	assert.True(t, b.Granted())
}

func TestBallot_SinglePeer(t *testing.T) {
	b := New(raft.NewConfiguration(peerA), raft.Configuration{})
	assert.False(t, b.Granted())
	b.Grant(peerA)
	assert.True(t, b.Granted())
}
