package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"raftd/internal/raft"
)

func TestNodeStatus_StoreAndLoad(t *testing.T) {
	s := &nodeStatus{}

	t.Run("default view", func(t *testing.T) {
		assert.Equal(t, raft.Uninitialized, s.getRole())
		assert.Equal(t, uint64(0), s.getTerm())
		assert.True(t, s.getLeaderID().IsEmpty())
		assert.True(t, s.getConf().IsEmpty())
	})

	t.Run("stores a whole view", func(t *testing.T) {
		leader := raft.MustParsePeerID("127.0.0.1:5001")
		conf := raft.ConfigurationEntry{Conf: raft.NewConfiguration(leader)}
		s.store(statusView{Role: raft.Follower, Term: 3, LeaderID: leader, Conf: conf})

		assert.Equal(t, raft.Follower, s.getRole())
		assert.Equal(t, uint64(3), s.getTerm())
		assert.Equal(t, leader, s.getLeaderID())
		assert.True(t, s.getConf().Conf.Equals(conf.Conf))
	})

	t.Run("setRole keeps the other fields", func(t *testing.T) {
		s.setRole(raft.Shutdown)
		assert.Equal(t, raft.Shutdown, s.getRole())
		assert.Equal(t, uint64(3), s.getTerm())
	})
}

func TestNodeStatus_ConcurrentAccess(t *testing.T) {
	s := &nodeStatus{}
	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(2)
		go func(term uint64) {
			defer wg.Done()
			s.store(statusView{Role: raft.Candidate, Term: term})
		}(uint64(i))
		go func() {
			defer wg.Done()
			v := s.load()
			// a view is never torn: a stored term always comes with its role
			if v.Term > 0 {
				assert.Equal(t, raft.Candidate, v.Role)
			}
		}()
	}
	wg.Wait()
}
