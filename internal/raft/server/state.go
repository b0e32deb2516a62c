package server

import (
	"sync"

	"raftd/internal/raft"
)

// statusView is a consistent copy of the loop-owned fields that readers outside the loop may look at.
type statusView struct {
	Role     raft.Role
	Term     uint64
	LeaderID raft.PeerID
	Conf     raft.ConfigurationEntry
}

// nodeStatus holds the last statusView published by the node loop. The loop is the only writer; every other
// goroutine reads the snapshot instead of reaching into loop state.
type nodeStatus struct {
	mu   sync.RWMutex
	view statusView
}

func (s *nodeStatus) load() statusView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

func (s *nodeStatus) store(v statusView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = v
}

func (s *nodeStatus) setRole(r raft.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.Role = r
}

func (s *nodeStatus) getRole() raft.Role {
	return s.load().Role
}

func (s *nodeStatus) getTerm() uint64 {
	return s.load().Term
}

func (s *nodeStatus) getLeaderID() raft.PeerID {
	return s.load().LeaderID
}

func (s *nodeStatus) getConf() raft.ConfigurationEntry {
	return s.load().Conf
}
