// Package ballot counts acknowledgements towards a majority. A Ballot answers "has this round been granted?"
// for votes and log positions; Box keeps one Ballot per pending log index and moves the commit index.
package ballot

import (
	"raftd/internal/raft"
)

type quorum struct {
	members map[raft.PeerID]bool
	// acknowledgements still missing
	needed int
}

func newQuorum(conf raft.Configuration) quorum {
	q := quorum{members: make(map[raft.PeerID]bool, conf.Size())}
	for _, p := range conf.Peers() {
		q.members[p] = false
	}
	if conf.Size() > 0 {
		q.needed = conf.QuorumSize()
	}
	return q
}

func (q *quorum) grant(p raft.PeerID) {
	granted, ok := q.members[p]
	if !ok || granted {
		return
	}
	q.members[p] = true
	q.needed--
}

// Ballot is a single round of acknowledgements. During joint consensus agreement requires separate majorities
// from both the old and new configurations (Section 6 of the [Raft paper](https://raft.github.io/raft.pdf)).
// A Ballot is not safe for concurrent use; the owner serializes access.
type Ballot struct {
	cur quorum
	old quorum
}

// New starts a round over conf and, when non-empty, oldConf.
func New(conf, oldConf raft.Configuration) *Ballot {
	return &Ballot{cur: newQuorum(conf), old: newQuorum(oldConf)}
}

// Grant records an acknowledgement from p. Repeated grants from the same peer count once, and peers outside
// both configurations are ignored.
func (b *Ballot) Grant(p raft.PeerID) {
	b.cur.grant(p)
	b.old.grant(p)
}

// Granted reports whether both majorities have been collected.
func (b *Ballot) Granted() bool {
	return b.cur.needed <= 0 && b.old.needed <= 0
}
