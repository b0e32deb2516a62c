package raft

import "fmt"

// LogID is the (index, term) position of a log entry. Recency between two logs is decided by comparing their
// last LogIDs: the higher term wins, and for equal terms the longer log wins (Section 5.4.1 of the
// [Raft paper](https://raft.github.io/raft.pdf)).
type LogID struct {
	Index uint64
	Term  uint64
}

// Compare returns -1, 0 or 1 when l is older than, equal to, or more recent than o.
func (l LogID) Compare(o LogID) int {
	switch {
	case l.Term < o.Term:
		return -1
	case l.Term > o.Term:
		return 1
	case l.Index < o.Index:
		return -1
	case l.Index > o.Index:
		return 1
	default:
		return 0
	}
}

func (l LogID) String() string {
	return fmt.Sprintf("LogID{index=%d, term=%d}", l.Index, l.Term)
}
