package state_machine

import (
	"io"

	"raftd/internal/raft/proto"
)

// StateMachine is an interface representing the StateMachine of the Server defined in Section 2 from the
// [Raft paper](https://raft.github.io/raft.pdf). It is inspired from the FSM interface defined in
// [Hashicorp's Raft impl](https://github.com/hashicorp/raft/blob/main/fsm.go)
//
// Apply is called from a single goroutine with committed entries in log order. Snapshot and Restore are never
// called concurrently with Apply.
type StateMachine interface {
	Apply(entries []*proto.LogEntry)

	// Snapshot writes the full state to w
	Snapshot(w io.Writer) error

	// Restore replaces the full state with the one read from r
	Restore(r io.Reader) error
}
