package server

import (
	"time"

	"raftd/internal/pubsub"
	"raftd/internal/raft"
)

// Lifecycle events a Node publishes on its pubsub.PubSubClient. They are published from the goroutine that
// applies committed entries, so they are ordered with respect to the state machine.
const (
	// NodeShutdown is sent once the node has stopped. The payload is an empty struct.
	NodeShutdown pubsub.EventType = iota
	// LeaderStart is sent when the node, as leader, has committed its first entry of the term. Payload: LeaderPayload
	LeaderStart
	// LeaderStop is sent when the node stops being leader. Payload: LeaderPayload
	LeaderStop
	// StartFollowing is sent when a follower learns of a new leader. Payload: FollowingPayload
	StartFollowing
	// StopFollowing is sent when a follower loses its leader. Payload: FollowingPayload
	StopFollowing
	// NodeError is sent when the node enters the Error role. Payload: error
	NodeError
	// ConfigurationCommitted is sent when a configuration entry is applied. Payload: raft.ConfigurationEntry
	ConfigurationCommitted
	// SnapshotSaved is sent after a local snapshot is written. Payload: raft.LogID
	SnapshotSaved
	// SnapshotLoaded is sent after a snapshot from the leader has been installed. Payload: raft.LogID
	SnapshotLoaded
)

// LeaderPayload travels with LeaderStart and LeaderStop events.
type LeaderPayload struct {
	Term uint64
	// Status is why leadership ended; nil for LeaderStart
	Status error
}

// FollowingPayload travels with StartFollowing and StopFollowing events.
type FollowingPayload struct {
	LeaderID raft.PeerID
	Term     uint64
	Status   error
}

// MetricsCollector is an optional interface for collecting performance metrics
type MetricsCollector interface {
	RecordCommandLatency(latency time.Duration)
	RecordCommandCommitted()
	RecordAppendEntries()
	RecordPreVote()
	RecordRequestVote()
	RecordHeartbeat()
	RecordReadIndex()
	RecordElection()
	RecordElectionDuration(duration time.Duration)
	RecordSnapshotBytes(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordCommandLatency(time.Duration)   {}
func (noopMetrics) RecordCommandCommitted()              {}
func (noopMetrics) RecordAppendEntries()                 {}
func (noopMetrics) RecordPreVote()                       {}
func (noopMetrics) RecordRequestVote()                   {}
func (noopMetrics) RecordHeartbeat()                     {}
func (noopMetrics) RecordReadIndex()                     {}
func (noopMetrics) RecordElection()                      {}
func (noopMetrics) RecordElectionDuration(time.Duration) {}
func (noopMetrics) RecordSnapshotBytes(int)              {}
