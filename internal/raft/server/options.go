package server

import (
	"fmt"
	"time"

	"raftd/internal/raft"
	"raftd/internal/raft/snapshot"
)

// ReadOnlyMode selects how a leader confirms it is still the leader before serving a read index.
type ReadOnlyMode string

const (
	// ReadOnlySafe confirms leadership with a round of heartbeats acknowledged by a quorum
	ReadOnlySafe ReadOnlyMode = "safe"
	// ReadOnlyLeaseBased trusts the leader lease and skips the heartbeat round while it is valid. It relies on
	// bounded clock drift between the servers.
	ReadOnlyLeaseBased ReadOnlyMode = "lease"
)

// RaftOptions tune the protocol timers and batching.
type RaftOptions struct {
	// ElectionTimeout is the base election timeout. Each wait is randomized in [ElectionTimeout, 2*ElectionTimeout)
	// as per Section 5.2 from the [Raft paper](https://raft.github.io/raft.pdf)
	ElectionTimeout time.Duration `toml:"election_timeout"`
	// HeartbeatRatio is ElectionTimeout divided by the heartbeat interval. Section 5.6 wants the broadcast time an
	// order of magnitude below the election timeout.
	HeartbeatRatio int `toml:"heartbeat_ratio"`
	// LeaderLeaseRatio is the leader lease as a percentage of ElectionTimeout
	LeaderLeaseRatio int `toml:"leader_lease_ratio"`
	// ReadOnlyMode is "safe" or "lease"
	ReadOnlyMode ReadOnlyMode `toml:"read_only_mode"`
	// StepDownWhenVoteTimedOut makes a candidate whose vote timed out fall back to a pre-vote round instead of
	// starting another election directly
	StepDownWhenVoteTimedOut bool `toml:"step_down_when_vote_timed_out"`
	// MaxEntriesPerRequest caps the entries in a single AppendEntries request
	MaxEntriesPerRequest int `toml:"max_entries_per_request"`
	// MaxReplicatorBackoff caps the wait of a replicator after a transport failure
	MaxReplicatorBackoff time.Duration `toml:"max_replicator_backoff"`
	// CatchUpMargin is how far behind the leader's last index a new peer may be and still count as caught up
	CatchUpMargin uint64 `toml:"catch_up_margin"`
	// CatchUpTimeout bounds one catch-up wait of a new peer
	CatchUpTimeout time.Duration `toml:"catch_up_timeout"`
	// ApplyBatch is the largest number of client tasks appended in one log write
	ApplyBatch int `toml:"apply_batch"`
	// ApplyQueueSize bounds the pending client tasks; Apply fails with a busy status when it is full
	ApplyQueueSize int `toml:"apply_queue_size"`
	// RPCTimeout bounds a single attempt of a vote, append or heartbeat RPC
	RPCTimeout time.Duration `toml:"rpc_timeout"`
}

// SnapshotOptions configure snapshot saving and installation.
type SnapshotOptions struct {
	// Interval between automatic snapshots; zero disables them
	Interval time.Duration `toml:"interval"`
	// MaxRetry is the number of consecutive failed GetFile requests after which a copy fails
	MaxRetry int `toml:"max_retry"`
	// RetryInterval is the delay before a failed or throttled GetFile request is retried
	RetryInterval time.Duration `toml:"retry_interval"`
	// Timeout bounds one GetFile request
	Timeout time.Duration `toml:"timeout"`
	// InstallTimeout bounds a whole InstallSnapshot exchange as seen by the leader
	InstallTimeout time.Duration `toml:"install_timeout"`
	// ChunkSize is the largest chunk asked for in one GetFile request
	ChunkSize uint64 `toml:"chunk_size"`
	// ThrottleBytesPerSecond limits the copy throughput of a follower; zero disables the throttle
	ThrottleBytesPerSecond int `toml:"throttle_bytes_per_second"`
}

// NodeOptions configure a Node.
type NodeOptions struct {
	// GroupID names the raft group; requests for another group are rejected
	GroupID string `toml:"group"`
	// InitialPeers is the configuration used when neither the log nor a snapshot carries one. A node joining an
	// existing cluster starts with none and learns the configuration from the leader.
	InitialPeers []string        `toml:"initial_peers"`
	Raft         RaftOptions     `toml:"raft"`
	Snapshot     SnapshotOptions `toml:"snapshot"`
}

func DefaultNodeOptions() NodeOptions {
	copyOpts := snapshot.DefaultCopyOptions()
	return NodeOptions{
		GroupID: "default",
		Raft: RaftOptions{
			ElectionTimeout:      time.Second,
			HeartbeatRatio:       10,
			LeaderLeaseRatio:     90,
			ReadOnlyMode:         ReadOnlySafe,
			MaxEntriesPerRequest: 1024,
			MaxReplicatorBackoff: 500 * time.Millisecond,
			CatchUpMargin:        1000,
			CatchUpTimeout:       time.Second,
			ApplyBatch:           32,
			ApplyQueueSize:       4096,
			RPCTimeout:           500 * time.Millisecond,
		},
		Snapshot: SnapshotOptions{
			MaxRetry:       copyOpts.MaxRetry,
			RetryInterval:  copyOpts.RetryInterval,
			Timeout:        copyOpts.Timeout,
			InstallTimeout: 5 * time.Minute,
			ChunkSize:      copyOpts.ChunkSize,
		},
	}
}

func invalid(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s %s", raft.ErrInvalidConfig, field, fmt.Sprintf(format, args...))
}

// Validate reports the first option that cannot work.
func (o NodeOptions) Validate() error {
	r := o.Raft
	switch {
	case o.GroupID == "":
		return invalid("group", "must not be empty")
	case r.ElectionTimeout <= 0:
		return invalid("election_timeout", "must be positive, got %v", r.ElectionTimeout)
	case r.HeartbeatRatio < 2:
		return invalid("heartbeat_ratio", "must be at least 2, got %d", r.HeartbeatRatio)
	case r.LeaderLeaseRatio <= 0 || r.LeaderLeaseRatio > 100:
		return invalid("leader_lease_ratio", "must be in (0, 100], got %d", r.LeaderLeaseRatio)
	case r.ReadOnlyMode != ReadOnlySafe && r.ReadOnlyMode != ReadOnlyLeaseBased:
		return invalid("read_only_mode", "must be %q or %q, got %q", ReadOnlySafe, ReadOnlyLeaseBased, r.ReadOnlyMode)
	case r.MaxEntriesPerRequest <= 0:
		return invalid("max_entries_per_request", "must be positive, got %d", r.MaxEntriesPerRequest)
	case r.MaxReplicatorBackoff <= 0:
		return invalid("max_replicator_backoff", "must be positive, got %v", r.MaxReplicatorBackoff)
	case r.CatchUpTimeout <= 0:
		return invalid("catch_up_timeout", "must be positive, got %v", r.CatchUpTimeout)
	case r.ApplyBatch <= 0:
		return invalid("apply_batch", "must be positive, got %d", r.ApplyBatch)
	case r.ApplyQueueSize <= 0:
		return invalid("apply_queue_size", "must be positive, got %d", r.ApplyQueueSize)
	case r.RPCTimeout <= 0:
		return invalid("rpc_timeout", "must be positive, got %v", r.RPCTimeout)
	case o.Snapshot.Interval < 0:
		return invalid("snapshot.interval", "must not be negative, got %v", o.Snapshot.Interval)
	case o.Snapshot.ThrottleBytesPerSecond < 0:
		return invalid("snapshot.throttle_bytes_per_second", "must not be negative, got %d", o.Snapshot.ThrottleBytesPerSecond)
	}
	if _, err := raft.ParseConfiguration(o.InitialPeers); err != nil {
		return invalid("initial_peers", "%v", err)
	}
	return nil
}

func (o NodeOptions) heartbeatTimeout() time.Duration {
	return o.Raft.ElectionTimeout / time.Duration(o.Raft.HeartbeatRatio)
}

func (o NodeOptions) leaderLeaseTimeout() time.Duration {
	return o.Raft.ElectionTimeout * time.Duration(o.Raft.LeaderLeaseRatio) / 100
}

func (o NodeOptions) copyOptions() snapshot.CopyOptions {
	return snapshot.CopyOptions{
		MaxRetry:      o.Snapshot.MaxRetry,
		RetryInterval: o.Snapshot.RetryInterval,
		Timeout:       o.Snapshot.Timeout,
		ChunkSize:     o.Snapshot.ChunkSize,
	}
}
