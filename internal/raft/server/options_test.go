package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftd/internal/raft"
)

func TestDefaultNodeOptions_Valid(t *testing.T) {
	opts := DefaultNodeOptions()
	require.NoError(t, opts.Validate())

	assert.Equal(t, 100*time.Millisecond, opts.heartbeatTimeout())
	assert.Equal(t, 900*time.Millisecond, opts.leaderLeaseTimeout())
	assert.Equal(t, ReadOnlySafe, opts.Raft.ReadOnlyMode)
}

func TestNodeOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *NodeOptions)
		field  string
	}{
		{"empty group", func(o *NodeOptions) { o.GroupID = "" }, "group"},
		{"zero election timeout", func(o *NodeOptions) { o.Raft.ElectionTimeout = 0 }, "election_timeout"},
		{"heartbeat ratio below 2", func(o *NodeOptions) { o.Raft.HeartbeatRatio = 1 }, "heartbeat_ratio"},
		{"lease above 100%", func(o *NodeOptions) { o.Raft.LeaderLeaseRatio = 101 }, "leader_lease_ratio"},
		{"unknown read mode", func(o *NodeOptions) { o.Raft.ReadOnlyMode = "eventual" }, "read_only_mode"},
		{"zero batch", func(o *NodeOptions) { o.Raft.ApplyBatch = 0 }, "apply_batch"},
		{"zero apply queue", func(o *NodeOptions) { o.Raft.ApplyQueueSize = 0 }, "apply_queue_size"},
		{"negative snapshot interval", func(o *NodeOptions) { o.Snapshot.Interval = -time.Second }, "snapshot.interval"},
		{"negative throttle", func(o *NodeOptions) { o.Snapshot.ThrottleBytesPerSecond = -1 }, "throttle_bytes_per_second"},
		{"malformed peer", func(o *NodeOptions) { o.InitialPeers = []string{"nohost"} }, "initial_peers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultNodeOptions()
			tt.mutate(&opts)

			err := opts.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, raft.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestNodeOptions_CopyOptions(t *testing.T) {
	opts := DefaultNodeOptions()
	opts.Snapshot.MaxRetry = 7
	opts.Snapshot.ChunkSize = 4096

	c := opts.copyOptions()
	assert.Equal(t, 7, c.MaxRetry)
	assert.Equal(t, uint64(4096), c.ChunkSize)
	assert.Equal(t, opts.Snapshot.Timeout, c.Timeout)
}
