package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftd/internal/raft"
	"raftd/internal/raft/server"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[node]
group = "kv"
peer = "127.0.0.1:8001"
data_dir = "/var/lib/raftd"
initial_peers = ["127.0.0.1:8001", "127.0.0.1:8002", "127.0.0.1:8003"]

[raft]
election_timeout = "2s"
read_only_mode = "lease"

[snapshot]
interval = "1h"
chunk_size = 65536

[log]
level = "debug"
format = "json"
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	opts := cfg.nodeOptions()
	assert.Equal(t, "kv", opts.GroupID)
	assert.Len(t, opts.InitialPeers, 3)
	assert.Equal(t, 2*time.Second, opts.Raft.ElectionTimeout)
	assert.Equal(t, server.ReadOnlyLeaseBased, opts.Raft.ReadOnlyMode)
	assert.Equal(t, time.Hour, opts.Snapshot.Interval)
	assert.Equal(t, uint64(65536), opts.Snapshot.ChunkSize)
	// untouched keys keep their defaults
	assert.Equal(t, server.DefaultNodeOptions().Raft.HeartbeatRatio, opts.Raft.HeartbeatRatio)

	id := raft.MustParsePeerID(cfg.Node.Peer)
	assert.Equal(t, "127.0.0.1:8001", cfg.listenAddr(id))
	assert.Equal(t, filepath.Join("/var/lib/raftd", "raft.db"), cfg.logPath())
	require.NoError(t, setupLogging(cfg.Log))
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing peer":   "[node]\ngroup = \"kv\"\n",
		"malformed peer": "[node]\npeer = \"nohost\"\n",
		"unknown key":    "[node]\npeer = \"127.0.0.1:8001\"\ncolour = \"blue\"\n",
		"invalid option": "[node]\npeer = \"127.0.0.1:8001\"\n[raft]\nheartbeat_ratio = 1\n",
		"not toml":       "[node",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestSetupLogging_UnknownFormat(t *testing.T) {
	assert.Error(t, setupLogging(logConfig{Level: "info", Format: "xml"}))
	assert.Error(t, setupLogging(logConfig{Level: "loud"}))
}
