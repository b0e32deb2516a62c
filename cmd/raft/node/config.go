package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"raftd/internal/raft"
	"raftd/internal/raft/server"
)

type nodeConfig struct {
	Group string `toml:"group"`
	// Peer is the "host:port[:idx]" id of this node; host:port is also where it listens unless Listen is set
	Peer         string   `toml:"peer"`
	Listen       string   `toml:"listen"`
	DataDir      string   `toml:"data_dir"`
	InitialPeers []string `toml:"initial_peers"`
	// ReportFile receives the metrics report as JSON on shutdown
	ReportFile string `toml:"report_file"`
}

type logConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type config struct {
	Node     nodeConfig             `toml:"node"`
	Raft     server.RaftOptions     `toml:"raft"`
	Snapshot server.SnapshotOptions `toml:"snapshot"`
	Log      logConfig              `toml:"log"`
}

func defaultConfig() config {
	opts := server.DefaultNodeOptions()
	return config{
		Node:     nodeConfig{Group: opts.GroupID, DataDir: "./data"},
		Raft:     opts.Raft,
		Snapshot: opts.Snapshot,
		Log:      logConfig{Level: "info", Format: "text"},
	}
}

// loadConfig reads path over the defaults, so a file only needs the keys it changes.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return config{}, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if cfg.Node.Peer == "" {
		return config{}, fmt.Errorf("%s: node.peer is required", path)
	}
	if _, err := raft.ParsePeerID(cfg.Node.Peer); err != nil {
		return config{}, fmt.Errorf("%s: node.peer: %w", path, err)
	}
	if err := cfg.nodeOptions().Validate(); err != nil {
		return config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c config) nodeOptions() server.NodeOptions {
	return server.NodeOptions{
		GroupID:      c.Node.Group,
		InitialPeers: c.Node.InitialPeers,
		Raft:         c.Raft,
		Snapshot:     c.Snapshot,
	}
}

func (c config) listenAddr(id raft.PeerID) string {
	if c.Node.Listen != "" {
		return c.Node.Listen
	}
	return id.Addr
}

func (c config) logPath() string {
	return filepath.Join(c.Node.DataDir, "raft.db")
}

func (c config) snapshotDir() string {
	return filepath.Join(c.Node.DataDir, "snapshots")
}

func setupLogging(c logConfig) error {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	switch c.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	return nil
}
