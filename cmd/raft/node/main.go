// Command node runs one member of a raft group serving a key-value state machine over gRPC.
//
//	node -config node.toml
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"raftd/internal/pubsub"
	"raftd/internal/raft"
	"raftd/internal/raft/metrics"
	"raftd/internal/raft/server"
	"raftd/internal/raft/snapshot"
	"raftd/internal/raft/state_machine"
	"raftd/internal/raft/storage"
)

func main() {
	configPath := flag.String("config", "node.toml", "path to the TOML configuration")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := setupLogging(cfg.Log); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("Node failed: %v", err)
	}
}

func run(cfg config) error {
	id := raft.MustParsePeerID(cfg.Node.Peer)
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return err
	}

	store, err := storage.NewBboltStorage(cfg.logPath())
	if err != nil {
		return err
	}
	defer store.Close()

	snapshots, err := snapshot.NewStore(cfg.snapshotDir())
	if err != nil {
		return err
	}

	collector := metrics.NewMetrics()
	transport := server.NewGRPCTransport(cfg.Raft.RPCTimeout, collector)
	events := pubsub.NewPubSub()
	defer events.GracefulShutdown()

	node, err := server.NewNode(id, cfg.nodeOptions(), server.Dependencies{
		LogStorage:    store,
		MetaStorage:   store,
		StateMachine:  state_machine.NewKVStateMachine(id.String()),
		Transport:     transport,
		SnapshotStore: snapshots,
		Metrics:       collector,
		PubSub:        events,
		Logger:        log.NewEntry(log.StandardLogger()),
	})
	if err != nil {
		return err
	}
	go logLifecycle(events)

	srv := server.NewServer(node, transport)
	if err := srv.Listen(cfg.listenAddr(id)); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Infof("[NODE-%s] Received shutdown signal", id)
	srv.GracefulShutdown()
	<-errCh

	report := collector.GetReport(node.Configuration().Conf.Size())
	if _, err := report.WriteTo(os.Stdout); err != nil {
		log.Warnf("Failed to print metrics report: %v", err)
	}
	if cfg.Node.ReportFile != "" {
		if err := report.SaveJSON(cfg.Node.ReportFile); err != nil {
			log.Warnf("Failed to save metrics report: %v", err)
		}
	}
	return nil
}

// logLifecycle reports leadership and membership changes until the bus shuts down.
func logLifecycle(events *pubsub.PubSubClient) {
	leaders := make(chan *pubsub.Event[server.LeaderPayload], 8)
	pubsub.Subscribe(events, server.LeaderStart, leaders, pubsub.SubscriptionOptions{})
	pubsub.Subscribe(events, server.LeaderStop, leaders, pubsub.SubscriptionOptions{})
	confs := make(chan *pubsub.Event[raft.ConfigurationEntry], 8)
	pubsub.Subscribe(events, server.ConfigurationCommitted, confs, pubsub.SubscriptionOptions{})
	errs := make(chan *pubsub.Event[error], 1)
	pubsub.Subscribe(events, server.NodeError, errs, pubsub.SubscriptionOptions{})

	for {
		select {
		case ev := <-leaders:
			if ev.Type == server.LeaderStart {
				log.Infof("Became leader of term %d", ev.Payload.Term)
			} else {
				log.Infof("Stopped leading term %d: %v", ev.Payload.Term, ev.Payload.Status)
			}
		case ev := <-confs:
			log.Infof("Configuration %s committed at %v", ev.Payload.Conf, ev.Payload.ID)
		case ev := <-errs:
			log.Errorf("Node entered the error state: %v", ev.Payload)
			return
		}
	}
}
