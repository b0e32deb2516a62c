package server

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"raftd/internal/pubsub"
	"raftd/internal/raft"
	"raftd/internal/raft/ballot"
	"raftd/internal/raft/proto"
	"raftd/internal/raft/state_machine"
)

type indexedClosure struct {
	index uint64
	done  ballot.Closure
}

type appliedWaiter struct {
	index uint64
	ch    chan struct{}
}

// fsmCaller is the single goroutine that feeds committed entries to the state machine in log order, resolves
// the closures of client tasks once their entry is applied, runs snapshot save and load between applies, and
// publishes the node lifecycle events in the same order.
type fsmCaller struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}

	lastApplied uint64
	waiters     []appliedWaiter

	// owned by the run goroutine
	closures []indexedClosure

	logs       *logManager
	fsm        state_machine.StateMachine
	pubSub     *pubsub.PubSubClient
	metrics    MetricsCollector
	applyBatch int
	// onError moves the node to the Error role
	onError func(err error)
	log     *log.Entry
}

func newFSMCaller(logs *logManager, fsm state_machine.StateMachine, pubSub *pubsub.PubSubClient, metrics MetricsCollector, applyBatch int, logger *log.Entry) *fsmCaller {
	return &fsmCaller{
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		logs:       logs,
		fsm:        fsm,
		pubSub:     pubSub,
		metrics:    metrics,
		applyBatch: applyBatch,
		log:        logger,
	}
}

// enqueue schedules fn on the caller goroutine. It never blocks.
func (c *fsmCaller) enqueue(fn func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.tasks = append(c.tasks, fn)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// run should be executed as a goroutine.
func (c *fsmCaller) run() {
	defer close(c.done)
	for {
		c.mu.Lock()
		tasks := c.tasks
		c.tasks = nil
		closed := c.closed
		c.mu.Unlock()

		for _, fn := range tasks {
			fn()
		}
		if closed && len(tasks) == 0 {
			return
		}
		if len(tasks) == 0 {
			<-c.wake
		}
	}
}

// shutdown publishes NodeShutdown after every queued task and waits for the goroutine to exit.
func (c *fsmCaller) shutdown() {
	c.enqueue(func() {
		for _, cl := range c.closures {
			cl.done(raft.ErrNodeShutdown)
		}
		c.closures = nil
		c.publish(NodeShutdown, struct{}{})
	})
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	<-c.done
}

// onCommitted is the ballot.CommitWaiter of the node: done holds the closures of the entries ending at
// committedIndex.
func (c *fsmCaller) onCommitted(committedIndex uint64, done []ballot.Closure) {
	first := committedIndex - uint64(len(done)) + 1
	c.enqueue(func() {
		for i, cl := range done {
			if cl != nil {
				c.closures = append(c.closures, indexedClosure{index: first + uint64(i), done: cl})
			}
		}
		c.doCommitted(committedIndex)
	})
}

func (c *fsmCaller) doCommitted(committedIndex uint64) {
	from := c.appliedIndex() + 1
	for from <= committedIndex {
		to := min(committedIndex, from+uint64(c.applyBatch)-1)
		entries, err := c.logs.entries(from, int(to-from+1))
		if err != nil || len(entries) == 0 {
			if err == nil {
				err = fmt.Errorf("committed entries [%d, %d] missing from the log", from, to)
			}
			c.log.Errorf("[FSM] Failed to load committed entries from %d: %v", from, err)
			c.onError(raft.NewStatus(raft.CodeIO, "load committed entries: %v", err))
			return
		}
		to = entries[len(entries)-1].Index

		var commands []*proto.LogEntry
		for _, e := range entries {
			switch e.Type {
			case proto.LogEntryType_LOG_COMMAND:
				commands = append(commands, e)
			case proto.LogEntryType_LOG_CONFIGURATION:
				if len(commands) > 0 {
					c.fsm.Apply(commands)
					commands = nil
				}
				if conf, err := confEntryOf(e); err == nil {
					c.log.Infof("[FSM] Configuration committed at %d: %s (old: %s)", e.Index, conf.Conf, conf.OldConf)
					c.publish(ConfigurationCommitted, conf)
				}
			}
		}
		if len(commands) > 0 {
			c.fsm.Apply(commands)
			for range commands {
				c.metrics.RecordCommandCommitted()
			}
		}

		c.setApplied(to)
		c.runClosures(to)
		from = to + 1
	}
}

// runClosures resolves the closures of entries up to index in order.
func (c *fsmCaller) runClosures(index uint64) {
	n := 0
	for n < len(c.closures) && c.closures[n].index <= index {
		c.closures[n].done(nil)
		n++
	}
	c.closures = c.closures[n:]
}

func (c *fsmCaller) appliedIndex() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastApplied
}

func (c *fsmCaller) setApplied(index uint64) {
	c.mu.Lock()
	c.lastApplied = index
	kept := c.waiters[:0]
	var ready []appliedWaiter
	for _, w := range c.waiters {
		if w.index <= index {
			ready = append(ready, w)
		} else {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
	c.mu.Unlock()

	for _, w := range ready {
		close(w.ch)
	}
}

// waitApplied blocks until the state machine has applied index.
func (c *fsmCaller) waitApplied(ctx context.Context, index uint64) error {
	c.mu.Lock()
	if c.lastApplied >= index {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.waiters = append(c.waiters, appliedWaiter{index: index, ch: ch})
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return raft.ErrNodeShutdown
	}
}

func (c *fsmCaller) publish(eventType pubsub.EventType, payload any) {
	if c.pubSub == nil {
		return
	}
	switch p := payload.(type) {
	case LeaderPayload:
		pubsub.Publish(c.pubSub, pubsub.NewEvent(eventType, p))
	case FollowingPayload:
		pubsub.Publish(c.pubSub, pubsub.NewEvent(eventType, p))
	case raft.ConfigurationEntry:
		pubsub.Publish(c.pubSub, pubsub.NewEvent(eventType, p))
	case raft.LogID:
		pubsub.Publish(c.pubSub, pubsub.NewEvent(eventType, p))
	case error:
		pubsub.Publish(c.pubSub, pubsub.NewEvent(eventType, p))
	default:
		pubsub.Publish(c.pubSub, pubsub.NewEvent(eventType, struct{}{}))
	}
}

func (c *fsmCaller) onLeaderStart(term uint64) {
	c.enqueue(func() { c.publish(LeaderStart, LeaderPayload{Term: term}) })
}

func (c *fsmCaller) onLeaderStop(term uint64, status error) {
	c.enqueue(func() { c.publish(LeaderStop, LeaderPayload{Term: term, Status: status}) })
}

func (c *fsmCaller) onStartFollowing(leader raft.PeerID, term uint64) {
	c.enqueue(func() { c.publish(StartFollowing, FollowingPayload{LeaderID: leader, Term: term}) })
}

func (c *fsmCaller) onStopFollowing(leader raft.PeerID, term uint64, status error) {
	c.enqueue(func() { c.publish(StopFollowing, FollowingPayload{LeaderID: leader, Term: term, Status: status}) })
}

func (c *fsmCaller) onNodeError(err error) {
	c.enqueue(func() { c.publish(NodeError, err) })
}
