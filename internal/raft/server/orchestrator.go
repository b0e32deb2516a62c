package server

import (
	"context"
	"sync"

	"raftd/internal/raft"
)

// orchestrator is the node loop. Every change to the role, term, vote, configuration and ballot box of a Node
// happens inside a closure run by this single goroutine: timer fires, inbound RPCs, RPC results and client
// submissions are all funnelled through events. Blocking work (network, snapshot copies) never runs here; it
// runs elsewhere and reports back with submit.
type orchestrator struct {
	// guards closed against concurrent submit, the same way PubSubClient guards its publish channel
	mu     sync.RWMutex
	closed bool

	events chan func()
	done   chan struct{}
	// afterEach runs after every event, used to publish the status snapshot
	afterEach func()
}

func newOrchestrator(size int, afterEach func()) *orchestrator {
	return &orchestrator{
		events:    make(chan func(), size),
		done:      make(chan struct{}),
		afterEach: afterEach,
	}
}

// run processes events until stop. It should be executed as a goroutine.
func (o *orchestrator) run() {
	defer close(o.done)
	for fn := range o.events {
		fn()
		if o.afterEach != nil {
			o.afterEach()
		}
	}
}

// submit queues fn on the loop. It reports false once the loop is stopping. It must not be called from the
// loop itself: the loop may be the only reader of a full queue.
func (o *orchestrator) submit(fn func()) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		return false
	}
	o.events <- fn
	return true
}

// stop rejects further events, lets the queued ones run and waits for the loop to exit.
func (o *orchestrator) stop() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.events)
	}
	o.mu.Unlock()
	<-o.done
}

// onLoop runs fn on the loop and waits for its result.
func onLoop[T any](ctx context.Context, o *orchestrator, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	var zero T
	if !o.submit(func() {
		v, err := fn()
		ch <- result{v, err}
	}) {
		return zero, raft.ErrNodeShutdown
	}

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
