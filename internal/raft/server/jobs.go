package server

import (
	"time"
)

/*
Background timers of a Node. A timer never touches node state from its own goroutine: on expiry it submits its
callback to the node loop. Every start or stop bumps seq, and a fire that reaches the loop with an older seq is
dropped, so a timer that was reset or stopped while its expiry was already queued cannot act on a newer round.
*/

// loopTimer is a one-shot timer whose callback runs on the node loop. start, stop and running must only be
// called from the loop.
type loopTimer struct {
	name    string
	loop    *orchestrator
	timeout func() time.Duration
	fn      func()

	timer *time.Timer
	seq   uint64
}

func newLoopTimer(name string, loop *orchestrator, timeout func() time.Duration, fn func()) *loopTimer {
	return &loopTimer{name: name, loop: loop, timeout: timeout, fn: fn}
}

// start (re)arms the timer with a fresh timeout.
func (t *loopTimer) start() {
	t.stop()
	seq := t.seq
	t.timer = time.AfterFunc(t.timeout(), func() {
		t.loop.submit(func() {
			if t.seq != seq {
				return
			}
			t.timer = nil
			t.seq++
			t.fn()
		})
	})
}

func (t *loopTimer) stop() {
	t.seq++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *loopTimer) running() bool {
	return t.timer != nil
}
