package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftd/internal/raft"
)

func TestOrchestrator_RunsEventsInOrder(t *testing.T) {
	var after atomic.Int32
	o := newOrchestrator(16, func() { after.Add(1) })
	go o.run()

	var got []int
	for i := range 10 {
		require.True(t, o.submit(func() { got = append(got, i) }))
	}
	o.stop()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	assert.Equal(t, int32(10), after.Load())
}

func TestOrchestrator_SubmitAfterStop(t *testing.T) {
	o := newOrchestrator(1, nil)
	go o.run()
	o.stop()

	assert.False(t, o.submit(func() {}))
	// stopping twice is harmless
	o.stop()
}

func TestOnLoop(t *testing.T) {
	o := newOrchestrator(4, nil)
	go o.run()
	defer o.stop()

	t.Run("returns the result", func(t *testing.T) {
		v, err := onLoop(context.Background(), o, func() (int, error) { return 42, nil })
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("returns the error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := onLoop(context.Background(), o, func() (int, error) { return 0, boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("gives up with the context", func(t *testing.T) {
		release := make(chan struct{})
		o.submit(func() { <-release })
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := onLoop(ctx, o, func() (int, error) { return 1, nil })
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestOnLoop_Stopped(t *testing.T) {
	o := newOrchestrator(1, nil)
	go o.run()
	o.stop()

	_, err := onLoop(context.Background(), o, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, raft.ErrNodeShutdown)
}

func TestLoopTimer(t *testing.T) {
	o := newOrchestrator(16, nil)
	go o.run()
	defer o.stop()

	onLoopDo := func(fn func()) {
		_, _ = onLoop(context.Background(), o, func() (struct{}, error) {
			fn()
			return struct{}{}, nil
		})
	}

	t.Run("fires once on the loop", func(t *testing.T) {
		fired := make(chan struct{}, 4)
		timer := newLoopTimer("test", o, func() time.Duration { return 10 * time.Millisecond }, func() { fired <- struct{}{} })
		onLoopDo(timer.start)

		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("timer did not fire")
		}
		var running bool
		onLoopDo(func() { running = timer.running() })
		assert.False(t, running)

		select {
		case <-fired:
			t.Fatal("one-shot timer fired twice")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("stop drops a pending fire", func(t *testing.T) {
		var fired atomic.Int32
		timer := newLoopTimer("test", o, func() time.Duration { return 10 * time.Millisecond }, func() { fired.Add(1) })
		onLoopDo(func() {
			timer.start()
			// the expiry is queued behind this event and must be discarded
			time.Sleep(30 * time.Millisecond)
			timer.stop()
		})
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), fired.Load())
	})

	t.Run("restart supersedes the previous round", func(t *testing.T) {
		var fired atomic.Int32
		timer := newLoopTimer("test", o, func() time.Duration { return 10 * time.Millisecond }, func() { fired.Add(1) })
		onLoopDo(func() {
			timer.start()
			time.Sleep(30 * time.Millisecond)
			timer.start()
		})
		time.Sleep(80 * time.Millisecond)
		assert.Equal(t, int32(1), fired.Load())
	})
}
