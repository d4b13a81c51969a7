package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const poll = 20 * time.Millisecond

func TestQueue_FIFOWithinSameDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := NewQueueWithClock(ContextInterface, clock)

	var order []int
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Submit(func(context.Context) { order = append(order, i) }, 0))
	}

	assert.Equal(t, 5, q.Drain(context.Background()))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_DelayOrdering(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := NewQueueWithClock(ContextCore, clock)

	var order []string
	require.NoError(t, q.Submit(func(context.Context) { order = append(order, "late") }, 30*time.Millisecond))
	require.NoError(t, q.Submit(func(context.Context) { order = append(order, "early") }, 10*time.Millisecond))
	require.NoError(t, q.Submit(func(context.Context) { order = append(order, "now") }, 0))

	assert.Equal(t, 1, q.Drain(context.Background()))
	assert.Equal(t, []string{"now"}, order)

	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 1, q.Drain(context.Background()))

	clock.Advance(20 * time.Millisecond)
	assert.Equal(t, 1, q.Drain(context.Background()))
	assert.Equal(t, []string{"now", "early", "late"}, order)
}

func TestQueue_EntriesSubmittedWhileDrainingWait(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := NewQueueWithClock(ContextInterface, clock)

	ran := 0
	require.NoError(t, q.Submit(func(context.Context) {
		ran++
		require.NoError(t, q.Submit(func(context.Context) { ran++ }, 0))
	}, 0))

	assert.Equal(t, 1, q.Drain(context.Background()))
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, q.Len())

	assert.Equal(t, 1, q.Drain(context.Background()))
	assert.Equal(t, 2, ran)
}

func TestQueue_RecoversPanics(t *testing.T) {
	q := NewQueueWithClock(ContextCore, clockwork.NewFakeClock())

	after := false
	require.NoError(t, q.Submit(func(context.Context) { panic("boom") }, 0))
	require.NoError(t, q.Submit(func(context.Context) { after = true }, 0))

	assert.NotPanics(t, func() { q.Drain(context.Background()) })
	assert.True(t, after)
}

func TestQueue_SubmitAfterClose(t *testing.T) {
	q := NewQueueWithClock(ContextInterface, clockwork.NewFakeClock())
	require.NoError(t, q.Submit(func(context.Context) {}, time.Second))

	q.Close()
	assert.Equal(t, 0, q.Len())
	assert.ErrorIs(t, q.Submit(func(context.Context) {}, 0), ErrQueueClosed)
	assert.Error(t, NewQueue(ContextCore).Submit(nil, 0))
}

func TestQueue_RunDrainsWithRealClock(t *testing.T) {
	q := NewQueue(ContextInterface)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan ExecContext, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(ctx) }()

	require.NoError(t, q.Submit(func(context.Context) { done <- q.Context() }, 5*time.Millisecond))

	select {
	case c := <-done:
		assert.Equal(t, ContextInterface, c)
	case <-time.After(2 * time.Second):
		t.Fatal("queued action did not run")
	}

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestScheduler_CurrentContext(t *testing.T) {
	s := NewSchedulerWithClock(clockwork.NewFakeClock())
	ctx := context.Background()

	assert.Equal(t, ContextInterface, s.CurrentContext(ctx), "unknown callers are interface")

	var onCore, onInterface ExecContext = -1, -1
	require.NoError(t, s.Submit(ContextCore, func(c context.Context) { onCore = s.CurrentContext(c) }, 0))
	require.NoError(t, s.Submit(ContextInterface, func(c context.Context) { onInterface = s.CurrentContext(c) }, 0))

	s.Queue(ContextCore).Drain(ctx)
	s.Queue(ContextInterface).Drain(ctx)

	assert.Equal(t, ContextCore, onCore)
	assert.Equal(t, ContextInterface, onInterface)
}

func TestScheduler_SubmitAutoStaysOnCallerQueue(t *testing.T) {
	s := NewSchedulerWithClock(clockwork.NewFakeClock())
	ctx := context.Background()

	require.NoError(t, s.Submit(ContextCore, func(c context.Context) {
		require.NoError(t, s.SubmitAuto(c, func(context.Context) {}, 0))
	}, 0))
	s.Queue(ContextCore).Drain(ctx)

	assert.Equal(t, 1, s.Queue(ContextCore).Len())
	assert.Equal(t, 0, s.Queue(ContextInterface).Len())
}

func TestScheduler_WaitUntilRunsSynchronouslyWhenReady(t *testing.T) {
	s := NewSchedulerWithClock(clockwork.NewFakeClock())

	ran := false
	err := s.WaitUntil(context.Background(), func() bool { return true }, func(context.Context) { ran = true }, poll)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 0, s.Queue(ContextInterface).Len())
}

func TestScheduler_WaitUntilNeverReady(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSchedulerWithClock(clock)
	ctx := context.Background()

	checks := 0
	ran := false
	require.NoError(t, s.WaitUntil(ctx, func() bool { checks++; return false }, func(context.Context) { ran = true }, poll))

	other := 0
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Submit(ContextInterface, func(context.Context) { other++ }, 0))
		clock.Advance(poll)
		s.Queue(ContextInterface).Drain(ctx)
	}

	assert.False(t, ran)
	assert.Equal(t, 101, checks)
	assert.Equal(t, 100, other, "polling must not starve other work")
	assert.Equal(t, 1, s.Queue(ContextInterface).Len(), "exactly one poll stays queued")
}

func TestScheduler_WaitUntilPollsOnCallerContext(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSchedulerWithClock(clock)
	ctx := context.Background()

	var ready atomic.Bool
	var ranOn ExecContext = -1
	require.NoError(t, s.Submit(ContextCore, func(c context.Context) {
		require.NoError(t, s.WaitUntil(c, ready.Load, func(inner context.Context) { ranOn = s.CurrentContext(inner) }, poll))
	}, 0))

	s.Queue(ContextCore).Drain(ctx)
	assert.Equal(t, 1, s.Queue(ContextCore).Len())

	clock.Advance(poll)
	s.Queue(ContextCore).Drain(ctx)
	assert.Equal(t, ExecContext(-1), ranOn)

	ready.Store(true)
	clock.Advance(poll)
	s.Queue(ContextCore).Drain(ctx)
	assert.Equal(t, ContextCore, ranOn)
	assert.Equal(t, 0, s.Queue(ContextInterface).Len())
}

func TestScheduler_BlockWhile(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSchedulerWithClock(clock)

	var holding atomic.Bool
	holding.Store(true)

	done := make(chan error, 1)
	go func() { done <- s.BlockWhile(context.Background(), holding.Load, poll) }()

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	select {
	case <-done:
		t.Fatal("BlockWhile returned while the predicate held")
	default:
	}

	holding.Store(false)
	clock.Advance(poll)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("BlockWhile did not return")
	}
}

func TestScheduler_BlockWhileCancelled(t *testing.T) {
	s := NewSchedulerWithClock(clockwork.NewFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.BlockWhile(ctx, func() bool { return true }, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecContext_String(t *testing.T) {
	assert.Equal(t, "core", ContextCore.String())
	assert.Equal(t, "interface", ContextInterface.String())
}
