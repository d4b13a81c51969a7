// Package tasks provides the cooperative scheduling used to coordinate the
// host's interface and core execution contexts.
//
// Each context owns a Queue drained by a single goroutine. Entries run in
// due-time order and, for equal due times, in submission order. Waiting for a
// condition is done by resubmission (Scheduler.WaitUntil), never by blocking
// the drain loop; Scheduler.BlockWhile is the one deliberate blocking wait.
package tasks

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dorcha-inc/hotpatch/internal/core"
)

// ErrQueueClosed is returned when submitting to a closed queue.
var ErrQueueClosed = errors.New("tasks: queue is closed")

// ExecContext identifies one of the two host execution contexts.
type ExecContext int

const (
	ContextInterface ExecContext = iota
	ContextCore
)

func (c ExecContext) String() string {
	switch c {
	case ContextCore:
		return "core"
	default:
		return "interface"
	}
}

// Action is a unit of work run by a queue. The ctx identifies the queue
// running the action.
type Action func(ctx context.Context)

// Entry is a queued action waiting for its delay to elapse.
type Entry struct {
	Action  Action
	Context ExecContext
	Delay   time.Duration

	due time.Time
	seq uint64
}

// entryHeap is a min-heap ordered by due time, then submission order
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(*Entry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

type queueKey struct{}

// Queue is a single-threaded, delay-ordered task queue.
type Queue struct {
	execCtx ExecContext
	clock   clockwork.Clock

	mu      sync.Mutex
	entries entryHeap
	seq     uint64
	closed  bool
	wake    chan struct{}
}

// NewQueue creates a queue for the given context with a real clock
func NewQueue(execCtx ExecContext) *Queue {
	return NewQueueWithClock(execCtx, clockwork.NewRealClock())
}

// NewQueueWithClock creates a queue with a custom clock
// This is useful for testing with a fake clock
func NewQueueWithClock(execCtx ExecContext, clock clockwork.Clock) *Queue {
	return &Queue{
		execCtx: execCtx,
		clock:   clock,
		wake:    make(chan struct{}, 1),
	}
}

// Context returns the execution context this queue drains for.
func (q *Queue) Context() ExecContext {
	return q.execCtx
}

// Submit enqueues action to run after at least delay has elapsed.
func (q *Queue) Submit(action Action, delay time.Duration) error {
	if action == nil {
		return errors.New("tasks: action cannot be nil")
	}
	if delay < 0 {
		delay = 0
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.seq++
	heap.Push(&q.entries, &Entry{
		Action:  action,
		Context: q.execCtx,
		Delay:   delay,
		due:     q.clock.Now().Add(delay),
		seq:     q.seq,
	})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drain runs every entry that is due when the drain starts, each exactly once.
// Entries submitted while draining wait for the next drain. Returns the number
// of entries run.
func (q *Queue) Drain(ctx context.Context) int {
	now := q.clock.Now()

	q.mu.Lock()
	var batch []*Entry
	for len(q.entries) > 0 && !q.entries[0].due.After(now) {
		batch = append(batch, heap.Pop(&q.entries).(*Entry))
	}
	q.mu.Unlock()

	runCtx := context.WithValue(ctx, queueKey{}, q)
	for _, entry := range batch {
		q.run(runCtx, entry)
	}
	return len(batch)
}

func (q *Queue) run(ctx context.Context, entry *Entry) {
	defer func() {
		if r := recover(); r != nil {
			core.LogPanicRecovery("task queue "+q.execCtx.String(), r)
		}
	}()
	entry.Action(ctx)
}

// nextDue returns the due time of the earliest entry.
func (q *Queue) nextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return time.Time{}, false
	}
	return q.entries[0].due, true
}

// Run drains the queue until ctx is done or the queue is closed.
func (q *Queue) Run(ctx context.Context) error {
	zap.L().Debug("Task queue started", zap.String("context", q.execCtx.String()))
	defer zap.L().Debug("Task queue stopped", zap.String("context", q.execCtx.String()))

	for {
		q.Drain(ctx)

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil
		}

		var timerCh <-chan time.Time
		var timer clockwork.Timer
		if due, ok := q.nextDue(); ok {
			timer = q.clock.NewTimer(due.Sub(q.clock.Now()))
			timerCh = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-q.wake:
		case <-timerCh:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// Close stops accepting entries. Pending entries are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.entries = nil
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// queueFrom returns the queue running the caller, if any.
func queueFrom(ctx context.Context) *Queue {
	if ctx == nil {
		return nil
	}
	q, _ := ctx.Value(queueKey{}).(*Queue)
	return q
}
