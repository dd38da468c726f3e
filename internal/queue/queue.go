// Package queue implements the Scan Queue (spec §4.2): a normal FIFO
// of scans ready to run as soon as a concurrency slot frees, and a
// priority queue of delayed retries ordered by not-before time.
package queue

import (
	"container/heap"
	"net"
	"sync"
	"time"

	"github.com/hiddn/gproxyscan/internal/scantype"
)

// Task is one pending (IP, type, port, class) probe, plus the time
// before which it must not run.
type Task struct {
	IP        net.IP
	Type      scantype.Type
	Port      int
	Class     scantype.Class
	NotBefore time.Time
}

// LagThreshold is the normal-queue depth (§4.2) past which the engine
// notifies operators once and latches until the queue drains.
const LagThreshold = 20000

// delayItem is one entry in the priority heap.
type delayItem struct {
	task  Task
	index int
}

type delayHeap []*delayItem

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	return h[i].task.NotBefore.Before(h[j].task.NotBefore)
}
func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *delayHeap) Push(x any) {
	it := x.(*delayItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue holds the normal FIFO and the priority (delayed-retry) heap.
type Queue struct {
	mu     sync.Mutex
	normal []Task
	delay  delayHeap

	lagWarned bool

	// OnLagWarning is invoked (outside the lock) the first time the
	// normal queue crosses LagThreshold, and is not invoked again
	// until the queue has drained back below it. Nil is a valid
	// no-op.
	OnLagWarning func(depth int)

	// Wake is invoked after every successful Enqueue, letting the
	// runner's dispatch loop skip its poll interval and retry Pop
	// immediately. Nil is a valid no-op.
	Wake func()
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue adds a task. Per §4.2: an immediately-eligible NORMAL task
// goes straight to the FIFO; everything else (a future not-before, or
// an operator-forced CHECK/a later pass) goes to the priority heap.
func (q *Queue) Enqueue(t Task, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.Class == scantype.NORMAL && !t.NotBefore.After(now) {
		q.normal = append(q.normal, t)
	} else {
		heap.Push(&q.delay, &delayItem{task: t})
	}
	q.checkLagLocked()
	if wake := q.Wake; wake != nil {
		go wake()
	}
}

// Len reports the combined depth of both queues.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.normal) + len(q.delay)
}

// NormalLen reports the normal FIFO's depth (what the lag warning
// watches).
func (q *Queue) NormalLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.normal)
}

// Pop returns the next eligible task, if any. The priority heap is
// consulted first — if its earliest entry's not-before has elapsed,
// it wins ties over the normal queue; otherwise the normal FIFO's
// head is returned. Within one class, FIFO order is preserved.
func (q *Queue) Pop(now time.Time) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.delay) > 0 && !q.delay[0].task.NotBefore.After(now) {
		it := heap.Pop(&q.delay).(*delayItem)
		q.checkLagLocked()
		return it.task, true
	}
	if len(q.normal) > 0 {
		t := q.normal[0]
		q.normal = q.normal[1:]
		q.checkLagLocked()
		return t, true
	}
	return Task{}, false
}

// NextDelayDeadline returns the not-before time of the earliest
// priority entry, used by the runner to know how long it may sleep
// before the next Pop could succeed. The second return is false if
// the priority heap is empty.
func (q *Queue) NextDelayDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.delay) == 0 {
		return time.Time{}, false
	}
	return q.delay[0].task.NotBefore, true
}

// checkLagLocked fires OnLagWarning (in its own goroutine, so the
// callback never runs under q.mu) when the normal queue crosses
// LagThreshold, and resets the latch once it has drained back below
// it. Must be called with q.mu held.
func (q *Queue) checkLagLocked() {
	depth := len(q.normal)
	if depth > LagThreshold && !q.lagWarned {
		q.lagWarned = true
		if cb := q.OnLagWarning; cb != nil {
			go cb(depth)
		}
	} else if depth < LagThreshold && q.lagWarned {
		q.lagWarned = false
	}
}
