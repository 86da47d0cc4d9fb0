package transaction

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Timer schedules opaque payloads for delivery at a monotonic deadline.
// It is a priority queue keyed by (deadline, id) with a side index for
// O(log N) cancellation. A single instance serves every transaction of an
// endpoint; the endpoint main loop drains it with Poll.
type Timer[T any] struct {
	mu     sync.Mutex
	tasks  timerHeap[T]
	byID   map[uint64]*timerTask[T]
	lastID atomic.Uint64
}

type timerTask[T any] struct {
	id        uint64
	executeAt time.Time
	value     T
	index     int
}

func NewTimer[T any]() *Timer[T] {
	return &Timer[T]{
		byID: make(map[uint64]*timerTask[T]),
	}
}

func (t *Timer[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// Timeout schedules value to fire after duration. Returns task id.
func (t *Timer[T]) Timeout(d time.Duration, value T) uint64 {
	return t.TimeoutAt(time.Now().Add(d), value)
}

// TimeoutAt schedules value to fire at executeAt. Returns task id.
func (t *Timer[T]) TimeoutAt(executeAt time.Time, value T) uint64 {
	id := t.lastID.Add(1)
	task := &timerTask[T]{id: id, executeAt: executeAt, value: value}

	t.mu.Lock()
	heap.Push(&t.tasks, task)
	t.byID[id] = task
	t.mu.Unlock()
	return id
}

// Cancel removes a scheduled task and returns its payload.
// Safe to call after the task fired; returns ok=false then.
func (t *Timer[T]) Cancel(id uint64) (value T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, exists := t.byID[id]
	if !exists {
		return value, false
	}
	delete(t.byID, id)
	heap.Remove(&t.tasks, task.index)
	return task.value, true
}

// Poll removes and returns every payload whose deadline is not after now,
// in deadline order, ties broken by schedule order.
func (t *Timer[T]) Poll(now time.Time) []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []T
	for len(t.tasks) > 0 && !t.tasks[0].executeAt.After(now) {
		task := heap.Pop(&t.tasks).(*timerTask[T])
		delete(t.byID, task.id)
		result = append(result, task.value)
	}
	return result
}

type timerHeap[T any] []*timerTask[T]

func (h timerHeap[T]) Len() int { return len(h) }

func (h timerHeap[T]) Less(i, j int) bool {
	if h[i].executeAt.Equal(h[j].executeAt) {
		return h[i].id < h[j].id
	}
	return h[i].executeAt.Before(h[j].executeAt)
}

func (h timerHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap[T]) Push(x any) {
	task := x.(*timerTask[T])
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *timerHeap[T]) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}
