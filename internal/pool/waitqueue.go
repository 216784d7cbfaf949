package pool

import (
	"container/heap"

	"github.com/brandon/imap-fleet/internal/types"
)

// waitItem is one parked acquire request, ordered by priority (ties
// FIFO) per spec §4.1: "Waiters are woken in priority order; ties broken
// by FIFO." container/heap is stdlib, not an ecosystem library — the pack
// carries no generic priority-queue dependency for any example repo to
// borrow (see DESIGN.md), and the ordering rule here is a handful of
// comparisons, not something a library meaningfully abstracts.
type waitItem struct {
	priority types.Priority
	seq      int64
	ready    chan struct{}
	index    int
}

type waitHeap []*waitItem

func (h waitHeap) Len() int { return len(h) }
func (h waitHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority // high priority first
	}
	return h[i].seq < h[j].seq // FIFO tie-break
}
func (h waitHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waitHeap) Push(x any) {
	item := x.(*waitItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// waitQueue is a priority-ordered queue of parked acquire requests for a
// single host group, guarded by the host group's own lock (spec §5: "Each
// is guarded by a single critical section").
type waitQueue struct {
	h   waitHeap
	seq int64
}

func newWaitQueue() *waitQueue {
	q := &waitQueue{}
	heap.Init(&q.h)
	return q
}

// park adds a waiter and returns the channel that is closed when it is
// woken.
func (q *waitQueue) park(priority types.Priority) *waitItem {
	q.seq++
	item := &waitItem{priority: priority, seq: q.seq, ready: make(chan struct{})}
	heap.Push(&q.h, item)
	return item
}

// wakeNext pops and signals the highest-priority waiter, if any.
func (q *waitQueue) wakeNext() {
	if q.h.Len() == 0 {
		return
	}
	item := heap.Pop(&q.h).(*waitItem)
	close(item.ready)
}

// remove drops item from the queue without signaling it (used when a
// waiter's deadline elapses first).
func (q *waitQueue) remove(item *waitItem) {
	if item.index < 0 || item.index >= q.h.Len() || q.h[item.index] != item {
		return
	}
	heap.Remove(&q.h, item.index)
}

func (q *waitQueue) len() int { return q.h.Len() }
