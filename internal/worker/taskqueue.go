package worker

import (
	"container/heap"
	"sync"

	"github.com/brandon/imap-fleet/internal/types"
)

// taskItem is one queued Task, ordered by priority with FIFO tie-break,
// the same discipline spec §4.1 sets for Connection Pool waiters and
// §4.4 sets for the dispatch queue.
type taskItem struct {
	task  types.Task
	seq   int64
	index int
}

type taskHeap []*taskItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	item := x.(*taskItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// taskQueue is a bounded, priority-ordered dispatch queue (spec §4.4's
// "priority queue with retry/backoff"). Enqueue blocks the caller not at
// all — it returns ErrQueueFull instead, since the Scheduler's tick
// loop must not stall on a full queue.
type taskQueue struct {
	mu       sync.Mutex
	h        taskHeap
	seq      int64
	frontSeq int64
	maxDepth int
	notEmpty chan struct{}
}

// frontSeqBase is the starting point for EnqueueFront's sequence numbers:
// far below any value Enqueue's seq (which starts at 1 and only
// increases) will ever reach, so a front-inserted item always sorts
// ahead of every normal item in its priority tier, and incrementing it
// on each call keeps multiple front-inserts themselves FIFO.
const frontSeqBase = int64(-1) << 62

func newTaskQueue(maxDepth int) *taskQueue {
	q := &taskQueue{maxDepth: maxDepth, frontSeq: frontSeqBase, notEmpty: make(chan struct{}, 1)}
	heap.Init(&q.h)
	return q
}

func (q *taskQueue) Enqueue(task types.Task) error {
	q.mu.Lock()
	if q.h.Len() >= q.maxDepth {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.seq++
	heap.Push(&q.h, &taskItem{task: task, seq: q.seq})
	q.mu.Unlock()

	q.signal()
	return nil
}

// EnqueueFront inserts task ahead of every other item already queued at
// its priority tier, for the stuck-worker reset path (spec §4.4's "the
// task is re-queued at the front of its priority tier").
func (q *taskQueue) EnqueueFront(task types.Task) error {
	q.mu.Lock()
	if q.h.Len() >= q.maxDepth {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.frontSeq++
	heap.Push(&q.h, &taskItem{task: task, seq: q.frontSeq})
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *taskQueue) signal() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// dequeue blocks until a task is available or stop is closed.
func (q *taskQueue) dequeue(stop <-chan struct{}) (types.Task, bool) {
	for {
		q.mu.Lock()
		if q.h.Len() > 0 {
			item := heap.Pop(&q.h).(*taskItem)
			q.mu.Unlock()
			return item.task, true
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
			continue
		case <-stop:
			return types.Task{}, false
		}
	}
}

func (q *taskQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}
