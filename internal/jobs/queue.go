package jobs

import (
	"container/heap"
	"sync"
)

// queued is one entry in the priority queue.
type queued struct {
	jobID    string
	priority int
	seq      uint64 // FIFO tie-break within a priority
	index    int
}

type jobHeap []*queued

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*queued)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a concurrency-safe priority queue: higher priority dequeues
// first, ties break FIFO. It is the one contended structure shared by the
// JobManager (producer) and the worker pool (consumers).
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   jobHeap
	seq    uint64
	closed bool
}

func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a job ID at the given priority.
func (q *Queue) Push(jobID string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.seq++
	heap.Push(&q.heap, &queued{jobID: jobID, priority: priority, seq: q.seq})
	q.cond.Signal()
}

// Pop blocks until a job is available or the queue closes. The second
// return is false once the queue is closed and drained.
func (q *Queue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.heap) == 0 {
		return "", false
	}
	item := heap.Pop(&q.heap).(*queued)
	return item.jobID, true
}

// Remove drops a queued job by ID, if present.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.heap {
		if item.jobID == jobID {
			heap.Remove(&q.heap, item.index)
			return true
		}
	}
	return false
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Close wakes all blocked consumers; subsequent Pops return false once the
// heap drains.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
