package worker

import (
	"container/heap"
	"math"
	"sync"

	"github.com/bozzfozz/harmony-sub003/internal/model"
)

// queueItem is one entry in the in-memory priority queue. A nil job is the
// poison pill that tells a worker loop to exit; it carries the maximum
// priority so shutdown is prompt. Remaining real jobs stay pending in the
// durable store and are replayed on the next start.
type queueItem struct {
	priority int
	seq      uint64
	job      *model.Job
}

// jobQueue is a blocking priority queue: higher priority dequeues first,
// equal priority is FIFO by submission order.
type jobQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items itemHeap
	seq   uint64
}

func newJobQueue() *jobQueue {
	q := &jobQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds a job with the given priority.
func (q *jobQueue) Push(priority int, job *model.Job) {
	q.push(priority, job)
}

// PushSentinel adds one poison pill. Each worker loop consumes exactly one.
func (q *jobQueue) PushSentinel() {
	q.push(math.MaxInt, nil)
}

func (q *jobQueue) push(priority int, job *model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.items, &queueItem{priority: priority, seq: q.seq, job: job})
	q.cond.Signal()
}

// Pop blocks until an entry is available and returns it.
func (q *jobQueue) Pop() *queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 {
		q.cond.Wait()
	}
	return heap.Pop(&q.items).(*queueItem)
}

// Len returns the number of queued entries.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*queueItem)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
