// Package cluster implements the per-cluster ready queue and the cluster
// object itself: the group of processors that share that ready queue, an
// idle-processor list, and a non-blocking I/O multiplexor.
//
// ReadyQueue is an interface so a Cluster can be configured with either
// the default FIFO strategy or a priority strategy.
package cluster

import (
	"container/heap"

	"github.com/joeycumines/uruntime/spinlock"
	"github.com/joeycumines/uruntime/task"
)

// ReadyQueue is the strategy interface a Cluster delegates ready-task
// ordering to. Implementations are not required to be safe for concurrent
// use by themselves; Cluster serialises access with its own spin lock.
type ReadyQueue interface {
	// Push admits a Ready task at the queue's tail (FIFO) or sorted
	// position (priority).
	Push(t *task.Task)
	// Pop removes and returns the next task to run, or (nil, false) if
	// the queue is empty.
	Pop() (*task.Task, bool)
	// Len reports the number of queued tasks.
	Len() int
}

// fifoQueue is the default ready-queue strategy: plain FIFO using the
// task's own intrusive Next pointer, so admitting or removing a task is
// allocation-free.
type fifoQueue struct {
	head, tail *task.Task
	n          int
}

// NewFIFO constructs the default (non-prioritised) ready-queue strategy.
func NewFIFO() ReadyQueue { return &fifoQueue{} }

func (q *fifoQueue) Push(t *task.Task) {
	t.SetNext(nil)
	t.SetOnList("ready")
	if q.tail == nil {
		q.head, q.tail = t, t
	} else {
		q.tail.SetNext(t)
		q.tail = t
	}
	q.n++
}

func (q *fifoQueue) Pop() (*task.Task, bool) {
	if q.head == nil {
		return nil, false
	}
	t := q.head
	q.head = t.Next()
	if q.head == nil {
		q.tail = nil
	}
	t.SetNext(nil)
	t.SetOnList("")
	q.n--
	return t, true
}

func (q *fifoQueue) Len() int { return q.n }

// priorityHeap is the prioritised ready-queue strategy: a binary min-heap
// ordered by ActivePriority, with FIFO tie-breaking via an admission
// sequence counter (lower sequence runs first among equal priorities) so
// equal-priority tasks are not starved.
type priorityHeap struct {
	items []*pqItem
	seq   uint64
}

type pqItem struct {
	t   *task.Task
	seq uint64
}

// NewPriority constructs the prioritised ready-queue strategy: lower
// task.Priority values (and, among ties, earlier admission) run first.
func NewPriority() ReadyQueue {
	h := &priorityHeap{}
	heap.Init((*pqHeap)(h))
	return h
}

func (q *priorityHeap) Push(t *task.Task) {
	t.SetOnList("ready")
	heap.Push((*pqHeap)(q), &pqItem{t: t, seq: q.seq})
	q.seq++
}

func (q *priorityHeap) Pop() (*task.Task, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	it := heap.Pop((*pqHeap)(q)).(*pqItem)
	it.t.SetOnList("")
	return it.t, true
}

func (q *priorityHeap) Len() int { return len(q.items) }

// pqHeap adapts priorityHeap to container/heap's interface without
// exposing heap.Interface on the public ReadyQueue surface.
type pqHeap priorityHeap

func (h *pqHeap) Len() int { return len(h.items) }
func (h *pqHeap) Less(i, j int) bool {
	pi, pj := h.items[i].t.ActivePriority(), h.items[j].t.ActivePriority()
	if pi != pj {
		return pi < pj
	}
	return h.items[i].seq < h.items[j].seq
}
func (h *pqHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *pqHeap) Push(x any)    { h.items = append(h.items, x.(*pqItem)) }
func (h *pqHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return it
}

// blockingQueue wraps a ReadyQueue with a spin lock and a wake channel so
// a Processor with no work can sleep on the per-cluster wake signal
// instead of busy-polling.
// The ready queue's own push/pop bookkeeping is exactly the kind of brief
// critical section spinlock.SpinLock exists for (package spinlock's own
// doc comment names "ready queues" first among its intended callers).
type blockingQueue struct {
	mu   *spinlock.SpinLock
	q    ReadyQueue
	wake chan struct{}
}

func newBlockingQueue(q ReadyQueue) *blockingQueue {
	return &blockingQueue{
		mu:   spinlock.New(spinlock.Config{Name: "cluster.readyqueue"}),
		q:    q,
		wake: make(chan struct{}, 1),
	}
}

func (b *blockingQueue) push(t *task.Task) {
	b.mu.Acquire()
	b.q.Push(t)
	_ = b.mu.Release()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *blockingQueue) tryPop() (*task.Task, bool) {
	b.mu.Acquire()
	defer func() { _ = b.mu.Release() }()
	return b.q.Pop()
}

func (b *blockingQueue) len() int {
	b.mu.Acquire()
	defer func() { _ = b.mu.Release() }()
	return b.q.Len()
}
