// Package uevent implements the timed event list: one-shot and interval
// wake-ups ordered by deadline. In this module package uruntime's
// uniprocessor idle fallback sleeps until and advances it; the usync and
// monitor timeouts and the NBIO poller's wait bound run on their own
// timers instead.
//
// The list is a binary min-heap ordered by deadline. container/heap over
// a slice is all this needs; the heap is small and the hot operations are
// peek-min and pop-expired.
package uevent

import (
	"container/heap"
	"sync"
	"time"

	"github.com/joeycumines/uruntime/ulog"
)

// Node is a single scheduled event. Handler is invoked by List.Advance once
// Deadline has passed; it runs on the caller's goroutine (the processor
// kernel, for the runtime's own use), so it must not block.
type Node struct {
	Deadline time.Time
	Handler  func()
	Interval time.Duration // zero for one-shot events
	index    int           // heap index, maintained by container/heap
	canceled bool
}

type minHeap []*Node

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].Deadline.Before(h[j].Deadline) }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *minHeap) Push(x any)         { n := x.(*Node); n.index = len(*h); *h = append(*h, n) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// List is a thread-safe ordered set of pending timed events.
type List struct {
	mu  sync.Mutex
	h   minHeap
	log ulog.Logger
}

// New constructs an empty event list.
func New(log ulog.Logger) *List {
	if log == nil {
		log = ulog.NoOp()
	}
	l := &List{log: log}
	heap.Init(&l.h)
	return l
}

// Schedule inserts a one-shot event firing at deadline.
func (l *List) Schedule(deadline time.Time, handler func()) *Node {
	n := &Node{Deadline: deadline, Handler: handler}
	l.mu.Lock()
	heap.Push(&l.h, n)
	l.mu.Unlock()
	return n
}

// ScheduleAfter is a convenience wrapper around Schedule using a relative
// duration from time.Now().
func (l *List) ScheduleAfter(d time.Duration, handler func()) *Node {
	return l.Schedule(time.Now().Add(d), handler)
}

// ScheduleInterval inserts a recurring event that reschedules itself every
// interval after firing, until Cancel is called.
func (l *List) ScheduleInterval(first time.Time, interval time.Duration, handler func()) *Node {
	n := &Node{Deadline: first, Interval: interval, Handler: handler}
	l.mu.Lock()
	heap.Push(&l.h, n)
	l.mu.Unlock()
	return n
}

// Cancel removes a node from the list, if still present. Safe to call
// after the node has already fired (a no-op in that case).
func (l *List) Cancel(n *Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n.canceled = true
	if n.index >= 0 && n.index < len(l.h) && l.h[n.index] == n {
		heap.Remove(&l.h, n.index)
	}
}

// Len reports the number of pending events.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.Len()
}

// NextDeadline returns the deadline of the earliest pending event, and
// whether the list is non-empty. uruntime's uniprocessor idle fallback
// uses this to decide how long to sleep before calling Advance.
func (l *List) NextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.h.Len() == 0 {
		return time.Time{}, false
	}
	return l.h[0].Deadline, true
}

// Advance fires every event whose deadline has passed as of now, requeuing
// interval events, and returns how many handlers ran.
func (l *List) Advance(now time.Time) int {
	var due []*Node
	l.mu.Lock()
	for l.h.Len() > 0 && !l.h[0].Deadline.After(now) {
		n := heap.Pop(&l.h).(*Node)
		if n.canceled {
			continue
		}
		due = append(due, n)
		if n.Interval > 0 {
			n.Deadline = now.Add(n.Interval)
			n.canceled = false
			heap.Push(&l.h, n)
		}
	}
	l.mu.Unlock()

	for _, n := range due {
		ulog.Debug(l.log, "event", "firing timed event", map[string]any{"deadline": n.Deadline})
		n.Handler()
	}
	return len(due)
}
