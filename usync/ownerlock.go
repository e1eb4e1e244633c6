// Package usync implements the synchronisation primitives layered above
// the spin lock: the plain yielding lock, the recursive owner lock, the
// condition lock built on top of it, and the counting semaphore.
//
// Every primitive here blocks by calling task.Task.Arm/Park/Unblock,
// with Arm before the waiter becomes visible on the primitive's own
// waiter list (closing the lost-wakeup window a plain Block/Unblock pair
// would otherwise have) and the primitive's spin lock released before
// Park. Park itself picks the right way to wait for where the task is
// running: under a Processor's dispatch it hands control back to the
// kernel, which picks the next ready task, and the waker's Unblock later
// requeues the task on its cluster; on a dedicated goroutine it parks
// that goroutine in place. Either way the blocked task's stack is not
// touched again until its wakeup.
package usync

import (
	"github.com/joeycumines/uruntime/spinlock"
	"github.com/joeycumines/uruntime/task"
	"github.com/joeycumines/uruntime/uerr"
	"github.com/joeycumines/uruntime/ulog"
)

// OwnerLock is a recursive mutex: the current owner may re-acquire it
// without blocking, and it tracks a FIFO waiter queue so ownership
// transfers fairly. The short critical sections that manipulate owner
// and the waiter queue are themselves protected by a spinlock.SpinLock,
// the same primitive the kernel uses for its own bookkeeping locks.
type OwnerLock struct {
	name string
	spin *spinlock.SpinLock
	log  ulog.Logger

	owner   *task.Task
	count   int
	waiters []*task.Task
}

// NewOwnerLock constructs a free OwnerLock.
func NewOwnerLock(name string, log ulog.Logger) *OwnerLock {
	if log == nil {
		log = ulog.NoOp()
	}
	return &OwnerLock{name: name, spin: spinlock.New(spinlock.Config{Name: name + ".owner", Logger: log}), log: log}
}

// Acquire blocks t until it owns the lock. Acquiring while already the
// owner increments the recursion count instead of blocking.
func (l *OwnerLock) Acquire(t *task.Task) {
	l.spin.Acquire()
	if l.owner == nil {
		l.owner = t
		l.count = 1
		_ = l.spin.Release()
		return
	}
	if l.owner == t {
		l.count++
		_ = l.spin.Release()
		return
	}
	t.Arm()
	l.waiters = append(l.waiters, t)
	_ = l.spin.Release()
	t.Park()
}

// TryAcquire attempts to acquire without blocking, ever.
func (l *OwnerLock) TryAcquire(t *task.Task) bool {
	l.spin.Acquire()
	defer func() { _ = l.spin.Release() }()
	if l.owner == nil {
		l.owner = t
		l.count = 1
		return true
	}
	if l.owner == t {
		l.count++
		return true
	}
	return false
}

// Release decrements the recursion count; at zero it transfers ownership
// to the head waiter (atomically: new owner set, count=1) or clears
// owner if none are waiting.
func (l *OwnerLock) Release(t *task.Task) error {
	l.spin.Acquire()
	if l.owner != t {
		_ = l.spin.Release()
		return uerr.New(uerr.KernelFailure, t.Name, "Release called by a task that does not own the lock "+l.name)
	}
	l.count--
	if l.count > 0 {
		_ = l.spin.Release()
		return nil
	}
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.owner = next
		l.count = 1
		_ = l.spin.Release()
		next.Unblock()
		return nil
	}
	l.owner = nil
	_ = l.spin.Release()
	return nil
}

// enqueueOrGrant is the building block package usync's CondLock uses to
// implement signal/broadcast/timeout: it performs exactly the
// enqueue-or-become-owner step of Acquire on behalf of a task that is
// not actually calling Acquire itself (it is being handed the lock by a
// condition). Returns true if ownership was granted immediately.
func (l *OwnerLock) enqueueOrGrant(t *task.Task) bool {
	l.spin.Acquire()
	defer func() { _ = l.spin.Release() }()
	if l.owner == nil {
		l.owner = t
		l.count = 1
		return true
	}
	l.waiters = append(l.waiters, t)
	return false
}

// forceRelease fully releases the lock regardless of recursion depth,
// returning the depth that was in effect, for CondLock.Wait to restore
// conceptually on reacquire (reacquire always comes back in with count
// 1, matching typical monitor-condition semantics; a lock held
// recursively more than once when Wait is called is a caller error in
// this simplified, non-monitor-core rendition - see monitor.Serial for
// the fully recursive version used by mutex objects).
func (l *OwnerLock) forceRelease(t *task.Task) (savedCount int, err error) {
	l.spin.Acquire()
	if l.owner != t {
		_ = l.spin.Release()
		return 0, uerr.New(uerr.KernelFailure, t.Name, "Wait called without holding the lock "+l.name)
	}
	savedCount = l.count
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.owner = next
		l.count = 1
		_ = l.spin.Release()
		next.Unblock()
		return savedCount, nil
	}
	l.owner = nil
	l.count = 0
	_ = l.spin.Release()
	return savedCount, nil
}

// Owner returns the current owning task, or nil if free. For
// diagnostics/tests only.
func (l *OwnerLock) Owner() *task.Task {
	l.spin.Acquire()
	defer func() { _ = l.spin.Release() }()
	return l.owner
}

// WaiterCount reports the current waiter queue depth, for diagnostics.
func (l *OwnerLock) WaiterCount() int {
	l.spin.Acquire()
	defer func() { _ = l.spin.Release() }()
	return len(l.waiters)
}
