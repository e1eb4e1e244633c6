package usync

import (
	"github.com/joeycumines/uruntime/spinlock"
	"github.com/joeycumines/uruntime/task"
	"github.com/joeycumines/uruntime/uerr"
	"github.com/joeycumines/uruntime/ulog"
)

// Lock is the yielding lock: a binary semaphore built
// directly on spinlock.SpinLock. Unlike SpinLock itself, a contended
// Acquire reschedules the caller to Blocked and parks it rather than
// busy-waiting - the primitive every other usync type (OwnerLock,
// CondLock, Semaphore) is, in spirit, a generalisation of.
type Lock struct {
	name string
	spin *spinlock.SpinLock
	log  ulog.Logger

	held    bool
	holder  *task.Task
	waiters []*task.Task
}

// NewLock constructs a free Lock.
func NewLock(name string, log ulog.Logger) *Lock {
	if log == nil {
		log = ulog.NoOp()
	}
	return &Lock{name: name, spin: spinlock.New(spinlock.Config{Name: name + ".lock", Logger: log}), log: log}
}

// Acquire blocks t until the lock is free, then takes it. Unlike
// OwnerLock, re-entering from the current holder blocks like any other
// caller - this is the plain binary lock, not the recursive one.
func (l *Lock) Acquire(t *task.Task) {
	l.spin.Acquire()
	if !l.held {
		l.held = true
		l.holder = t
		_ = l.spin.Release()
		return
	}
	t.Arm()
	l.waiters = append(l.waiters, t)
	_ = l.spin.Release()
	t.Park()
}

// TryAcquire takes the lock only if free, never blocking.
func (l *Lock) TryAcquire(t *task.Task) bool {
	l.spin.Acquire()
	defer func() { _ = l.spin.Release() }()
	if l.held {
		return false
	}
	l.held = true
	l.holder = t
	return true
}

// Release hands the lock to the head waiter, if any, or marks it free.
func (l *Lock) Release(t *task.Task) error {
	l.spin.Acquire()
	if !l.held || l.holder != t {
		_ = l.spin.Release()
		return uerr.New(uerr.KernelFailure, t.Name, "Release called by a task that does not hold the lock "+l.name)
	}
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.holder = next
		_ = l.spin.Release()
		next.Unblock()
		return nil
	}
	l.held = false
	l.holder = nil
	_ = l.spin.Release()
	return nil
}

// Held reports whether the lock is currently taken, for diagnostics.
func (l *Lock) Held() bool {
	l.spin.Acquire()
	defer func() { _ = l.spin.Release() }()
	return l.held
}

// WaiterCount reports the current waiter queue depth, for diagnostics.
func (l *Lock) WaiterCount() int {
	l.spin.Acquire()
	defer func() { _ = l.spin.Release() }()
	return len(l.waiters)
}
