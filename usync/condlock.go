package usync

import (
	"time"

	"github.com/joeycumines/uruntime/spinlock"
	"github.com/joeycumines/uruntime/task"
	"github.com/joeycumines/uruntime/uerr"
	"github.com/joeycumines/uruntime/ulog"
)

// condWaiter is one task parked in a CondLock's FIFO, remembering which
// OwnerLock it must be handed back to.
type condWaiter struct {
	t        *task.Task
	lock     *OwnerLock
	timedOut bool
	removed  bool
	failed   error // set by Close before the waiter is woken
}

// CondLock is a condition variable usable with any OwnerLock. Signal and
// Broadcast do not themselves wake a waiter's goroutine: they perform
// the enqueue-or-become-owner step of the remembered lock on the
// waiter's behalf - the head waiter joins its owner lock's waiting list,
// or becomes owner if the lock is free - and only call Unblock when that
// grants ownership immediately. A waiter
// handed into the lock's own waiter list instead wakes later, through
// that lock's normal Release transfer - so a spurious wake can never
// skip re-acquiring the lock. Wait/WaitTimeout Arm the waiting task
// before it is added to c.waiters (see task.Task.Arm), so a Signal that
// races in between releasing the owner lock and the waiter's own Park
// call still wakes it instead of losing the wakeup.
type CondLock struct {
	name    string
	spin    *spinlock.SpinLock
	log     ulog.Logger
	waiters []*condWaiter
}

// NewCondLock constructs an empty condition variable.
func NewCondLock(name string, log ulog.Logger) *CondLock {
	if log == nil {
		log = ulog.NoOp()
	}
	return &CondLock{name: name, spin: spinlock.New(spinlock.Config{Name: name + ".cond", Logger: log}), log: log}
}

// Wait releases lock (fully, regardless of recursion depth) and blocks t
// until a Signal/Broadcast or WaitTimeout deadline hands it back. t is
// armed (see task.Task.Arm) before it is ever visible on c.waiters, so a
// Signal racing in right after lock.forceRelease - before this goroutine
// reaches Park - still wakes it rather than losing the wakeup.
func (c *CondLock) Wait(t *task.Task, lock *OwnerLock) error {
	w := &condWaiter{t: t, lock: lock}
	t.Arm()
	c.spin.Acquire()
	c.waiters = append(c.waiters, w)
	_ = c.spin.Release()

	if _, err := lock.forceRelease(t); err != nil {
		c.removeWaiter(w)
		t.Disarm() // this waiter never reaches Park
		return err
	}
	t.Park()
	return w.failed
}

// WaitTimeout is Wait with a deadline. It reports whether the wait timed
// out before being signalled. On timeout the waiter is moved directly
// into lock's own acquire path, exactly as a signal would, so the
// caller still reacquires the lock before WaitTimeout returns.
func (c *CondLock) WaitTimeout(t *task.Task, lock *OwnerLock, d time.Duration) (timedOut bool, err error) {
	w := &condWaiter{t: t, lock: lock}
	t.Arm()
	c.spin.Acquire()
	c.waiters = append(c.waiters, w)
	_ = c.spin.Release()

	if _, ferr := lock.forceRelease(t); ferr != nil {
		c.removeWaiter(w)
		t.Disarm() // this waiter never reaches Park
		return false, ferr
	}

	timer := time.AfterFunc(d, func() {
		c.spin.Acquire()
		found := c.takeWaiterLocked(w)
		_ = c.spin.Release()
		if found {
			w.timedOut = true
			if lock.enqueueOrGrant(t) {
				t.Unblock()
			}
		}
	})
	t.Park()
	timer.Stop()
	return w.timedOut, w.failed
}

// Signal wakes (or queues for handoff) the single longest-waiting task,
// if any.
func (c *CondLock) Signal() {
	c.spin.Acquire()
	if len(c.waiters) == 0 {
		_ = c.spin.Release()
		return
	}
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	_ = c.spin.Release()
	c.handoff(w)
}

// Broadcast wakes (or queues for handoff) every currently waiting task.
func (c *CondLock) Broadcast() {
	c.spin.Acquire()
	ws := c.waiters
	c.waiters = nil
	_ = c.spin.Release()
	for _, w := range ws {
		c.handoff(w)
	}
}

func (c *CondLock) handoff(w *condWaiter) {
	if w.removed {
		return
	}
	if w.lock.enqueueOrGrant(w.t) {
		w.t.Unblock()
	}
}

// Close destroys the condition. Any task still parked on it is woken
// with WaitingFailure from its Wait/WaitTimeout call - without the
// owner lock, since the wait itself failed rather than completing. The
// same error is returned to the closer when waiters were present, so
// the destruction site can observe the misuse too.
func (c *CondLock) Close() error {
	c.spin.Acquire()
	ws := c.waiters
	c.waiters = nil
	_ = c.spin.Release()
	for _, w := range ws {
		w.removed = true
		w.failed = uerr.New(uerr.WaitingFailure, w.t.Name, "condition "+c.name+" destroyed while task waited on it")
		w.t.Unblock()
	}
	if len(ws) > 0 {
		return uerr.New(uerr.WaitingFailure, "", "condition "+c.name+" destroyed with waiters still parked")
	}
	return nil
}

// Len reports the number of tasks currently parked on this condition.
func (c *CondLock) Len() int {
	c.spin.Acquire()
	defer func() { _ = c.spin.Release() }()
	return len(c.waiters)
}

func (c *CondLock) removeWaiter(target *condWaiter) {
	c.spin.Acquire()
	c.takeWaiterLocked(target)
	_ = c.spin.Release()
}

// takeWaiterLocked removes target from c.waiters if still present,
// reporting whether it was found. Caller holds c.spin.
func (c *CondLock) takeWaiterLocked(target *condWaiter) bool {
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			target.removed = true
			return true
		}
	}
	return false
}
