package usync

import (
	"time"

	"github.com/joeycumines/uruntime/spinlock"
	"github.com/joeycumines/uruntime/task"
	"github.com/joeycumines/uruntime/uerr"
	"github.com/joeycumines/uruntime/ulog"
)

// Semaphore is a counting semaphore with a FIFO waiter queue: P/V plus
// a timed P and a combined "signal one semaphore then wait on another"
// variant used by rendezvous-style hand-offs.
type Semaphore struct {
	name    string
	spin    *spinlock.SpinLock
	log     ulog.Logger
	count   int
	waiters []*semWaiter
}

type semWaiter struct {
	t       *task.Task
	expired bool
	removed bool
}

// NewSemaphore constructs a semaphore with the given initial count.
func NewSemaphore(name string, count int, log ulog.Logger) *Semaphore {
	if log == nil {
		log = ulog.NoOp()
	}
	return &Semaphore{name: name, spin: spinlock.New(spinlock.Config{Name: name + ".sem", Logger: log}), log: log, count: count}
}

// P decrements the count, blocking t if it goes negative.
func (s *Semaphore) P(t *task.Task) {
	s.spin.Acquire()
	s.count--
	if s.count >= 0 {
		_ = s.spin.Release()
		return
	}
	w := &semWaiter{t: t}
	t.Arm()
	s.waiters = append(s.waiters, w)
	_ = s.spin.Release()
	t.Park()
}

// TryP attempts P without ever blocking.
func (s *Semaphore) TryP(t *task.Task) bool {
	s.spin.Acquire()
	defer func() { _ = s.spin.Release() }()
	if s.count > 0 {
		s.count--
		return true
	}
	return false
}

// PTimeout is P with a deadline; it reports whether the wait expired
// before a matching V arrived. An expiry gives the slot back (the count
// decrement is undone) rather than consuming it.
func (s *Semaphore) PTimeout(t *task.Task, d time.Duration) bool {
	s.spin.Acquire()
	s.count--
	if s.count >= 0 {
		_ = s.spin.Release()
		return false
	}
	w := &semWaiter{t: t}
	t.Arm()
	s.waiters = append(s.waiters, w)
	_ = s.spin.Release()

	timer := time.AfterFunc(d, func() {
		s.spin.Acquire()
		found := s.takeWaiterLocked(w)
		if found {
			s.count++
		}
		_ = s.spin.Release()
		if found {
			w.expired = true
			t.Unblock()
		}
	})
	t.Park()
	timer.Stop()
	return w.expired
}

// V increments the count, waking the longest-waiting blocked task, if
// any.
func (s *Semaphore) V() {
	s.spin.Acquire()
	s.count++
	if s.count <= 0 && len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		_ = s.spin.Release()
		w.t.Unblock()
		return
	}
	_ = s.spin.Release()
}

// SignalWait performs "V on signal, then P on s" as a single step from
// the caller's perspective: a standard pattern for handing control from
// one task to another without an intervening window where neither
// semaphore reflects the handoff.
func (s *Semaphore) SignalWait(t *task.Task, signal *Semaphore) {
	signal.V()
	s.P(t)
}

// Count reports the current signed count (diagnostics/tests only).
func (s *Semaphore) Count() int {
	s.spin.Acquire()
	defer func() { _ = s.spin.Release() }()
	return s.count
}

// Close reports an error if the semaphore still has blocked waiters;
// destroying a semaphore out from under a waiting task is a kernel
// failure, not a silent leak.
func (s *Semaphore) Close() error {
	s.spin.Acquire()
	defer func() { _ = s.spin.Release() }()
	if len(s.waiters) > 0 {
		return uerr.New(uerr.KernelFailure, s.name, "semaphore destroyed with waiters still blocked")
	}
	return nil
}

func (s *Semaphore) takeWaiterLocked(target *semWaiter) bool {
	for i, w := range s.waiters {
		if w == target {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			target.removed = true
			return true
		}
	}
	return false
}
