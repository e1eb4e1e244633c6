// Package monitor implements the serial monitor core that backs mutex
// objects: entry/leave, the accept statement, destructor semantics, and
// the priority-inheritance hook on entry-queue insertion. Ordering
// matters throughout - mask-clear before ownership transfer,
// recursion-count save/restore around accepts, LIFO discipline on the
// acceptor/signalled stack - and each operation's comment states the
// invariant it preserves.
package monitor

import (
	"time"

	"github.com/joeycumines/uruntime/spinlock"
	"github.com/joeycumines/uruntime/task"
	"github.com/joeycumines/uruntime/uerr"
	"github.com/joeycumines/uruntime/ulog"
)

// Reserved entry-mask bit positions; user-declared entry members start
// at bit 2.
const (
	BitTimeout    uint = 0
	BitDestructor uint = 1
	firstUserBit  uint = 2
)

// MemberBit returns the entry-mask bit position for the i'th
// user-declared entry member (0-based).
func MemberBit(i int) uint { return firstUserBit + uint(i) }

func maskOf(bits []uint) uint64 {
	var m uint64
	for _, b := range bits {
		m |= 1 << b
	}
	return m
}

// acceptorEntry is one frame on the acceptor/signalled stack: a task
// that handed off ownership via Accept and is waiting to regain it, plus
// the slot its eventually-accepted member bit is written into.
type acceptorEntry struct {
	t         *task.Task
	resultBit uint
}

// Config configures a new Serial.
type Config struct {
	Name     string
	Logger   ulog.Logger
	Priority bool // true selects a priority-ordered entry queue and owner priority inheritance; member queues stay FIFO
}

// Serial is the monitor core: the synchronisation primitive that
// serialises calls into a mutex object's entry members.
type Serial struct {
	name     string
	spin     *spinlock.SpinLock
	log      ulog.Logger
	priority bool

	owner     *task.Task
	recursion int
	mask      uint64

	entryQueue    []*task.Task
	memberQueue   map[uint][]*task.Task
	acceptorStack []*acceptorEntry
	openAccept    *acceptorEntry

	notAlive bool

	// failed holds the error a blocked Enter/Accept call must return
	// once woken, for destructor teardown (woken with EntryFailure
	// instead of granted ownership) and rendezvous failure propagation.
	failed map[*task.Task]error
}

// New constructs a live Serial.
func New(cfg Config) *Serial {
	log := cfg.Logger
	if log == nil {
		log = ulog.NoOp()
	}
	return &Serial{
		name:        cfg.Name,
		spin:        spinlock.New(spinlock.Config{Name: cfg.Name + ".serial", Logger: log}),
		log:         log,
		priority:    cfg.Priority,
		mask:        ^uint64(0),
		memberQueue: make(map[uint][]*task.Task),
		failed:      make(map[*task.Task]error),
	}
}

// Enter is called by an entry member on the caller: it accepts
// immediately when the member's mask bit is open, recurses when the
// caller already owns the monitor, and otherwise queues and blocks.
func (s *Serial) Enter(t *task.Task, bit uint) error {
	s.spin.Acquire()
	if s.notAlive {
		_ = s.spin.Release()
		return uerr.New(uerr.EntryFailure, t.Name, "enter on destroyed monitor "+s.name)
	}
	if s.mask&(1<<bit) != 0 {
		s.resolveOpenAcceptLocked(bit)
		s.mask = 0
		s.owner = t
		s.recursion = 0
		ulog.Debug(s.log, "monitor", "immediate accept", map[string]any{"serial": s.name, "task": t.Name, "bit": bit})
		_ = s.spin.Release()
		return nil
	}
	if s.owner == t {
		s.recursion++
		ulog.Debug(s.log, "monitor", "recursive entry", map[string]any{"serial": s.name, "task": t.Name, "mutexRecursion": s.recursion})
		_ = s.spin.Release()
		return nil
	}
	s.insertEntryQueueLocked(t)
	s.memberQueue[bit] = append(s.memberQueue[bit], t)
	if s.priority && s.owner != nil {
		s.owner.Inherit(t)
	}
	ulog.Debug(s.log, "monitor", "blocked on entry", map[string]any{"serial": s.name, "task": t.Name, "bit": bit, "entryQueueLen": len(s.entryQueue)})
	t.Arm()
	_ = s.spin.Release()
	t.Park()
	return s.takeFailure(t)
}

// EnterDestructor is Enter for the reserved destructor entry. Once it is
// actually accepted (becomes owner), the monitor is marked not-alive:
// every task still parked on the monitor - blocked entrants and tasks
// waiting on the acceptor/signalled stack alike - is woken with
// EntryFailure, and every subsequent Enter call fails immediately.
func (s *Serial) EnterDestructor(t *task.Task) error {
	if err := s.Enter(t, BitDestructor); err != nil {
		return err
	}
	s.spin.Acquire()
	s.notAlive = true
	pending := s.drainAllWaitersLocked()
	_ = s.spin.Release()
	ulog.Debug(s.log, "monitor", "destructor accepted", map[string]any{"serial": s.name, "failing": len(pending)})
	for _, w := range pending {
		s.spin.Acquire()
		s.failed[w] = uerr.New(uerr.EntryFailure, w.Name, "monitor "+s.name+" destroyed while blocked on it")
		_ = s.spin.Release()
		w.Unblock()
	}
	return nil
}

// Leave is called at member end: decrements recursion, or transfers
// ownership - acceptor stack first, then entry queue, else the mask
// reopens.
func (s *Serial) Leave(t *task.Task) error {
	return s.leave(t, nil)
}

// LeaveWithFailure is Leave called when the member body t was running
// failed with cause. If t is handing ownership back to an acceptor (it
// was running because an Accept statement chose it), the acceptor
// receives cause as an asynchronous RendezvousFailure instead of a
// silent resume.
func (s *Serial) LeaveWithFailure(t *task.Task, cause error) error {
	return s.leave(t, cause)
}

func (s *Serial) leave(t *task.Task, cause error) error {
	s.spin.Acquire()
	if s.owner != t {
		_ = s.spin.Release()
		return uerr.New(uerr.KernelFailure, t.Name, "Leave called by a task that does not own the monitor "+s.name)
	}
	if s.recursion > 0 {
		s.recursion--
		_ = s.spin.Release()
		return nil
	}
	t.Uninherit()

	if n := len(s.acceptorStack); n > 0 {
		entry := s.acceptorStack[n-1]
		s.acceptorStack = s.acceptorStack[:n-1]
		s.owner = entry.t
		s.recursion = 0
		ulog.Debug(s.log, "monitor", "leave transfers to acceptor", map[string]any{"serial": s.name, "from": t.Name, "to": entry.t.Name})
		_ = s.spin.Release()
		if cause != nil {
			entry.t.RaiseAsync(uerr.Wrap(uerr.RendezvousFailure, entry.t.Name, "accepted member failed before rendezvous completed", cause))
		}
		entry.t.Unblock()
		return nil
	}

	if next, bit, ok := s.popEntryQueueLocked(); ok {
		s.removeFromMemberQueueLocked(bit, next)
		s.owner = next
		s.recursion = 0
		ulog.Debug(s.log, "monitor", "leave transfers to entry queue", map[string]any{"serial": s.name, "from": t.Name, "to": next.Name, "bit": bit})
		_ = s.spin.Release()
		next.Unblock()
		return nil
	}

	s.mask = ^uint64(0)
	s.owner = nil
	ulog.Debug(s.log, "monitor", "leave reopens mask", map[string]any{"serial": s.name, "from": t.Name})
	_ = s.spin.Release()
	return nil
}

// Accept implements the accept statement: bits lists the entry members
// currently acceptable. If timeout > 0, the accept blocks at most that
// long before self-accepting the reserved timeout member. If hasElse is
// true and no caller is immediately available, Accept returns
// (0, true, nil) without blocking.
func (s *Serial) Accept(t *task.Task, bits []uint, timeout time.Duration, hasElse bool) (acceptedBit uint, tookElse bool, err error) {
	s.spin.Acquire()

	for _, bit := range bits {
		q := s.memberQueue[bit]
		if len(q) == 0 {
			continue
		}
		callee := q[0]
		s.memberQueue[bit] = q[1:]
		s.removeFromEntryQueueLocked(callee)
		entry := &acceptorEntry{t: t, resultBit: bit}
		s.acceptorStack = append(s.acceptorStack, entry)
		s.owner = callee
		s.recursion = 0
		t.Arm()
		_ = s.spin.Release()
		callee.Unblock()
		t.Park()
		return s.resolveAcceptedBit(t, entry)
	}

	if hasElse {
		_ = s.spin.Release()
		return 0, true, nil
	}

	entry := &acceptorEntry{t: t}
	s.acceptorStack = append(s.acceptorStack, entry)
	s.openAccept = entry
	s.mask |= maskOf(bits)
	t.Arm()

	if timeout > 0 {
		_ = s.spin.Release()
		timer := time.AfterFunc(timeout, func() { s.enterTimeout(t, entry, bits) })
		t.Park()
		timer.Stop()
		return s.resolveAcceptedBit(t, entry)
	}

	_ = s.spin.Release()
	t.Park()
	return s.resolveAcceptedBit(t, entry)
}

// enterTimeout is the kernel-serviced fast path for a timed-out Accept:
// the timeout member (bit 0) is accepted in place, without the expiring
// task ever needing to be handed off through another task's Enter/Leave
// pair.
func (s *Serial) enterTimeout(t *task.Task, entry *acceptorEntry, bits []uint) {
	s.spin.Acquire()
	if s.openAccept != entry {
		// a real caller already resolved this accept.
		_ = s.spin.Release()
		return
	}
	s.openAccept = nil
	s.mask &^= maskOf(bits)
	s.removeAcceptorEntryLocked(entry)
	entry.resultBit = BitTimeout
	s.owner = t
	s.recursion = 0
	ulog.Debug(s.log, "monitor", "accept timed out", map[string]any{"serial": s.name, "task": t.Name})
	_ = s.spin.Release()
	t.Unblock()
}

func (s *Serial) resolveAcceptedBit(t *task.Task, entry *acceptorEntry) (uint, bool, error) {
	if err := s.takeFailure(t); err != nil {
		return 0, false, err
	}
	return entry.resultBit, false, nil
}

// resolveOpenAcceptLocked is called from Enter's immediate-accept path:
// a live caller arrived for a bit that an in-progress Accept left open,
// so the accept's result is this bit rather than a timeout.
func (s *Serial) resolveOpenAcceptLocked(bit uint) {
	if s.openAccept != nil {
		s.openAccept.resultBit = bit
		s.openAccept = nil
	}
}

func (s *Serial) takeFailure(t *task.Task) error {
	s.spin.Acquire()
	defer func() { _ = s.spin.Release() }()
	if err, ok := s.failed[t]; ok {
		delete(s.failed, t)
		return err
	}
	return nil
}

func (s *Serial) insertEntryQueueLocked(t *task.Task) {
	if !s.priority {
		s.entryQueue = append(s.entryQueue, t)
		return
	}
	i := 0
	for ; i < len(s.entryQueue); i++ {
		if s.entryQueue[i].ActivePriority() > t.ActivePriority() {
			break
		}
	}
	s.entryQueue = append(s.entryQueue, nil)
	copy(s.entryQueue[i+1:], s.entryQueue[i:])
	s.entryQueue[i] = t
}

func (s *Serial) popEntryQueueLocked() (*task.Task, uint, bool) {
	if len(s.entryQueue) == 0 {
		return nil, 0, false
	}
	t := s.entryQueue[0]
	s.entryQueue = s.entryQueue[1:]
	for bit, q := range s.memberQueue {
		for _, w := range q {
			if w == t {
				return t, bit, true
			}
		}
	}
	return t, 0, true
}

func (s *Serial) removeFromEntryQueueLocked(t *task.Task) {
	for i, w := range s.entryQueue {
		if w == t {
			s.entryQueue = append(s.entryQueue[:i], s.entryQueue[i+1:]...)
			return
		}
	}
}

func (s *Serial) removeFromMemberQueueLocked(bit uint, t *task.Task) {
	q := s.memberQueue[bit]
	for i, w := range q {
		if w == t {
			s.memberQueue[bit] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (s *Serial) removeAcceptorEntryLocked(entry *acceptorEntry) {
	for i, e := range s.acceptorStack {
		if e == entry {
			s.acceptorStack = append(s.acceptorStack[:i], s.acceptorStack[i+1:]...)
			return
		}
	}
}

// drainAllWaitersLocked empties the entry queue, every member queue, and
// the acceptor/signalled stack (including an in-progress blocking
// Accept), returning every task that was parked on the monitor, for the
// destructor to fail out. Both stacks matter: a task blocked in Accept
// is parked on the acceptor stack, not the entry queue, and skipping it
// would leave it parked forever. Caller holds s.spin.
func (s *Serial) drainAllWaitersLocked() []*task.Task {
	out := append([]*task.Task(nil), s.entryQueue...)
	s.entryQueue = nil
	s.memberQueue = make(map[uint][]*task.Task)
	for _, e := range s.acceptorStack {
		out = append(out, e.t)
	}
	s.acceptorStack = nil
	s.openAccept = nil
	return out
}

// Owner returns the current owning task, or nil if free (diagnostics).
func (s *Serial) Owner() *task.Task {
	s.spin.Acquire()
	defer func() { _ = s.spin.Release() }()
	return s.owner
}

// NotAlive reports whether the destructor has been accepted.
func (s *Serial) NotAlive() bool {
	s.spin.Acquire()
	defer func() { _ = s.spin.Release() }()
	return s.notAlive
}

// EntryQueueLen reports how many tasks are waiting to enter, for
// diagnostics and deadlock-detector accounting.
func (s *Serial) EntryQueueLen() int {
	s.spin.Acquire()
	defer func() { _ = s.spin.Release() }()
	return len(s.entryQueue)
}
