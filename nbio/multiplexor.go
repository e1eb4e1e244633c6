// Package nbio implements the non-blocking I/O multiplexor: one poller
// task per cluster electing itself to run the platform's multiplex
// syscall on behalf of every other waiting task.
//
// The wire-level primitive is epoll_wait/kevent/IOCP rather than bare
// pselect(2): FD_SETSIZE-limited, O(n)-per-call select has no place in a
// production multiplexor. The platform files (poller_linux.go,
// poller_darwin.go, poller_windows.go) are thin syscall shims - interest
// registration plus a wait call returning (fd, events) pairs; all of the
// master-set bookkeeping, waiter routing, and poller election lives
// here: single-poller election, per-fd and mask waiter lists, EINTR
// retry, EBADF broadcast-wake-with-error, timeout-driven early wake.
package nbio

import (
	"sync"
	"time"

	"github.com/joeycumines/uruntime/uerr"
	"github.com/joeycumines/uruntime/ulog"
)

// Config configures a Multiplexor.
type Config struct {
	Name   string
	Logger ulog.Logger
}

// node is a pending wait: either a single-fd waiter (fd>=0) or a mask
// waiter (masks non-nil).
type node struct {
	fd      int // -1 for mask waiters
	want    IOEvents
	wrapper func() (IOEvents, error) // single-fd only; nil => EWOULDBLOCK never retried, raw readiness returned

	masks map[int]IOEvents // mask waiters only

	deadline time.Time // zero means no timeout

	done         chan struct{}
	becomePoller chan struct{}

	result   IOEvents
	results  map[int]IOEvents
	err      error
	timedOut bool
}

// Multiplexor is the per-cluster NBIO state: the master interest sets
// (mirrored into the platform poller), per-fd and mask waiter lists, and
// poller election/hand-off.
type Multiplexor struct {
	name string
	log  ulog.Logger

	poller *poller
	wake   *wakeFD

	// readyBuf is the elected poller's scratch readiness buffer; only
	// one poller is ever elected at a time, so it needs no lock.
	readyBuf []readiness

	mu           sync.Mutex
	singleByFD   map[int][]*node
	registered   map[int]IOEvents // union of interest per fd mirrored into the poller
	order        []*node          // FIFO arrival order, for fair poller hand-off
	pollerActive bool
	closed       bool
	tornDown     bool
}

// New constructs and starts a Multiplexor's underlying platform poller.
func New(cfg Config) *Multiplexor {
	log := cfg.Logger
	if log == nil {
		log = ulog.NoOp()
	}
	p := &poller{}
	if err := p.open(); err != nil {
		// A poller that cannot even be constructed is a fatal kernel
		// condition for this cluster: there is no degraded mode for
		// "no I/O multiplexor".
		panic(uerr.Wrap(uerr.KernelFailure, "", "nbio: poller init failed", err))
	}
	w, err := setupWake(p)
	if err != nil {
		panic(uerr.Wrap(uerr.KernelFailure, "", "nbio: wake fd setup failed", err))
	}
	return &Multiplexor{
		name:       cfg.Name,
		log:        log,
		poller:     p,
		wake:       w,
		singleByFD: make(map[int][]*node),
		registered: make(map[int]IOEvents),
	}
}

// PendingWaiters reports how many SelectWait/SelectMaskWait calls are
// currently parked on this Multiplexor, across every fd and mask waiter.
// Package uruntime consults this in the uniprocessor deadlock fallback: a
// cluster with pending NBIO waiters can still make progress once the
// platform poller reports readiness, so it is not yet deadlocked even with
// an empty ready queue.
func (m *Multiplexor) PendingWaiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	// m.order keeps completed nodes until the next nomination and drops a
	// nominated poller, so count distinct undone nodes here and per fd.
	seen := make(map[*node]struct{})
	for _, n := range m.order {
		if !m.isDoneLocked(n) {
			seen[n] = struct{}{}
		}
	}
	for _, ws := range m.singleByFD {
		for _, n := range ws {
			if !m.isDoneLocked(n) {
				seen[n] = struct{}{}
			}
		}
	}
	return len(seen)
}

// Close tears down the platform poller. Any outstanding waiters are woken
// with IOFailure.
func (m *Multiplexor) Close() error {
	m.mu.Lock()
	m.closed = true
	pending := append([]*node(nil), m.order...)
	m.order = nil
	m.singleByFD = make(map[int][]*node)
	active := m.pollerActive
	m.mu.Unlock()

	for _, n := range pending {
		if m.isDoneLocked(n) {
			continue
		}
		n.err = uerr.New(uerr.IOFailure, "", "nbio: multiplexor closed")
		close(n.done)
	}
	if active {
		// A waiter elected poller is not parked on its done channel; it
		// is blocked inside the platform wait syscall. Kick it; it tears
		// the fds down itself as it exits (maybeTeardown), since closing
		// them out from under an in-flight wait would not wake it.
		m.wake.signal()
	}
	m.maybeTeardown()
	return nil
}

// maybeTeardown closes the wake and poller fds once the Multiplexor is
// closed and no poller remains in flight to be using them. Called from
// Close (no poller elected) and from the poller exit paths.
func (m *Multiplexor) maybeTeardown() {
	m.mu.Lock()
	doIt := m.closed && !m.pollerActive && !m.tornDown
	if doIt {
		m.tornDown = true
	}
	m.mu.Unlock()
	if doIt {
		_ = m.wake.close()
		_ = m.poller.close()
	}
}

// SelectWait blocks the caller until fd becomes ready for one of the
// requested events, the optional timeout (zero means no timeout)
// elapses, or wrapper reports a result other than EWOULDBLOCK. wrapper
// wraps the user's read/write/accept/etc. call: the poller invokes it on
// readiness, keeps the waiter registered if it reports EWOULDBLOCK, and
// otherwise removes the waiter and records its return.
func (m *Multiplexor) SelectWait(fd int, events IOEvents, wrapper func() (IOEvents, error), timeout time.Duration) (IOEvents, error) {
	n := &node{fd: fd, want: events, wrapper: wrapper, done: make(chan struct{}), becomePoller: make(chan struct{}, 1)}
	if timeout > 0 {
		n.deadline = time.Now().Add(timeout)
	}
	if err := m.admit(n); err != nil {
		return 0, err
	}
	m.run(n)
	return n.result, n.err
}

// SelectMaskWait blocks until any fd in masks becomes ready for its
// requested events, timeout elapses, or the Multiplexor is closed. The
// returned map contains only fds that actually became ready: the
// observed events ANDed against each waiter's requested sets.
func (m *Multiplexor) SelectMaskWait(masks map[int]IOEvents, timeout time.Duration) (map[int]IOEvents, error) {
	n := &node{fd: -1, masks: masks, done: make(chan struct{}), becomePoller: make(chan struct{}, 1)}
	if timeout > 0 {
		n.deadline = time.Now().Add(timeout)
	}
	if err := m.admit(n); err != nil {
		return nil, err
	}
	m.run(n)
	return n.results, n.err
}

// admit registers n's interest with the platform poller and the waiter
// bookkeeping, returning an error if the Multiplexor is already closed.
func (m *Multiplexor) admit(n *node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return uerr.New(uerr.IOFailure, "", "nbio: multiplexor closed")
	}
	if n.fd >= 0 {
		m.singleByFD[n.fd] = append(m.singleByFD[n.fd], n)
		m.syncRegistrationLocked(n.fd)
	} else {
		for fd := range n.masks {
			m.singleByFD[fd] = append(m.singleByFD[fd], n)
			m.syncRegistrationLocked(fd)
		}
	}
	m.order = append(m.order, n)
	if m.pollerActive {
		// The current poller computed its wait bound before this waiter
		// existed; interrupt it so its next wait accounts for n's
		// deadline.
		m.wake.signal()
	}
	return nil
}

// syncRegistrationLocked (re)registers fd with the union of every
// waiter's interest: for any pending waiter and fd in its interest set,
// the master mask bit must be set.
func (m *Multiplexor) syncRegistrationLocked(fd int) {
	var union IOEvents
	for _, w := range m.singleByFD[fd] {
		if w.fd >= 0 {
			union |= w.want
		} else {
			union |= w.masks[fd]
		}
	}
	prev, had := m.registered[fd]
	if union == 0 {
		if had {
			delete(m.registered, fd)
			_ = m.poller.del(fd, prev)
		}
		return
	}
	if !had {
		m.registered[fd] = union
		_ = m.poller.add(fd, union)
		return
	}
	if prev != union {
		m.registered[fd] = union
		_ = m.poller.mod(fd, prev, union)
	}
}

// run either makes the calling goroutine the poller (if none is
// currently elected) or parks it until its node completes or it is
// nominated as the next poller.
func (m *Multiplexor) run(n *node) {
	m.mu.Lock()
	iAmPoller := !m.pollerActive
	if iAmPoller {
		m.pollerActive = true
	}
	m.mu.Unlock()

	if iAmPoller {
		m.pollLoop(n)
		return
	}
	m.park(n)
}

// park blocks a non-poller waiter until it completes, is nominated as
// poller, or its timeout elapses.
func (m *Multiplexor) park(n *node) {
	var timeoutCh <-chan time.Time
	if !n.deadline.IsZero() {
		timer := time.NewTimer(time.Until(n.deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-n.done:
		return
	case <-n.becomePoller:
		m.pollLoop(n)
	case <-timeoutCh:
		m.expire(n)
		// A nomination may have raced in while the timeout was firing;
		// the role must be passed on or no poller remains elected.
		select {
		case <-n.becomePoller:
			m.mu.Lock()
			next := m.nominateNextLocked()
			m.mu.Unlock()
			if next != nil {
				next.becomePoller <- struct{}{}
			} else {
				m.maybeTeardown()
			}
		default:
		}
	}
}

// expire removes n from the waiter bookkeeping and wakes it with a
// timed-out result: dequeue, flag, then wake, so the waiter is never
// observable in a half-expired state.
func (m *Multiplexor) expire(n *node) {
	m.mu.Lock()
	if m.remove(n) {
		n.timedOut = true
		m.mu.Unlock()
		close(n.done)
		return
	}
	m.mu.Unlock()
	// Already completed by the poller concurrently; let that result win.
	<-n.done
}

// pollLoop is the body of the elected poller: repeatedly waits on the
// platform poller, routes each ready fd to its waiter list (wake fd and
// bare wakes go to drain instead), checks deadlines, and either keeps
// polling (self not yet satisfied) or hands the poller role to the next
// waiter in arrival order.
func (m *Multiplexor) pollLoop(self *node) {
	for {
		timeoutMs := m.nextTimeoutMs()
		ready, err := m.poller.wait(timeoutMs, m.readyBuf[:0])
		m.readyBuf = ready
		if err != nil {
			// A failed wait (EBADF most likely: some waiter's fd went
			// bad behind our back) cannot be attributed to one waiter
			// cheaply across three platform backends, so any non-EINTR
			// wait error (EINTR already returns empty with no error) is
			// handled one way: wake every waiter with the error and let
			// each one's own retried syscall surface the concrete errno.
			m.broadcastError(uerr.Wrap(uerr.IOFailure, "", "nbio: poll failed", err))
			m.maybeTeardown()
			return
		}
		wfd := m.wake.readFD()
		for _, r := range ready {
			if r.fd < 0 || r.fd == wfd {
				m.wake.drain()
				continue
			}
			m.onReady(r.fd, r.events)
		}
		m.checkTimeouts()

		m.mu.Lock()
		selfDone := m.isDoneLocked(self)
		if !selfDone {
			m.mu.Unlock()
			continue
		}
		next := m.nominateNextLocked()
		m.mu.Unlock()

		if next != nil {
			next.becomePoller <- struct{}{}
			return
		}
		m.maybeTeardown()
		return
	}
}

func (m *Multiplexor) isDoneLocked(n *node) bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// nominateNextLocked picks the head of the remaining waiters (by arrival
// order) as the next poller. Must be called with m.mu held; returns nil
// (and clears pollerActive) if none remain.
func (m *Multiplexor) nominateNextLocked() *node {
	for len(m.order) > 0 {
		head := m.order[0]
		if m.isDoneLocked(head) {
			m.order = m.order[1:]
			continue
		}
		m.order = m.order[1:]
		return head
	}
	m.pollerActive = false
	return nil
}

// exceptSet is EventError|EventHangup, the platform pollers' stand-in for
// select(2)'s third ("except") fd set: a fd reporting either always wakes
// every waiter registered on it, regardless of which of
// EventRead/EventWrite it actually asked for, since an erroring or
// hung-up fd will never become read/write ready on its own and the
// waiter's own retried syscall is what surfaces the concrete errno.
const exceptSet = EventError | EventHangup

// onReady is invoked by pollLoop for each fd the platform poller
// reported ready. It walks fd's waiter list, calling single-fd wrappers
// inline and recording partial mask satisfaction.
func (m *Multiplexor) onReady(fd int, ev IOEvents) {
	m.mu.Lock()
	waiters := m.singleByFD[fd]
	var remaining []*node
	for _, w := range waiters {
		if m.isDoneLocked(w) {
			continue
		}
		if w.fd >= 0 {
			got := ev & (w.want | exceptSet)
			if got == 0 {
				remaining = append(remaining, w)
				continue
			}
			if w.wrapper != nil {
				n, err := w.wrapper()
				if err == errEWouldBlock {
					remaining = append(remaining, w)
					continue
				}
				w.result, w.err = IOEvents(n), err
			} else {
				w.result = got
			}
			m.finishLocked(w)
		} else {
			want, ok := w.masks[fd]
			got := ev & (want | exceptSet)
			if !ok || got == 0 {
				remaining = append(remaining, w)
				continue
			}
			if w.results == nil {
				w.results = make(map[int]IOEvents)
			}
			w.results[fd] = got
			// A mask waiter is satisfied as soon as any one of its fds
			// is ready; it wakes with that partial set.
			m.finishLocked(w)
		}
	}
	m.singleByFD[fd] = remaining
	m.syncRegistrationLocked(fd)
	m.mu.Unlock()
}

// finishLocked marks w complete and closes its done channel, removing it
// from the poller's arrival-order bookkeeping is left to
// nominateNextLocked/onReady's caller since w may still be referenced by
// other fds' waiter lists (mask waiters).
func (m *Multiplexor) finishLocked(w *node) {
	select {
	case <-w.done:
		return // already finished (e.g. by a timeout race)
	default:
		close(w.done)
	}
}

// remove deletes n from every waiter list it is admitted to. Returns
// true if it was still pending (i.e. the caller won the race to
// complete it).
func (m *Multiplexor) remove(n *node) bool {
	if m.isDoneLocked(n) {
		return false
	}
	if n.fd >= 0 {
		m.removeFromFD(n.fd, n)
	} else {
		for fd := range n.masks {
			m.removeFromFD(fd, n)
		}
	}
	return true
}

func (m *Multiplexor) removeFromFD(fd int, n *node) {
	list := m.singleByFD[fd]
	out := list[:0]
	for _, w := range list {
		if w != n {
			out = append(out, w)
		}
	}
	m.singleByFD[fd] = out
	m.syncRegistrationLocked(fd)
}

// checkTimeouts wakes every pending waiter whose deadline has passed.
func (m *Multiplexor) checkTimeouts() {
	now := time.Now()
	m.mu.Lock()
	var due []*node
	for _, n := range m.order {
		if n.deadline.IsZero() || n.deadline.After(now) {
			continue
		}
		if m.remove(n) {
			n.timedOut = true
			due = append(due, n)
		}
	}
	m.mu.Unlock()
	for _, n := range due {
		close(n.done)
	}
}

// nextTimeoutMs bounds how long the platform wait may block: the earliest
// outstanding deadline, or -1 (block indefinitely) if none is set. A
// zero-duration timeout degenerates to a non-blocking poll.
func (m *Multiplexor) nextTimeoutMs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var earliest time.Time
	for _, n := range m.order {
		if n.deadline.IsZero() {
			continue
		}
		if earliest.IsZero() || n.deadline.Before(earliest) {
			earliest = n.deadline
		}
	}
	if earliest.IsZero() {
		return -1
	}
	ms := int(time.Until(earliest) / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	return ms
}

// broadcastError wakes every pending waiter with err and resets the
// Multiplexor to an idle (no poller) state so the next SelectWait call
// elects a fresh poller.
func (m *Multiplexor) broadcastError(err error) {
	m.mu.Lock()
	pending := append([]*node(nil), m.order...)
	m.order = nil
	m.singleByFD = make(map[int][]*node)
	m.pollerActive = false
	m.mu.Unlock()

	for _, n := range pending {
		if m.isDoneLocked(n) {
			continue
		}
		n.err = err
		close(n.done)
	}
}
