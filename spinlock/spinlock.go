// Package spinlock implements the busy-wait mutual exclusion primitive the
// kernel uses to protect its own data structures (ready queues, event
// lists, NBIO registries) for the brief critical sections where parking a
// goroutine would cost more than spinning.
//
// The lock is a compare-and-swap state machine over an atomic int32 with a
// small exponential backoff loop rather than an immediate OS-level block,
// combined with the disable/enable-preemption and roll-forward bookkeeping
// the runtime's spinlock owes the rest of the kernel.
package spinlock

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/joeycumines/uruntime/uerr"
	"github.com/joeycumines/uruntime/ulog"
)

const (
	free int32 = iota
	held
)

// SpinLock is a test-and-set lock with exponential backoff. It never parks
// a goroutine; TryAcquire never blocks at all. Acquire/Release also drive
// guard, the in-spin counter the preemption handler inspects: whichever
// goroutine currently holds the lock is, for the duration of that critical
// section, the one kernel thread the guard tracks, since the lock's own
// mutual exclusion means at most one holder ever touches it at a time.
type SpinLock struct {
	state   atomic.Int32
	spins   atomic.Uint64 // cumulative spin count, for diagnostics
	inSpin  atomic.Int64  // current number of spinners, for diagnostics
	holder  atomic.Int64  // goroutine id of the current holder; 0 when free (debug only)
	name    string
	log     ulog.Logger
	limiter *catrate.Limiter
	guard   PreemptionGuard
	debug   bool
}

// Config adjusts a SpinLock's diagnostics.
type Config struct {
	Name   string
	Logger ulog.Logger
	// Debug enables the uniprocessor debug check: a goroutine acquiring
	// a SpinLock it already holds is a guaranteed self-deadlock (the
	// holder can never release while it spins), reported as a fatal
	// KernelFailure instead of a silent hang. Off by default; comparing
	// goroutine identities costs a stack peek per Acquire.
	Debug bool
	// DiagnosticRates rate-limits "held too long" warnings; if nil a
	// default of at most 1 per second per lock name is used.
	DiagnosticRates map[time.Duration]int
}

// New constructs a SpinLock with the given diagnostic configuration.
func New(cfg Config) *SpinLock {
	rates := cfg.DiagnosticRates
	if rates == nil {
		rates = map[time.Duration]int{time.Second: 1}
	}
	l := cfg.Logger
	if l == nil {
		l = ulog.NoOp()
	}
	return &SpinLock{
		name:    cfg.Name,
		log:     l,
		limiter: catrate.NewLimiter(rates),
		debug:   cfg.Debug,
	}
}

// Acquire spins until the lock is free, then takes it. backoff grows
// geometrically, capped, and yields the underlying OS thread via
// runtime.Gosched between attempts to avoid starving the real holder on a
// GOMAXPROCS=1 build. In debug mode a recursive Acquire by the current
// holder is a fatal KernelFailure rather than a silent self-deadlock.
func (s *SpinLock) Acquire() {
	var gid int64
	if s.debug {
		gid = goroutineID()
		if s.holder.Load() == gid {
			_ = uerr.Abort(uerr.New(uerr.KernelFailure, s.name, "recursive Acquire of a held SpinLock by its own holder"))
			return
		}
	}
	backoff := time.Microsecond
	const maxBackoff = time.Millisecond
	start := time.Now()
	for !s.state.CompareAndSwap(free, held) {
		s.inSpin.Add(1)
		s.spins.Add(1)
		time.Sleep(backoff)
		runtime.Gosched()
		s.inSpin.Add(-1)
		if backoff < maxBackoff {
			backoff *= 2
		}
		if time.Since(start) > 50*time.Millisecond {
			if _, ok := s.limiter.Allow(s.name); ok {
				ulog.Warn(s.log, "spinlock", "spin held unusually long", map[string]any{
					"lock":    s.name,
					"elapsed": time.Since(start).String(),
				})
			}
		}
	}
	if s.debug {
		s.holder.Store(gid)
	}
	s.guard.DisableInt()
}

// TryAcquire attempts to take the lock once, never spinning.
func (s *SpinLock) TryAcquire() bool {
	if !s.state.CompareAndSwap(free, held) {
		return false
	}
	if s.debug {
		s.holder.Store(goroutineID())
	}
	s.guard.DisableInt()
	return true
}

// Release frees the lock. Releasing an unheld lock is a kernel-failure
// bug, matching the runtime's same-task-recursion diagnostics elsewhere.
// It runs EnableInt on the lock's own preemption guard before dropping
// the state bit, so any roll-forward deferred via Defer while this
// critical section was held runs immediately after, still serialised
// against the next Acquire.
func (s *SpinLock) Release() error {
	if err := s.guard.EnableInt(); err != nil {
		return uerr.Abort(err.(*uerr.Error))
	}
	if s.debug {
		s.holder.Store(0)
	}
	if !s.state.CompareAndSwap(held, free) {
		return uerr.Abort(uerr.New(uerr.KernelFailure, s.name, "Release called on a SpinLock that was not held"))
	}
	return nil
}

// RequestPreempt is the preemption handler's entry point: it runs fn
// immediately if this lock's critical section
// is not currently held, or defers it to the matching Release otherwise.
// A real preemption source (e.g. a processor's quantum timer) calls this
// to ask the kernel to reschedule without tearing down a held lock.
func (s *SpinLock) RequestPreempt(fn func()) { s.guard.Defer(fn) }

// PreemptionDisabled reports whether this lock is currently held (and so
// preemption is disabled for its holder), for diagnostics.
func (s *SpinLock) PreemptionDisabled() bool { return s.guard.Disabled() }

// Spins returns the cumulative number of backoff iterations taken across
// the lifetime of the lock, for diagnostics/tests.
func (s *SpinLock) Spins() uint64 { return s.spins.Load() }

// InSpin returns the current number of goroutines actively spinning on
// this lock.
func (s *SpinLock) InSpin() int64 { return s.inSpin.Load() }

// PreemptionGuard tracks nested disable/enable-preemption requests made
// while a critical section is active. SpinLock embeds one per lock,
// driven automatically by Acquire/TryAcquire/Release; processor.Processor
// also owns a standalone instance for the kernel bookkeeping it does
// outside of any particular lock. Rather than a single boolean, a counter
// lets nested critical sections compose: the Nth DisableInt must be
// matched by the Nth EnableInt before preemption is actually re-armed.
//
// Defer is called from preemption sources (a processor's quantum ticker)
// on a different goroutine than the one running DisableInt/EnableInt, so
// the depth/events bookkeeping carries its own mutex.
type PreemptionGuard struct {
	mu     sync.Mutex
	depth  int
	events []func() // deferred "roll forward" actions, run on the last EnableInt
}

// DisableInt increments the disable-preemption depth.
func (g *PreemptionGuard) DisableInt() {
	g.mu.Lock()
	g.depth++
	g.mu.Unlock()
}

// EnableInt decrements the disable-preemption depth. At depth 0 it runs,
// in order, any roll-forward actions queued while preemption was disabled
// (see Defer), then clears them. The actions run outside the guard's own
// mutex, so a roll-forward is free to re-enter the guard.
func (g *PreemptionGuard) EnableInt() error {
	g.mu.Lock()
	if g.depth == 0 {
		g.mu.Unlock()
		return uerr.New(uerr.KernelFailure, "", "EnableInt called with no matching DisableInt")
	}
	g.depth--
	var pending []func()
	if g.depth == 0 {
		pending = g.events
		g.events = nil
	}
	g.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
	return nil
}

// Disabled reports whether preemption is currently disabled.
func (g *PreemptionGuard) Disabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth > 0
}

// Defer queues a roll-forward action to run once preemption depth returns
// to zero, instead of acting immediately while a spinlock is held - this
// is the kernel's "roll forward" deferral: actions like waking a task that
// would otherwise require acquiring another lock while one is already held
// are postponed to the outermost EnableInt.
func (g *PreemptionGuard) Defer(fn func()) {
	g.mu.Lock()
	if g.depth > 0 {
		g.events = append(g.events, fn)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	fn()
}

// goroutineID parses the calling goroutine's id from the first line of
// its stack trace ("goroutine N [running]:"). Go deliberately exposes no
// cheaper identity, which is why this is only consulted on the
// debug-gated recursive-acquire check and never on the production path.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id int64
	for _, c := range buf[len("goroutine "):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
