// Package processor implements the per-kernel-thread scheduler loop: a
// Processor repeatedly picks the next ready task and Resumes it, falling
// back to a configurable Idle strategy when neither its own external
// ready list nor its cluster's ready queue has work.
//
// Per coroutine.Resume's own doc comment, "the processor kernel is
// itself just another Coroutine" - in this Go-native rendition that
// coroutine already is the goroutine a Processor's Run is called from,
// so there is no second, separately-switched "kernel stack" to model.
package processor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/uruntime/cluster"
	"github.com/joeycumines/uruntime/spinlock"
	"github.com/joeycumines/uruntime/task"
	"github.com/joeycumines/uruntime/ulog"
)

// Idle is invoked when a Processor finds no ready work anywhere on its
// own cluster. It reports whether it made progress (so the Processor
// should loop and look again) - used by package uruntime to implement
// the uniprocessor NBIO/event-list/deadlock fallback, which needs a view
// across every cluster that a single Processor does not have.
type Idle func(p *Processor) bool

// Config configures a new Processor.
type Config struct {
	Name       string
	Cluster    *cluster.Cluster
	Logger     ulog.Logger
	SpinBudget time.Duration // multiprocessor: how long to busy-poll before parking on the cluster's wake signal
	IdleWait   time.Duration // multiprocessor: how long WaitReady blocks per poll, so Stop is observed promptly
	Idle       Idle           // uniprocessor fallback; nil selects the plain multiprocessor idle/sleep policy
	Quantum    time.Duration  // 0 disables: period of the preemption handler's roll-forward tick
}

// Processor is one kernel-thread-equivalent scheduler loop.
type Processor struct {
	name       string
	cluster    *cluster.Cluster
	log        ulog.Logger
	spinBudget time.Duration
	idleWait   time.Duration
	idle       Idle
	quantum    time.Duration

	extMu    sync.Mutex
	external []*task.Task

	stop chan struct{}
	done chan struct{}

	// kernelGuard is this processor's own per-KT preemption-disable
	// counter, driven by DisableInt/EnableInt around
	// the kernel bookkeeping in dispatch that a roll-forward must not
	// interrupt mid-update. preempted is set by RequestPreempt (called by
	// the quantum ticker started in Run) once that bookkeeping is safe to
	// interrupt, and consulted by spinOnce to cut a busy-spin short.
	kernelGuard spinlock.PreemptionGuard
	preempted   atomic.Bool
}

// New constructs a Processor bound to cfg.Cluster. It does not start
// running until Run is called (typically in its own goroutine).
func New(cfg Config) *Processor {
	log := cfg.Logger
	if log == nil {
		log = ulog.NoOp()
	}
	idleWait := cfg.IdleWait
	if idleWait <= 0 {
		idleWait = 250 * time.Millisecond
	}
	return &Processor{
		name:       cfg.Name,
		cluster:    cfg.Cluster,
		log:        log,
		spinBudget: cfg.SpinBudget,
		idleWait:   idleWait,
		idle:       cfg.Idle,
		quantum:    cfg.Quantum,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (p *Processor) Name() string { return p.name }

// ScheduleAffine admits t directly onto this processor's private
// external ready list, bypassing the cluster's shared ready queue, for
// work pinned to this kernel thread.
func (p *Processor) ScheduleAffine(t *task.Task) {
	t.SetState(task.Ready)
	p.extMu.Lock()
	p.external = append(p.external, t)
	p.extMu.Unlock()
}

func (p *Processor) popExternal() (*task.Task, bool) {
	p.extMu.Lock()
	defer p.extMu.Unlock()
	if len(p.external) == 0 {
		return nil, false
	}
	t := p.external[0]
	p.external = p.external[1:]
	return t, true
}

// Stop requests Run to return after its current iteration.
func (p *Processor) Stop() { close(p.stop) }

// Done is closed once Run has returned.
func (p *Processor) Done() <-chan struct{} { return p.done }

// Run is the processor kernel main loop. It registers itself with its
// cluster, repeatedly dispatches ready work, and unregisters on return.
func (p *Processor) Run() {
	defer close(p.done)
	p.cluster.RegisterProcessor(p.name)
	defer p.cluster.UnregisterProcessor(p.name)

	if p.quantum > 0 {
		ticker := time.NewTicker(p.quantum)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-p.stop:
					return
				case <-ticker.C:
					p.RequestPreempt()
				}
			}
		}()
	}

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		if t, ok := p.popExternal(); ok {
			p.dispatch(t)
			continue
		}
		if t, ok := p.cluster.PopReady(); ok {
			p.dispatch(t)
			continue
		}
		if p.spinBudget > 0 && p.spinOnce() {
			continue
		}
		if p.idle != nil {
			if p.idle(p) {
				continue
			}
			// Idle reported no progress anywhere; give the cluster's
			// wake signal a brief chance before re-trying the fallback,
			// rather than busy-looping the deadlock check.
		}
		p.cluster.MarkIdle(p.name)
		t, ok := p.cluster.WaitReady(p.idleWait)
		p.cluster.MarkBusy(p.name)
		if ok {
			p.dispatch(t)
		}
	}
}

// spinOnce busy-polls both queues for up to spinBudget before giving up,
// the multiprocessor spin-before-sleep step. A
// pending preemption request (see RequestPreempt) cuts the spin short:
// the quantum handler wants this KT's attention, so there is no point
// burning the rest of the budget before falling through to the idle path.
func (p *Processor) spinOnce() bool {
	deadline := time.Now().Add(p.spinBudget)
	for time.Now().Before(deadline) {
		if p.consumePreempt() {
			ulog.Debug(p.log, "processor", "preemption cut spin short", map[string]any{"processor": p.name})
			return false
		}
		if t, ok := p.popExternal(); ok {
			p.dispatch(t)
			return true
		}
		if t, ok := p.cluster.PopReady(); ok {
			p.dispatch(t)
			return true
		}
	}
	return false
}

func (p *Processor) dispatch(t *task.Task) {
	p.DisableInt()
	t.SetProcessor(p)
	t.SetState(task.Running)
	_ = p.EnableInt()
	ulog.Debug(p.log, "processor", "dispatch", map[string]any{"processor": p.name, "task": t.Name})

	t.BeginDispatch()
	_, err := t.Resume(nil, nil)
	t.EndDispatch()
	if err != nil {
		ulog.Error(p.log, "processor", "task errored", err, map[string]any{"processor": p.name, "task": t.Name})
	}

	p.DisableInt()
	defer func() { _ = p.EnableInt() }()

	if t.Halted() {
		t.SetState(task.Terminate)
		if c := t.Cluster(); c != nil {
			if cc, ok := c.(*cluster.Cluster); ok {
				cc.Unbind(t)
			}
		}
		return
	}
	// A task still Running suspended cooperatively (plain Suspend/yield)
	// and is immediately runnable again: requeue it. A Blocked task
	// parked inside a primitive's wait; its waker's Unblock requeues it.
	// A Ready task lost the race with that Unblock (the requeue already
	// happened), so it must not be queued twice.
	if t.State() == task.Running {
		t.Cluster().MakeReady(t)
	}
}

// DisableInt/EnableInt model the kernel's own preemption-safety
// accounting: dispatch wraps the task/processor linkage bookkeeping it
// must not have torn out from under it by a roll-forward. Unlike
// spinlock.SpinLock, which owns
// one PreemptionGuard per lock (driven by Acquire/Release), this is the
// one guard the processor itself owns for its own bookkeeping sections.
func (p *Processor) DisableInt() { p.kernelGuard.DisableInt() }

// EnableInt re-arms preemption one level; at depth zero it runs any
// roll-forward RequestPreempt deferred while bookkeeping was in progress.
func (p *Processor) EnableInt() error { return p.kernelGuard.EnableInt() }

// RequestPreempt is the quantum handler's entry point: it sets preempted
// immediately if no DisableInt section is active, or defers doing so
// until the matching EnableInt if one is.
func (p *Processor) RequestPreempt() {
	p.kernelGuard.Defer(func() { p.preempted.Store(true) })
}

// Preempted reports whether a preemption is currently pending, without
// consuming it.
func (p *Processor) Preempted() bool { return p.preempted.Load() }

// consumePreempt reports and clears a pending preemption in one step, for
// call sites (spinOnce) that react to it exactly once per request.
func (p *Processor) consumePreempt() bool { return p.preempted.Swap(false) }
