// Package coroutine implements the execution-context layer: private
// "stacks" (Go goroutines), saved/resumed state, and the switch primitive
// that hands control from one coroutine to another.
//
// Go gives every goroutine a private, growable, runtime-managed stack, so
// unlike a hand-rolled machine-context switch (register save/restore onto a
// raw memory block) this package switches control by parking the outgoing
// goroutine on a channel receive and waking the incoming one with a send.
// The three ABI invariants the kernel design calls out (callee-saves
// preserved, outgoing-stack memory untouched after the switch, first switch
// lands in invoke()) all hold trivially: a parked goroutine literally
// cannot execute, so it cannot touch its own stack, and Go's scheduler
// preserves every register across a channel operation.
package coroutine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/uruntime/uerr"
)

// State is the coroutine's run state.
type State int32

const (
	Start State = iota
	Active
	Inactive
	Halt
)

func (s State) String() string {
	switch s {
	case Start:
		return "Start"
	case Active:
		return "Active"
	case Inactive:
		return "Inactive"
	case Halt:
		return "Halt"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CancelType distinguishes whether cancellation is only honoured at
// AsyncPoll checkpoints (Poll) or at any suspension point (Implicit).
type CancelType int32

const (
	Poll CancelType = iota
	Implicit
)

// Cancellation tracks the per-coroutine cancellation bookkeeping described
// in the data model: requested/in-progress flags, enabled/disabled state,
// and poll/implicit type.
type Cancellation struct {
	mu          sync.Mutex
	requested   bool
	inProgress  bool
	enabled     bool
	typ         CancelType
	unwoundOnce bool
}

// NewCancellation returns cancellation state with polling enabled by default.
func NewCancellation() *Cancellation {
	return &Cancellation{enabled: true, typ: Poll}
}

func (c *Cancellation) SetEnabled(enabled bool) (previous bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous = c.enabled
	c.enabled = enabled
	return previous
}

func (c *Cancellation) SetType(t CancelType) (previous CancelType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous = c.typ
	c.typ = t
	return previous
}

// Request marks cancellation as requested. Safe to call from any goroutine.
func (c *Cancellation) Request() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested = true
}

// ShouldUnwind reports whether a pending cancellation should unwind the
// calling coroutine right now: it must be requested, enabled, not already
// in progress, and (for Poll type) the caller must be at a checkpoint -
// callers enforce the checkpoint discipline by only calling ShouldUnwind
// from AsyncPoll for Poll-type cancellation, or from any suspension point
// for Implicit.
func (c *Cancellation) ShouldUnwind() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.requested || !c.enabled || c.inProgress {
		return false
	}
	c.inProgress = true
	return true
}

// ResetAfterCatch clears requested/in-progress after an UnwindStack was
// caught by user code, per spec ("if the resulting failure is caught, the
// flag can be reset"). Destructors that already ran due to an exception may
// not call this again: unwoundOnce records the first reset, and a second
// call returns a KernelFailure instead of clearing the flags.
func (c *Cancellation) ResetAfterCatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unwoundOnce {
		return uerr.New(uerr.KernelFailure, "", "cancellation already unwound once; cannot reset twice")
	}
	c.unwoundOnce = true
	c.requested = false
	c.inProgress = false
	return nil
}

type resumeToken struct {
	// arg carries a value from resumer to the resumed coroutine; on the
	// first resume it becomes the argument main is started with.
	arg any
}

// Coroutine is a stackful, suspendable routine backed by a single goroutine.
type Coroutine struct {
	Name string

	state   atomic.Int32
	starter *Coroutine // the coroutine that first resumed this one
	resumer *Coroutine // the coroutine that most recently resumed this one

	main func(self *Coroutine, arg any) any

	resumeCh chan resumeToken // sent to by a resumer to hand control in
	yieldCh  chan resumeToken // sent to by this coroutine to hand control back
	started  atomic.Bool
	halted   atomic.Bool

	cancel *Cancellation

	// Serial weak-references the owning monitor, if this coroutine is
	// driving an entry member. Stored as `any` (rather than a concrete
	// *monitor.Serial) to avoid an import cycle; package monitor sets and
	// reads it via type assertion.
	serial any

	// pending is the buffered asynchronous exception raised at this
	// coroutine by another task (e.g. RendezvousFailure), drained at the
	// next AsyncPoll.
	pendingMu sync.Mutex
	pending   error

	// stack-depth guard state (see SetStackDepthLimit); only touched
	// from this coroutine's own goroutine.
	depthLimit int
	nearRaised bool
	pcBuf      []uintptr
}

// New creates a coroutine in the Start state. main is invoked on first
// Resume with the argument passed to that Resume call; its return value is
// delivered to whichever Resume call observes Halt.
func New(name string, main func(self *Coroutine, arg any) any) *Coroutine {
	c := &Coroutine{
		Name:     name,
		main:     main,
		resumeCh: make(chan resumeToken),
		yieldCh:  make(chan resumeToken),
		cancel:   NewCancellation(),
	}
	c.state.Store(int32(Start))
	return c
}

func (c *Coroutine) State() State { return State(c.state.Load()) }

func (c *Coroutine) Starter() *Coroutine { return c.starter }
func (c *Coroutine) Resumer() *Coroutine { return c.resumer }

func (c *Coroutine) Cancellation() *Cancellation { return c.cancel }

func (c *Coroutine) SetSerial(s any) { c.serial = s }
func (c *Coroutine) Serial() any     { return c.serial }

// RaiseAsync buffers an asynchronous error to be observed at this
// coroutine's next AsyncPoll - the delivery path for cross-task failures,
// which never interrupt the target mid-instruction.
func (c *Coroutine) RaiseAsync(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending == nil {
		c.pending = err
	}
}

// AsyncPoll is the cancellation/pending-exception checkpoint. It returns a
// pending asynchronous error (consuming it) if one was raised, else nil.
// Callers that get a non-nil error must unwind; see uerr for the kinds.
func (c *Coroutine) AsyncPoll() error {
	c.pendingMu.Lock()
	err := c.pending
	c.pending = nil
	c.pendingMu.Unlock()
	if err != nil {
		return err
	}
	if c.cancel.ShouldUnwind() {
		return uerr.New(uerr.UnhandledException, c.Name, "UnwindStack: cancellation requested")
	}
	return nil
}

// result is set once main returns, and observed by whichever Resume call
// witnesses the Halt transition.
type result struct {
	val   any
	panic any
}

func (c *Coroutine) run(first resumeToken) {
	r := result{}
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.panic = p
			}
		}()
		r.val = c.main(c, first.arg)
	}()
	c.state.Store(int32(Halt))
	c.halted.Store(true)
	c.yieldCh <- resumeToken{arg: r}
}

// Resume switches control from the calling coroutine (from) into c, passing
// arg, and blocks until c yields or halts. It returns whatever c passed to
// its next Suspend call (or, if c halted, the value main returned, as is;
// the caller distinguishes the two via Halted()).
//
// Resume must be called from the goroutine representing `from`; there is no
// separate "kernel stack" concept here because the processor kernel is
// itself just another Coroutine (see package processor).
func (c *Coroutine) Resume(from *Coroutine, arg any) (any, error) {
	if c.halted.Load() {
		return nil, uerr.New(uerr.KernelFailure, c.Name, "Resume called on a Halted coroutine")
	}
	if c.starter == nil {
		c.starter = from
	}
	c.resumer = from

	if c.state.CompareAndSwap(int32(Start), int32(Active)) {
		go c.run(resumeToken{arg: arg})
	} else {
		c.state.Store(int32(Active))
		c.resumeCh <- resumeToken{arg: arg}
	}

	tok := <-c.yieldCh
	if c.halted.Load() {
		r, _ := tok.arg.(result)
		if r.panic != nil {
			return nil, uerr.Wrap(uerr.UnhandledException, c.Name, "coroutine main panicked", asError(r.panic))
		}
		return r.val, nil
	}
	c.state.Store(int32(Inactive))
	return tok.arg, nil
}

// Suspend is called from inside c's own main (with self == c) to yield
// control back to whichever coroutine last resumed it, handing back val.
// It returns the argument passed to the next Resume call.
func (c *Coroutine) Suspend(val any) any {
	c.checkStack()
	c.yieldCh <- resumeToken{arg: val}
	tok := <-c.resumeCh
	return tok.arg
}

// Halted reports whether main has returned or panicked.
func (c *Coroutine) Halted() bool { return c.halted.Load() }

func asError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("%v", v)
}
