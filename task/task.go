// Package task implements the schedulable unit the kernel actually queues
// and dispatches: a Task wraps a coroutine with thread state, priority, and
// the intrusive list-node bookkeeping the ready queue and monitor acceptor
// stacks rely on.
//
// To keep cluster, processor, and task free of import cycles, this package
// defines the minimal interfaces it needs from its owning cluster and
// processor rather than importing those packages directly - cross-component
// references in this design are intrusive list links, not counted/owned
// references.
package task

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/uruntime/coroutine"
	"github.com/joeycumines/uruntime/ulog"
)

// State is where a Task sits in the scheduling lifecycle.
type State int32

const (
	Start State = iota
	Ready
	Running
	Blocked
	Terminate
)

func (s State) String() string {
	switch s {
	case Start:
		return "Start"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Terminate:
		return "Terminate"
	default:
		return "State(unknown)"
	}
}

// Priority is a scheduling priority; lower numeric value runs first,
// matching the base-priority-sequence convention from the pluggable ready
// queue strategies.
type Priority int

const DefaultPriority Priority = 0

// ClusterRef is the subset of *cluster.Cluster a Task needs: enqueuing
// itself onto the cluster's ready queue and reporting its own membership.
type ClusterRef interface {
	Name() string
	MakeReady(t *Task)
}

// ProcessorRef is the subset of *processor.Processor a Task needs: the
// kernel thread currently running it, for affinity and diagnostics.
type ProcessorRef interface {
	Name() string
}

// Task is the schedulable unit. It embeds *coroutine.Coroutine so callers
// can Resume/Suspend a Task exactly like a bare coroutine, while the
// kernel additionally tracks its queue membership, priority, and blocking
// chain here.
type Task struct {
	*coroutine.Coroutine

	mu    sync.Mutex
	state State

	cluster   ClusterRef
	processor ProcessorRef

	basePriority   Priority
	activePriority Priority

	// next is the intrusive singly-linked pointer used by exactly one
	// list at a time (ready queue, acceptor stack, or blocked-on list);
	// onList records which, purely for diagnostics/assertions.
	next   *Task
	onList string

	// inheritFrom is set while this task's active priority has been
	// boosted by Inherit; nil when running at its own base priority.
	inheritFrom *Task

	log ulog.Logger

	blockedWg sync.WaitGroup // used by Block/Unblock for goroutine-level parking
	blocked   atomic.Bool

	// dispatched counts the Processor dispatches currently driving this
	// task's coroutine, so Arm can tell whether the blocking caller is
	// running on the task's own coroutine under the kernel (park
	// cooperatively, via Suspend) or on a plain goroutine (park on
	// blockedWg). A counter rather than a flag: a waker can requeue a
	// task an instant before its previous dispatch has fully unwound, at
	// which point two dispatches briefly overlap, and the earlier one's
	// exit must not make the task look undispatched to the later one.
	dispatched atomic.Int32
	// coopPark records, per in-flight Arm, which of the two parking modes
	// the matching Park and Unblock must use.
	coopPark atomic.Bool
}

// Config configures a new Task.
type Config struct {
	Name     string
	Priority Priority
	Logger   ulog.Logger
	Main     func(self *Task, arg any) any
}

// New constructs a Task in the Start state with the given main function.
// main receives the Task itself (not the bare coroutine) as self, so
// kernel-aware code can call Block/Unblock/Priority from inside it.
func New(cfg Config) *Task {
	t := &Task{
		state:          Start,
		basePriority:   cfg.Priority,
		activePriority: cfg.Priority,
		log:            cfg.Logger,
	}
	if t.log == nil {
		t.log = ulog.NoOp()
	}
	main := cfg.Main
	t.Coroutine = coroutine.New(cfg.Name, func(self *coroutine.Coroutine, arg any) any {
		if main == nil {
			return nil
		}
		return main(t, arg)
	})
	return t
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// SetState forces the scheduling state directly. Used by package cluster
// when admitting a fresh task to the ready queue and by package processor
// when dispatching (Running) and retiring (Terminate) a task; every other
// transition goes through Block/Unblock.
func (t *Task) SetState(s State) { t.setState(s) }

// SetCluster binds the task to its owning cluster. Called once at
// creation by package cluster.
func (t *Task) SetCluster(c ClusterRef) { t.cluster = c }

// Cluster returns the owning cluster, or nil if unbound.
func (t *Task) Cluster() ClusterRef { return t.cluster }

// SetProcessor records which kernel thread is currently running this task,
// for affinity hints and diagnostics.
func (t *Task) SetProcessor(p ProcessorRef) { t.processor = p }

// Processor returns the kernel thread currently (or most recently) running
// this task.
func (t *Task) Processor() ProcessorRef { return t.processor }

// BasePriority returns the task's own, uninherited priority.
func (t *Task) BasePriority() Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.basePriority
}

// ActivePriority returns the task's current effective priority, which may
// be boosted above BasePriority by priority inheritance.
func (t *Task) ActivePriority() Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activePriority
}

// Inherit boosts this task's active priority to at least from's, recording
// from as the source so Uninherit can restore the prior value. Used by
// monitor.Serial.Enter to boost the monitor's owner to a blocked enterer's
// priority. Only this one task is boosted: tasks it is itself blocked on
// are not, and a task already in a ready queue is not re-ordered there.
func (t *Task) Inherit(from *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fromPriority := from.ActivePriority()
	if fromPriority < t.activePriority {
		t.activePriority = fromPriority
		t.inheritFrom = from
	}
}

// Uninherit restores the task's priority to its own base, clearing any
// inheritance boost. Called when the task releases the monitor that
// triggered the boost.
func (t *Task) Uninherit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activePriority = t.basePriority
	t.inheritFrom = nil
}

// Next/SetNext/OnList expose the intrusive list-node slot for use by
// exactly one owner (ready queue, acceptor stack, blocked list) at a time.
func (t *Task) Next() *Task     { return t.next }
func (t *Task) SetNext(n *Task) { t.next = n }
func (t *Task) OnList() string  { return t.onList }
func (t *Task) SetOnList(name string) {
	t.onList = name
}

// Block marks the task Blocked and parks it until Unblock is called.
// This is the low-level primitive every blocking synchronisation object
// (owner/condition locks, semaphores, the monitor serial) builds on.
//
// How the park happens depends on who is driving the task. When a
// Processor is dispatching it (the calling goroutine is the task's own
// coroutine, resumed by the kernel), Park yields control back to the
// kernel via Suspend, so the processor's dispatch returns and picks the
// next ready task; Unblock then requeues this task on its cluster's
// ready queue and a later dispatch resumes it inside Park. When no
// Processor is involved (the primitive is driven from a plain, dedicated
// goroutine), Park parks that goroutine directly on a WaitGroup and
// Unblock releases it in place. Arm records the mode, so a single wait
// is never split across the two.
//
// Block is Arm followed by Park. Callers that must enqueue themselves on
// some other primitive's waiter list before it becomes possible for
// another task to call Unblock should call Arm first, do that
// enqueueing, and Park afterwards instead - see Arm's own doc comment.
func (t *Task) Block() {
	t.Arm()
	t.Park()
}

// Arm marks the task Blocked without yet parking the calling goroutine.
// Splitting Block this way closes a lost-wakeup window: a caller that
// appends itself to a waiter list, releases the lock protecting that
// list, and only then calls Block leaves a gap in which a concurrent
// Signal/V/Release can pop the waiter and call Unblock before Block has
// set t.blocked - Unblock is then a silent no-op (see Unblock's own doc
// comment) and the later Block call parks forever.
// Calling Arm before releasing the list's lock closes that gap: every
// Unblock that can observe the waiter on the list happens after Arm, by
// the same lock's release/acquire ordering.
func (t *Task) Arm() {
	if t.dispatched.Load() > 0 {
		t.coopPark.Store(true)
	} else {
		t.coopPark.Store(false)
		t.blockedWg.Add(1)
	}
	t.blocked.Store(true)
	t.setState(Blocked)
}

// Park waits for the Unblock matching the most recent Arm. For a
// kernel-dispatched task this yields to the processor via Suspend and
// returns when a later dispatch resumes the task; for a dedicated
// goroutine it waits in place. Calling Park without a preceding Arm on
// this goroutine deadlocks, the same as calling Block twice without an
// intervening Unblock.
//
// An Unblock racing in between Arm and Park is safe in both modes: the
// WaitGroup absorbs an early Done, and an early requeue merely leaves a
// second Resume pending, which the unbuffered resume/yield rendezvous
// serialises behind this task's own Suspend.
func (t *Task) Park() {
	if t.coopPark.Load() {
		t.Suspend(nil)
		return
	}
	t.blockedWg.Wait()
}

// Unblock releases a single Block call: a cooperatively parked task goes
// back on its cluster's ready queue for a processor to resume, a
// goroutine-parked one is released in place. Calling Unblock on a task
// that is not blocked is a no-op, matching idempotent-wake semantics
// used by timeout/cancellation races.
func (t *Task) Unblock() {
	if t.blocked.CompareAndSwap(true, false) {
		if t.coopPark.Load() {
			if c := t.cluster; c != nil {
				c.MakeReady(t)
			}
			return
		}
		t.setState(Ready)
		t.blockedWg.Done()
	}
}

// Disarm cancels an Arm whose Park will never run, for a caller that
// armed, then hit an error before becoming visible to any waker. The
// task keeps executing, so a cooperatively armed task goes back to
// Running rather than onto any queue.
func (t *Task) Disarm() {
	if t.blocked.CompareAndSwap(true, false) {
		if t.coopPark.Load() {
			t.setState(Running)
			return
		}
		t.setState(Ready)
		t.blockedWg.Done()
	}
}

// BeginDispatch/EndDispatch bracket a Processor-driven Resume: while at
// least one dispatch is in flight, a task arming a wait parks
// cooperatively (see Block). Only package processor calls these.
func (t *Task) BeginDispatch() { t.dispatched.Add(1) }
func (t *Task) EndDispatch()   { t.dispatched.Add(-1) }

func (t *Task) Logger() ulog.Logger { return t.log }
