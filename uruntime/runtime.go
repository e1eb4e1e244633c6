// Package uruntime wires the execution-context, processor kernel, cluster,
// monitor, synchronisation, NBIO, and timed-event layers into the single
// process-wide handle the rest of this module's packages are deliberately
// kept free of: package task, cluster, processor, monitor, and usync each
// define only the interfaces they need from their neighbours to avoid
// import cycles (see task.ClusterRef/ProcessorRef), and it is this package
// that is allowed to import all of them at once and hand the application a
// single Runtime to start tasks on and shut down.
package uruntime

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/uruntime/cluster"
	"github.com/joeycumines/uruntime/processor"
	"github.com/joeycumines/uruntime/task"
	"github.com/joeycumines/uruntime/uerr"
	"github.com/joeycumines/uruntime/uevent"
	"github.com/joeycumines/uruntime/ulog"
)

// Config configures a Runtime. A plain struct rather than functional
// options: uruntime is the one package in this module allowed to know
// about every sub-component's own Config, so there is nothing left for
// an options pattern to hide here.
type Config struct {
	Name   string
	Logger ulog.Logger

	// Uniprocessor selects the single-processor deadlock-detection
	// fallback instead of the plain multiprocessor spin/sleep idle
	// policy. Set this when the Runtime
	// will run exactly one Processor across every Cluster it owns; the
	// fallback declares a fatal KernelFailure the moment every cluster's
	// ready queue, every cluster's NBIO waiter set, and the shared event
	// list are simultaneously empty of runnable or schedulable work,
	// because on a single processor nothing else can ever make progress.
	Uniprocessor bool

	// DeadlockGrace bounds how long the uniprocessor idle fallback waits
	// with nothing to do before declaring a fatal deadlock, so a single
	// transient gap between "ready queue observed empty" and "a task
	// elsewhere calls MakeReady" is not misread as a stuck system. Zero
	// selects a default of 20ms.
	DeadlockGrace time.Duration
}

// Runtime owns every Cluster and Processor started through it, plus the
// shared timed-event list the uniprocessor idle fallback sleeps until and
// advances.
type Runtime struct {
	name string
	log  ulog.Logger

	uniprocessor  bool
	deadlockGrace time.Duration

	mu         sync.Mutex
	clusters   []*cluster.Cluster
	processors []*processor.Processor

	events *uevent.List

	idleSince   time.Time
	idleSinceOK bool
}

// Startup constructs a Runtime per cfg. It does not itself start any
// Cluster or Processor; call NewCluster and StartProcessor to bring the
// system up - construct, then wire, then run, rather than a single
// all-in-one entry point.
func Startup(cfg Config) *Runtime {
	log := cfg.Logger
	if log == nil {
		log = ulog.Global()
	}
	grace := cfg.DeadlockGrace
	if grace <= 0 {
		grace = 20 * time.Millisecond
	}
	r := &Runtime{
		name:          cfg.Name,
		log:           log,
		uniprocessor:  cfg.Uniprocessor,
		deadlockGrace: grace,
		events:        uevent.New(log),
	}
	ulog.Info(r.log, "uruntime", "runtime started", map[string]any{"name": r.name, "uniprocessor": r.uniprocessor})
	return r
}

// SetLogger installs l as the process-wide default logger (ulog.Global)
// and routes uerr's fatal-abort diagnostic through it, so a fatal
// KernelFailure anywhere in the kernel is logged structurally instead of
// only printed to stderr.
func SetLogger(l ulog.Logger) {
	ulog.SetGlobal(l)
	uerr.AbortFunc = func(err *uerr.Error) {
		ulog.Error(l, "uruntime", "fatal abort", err, map[string]any{"kind": err.Kind.String(), "victim": err.Victim})
		abortProcess(err)
	}
}

// abortProcess is the process-terminating half of the installed AbortFunc,
// split out so tests can override it without losing the logging above.
var abortProcess = func(err *uerr.Error) {
	panic(err)
}

// Logger returns the Runtime's own logger, the one passed to every Cluster/
// Processor/Serial constructed without an explicit Logger of its own.
func (r *Runtime) Logger() ulog.Logger { return r.log }

// Events returns the shared timed-event list read by the uniprocessor idle
// fallback. The usync/monitor timeouts and the NBIO poller's wait bound
// are not scheduled on it; they use their own timers.
func (r *Runtime) Events() *uevent.List { return r.events }

// NewCluster constructs a Cluster owned by this Runtime, filling in the
// Runtime's own Logger when cfg omits one, and registers it so the
// uniprocessor deadlock fallback (and Finishup) can see it.
func (r *Runtime) NewCluster(cfg cluster.Config) *cluster.Cluster {
	if cfg.Logger == nil {
		cfg.Logger = r.log
	}
	c := cluster.New(cfg)
	r.mu.Lock()
	r.clusters = append(r.clusters, c)
	r.mu.Unlock()
	return c
}

// StartProcessor constructs a Processor bound to cfg.Cluster, starts its
// Run loop in a new goroutine pinned to its own OS thread (the processor
// kernel is a kernel-thread-equivalent worker), and registers it with
// the Runtime. If the Runtime was started with
// Uniprocessor and cfg.Idle is nil, the Runtime's own cross-cluster
// deadlock-detection fallback is installed.
func (r *Runtime) StartProcessor(cfg processor.Config) *processor.Processor {
	if cfg.Logger == nil {
		cfg.Logger = r.log
	}
	if r.uniprocessor && cfg.Idle == nil {
		cfg.Idle = r.uniprocessorIdle
	}
	p := processor.New(cfg)
	r.mu.Lock()
	r.processors = append(r.processors, p)
	r.mu.Unlock()
	go func() {
		lockOSThread()
		p.Run()
	}()
	return p
}

// Spawn binds t to c and admits it to c's ready queue in one step, the
// common case of starting a fresh task.
func (r *Runtime) Spawn(c *cluster.Cluster, t *task.Task) {
	c.Bind(t)
	c.MakeReady(t)
}

// Finishup stops every Processor started through this Runtime and waits
// for each to drain its current dispatch and return, the shutdown-join
// sequence of the whole kernel.
func (r *Runtime) Finishup() {
	r.mu.Lock()
	procs := append([]*processor.Processor(nil), r.processors...)
	r.mu.Unlock()

	for _, p := range procs {
		p.Stop()
	}
	for _, p := range procs {
		<-p.Done()
	}
	ulog.Info(r.log, "uruntime", "runtime finished", map[string]any{"name": r.name})
}

// uniprocessorIdle is the processor.Idle fallback wired in for a
// single-processor Runtime: it gives the shared event
// list a chance to fire due timers (which may call MakeReady and produce
// new ready work), and otherwise declares a fatal deadlock once the
// runtime has had nothing to do, anywhere, for longer than deadlockGrace -
// the single processor itself is the only thing that could ever make
// further progress, and it is the one asking.
func (r *Runtime) uniprocessorIdle(p *processor.Processor) bool {
	if next, ok := r.events.NextDeadline(); ok {
		if wait := time.Until(next); wait > 0 {
			time.Sleep(wait)
		}
		if fired := r.events.Advance(time.Now()); fired > 0 {
			r.clearIdleSince()
			return true
		}
		return true
	}

	if r.anyReadyOrPending() {
		r.clearIdleSince()
		return false
	}

	r.mu.Lock()
	if !r.idleSinceOK {
		r.idleSince = time.Now()
		r.idleSinceOK = true
		r.mu.Unlock()
		return false
	}
	stuckFor := time.Since(r.idleSince)
	r.mu.Unlock()

	if stuckFor < r.deadlockGrace {
		return false
	}

	blocked := r.describeStuckTasks()
	err := uerr.New(uerr.KernelFailure, "", fmt.Sprintf("uniprocessor deadlock: no ready tasks, no pending timed events, no NBIO waiters for %s; blocked: %s", stuckFor, blocked))
	_ = uerr.Abort(err) // always fatal; AbortFunc never returns in production
	return false
}

// anyReadyOrPending reports whether any cluster has ready work or an NBIO
// waiter registered - either would eventually make the system runnable
// again without outside intervention, so it is not yet a deadlock.
func (r *Runtime) anyReadyOrPending() bool {
	r.mu.Lock()
	clusters := append([]*cluster.Cluster(nil), r.clusters...)
	r.mu.Unlock()

	for _, c := range clusters {
		if c.ReadyLen() > 0 {
			return true
		}
		if c.NBIO().PendingWaiters() > 0 {
			return true
		}
	}
	return false
}

func (r *Runtime) clearIdleSince() {
	r.mu.Lock()
	r.idleSinceOK = false
	r.mu.Unlock()
}

// describeStuckTasks gives the fatal diagnostic something more useful than
// a bare "deadlock" to point at: per cluster, how many tasks remain bound
// and the names of the ones sitting in Blocked forever.
func (r *Runtime) describeStuckTasks() string {
	r.mu.Lock()
	clusters := append([]*cluster.Cluster(nil), r.clusters...)
	r.mu.Unlock()

	desc := ""
	for i, c := range clusters {
		if i > 0 {
			desc += ", "
		}
		desc += fmt.Sprintf("%s=%d blocked=[%s]", c.Name(), c.TaskCount(), strings.Join(c.BlockedTaskNames(), " "))
	}
	return desc
}
