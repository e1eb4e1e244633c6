package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/joeycumines/uruntime/nbio"
	"github.com/joeycumines/uruntime/task"
	"github.com/joeycumines/uruntime/ulog"
)

// Config configures a new Cluster. A plain struct: the runtime's own
// Config surface (see package uruntime) is what threads configuration
// down to this layer.
type Config struct {
	Name            string
	DefaultStackKiB int // advisory only; Go manages goroutine stacks itself
	Priority        bool // select the priority ready-queue strategy instead of FIFO
	MaxProcessors   int  // 0 means unbounded
	Logger          ulog.Logger
	NBIO            *nbio.Multiplexor // nil constructs a private Multiplexor
}

// Cluster owns a ready queue, an idle-processor list, a list of bound
// tasks and processors, and an NBIO multiplexor. Every task bound to a
// Cluster reports this Cluster as its ClusterRef; the ready queue holds
// only tasks in task.Ready state.
type Cluster struct {
	name string
	log  ulog.Logger

	ready *blockingQueue
	nbio  *nbio.Multiplexor

	mu         sync.Mutex
	tasks      map[*task.Task]struct{}
	processors map[string]struct{}
	idle       map[string]struct{}

	maxProcessors int
}

// New constructs a Cluster per cfg.
func New(cfg Config) *Cluster {
	strategy := ReadyQueue(NewFIFO())
	if cfg.Priority {
		strategy = NewPriority()
	}
	log := cfg.Logger
	if log == nil {
		log = ulog.NoOp()
	}
	mux := cfg.NBIO
	if mux == nil {
		mux = nbio.New(nbio.Config{Name: cfg.Name, Logger: log})
	}
	return &Cluster{
		name:          cfg.Name,
		log:           log,
		ready:         newBlockingQueue(strategy),
		nbio:          mux,
		tasks:         make(map[*task.Task]struct{}),
		processors:    make(map[string]struct{}),
		idle:          make(map[string]struct{}),
		maxProcessors: cfg.MaxProcessors,
	}
}

func (c *Cluster) Name() string             { return c.name }
func (c *Cluster) NBIO() *nbio.Multiplexor  { return c.nbio }
func (c *Cluster) Logger() ulog.Logger      { return c.log }
func (c *Cluster) ReadyLen() int            { return c.ready.len() }
func (c *Cluster) MaxProcessors() int       { return c.maxProcessors }

// Bind adds t to the cluster's task list and sets its cluster back-
// reference: every bound task's cluster pointer equals this cluster.
func (c *Cluster) Bind(t *task.Task) {
	t.SetCluster(c)
	c.mu.Lock()
	c.tasks[t] = struct{}{}
	c.mu.Unlock()
}

// Unbind removes t from the cluster's task list, called once the task
// reaches task.Terminate.
func (c *Cluster) Unbind(t *task.Task) {
	c.mu.Lock()
	delete(c.tasks, t)
	c.mu.Unlock()
}

// TaskCount reports how many tasks are currently bound to this cluster.
func (c *Cluster) TaskCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// BlockedTaskNames returns the names of bound tasks currently in the
// Blocked state, sorted, for the deadlock diagnostic to point at.
func (c *Cluster) BlockedTaskNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for t := range c.tasks {
		if t.State() == task.Blocked {
			names = append(names, t.Name)
		}
	}
	sort.Strings(names)
	return names
}

// MakeReady transitions t to Ready and admits it to the ready queue,
// waking any processor parked waiting for work. Per the ready-queue
// membership invariant, a task must not already be on any other wait
// queue when this is called.
func (c *Cluster) MakeReady(t *task.Task) {
	t.SetState(task.Ready)
	ulog.Debug(c.log, "cluster", "task ready", map[string]any{"cluster": c.name, "task": t.Name})
	c.ready.push(t)
}

// PopReady removes and returns the next Ready task, or (nil, false) if
// the queue is currently empty. Processors call this on the fast path
// before falling back to WaitReady.
func (c *Cluster) PopReady() (*task.Task, bool) {
	return c.ready.tryPop()
}

// WaitReady blocks until a task becomes Ready or timeout elapses (0 means
// wait indefinitely), returning the task popped, or (nil, false) on
// timeout. This is the multiprocessor idle path: a processor with no
// other work parks here instead of busy-spinning past its configured
// budget.
func (c *Cluster) WaitReady(timeout time.Duration) (*task.Task, bool) {
	if t, ok := c.ready.tryPop(); ok {
		return t, true
	}
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	for {
		select {
		case <-c.ready.wake:
			if t, ok := c.ready.tryPop(); ok {
				return t, true
			}
		case <-timeoutCh:
			return nil, false
		}
	}
}

// RegisterProcessor/UnregisterProcessor track the bound-processor list
// (for diagnostics and the uniprocessor-vs-multiprocessor idle policy).
func (c *Cluster) RegisterProcessor(name string) {
	c.mu.Lock()
	c.processors[name] = struct{}{}
	c.mu.Unlock()
}

func (c *Cluster) UnregisterProcessor(name string) {
	c.mu.Lock()
	delete(c.processors, name)
	delete(c.idle, name)
	c.mu.Unlock()
}

// MarkIdle/MarkBusy maintain the idle-processor list: a processor is
// either on its cluster's idle list or executing user or system work,
// never both.
func (c *Cluster) MarkIdle(name string) {
	c.mu.Lock()
	c.idle[name] = struct{}{}
	c.mu.Unlock()
}

func (c *Cluster) MarkBusy(name string) {
	c.mu.Lock()
	delete(c.idle, name)
	c.mu.Unlock()
}

// ProcessorCount and IdleCount report current membership sizes.
func (c *Cluster) ProcessorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.processors)
}

func (c *Cluster) IdleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.idle)
}
