package processor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/uruntime/cluster"
	"github.com/joeycumines/uruntime/task"
)

// TestProcessorYieldRevisitsRunningNPlusOneTimes exercises the
// round-trip property: a task that yields N times
// while alone on its cluster visits Running N+1 times.
func TestProcessorYieldRevisitsRunningNPlusOneTimes(t *testing.T) {
	c := cluster.New(cluster.Config{Name: "c"})
	p := New(Config{Name: "p0", Cluster: c})
	go p.Run()
	defer func() {
		p.Stop()
		<-p.Done()
	}()

	const yields = 5
	var runs atomic.Int32
	done := make(chan struct{})

	tk := task.New(task.Config{Name: "looper", Main: func(self *task.Task, arg any) any {
		for i := 0; i < yields; i++ {
			runs.Add(1)
			self.Suspend(nil)
		}
		runs.Add(1)
		close(done)
		return nil
	}})
	c.Bind(tk)
	c.MakeReady(tk)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("task never completed")
	}

	if got := runs.Load(); got != yields+1 {
		t.Fatalf("expected %d Running visits, got %d", yields+1, got)
	}
}

// TestProcessorScheduleAffineRunsOnOwningProcessor exercises the
// per-processor external ready list supplement.
func TestProcessorScheduleAffineRunsOnOwningProcessor(t *testing.T) {
	c := cluster.New(cluster.Config{Name: "c"})
	p := New(Config{Name: "p0", Cluster: c})
	go p.Run()
	defer func() {
		p.Stop()
		<-p.Done()
	}()

	ran := make(chan string, 1)
	tk := task.New(task.Config{Name: "affine", Main: func(self *task.Task, arg any) any {
		ran <- self.Processor().Name()
		return nil
	}})
	c.Bind(tk)
	p.ScheduleAffine(tk)

	select {
	case name := <-ran:
		if name != p.Name() {
			t.Fatalf("expected task to run on %s, ran on %s", p.Name(), name)
		}
	case <-time.After(time.Second):
		t.Fatalf("affine task never ran")
	}
}

// TestProcessorMultipleProcessorsDrainReadyQueue exercises the shared
// cluster ready queue being drained fairly across several processors.
func TestProcessorMultipleProcessorsDrainReadyQueue(t *testing.T) {
	c := cluster.New(cluster.Config{Name: "c"})
	procs := make([]*Processor, 3)
	names := []string{"p0", "p1", "p2"}
	for i := range procs {
		procs[i] = New(Config{Name: names[i], Cluster: c, IdleWait: 20 * time.Millisecond})
		go procs[i].Run()
	}
	defer func() {
		for _, p := range procs {
			p.Stop()
		}
		for _, p := range procs {
			<-p.Done()
		}
	}()

	const n = 20
	var completed atomic.Int32
	for i := 0; i < n; i++ {
		tk := task.New(task.Config{Name: "w", Main: func(self *task.Task, arg any) any {
			completed.Add(1)
			return nil
		}})
		c.Bind(tk)
		c.MakeReady(tk)
	}

	deadline := time.Now().Add(2 * time.Second)
	for completed.Load() != n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := completed.Load(); got != n {
		t.Fatalf("expected %d tasks completed, got %d", n, got)
	}
}

// TestProcessorCancellationAtPollPointTerminatesTask exercises the
// cancellation contract: a task spinning on AsyncPoll unwinds
// within one iteration of a cancellation request and the processor
// observes it reach Terminate.
func TestProcessorCancellationAtPollPointTerminatesTask(t *testing.T) {
	c := cluster.New(cluster.Config{Name: "c"})
	p := New(Config{Name: "p0", Cluster: c})
	go p.Run()
	defer func() {
		p.Stop()
		<-p.Done()
	}()

	var iterations atomic.Int32
	tk := task.New(task.Config{Name: "spinner", Main: func(self *task.Task, arg any) any {
		for {
			if err := self.AsyncPoll(); err != nil {
				return err
			}
			iterations.Add(1)
			self.Suspend(nil)
		}
	}})
	c.Bind(tk)
	c.MakeReady(tk)

	// Let the spinner run a few iterations before cancelling it, so the
	// test actually exercises an in-progress loop rather than a task that
	// never got to run.
	deadline := time.Now().Add(time.Second)
	for iterations.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if iterations.Load() == 0 {
		t.Fatalf("spinner never ran a single iteration")
	}

	tk.Cancellation().Request()

	deadline = time.Now().Add(time.Second)
	for tk.State() != task.Terminate && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := tk.State(); got != task.Terminate {
		t.Fatalf("expected task to reach Terminate after cancellation, got %v", got)
	}
}

// TestProcessorDispatchedTaskParksAndResumes exercises the cooperative
// blocking path end to end: a dispatched task arming a wait hands
// control back to the kernel (the processor stays free to run other
// tasks), and a later Unblock requeues it through the cluster so a
// subsequent dispatch resumes it inside Park.
func TestProcessorDispatchedTaskParksAndResumes(t *testing.T) {
	c := cluster.New(cluster.Config{Name: "c"})
	p := New(Config{Name: "p0", Cluster: c, IdleWait: 10 * time.Millisecond})
	go p.Run()
	defer func() {
		p.Stop()
		<-p.Done()
	}()

	resumed := make(chan struct{})
	blocker := task.New(task.Config{Name: "blocker", Main: func(self *task.Task, arg any) any {
		self.Arm()
		self.Park()
		close(resumed)
		return nil
	}})
	c.Bind(blocker)
	c.MakeReady(blocker)

	deadline := time.Now().Add(time.Second)
	for blocker.State() != task.Blocked && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if blocker.State() != task.Blocked {
		t.Fatalf("blocker never parked, state %v", blocker.State())
	}

	// The processor must not be wedged by the parked task.
	ran := make(chan struct{})
	other := task.New(task.Config{Name: "other", Main: func(self *task.Task, arg any) any {
		close(ran)
		return nil
	}})
	c.Bind(other)
	c.MakeReady(other)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("processor did not run other work while a task was parked")
	}

	blocker.Unblock()
	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatalf("parked task was never resumed after Unblock")
	}
}

// TestProcessorRequestPreemptDefersUntilEnableInt exercises the
// preemption-safety invariant: a roll-forward
// requested while DisableInt is active must not take effect until the
// matching EnableInt, and must take effect immediately once it does.
func TestProcessorRequestPreemptDefersUntilEnableInt(t *testing.T) {
	c := cluster.New(cluster.Config{Name: "c"})
	p := New(Config{Name: "p0", Cluster: c})

	p.DisableInt()
	p.RequestPreempt()
	if p.Preempted() {
		t.Fatalf("preemption must not take effect while DisableInt is active")
	}
	if err := p.EnableInt(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Preempted() {
		t.Fatalf("expected preemption to take effect once DisableInt section ended")
	}
}

// TestProcessorSpinOnceCutShortByPendingPreempt exercises spinOnce
// consulting a pending preemption request instead of burning its full
// budget.
func TestProcessorSpinOnceCutShortByPendingPreempt(t *testing.T) {
	c := cluster.New(cluster.Config{Name: "c"})
	p := New(Config{Name: "p0", Cluster: c, SpinBudget: time.Second})
	p.RequestPreempt()

	start := time.Now()
	if p.spinOnce() {
		t.Fatalf("expected spinOnce to report no progress when cut short by preemption")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("expected spinOnce to return promptly once preempted, took %v", elapsed)
	}
	if p.Preempted() {
		t.Fatalf("expected spinOnce to have consumed the pending preemption")
	}
}

// TestProcessorQuantumTickerRequestsPreemption exercises Run's quantum
// ticker (no spin budget, so nothing else consumes the flag) actually
// calling RequestPreempt on schedule.
func TestProcessorQuantumTickerRequestsPreemption(t *testing.T) {
	c := cluster.New(cluster.Config{Name: "c"})
	p := New(Config{Name: "p0", Cluster: c, Quantum: 5 * time.Millisecond})
	go p.Run()
	defer func() {
		p.Stop()
		<-p.Done()
	}()

	deadline := time.Now().Add(time.Second)
	for !p.Preempted() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !p.Preempted() {
		t.Fatalf("expected quantum ticker to request a preemption within the deadline")
	}
}
