package spinlock

import (
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/uruntime/uerr"
)

func TestAcquireReleaseMutualExclusion(t *testing.T) {
	l := New(Config{Name: "test"})
	var counter int
	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			l.Acquire()
			counter++
			if err := l.Release(); err != nil {
				t.Errorf("unexpected release error: %v", err)
			}
		}()
	}
	wg.Wait()
	if counter != n {
		t.Fatalf("expected counter %d, got %d", n, counter)
	}
}

func TestTryAcquireNeverBlocks(t *testing.T) {
	l := New(Config{Name: "test"})
	if !l.TryAcquire() {
		t.Fatalf("expected first TryAcquire to succeed")
	}
	if l.TryAcquire() {
		t.Fatalf("expected second TryAcquire to fail while held")
	}
	if err := l.Release(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l.TryAcquire() {
		t.Fatalf("expected TryAcquire to succeed after release")
	}
}

func TestReleaseWithoutHoldingFails(t *testing.T) {
	prev := uerr.AbortFunc
	defer func() { uerr.AbortFunc = prev }()
	uerr.AbortFunc = func(*uerr.Error) {}

	l := New(Config{Name: "test"})
	if err := l.Release(); err == nil {
		t.Fatalf("expected error releasing an unheld lock")
	}
}

func TestPreemptionGuardNesting(t *testing.T) {
	var g PreemptionGuard
	var ran []int
	g.DisableInt()
	g.DisableInt()
	g.Defer(func() { ran = append(ran, 1) })
	if !g.Disabled() {
		t.Fatalf("expected disabled at depth 2")
	}
	if err := g.EnableInt(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ran) != 0 {
		t.Fatalf("deferred action should not run before outermost EnableInt")
	}
	if err := g.EnableInt(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ran) != 1 {
		t.Fatalf("deferred action should run at depth 0, got %v", ran)
	}
	if g.Disabled() {
		t.Fatalf("expected not disabled at depth 0")
	}
}

func TestPreemptionGuardImbalancedEnableFails(t *testing.T) {
	var g PreemptionGuard
	if err := g.EnableInt(); err == nil {
		t.Fatalf("expected error for unmatched EnableInt")
	}
}

func TestPreemptionGuardDeferRunsImmediatelyWhenNotDisabled(t *testing.T) {
	var g PreemptionGuard
	ran := false
	g.Defer(func() { ran = true })
	if !ran {
		t.Fatalf("expected immediate execution when not disabled")
	}
}

// TestSpinLockAcquireDisablesPreemptionUntilRelease exercises
// SpinLock's own embedded PreemptionGuard: RequestPreempt queued while
// the lock is held must not run until Release, and must run immediately
// once the lock is free.
func TestSpinLockAcquireDisablesPreemptionUntilRelease(t *testing.T) {
	l := New(Config{Name: "test"})
	l.Acquire()
	if !l.PreemptionDisabled() {
		t.Fatalf("expected preemption disabled while held")
	}
	ran := false
	l.RequestPreempt(func() { ran = true })
	if ran {
		t.Fatalf("roll-forward must not run while the lock is held")
	}
	if err := l.Release(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatalf("expected roll-forward to run on Release")
	}
	if l.PreemptionDisabled() {
		t.Fatalf("expected preemption re-armed after Release")
	}
}

// TestSpinLockRequestPreemptRunsImmediatelyWhenFree exercises the
// not-held fast path: RequestPreempt runs fn synchronously rather than
// queuing it, since there is no held critical section to protect.
func TestSpinLockRequestPreemptRunsImmediatelyWhenFree(t *testing.T) {
	l := New(Config{Name: "test"})
	ran := false
	l.RequestPreempt(func() { ran = true })
	if !ran {
		t.Fatalf("expected immediate execution when the lock is free")
	}
}

// TestDebugRecursiveAcquireIsFatal exercises the uniprocessor debug
// check: a goroutine re-acquiring a SpinLock it already holds must be
// reported as a fatal KernelFailure, not left spinning on itself.
func TestDebugRecursiveAcquireIsFatal(t *testing.T) {
	prev := uerr.AbortFunc
	defer func() { uerr.AbortFunc = prev }()
	var aborted *uerr.Error
	uerr.AbortFunc = func(err *uerr.Error) { aborted = err }

	l := New(Config{Name: "test", Debug: true})
	l.Acquire()
	l.Acquire()
	if aborted == nil {
		t.Fatalf("expected the recursive Acquire to abort")
	}
	if aborted.Kind != uerr.KernelFailure {
		t.Fatalf("expected KernelFailure, got %v", aborted.Kind)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestDebugAcquireFromAnotherGoroutineIsNotRecursive checks the debug
// holder tracking does not misfire on ordinary cross-goroutine
// contention.
func TestDebugAcquireFromAnotherGoroutineIsNotRecursive(t *testing.T) {
	prev := uerr.AbortFunc
	defer func() { uerr.AbortFunc = prev }()
	uerr.AbortFunc = func(err *uerr.Error) {
		t.Errorf("unexpected abort: %v", err)
	}

	l := New(Config{Name: "test", Debug: true})
	l.Acquire()
	released := make(chan struct{})
	go func() {
		l.Acquire()
		if err := l.Release(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		close(released)
	}()
	time.Sleep(10 * time.Millisecond)
	if err := l.Release(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatalf("second goroutine never acquired the lock")
	}
}
