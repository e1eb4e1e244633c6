package task

import (
	"testing"
	"time"
)

type fakeCluster struct{ name string }

func (f *fakeCluster) Name() string        { return f.name }
func (f *fakeCluster) MakeReady(t *Task)    {}

func TestNewTaskStartsInStartState(t *testing.T) {
	tk := New(Config{Name: "t1", Main: func(self *Task, arg any) any { return nil }})
	if tk.State() != Start {
		t.Fatalf("expected Start, got %v", tk.State())
	}
}

func TestClusterBinding(t *testing.T) {
	tk := New(Config{Name: "t1"})
	c := &fakeCluster{name: "c1"}
	tk.SetCluster(c)
	if tk.Cluster().Name() != "c1" {
		t.Fatalf("expected cluster c1, got %v", tk.Cluster())
	}
}

func TestPriorityInheritanceAndRestore(t *testing.T) {
	low := New(Config{Name: "low", Priority: 10})
	high := New(Config{Name: "high", Priority: 1})

	low.Inherit(high)
	if low.ActivePriority() != 1 {
		t.Fatalf("expected inherited priority 1, got %d", low.ActivePriority())
	}
	if low.BasePriority() != 10 {
		t.Fatalf("base priority must be unaffected, got %d", low.BasePriority())
	}
	low.Uninherit()
	if low.ActivePriority() != 10 {
		t.Fatalf("expected restored priority 10, got %d", low.ActivePriority())
	}
}

func TestInheritOnlyRaisesNeverLowers(t *testing.T) {
	low := New(Config{Name: "low", Priority: 10})
	lower := New(Config{Name: "lower", Priority: 20})
	low.Inherit(lower)
	if low.ActivePriority() != 10 {
		t.Fatalf("inherit from a lower priority task must not change active priority, got %d", low.ActivePriority())
	}
}

func TestBlockUnblock(t *testing.T) {
	tk := New(Config{Name: "t1"})
	done := make(chan struct{})
	go func() {
		tk.Block()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	if tk.State() != Blocked {
		t.Fatalf("expected Blocked, got %v", tk.State())
	}
	tk.Unblock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for unblock")
	}
	if tk.State() != Ready {
		t.Fatalf("expected Ready after unblock, got %v", tk.State())
	}
}

func TestUnblockWithoutBlockIsNoOp(t *testing.T) {
	tk := New(Config{Name: "t1"})
	tk.Unblock()
}

// TestArmThenUnblockBeforeParkStillWakes exercises the lost-wakeup fix
// Arm/Park exists for: a caller that Arms, is observed by a concurrent
// Unblock, and only then calls Park must still wake promptly instead of
// parking forever.
func TestArmThenUnblockBeforeParkStillWakes(t *testing.T) {
	tk := New(Config{Name: "t1"})
	tk.Arm()
	tk.Unblock()
	done := make(chan struct{})
	go func() {
		tk.Park()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Park never returned after Unblock raced ahead of it")
	}
}

func TestIntrusiveListSlot(t *testing.T) {
	a := New(Config{Name: "a"})
	b := New(Config{Name: "b"})
	a.SetNext(b)
	a.SetOnList("ready")
	if a.Next() != b {
		t.Fatalf("expected next to be b")
	}
	if a.OnList() != "ready" {
		t.Fatalf("expected onList ready, got %s", a.OnList())
	}
}
