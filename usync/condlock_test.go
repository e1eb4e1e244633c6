package usync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/uruntime/uerr"
)

// TestCondLockProducerConsumer exercises the canonical bounded-buffer
// hand-off: a consumer waits on "not empty", a producer fills the buffer
// and signals, and the consumer must wake up already holding the lock.
func TestCondLockProducerConsumer(t *testing.T) {
	lock := NewOwnerLock("buf", nil)
	notEmpty := NewCondLock("notEmpty", nil)

	var buf []int
	const n = 1000

	consumer := newTestTask("consumer")
	producer := newTestTask("producer")

	var got []int
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			lock.Acquire(consumer)
			for len(buf) == 0 {
				if err := notEmpty.Wait(consumer, lock); err != nil {
					t.Errorf("Wait: %v", err)
				}
			}
			got = append(got, buf[0])
			buf = buf[1:]
			if err := lock.Release(consumer); err != nil {
				t.Errorf("Release: %v", err)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			time.Sleep(time.Millisecond)
			lock.Acquire(producer)
			buf = append(buf, i)
			notEmpty.Signal()
			if err := lock.Release(producer); err != nil {
				t.Errorf("Release: %v", err)
			}
		}
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("producer/consumer did not complete")
	}

	if len(got) != n {
		t.Fatalf("expected %d items consumed, got %d", n, len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected FIFO order, got %v at index %d", v, i)
		}
	}
}

func TestCondLockBroadcastWakesAll(t *testing.T) {
	lock := NewOwnerLock("l", nil)
	cond := NewCondLock("c", nil)

	const n = 4
	woken := make(chan int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			tk := newTestTask("waiter")
			lock.Acquire(tk)
			if err := cond.Wait(tk, lock); err != nil {
				t.Errorf("Wait: %v", err)
			}
			woken <- i
			if err := lock.Release(tk); err != nil {
				t.Errorf("Release: %v", err)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	if cond.Len() != n {
		t.Fatalf("expected %d waiters parked, got %d", n, cond.Len())
	}

	cond.Broadcast()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("broadcast did not wake all waiters")
	}
	close(woken)
	count := 0
	for range woken {
		count++
	}
	if count != n {
		t.Fatalf("expected %d wakeups, got %d", n, count)
	}
}

func TestCondLockWaitTimeoutExpiresAndReacquiresLock(t *testing.T) {
	lock := NewOwnerLock("l", nil)
	cond := NewCondLock("c", nil)
	tk := newTestTask("tk")

	lock.Acquire(tk)
	timedOut, err := cond.WaitTimeout(tk, lock, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitTimeout: %v", err)
	}
	if !timedOut {
		t.Fatalf("expected timeout with no signaller")
	}
	if lock.Owner() != tk {
		t.Fatalf("expected lock to be reacquired by tk after timeout")
	}
}

// TestCondLockCloseFailsWaitersWithWaitingFailure exercises destroying a
// condition with tasks still parked on it: each waiter's Wait must return
// WaitingFailure (without reacquiring the lock - the wait failed rather
// than completing), and Close itself reports the misuse to its caller.
func TestCondLockCloseFailsWaitersWithWaitingFailure(t *testing.T) {
	lock := NewOwnerLock("l", nil)
	cond := NewCondLock("c", nil)

	waitErr := make(chan error, 1)
	go func() {
		tk := newTestTask("waiter")
		lock.Acquire(tk)
		waitErr <- cond.Wait(tk, lock)
	}()

	time.Sleep(20 * time.Millisecond)
	if cond.Len() != 1 {
		t.Fatalf("expected one waiter parked, got %d", cond.Len())
	}

	if err := cond.Close(); !errors.Is(err, uerr.ErrWaitingFailure) {
		t.Fatalf("expected Close to report WaitingFailure, got %v", err)
	}

	select {
	case err := <-waitErr:
		if !errors.Is(err, uerr.ErrWaitingFailure) {
			t.Fatalf("expected WaitingFailure from Wait, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter was never woken by Close")
	}

	if lock.Owner() != nil {
		t.Fatalf("expected lock left free: a failed wait does not reacquire it")
	}
}

// Closing an empty condition is a no-op, matching the signal/broadcast
// round-trip property for an empty queue.
func TestCondLockCloseEmptyIsNoOp(t *testing.T) {
	cond := NewCondLock("c", nil)
	if err := cond.Close(); err != nil {
		t.Fatalf("expected nil from closing an empty condition, got %v", err)
	}
}

func TestCondLockSignalBeatsTimeout(t *testing.T) {
	lock := NewOwnerLock("l", nil)
	cond := NewCondLock("c", nil)
	tk := newTestTask("tk")

	lock.Acquire(tk)
	go func() {
		time.Sleep(5 * time.Millisecond)
		signaller := newTestTask("signaller")
		lock.Acquire(signaller)
		cond.Signal()
		_ = lock.Release(signaller)
	}()

	timedOut, err := cond.WaitTimeout(tk, lock, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitTimeout: %v", err)
	}
	if timedOut {
		t.Fatalf("expected signal to beat the timeout")
	}
	if lock.Owner() != tk {
		t.Fatalf("expected lock owned by tk after signalled wake")
	}
}
