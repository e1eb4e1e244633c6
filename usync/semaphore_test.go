package usync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSemaphorePVUncontended(t *testing.T) {
	s := NewSemaphore("s", 1, nil)
	tk := newTestTask("a")
	s.P(tk)
	require.Equal(t, 0, s.Count(), "expected count 0 after P")
	s.V()
	require.Equal(t, 1, s.Count(), "expected count 1 after V")
}

func TestSemaphoreBlocksAtZero(t *testing.T) {
	s := NewSemaphore("s", 0, nil)
	tk := newTestTask("a")

	woken := make(chan struct{})
	go func() {
		s.P(tk)
		close(woken)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-woken:
		t.Fatalf("P should still be blocked")
	default:
	}

	s.V()
	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatalf("V never woke the waiter")
	}
}

func TestSemaphoreTryP(t *testing.T) {
	s := NewSemaphore("s", 1, nil)
	tk := newTestTask("a")
	require.True(t, s.TryP(tk), "expected TryP to succeed with count 1")
	require.False(t, s.TryP(tk), "expected TryP to fail with count 0")
}

func TestSemaphorePTimeoutExpiresAndRestoresCount(t *testing.T) {
	s := NewSemaphore("s", 0, nil)
	tk := newTestTask("a")
	expired := s.PTimeout(tk, 20*time.Millisecond)
	if !expired {
		t.Fatalf("expected PTimeout to expire")
	}
	if s.Count() != 0 {
		t.Fatalf("expected count restored to 0, got %d", s.Count())
	}
}

func TestSemaphorePTimeoutBeatenByV(t *testing.T) {
	s := NewSemaphore("s", 0, nil)
	tk := newTestTask("a")
	go func() {
		time.Sleep(5 * time.Millisecond)
		s.V()
	}()
	expired := s.PTimeout(tk, 500*time.Millisecond)
	if expired {
		t.Fatalf("expected V to beat the timeout")
	}
}

func TestSemaphoreCloseFailsWithWaiters(t *testing.T) {
	s := NewSemaphore("s", 0, nil)
	tk := newTestTask("a")
	go s.P(tk)
	time.Sleep(20 * time.Millisecond)
	if err := s.Close(); err == nil {
		t.Fatalf("expected Close to fail with a blocked waiter")
	}
	s.V()
}

func TestSemaphoreSignalWait(t *testing.T) {
	other := NewSemaphore("other", 0, nil)
	s := NewSemaphore("s", 0, nil)
	tk := newTestTask("a")

	gotSignal := make(chan struct{})
	go func() {
		waiter := newTestTask("waiter")
		other.P(waiter)
		close(gotSignal)
	}()

	time.Sleep(5 * time.Millisecond)
	go s.V()
	s.SignalWait(tk, other)

	select {
	case <-gotSignal:
	case <-time.After(time.Second):
		t.Fatalf("SignalWait never signalled other")
	}
}
