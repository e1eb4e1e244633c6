//go:build linux

package nbio

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestMultiplexor(t *testing.T) *Multiplexor {
	m := New(Config{Name: "test"})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMultiplexorSelectWaitWakesOnReadiness(t *testing.T) {
	m := newTestMultiplexor(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	resultCh := make(chan IOEvents, 1)
	errCh := make(chan error, 1)
	go func() {
		ev, err := m.SelectWait(int(r.Fd()), EventRead, nil, 0)
		errCh <- err
		resultCh <- ev
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-resultCh:
		require.NoError(t, <-errCh)
		require.NotZero(t, ev&EventRead)
	case <-time.After(time.Second):
		t.Fatalf("SelectWait never woke for the readable pipe")
	}
}

func TestMultiplexorSelectWaitTimesOutWhenNeverReady(t *testing.T) {
	m := newTestMultiplexor(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	ev, err := m.SelectWait(int(r.Fd()), EventRead, nil, 20*time.Millisecond)
	require.NoError(t, err)
	require.Zero(t, ev, "a timed-out wait must report no ready events")
}

func TestMultiplexorSelectMaskWaitReportsOnlyReadyFDs(t *testing.T) {
	m := newTestMultiplexor(t)
	r1, w1, err := os.Pipe()
	require.NoError(t, err)
	defer r1.Close()
	defer w1.Close()
	r2, w2, err := os.Pipe()
	require.NoError(t, err)
	defer r2.Close()
	defer w2.Close()

	masks := map[int]IOEvents{int(r1.Fd()): EventRead, int(r2.Fd()): EventRead}

	resultCh := make(chan map[int]IOEvents, 1)
	go func() {
		results, err := m.SelectMaskWait(masks, 0)
		require.NoError(t, err)
		resultCh <- results
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = w2.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case results := <-resultCh:
		require.Len(t, results, 1)
		_, ok := results[int(r2.Fd())]
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("SelectMaskWait never woke for the readable pipe")
	}
}

func TestMultiplexorCloseWakesPendingWaitersWithError(t *testing.T) {
	m := New(Config{Name: "test"})
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.SelectWait(int(r.Fd()), EventRead, nil, 0)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, m.PendingWaiters())
	require.NoError(t, m.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Close never woke the pending waiter")
	}
}

func TestMultiplexorPendingWaitersReflectsLiveWaiters(t *testing.T) {
	m := newTestMultiplexor(t)
	require.Equal(t, 0, m.PendingWaiters())

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	done := make(chan struct{})
	go func() {
		_, _ = m.SelectWait(int(r.Fd()), EventRead, nil, 0)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, m.PendingWaiters())

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	<-done

	require.Eventually(t, func() bool { return m.PendingWaiters() == 0 }, time.Second, time.Millisecond)
}
