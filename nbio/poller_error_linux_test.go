//go:build linux

package nbio

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMultiplexorBroadcastsEBADFToEveryWaiter(t *testing.T) {
	m := New(Config{Name: "test"})
	defer m.Close()

	r1, w1, err := os.Pipe()
	require.NoError(t, err)
	defer r1.Close()
	defer w1.Close()
	r2, w2, err := os.Pipe()
	require.NoError(t, err)
	defer r2.Close()
	defer w2.Close()

	errCh1 := make(chan error, 1)
	errCh2 := make(chan error, 1)
	go func() {
		_, err := m.SelectWait(int(r1.Fd()), EventRead, nil, 0)
		errCh1 <- err
	}()
	time.Sleep(10 * time.Millisecond) // let the first waiter become poller
	go func() {
		_, err := m.SelectWait(int(r2.Fd()), EventRead, nil, 0)
		errCh2 <- err
	}()
	time.Sleep(10 * time.Millisecond) // let the second waiter park

	sabotagePoller(m)
	// Nudge the poller out of its blocking EpollWait via the wake fd (the
	// in-flight wait still holds a reference to the epoll file, so events
	// keep arriving) without satisfying either waiter; its next wait on
	// the closed epfd then observes EBADF and broadcasts.
	m.wake.signal()

	select {
	case err := <-errCh1:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatalf("first waiter was never woken with the poll error")
	}
	select {
	case err := <-errCh2:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatalf("second waiter was never woken with the poll error")
	}
}
