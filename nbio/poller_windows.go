//go:build windows

package nbio

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// poller is the wire-level wait primitive on Windows, riding an I/O
// completion port. IOCP inverts the readiness model the other platforms
// share: a completion identifies the overlapped request that finished,
// not a registered fd that became ready, and attributing it back to an
// fd would require wrapping every user read/write in this kernel's own
// overlapped-I/O request type - out of scope for a readiness
// multiplexor (component I multiplexes readiness, it does not also
// reimplement Winsock's I/O model). wait therefore reports every
// dequeued completion as a bare wake-up (fd -1): waiters still make
// progress through their own deadlines and retried syscalls, and
// wakeup() - PostQueuedCompletionStatus, the platform's native
// interrupt-the-poller primitive - needs nothing more than that.
type poller struct {
	iocp windows.Handle
}

func (p *poller) open() error {
	iocp, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return err
	}
	p.iocp = iocp
	return nil
}

func (p *poller) close() error { return windows.CloseHandle(p.iocp) }

// add associates fd's handle with the completion port. The interest set
// is ignored: IOCP has no per-event filters to arm.
func (p *poller) add(fd int, events IOEvents) error {
	_, err := windows.CreateIoCompletionPort(windows.Handle(fd), p.iocp, uintptr(fd), 0)
	return err
}

// mod is a no-op: IOCP has no interest masks to adjust.
func (p *poller) mod(fd int, prev, next IOEvents) error { return nil }

// del is a no-op: a handle's association ends when the handle closes.
func (p *poller) del(fd int, prev IOEvents) error { return nil }

// wait blocks for up to timeoutMs (negative means indefinitely) on the
// completion port. Every dequeued completion - a bare wake posted via
// wakeup or a real overlapped completion - is reported as fd -1, per the
// type comment above.
func (p *poller) wait(timeoutMs int, out []readiness) ([]readiness, error) {
	var timeout *uint32
	if timeoutMs >= 0 {
		t := uint32(timeoutMs)
		timeout = &t
	}

	var bytes uint32
	var key uintptr
	var overlapped *windows.Overlapped
	err := windows.GetQueuedCompletionStatus(p.iocp, &bytes, &key, &overlapped, timeout)
	if err != nil {
		if errno, ok := err.(syscall.Errno); ok && errno == windows.WAIT_TIMEOUT {
			return out, nil
		}
		return out, err
	}
	return append(out, readiness{fd: -1}), nil
}

// wakeup interrupts a wait blocked on the completion port from another
// thread.
func (p *poller) wakeup() error {
	return windows.PostQueuedCompletionStatus(p.iocp, 0, 0, nil)
}
