//go:build linux

package nbio

import "golang.org/x/sys/unix"

// wakeFD is the platform primitive used to interrupt a poller task
// currently blocked inside the wait syscall. On Linux this is an eventfd
// registered with the same poller as any other fd, so a pending wake
// shows up as ordinary read-readiness on readFD.
type wakeFD struct{ fd int }

// setupWake creates the wake eventfd and registers it with p so that a
// signal() call interrupts a wait blocked in epoll_wait.
func setupWake(p *poller) (*wakeFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	if err := p.add(fd, EventRead); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &wakeFD{fd: fd}, nil
}

// readFD is the fd whose readiness means "a wake was signalled";
// Multiplexor routes it to drain instead of the waiter lists.
func (w *wakeFD) readFD() int { return w.fd }

func (w *wakeFD) signal() {
	var one [8]byte
	one[7] = 1
	_, _ = unix.Write(w.fd, one[:])
}

func (w *wakeFD) drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(w.fd, buf[:]); err != nil {
			return
		}
	}
}

func (w *wakeFD) close() error { return unix.Close(w.fd) }
