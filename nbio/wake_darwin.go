//go:build darwin

package nbio

import "golang.org/x/sys/unix"

// wakeFD is the platform primitive used to interrupt a poller task
// currently blocked inside the wait syscall. kqueue has no eventfd
// equivalent, so this uses a self-pipe registered as an ordinary
// read-readiness fd.
type wakeFD struct{ r, w int }

func setupWake(p *poller) (*wakeFD, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	_ = unix.SetNonblock(fds[0], true)
	_ = unix.SetNonblock(fds[1], true)
	wf := &wakeFD{r: fds[0], w: fds[1]}
	if err := p.add(wf.r, EventRead); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, err
	}
	return wf, nil
}

// readFD is the fd whose readiness means "a wake was signalled";
// Multiplexor routes it to drain instead of the waiter lists.
func (w *wakeFD) readFD() int { return w.r }

func (w *wakeFD) signal() {
	_, _ = unix.Write(w.w, []byte{1})
}

func (w *wakeFD) drain() {
	var buf [64]byte
	for {
		if _, err := unix.Read(w.r, buf[:]); err != nil {
			return
		}
	}
}

func (w *wakeFD) close() error {
	_ = unix.Close(w.w)
	return unix.Close(w.r)
}
