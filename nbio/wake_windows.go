//go:build windows

package nbio

// wakeFD on Windows rides the completion port's own
// PostQueuedCompletionStatus wake-up (poller.wakeup) rather than a
// registered file descriptor, since IOCP has no analogue of
// eventfd/self-pipe. The bare completion it posts is reported by wait
// as fd -1, which Multiplexor routes to drain unconditionally.
type wakeFD struct{ poller *poller }

func setupWake(p *poller) (*wakeFD, error) { return &wakeFD{poller: p}, nil }

// readFD returns -1: there is no wake fd, only the fd -1 bare-wake
// convention wait already reports.
func (w *wakeFD) readFD() int { return -1 }

func (w *wakeFD) signal() { _ = w.poller.wakeup() }

func (w *wakeFD) drain() {}

func (w *wakeFD) close() error { return nil }
