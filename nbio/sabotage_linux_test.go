//go:build linux

package nbio

import "golang.org/x/sys/unix"

// sabotagePoller closes the Multiplexor's underlying epoll fd out from
// under it, guaranteeing the next wait call returns EBADF. The only
// realistic way to exercise the EBADF broadcast path is to corrupt the
// poller's master fd directly, since a single bad registered fd fails
// synchronously at EpollCtl time rather than surfacing through
// EpollWait.
func sabotagePoller(m *Multiplexor) {
	_ = unix.Close(m.poller.epfd)
}
