//go:build linux

package nbio

import "golang.org/x/sys/unix"

// poller is the wire-level wait primitive on Linux: a thin epoll(7)
// shim. The master-set bookkeeping, waiter
// routing, and poller election all live in Multiplexor - which already
// owns the fd-to-waiter mapping - so this type carries nothing but the
// kernel object, a readiness buffer, and the event-bit translation.
type poller struct {
	epfd     int
	eventBuf [256]unix.EpollEvent
}

func (p *poller) open() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	return nil
}

func (p *poller) close() error { return unix.Close(p.epfd) }

// add registers fd with the given interest set.
func (p *poller) add(fd int, events IOEvents) error {
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

// mod replaces fd's interest set. prev is unused here; the kqueue shim
// needs it to compute which filters to delete.
func (p *poller) mod(fd int, prev, next IOEvents) error {
	ev := &unix.EpollEvent{Events: eventsToEpoll(next), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// del drops fd from the interest set entirely. prev is unused here.
func (p *poller) del(fd int, prev IOEvents) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for up to timeoutMs (negative means indefinitely) and
// appends each ready fd's observed events to out. EINTR returns with no
// error and nothing appended - the elected poller's own loop re-invokes
// wait.
func (p *poller) wait(timeoutMs int, out []readiness) ([]readiness, error) {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return out, nil
		}
		return out, err
	}
	for i := 0; i < n; i++ {
		out = append(out, readiness{fd: int(p.eventBuf[i].Fd), events: epollToEvents(p.eventBuf[i].Events)})
	}
	return out, nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
