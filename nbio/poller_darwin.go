//go:build darwin

package nbio

import "golang.org/x/sys/unix"

// poller is the wire-level wait primitive on Darwin: a thin kqueue(2)
// shim. As on Linux, the master-set
// bookkeeping, waiter routing, and poller election live in Multiplexor;
// the only kqueue-specific wrinkle is that interest is expressed as one
// filter per event kind, so changing a set means deleting the dropped
// filters and adding the new ones rather than a single modify call.
type poller struct {
	kq       int
	eventBuf [256]unix.Kevent_t
}

func (p *poller) open() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	return nil
}

func (p *poller) close() error { return unix.Close(p.kq) }

// add registers fd with the given interest set.
func (p *poller) add(fd int, events IOEvents) error {
	return p.apply(fd, events, unix.EV_ADD|unix.EV_ENABLE)
}

// mod replaces fd's interest set, deleting filters no longer wanted and
// adding the newly wanted ones.
func (p *poller) mod(fd int, prev, next IOEvents) error {
	if removed := prev &^ next; removed != 0 {
		// The filter may have fired and auto-cleared; a failed delete of
		// an absent filter is not an error worth surfacing.
		_ = p.apply(fd, removed, unix.EV_DELETE)
	}
	if added := next &^ prev; added != 0 {
		return p.apply(fd, added, unix.EV_ADD|unix.EV_ENABLE)
	}
	return nil
}

// del drops fd from the interest set entirely.
func (p *poller) del(fd int, prev IOEvents) error {
	_ = p.apply(fd, prev, unix.EV_DELETE)
	return nil
}

// apply submits one kevent change per event kind in events.
func (p *poller) apply(fd int, events IOEvents, flags uint16) error {
	var changes []unix.Kevent_t
	if events&EventRead != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&EventWrite != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

// wait blocks for up to timeoutMs (negative means indefinitely) and
// appends each ready fd's observed events to out. EINTR returns with no
// error and nothing appended - the elected poller's own loop re-invokes
// wait.
func (p *poller) wait(timeoutMs int, out []readiness) ([]readiness, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{Sec: int64(timeoutMs / 1000), Nsec: int64((timeoutMs % 1000) * 1000000)}
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return out, nil
		}
		return out, err
	}
	for i := 0; i < n; i++ {
		out = append(out, readiness{fd: int(p.eventBuf[i].Ident), events: keventToEvents(&p.eventBuf[i])})
	}
	return out, nil
}

// keventToEvents translates a kevent back to IOEvents; EV_ERROR/EV_EOF
// become EventError/EventHangup, the except-set bits multiplexor.onReady
// always wakes a waiter for regardless of its requested read/write mask.
func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
