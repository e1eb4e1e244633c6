package nbio

import "errors"

// errEWouldBlock is the sentinel a SelectWait wrapper returns to mean
// "no progress, keep waiting". User-facing wrapper functions compare
// against this with errors.Is.
var errEWouldBlock = errors.New("nbio: operation would block")

// ErrWouldBlock is the exported form of errEWouldBlock for wrapper
// authors outside this package.
var ErrWouldBlock = errEWouldBlock

// IsWouldBlock reports whether err is (or wraps) ErrWouldBlock.
func IsWouldBlock(err error) bool { return errors.Is(err, errEWouldBlock) }
