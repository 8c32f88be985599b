// Package channel implements the consumer handoff control operations:
// GetSubbuf, PutSubbuf, GetNSubbufs, GetSubbufSize. It pairs a
// ringbuf.Buffer with its backing ringbuf.RingStorage and per-channel
// configuration (overwrite, flight-recorder, CPU index) into the unit the
// controller creates/destroys and the daemon drains.
//
// The four operations are exposed as plain Go methods returning the
// sentinel errors below in place of EAGAIN/EIO/EFAULT; there is no real
// ioctl(2) surface since channels live in userspace.
package channel

import "errors"

var (
	// ErrAgain stands in for EAGAIN: no sub-buffer is currently readable.
	ErrAgain = errors.New("channel: no sub-buffer available (EAGAIN)")
	// ErrOverrun stands in for EIO: the sub-buffer the caller held was
	// overwritten by a writer before PutSubbuf released it.
	ErrOverrun = errors.New("channel: sub-buffer was overrun by a writer (EIO)")
	// ErrInvalidHandle stands in for EFAULT: PutSubbuf was called with a
	// handle that does not match the channel's currently outstanding
	// GetSubbuf handle.
	ErrInvalidHandle = errors.New("channel: invalid sub-buffer handle (EFAULT)")
)
