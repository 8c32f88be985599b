// Package ringbuf implements the lock-free per-CPU ring buffer at the core of
// the tracing pipeline: sub-buffer slicing, the atomic reserve/commit
// protocol, and the clock sources that feed it.
package ringbuf

import "errors"

var (
	// ErrInvalidConfig is returned when subbuf_size/n_subbufs are not powers
	// of two, are too small to hold a sub-buffer header, or overflow the
	// address space when multiplied.
	ErrInvalidConfig = errors.New("ringbuf: subbuf_size and n_subbufs must be powers of two and fit a sub-buffer header")
	// ErrClockFault is returned when the clock source reports it is unusable.
	ErrClockFault = errors.New("ringbuf: clock source returned a fault")
	// ErrOversize is returned when an event cannot fit in a single sub-buffer.
	ErrOversize = errors.New("ringbuf: event is larger than one sub-buffer")
	// ErrNoSpace is returned when a non-overwrite buffer has no room left
	// for the reservation and the writer is non-blocking.
	ErrNoSpace = errors.New("ringbuf: no space available in non-overwrite buffer")
	// ErrNotReady is returned by GetNextSubbuf when the sub-buffer at the
	// read cursor is not yet fully committed, or no sub-buffer has been
	// produced past the read cursor at all. Maps to EAGAIN at the channel
	// control-operation layer.
	ErrNotReady = errors.New("ringbuf: no sub-buffer ready")
	// ErrPushedByWriter is returned by PutSubbuf when a writer advanced
	// `consumed` past the caller's handle while the caller held it: an
	// overrun. Maps to EIO at the channel control-operation layer.
	ErrPushedByWriter = errors.New("ringbuf: sub-buffer was overwritten by a writer before it could be released")
)
