package ringbuf

import (
	"math/bits"
	"sync/atomic"
)

// DeliverFunc is invoked when a sub-buffer becomes reader-visible. The
// reserve/commit accounting guarantees it fires exactly once per
// (sub-buffer index, generation). How the notification reaches the reader
// is up to the caller; nothing here crosses a process boundary at the
// point of delivery.
type DeliverFunc func(subbufIndex uint32)

// Buffer is a fixed power-of-two byte region sliced into n_subbufs equal
// sub-buffers, plus the atomic bookkeeping the reservation protocol and
// commit/delivery engine need. Unlike a kernel-maintained head/tail ring,
// every sub-buffer carries its own reserve/commit ledger, since many
// writers produce into it concurrently.
type Buffer struct {
	storage RingStorage

	subbufSize     uint32
	nSubbufs       uint32
	allocSize      uint32
	subbufSizeLog2 uint32
	subbufMask     uint32
	allocMask      uint32

	offset   uint32 // atomic, monotonic mod 2^32 write cursor
	consumed uint32 // atomic, monotonic mod 2^32 read cursor

	reserveCount []uint32 // atomic, per sub-buffer
	commitCount  []uint32 // atomic, per sub-buffer

	eventsLost          uint64 // atomic
	corruptedSubbuffers uint64 // atomic

	overwrite bool
	blocking  bool
	writerSem chan struct{} // counting semaphore, capacity n_subbufs

	clock    Clock
	startTSC uint64
	deliver  DeliverFunc
}

// Config controls Buffer construction.
type Config struct {
	SubbufSize uint32
	NSubbufs   uint32
	// Overwrite selects overwrite mode: when true, a writer that catches up
	// to the reader advances `consumed` rather than dropping events.
	Overwrite bool
	// Blocking selects blocking-writer mode: when true (and Overwrite is
	// false), a writer that would reserve into a subbuffer with no free
	// permit waits on the writer semaphore instead of dropping the event.
	Blocking bool
	Clock    Clock
	Deliver  DeliverFunc
}

// NewBuffer constructs a Buffer over storage, validating that subbuf_size
// and n_subbufs are powers of two.
func NewBuffer(storage RingStorage, cfg Config) (*Buffer, error) {
	subbufSize := storage.SubbufSize()
	nSubbufs := storage.NSubbufs()
	if !isPowerOfTwo(subbufSize) || !isPowerOfTwo(nSubbufs) {
		return nil, ErrInvalidConfig
	}
	if subbufSize < BlockStartWireSize {
		return nil, ErrInvalidConfig
	}
	allocSize64 := uint64(subbufSize) * uint64(nSubbufs)
	if allocSize64 == 0 || allocSize64 > uint64(^uint32(0)) {
		return nil, ErrInvalidConfig
	}
	if len(storage.Data()) < int(allocSize64) {
		return nil, ErrInvalidConfig
	}

	clock := cfg.Clock
	if clock == nil {
		clock = NewSoftwareClock(1000000)
	}
	startTSC, _ := clock.Now()

	sem := make(chan struct{}, nSubbufs)
	for i := uint32(0); i < nSubbufs; i++ {
		sem <- struct{}{}
	}

	b := &Buffer{
		storage:        storage,
		subbufSize:     subbufSize,
		nSubbufs:       nSubbufs,
		allocSize:      uint32(allocSize64),
		subbufSizeLog2: uint32(bits.TrailingZeros32(subbufSize)),
		subbufMask:     subbufSize - 1,
		allocMask:      uint32(allocSize64) - 1,
		reserveCount:   make([]uint32, nSubbufs),
		commitCount:    make([]uint32, nSubbufs),
		overwrite:      cfg.Overwrite,
		blocking:       cfg.Blocking,
		writerSem:      sem,
		clock:          clock,
		startTSC:       startTSC,
		deliver:        cfg.Deliver,
	}
	if b.deliver == nil {
		b.deliver = func(uint32) {}
	}
	return b, nil
}

// Close releases the buffer's storage.
func (b *Buffer) Close() error {
	return b.storage.Close()
}

// Storage returns the backing RingStorage.
func (b *Buffer) Storage() RingStorage { return b.storage }

// NSubbufs returns the number of sub-buffers.
func (b *Buffer) NSubbufs() uint32 { return b.nSubbufs }

// SubbufSize returns the size in bytes of each sub-buffer.
func (b *Buffer) SubbufSize() uint32 { return b.subbufSize }

// EventsLost returns the monotonic count of events dropped on the writer
// fast path (TransientFull, Oversize, ClockFault).
func (b *Buffer) EventsLost() uint64 { return atomic.LoadUint64(&b.eventsLost) }

// CorruptedSubbuffers returns the monotonic count of sub-buffers whose
// previous generation was overwritten before every writer had committed.
func (b *Buffer) CorruptedSubbuffers() uint64 { return atomic.LoadUint64(&b.corruptedSubbuffers) }

// Offset returns the current write cursor (for tests and diagnostics).
func (b *Buffer) Offset() uint32 { return atomic.LoadUint32(&b.offset) }

// Consumed returns the current read cursor (for tests and diagnostics).
func (b *Buffer) Consumed() uint32 { return atomic.LoadUint32(&b.consumed) }

// AllocSize returns subbuf_size * n_subbufs.
func (b *Buffer) AllocSize() uint32 { return b.allocSize }

// PendingBytes returns offset-consumed (mod 2^32): bytes the writers have
// produced that the reader has not yet released. Used by pkg/reader to
// decide poll priority.
func (b *Buffer) PendingBytes() uint32 {
	return atomic.LoadUint32(&b.offset) - atomic.LoadUint32(&b.consumed)
}

// subbufIndex implements SUBBUF_INDEX(o) = (o mod alloc_size) / subbuf_size.
func (b *Buffer) subbufIndex(o uint32) uint32 {
	return (o & b.allocMask) >> b.subbufSizeLog2
}

// subbufOffset implements SUBBUF_OFFSET(o) = o mod subbuf_size.
func (b *Buffer) subbufOffset(o uint32) uint32 {
	return o & b.subbufMask
}

// subbufAlign implements SUBBUF_ALIGN(o), rounding up to the next
// sub-buffer start.
func (b *Buffer) subbufAlign(o uint32) uint32 {
	return (o + b.subbufSize) &^ b.subbufMask
}

// subbufTrunc implements SUBBUF_TRUNC(o), rounding down to the current
// sub-buffer start.
func (b *Buffer) subbufTrunc(o uint32) uint32 {
	return o &^ b.subbufMask
}

// slotBytes returns the storage slice covering [offset, offset+n) of the
// ring's address space. Because a reservation never straddles a sub-buffer
// boundary (see reserve.go), and alloc_size is an exact multiple of
// subbuf_size, this slice never wraps the physical storage array.
func (b *Buffer) slotBytes(offset, n uint32) []byte {
	pos := offset & b.allocMask
	return b.storage.Data()[pos : pos+n]
}

func alignUp(n, a uint32) uint32 {
	return (n + a - 1) &^ (a - 1)
}
