package channel

import (
	"errors"
	"strings"
	"sync"

	"github.com/ringtrace/ringtrace/pkg/ringbuf"
)

// flightRecorderPrefix names the channel class drained only at teardown.
const flightRecorderPrefix = "flight-"

// Config drives Channel construction: both the controller's -o
// channel.<name>.* options and a per-CPU channel set's construction read
// from this shape.
type Config struct {
	Name       string
	CPU        int
	SubbufSize uint32
	NSubbufs   uint32
	Overwrite  bool
	Blocking   bool
	Clock      ringbuf.Clock
}

// IsFlightRecorder reports whether Name begins with "flight-".
func (c Config) IsFlightRecorder() bool {
	return strings.HasPrefix(c.Name, flightRecorderPrefix)
}

// Handle is the consumer-side receipt from GetSubbuf, opaque to callers
// outside this package; PutSubbuf validates it against the channel's
// currently outstanding handle before releasing anything.
type Handle struct {
	inner *ringbuf.ReadHandle
}

// Index returns the sub-buffer index this handle refers to.
func (h *Handle) Index() uint32 { return h.inner.Index }

// Channel pairs a ringbuf.Buffer with its backing storage and
// configuration: the unit the controller creates/destroys and the daemon
// drains.
type Channel struct {
	mu sync.Mutex

	cfg     Config
	buf     *ringbuf.Buffer
	storage ringbuf.RingStorage

	outstanding *ringbuf.ReadHandle
}

// New constructs a Channel over storage using cfg, deriving the underlying
// ringbuf.Buffer's overwrite/blocking/clock settings from cfg. Flight
// recorder channels are always constructed in overwrite mode: nothing
// drains them during normal operation.
func New(storage ringbuf.RingStorage, cfg Config, deliver ringbuf.DeliverFunc) (*Channel, error) {
	overwrite := cfg.Overwrite || cfg.IsFlightRecorder()
	buf, err := ringbuf.NewBuffer(storage, ringbuf.Config{
		Overwrite: overwrite,
		Blocking:  cfg.Blocking,
		Clock:     cfg.Clock,
		Deliver:   deliver,
	})
	if err != nil {
		return nil, err
	}
	return &Channel{cfg: cfg, buf: buf, storage: storage}, nil
}

// Name returns the channel's configured name.
func (c *Channel) Name() string { return c.cfg.Name }

// CPU returns the CPU index this channel is associated with.
func (c *Channel) CPU() int { return c.cfg.CPU }

// FlightRecorder reports whether this is a flight-recorder channel.
func (c *Channel) FlightRecorder() bool { return c.cfg.IsFlightRecorder() }

// Buffer exposes the underlying ring buffer for writers.
func (c *Channel) Buffer() *ringbuf.Buffer { return c.buf }

// Storage exposes the backing RingStorage, e.g. for FileDescriptor() when
// registering into an eBPF map (pkg/kernelsource).
func (c *Channel) Storage() ringbuf.RingStorage { return c.storage }

// Close releases the channel's backing storage.
func (c *Channel) Close() error { return c.storage.Close() }

// GetSubbuf implements the GET_SUBBUF control operation: it returns the
// oldest readable sub-buffer's handle, or ErrAgain (EAGAIN) if none is
// ready.
func (c *Channel) GetSubbuf() (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rh, err := c.buf.GetNextSubbuf()
	if err != nil {
		if errors.Is(err, ringbuf.ErrNotReady) {
			return nil, ErrAgain
		}
		return nil, err
	}
	c.outstanding = rh
	return &Handle{inner: rh}, nil
}

// PutSubbuf implements the PUT_SUBBUF control operation: it releases a
// sub-buffer previously obtained via GetSubbuf. ErrOverrun
// (EIO) means a writer advanced past the reader while the handle was held;
// ErrInvalidHandle (EFAULT) means h does not match the currently
// outstanding handle.
func (c *Channel) PutSubbuf(h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h == nil || c.outstanding == nil || h.inner.ConsumedOld != c.outstanding.ConsumedOld {
		return ErrInvalidHandle
	}
	err := c.buf.PutSubbuf(h.inner)
	c.outstanding = nil
	if errors.Is(err, ringbuf.ErrPushedByWriter) {
		return ErrOverrun
	}
	return err
}

// GetNSubbufs implements the GET_N_SUBBUFS control operation: reports
// channel geometry.
func (c *Channel) GetNSubbufs() uint32 { return c.buf.NSubbufs() }

// GetSubbufSize implements the GET_SUBBUF_SIZE control operation: reports
// channel geometry.
func (c *Channel) GetSubbufSize() uint32 { return c.buf.SubbufSize() }

// Bytes returns the raw bytes of the sub-buffer referenced by h, for the
// daemon to write to disk.
func (c *Channel) Bytes(h *Handle) []byte {
	return c.buf.SubbufBytes(h.inner.Index)
}

// EventsLost and CorruptedSubbuffers expose the Buffer's observability
// counters for metric snapshots.
func (c *Channel) EventsLost() uint64          { return c.buf.EventsLost() }
func (c *Channel) CorruptedSubbuffers() uint64 { return c.buf.CorruptedSubbuffers() }

// Ready reports whether GetSubbuf would currently return a handle rather
// than ErrAgain, without mutating any channel state: GetNextSubbuf only
// reads atomics, so peeking is safe to call repeatedly.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.buf.GetNextSubbuf()
	return err == nil
}

// FillFraction returns the fraction [0, 1] of the ring's capacity occupied
// by bytes the writers have produced but the reader has not yet released,
// used by pkg/reader to classify nearly-full channels as high priority.
func (c *Channel) FillFraction() float64 {
	pending := c.buf.PendingBytes()
	alloc := c.buf.AllocSize()
	if alloc == 0 {
		return 0
	}
	return float64(pending) / float64(alloc)
}
