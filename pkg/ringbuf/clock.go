package ringbuf

import (
	"sync/atomic"
	"time"

	goperf "github.com/elastic/go-perf"
)

// Clock is the writer fast path's only time source. Now reports ok=false
// when the underlying source is unusable, which Reserve treats as a clock
// fault: the event is dropped and events_lost increments.
type Clock interface {
	Now() (tsc uint64, ok bool)
	FreqKHz() uint64
}

// SoftwareClock is the zero-dependency default: a synthetic cycle counter
// derived from monotonic wall time. FaultEvery can be set atomically from
// a test goroutine to force Now() to report a sentinel failure on a
// fraction of calls without needing real hardware.
type SoftwareClock struct {
	freqKHz    uint64
	start      time.Time
	faultEvery uint64 // if non-zero, every faultEvery-th call reports a fault
	calls      uint64
}

// NewSoftwareClock creates a clock ticking at freqKHz kilohertz: Now()
// scales elapsed time by it, and FreqKHz() reports it for BlockStart's
// Begin/EndFreqKHz (1000000 models a 1GHz counter).
func NewSoftwareClock(freqKHz uint64) *SoftwareClock {
	return &SoftwareClock{freqKHz: freqKHz, start: time.Now()}
}

// FaultEvery configures Now() to report ok=false on every n-th call. n=0
// disables fault injection (the default).
func (c *SoftwareClock) FaultEvery(n uint64) {
	atomic.StoreUint64(&c.faultEvery, n)
}

func (c *SoftwareClock) Now() (uint64, bool) {
	n := atomic.AddUint64(&c.calls, 1)
	if every := atomic.LoadUint64(&c.faultEvery); every != 0 && n%every == 0 {
		return 0, false
	}
	elapsed := time.Since(c.start)
	cycles := uint64(elapsed.Seconds() * float64(c.freqKHz) * 1000)
	return cycles, true
}

func (c *SoftwareClock) FreqKHz() uint64 { return c.freqKHz }

// HardwareClock reads the live CPU cycle count via a hardware performance
// counter: a free-running CPUCycles event sampled on demand, so successive
// Now() calls return a monotonically increasing cycle count usable as a
// TSC.
type HardwareClock struct {
	group   goperf.Group
	event   *goperf.Event
	freqKHz uint64
}

// NewHardwareClock opens a CPUCycles counter on the calling thread and
// enables it immediately, leaving it running for the clock's lifetime.
// Callers should runtime.LockOSThread before use so the counter stays
// attached to the thread doing the reading.
func NewHardwareClock(freqKHz uint64) (*HardwareClock, error) {
	g := goperf.Group{CountFormat: goperf.CountFormat{Running: true}}
	g.Add(goperf.CPUCycles)

	p, err := g.Open(goperf.CallingThread, goperf.AnyCPU)
	if err != nil {
		return nil, err
	}
	if err := p.Enable(); err != nil {
		p.Close()
		return nil, err
	}
	return &HardwareClock{group: g, event: p, freqKHz: freqKHz}, nil
}

func (c *HardwareClock) Now() (uint64, bool) {
	gc, err := c.event.ReadGroupCount()
	if err != nil || len(gc.Values) == 0 {
		return 0, false
	}
	return gc.Values[0].Value, true
}

func (c *HardwareClock) FreqKHz() uint64 { return c.freqKHz }

// Close releases the underlying hardware counter.
func (c *HardwareClock) Close() error {
	return c.event.Close()
}
