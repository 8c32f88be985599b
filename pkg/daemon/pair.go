package daemon

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ringtrace/ringtrace/pkg/channel"
	"github.com/ringtrace/ringtrace/pkg/ringbuf"
)

// pair is a (channel, trace file) pairing, the daemon's unit of work. A
// per-pair mutex is try-locked so that only one worker services a given
// channel at a time.
type pair struct {
	mu sync.Mutex

	ch        *channel.Channel
	tracePath string
	file      *os.File
	offset    int64

	bytesWritten uint64 // atomic
	overruns     uint64 // atomic

	// Last-synced snapshots of the channel's cumulative counters, so the
	// Prometheus counters can be advanced by delta. Guarded by mu.
	lastEventsLost uint64
	lastCorrupted  uint64
}

// newPair opens (or creates) the trace file for ch at tracePath, honoring
// append vs truncate-on-open per the daemon's -a flag.
func newPair(ch *channel.Channel, tracePath string, append bool) (*pair, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(tracePath, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening trace file %s: %w", tracePath, err)
	}
	var offset int64
	if append {
		if info, statErr := f.Stat(); statErr == nil {
			offset = info.Size()
		}
	}
	return &pair{ch: ch, tracePath: tracePath, file: f, offset: offset}, nil
}

func (p *pair) close() error {
	return p.file.Close()
}

// drainOnce tries to service this pair exactly once: GetSubbuf, write
// subbuf_size bytes to the trace file, PutSubbuf. It returns (false, nil)
// if another worker currently holds the pair's lock or nothing is ready
// (ErrAgain); it never returns an error for overruns, since those are
// logged and handled in place without terminating the daemon.
func (p *pair) drainOnce(m *Metrics, sink *ParquetSink) (didWork bool, err error) {
	if !p.mu.TryLock() {
		return false, nil
	}
	defer p.mu.Unlock()

	p.syncCounters(m)

	handle, err := p.ch.GetSubbuf()
	if err != nil {
		if errors.Is(err, channel.ErrAgain) {
			return false, nil
		}
		return false, err
	}

	data := p.ch.Bytes(handle)
	n, werr := p.file.Write(data)
	if werr != nil {
		log.Printf("daemon: IOFailure writing channel %q to %s: %v", p.ch.Name(), p.tracePath, werr)
		if m != nil {
			m.IOFailures.WithLabelValues(p.ch.Name()).Inc()
		}
	} else {
		atomic.AddUint64(&p.bytesWritten, uint64(n))
		p.offset += int64(n)
		if m != nil {
			m.BytesWritten.WithLabelValues(p.ch.Name()).Add(float64(n))
		}
	}

	if sink != nil {
		sink.Record(p.subbufRow(handle))
	}

	perr := p.ch.PutSubbuf(handle)
	switch {
	case errors.Is(perr, channel.ErrOverrun):
		atomic.AddUint64(&p.overruns, 1)
		log.Printf("daemon: overrun on channel %q: writer overwrote the sub-buffer the reader held", p.ch.Name())
		if m != nil {
			m.Overruns.WithLabelValues(p.ch.Name()).Inc()
		}
		// Truncate the trace file back to the last known-good sub-buffer
		// boundary rather than keeping the corrupted frame: a truncated
		// file is always a valid concatenation of whole sub-buffers.
		if werr == nil {
			p.truncateLastWrite(n)
		}
		return true, nil
	case perr != nil:
		return true, perr
	default:
		return true, nil
	}
}

// syncCounters advances the events_lost/corrupted_subbuffers Prometheus
// counters by however much the channel's cumulative counters grew since the
// last drain cycle. Called with mu held.
func (p *pair) syncCounters(m *Metrics) {
	if m == nil {
		return
	}
	if lost := p.ch.EventsLost(); lost > p.lastEventsLost {
		m.EventsLost.WithLabelValues(p.ch.Name()).Add(float64(lost - p.lastEventsLost))
		p.lastEventsLost = lost
	}
	if corrupted := p.ch.CorruptedSubbuffers(); corrupted > p.lastCorrupted {
		m.CorruptedSubbuffers.WithLabelValues(p.ch.Name()).Add(float64(corrupted - p.lastCorrupted))
		p.lastCorrupted = corrupted
	}
}

// truncateLastWrite discards the n bytes just written to this pair's trace
// file, restoring it to a valid concatenation of whole sub-buffers.
func (p *pair) truncateLastWrite(n int) {
	p.offset -= int64(n)
	if err := p.file.Truncate(p.offset); err != nil {
		log.Printf("daemon: truncating %s after overrun: %v", p.tracePath, err)
		return
	}
	if _, err := p.file.Seek(p.offset, 0); err != nil {
		log.Printf("daemon: seeking %s after truncate: %v", p.tracePath, err)
	}
}

func (p *pair) subbufRow(h *channel.Handle) SubbufRow {
	data := p.ch.Bytes(h)
	// Best-effort header decode for the side-export; a short or malformed
	// header still produces a row with zeroed cycle counts rather than
	// failing the whole drain cycle.
	row := SubbufRow{
		Channel:   p.ch.Name(),
		CPU:       int32(p.ch.CPU()),
		Index:     int32(h.Index()),
		BufSize:   int32(p.ch.GetSubbufSize()),
		Corrupted: p.ch.CorruptedSubbuffers() > 0,
	}
	var hdr ringbuf.BlockStart
	if err := hdr.UnmarshalBinary(data); err == nil {
		row.BeginCycle = int64(hdr.BeginCycleCount)
		row.EndCycle = int64(hdr.EndCycleCount)
		row.LostSize = int32(hdr.LostSize)
	}
	return row
}
