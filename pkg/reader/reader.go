// Package reader implements the multi-channel priority multiplexer the
// disk-writing daemon drives. Channels split into two priority classes per
// poll iteration, and every high-priority (nearly full) channel is serviced
// before any normal-priority one. Ordering works over whole channels rather
// than individual timestamped records, since the daemon hands whole
// sub-buffers to disk.
package reader

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/ringtrace/ringtrace/pkg/channel"
)

// ErrNoChannels is returned by Poll when no channels are registered.
var ErrNoChannels = errors.New("reader: no channels registered")

// HighWatermarkFraction is the fill fraction above which a channel is
// treated as nearly full (POLLPRI-equivalent) instead of merely readable
// (POLLIN-equivalent).
const HighWatermarkFraction = 0.75

// Priority classifies a channel's readiness for one poll iteration.
type Priority int

const (
	// PriorityNone: GetSubbuf would return ErrAgain; skip this iteration.
	PriorityNone Priority = iota
	// PriorityNormal: a sub-buffer is ready (POLLIN).
	PriorityNormal
	// PriorityHigh: a sub-buffer is ready and the channel is nearly full
	// (POLLPRI); serviced before any PriorityNormal channel.
	PriorityHigh
)

type entry struct {
	ch       *channel.Channel
	priority Priority
}

// entryHeap orders high priority before normal, matching container/heap's
// min-heap semantics with priority negated.
type entryHeap []entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].priority > h[j].priority }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Reader multiplexes a set of channels, classifying each by poll priority
// on demand: it holds no per-channel background state, since ring-buffer
// readiness is always computable from the buffer's current counters.
// Channels may be added and removed while another goroutine is polling.
type Reader struct {
	mu       sync.Mutex
	channels []*channel.Channel
}

// NewReader constructs an empty multiplexer.
func NewReader() *Reader {
	return &Reader{}
}

// AddChannel registers a channel to be multiplexed.
func (r *Reader) AddChannel(ch *channel.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

// RemoveChannel unregisters a channel, e.g. when the daemon's directory
// watch observes it was torn down.
func (r *Reader) RemoveChannel(ch *channel.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.channels {
		if c == ch {
			r.channels = append(r.channels[:i], r.channels[i+1:]...)
			return
		}
	}
}

// Channels returns a snapshot of the currently registered channels.
func (r *Reader) Channels() []*channel.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*channel.Channel(nil), r.channels...)
}

// Poll returns the registered channels that are currently readable,
// ordered so that every PriorityHigh channel precedes every PriorityNormal
// channel. Channels with nothing to read (PriorityNone) are omitted.
func (r *Reader) Poll() ([]*channel.Channel, error) {
	channels := r.Channels()
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}

	h := make(entryHeap, 0, len(channels))
	for _, ch := range channels {
		if !ch.Ready() {
			continue
		}
		p := PriorityNormal
		if ch.FillFraction() >= HighWatermarkFraction {
			p = PriorityHigh
		}
		h = append(h, entry{ch: ch, priority: p})
	}
	heap.Init(&h)

	ordered := make([]*channel.Channel, 0, len(h))
	for h.Len() > 0 {
		e := heap.Pop(&h).(entry)
		ordered = append(ordered, e.ch)
	}
	return ordered, nil
}
