// Package kernelsource creates one channel per CPU and publishes each
// channel's backing file descriptor into an eBPF array map, so a
// kernel-side BPF program (tracepoint, kprobe) attached outside this
// module can write samples that a userspace Channel.GetSubbuf delivers
// into the pipeline.
package kernelsource

import (
	"fmt"
	"sync"

	"github.com/cilium/ebpf"

	"github.com/ringtrace/ringtrace/pkg/channel"
	"github.com/ringtrace/ringtrace/pkg/ringbuf"
)

// ChannelSet is a collection of per-CPU Channels sharing one logical trace,
// fd-registered into an eBPF array map so a kernel-sourced writer can reach
// them.
type ChannelSet struct {
	mu       sync.Mutex
	array    *ebpf.Map
	channels []*channel.Channel
}

// NewKernelChannelSet creates, for each CPU up to array.MaxEntries(), an
// MmapRingStorage-backed Channel named "<namePrefix>-<cpu>", and publishes
// its backing file descriptor into array via array.Put(cpu, fd).
func NewKernelChannelSet(array *ebpf.Map, namePrefix string, cfg channel.Config) (*ChannelSet, error) {
	if array == nil {
		return nil, fmt.Errorf("kernelsource: array map cannot be nil")
	}

	nCPU := int(array.MaxEntries())
	if nCPU < 1 {
		return nil, fmt.Errorf("kernelsource: invalid number of CPUs in map: %d", nCPU)
	}

	arrayClone, err := array.Clone()
	if err != nil {
		return nil, fmt.Errorf("kernelsource: cloning array map: %w", err)
	}

	cs := &ChannelSet{array: arrayClone, channels: make([]*channel.Channel, 0, nCPU)}

	success := false
	defer func() {
		if !success {
			cs.Close()
		}
	}()

	for cpu := 0; cpu < nCPU; cpu++ {
		storage, err := ringbuf.NewMmapRingStorage(cfg.NSubbufs, cfg.SubbufSize)
		if err != nil {
			return nil, fmt.Errorf("kernelsource: creating storage for CPU %d: %w", cpu, err)
		}

		perCPU := cfg
		perCPU.Name = fmt.Sprintf("%s-%d", namePrefix, cpu)
		perCPU.CPU = cpu

		ch, err := channel.New(storage, perCPU, nil)
		if err != nil {
			storage.Close()
			return nil, fmt.Errorf("kernelsource: creating channel for CPU %d: %w", cpu, err)
		}
		cs.channels = append(cs.channels, ch)

		if err := arrayClone.Put(uint32(cpu), uint32(storage.FileDescriptor())); err != nil {
			return nil, fmt.Errorf("kernelsource: updating map for CPU %d: %w", cpu, err)
		}
	}

	success = true
	return cs, nil
}

// Channels returns the per-CPU channels, ordered by CPU index.
func (cs *ChannelSet) Channels() []*channel.Channel {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]*channel.Channel(nil), cs.channels...)
}

// Channel returns the channel for a given CPU index, or nil if out of
// range.
func (cs *ChannelSet) Channel(cpu int) *channel.Channel {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cpu < 0 || cpu >= len(cs.channels) {
		return nil
	}
	return cs.channels[cpu]
}

// Close releases every channel's storage and the map clone.
func (cs *ChannelSet) Close() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var firstErr error
	for _, ch := range cs.channels {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	cs.channels = nil

	if cs.array != nil {
		if err := cs.array.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		cs.array = nil
	}
	return firstErr
}
