package kernelsource

import (
	"runtime"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/ringtrace/ringtrace/pkg/channel"
	"github.com/ringtrace/ringtrace/pkg/ringbuf"
)

// TestNewKernelChannelSetFDPropagation: after NewKernelChannelSet,
// array.Lookup(cpu) returns the same fd as
// Channel.Storage().FileDescriptor() for every CPU index, against a real
// in-kernel array map.
func TestNewKernelChannelSetFDPropagation(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("eBPF maps and memfd_create are linux-only")
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		t.Fatalf("RemoveMemlock: %v", err)
	}

	array, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: 4,
	})
	if err != nil {
		t.Skipf("cannot create eBPF map in this environment: %v", err)
	}
	defer array.Close()

	cs, err := NewKernelChannelSet(array, "probe", channel.Config{
		SubbufSize: 4096,
		NSubbufs:   4,
		Overwrite:  true,
		Clock:      ringbuf.NewSoftwareClock(1000000),
	})
	if err != nil {
		t.Fatalf("NewKernelChannelSet: %v", err)
	}
	defer cs.Close()

	channels := cs.Channels()
	if len(channels) != 4 {
		t.Fatalf("len(Channels()) = %d, want 4", len(channels))
	}

	for cpu, ch := range channels {
		var gotFD uint32
		if err := array.Lookup(uint32(cpu), &gotFD); err != nil {
			t.Fatalf("array.Lookup(%d): %v", cpu, err)
		}
		if wantFD := ch.Storage().FileDescriptor(); int(gotFD) != wantFD {
			t.Errorf("CPU %d: array fd = %d, want %d (Channel.Storage().FileDescriptor())", cpu, gotFD, wantFD)
		}
		if ch.CPU() != cpu {
			t.Errorf("Channel %d: CPU() = %d, want %d", cpu, ch.CPU(), cpu)
		}
	}
}

func TestNewKernelChannelSetNilArray(t *testing.T) {
	if _, err := NewKernelChannelSet(nil, "probe", channel.Config{SubbufSize: 4096, NSubbufs: 4}); err == nil {
		t.Error("expected error for nil array, got nil")
	}
}
