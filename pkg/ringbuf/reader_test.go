package ringbuf

import (
	"bytes"
	"testing"
)

func TestGetNextSubbufNotReadyOnEmptyBuffer(t *testing.T) {
	b := newTestBuffer(t, 2, 4096, Config{})
	if _, err := b.GetNextSubbuf(); err != ErrNotReady {
		t.Errorf("GetNextSubbuf() = %v, want ErrNotReady", err)
	}
}

func TestGetNextSubbufNotReadyWhileSubbufOpen(t *testing.T) {
	b := newTestBuffer(t, 2, 4096, Config{})

	// A written-but-still-open sub-buffer must not be readable: its
	// reserve_count stays behind commit_count until the boundary switch
	// closes it.
	writeEvent(t, b, make([]byte, 100))
	if _, err := b.GetNextSubbuf(); err != ErrNotReady {
		t.Errorf("GetNextSubbuf() with an open sub-buffer = %v, want ErrNotReady", err)
	}
}

// TestReaderRoundTrip drives the full write-then-read cycle on one
// sub-buffer: 10 events of 100 payload bytes at increasing timestamps, a
// boundary switch to close the sub-buffer, then GetNextSubbuf/SubbufBytes/
// PutSubbuf. It checks the sub-buffer header's begin cycle count is the
// first event's timestamp, every event comes back in order with its payload
// and timestamp intact, and lost_size accounts for the unused tail.
func TestReaderRoundTrip(t *testing.T) {
	b := newTestBuffer(t, 2, 4096, Config{})

	const nEvents = 10
	const payloadLen = 100

	handles := make([]*SlotHandle, 0, nEvents)
	for i := 0; i < nEvents; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, payloadLen)
		h, err := b.Reserve(payloadLen)
		if err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
		if err := b.WriteEvent(h, 1, uint8(i), payload); err != nil {
			t.Fatalf("WriteEvent %d: %v", i, err)
		}
		b.Commit(h)
		handles = append(handles, h)
	}
	usedBytes := handles[nEvents-1].BeginOffset + handles[nEvents-1].SlotSize

	// Force a boundary switch so sub-buffer 0 closes and becomes readable.
	h, err := b.Reserve(3000)
	if err != nil {
		t.Fatalf("Reserve(3000): %v", err)
	}
	b.Commit(h)

	rh, err := b.GetNextSubbuf()
	if err != nil {
		t.Fatalf("GetNextSubbuf: %v", err)
	}
	if rh.Index != 0 {
		t.Fatalf("Index = %d, want 0", rh.Index)
	}
	data := b.SubbufBytes(rh.Index)

	var blk BlockStart
	if err := blk.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if blk.BeginCycleCount != handles[0].TSC {
		t.Errorf("BeginCycleCount = %d, want first event's TSC %d", blk.BeginCycleCount, handles[0].TSC)
	}
	if want := b.SubbufSize() - usedBytes; blk.LostSize != want {
		t.Errorf("LostSize = %d, want %d", blk.LostSize, want)
	}

	for i, want := range handles {
		pos := want.BeginOffset
		var hdr EventHeader
		if err := hdr.UnmarshalBinary(data[pos:]); err != nil {
			t.Fatalf("event %d header: %v", i, err)
		}
		if hdr.Timestamp != want.TSC {
			t.Errorf("event %d: Timestamp = %d, want %d", i, hdr.Timestamp, want.TSC)
		}
		if hdr.EventID != uint8(i) {
			t.Errorf("event %d: EventID = %d, want %d", i, hdr.EventID, i)
		}
		if hdr.EventSize != payloadLen {
			t.Errorf("event %d: EventSize = %d, want %d", i, hdr.EventSize, payloadLen)
		}
		payload := data[pos+want.HeaderSize+want.HeaderPadAfter:]
		if payload[0] != byte(i) || payload[payloadLen-1] != byte(i) {
			t.Errorf("event %d: payload bytes %x/%x, want %x", i, payload[0], payload[payloadLen-1], byte(i))
		}
	}

	if b.EventsLost() != 0 {
		t.Errorf("EventsLost() = %d, want 0", b.EventsLost())
	}

	if err := b.PutSubbuf(rh); err != nil {
		t.Fatalf("PutSubbuf: %v", err)
	}
	if b.Consumed() != b.SubbufSize() {
		t.Errorf("Consumed() = %d, want %d", b.Consumed(), b.SubbufSize())
	}

	// Sub-buffer 1 is still open, so nothing further is readable yet.
	if _, err := b.GetNextSubbuf(); err != ErrNotReady {
		t.Errorf("GetNextSubbuf() after draining = %v, want ErrNotReady", err)
	}
}
