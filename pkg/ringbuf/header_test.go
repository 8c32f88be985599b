package ringbuf

import "testing"

func TestBlockStartRoundTrip(t *testing.T) {
	want := BlockStart{
		BeginCycleCount: 1234,
		BeginFreqKHz:    1000000,
		EndCycleCount:   5678,
		EndFreqKHz:      1000000,
		LostSize:        42,
		BufSize:         4096,
		Header:          NewTraceHeader(1234),
	}

	wire, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(wire) != BlockStartWireSize {
		t.Fatalf("len(wire) = %d, want %d", len(wire), BlockStartWireSize)
	}

	var got BlockStart
	if err := got.UnmarshalBinary(wire); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestBlockStartUnmarshalShort(t *testing.T) {
	var got BlockStart
	if err := got.UnmarshalBinary(make([]byte, 10)); err == nil {
		t.Error("expected error decoding a short buffer, got nil")
	}
}

func TestEventHeaderRoundTrip(t *testing.T) {
	want := EventHeader{Timestamp: 99999, FacilityID: 3, EventID: 7, EventSize: 256}
	wire, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(wire) != EventHeaderWireSize {
		t.Fatalf("len(wire) = %d, want %d", len(wire), EventHeaderWireSize)
	}

	var got EventHeader
	if err := got.UnmarshalBinary(wire); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestNewTraceHeaderFields(t *testing.T) {
	h := NewTraceHeader(42)
	if h.Magic != TraceMagic {
		t.Errorf("Magic = %x, want %x", h.Magic, TraceMagic)
	}
	if h.Endian != EndianLittle {
		t.Errorf("Endian = %d, want EndianLittle", h.Endian)
	}
	if h.ArchSize != 8 {
		t.Errorf("ArchSize = %d, want 8", h.ArchSize)
	}
	if h.StartTSC != 42 {
		t.Errorf("StartTSC = %d, want 42", h.StartTSC)
	}
}
