package ringbuf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// TraceMagic identifies the on-disk trace format.
const TraceMagic uint32 = 0x00D6EA37

// Endianness markers recorded in TraceHeader so a reader can detect a
// mismatch between the writer's and reader's byte order.
const (
	EndianLittle uint8 = 1
	EndianBig    uint8 = 2
)

// TraceHeader is the fixed, wire-visible header embedded in every
// sub-buffer's BlockStart. All multi-byte fields are written little-endian
// regardless of host order: unlike the per-event payload (written in host
// endianness and tagged with ArchSize/Endian for the reader to detect),
// this fixed header is the one piece of the format a reader must be able to
// parse before it knows the writer's endianness at all.
type TraceHeader struct {
	Magic        uint32
	MajorVersion uint16
	MinorVersion uint16
	ArchSize     uint8 // pointer width in bytes: 4 or 8
	Endian       uint8
	AlignFlag    uint8 // non-zero if payloads are pointer-aligned
	Reserved     uint8
	StartSec     uint64
	StartUsec    uint64
	StartTSC     uint64
	Pad          uint32
}

const traceHeaderWireSize = 4 + 2 + 2 + 1 + 1 + 1 + 1 + 8 + 8 + 8 + 4 // 40 bytes

// NewTraceHeader captures the wall-clock/TSC correlation point used to
// reconstruct a sub-buffer's high-order timestamp bits at read time.
func NewTraceHeader(startTSC uint64) TraceHeader {
	now := time.Now()
	return TraceHeader{
		Magic:        TraceMagic,
		MajorVersion: 1,
		MinorVersion: 0,
		ArchSize:     8,
		Endian:       EndianLittle,
		AlignFlag:    1,
		StartSec:     uint64(now.Unix()),
		StartUsec:    uint64(now.Nanosecond() / 1000),
		StartTSC:     startTSC,
	}
}

// BlockStart is the fixed header that opens every sub-buffer on disk.
// BeginCycleCount/BeginFreqKHz are filled when the sub-buffer opens;
// EndCycleCount/EndFreqKHz/LostSize are filled when it closes.
type BlockStart struct {
	BeginCycleCount uint64
	BeginFreqKHz    uint64
	EndCycleCount   uint64
	EndFreqKHz      uint64
	LostSize        uint32
	BufSize         uint32
	Header          TraceHeader
}

// BlockStartWireSize is the exact on-disk size of a BlockStart header.
const BlockStartWireSize = 8 + 8 + 8 + 8 + 4 + 4 + traceHeaderWireSize // 80 bytes

// MarshalBinary encodes the header in its fixed little-endian wire layout.
func (b *BlockStart) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(BlockStartWireSize)
	fields := []interface{}{
		b.BeginCycleCount, b.BeginFreqKHz, b.EndCycleCount, b.EndFreqKHz,
		b.LostSize, b.BufSize,
		b.Header.Magic, b.Header.MajorVersion, b.Header.MinorVersion,
		b.Header.ArchSize, b.Header.Endian, b.Header.AlignFlag, b.Header.Reserved,
		b.Header.StartSec, b.Header.StartUsec, b.Header.StartTSC, b.Header.Pad,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("ringbuf: encoding BlockStart: %w", err)
		}
	}
	if buf.Len() != BlockStartWireSize {
		return nil, fmt.Errorf("ringbuf: encoded BlockStart size %d != %d", buf.Len(), BlockStartWireSize)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a BlockStart from its wire layout.
func (b *BlockStart) UnmarshalBinary(data []byte) error {
	if len(data) < BlockStartWireSize {
		return fmt.Errorf("ringbuf: short BlockStart: %d bytes", len(data))
	}
	r := bytes.NewReader(data[:BlockStartWireSize])
	fields := []interface{}{
		&b.BeginCycleCount, &b.BeginFreqKHz, &b.EndCycleCount, &b.EndFreqKHz,
		&b.LostSize, &b.BufSize,
		&b.Header.Magic, &b.Header.MajorVersion, &b.Header.MinorVersion,
		&b.Header.ArchSize, &b.Header.Endian, &b.Header.AlignFlag, &b.Header.Reserved,
		&b.Header.StartSec, &b.Header.StartUsec, &b.Header.StartTSC, &b.Header.Pad,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("ringbuf: decoding BlockStart: %w", err)
		}
	}
	return nil
}

// EventHeader is the fixed header that precedes every event record.
type EventHeader struct {
	Timestamp  uint64
	FacilityID uint8
	EventID    uint8
	EventSize  uint16 // payload bytes, clamped at 0xFFFF
}

// EventHeaderWireSize is the exact on-disk size of an EventHeader.
const EventHeaderWireSize = 8 + 1 + 1 + 2 // 12 bytes

func (h *EventHeader) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(EventHeaderWireSize)
	fields := []interface{}{h.Timestamp, h.FacilityID, h.EventID, h.EventSize}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("ringbuf: encoding EventHeader: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func (h *EventHeader) UnmarshalBinary(data []byte) error {
	if len(data) < EventHeaderWireSize {
		return fmt.Errorf("ringbuf: short EventHeader: %d bytes", len(data))
	}
	r := bytes.NewReader(data[:EventHeaderWireSize])
	fields := []interface{}{&h.Timestamp, &h.FacilityID, &h.EventID, &h.EventSize}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("ringbuf: decoding EventHeader: %w", err)
		}
	}
	return nil
}
