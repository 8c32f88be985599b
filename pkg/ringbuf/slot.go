package ringbuf

import "sync/atomic"

// SlotHandle is the reservation receipt returned by Buffer.Reserve, carrying
// everything the caller needs to write the event header, copy the payload,
// and later commit.
type SlotHandle struct {
	// BeginOffset is the ring-relative start of the reserved slot, after any
	// sub-buffer header that this reservation opened.
	BeginOffset uint32
	// SlotSize is the total reserved size (event header + payload, aligned
	// to the pointer width).
	SlotSize uint32
	// TSC is the cycle-counter timestamp sampled at reservation time.
	TSC uint64
	// HeaderPadBefore/HeaderPadAfter bound the event header's own
	// alignment padding within the slot; the payload always begins
	// pointer-aligned.
	HeaderPadBefore uint32
	HeaderPadAfter  uint32
	// HeaderSize is the wire size of the per-event EventHeader.
	HeaderSize uint32

	subbufIndex uint32
}

// WriteEvent writes the event header and payload into the reserved slot.
func (b *Buffer) WriteEvent(h *SlotHandle, facilityID, eventID uint8, payload []byte) error {
	eventSize := len(payload)
	if eventSize > 0xFFFF {
		eventSize = 0xFFFF
	}
	hdr := EventHeader{
		Timestamp:  h.TSC,
		FacilityID: facilityID,
		EventID:    eventID,
		EventSize:  uint16(eventSize),
	}
	wire, err := hdr.MarshalBinary()
	if err != nil {
		return err
	}
	dst := b.slotBytes(h.BeginOffset, h.SlotSize)
	copy(dst, wire)
	copy(dst[h.HeaderSize+h.HeaderPadAfter:], payload[:eventSize])
	return nil
}

// Commit closes out a reservation: it atomically adds SlotSize to the
// sub-buffer's commit_count and, if that makes commit_count equal
// reserve_count, invokes the deliver callback.
func (b *Buffer) Commit(h *SlotHandle) {
	idx := h.subbufIndex
	newVal := atomic.AddUint32(&b.commitCount[idx], h.SlotSize)
	if newVal == atomic.LoadUint32(&b.reserveCount[idx]) {
		b.deliver(idx)
	}
}
