package facility

import "fmt"

// Registry maps the small integer facility_id values recorded in every
// event's wire header (pkg/ringbuf.EventHeader.FacilityID) to the Facility
// that defines them, so a reader can go from raw header bytes to a decoded
// event shape without carrying facility names on the wire.
type Registry struct {
	byID map[uint8]*Facility
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint8]*Facility)}
}

// Register assigns id to f. A facility_id is a single byte, so registering
// more than 256 facilities is a configuration error.
func (r *Registry) Register(id uint8, f *Facility) error {
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("facility: facility_id %d already registered to %q", id, r.byID[id].Name)
	}
	r.byID[id] = f
	return nil
}

func (r *Registry) Lookup(id uint8) (*Facility, bool) {
	f, ok := r.byID[id]
	return f, ok
}

// EventFor resolves a (facility_id, event_id) pair straight from a wire
// header to its Event definition, event_id being the event's index within
// the facility's ordered Events slice.
func (r *Registry) EventFor(facilityID, eventID uint8) (*Facility, *Event, error) {
	f, ok := r.byID[facilityID]
	if !ok {
		return nil, nil, fmt.Errorf("facility: unknown facility_id %d", facilityID)
	}
	if int(eventID) >= len(f.Events) {
		return nil, nil, fmt.Errorf("facility: %s: event_id %d out of range (%d events)", f.Name, eventID, len(f.Events))
	}
	return f, &f.Events[eventID], nil
}
