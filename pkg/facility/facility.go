// Package facility implements the offline data model for facilities,
// events, and type descriptors: the tagged-variant type tree a trace
// reader needs to decode an event's payload bytes, independent of the
// wire-level ring buffer in pkg/ringbuf.
package facility

import "fmt"

// IntSize enumerates the integer width codes: explicit 1/2/4/8-byte widths
// plus the C-flavored short/int/long aliases.
type IntSize uint8

const (
	Size1 IntSize = iota
	Size2
	Size4
	Size8
	SizeShort
	SizeInt
	SizeLong
)

func (s IntSize) String() string {
	switch s {
	case Size1:
		return "1"
	case Size2:
		return "2"
	case Size4:
		return "4"
	case Size8:
		return "8"
	case SizeShort:
		return "short"
	case SizeInt:
		return "int"
	case SizeLong:
		return "long"
	default:
		return fmt.Sprintf("IntSize(%d)", uint8(s))
	}
}

// Kind discriminates TypeDescriptor's tagged variant.
type Kind uint8

const (
	KindInt Kind = iota
	KindUint
	KindFloat
	KindString
	KindEnum
	KindArray
	KindSequence
	KindStruct
	KindNamedRef
)

// EnumLabel names one value of an Enum type descriptor.
type EnumLabel struct {
	Name  string
	Value int64
}

// Field is one named member of a Struct type descriptor.
type Field struct {
	Name        string
	Description string
	Type        *TypeDescriptor
}

// TypeDescriptor is a tagged variant over Int(size), Uint(size),
// Float(size), String, Enum(size, labels), Array(nested, len),
// Sequence(length_size, nested), Struct(ordered fields), or a named
// reference resolved via a dictionary keyed by name.
//
// Only the fields relevant to Kind are populated; constructors below enforce
// this rather than leaving every field exported and unconstrained.
type TypeDescriptor struct {
	kind Kind

	intSize IntSize // KindInt, KindUint, KindFloat, KindEnum

	labels []EnumLabel // KindEnum

	nested   *TypeDescriptor // KindArray, KindSequence
	arrayLen uint32          // KindArray
	lenSize  IntSize         // KindSequence: size of the length prefix

	fields []Field // KindStruct

	refName string // KindNamedRef
}

func NewInt(size IntSize) *TypeDescriptor  { return &TypeDescriptor{kind: KindInt, intSize: size} }
func NewUint(size IntSize) *TypeDescriptor { return &TypeDescriptor{kind: KindUint, intSize: size} }
func NewFloat(size IntSize) *TypeDescriptor {
	return &TypeDescriptor{kind: KindFloat, intSize: size}
}
func NewString() *TypeDescriptor { return &TypeDescriptor{kind: KindString} }

func NewEnum(size IntSize, labels []EnumLabel) *TypeDescriptor {
	return &TypeDescriptor{kind: KindEnum, intSize: size, labels: append([]EnumLabel(nil), labels...)}
}

func NewArray(nested *TypeDescriptor, length uint32) *TypeDescriptor {
	return &TypeDescriptor{kind: KindArray, nested: nested, arrayLen: length}
}

func NewSequence(lengthSize IntSize, nested *TypeDescriptor) *TypeDescriptor {
	return &TypeDescriptor{kind: KindSequence, nested: nested, lenSize: lengthSize}
}

func NewStruct(fields []Field) *TypeDescriptor {
	return &TypeDescriptor{kind: KindStruct, fields: append([]Field(nil), fields...)}
}

func NewNamedRef(name string) *TypeDescriptor {
	return &TypeDescriptor{kind: KindNamedRef, refName: name}
}

func (t *TypeDescriptor) Kind() Kind { return t.kind }

// IntSize returns the size code for Int/Uint/Float/Enum descriptors; it
// panics on any other kind, since callers are expected to switch on Kind()
// first.
func (t *TypeDescriptor) IntSize() IntSize {
	switch t.kind {
	case KindInt, KindUint, KindFloat, KindEnum:
		return t.intSize
	default:
		panic(fmt.Sprintf("facility: IntSize() called on kind %v", t.kind))
	}
}

func (t *TypeDescriptor) Labels() []EnumLabel {
	if t.kind != KindEnum {
		panic(fmt.Sprintf("facility: Labels() called on kind %v", t.kind))
	}
	return t.labels
}

func (t *TypeDescriptor) Nested() *TypeDescriptor {
	switch t.kind {
	case KindArray, KindSequence:
		return t.nested
	default:
		panic(fmt.Sprintf("facility: Nested() called on kind %v", t.kind))
	}
}

func (t *TypeDescriptor) ArrayLen() uint32 {
	if t.kind != KindArray {
		panic(fmt.Sprintf("facility: ArrayLen() called on kind %v", t.kind))
	}
	return t.arrayLen
}

func (t *TypeDescriptor) LengthSize() IntSize {
	if t.kind != KindSequence {
		panic(fmt.Sprintf("facility: LengthSize() called on kind %v", t.kind))
	}
	return t.lenSize
}

func (t *TypeDescriptor) Fields() []Field {
	if t.kind != KindStruct {
		panic(fmt.Sprintf("facility: Fields() called on kind %v", t.kind))
	}
	return t.fields
}

func (t *TypeDescriptor) RefName() string {
	if t.kind != KindNamedRef {
		panic(fmt.Sprintf("facility: RefName() called on kind %v", t.kind))
	}
	return t.refName
}

// Event is one named, described event definition within a Facility.
type Event struct {
	Name        string
	Description string
	Type        *TypeDescriptor // always a Struct, or a NamedRef resolving to one
}

// Facility owns an ordered list of Event definitions and a dictionary of
// named types those events (or each other) may reference.
type Facility struct {
	Name        string
	Description string
	Events      []Event
	NamedTypes  map[string]*TypeDescriptor
}

// NewFacility constructs an empty Facility ready to accept events and named
// types via AddEvent/AddNamedType.
func NewFacility(name, description string) *Facility {
	return &Facility{
		Name:        name,
		Description: description,
		NamedTypes:  make(map[string]*TypeDescriptor),
	}
}

func (f *Facility) AddEvent(e Event) {
	f.Events = append(f.Events, e)
}

func (f *Facility) AddNamedType(name string, t *TypeDescriptor) {
	f.NamedTypes[name] = t
}

// Resolve follows a NamedRef descriptor to its definition in f.NamedTypes.
// It returns the input unchanged for any other kind, so callers can call it
// unconditionally before a Kind() switch.
func (f *Facility) Resolve(t *TypeDescriptor) (*TypeDescriptor, error) {
	if t.kind != KindNamedRef {
		return t, nil
	}
	resolved, ok := f.NamedTypes[t.refName]
	if !ok {
		return nil, fmt.Errorf("facility: %s: unresolved named type %q", f.Name, t.refName)
	}
	return resolved, nil
}

// EventByName looks up an event definition by name, mirroring the lookup a
// trace reader performs using an event record's facility_id/event_id pair
// once resolved to a Facility/Event through a FacilityID registry.
func (f *Facility) EventByName(name string) (*Event, bool) {
	for i := range f.Events {
		if f.Events[i].Name == name {
			return &f.Events[i], true
		}
	}
	return nil, false
}
