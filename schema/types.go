// Package schema defines the UTP type system: the closed set of field types,
// field and schema definitions, and the bootstrap schemas every registry
// starts with.
package schema

import (
	"fmt"

	"utp/protocol"
)

// Type is a field type. The numeric order is part of the wire format: it is
// the ENUM index the SCHEMA and SCHEMA_ITEMS bootstrap schemas use for their
// "type" field.
type Type uint8

const (
	Bool Type = iota
	Uint8
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Int64
	Float
	Date // milliseconds since the Unix epoch
	Enum
	Binary
	String
	Array
	JSON
	Schema
	Packet

	numTypes
)

var typeNames = [numTypes]string{
	"BOOL", "UINT8", "INT8", "UINT16", "INT16", "UINT32", "INT32", "INT64",
	"FLOAT", "DATE", "ENUM", "BINARY", "STRING", "ARRAY", "JSON", "SCHEMA", "PACKET",
}

// Descriptor describes the fixed-width layout of a type. Open types
// (BINARY, STRING, ARRAY, JSON, SCHEMA, PACKET) have a zero descriptor.
type Descriptor struct {
	Bits   uint8 `json:"bits,omitempty"`
	Signed bool  `json:"signed,omitempty"`
	Float  bool  `json:"float,omitempty"`
}

// Format returns the protocol layout for fixed-width values.
func (d Descriptor) Format() protocol.Format {
	return protocol.Format{Bits: d.Bits, Signed: d.Signed, Float: d.Float}
}

// Open reports whether the type has no fixed width.
func (d Descriptor) Open() bool {
	return d.Bits == 0
}

var descriptors = [numTypes]Descriptor{
	Bool:   {Bits: 8},
	Uint8:  {Bits: 8},
	Int8:   {Bits: 8, Signed: true},
	Uint16: {Bits: 16},
	Int16:  {Bits: 16, Signed: true},
	Uint32: {Bits: 32},
	Int32:  {Bits: 32, Signed: true},
	Int64:  {Bits: 64},
	Float:  {Bits: 64, Float: true},
	Date:   {Bits: 64},
	Enum:   {Bits: 16},
}

// Types returns every type in wire order.
func Types() []Type {
	out := make([]Type, numTypes)
	for i := range out {
		out[i] = Type(i)
	}
	return out
}

// TypeNames returns the type names in wire order.
func TypeNames() []string {
	return append([]string(nil), typeNames[:]...)
}

// DefaultDescriptors returns the built-in type table keyed by type name.
func DefaultDescriptors() map[string]Descriptor {
	out := make(map[string]Descriptor, numTypes)
	for i, name := range typeNames {
		out[name] = descriptors[i]
	}
	return out
}

// ParseType resolves a type name.
func ParseType(name string) (Type, error) {
	for i, n := range typeNames {
		if n == name {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown type %q", protocol.ErrInvalidInputData, name)
}

// Valid reports whether t is one of the defined types.
func (t Type) Valid() bool {
	return t < numTypes
}

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
	return typeNames[t]
}

// Descriptor returns the built-in descriptor of t.
func (t Type) Descriptor() Descriptor {
	if !t.Valid() {
		return Descriptor{}
	}
	return descriptors[t]
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown type %d", protocol.ErrInvalidInputData, uint8(t))
	}
	return []byte(typeNames[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so schema files can say
// type = "UINT16".
func (t *Type) UnmarshalText(text []byte) error {
	v, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseDescriptors reads the type table in the JSON shape carried by the
// PROTO schema: {"UINT16": {"bits": 16}, "STRING": {}, ...}.
func ParseDescriptors(v any) (map[string]Descriptor, error) {
	table, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: type table must be an object, got %T", protocol.ErrInvalidInputData, v)
	}
	out := make(map[string]Descriptor, len(table))
	for name, raw := range table {
		entry, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: type %q must be an object, got %T", protocol.ErrInvalidInputData, name, raw)
		}
		var d Descriptor
		if bits, ok := entry["bits"]; ok {
			n, ok := bits.(float64)
			if !ok || (n != 8 && n != 16 && n != 32 && n != 64) {
				return nil, fmt.Errorf("%w: type %q has invalid bits %v", protocol.ErrInvalidInputData, name, bits)
			}
			d.Bits = uint8(n)
		}
		d.Signed, _ = entry["signed"].(bool)
		d.Float, _ = entry["float"].(bool)
		out[name] = d
	}
	return out, nil
}

// DescriptorsValue renders a type table in the generic JSON shape produced
// by decoding a PROTO packet, so snapshots compare equal to their decoded form.
func DescriptorsValue(table map[string]Descriptor) map[string]any {
	out := make(map[string]any, len(table))
	for name, d := range table {
		entry := map[string]any{}
		if d.Bits != 0 {
			entry["bits"] = float64(d.Bits)
		}
		if d.Signed {
			entry["signed"] = true
		}
		if d.Float {
			entry["float"] = true
		}
		out[name] = entry
	}
	return out
}
