package schema

import (
	"fmt"
	"strings"
)

// Bootstrap schema names. Their indices are fixed: every peer knows them
// before any PROTO exchange.
const (
	PingName        = "PING"
	PongName        = "PONG"
	HelloName       = "HELLO"
	ErrorName       = "ERROR"
	SchemaItemsName = "SCHEMA_ITEMS"
	SchemaName      = "SCHEMA"
	ProtoName       = "PROTO"
	RPCName         = "RPC"
)

const (
	PingIndex uint16 = iota
	PongIndex
	HelloIndex
	ErrorIndex
	SchemaItemsIndex
	SchemaIndex
	ProtoIndex
	RPCIndex

	// BootstrapCount is the number of schemas a fresh registry holds.
	BootstrapCount = int(RPCIndex) + 1
)

// Field names of the PROTO schema.
const (
	ProtoVersion      = "VERSION"
	ProtoTypes        = "TYPES"
	ProtoSchemesNames = "SCHEMES_NAMES"
	ProtoSchemes      = "SCHEMES"
)

// Bootstrap returns the eight built-in schemas in index order.
func Bootstrap() []Definition {
	types := TypeNames()
	strs := &Field{Type: String}
	return []Definition{
		{Name: PingName, Fields: []Field{}},
		{Name: PongName, Fields: []Field{}},
		{Name: HelloName, Fields: []Field{}},
		{Name: ErrorName, Fields: []Field{
			{Name: "code", Type: Uint16},
			{Name: "text", Type: String},
		}},
		{Name: SchemaItemsName, Fields: []Field{
			{Name: "type", Type: Enum, List: types},
			{Name: "schema", Type: String, Optional: true},
			{Name: "items", Type: Schema, Schema: SchemaItemsName, Optional: true},
			{Name: "list", Type: Array, Items: strs, Optional: true},
		}},
		{Name: SchemaName, Fields: []Field{
			{Name: "name", Type: String},
			{Name: "type", Type: Enum, List: types},
			{Name: "items", Type: Schema, Schema: SchemaItemsName, Optional: true},
			{Name: "schema", Type: String, Optional: true},
			{Name: "list", Type: Array, Items: strs, Optional: true},
			{Name: "maxlength", Type: Int32, Optional: true},
			{Name: "optional", Type: Bool, Optional: true},
		}},
		{Name: ProtoName, Fields: []Field{
			{Name: ProtoVersion, Type: Uint32},
			{Name: ProtoTypes, Type: JSON},
			{Name: ProtoSchemesNames, Type: Array, Items: &Field{Type: String}},
			{Name: ProtoSchemes, Type: Array, Items: &Field{
				Type:  Array,
				Items: &Field{Type: Schema, Schema: SchemaName},
			}},
		}},
		{Name: RPCName, Fields: []Field{
			{Name: "method", Type: String},
			{Name: "packet", Type: Packet, Optional: true},
		}},
	}
}

// Describe renders a definition on one line, e.g.
//
//	ERROR: [ code: UINT16, text: STRING ]
func Describe(d Definition) string {
	parts := make([]string, len(d.Fields))
	for i := range d.Fields {
		f := &d.Fields[i]
		var b strings.Builder
		b.WriteString(f.Name)
		if f.Optional {
			b.WriteByte('?')
		}
		b.WriteString(": ")
		b.WriteString(describeType(f))
		parts[i] = b.String()
	}
	return fmt.Sprintf("%s: [ %s ]", d.Name, strings.Join(parts, ", "))
}

func describeType(f *Field) string {
	switch f.Type {
	case Array:
		if f.Items == nil {
			return f.Type.String()
		}
		return "ARRAY[" + describeType(f.Items) + "...]"
	case Schema:
		return "SCHEMA(" + f.Schema + ")"
	default:
		return f.Type.String()
	}
}
