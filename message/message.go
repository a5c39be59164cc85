// Package message defines the values exchanged through the codec.
//
// Packet is what Decode returns: the header plus the field data keyed by
// field name. Call and Reply are the envelopes the rpc router hands to
// method handlers.
package message

import (
	"fmt"

	"utp/protocol"
)

// Header is a decoded packet header with the schema name resolved.
//
//   - SchemaName: name of the schema the packet was encoded with.
//   - Method:     for RPC packets, the bound method. SchemaName stays "RPC"
//     and Data holds the embedded packet's fields.
type Header struct {
	protocol.Header
	SchemaName string
	Method     string
}

// Packet is a decoded packet. Short-form packets (PING, PONG) carry no
// data except PONG's "packetIndex".
type Packet struct {
	Header Header
	Data   map[string]any
}

// Embedded is the value of a PACKET field: a packet of any schema carried
// inside another one.
type Embedded struct {
	Schema string
	Data   map[string]any
}

// AsEmbedded accepts the forms a PACKET field value may take when encoding:
// Embedded, *Embedded, or a map with "schema" and "data" keys.
func AsEmbedded(v any) (Embedded, error) {
	switch e := v.(type) {
	case Embedded:
		return e, nil
	case *Embedded:
		if e == nil {
			return Embedded{}, fmt.Errorf("%w: nil packet", protocol.ErrInvalidInputDataType)
		}
		return *e, nil
	case map[string]any:
		name, ok := e["schema"].(string)
		if !ok {
			return Embedded{}, fmt.Errorf("%w: packet schema must be a string, got %T", protocol.ErrInvalidInputDataType, e["schema"])
		}
		out := Embedded{Schema: name}
		switch data := e["data"].(type) {
		case nil:
		case map[string]any:
			out.Data = data
		default:
			return Embedded{}, fmt.Errorf("%w: packet data must be an object, got %T", protocol.ErrInvalidInputDataType, data)
		}
		return out, nil
	}
	return Embedded{}, fmt.Errorf("%w: expected a packet, got %T", protocol.ErrInvalidInputDataType, v)
}

// Call carries one RPC invocation to a handler.
type Call struct {
	Method string
	Header Header
	Data   map[string]any
}

// Reply carries a handler's answer.
//
//   - On success: Method names the RPC the answer is sent as (it may differ
//     from the call), Data holds its fields.
//   - On failure: Err is set and the router answers with an ERROR packet.
type Reply struct {
	Method string
	Data   map[string]any
	Err    error
}

// Errorf builds a failed reply.
func Errorf(format string, args ...any) *Reply {
	return &Reply{Err: fmt.Errorf(format, args...)}
}
