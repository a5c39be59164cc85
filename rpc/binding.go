// Package rpc binds method names to schemas and serves RPC packets.
//
// An RPC packet is an RPC schema packet {method, packet} whose embedded
// packet must use the schema bound to method. Binding encodes them; Router
// answers incoming packets of any kind:
//
//	PING  -> PONG echoing the packet index
//	HELLO -> PROTO with the local definitions
//	PROTO -> applied by the decoder, no answer
//	RPC   -> Middleware Chain -> method handler -> RPC reply or ERROR
//
// ServeConn and ListenAndServe run a Router over network connections; Conn
// is the calling side.
package rpc

import (
	"fmt"

	"utp/codec"
	"utp/message"
	"utp/protocol"
	"utp/schema"
)

// Binding encodes RPC packets for the methods registered in the codec's
// registry.
type Binding struct {
	codec *codec.Codec
}

// New returns a binding over c.
func New(c *codec.Codec) *Binding {
	return &Binding{codec: c}
}

// Codec returns the underlying codec.
func (b *Binding) Codec() *codec.Codec {
	return b.codec
}

// Register binds method to an existing schema.
func (b *Binding) Register(method, schemaName string) error {
	return b.codec.Registry().RegisterRPC(method, schemaName)
}

// Methods returns the bound methods, sorted.
func (b *Binding) Methods() []string {
	return b.codec.Registry().Methods()
}

// Encode packs data as the packet of method, wrapped in an RPC packet.
func (b *Binding) Encode(method string, data map[string]any) ([]byte, error) {
	name, ok := b.codec.Registry().State().Method(method)
	if !ok {
		return nil, fmt.Errorf("%w: rpc method %q is not registered", protocol.ErrInvalidInputDataValue, method)
	}
	return b.codec.Encode(schema.RPCName, map[string]any{
		"method": method,
		"packet": message.Embedded{Schema: name, Data: data},
	})
}
