// Package codec encodes and decodes UTP packets against a schema registry.
//
// A packet is a header followed by the schema's fields in definition order:
//
//	+-------------+-------------+---------+-----------+----------------+
//	| schemaIndex | packetIndex | version | totalSize | fields ...     |
//	|   uint16    |   uint16    | uint16  |  uint32   |                |
//	+-------------+-------------+---------+-----------+----------------+
//
// PING and PONG use the 4-byte short form (schemaIndex, packetIndex) only.
//
// Fields carry no names or tags: both sides walk the same definition.
// Optional fields are preceded by a presence byte (1 filled, 0 absent).
// Decoding a PROTO packet may upgrade the registry; decoding an RPC packet
// unwraps the embedded packet of the bound method.
package codec

import (
	"sync/atomic"

	"utp/protocol"
	"utp/registry"
)

// maxDepth bounds recursion through nested SCHEMA, PACKET and ARRAY values.
const maxDepth = 100

// Codec is safe for concurrent use. Each call works on one registry
// snapshot.
type Codec struct {
	reg     *registry.Registry
	json    JSONCodec
	counter atomic.Uint32
}

// New returns a codec bound to reg.
func New(reg *registry.Registry) *Codec {
	return &Codec{reg: reg}
}

// Registry returns the registry the codec encodes against.
func (c *Codec) Registry() *registry.Registry {
	return c.reg
}

// nextIndex advances the packet counter: 1, 2, ... 55555, 0, 1, ...
func (c *Codec) nextIndex() uint16 {
	for {
		cur := c.counter.Load()
		next := cur + 1
		if next > protocol.MaxPacketIndex {
			next = 0
		}
		if c.counter.CompareAndSwap(cur, next) {
			return uint16(next)
		}
	}
}
