package codec

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"utp/message"
	"utp/protocol"
	"utp/registry"
	"utp/schema"
)

// maxEmptyItems bounds arrays whose items may encode to zero bytes, where
// the remaining payload cannot bound the element count.
const maxEmptyItems = 1 << 16

// Decode unpacks one complete packet.
//
// A PROTO packet with a newer version upgrades the registry when it is
// unlocked. An RPC packet is unwrapped: Data holds the embedded packet's
// fields and Header.Method the method, which must be bound to the embedded
// packet's schema.
func (c *Codec) Decode(b []byte) (*message.Packet, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: no data", protocol.ErrInvalidInputData)
	}
	state := c.reg.State()

	if len(b) == protocol.ShortSize {
		h, err := protocol.DecodeShort(b)
		if err != nil {
			return nil, err
		}
		if !protocol.IsShortForm(h.SchemaIndex) {
			return nil, fmt.Errorf("%w: schema index %d in a short packet", protocol.ErrInvalidHeader, h.SchemaIndex)
		}
		def, ok := state.Schema(h.SchemaIndex)
		if !ok {
			return nil, fmt.Errorf("%w: index %d", protocol.ErrSchemaNotFound, h.SchemaIndex)
		}
		p := &message.Packet{
			Header: message.Header{Header: h, SchemaName: def.Name},
			Data:   map[string]any{},
		}
		if h.SchemaIndex == schema.PongIndex {
			p.Data["packetIndex"] = h.PacketIndex
		}
		return p, nil
	}

	h, err := protocol.DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if int(h.Size) != len(b) {
		return nil, fmt.Errorf("%w: header says %d bytes, got %d", protocol.ErrIncorrectPacketSize, h.Size, len(b))
	}
	def, ok := state.Schema(h.SchemaIndex)
	if !ok {
		return nil, fmt.Errorf("%w: index %d", protocol.ErrSchemaNotFound, h.SchemaIndex)
	}

	d := decoder{state: state, json: c.json}
	cur := protocol.NewCursor(b, protocol.HeaderSize)
	data, err := d.fields(cur, def.Fields, 0)
	if err != nil {
		return nil, protocol.WithOp(protocol.OpUnpack, err)
	}
	if cur.Remaining() != 0 {
		return nil, protocol.WithOp(protocol.OpUnpack,
			fmt.Errorf("%w: %d trailing bytes", protocol.ErrInvalidBinaryData, cur.Remaining()))
	}

	p := &message.Packet{
		Header: message.Header{Header: h, SchemaName: def.Name},
		Data:   data,
	}
	switch def.Name {
	case schema.ProtoName:
		if err := c.applyProto(state, data); err != nil {
			return nil, err
		}
	case schema.RPCName:
		if err := unwrapRPC(state, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (c *Codec) applyProto(state *registry.State, data map[string]any) error {
	if state.Locked() {
		return nil
	}
	version, _ := data[schema.ProtoVersion].(uint32)
	if version <= state.Version() {
		return nil
	}
	if _, err := c.reg.Upgrade(data); err != nil {
		return err
	}
	log.Debug().Uint32("version", version).Msg("protocol packet applied")
	return nil
}

func unwrapRPC(state *registry.State, p *message.Packet) error {
	method, _ := p.Data["method"].(string)
	inner, ok := p.Data["packet"].(message.Embedded)
	if !ok {
		return fmt.Errorf("%w: method %q carries no packet", protocol.ErrInvalidRPCInputData, method)
	}
	bound, ok := state.Method(method)
	if !ok {
		return fmt.Errorf("%w: method %q is not bound", protocol.ErrInvalidRPCInputData, method)
	}
	if bound != inner.Schema {
		return fmt.Errorf("%w: method %q expects %s, got %s", protocol.ErrInvalidRPCInputData, method, bound, inner.Schema)
	}
	p.Header.Method = method
	p.Data = inner.Data
	return nil
}

type decoder struct {
	state *registry.State
	json  JSONCodec
}

func (d *decoder) fields(cur *protocol.Cursor, fields []schema.Field, depth int) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for i := range fields {
		f := &fields[i]
		if f.Optional {
			flag, err := cur.ReadUint8()
			if err != nil {
				return nil, protocol.WrapField(f.Name, err)
			}
			if flag == 0 {
				continue
			}
			if flag != 1 {
				return nil, protocol.WrapField(f.Name, fmt.Errorf("%w: presence flag %d", protocol.ErrInvalidBinaryData, flag))
			}
		}
		v, err := d.value(cur, f, depth)
		if err != nil {
			return nil, protocol.WrapField(f.Name, err)
		}
		out[f.Name] = v
	}
	return out, nil
}

func (d *decoder) value(cur *protocol.Cursor, f *schema.Field, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", protocol.ErrInvalidBinaryData, maxDepth)
	}
	format := d.state.Descriptor(f.Type).Format()

	switch f.Type {
	case schema.Bool:
		b, err := cur.ReadUint8()
		return b != 0, err

	case schema.Uint8, schema.Int8, schema.Uint16, schema.Int16, schema.Uint32, schema.Int32:
		n, err := cur.ReadInt(format)
		if err != nil {
			return nil, err
		}
		switch f.Type {
		case schema.Uint8:
			return uint8(n), nil
		case schema.Int8:
			return int8(n), nil
		case schema.Uint16:
			return uint16(n), nil
		case schema.Int16:
			return int16(n), nil
		case schema.Uint32:
			return uint32(n), nil
		default:
			return int32(n), nil
		}

	case schema.Int64, schema.Date:
		n, err := cur.ReadInt(format)
		if err != nil {
			return nil, err
		}
		return n, nil

	case schema.Float:
		x, err := cur.ReadFloat(format)
		if err != nil {
			return nil, err
		}
		return x, nil

	case schema.Enum:
		i, err := cur.ReadUint16()
		if err != nil {
			return nil, err
		}
		if int(i) >= len(f.List) {
			return nil, fmt.Errorf("%w: enum index %d out of %d", protocol.ErrInvalidInputDataValue, i, len(f.List))
		}
		return f.List[i], nil

	case schema.Binary:
		b, err := cur.ReadBytes()
		if err != nil {
			return nil, err
		}
		return b, nil

	case schema.String:
		s, err := cur.ReadString()
		if err != nil {
			return nil, err
		}
		return s, nil

	case schema.JSON:
		n, err := cur.ReadLength()
		if err != nil {
			return nil, err
		}
		raw, err := cur.Next(int(n))
		if err != nil {
			return nil, err
		}
		v, err := d.json.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidBinaryData, err)
		}
		return v, nil

	case schema.Array:
		return d.array(cur, f, depth)

	case schema.Schema:
		_, def, ok := d.state.Lookup(f.Schema)
		if !ok {
			return nil, fmt.Errorf("%w: %q", protocol.ErrSchemaNotFound, f.Schema)
		}
		return d.fields(cur, def.Fields, depth+1)

	case schema.Packet:
		idx, err := cur.ReadUint16()
		if err != nil {
			return nil, err
		}
		def, ok := d.state.Schema(idx)
		if !ok {
			return nil, fmt.Errorf("%w: index %d", protocol.ErrSchemaNotFound, idx)
		}
		data, err := d.fields(cur, def.Fields, depth+1)
		if err != nil {
			return nil, err
		}
		return message.Embedded{Schema: def.Name, Data: data}, nil
	}
	return nil, fmt.Errorf("%w: unknown field type %s", protocol.ErrInvalidInputData, f.Type)
}

func (d *decoder) array(cur *protocol.Cursor, f *schema.Field, depth int) (any, error) {
	n, err := cur.ReadLength()
	if err != nil {
		return nil, err
	}
	count := int(n)
	if size := d.minSize(f.Items, 0); size > 0 {
		if count > cur.Remaining()/size {
			return nil, fmt.Errorf("%w: %d items do not fit in %d bytes", protocol.ErrInvalidBinaryData, count, cur.Remaining())
		}
	} else if count > maxEmptyItems {
		return nil, fmt.Errorf("%w: %d items", protocol.ErrInvalidBinaryData, count)
	}

	out := make([]any, count)
	for i := range out {
		v, err := d.value(cur, f.Items, depth+1)
		if err != nil {
			return nil, protocol.WrapField(index(i), err)
		}
		out[i] = v
	}
	return out, nil
}

// minSize returns the fewest bytes a required value of f can encode to.
func (d *decoder) minSize(f *schema.Field, depth int) int {
	switch f.Type {
	case schema.Binary, schema.String, schema.JSON, schema.Array:
		return 4
	case schema.Packet:
		return 2
	case schema.Schema:
		if depth > 4 {
			return 0
		}
		_, def, ok := d.state.Lookup(f.Schema)
		if !ok {
			return 0
		}
		total := 0
		for i := range def.Fields {
			if def.Fields[i].Optional {
				total++
				continue
			}
			total += d.minSize(&def.Fields[i], depth+1)
		}
		return total
	}
	return d.state.Descriptor(f.Type).Format().Size()
}
