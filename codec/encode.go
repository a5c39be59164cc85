package codec

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"time"
	"unicode/utf8"

	"utp/message"
	"utp/protocol"
	"utp/registry"
	"utp/schema"
)

// Encode packs data with the named schema. An empty name means PROTO; a
// PROTO packet with nil data carries the registry's own definitions.
//
// Every call takes the next packet index, PING included. PONG needs
// data["packetIndex"], the index of the PING it answers.
func (c *Codec) Encode(name string, data map[string]any) ([]byte, error) {
	state := c.reg.State()
	if name == "" {
		name = schema.ProtoName
	}
	if name == schema.ProtoName && data == nil {
		data = state.Definitions()
	}
	idx, def, ok := state.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", protocol.ErrSchemaNotFound, name)
	}
	packetIndex := c.nextIndex()

	if protocol.IsShortForm(idx) {
		if idx == schema.PongIndex {
			pong, err := pongIndex(data)
			if err != nil {
				return nil, protocol.WithOp(protocol.OpPack, protocol.WrapField("packetIndex", err))
			}
			packetIndex = pong
		}
		return protocol.AppendShort(make([]byte, 0, protocol.ShortSize), idx, packetIndex), nil
	}

	e := encoder{state: state, json: c.json}
	buf, err := e.fields(make([]byte, protocol.HeaderSize, 256), def.Fields, data, 0)
	if err != nil {
		return nil, protocol.WithOp(protocol.OpPack, err)
	}
	if uint64(len(buf)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: packet of %d bytes", protocol.ErrIncorrectPacketSize, len(buf))
	}
	protocol.PutHeader(buf, protocol.Header{
		SchemaIndex: idx,
		PacketIndex: packetIndex,
		Version:     uint16(state.Version()),
		Size:        uint32(len(buf)),
	})
	return buf, nil
}

// EncodeProto packs the registry's current definitions.
func (c *Codec) EncodeProto() ([]byte, error) {
	return c.Encode(schema.ProtoName, nil)
}

func pongIndex(data map[string]any) (uint16, error) {
	v := deref(data["packetIndex"])
	if missing(v) {
		return 0, protocol.ErrEmptyRequiredField
	}
	n, err := toInt64(v)
	if err != nil || n < 0 || n > math.MaxUint16 {
		return 0, fmt.Errorf("%w: packetIndex must be a UINT16, got %v", protocol.ErrEmptyRequiredField, v)
	}
	return uint16(n), nil
}

type encoder struct {
	state *registry.State
	json  JSONCodec
}

func (e *encoder) fields(dst []byte, fields []schema.Field, data map[string]any, depth int) ([]byte, error) {
	var err error
	for i := range fields {
		f := &fields[i]
		if dst, err = e.field(dst, f, data[f.Name], depth); err != nil {
			return dst, protocol.WrapField(f.Name, err)
		}
	}
	return dst, nil
}

func (e *encoder) field(dst []byte, f *schema.Field, v any, depth int) ([]byte, error) {
	v = deref(v)
	if missing(v) {
		if !f.Optional {
			return dst, protocol.ErrEmptyRequiredField
		}
		return append(dst, 0), nil
	}
	if f.Optional {
		dst = append(dst, 1)
	}
	return e.value(dst, f, v, depth)
}

func (e *encoder) value(dst []byte, f *schema.Field, v any, depth int) ([]byte, error) {
	if depth > maxDepth {
		return dst, fmt.Errorf("%w: nesting deeper than %d", protocol.ErrInvalidInputData, maxDepth)
	}
	desc := e.state.Descriptor(f.Type)

	switch f.Type {
	case schema.Bool:
		b, ok := v.(bool)
		if !ok {
			return dst, typeError(f.Type, v)
		}
		if b {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil

	case schema.Uint8, schema.Int8, schema.Uint16, schema.Int16,
		schema.Uint32, schema.Int32, schema.Int64, schema.Date:
		if t, ok := v.(time.Time); ok && f.Type == schema.Date {
			return protocol.AppendInt(dst, t.UnixMilli(), desc.Format())
		}
		switch x := v.(type) {
		case float32:
			return protocol.AppendFloat(dst, float64(x), desc.Format())
		case float64:
			return protocol.AppendFloat(dst, x, desc.Format())
		}
		n, err := toInt64(v)
		if err != nil {
			return dst, err
		}
		return protocol.AppendInt(dst, n, desc.Format())

	case schema.Float:
		x, err := toFloat64(v)
		if err != nil {
			return dst, err
		}
		return protocol.AppendFloat(dst, x, desc.Format())

	case schema.Enum:
		s, ok := v.(string)
		if !ok {
			return dst, typeError(f.Type, v)
		}
		i := slices.Index(f.List, s)
		if i < 0 {
			return dst, fmt.Errorf("%w: %q is not one of %v", protocol.ErrInvalidInputDataValue, s, f.List)
		}
		return protocol.AppendUint16(dst, uint16(i)), nil

	case schema.Binary:
		b, ok := v.([]byte)
		if !ok {
			return dst, typeError(f.Type, v)
		}
		if err := checkMax(f, len(b)); err != nil {
			return dst, err
		}
		return protocol.AppendBytes(dst, b)

	case schema.String:
		s, ok := v.(string)
		if !ok {
			return dst, typeError(f.Type, v)
		}
		if err := checkMax(f, utf8.RuneCountInString(s)); err != nil {
			return dst, err
		}
		return protocol.AppendString(dst, s)

	case schema.JSON:
		b, err := e.json.Marshal(v)
		if err != nil {
			return dst, fmt.Errorf("%w: %v", protocol.ErrInvalidInputDataType, err)
		}
		if err := checkMax(f, len(b)); err != nil {
			return dst, err
		}
		return protocol.AppendBytes(dst, b)

	case schema.Array:
		return e.array(dst, f, v, depth)

	case schema.Schema:
		m, ok := v.(map[string]any)
		if !ok {
			return dst, typeError(f.Type, v)
		}
		_, def, ok := e.state.Lookup(f.Schema)
		if !ok {
			return dst, fmt.Errorf("%w: %q", protocol.ErrSchemaNotFound, f.Schema)
		}
		return e.fields(dst, def.Fields, m, depth+1)

	case schema.Packet:
		p, err := message.AsEmbedded(v)
		if err != nil {
			return dst, err
		}
		idx, def, ok := e.state.Lookup(p.Schema)
		if !ok {
			return dst, fmt.Errorf("%w: %q", protocol.ErrSchemaNotFound, p.Schema)
		}
		dst = protocol.AppendUint16(dst, idx)
		return e.fields(dst, def.Fields, p.Data, depth+1)
	}
	return dst, fmt.Errorf("%w: unknown field type %s", protocol.ErrInvalidInputData, f.Type)
}

func (e *encoder) array(dst []byte, f *schema.Field, v any, depth int) ([]byte, error) {
	var (
		n    int
		item func(i int) any
	)
	switch x := v.(type) {
	case []any:
		n, item = len(x), func(i int) any { return x[i] }
	case []string:
		n, item = len(x), func(i int) any { return x[i] }
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return dst, typeError(f.Type, v)
		}
		n, item = rv.Len(), func(i int) any { return rv.Index(i).Interface() }
	}
	if err := checkMax(f, n); err != nil {
		return dst, err
	}
	dst, err := protocol.AppendLength(dst, n)
	if err != nil {
		return dst, err
	}
	for i := 0; i < n; i++ {
		elem := deref(item(i))
		if missing(elem) {
			return dst, protocol.WrapField(index(i), protocol.ErrEmptyRequiredField)
		}
		if dst, err = e.value(dst, f.Items, elem, depth+1); err != nil {
			return dst, protocol.WrapField(index(i), err)
		}
	}
	return dst, nil
}

func index(i int) string {
	return "[" + strconv.Itoa(i) + "]"
}

func checkMax(f *schema.Field, n int) error {
	if f.MaxLength > 0 && n > int(f.MaxLength) {
		return fmt.Errorf("%w: length %d exceeds maxlength %d", protocol.ErrInvalidInputDataValue, n, f.MaxLength)
	}
	return nil
}

func typeError(t schema.Type, v any) error {
	return fmt.Errorf("%w: %s field got %T", protocol.ErrInvalidInputDataType, t, v)
}

// missing reports whether v counts as an absent value: nil, a nil pointer
// or map, or NaN.
func missing(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(x)
	case float32:
		return math.IsNaN(float64(x))
	case map[string]any:
		return x == nil
	case string, bool, int, int64, uint16, uint32, []byte, []any:
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// deref follows pointers, so *int and friends encode like their targets.
// A nil pointer becomes nil.
func deref(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer {
		return v
	}
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return uintToInt64(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintToInt64(x)
	case float32, float64:
		f, _ := toFloat64(x)
		if f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > protocol.MaxSafeInteger {
			return 0, fmt.Errorf("%w: %v is not an integer", protocol.ErrInvalidInputDataType, f)
		}
		return int64(f), nil
	}
	return 0, fmt.Errorf("%w: expected an integer, got %T", protocol.ErrInvalidInputDataType, v)
}

func uintToInt64(x uint64) (int64, error) {
	if x > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d out of range", protocol.ErrInvalidInputDataValue, x)
	}
	return int64(x), nil
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, fmt.Errorf("%w: expected a number, got %T", protocol.ErrInvalidInputDataType, v)
	}
	return float64(n), nil
}
