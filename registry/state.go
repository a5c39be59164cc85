package registry

import (
	"fmt"
	"math"
	"sort"

	"utp/protocol"
	"utp/schema"
)

// maxSchemas bounds the registry to what a u16 schema index can address.
const maxSchemas = math.MaxUint16 + 1

// State is an immutable snapshot of the registry. An encode or decode call
// loads one State and uses it throughout, so a concurrent upgrade never
// mixes two protocol versions inside one packet.
//
// Definitions returned by a State share memory with it and must not be
// modified.
type State struct {
	version uint32
	locked  bool
	types   map[string]schema.Descriptor
	names   []string
	index   map[string]uint16
	schemas []schema.Definition
	rpc     map[string]string // method -> schema name
}

func bootstrapState() *State {
	s := &State{
		version: 1,
		locked:  true,
		types:   schema.DefaultDescriptors(),
		index:   make(map[string]uint16),
		rpc:     make(map[string]string),
	}
	for _, d := range schema.Bootstrap() {
		s.append(d)
	}
	return s
}

// clone returns a copy that can be modified before it is published.
// Definitions are shared: they are never mutated in place.
func (s *State) clone() *State {
	c := &State{
		version: s.version,
		locked:  s.locked,
		types:   s.types,
		names:   append([]string(nil), s.names...),
		index:   make(map[string]uint16, len(s.index)),
		schemas: append([]schema.Definition(nil), s.schemas...),
		rpc:     make(map[string]string, len(s.rpc)),
	}
	for k, v := range s.index {
		c.index[k] = v
	}
	for k, v := range s.rpc {
		c.rpc[k] = v
	}
	return c
}

func (s *State) append(d schema.Definition) uint16 {
	i := uint16(len(s.schemas))
	s.names = append(s.names, d.Name)
	s.index[d.Name] = i
	s.schemas = append(s.schemas, d)
	return i
}

// check resolves every schema reference.
func (s *State) check() error {
	for _, d := range s.schemas {
		for i := range d.Fields {
			for _, ref := range d.Fields[i].References() {
				if _, ok := s.index[ref]; !ok {
					return fmt.Errorf("%w: schema %q field %q references unknown schema %q",
						protocol.ErrSchemaNotFound, d.Name, d.Fields[i].Name, ref)
				}
			}
		}
	}
	return nil
}

// Version returns the protocol version.
func (s *State) Version() uint32 { return s.version }

// Locked reports whether incoming PROTO packets are ignored.
func (s *State) Locked() bool { return s.locked }

// Len returns the number of schemas.
func (s *State) Len() int { return len(s.schemas) }

// Index resolves a schema name.
func (s *State) Index(name string) (uint16, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Schema returns the definition at index i.
func (s *State) Schema(i uint16) (schema.Definition, bool) {
	if int(i) >= len(s.schemas) {
		return schema.Definition{}, false
	}
	return s.schemas[i], true
}

// Lookup resolves a schema by name.
func (s *State) Lookup(name string) (uint16, schema.Definition, bool) {
	i, ok := s.index[name]
	if !ok {
		return 0, schema.Definition{}, false
	}
	return i, s.schemas[i], true
}

// Descriptor returns the layout of t from the type table.
func (s *State) Descriptor(t schema.Type) schema.Descriptor {
	if d, ok := s.types[t.String()]; ok {
		return d
	}
	return t.Descriptor()
}

// Method returns the schema bound to an RPC method.
func (s *State) Method(method string) (string, bool) {
	name, ok := s.rpc[method]
	return name, ok
}

// Methods returns the bound RPC methods, sorted.
func (s *State) Methods() []string {
	out := make([]string, 0, len(s.rpc))
	for m := range s.rpc {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Definitions renders the snapshot as the data of a PROTO packet. The
// result has exactly the shape Decode produces for that packet.
func (s *State) Definitions() map[string]any {
	names := make([]any, len(s.names))
	for i, n := range s.names {
		names[i] = n
	}
	schemes := make([]any, len(s.schemas))
	for i, d := range s.schemas {
		fields := make([]any, len(d.Fields))
		for j := range d.Fields {
			fields[j] = d.Fields[j].Value()
		}
		schemes[i] = fields
	}
	return map[string]any{
		schema.ProtoVersion:      s.version,
		schema.ProtoTypes:        schema.DescriptorsValue(s.types),
		schema.ProtoSchemesNames: names,
		schema.ProtoSchemes:      schemes,
	}
}

// parseProto builds a state from PROTO packet data. The lock flag and RPC
// bindings are carried over from prev.
func parseProto(proto map[string]any, prev *State) (*State, error) {
	if proto == nil {
		return nil, fmt.Errorf("%w: empty protocol definition", protocol.ErrInvalidInputData)
	}
	version, err := toUint32(proto[schema.ProtoVersion])
	if err != nil {
		return nil, err
	}
	types, err := schema.ParseDescriptors(proto[schema.ProtoTypes])
	if err != nil {
		return nil, err
	}
	for _, t := range schema.Types() {
		d, ok := types[t.String()]
		if !ok {
			return nil, fmt.Errorf("%w: type table lacks %s", protocol.ErrInvalidInputData, t)
		}
		if d != t.Descriptor() {
			return nil, fmt.Errorf("%w: type %s has layout %+v, want %+v", protocol.ErrInvalidInputData, t, d, t.Descriptor())
		}
	}

	rawNames, ok := proto[schema.ProtoSchemesNames].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an array", protocol.ErrInvalidInputData, schema.ProtoSchemesNames)
	}
	rawSchemes, ok := proto[schema.ProtoSchemes].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an array", protocol.ErrInvalidInputData, schema.ProtoSchemes)
	}
	if len(rawNames) != len(rawSchemes) {
		return nil, fmt.Errorf("%w: %d schema names for %d schemas", protocol.ErrInvalidInputData, len(rawNames), len(rawSchemes))
	}
	if len(rawNames) > maxSchemas {
		return nil, fmt.Errorf("%w: %d schemas exceed the index space", protocol.ErrInvalidInputData, len(rawNames))
	}

	s := &State{
		version: version,
		locked:  prev.locked,
		types:   types,
		index:   make(map[string]uint16, len(rawNames)),
		rpc:     make(map[string]string, len(prev.rpc)),
	}
	bootstrap := schema.Bootstrap()
	for i, raw := range rawNames {
		name, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: schema name %d must be a string", protocol.ErrInvalidInputData, i)
		}
		if i < len(bootstrap) && name != bootstrap[i].Name {
			return nil, fmt.Errorf("%w: index %d must hold %s, got %q", protocol.ErrInvalidInputData, i, bootstrap[i].Name, name)
		}
		if _, dup := s.index[name]; dup {
			return nil, fmt.Errorf("%w: duplicate schema %q", protocol.ErrInvalidInputData, name)
		}
		rawFields, ok := rawSchemes[i].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: schema %q fields must be an array", protocol.ErrInvalidInputData, name)
		}
		def := schema.Definition{Name: name, Fields: make([]schema.Field, len(rawFields))}
		for j, rf := range rawFields {
			f, err := schema.ParseField(rf)
			if err != nil {
				return nil, fmt.Errorf("schema %q: %w", name, err)
			}
			def.Fields[j] = f
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidInputData, err)
		}
		s.append(def)
	}
	if len(s.schemas) < len(bootstrap) {
		return nil, fmt.Errorf("%w: protocol lacks bootstrap schemas", protocol.ErrInvalidInputData)
	}
	if err := s.check(); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidInputData, err)
	}
	for method, name := range prev.rpc {
		if _, ok := s.index[name]; ok {
			s.rpc[method] = name
		}
	}
	return s, nil
}

func toUint32(v any) (uint32, error) {
	var n float64
	switch x := v.(type) {
	case uint32:
		return x, nil
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case uint64:
		n = float64(x)
	case float64:
		n = x
	default:
		return 0, fmt.Errorf("%w: version must be a number, got %T", protocol.ErrInvalidInputData, v)
	}
	if n < 0 || n > math.MaxUint32 || n != math.Trunc(n) {
		return 0, fmt.Errorf("%w: version %v out of range", protocol.ErrInvalidInputData, v)
	}
	return uint32(n), nil
}
